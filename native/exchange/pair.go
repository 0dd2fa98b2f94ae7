// Package exchange is a minimal constant-product exchange (x*y=k with a 0.3%
// fee) that the reserve converter routes swaps through. Pair reserves are
// bank balances held by a pair address derived from the two token addresses.
package exchange

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"isolend/core/types"
	"isolend/native/clock"
	nativecommon "isolend/native/common"
)

const moduleName = "exchange"

const (
	EventTypeLiquidityAdded   = "exchange.liquidity.added"
	EventTypeLiquidityRemoved = "exchange.liquidity.removed"
	EventTypeSwap             = "exchange.swap"
)

var (
	ErrIdenticalTokens       = errors.New("exchange: identical tokens")
	ErrInvalidPath           = errors.New("exchange: path needs at least two tokens")
	ErrPairNotFound          = errors.New("exchange: pair does not exist")
	ErrExpired               = errors.New("exchange: deadline passed")
	ErrInsufficientOutput    = errors.New("exchange: output below minimum")
	ErrInsufficientLiquidity = errors.New("exchange: insufficient liquidity")
	ErrInvalidAmount         = errors.New("exchange: amount must be positive")

	errNilState = errors.New("exchange: state not configured")
	errNilBank  = errors.New("exchange: token ledger not configured")
)

// minimumLiquidity is locked forever on the first deposit so the pool can
// never be drained to zero shares.
var minimumLiquidity = big.NewInt(1000)

type exchangeState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	Emit(*types.Event)
	Atomic(fn func() error) error
}

// TokenLedger moves underlying tokens. Transfer returns what the recipient
// actually received.
type TokenLedger interface {
	BalanceOf(asset, holder common.Address) (*big.Int, error)
	Transfer(asset, from, to common.Address, amount *big.Int) (*big.Int, error)
}

// Pair is the persisted record of one pool. Token0 sorts below Token1.
type Pair struct {
	Token0      common.Address
	Token1      common.Address
	Reserve0    *big.Int
	Reserve1    *big.Int
	TotalSupply *big.Int
}

func (p *Pair) normalise() *Pair {
	for _, v := range []**big.Int{&p.Reserve0, &p.Reserve1, &p.TotalSupply} {
		if *v == nil {
			*v = new(big.Int)
		}
	}
	return p
}

// reserves returns the reserves ordered as (in, out) for a swap from tokenIn.
func (p *Pair) reserves(tokenIn common.Address) (*big.Int, *big.Int) {
	if tokenIn == p.Token0 {
		return p.Reserve0, p.Reserve1
	}
	return p.Reserve1, p.Reserve0
}

// Router owns every pair and executes swaps along multi-hop paths.
type Router struct {
	state  exchangeState
	bank   TokenLedger
	clock  clock.Source
	pauses nativecommon.PauseView
	guard  nativecommon.Reentrancy
	logger *slog.Logger
}

// NewRouter wires the exchange to state, the token ledger and the clock that
// swap deadlines are checked against.
func NewRouter(state exchangeState, bank TokenLedger, src clock.Source) (*Router, error) {
	if state == nil {
		return nil, errNilState
	}
	if bank == nil {
		return nil, errNilBank
	}
	if src == nil {
		return nil, fmt.Errorf("exchange: clock not configured")
	}
	return &Router{state: state, bank: bank, clock: src, logger: slog.Default()}, nil
}

func (r *Router) SetLogger(logger *slog.Logger) {
	if r == nil || logger == nil {
		return
	}
	r.logger = logger
}

func (r *Router) SetPauses(view nativecommon.PauseView) {
	if r == nil {
		return
	}
	r.pauses = view
}

func sortTokens(a, b common.Address) (common.Address, common.Address, error) {
	switch cmp := bytes.Compare(a.Bytes(), b.Bytes()); {
	case cmp == 0:
		return common.Address{}, common.Address{}, ErrIdenticalTokens
	case cmp < 0:
		return a, b, nil
	default:
		return b, a, nil
	}
}

// PairAddress derives the address that holds a pair's reserves:
// the last 20 bytes of keccak256("exchange/pair" || token0 || token1).
func PairAddress(tokenA, tokenB common.Address) (common.Address, error) {
	token0, token1, err := sortTokens(tokenA, tokenB)
	if err != nil {
		return common.Address{}, err
	}
	hash := ethcrypto.Keccak256([]byte("exchange/pair"), token0.Bytes(), token1.Bytes())
	return common.BytesToAddress(hash[12:]), nil
}

func pairKey(addr common.Address) []byte {
	return []byte("exchange/pair/" + addr.Hex())
}

func shareKey(pair, provider common.Address) []byte {
	return []byte("exchange/share/" + pair.Hex() + "/" + provider.Hex())
}

func (r *Router) loadPair(addr common.Address) (*Pair, bool, error) {
	var pair Pair
	ok, err := r.state.KVGet(pairKey(addr), &pair)
	if err != nil || !ok {
		return nil, false, err
	}
	return pair.normalise(), true, nil
}

// Pair returns the stored record of the pair for the two tokens.
func (r *Router) Pair(tokenA, tokenB common.Address) (*Pair, error) {
	addr, err := PairAddress(tokenA, tokenB)
	if err != nil {
		return nil, err
	}
	pair, ok, err := r.loadPair(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrPairNotFound, tokenA.Hex(), tokenB.Hex())
	}
	return pair, nil
}

// LiquidityOf returns provider's share of the pair.
func (r *Router) LiquidityOf(tokenA, tokenB, provider common.Address) (*big.Int, error) {
	addr, err := PairAddress(tokenA, tokenB)
	if err != nil {
		return nil, err
	}
	share := new(big.Int)
	if _, err := r.state.KVGet(shareKey(addr, provider), share); err != nil {
		return nil, err
	}
	return share, nil
}

// sync sets the stored reserves to the pair's actual balances.
func (r *Router) sync(addr common.Address, pair *Pair) error {
	b0, err := r.bank.BalanceOf(pair.Token0, addr)
	if err != nil {
		return err
	}
	b1, err := r.bank.BalanceOf(pair.Token1, addr)
	if err != nil {
		return err
	}
	pair.Reserve0, pair.Reserve1 = b0, b1
	return r.state.KVPut(pairKey(addr), pair)
}

func (r *Router) run(fn func() error) error {
	if err := nativecommon.Guard(r.pauses, moduleName); err != nil {
		return err
	}
	if err := r.guard.Enter(); err != nil {
		return err
	}
	defer r.guard.Exit()
	return r.state.Atomic(fn)
}
