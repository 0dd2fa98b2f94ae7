// Package bank is the underlying token ledger the protocol settles against.
// Balances are kept per (asset, holder) in state so every movement joins the
// caller's transaction and is rolled back with it.
package bank

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"isolend/core/types"
	"isolend/native/fixedpoint"
)

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrInvalidAmount       = errors.New("bank: amount must be positive")
	ErrZeroAddress         = errors.New("bank: zero address")
	errFeeTooHigh          = errors.New("bank: transfer fee must be below 10000 bps")
)

const (
	EventTypeTransfer = "bank.transfer"
	EventTypeMint     = "bank.mint"
	EventTypeBurn     = "bank.burn"
)

type bankState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	Emit(evt *types.Event)
}

// Ledger moves underlying tokens between holders.
type Ledger struct {
	state bankState
}

// NewLedger wires the ledger to the state manager.
func NewLedger(state bankState) *Ledger {
	return &Ledger{state: state}
}

func balanceKey(asset, holder common.Address) []byte {
	return []byte(fmt.Sprintf("bank/balance/%s/%s", asset.Hex(), holder.Hex()))
}

func supplyKey(asset common.Address) []byte {
	return []byte(fmt.Sprintf("bank/supply/%s", asset.Hex()))
}

func feeKey(asset common.Address) []byte {
	return []byte(fmt.Sprintf("bank/fee/%s", asset.Hex()))
}

func (l *Ledger) load(key []byte) (*big.Int, error) {
	value := new(big.Int)
	if _, err := l.state.KVGet(key, value); err != nil {
		return nil, err
	}
	return value, nil
}

// BalanceOf returns the holder's balance of asset.
func (l *Ledger) BalanceOf(asset, holder common.Address) (*big.Int, error) {
	return l.load(balanceKey(asset, holder))
}

// TotalSupply returns the outstanding amount of asset.
func (l *Ledger) TotalSupply(asset common.Address) (*big.Int, error) {
	return l.load(supplyKey(asset))
}

// TransferFee returns the fee-on-transfer rate configured for asset.
func (l *Ledger) TransferFee(asset common.Address) (uint64, error) {
	var bps uint64
	if _, err := l.state.KVGet(feeKey(asset), &bps); err != nil {
		return 0, err
	}
	return bps, nil
}

// SetTransferFee makes asset burn bps of every transfer, mimicking tokens that
// deliver less than the requested amount.
func (l *Ledger) SetTransferFee(asset common.Address, bps uint64) error {
	if bps >= 10_000 {
		return errFeeTooHigh
	}
	return l.state.KVPut(feeKey(asset), bps)
}

func (l *Ledger) adjust(asset, holder common.Address, delta *big.Int) error {
	key := balanceKey(asset, holder)
	balance, err := l.load(key)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(balance, delta)
	if next.Sign() < 0 {
		return fmt.Errorf("%w: %s holds %s of %s", ErrInsufficientBalance, holder.Hex(), balance, asset.Hex())
	}
	if next.Cmp(fixedpoint.MaxUint256) > 0 {
		return fixedpoint.ErrOverflow
	}
	return l.state.KVPut(key, next)
}

func (l *Ledger) adjustSupply(asset common.Address, delta *big.Int) error {
	supply, err := l.load(supplyKey(asset))
	if err != nil {
		return err
	}
	next := new(big.Int).Add(supply, delta)
	if next.Sign() < 0 {
		return ErrInsufficientBalance
	}
	if next.Cmp(fixedpoint.MaxUint256) > 0 {
		return fixedpoint.ErrOverflow
	}
	return l.state.KVPut(supplyKey(asset), next)
}

// Transfer moves amount of asset from one holder to another and returns what
// the recipient actually received after any transfer fee.
func (l *Ledger) Transfer(asset, from, to common.Address, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if amount.Sign() == 0 {
		return new(big.Int), nil
	}
	bps, err := l.TransferFee(asset)
	if err != nil {
		return nil, err
	}
	fee := new(big.Int)
	if bps > 0 {
		fee.Mul(amount, new(big.Int).SetUint64(bps))
		fee.Quo(fee, big.NewInt(10_000))
	}
	received := new(big.Int).Sub(amount, fee)

	if err := l.adjust(asset, from, new(big.Int).Neg(amount)); err != nil {
		return nil, err
	}
	if err := l.adjust(asset, to, received); err != nil {
		return nil, err
	}
	if fee.Sign() > 0 {
		if err := l.adjustSupply(asset, new(big.Int).Neg(fee)); err != nil {
			return nil, err
		}
	}
	l.state.Emit(&types.Event{
		Type: EventTypeTransfer,
		Attributes: map[string]string{
			"asset":    asset.Hex(),
			"from":     from.Hex(),
			"to":       to.Hex(),
			"amount":   amount.String(),
			"received": received.String(),
		},
	})
	return received, nil
}

// Mint creates new units of asset for the holder.
func (l *Ledger) Mint(asset, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if err := l.adjustSupply(asset, amount); err != nil {
		return err
	}
	if err := l.adjust(asset, to, amount); err != nil {
		return err
	}
	l.state.Emit(&types.Event{
		Type:       EventTypeMint,
		Attributes: map[string]string{"asset": asset.Hex(), "to": to.Hex(), "amount": amount.String()},
	})
	return nil
}

// Burn destroys units of asset held by from.
func (l *Ledger) Burn(asset, from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := l.adjust(asset, from, new(big.Int).Neg(amount)); err != nil {
		return err
	}
	if err := l.adjustSupply(asset, new(big.Int).Neg(amount)); err != nil {
		return err
	}
	l.state.Emit(&types.Event{
		Type:       EventTypeBurn,
		Attributes: map[string]string{"asset": asset.Hex(), "from": from.Hex(), "amount": amount.String()},
	})
	return nil
}
