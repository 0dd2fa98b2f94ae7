// Package auction sells a pool's socialised bad debt. Healing records each
// pool's shortfall here; once it crosses the configured minimum an auction
// opens, bidders compete in base asset, and the winner receives the pool's
// impaired collateral plus any reserve backstop while the winning bid
// replenishes the reserve converter.
package auction

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"isolend/core/types"
	"isolend/native/clock"
	nativecommon "isolend/native/common"
	"isolend/native/fixedpoint"
)

const moduleName = "auction"

const (
	EventTypeStarted           = "auction.started"
	EventTypeBid               = "auction.bid"
	EventTypeSettled           = "auction.settled"
	EventTypeVoided            = "auction.voided"
	EventTypeShortfallRecorded = "auction.shortfall.recorded"
	EventTypeConfigUpdated     = "auction.config.updated"
)

var (
	ErrUnauthorizedCaller = errors.New("auction: caller not authorised")
	ErrInvalidParams      = errors.New("auction: invalid parameters")
	ErrInvalidConfig      = errors.New("auction: invalid configuration")
	ErrNotInitialised     = errors.New("auction: not initialised")
	ErrClockMismatch      = errors.New("auction: clock unit differs from configuration")
	ErrUnknownPool        = errors.New("auction: pool not registered")
	ErrAuctionOpen        = errors.New("auction: auction already open")
	ErrAuctionNotOpen     = errors.New("auction: no open auction")
	ErrBadDebtTooLow      = errors.New("auction: pool bad debt below minimum")
	ErrBidTooLow          = errors.New("auction: bid below minimum")
	ErrBiddingClosed      = errors.New("auction: bidding window closed")
	ErrAuctionNotOver     = errors.New("auction: bidding still open")
	ErrNoBids             = errors.New("auction: no bids placed")
	ErrHasBids            = errors.New("auction: auction has bids")
	ErrSelfOutbid         = errors.New("auction: already the highest bidder")
	ErrTransferShortfall  = errors.New("auction: bid escrow received less than bid")

	errNilState     = errors.New("auction: state not configured")
	errNilBank      = errors.New("auction: token ledger not configured")
	errNilConverter = errors.New("auction: converter not configured")
	errNilOracle    = errors.New("auction: oracle not configured")
)

// Status is the lifecycle stage of a pool's current auction.
type Status uint8

const (
	StatusNone Status = iota
	StatusOpen
	StatusSettled
	StatusVoid
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusSettled:
		return "settled"
	case StatusVoid:
		return "void"
	default:
		return "none"
	}
}

const bpsDenominator = 10_000

type auctionState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	Emit(*types.Event)
	Atomic(fn func() error) error
}

// TokenLedger moves base asset between bidders, the auction and the
// converter.
type TokenLedger interface {
	Transfer(asset, from, to common.Address, amount *big.Int) (*big.Int, error)
}

// ReserveConverter holds each pool's base reserve.
type ReserveConverter interface {
	Address() common.Address
	BaseAsset(pool string) (common.Address, error)
	PoolBaseReserve(pool string) (*big.Int, error)
	TransferReserveForAuction(caller common.Address, pool string, amount *big.Int) error
	DepositAuctionProceeds(caller common.Address, pool string, amount *big.Int) error
}

// PriceOracle converts the bad debt value into base asset units.
type PriceOracle interface {
	GetPrice(asset common.Address) (*big.Int, error)
}

// Authorizer checks (caller, contract, method) permissions.
type Authorizer interface {
	Check(account, contract common.Address, signature string) error
}

// Pool is the lending pool whose impaired collateral is sold.
type Pool interface {
	ID() string
	Address() common.Address
	// LockBadDebt fixes the collateral and bad debt a round sells.
	LockBadDebt(caller common.Address) error
	SettleBadDebt(caller, winner common.Address) error
}

// Dependencies are the collaborators the auction is built with.
type Dependencies struct {
	State     auctionState
	Bank      TokenLedger
	Converter ReserveConverter
	Oracle    PriceOracle
	ACM       Authorizer
	Clock     clock.Source
}

// Config holds the auction knobs. Windows are in the clock's unit, blocks or
// seconds, as selected by IsTimeBased.
type Config struct {
	// MinPoolBadDebt is the 18-decimal value a pool's bad debt must reach
	// before an auction can start.
	MinPoolBadDebt *big.Int
	// MinBid is the smallest acceptable first bid, in base asset.
	MinBid             *big.Int
	MinIncrementBps    uint64
	WaitForFirstBidder uint64
	NextBidderWindow   uint64
	ExtensionWindow    uint64
	MaxAuctionDuration uint64
	// BackstopBps is the share of the bad debt value paid to the winner from
	// the pool's base reserve.
	BackstopBps uint64
	IsTimeBased bool
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	switch {
	case c.MinPoolBadDebt == nil || c.MinPoolBadDebt.Sign() < 0:
		return fmt.Errorf("%w: minimum pool bad debt", ErrInvalidConfig)
	case c.MinBid == nil || c.MinBid.Sign() <= 0:
		return fmt.Errorf("%w: minimum bid", ErrInvalidConfig)
	case c.WaitForFirstBidder == 0 || c.NextBidderWindow == 0:
		return fmt.Errorf("%w: bidding windows must be positive", ErrInvalidConfig)
	case c.MaxAuctionDuration < c.NextBidderWindow:
		return fmt.Errorf("%w: max duration shorter than bidder window", ErrInvalidConfig)
	case c.ExtensionWindow > c.MaxAuctionDuration:
		return fmt.Errorf("%w: extension window exceeds max duration", ErrInvalidConfig)
	case c.MinIncrementBps > bpsDenominator || c.BackstopBps > bpsDenominator:
		return fmt.Errorf("%w: basis points above 10000", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) normalise() {
	c.MinPoolBadDebt = fixedpoint.Clone(c.MinPoolBadDebt)
	c.MinBid = fixedpoint.Clone(c.MinBid)
}

// Record is the persisted state of one pool's auction round.
type Record struct {
	Status           Status
	Round            uint64
	BaseAsset        common.Address
	BadDebt          *big.Int
	StartedAt        uint64
	FirstBidDeadline uint64
	HighestBidder    common.Address
	HighestBid       *big.Int
	BidDeadline      uint64
	HardDeadline     uint64
	Backstop         *big.Int
}

func (r *Record) normalise() *Record {
	for _, v := range []**big.Int{&r.BadDebt, &r.HighestBid, &r.Backstop} {
		if *v == nil {
			*v = new(big.Int)
		} else {
			*v = new(big.Int).Set(*v)
		}
	}
	return r
}

// HasBid reports whether anyone has bid in the current round.
func (r *Record) HasBid() bool { return r.HighestBidder != (common.Address{}) }

// Auction runs one auction per registered pool and acts as the bad debt
// registry and impaired collateral custodian for those pools.
type Auction struct {
	address   common.Address
	state     auctionState
	bank      TokenLedger
	converter ReserveConverter
	oracle    PriceOracle
	acm       Authorizer
	clock     clock.Source
	pauses    nativecommon.PauseView
	logger    *slog.Logger

	guard nativecommon.Reentrancy
	pools map[string]Pool
}

// New creates the auction holding escrow at address.
func New(address common.Address, deps Dependencies) (*Auction, error) {
	if address == (common.Address{}) {
		return nil, ErrInvalidParams
	}
	if deps.State == nil {
		return nil, errNilState
	}
	if deps.Bank == nil {
		return nil, errNilBank
	}
	if deps.Converter == nil {
		return nil, errNilConverter
	}
	if deps.Oracle == nil {
		return nil, errNilOracle
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("auction: clock not configured")
	}
	return &Auction{
		address:   address,
		state:     deps.State,
		bank:      deps.Bank,
		converter: deps.Converter,
		oracle:    deps.Oracle,
		acm:       deps.ACM,
		clock:     deps.Clock,
		logger:    slog.Default(),
		pools:     make(map[string]Pool),
	}, nil
}

func (a *Auction) SetLogger(logger *slog.Logger) {
	if a == nil || logger == nil {
		return
	}
	a.logger = logger
}

func (a *Auction) SetPauses(view nativecommon.PauseView) {
	if a == nil {
		return
	}
	a.pauses = view
}

// Address is the auction's account. It also holds bid escrow.
func (a *Auction) Address() common.Address { return a.address }

// Custodian is where healed accounts' collateral shares wait for a winner.
func (a *Auction) Custodian() common.Address { return a.address }

// AddPool registers pool so its shortfalls can be recorded and auctioned.
func (a *Auction) AddPool(pool Pool) error {
	if pool == nil || pool.ID() == "" {
		return ErrInvalidParams
	}
	if _, exists := a.pools[pool.ID()]; exists {
		return fmt.Errorf("%w: pool %s already registered", ErrInvalidParams, pool.ID())
	}
	a.pools[pool.ID()] = pool
	return nil
}

// Pools returns the registered pool ids in sorted order.
func (a *Auction) Pools() []string {
	ids := make([]string, 0, len(a.pools))
	for id := range a.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (a *Auction) pool(id string) (Pool, error) {
	p, ok := a.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, id)
	}
	return p, nil
}

var configKey = []byte("auction/config")

func recordKey(pool string) []byte { return []byte("auction/record/" + pool) }

func badDebtKey(pool string) []byte { return []byte("auction/bad-debt/" + pool) }

// Initialise stores the first configuration. Later calls are no-ops; use the
// setters to change individual knobs.
func (a *Auction) Initialise(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.IsTimeBased != a.clock.IsTimeBased() {
		return ErrClockMismatch
	}
	var existing Config
	ok, err := a.state.KVGet(configKey, &existing)
	if err != nil || ok {
		return err
	}
	cfg.normalise()
	return a.state.KVPut(configKey, &cfg)
}

// Config returns the stored configuration.
func (a *Auction) Config() (Config, error) {
	var cfg Config
	ok, err := a.state.KVGet(configKey, &cfg)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Config{}, ErrNotInitialised
	}
	cfg.normalise()
	return cfg, nil
}

// Current returns pool's current auction record.
func (a *Auction) Current(pool string) (*Record, error) {
	var rec Record
	if _, err := a.state.KVGet(recordKey(pool), &rec); err != nil {
		return nil, err
	}
	return rec.normalise(), nil
}

func (a *Auction) putRecord(pool string, rec *Record) error {
	return a.state.KVPut(recordKey(pool), rec)
}

// PoolBadDebt returns the socialised bad debt value recorded for pool.
func (a *Auction) PoolBadDebt(pool string) (*big.Int, error) {
	out := new(big.Int)
	if _, err := a.state.KVGet(badDebtKey(pool), out); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordShortfall adds value to pool's bad debt. Only the pool itself may
// report its shortfall.
func (a *Auction) RecordShortfall(caller common.Address, pool string, value *big.Int) error {
	if value == nil || value.Sign() < 0 {
		return ErrInvalidParams
	}
	p, err := a.pool(pool)
	if err != nil {
		return err
	}
	if caller != p.Address() {
		return ErrUnauthorizedCaller
	}
	return a.state.Atomic(func() error {
		current, err := a.PoolBadDebt(pool)
		if err != nil {
			return err
		}
		total, err := fixedpoint.Add(current, value)
		if err != nil {
			return err
		}
		if err := a.state.KVPut(badDebtKey(pool), total); err != nil {
			return err
		}
		a.emit(EventTypeShortfallRecorded, map[string]string{
			"pool":    pool,
			"amount":  value.String(),
			"badDebt": total.String(),
		})
		return nil
	})
}

func (a *Auction) run(fn func() error) error {
	if err := nativecommon.Guard(a.pauses, moduleName); err != nil {
		return err
	}
	if err := a.guard.Enter(); err != nil {
		return err
	}
	defer a.guard.Exit()
	return a.state.Atomic(fn)
}

func (a *Auction) emit(eventType string, attrs map[string]string) {
	a.state.Emit(&types.Event{Type: eventType, Attributes: attrs})
}
