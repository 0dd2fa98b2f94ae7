// Package reserves implements the reserve converter. Markets release their
// protocol reserves here; the converter tracks them per pool and asset,
// swaps non-base assets into each pool's base asset through an exchange and
// keeps the resulting base reserve available to the debt auction.
package reserves

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"isolend/core/types"
	"isolend/native/clock"
	nativecommon "isolend/native/common"
	"isolend/native/fixedpoint"
)

const moduleName = "reserves"

const (
	EventTypeReleased        = "reserves.released"
	EventTypeConverted       = "reserves.converted"
	EventTypeAuctionTransfer = "reserves.auction.transfer"
	EventTypeAuctionDeposit  = "reserves.auction.deposit"
	EventTypeWithdrawn       = "reserves.withdrawn"
	EventTypeSwept           = "reserves.swept"
	EventTypeMarketAdded     = "reserves.market.added"
	EventTypeConfigUpdated   = "reserves.config.updated"
)

var (
	ErrUnauthorizedCaller = errors.New("reserves: caller not authorised")
	ErrInvalidParams      = errors.New("reserves: invalid parameters")
	ErrInvalidAmount      = errors.New("reserves: amount must be positive")
	// ErrUntrackedShortfall means the converter holds fewer tokens than it
	// would be tracking after the call.
	ErrUntrackedShortfall = errors.New("reserves: holdings below tracked balance")
	ErrBelowMinimum       = errors.New("reserves: amount below minimum to convert")
	ErrInvalidPath        = errors.New("reserves: swap path must start at the asset and end at the base asset")
	ErrExpired            = errors.New("reserves: deadline passed")
	ErrInsufficientOutput = errors.New("reserves: conversion below minimum out")
	ErrInsufficientFunds  = errors.New("reserves: insufficient pool reserve")
	ErrNothingToSweep     = errors.New("reserves: no surplus to sweep")
	ErrBaseAssetNotSet    = errors.New("reserves: pool base asset not configured")
	ErrUnknownMarket      = errors.New("reserves: market not registered")

	errNilState    = errors.New("reserves: state not configured")
	errNilBank     = errors.New("reserves: token ledger not configured")
	errNilOracle   = errors.New("reserves: oracle not configured")
	errNilExchange = errors.New("reserves: exchange not configured")
)

type converterState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	Emit(*types.Event)
	Atomic(fn func() error) error
}

// TokenLedger moves the tokens the converter holds.
type TokenLedger interface {
	BalanceOf(asset, holder common.Address) (*big.Int, error)
	Transfer(asset, from, to common.Address, amount *big.Int) (*big.Int, error)
}

// Exchange swaps an exact input along path and delivers to to.
type Exchange interface {
	SwapExactTokensForTokens(sender common.Address, amountIn, minOut *big.Int, path []common.Address, to common.Address, deadline uint64) ([]*big.Int, error)
}

// PriceOracle values a slice before conversion.
type PriceOracle interface {
	GetPrice(asset common.Address) (*big.Int, error)
}

// Authorizer checks (caller, contract, method) permissions.
type Authorizer interface {
	Check(account, contract common.Address, signature string) error
}

// Dependencies are the collaborators the converter is built with.
type Dependencies struct {
	State    converterState
	Bank     TokenLedger
	Oracle   PriceOracle
	Exchange Exchange
	ACM      Authorizer
	Clock    clock.Source
}

// Config is the converter's governance-controlled configuration.
type Config struct {
	// MinAmountToConvert is the oracle value (18 decimals) a released slice
	// must reach before it may be converted.
	MinAmountToConvert *big.Int
	// Auction is the only account allowed to draw or return base reserves.
	Auction common.Address
}

type marketRecord struct {
	Pool  string
	Asset common.Address
}

// Converter is the reserve converter handle.
type Converter struct {
	address  common.Address
	state    converterState
	bank     TokenLedger
	oracle   PriceOracle
	exchange Exchange
	acm      Authorizer
	clock    clock.Source
	pauses   nativecommon.PauseView
	logger   *slog.Logger

	guard nativecommon.Reentrancy
}

// NewConverter creates the converter holding its tokens at address.
func NewConverter(address common.Address, deps Dependencies) (*Converter, error) {
	if address == (common.Address{}) {
		return nil, ErrInvalidParams
	}
	if deps.State == nil {
		return nil, errNilState
	}
	if deps.Bank == nil {
		return nil, errNilBank
	}
	if deps.Oracle == nil {
		return nil, errNilOracle
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("reserves: clock not configured")
	}
	return &Converter{
		address:  address,
		state:    deps.State,
		bank:     deps.Bank,
		oracle:   deps.Oracle,
		exchange: deps.Exchange,
		acm:      deps.ACM,
		clock:    deps.Clock,
		logger:   slog.Default(),
	}, nil
}

func (c *Converter) SetLogger(logger *slog.Logger) {
	if c == nil || logger == nil {
		return
	}
	c.logger = logger
}

func (c *Converter) SetPauses(view nativecommon.PauseView) {
	if c == nil {
		return
	}
	c.pauses = view
}

// Address is where the converter holds its tokens.
func (c *Converter) Address() common.Address { return c.address }

var configKey = []byte("reserves/config")

func marketKey(market common.Address) []byte {
	return []byte("reserves/market/" + market.Hex())
}

func assetReserveKey(pool string, asset common.Address) []byte {
	return []byte(fmt.Sprintf("reserves/pool/%s/asset/%s", pool, asset.Hex()))
}

func baseReserveKey(pool string) []byte {
	return []byte(fmt.Sprintf("reserves/pool/%s/base", pool))
}

func baseAssetKey(pool string) []byte {
	return []byte(fmt.Sprintf("reserves/pool/%s/base-asset", pool))
}

func trackedKey(asset common.Address) []byte {
	return []byte("reserves/tracked/" + asset.Hex())
}

func (c *Converter) loadAmount(key []byte) (*big.Int, error) {
	out := new(big.Int)
	if _, err := c.state.KVGet(key, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Converter) loadConfig() (Config, error) {
	var cfg Config
	if _, err := c.state.KVGet(configKey, &cfg); err != nil {
		return Config{}, err
	}
	cfg.MinAmountToConvert = fixedpoint.Clone(cfg.MinAmountToConvert)
	return cfg, nil
}

// Config returns the stored configuration.
func (c *Converter) Config() (Config, error) { return c.loadConfig() }

// PoolAssetReserve is the amount of asset released by pool's markets and not
// yet converted.
func (c *Converter) PoolAssetReserve(pool string, asset common.Address) (*big.Int, error) {
	return c.loadAmount(assetReserveKey(pool, asset))
}

// PoolBaseReserve is pool's converted base asset balance.
func (c *Converter) PoolBaseReserve(pool string) (*big.Int, error) {
	return c.loadAmount(baseReserveKey(pool))
}

// Tracked is the total of asset the converter accounts for across pools.
func (c *Converter) Tracked(asset common.Address) (*big.Int, error) {
	return c.loadAmount(trackedKey(asset))
}

// BaseAsset returns the asset pool's reserves are converted into.
func (c *Converter) BaseAsset(pool string) (common.Address, error) {
	var asset common.Address
	ok, err := c.state.KVGet(baseAssetKey(pool), &asset)
	if err != nil {
		return common.Address{}, err
	}
	if !ok || asset == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %s", ErrBaseAssetNotSet, pool)
	}
	return asset, nil
}

func (c *Converter) market(addr common.Address) (marketRecord, error) {
	var rec marketRecord
	ok, err := c.state.KVGet(marketKey(addr), &rec)
	if err != nil {
		return marketRecord{}, err
	}
	if !ok {
		return marketRecord{}, fmt.Errorf("%w: %s", ErrUnknownMarket, addr.Hex())
	}
	return rec, nil
}

// adjust adds delta to the amount under key and to the asset's tracked
// total in one step, so the two can never drift apart.
func (c *Converter) adjust(key []byte, asset common.Address, delta *big.Int) (*big.Int, error) {
	current, err := c.loadAmount(key)
	if err != nil {
		return nil, err
	}
	tracked, err := c.loadAmount(trackedKey(asset))
	if err != nil {
		return nil, err
	}
	next := new(big.Int).Add(current, delta)
	nextTracked := new(big.Int).Add(tracked, delta)
	if next.Sign() < 0 || nextTracked.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s by %s", ErrInsufficientFunds, current, delta)
	}
	if err := c.state.KVPut(key, next); err != nil {
		return nil, err
	}
	if err := c.state.KVPut(trackedKey(asset), nextTracked); err != nil {
		return nil, err
	}
	return next, nil
}

// requireHoldings checks that actual holdings cover what is tracked plus
// incoming.
func (c *Converter) requireHoldings(asset common.Address, incoming *big.Int) error {
	held, err := c.bank.BalanceOf(asset, c.address)
	if err != nil {
		return err
	}
	tracked, err := c.loadAmount(trackedKey(asset))
	if err != nil {
		return err
	}
	need := new(big.Int).Add(tracked, incoming)
	if held.Cmp(need) < 0 {
		return fmt.Errorf("%w: hold %s, need %s", ErrUntrackedShortfall, held, need)
	}
	return nil
}

func (c *Converter) run(fn func() error) error {
	if err := nativecommon.Guard(c.pauses, moduleName); err != nil {
		return err
	}
	if err := c.guard.Enter(); err != nil {
		return err
	}
	defer c.guard.Exit()
	return c.state.Atomic(fn)
}

func (c *Converter) emit(eventType string, attrs map[string]string) {
	c.state.Emit(&types.Event{Type: eventType, Attributes: attrs})
}
