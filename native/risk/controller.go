// Package risk is the reference pool risk controller. It aggregates every
// market of one isolated pool, prices account positions through the oracle
// and decides whether a market action may proceed. It only reads market
// ledgers through MarketView and never mutates them.
package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"isolend/core/types"
	nativecommon "isolend/native/common"
	"isolend/native/fixedpoint"
)

var (
	errMarketNotListed     = errors.New("risk: market not listed")
	errMarketAlreadyListed = errors.New("risk: market already listed")
	errInvalidCloseFactor  = errors.New("risk: close factor must be within (0, 1]")
	errInvalidIncentive    = errors.New("risk: liquidation incentive must be at least 1")
	errInvalidFactors      = errors.New("risk: collateral factor must not exceed liquidation threshold, which must not exceed 1")
	errNilView             = errors.New("risk: market view required")
	errEmptyPool           = errors.New("risk: pool identifier required")
)

const (
	EventTypeMarketEntered = "risk.market.entered"
	EventTypeMarketExited  = "risk.market.exited"
	EventTypeParamsUpdated = "risk.params.updated"
)

// MarketView is the read-only surface the controller needs from a market.
type MarketView interface {
	Address() common.Address
	Underlying() common.Address
	AccountSnapshot(account common.Address) (shares, borrowBalance, exchangeRate *big.Int, err error)
	ExchangeRateStored() (*big.Int, error)
	ActionPaused(action nativecommon.Action) (bool, error)
}

// PriceOracle resolves a market to the price of its underlying.
type PriceOracle interface {
	GetUnderlyingPrice(market common.Address) (*big.Int, error)
}

// Authorizer checks (caller, contract, method) permissions.
type Authorizer interface {
	Check(account, contract common.Address, signature string) error
}

type riskState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVRemove(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
	Emit(evt *types.Event)
}

// PoolParams are the pool-wide liquidation parameters.
type PoolParams struct {
	CloseFactor               *big.Int
	LiquidationIncentive      *big.Int
	MinLiquidatableCollateral *big.Int
}

// MarketParams are the per-market collateral parameters.
type MarketParams struct {
	CollateralFactor     *big.Int
	LiquidationThreshold *big.Int
}

// Validate checks the pool parameters.
func (p PoolParams) Validate() error {
	cf := fixedpoint.Clone(p.CloseFactor)
	if cf.Sign() <= 0 || cf.Cmp(fixedpoint.Scale) > 0 {
		return errInvalidCloseFactor
	}
	if fixedpoint.Clone(p.LiquidationIncentive).Cmp(fixedpoint.Scale) < 0 {
		return errInvalidIncentive
	}
	return nil
}

// Validate checks cf <= lt <= 1.
func (p MarketParams) Validate() error {
	cf := fixedpoint.Clone(p.CollateralFactor)
	lt := fixedpoint.Clone(p.LiquidationThreshold)
	if cf.Cmp(lt) > 0 || lt.Cmp(fixedpoint.Scale) > 0 {
		return errInvalidFactors
	}
	return nil
}

// Controller is the risk controller of a single pool.
type Controller struct {
	pool    string
	address common.Address
	state   riskState
	oracle  PriceOracle
	acm     Authorizer
	logger  *slog.Logger

	markets map[common.Address]MarketView
	order   []common.Address
}

// NewController creates the controller for pool. address identifies the
// controller itself for access-control checks.
func NewController(pool string, address common.Address, state riskState, oracle PriceOracle, acm Authorizer) (*Controller, error) {
	trimmed := strings.TrimSpace(pool)
	if trimmed == "" {
		return nil, errEmptyPool
	}
	return &Controller{
		pool:    trimmed,
		address: address,
		state:   state,
		oracle:  oracle,
		acm:     acm,
		logger:  slog.Default(),
		markets: make(map[common.Address]MarketView),
	}, nil
}

// SetLogger overrides the default logger.
func (c *Controller) SetLogger(logger *slog.Logger) {
	if c == nil || logger == nil {
		return
	}
	c.logger = logger
}

// Pool returns the pool identifier.
func (c *Controller) Pool() string { return c.pool }

// Address returns the controller's access-control identity.
func (c *Controller) Address() common.Address { return c.address }

func (c *Controller) poolKey() []byte {
	return []byte(fmt.Sprintf("risk/%s/params", c.pool))
}

func (c *Controller) marketKey(market common.Address) []byte {
	return []byte(fmt.Sprintf("risk/%s/market/%s", c.pool, market.Hex()))
}

func (c *Controller) membershipKey(account common.Address) []byte {
	return []byte(fmt.Sprintf("risk/%s/membership/%s", c.pool, account.Hex()))
}

// Initialise stores the pool parameters when none exist yet.
func (c *Controller) Initialise(params PoolParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	var existing PoolParams
	ok, err := c.state.KVGet(c.poolKey(), &existing)
	if err != nil || ok {
		return err
	}
	return c.writePoolParams(params)
}

func (c *Controller) writePoolParams(params PoolParams) error {
	stored := PoolParams{
		CloseFactor:               fixedpoint.Clone(params.CloseFactor),
		LiquidationIncentive:      fixedpoint.Clone(params.LiquidationIncentive),
		MinLiquidatableCollateral: fixedpoint.Clone(params.MinLiquidatableCollateral),
	}
	return c.state.KVPut(c.poolKey(), &stored)
}

// Params returns the pool parameters.
func (c *Controller) Params() (PoolParams, error) {
	var params PoolParams
	if _, err := c.state.KVGet(c.poolKey(), &params); err != nil {
		return PoolParams{}, err
	}
	params.CloseFactor = fixedpoint.Clone(params.CloseFactor)
	params.LiquidationIncentive = fixedpoint.Clone(params.LiquidationIncentive)
	params.MinLiquidatableCollateral = fixedpoint.Clone(params.MinLiquidatableCollateral)
	return params, nil
}

// CloseFactor returns the fraction of a borrow one liquidation may repay.
func (c *Controller) CloseFactor() (*big.Int, error) {
	params, err := c.Params()
	if err != nil {
		return nil, err
	}
	return params.CloseFactor, nil
}

// LiquidationIncentive returns the seize multiplier.
func (c *Controller) LiquidationIncentive() (*big.Int, error) {
	params, err := c.Params()
	if err != nil {
		return nil, err
	}
	return params.LiquidationIncentive, nil
}

// ListMarket registers a market view with its collateral parameters. Stored
// parameters from an earlier run take precedence over params.
func (c *Controller) ListMarket(view MarketView, params MarketParams) error {
	if view == nil {
		return errNilView
	}
	addr := view.Address()
	if _, ok := c.markets[addr]; ok {
		return errMarketAlreadyListed
	}
	if err := params.Validate(); err != nil {
		return err
	}
	var existing MarketParams
	ok, err := c.state.KVGet(c.marketKey(addr), &existing)
	if err != nil {
		return err
	}
	if !ok {
		if err := c.writeMarketParams(addr, params); err != nil {
			return err
		}
	}
	c.markets[addr] = view
	c.order = append(c.order, addr)
	return nil
}

func (c *Controller) writeMarketParams(market common.Address, params MarketParams) error {
	stored := MarketParams{
		CollateralFactor:     fixedpoint.Clone(params.CollateralFactor),
		LiquidationThreshold: fixedpoint.Clone(params.LiquidationThreshold),
	}
	return c.state.KVPut(c.marketKey(market), &stored)
}

// MarketParams returns the collateral parameters of market.
func (c *Controller) MarketParams(market common.Address) (MarketParams, error) {
	if _, ok := c.markets[market]; !ok {
		return MarketParams{}, errMarketNotListed
	}
	var params MarketParams
	if _, err := c.state.KVGet(c.marketKey(market), &params); err != nil {
		return MarketParams{}, err
	}
	params.CollateralFactor = fixedpoint.Clone(params.CollateralFactor)
	params.LiquidationThreshold = fixedpoint.Clone(params.LiquidationThreshold)
	return params, nil
}

// IsListed reports whether market belongs to this pool.
func (c *Controller) IsListed(market common.Address) bool {
	_, ok := c.markets[market]
	return ok
}

// Markets returns the listed markets in listing order.
func (c *Controller) Markets() []common.Address {
	out := make([]common.Address, len(c.order))
	copy(out, c.order)
	return out
}

func (c *Controller) emit(eventType string, attrs map[string]string) {
	attrs["pool"] = c.pool
	c.state.Emit(&types.Event{Type: eventType, Attributes: attrs})
}
