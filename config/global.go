package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"isolend/native/auction"
	nativecommon "isolend/native/common"
	"isolend/native/fixedpoint"
	"isolend/native/interest"
	"isolend/native/lending"
	"isolend/native/reserves"
	"isolend/native/risk"
)

// ResolveAddress parses raw as a hex address. An empty raw derives a stable
// address from kind and name so configs and scenarios can refer to
// participants by label.
func ResolveAddress(raw, kind, name string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		seed := "isolend/" + kind + "/" + strings.ToLower(strings.TrimSpace(name))
		return common.BytesToAddress(crypto.Keccak256([]byte(seed))[12:]), nil
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: %s %q address %q", ErrInvalid, kind, name, raw)
	}
	return common.HexToAddress(trimmed), nil
}

func mantissa(field, raw string) (*big.Int, error) {
	v, err := fixedpoint.Exp(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, field, err)
	}
	return v, nil
}

// optional returns nil for an empty field.
func optional(field, raw string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return mantissa(field, raw)
}

// AdminAddress resolves the ACM admin.
func (cfg *Config) AdminAddress() (common.Address, error) {
	return ResolveAddress(cfg.Admin, "admin", "admin")
}

// Pauses returns the module pause table.
func (cfg *Config) Pauses() nativecommon.StaticPauses {
	pauses := nativecommon.StaticPauses{}
	for _, module := range cfg.PausedModules {
		if trimmed := strings.ToLower(strings.TrimSpace(module)); trimmed != "" {
			pauses[trimmed] = true
		}
	}
	return pauses
}

// Asset looks an asset up by symbol.
func (cfg *Config) Asset(symbol string) (Asset, bool) {
	for _, asset := range cfg.Assets {
		if strings.EqualFold(asset.Symbol, symbol) {
			return asset, true
		}
	}
	return Asset{}, false
}

// ResolvedAddress returns the asset's token address.
func (a Asset) ResolvedAddress() (common.Address, error) {
	return ResolveAddress(a.Address, "asset", a.Symbol)
}

// PriceMantissa parses the oracle price.
func (a Asset) PriceMantissa() (*big.Int, error) {
	return mantissa("assets."+a.Symbol+".Price", a.Price)
}

// ResolvedAddress returns the pool address handed to the auction.
func (p Pool) ResolvedAddress() (common.Address, error) {
	return ResolveAddress(p.Address, "pool", p.ID)
}

// ComptrollerAddress returns the risk controller's address.
func (p Pool) ComptrollerAddress() (common.Address, error) {
	return ResolveAddress(p.Comptroller, "comptroller", p.ID)
}

// Params builds the risk controller's pool parameters.
func (p Pool) Params() (risk.PoolParams, error) {
	prefix := "pools." + p.ID + "."
	closeFactor, err := mantissa(prefix+"CloseFactor", p.CloseFactor)
	if err != nil {
		return risk.PoolParams{}, err
	}
	incentive, err := mantissa(prefix+"LiquidationIncentive", p.LiquidationIncentive)
	if err != nil {
		return risk.PoolParams{}, err
	}
	minCollateral, err := mantissa(prefix+"MinLiquidatableCollateral", p.MinLiquidatableCollateral)
	if err != nil {
		return risk.PoolParams{}, err
	}
	params := risk.PoolParams{
		CloseFactor:               closeFactor,
		LiquidationIncentive:      incentive,
		MinLiquidatableCollateral: minCollateral,
	}
	if err := params.Validate(); err != nil {
		return risk.PoolParams{}, fmt.Errorf("%w: pool %s: %v", ErrInvalid, p.ID, err)
	}
	return params, nil
}

// ResolvedAddress returns the market address.
func (m Market) ResolvedAddress() (common.Address, error) {
	return ResolveAddress(m.Address, "market", m.Pool+"/"+m.Symbol)
}

// RiskParams builds the collateral parameters listed with the controller.
func (m Market) RiskParams() (risk.MarketParams, error) {
	prefix := "markets." + m.Symbol + "."
	cf, err := mantissa(prefix+"CollateralFactor", m.CollateralFactor)
	if err != nil {
		return risk.MarketParams{}, err
	}
	lt, err := mantissa(prefix+"LiquidationThreshold", m.LiquidationThreshold)
	if err != nil {
		return risk.MarketParams{}, err
	}
	if lt.Sign() == 0 {
		lt = fixedpoint.Clone(cf)
	}
	params := risk.MarketParams{CollateralFactor: cf, LiquidationThreshold: lt}
	if err := params.Validate(); err != nil {
		return risk.MarketParams{}, fmt.Errorf("%w: market %s: %v", ErrInvalid, m.Symbol, err)
	}
	return params, nil
}

// LendingConfig builds the market's initial configuration.
func (m Market) LendingConfig() (lending.MarketConfig, error) {
	prefix := "markets." + m.Symbol + "."
	var out lending.MarketConfig
	fields := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"ReserveFactor", m.ReserveFactor, &out.ReserveFactor},
		{"ProtocolSeizeShare", m.ProtocolSeizeShare, &out.ProtocolSeizeShare},
		{"FlashLoanProtocolFee", m.FlashLoanProtocolFee, &out.FlashLoanProtocolFee},
		{"FlashLoanSupplierFee", m.FlashLoanSupplierFee, &out.FlashLoanSupplierFee},
		{"SupplyCap", m.SupplyCap, &out.SupplyCap},
		{"BorrowCap", m.BorrowCap, &out.BorrowCap},
		{"InitialExchangeRate", m.InitialExchangeRate, &out.InitialExchangeRate},
		{"MaxBorrowRate", m.MaxBorrowRate, &out.MaxBorrowRate},
	}
	for _, field := range fields {
		v, err := optional(prefix+field.name, field.raw)
		if err != nil {
			return lending.MarketConfig{}, err
		}
		*field.dst = v
	}
	out.FlashLoansEnabled = m.FlashLoansEnabled
	out.ReduceReservesDelta = m.ReduceReservesDelta
	for _, name := range m.PausedActions {
		action, err := nativecommon.ParseAction(name)
		if err != nil {
			return lending.MarketConfig{}, fmt.Errorf("%w: %sPausedActions: %v", ErrInvalid, prefix, err)
		}
		out.Pauses = out.Pauses.With(action, true)
	}
	return out, nil
}

// Model builds the variable rate curve for a clock with periodsPerYear.
func (r RateModel) Model(periodsPerYear uint64) (interest.Model, error) {
	base, err := mantissa("RateModel.BaseRatePerYear", r.BaseRatePerYear)
	if err != nil {
		return nil, err
	}
	multiplier, err := mantissa("RateModel.MultiplierPerYear", r.MultiplierPerYear)
	if err != nil {
		return nil, err
	}
	switch r.Kind {
	case "whitepaper":
		return interest.NewWhitePaper(base, multiplier, periodsPerYear)
	case "jump":
		jump, err := mantissa("RateModel.JumpMultiplierPerYear", r.JumpMultiplierPerYear)
		if err != nil {
			return nil, err
		}
		kink, err := mantissa("RateModel.Kink", r.Kink)
		if err != nil {
			return nil, err
		}
		return interest.NewJumpRate(base, multiplier, jump, kink, periodsPerYear)
	default:
		return nil, fmt.Errorf("%w: rate model kind %q", ErrInvalid, r.Kind)
	}
}

// Model builds the stable rate model, or nil when stable borrowing is off.
func (s StableModel) Model(periodsPerYear uint64) (*interest.StableRate, error) {
	if strings.TrimSpace(s.OptimalRatio) == "" {
		return nil, nil
	}
	base, err := mantissa("StableModel.BasePremiumPerYear", s.BasePremiumPerYear)
	if err != nil {
		return nil, err
	}
	premium, err := mantissa("StableModel.StablePremiumPerYear", s.StablePremiumPerYear)
	if err != nil {
		return nil, err
	}
	optimal, err := mantissa("StableModel.OptimalRatio", s.OptimalRatio)
	if err != nil {
		return nil, err
	}
	return interest.NewStableRate(base, premium, optimal, periodsPerYear)
}

// ResolvedAddress returns the converter's address.
func (c Converter) ResolvedAddress() (common.Address, error) {
	return ResolveAddress(c.Address, "converter", "reserves")
}

// Settings builds the converter configuration wired to auctionAddr.
func (c Converter) Settings(auctionAddr common.Address) (reserves.Config, error) {
	minimum, err := mantissa("converter.MinAmountToConvert", c.MinAmountToConvert)
	if err != nil {
		return reserves.Config{}, err
	}
	return reserves.Config{MinAmountToConvert: minimum, Auction: auctionAddr}, nil
}

// ResolvedAddress returns the auction's address.
func (a Auction) ResolvedAddress() (common.Address, error) {
	return ResolveAddress(a.Address, "auction", "shortfall")
}

// Settings builds the auction configuration for the configured clock.
func (a Auction) Settings(isTimeBased bool) (auction.Config, error) {
	minDebt, err := mantissa("auction.MinPoolBadDebt", a.MinPoolBadDebt)
	if err != nil {
		return auction.Config{}, err
	}
	minBid, err := mantissa("auction.MinBid", a.MinBid)
	if err != nil {
		return auction.Config{}, err
	}
	cfg := auction.Config{
		MinPoolBadDebt:     minDebt,
		MinBid:             minBid,
		MinIncrementBps:    a.MinIncrementBps,
		WaitForFirstBidder: a.WaitForFirstBidder,
		NextBidderWindow:   a.NextBidderWindow,
		ExtensionWindow:    a.ExtensionWindow,
		MaxAuctionDuration: a.MaxAuctionDuration,
		BackstopBps:        a.BackstopBps,
		IsTimeBased:        isTimeBased,
	}
	if err := cfg.Validate(); err != nil {
		return auction.Config{}, fmt.Errorf("%w: auction: %v", ErrInvalid, err)
	}
	return cfg, nil
}

// Amounts parses the liquidity amounts.
func (l Liquidity) Amounts() (*big.Int, *big.Int, error) {
	a, err := mantissa("exchange.Liquidity.AmountA", l.AmountA)
	if err != nil {
		return nil, nil, err
	}
	b, err := mantissa("exchange.Liquidity.AmountB", l.AmountB)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}
