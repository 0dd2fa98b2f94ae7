package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"isolend/native/clock"
	"isolend/storage"
)

// MaxTransferFeeBps mirrors the bank's upper bound.
const MaxTransferFeeBps = uint64(10_000)

// Validate checks references between sections and parses every mantissa so
// a bad value fails at load time rather than mid-scenario.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is missing", ErrInvalid)
	}
	switch cfg.Storage.Backend {
	case storage.KindMemory, storage.KindLevelDB, storage.KindBolt:
	default:
		return fmt.Errorf("%w: storage backend %q", ErrInvalid, cfg.Storage.Backend)
	}
	switch cfg.Storage.IndexDriver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: index driver %q", ErrInvalid, cfg.Storage.IndexDriver)
	}
	if !cfg.Clock.IsTimeBased && cfg.Clock.BlocksPerYear == 0 {
		return fmt.Errorf("%w: clock.BlocksPerYear required for block-based deployments", ErrInvalid)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("%w: telemetry.SampleRatio must be within [0, 1]", ErrInvalid)
	}
	if cfg.Telemetry.RequestsPerMinute < 0 || cfg.Telemetry.Burst < 0 {
		return fmt.Errorf("%w: telemetry rate limit must not be negative", ErrInvalid)
	}
	if _, err := cfg.AdminAddress(); err != nil {
		return err
	}

	assets := make(map[string]struct{}, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		key := strings.ToUpper(asset.Symbol)
		if key == "" {
			return fmt.Errorf("%w: asset symbol required", ErrInvalid)
		}
		if _, dup := assets[key]; dup {
			return fmt.Errorf("%w: duplicate asset %s", ErrInvalid, asset.Symbol)
		}
		assets[key] = struct{}{}
		if _, err := asset.ResolvedAddress(); err != nil {
			return err
		}
		price, err := asset.PriceMantissa()
		if err != nil {
			return err
		}
		if price.Sign() == 0 {
			return fmt.Errorf("%w: asset %s price must be positive", ErrInvalid, asset.Symbol)
		}
		if asset.TransferFeeBps >= MaxTransferFeeBps {
			return fmt.Errorf("%w: asset %s transfer fee", ErrInvalid, asset.Symbol)
		}
	}

	if len(cfg.Pools) == 0 {
		return fmt.Errorf("%w: at least one pool required", ErrInvalid)
	}
	pools := make(map[string]struct{}, len(cfg.Pools))
	for _, pool := range cfg.Pools {
		if pool.ID == "" {
			return fmt.Errorf("%w: pool id required", ErrInvalid)
		}
		if _, dup := pools[pool.ID]; dup {
			return fmt.Errorf("%w: duplicate pool %s", ErrInvalid, pool.ID)
		}
		pools[pool.ID] = struct{}{}
		if _, err := pool.ResolvedAddress(); err != nil {
			return err
		}
		if _, err := pool.ComptrollerAddress(); err != nil {
			return err
		}
		if _, err := pool.Params(); err != nil {
			return err
		}
		if pool.BaseAsset != "" {
			if _, ok := assets[strings.ToUpper(pool.BaseAsset)]; !ok {
				return fmt.Errorf("%w: pool %s base asset %s is not listed", ErrInvalid, pool.ID, pool.BaseAsset)
			}
		}
	}

	markets := make(map[string]struct{}, len(cfg.Markets))
	for _, market := range cfg.Markets {
		if _, ok := pools[market.Pool]; !ok {
			return fmt.Errorf("%w: market %s references unknown pool %q", ErrInvalid, market.Symbol, market.Pool)
		}
		if _, ok := assets[strings.ToUpper(market.Underlying)]; !ok {
			return fmt.Errorf("%w: market %s underlying %q is not listed", ErrInvalid, market.Symbol, market.Underlying)
		}
		key := market.Pool + "/" + strings.ToUpper(market.Symbol)
		if _, dup := markets[key]; dup {
			return fmt.Errorf("%w: duplicate market %s in pool %s", ErrInvalid, market.Symbol, market.Pool)
		}
		markets[key] = struct{}{}
		if _, err := market.ResolvedAddress(); err != nil {
			return err
		}
		if _, err := market.RiskParams(); err != nil {
			return err
		}
		if _, err := market.LendingConfig(); err != nil {
			return err
		}
		if _, err := market.RateModel.Model(cfg.PeriodsPerYear()); err != nil {
			return fmt.Errorf("market %s: %w", market.Symbol, err)
		}
		if _, err := market.StableModel.Model(cfg.PeriodsPerYear()); err != nil {
			return fmt.Errorf("market %s: %w", market.Symbol, err)
		}
	}

	if _, err := cfg.Converter.ResolvedAddress(); err != nil {
		return err
	}
	if _, err := cfg.Converter.Settings(cfg.auctionAddressOrZero()); err != nil {
		return err
	}
	if _, err := cfg.Auction.ResolvedAddress(); err != nil {
		return err
	}
	if _, err := cfg.Auction.Settings(cfg.Clock.IsTimeBased); err != nil {
		return err
	}
	for _, pair := range cfg.Exchange.Liquidity {
		for _, symbol := range []string{pair.TokenA, pair.TokenB} {
			if _, ok := assets[strings.ToUpper(strings.TrimSpace(symbol))]; !ok {
				return fmt.Errorf("%w: exchange liquidity token %q is not listed", ErrInvalid, symbol)
			}
		}
		if _, _, err := pair.Amounts(); err != nil {
			return err
		}
	}
	return nil
}

func (cfg *Config) auctionAddressOrZero() common.Address {
	resolved, err := cfg.Auction.ResolvedAddress()
	if err != nil {
		return common.Address{}
	}
	return resolved
}

// PeriodsPerYear is the annualisation constant for rate models.
func (cfg *Config) PeriodsPerYear() uint64 {
	if cfg.Clock.IsTimeBased {
		return clock.SecondsPerYear
	}
	return cfg.Clock.BlocksPerYear
}
