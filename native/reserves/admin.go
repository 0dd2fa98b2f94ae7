package reserves

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"isolend/native/fixedpoint"
)

func (c *Converter) authorize(caller common.Address, signature string) error {
	if c.acm == nil {
		return ErrUnauthorizedCaller
	}
	return c.acm.Check(caller, c.address, signature)
}

func (c *Converter) updateConfig(caller common.Address, signature string, mutate func(*Config) string) error {
	if err := c.authorize(caller, signature); err != nil {
		return err
	}
	return c.state.Atomic(func() error {
		cfg, err := c.loadConfig()
		if err != nil {
			return err
		}
		value := mutate(&cfg)
		if err := c.state.KVPut(configKey, &cfg); err != nil {
			return err
		}
		c.emit(EventTypeConfigUpdated, map[string]string{
			"method": signature,
			"value":  value,
			"caller": caller.Hex(),
		})
		return nil
	})
}

// SetMinAmountToConvert sets the oracle value a slice needs before it can be
// converted.
func (c *Converter) SetMinAmountToConvert(caller common.Address, value *big.Int) error {
	if value == nil || value.Sign() < 0 {
		return ErrInvalidAmount
	}
	return c.updateConfig(caller, "setMinAmountToConvert(uint256)", func(cfg *Config) string {
		cfg.MinAmountToConvert = new(big.Int).Set(value)
		return fixedpoint.Format(value)
	})
}

// SetAuction registers the debt auction allowed to draw base reserves.
func (c *Converter) SetAuction(caller, auction common.Address) error {
	if auction == (common.Address{}) {
		return ErrInvalidParams
	}
	return c.updateConfig(caller, "setShortfallContractAddress(address)", func(cfg *Config) string {
		cfg.Auction = auction
		return auction.Hex()
	})
}

// SetExchange swaps the exchange conversions are routed through.
func (c *Converter) SetExchange(caller common.Address, exchange Exchange) error {
	if exchange == nil {
		return errNilExchange
	}
	if err := c.authorize(caller, "setConverterNetwork(address)"); err != nil {
		return err
	}
	c.exchange = exchange
	c.emit(EventTypeConfigUpdated, map[string]string{
		"method": "setConverterNetwork(address)",
		"value":  fmt.Sprintf("%T", exchange),
		"caller": caller.Hex(),
	})
	return nil
}

// SetPoolBaseAsset fixes the asset pool's reserves are converted into. It
// cannot change once reserves are held in the old base asset.
func (c *Converter) SetPoolBaseAsset(caller common.Address, pool string, asset common.Address) error {
	if pool == "" || asset == (common.Address{}) {
		return ErrInvalidParams
	}
	if err := c.authorize(caller, "setPoolBaseAsset(address,address)"); err != nil {
		return err
	}
	return c.state.Atomic(func() error {
		reserve, err := c.loadAmount(baseReserveKey(pool))
		if err != nil {
			return err
		}
		if reserve.Sign() > 0 {
			return fmt.Errorf("%w: pool %s holds base reserve", ErrInvalidParams, pool)
		}
		if err := c.state.KVPut(baseAssetKey(pool), asset); err != nil {
			return err
		}
		c.emit(EventTypeConfigUpdated, map[string]string{
			"method": "setPoolBaseAsset(address,address)",
			"pool":   pool,
			"value":  asset.Hex(),
			"caller": caller.Hex(),
		})
		return nil
	})
}

// RegisterMarket allows market to release reserves of asset for pool.
func (c *Converter) RegisterMarket(caller, market common.Address, pool string, asset common.Address) error {
	if market == (common.Address{}) || asset == (common.Address{}) || pool == "" {
		return ErrInvalidParams
	}
	if err := c.authorize(caller, "addMarket(address,address,address)"); err != nil {
		return err
	}
	return c.state.Atomic(func() error {
		if err := c.state.KVPut(marketKey(market), &marketRecord{Pool: pool, Asset: asset}); err != nil {
			return err
		}
		c.emit(EventTypeMarketAdded, map[string]string{
			"market": market.Hex(),
			"pool":   pool,
			"asset":  asset.Hex(),
		})
		return nil
	})
}
