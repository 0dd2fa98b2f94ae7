package reserves

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"isolend/native/fixedpoint"
)

func requirePositive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// ReleaseFunds books amount of asset, already transferred to the converter,
// against pool. Only a market registered for (pool, asset) may call it.
// Releases of the pool's base asset go straight to the base reserve.
func (c *Converter) ReleaseFunds(caller common.Address, pool string, asset common.Address, amount *big.Int) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	return c.run(func() error {
		rec, err := c.market(caller)
		if err != nil {
			return err
		}
		if rec.Pool != pool || rec.Asset != asset {
			return fmt.Errorf("%w: market %s releases %s/%s", ErrUnauthorizedCaller, caller.Hex(), rec.Pool, rec.Asset.Hex())
		}
		if err := c.requireHoldings(asset, amount); err != nil {
			return err
		}
		key := assetReserveKey(pool, asset)
		if base, err := c.BaseAsset(pool); err == nil && base == asset {
			key = baseReserveKey(pool)
		}
		balance, err := c.adjust(key, asset, amount)
		if err != nil {
			return err
		}
		c.emit(EventTypeReleased, map[string]string{
			"market":  caller.Hex(),
			"pool":    pool,
			"asset":   asset.Hex(),
			"amount":  amount.String(),
			"balance": balance.String(),
		})
		return nil
	})
}

// Convert swaps the released slice of every listed market into its pool's
// base asset along paths[i], requiring at least minAmountsOut[i] per leg.
// Any slice worth less than the configured minimum fails the whole call.
// It returns the base asset credited for each leg.
func (c *Converter) Convert(caller common.Address, markets []common.Address, minAmountsOut []*big.Int, paths [][]common.Address, deadline uint64) ([]*big.Int, error) {
	if len(markets) == 0 || len(markets) != len(minAmountsOut) || len(markets) != len(paths) {
		return nil, fmt.Errorf("%w: %d markets, %d minimums, %d paths", ErrInvalidParams, len(markets), len(minAmountsOut), len(paths))
	}
	if now := c.clock.Current(); now > deadline {
		return nil, fmt.Errorf("%w: %d > %d", ErrExpired, now, deadline)
	}
	if c.exchange == nil {
		return nil, errNilExchange
	}
	realised := make([]*big.Int, len(markets))
	err := c.run(func() error {
		cfg, err := c.loadConfig()
		if err != nil {
			return err
		}
		for i, market := range markets {
			out, err := c.convertLeg(cfg, caller, market, minAmountsOut[i], paths[i], deadline)
			if err != nil {
				return fmt.Errorf("leg %d: %w", i, err)
			}
			realised[i] = out
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return realised, nil
}

func (c *Converter) convertLeg(cfg Config, caller, market common.Address, minOut *big.Int, path []common.Address, deadline uint64) (*big.Int, error) {
	rec, err := c.market(market)
	if err != nil {
		return nil, err
	}
	base, err := c.BaseAsset(rec.Pool)
	if err != nil {
		return nil, err
	}
	if rec.Asset == base {
		return nil, fmt.Errorf("%w: market %s already holds the base asset", ErrInvalidParams, market.Hex())
	}
	if len(path) < 2 || path[0] != rec.Asset || path[len(path)-1] != base {
		return nil, ErrInvalidPath
	}
	amount, err := c.loadAmount(assetReserveKey(rec.Pool, rec.Asset))
	if err != nil {
		return nil, err
	}
	price, err := c.oracle.GetPrice(rec.Asset)
	if err != nil {
		return nil, err
	}
	value, err := fixedpoint.MulTruncate(price, amount)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 || value.Cmp(fixedpoint.Clone(cfg.MinAmountToConvert)) < 0 {
		return nil, fmt.Errorf("%w: %s of %s worth %s", ErrBelowMinimum, amount, rec.Asset.Hex(), value)
	}

	// The slice leaves the books before the exchange sees the tokens.
	if _, err := c.adjust(assetReserveKey(rec.Pool, rec.Asset), rec.Asset, new(big.Int).Neg(amount)); err != nil {
		return nil, err
	}
	before, err := c.bank.BalanceOf(base, c.address)
	if err != nil {
		return nil, err
	}
	if _, err := c.exchange.SwapExactTokensForTokens(c.address, amount, minOut, path, c.address, deadline); err != nil {
		return nil, err
	}
	after, err := c.bank.BalanceOf(base, c.address)
	if err != nil {
		return nil, err
	}
	received := new(big.Int).Sub(after, before)
	if minOut != nil && received.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("%w: %s < %s", ErrInsufficientOutput, received, minOut)
	}
	reserve, err := c.adjust(baseReserveKey(rec.Pool), base, received)
	if err != nil {
		return nil, err
	}
	c.emit(EventTypeConverted, map[string]string{
		"caller":      caller.Hex(),
		"market":      market.Hex(),
		"pool":        rec.Pool,
		"asset":       rec.Asset.Hex(),
		"amountIn":    amount.String(),
		"amountOut":   received.String(),
		"baseReserve": reserve.String(),
	})
	c.logger.Info("reserves: converted", "pool", rec.Pool, "asset", rec.Asset.Hex(), "in", amount.String(), "out", received.String())
	return received, nil
}

func (c *Converter) requireAuction(caller common.Address) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auction == (common.Address{}) || caller != cfg.Auction {
		return ErrUnauthorizedCaller
	}
	return nil
}

// TransferReserveForAuction debits amount of pool's base reserve and pays it
// to the registered auction.
func (c *Converter) TransferReserveForAuction(caller common.Address, pool string, amount *big.Int) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	return c.run(func() error {
		if err := c.requireAuction(caller); err != nil {
			return err
		}
		base, err := c.BaseAsset(pool)
		if err != nil {
			return err
		}
		reserve, err := c.adjust(baseReserveKey(pool), base, new(big.Int).Neg(amount))
		if err != nil {
			return err
		}
		if _, err := c.bank.Transfer(base, c.address, caller, amount); err != nil {
			return err
		}
		c.emit(EventTypeAuctionTransfer, map[string]string{
			"pool":        pool,
			"amount":      amount.String(),
			"baseReserve": reserve.String(),
		})
		return nil
	})
}

// DepositAuctionProceeds credits amount of base asset, already paid in by
// the auction, to pool's base reserve.
func (c *Converter) DepositAuctionProceeds(caller common.Address, pool string, amount *big.Int) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	return c.run(func() error {
		if err := c.requireAuction(caller); err != nil {
			return err
		}
		base, err := c.BaseAsset(pool)
		if err != nil {
			return err
		}
		if err := c.requireHoldings(base, amount); err != nil {
			return err
		}
		reserve, err := c.adjust(baseReserveKey(pool), base, amount)
		if err != nil {
			return err
		}
		c.emit(EventTypeAuctionDeposit, map[string]string{
			"pool":        pool,
			"amount":      amount.String(),
			"baseReserve": reserve.String(),
		})
		return nil
	})
}

// WithdrawPoolReserve pays amount of pool's base reserve to to.
func (c *Converter) WithdrawPoolReserve(caller common.Address, pool string, to common.Address, amount *big.Int) error {
	if err := requirePositive(amount); err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrInvalidParams
	}
	if err := c.authorize(caller, "withdrawPoolReserve(address,address,uint256)"); err != nil {
		return err
	}
	return c.run(func() error {
		base, err := c.BaseAsset(pool)
		if err != nil {
			return err
		}
		reserve, err := c.adjust(baseReserveKey(pool), base, new(big.Int).Neg(amount))
		if err != nil {
			return err
		}
		if _, err := c.bank.Transfer(base, c.address, to, amount); err != nil {
			return err
		}
		c.emit(EventTypeWithdrawn, map[string]string{
			"pool":        pool,
			"to":          to.Hex(),
			"amount":      amount.String(),
			"baseReserve": reserve.String(),
		})
		return nil
	})
}

// SweepToken sends asset the converter holds beyond what it tracks to to.
// Tracked reserves are never touched.
func (c *Converter) SweepToken(caller, asset, to common.Address) (*big.Int, error) {
	if to == (common.Address{}) {
		return nil, ErrInvalidParams
	}
	if err := c.authorize(caller, "sweepToken(address,address)"); err != nil {
		return nil, err
	}
	var swept *big.Int
	err := c.run(func() error {
		held, err := c.bank.BalanceOf(asset, c.address)
		if err != nil {
			return err
		}
		tracked, err := c.loadAmount(trackedKey(asset))
		if err != nil {
			return err
		}
		surplus := new(big.Int).Sub(held, tracked)
		if surplus.Sign() <= 0 {
			return ErrNothingToSweep
		}
		if _, err := c.bank.Transfer(asset, c.address, to, surplus); err != nil {
			return err
		}
		c.emit(EventTypeSwept, map[string]string{
			"asset":  asset.Hex(),
			"to":     to.Hex(),
			"amount": surplus.String(),
		})
		swept = surplus
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}
