package risk

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "isolend/native/common"
	"isolend/native/fixedpoint"
)

// AccountMarkets lists the markets the account has entered.
func (c *Controller) AccountMarkets(account common.Address) ([]common.Address, error) {
	var raw [][]byte
	if err := c.state.KVGetList(c.membershipKey(account), &raw); err != nil {
		return nil, err
	}
	out := make([]common.Address, 0, len(raw))
	for _, entry := range raw {
		out = append(out, common.BytesToAddress(entry))
	}
	return out, nil
}

// IsMember reports whether account has entered market.
func (c *Controller) IsMember(account, market common.Address) (bool, error) {
	markets, err := c.AccountMarkets(account)
	if err != nil {
		return false, err
	}
	for _, m := range markets {
		if m == market {
			return true, nil
		}
	}
	return false, nil
}

// EnterMarkets adds the markets to the account's collateral set.
func (c *Controller) EnterMarkets(account common.Address, markets []common.Address) error {
	for _, market := range markets {
		if err := c.EnsureMembership(account, market); err != nil {
			return err
		}
	}
	return nil
}

// EnsureMembership enters market for account if it has not done so yet.
// Markets call it when an account borrows.
func (c *Controller) EnsureMembership(account, market common.Address) error {
	if !c.IsListed(market) {
		return errMarketNotListed
	}
	member, err := c.IsMember(account, market)
	if err != nil || member {
		return err
	}
	if err := c.state.KVAppend(c.membershipKey(account), market.Bytes()); err != nil {
		return err
	}
	c.emit(EventTypeMarketEntered, map[string]string{"account": account.Hex(), "market": market.Hex()})
	return nil
}

// ExitMarket removes market from the account's collateral set. It returns the
// rejection code when exiting is not allowed.
func (c *Controller) ExitMarket(account, market common.Address) (nativecommon.Rejection, error) {
	view, ok := c.markets[market]
	if !ok {
		return nativecommon.RejectionMarketNotListed, nil
	}
	member, err := c.IsMember(account, market)
	if err != nil {
		return nativecommon.RejectionNone, err
	}
	if !member {
		return nativecommon.RejectionNone, nil
	}
	if paused, err := view.ActionPaused(nativecommon.ActionExitMarket); err != nil {
		return nativecommon.RejectionNone, err
	} else if paused {
		return nativecommon.RejectionActionPaused, nil
	}
	shares, borrowed, _, err := view.AccountSnapshot(account)
	if err != nil {
		return nativecommon.RejectionNone, err
	}
	if borrowed.Sign() != 0 {
		return nativecommon.RejectionOutstandingBorrow, nil
	}
	_, shortfall, err := c.HypotheticalLiquidity(account, market, shares, big.NewInt(0))
	if err != nil {
		return nativecommon.RejectionPriceUnavailable, err
	}
	if shortfall.Sign() > 0 {
		return nativecommon.RejectionInsufficientLiquidity, nil
	}
	if err := c.state.KVRemove(c.membershipKey(account), market.Bytes()); err != nil {
		return nativecommon.RejectionNone, err
	}
	c.emit(EventTypeMarketExited, map[string]string{"account": account.Hex(), "market": market.Hex()})
	return nativecommon.RejectionNone, nil
}

type weighting func(MarketParams) *big.Int

func byCollateralFactor(p MarketParams) *big.Int     { return p.CollateralFactor }
func byLiquidationThreshold(p MarketParams) *big.Int { return p.LiquidationThreshold }
func unweighted(MarketParams) *big.Int               { return fixedpoint.One() }

// snapshot walks the account's markets and sums weighted collateral and debt.
// The target market is always included so a first borrow is priced even
// before membership is recorded.
func (c *Controller) snapshot(account, target common.Address, redeemShares, borrowAmount *big.Int, weight weighting) (collateral, debt *big.Int, err error) {
	markets, err := c.AccountMarkets(account)
	if err != nil {
		return nil, nil, err
	}
	if target != (common.Address{}) && c.IsListed(target) {
		found := false
		for _, m := range markets {
			if m == target {
				found = true
				break
			}
		}
		if !found {
			markets = append(markets, target)
		}
	}

	collateral, debt = new(big.Int), new(big.Int)
	for _, addr := range markets {
		view, ok := c.markets[addr]
		if !ok {
			continue
		}
		params, err := c.MarketParams(addr)
		if err != nil {
			return nil, nil, err
		}
		shares, borrowed, exchangeRate, err := view.AccountSnapshot(account)
		if err != nil {
			return nil, nil, err
		}
		price, err := c.oracle.GetUnderlyingPrice(addr)
		if err != nil {
			return nil, nil, err
		}
		// value of one share, weighted
		perShare, err := fixedpoint.MulExp(weight(params), exchangeRate)
		if err != nil {
			return nil, nil, err
		}
		perShare, err = fixedpoint.MulExp(perShare, price)
		if err != nil {
			return nil, nil, err
		}
		if collateral, err = fixedpoint.MulTruncateAdd(perShare, shares, collateral); err != nil {
			return nil, nil, err
		}
		if debt, err = fixedpoint.MulTruncateAdd(price, borrowed, debt); err != nil {
			return nil, nil, err
		}
		if addr == target {
			if debt, err = fixedpoint.MulTruncateAdd(perShare, fixedpoint.Clone(redeemShares), debt); err != nil {
				return nil, nil, err
			}
			if debt, err = fixedpoint.MulTruncateAdd(price, fixedpoint.Clone(borrowAmount), debt); err != nil {
				return nil, nil, err
			}
		}
	}
	return collateral, debt, nil
}

func split(collateral, debt *big.Int) (liquidity, shortfall *big.Int) {
	if collateral.Cmp(debt) > 0 {
		return new(big.Int).Sub(collateral, debt), new(big.Int)
	}
	return new(big.Int), new(big.Int).Sub(debt, collateral)
}

// HypotheticalLiquidity returns the account's excess collateral or shortfall
// after redeeming redeemShares of market and borrowing borrowAmount from it.
// Collateral is weighted by collateral factors.
func (c *Controller) HypotheticalLiquidity(account, market common.Address, redeemShares, borrowAmount *big.Int) (liquidity, shortfall *big.Int, err error) {
	collateral, debt, err := c.snapshot(account, market, redeemShares, borrowAmount, byCollateralFactor)
	if err != nil {
		return nil, nil, err
	}
	liquidity, shortfall = split(collateral, debt)
	return liquidity, shortfall, nil
}

// LiquidationShortfall returns the account's position weighted by liquidation
// thresholds along with the weighted collateral total.
func (c *Controller) LiquidationShortfall(account common.Address) (shortfall, weightedCollateral *big.Int, err error) {
	collateral, debt, err := c.snapshot(account, common.Address{}, nil, nil, byLiquidationThreshold)
	if err != nil {
		return nil, nil, err
	}
	_, shortfall = split(collateral, debt)
	return shortfall, collateral, nil
}

// AccountValues returns the unweighted collateral and debt values of the
// account across the pool.
func (c *Controller) AccountValues(account common.Address) (collateral, debt *big.Int, err error) {
	return c.snapshot(account, common.Address{}, nil, nil, unweighted)
}

// CalculateSeizeTokens converts a repay amount in the borrowed market into
// collateral market shares:
// repay * incentive * priceBorrowed / (priceCollateral * exchangeRateCollateral).
func (c *Controller) CalculateSeizeTokens(borrowed, collateral common.Address, repay *big.Int) (*big.Int, error) {
	collateralView, ok := c.markets[collateral]
	if !ok || !c.IsListed(borrowed) {
		return nil, errMarketNotListed
	}
	priceBorrowed, err := c.oracle.GetUnderlyingPrice(borrowed)
	if err != nil {
		return nil, err
	}
	priceCollateral, err := c.oracle.GetUnderlyingPrice(collateral)
	if err != nil {
		return nil, err
	}
	exchangeRate, err := collateralView.ExchangeRateStored()
	if err != nil {
		return nil, err
	}
	incentive, err := c.LiquidationIncentive()
	if err != nil {
		return nil, err
	}
	numerator, err := fixedpoint.MulExp(incentive, priceBorrowed)
	if err != nil {
		return nil, err
	}
	denominator, err := fixedpoint.MulExp(priceCollateral, exchangeRate)
	if err != nil {
		return nil, err
	}
	ratio, err := fixedpoint.DivExp(numerator, denominator)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulTruncate(ratio, repay)
}

// IsActionAllowed decides whether account may perform action on market.
func (c *Controller) IsActionAllowed(market, account common.Address, action nativecommon.Action) (bool, nativecommon.Rejection) {
	view, ok := c.markets[market]
	if !ok {
		return false, nativecommon.RejectionMarketNotListed
	}
	paused, err := view.ActionPaused(action)
	if err != nil {
		c.logger.Warn("risk: pause lookup failed", "market", market.Hex(), "error", err)
		return false, nativecommon.RejectionActionPaused
	}
	if paused {
		return false, nativecommon.RejectionActionPaused
	}
	if action != nativecommon.ActionLiquidate {
		return true, nativecommon.RejectionNone
	}

	params, err := c.Params()
	if err != nil {
		return false, nativecommon.RejectionPriceUnavailable
	}
	shortfall, weighted, err := c.LiquidationShortfall(account)
	if err != nil {
		c.logger.Warn("risk: liquidation shortfall unavailable", "account", account.Hex(), "error", err)
		return false, nativecommon.RejectionPriceUnavailable
	}
	if shortfall.Sign() == 0 {
		return false, nativecommon.RejectionInsufficientShortfall
	}
	if floor := params.MinLiquidatableCollateral; floor.Sign() > 0 && weighted.Cmp(floor) < 0 {
		return false, nativecommon.RejectionMinimalCollateral
	}
	return true, nativecommon.RejectionNone
}
