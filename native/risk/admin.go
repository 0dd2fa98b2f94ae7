package risk

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"isolend/native/fixedpoint"
)

func (c *Controller) authorize(caller common.Address, signature string) error {
	if c.acm == nil {
		return nil
	}
	return c.acm.Check(caller, c.address, signature)
}

// SetCloseFactor updates the pool close factor.
func (c *Controller) SetCloseFactor(caller common.Address, closeFactor *big.Int) error {
	if err := c.authorize(caller, "setCloseFactor(uint256)"); err != nil {
		return err
	}
	params, err := c.Params()
	if err != nil {
		return err
	}
	params.CloseFactor = fixedpoint.Clone(closeFactor)
	if err := params.Validate(); err != nil {
		return err
	}
	if err := c.writePoolParams(params); err != nil {
		return err
	}
	c.emit(EventTypeParamsUpdated, map[string]string{"closeFactor": fixedpoint.Format(closeFactor)})
	return nil
}

// SetLiquidationIncentive updates the pool liquidation incentive.
func (c *Controller) SetLiquidationIncentive(caller common.Address, incentive *big.Int) error {
	if err := c.authorize(caller, "setLiquidationIncentive(uint256)"); err != nil {
		return err
	}
	params, err := c.Params()
	if err != nil {
		return err
	}
	params.LiquidationIncentive = fixedpoint.Clone(incentive)
	if err := params.Validate(); err != nil {
		return err
	}
	if err := c.writePoolParams(params); err != nil {
		return err
	}
	c.emit(EventTypeParamsUpdated, map[string]string{"liquidationIncentive": fixedpoint.Format(incentive)})
	return nil
}

// SetMinLiquidatableCollateral updates the collateral floor below which
// accounts must be healed rather than liquidated.
func (c *Controller) SetMinLiquidatableCollateral(caller common.Address, value *big.Int) error {
	if err := c.authorize(caller, "setMinLiquidatableCollateral(uint256)"); err != nil {
		return err
	}
	params, err := c.Params()
	if err != nil {
		return err
	}
	params.MinLiquidatableCollateral = fixedpoint.Clone(value)
	if err := c.writePoolParams(params); err != nil {
		return err
	}
	c.emit(EventTypeParamsUpdated, map[string]string{"minLiquidatableCollateral": fixedpoint.Clone(value).String()})
	return nil
}

// SetCollateralFactor updates the collateral factor and liquidation threshold
// of a listed market.
func (c *Controller) SetCollateralFactor(caller, market common.Address, collateralFactor, liquidationThreshold *big.Int) error {
	if err := c.authorize(caller, "setCollateralFactor(address,uint256,uint256)"); err != nil {
		return err
	}
	if !c.IsListed(market) {
		return errMarketNotListed
	}
	params := MarketParams{CollateralFactor: collateralFactor, LiquidationThreshold: liquidationThreshold}
	if err := params.Validate(); err != nil {
		return err
	}
	if err := c.writeMarketParams(market, params); err != nil {
		return err
	}
	c.emit(EventTypeParamsUpdated, map[string]string{
		"market":               market.Hex(),
		"collateralFactor":     fixedpoint.Format(collateralFactor),
		"liquidationThreshold": fixedpoint.Format(liquidationThreshold),
	})
	return nil
}
