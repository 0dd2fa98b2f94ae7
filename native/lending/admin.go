package lending

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "isolend/native/common"
	"isolend/native/fixedpoint"
	"isolend/native/interest"
)

func (m *Market) authorize(caller common.Address, signature string) error {
	if m.acm == nil {
		return ErrUnauthorizedCaller
	}
	return m.acm.Check(caller, m.address, signature)
}

// updateConfig applies mutate under the ACM check for signature. When
// accrueFirst is set the market is brought current before the change takes
// effect, so interest already earned is booked under the old parameters.
func (m *Market) updateConfig(caller common.Address, signature string, accrueFirst bool, mutate func(*MarketConfig) (string, error)) error {
	if err := m.authorize(caller, signature); err != nil {
		return err
	}
	return m.run(func() error {
		if accrueFirst {
			if err := m.accrue(); err != nil {
				return err
			}
		}
		cfg, err := m.loadConfig()
		if err != nil {
			return err
		}
		value, err := mutate(&cfg)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := m.putConfig(cfg); err != nil {
			return err
		}
		m.state.Emit(m.newEvent(EventTypeConfigUpdated, map[string]string{
			"method": signature,
			"value":  value,
			"caller": caller.Hex(),
		}))
		return nil
	})
}

func (m *Market) SetReserveFactor(caller common.Address, factor *big.Int) error {
	return m.updateConfig(caller, "setReserveFactor(uint256)", true, func(cfg *MarketConfig) (string, error) {
		if factor == nil || factor.Sign() < 0 || factor.Cmp(fixedpoint.Scale) > 0 {
			return "", errInvalidReserveFactor
		}
		cfg.ReserveFactor = new(big.Int).Set(factor)
		return factor.String(), nil
	})
}

// SetProtocolSeizeShare rejects any share at or above the pool's
// liquidation incentive minus one.
func (m *Market) SetProtocolSeizeShare(caller common.Address, share *big.Int) error {
	return m.updateConfig(caller, "setProtocolSeizeShare(uint256)", false, func(cfg *MarketConfig) (string, error) {
		if share == nil || share.Sign() < 0 {
			return "", ErrInvalidParams
		}
		incentive, err := m.risk.LiquidationIncentive()
		if err != nil {
			return "", err
		}
		if err := checkSeizeShare(share, incentive); err != nil {
			return "", err
		}
		cfg.ProtocolSeizeShare = new(big.Int).Set(share)
		return share.String(), nil
	})
}

func (m *Market) SetSupplyCap(caller common.Address, limit *big.Int) error {
	return m.updateConfig(caller, "setMarketSupplyCaps(uint256)", false, func(cfg *MarketConfig) (string, error) {
		cfg.SupplyCap = fixedpoint.Clone(limit)
		return cfg.SupplyCap.String(), nil
	})
}

func (m *Market) SetBorrowCap(caller common.Address, limit *big.Int) error {
	return m.updateConfig(caller, "setMarketBorrowCaps(uint256)", false, func(cfg *MarketConfig) (string, error) {
		cfg.BorrowCap = fixedpoint.Clone(limit)
		return cfg.BorrowCap.String(), nil
	})
}

// SetActionPaused switches a single action on or off for this market.
func (m *Market) SetActionPaused(caller common.Address, action nativecommon.Action, paused bool) error {
	return m.updateConfig(caller, "setActionsPaused(address,uint8,bool)", false, func(cfg *MarketConfig) (string, error) {
		cfg.Pauses = cfg.Pauses.With(action, paused)
		return fmt.Sprintf("%s=%t", action, paused), nil
	})
}

func (m *Market) SetFlashLoanFees(caller common.Address, protocolFee, supplierFee *big.Int) error {
	return m.updateConfig(caller, "setFlashLoanFeeMantissa(uint256,uint256)", false, func(cfg *MarketConfig) (string, error) {
		cfg.FlashLoanProtocolFee = fixedpoint.Clone(protocolFee)
		cfg.FlashLoanSupplierFee = fixedpoint.Clone(supplierFee)
		return cfg.FlashLoanProtocolFee.String() + "/" + cfg.FlashLoanSupplierFee.String(), nil
	})
}

func (m *Market) SetFlashLoansEnabled(caller common.Address, enabled bool) error {
	return m.updateConfig(caller, "toggleFlashLoan()", false, func(cfg *MarketConfig) (string, error) {
		cfg.FlashLoansEnabled = enabled
		return strconv.FormatBool(enabled), nil
	})
}

func (m *Market) SetReduceReservesDelta(caller common.Address, delta uint64) error {
	return m.updateConfig(caller, "setReduceReservesBlockDelta(uint256)", false, func(cfg *MarketConfig) (string, error) {
		if delta == 0 {
			return "", errInvalidReduceDelta
		}
		cfg.ReduceReservesDelta = delta
		return strconv.FormatUint(delta, 10), nil
	})
}

func (m *Market) SetRebalanceThresholds(caller common.Address, utilization, rateFraction *big.Int) error {
	return m.updateConfig(caller, "setRebalanceThresholds(uint256,uint256)", false, func(cfg *MarketConfig) (string, error) {
		cfg.RebalanceUtilizationThreshold = fixedpoint.Clone(utilization)
		cfg.RebalanceRateFractionThreshold = fixedpoint.Clone(rateFraction)
		return cfg.RebalanceUtilizationThreshold.String() + "/" + cfg.RebalanceRateFractionThreshold.String(), nil
	})
}

func (m *Market) SetMaxBorrowRate(caller common.Address, rate *big.Int) error {
	return m.updateConfig(caller, "setMaxBorrowRate(uint256)", true, func(cfg *MarketConfig) (string, error) {
		cfg.MaxBorrowRate = fixedpoint.Clone(rate)
		return cfg.MaxBorrowRate.String(), nil
	})
}

// SetInterestRateModel accrues under the old model before swapping it.
// Rate models are strategies held by the handle, not persisted state.
func (m *Market) SetInterestRateModel(caller common.Address, model interest.Model) error {
	if model == nil {
		return errNilRateModel
	}
	if err := m.authorize(caller, "setInterestRateModel(address)"); err != nil {
		return err
	}
	return m.run(func() error {
		if err := m.accrue(); err != nil {
			return err
		}
		m.rateModel = model
		m.state.Emit(m.newEvent(EventTypeConfigUpdated, map[string]string{
			"method": "setInterestRateModel(address)",
			"value":  fmt.Sprintf("%T", model),
			"caller": caller.Hex(),
		}))
		return nil
	})
}

// SetStableRateModel replaces the stable premium curve. A nil model turns
// stable borrowing off; existing stable loans keep their locked rates.
func (m *Market) SetStableRateModel(caller common.Address, model *interest.StableRate) error {
	if err := m.authorize(caller, "setStableInterestRateModel(address)"); err != nil {
		return err
	}
	return m.run(func() error {
		if err := m.accrue(); err != nil {
			return err
		}
		m.stableModel = model
		m.state.Emit(m.newEvent(EventTypeConfigUpdated, map[string]string{
			"method": "setStableInterestRateModel(address)",
			"value":  strconv.FormatBool(model != nil),
			"caller": caller.Hex(),
		}))
		return nil
	})
}
