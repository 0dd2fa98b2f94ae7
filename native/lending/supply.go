package lending

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "isolend/native/common"
	"isolend/native/fixedpoint"
)

func requirePositive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Mint supplies amount of underlying from minter and credits minter with
// shares at the current exchange rate.
func (m *Market) Mint(minter common.Address, amount *big.Int) (*big.Int, error) {
	return m.MintBehalf(minter, minter, amount)
}

// MintBehalf pulls amount from payer and credits receiver with the shares.
// Only the underlying that actually arrives is credited.
func (m *Market) MintBehalf(payer, receiver common.Address, amount *big.Int) (*big.Int, error) {
	if payer == (common.Address{}) || receiver == (common.Address{}) {
		return nil, ErrInvalidParams
	}
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	var minted *big.Int
	err := m.run(func() error {
		if err := m.accrue(); err != nil {
			return err
		}
		ledger, err := m.loadLedger()
		if err != nil {
			return err
		}
		if err := m.requireFresh(ledger); err != nil {
			return err
		}
		if err := m.allow(receiver, nativecommon.ActionMint); err != nil {
			return err
		}
		cfg, err := m.loadConfig()
		if err != nil {
			return err
		}
		rate, err := m.exchangeRate(ledger, cfg)
		if err != nil {
			return err
		}
		if limit := cfg.SupplyCap; limit.Sign() > 0 {
			supplied, err := fixedpoint.MulTruncateAdd(rate, ledger.TotalShares, amount)
			if err != nil {
				return err
			}
			if supplied.Cmp(limit) > 0 {
				return fmt.Errorf("%w: %s > %s", ErrSupplyCapExceeded, supplied, limit)
			}
		}

		received, err := m.transferIn(payer, amount)
		if err != nil {
			return err
		}
		shares, err := fixedpoint.DivScalarByExp(received, rate)
		if err != nil {
			return err
		}
		if shares.Sign() == 0 {
			return ErrZeroShares
		}

		pos, err := m.loadPosition(receiver)
		if err != nil {
			return err
		}
		if pos.Shares, err = fixedpoint.Add(pos.Shares, shares); err != nil {
			return err
		}
		if ledger.TotalShares, err = fixedpoint.Add(ledger.TotalShares, shares); err != nil {
			return err
		}
		if ledger.Cash, err = fixedpoint.Add(ledger.Cash, received); err != nil {
			return err
		}
		if err := m.putLedger(ledger); err != nil {
			return err
		}
		if err := m.putPosition(receiver, pos); err != nil {
			return err
		}
		m.state.Emit(newMintEvent(m, payer, receiver, received, shares))
		minted = shares
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// Redeem burns shares and returns the underlying they are worth.
func (m *Market) Redeem(redeemer common.Address, shares *big.Int) (*big.Int, error) {
	if err := requirePositive(shares); err != nil {
		return nil, err
	}
	return m.redeem(redeemer, shares, nil)
}

// RedeemUnderlying withdraws exactly amount of underlying, burning the
// shares it takes rounded up.
func (m *Market) RedeemUnderlying(redeemer common.Address, amount *big.Int) (*big.Int, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	return m.redeem(redeemer, nil, amount)
}

func sharesForAmount(amount, rate *big.Int) (*big.Int, error) {
	scaled, err := fixedpoint.Mul(amount, fixedpoint.Scale)
	if err != nil {
		return nil, err
	}
	if scaled, err = fixedpoint.Add(scaled, new(big.Int).Sub(rate, big.NewInt(1))); err != nil {
		return nil, err
	}
	return fixedpoint.Div(scaled, rate)
}

func (m *Market) redeem(redeemer common.Address, shares, amount *big.Int) (*big.Int, error) {
	if redeemer == (common.Address{}) {
		return nil, ErrInvalidParams
	}
	var paid *big.Int
	err := m.run(func() error {
		if err := m.accrue(); err != nil {
			return err
		}
		ledger, err := m.loadLedger()
		if err != nil {
			return err
		}
		if err := m.requireFresh(ledger); err != nil {
			return err
		}
		cfg, err := m.loadConfig()
		if err != nil {
			return err
		}
		rate, err := m.exchangeRate(ledger, cfg)
		if err != nil {
			return err
		}
		if shares != nil {
			if amount, err = fixedpoint.MulTruncate(rate, shares); err != nil {
				return err
			}
		} else if shares, err = sharesForAmount(amount, rate); err != nil {
			return err
		}
		if amount.Sign() == 0 {
			return ErrInvalidAmount
		}

		pos, err := m.loadPosition(redeemer)
		if err != nil {
			return err
		}
		if pos.Shares.Cmp(shares) < 0 {
			return fmt.Errorf("%w: have %s need %s", ErrInsufficientShares, pos.Shares, shares)
		}
		if err := m.allow(redeemer, nativecommon.ActionRedeem); err != nil {
			return err
		}
		if err := m.requireLiquidity(redeemer, nativecommon.ActionRedeem, shares, nil); err != nil {
			return err
		}
		if ledger.Cash.Cmp(amount) < 0 {
			return ErrInsufficientCash
		}

		pos.Shares.Sub(pos.Shares, shares)
		ledger.TotalShares, err = fixedpoint.Sub(ledger.TotalShares, shares)
		if err != nil {
			return err
		}
		ledger.Cash.Sub(ledger.Cash, amount)
		if err := m.putLedger(ledger); err != nil {
			return err
		}
		if err := m.putPosition(redeemer, pos); err != nil {
			return err
		}
		if err := m.transferOut(redeemer, amount); err != nil {
			return err
		}
		m.state.Emit(newRedeemEvent(m, redeemer, amount, shares))
		paid = amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// requireLiquidity rejects the action when redeeming redeemShares or
// borrowing borrowAmount would leave account short of collateral.
func (m *Market) requireLiquidity(account common.Address, action nativecommon.Action, redeemShares, borrowAmount *big.Int) error {
	_, shortfall, err := m.risk.HypotheticalLiquidity(account, m.address, redeemShares, borrowAmount)
	if err != nil {
		return err
	}
	if shortfall.Sign() > 0 {
		return &PolicyError{Action: action, Code: nativecommon.RejectionInsufficientLiquidity}
	}
	return nil
}

// TransferShares moves shares between accounts under the same liquidity
// rule as a redeem.
func (m *Market) TransferShares(from, to common.Address, shares *big.Int) error {
	if from == (common.Address{}) || to == (common.Address{}) || from == to {
		return ErrInvalidParams
	}
	if err := requirePositive(shares); err != nil {
		return err
	}
	return m.run(func() error {
		if err := m.accrue(); err != nil {
			return err
		}
		if err := m.allow(from, nativecommon.ActionTransfer); err != nil {
			return err
		}
		src, err := m.loadPosition(from)
		if err != nil {
			return err
		}
		if src.Shares.Cmp(shares) < 0 {
			return ErrInsufficientShares
		}
		if err := m.requireLiquidity(from, nativecommon.ActionTransfer, shares, nil); err != nil {
			return err
		}
		dst, err := m.loadPosition(to)
		if err != nil {
			return err
		}
		src.Shares.Sub(src.Shares, shares)
		dst.Shares.Add(dst.Shares, shares)
		if err := m.putPosition(from, src); err != nil {
			return err
		}
		if err := m.putPosition(to, dst); err != nil {
			return err
		}
		m.state.Emit(m.newEvent(EventTypeTransfer, map[string]string{
			"from":   from.Hex(),
			"to":     to.Hex(),
			"shares": amountString(shares),
		}))
		return nil
	})
}
