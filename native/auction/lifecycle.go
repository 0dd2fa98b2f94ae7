package auction

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"isolend/native/fixedpoint"
)

// StartAuction opens a round for pool once its recorded bad debt reaches the
// minimum. Part of the pool's base reserve is pulled in as a backstop for
// the eventual winner.
func (a *Auction) StartAuction(caller common.Address, pool string) error {
	if _, err := a.pool(pool); err != nil {
		return err
	}
	return a.run(func() error {
		cfg, err := a.Config()
		if err != nil {
			return err
		}
		rec, err := a.Current(pool)
		if err != nil {
			return err
		}
		if rec.Status == StatusOpen {
			return fmt.Errorf("%w: %s round %d", ErrAuctionOpen, pool, rec.Round)
		}
		return a.open(cfg, caller, pool, rec.Round+1)
	})
}

func (a *Auction) open(cfg Config, caller common.Address, pool string, round uint64) error {
	p, err := a.pool(pool)
	if err != nil {
		return err
	}
	badDebt, err := a.PoolBadDebt(pool)
	if err != nil {
		return err
	}
	if badDebt.Sign() == 0 || badDebt.Cmp(cfg.MinPoolBadDebt) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrBadDebtTooLow, badDebt, cfg.MinPoolBadDebt)
	}
	base, err := a.converter.BaseAsset(pool)
	if err != nil {
		return err
	}
	backstop, err := a.backstopFor(cfg, pool, base, badDebt)
	if err != nil {
		return err
	}
	if backstop.Sign() > 0 {
		if err := a.converter.TransferReserveForAuction(a.address, pool, backstop); err != nil {
			return err
		}
	}
	if err := p.LockBadDebt(a.address); err != nil {
		return err
	}
	now := a.clock.Current()
	rec := &Record{
		Status:           StatusOpen,
		Round:            round,
		BaseAsset:        base,
		BadDebt:          badDebt,
		StartedAt:        now,
		FirstBidDeadline: now + cfg.WaitForFirstBidder,
		HighestBid:       new(big.Int),
		Backstop:         backstop,
	}
	if err := a.putRecord(pool, rec); err != nil {
		return err
	}
	a.emit(EventTypeStarted, map[string]string{
		"pool":             pool,
		"round":            fmt.Sprint(round),
		"caller":           caller.Hex(),
		"badDebt":          badDebt.String(),
		"backstop":         backstop.String(),
		"firstBidDeadline": fmt.Sprint(rec.FirstBidDeadline),
	})
	a.logger.Info("auction: started", "pool", pool, "round", round, "badDebt", badDebt.String())
	return nil
}

// backstopFor is min(base reserve, badDebt × BackstopBps) in base asset units.
func (a *Auction) backstopFor(cfg Config, pool string, base common.Address, badDebt *big.Int) (*big.Int, error) {
	if cfg.BackstopBps == 0 {
		return new(big.Int), nil
	}
	value, err := fixedpoint.MulDiv(badDebt, new(big.Int).SetUint64(cfg.BackstopBps), big.NewInt(bpsDenominator))
	if err != nil {
		return nil, err
	}
	price, err := a.oracle.GetPrice(base)
	if err != nil {
		return nil, err
	}
	units, err := fixedpoint.DivScalarByExp(value, price)
	if err != nil {
		return nil, err
	}
	reserve, err := a.converter.PoolBaseReserve(pool)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Min(units, reserve), nil
}

// minimumNextBid is prev + max(1, prev × MinIncrementBps).
func minimumNextBid(prev *big.Int, incrementBps uint64) *big.Int {
	step := new(big.Int).Mul(prev, new(big.Int).SetUint64(incrementBps))
	step.Quo(step, big.NewInt(bpsDenominator))
	if step.Sign() == 0 {
		step.SetInt64(1)
	}
	return step.Add(step, prev)
}

// PlaceBid escrows amount of base asset from bidder and makes it the
// highest bid. The outbid bidder is refunded in the same call.
func (a *Auction) PlaceBid(bidder common.Address, pool string, amount *big.Int) error {
	if bidder == (common.Address{}) || amount == nil || amount.Sign() <= 0 {
		return ErrInvalidParams
	}
	if _, err := a.pool(pool); err != nil {
		return err
	}
	return a.run(func() error {
		cfg, err := a.Config()
		if err != nil {
			return err
		}
		rec, err := a.Current(pool)
		if err != nil {
			return err
		}
		if rec.Status != StatusOpen {
			return fmt.Errorf("%w: %s", ErrAuctionNotOpen, pool)
		}
		now := a.clock.Current()
		prevBidder, prevBid := rec.HighestBidder, rec.HighestBid
		if !rec.HasBid() {
			if now > rec.FirstBidDeadline {
				return fmt.Errorf("%w: first bid due by %d", ErrBiddingClosed, rec.FirstBidDeadline)
			}
			if amount.Cmp(cfg.MinBid) < 0 {
				return fmt.Errorf("%w: %s < %s", ErrBidTooLow, amount, cfg.MinBid)
			}
			rec.BidDeadline = now + cfg.NextBidderWindow
			rec.HardDeadline = now + cfg.MaxAuctionDuration
		} else {
			if now > rec.BidDeadline {
				return fmt.Errorf("%w: bids closed at %d", ErrBiddingClosed, rec.BidDeadline)
			}
			if bidder == prevBidder {
				return ErrSelfOutbid
			}
			if minimum := minimumNextBid(prevBid, cfg.MinIncrementBps); amount.Cmp(minimum) < 0 {
				return fmt.Errorf("%w: %s < %s", ErrBidTooLow, amount, minimum)
			}
			if rec.BidDeadline-now < cfg.ExtensionWindow {
				extended := now + cfg.ExtensionWindow
				if extended > rec.HardDeadline {
					extended = rec.HardDeadline
				}
				if extended > rec.BidDeadline {
					rec.BidDeadline = extended
				}
			}
		}

		received, err := a.bank.Transfer(rec.BaseAsset, bidder, a.address, amount)
		if err != nil {
			return err
		}
		if received.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s of %s", ErrTransferShortfall, received, amount)
		}
		if prevBidder != (common.Address{}) && prevBid.Sign() > 0 {
			if _, err := a.bank.Transfer(rec.BaseAsset, a.address, prevBidder, prevBid); err != nil {
				return err
			}
		}
		rec.HighestBidder = bidder
		rec.HighestBid = new(big.Int).Set(amount)
		if err := a.putRecord(pool, rec); err != nil {
			return err
		}
		a.emit(EventTypeBid, map[string]string{
			"pool":        pool,
			"round":       fmt.Sprint(rec.Round),
			"bidder":      bidder.Hex(),
			"amount":      amount.String(),
			"bidDeadline": fmt.Sprint(rec.BidDeadline),
		})
		return nil
	})
}

// CloseAuction settles a round whose bidding window has passed. The winning
// bid goes to the reserve converter; the winner receives the collateral
// locked when the round opened and the backstop.
func (a *Auction) CloseAuction(caller common.Address, pool string) error {
	p, err := a.pool(pool)
	if err != nil {
		return err
	}
	return a.run(func() error {
		rec, err := a.Current(pool)
		if err != nil {
			return err
		}
		if rec.Status != StatusOpen {
			return fmt.Errorf("%w: %s", ErrAuctionNotOpen, pool)
		}
		if !rec.HasBid() {
			return ErrNoBids
		}
		if now := a.clock.Current(); now <= rec.BidDeadline {
			return fmt.Errorf("%w: until %d", ErrAuctionNotOver, rec.BidDeadline)
		}

		proceeds, err := a.bank.Transfer(rec.BaseAsset, a.address, a.converter.Address(), rec.HighestBid)
		if err != nil {
			return err
		}
		if proceeds.Sign() > 0 {
			if err := a.converter.DepositAuctionProceeds(a.address, pool, proceeds); err != nil {
				return err
			}
		}
		if rec.Backstop.Sign() > 0 {
			if _, err := a.bank.Transfer(rec.BaseAsset, a.address, rec.HighestBidder, rec.Backstop); err != nil {
				return err
			}
		}
		if err := p.SettleBadDebt(a.address, rec.HighestBidder); err != nil {
			return err
		}
		// shortfalls recorded after the round opened stay for the next one
		outstanding, err := a.PoolBadDebt(pool)
		if err != nil {
			return err
		}
		left := new(big.Int).Sub(outstanding, rec.BadDebt)
		if left.Sign() < 0 {
			left.SetInt64(0)
		}
		if err := a.state.KVPut(badDebtKey(pool), left); err != nil {
			return err
		}
		rec.Status = StatusSettled
		if err := a.putRecord(pool, rec); err != nil {
			return err
		}
		a.emit(EventTypeSettled, map[string]string{
			"pool":     pool,
			"round":    fmt.Sprint(rec.Round),
			"caller":   caller.Hex(),
			"winner":   rec.HighestBidder.Hex(),
			"bid":      rec.HighestBid.String(),
			"backstop": rec.Backstop.String(),
			"badDebt":  rec.BadDebt.String(),
			"leftover": left.String(),
		})
		a.logger.Info("auction: settled", "pool", pool, "round", rec.Round, "winner", rec.HighestBidder.Hex(), "bid", rec.HighestBid.String())
		return nil
	})
}

// RestartAuction voids a round nobody bid on once the first-bid window has
// passed. The backstop goes back to the converter and the bad debt stays on
// record; if it still meets the minimum a fresh round opens immediately.
func (a *Auction) RestartAuction(caller common.Address, pool string) error {
	if _, err := a.pool(pool); err != nil {
		return err
	}
	return a.run(func() error {
		cfg, err := a.Config()
		if err != nil {
			return err
		}
		rec, err := a.Current(pool)
		if err != nil {
			return err
		}
		if rec.Status != StatusOpen {
			return fmt.Errorf("%w: %s", ErrAuctionNotOpen, pool)
		}
		if rec.HasBid() {
			return ErrHasBids
		}
		if now := a.clock.Current(); now <= rec.FirstBidDeadline {
			return fmt.Errorf("%w: first bid window open until %d", ErrAuctionNotOver, rec.FirstBidDeadline)
		}
		if rec.Backstop.Sign() > 0 {
			returned, err := a.bank.Transfer(rec.BaseAsset, a.address, a.converter.Address(), rec.Backstop)
			if err != nil {
				return err
			}
			if err := a.converter.DepositAuctionProceeds(a.address, pool, returned); err != nil {
				return err
			}
		}
		rec.Status = StatusVoid
		if err := a.putRecord(pool, rec); err != nil {
			return err
		}
		a.emit(EventTypeVoided, map[string]string{
			"pool":    pool,
			"round":   fmt.Sprint(rec.Round),
			"caller":  caller.Hex(),
			"badDebt": rec.BadDebt.String(),
		})

		badDebt, err := a.PoolBadDebt(pool)
		if err != nil {
			return err
		}
		if badDebt.Sign() == 0 || badDebt.Cmp(cfg.MinPoolBadDebt) < 0 {
			return nil
		}
		return a.open(cfg, caller, pool, rec.Round+1)
	})
}
