package auction

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

func (a *Auction) updateConfig(caller common.Address, signature string, mutate func(*Config) string) error {
	if a.acm == nil {
		return ErrUnauthorizedCaller
	}
	if err := a.acm.Check(caller, a.address, signature); err != nil {
		return err
	}
	return a.state.Atomic(func() error {
		cfg, err := a.Config()
		if err != nil {
			return err
		}
		value := mutate(&cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := a.state.KVPut(configKey, &cfg); err != nil {
			return err
		}
		a.emit(EventTypeConfigUpdated, map[string]string{
			"method": signature,
			"value":  value,
			"caller": caller.Hex(),
		})
		return nil
	})
}

func (a *Auction) SetMinPoolBadDebt(caller common.Address, value *big.Int) error {
	if value == nil {
		return ErrInvalidParams
	}
	return a.updateConfig(caller, "updateMinimumPoolBadDebt(uint256)", func(cfg *Config) string {
		cfg.MinPoolBadDebt = new(big.Int).Set(value)
		return value.String()
	})
}

func (a *Auction) SetMinBid(caller common.Address, value *big.Int) error {
	if value == nil {
		return ErrInvalidParams
	}
	return a.updateConfig(caller, "updateMinimumBid(uint256)", func(cfg *Config) string {
		cfg.MinBid = new(big.Int).Set(value)
		return value.String()
	})
}

func (a *Auction) setUint(caller common.Address, signature string, value uint64, field func(*Config) *uint64) error {
	return a.updateConfig(caller, signature, func(cfg *Config) string {
		*field(cfg) = value
		return fmt.Sprint(value)
	})
}

func (a *Auction) SetMinIncrementBps(caller common.Address, bps uint64) error {
	return a.setUint(caller, "updateIncentiveBps(uint256)", bps, func(c *Config) *uint64 { return &c.MinIncrementBps })
}

// SetBackstopBps sets the share of bad debt value paid from reserves to the
// winner.
func (a *Auction) SetBackstopBps(caller common.Address, bps uint64) error {
	return a.setUint(caller, "updateBackstopBps(uint256)", bps, func(c *Config) *uint64 { return &c.BackstopBps })
}

func (a *Auction) SetWaitForFirstBidder(caller common.Address, periods uint64) error {
	return a.setUint(caller, "updateWaitForFirstBidder(uint256)", periods, func(c *Config) *uint64 { return &c.WaitForFirstBidder })
}

func (a *Auction) SetNextBidderWindow(caller common.Address, periods uint64) error {
	return a.setUint(caller, "updateNextBidderBlockLimit(uint256)", periods, func(c *Config) *uint64 { return &c.NextBidderWindow })
}

func (a *Auction) SetExtensionWindow(caller common.Address, periods uint64) error {
	return a.setUint(caller, "updateExtensionWindow(uint256)", periods, func(c *Config) *uint64 { return &c.ExtensionWindow })
}

func (a *Auction) SetMaxAuctionDuration(caller common.Address, periods uint64) error {
	return a.setUint(caller, "updateMaxAuctionDuration(uint256)", periods, func(c *Config) *uint64 { return &c.MaxAuctionDuration })
}
