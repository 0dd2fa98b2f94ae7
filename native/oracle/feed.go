// Package oracle is the reference price collaborator. Prices are 18-decimal
// mantissas per whole underlying unit, stamped with the clock period at which
// they were posted, and never reported as zero or silently stale.
package oracle

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"isolend/core/types"
	"isolend/native/clock"
)

var (
	ErrPriceNotSet   = errors.New("oracle: price not set")
	ErrStalePrice    = errors.New("oracle: price is stale")
	ErrInvalidPrice  = errors.New("oracle: price must be positive")
	ErrUnknownMarket = errors.New("oracle: market not bound to an asset")
)

const EventTypePriceUpdated = "oracle.price.updated"

type feedState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	Emit(evt *types.Event)
}

// PriceRecord is the persisted observation for an asset.
type PriceRecord struct {
	Price     *big.Int
	UpdatedAt uint64
}

// Feed stores posted prices and resolves market addresses to their
// underlying asset.
type Feed struct {
	state  feedState
	clock  clock.Source
	maxAge uint64
}

// NewFeed creates a feed. A zero maxAge disables the staleness guard.
func NewFeed(state feedState, src clock.Source, maxAge uint64) *Feed {
	return &Feed{state: state, clock: src, maxAge: maxAge}
}

// SetMaxAge configures how many periods a price stays usable.
func (f *Feed) SetMaxAge(periods uint64) {
	if f == nil {
		return
	}
	f.maxAge = periods
}

func priceKey(asset common.Address) []byte {
	return []byte(fmt.Sprintf("oracle/price/%s", asset.Hex()))
}

func marketKey(market common.Address) []byte {
	return []byte(fmt.Sprintf("oracle/market/%s", market.Hex()))
}

// SetPrice posts a new observation for asset.
func (f *Feed) SetPrice(asset common.Address, price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	record := PriceRecord{Price: new(big.Int).Set(price), UpdatedAt: f.clock.Current()}
	if err := f.state.KVPut(priceKey(asset), &record); err != nil {
		return err
	}
	f.state.Emit(&types.Event{
		Type: EventTypePriceUpdated,
		Attributes: map[string]string{
			"asset":  asset.Hex(),
			"price":  price.String(),
			"period": fmt.Sprintf("%d", record.UpdatedAt),
		},
	})
	return nil
}

// BindMarket records which asset a market lends.
func (f *Feed) BindMarket(market, asset common.Address) error {
	return f.state.KVPut(marketKey(market), asset)
}

// GetPrice returns the current price of asset.
func (f *Feed) GetPrice(asset common.Address) (*big.Int, error) {
	var record PriceRecord
	ok, err := f.state.KVGet(priceKey(asset), &record)
	if err != nil {
		return nil, err
	}
	if !ok || record.Price == nil {
		return nil, fmt.Errorf("%w: %s", ErrPriceNotSet, asset.Hex())
	}
	if record.Price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	if f.maxAge > 0 && clock.PeriodsElapsed(record.UpdatedAt, f.clock.Current()) > f.maxAge {
		return nil, fmt.Errorf("%w: %s last updated at %d", ErrStalePrice, asset.Hex(), record.UpdatedAt)
	}
	return new(big.Int).Set(record.Price), nil
}

// GetUnderlyingPrice returns the price of the asset a market lends.
func (f *Feed) GetUnderlyingPrice(market common.Address) (*big.Int, error) {
	var asset common.Address
	ok, err := f.state.KVGet(marketKey(market), &asset)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, market.Hex())
	}
	return f.GetPrice(asset)
}
