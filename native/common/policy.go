package common

import "fmt"

// Rejection is the reason code a risk controller attaches to a denied action.
type Rejection uint8

const (
	RejectionNone Rejection = iota
	RejectionMarketNotListed
	RejectionActionPaused
	RejectionInsufficientLiquidity
	RejectionInsufficientShortfall
	RejectionMinimalCollateral
	RejectionPriceUnavailable
	RejectionNotMember
	RejectionOutstandingBorrow
	rejectionCount
)

var rejectionNames = [...]string{
	RejectionNone:                  "none",
	RejectionMarketNotListed:       "market not listed",
	RejectionActionPaused:          "action paused",
	RejectionInsufficientLiquidity: "insufficient liquidity",
	RejectionInsufficientShortfall: "insufficient shortfall",
	RejectionMinimalCollateral:     "collateral below liquidation minimum",
	RejectionPriceUnavailable:      "price unavailable",
	RejectionNotMember:             "account not in market",
	RejectionOutstandingBorrow:     "outstanding borrow",
}

func (r Rejection) String() string {
	if r < rejectionCount {
		return rejectionNames[r]
	}
	return fmt.Sprintf("rejection(%d)", uint8(r))
}
