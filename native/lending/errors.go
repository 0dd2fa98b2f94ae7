package lending

import (
	"errors"
	"fmt"

	nativecommon "isolend/native/common"
)

var (
	// ErrStaleMarket is the freshness violation: the market's accrual
	// checkpoint is behind the clock.
	ErrStaleMarket = errors.New("lending: market accrual is stale")
	// ErrStaleCollateral is the freshness violation for the collateral
	// market of a liquidation.
	ErrStaleCollateral = errors.New("lending: collateral market accrual is stale")
	// ErrRateTooHigh aborts accrual when the model returns a rate above the
	// configured ceiling.
	ErrRateTooHigh = errors.New("lending: borrow rate is absurdly high")
	// ErrTransferShortfall is the transfer fault raised when an exact amount
	// was required and fewer tokens arrived.
	ErrTransferShortfall = errors.New("lending: transfer delivered less than required")
	// ErrInvalidParams covers zero addresses, mismatched arrays and similar
	// input faults rejected before any state read.
	ErrInvalidParams = errors.New("lending: invalid parameters")

	ErrInvalidAmount             = errors.New("lending: amount must be positive")
	ErrInsufficientCash          = errors.New("lending: insufficient cash")
	ErrInsufficientShares        = errors.New("lending: insufficient shares")
	ErrSupplyCapExceeded         = errors.New("lending: supply cap exceeded")
	ErrBorrowCapExceeded         = errors.New("lending: borrow cap exceeded")
	ErrNoDebtToRepay             = errors.New("lending: no outstanding debt to repay")
	ErrLiquidatorIsBorrower      = errors.New("lending: liquidator cannot be the borrower")
	ErrRepayAll                  = errors.New("lending: liquidation repay amount must be explicit")
	ErrTooMuchRepay              = errors.New("lending: repay exceeds close factor")
	ErrSeizeTooMuch              = errors.New("lending: seize exceeds borrower collateral")
	ErrProtocolSeizeShareTooHigh = errors.New("lending: protocol seize share must be below liquidation incentive minus one")
	ErrFlashLoanDisabled         = errors.New("lending: flash loans disabled")
	ErrStableBorrowDisabled      = errors.New("lending: stable borrowing not configured")
	ErrRebalanceNotAllowed       = errors.New("lending: stable rate rebalance conditions not met")
	ErrNotHealable               = errors.New("lending: account collateral covers its debt")
	ErrUnknownMarket             = errors.New("lending: market not part of pool")
	ErrUnauthorizedCaller        = errors.New("lending: caller not authorised")
	ErrZeroShares                = errors.New("lending: amount too small to mint shares")

	errNilState                  = errors.New("lending: state not configured")
	errNilRisk                   = errors.New("lending: risk controller not configured")
	errNilRateModel              = errors.New("lending: interest rate model not configured")
	errNotInitialised            = errors.New("lending: market not initialised")
	errInvalidReserveFactor      = errors.New("lending: reserve factor must not exceed 1")
	errInvalidExchangeRate       = errors.New("lending: initial exchange rate must be positive")
	errInvalidMaxBorrowRate      = errors.New("lending: max borrow rate must be positive")
	errInvalidFlashLoanFee       = errors.New("lending: flash loan fees must not exceed 1")
	errInvalidRebalanceThreshold = errors.New("lending: rebalance rate fraction must not exceed 1")
	errInvalidReduceDelta        = errors.New("lending: reduce reserves delta must be positive")
	errConverterNotConfigured    = errors.New("lending: reserve converter not configured")
	errRegistryNotConfigured     = errors.New("lending: bad debt registry not configured")
	errDuplicateMarket           = errors.New("lending: market already registered")
)

// PolicyError is a risk controller rejection. The denying code travels with
// the error so callers can distinguish a paused market from a liquidity
// shortfall.
type PolicyError struct {
	Action nativecommon.Action
	Code   nativecommon.Rejection
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("lending: %s rejected: %s", e.Action, e.Code)
}

// IsPolicyRejection reports whether err is a PolicyError with the given code.
func IsPolicyRejection(err error, code nativecommon.Rejection) bool {
	var policy *PolicyError
	if !errors.As(err, &policy) {
		return false
	}
	return policy.Code == code
}
