package lending

import (
	"math/big"

	nativecommon "isolend/native/common"
	"isolend/native/fixedpoint"
)

// RepayMode selects which borrow ledger an operation touches.
type RepayMode uint8

const (
	ModeVariable RepayMode = iota
	ModeStable
)

func (m RepayMode) String() string {
	if m == ModeStable {
		return "stable"
	}
	return "variable"
}

// Ledger is the persisted accounting record of a market. Amounts are in
// underlying units; rates and the borrow index are 18-decimal mantissas.
type Ledger struct {
	// Cash is the underlying the market holds and accounts for. Tokens sent
	// to the market outside its entry points are not counted.
	Cash               *big.Int
	TotalShares        *big.Int
	TotalBorrows       *big.Int
	TotalStableBorrows *big.Int
	AverageStableRate  *big.Int
	// StablePrincipals is the sum of stable position principals and
	// StableWeight the sum of principal*rate over the same positions. Stable
	// interest accrues on StableWeight so the total tracks the sum of the
	// accounts' simple interest.
	StablePrincipals *big.Int
	StableWeight     *big.Int
	TotalReserves    *big.Int
	// BadDebt is debt written off by healing that has not been resolved by
	// an auction yet.
	BadDebt *big.Int
	// AuctionedBadDebt and AuctionedShares are the part of BadDebt and of the
	// custodian's shares locked into the open auction round.
	AuctionedBadDebt   *big.Int
	AuctionedShares    *big.Int
	AccrualCheckpoint  uint64
	BorrowIndex        *big.Int
	LastReduceReserves uint64
}

// Clone returns a deep copy of the ledger with nil amounts mapped to zero.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	return &Ledger{
		Cash:               fixedpoint.Clone(l.Cash),
		TotalShares:        fixedpoint.Clone(l.TotalShares),
		TotalBorrows:       fixedpoint.Clone(l.TotalBorrows),
		TotalStableBorrows: fixedpoint.Clone(l.TotalStableBorrows),
		AverageStableRate:  fixedpoint.Clone(l.AverageStableRate),
		StablePrincipals:   fixedpoint.Clone(l.StablePrincipals),
		StableWeight:       fixedpoint.Clone(l.StableWeight),
		TotalReserves:      fixedpoint.Clone(l.TotalReserves),
		BadDebt:            fixedpoint.Clone(l.BadDebt),
		AuctionedBadDebt:   fixedpoint.Clone(l.AuctionedBadDebt),
		AuctionedShares:    fixedpoint.Clone(l.AuctionedShares),
		AccrualCheckpoint:  l.AccrualCheckpoint,
		BorrowIndex:        fixedpoint.Clone(l.BorrowIndex),
		LastReduceReserves: l.LastReduceReserves,
	}
}

// TotalDebt returns variable plus stable borrows.
func (l *Ledger) TotalDebt() *big.Int {
	return new(big.Int).Add(fixedpoint.Clone(l.TotalBorrows), fixedpoint.Clone(l.TotalStableBorrows))
}

// MarketConfig holds the governance-controlled parameters of one market. It
// only changes through the access-controlled setters.
type MarketConfig struct {
	ReserveFactor        *big.Int
	ProtocolSeizeShare   *big.Int
	FlashLoanProtocolFee *big.Int
	FlashLoanSupplierFee *big.Int
	FlashLoansEnabled    bool
	// SupplyCap and BorrowCap are in underlying units. Zero means unlimited.
	SupplyCap *big.Int
	BorrowCap *big.Int
	Pauses    nativecommon.ActionPauses
	// InitialExchangeRate prices shares while none are outstanding.
	InitialExchangeRate *big.Int
	// MaxBorrowRate is the per-period ceiling above which accrual fails.
	MaxBorrowRate                  *big.Int
	RebalanceUtilizationThreshold  *big.Int
	RebalanceRateFractionThreshold *big.Int
	// ReduceReservesDelta is the number of periods between automatic
	// releases of reserves to the converter. Zero disables them.
	ReduceReservesDelta uint64
}

// DefaultMaxBorrowRate matches a 0.0005% per-block ceiling.
var DefaultMaxBorrowRate = big.NewInt(5_000_000_000_000)

// Clone returns a deep copy of the configuration.
func (c MarketConfig) Clone() MarketConfig {
	return MarketConfig{
		ReserveFactor:                  fixedpoint.Clone(c.ReserveFactor),
		ProtocolSeizeShare:             fixedpoint.Clone(c.ProtocolSeizeShare),
		FlashLoanProtocolFee:           fixedpoint.Clone(c.FlashLoanProtocolFee),
		FlashLoanSupplierFee:           fixedpoint.Clone(c.FlashLoanSupplierFee),
		FlashLoansEnabled:              c.FlashLoansEnabled,
		SupplyCap:                      fixedpoint.Clone(c.SupplyCap),
		BorrowCap:                      fixedpoint.Clone(c.BorrowCap),
		Pauses:                         c.Pauses,
		InitialExchangeRate:            fixedpoint.Clone(c.InitialExchangeRate),
		MaxBorrowRate:                  fixedpoint.Clone(c.MaxBorrowRate),
		RebalanceUtilizationThreshold:  fixedpoint.Clone(c.RebalanceUtilizationThreshold),
		RebalanceRateFractionThreshold: fixedpoint.Clone(c.RebalanceRateFractionThreshold),
		ReduceReservesDelta:            c.ReduceReservesDelta,
	}
}

// Validate checks the configuration before it is stored.
func (c MarketConfig) Validate() error {
	one := fixedpoint.Scale
	if fixedpoint.Clone(c.ReserveFactor).Cmp(one) > 0 {
		return errInvalidReserveFactor
	}
	if fixedpoint.Clone(c.InitialExchangeRate).Sign() <= 0 {
		return errInvalidExchangeRate
	}
	if fixedpoint.Clone(c.MaxBorrowRate).Sign() <= 0 {
		return errInvalidMaxBorrowRate
	}
	fees := new(big.Int).Add(fixedpoint.Clone(c.FlashLoanProtocolFee), fixedpoint.Clone(c.FlashLoanSupplierFee))
	if fees.Cmp(one) > 0 {
		return errInvalidFlashLoanFee
	}
	if fixedpoint.Clone(c.RebalanceRateFractionThreshold).Cmp(one) > 0 {
		return errInvalidRebalanceThreshold
	}
	return nil
}

// Position is an account's persisted state in one market.
type Position struct {
	Shares            *big.Int
	VariablePrincipal *big.Int
	VariableIndex     *big.Int
	StablePrincipal   *big.Int
	StableRate        *big.Int
	StableCheckpoint  uint64
}

func (p *Position) normalise() *Position {
	if p == nil {
		p = &Position{}
	}
	p.Shares = fixedpoint.Clone(p.Shares)
	p.VariablePrincipal = fixedpoint.Clone(p.VariablePrincipal)
	p.VariableIndex = fixedpoint.Clone(p.VariableIndex)
	p.StablePrincipal = fixedpoint.Clone(p.StablePrincipal)
	p.StableRate = fixedpoint.Clone(p.StableRate)
	return p
}

// IsZero reports whether the position holds nothing.
func (p *Position) IsZero() bool {
	return p.Shares.Sign() == 0 && p.VariablePrincipal.Sign() == 0 && p.StablePrincipal.Sign() == 0
}

func (p *Position) clearVariable() {
	p.VariablePrincipal = new(big.Int)
	p.VariableIndex = new(big.Int)
}

func (p *Position) clearStable() {
	p.StablePrincipal = new(big.Int)
	p.StableRate = new(big.Int)
	p.StableCheckpoint = 0
}
