package config

// Clock selects the accounting clock shared by markets and the auction.
type Clock struct {
	IsTimeBased   bool   `toml:"IsTimeBased"`
	BlocksPerYear uint64 `toml:"BlocksPerYear"`
	// Start is the period the manual clock begins at.
	Start uint64 `toml:"Start"`
}

// Storage picks the state backend and the optional event index.
type Storage struct {
	Backend     string `toml:"Backend"`
	DataDir     string `toml:"DataDir"`
	IndexDriver string `toml:"IndexDriver"`
	IndexDSN    string `toml:"IndexDSN"`
}

// Logging mirrors logging.Options.
type Logging struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}

// Telemetry configures the OTLP exporters and the scrape endpoint served by
// `isolend serve`.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
	// SampleRatio keeps that fraction of scenario traces; zero keeps all.
	SampleRatio float64 `toml:"SampleRatio"`
	// Listen is the address of the Prometheus scrape endpoint.
	Listen string `toml:"Listen"`
	// RequestsPerMinute and Burst bound each scraping client. Zero disables
	// the limit.
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// Oracle bounds price staleness. MaxAge is in clock periods; zero disables
// the check.
type Oracle struct {
	MaxAge uint64 `toml:"MaxAge"`
}

// Asset is an underlying token with its oracle price.
type Asset struct {
	Symbol         string `toml:"Symbol"`
	Address        string `toml:"Address"`
	Price          string `toml:"Price"`
	TransferFeeBps uint64 `toml:"TransferFeeBps"`
}

// Pool is an isolated pool and its liquidation parameters.
type Pool struct {
	ID                        string `toml:"ID"`
	Address                   string `toml:"Address"`
	Comptroller               string `toml:"Comptroller"`
	CloseFactor               string `toml:"CloseFactor"`
	LiquidationIncentive      string `toml:"LiquidationIncentive"`
	MinLiquidatableCollateral string `toml:"MinLiquidatableCollateral"`
	// BaseAsset is the symbol reserves are converted into.
	BaseAsset string `toml:"BaseAsset"`
}

// RateModel describes a variable rate curve. Kind is "jump" or "whitepaper".
type RateModel struct {
	Kind                  string `toml:"Kind"`
	BaseRatePerYear       string `toml:"BaseRatePerYear"`
	MultiplierPerYear     string `toml:"MultiplierPerYear"`
	JumpMultiplierPerYear string `toml:"JumpMultiplierPerYear"`
	Kink                  string `toml:"Kink"`
}

// StableModel is optional; an empty OptimalRatio disables stable borrowing.
type StableModel struct {
	BasePremiumPerYear   string `toml:"BasePremiumPerYear"`
	StablePremiumPerYear string `toml:"StablePremiumPerYear"`
	OptimalRatio         string `toml:"OptimalRatio"`
}

// Market is one lending market. Amount fields are whole-token decimals.
type Market struct {
	Pool                 string   `toml:"Pool"`
	Symbol               string   `toml:"Symbol"`
	Address              string   `toml:"Address"`
	Underlying           string   `toml:"Underlying"`
	CollateralFactor     string   `toml:"CollateralFactor"`
	LiquidationThreshold string   `toml:"LiquidationThreshold"`
	ReserveFactor        string   `toml:"ReserveFactor"`
	ProtocolSeizeShare   string   `toml:"ProtocolSeizeShare"`
	SupplyCap            string   `toml:"SupplyCap"`
	BorrowCap            string   `toml:"BorrowCap"`
	FlashLoansEnabled    bool     `toml:"FlashLoansEnabled"`
	FlashLoanProtocolFee string   `toml:"FlashLoanProtocolFee"`
	FlashLoanSupplierFee string   `toml:"FlashLoanSupplierFee"`
	InitialExchangeRate  string   `toml:"InitialExchangeRate"`
	MaxBorrowRate        string   `toml:"MaxBorrowRate"`
	ReduceReservesDelta  uint64   `toml:"ReduceReservesDelta"`
	PausedActions        []string `toml:"PausedActions"`

	RateModel   RateModel   `toml:"RateModel"`
	StableModel StableModel `toml:"StableModel"`
}

// Converter configures the reserve converter.
type Converter struct {
	Address            string `toml:"Address"`
	MinAmountToConvert string `toml:"MinAmountToConvert"`
}

// Auction configures the debt auction. Windows are in clock periods.
type Auction struct {
	Address            string `toml:"Address"`
	MinPoolBadDebt     string `toml:"MinPoolBadDebt"`
	MinBid             string `toml:"MinBid"`
	MinIncrementBps    uint64 `toml:"MinIncrementBps"`
	WaitForFirstBidder uint64 `toml:"WaitForFirstBidder"`
	NextBidderWindow   uint64 `toml:"NextBidderWindow"`
	ExtensionWindow    uint64 `toml:"ExtensionWindow"`
	MaxAuctionDuration uint64 `toml:"MaxAuctionDuration"`
	BackstopBps        uint64 `toml:"BackstopBps"`
}

// Liquidity seeds an exchange pair from Provider's minted balances.
type Liquidity struct {
	TokenA   string `toml:"TokenA"`
	TokenB   string `toml:"TokenB"`
	AmountA  string `toml:"AmountA"`
	AmountB  string `toml:"AmountB"`
	Provider string `toml:"Provider"`
}

// Exchange holds the swap venue used by the converter.
type Exchange struct {
	Liquidity []Liquidity `toml:"Liquidity"`
}
