// Package protocol assembles a complete deployment (bank, oracle, exchange,
// isolated pools, reserve converter and debt auction) from a config.Config on
// top of a single state manager.
package protocol

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"isolend/config"
	"isolend/core/events"
	"isolend/core/state"
	"isolend/native/acm"
	"isolend/native/auction"
	"isolend/native/bank"
	"isolend/native/clock"
	"isolend/native/exchange"
	"isolend/native/lending"
	"isolend/native/oracle"
	"isolend/native/reserves"
	"isolend/native/risk"
	"isolend/observability"
	"isolend/storage"
)

var (
	ErrUnknownPool   = errors.New("protocol: unknown pool")
	ErrUnknownMarket = errors.New("protocol: unknown market")
	ErrUnknownAsset  = errors.New("protocol: unknown asset")
)

var metaKey = []byte("protocol/meta")

// meta survives restarts of a persistent deployment.
type meta struct {
	Bootstrapped bool
	Period       uint64
}

var converterSignatures = []string{
	"setMinAmountToConvert(uint256)",
	"setShortfallContractAddress(address)",
	"setConverterNetwork(address)",
	"setPoolBaseAsset(address,address)",
	"addMarket(address,address,address)",
	"withdrawPoolReserve(address,address,uint256)",
	"sweepToken(address,address)",
}

var auctionSignatures = []string{
	"updateMinimumPoolBadDebt(uint256)",
	"updateMinimumBid(uint256)",
	"updateIncentiveBps(uint256)",
	"updateBackstopBps(uint256)",
	"updateWaitForFirstBidder(uint256)",
	"updateNextBidderBlockLimit(uint256)",
	"updateExtensionWindow(uint256)",
	"updateMaxAuctionDuration(uint256)",
}

var riskSignatures = []string{
	"setCloseFactor(uint256)",
	"setLiquidationIncentive(uint256)",
	"setMinLiquidatableCollateral(uint256)",
	"setCollateralFactor(address,uint256,uint256)",
}

var marketSignatures = []string{
	"reduceReserves(uint256)",
	"setReserveFactor(uint256)",
	"setProtocolSeizeShare(uint256)",
	"setMarketSupplyCaps(uint256)",
	"setMarketBorrowCaps(uint256)",
	"setActionsPaused(address,uint8,bool)",
	"setFlashLoanFeeMantissa(uint256,uint256)",
	"toggleFlashLoan()",
	"setReduceReservesBlockDelta(uint256)",
	"setRebalanceThresholds(uint256,uint256)",
	"setMaxBorrowRate(uint256)",
	"setInterestRateModel(address)",
	"setStableInterestRateModel(address)",
}

// Options are the optional collaborators of Build.
type Options struct {
	Logger *slog.Logger
	// Emitter receives committed events (indexer, metrics, recorder).
	Emitter events.Emitter
	Metrics *observability.ProtocolMetrics
}

// Pool is one isolated pool with its risk controller and markets.
type Pool struct {
	ID      string
	Lending *lending.Pool
	Risk    *risk.Controller

	markets map[string]*lending.Market
	order   []string
}

// Market looks a market up by symbol.
func (p *Pool) Market(symbol string) (*lending.Market, bool) {
	m, ok := p.markets[strings.ToUpper(strings.TrimSpace(symbol))]
	return m, ok
}

// Markets returns the pool's markets in configuration order.
func (p *Pool) Markets() []*lending.Market {
	out := make([]*lending.Market, 0, len(p.order))
	for _, symbol := range p.order {
		out = append(out, p.markets[symbol])
	}
	return out
}

// Protocol is a running deployment.
type Protocol struct {
	cfg     *config.Config
	state   *state.Manager
	clock   *clock.Manual
	logger  *slog.Logger
	metrics *observability.ProtocolMetrics

	Admin     common.Address
	Bank      *bank.Ledger
	ACM       *acm.Manager
	Oracle    *oracle.Feed
	Exchange  *exchange.Router
	Converter *reserves.Converter
	Auction   *auction.Auction

	assets map[string]common.Address
	pools  map[string]*Pool
	order  []string
}

// Build wires every component over db. A database that was bootstrapped by
// an earlier run keeps its state; only the in-memory handles are rebuilt.
func Build(cfg *config.Config, db storage.Database, opts Options) (*Protocol, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is missing", config.ErrInvalid)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	admin, err := cfg.AdminAddress()
	if err != nil {
		return nil, err
	}

	st := state.NewManager(db)
	st.SetEmitter(opts.Emitter)
	var stored meta
	if _, err := st.KVGet(metaKey, &stored); err != nil {
		return nil, fmt.Errorf("load protocol meta: %w", err)
	}
	clk := clock.NewManual(cfg.Clock.IsTimeBased, cfg.Clock.BlocksPerYear, cfg.Clock.Start)
	clk.Set(stored.Period)

	p := &Protocol{
		cfg:     cfg,
		state:   st,
		clock:   clk,
		logger:  logger,
		metrics: opts.Metrics,
		Admin:   admin,
		Bank:    bank.NewLedger(st),
		ACM:     acm.NewManager(st, admin),
		Oracle:  oracle.NewFeed(st, clk, cfg.Oracle.MaxAge),
		assets:  make(map[string]common.Address),
		pools:   make(map[string]*Pool),
	}
	fresh := !stored.Bootstrapped
	err = st.Atomic(func() error {
		if err := p.buildAssets(fresh); err != nil {
			return err
		}
		if err := p.buildPipeline(fresh); err != nil {
			return err
		}
		for _, poolCfg := range cfg.Pools {
			if err := p.buildPool(poolCfg, fresh); err != nil {
				return fmt.Errorf("pool %s: %w", poolCfg.ID, err)
			}
		}
		for _, marketCfg := range cfg.Markets {
			if err := p.buildMarket(marketCfg, fresh); err != nil {
				return fmt.Errorf("market %s: %w", marketCfg.Symbol, err)
			}
		}
		if fresh {
			if err := p.seedLiquidity(); err != nil {
				return err
			}
		}
		return p.checkpoint()
	})
	if err != nil {
		return nil, err
	}
	logger.Info("protocol ready", "pools", len(p.order), "fresh", fresh, "period", clk.Current())
	return p, nil
}

func (p *Protocol) grant(contract common.Address, signatures []string) error {
	for _, sig := range signatures {
		if err := p.ACM.GiveCallPermission(p.Admin, contract, sig, p.Admin); err != nil {
			return fmt.Errorf("grant %s: %w", sig, err)
		}
	}
	return nil
}

func (p *Protocol) buildAssets(fresh bool) error {
	for _, asset := range p.cfg.Assets {
		addr, err := asset.ResolvedAddress()
		if err != nil {
			return err
		}
		p.assets[strings.ToUpper(asset.Symbol)] = addr
		if !fresh {
			continue
		}
		price, err := asset.PriceMantissa()
		if err != nil {
			return err
		}
		if err := p.Oracle.SetPrice(addr, price); err != nil {
			return fmt.Errorf("price %s: %w", asset.Symbol, err)
		}
		if asset.TransferFeeBps > 0 {
			if err := p.Bank.SetTransferFee(addr, asset.TransferFeeBps); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Protocol) buildPipeline(fresh bool) error {
	router, err := exchange.NewRouter(p.state, p.Bank, p.clock)
	if err != nil {
		return err
	}
	router.SetLogger(p.logger)
	router.SetPauses(p.cfg.Pauses())
	p.Exchange = router

	convAddr, err := p.cfg.Converter.ResolvedAddress()
	if err != nil {
		return err
	}
	auctionAddr, err := p.cfg.Auction.ResolvedAddress()
	if err != nil {
		return err
	}
	conv, err := reserves.NewConverter(convAddr, reserves.Dependencies{
		State:    p.state,
		Bank:     p.Bank,
		Oracle:   p.Oracle,
		Exchange: router,
		ACM:      p.ACM,
		Clock:    p.clock,
	})
	if err != nil {
		return err
	}
	conv.SetLogger(p.logger)
	conv.SetPauses(p.cfg.Pauses())
	p.Converter = conv

	auc, err := auction.New(auctionAddr, auction.Dependencies{
		State:     p.state,
		Bank:      p.Bank,
		Converter: conv,
		Oracle:    p.Oracle,
		ACM:       p.ACM,
		Clock:     p.clock,
	})
	if err != nil {
		return err
	}
	auc.SetLogger(p.logger)
	auc.SetPauses(p.cfg.Pauses())
	p.Auction = auc

	auctionCfg, err := p.cfg.Auction.Settings(p.cfg.Clock.IsTimeBased)
	if err != nil {
		return err
	}
	if err := auc.Initialise(auctionCfg); err != nil {
		return err
	}
	if !fresh {
		return nil
	}
	if err := p.grant(convAddr, converterSignatures); err != nil {
		return err
	}
	if err := p.grant(auctionAddr, auctionSignatures); err != nil {
		return err
	}
	convCfg, err := p.cfg.Converter.Settings(auctionAddr)
	if err != nil {
		return err
	}
	if err := conv.SetAuction(p.Admin, convCfg.Auction); err != nil {
		return err
	}
	return conv.SetMinAmountToConvert(p.Admin, convCfg.MinAmountToConvert)
}

func (p *Protocol) buildPool(poolCfg config.Pool, fresh bool) error {
	poolAddr, err := poolCfg.ResolvedAddress()
	if err != nil {
		return err
	}
	comptroller, err := poolCfg.ComptrollerAddress()
	if err != nil {
		return err
	}
	params, err := poolCfg.Params()
	if err != nil {
		return err
	}
	ctrl, err := risk.NewController(poolCfg.ID, comptroller, p.state, p.Oracle, p.ACM)
	if err != nil {
		return err
	}
	ctrl.SetLogger(p.logger)
	if err := ctrl.Initialise(params); err != nil {
		return err
	}
	lp, err := lending.NewPool(poolCfg.ID, poolAddr, p.state, ctrl)
	if err != nil {
		return err
	}
	lp.SetLogger(p.logger)
	lp.SetPauses(p.cfg.Pauses())
	lp.SetRegistry(p.Auction)
	if err := p.Auction.AddPool(lp); err != nil {
		return err
	}
	p.pools[poolCfg.ID] = &Pool{ID: poolCfg.ID, Lending: lp, Risk: ctrl, markets: make(map[string]*lending.Market)}
	p.order = append(p.order, poolCfg.ID)

	if !fresh {
		return nil
	}
	if err := p.grant(comptroller, riskSignatures); err != nil {
		return err
	}
	if poolCfg.BaseAsset != "" {
		base, err := p.Asset(poolCfg.BaseAsset)
		if err != nil {
			return err
		}
		if err := p.Converter.SetPoolBaseAsset(p.Admin, poolCfg.ID, base); err != nil {
			return err
		}
	}
	return nil
}

func (p *Protocol) buildMarket(marketCfg config.Market, fresh bool) error {
	pool, err := p.Pool(marketCfg.Pool)
	if err != nil {
		return err
	}
	addr, err := marketCfg.ResolvedAddress()
	if err != nil {
		return err
	}
	underlying, err := p.Asset(marketCfg.Underlying)
	if err != nil {
		return err
	}
	model, err := marketCfg.RateModel.Model(p.clock.PeriodsPerYear())
	if err != nil {
		return err
	}
	stable, err := marketCfg.StableModel.Model(p.clock.PeriodsPerYear())
	if err != nil {
		return err
	}
	lendingCfg, err := marketCfg.LendingConfig()
	if err != nil {
		return err
	}
	riskParams, err := marketCfg.RiskParams()
	if err != nil {
		return err
	}
	m, err := lending.NewMarket(addr, underlying, marketCfg.Pool, marketCfg.Symbol, lending.Dependencies{
		State:       p.state,
		Bank:        p.Bank,
		Risk:        pool.Risk,
		Clock:       p.clock,
		RateModel:   model,
		StableModel: stable,
		Converter:   p.Converter,
		ACM:         p.ACM,
	})
	if err != nil {
		return err
	}
	m.SetLogger(p.logger)
	m.SetPauses(p.cfg.Pauses())
	if err := m.Initialise(lendingCfg); err != nil {
		return err
	}
	if err := pool.Risk.ListMarket(m, riskParams); err != nil {
		return err
	}
	if err := pool.Lending.AddMarket(m); err != nil {
		return err
	}
	key := strings.ToUpper(marketCfg.Symbol)
	pool.markets[key] = m
	pool.order = append(pool.order, key)

	if !fresh {
		return nil
	}
	if err := p.Oracle.BindMarket(addr, underlying); err != nil {
		return err
	}
	if err := p.grant(addr, marketSignatures); err != nil {
		return err
	}
	return p.Converter.RegisterMarket(p.Admin, addr, marketCfg.Pool, underlying)
}

func (p *Protocol) seedLiquidity() error {
	for _, pair := range p.cfg.Exchange.Liquidity {
		tokenA, err := p.Asset(pair.TokenA)
		if err != nil {
			return err
		}
		tokenB, err := p.Asset(pair.TokenB)
		if err != nil {
			return err
		}
		amountA, amountB, err := pair.Amounts()
		if err != nil {
			return err
		}
		label := pair.Provider
		if label == "" {
			label = "liquidity"
		}
		provider, err := config.ResolveAddress("", "account", label)
		if err != nil {
			return err
		}
		if err := p.Bank.Mint(tokenA, provider, amountA); err != nil {
			return err
		}
		if err := p.Bank.Mint(tokenB, provider, amountB); err != nil {
			return err
		}
		if _, err := p.Exchange.AddLiquidity(provider, tokenA, tokenB, amountA, amountB); err != nil {
			return fmt.Errorf("seed %s/%s: %w", pair.TokenA, pair.TokenB, err)
		}
	}
	return nil
}

// checkpoint persists the bootstrap flag and the clock.
func (p *Protocol) checkpoint() error {
	return p.state.KVPut(metaKey, &meta{Bootstrapped: true, Period: p.clock.Current()})
}

// Checkpoint commits the current clock period so a reopened database
// resumes from it.
func (p *Protocol) Checkpoint() error {
	return p.state.Atomic(p.checkpoint)
}

// Clock returns the deployment's manual clock.
func (p *Protocol) Clock() *clock.Manual { return p.clock }

// State exposes the shared state manager.
func (p *Protocol) State() *state.Manager { return p.state }

// Asset resolves a configured asset symbol.
func (p *Protocol) Asset(symbol string) (common.Address, error) {
	addr, ok := p.assets[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownAsset, symbol)
	}
	return addr, nil
}

// AssetSymbols lists the configured assets in sorted order.
func (p *Protocol) AssetSymbols() []string {
	out := make([]string, 0, len(p.assets))
	for symbol := range p.assets {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Pool resolves a pool id.
func (p *Protocol) Pool(id string) (*Pool, error) {
	pool, ok := p.pools[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, id)
	}
	return pool, nil
}

// Pools returns the pools in configuration order.
func (p *Protocol) Pools() []*Pool {
	out := make([]*Pool, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.pools[id])
	}
	return out
}

// Market resolves a market by pool and symbol.
func (p *Protocol) Market(pool, symbol string) (*lending.Market, error) {
	lp, err := p.Pool(pool)
	if err != nil {
		return nil, err
	}
	m, ok := lp.Market(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownMarket, pool, symbol)
	}
	return m, nil
}

// Account resolves a participant label. "admin" is the ACM admin, hex
// strings pass through and any other label derives a fixed address.
func (p *Protocol) Account(label string) (common.Address, error) {
	trimmed := strings.TrimSpace(label)
	if strings.EqualFold(trimmed, "admin") {
		return p.Admin, nil
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		return config.ResolveAddress(trimmed, "account", trimmed)
	}
	return config.ResolveAddress("", "account", trimmed)
}

// Balance returns holder's balance of asset.
func (p *Protocol) Balance(symbol string, holder common.Address) (*big.Int, error) {
	asset, err := p.Asset(symbol)
	if err != nil {
		return nil, err
	}
	return p.Bank.BalanceOf(asset, holder)
}
