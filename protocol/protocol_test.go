package protocol

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"isolend/config"
	"isolend/core/events"
	"isolend/native/auction"
	"isolend/native/fixedpoint"
	"isolend/native/reserves"
	"isolend/observability"
	"isolend/storage"
)

const pipelineScenario = `
name: insolvent borrower to auction
steps:
  - {action: fund, account: alice, asset: USDC, amount: "1100"}
  - {action: fund, account: bob, asset: ETH, amount: "1"}
  - {action: fund, account: carol, asset: BASE, amount: "1000"}
  - {action: mint, pool: main, market: vUSDC, account: alice, amount: "1000"}
  - {action: mint, pool: main, market: vETH, account: bob, amount: "1"}
  - {action: enter, pool: main, market: vETH, account: bob}
  - {action: borrow, pool: main, market: vUSDC, account: bob, amount: "500"}
  - {action: add_reserves, pool: main, market: vUSDC, account: alice, amount: "50"}
  - {action: reduce_reserves, pool: main, market: vUSDC, account: admin, amount: "50"}
  - {action: convert, pool: main, markets: [vUSDC], account: keeper}
  - {action: set_price, asset: ETH, price: "200"}
  - {action: heal, pool: main, account: carol, borrower: bob}
  - {action: auction_start, pool: main, account: carol}
  - {action: auction_bid, pool: main, account: carol, amount: "150"}
  - {action: auction_close, pool: main, account: carol, expect_error: true}
  - {action: advance, periods: 51}
  - {action: auction_close, pool: main, account: carol}
`

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Clock.Start = 1000
	cfg.Auction.MinPoolBadDebt = "100"
	cfg.Exchange.Liquidity = []config.Liquidity{{TokenA: "USDC", TokenB: "BASE", AmountA: "10000", AmountB: "5000"}}
	return cfg
}

func build(t *testing.T, cfg *config.Config, db storage.Database, opts Options) *Protocol {
	t.Helper()
	require.NoError(t, cfg.Validate())
	p, err := Build(cfg, db, opts)
	require.NoError(t, err)
	return p
}

func runScenario(t *testing.T, p *Protocol, raw string) []StepResult {
	t.Helper()
	sc, err := DecodeScenario(strings.NewReader(raw))
	require.NoError(t, err)
	results, err := p.Run(context.Background(), sc)
	require.NoError(t, err)
	return results
}

func TestScenarioRunsBadDebtPipeline(t *testing.T) {
	recorder := &events.Recorder{}
	metrics := observability.NewProtocolMetrics(prometheus.NewRegistry())
	p := build(t, testConfig(), storage.NewMemDB(), Options{
		Emitter: events.Multi{recorder, observability.NewEventMetrics(metrics)},
		Metrics: metrics,
	})

	results := runScenario(t, p, pipelineScenario)
	require.Len(t, results, 17)
	require.Error(t, results[14].Err)
	require.True(t, errors.Is(results[14].Err, auction.ErrAuctionNotOver))

	carol, err := p.Account("carol")
	require.NoError(t, err)
	vETH, err := p.Market("main", "vETH")
	require.NoError(t, err)
	shares, err := vETH.BalanceOf(carol)
	require.NoError(t, err)
	require.Zero(t, shares.Cmp(fixedpoint.One()), "winner should hold the healed collateral")

	rec, err := p.Auction.Current("main")
	require.NoError(t, err)
	require.Equal(t, auction.StatusSettled, rec.Status)
	debt, err := p.Auction.PoolBadDebt("main")
	require.NoError(t, err)
	require.Zero(t, debt.Sign())

	usdc, err := p.Asset("USDC")
	require.NoError(t, err)
	slice, err := p.Converter.PoolAssetReserve("main", usdc)
	require.NoError(t, err)
	require.Zero(t, slice.Sign(), "released reserves should be converted")
	baseReserve, err := p.Converter.PoolBaseReserve("main")
	require.NoError(t, err)
	require.Equal(t, 1, baseReserve.Cmp(fixedpoint.MustExp("150")), "base reserve holds the bid plus converted reserves")

	require.Len(t, recorder.OfType(reserves.EventTypeConverted), 1)
	require.Len(t, recorder.OfType(auction.EventTypeSettled), 1)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Actions().WithLabelValues("main", "auction_close", "error")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Actions().WithLabelValues("main", "auction_close", "success")))
}

func TestScenarioStopsOnFirstFailure(t *testing.T) {
	p := build(t, testConfig(), storage.NewMemDB(), Options{})
	sc, err := DecodeScenario(strings.NewReader(`
steps:
  - {action: fund, account: bob, asset: USDC, amount: "10"}
  - {action: borrow, pool: main, market: vUSDC, account: bob, amount: "5"}
  - {action: fund, account: bob, asset: USDC, amount: "10"}
`))
	require.NoError(t, err)
	results, err := p.Run(context.Background(), sc)
	require.ErrorIs(t, err, ErrStepFailed)
	require.Len(t, results, 2)

	bob, _ := p.Account("bob")
	balance, err := p.Balance("USDC", bob)
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(fixedpoint.MustExp("10")))
}

func TestScenarioRejectsUnknownInput(t *testing.T) {
	_, err := DecodeScenario(strings.NewReader("steps:\n  - {action: fund, colour: red}\n"))
	require.Error(t, err)

	p := build(t, testConfig(), storage.NewMemDB(), Options{})
	sc, err := DecodeScenario(strings.NewReader("steps:\n  - {action: teleport}\n"))
	require.NoError(t, err)
	_, err = p.Run(context.Background(), sc)
	require.ErrorIs(t, err, ErrUnknownAction)

	sc, err = DecodeScenario(strings.NewReader("steps:\n  - {action: advance, periods: 1, expect_error: true}\n"))
	require.NoError(t, err)
	_, err = p.Run(context.Background(), sc)
	require.ErrorIs(t, err, ErrUnexpectedOK)
}

func TestPersistentDeploymentResumes(t *testing.T) {
	for _, backend := range []string{storage.KindBolt, storage.KindLevelDB} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			cfg := testConfig()
			cfg.Storage.Backend = backend

			db, err := storage.Open(backend, dir)
			require.NoError(t, err)
			p := build(t, cfg, db, Options{})
			runScenario(t, p, `
steps:
  - {action: fund, account: alice, asset: USDC, amount: "100"}
  - {action: mint, pool: main, market: vUSDC, account: alice, amount: "40"}
  - {action: advance, periods: 25}
`)
			db.Close()

			db, err = storage.Open(backend, dir)
			require.NoError(t, err)
			defer db.Close()
			reopened := build(t, cfg, db, Options{})
			require.Equal(t, uint64(1025), reopened.Clock().Current())

			alice, _ := reopened.Account("alice")
			vUSDC, err := reopened.Market("main", "vUSDC")
			require.NoError(t, err)
			shares, err := vUSDC.BalanceOf(alice)
			require.NoError(t, err)
			require.Zero(t, shares.Cmp(fixedpoint.MustExp("40")))
			balance, err := reopened.Balance("USDC", alice)
			require.NoError(t, err)
			require.Zero(t, balance.Cmp(fixedpoint.MustExp("60")))

			// Bootstrap grants are not replayed, yet the admin keeps them.
			require.NoError(t, reopened.Converter.SetMinAmountToConvert(reopened.Admin, big.NewInt(1)))
		})
	}
}
