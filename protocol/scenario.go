package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"isolend/native/fixedpoint"
	"isolend/native/lending"
)

var (
	ErrUnknownAction = errors.New("scenario: unknown action")
	ErrStepFailed    = errors.New("scenario: step failed")
	ErrUnexpectedOK  = errors.New("scenario: step succeeded but an error was expected")
)

const tracerName = "isolend/protocol"

// Scenario is an ordered list of protocol actions.
type Scenario struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is one action. Amounts are whole-token decimals; "max" repays the
// full debt.
type Step struct {
	Action     string   `yaml:"action"`
	Pool       string   `yaml:"pool"`
	Market     string   `yaml:"market"`
	Markets    []string `yaml:"markets"`
	Collateral string   `yaml:"collateral"`
	Account    string   `yaml:"account"`
	Borrower   string   `yaml:"borrower"`
	Asset      string   `yaml:"asset"`
	Amount     string   `yaml:"amount"`
	Amounts    []string `yaml:"amounts"`
	Mode       string   `yaml:"mode"`
	Price      string   `yaml:"price"`
	Periods    uint64   `yaml:"periods"`
	// ExpectError marks a step whose failure is the point.
	ExpectError bool `yaml:"expect_error"`
}

// StepResult reports how a step ended.
type StepResult struct {
	Index  int
	Action string
	Period uint64
	Err    error
}

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer file.Close()
	return DecodeScenario(file)
}

// DecodeScenario parses a YAML scenario, rejecting unknown fields.
func DecodeScenario(r io.Reader) (*Scenario, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var sc Scenario
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	for i := range sc.Steps {
		sc.Steps[i].Action = strings.ToLower(strings.TrimSpace(sc.Steps[i].Action))
	}
	return &sc, nil
}

// Run executes the scenario in order. Each step runs in its own span and
// its outcome is counted in the protocol metrics. The first unexpected
// outcome stops the run.
func (p *Protocol) Run(ctx context.Context, sc *Scenario) ([]StepResult, error) {
	if sc == nil {
		return nil, nil
	}
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "scenario", trace.WithAttributes(
		attribute.String("scenario.name", sc.Name),
		attribute.Int("scenario.steps", len(sc.Steps)),
	))
	defer span.End()

	results := make([]StepResult, 0, len(sc.Steps))
	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		err := p.runStep(ctx, tracer, i, step)
		results = append(results, StepResult{Index: i, Action: step.Action, Period: p.clock.Current(), Err: err})
		switch {
		case step.ExpectError && err == nil:
			err = fmt.Errorf("step %d (%s): %w", i, step.Action, ErrUnexpectedOK)
		case step.ExpectError:
			p.logger.Info("scenario: step failed as expected", "step", i, "action", step.Action, "error", err)
			continue
		case err != nil:
			err = fmt.Errorf("%w: step %d (%s): %w", ErrStepFailed, i, step.Action, err)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return results, err
		}
	}
	if err := p.Checkpoint(); err != nil {
		return results, err
	}
	return results, nil
}

func (p *Protocol) runStep(ctx context.Context, tracer trace.Tracer, index int, step Step) error {
	_, span := tracer.Start(ctx, "scenario."+step.Action, trace.WithAttributes(
		attribute.Int("step.index", index),
		attribute.String("step.pool", step.Pool),
		attribute.String("step.market", step.Market),
		attribute.String("step.account", step.Account),
	))
	defer span.End()

	started := time.Now()
	err := p.execute(step)
	target := step.Market
	if target == "" {
		target = step.Pool
	}
	p.metrics.Observe(target, step.Action, time.Since(started), err)
	span.SetAttributes(attribute.Int64("clock.period", int64(p.clock.Current())))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Debug("scenario: step error", "step", index, "action", step.Action, "error", err)
	}
	return err
}

func (p *Protocol) execute(step Step) error {
	switch step.Action {
	case "advance":
		p.clock.Advance(step.Periods)
		return nil
	case "set_price":
		asset, err := p.Asset(step.Asset)
		if err != nil {
			return err
		}
		price, err := fixedpoint.Exp(step.Price)
		if err != nil {
			return err
		}
		return p.state.Atomic(func() error { return p.Oracle.SetPrice(asset, price) })
	case "fund":
		account, err := p.Account(step.Account)
		if err != nil {
			return err
		}
		asset, err := p.Asset(step.Asset)
		if err != nil {
			return err
		}
		amount, err := fixedpoint.Exp(step.Amount)
		if err != nil {
			return err
		}
		return p.state.Atomic(func() error { return p.Bank.Mint(asset, account, amount) })
	case "mint", "redeem", "redeem_underlying", "borrow", "repay", "add_reserves", "reduce_reserves", "accrue", "enter":
		return p.marketAction(step)
	case "liquidate":
		return p.liquidate(step)
	case "heal":
		return p.heal(step)
	case "flashloan":
		return p.flashLoan(step)
	case "convert":
		return p.convert(step)
	case "auction_start", "auction_bid", "auction_close", "auction_restart":
		return p.auctionAction(step)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, step.Action)
	}
}

func parseMode(raw string) (lending.RepayMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "variable":
		return lending.ModeVariable, nil
	case "stable":
		return lending.ModeStable, nil
	default:
		return 0, fmt.Errorf("scenario: unknown rate mode %q", raw)
	}
}

func (p *Protocol) marketAction(step Step) error {
	m, err := p.Market(step.Pool, step.Market)
	if err != nil {
		return err
	}
	if step.Action == "accrue" {
		return m.AccrueInterest()
	}
	account, err := p.Account(step.Account)
	if err != nil {
		return err
	}
	if step.Action == "enter" {
		pool, _ := p.Pool(step.Pool)
		return p.state.Atomic(func() error {
			return pool.Risk.EnterMarkets(account, []common.Address{m.Address()})
		})
	}
	var amount *big.Int
	if !strings.EqualFold(strings.TrimSpace(step.Amount), "max") {
		if amount, err = fixedpoint.Exp(step.Amount); err != nil {
			return err
		}
	}
	switch step.Action {
	case "mint":
		_, err = m.Mint(account, amount)
	case "redeem":
		_, err = m.Redeem(account, amount)
	case "redeem_underlying":
		_, err = m.RedeemUnderlying(account, amount)
	case "borrow":
		mode, modeErr := parseMode(step.Mode)
		if modeErr != nil {
			return modeErr
		}
		if mode == lending.ModeStable {
			err = m.BorrowStable(account, amount)
		} else {
			err = m.Borrow(account, amount)
		}
	case "repay":
		mode, modeErr := parseMode(step.Mode)
		if modeErr != nil {
			return modeErr
		}
		if amount == nil {
			amount = new(big.Int).Set(fixedpoint.MaxUint256)
		}
		borrower := account
		if step.Borrower != "" {
			if borrower, err = p.Account(step.Borrower); err != nil {
				return err
			}
		}
		_, err = m.RepayBorrowBehalf(account, borrower, amount, mode)
	case "add_reserves":
		_, err = m.AddReserves(account, amount)
	case "reduce_reserves":
		err = m.ReduceReserves(account, amount)
	}
	return err
}

func (p *Protocol) liquidate(step Step) error {
	borrowed, err := p.Market(step.Pool, step.Market)
	if err != nil {
		return err
	}
	collateral, err := p.Market(step.Pool, step.Collateral)
	if err != nil {
		return err
	}
	liquidator, err := p.Account(step.Account)
	if err != nil {
		return err
	}
	borrower, err := p.Account(step.Borrower)
	if err != nil {
		return err
	}
	repay, err := fixedpoint.Exp(step.Amount)
	if err != nil {
		return err
	}
	_, err = borrowed.LiquidateBorrow(liquidator, borrower, repay, collateral)
	return err
}

func (p *Protocol) heal(step Step) error {
	pool, err := p.Pool(step.Pool)
	if err != nil {
		return err
	}
	caller, err := p.Account(step.Account)
	if err != nil {
		return err
	}
	borrower, err := p.Account(step.Borrower)
	if err != nil {
		return err
	}
	return pool.Lending.HealAccount(caller, borrower)
}

// accountReceiver repays flash loans from the account's own balance.
type accountReceiver struct {
	addr common.Address
}

func (r accountReceiver) Address() common.Address { return r.addr }

func (r accountReceiver) ExecuteOperation([]common.Address, []*big.Int, []*big.Int, common.Address, []byte) error {
	return nil
}

func (p *Protocol) flashLoan(step Step) error {
	pool, err := p.Pool(step.Pool)
	if err != nil {
		return err
	}
	account, err := p.Account(step.Account)
	if err != nil {
		return err
	}
	symbols := step.Markets
	if len(symbols) == 0 && step.Market != "" {
		symbols = []string{step.Market}
	}
	raw := step.Amounts
	if len(raw) == 0 && step.Amount != "" {
		raw = []string{step.Amount}
	}
	if len(symbols) != len(raw) {
		return fmt.Errorf("scenario: %d flash loan markets, %d amounts", len(symbols), len(raw))
	}
	markets := make([]common.Address, len(symbols))
	amounts := make([]*big.Int, len(symbols))
	for i, symbol := range symbols {
		m, ok := pool.Market(symbol)
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrUnknownMarket, step.Pool, symbol)
		}
		markets[i] = m.Address()
		if amounts[i], err = fixedpoint.Exp(raw[i]); err != nil {
			return err
		}
	}
	return pool.Lending.ExecuteFlashLoan(account, accountReceiver{addr: account}, markets, amounts, nil)
}

func (p *Protocol) convert(step Step) error {
	pool, err := p.Pool(step.Pool)
	if err != nil {
		return err
	}
	caller, err := p.Account(step.Account)
	if err != nil {
		return err
	}
	base, err := p.Converter.BaseAsset(pool.ID)
	if err != nil {
		return err
	}
	symbols := step.Markets
	if len(symbols) == 0 && step.Market != "" {
		symbols = []string{step.Market}
	}
	markets := make([]common.Address, len(symbols))
	minimums := make([]*big.Int, len(symbols))
	paths := make([][]common.Address, len(symbols))
	for i, symbol := range symbols {
		m, ok := pool.Market(symbol)
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrUnknownMarket, step.Pool, symbol)
		}
		markets[i] = m.Address()
		minimums[i] = new(big.Int)
		paths[i] = []common.Address{m.Underlying(), base}
	}
	_, err = p.Converter.Convert(caller, markets, minimums, paths, p.clock.Current())
	return err
}

func (p *Protocol) auctionAction(step Step) error {
	if _, err := p.Pool(step.Pool); err != nil {
		return err
	}
	account, err := p.Account(step.Account)
	if err != nil {
		return err
	}
	switch step.Action {
	case "auction_start":
		return p.Auction.StartAuction(account, step.Pool)
	case "auction_bid":
		amount, err := fixedpoint.Exp(step.Amount)
		if err != nil {
			return err
		}
		return p.Auction.PlaceBid(account, step.Pool, amount)
	case "auction_close":
		return p.Auction.CloseAuction(account, step.Pool)
	default:
		return p.Auction.RestartAuction(account, step.Pool)
	}
}
