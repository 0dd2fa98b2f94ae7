package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"isolend/storage"
)

var (
	ErrUnknownKey = errors.New("config: unknown key")
	ErrInvalid    = errors.New("config: invalid")
)

// Config is the protocol deployment description read by the CLI.
type Config struct {
	Environment string `toml:"Environment"`
	// Admin owns the access control manager. Empty derives a fixed address.
	Admin         string   `toml:"Admin"`
	PausedModules []string `toml:"PausedModules"`

	Clock     Clock     `toml:"clock"`
	Storage   Storage   `toml:"storage"`
	Logging   Logging   `toml:"logging"`
	Telemetry Telemetry `toml:"telemetry"`
	Oracle    Oracle    `toml:"oracle"`
	Assets    []Asset   `toml:"assets"`
	Pools     []Pool    `toml:"pools"`
	Markets   []Market  `toml:"markets"`
	Converter Converter `toml:"converter"`
	Auction   Auction   `toml:"auction"`
	Exchange  Exchange  `toml:"exchange"`
}

// Load reads the configuration at path. A missing file is replaced by the
// default deployment, which is written to disk.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("%w in %s: %s", ErrUnknownKey, path, strings.Join(keys, ", "))
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a TOML document without touching the filesystem.
func Parse(raw string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.Decode(raw, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, undecoded[0].String())
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = storage.KindMemory
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./isolend-data"
	}
	cfg.Storage.IndexDriver = strings.ToLower(strings.TrimSpace(cfg.Storage.IndexDriver))
	if cfg.Storage.IndexDSN != "" && cfg.Storage.IndexDriver == "" {
		cfg.Storage.IndexDriver = "sqlite"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Telemetry.Listen = strings.TrimSpace(cfg.Telemetry.Listen); cfg.Telemetry.Listen == "" {
		cfg.Telemetry.Listen = "127.0.0.1:9464"
	}
	for i := range cfg.Assets {
		cfg.Assets[i].Symbol = strings.TrimSpace(cfg.Assets[i].Symbol)
	}
	for i := range cfg.Pools {
		cfg.Pools[i].ID = strings.TrimSpace(cfg.Pools[i].ID)
		cfg.Pools[i].BaseAsset = strings.TrimSpace(cfg.Pools[i].BaseAsset)
	}
	for i := range cfg.Markets {
		m := &cfg.Markets[i]
		m.Pool = strings.TrimSpace(m.Pool)
		m.Symbol = strings.TrimSpace(m.Symbol)
		m.Underlying = strings.TrimSpace(m.Underlying)
		m.RateModel.Kind = strings.ToLower(strings.TrimSpace(m.RateModel.Kind))
		if m.RateModel.Kind == "" {
			m.RateModel.Kind = "jump"
		}
		if m.InitialExchangeRate == "" {
			m.InitialExchangeRate = "1"
		}
	}
}

// Default returns a single-pool deployment with a stablecoin and an ETH
// market whose reserves convert into BASE.
func Default() *Config {
	cfg := &Config{
		Clock:   Clock{BlocksPerYear: 10_512_000, Start: 1},
		Storage: Storage{Backend: storage.KindMemory, DataDir: "./isolend-data"},
		Logging: Logging{Level: "info"},
		Assets: []Asset{
			{Symbol: "USDC", Price: "1"},
			{Symbol: "ETH", Price: "2000"},
			{Symbol: "BASE", Price: "2"},
		},
		Pools: []Pool{{
			ID:                        "main",
			CloseFactor:               "0.5",
			LiquidationIncentive:      "1.1",
			MinLiquidatableCollateral: "100",
			BaseAsset:                 "BASE",
		}},
		Markets: []Market{
			{
				Pool: "main", Symbol: "vUSDC", Underlying: "USDC",
				CollateralFactor: "0.8", LiquidationThreshold: "0.85",
				ReserveFactor: "0.1", ProtocolSeizeShare: "0.05",
				InitialExchangeRate: "1",
				RateModel:           RateModel{Kind: "jump", BaseRatePerYear: "0.02", MultiplierPerYear: "0.1", JumpMultiplierPerYear: "2", Kink: "0.8"},
			},
			{
				Pool: "main", Symbol: "vETH", Underlying: "ETH",
				CollateralFactor: "0.75", LiquidationThreshold: "0.8",
				ReserveFactor: "0.2", ProtocolSeizeShare: "0.05",
				InitialExchangeRate: "1",
				RateModel:           RateModel{Kind: "whitepaper", BaseRatePerYear: "0.01", MultiplierPerYear: "0.2"},
			},
		},
		Converter: Converter{MinAmountToConvert: "10"},
		Auction: Auction{
			MinPoolBadDebt:     "1000",
			MinBid:             "100",
			MinIncrementBps:    100,
			WaitForFirstBidder: 100,
			NextBidderWindow:   50,
			ExtensionWindow:    20,
			MaxAuctionDuration: 500,
		},
	}
	cfg.normalize()
	return cfg
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
