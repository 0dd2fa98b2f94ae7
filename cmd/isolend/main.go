package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"isolend/config"
	"isolend/observability/logging"
)

const (
	serviceName   = "isolend"
	defaultConfig = "./protocol.toml"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	backend    string
	dataDir    string
	indexDSN   string
	logLevel   string
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Isolated-pool lending protocol with a bad-debt auction",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&flags.configPath, "config", defaultConfig, "path to the protocol TOML file (written with defaults when missing)")
	root.PersistentFlags().StringVar(&flags.backend, "db", "", "state backend override: mem, leveldb or bolt")
	root.PersistentFlags().StringVar(&flags.dataDir, "data", "", "data directory override for persistent backends")
	root.PersistentFlags().StringVar(&flags.indexDSN, "index", "", "event index DSN override (sqlite unless the config names a driver)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level override: debug, info, warn or error")

	root.AddCommand(newRunCmd(flags), newInspectCmd(flags), newServeCmd(flags))
	return root
}

// loadConfig reads the deployment and applies command-line overrides.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(f.backend); v != "" {
		cfg.Storage.Backend = strings.ToLower(v)
	}
	if v := strings.TrimSpace(f.dataDir); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := strings.TrimSpace(f.indexDSN); v != "" {
		cfg.Storage.IndexDSN = v
		if cfg.Storage.IndexDriver == "" {
			cfg.Storage.IndexDriver = "sqlite"
		}
	}
	if v := strings.TrimSpace(f.logLevel); v != "" {
		cfg.Logging.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger(cfg *config.Config, stderr io.Writer) (*slog.Logger, io.Closer) {
	return logging.SetupWithOptions(logging.Options{
		Service:    serviceName,
		Env:        cfg.Environment,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		Output:     stderr,
	})
}
