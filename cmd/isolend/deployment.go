package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"isolend/config"
	"isolend/core/events"
	"isolend/indexer"
	"isolend/observability"
	"isolend/observability/logging"
	"isolend/observability/otel"
	"isolend/protocol"
	"isolend/storage"
)

// deployment owns everything a command opens and must close.
type deployment struct {
	protocol *protocol.Protocol
	recorder *events.Recorder
	index    *indexer.Store
	db       storage.Database
	shutdown func(context.Context) error
	logger   *slog.Logger
}

func openDeployment(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*deployment, error) {
	d := &deployment{recorder: &events.Recorder{}, logger: logger}

	if cfg.Telemetry.Traces || cfg.Telemetry.Metrics {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: serviceName,
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		d.shutdown = shutdown
		logger.Info("telemetry exporters installed",
			logging.MaskField("endpoint", cfg.Telemetry.Endpoint),
			logging.MaskField("headers", cfg.Telemetry.Headers),
			"traces", cfg.Telemetry.Traces, "metrics", cfg.Telemetry.Metrics)
	}

	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DataDir)
	if err != nil {
		d.close()
		return nil, err
	}
	d.db = db
	logger.Info("storage opened", "backend", cfg.Storage.Backend, "dataDir", cfg.Storage.DataDir)

	emitters := events.Multi{d.recorder, observability.NewEventMetrics(observability.Protocol())}
	if cfg.Storage.IndexDSN != "" {
		index, err := indexer.Open(cfg.Storage.IndexDriver, cfg.Storage.IndexDSN)
		if err != nil {
			d.close()
			return nil, err
		}
		index.SetLogger(logger)
		d.index = index
		emitters = append(emitters, index)
		logger.Info("event index attached", "driver", cfg.Storage.IndexDriver, logging.MaskDSN(cfg.Storage.IndexDSN))
	}

	p, err := protocol.Build(cfg, db, protocol.Options{
		Logger:  logger,
		Emitter: emitters,
		Metrics: observability.Protocol(),
	})
	if err != nil {
		d.close()
		return nil, err
	}
	d.protocol = p
	return d, nil
}

func (d *deployment) close() {
	if d.index != nil {
		if err := d.index.Err(); err != nil {
			d.logger.Warn("event index reported write failures", "error", err)
		}
		if err := d.index.Close(); err != nil {
			d.logger.Warn("close event index", "error", err)
		}
	}
	if d.db != nil {
		d.db.Close()
	}
	if d.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.shutdown(ctx); err != nil {
			d.logger.Warn("telemetry shutdown", "error", err)
		}
	}
}
