package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/blobstore"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/checkpoint"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/config"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/llm"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/mint"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/observability"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/ratelimit"
)

// world is one assembled kernel with its mint auction.
type world struct {
	kernel    *kernel.Kernel
	auction   *mint.Auction
	telemetry *observability.Provider
	closers   []func(context.Context) error
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func telemetryConfig(cfg *config.Config) *observability.Config {
	oc := observability.DefaultConfig()
	oc.ServiceVersion = version
	oc.Environment = cfg.Telemetry.Environment
	oc.SampleRate = cfg.Telemetry.SampleRate
	if cfg.Telemetry.OTLPEndpoint != "" {
		oc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
		oc.Enabled = true
	}
	return oc
}

func checkpointConfig(cfg *config.Config) checkpoint.Config {
	c := cfg.Checkpoint
	return checkpoint.Config{
		Backend: c.Backend,
		DSN:     c.DSN,
		Blob: blobstore.Config{
			Type:       blobstore.Type(c.BlobType),
			Dir:        c.BlobDir,
			S3Bucket:   c.S3Bucket,
			S3Region:   c.S3Region,
			S3Endpoint: c.S3Endpoint,
			GCSBucket:  c.GCSBucket,
			Prefix:     c.Prefix,
		},
	}
}

// buildWorld assembles the kernel, the oracle and the auction, then seeds
// genesis state.
func buildWorld(ctx context.Context, cfg *config.Config, logger *slog.Logger, withTelemetry bool) (*world, error) {
	w := &world{}
	settings := kernel.Settings{
		Budget:         cfg.Executor,
		DiskQuotaBytes: cfg.DiskQuotaBytes,
		Limits:         cfg.Limits,
		CostModel:      cfg.CostModel,
	}

	if withTelemetry {
		tp, err := observability.New(ctx, telemetryConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		w.telemetry = tp
		settings.Telemetry = tp
		w.closers = append(w.closers, tp.Shutdown)
	}

	if cfg.Redis.Addr != "" {
		rs := ratelimit.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rs.Ping(pingCtx)
		cancel()
		if err != nil {
			_ = rs.Close()
			w.close(ctx, logger)
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		settings.RateStore = rs
		w.closers = append(w.closers, func(context.Context) error { return rs.Close() })
		logger.Info("rolling windows backed by redis", "addr", cfg.Redis.Addr)
	}

	k, runner, err := kernel.Assemble(settings)
	if err != nil {
		w.close(ctx, logger)
		return nil, fmt.Errorf("assemble kernel: %w", err)
	}
	w.kernel = k
	w.closers = append(w.closers, runner.Close)

	scorer, err := llm.New(llm.Config{
		Provider:    cfg.Oracle.Provider,
		Model:       cfg.Oracle.Model,
		APIKey:      cfg.Oracle.APIKey,
		BaseURL:     cfg.Oracle.BaseURL,
		StaticScore: cfg.Oracle.StaticScore,
	})
	if err != nil {
		w.close(ctx, logger)
		return nil, fmt.Errorf("oracle: %w", err)
	}
	logger.Info("mint oracle ready", "scorer", scorer.Name())

	w.auction = mint.New(k, scorer, mint.Config{
		Interval:     cfg.Mint.Interval,
		MintPerPoint: cfg.Mint.MintPerPoint,
		MinimumBid:   cfg.Mint.MinimumBid,
	}, mint.WithLogger(logger))

	if err := k.Seed(ctx, kernel.SeedConfig{
		Balances: cfg.Balances,
		Services: []kernel.Service{w.auction.Service()},
	}); err != nil {
		w.close(ctx, logger)
		return nil, fmt.Errorf("seed: %w", err)
	}
	return w, nil
}

// close releases resources in reverse order of acquisition.
func (w *world) close(ctx context.Context, logger *slog.Logger) {
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](ctx); err != nil {
			logger.Warn("shutdown step failed", "error", err)
		}
	}
	w.closers = nil
}

// restoreLatest loads the newest snapshot from sink into w. A sink with
// nothing saved yields checkpoint.ErrNoCheckpoint.
func (w *world) restoreLatest(ctx context.Context, sink checkpoint.Sink) (*checkpoint.Snapshot, error) {
	snap, err := sink.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkpoint.Restore(w.kernel, w.auction, snap); err != nil {
		return nil, err
	}
	return snap, nil
}
