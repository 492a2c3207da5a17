package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/api"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/checkpoint"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/config"
)

type serveOptions struct {
	addr    string
	restore bool
	// ready, when set, receives the server before it starts listening.
	ready func(*api.Server)
}

func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var opts serveOptions
	cmd.StringVar(&opts.addr, "addr", "", "Listen address (default :$PORT)")
	cmd.BoolVar(&opts.restore, "restore", false, "Restore the latest checkpoint before serving")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if opts.addr == "" {
		opts.addr = ":" + cfg.Port
	}
	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger, opts); err != nil {
		logger.Error("ecology stopped", "error", err)
		return 1
	}
	return 0
}

// serve runs until ctx is done. On the way out it stops the auction, drains
// HTTP requests and, when a sink is configured, writes a final checkpoint.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts serveOptions) error {
	if cfg.Auth.JWTSecret == "" && !cfg.Auth.AllowUnauthenticated && !loopback(opts.addr) {
		return fmt.Errorf("refusing to serve %s without JWT_SECRET: any caller could act as any principal (set ALLOW_UNAUTHENTICATED=true to override)", opts.addr)
	}
	w, err := buildWorld(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer w.close(context.Background(), logger)

	sink, closeSink, err := checkpoint.Open(ctx, checkpointConfig(cfg))
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSink(); err != nil {
			logger.Warn("closing checkpoint sink", "error", err)
		}
	}()

	if opts.restore {
		if sink == nil {
			return errors.New("--restore needs CHECKPOINT_BACKEND")
		}
		snap, err := w.restoreLatest(ctx, sink)
		switch {
		case errors.Is(err, checkpoint.ErrNoCheckpoint):
			logger.Info("no checkpoint to restore; starting from genesis")
		case err != nil:
			return fmt.Errorf("restore: %w", err)
		default:
			logger.Info("restored checkpoint", "checkpoint_id", snap.ID, "state_root", snap.StateRoot, "created_at", snap.CreatedAt)
		}
	}

	auth := api.NewAuthenticator(cfg.Auth.JWTSecret)
	if auth == nil {
		logger.Warn("JWT_SECRET is unset; intents are trusted to name their own principal", "addr", opts.addr)
	}
	limiter := api.NewClientLimiter(cfg.Auth.RequestsPerSecond, cfg.Auth.Burst)
	replays := api.NewIntentReplays(24 * time.Hour)
	srv := api.NewServer(w.kernel, api.Options{
		Auth:    auth,
		Limiter: limiter,
		Replays: replays,
		Logger:  logger,
	})
	if opts.ready != nil {
		opts.ready(srv)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	goRun := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(runCtx)
		}()
	}
	goRun(func(ctx context.Context) { _ = w.auction.Run(ctx) })
	goRun(replays.Run)
	if limiter != nil {
		goRun(limiter.Run)
	}
	if sink != nil && cfg.Checkpoint.Interval > 0 {
		goRun(func(ctx context.Context) { checkpointLoop(ctx, w, sink, cfg.Checkpoint.Interval, logger) })
	}

	err = srv.ListenAndServe(runCtx, opts.addr)
	cancel()
	wg.Wait()

	if sink != nil {
		if saveErr := saveCheckpoint(context.Background(), w, sink, logger); saveErr != nil {
			err = errors.Join(err, saveErr)
		}
	}
	return err
}

// loopback reports whether addr only listens on the local host. An empty
// host binds every interface.
func loopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func checkpointLoop(ctx context.Context, w *world, sink checkpoint.Sink, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := saveCheckpoint(ctx, w, sink, logger); err != nil {
				logger.ErrorContext(ctx, "checkpoint failed", "error", err)
			}
		}
	}
}

func saveCheckpoint(ctx context.Context, w *world, sink checkpoint.Sink, logger *slog.Logger) error {
	snap, err := checkpoint.Capture(w.kernel, w.auction)
	if err != nil {
		return err
	}
	if err := sink.Save(ctx, snap); err != nil {
		return err
	}
	logger.InfoContext(ctx, "checkpoint saved",
		"checkpoint_id", snap.ID,
		"state_root", snap.StateRoot,
		"principals", len(snap.Principals),
		"artifacts", len(snap.Artifacts),
	)
	return nil
}
