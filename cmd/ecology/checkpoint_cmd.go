package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/api"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/checkpoint"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/config"
)

// offline loads configuration and the checkpoint sink for commands that do
// not serve. Logs go to stderr at warn level unless LOG_LEVEL asks for less.
func offline(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.LogLevel == "INFO" {
		cfg.LogLevel = "WARN"
	}
	return cfg, newLogger(cfg, stderr), nil
}

func openSink(ctx context.Context, cfg *config.Config) (checkpoint.Sink, func() error, error) {
	sink, closeFn, err := checkpoint.Open(ctx, checkpointConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	if sink == nil {
		return nil, nil, errors.New("CHECKPOINT_BACKEND is not set")
	}
	return sink, closeFn, nil
}

type checkpointSummary struct {
	ID            string    `json:"id"`
	FormatVersion string    `json:"format_version"`
	CreatedAt     time.Time `json:"created_at"`
	StateRoot     string    `json:"state_root"`
	Principals    int       `json:"principals"`
	Artifacts     int       `json:"artifacts"`
	Events        int       `json:"events"`
	AuctionRound  int64     `json:"auction_round,omitempty"`
	TotalSupply   int64     `json:"total_supply"`
	Verified      bool      `json:"verified"`
}

// verify replays snap into a fresh kernel, which checks the state root and
// the event hash chain.
func verify(ctx context.Context, cfg *config.Config, logger *slog.Logger, snap *checkpoint.Snapshot) (*world, error) {
	w, err := buildWorld(ctx, cfg, logger, false)
	if err != nil {
		return nil, err
	}
	if err := checkpoint.Restore(w.kernel, w.auction, snap); err != nil {
		w.close(ctx, logger)
		return nil, err
	}
	if ok, reason := w.kernel.Events().Verify(); !ok {
		w.close(ctx, logger)
		return nil, fmt.Errorf("event chain: %s", reason)
	}
	return w, nil
}

func summarize(w *world, snap *checkpoint.Snapshot) checkpointSummary {
	s := checkpointSummary{
		ID:            snap.ID,
		FormatVersion: snap.FormatVersion,
		CreatedAt:     snap.CreatedAt,
		StateRoot:     snap.StateRoot,
		Principals:    len(snap.Principals),
		Artifacts:     len(snap.Artifacts),
		Events:        len(snap.Events.Events),
		TotalSupply:   w.kernel.Ledger().TotalSupply(),
		Verified:      true,
	}
	if snap.Auction != nil {
		s.AuctionRound = snap.Auction.Round
	}
	return s
}

func writeJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(data))
}

// runCheckpointCmd implements `ecology checkpoint`.
//
// Exit codes:
//
//	0 = checkpoint found and verified
//	1 = verification failed
//	2 = usage or runtime error
func runCheckpointCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("checkpoint", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		jsonOutput bool
		outPath    string
		provePath  string
	)
	cmd.BoolVar(&jsonOutput, "json", false, "Output the summary as JSON")
	cmd.StringVar(&outPath, "out", "", "Write the encoded checkpoint to this file")
	cmd.StringVar(&provePath, "prove", "", "Print the inclusion proof for a state path, e.g. /principals/alice")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	cfg, logger, err := offline(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	sink, closeSink, err := openSink(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = closeSink() }()

	snap, err := sink.Latest(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	w, err := verify(ctx, cfg, logger, snap)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Verification failed: %v\n", err)
		return 1
	}
	defer w.close(ctx, logger)

	if outPath != "" {
		data, err := checkpoint.Encode(snap)
		if err == nil {
			err = os.WriteFile(outPath, data, 0o600)
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: export: %v\n", err)
			return 2
		}
	}

	if provePath != "" {
		tree, err := snap.Tree()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		proof, err := tree.Prove(provePath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		writeJSON(stdout, proof)
		return 0
	}

	summary := summarize(w, snap)
	if jsonOutput {
		writeJSON(stdout, summary)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "Checkpoint %s verified\n", summary.ID)
	_, _ = fmt.Fprintf(stdout, "   Created:    %s\n", summary.CreatedAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(stdout, "   State root: %s\n", summary.StateRoot)
	_, _ = fmt.Fprintf(stdout, "   Principals: %d  Artifacts: %d  Events: %d\n", summary.Principals, summary.Artifacts, summary.Events)
	_, _ = fmt.Fprintf(stdout, "   Supply:     %d\n", summary.TotalSupply)
	if outPath != "" {
		_, _ = fmt.Fprintf(stdout, "   Exported:   %s\n", outPath)
	}
	return 0
}

// runRestoreCmd implements `ecology restore --file <checkpoint>`. The file
// is verified by replaying it into a fresh kernel, then re-captured and
// saved to the configured sink so the next `serve --restore` starts from it.
func runRestoreCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("restore", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file       string
		jsonOutput bool
	)
	cmd.StringVar(&file, "file", "", "Encoded checkpoint file (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the summary as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	cfg, logger, err := offline(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	data, err := os.ReadFile(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	snap, err := checkpoint.Decode(data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	w, err := verify(ctx, cfg, logger, snap)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Verification failed: %v\n", err)
		return 1
	}
	defer w.close(ctx, logger)

	sink, closeSink, err := openSink(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = closeSink() }()

	fresh, err := checkpoint.Capture(w.kernel, w.auction)
	if err == nil && fresh.StateRoot != snap.StateRoot {
		err = fmt.Errorf("state root changed on re-capture: %s != %s", fresh.StateRoot, snap.StateRoot)
	}
	if err == nil {
		err = sink.Save(ctx, fresh)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	summary := summarize(w, fresh)
	if jsonOutput {
		writeJSON(stdout, summary)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "Restored %s as checkpoint %s\n", snap.ID, fresh.ID)
	_, _ = fmt.Fprintf(stdout, "   State root: %s\n", fresh.StateRoot)
	return 0
}

// runTokenCmd implements `ecology token [--ttl 24h] <principal>`.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	ttl := cmd.Duration("ttl", 24*time.Hour, "Token lifetime; 0 issues a token without expiry")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: ecology token [--ttl 24h] <principal>")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	auth := api.NewAuthenticator(cfg.Auth.JWTSecret)
	if auth == nil {
		_, _ = fmt.Fprintln(stderr, "Error: JWT_SECRET is not set")
		return 2
	}
	token, err := auth.Issue(cmd.Arg(0), *ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}
