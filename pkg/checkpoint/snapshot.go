// Package checkpoint saves and restores complete kernel state: principals,
// artifacts, the event log and the open mint round.
//
// A Snapshot is encoded as brotli-compressed JSON and carries a semantic
// format version. Its StateRoot is the Merkle root over every principal,
// artifact and the auction, so two checkpoints of the same world agree on it.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/andybalholm/brotli"
	"github.com/google/uuid"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/artifacts"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/eventlog"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/ledger"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/merkle"
	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/mint"
)

const (
	// FormatVersion is written into every snapshot.
	FormatVersion = "1.0.0"
	// compatible is the range of format versions Decode accepts.
	compatible = "^1.0"
)

var (
	// ErrIncompatible is returned for snapshots outside the supported range.
	ErrIncompatible = errors.New("checkpoint: incompatible format version")
	// ErrNoCheckpoint is returned by sinks that hold no snapshot yet.
	ErrNoCheckpoint = errors.New("checkpoint: none saved")
)

// Snapshot is a point-in-time copy of the world.
type Snapshot struct {
	FormatVersion string               `json:"format_version"`
	ID            string               `json:"id"`
	CreatedAt     time.Time            `json:"created_at"`
	StateRoot     string               `json:"state_root"`
	Principals    []ledger.Principal   `json:"principals"`
	Artifacts     []artifacts.Artifact `json:"artifacts"`
	Events        eventlog.State       `json:"events"`
	Auction       *mint.State          `json:"auction,omitempty"`
}

// Capture snapshots the kernel and, when non-nil, the auction. Capture
// reads each component in turn; callers wanting a quiescent snapshot stop
// submitting intents first.
func Capture(k *kernel.Kernel, auction *mint.Auction) (*Snapshot, error) {
	snap := &Snapshot{
		FormatVersion: FormatVersion,
		ID:            uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
		Principals:    k.Ledger().Snapshot(),
		Artifacts:     k.Store().Snapshot(),
		Events:        k.Events().Export(),
	}
	if auction != nil {
		st := auction.State()
		snap.Auction = &st
	}
	root, err := snap.Root()
	if err != nil {
		return nil, err
	}
	snap.StateRoot = root
	return snap, nil
}

// Restore replaces the kernel's (and auction's) state with the snapshot.
// The state root is verified first.
func Restore(k *kernel.Kernel, auction *mint.Auction, snap *Snapshot) error {
	if snap.StateRoot != "" {
		root, err := snap.Root()
		if err != nil {
			return err
		}
		if root != snap.StateRoot {
			return fmt.Errorf("checkpoint: state root mismatch: have %s, computed %s", snap.StateRoot, root)
		}
	}
	if err := k.Ledger().Restore(snap.Principals); err != nil {
		return fmt.Errorf("checkpoint: restore ledger: %w", err)
	}
	if err := k.Store().Restore(snap.Artifacts); err != nil {
		return fmt.Errorf("checkpoint: restore artifacts: %w", err)
	}
	if err := k.Events().Import(snap.Events); err != nil {
		return fmt.Errorf("checkpoint: restore events: %w", err)
	}
	if auction != nil && snap.Auction != nil {
		if err := auction.Restore(*snap.Auction); err != nil {
			return fmt.Errorf("checkpoint: restore auction: %w", err)
		}
	}
	return nil
}

// Tree builds the state Merkle tree. Leaves are /principals/<id>,
// /artifacts/<id>, /events/head and /auction.
func (s *Snapshot) Tree() (*merkle.Tree, error) {
	leaves := make(map[string]any, len(s.Principals)+len(s.Artifacts)+2)
	for _, p := range s.Principals {
		leaves["/principals/"+p.ID] = p
	}
	for _, a := range s.Artifacts {
		leaves["/artifacts/"+a.ID] = a
	}
	head := s.Events.BaseHash
	if n := len(s.Events.Events); n > 0 {
		head = s.Events.Events[n-1].Hash
	}
	leaves["/events/head"] = head
	if s.Auction != nil {
		leaves["/auction"] = s.Auction
	}
	return merkle.Build(leaves)
}

// Root returns the state root.
func (s *Snapshot) Root() (string, error) {
	t, err := s.Tree()
	if err != nil {
		return "", err
	}
	return t.Root, nil
}

// Encode serialises the snapshot as brotli-compressed JSON.
func Encode(snap *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		return nil, fmt.Errorf("checkpoint: encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("checkpoint: compress: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode and rejects incompatible format versions.
func Decode(data []byte) (*Snapshot, error) {
	raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: decompress: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("checkpoint: decode: %w", err)
	}
	if err := CheckVersion(snap.FormatVersion); err != nil {
		return nil, err
	}
	return &snap, nil
}

// CheckVersion reports whether a format version can be read.
func CheckVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrIncompatible, v, err)
	}
	c, err := semver.NewConstraint(compatible)
	if err != nil {
		return err
	}
	if !c.Check(ver) {
		return fmt.Errorf("%w: %s not in %s", ErrIncompatible, v, compatible)
	}
	return nil
}
