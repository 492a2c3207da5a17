package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strings"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/blobstore"
)

// Sink stores encoded snapshots.
type Sink interface {
	Save(ctx context.Context, snap *Snapshot) error
	// Latest returns the most recent snapshot or ErrNoCheckpoint.
	Latest(ctx context.Context) (*Snapshot, error)
}

// SQLSink keeps snapshots in a checkpoints table.
type SQLSink struct {
	db     *sql.DB
	insert string
}

const sqliteSchema = `
    CREATE TABLE IF NOT EXISTS checkpoints (
        id TEXT PRIMARY KEY,
        format_version TEXT NOT NULL,
        state_root TEXT NOT NULL,
        created_at_ns INTEGER NOT NULL,
        payload BLOB NOT NULL
    );`

const postgresSchema = `
    CREATE TABLE IF NOT EXISTS checkpoints (
        id TEXT PRIMARY KEY,
        format_version TEXT NOT NULL,
        state_root TEXT NOT NULL,
        created_at_ns BIGINT NOT NULL,
        payload BYTEA NOT NULL
    );`

const latestQuery = `SELECT payload FROM checkpoints ORDER BY created_at_ns DESC, id DESC LIMIT 1`

// NewSQLiteSink creates the table if needed.
func NewSQLiteSink(ctx context.Context, db *sql.DB) (*SQLSink, error) {
	s := &SQLSink{
		db:     db,
		insert: `INSERT INTO checkpoints (id, format_version, state_root, created_at_ns, payload) VALUES (?, ?, ?, ?, ?)`,
	}
	return s, s.init(ctx, sqliteSchema)
}

// NewPostgresSink creates the table if needed.
func NewPostgresSink(ctx context.Context, db *sql.DB) (*SQLSink, error) {
	s := &SQLSink{
		db:     db,
		insert: `INSERT INTO checkpoints (id, format_version, state_root, created_at_ns, payload) VALUES ($1, $2, $3, $4, $5)`,
	}
	return s, s.init(ctx, postgresSchema)
}

func (s *SQLSink) init(ctx context.Context, schema string) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("checkpoint: migrate: %w", err)
	}
	return nil
}

func (s *SQLSink) Save(ctx context.Context, snap *Snapshot) error {
	payload, err := Encode(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.insert, snap.ID, snap.FormatVersion, snap.StateRoot, snap.CreatedAt.UnixNano(), payload)
	if err != nil {
		return fmt.Errorf("checkpoint: save %s: %w", snap.ID, err)
	}
	return nil
}

func (s *SQLSink) Latest(ctx context.Context) (*Snapshot, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, latestQuery).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load latest: %w", err)
	}
	return Decode(payload)
}

// BlobSink writes snapshots to a blob store under prefix. Keys sort by
// creation time.
type BlobSink struct {
	store  blobstore.Store
	prefix string
}

func NewBlobSink(store blobstore.Store, prefix string) *BlobSink {
	if prefix == "" {
		prefix = "checkpoints"
	}
	return &BlobSink{store: store, prefix: strings.Trim(prefix, "/")}
}

func (b *BlobSink) key(snap *Snapshot) string {
	return path.Join(b.prefix, fmt.Sprintf("%020d-%s.json.br", snap.CreatedAt.UnixNano(), snap.ID))
}

func (b *BlobSink) Save(ctx context.Context, snap *Snapshot) error {
	payload, err := Encode(snap)
	if err != nil {
		return err
	}
	if _, err := b.store.Put(ctx, b.key(snap), payload); err != nil {
		return fmt.Errorf("checkpoint: save %s: %w", snap.ID, err)
	}
	return nil
}

func (b *BlobSink) Latest(ctx context.Context) (*Snapshot, error) {
	keys, err := b.store.List(ctx, b.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	var last string
	for _, k := range keys {
		if strings.HasSuffix(k, ".json.br") && k > last {
			last = k
		}
	}
	if last == "" {
		return nil, ErrNoCheckpoint
	}
	payload, err := b.store.Get(ctx, last)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load %s: %w", last, err)
	}
	return Decode(payload)
}

// Config selects a sink.
type Config struct {
	// Backend is "sqlite", "postgres", "blob" or "" for none.
	Backend string
	// DSN is the SQLite path or Postgres connection string.
	DSN  string
	Blob blobstore.Config
}

// Open builds the configured sink. The returned close function releases
// any database handle.
func Open(ctx context.Context, cfg Config) (Sink, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "":
		return nil, noop, nil
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "data/ecology.db"
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, noop, fmt.Errorf("checkpoint: open sqlite: %w", err)
		}
		s, err := NewSQLiteSink(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		return s, db.Close, nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, noop, errors.New("checkpoint: CHECKPOINT_DSN is required for postgres")
		}
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, noop, fmt.Errorf("checkpoint: open postgres: %w", err)
		}
		s, err := NewPostgresSink(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		return s, db.Close, nil
	case "blob":
		store, err := blobstore.New(ctx, cfg.Blob)
		if err != nil {
			return nil, noop, err
		}
		return NewBlobSink(store, ""), noop, nil
	}
	return nil, noop, fmt.Errorf("checkpoint: unsupported backend %q", cfg.Backend)
}
