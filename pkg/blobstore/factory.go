package blobstore

import (
	"context"
	"fmt"
)

// Type represents the blob storage backend.
type Type string

const (
	TypeFS  Type = "fs"
	TypeS3  Type = "s3"
	TypeGCS Type = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Type       Type
	Dir        string
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	GCSBucket  string
	Prefix     string
}

// New creates the configured store. An empty type means the filesystem.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Type {
	case "", TypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/checkpoints"
		}
		return NewFileStore(dir)
	case TypeS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("CHECKPOINT_S3_BUCKET is required for S3 storage")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.Prefix,
		})
	case TypeGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported blob storage type: %s", cfg.Type)
	}
}
