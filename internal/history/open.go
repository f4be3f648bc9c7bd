package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/edvin/rollout/internal/config"
	"github.com/edvin/rollout/internal/db"
)

// Open builds the stores cfg enables. When a database is configured its
// migrations are applied first and the pool is returned so the caller can
// close it and query past results.
func Open(ctx context.Context, logger zerolog.Logger, cfg *config.Config) (*MultiStore, *pgxpool.Pool, error) {
	stores := NewMultiStore(logger)

	if cfg.HistoryFile != "" {
		stores.Add("file", NewFileStore(cfg.HistoryFile))
	}
	if cfg.HistoryS3Bucket != "" {
		stores.Add("s3", NewS3Store(S3Config{
			Endpoint:  cfg.HistoryS3Endpoint,
			Region:    cfg.HistoryS3Region,
			Bucket:    cfg.HistoryS3Bucket,
			AccessKey: cfg.HistoryS3AccessKey,
			SecretKey: cfg.HistoryS3SecretKey,
			Prefix:    cfg.HistoryS3Prefix,
		}))
	}

	if cfg.HistoryDatabaseURL == "" {
		return stores, nil, nil
	}
	if err := db.RunMigrations(cfg.HistoryDatabaseURL); err != nil {
		return nil, nil, fmt.Errorf("history migrations: %w", err)
	}
	pool, err := db.NewPool(ctx, cfg.HistoryDatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("history database: %w", err)
	}
	stores.Add("postgres", NewPostgresStore(pool))
	return stores, pool, nil
}
