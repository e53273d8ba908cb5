package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/omnisearch/omnisearch/abengine/internal/config"
)

// Open creates the backend named by cfg.Backend. streamTTL applies to
// appended stream records on backends that expire them.
func Open(ctx context.Context, cfg config.StorageConfig, streamTTL time.Duration) (Backend, error) {
	var (
		b   Backend
		err error
	)

	switch cfg.Backend {
	case "", "memory":
		b = NewMemory()
	case "redis":
		b, err = NewRedis(cfg.Redis, cfg.KeyPrefix, streamTTL)
	case "badger":
		b, err = NewBadger(cfg.Badger, cfg.KeyPrefix, streamTTL)
	case "postgres":
		b, err = NewPostgres(ctx, cfg.Postgres, cfg.KeyPrefix, streamTTL)
	case "file":
		b, err = OpenFileLog(cfg.File.Path, streamTTL)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}

	log.Info().Str("backend", b.Name()).Msg("Storage backend opened")
	return b, nil
}
