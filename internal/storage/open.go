package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "castbot/pkg/logx"
)

// Open initializes the configured store. An empty driver selects memory.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var (
		st  Store
		err error
	)
	switch driver {
	case "", "memory":
		driver = "memory"
		st = NewMemory()
	case "sqlite", "sqlite3":
		st, err = openSQLite(ctx, cfg)
	case "postgres", "postgresql", "pgx":
		st, err = openPostgres(ctx, cfg)
	case "redis":
		st, err = openRedis(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", driver, err)
	}
	log.Info("storage opened", logx.String("driver", driver))
	return st, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
