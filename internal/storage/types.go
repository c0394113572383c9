// Package storage persists the repeatable-timeout registry of every timeout block and the
// notifier's dedup windows.
//
// Drivers:
//   - "file":   snapshot + append-only journal per dataset, compacted periodically
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "redis":  one hash per timeout block, dedup keys with expiry
//   - "memory": process memory only; state is lost on exit
package storage

import (
	"context"
	"errors"
	"time"

	"sigwatch/internal/timeout"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// CompactEvery compacts the file journal after this many writes; 0 means 1000.
	CompactEvery int
	Redis        RedisConfig
}

type RedisConfig struct {
	Addrs      []string
	MasterName string // sentinel mode when set
	Username   string
	Password   string
	DB         int
	Prefix     string // key prefix; default "sigwatch"
}

// Store is the persistence API used by timeout blocks and the notifier.
type Store interface {
	// Timeouts scopes the registry to one timeout block.
	Timeouts(block string) timeout.Store

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	// Compact drops expired dedup entries and folds journals. Run from the maintenance schedule.
	Compact(ctx context.Context) error
	Close() error
}
