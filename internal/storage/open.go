package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"sigwatch/internal/groupby"
	"sigwatch/internal/metrics"
	"sigwatch/internal/signal"
	"sigwatch/internal/timeout"
	logx "sigwatch/pkg/logx"
)

// Open initializes the configured store. It returns (nil, nil) if storage is disabled,
// in which case repeatable timeouts do not survive a restart.
func Open(cfg Config, log logx.Logger, m *metrics.Metrics) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	var (
		st  Store
		err error
	)
	switch driver {
	case "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		driver = "sqlite"
		st, err = openSQLite(cfg, log)
	case "redis":
		st, err = openRedis(cfg, log)
	case "memory":
		st = NewMemory()
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("path", cfg.Path))
	if m == nil {
		return st, nil
	}
	return &metered{Store: st, driver: driver, m: m}, nil
}

// metered records latency and outcome of every store call.
type metered struct {
	Store
	driver string
	m      *metrics.Metrics
}

func (s *metered) observe(op string, start time.Time, err error) {
	s.m.StoreOp(s.driver, op, time.Since(start).Seconds(), err)
}

func (s *metered) Timeouts(block string) timeout.Store {
	return meteredTimeouts{inner: s.Store.Timeouts(block), s: s}
}

func (s *metered) PutDedup(ctx context.Context, key string, until time.Time) error {
	start := time.Now()
	err := s.Store.PutDedup(ctx, key, until)
	s.observe("put_dedup", start, err)
	return err
}

func (s *metered) Compact(ctx context.Context) error {
	start := time.Now()
	err := s.Store.Compact(ctx)
	s.observe("compact", start, err)
	return err
}

type meteredTimeouts struct {
	inner timeout.Store
	s     *metered
}

func (t meteredTimeouts) LoadTimeouts(ctx context.Context) (timeout.Registry, error) {
	start := time.Now()
	reg, err := t.inner.LoadTimeouts(ctx)
	t.s.observe("load_timeouts", start, err)
	return reg, err
}

func (t meteredTimeouts) SaveTimeoutGroup(ctx context.Context, key groupby.Key, anchors map[time.Duration]signal.Signal) error {
	start := time.Now()
	err := t.inner.SaveTimeoutGroup(ctx, key, anchors)
	t.s.observe("save_timeouts", start, err)
	return err
}
