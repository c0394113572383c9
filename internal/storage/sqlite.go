package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"sigwatch/internal/groupby"
	"sigwatch/internal/signal"
	"sigwatch/internal/timeout"
	logx "sigwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time suits SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Timeouts(block string) timeout.Store { return sqliteTimeouts{s: s, block: block} }

type sqliteTimeouts struct {
	s     *sqliteStore
	block string
}

func (t sqliteTimeouts) LoadTimeouts(ctx context.Context) (timeout.Registry, error) {
	rows, err := t.s.db.QueryContext(ctx, `SELECT group_key, anchors FROM timeouts WHERE block = ?`, t.block)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	reg := timeout.Registry{}
	for rows.Next() {
		var keyID, anchors string
		if err := rows.Scan(&keyID, &anchors); err != nil {
			return nil, err
		}
		if err := putGroup(reg, keyID, []byte(anchors)); err != nil {
			return nil, err
		}
	}
	return reg, rows.Err()
}

func (t sqliteTimeouts) SaveTimeoutGroup(ctx context.Context, key groupby.Key, anchors map[time.Duration]signal.Signal) error {
	if len(anchors) == 0 {
		_, err := t.s.db.ExecContext(ctx, `DELETE FROM timeouts WHERE block = ? AND group_key = ?`, t.block, key.ID)
		return err
	}
	raw, err := encodeAnchors(anchors)
	if err != nil {
		return err
	}
	_, err = t.s.db.ExecContext(ctx,
		`INSERT INTO timeouts(block, group_key, anchors, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(block, group_key) DO UPDATE SET anchors=excluded.anchors, updated_at=excluded.updated_at`,
		t.block, key.ID, string(raw), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) Compact(ctx context.Context) error {
	if err := s.pruneExpired(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}
