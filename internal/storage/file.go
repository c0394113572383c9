package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"sigwatch/internal/groupby"
	"sigwatch/internal/signal"
	"sigwatch/internal/timeout"
	logx "sigwatch/pkg/logx"
)

// fileStore keeps each dataset as a JSON snapshot plus a JSON Lines journal:
//   - <prefix>.timeouts.snapshot.json / <prefix>.timeouts.journal.jsonl
//   - <prefix>.dedup.snapshot.json    / <prefix>.dedup.journal.jsonl
//
// Writes append to the journal; every CompactEvery writes (and on Compact) the live
// map is written to the snapshot and the journal truncated.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	timeouts     *journaled
	dedup        *journaled
	compactEvery int
	closed       bool
}

// journaled is a string-keyed map mirrored to disk.
type journaled struct {
	snapPath string
	journal  *os.File
	data     map[string]json.RawMessage
	writes   int
}

type journalRecord struct {
	K   string          `json:"k"`
	V   json.RawMessage `json:"v,omitempty"`
	Del bool            `json:"del,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	timeouts, err := openJournaled(prefix+".timeouts", log)
	if err != nil {
		return nil, err
	}
	dedup, err := openJournaled(prefix+".dedup", log)
	if err != nil {
		_ = timeouts.journal.Close()
		return nil, err
	}
	pruneExpiredDedup(dedup.data, time.Now())

	every := cfg.CompactEvery
	if every <= 0 {
		every = 1000
	}
	return &fileStore{log: log, timeouts: timeouts, dedup: dedup, compactEvery: every}, nil
}

func openJournaled(prefix string, log logx.Logger) (*journaled, error) {
	j := &journaled{
		snapPath: prefix + ".snapshot.json",
		data:     map[string]json.RawMessage{},
	}
	if err := j.loadSnapshot(); err != nil {
		return nil, err
	}
	journalPath := prefix + ".journal.jsonl"
	skipped, err := j.replay(journalPath)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("skipped unreadable journal records", logx.String("path", journalPath), logx.Int("count", skipped))
	}
	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	j.journal = f
	return j, nil
}

func (j *journaled) loadSnapshot() error {
	f, err := os.Open(j.snapPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&j.data); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read snapshot %s: %w", j.snapPath, err)
	}
	if j.data == nil {
		j.data = map[string]json.RawMessage{}
	}
	return nil
}

// replay applies journal records over the snapshot. A torn last line is expected
// after a crash and is skipped.
func (j *journaled) replay(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.K == "" {
			skipped++
			continue
		}
		if r.Del {
			delete(j.data, r.K)
		} else {
			j.data[r.K] = r.V
		}
	}
	return skipped, sc.Err()
}

func (j *journaled) put(k string, v json.RawMessage) error {
	if err := json.NewEncoder(j.journal).Encode(journalRecord{K: k, V: v}); err != nil {
		return err
	}
	j.data[k] = v
	j.writes++
	return nil
}

func (j *journaled) del(k string) error {
	if _, ok := j.data[k]; !ok {
		return nil
	}
	if err := json.NewEncoder(j.journal).Encode(journalRecord{K: k, Del: true}); err != nil {
		return err
	}
	delete(j.data, k)
	j.writes++
	return nil
}

func (j *journaled) compact() error {
	tmp := j.snapPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(j.data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.snapPath); err != nil {
		return err
	}
	if err := j.journal.Truncate(0); err != nil {
		return err
	}
	_, err = j.journal.Seek(0, io.SeekEnd)
	j.writes = 0
	return err
}

func (s *fileStore) maybeCompact(j *journaled) {
	if j.writes < s.compactEvery {
		return
	}
	if err := j.compact(); err != nil {
		s.log.Debug("journal compact failed", logx.String("snapshot", j.snapPath), logx.Err(err))
	}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Join(s.timeouts.journal.Close(), s.dedup.journal.Close())
}

func (s *fileStore) Compact(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	pruneExpiredDedup(s.dedup.data, time.Now())
	return errors.Join(s.timeouts.compact(), s.dedup.compact())
}

const blockSep = "\x00"

func (s *fileStore) Timeouts(block string) timeout.Store { return fileTimeouts{s: s, block: block} }

type fileTimeouts struct {
	s     *fileStore
	block string
}

func (t fileTimeouts) LoadTimeouts(context.Context) (timeout.Registry, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.closed {
		return nil, ErrClosed
	}
	reg := timeout.Registry{}
	for k, raw := range t.s.timeouts.data {
		block, keyID, ok := strings.Cut(k, blockSep)
		if !ok || block != t.block {
			continue
		}
		if err := putGroup(reg, keyID, raw); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (t fileTimeouts) SaveTimeoutGroup(_ context.Context, key groupby.Key, anchors map[time.Duration]signal.Signal) error {
	k := t.block + blockSep + key.ID
	var raw []byte
	if len(anchors) > 0 {
		var err error
		if raw, err = encodeAnchors(anchors); err != nil {
			return err
		}
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.closed {
		return ErrClosed
	}
	var err error
	if len(anchors) == 0 {
		err = t.s.timeouts.del(k)
	} else {
		err = t.s.timeouts.put(k, raw)
	}
	if err != nil {
		return err
	}
	t.s.maybeCompact(t.s.timeouts)
	return nil
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.dedup.put(key, json.RawMessage(strconv.FormatInt(until.UnixMilli(), 10))); err != nil {
		return err
	}
	s.maybeCompact(s.dedup)
	return nil
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.dedup.data[key]
	if !ok {
		return time.Time{}, false, nil
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("dedup %q: %w", key, err)
	}
	return time.UnixMilli(ms), true, nil
}

func pruneExpiredDedup(m map[string]json.RawMessage, now time.Time) {
	cut := now.UnixMilli()
	for k, raw := range m {
		ms, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil || ms < cut {
			delete(m, k)
		}
	}
}
