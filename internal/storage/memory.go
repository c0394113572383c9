package storage

import (
	"context"
	"sync"
	"time"

	"sigwatch/internal/groupby"
	"sigwatch/internal/signal"
	"sigwatch/internal/timeout"
)

type memoryStore struct {
	mu       sync.Mutex
	timeouts map[string]map[string][]byte // block -> key ID -> encoded anchors
	dedup    map[string]time.Time
}

// NewMemory returns a store that keeps everything in process memory.
func NewMemory() Store {
	return &memoryStore{timeouts: map[string]map[string][]byte{}, dedup: map[string]time.Time{}}
}

func (s *memoryStore) Timeouts(block string) timeout.Store { return memoryTimeouts{s: s, block: block} }

type memoryTimeouts struct {
	s     *memoryStore
	block string
}

func (t memoryTimeouts) LoadTimeouts(context.Context) (timeout.Registry, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	reg := timeout.Registry{}
	for id, raw := range t.s.timeouts[t.block] {
		if err := putGroup(reg, id, raw); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (t memoryTimeouts) SaveTimeoutGroup(_ context.Context, key groupby.Key, anchors map[time.Duration]signal.Signal) error {
	// Encoding here keeps the stored copy independent of the caller's maps.
	raw, err := encodeAnchors(anchors)
	if err != nil {
		return err
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	groups := t.s.timeouts[t.block]
	if len(anchors) == 0 {
		delete(groups, key.ID)
		return nil
	}
	if groups == nil {
		groups = map[string][]byte{}
		t.s.timeouts[t.block] = groups
	}
	groups[key.ID] = raw
	return nil
}

func (s *memoryStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until
	return nil
}

func (s *memoryStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup[key]
	return until, ok, nil
}

func (s *memoryStore) Compact(context.Context) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, until := range s.dedup {
		if until.Before(now) {
			delete(s.dedup, k)
		}
	}
	return nil
}

func (s *memoryStore) Close() error { return nil }
