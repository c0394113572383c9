package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"sigwatch/internal/groupby"
	"sigwatch/internal/signal"
	"sigwatch/internal/timeout"
	logx "sigwatch/pkg/logx"
)

// redisStore keeps each block's registry in a hash <prefix>:timeouts:<block>
// (field = group key ID) and dedup entries as <prefix>:dedup:<key> with an expiry.
type redisStore struct {
	rdb    redis.UniversalClient
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	rc := cfg.Redis
	if len(rc.Addrs) == 0 {
		return nil, errors.New("storage.redis.addrs is required for redis driver")
	}
	// One address is a single node, several a cluster, MasterName selects sentinel.
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:      rc.Addrs,
		MasterName: rc.MasterName,
		Username:   rc.Username,
		Password:   rc.Password,
		DB:         rc.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisStore(rdb, rc.Prefix, log), nil
}

func newRedisStore(rdb redis.UniversalClient, prefix string, log logx.Logger) *redisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "sigwatch"
	}
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) timeoutsKey(block string) string { return s.prefix + ":timeouts:" + block }
func (s *redisStore) dedupKey(key string) string      { return s.prefix + ":dedup:" + key }

func (s *redisStore) Timeouts(block string) timeout.Store { return redisTimeouts{s: s, block: block} }

type redisTimeouts struct {
	s     *redisStore
	block string
}

func (t redisTimeouts) LoadTimeouts(ctx context.Context) (timeout.Registry, error) {
	m, err := t.s.rdb.HGetAll(ctx, t.s.timeoutsKey(t.block)).Result()
	if err != nil {
		return nil, err
	}
	reg := timeout.Registry{}
	for keyID, raw := range m {
		if err := putGroup(reg, keyID, []byte(raw)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (t redisTimeouts) SaveTimeoutGroup(ctx context.Context, key groupby.Key, anchors map[time.Duration]signal.Signal) error {
	hk := t.s.timeoutsKey(t.block)
	if len(anchors) == 0 {
		return t.s.rdb.HDel(ctx, hk, key.ID).Err()
	}
	raw, err := encodeAnchors(anchors)
	if err != nil {
		return err
	}
	return t.s.rdb.HSet(ctx, hk, key.ID, string(raw)).Err()
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return s.rdb.Del(ctx, s.dedupKey(key)).Err()
	}
	return s.rdb.Set(ctx, s.dedupKey(key), until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	ms, err := s.rdb.Get(ctx, s.dedupKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// Compact is a no-op: dedup keys expire on their own and hashes need no folding.
func (s *redisStore) Compact(context.Context) error { return nil }

func (s *redisStore) Close() error { return s.rdb.Close() }
