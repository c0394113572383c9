package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigwatch/internal/groupby"
	"sigwatch/internal/metrics"
	"sigwatch/internal/signal"
	logx "sigwatch/pkg/logx"
)

func mustKey(t *testing.T, v any) groupby.Key {
	t.Helper()
	k, err := groupby.NewKey(v)
	require.NoError(t, err)
	return k
}

// exerciseStore runs the behaviour every driver must share.
func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	a := st.Timeouts("a")
	b := st.Timeouts("b")

	k1 := mustKey(t, 1.0)
	k2 := mustKey(t, map[string]any{"host": "x"})
	require.NoError(t, a.SaveTimeoutGroup(ctx, k1, map[time.Duration]signal.Signal{
		100 * time.Millisecond: {"group": 1.0, "timeout": 100 * time.Millisecond},
		time.Minute:            {"group": 1.0},
	}))
	require.NoError(t, a.SaveTimeoutGroup(ctx, groupby.Implicit, map[time.Duration]signal.Signal{time.Second: {"n": 2.0}}))
	require.NoError(t, b.SaveTimeoutGroup(ctx, k2, map[time.Duration]signal.Signal{time.Second: {"host": "x"}}))

	reg, err := a.LoadTimeouts(ctx)
	require.NoError(t, err)
	require.Len(t, reg, 2)
	g := reg[k1.ID]
	assert.Equal(t, 1.0, g.Key.Value)
	require.Len(t, g.Anchors, 2)
	assert.Equal(t, "100ms", g.Anchors[100*time.Millisecond]["timeout"], "durations come back as strings")
	assert.True(t, reg[groupby.Implicit.ID].Key.IsImplicit())

	regB, err := b.LoadTimeouts(ctx)
	require.NoError(t, err)
	require.Contains(t, regB, k2.ID)
	assert.Equal(t, map[string]any{"host": "x"}, regB[k2.ID].Key.Value)

	// empty map removes the group
	require.NoError(t, a.SaveTimeoutGroup(ctx, k1, nil))
	reg, err = a.LoadTimeouts(ctx)
	require.NoError(t, err)
	assert.NotContains(t, reg, k1.ID)
	assert.Len(t, reg, 1)

	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, st.PutDedup(ctx, "k", until))
	got, ok, err := st.GetDedup(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, until.Equal(got))

	_, ok, err = st.GetDedup(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.Compact(ctx))
	_, ok, err = st.GetDedup(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok, "unexpired dedup entries survive compaction")
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemory())
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop(), nil)
	require.NoError(t, err)
	defer st.Close()
	exerciseStore(t, st)
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.sqlite")}, logx.Nop(), nil)
	require.NoError(t, err)
	defer st.Close()
	exerciseStore(t, st)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("SIGWATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SIGWATCH_TEST_REDIS_ADDR not set")
	}
	st, err := Open(Config{Driver: "redis", Redis: RedisConfig{Addrs: []string{addr}, Prefix: "sigwatch-test-" + t.Name()}}, logx.Nop(), nil)
	require.NoError(t, err)
	defer st.Close()
	exerciseStore(t, st)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	k := mustKey(t, "g")

	st, err := Open(Config{Driver: "file", Path: path, CompactEvery: 2}, logx.Nop(), nil)
	require.NoError(t, err)
	ts := st.Timeouts("watch")
	for i := 0; i < 3; i++ {
		require.NoError(t, ts.SaveTimeoutGroup(ctx, k, map[time.Duration]signal.Signal{time.Second: {"i": float64(i)}}))
	}
	require.NoError(t, st.Close())

	// a torn trailing record is ignored
	journal := filepath.Join(filepath.Dir(path), "state.timeouts.journal.jsonl")
	f, err := os.OpenFile(journal, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"k":"watch`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop(), nil)
	require.NoError(t, err)
	defer st.Close()
	reg, err := st.Timeouts("watch").LoadTimeouts(ctx)
	require.NoError(t, err)
	require.Contains(t, reg, k.ID)
	assert.Equal(t, 2.0, reg[k.ID].Anchors[time.Second]["i"])
}

func TestFileStoreCompactFoldsJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "s.json")}, logx.Nop(), nil)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Timeouts("x").SaveTimeoutGroup(ctx, groupby.Implicit, map[time.Duration]signal.Signal{time.Second: {}}))
	require.NoError(t, st.PutDedup(ctx, "old", time.Now().Add(-time.Minute)))
	require.NoError(t, st.Compact(ctx))

	info, err := os.Stat(filepath.Join(dir, "s.timeouts.journal.jsonl"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
	snap, err := os.ReadFile(filepath.Join(dir, "s.timeouts.snapshot.json"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(snap), "1s"))

	_, ok, err := st.GetDedup(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop(), nil)
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "tape"}, logx.Nop(), nil)
	assert.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop(), nil)
	assert.Error(t, err)
}

func TestMeteredStoreCountsOps(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	st, err := Open(Config{Driver: "memory"}, logx.Nop(), m)
	require.NoError(t, err)

	_, err = st.Timeouts("b").LoadTimeouts(context.Background())
	require.NoError(t, err)
	require.NoError(t, st.Timeouts("b").SaveTimeoutGroup(context.Background(), groupby.Implicit, nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOps.WithLabelValues("memory", "load_timeouts", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOps.WithLabelValues("memory", "save_timeouts", "ok")))
}
