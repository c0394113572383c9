package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigwatch/internal/eventbus"
	"sigwatch/internal/metrics"
	"sigwatch/internal/storage"
	kit "sigwatch/internal/transport"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	fails int // fail this many calls first
	sent  chan string
}

func newFakeSender() *fakeSender { return &fakeSender{sent: make(chan string, 16)} }

func (f *fakeSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return kit.MessageRef{}, errors.New("telegram: 502")
	}
	f.texts = append(f.texts, text)
	f.sent <- text
	return kit.MessageRef{MessageID: len(f.texts)}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func note(text string) kit.Notification {
	return kit.Notification{Channel: "telegram", Target: kit.ChatTarget{ChatID: 42}, Text: text}
}

func waitSent(t *testing.T, f *fakeSender) string {
	t.Helper()
	select {
	case s := <-f.sent:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("nothing sent")
		return ""
	}
}

func TestNotifyDeliversAndDedups(t *testing.T) {
	t.Parallel()
	f := newFakeSender()
	m := metrics.New()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(testConfig(), f, Deps{Bus: bus, Metrics: m})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Notify(context.Background(), note("host down")))
	assert.Equal(t, "host down", waitSent(t, f))

	require.NoError(t, s.Notify(context.Background(), note("host down")), "deduped notifications are not errors")
	require.NoError(t, s.Notify(context.Background(), note("host up")))
	assert.Equal(t, "host up", waitSent(t, f))
	assert.Equal(t, 2, f.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotifySent.WithLabelValues("deduped")))

	var types []string
	for len(types) < 3 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("events so far: %v", types)
		}
	}
	assert.ElementsMatch(t, []string{eventbus.NotifierSent, eventbus.NotifierDeduped, eventbus.NotifierSent}, types)
}

func TestNotifyRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	f := newFakeSender()
	f.fails = 2
	s := New(testConfig(), f, Deps{})
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Notify(context.Background(), kit.Notification{Channel: "telegram", Priority: 9, Text: "disk full"}))
	assert.Equal(t, "\U0001F6A8 disk full", waitSent(t, f))
}

func TestNotifyGivesUpAfterRetryMax(t *testing.T) {
	t.Parallel()
	f := newFakeSender()
	f.fails = 10
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	s := New(testConfig(), f, Deps{Bus: bus})
	s.Start(context.Background())
	defer s.Stop(context.Background())
	require.NoError(t, s.Notify(context.Background(), note("x")))

	select {
	case ev := <-events:
		assert.Equal(t, eventbus.NotifierFailed, ev.Type)
		assert.Contains(t, ev.Data.(Event).Error, "502")
	case <-time.After(2 * time.Second):
		t.Fatal("no failure event")
	}
	f.mu.Lock()
	assert.Equal(t, 7, f.fails, "1 attempt + 2 retries")
	f.mu.Unlock()
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	off := testConfig()
	off.Enabled = false
	assert.ErrorIs(t, New(off, newFakeSender(), Deps{}).Notify(ctx, note("x")), ErrDisabled)

	assert.ErrorIs(t, New(testConfig(), nil, Deps{}).Notify(ctx, note("x")), ErrNoSender)

	s := New(testConfig(), newFakeSender(), Deps{})
	assert.ErrorIs(t, s.Notify(ctx, note("x")), ErrStopped, "not started")
	s.Start(ctx)
	s.Stop(ctx)
	assert.ErrorIs(t, s.Notify(ctx, note("x")), ErrStopped)
	assert.Nil(t, s.Supervisor())
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	cfg := testConfig()
	cfg.PersistDedup = true

	f1 := newFakeSender()
	s1 := New(cfg, f1, Deps{Store: store})
	s1.Start(ctx)
	require.NoError(t, s1.Notify(ctx, note("once")))
	waitSent(t, f1)
	s1.Stop(ctx)

	require.Eventually(t, func() bool {
		_, ok, err := store.GetDedup(ctx, dedupKey(note("once")))
		return err == nil && ok
	}, time.Second, 5*time.Millisecond)

	f2 := newFakeSender()
	s2 := New(cfg, f2, Deps{Store: store})
	s2.Start(ctx)
	defer s2.Stop(ctx)
	require.NoError(t, s2.Notify(ctx, note("once")))
	require.NoError(t, s2.Notify(ctx, note("other")))
	assert.Equal(t, "other", waitSent(t, f2))
	assert.Equal(t, 1, f2.count())
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.LessOrEqual(t, d, time.Second)
		assert.Greater(t, d, time.Duration(0))
	}
	d := retryDelay(cfg, 1)
	assert.GreaterOrEqual(t, d, 70*time.Millisecond)
	assert.LessOrEqual(t, d, 130*time.Millisecond)
}
