package timeoutblock

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigwatch/internal/blocks"
	"sigwatch/internal/signal"
	"sigwatch/internal/storage"
	"sigwatch/internal/timer"
)

type sink struct {
	mu  sync.Mutex
	got []signal.Signal
}

func (s *sink) emit(_ context.Context, sigs []signal.Signal) error {
	s.mu.Lock()
	s.got = append(s.got, sigs...)
	s.mu.Unlock()
	return nil
}

func (s *sink) snapshot() []signal.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signal.Signal(nil), s.got...)
}

const cfg = `{"group_by": "{{ $host }}", "intervals": [
	{"interval": {"milliseconds": 200}},
	{"interval": "{{ seconds($every) }}", "repeatable": true}
]}`

func TestTimeoutBlockFiresPerGroupAndPersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := timer.NewManual(time.Time{})
	store := storage.NewMemory()
	out := &sink{}
	deps := blocks.Deps{Name: "watch", Emit: out.emit, Scheduler: clock, Store: store, ReadyWait: time.Second}

	b, err := blocks.Build(Type, deps, json.RawMessage(cfg))
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))
	select {
	case <-b.(blocks.Readier).Ready():
	default:
		t.Fatal("not ready after Start")
	}

	require.NoError(t, b.Process(ctx, []signal.Signal{{"host": "a", "every": 1.0}, {"host": "b", "every": 2.0}}))
	clock.Advance(200 * time.Millisecond)
	got := out.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, 200*time.Millisecond, got[0]["timeout"])

	clock.Advance(800 * time.Millisecond) // t=1s: a's repeatable fires
	got = out.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[2]["group"])
	assert.Equal(t, time.Second, got[2]["timeout"])

	require.NoError(t, b.Stop(ctx))
	reg, err := store.Timeouts("watch").LoadTimeouts(ctx)
	require.NoError(t, err)
	assert.Len(t, reg, 2, "repeatable timers of both groups are persisted")

	// A fresh block on the same store resumes the repeatable timers.
	out2 := &sink{}
	deps.Emit = out2.emit
	b2, err := blocks.Build(Type, deps, json.RawMessage(cfg))
	require.NoError(t, err)
	require.NoError(t, b2.Start(ctx))
	clock.Advance(2 * time.Second)
	// a fires at +1s and +2s, b at +2s
	assert.Len(t, out2.snapshot(), 3)
	require.NoError(t, b2.Stop(ctx))
}

func TestTimeoutBlockConfigErrors(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{
		`{"intervals": [{"interval": "-1s"}]}`,
		`{"intervals": [{}]}`,
		`{"intervals": [{"interval": "{{ $x +"}]}`,
		`{"intervals": [], "group_by": "{{ ("}`,
		`{"intervals": [], "unknown": 1}`,
	} {
		_, err := blocks.Build(Type, blocks.Deps{Name: "t"}, json.RawMessage(raw))
		assert.Error(t, err, raw)
	}
}
