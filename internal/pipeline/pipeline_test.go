package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigwatch/internal/blocks"
	_ "sigwatch/internal/blocks/builtin"
	"sigwatch/internal/config"
	"sigwatch/internal/signal"
	"sigwatch/internal/storage"
	"sigwatch/internal/timer"
)

// journal records block lifecycle calls and batches across test blocks.
type journal struct {
	mu     sync.Mutex
	events []string
	got    map[string][]signal.Signal
}

func (j *journal) add(ev string) {
	j.mu.Lock()
	j.events = append(j.events, ev)
	j.mu.Unlock()
}

var (
	journals   sync.Map // test name -> *journal
	errBoom    = errors.New("boom")
	recordOnce sync.Once
)

type recordBlock struct {
	blocks.Base
	j    *journal
	emit blocks.Emitter
	fail bool
}

type recordConfig struct {
	Journal   string `json:"journal"`
	FailStart bool   `json:"fail_start,omitempty"`
}

func registerRecord() {
	recordOnce.Do(func() {
		blocks.Register("test.record", func(deps blocks.Deps, raw json.RawMessage) (blocks.Block, error) {
			var cfg recordConfig
			if err := blocks.DecodeConfig(raw, &cfg); err != nil {
				return nil, err
			}
			j, _ := journals.Load(cfg.Journal)
			return &recordBlock{Base: blocks.Base{BlockName: deps.Name}, j: j.(*journal), emit: deps.Emit, fail: cfg.FailStart}, nil
		})
	})
}

func (b *recordBlock) Start(context.Context) error {
	if b.fail {
		return errBoom
	}
	b.j.add("start " + b.Name())
	return nil
}

func (b *recordBlock) Stop(context.Context) error {
	b.j.add("stop " + b.Name())
	return nil
}

func (b *recordBlock) Process(ctx context.Context, s []signal.Signal) error {
	b.j.mu.Lock()
	b.j.got[b.Name()] = append(b.j.got[b.Name()], s...)
	b.j.mu.Unlock()
	return b.emit(ctx, s)
}

func newJournal(t *testing.T) (*journal, json.RawMessage) {
	registerRecord()
	j := &journal{got: map[string][]signal.Signal{}}
	journals.Store(t.Name(), j)
	raw, _ := json.Marshal(recordConfig{Journal: t.Name()})
	return j, raw
}

func TestDefaultRoutingAndFanOut(t *testing.T) {
	t.Parallel()
	j, raw := newJournal(t)
	p, err := Build([]config.BlockConfig{
		{Name: "in", Type: "test.record", Config: raw},
		{Name: "mid", Type: "test.record", To: []string{"a", "b"}, Config: raw},
		{Name: "a", Type: "test.record", Config: raw},
		{Name: "b", Type: "test.record", Config: raw},
	}, "", Deps{})
	require.NoError(t, err)
	assert.Equal(t, "in", p.Entry())
	assert.Equal(t, []string{"mid"}, p.Targets("in"))
	assert.Equal(t, []string{"b"}, p.Targets("a"), "default is the next declared block")
	assert.Empty(t, p.Targets("b"))

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Process(ctx, []signal.Signal{{"n": 1.0}}))
	require.NoError(t, p.Stop(ctx))

	assert.Len(t, j.got["in"], 1)
	assert.Len(t, j.got["a"], 1)
	assert.Len(t, j.got["b"], 2, "b receives from mid and from a")

	// downstream first on start, upstream first on stop
	assert.Equal(t, []string{
		"start b", "start a", "start mid", "start in",
		"stop in", "stop mid", "stop a", "stop b",
	}, j.events)
}

func TestEntryOverride(t *testing.T) {
	t.Parallel()
	j, raw := newJournal(t)
	p, err := Build([]config.BlockConfig{
		{Name: "x", Type: "test.record", Config: raw},
		{Name: "y", Type: "test.record", Config: raw},
	}, "y", Deps{})
	require.NoError(t, err)
	require.NoError(t, p.Process(context.Background(), []signal.Signal{{}}))
	assert.Empty(t, j.got["x"])
	assert.Len(t, j.got["y"], 1)
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()
	_, raw := newJournal(t)
	_, err := Build([]config.BlockConfig{
		{Name: "a", Type: "test.record", To: []string{"b"}, Config: raw},
		{Name: "b", Type: "test.record", To: []string{"a"}, Config: raw},
	}, "", Deps{})
	assert.ErrorIs(t, err, ErrCycle)

	_, err = Build([]config.BlockConfig{{Name: "a", Type: "nope"}}, "", Deps{})
	assert.ErrorIs(t, err, blocks.ErrUnknownType)

	_, err = Build([]config.BlockConfig{{Name: "a", Type: "test.record", To: []string{"zz"}, Config: raw}}, "", Deps{})
	assert.ErrorContains(t, err, "unknown block")

	_, err = Build([]config.BlockConfig{{Name: "a", Type: "test.record", Config: raw}}, "zz", Deps{})
	assert.ErrorContains(t, err, "unknown entry")
}

func TestStartFailureStopsStartedBlocks(t *testing.T) {
	t.Parallel()
	j, raw := newJournal(t)
	bad, _ := json.Marshal(recordConfig{Journal: t.Name(), FailStart: true})
	p, err := Build([]config.BlockConfig{
		{Name: "up", Type: "test.record", Config: bad},
		{Name: "down", Type: "test.record", Config: raw},
	}, "", Deps{})
	require.NoError(t, err)
	err = p.Start(context.Background())
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, []string{"start down", "stop down"}, j.events)
}

func TestTimeoutPipelineEndToEnd(t *testing.T) {
	t.Parallel()
	j, raw := newJournal(t)
	clock := timer.NewManual(time.Time{})
	p, err := Build([]config.BlockConfig{
		{Name: "watch", Type: "timeout", Config: json.RawMessage(`{"group_by":"{{ $host }}","intervals":[{"interval":"1s"}]}`)},
		{Name: "quiet", Type: "debounce", Config: json.RawMessage(`{"interval":"10s","group_by":"{{ $group }}"}`)},
		{Name: "label", Type: "modifier", Config: json.RawMessage(`{"fields":[{"title":"severity","lookup":[{"formula":"{{ $timeout >= seconds(1) }}","value":"page"}]}]}`)},
		{Name: "sink", Type: "test.record", Config: raw},
	}, "", Deps{Scheduler: clock, Store: storage.NewMemory()})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	assert.Equal(t, map[string]bool{"watch": true}, p.Readiness())
	require.NoError(t, p.WaitReady(ctx))

	require.NoError(t, p.Process(ctx, []signal.Signal{{"host": "a"}, {"host": "b"}}))
	clock.Advance(time.Second)
	got := j.got["sink"]
	require.Len(t, got, 2)
	assert.Equal(t, "page", got[0]["severity"])

	require.NoError(t, p.Stop(ctx))
	assert.Equal(t, map[string]bool{"watch": false}, p.Readiness())
}
