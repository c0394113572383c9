// Package debounce lets the first signal of a group through and drops the group's
// signals until the interval has passed since that emission.
package debounce

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"sigwatch/internal/blocks"
	"sigwatch/internal/eventbus"
	"sigwatch/internal/expr"
	"sigwatch/internal/groupby"
	"sigwatch/internal/metrics"
	"sigwatch/internal/signal"
	"sigwatch/internal/timer"
	logx "sigwatch/pkg/logx"
)

const Type = "debounce"

// Config: Interval accepts a literal ("500ms", {"seconds": 1}) or a template evaluated
// against the last signal of each group's batch. Default 1s.
type Config struct {
	Interval any `json:"interval,omitempty"`
	GroupBy  any `json:"group_by,omitempty"`
}

type Block struct {
	blocks.Base

	interval *expr.Property
	keyFn    groupby.KeyFunc
	now      func() time.Time
	emit     blocks.Emitter
	log      logx.Logger
	m        *metrics.Metrics
	bus      eventbus.Bus

	mu   sync.Mutex
	last map[string]time.Time // group key ID -> last emission
}

func init() { blocks.Register(Type, New) }

func New(deps blocks.Deps, raw json.RawMessage) (blocks.Block, error) {
	cfg := Config{Interval: "1s"}
	if err := blocks.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	iv, err := expr.Compile(cfg.Interval)
	if err != nil {
		return nil, err
	}
	if iv.IsConst() {
		if _, err := iv.Duration(nil); err != nil {
			return nil, err
		}
	}
	var keyFn groupby.KeyFunc
	if cfg.GroupBy != nil {
		p, err := expr.Compile(cfg.GroupBy)
		if err != nil {
			return nil, err
		}
		keyFn = groupby.ByProperty(p)
	}
	var sched timer.Scheduler = timer.System{}
	if deps.Scheduler != nil {
		sched = deps.Scheduler
	}
	return &Block{
		Base:     blocks.Base{BlockName: deps.Name},
		interval: iv,
		keyFn:    keyFn,
		now:      sched.Now,
		emit:     deps.Emit,
		log:      deps.Log,
		m:        deps.Metrics,
		bus:      deps.Bus,
		last:     map[string]time.Time{},
	}, nil
}

// Stop forgets emission times so a restarted block lets every group through once.
func (b *Block) Stop(context.Context) error {
	b.mu.Lock()
	clear(b.last)
	b.mu.Unlock()
	return nil
}

func (b *Block) Process(ctx context.Context, signals []signal.Signal) error {
	var out []signal.Signal
	dropped := 0
	for _, g := range groupby.Partition(signals, b.keyFn, b.log) {
		if len(g.Signals) == 0 {
			continue
		}
		if b.allow(g) {
			out = append(out, g.Signals[0])
			dropped += len(g.Signals) - 1
		} else {
			dropped += len(g.Signals)
		}
	}
	b.m.Debounced(b.Name(), len(out), dropped)
	if dropped > 0 {
		b.bus.Publish(eventbus.Event{Type: eventbus.DebounceDropped, Block: b.Name(), Data: map[string]any{"dropped": dropped}})
	}
	if len(out) == 0 {
		return nil
	}
	return b.emit(ctx, out)
}

func (b *Block) allow(g groupby.Group) bool {
	d, err := b.interval.Duration(g.Signals[len(g.Signals)-1])
	if err != nil {
		b.log.Warn("debounce interval evaluation failed; dropping group", logx.String("group", g.Key.ID), logx.Err(err))
		return false
	}
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	last, seen := b.last[g.Key.ID]
	if seen && now.Sub(last) <= d {
		return false
	}
	b.last[g.Key.ID] = now
	return true
}
