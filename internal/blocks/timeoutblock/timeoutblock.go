// Package timeoutblock exposes the timeout engine as a pipeline block.
package timeoutblock

import (
	"context"
	"encoding/json"

	"sigwatch/internal/blocks"
	"sigwatch/internal/expr"
	"sigwatch/internal/groupby"
	"sigwatch/internal/signal"
	"sigwatch/internal/timeout"
	"sigwatch/internal/timer"
)

const Type = "timeout"

// Config example:
//
//	{"group_by": "{{ $host }}", "intervals": [{"interval": "5m", "repeatable": true}]}
type Config struct {
	GroupBy   any                      `json:"group_by,omitempty"`
	Intervals []timeout.IntervalConfig `json:"intervals"`
}

type Block struct {
	name   string
	engine *timeout.Engine
}

func init() { blocks.Register(Type, New) }

func New(deps blocks.Deps, raw json.RawMessage) (blocks.Block, error) {
	var cfg Config
	if err := blocks.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	intervals, err := timeout.CompileIntervals(cfg.Intervals)
	if err != nil {
		return nil, err
	}
	var keyFn groupby.KeyFunc
	if cfg.GroupBy != nil {
		p, err := expr.Compile(cfg.GroupBy)
		if err != nil {
			return nil, err
		}
		keyFn = groupby.ByProperty(p)
	}

	sched := deps.Scheduler
	if sched == nil {
		sched = timer.System{}
	}
	var store timeout.Store
	if deps.Store != nil {
		store = deps.Store.Timeouts(deps.Name)
	}
	e := timeout.New(timeout.Config{Name: deps.Name, ReadyWait: deps.ReadyWait}, timeout.Deps{
		Scheduler: sched,
		Store:     store,
		Emit:      timeout.Emitter(deps.Emit),
		KeyFunc:   keyFn,
		Log:       deps.Log,
		Metrics:   deps.Metrics,
		Bus:       deps.Bus,
	})
	e.Configure(intervals)
	return &Block{name: deps.Name, engine: e}, nil
}

func (b *Block) Name() string { return b.name }

// Start restores persisted repeatable timeouts.
func (b *Block) Start(ctx context.Context) error { return b.engine.Start(ctx) }

func (b *Block) Stop(ctx context.Context) error { return b.engine.Stop(ctx) }

func (b *Block) Process(ctx context.Context, signals []signal.Signal) error {
	return b.engine.Process(ctx, signals)
}

func (b *Block) Ready() <-chan struct{} { return b.engine.Ready() }

// Engine exposes the scheduler for diagnostics.
func (b *Block) Engine() *timeout.Engine { return b.engine }
