// Package pipeline builds the configured block graph and runs batches through it.
//
// Blocks are declared in order. A block without "to" feeds the block declared after it;
// the last block feeds nothing. Sources hand batches to the entry block (the configured
// entry, or the first block). Emissions run synchronously on the emitting goroutine, so a
// block that fans out to several targets hands each of them the same slice; blocks must
// not mutate their input.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sigwatch/internal/blocks"
	"sigwatch/internal/config"
	"sigwatch/internal/eventbus"
	"sigwatch/internal/metrics"
	"sigwatch/internal/signal"
	"sigwatch/internal/timer"
	logx "sigwatch/pkg/logx"
)

var ErrCycle = errors.New("pipeline: block graph has a cycle")

// Deps is shared by every block the pipeline builds.
type Deps struct {
	Log       logx.Logger
	Metrics   *metrics.Metrics
	Bus       eventbus.Bus
	Scheduler timer.Scheduler
	Store     blocks.StoreProvider
	Notifier  blocks.Notifier
	NATS      blocks.Publisher
	// ReadyWait is engine.ready_wait; zero lets timeout blocks apply their default.
	ReadyWait time.Duration
}

type Pipeline struct {
	log    logx.Logger
	m      *metrics.Metrics
	order  []string // declaration order
	byName map[string]blocks.Block
	next   map[string][]string
	entry  blocks.Block
	// startOrder lists downstream blocks before the blocks feeding them.
	startOrder []string
	started    []string
}

// Build constructs every block and binds its emitter to its targets.
func Build(cfgs []config.BlockConfig, entry string, deps Deps) (*Pipeline, error) {
	if len(cfgs) == 0 {
		return nil, errors.New("pipeline: no blocks")
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pipeline{
		log:    log.With(logx.String("comp", "pipeline")),
		m:      deps.Metrics,
		byName: make(map[string]blocks.Block, len(cfgs)),
		next:   make(map[string][]string, len(cfgs)),
	}

	for i, bc := range cfgs {
		name := strings.TrimSpace(bc.Name)
		if _, dup := p.byName[name]; dup || name == "" {
			return nil, fmt.Errorf("pipeline: blocks[%d]: bad or duplicate name %q", i, name)
		}
		p.byName[name] = nil
		p.order = append(p.order, name)
		switch {
		case len(bc.To) > 0:
			p.next[name] = append([]string(nil), bc.To...)
		case i+1 < len(cfgs):
			p.next[name] = []string{strings.TrimSpace(cfgs[i+1].Name)}
		}
	}
	for from, tos := range p.next {
		for _, to := range tos {
			if _, ok := p.byName[to]; !ok {
				return nil, fmt.Errorf("pipeline: block %q routes to unknown block %q", from, to)
			}
		}
	}
	order, err := p.topo()
	if err != nil {
		return nil, err
	}
	p.startOrder = order

	for _, bc := range cfgs {
		name := strings.TrimSpace(bc.Name)
		b, err := blocks.Build(strings.TrimSpace(bc.Type), blocks.Deps{
			Name:      name,
			Emit:      p.emitter(name),
			Log:       log,
			Metrics:   deps.Metrics,
			Bus:       deps.Bus,
			Scheduler: deps.Scheduler,
			Store:     deps.Store,
			Notifier:  deps.Notifier,
			NATS:      deps.NATS,
			ReadyWait: deps.ReadyWait,
		}, bc.Config)
		if err != nil {
			return nil, err
		}
		p.byName[name] = b
	}

	entryName := strings.TrimSpace(entry)
	if entryName == "" {
		entryName = p.order[0]
	}
	e, ok := p.byName[entryName]
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown entry block %q", entryName)
	}
	p.entry = e
	return p, nil
}

// emitter resolves targets at call time; every block exists by the time anything runs.
func (p *Pipeline) emitter(from string) blocks.Emitter {
	tos := p.next[from]
	if len(tos) == 0 {
		return nil
	}
	return func(ctx context.Context, signals []signal.Signal) error {
		if len(signals) == 0 {
			return nil
		}
		var errs []error
		for _, to := range tos {
			if err := p.byName[to].Process(ctx, signals); err != nil {
				p.m.EmitFailed(from)
				errs = append(errs, fmt.Errorf("%s -> %s: %w", from, to, err))
			}
		}
		return errors.Join(errs...)
	}
}

// topo returns the blocks with every target ahead of the blocks that feed it.
func (p *Pipeline) topo() ([]string, error) {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(p.order))
	out := make([]string, 0, len(p.order))
	var visit func(n string, path []string) error
	visit = func(n string, path []string) error {
		switch color[n] {
		case grey:
			return fmt.Errorf("%w: %s", ErrCycle, strings.Join(append(path, n), " -> "))
		case black:
			return nil
		}
		color[n] = grey
		for _, to := range p.next[n] {
			if err := visit(to, append(path, n)); err != nil {
				return err
			}
		}
		color[n] = black
		out = append(out, n)
		return nil
	}
	for _, n := range p.order {
		if err := visit(n, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Start starts downstream blocks first. If one fails, the blocks already started are stopped.
func (p *Pipeline) Start(ctx context.Context) error {
	for _, name := range p.startOrder {
		if err := p.byName[name].Start(ctx); err != nil {
			p.log.Error("block start failed", logx.String("block", name), logx.Err(err))
			_ = p.Stop(context.WithoutCancel(ctx))
			return fmt.Errorf("start block %q: %w", name, err)
		}
		p.started = append(p.started, name)
	}
	p.log.Info("pipeline started", logx.Int("blocks", len(p.order)), logx.String("entry", p.entry.Name()))
	return nil
}

// Stop stops started blocks, upstream first, and returns the joined errors.
func (p *Pipeline) Stop(ctx context.Context) error {
	var errs []error
	for i := len(p.started) - 1; i >= 0; i-- {
		name := p.started[i]
		if err := p.byName[name].Stop(ctx); err != nil {
			p.log.Warn("block stop failed", logx.String("block", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("stop block %q: %w", name, err))
		}
	}
	p.started = nil
	return errors.Join(errs...)
}

// Process hands a batch to the entry block.
func (p *Pipeline) Process(ctx context.Context, signals []signal.Signal) error {
	if len(signals) == 0 {
		return nil
	}
	return p.entry.Process(ctx, signals)
}

func (p *Pipeline) Entry() string { return p.entry.Name() }

// Names lists blocks in declaration order.
func (p *Pipeline) Names() []string { return append([]string(nil), p.order...) }

func (p *Pipeline) Block(name string) (blocks.Block, bool) {
	b, ok := p.byName[name]
	return b, ok && b != nil
}

// Targets returns the blocks name emits to.
func (p *Pipeline) Targets(name string) []string { return append([]string(nil), p.next[name]...) }

// Readiness reports, per block that restores state on Start, whether it is ready.
func (p *Pipeline) Readiness() map[string]bool {
	out := map[string]bool{}
	for _, name := range p.order {
		r, ok := p.byName[name].(blocks.Readier)
		if !ok {
			continue
		}
		select {
		case <-r.Ready():
			out[name] = true
		default:
			out[name] = false
		}
	}
	return out
}

// WaitReady blocks until every Readier block is ready or ctx ends.
func (p *Pipeline) WaitReady(ctx context.Context) error {
	for _, name := range p.order {
		r, ok := p.byName[name].(blocks.Readier)
		if !ok {
			continue
		}
		select {
		case <-r.Ready():
		case <-ctx.Done():
			return fmt.Errorf("block %q not ready: %w", name, ctx.Err())
		}
	}
	return nil
}
