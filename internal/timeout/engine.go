// Package timeout emits a synthetic signal when a group has gone quiet.
//
// Every batch for a group cancels that group's timers and re-arms one timer per configured
// interval, anchored at the batch's last signal. When a timer fires, a copy of the anchor
// is emitted with "timeout" (the interval) and "group" (the group value) set. Repeatable
// timers keep firing until the group sees a new signal; they are the only state persisted,
// and Start re-arms them before any new batch is allowed in.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sigwatch/internal/eventbus"
	"sigwatch/internal/groupby"
	"sigwatch/internal/metrics"
	"sigwatch/internal/signal"
	"sigwatch/internal/timer"
	logx "sigwatch/pkg/logx"
)

const DefaultReadyWait = time.Second

type Config struct {
	// Name labels logs, metrics and events.
	Name string
	// ReadyWait bounds how long a batch waits for Start to finish re-arming persisted
	// timers. Zero means DefaultReadyWait; negative means don't wait.
	ReadyWait time.Duration
}

type Deps struct {
	Scheduler timer.Scheduler
	Store     Store // optional
	Emit      Emitter
	KeyFunc   groupby.KeyFunc // nil groups everything together
	Log       logx.Logger
	Metrics   *metrics.Metrics
	Bus       eventbus.Bus
}

type armed struct {
	key        groupby.Key
	d          time.Duration
	repeatable bool
	anchor     signal.Signal
	job        timer.Job
}

// keyState is only touched while holding the key's lock.
type keyState struct {
	key    groupby.Key
	timers map[time.Duration]*armed
	repeat map[time.Duration]signal.Signal
}

type Engine struct {
	cfg   Config
	sched timer.Scheduler
	store Store
	emit  Emitter
	keyFn groupby.KeyFunc
	log   logx.Logger
	m     *metrics.Metrics
	bus   eventbus.Bus

	locks keyLocks

	mu        sync.Mutex
	keys      map[string]*keyState
	intervals []Interval
	ready     chan struct{}
	isReady   bool
	startErr  error
	// live holds groups that took a batch while the ready gate was closed.
	live      map[string]struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, deps Deps) *Engine {
	if cfg.ReadyWait == 0 {
		cfg.ReadyWait = DefaultReadyWait
	}
	if cfg.Name == "" {
		cfg.Name = "timeout"
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	bus := deps.Bus
	if bus == nil {
		bus = eventbus.Nop()
	}
	emit := deps.Emit
	if emit == nil {
		emit = func(context.Context, []signal.Signal) error { return nil }
	}
	return &Engine{
		cfg:    cfg,
		sched:  deps.Scheduler,
		store:  deps.Store,
		emit:   emit,
		keyFn:  deps.KeyFunc,
		log:    log.With(logx.String("comp", "timeout"), logx.String("block", cfg.Name)),
		m:      deps.Metrics,
		bus:    bus,
		keys:   map[string]*keyState{},
		live:   map[string]struct{}{},
		ready:  make(chan struct{}),
		runCtx: context.Background(),
	}
}

// Configure replaces the interval list used by subsequent batches.
func (e *Engine) Configure(intervals []Interval) {
	cp := append([]Interval(nil), intervals...)
	e.mu.Lock()
	e.intervals = cp
	e.mu.Unlock()
}

// Start loads the persisted registry and re-arms it. Without a store it resumes the
// registry kept in memory by Stop. A load failure leaves the engine refusing batches
// until a later Start succeeds.
func (e *Engine) Start(ctx context.Context) error {
	if e.store == nil {
		return e.StartWith(ctx, e.Registry())
	}
	reg, err := e.store.LoadTimeouts(ctx)
	if err != nil {
		return e.fail(fmt.Errorf("load timeouts: %w", err))
	}
	if reg == nil {
		reg = Registry{}
	}
	return e.StartWith(ctx, reg)
}

func (e *Engine) fail(err error) error {
	e.mu.Lock()
	e.startErr = err
	e.mu.Unlock()
	e.log.Error("timeouts not restored; refusing batches", logx.Err(err))
	return err
}

// StartWith re-arms one repeatable timer per registry entry, then opens the ready gate.
func (e *Engine) StartWith(ctx context.Context, reg Registry) error {
	if e.sched == nil {
		return e.fail(ErrNoScheduler)
	}
	e.mu.Lock()
	if e.runCancel != nil {
		e.runCancel()
	}
	e.runCtx, e.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Unlock()

	// Idle groups left over from a previous run are replaced by reg.
	for _, id := range e.keyIDs() {
		mu := e.locks.get(id)
		mu.Lock()
		if st := e.lookup(id); st != nil && len(st.timers) == 0 && !e.isLive(id) {
			clear(st.repeat)
			e.gc(st)
		}
		mu.Unlock()
	}

	var restored []*armed
	for _, id := range reg.IDs() {
		g := reg[id]
		key := g.Key
		if key.ID == "" {
			key = groupby.Implicit
		}
		mu := e.locks.get(key.ID)
		mu.Lock()
		st := e.state(key)
		if e.isLive(key.ID) {
			// A batch reached this group after the ready wait expired; its anchor is newer.
			e.log.Debug("persisted group superseded", logx.String("group", key.ID))
			e.persist(ctx, key, st.repeat)
			e.gc(st)
			mu.Unlock()
			continue
		}
		for _, d := range sortedDurations(g.Anchors) {
			a, err := e.arm(st, d, true, g.Anchors[d].Clone())
			if err != nil {
				mu.Unlock()
				e.unwind(restored)
				return e.fail(fmt.Errorf("restore group %s interval %s: %w", key.ID, d, err))
			}
			restored = append(restored, a)
		}
		e.gc(st)
		mu.Unlock()
	}

	e.mu.Lock()
	if !e.isReady {
		close(e.ready)
		e.isReady = true
	}
	e.startErr = nil
	clear(e.live)
	e.mu.Unlock()

	e.log.Info("timeouts restored", logx.Int("groups", len(reg)), logx.Int("timers", len(restored)))
	e.bus.Publish(eventbus.Event{Type: eventbus.TimeoutReady, Block: e.cfg.Name, Data: map[string]any{"timers": len(restored)}})
	return nil
}

// unwind cancels timers armed by a failed start. The registry entries stay in place.
func (e *Engine) unwind(as []*armed) {
	for _, a := range as {
		mu := e.locks.get(a.key.ID)
		mu.Lock()
		if st := e.lookup(a.key.ID); st != nil && st.timers[a.d] == a {
			a.job.Cancel()
			delete(st.timers, a.d)
			e.m.Cancelled(e.cfg.Name)
		}
		mu.Unlock()
	}
}

// Ready is closed once persisted timers are armed.
func (e *Engine) Ready() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// StartErr is the error of the last failed Start, or nil.
func (e *Engine) StartErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startErr
}

func (e *Engine) notStarted() error {
	if err := e.StartErr(); err != nil {
		return fmt.Errorf("%w: %w", ErrNotStarted, err)
	}
	return nil
}

// waitReady holds a batch until Start has re-armed persisted timers. While Start is
// still running the wait is bounded by ReadyWait; after a failed Start batches are refused.
func (e *Engine) waitReady(ctx context.Context) error {
	ch := e.Ready()
	select {
	case <-ch:
		return nil
	default:
	}
	if err := e.notStarted(); err != nil {
		return err
	}
	if e.cfg.ReadyWait < 0 {
		return nil
	}
	t := time.NewTimer(e.cfg.ReadyWait)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		if err := e.notStarted(); err != nil {
			return err
		}
		e.log.Warn("persisted timeouts not restored yet; processing anyway", logx.Duration("waited", e.cfg.ReadyWait))
		return nil
	}
}

// markLive records a batch that got past a closed ready gate. Caller holds the key lock.
func (e *Engine) markLive(id string) {
	e.mu.Lock()
	if !e.isReady {
		e.live[id] = struct{}{}
	}
	e.mu.Unlock()
}

func (e *Engine) isLive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.live[id]
	return ok
}

// Process partitions a batch by group and handles each group in turn.
func (e *Engine) Process(ctx context.Context, signals []signal.Signal) error {
	var errs []error
	for _, g := range groupby.Partition(signals, e.keyFn, e.log) {
		if err := e.ProcessGroup(ctx, g.Signals, g.Key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProcessGroup resets key's timers, anchoring new ones at the last signal.
// Intervals that cannot be evaluated are skipped; scheduling failures are returned
// after the remaining intervals have been armed.
func (e *Engine) ProcessGroup(ctx context.Context, signals []signal.Signal, key groupby.Key) error {
	if len(signals) == 0 {
		e.log.Debug("no signals for group", logx.String("group", key.String()))
		return nil
	}
	if key.ID == "" {
		key = groupby.Implicit
	}
	if err := e.waitReady(ctx); err != nil {
		return err
	}
	if e.sched == nil {
		return ErrNoScheduler
	}

	e.mu.Lock()
	intervals := e.intervals
	e.mu.Unlock()

	anchor := signals[len(signals)-1].Clone()

	mu := e.locks.get(key.ID)
	mu.Lock()
	st := e.state(key)
	st.key = key
	e.markLive(key.ID)
	hadRepeat := len(st.repeat) > 0

	e.log.Debug("cancelling timers", logx.String("group", key.ID), logx.Int("timers", len(st.timers)))
	for d, a := range st.timers {
		a.job.Cancel()
		delete(st.timers, d)
		e.m.Cancelled(e.cfg.Name)
	}
	clear(st.repeat)

	var errs []error
	for i, iv := range intervals {
		spec, err := iv(anchor)
		if err != nil {
			e.log.Warn("interval evaluation failed; skipping", logx.Int("interval", i), logx.String("group", key.ID), logx.Err(err))
			e.m.Skipped(e.cfg.Name, "eval")
			continue
		}
		if _, err := e.arm(st, spec.Duration, spec.Repeatable, anchor); err != nil {
			e.m.Skipped(e.cfg.Name, "schedule")
			errs = append(errs, fmt.Errorf("group %s interval %s: %w", key.ID, spec.Duration, err))
		}
	}

	if hadRepeat || len(st.repeat) > 0 {
		e.persist(ctx, key, st.repeat)
	}
	e.gc(st)
	mu.Unlock()

	return errors.Join(errs...)
}

// arm schedules one timer into st, replacing whatever held the same duration slot.
// Caller holds the key lock.
func (e *Engine) arm(st *keyState, d time.Duration, repeatable bool, anchor signal.Signal) (*armed, error) {
	a := &armed{key: st.key, d: d, repeatable: repeatable, anchor: anchor}
	job, err := e.sched.Schedule(d, repeatable, func() { e.onFire(a) })
	if err != nil {
		return nil, err
	}
	a.job = job
	if old := st.timers[d]; old != nil {
		old.job.Cancel()
		e.m.Cancelled(e.cfg.Name)
	}
	st.timers[d] = a
	if repeatable {
		st.repeat[d] = anchor
	} else {
		delete(st.repeat, d)
	}
	e.m.Armed(e.cfg.Name)
	e.log.Debug("timer armed", logx.String("group", st.key.ID), logx.Duration("interval", d), logx.Bool("repeatable", repeatable))
	return a, nil
}

// persist writes the key's anchors while the caller holds the key lock, so writes
// for one group land in the order the group was processed.
func (e *Engine) persist(ctx context.Context, key groupby.Key, repeat map[time.Duration]signal.Signal) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveTimeoutGroup(context.WithoutCancel(ctx), key, cloneAnchors(repeat)); err != nil {
		e.log.Error("persisting repeatable timeouts failed", logx.String("group", key.ID), logx.Err(err))
	}
}

func (e *Engine) onFire(a *armed) {
	mu := e.locks.get(a.key.ID)
	mu.Lock()
	st := e.lookup(a.key.ID)
	if st == nil || st.timers[a.d] != a {
		// Cancelled after the timer had already started running.
		mu.Unlock()
		return
	}
	out := a.anchor.Clone()
	out["timeout"] = a.d
	out["group"] = a.key.Value
	if !a.repeatable {
		delete(st.timers, a.d)
		e.gc(st)
	}
	mu.Unlock()

	e.m.Fired(e.cfg.Name, a.repeatable)
	e.log.Debug("timeout fired", logx.String("group", a.key.ID), logx.Duration("interval", a.d))
	e.bus.Publish(eventbus.Event{Type: eventbus.TimeoutFired, Block: e.cfg.Name, Data: map[string]any{
		"group":    a.key.ID,
		"interval": a.d.String(),
	}})

	e.mu.Lock()
	ctx := e.runCtx
	e.mu.Unlock()
	if err := e.emit(ctx, []signal.Signal{out}); err != nil {
		e.m.EmitFailed(e.cfg.Name)
		e.log.Warn("timeout emission failed; dropped", logx.String("group", a.key.ID), logx.Err(err))
	}
}

// Stop cancels every armed timer. The registry survives so a later Start resumes it.
func (e *Engine) Stop(ctx context.Context) error {
	for _, id := range e.keyIDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		mu := e.locks.get(id)
		mu.Lock()
		if st := e.lookup(id); st != nil {
			for d, a := range st.timers {
				a.job.Cancel()
				delete(st.timers, d)
				e.m.Cancelled(e.cfg.Name)
			}
			e.gc(st)
		}
		mu.Unlock()
	}

	e.mu.Lock()
	if e.isReady {
		e.ready = make(chan struct{})
		e.isReady = false
	}
	if e.runCancel != nil {
		e.runCancel()
		e.runCancel = nil
	}
	e.mu.Unlock()
	return nil
}

// Registry returns a deep copy of the repeatable timers.
func (e *Engine) Registry() Registry {
	reg := Registry{}
	for _, id := range e.keyIDs() {
		mu := e.locks.get(id)
		mu.Lock()
		if st := e.lookup(id); st != nil && len(st.repeat) > 0 {
			reg[id] = RegistryGroup{Key: st.key, Anchors: cloneAnchors(st.repeat)}
		}
		mu.Unlock()
	}
	return reg
}

// Armed is the number of timers currently scheduled.
func (e *Engine) Armed() int {
	n := 0
	for _, id := range e.keyIDs() {
		mu := e.locks.get(id)
		mu.Lock()
		if st := e.lookup(id); st != nil {
			n += len(st.timers)
		}
		mu.Unlock()
	}
	return n
}

func (e *Engine) keyIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.keys))
	for id := range e.keys {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) lookup(id string) *keyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keys[id]
}

// state returns key's record, creating it. Caller holds the key lock.
func (e *Engine) state(key groupby.Key) *keyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.keys[key.ID]
	if st == nil {
		st = &keyState{key: key, timers: map[time.Duration]*armed{}, repeat: map[time.Duration]signal.Signal{}}
		e.keys[key.ID] = st
	}
	return st
}

// gc drops an empty record. Caller holds the key lock.
func (e *Engine) gc(st *keyState) {
	if len(st.timers) > 0 || len(st.repeat) > 0 {
		return
	}
	e.mu.Lock()
	if e.keys[st.key.ID] == st {
		delete(e.keys, st.key.ID)
	}
	e.mu.Unlock()
}
