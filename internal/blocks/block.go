// Package blocks defines the unit of a sigwatch pipeline.
//
// A block receives batches through Process and hands its output to Deps.Emit, which the
// pipeline binds to the blocks named in the block's "to" list. Block types register a
// Factory; the pipeline builds blocks from configuration by type name.
package blocks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sigwatch/internal/eventbus"
	"sigwatch/internal/metrics"
	"sigwatch/internal/signal"
	"sigwatch/internal/timeout"
	"sigwatch/internal/timer"
	kit "sigwatch/internal/transport"
	logx "sigwatch/pkg/logx"
)

var (
	ErrUnknownType = errors.New("unknown block type")
	ErrMissingDep  = errors.New("block dependency not configured")
)

type Block interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Process(ctx context.Context, signals []signal.Signal) error
}

// Emitter forwards a block's output downstream.
type Emitter func(ctx context.Context, signals []signal.Signal) error

// Notifier queues chat notifications (the notifier service).
type Notifier interface {
	Notify(ctx context.Context, n kit.Notification) error
}

// Publisher is the part of a NATS connection sink blocks use.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// StoreProvider hands out per-block timeout registries.
type StoreProvider interface {
	Timeouts(block string) timeout.Store
}

// Deps carries everything a factory may need. Only Name, Emit and Log are always set.
type Deps struct {
	Name      string
	Emit      Emitter
	Log       logx.Logger
	Metrics   *metrics.Metrics
	Bus       eventbus.Bus
	Scheduler timer.Scheduler
	Store     StoreProvider
	Notifier  Notifier
	NATS      Publisher
	ReadyWait time.Duration
}

type Factory func(deps Deps, raw json.RawMessage) (Block, error)

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register makes a block type available to the pipeline. It panics on duplicates,
// which only happens from init code.
func Register(typ string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[typ]; dup {
		panic("blocks: duplicate type " + typ)
	}
	registry[typ] = f
}

func Types() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Build constructs a block of the registered type.
func Build(typ string, deps Deps, raw json.RawMessage) (Block, error) {
	regMu.RLock()
	f, ok := registry[typ]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, typ)
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	deps.Log = deps.Log.With(logx.String("block", deps.Name), logx.String("type", typ))
	if deps.Emit == nil {
		deps.Emit = func(context.Context, []signal.Signal) error { return nil }
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	b, err := f(deps, raw)
	if err != nil {
		return nil, fmt.Errorf("block %q (%s): %w", deps.Name, typ, err)
	}
	return b, nil
}

// DecodeConfig decodes a block's raw config strictly. Empty raw leaves dst untouched.
func DecodeConfig(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Base gives a block its name and no-op lifecycle. Stateless blocks embed it.
type Base struct {
	BlockName string
}

func (b Base) Name() string                { return b.BlockName }
func (b Base) Start(context.Context) error { return nil }
func (b Base) Stop(context.Context) error  { return nil }

// Readier is implemented by blocks that restore state on Start (timeout blocks).
// The channel closes once the block is ready to take batches without waiting.
type Readier interface {
	Ready() <-chan struct{}
}
