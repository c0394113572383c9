package timeout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"sigwatch/internal/expr"
	"sigwatch/internal/groupby"
	"sigwatch/internal/signal"
)

var (
	ErrNegativeInterval = errors.New("timeout: negative interval")
	ErrNoScheduler      = errors.New("timeout: no timer scheduler")
	ErrNotStarted       = errors.New("timeout: persisted timeouts could not be restored")
)

// Spec is one resolved interval: how long a group may stay quiet and whether the timer
// keeps firing until the group sees a new signal.
type Spec struct {
	Duration   time.Duration
	Repeatable bool
}

// Interval resolves a Spec from the anchoring signal.
type Interval func(signal.Signal) (Spec, error)

// Fixed is an Interval that ignores the signal.
func Fixed(d time.Duration, repeatable bool) Interval {
	return func(signal.Signal) (Spec, error) {
		if d < 0 {
			return Spec{}, fmt.Errorf("%w: %s", ErrNegativeInterval, d)
		}
		return Spec{Duration: d, Repeatable: repeatable}, nil
	}
}

// IntervalConfig is the configuration form of an Interval. Both fields accept literals
// or templates, e.g. {"interval": {"milliseconds": 200}, "repeatable": "{{ $repeat }}"}.
type IntervalConfig struct {
	Interval   any `json:"interval"`
	Repeatable any `json:"repeatable,omitempty"`
}

func CompileInterval(c IntervalConfig) (Interval, error) {
	if c.Interval == nil {
		return nil, errors.New("interval is required")
	}
	dur, err := expr.Compile(c.Interval)
	if err != nil {
		return nil, fmt.Errorf("interval: %w", err)
	}
	rep, err := expr.Compile(c.Repeatable)
	if err != nil {
		return nil, fmt.Errorf("repeatable: %w", err)
	}
	if dur.IsConst() {
		d, err := dur.Duration(nil)
		if err != nil {
			return nil, fmt.Errorf("interval: %w", err)
		}
		if d < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNegativeInterval, d)
		}
	}
	return func(s signal.Signal) (Spec, error) {
		d, err := dur.Duration(s)
		if err != nil {
			return Spec{}, fmt.Errorf("interval: %w", err)
		}
		if d < 0 {
			return Spec{}, fmt.Errorf("%w: %s", ErrNegativeInterval, d)
		}
		r, err := rep.Bool(s)
		if err != nil {
			return Spec{}, fmt.Errorf("repeatable: %w", err)
		}
		return Spec{Duration: d, Repeatable: r}, nil
	}, nil
}

func CompileIntervals(cfgs []IntervalConfig) ([]Interval, error) {
	out := make([]Interval, 0, len(cfgs))
	for i, c := range cfgs {
		iv, err := CompileInterval(c)
		if err != nil {
			return nil, fmt.Errorf("intervals[%d]: %w", i, err)
		}
		out = append(out, iv)
	}
	return out, nil
}

// RegistryGroup holds the anchors of one group's repeatable timers.
type RegistryGroup struct {
	Key     groupby.Key
	Anchors map[time.Duration]signal.Signal
}

// Registry is the persisted state: repeatable timers by group key ID.
type Registry map[string]RegistryGroup

func (r Registry) Put(key groupby.Key, d time.Duration, anchor signal.Signal) {
	g, ok := r[key.ID]
	if !ok {
		g = RegistryGroup{Key: key, Anchors: map[time.Duration]signal.Signal{}}
		r[key.ID] = g
	}
	g.Anchors[d] = anchor
}

// Clone deep-copies the registry, anchors included.
func (r Registry) Clone() Registry {
	out := make(Registry, len(r))
	for id, g := range r {
		out[id] = RegistryGroup{Key: g.Key, Anchors: cloneAnchors(g.Anchors)}
	}
	return out
}

// IDs returns the group key IDs in sorted order.
func (r Registry) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneAnchors(in map[time.Duration]signal.Signal) map[time.Duration]signal.Signal {
	out := make(map[time.Duration]signal.Signal, len(in))
	for d, s := range in {
		out[d] = s.Clone()
	}
	return out
}

func sortedDurations(m map[time.Duration]signal.Signal) []time.Duration {
	ds := make([]time.Duration, 0, len(m))
	for d := range m {
		ds = append(ds, d)
	}
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	return ds
}

// Store persists the registry. SaveTimeoutGroup replaces one group's anchors;
// an empty map removes the group.
type Store interface {
	LoadTimeouts(ctx context.Context) (Registry, error)
	SaveTimeoutGroup(ctx context.Context, key groupby.Key, anchors map[time.Duration]signal.Signal) error
}

// Emitter delivers timeout signals downstream.
type Emitter func(ctx context.Context, signals []signal.Signal) error
