// Package groupby partitions signal batches by a key computed from each signal.
package groupby

import (
	"encoding/json"
	"fmt"

	"sigwatch/internal/expr"
	"sigwatch/internal/signal"
	logx "sigwatch/pkg/logx"
)

// Key identifies a group. ID is the canonical JSON encoding of Value and is what
// equality, locking and persistence use; Value is what emitted signals carry.
type Key struct {
	ID    string
	Value any
}

// Implicit is the single group every signal belongs to when no group_by is configured.
var Implicit = Key{ID: "null"}

// NewKey canonicalizes v. Object keys are sorted by the JSON encoder, so equal values
// always share an ID.
func NewKey(v any) (Key, error) {
	if v == nil {
		return Implicit, nil
	}
	b, err := json.Marshal(signal.Normalize(v))
	if err != nil {
		return Key{}, fmt.Errorf("group key %v: %w", v, err)
	}
	return Key{ID: string(b), Value: v}, nil
}

func (k Key) IsImplicit() bool { return k.ID == "" || k.ID == Implicit.ID }

func (k Key) String() string {
	if k.ID == "" {
		return Implicit.ID
	}
	return k.ID
}

// KeyFunc computes the group of a signal.
type KeyFunc func(signal.Signal) (Key, error)

// ByProperty evaluates p against each signal; a nil property yields the implicit group.
func ByProperty(p *expr.Property) KeyFunc {
	if p == nil {
		return func(signal.Signal) (Key, error) { return Implicit, nil }
	}
	return func(s signal.Signal) (Key, error) {
		v, err := p.Eval(s)
		if err != nil {
			return Implicit, err
		}
		return NewKey(v)
	}
}

type Group struct {
	Key     Key
	Signals []signal.Signal
}

// Partition splits signals by key. Groups come out in first-seen order and keep the
// order of their signals. A signal whose key cannot be computed joins the implicit group.
func Partition(signals []signal.Signal, fn KeyFunc, log logx.Logger) []Group {
	if fn == nil {
		if len(signals) == 0 {
			return nil
		}
		return []Group{{Key: Implicit, Signals: signals}}
	}
	idx := map[string]int{}
	var out []Group
	for _, s := range signals {
		k, err := fn(s)
		if err != nil {
			log.Warn("group key evaluation failed; using implicit group", logx.Err(err))
			k = Implicit
		}
		i, ok := idx[k.ID]
		if !ok {
			i = len(out)
			idx[k.ID] = i
			out = append(out, Group{Key: k})
		}
		out[i].Signals = append(out[i].Signals, s)
	}
	return out
}
