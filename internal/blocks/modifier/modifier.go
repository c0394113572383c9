// Package modifier sets signal fields from ordered formula/value lookups.
package modifier

import (
	"context"
	"encoding/json"
	"fmt"

	"sigwatch/internal/blocks"
	"sigwatch/internal/expr"
	"sigwatch/internal/signal"
)

const Type = "modifier"

type LookupConfig struct {
	Formula any `json:"formula"`
	Value   any `json:"value"`
}

type FieldConfig struct {
	Title  string         `json:"title"`
	Lookup []LookupConfig `json:"lookup"`
}

// Config: for each field the first lookup whose formula is truthy sets title = value;
// no match sets null. Exclude emits fresh signals holding only the configured fields.
type Config struct {
	Fields  []FieldConfig `json:"fields"`
	Exclude bool          `json:"exclude,omitempty"`
}

type lookup struct {
	formula *expr.Property
	value   *expr.Property
}

type field struct {
	title  string
	lookup []lookup
}

type Block struct {
	blocks.Base
	fields  []field
	exclude bool
	emit    blocks.Emitter
}

func init() { blocks.Register(Type, New) }

func New(deps blocks.Deps, raw json.RawMessage) (blocks.Block, error) {
	var cfg Config
	if err := blocks.DecodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	b := &Block{Base: blocks.Base{BlockName: deps.Name}, exclude: cfg.Exclude, emit: deps.Emit}
	for i, fc := range cfg.Fields {
		if fc.Title == "" {
			return nil, fmt.Errorf("fields[%d]: title is required", i)
		}
		f := field{title: fc.Title}
		for j, lc := range fc.Lookup {
			formula := lc.Formula
			if formula == nil {
				formula = true
			}
			fp, err := expr.Compile(formula)
			if err != nil {
				return nil, fmt.Errorf("fields[%d].lookup[%d].formula: %w", i, j, err)
			}
			vp, err := expr.Compile(lc.Value)
			if err != nil {
				return nil, fmt.Errorf("fields[%d].lookup[%d].value: %w", i, j, err)
			}
			f.lookup = append(f.lookup, lookup{formula: fp, value: vp})
		}
		b.fields = append(b.fields, f)
	}
	return b, nil
}

// Process fails the whole batch on the first evaluation error; nothing is emitted then.
func (b *Block) Process(ctx context.Context, signals []signal.Signal) error {
	out := make([]signal.Signal, 0, len(signals))
	for _, s := range signals {
		var dst signal.Signal
		if b.exclude {
			dst = signal.Signal{}
		} else {
			dst = s.Clone()
		}
		for _, f := range b.fields {
			v, err := f.resolve(s)
			if err != nil {
				return fmt.Errorf("%s: field %q: %w", b.Name(), f.title, err)
			}
			dst.Set(f.title, v)
		}
		out = append(out, dst)
	}
	if len(out) == 0 {
		return nil
	}
	return b.emit(ctx, out)
}

func (f field) resolve(s signal.Signal) (any, error) {
	for _, lu := range f.lookup {
		ok, err := lu.formula.Bool(s)
		if err != nil {
			return nil, err
		}
		if ok {
			return lu.value.Eval(s)
		}
	}
	return nil, nil
}
