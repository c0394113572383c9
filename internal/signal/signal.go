// Package signal defines the unit of data flowing through the pipeline: a JSON-like attribute map.
package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrNotObject = errors.New("signal: payload is not a JSON object or array of objects")

// Signal is an attribute map. Values are JSON-compatible (string, float64, bool, nil,
// []any, map[string]any) plus time.Duration, which the engine uses for the timeout attribute.
type Signal map[string]any

func New(attrs map[string]any) Signal {
	s := make(Signal, len(attrs))
	for k, v := range attrs {
		s[k] = v
	}
	return s
}

// Clone returns a deep copy; nested maps and slices are copied too.
func (s Signal) Clone() Signal {
	if s == nil {
		return nil
	}
	out := make(Signal, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = cloneValue(vv)
		}
		return m
	case Signal:
		return x.Clone()
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

func (s Signal) Set(key string, v any) { s[key] = v }

// Get resolves a dotted path ("a.b.0.c"). Numeric segments index into lists.
func (s Signal) Get(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	var cur any = map[string]any(s)
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case Signal:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func (s Signal) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	m := make(map[string]any, len(s))
	for k, v := range s {
		m[k] = normalize(v)
	}
	return json.Marshal(m)
}

// normalize rewrites values that have no natural JSON form.
func normalize(v any) any {
	switch x := v.(type) {
	case time.Duration:
		return x.String()
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = normalize(vv)
		}
		return m
	case Signal:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = normalize(vv)
		}
		return m
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = normalize(vv)
		}
		return out
	default:
		return v
	}
}

// Decode parses a JSON object or an array of objects.
func Decode(data []byte) ([]Signal, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrNotObject
	}
	switch data[0] {
	case '{':
		var s Signal
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode signal: %w", err)
		}
		return []Signal{s}, nil
	case '[':
		var out []Signal
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode signals: %w", err)
		}
		for i, s := range out {
			if s == nil {
				return nil, fmt.Errorf("signal %d: %w", i, ErrNotObject)
			}
		}
		return out, nil
	default:
		return nil, ErrNotObject
	}
}

// CloneAll deep-copies a batch.
func CloneAll(in []Signal) []Signal {
	out := make([]Signal, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}

// Normalize returns v with durations rendered as strings, recursively, so it can be
// JSON encoded with the same shape a Signal would have.
func Normalize(v any) any { return normalize(v) }
