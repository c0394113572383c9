package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"sigwatch/internal/groupby"
	"sigwatch/internal/signal"
	"sigwatch/internal/timeout"
)

// Anchors are stored as {"<go duration>": <signal>} so the files stay readable.
func encodeAnchors(anchors map[time.Duration]signal.Signal) ([]byte, error) {
	m := make(map[string]signal.Signal, len(anchors))
	for d, s := range anchors {
		m[d.String()] = s
	}
	return json.Marshal(m)
}

func decodeAnchors(b []byte) (map[time.Duration]signal.Signal, error) {
	var m map[string]signal.Signal
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode anchors: %w", err)
	}
	out := make(map[time.Duration]signal.Signal, len(m))
	for k, s := range m {
		d, err := time.ParseDuration(k)
		if err != nil {
			return nil, fmt.Errorf("decode anchors: interval %q: %w", k, err)
		}
		if s == nil {
			s = signal.Signal{}
		}
		out[d] = s
	}
	return out, nil
}

// keyFromID rebuilds a group key from its canonical JSON ID.
func keyFromID(id string) (groupby.Key, error) {
	if id == "" || id == groupby.Implicit.ID {
		return groupby.Implicit, nil
	}
	var v any
	if err := json.Unmarshal([]byte(id), &v); err != nil {
		return groupby.Key{}, fmt.Errorf("decode group key %q: %w", id, err)
	}
	return groupby.Key{ID: id, Value: v}, nil
}

// putGroup adds a decoded row to reg.
func putGroup(reg timeout.Registry, keyID string, raw []byte) error {
	key, err := keyFromID(keyID)
	if err != nil {
		return err
	}
	anchors, err := decodeAnchors(raw)
	if err != nil {
		return fmt.Errorf("group %s: %w", keyID, err)
	}
	if len(anchors) == 0 {
		return nil
	}
	reg[key.ID] = timeout.RegistryGroup{Key: key, Anchors: anchors}
	return nil
}
