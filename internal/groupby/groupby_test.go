package groupby

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigwatch/internal/expr"
	"sigwatch/internal/signal"
	logx "sigwatch/pkg/logx"
)

func TestNewKeyCanonical(t *testing.T) {
	t.Parallel()
	a, err := NewKey(map[string]any{"b": 1.0, "a": "x"})
	require.NoError(t, err)
	b, err := NewKey(map[string]any{"a": "x", "b": 1.0})
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, `{"a":"x","b":1}`, a.ID)

	k, err := NewKey(nil)
	require.NoError(t, err)
	assert.True(t, k.IsImplicit())
}

func TestKeyIDSurvivesJSONRoundTrip(t *testing.T) {
	t.Parallel()
	k, err := NewKey(3.0)
	require.NoError(t, err)

	var back any
	require.NoError(t, json.Unmarshal([]byte(k.ID), &back))
	k2, err := NewKey(back)
	require.NoError(t, err)
	assert.Equal(t, k.ID, k2.ID)
}

func TestPartitionKeepsOrder(t *testing.T) {
	t.Parallel()
	fn := ByProperty(expr.MustCompile("{{ $group }}"))
	in := []signal.Signal{
		{"group": "b", "n": 1.0},
		{"group": "a", "n": 2.0},
		{"group": "b", "n": 3.0},
		{"n": 4.0}, // no group attribute
	}
	groups := Partition(in, fn, logx.Nop())
	require.Len(t, groups, 3)
	assert.Equal(t, "b", groups[0].Key.Value)
	assert.Equal(t, []signal.Signal{in[0], in[2]}, groups[0].Signals)
	assert.Equal(t, "a", groups[1].Key.Value)
	assert.True(t, groups[2].Key.IsImplicit())
}

func TestPartitionWithoutKeyFunc(t *testing.T) {
	t.Parallel()
	in := []signal.Signal{{"a": 1.0}, {"a": 2.0}}
	groups := Partition(in, nil, logx.Nop())
	require.Len(t, groups, 1)
	assert.Equal(t, Implicit, groups[0].Key)
	assert.Nil(t, Partition(nil, nil, logx.Nop()))
}
