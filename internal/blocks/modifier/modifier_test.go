package modifier

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigwatch/internal/blocks"
	"sigwatch/internal/expr"
	"sigwatch/internal/signal"
)

func run(t *testing.T, raw string, in []signal.Signal) ([]signal.Signal, error) {
	t.Helper()
	var got []signal.Signal
	b, err := blocks.Build(Type, blocks.Deps{Name: "mod", Emit: func(_ context.Context, s []signal.Signal) error {
		got = append(got, s...)
		return nil
	}}, json.RawMessage(raw))
	require.NoError(t, err)
	err = b.Process(context.Background(), in)
	return got, err
}

func flavor(f string, size any) signal.Signal { return signal.Signal{"flavor": f, "size": size} }

func TestPassThrough(t *testing.T) {
	t.Parallel()
	in := []signal.Signal{flavor("banana", nil)}
	got, err := run(t, `{}`, in)
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestAddFieldDoesNotMutateInput(t *testing.T) {
	t.Parallel()
	in := []signal.Signal{flavor("banana", nil)}
	got, err := run(t, `{"fields":[{"title":"greeting","lookup":[{"formula":"{{True}}","value":"i am a banana!"}]}]}`, in)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "i am a banana!", got[0]["greeting"])
	assert.Equal(t, "banana", got[0]["flavor"])
	assert.NotContains(t, in[0], "greeting")
}

func TestLookupFirstMatchWins(t *testing.T) {
	t.Parallel()
	cfg := `{"fields":[{"title":"greeting","lookup":[
		{"formula":"{{$flavor == 'banana' and $size == 'S'}}","value":"i am a banana!"},
		{"formula":"{{$flavor == 'apple'}}","value":"i am an apple!"},
		{"formula":"{{$flavor == 'banana'}}","value":"i am a banana again!"},
		{"formula":"{{True}}","value":"i am nothing :("}
	]}]}`
	got, err := run(t, cfg, []signal.Signal{
		flavor("banana", "S"), flavor("banana", "M"), flavor("banana", nil), flavor("apple", "S"), flavor("coffee", "S"),
	})
	require.NoError(t, err)
	want := []string{"i am a banana!", "i am a banana again!", "i am a banana again!", "i am an apple!", "i am nothing :("}
	for i, w := range want {
		assert.Equal(t, w, got[i]["greeting"], "signal %d", i)
	}
}

func TestNoMatchSetsNull(t *testing.T) {
	t.Parallel()
	got, err := run(t, `{"fields":[{"title":"x","lookup":[{"formula":"{{ False }}","value":1}]}]}`, []signal.Signal{{}})
	require.NoError(t, err)
	v, ok := got[0]["x"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestTypedValue(t *testing.T) {
	t.Parallel()
	got, err := run(t, `{"fields":[{"title":"double","lookup":[{"value":"{{ $n * 2 }}"}]}]}`, []signal.Signal{{"n": 21.0}})
	require.NoError(t, err)
	assert.Equal(t, 42.0, got[0]["double"])
}

func TestExclude(t *testing.T) {
	t.Parallel()
	got, err := run(t, `{"exclude":true,"fields":[{"title":"greeting","lookup":[{"formula":"{{True}}","value":"i am a banana!"}]}]}`,
		[]signal.Signal{flavor("banana", nil)})
	require.NoError(t, err)
	assert.Equal(t, []signal.Signal{{"greeting": "i am a banana!"}}, got)
}

func TestEvaluationErrorFailsBatch(t *testing.T) {
	t.Parallel()
	got, err := run(t, `{"exclude":true,"fields":[{"title":"greeting","lookup":[{"formula":"{{ $val }}","value":"x"}]}]}`,
		[]signal.Signal{{"flavor": "you won't see me"}})
	assert.ErrorIs(t, err, expr.ErrMissing)
	assert.Empty(t, got)
}

func TestCompileErrors(t *testing.T) {
	t.Parallel()
	_, err := blocks.Build(Type, blocks.Deps{Name: "m"}, json.RawMessage(`{"fields":[{"title":"g","lookup":[{"formula":"{{$flavor == {this is bad} }}","value":"x"}]}]}`))
	assert.ErrorIs(t, err, expr.ErrSyntax)

	_, err = blocks.Build(Type, blocks.Deps{Name: "m"}, json.RawMessage(`{"fields":[{"lookup":[]}]}`))
	assert.ErrorContains(t, err, "title is required")
}
