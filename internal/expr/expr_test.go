package expr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigwatch/internal/signal"
)

func eval(t *testing.T, raw any, s signal.Signal) any {
	t.Helper()
	p, err := Compile(raw)
	require.NoError(t, err)
	v, err := p.Eval(s)
	require.NoError(t, err)
	return v
}

func TestLiteralsAreConst(t *testing.T) {
	t.Parallel()
	p, err := Compile(map[string]any{"milliseconds": 200.0})
	require.NoError(t, err)
	assert.True(t, p.IsConst())
	d, err := p.Duration(nil)
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, d)

	assert.Equal(t, "plain", eval(t, "plain", nil))
}

func TestSingleSegmentIsTyped(t *testing.T) {
	t.Parallel()
	s := signal.Signal{"group": "a", "n": 2.0, "interval": 0.2}
	assert.Equal(t, "a", eval(t, "{{ $group }}", s))
	assert.Equal(t, 5.0, eval(t, "{{$n * 2 + 1}}", s))
	assert.Equal(t, 200*time.Millisecond, eval(t, " {{ seconds($interval) }} ", s))
	assert.Equal(t, true, eval(t, "{{True}}", s))
	assert.Nil(t, eval(t, "{{ None }}", s))
}

func TestInterpolation(t *testing.T) {
	t.Parallel()
	s := signal.Signal{"user": map[string]any{"name": "ann"}, "n": 3.0, "timeout": 2 * time.Second}
	assert.Equal(t, "hi ann (3) after 2s", eval(t, "hi {{ $user.name }} ({{$n}}) after {{$timeout}}", s))
}

func TestBooleanLogic(t *testing.T) {
	t.Parallel()
	formula := "{{$flavor == 'banana' and $size == 'S'}}"
	p, err := Compile(formula)
	require.NoError(t, err)

	ok, err := p.Bool(signal.Signal{"flavor": "banana", "size": "S"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Bool(signal.Signal{"flavor": "banana", "size": nil})
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, true, eval(t, "{{ not ($a > 3) or $a == 10 }}", signal.Signal{"a": 10.0}))
	assert.Equal(t, true, eval(t, `{{ $a != "x" && !false }}`, signal.Signal{"a": "y"}))
}

func TestComparisons(t *testing.T) {
	t.Parallel()
	s := signal.Signal{"d": 3 * time.Second, "n": 1.0}
	assert.Equal(t, true, eval(t, "{{ $d >= seconds(3) }}", s))
	assert.Equal(t, true, eval(t, "{{ 'abc' < 'abd' }}", s))
	assert.Equal(t, true, eval(t, "{{ $n == 1 }}", s))

	p, err := Compile("{{ $n < 'x' }}")
	require.NoError(t, err)
	_, err = p.Eval(s)
	assert.ErrorIs(t, err, ErrType)
}

func TestDurationArithmetic(t *testing.T) {
	t.Parallel()
	s := signal.Signal{}
	assert.Equal(t, 1500*time.Millisecond, eval(t, "{{ seconds(1) + milliseconds(500) }}", s))
	assert.Equal(t, 2*time.Second, eval(t, "{{ seconds(1) * 2 }}", s))
	assert.Equal(t, 90*time.Second, eval(t, "{{ duration('1m30s') }}", s))
}

func TestMissingAttribute(t *testing.T) {
	t.Parallel()
	p, err := Compile("{{ $nope }}")
	require.NoError(t, err)
	_, err = p.Eval(signal.Signal{})
	assert.ErrorIs(t, err, ErrMissing)
}

func TestCompileErrors(t *testing.T) {
	t.Parallel()
	for _, src := range []string{"{{ $a ==  }}", "{{ (1 + 2 }}", "{{ bogus(1) }}", "{{ 1 +", "{{ 'open }}", "{{ seconds(1, 2) }}"} {
		_, err := Compile(src)
		assert.ErrorIs(t, err, ErrSyntax, src)
	}
}

func TestToDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   any
		want time.Duration
	}{
		{in: 0.2, want: 200 * time.Millisecond},
		{in: "250ms", want: 250 * time.Millisecond},
		{in: "1.5", want: 1500 * time.Millisecond},
		{in: map[string]any{"seconds": 1.0, "milliseconds": 500.0}, want: 1500 * time.Millisecond},
		{in: map[string]any{}, want: 0},
		{in: 3 * time.Minute, want: 3 * time.Minute},
	}
	for _, tt := range tests {
		got, err := ToDuration(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
	_, err := ToDuration(map[string]any{"fortnights": 1.0})
	assert.ErrorIs(t, err, ErrType)
	_, err = ToDuration(nil)
	assert.ErrorIs(t, err, ErrType)
}

func TestTruthy(t *testing.T) {
	t.Parallel()
	for _, v := range []any{nil, false, 0.0, "", []any{}, map[string]any{}} {
		assert.False(t, Truthy(v), "%#v", v)
	}
	for _, v := range []any{true, 1.0, "x", []any{1.0}} {
		assert.True(t, Truthy(v), "%#v", v)
	}
}
