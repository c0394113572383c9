package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"sigwatch/internal/signal"
)

type builtin struct {
	arity int // -1 = variadic
	fn    func(args []any) (any, error)
}

var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"seconds": {1, func(a []any) (any, error) {
			f, err := toFloat(a[0])
			if err != nil {
				return nil, err
			}
			return time.Duration(f * float64(time.Second)), nil
		}},
		"milliseconds": {1, func(a []any) (any, error) {
			f, err := toFloat(a[0])
			if err != nil {
				return nil, err
			}
			return time.Duration(f * float64(time.Millisecond)), nil
		}},
		"duration": {1, func(a []any) (any, error) { return ToDuration(a[0]) }},
		"str":      {1, func(a []any) (any, error) { return Stringify(a[0]), nil }},
		"lower":    {1, func(a []any) (any, error) { return strings.ToLower(Stringify(a[0])), nil }},
		"upper":    {1, func(a []any) (any, error) { return strings.ToUpper(Stringify(a[0])), nil }},
		"len": {1, func(a []any) (any, error) {
			switch x := a[0].(type) {
			case string:
				return float64(len([]rune(x))), nil
			case []any:
				return float64(len(x)), nil
			case map[string]any:
				return float64(len(x)), nil
			}
			return nil, fmt.Errorf("%w: len of %T", ErrType, a[0])
		}},
	}
}

func (n *litNode) eval(signal.Signal) (any, error) { return n.v, nil }

func (n *refNode) eval(s signal.Signal) (any, error) {
	if n.path == "" {
		return map[string]any(s), nil
	}
	v, ok := s.Get(n.path)
	if !ok {
		return nil, fmt.Errorf("%w: $%s", ErrMissing, n.path)
	}
	return v, nil
}

func (n *notNode) eval(s signal.Signal) (any, error) {
	v, err := n.x.eval(s)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

func (n *negNode) eval(s signal.Signal) (any, error) {
	v, err := n.x.eval(s)
	if err != nil {
		return nil, err
	}
	if d, ok := v.(time.Duration); ok {
		return -d, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return nil, err
	}
	return -f, nil
}

func (n *callNode) eval(s signal.Signal) (any, error) {
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(s)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	v, err := n.fn.fn(args)
	if err != nil {
		return nil, fmt.Errorf("%s(): %w", n.name, err)
	}
	return v, nil
}

func (n *binNode) eval(s signal.Signal) (any, error) {
	l, err := n.l.eval(s)
	if err != nil {
		return nil, err
	}
	// short circuit, returning operands like the original templating did
	switch n.op {
	case "and":
		if !Truthy(l) {
			return l, nil
		}
		return n.r.eval(s)
	case "or":
		if Truthy(l) {
			return l, nil
		}
		return n.r.eval(s)
	}
	r, err := n.r.eval(s)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	case "<", "<=", ">", ">=":
		c, err := compare(l, r)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	}
	return arith(n.op, l, r)
}

func arith(op string, l, r any) (any, error) {
	if op == "+" {
		if ls, ok := l.(string); ok {
			if rs, ok := r.(string); ok {
				return ls + rs, nil
			}
		}
	}
	ld, lIsDur := l.(time.Duration)
	rd, rIsDur := r.(time.Duration)
	switch {
	case lIsDur && rIsDur:
		switch op {
		case "+":
			return ld + rd, nil
		case "-":
			return ld - rd, nil
		case "/":
			if rd == 0 {
				return nil, fmt.Errorf("%w: division by zero", ErrEval)
			}
			return float64(ld) / float64(rd), nil
		}
		return nil, fmt.Errorf("%w: %s on durations", ErrType, op)
	case lIsDur || rIsDur:
		d, other := ld, r
		if rIsDur {
			d, other = rd, l
		}
		f, err := toFloat(other)
		if err != nil {
			return nil, err
		}
		switch {
		case op == "*":
			return time.Duration(float64(d) * f), nil
		case op == "/" && lIsDur:
			if f == 0 {
				return nil, fmt.Errorf("%w: division by zero", ErrEval)
			}
			return time.Duration(float64(d) / f), nil
		}
		return nil, fmt.Errorf("%w: %s between duration and number", ErrType, op)
	}

	lf, err := toFloat(l)
	if err != nil {
		return nil, err
	}
	rf, err := toFloat(r)
	if err != nil {
		return nil, err
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("%w: division by zero", ErrEval)
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("%w: division by zero", ErrEval)
		}
		return math.Mod(lf, rf), nil
	}
	return nil, fmt.Errorf("%w: unknown operator %q", ErrEval, op)
}

func equal(l, r any) bool {
	if lf, err := toFloat(l); err == nil && isNumber(l) {
		if rf, err := toFloat(r); err == nil && isNumber(r) {
			return lf == rf
		}
	}
	return reflect.DeepEqual(l, r)
}

func compare(l, r any) (int, error) {
	switch lv := l.(type) {
	case string:
		if rv, ok := r.(string); ok {
			return strings.Compare(lv, rv), nil
		}
	case time.Duration:
		if rv, ok := r.(time.Duration); ok {
			return cmpOrdered(lv, rv), nil
		}
	}
	if isNumber(l) && isNumber(r) {
		lf, _ := toFloat(l)
		rf, _ := toFloat(r)
		return cmpOrdered(lf, rf), nil
	}
	return 0, fmt.Errorf("%w: cannot compare %T with %T", ErrType, l, r)
}

func cmpOrdered[T ~int64 | ~float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return true
	}
	return false
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", ErrType, x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: %T is not a number", ErrType, v)
}

// Truthy follows the usual dynamic-language rules: nil, false, 0, "" and empty containers are false.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case time.Duration:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	case signal.Signal:
		return len(x) > 0
	}
	if isNumber(v) {
		f, _ := toFloat(v)
		return f != 0
	}
	return true
}

var durationUnits = map[string]time.Duration{
	"weeks":        7 * 24 * time.Hour,
	"days":         24 * time.Hour,
	"hours":        time.Hour,
	"minutes":      time.Minute,
	"seconds":      time.Second,
	"milliseconds": time.Millisecond,
	"microseconds": time.Microsecond,
}

// ToDuration accepts a time.Duration, a number of seconds, a Go duration string
// ("1m30s") or a numeric string of seconds, or an object of unit amounts such as
// {"seconds": 1, "milliseconds": 500}. An empty object is zero.
func ToDuration(v any) (time.Duration, error) {
	switch x := v.(type) {
	case time.Duration:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(f * float64(time.Second)), nil
		}
		return 0, fmt.Errorf("%w: %q is not a duration", ErrType, x)
	case map[string]any:
		var total time.Duration
		for k, raw := range x {
			unit, ok := durationUnits[k]
			if !ok {
				return 0, fmt.Errorf("%w: unknown duration unit %q", ErrType, k)
			}
			f, err := toFloat(raw)
			if err != nil {
				return 0, fmt.Errorf("duration %s: %w", k, err)
			}
			total += time.Duration(f * float64(unit))
		}
		return total, nil
	case nil:
		return 0, fmt.Errorf("%w: null is not a duration", ErrType)
	}
	if isNumber(v) {
		f, _ := toFloat(v)
		return time.Duration(f * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("%w: %T is not a duration", ErrType, v)
}

// Stringify renders a value for interpolation into text.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case string:
		return x
	case bool:
		if x {
			return "True"
		}
		return "False"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Duration:
		return x.String()
	case map[string]any, []any, signal.Signal:
		b, err := json.Marshal(signal.Signal{"v": x})
		if err != nil {
			return fmt.Sprint(x)
		}
		// strip the {"v": ... } wrapper
		return string(b[5 : len(b)-1])
	}
	return fmt.Sprint(v)
}
