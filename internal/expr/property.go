// Package expr compiles block configuration values. A value is either a literal or a
// template string whose {{ ... }} segments hold a small expression language evaluated
// against a signal:
//
//	{{ $flavor == 'banana' and $size == 'S' }}
//	{{ seconds($interval) }}
//	Hello {{ $user.name }}!
//
// A template that is exactly one segment evaluates to the typed result; anything else
// interpolates to a string.
package expr

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"sigwatch/internal/signal"
)

var (
	ErrSyntax  = errors.New("expr: syntax error")
	ErrEval    = errors.New("expr: evaluation error")
	ErrType    = errors.New("expr: type error")
	ErrMissing = errors.New("expr: missing attribute")
)

type segment struct {
	text string
	n    node // nil for plain text
}

type Property struct {
	raw     any
	literal any
	isConst bool
	single  node
	segs    []segment
}

// Compile builds a Property from a raw configuration value (typically decoded JSON).
// Non-string values are literals.
func Compile(raw any) (*Property, error) {
	s, ok := raw.(string)
	if !ok || !strings.Contains(s, "{{") {
		return &Property{raw: raw, literal: raw, isConst: true}, nil
	}
	segs, err := splitTemplate(s)
	if err != nil {
		return nil, err
	}
	p := &Property{raw: raw, segs: segs}
	if len(segs) == 1 && segs[0].n != nil {
		p.single = segs[0].n
	}
	return p, nil
}

// MustCompile is Compile for values known at build time.
func MustCompile(raw any) *Property {
	p, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func splitTemplate(s string) ([]segment, error) {
	var segs []segment
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			break
		}
		end := strings.Index(rest[open+2:], "}}")
		if end < 0 {
			return nil, fmt.Errorf("%w: unclosed {{ in %q", ErrSyntax, s)
		}
		if open > 0 {
			segs = append(segs, segment{text: rest[:open]})
		}
		src := rest[open+2 : open+2+end]
		n, err := parseExpr(src)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", strings.TrimSpace(src), err)
		}
		segs = append(segs, segment{text: src, n: n})
		rest = rest[open+2+end+2:]
	}
	if rest != "" {
		segs = append(segs, segment{text: rest})
	}
	// Surrounding whitespace does not turn a single expression into text.
	if len(segs) > 1 {
		var exprs []segment
		for _, sg := range segs {
			if sg.n != nil || strings.TrimSpace(sg.text) != "" {
				exprs = append(exprs, sg)
			}
		}
		if len(exprs) == 1 && exprs[0].n != nil {
			return exprs, nil
		}
	}
	return segs, nil
}

func (p *Property) Raw() any { return p.raw }

// IsConst reports whether the property never looks at the signal.
func (p *Property) IsConst() bool { return p.isConst }

func (p *Property) Eval(s signal.Signal) (any, error) {
	if p == nil {
		return nil, nil
	}
	if p.isConst {
		return p.literal, nil
	}
	if p.single != nil {
		return p.single.eval(s)
	}
	var b strings.Builder
	for _, sg := range p.segs {
		if sg.n == nil {
			b.WriteString(sg.text)
			continue
		}
		v, err := sg.n.eval(s)
		if err != nil {
			return nil, err
		}
		b.WriteString(Stringify(v))
	}
	return b.String(), nil
}

func (p *Property) Bool(s signal.Signal) (bool, error) {
	v, err := p.Eval(s)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

func (p *Property) Duration(s signal.Signal) (time.Duration, error) {
	v, err := p.Eval(s)
	if err != nil {
		return 0, err
	}
	return ToDuration(v)
}

func (p *Property) String(s signal.Signal) (string, error) {
	v, err := p.Eval(s)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}
