package expr

import (
	"fmt"
	"strconv"

	"sigwatch/internal/signal"
)

type node interface {
	eval(s signal.Signal) (any, error)
}

type (
	litNode struct{ v any }
	refNode struct{ path string }
	notNode struct{ x node }
	negNode struct{ x node }
	binNode struct {
		op   string
		l, r node
	}
	callNode struct {
		name string
		fn   builtin
		args []node
	}
)

type parser struct {
	toks []token
	pos  int
}

func parseExpr(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.or()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, t.text, t.pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

// keyword reports whether the next token is the operator or word kw.
func (p *parser) keyword(kw string) bool {
	t := p.peek()
	return (t.kind == tokOp || t.kind == tokIdent) && t.text == kw
}

func (p *parser) or() (node, error) {
	l, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.keyword("or") {
		p.next()
		r, err := p.and()
		if err != nil {
			return nil, err
		}
		l = &binNode{op: "or", l: l, r: r}
	}
	return l, nil
}

func (p *parser) and() (node, error) {
	l, err := p.not()
	if err != nil {
		return nil, err
	}
	for p.keyword("and") {
		p.next()
		r, err := p.not()
		if err != nil {
			return nil, err
		}
		l = &binNode{op: "and", l: l, r: r}
	}
	return l, nil
}

func (p *parser) not() (node, error) {
	if p.keyword("not") {
		p.next()
		x, err := p.not()
		if err != nil {
			return nil, err
		}
		return &notNode{x: x}, nil
	}
	return p.cmp()
}

func (p *parser) cmp() (node, error) {
	l, err := p.add()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind == tokOp {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.next()
			r, err := p.add()
			if err != nil {
				return nil, err
			}
			return &binNode{op: t.text, l: l, r: r}, nil
		}
	}
	return l, nil
}

func (p *parser) add() (node, error) {
	l, err := p.mul()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t.kind == tokOp && (t.text == "+" || t.text == "-"); t = p.peek() {
		p.next()
		r, err := p.mul()
		if err != nil {
			return nil, err
		}
		l = &binNode{op: t.text, l: l, r: r}
	}
	return l, nil
}

func (p *parser) mul() (node, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t.kind == tokOp && (t.text == "*" || t.text == "/" || t.text == "%"); t = p.peek() {
		p.next()
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		l = &binNode{op: t.text, l: l, r: r}
	}
	return l, nil
}

func (p *parser) unary() (node, error) {
	if t := p.peek(); t.kind == tokOp && t.text == "-" {
		p.next()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &negNode{x: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q at %d", ErrSyntax, t.text, t.pos)
		}
		return &litNode{v: f}, nil
	case tokString:
		return &litNode{v: t.text}, nil
	case tokRef:
		return &refNode{path: t.text}, nil
	case tokLParen:
		n, err := p.or()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, fmt.Errorf("%w: expected ) at %d", ErrSyntax, c.pos)
		}
		return n, nil
	case tokIdent:
		switch t.text {
		case "true", "True":
			return &litNode{v: true}, nil
		case "false", "False":
			return &litNode{v: false}, nil
		case "null", "nil", "None":
			return &litNode{v: nil}, nil
		}
		if p.peek().kind != tokLParen {
			return nil, fmt.Errorf("%w: unknown identifier %q at %d", ErrSyntax, t.text, t.pos)
		}
		return p.call(t)
	}
	if t.kind == tokEOF {
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
	}
	return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, t.text, t.pos)
}

func (p *parser) call(name token) (node, error) {
	fn, ok := builtins[name.text]
	if !ok {
		return nil, fmt.Errorf("%w: unknown function %q at %d", ErrSyntax, name.text, name.pos)
	}
	p.next() // (
	var args []node
	if p.peek().kind == tokRParen {
		p.next()
	} else {
		for {
			a, err := p.or()
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			t := p.next()
			if t.kind == tokRParen {
				break
			}
			if t.kind != tokComma {
				return nil, fmt.Errorf("%w: expected , or ) at %d", ErrSyntax, t.pos)
			}
		}
	}
	if fn.arity >= 0 && len(args) != fn.arity {
		return nil, fmt.Errorf("%w: %s takes %d argument(s), got %d", ErrSyntax, name.text, fn.arity, len(args))
	}
	return &callNode{name: name.text, fn: fn, args: args}, nil
}
