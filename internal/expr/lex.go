package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokNumber
	tokString
	tokIdent
	tokRef // $path
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var out []token
	rs := []rune(src)
	i := 0
	for i < len(rs) {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			out = append(out, token{tokLParen, "(", i})
			i++
		case r == ')':
			out = append(out, token{tokRParen, ")", i})
			i++
		case r == ',':
			out = append(out, token{tokComma, ",", i})
			i++
		case r == '$':
			start := i
			i++
			for i < len(rs) && isPathRune(rs[i]) {
				i++
			}
			out = append(out, token{tokRef, string(rs[start+1 : i]), start})
		case r == '\'' || r == '"':
			s, n, err := lexString(rs[i:])
			if err != nil {
				return nil, fmt.Errorf("%w at %d: %v", ErrSyntax, i, err)
			}
			out = append(out, token{tokString, s, i})
			i += n
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			start := i
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.' || rs[i] == 'e' || rs[i] == 'E' ||
				((rs[i] == '+' || rs[i] == '-') && (rs[i-1] == 'e' || rs[i-1] == 'E'))) {
				i++
			}
			out = append(out, token{tokNumber, string(rs[start:i]), start})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(rs) && (unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i]) || rs[i] == '_') {
				i++
			}
			out = append(out, token{tokIdent, string(rs[start:i]), start})
		default:
			op := ""
			if i+1 < len(rs) {
				switch two := string(rs[i : i+2]); two {
				case "==", "!=", "<=", ">=", "&&", "||":
					op = two
				}
			}
			if op == "" {
				switch r {
				case '<', '>', '+', '-', '*', '/', '%', '!':
					op = string(r)
				default:
					return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, r, i)
				}
			}
			out = append(out, token{tokOp, normalizeOp(op), i})
			i += len([]rune(op))
		}
	}
	return append(out, token{tokEOF, "", len(rs)}), nil
}

func normalizeOp(op string) string {
	switch op {
	case "&&":
		return "and"
	case "||":
		return "or"
	case "!":
		return "not"
	}
	return op
}

func isPathRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.'
}

// lexString reads a quoted literal starting at rs[0]; returns the value and runes consumed.
func lexString(rs []rune) (string, int, error) {
	quote := rs[0]
	var b strings.Builder
	for i := 1; i < len(rs); i++ {
		switch rs[i] {
		case quote:
			return b.String(), i + 1, nil
		case '\\':
			if i+1 >= len(rs) {
				return "", 0, fmt.Errorf("dangling escape")
			}
			i++
			switch rs[i] {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			default:
				b.WriteRune(rs[i])
			}
		default:
			b.WriteRune(rs[i])
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}
