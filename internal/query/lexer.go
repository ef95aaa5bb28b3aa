package query

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokLBracket
	tokRBracket
	tokLParen
	tokRParen
	tokComma
	tokSlash
	tokDot
	tokAt
	tokOp
	tokString
	tokNumber
	tokName
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of query"
	}
	return fmt.Sprintf("%q at %d", t.text, t.pos)
}

// lex splits expr into tokens.
func lex(expr string) ([]token, error) {
	var out []token
	for i := 0; i < len(expr); {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '[':
			out = append(out, token{tokLBracket, "[", i})
			i++
		case c == ']':
			out = append(out, token{tokRBracket, "]", i})
			i++
		case c == '(':
			out = append(out, token{tokLParen, "(", i})
			i++
		case c == ')':
			out = append(out, token{tokRParen, ")", i})
			i++
		case c == ',':
			out = append(out, token{tokComma, ",", i})
			i++
		case c == '/':
			out = append(out, token{tokSlash, "/", i})
			i++
		case c == '@':
			out = append(out, token{tokAt, "@", i})
			i++
		case c == '.' && (i+1 >= len(expr) || !isDigit(expr[i+1])):
			out = append(out, token{tokDot, ".", i})
			i++
		case c == '=':
			out = append(out, token{tokOp, "=", i})
			i++
		case c == '!' || c == '<' || c == '>':
			if i+1 < len(expr) && expr[i+1] == '=' {
				out = append(out, token{tokOp, expr[i : i+2], i})
				i += 2
				continue
			}
			if c == '!' {
				return nil, fmt.Errorf("unexpected %q at %d", c, i)
			}
			out = append(out, token{tokOp, string(c), i})
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(expr[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string at %d", i)
			}
			out = append(out, token{tokString, expr[i+1 : i+1+end], i})
			i += end + 2
		case isDigit(c) || c == '.' || (c == '-' && i+1 < len(expr) && (isDigit(expr[i+1]) || expr[i+1] == '.')):
			j := i + 1
			for j < len(expr) && (isDigit(expr[j]) || expr[j] == '.') {
				j++
			}
			out = append(out, token{tokNumber, expr[i:j], i})
			i = j
		case isNameStart(c):
			j := i + 1
			for j < len(expr) && isNameChar(expr[j]) {
				j++
			}
			out = append(out, token{tokName, expr[i:j], i})
			i = j
		default:
			return nil, fmt.Errorf("unexpected %q at %d", c, i)
		}
	}
	return append(out, token{tokEOF, "", len(expr)}), nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || isDigit(c) || c == '-'
}
