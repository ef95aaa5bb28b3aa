// Package query evaluates XPath-style predicates over JSON documents.
//
// A query selects documents of a collection:
//
//	/.                          every document
//	/.[id='01']                 documents whose id is "01"
//	/.[id>'03' and not(deleted)]
//	/.[address/city='Paris' or contains(tags, 'x')]
//
// The leading "/." is optional and several bracketed predicates are combined
// with "and". Relational operators compare numerically when both sides are
// numeric and lexicographically otherwise. A path resolving to an array
// matches when any of its elements does. Missing fields never match a
// comparison.
package query

import (
	"fmt"
	"iter"
	"strconv"
)

// Expr is a compiled query.
type Expr struct {
	src   string
	preds []boolExpr
}

// Compile parses expr.
func Compile(expr string) (*Expr, error) {
	toks, err := lex(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse query %q: %w", expr, err)
	}
	p := parser{toks: toks}
	preds, err := p.parseQuery()
	if err != nil {
		return nil, fmt.Errorf("failed to parse query %q: %w", expr, err)
	}
	return &Expr{src: expr, preds: preds}, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(expr string) *Expr {
	e, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Expr) String() string {
	return e.src
}

// Match reports whether doc satisfies every predicate.
func (e *Expr) Match(doc map[string]any) bool {
	for _, p := range e.preds {
		if !p.eval(doc) {
			return false
		}
	}
	return true
}

// Evaluate compiles expr and returns the documents of docs matching it. The
// result is lazy and yields in input order.
func Evaluate(expr string, docs iter.Seq[map[string]any]) (iter.Seq[map[string]any], error) {
	e, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	return func(yield func(map[string]any) bool) {
		for doc := range docs {
			if e.Match(doc) && !yield(doc) {
				return
			}
		}
	}, nil
}

// XPath compiles queries with this package. It satisfies the evaluator
// interface of the document store.
type XPath struct{}

// Compile returns the predicate of expr.
func (XPath) Compile(expr string) (func(map[string]any) bool, error) {
	e, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	return e.Match, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) peekAt(n int) token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(k tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != k {
		return t, fmt.Errorf("expected %s, got %s", what, t)
	}
	return t, nil
}

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return t.kind == tokName && t.text == word
}

// parseQuery parses: ['/'] ['.'] ('[' or ']')* EOF
func (p *parser) parseQuery() ([]boolExpr, error) {
	if p.peek().kind == tokSlash {
		p.next()
	}
	if p.peek().kind == tokDot {
		p.next()
	}
	var preds []boolExpr
	for p.peek().kind == tokLBracket {
		p.next()
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRBracket, "']'"); err != nil {
			return nil, err
		}
		preds = append(preds, e)
	}
	if _, err := p.expect(tokEOF, "'[' or end of query"); err != nil {
		return nil, err
	}
	return preds, nil
}

func (p *parser) parseOr() (boolExpr, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = orNode{l, r}
	}
	return l, nil
}

func (p *parser) parseAnd() (boolExpr, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		p.next()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = andNode{l, r}
	}
	return l, nil
}

func (p *parser) parseUnary() (boolExpr, error) {
	if p.isKeyword("not") && p.peekAt(1).kind == tokLParen {
		p.next()
		p.next()
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return notNode{e}, nil
	}
	if p.peek().kind == tokLParen {
		p.next()
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return e, nil
	}
	l, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokOp {
		return truthNode{l}, nil
	}
	op := p.next().text
	r, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	return cmpNode{op: op, l: l, r: r}, nil
}

func (p *parser) parseValue() (valueExpr, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return literal{t.text}, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %s", t)
		}
		return literal{f}, nil
	case tokAt:
		name, err := p.expect(tokName, "field name")
		if err != nil {
			return nil, err
		}
		return p.parsePath(name.text)
	case tokDot:
		if p.peek().kind != tokSlash {
			return pathNode{}, nil
		}
		p.next()
		name, err := p.expect(tokName, "field name")
		if err != nil {
			return nil, err
		}
		return p.parsePath(name.text)
	case tokName:
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		return p.parsePath(t.text)
	default:
		return nil, fmt.Errorf("expected a value, got %s", t)
	}
}

func (p *parser) parsePath(first string) (valueExpr, error) {
	steps := []string{first}
	for p.peek().kind == tokSlash {
		p.next()
		if p.peek().kind == tokAt {
			p.next()
		}
		name, err := p.expect(tokName, "field name")
		if err != nil {
			return nil, err
		}
		steps = append(steps, name.text)
	}
	return pathNode{steps}, nil
}

func (p *parser) parseCall(name token) (valueExpr, error) {
	p.next()
	var args []valueExpr
	if p.peek().kind != tokRParen {
		for {
			a, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	want := 0
	switch name.text {
	case "true", "false":
	case "contains", "starts-with", "ends-with":
		want = 2
	default:
		return nil, fmt.Errorf("unknown function %s", name)
	}
	if len(args) != want {
		return nil, fmt.Errorf("function %s takes %d arguments, got %d", name.text, want, len(args))
	}
	switch name.text {
	case "true":
		return literal{true}, nil
	case "false":
		return literal{false}, nil
	default:
		return stringFunc{name: name.text, haystack: args[0], needle: args[1]}, nil
	}
}
