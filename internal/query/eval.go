package query

import (
	"cmp"
	"math"
	"strconv"
	"strings"
)

type boolExpr interface {
	eval(doc map[string]any) bool
}

// valueExpr yields the atoms a value resolves to. Paths yield zero or more
// atoms, literals exactly one.
type valueExpr interface {
	values(doc map[string]any) []any
}

type orNode struct{ l, r boolExpr }

func (n orNode) eval(doc map[string]any) bool {
	return n.l.eval(doc) || n.r.eval(doc)
}

type andNode struct{ l, r boolExpr }

func (n andNode) eval(doc map[string]any) bool {
	return n.l.eval(doc) && n.r.eval(doc)
}

type notNode struct{ e boolExpr }

func (n notNode) eval(doc map[string]any) bool {
	return !n.e.eval(doc)
}

// truthNode is a bare value used as a predicate.
type truthNode struct{ v valueExpr }

func (n truthNode) eval(doc map[string]any) bool {
	for _, v := range n.v.values(doc) {
		if truthy(v) {
			return true
		}
	}
	return false
}

type cmpNode struct {
	op   string
	l, r valueExpr
}

func (n cmpNode) eval(doc map[string]any) bool {
	rs := n.r.values(doc)
	for _, a := range n.l.values(doc) {
		for _, b := range rs {
			if compare(n.op, a, b) {
				return true
			}
		}
	}
	return false
}

type literal struct{ v any }

func (l literal) values(map[string]any) []any {
	return []any{l.v}
}

// pathNode walks nested objects. Arrays met on the way are flattened.
type pathNode struct{ steps []string }

func (p pathNode) values(doc map[string]any) []any {
	cur := []any{doc}
	for _, step := range p.steps {
		var next []any
		for _, v := range flatten(cur) {
			if m, ok := v.(map[string]any); ok {
				if c, ok := m[step]; ok && c != nil {
					next = append(next, c)
				}
			}
		}
		cur = next
	}
	return flatten(cur)
}

func flatten(vs []any) []any {
	var out []any
	for _, v := range vs {
		if arr, ok := v.([]any); ok {
			for _, e := range arr {
				if e != nil {
					out = append(out, e)
				}
			}
			continue
		}
		out = append(out, v)
	}
	return out
}

type stringFunc struct {
	name             string
	haystack, needle valueExpr
}

func (f stringFunc) values(doc map[string]any) []any {
	needles := f.needle.values(doc)
	for _, h := range f.haystack.values(doc) {
		hs, ok := toString(h)
		if !ok {
			continue
		}
		for _, n := range needles {
			ns, ok := toString(n)
			if !ok {
				continue
			}
			var found bool
			switch f.name {
			case "contains":
				found = strings.Contains(hs, ns)
			case "starts-with":
				found = strings.HasPrefix(hs, ns)
			case "ends-with":
				found = strings.HasSuffix(hs, ns)
			}
			if found {
				return []any{true}
			}
		}
	}
	return []any{false}
}

func compare(op string, a, b any) bool {
	switch op {
	case "=":
		return equal(a, b)
	case "!=":
		return !equal(a, b)
	}
	c, ok := order(a, b)
	if !ok {
		return false
	}
	switch op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	default:
		return false
	}
}

func equal(a, b any) bool {
	if x, ok := a.(bool); ok {
		return x == truthy(b)
	}
	if y, ok := b.(bool); ok {
		return truthy(a) == y
	}
	_, an := a.(float64)
	_, bn := b.(float64)
	if an || bn {
		x, okx := toNumber(a)
		y, oky := toNumber(b)
		return okx && oky && x == y
	}
	x, okx := toString(a)
	y, oky := toString(b)
	return okx && oky && x == y
}

// order compares numerically when both sides are numeric, as strings
// otherwise.
func order(a, b any) (int, bool) {
	if x, ok := toNumber(a); ok {
		if y, ok := toNumber(b); ok {
			return cmp.Compare(x, y), true
		}
	}
	x, okx := toString(a)
	y, oky := toString(b)
	if !okx || !oky {
		return 0, false
	}
	return strings.Compare(x, y), true
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func toString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}
