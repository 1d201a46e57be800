package filter

import (
	"strconv"

	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("keyspacescdc.filter")

// Context exposes the fields a compiled expression can reference:
// metadata.*, newImage.<col>, oldImage.<col>. Missing fields resolve to
// nil rather than erroring.
type Context struct {
	Metadata map[string]any
	NewImage map[string]any
	OldImage map[string]any
}

// Compiled is a parsed, reusable filter expression. A Compiled value is
// safe for concurrent use by multiple goroutines/shards, since eval only
// reads the immutable node tree and the per-call Context.
type Compiled struct {
	root   node
	source string
}

// Evaluate returns the expression's truthiness against ctx. Evaluation
// errors (e.g. comparing incompatible types) are swallowed and result in
// the record being excluded, matching spec §4.B: "Evaluation errors cause
// the single record to be excluded".
func (c *Compiled) Evaluate(ctx Context) bool {
	defer func() {
		if r := recover(); r != nil {
			logger.Warningf("filter %q: panic during evaluation: %v", c.source, r)
		}
	}()
	v, ok := c.root.eval(ctx)
	if !ok {
		return false
	}
	return truthy(v)
}

// String returns the original expression text.
func (c *Compiled) String() string {
	return c.source
}

func (n *literalNode) eval(ctx Context) (any, bool) {
	return n.value, true
}

func (n *pathNode) eval(ctx Context) (any, bool) {
	if len(n.parts) == 0 {
		return nil, false
	}
	var bag map[string]any
	switch n.parts[0] {
	case "metadata":
		bag = ctx.Metadata
	case "newImage":
		bag = ctx.NewImage
	case "oldImage":
		bag = ctx.OldImage
	default:
		return nil, false
	}
	if len(n.parts) != 2 {
		return nil, false
	}
	v, ok := bag[n.parts[1]]
	if !ok {
		return nil, true
	}
	return v, true
}

func (n *unaryNode) eval(ctx Context) (any, bool) {
	v, ok := n.x.eval(ctx)
	if !ok {
		return nil, false
	}
	switch n.op {
	case "!":
		return !truthy(v), true
	}
	return nil, false
}

func (n *binaryNode) eval(ctx Context) (any, bool) {
	switch n.op {
	case "&&":
		l, ok := n.left.eval(ctx)
		if !ok {
			return nil, false
		}
		if !truthy(l) {
			return false, true
		}
		r, ok := n.right.eval(ctx)
		if !ok {
			return nil, false
		}
		return truthy(r), true
	case "||":
		l, ok := n.left.eval(ctx)
		if !ok {
			return nil, false
		}
		if truthy(l) {
			return true, true
		}
		r, ok := n.right.eval(ctx)
		if !ok {
			return nil, false
		}
		return truthy(r), true
	}

	l, ok := n.left.eval(ctx)
	if !ok {
		return nil, false
	}
	r, ok := n.right.eval(ctx)
	if !ok {
		return nil, false
	}
	switch n.op {
	case "==":
		return equalValues(l, r), true
	case "!=":
		return !equalValues(l, r), true
	case "<", "<=", ">", ">=":
		lf, lok := toFloat(l)
		rf, rok := toFloat(r)
		if !lok || !rok {
			return nil, false
		}
		switch n.op {
		case "<":
			return lf < rf, true
		case "<=":
			return lf <= rf, true
		case ">":
			return lf > rf, true
		case ">=":
			return lf >= rf, true
		}
	}
	return nil, false
}

// truthy implements spec §4.B's coercion: boolean -> itself; numeric ->
// non-zero; string -> parse as boolean; any other non-null -> false (with
// a warning); nil -> false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case float32:
		return t != 0
	case int, int32, int64:
		return toInt64(t) != 0
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false
		}
		return b
	default:
		logger.Warningf("filter: non-boolean, non-numeric, non-string value of type %T treated as false", v)
		return false
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return false
}
