package compiler

import (
	"github.com/chazu/quill/vm"
)

// ---------------------------------------------------------------------------
// Constant folding and dead-branch elimination
// ---------------------------------------------------------------------------

// Fold returns an optimized copy of nodes. Literal-only expressions are
// evaluated, #if branches with literal conditions are resolved, literal output
// becomes text and adjacent text is merged. The input is not modified.
//
// A fold that fails is skipped, so the error is still raised when the
// template runs.
func Fold(nodes []Node) []Node {
	var out []Node
	for _, n := range nodes {
		out = foldNode(out, n)
	}
	return out
}

// foldBody folds a block body, keeping it non-nil so an empty #else or #each
// stays present.
func foldBody(nodes []Node) []Node {
	if nodes == nil {
		return nil
	}
	out := Fold(nodes)
	if out == nil {
		out = []Node{}
	}
	return out
}

func appendText(out []Node, span Span, text string) []Node {
	if text == "" {
		return out
	}
	if n := len(out); n > 0 {
		if prev, ok := out[n-1].(*TextNode); ok {
			merged := &TextNode{SpanVal: Span{Start: prev.SpanVal.Start, End: span.End}, Text: prev.Text + text}
			out[n-1] = merged
			return out
		}
	}
	return append(out, &TextNode{SpanVal: span, Text: text})
}

func foldNode(out []Node, node Node) []Node {
	switch n := node.(type) {
	case *TextNode:
		return appendText(out, n.SpanVal, n.Text)

	case *RawNode:
		return appendText(out, n.SpanVal, n.Text)

	case *OutputNode:
		e := FoldExpr(n.Expr)
		if lit, ok := e.(*Literal); ok && !lit.Value.IsHost() {
			return appendText(out, n.SpanVal, vm.FormatScalar(lit.Value))
		}
		return append(out, &OutputNode{SpanVal: n.SpanVal, Expr: e})

	case *IfNode:
		return foldIf(out, n)

	case *LoopNode:
		loop := &LoopNode{
			SpanVal:   n.SpanVal,
			Start:     FoldExpr(n.Start),
			End:       FoldExpr(n.End),
			Var:       n.Var,
			Body:      foldBody(n.Body),
			Separator: foldBody(n.Separator),
		}
		if n.Step != nil {
			loop.Step = FoldExpr(n.Step)
		}
		return append(out, loop)

	case *ForEachNode:
		return append(out, &ForEachNode{
			SpanVal:    n.SpanVal,
			Var:        n.Var,
			Collection: FoldExpr(n.Collection),
			Body:       foldBody(n.Body),
			Separator:  foldBody(n.Separator),
		})

	case *SetNode:
		return append(out, &SetNode{SpanVal: n.SpanVal, Target: foldTarget(n.Target), Value: FoldExpr(n.Value)})

	case *IncludeNode:
		return append(out, &IncludeNode{SpanVal: n.SpanVal, Path: FoldExpr(n.Path), Parse: n.Parse})

	case *PragmaNode:
		return out
	}
	return append(out, node)
}

// foldIf drops branches whose condition is a falsy literal and cuts the chain
// at the first truthy literal. When no dynamic branch is left before it, the
// selected body is spliced in place.
func foldIf(out []Node, n *IfNode) []Node {
	var kept []IfBranch
	var elseBody []Node
	resolved := false
	for _, br := range n.Branches {
		cond := FoldExpr(br.Cond)
		if lit, ok := cond.(*Literal); ok {
			if !lit.Value.Truthy() {
				continue
			}
			elseBody = foldBody(br.Body)
			resolved = true
			break
		}
		kept = append(kept, IfBranch{Cond: cond, Body: foldBody(br.Body)})
	}
	if !resolved {
		elseBody = foldBody(n.Else)
	}

	if len(kept) == 0 {
		for _, node := range elseBody {
			out = foldNode(out, node)
		}
		return out
	}
	return append(out, &IfNode{SpanVal: n.SpanVal, Branches: kept, Else: elseBody})
}

func foldTarget(e Expr) Expr {
	switch t := e.(type) {
	case *PropertyExpr:
		return &PropertyExpr{SpanVal: t.SpanVal, Receiver: FoldExpr(t.Receiver), Name: t.Name}
	case *IndexExpr:
		return &IndexExpr{SpanVal: t.SpanVal, Receiver: FoldExpr(t.Receiver), Args: foldExprs(t.Args)}
	}
	return e
}

func foldExprs(exprs []Expr) []Expr {
	if exprs == nil {
		return nil
	}
	out := make([]Expr, len(exprs))
	for i, e := range exprs {
		out[i] = FoldExpr(e)
	}
	return out
}

func literalOf(e Expr) (vm.Value, bool) {
	if lit, ok := e.(*Literal); ok {
		return lit.Value, true
	}
	return vm.Null, false
}

// FoldExpr returns e with every closed literal sub-expression evaluated.
func FoldExpr(expr Expr) Expr {
	switch e := expr.(type) {
	case *UnaryExpr:
		operand := FoldExpr(e.Operand)
		if v, ok := literalOf(operand); ok {
			if e.Op == UnaryNot {
				return &Literal{SpanVal: e.SpanVal, Value: vm.Not(v)}
			}
			if r, err := vm.Negate(v); err == nil {
				return &Literal{SpanVal: e.SpanVal, Value: r}
			}
		}
		return &UnaryExpr{SpanVal: e.SpanVal, Op: e.Op, Operand: operand}

	case *BinaryExpr:
		left, right := FoldExpr(e.Left), FoldExpr(e.Right)
		a, okA := literalOf(left)
		b, okB := literalOf(right)
		if okA && okB {
			if r, err := vm.Binary(e.Op, a, b, nil); err == nil {
				return &Literal{SpanVal: e.SpanVal, Value: r}
			}
		}
		return &BinaryExpr{SpanVal: e.SpanVal, Op: e.Op, Left: left, Right: right}

	case *LogicalExpr:
		left, right := FoldExpr(e.Left), FoldExpr(e.Right)
		if a, ok := literalOf(left); ok {
			if a.Truthy() != e.And {
				// false && x, true || x
				return &Literal{SpanVal: e.SpanVal, Value: vm.FromBool(!e.And)}
			}
			if b, ok := literalOf(right); ok {
				return &Literal{SpanVal: e.SpanVal, Value: vm.FromBool(b.Truthy())}
			}
		}
		return &LogicalExpr{SpanVal: e.SpanVal, And: e.And, Left: left, Right: right}

	case *GroupExpr:
		inner := FoldExpr(e.Inner)
		if lit, ok := inner.(*Literal); ok {
			return &Literal{SpanVal: e.SpanVal, Value: lit.Value}
		}
		return &GroupExpr{SpanVal: e.SpanVal, Inner: inner}

	case *InterpString:
		nodes := Fold(e.Nodes)
		switch {
		case len(nodes) == 0:
			return &Literal{SpanVal: e.SpanVal, Value: vm.FromString("")}
		case len(nodes) == 1:
			if t, ok := nodes[0].(*TextNode); ok {
				return &Literal{SpanVal: e.SpanVal, Value: vm.FromString(t.Text)}
			}
		}
		return &InterpString{SpanVal: e.SpanVal, Nodes: nodes}

	case *PropertyExpr:
		return &PropertyExpr{SpanVal: e.SpanVal, Receiver: FoldExpr(e.Receiver), Name: e.Name}

	case *IndexExpr:
		return &IndexExpr{SpanVal: e.SpanVal, Receiver: FoldExpr(e.Receiver), Args: foldExprs(e.Args)}

	case *MethodCall:
		return &MethodCall{SpanVal: e.SpanVal, Receiver: FoldExpr(e.Receiver), Name: e.Name, Args: foldExprs(e.Args)}

	case *CallExpr:
		return &CallExpr{SpanVal: e.SpanVal, Callee: FoldExpr(e.Callee), Args: foldExprs(e.Args)}
	}
	return expr
}
