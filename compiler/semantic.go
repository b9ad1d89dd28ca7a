package compiler

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Semantic Analyzer: template facts for tooling
// ---------------------------------------------------------------------------

// Note is an advisory finding. Notes never affect rendering.
type Note struct {
	Span    Span
	Message string
}

// Analysis summarizes the names a template uses.
type Analysis struct {
	Variables []string // every $name read or written, sorted
	Assigned  []string // names bound by #set or loop headers, sorted
	Macros    []string // @name expansions, sorted
	Resources []string // literal #parse and #include paths, in source order
	Notes     []Note
}

// SemanticAnalyzer collects an Analysis from a template AST.
type SemanticAnalyzer struct {
	vars      map[string]bool
	assigned  map[string]bool
	macros    map[string]bool
	resources []string
	notes     []Note

	loopVars []string // loop variables of the enclosing loops
}

// NewSemanticAnalyzer creates a new semantic analyzer.
func NewSemanticAnalyzer() *SemanticAnalyzer {
	return &SemanticAnalyzer{
		vars:     make(map[string]bool),
		assigned: make(map[string]bool),
		macros:   make(map[string]bool),
	}
}

// Analyze walks tpl and returns what it found.
func Analyze(tpl *Template) *Analysis {
	s := NewSemanticAnalyzer()
	if tpl != nil {
		s.analyzeNodes(tpl.Nodes)
	}
	return s.Result()
}

// Result returns the accumulated analysis.
func (s *SemanticAnalyzer) Result() *Analysis {
	return &Analysis{
		Variables: sortedKeys(s.vars),
		Assigned:  sortedKeys(s.assigned),
		Macros:    sortedKeys(s.macros),
		Resources: s.resources,
		Notes:     s.notes,
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *SemanticAnalyzer) noteAt(span Span, format string, args ...any) {
	s.notes = append(s.notes, Note{Span: span, Message: fmt.Sprintf(format, args...)})
}

func (s *SemanticAnalyzer) analyzeNodes(nodes []Node) {
	for _, n := range nodes {
		s.analyzeNode(n)
	}
}

func (s *SemanticAnalyzer) analyzeNode(node Node) {
	switch n := node.(type) {
	case *OutputNode:
		s.analyzeExpr(n.Expr)

	case *IfNode:
		for i, br := range n.Branches {
			s.analyzeExpr(br.Cond)
			if lit, ok := br.Cond.(*Literal); ok {
				s.noteAt(br.Cond.Span(), "condition is always %t", lit.Value.Truthy())
				if lit.Value.Truthy() && (i < len(n.Branches)-1 || n.Else != nil) {
					s.noteAt(n.SpanVal, "branches after an always-true condition are unreachable")
				}
			}
			s.analyzeNodes(br.Body)
		}
		s.analyzeNodes(n.Else)

	case *LoopNode:
		s.analyzeExpr(n.Start)
		s.analyzeExpr(n.End)
		if n.Step != nil {
			s.analyzeExpr(n.Step)
			if lit, ok := n.Step.(*Literal); ok && lit.Value.IsNumber() && !lit.Value.Truthy() {
				s.noteAt(n.Step.Span(), "loop step is zero")
			}
		}
		s.analyzeLoopBody(n.SpanVal, n.Var, n.Body, n.Separator)

	case *ForEachNode:
		s.analyzeExpr(n.Collection)
		s.analyzeLoopBody(n.SpanVal, n.Var, n.Body, n.Separator)

	case *SetNode:
		s.analyzeExpr(n.Value)
		if v, ok := n.Target.(*VariableRef); ok {
			s.vars[v.Name] = true
			s.assigned[v.Name] = true
			s.checkLoopAssignment(n.SpanVal, v.Name)
			return
		}
		s.analyzeExpr(n.Target)

	case *IncludeNode:
		s.analyzeExpr(n.Path)
		if lit, ok := n.Path.(*Literal); ok && lit.Value.IsString() {
			s.resources = append(s.resources, lit.Value.Str())
		}

	case *MacroNode:
		s.macros[n.Name] = true
	}
}

func (s *SemanticAnalyzer) analyzeLoopBody(span Span, name string, body, sep []Node) {
	if name != "" {
		for _, outer := range s.loopVars {
			if outer == name {
				s.noteAt(span, "loop variable $%s shadows an enclosing loop variable", name)
				break
			}
		}
		s.vars[name] = true
		s.assigned[name] = true
		s.loopVars = append(s.loopVars, name)
		defer func() { s.loopVars = s.loopVars[:len(s.loopVars)-1] }()
	}
	s.analyzeNodes(body)
	s.analyzeNodes(sep)
}

// checkLoopAssignment flags #set of a loop variable; the binding is dropped
// when the iteration ends.
func (s *SemanticAnalyzer) checkLoopAssignment(span Span, name string) {
	for _, v := range s.loopVars {
		if v == name {
			s.noteAt(span, "assignment to loop variable $%s lasts for one iteration", name)
			return
		}
	}
}

func (s *SemanticAnalyzer) analyzeExprs(exprs []Expr) {
	for _, e := range exprs {
		s.analyzeExpr(e)
	}
}

func (s *SemanticAnalyzer) analyzeExpr(expr Expr) {
	switch e := expr.(type) {
	case *VariableRef:
		s.vars[e.Name] = true
	case *PropertyExpr:
		s.analyzeExpr(e.Receiver)
	case *IndexExpr:
		s.analyzeExpr(e.Receiver)
		s.analyzeExprs(e.Args)
	case *MethodCall:
		s.analyzeExpr(e.Receiver)
		s.analyzeExprs(e.Args)
	case *CallExpr:
		s.analyzeExpr(e.Callee)
		s.analyzeExprs(e.Args)
	case *UnaryExpr:
		s.analyzeExpr(e.Operand)
	case *BinaryExpr:
		s.analyzeExpr(e.Left)
		s.analyzeExpr(e.Right)
	case *LogicalExpr:
		s.analyzeExpr(e.Left)
		s.analyzeExpr(e.Right)
	case *GroupExpr:
		s.analyzeExpr(e.Inner)
	case *InterpString:
		s.analyzeNodes(e.Nodes)
	}
}
