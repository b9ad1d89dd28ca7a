package compiler

import (
	"github.com/chazu/quill/diag"
	"github.com/chazu/quill/vm"
)

// ---------------------------------------------------------------------------
// AST: Abstract Syntax Tree for templates
// ---------------------------------------------------------------------------

// Position represents a source location.
type Position struct {
	Offset int // byte offset
	Line   int // 1-based line number
	Column int // 1-based column number
}

// Diag converts the position for use in diagnostics.
func (p Position) Diag() diag.Position {
	return diag.Position{Line: p.Line, Column: p.Column}
}

// Span represents a range in source code.
type Span struct {
	Start Position
	End   Position
}

// Node is the interface implemented by all template-level nodes.
type Node interface {
	Span() Span
	node() // marker method
}

// Expr is the interface for expression nodes.
type Expr interface {
	Span() Span
	expr() // marker method
}

// Template is the root of a parsed template.
type Template struct {
	Name  string
	Nodes []Node
}

// ---------------------------------------------------------------------------
// Template nodes
// ---------------------------------------------------------------------------

// TextNode is literal text. Trim pragmas have already been applied.
type TextNode struct {
	SpanVal Span
	Text    string
}

func (n *TextNode) Span() Span { return n.SpanVal }
func (n *TextNode) node()      {}

// RawNode is the body of a #[ ... ]# block.
type RawNode struct {
	SpanVal Span
	Text    string
}

func (n *RawNode) Span() Span { return n.SpanVal }
func (n *RawNode) node()      {}

// OutputNode writes the formatted value of an expression.
type OutputNode struct {
	SpanVal Span
	Expr    Expr
}

func (n *OutputNode) Span() Span { return n.SpanVal }
func (n *OutputNode) node()      {}

// IfBranch is one #if or #elseif arm.
type IfBranch struct {
	Cond Expr
	Body []Node
}

// IfNode is an #if chain. Else is nil when there is no #else.
type IfNode struct {
	SpanVal  Span
	Branches []IfBranch
	Else     []Node
}

func (n *IfNode) Span() Span { return n.SpanVal }
func (n *IfNode) node()      {}

// LoopNode is an inclusive numeric range loop.
type LoopNode struct {
	SpanVal   Span
	Start     Expr
	End       Expr
	Step      Expr   // nil means 1
	Var       string // empty when the header has no "as"
	Body      []Node
	Separator []Node // #each body, nil when absent
}

func (n *LoopNode) Span() Span { return n.SpanVal }
func (n *LoopNode) node()      {}

// ForEachNode iterates the items of a collection.
type ForEachNode struct {
	SpanVal    Span
	Var        string
	Collection Expr
	Body       []Node
	Separator  []Node
}

func (n *ForEachNode) Span() Span { return n.SpanVal }
func (n *ForEachNode) node()      {}

// SetNode assigns to a variable, property or indexer.
type SetNode struct {
	SpanVal Span
	Target  Expr // *VariableRef, *PropertyExpr or *IndexExpr
	Value   Expr
}

func (n *SetNode) Span() Span { return n.SpanVal }
func (n *SetNode) node()      {}

// IncludeNode is #parse (Parse true) or #include.
type IncludeNode struct {
	SpanVal Span
	Path    Expr
	Parse   bool
}

func (n *IncludeNode) Span() Span { return n.SpanVal }
func (n *IncludeNode) node()      {}

// PragmaNode records a trim/notrim switch. It produces no output.
type PragmaNode struct {
	SpanVal Span
	Trim    bool
}

func (n *PragmaNode) Span() Span { return n.SpanVal }
func (n *PragmaNode) node()      {}

// MacroNode is an @name reference.
type MacroNode struct {
	SpanVal Span
	Name    string
}

func (n *MacroNode) Span() Span { return n.SpanVal }
func (n *MacroNode) node()      {}

// ---------------------------------------------------------------------------
// Expression nodes
// ---------------------------------------------------------------------------

// Literal is a constant value.
type Literal struct {
	SpanVal Span
	Value   vm.Value
}

func (n *Literal) Span() Span { return n.SpanVal }
func (n *Literal) expr()      {}

// VariableRef reads a variable from the environment.
type VariableRef struct {
	SpanVal Span
	Name    string
}

func (n *VariableRef) Span() Span { return n.SpanVal }
func (n *VariableRef) expr()      {}

// PropertyExpr is receiver.name.
type PropertyExpr struct {
	SpanVal  Span
	Receiver Expr
	Name     string
}

func (n *PropertyExpr) Span() Span { return n.SpanVal }
func (n *PropertyExpr) expr()      {}

// IndexExpr is receiver[args].
type IndexExpr struct {
	SpanVal  Span
	Receiver Expr
	Args     []Expr
}

func (n *IndexExpr) Span() Span { return n.SpanVal }
func (n *IndexExpr) expr()      {}

// MethodCall is receiver.name(args).
type MethodCall struct {
	SpanVal  Span
	Receiver Expr
	Name     string
	Args     []Expr
}

func (n *MethodCall) Span() Span { return n.SpanVal }
func (n *MethodCall) expr()      {}

// CallExpr invokes a callable value: callee(args).
type CallExpr struct {
	SpanVal Span
	Callee  Expr
	Args    []Expr
}

func (n *CallExpr) Span() Span { return n.SpanVal }
func (n *CallExpr) expr()      {}

// UnaryOp enumerates prefix operators.
type UnaryOp uint8

const (
	UnaryNeg UnaryOp = iota
	UnaryNot
)

func (op UnaryOp) String() string {
	if op == UnaryNot {
		return "!"
	}
	return "-"
}

// UnaryExpr is a prefix operator application.
type UnaryExpr struct {
	SpanVal Span
	Op      UnaryOp
	Operand Expr
}

func (n *UnaryExpr) Span() Span { return n.SpanVal }
func (n *UnaryExpr) expr()      {}

// BinaryExpr is an arithmetic or comparison operator application.
type BinaryExpr struct {
	SpanVal Span
	Op      vm.BinaryOp
	Left    Expr
	Right   Expr
}

func (n *BinaryExpr) Span() Span { return n.SpanVal }
func (n *BinaryExpr) expr()      {}

// LogicalExpr is a short-circuit && (And true) or ||.
type LogicalExpr struct {
	SpanVal Span
	And     bool
	Left    Expr
	Right   Expr
}

func (n *LogicalExpr) Span() Span { return n.SpanVal }
func (n *LogicalExpr) expr()      {}

// GroupExpr is a parenthesised or $( )/${ } sub-expression.
type GroupExpr struct {
	SpanVal Span
	Inner   Expr
}

func (n *GroupExpr) Span() Span { return n.SpanVal }
func (n *GroupExpr) expr()      {}

// InterpString is a double-quoted string holding template constructs. It
// evaluates to the rendered text of Nodes.
type InterpString struct {
	SpanVal Span
	Nodes   []Node
}

func (n *InterpString) Span() Span { return n.SpanVal }
func (n *InterpString) expr()      {}

// BadExpr stands in for an expression that failed to parse.
type BadExpr struct {
	SpanVal Span
}

func (n *BadExpr) Span() Span { return n.SpanVal }
func (n *BadExpr) expr()      {}
