package compiler

import (
	"fmt"

	"github.com/chazu/quill/diag"
	"github.com/chazu/quill/vm"
)

// ---------------------------------------------------------------------------
// Codegen: Compile AST to bytecode
// ---------------------------------------------------------------------------

// Compiler lowers a template AST to an assembly.
type Compiler struct {
	asm   *vm.Assembly
	level vm.OptimizeLevel
	diags diag.List
}

// maxArgs is the largest argument count an instruction can encode.
const maxArgs = 255

// Compile compiles tpl at the given optimize level. The same template at the
// same level always yields the same bytecode and constant pool.
func Compile(tpl *Template, level vm.OptimizeLevel) (*vm.Assembly, diag.List) {
	if tpl == nil {
		var diags diag.List
		diags.Add(diag.Errorf(diag.CodeCompile, diag.Position{}, "nothing to compile"))
		return nil, diags
	}
	if level > vm.OptimizeAll {
		level = vm.OptimizeAll
	}
	c := &Compiler{asm: vm.NewAssembly(tpl.Name, level), level: level}

	nodes := tpl.Nodes
	if level >= vm.OptimizeAll {
		nodes = Fold(nodes)
	}
	if !c.compileTemplate(nodes) || c.diags.HasErrors() {
		return nil, c.diags
	}
	return c.asm, c.diags
}

func (c *Compiler) compileTemplate(nodes []Node) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, isBail := r.(bailout); !isBail {
				panic(r)
			}
			ok = false
		}
	}()
	c.compileNodes(nodes)
	return true
}

// errorf records a compilation error and abandons compilation.
func (c *Compiler) errorf(span Span, format string, args ...any) {
	c.diags.Add(diag.Errorf(diag.CodeCompile, span.Start.Diag(), format, args...))
	panic(bailout{})
}

// mark attributes the next instruction to span.
func (c *Compiler) mark(span Span) {
	c.asm.AddSourceLocation(c.asm.CurrentOffset(), span.Start.Diag())
}

func (c *Compiler) constant(span Span, v vm.Value) int {
	idx, err := c.asm.AddConstant(v)
	if err != nil {
		c.errorf(span, "%v", err)
	}
	return int(idx)
}

func (c *Compiler) name(span Span, s string) int {
	return c.constant(span, vm.FromString(s))
}

// slot allocates a callsite cache for an access site, or NoSlot below
// OptimizeCallsite.
func (c *Compiler) slot(span Span) int {
	if c.level < vm.OptimizeCallsite {
		return int(vm.NoSlot)
	}
	if c.asm.SlotCount >= int(vm.NoSlot) {
		c.errorf(span, "too many access sites")
	}
	return int(c.asm.AllocSlot())
}

func (c *Compiler) argc(span Span, args []Expr) int {
	if len(args) > maxArgs {
		c.errorf(span, "too many arguments: %d", len(args))
	}
	return len(args)
}

// ---------------------------------------------------------------------------
// Nodes
// ---------------------------------------------------------------------------

func (c *Compiler) compileNodes(nodes []Node) {
	for _, n := range nodes {
		c.compileNode(n)
	}
}

func (c *Compiler) compileNode(node Node) {
	switch n := node.(type) {
	case *TextNode:
		c.emitText(n.SpanVal, n.Text)

	case *RawNode:
		c.emitText(n.SpanVal, n.Text)

	case *OutputNode:
		c.compileExpr(n.Expr)
		c.mark(n.SpanVal)
		c.asm.Emit(vm.OpEmit)

	case *IfNode:
		c.compileIf(n)

	case *LoopNode:
		c.compileExpr(n.Start)
		c.compileExpr(n.End)
		hasStep := 0
		if n.Step != nil {
			c.compileExpr(n.Step)
			hasStep = 1
		}
		c.mark(n.SpanVal)
		c.asm.Emit(vm.OpIterRange, hasStep)
		c.compileIteration(n.SpanVal, n.Var, n.Body, n.Separator)

	case *ForEachNode:
		c.compileExpr(n.Collection)
		c.mark(n.SpanVal)
		c.asm.Emit(vm.OpIterEach)
		c.compileIteration(n.SpanVal, n.Var, n.Body, n.Separator)

	case *SetNode:
		c.compileSet(n)

	case *IncludeNode:
		c.compileExpr(n.Path)
		c.mark(n.SpanVal)
		if n.Parse {
			c.asm.Emit(vm.OpParse)
		} else {
			c.asm.Emit(vm.OpInclude)
		}

	case *PragmaNode:
		// Applied by the parser.

	case *MacroNode:
		c.mark(n.SpanVal)
		c.asm.Emit(vm.OpMacro, c.name(n.SpanVal, n.Name))

	default:
		c.errorf(node.Span(), "cannot compile %T", node)
	}
}

func (c *Compiler) emitText(span Span, text string) {
	if text == "" {
		return
	}
	c.asm.Emit(vm.OpEmitConst, c.constant(span, vm.FromString(text)))
}

// compileIf lowers a branch chain:
//
//	cond1; JUMP_FALSE next1; body1; JUMP end
//	next1: cond2; JUMP_FALSE next2; body2; JUMP end
//	next2: else
//	end:
func (c *Compiler) compileIf(n *IfNode) {
	var exits []int
	for i, br := range n.Branches {
		c.compileExpr(br.Cond)
		next := c.asm.EmitJump(vm.OpJumpFalse)
		c.compileNodes(br.Body)
		if i < len(n.Branches)-1 || n.Else != nil {
			exits = append(exits, c.asm.EmitJump(vm.OpJump))
		}
		c.asm.PatchJump(next)
	}
	c.compileNodes(n.Else)
	for _, j := range exits {
		c.asm.PatchJump(j)
	}
}

// compileIteration lowers the shared loop body over the iterator on top of
// the iterator stack:
//
//	top:  ITER_NEXT exit; ENTER_SCOPE; DEFINE_VAR v | POP
//	      ITER_SKIP_FIRST body; <separator>
//	body: <body>; EXIT_SCOPE; JUMP top
//	exit:
func (c *Compiler) compileIteration(span Span, name string, body, sep []Node) {
	top := c.asm.CurrentOffset()
	exit := c.asm.EmitJump(vm.OpIterNext)
	c.asm.Emit(vm.OpEnterScope)
	if name != "" {
		c.asm.Emit(vm.OpDefineVar, c.name(span, name))
	} else {
		c.asm.Emit(vm.OpPop)
	}
	if sep != nil {
		skip := c.asm.EmitJump(vm.OpIterSkipFirst)
		c.compileNodes(sep)
		c.asm.PatchJump(skip)
	}
	c.compileNodes(body)
	c.asm.Emit(vm.OpExitScope)
	c.asm.Emit(vm.OpJump, top)
	c.asm.PatchJump(exit)
}

func (c *Compiler) compileSet(n *SetNode) {
	switch t := n.Target.(type) {
	case *VariableRef:
		c.compileExpr(n.Value)
		c.mark(n.SpanVal)
		c.asm.Emit(vm.OpStoreVar, c.name(t.SpanVal, t.Name))

	case *PropertyExpr:
		c.compileExpr(t.Receiver)
		c.compileExpr(n.Value)
		c.mark(t.SpanVal)
		c.asm.Emit(vm.OpSetMember, c.name(t.SpanVal, t.Name), c.slot(t.SpanVal))

	case *IndexExpr:
		c.compileExpr(t.Receiver)
		c.compileExprs(t.Args)
		c.compileExpr(n.Value)
		c.mark(t.SpanVal)
		c.asm.Emit(vm.OpSetIndex, c.argc(t.SpanVal, t.Args), c.slot(t.SpanVal))

	default:
		c.errorf(n.SpanVal, "invalid assignment target %T", n.Target)
	}
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (c *Compiler) compileExprs(exprs []Expr) {
	for _, e := range exprs {
		c.compileExpr(e)
	}
}

func (c *Compiler) compileExpr(expr Expr) {
	switch e := expr.(type) {
	case *Literal:
		c.compileLiteral(e)

	case *VariableRef:
		c.asm.Emit(vm.OpLoadVar, c.name(e.SpanVal, e.Name))

	case *PropertyExpr:
		c.compileExpr(e.Receiver)
		c.mark(e.SpanVal)
		c.asm.Emit(vm.OpGetMember, c.name(e.SpanVal, e.Name), c.slot(e.SpanVal))

	case *IndexExpr:
		c.compileExpr(e.Receiver)
		c.compileExprs(e.Args)
		c.mark(e.SpanVal)
		c.asm.Emit(vm.OpGetIndex, c.argc(e.SpanVal, e.Args), c.slot(e.SpanVal))

	case *MethodCall:
		c.compileExpr(e.Receiver)
		c.compileExprs(e.Args)
		c.mark(e.SpanVal)
		c.asm.Emit(vm.OpCallMethod, c.name(e.SpanVal, e.Name), c.argc(e.SpanVal, e.Args), c.slot(e.SpanVal))

	case *CallExpr:
		c.compileExpr(e.Callee)
		c.compileExprs(e.Args)
		c.mark(e.SpanVal)
		c.asm.Emit(vm.OpCall, c.argc(e.SpanVal, e.Args))

	case *UnaryExpr:
		c.compileExpr(e.Operand)
		c.mark(e.SpanVal)
		if e.Op == UnaryNot {
			c.asm.Emit(vm.OpNot)
		} else {
			c.asm.Emit(vm.OpNeg)
		}

	case *BinaryExpr:
		c.compileExpr(e.Left)
		c.compileExpr(e.Right)
		c.mark(e.SpanVal)
		c.asm.Emit(vm.OpcodeFor(e.Op))

	case *LogicalExpr:
		c.compileExpr(e.Left)
		op := vm.OpOrJump
		if e.And {
			op = vm.OpAndJump
		}
		end := c.asm.EmitJump(op)
		c.compileExpr(e.Right)
		c.asm.Emit(vm.OpToBool)
		c.asm.PatchJump(end)

	case *GroupExpr:
		c.compileExpr(e.Inner)

	case *InterpString:
		c.asm.Emit(vm.OpCaptureBegin)
		c.compileNodes(e.Nodes)
		c.asm.Emit(vm.OpCaptureEnd)

	default:
		c.errorf(expr.Span(), "cannot compile %s", describeExpr(expr))
	}
}

func (c *Compiler) compileLiteral(e *Literal) {
	switch {
	case e.Value.IsNull():
		c.asm.Emit(vm.OpConstNull)
	case e.Value.IsBool() && e.Value.Bool():
		c.asm.Emit(vm.OpConstTrue)
	case e.Value.IsBool():
		c.asm.Emit(vm.OpConstFalse)
	default:
		c.asm.Emit(vm.OpConst, c.constant(e.SpanVal, e.Value))
	}
}

func describeExpr(e Expr) string {
	if _, ok := e.(*BadExpr); ok {
		return "malformed expression"
	}
	return fmt.Sprintf("%T", e)
}
