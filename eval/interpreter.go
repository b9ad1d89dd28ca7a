// Package eval renders parsed templates by walking the AST directly. It is the
// one-shot counterpart of compiling to an assembly and running it on the VM;
// both produce the same output and the same kinds of diagnostics.
package eval

import (
	"errors"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/quill/compiler"
	"github.com/chazu/quill/diag"
	"github.com/chazu/quill/vm"
)

var log = commonlog.GetLogger("quill.eval")

// Option configures a run. The options are shared with the VM.
type Option = vm.Option

// errAborted unwinds the walk after an error diagnostic has been recorded.
var errAborted = errors.New("evaluation aborted")

// Interpreter holds the state of one evaluation.
type Interpreter struct {
	env   vm.Environment
	host  vm.HostAccessor
	opts  vm.Options
	out   *strings.Builder
	diags diag.List
	depth int // nesting of #parse resources and macros
}

// Apply renders tpl against env. On a runtime error the output produced before
// it is returned together with the diagnostics.
func Apply(tpl *compiler.Template, env vm.Environment, opts ...Option) (string, diag.List) {
	in := &Interpreter{
		env:  env,
		host: vm.HostOf(env),
		opts: vm.NewOptions(opts...),
		out:  new(strings.Builder),
	}
	if tpl == nil {
		in.diags.Add(diag.Errorf(diag.CodeCompile, diag.Position{}, "nothing to evaluate"))
		return "", in.diags
	}
	_ = in.execNodes(tpl.Nodes)
	return in.out.String(), in.diags
}

// fail records err at span and returns errAborted. An error that already
// aborted is passed through.
func (in *Interpreter) fail(span compiler.Span, err error) error {
	if err == errAborted {
		return err
	}
	in.diags.Add(vm.AsDiagnostic(err, diag.CodeCompile, span.Start.Diag()))
	return errAborted
}

// ---------------------------------------------------------------------------
// Nodes
// ---------------------------------------------------------------------------

func (in *Interpreter) execNodes(nodes []compiler.Node) error {
	for _, n := range nodes {
		if err := in.execNode(n); err != nil {
			return err
		}
	}
	return nil
}

func (in *Interpreter) execNode(node compiler.Node) error {
	switch n := node.(type) {
	case *compiler.TextNode:
		in.out.WriteString(n.Text)

	case *compiler.RawNode:
		in.out.WriteString(n.Text)

	case *compiler.OutputNode:
		v, err := in.evalExpr(n.Expr)
		if err != nil {
			return err
		}
		in.out.WriteString(vm.Format(v, in.host))

	case *compiler.IfNode:
		for _, br := range n.Branches {
			cond, err := in.evalExpr(br.Cond)
			if err != nil {
				return err
			}
			if cond.Truthy() {
				return in.execNodes(br.Body)
			}
		}
		return in.execNodes(n.Else)

	case *compiler.LoopNode:
		return in.execLoop(n)

	case *compiler.ForEachNode:
		coll, err := in.evalExpr(n.Collection)
		if err != nil {
			return err
		}
		items, err := vm.Enumerate(in.host, coll)
		if err != nil {
			return in.fail(n.SpanVal, err)
		}
		for i, item := range items {
			if err := in.iteration(i, n.Var, item, n.Body, n.Separator); err != nil {
				return err
			}
		}

	case *compiler.SetNode:
		return in.execSet(n)

	case *compiler.IncludeNode:
		return in.execInclude(n)

	case *compiler.PragmaNode:
		// Applied by the parser.

	case *compiler.MacroNode:
		return in.execMacro(n)

	default:
		return in.fail(node.Span(), &vm.RuntimeError{Code: diag.CodeCompile, Msg: "cannot evaluate node"})
	}
	return nil
}

func (in *Interpreter) execLoop(n *compiler.LoopNode) error {
	start, err := in.evalExpr(n.Start)
	if err != nil {
		return err
	}
	end, err := in.evalExpr(n.End)
	if err != nil {
		return err
	}
	step := vm.FromInt64(1)
	if n.Step != nil {
		if step, err = in.evalExpr(n.Step); err != nil {
			return err
		}
	}
	count, err := vm.LoopCount(start, end, step)
	if err != nil {
		return in.fail(n.SpanVal, err)
	}
	for i := int64(0); i < count; i++ {
		v, err := vm.LoopValue(start, step, i)
		if err != nil {
			return in.fail(n.SpanVal, err)
		}
		if err := in.iteration(int(i), n.Var, v, n.Body, n.Separator); err != nil {
			return err
		}
	}
	return nil
}

// iteration runs one loop pass in a child scope. The separator precedes every
// pass but the first.
func (in *Interpreter) iteration(i int, name string, v vm.Value, body, sep []compiler.Node) error {
	in.env.PushScope()
	defer in.env.PopScope()
	if name != "" {
		in.env.Define(name, v)
	}
	if i > 0 && sep != nil {
		if err := in.execNodes(sep); err != nil {
			return err
		}
	}
	return in.execNodes(body)
}

func (in *Interpreter) execSet(n *compiler.SetNode) error {
	switch t := n.Target.(type) {
	case *compiler.VariableRef:
		v, err := in.evalExpr(n.Value)
		if err != nil {
			return err
		}
		in.env.Set(t.Name, v)

	case *compiler.PropertyExpr:
		recv, err := in.evalExpr(t.Receiver)
		if err != nil {
			return err
		}
		v, err := in.evalExpr(n.Value)
		if err != nil {
			return err
		}
		if err := vm.SetProperty(in.host, recv, t.Name, v); err != nil {
			return in.fail(t.SpanVal, err)
		}

	case *compiler.IndexExpr:
		recv, err := in.evalExpr(t.Receiver)
		if err != nil {
			return err
		}
		args, err := in.evalArgs(t.Args)
		if err != nil {
			return err
		}
		v, err := in.evalExpr(n.Value)
		if err != nil {
			return err
		}
		if err := vm.SetIndex(in.host, recv, args, v); err != nil {
			return in.fail(t.SpanVal, err)
		}

	default:
		return in.fail(n.SpanVal, &vm.RuntimeError{Code: diag.CodeInvalidAssignment, Msg: "invalid assignment target"})
	}
	return nil
}

func (in *Interpreter) execInclude(n *compiler.IncludeNode) error {
	path, err := in.evalExpr(n.Path)
	if err != nil {
		return err
	}
	name, text, err := vm.LoadResource(in.opts.Loader, path, in.host)
	if err != nil {
		return in.fail(n.SpanVal, err)
	}
	if !n.Parse {
		in.out.WriteString(text)
		return nil
	}
	log.Debugf("rendering %s", name)
	return in.render(n.SpanVal, name, text)
}

func (in *Interpreter) execMacro(n *compiler.MacroNode) error {
	v, ok := in.env.Get(n.Name)
	switch {
	case !ok:
		in.diags.Add(vm.UndefinedMacro(n.Name, n.SpanVal.Start.Diag()))
	case v.IsString():
		in.env.PushScope()
		defer in.env.PopScope()
		return in.render(n.SpanVal, n.Name, v.Str())
	default:
		in.out.WriteString(vm.Format(v, in.host))
	}
	return nil
}

// render parses source and walks it into the current output. span locates
// the directive or macro that asked for it.
func (in *Interpreter) render(span compiler.Span, name, source string) error {
	if err := vm.CheckDepth(in.opts.Depth + in.depth + 1); err != nil {
		return in.fail(span, err)
	}
	in.depth++
	defer func() { in.depth-- }()

	tpl, diags := compiler.Parse(name, source)
	in.diags.Append(diags)
	if tpl == nil || diags.HasErrors() {
		return errAborted
	}
	return in.execNodes(tpl.Nodes)
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (in *Interpreter) evalArgs(exprs []compiler.Expr) ([]vm.Value, error) {
	args := make([]vm.Value, len(exprs))
	for i, e := range exprs {
		v, err := in.evalExpr(e)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func (in *Interpreter) evalExpr(expr compiler.Expr) (vm.Value, error) {
	switch e := expr.(type) {
	case *compiler.Literal:
		return e.Value, nil

	case *compiler.VariableRef:
		if v, ok := in.env.Get(e.Name); ok {
			return v, nil
		}
		return vm.Null, nil

	case *compiler.PropertyExpr:
		recv, err := in.evalExpr(e.Receiver)
		if err != nil {
			return vm.Null, err
		}
		v, err := vm.GetProperty(in.host, recv, e.Name)
		if err != nil {
			return vm.Null, in.fail(e.SpanVal, err)
		}
		return v, nil

	case *compiler.IndexExpr:
		recv, err := in.evalExpr(e.Receiver)
		if err != nil {
			return vm.Null, err
		}
		args, err := in.evalArgs(e.Args)
		if err != nil {
			return vm.Null, err
		}
		v, err := vm.GetIndex(in.host, recv, args)
		if err != nil {
			return vm.Null, in.fail(e.SpanVal, err)
		}
		return v, nil

	case *compiler.MethodCall:
		recv, err := in.evalExpr(e.Receiver)
		if err != nil {
			return vm.Null, err
		}
		args, err := in.evalArgs(e.Args)
		if err != nil {
			return vm.Null, err
		}
		v, err := vm.Invoke(in.host, recv, e.Name, args)
		if err != nil {
			return vm.Null, in.fail(e.SpanVal, err)
		}
		return v, nil

	case *compiler.CallExpr:
		callee, err := in.evalExpr(e.Callee)
		if err != nil {
			return vm.Null, err
		}
		args, err := in.evalArgs(e.Args)
		if err != nil {
			return vm.Null, err
		}
		v, err := vm.Call(callee, args)
		if err != nil {
			return vm.Null, in.fail(e.SpanVal, err)
		}
		return v, nil

	case *compiler.UnaryExpr:
		v, err := in.evalExpr(e.Operand)
		if err != nil {
			return vm.Null, err
		}
		if e.Op == compiler.UnaryNot {
			return vm.Not(v), nil
		}
		r, err := vm.Negate(v)
		if err != nil {
			return vm.Null, in.fail(e.SpanVal, err)
		}
		return r, nil

	case *compiler.BinaryExpr:
		a, err := in.evalExpr(e.Left)
		if err != nil {
			return vm.Null, err
		}
		b, err := in.evalExpr(e.Right)
		if err != nil {
			return vm.Null, err
		}
		r, err := vm.Binary(e.Op, a, b, in.host)
		if err != nil {
			return vm.Null, in.fail(e.SpanVal, err)
		}
		return r, nil

	case *compiler.LogicalExpr:
		a, err := in.evalExpr(e.Left)
		if err != nil {
			return vm.Null, err
		}
		if a.Truthy() != e.And {
			return vm.FromBool(!e.And), nil
		}
		b, err := in.evalExpr(e.Right)
		if err != nil {
			return vm.Null, err
		}
		return vm.FromBool(b.Truthy()), nil

	case *compiler.GroupExpr:
		return in.evalExpr(e.Inner)

	case *compiler.InterpString:
		return in.capture(e.Nodes)
	}
	return vm.Null, in.fail(expr.Span(), &vm.RuntimeError{Code: diag.CodeCompile, Msg: "malformed expression"})
}

// capture renders nodes into a separate buffer and returns the text as a
// string. On error the captured text is dropped.
func (in *Interpreter) capture(nodes []compiler.Node) (vm.Value, error) {
	saved := in.out
	in.out = new(strings.Builder)
	err := in.execNodes(nodes)
	text := in.out.String()
	in.out = saved
	if err != nil {
		return vm.Null, err
	}
	return vm.FromString(text), nil
}
