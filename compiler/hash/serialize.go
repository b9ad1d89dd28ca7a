package hash

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/chazu/quill/compiler"
	"github.com/chazu/quill/vm"
)

// ---------------------------------------------------------------------------
// Deterministic binary serialization of a template AST.
//
// Encoding conventions:
//   - First byte: HashVersion (0x01)
//   - Integers: big-endian fixed-width (int64/uint64 = 8B, uint8 = 1B)
//   - Floats: IEEE 754 big-endian 8B
//   - Strings: uint32 big-endian length + UTF-8 bytes
//   - Booleans: single byte (0/1)
//   - Child nodes: serialized inline (flat)
//
// Source positions, pragma nodes and groupings are not serialized, so two
// templates that render identically for every environment and differ only
// in spelling ($x vs ${$x}, \$ vs #[$]#) serialize identically.
// ---------------------------------------------------------------------------

// Serialize produces a deterministic byte serialization of a node list.
// The returned bytes are suitable for hashing with SHA-256.
func Serialize(nodes []compiler.Node) []byte {
	s := &serializer{buf: make([]byte, 0, 256)}
	s.writeByte(HashVersion)
	s.body(nodes)
	return s.buf
}

type serializer struct {
	buf []byte
}

func (s *serializer) writeByte(b byte) {
	s.buf = append(s.buf, b)
}

func (s *serializer) writeUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	s.buf = append(s.buf, b[:]...)
}

func (s *serializer) writeUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	s.buf = append(s.buf, b[:]...)
}

func (s *serializer) writeString(v string) {
	s.writeUint32(uint32(len(v)))
	s.buf = append(s.buf, v...)
}

func (s *serializer) writeBool(v bool) {
	if v {
		s.writeByte(1)
	} else {
		s.writeByte(0)
	}
}

// body writes a node list. Runs of text and raw nodes collapse into one
// text entry; pragmas vanish.
func (s *serializer) body(nodes []compiler.Node) {
	var (
		items []func()
		text  strings.Builder
		open  bool
	)
	flush := func() {
		if open {
			t := text.String()
			items = append(items, func() {
				s.writeByte(TagText)
				s.writeString(t)
			})
			text.Reset()
			open = false
		}
	}
	for _, n := range nodes {
		switch n := n.(type) {
		case *compiler.TextNode:
			text.WriteString(n.Text)
			open = true
		case *compiler.RawNode:
			text.WriteString(n.Text)
			open = true
		case *compiler.PragmaNode:
		default:
			flush()
			items = append(items, func() { s.node(n) })
		}
	}
	flush()

	s.writeByte(TagBody)
	s.writeUint32(uint32(len(items)))
	for _, write := range items {
		write()
	}
}

// optBody writes a body, or TagAbsent for nil.
func (s *serializer) optBody(nodes []compiler.Node) {
	if nodes == nil {
		s.writeByte(TagAbsent)
		return
	}
	s.body(nodes)
}

func (s *serializer) node(node compiler.Node) {
	switch n := node.(type) {
	case *compiler.OutputNode:
		s.writeByte(TagOutput)
		s.expr(n.Expr)

	case *compiler.IfNode:
		s.writeByte(TagIf)
		s.writeUint32(uint32(len(n.Branches)))
		for _, br := range n.Branches {
			s.expr(br.Cond)
			s.body(br.Body)
		}
		s.optBody(n.Else)

	case *compiler.LoopNode:
		s.writeByte(TagLoop)
		s.writeString(n.Var)
		s.expr(n.Start)
		s.expr(n.End)
		s.optExpr(n.Step)
		s.body(n.Body)
		s.optBody(n.Separator)

	case *compiler.ForEachNode:
		s.writeByte(TagForEach)
		s.writeString(n.Var)
		s.expr(n.Collection)
		s.body(n.Body)
		s.optBody(n.Separator)

	case *compiler.SetNode:
		s.writeByte(TagSet)
		s.expr(n.Target)
		s.expr(n.Value)

	case *compiler.IncludeNode:
		if n.Parse {
			s.writeByte(TagParse)
		} else {
			s.writeByte(TagInclude)
		}
		s.expr(n.Path)

	case *compiler.MacroNode:
		s.writeByte(TagMacro)
		s.writeString(n.Name)
	}
}

func (s *serializer) optExpr(e compiler.Expr) {
	if e == nil {
		s.writeByte(TagAbsent)
		return
	}
	s.expr(e)
}

func (s *serializer) exprs(list []compiler.Expr) {
	s.writeUint32(uint32(len(list)))
	for _, e := range list {
		s.expr(e)
	}
}

func (s *serializer) expr(expr compiler.Expr) {
	switch e := expr.(type) {
	case *compiler.GroupExpr:
		s.expr(e.Inner)

	case *compiler.Literal:
		s.value(e.Value)

	case *compiler.VariableRef:
		s.writeByte(TagVariable)
		s.writeString(e.Name)

	case *compiler.PropertyExpr:
		s.writeByte(TagProperty)
		s.writeString(e.Name)
		s.expr(e.Receiver)

	case *compiler.IndexExpr:
		s.writeByte(TagIndex)
		s.expr(e.Receiver)
		s.exprs(e.Args)

	case *compiler.MethodCall:
		s.writeByte(TagMethodCall)
		s.writeString(e.Name)
		s.expr(e.Receiver)
		s.exprs(e.Args)

	case *compiler.CallExpr:
		s.writeByte(TagCall)
		s.expr(e.Callee)
		s.exprs(e.Args)

	case *compiler.UnaryExpr:
		s.writeByte(TagUnary)
		s.writeByte(byte(e.Op))
		s.expr(e.Operand)

	case *compiler.BinaryExpr:
		s.writeByte(TagBinary)
		s.writeByte(byte(e.Op))
		s.expr(e.Left)
		s.expr(e.Right)

	case *compiler.LogicalExpr:
		if e.And {
			s.writeByte(TagAnd)
		} else {
			s.writeByte(TagOr)
		}
		s.expr(e.Left)
		s.expr(e.Right)

	case *compiler.InterpString:
		s.writeByte(TagInterp)
		s.body(e.Nodes)

	default:
		s.writeByte(TagBad)
	}
}

func (s *serializer) value(v vm.Value) {
	switch v.Kind() {
	case vm.KindNull:
		s.writeByte(TagNull)
	case vm.KindBool:
		s.writeByte(TagBool)
		s.writeBool(v.Bool())
	case vm.KindInt:
		s.writeByte(TagInt)
		s.writeUint64(uint64(v.Int64()))
	case vm.KindUint:
		s.writeByte(TagUint)
		s.writeUint64(v.Uint64())
	case vm.KindDouble:
		s.writeByte(TagDouble)
		s.writeUint64(math.Float64bits(v.Float64()))
	case vm.KindDecimal:
		s.writeByte(TagDecimal)
		s.writeString(v.Decimal().String())
	case vm.KindString:
		s.writeByte(TagString)
		s.writeString(v.Str())
	default:
		s.writeByte(TagBad)
	}
}
