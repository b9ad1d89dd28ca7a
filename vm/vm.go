package vm

import (
	"encoding/binary"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/quill/diag"
)

// ---------------------------------------------------------------------------
// VM: stack machine for compiled templates
// ---------------------------------------------------------------------------

var log = commonlog.GetLogger("quill.vm")

// iterator is one entry of the iterator stack.
type iterator struct {
	items []Value // #foreach items; nil for ranges
	start Value
	step  Value
	count int64
	index int64 // items produced so far
	rng   bool
}

func (it *iterator) next() (Value, bool, error) {
	if it.rng {
		if it.index >= it.count {
			return Null, false, nil
		}
		v, err := LoopValue(it.start, it.step, it.index)
		it.index++
		return v, true, err
	}
	if it.index >= int64(len(it.items)) {
		return Null, false, nil
	}
	v := it.items[it.index]
	it.index++
	return v, true, nil
}

// machine holds the state of one run.
type machine struct {
	asm      *Assembly
	code     []byte
	env      Environment
	host     HostAccessor
	resolver Resolver
	opts     Options

	ip     int // next byte to decode
	pc     int // start of the current instruction
	stack  []Value
	iters  []*iterator
	scopes int

	out   *strings.Builder
	outs  []*strings.Builder // enclosing buffers of active captures
	diags diag.List
}

// Execute runs asm against env and returns the output with any diagnostics.
// A runtime error stops the run; the output produced before it is returned.
func Execute(asm *Assembly, env Environment, opts ...Option) (string, diag.List) {
	m := &machine{
		asm:   asm,
		code:  asm.Code,
		env:   env,
		host:  HostOf(env),
		opts:  NewOptions(opts...),
		stack: make([]Value, 0, 16),
		out:   new(strings.Builder),
	}
	if r, ok := m.host.(Resolver); ok && asm.Level >= OptimizeCallsite {
		m.resolver = r
	}
	m.run()
	if len(m.outs) > 0 {
		return m.outs[0].String(), m.diags
	}
	return m.out.String(), m.diags
}

func (m *machine) run() {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(*RuntimeError)
			if !ok {
				panic(r)
			}
			m.fail(err)
		}
		for ; m.scopes > 0; m.scopes-- {
			m.env.PopScope()
		}
	}()

	for m.ip < len(m.code) {
		if err := m.step(); err != nil {
			m.fail(err)
			return
		}
		if m.diags.HasErrors() {
			return
		}
	}
}

func (m *machine) fail(err error) {
	m.diags.Add(AsDiagnostic(err, diag.CodeCompile, m.asm.Position(m.pc)))
}

// step decodes and executes one instruction.
func (m *machine) step() error {
	m.pc = m.ip
	op := Opcode(m.code[m.ip])
	m.ip++

	switch op {
	// --- Stack operations ---
	case OpNop:

	case OpPop:
		m.pop()

	case OpDup:
		m.push(m.top())

	// --- Constants ---
	case OpConst:
		m.push(m.constant(m.u16()))

	case OpConstNull:
		m.push(Null)

	case OpConstTrue:
		m.push(True)

	case OpConstFalse:
		m.push(False)

	// --- Variables ---
	case OpLoadVar:
		v, ok := m.env.Get(m.name(m.u16()))
		if !ok {
			v = Null
		}
		m.push(v)

	case OpStoreVar:
		name := m.name(m.u16())
		m.env.Set(name, m.pop())

	case OpDefineVar:
		name := m.name(m.u16())
		m.env.Define(name, m.pop())

	// --- Host access ---
	case OpGetMember:
		name, slot := m.name(m.u16()), m.u16()
		v, err := m.getMember(m.pop(), name, slot)
		if err != nil {
			return err
		}
		m.push(v)

	case OpSetMember:
		name, slot := m.name(m.u16()), m.u16()
		v := m.pop()
		return m.setMember(m.pop(), name, slot, v)

	case OpGetIndex:
		argc, slot := int(m.u8()), m.u16()
		args := m.popN(argc)
		v, err := m.getIndex(m.pop(), args, slot)
		if err != nil {
			return err
		}
		m.push(v)

	case OpSetIndex:
		argc, slot := int(m.u8()), m.u16()
		v := m.pop()
		args := m.popN(argc)
		return m.setIndex(m.pop(), args, slot, v)

	case OpCallMethod:
		name, argc, slot := m.name(m.u16()), int(m.u8()), m.u16()
		args := m.popN(argc)
		v, err := m.invoke(m.pop(), name, args, slot)
		if err != nil {
			return err
		}
		m.push(v)

	case OpCall:
		args := m.popN(int(m.u8()))
		v, err := Call(m.pop(), args)
		if err != nil {
			return err
		}
		m.push(v)

	// --- Operators ---
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		b := m.pop()
		a := m.pop()
		v, err := Binary(binaryOpcodes[op], a, b, m.host)
		if err != nil {
			return err
		}
		m.push(v)

	case OpNeg:
		v, err := Negate(m.pop())
		if err != nil {
			return err
		}
		m.push(v)

	case OpNot:
		m.push(Not(m.pop()))

	case OpToBool:
		m.push(FromBool(m.pop().Truthy()))

	// --- Control flow ---
	case OpJump:
		m.ip = m.target()

	case OpJumpFalse:
		target := m.target()
		if !m.pop().Truthy() {
			m.ip = target
		}

	case OpAndJump:
		target := m.target()
		if !m.pop().Truthy() {
			m.push(False)
			m.ip = target
		}

	case OpOrJump:
		target := m.target()
		if m.pop().Truthy() {
			m.push(True)
			m.ip = target
		}

	// --- Scopes ---
	case OpEnterScope:
		m.env.PushScope()
		m.scopes++

	case OpExitScope:
		if m.scopes == 0 {
			return runtimeErrorf(diag.CodeCompile, "malformed assembly: scope underflow")
		}
		m.env.PopScope()
		m.scopes--

	// --- Output ---
	case OpEmitConst:
		m.out.WriteString(Format(m.constant(m.u16()), m.host))

	case OpEmit:
		m.out.WriteString(Format(m.pop(), m.host))

	case OpCaptureBegin:
		m.outs = append(m.outs, m.out)
		m.out = new(strings.Builder)

	case OpCaptureEnd:
		n := len(m.outs)
		if n == 0 {
			return runtimeErrorf(diag.CodeCompile, "malformed assembly: capture underflow")
		}
		text := m.out.String()
		m.out = m.outs[n-1]
		m.outs = m.outs[:n-1]
		m.push(FromString(text))

	// --- Iteration ---
	case OpIterRange:
		step := FromInt64(1)
		if m.u8() != 0 {
			step = m.pop()
		}
		end := m.pop()
		start := m.pop()
		n, err := LoopCount(start, end, step)
		if err != nil {
			return err
		}
		m.iters = append(m.iters, &iterator{rng: true, start: start, step: step, count: n})

	case OpIterEach:
		items, err := Enumerate(m.host, m.pop())
		if err != nil {
			return err
		}
		m.iters = append(m.iters, &iterator{items: items})

	case OpIterNext:
		exit := m.target()
		it := m.iter()
		v, ok, err := it.next()
		if err != nil {
			return err
		}
		if !ok {
			m.iters = m.iters[:len(m.iters)-1]
			m.ip = exit
			break
		}
		m.push(v)

	case OpIterSkipFirst:
		target := m.target()
		if m.iter().index == 1 {
			m.ip = target
		}

	// --- Resources ---
	case OpInclude:
		_, text, err := LoadResource(m.opts.Loader, m.pop(), m.host)
		if err != nil {
			return err
		}
		m.out.WriteString(text)

	case OpParse:
		name, text, err := LoadResource(m.opts.Loader, m.pop(), m.host)
		if err != nil {
			return err
		}
		if m.opts.Expander == nil {
			return runtimeErrorf(diag.CodeLoadFailed, "cannot render %q: no template expander configured", name)
		}
		m.expand(name, text)

	case OpMacro:
		m.macro(m.name(m.u16()))

	default:
		return runtimeErrorf(diag.CodeCompile, "malformed assembly: unknown opcode 0x%02X at %d", byte(op), m.pc)
	}
	return nil
}

// expand renders nested template text into the output.
func (m *machine) expand(name, source string) {
	depth := m.opts.Depth + 1
	if err := CheckDepth(depth); err != nil {
		m.fail(err)
		return
	}
	text, diags := m.opts.Expander.Expand(name, source, m.env, depth)
	m.out.WriteString(text)
	m.diags.Append(diags)
}

func (m *machine) macro(name string) {
	v, ok := m.env.Get(name)
	switch {
	case !ok:
		m.diags.Add(UndefinedMacro(name, m.asm.Position(m.pc)))
	case v.kind == KindString:
		if m.opts.Expander == nil {
			m.diags.Add(UndefinedMacro(name, m.asm.Position(m.pc)))
			return
		}
		m.env.PushScope()
		defer m.env.PopScope()
		m.expand(name, v.str)
	default:
		m.out.WriteString(Format(v, m.host))
	}
}

// ---------------------------------------------------------------------------
// Cached host access
// ---------------------------------------------------------------------------

// cached returns the slot entry for recv's type, resolving and recording it
// on a miss. ok is false when the site is uncached or resolution declined.
func (m *machine) cached(recv Value, slot uint16, resolve func(obj any) (InlineCacheEntry, bool)) (InlineCacheEntry, any, bool) {
	if slot == NoSlot || m.resolver == nil || recv.kind == KindNull {
		return InlineCacheEntry{}, nil, false
	}
	s := m.asm.Slot(slot)
	if s == nil {
		return InlineCacheEntry{}, nil, false
	}
	obj := recv.Interface()
	t := typeOf(obj)
	if e, ok := s.lookup(t); ok {
		return e, obj, true
	}
	e, ok := resolve(obj)
	if !ok {
		return InlineCacheEntry{}, nil, false
	}
	e.Type = t
	if from, to := s.record(e); from != to {
		log.Debugf("%s slot %d: %s -> %s (%s)", m.asm.Name, slot, from, to, t)
	}
	return e, obj, true
}

func (m *machine) memberEntry(recv Value, name string, slot uint16) (Member, any, bool) {
	e, obj, ok := m.cached(recv, slot, func(obj any) (InlineCacheEntry, bool) {
		mem, ok := m.resolver.ResolveMember(obj, name)
		return InlineCacheEntry{Member: mem}, ok && mem != nil
	})
	if !ok || e.Member == nil {
		return nil, nil, false
	}
	return e.Member, obj, true
}

func (m *machine) indexerEntry(recv Value, slot uint16) (Indexer, any, bool) {
	e, obj, ok := m.cached(recv, slot, func(obj any) (InlineCacheEntry, bool) {
		ix, ok := m.resolver.ResolveIndexer(obj)
		return InlineCacheEntry{Indexer: ix}, ok && ix != nil
	})
	if !ok || e.Indexer == nil {
		return nil, nil, false
	}
	return e.Indexer, obj, true
}

func (m *machine) getMember(recv Value, name string, slot uint16) (Value, error) {
	if mem, obj, ok := m.memberEntry(recv, name, slot); ok {
		v, err := mem.Get(obj)
		return v, wrapHostError(err, diag.CodeMemberAccess)
	}
	return GetProperty(m.host, recv, name)
}

func (m *machine) setMember(recv Value, name string, slot uint16, v Value) error {
	if mem, obj, ok := m.memberEntry(recv, name, slot); ok {
		return wrapHostError(mem.Set(obj, v), diag.CodeMemberAccess)
	}
	return SetProperty(m.host, recv, name, v)
}

func (m *machine) invoke(recv Value, name string, args []Value, slot uint16) (Value, error) {
	if mem, obj, ok := m.memberEntry(recv, name, slot); ok {
		v, err := mem.Invoke(obj, args)
		return v, wrapHostError(err, diag.CodeInvoke)
	}
	return Invoke(m.host, recv, name, args)
}

func (m *machine) getIndex(recv Value, args []Value, slot uint16) (Value, error) {
	if ix, obj, ok := m.indexerEntry(recv, slot); ok {
		v, err := ix.Get(obj, args)
		return v, wrapHostError(err, diag.CodeIndexAccess)
	}
	return GetIndex(m.host, recv, args)
}

func (m *machine) setIndex(recv Value, args []Value, slot uint16, v Value) error {
	if ix, obj, ok := m.indexerEntry(recv, slot); ok {
		return wrapHostError(ix.Set(obj, args, v), diag.CodeIndexAccess)
	}
	return SetIndex(m.host, recv, args, v)
}

// ---------------------------------------------------------------------------
// Decoding and stack helpers. Malformed code panics with a RuntimeError that
// run turns into a diagnostic.
// ---------------------------------------------------------------------------

func malformed(format string, args ...any) {
	panic(runtimeErrorf(diag.CodeCompile, "malformed assembly: "+format, args...))
}

func (m *machine) operand(n int) []byte {
	if m.ip+n > len(m.code) {
		malformed("truncated instruction at %d", m.pc)
	}
	b := m.code[m.ip : m.ip+n]
	m.ip += n
	return b
}

func (m *machine) u8() uint8   { return m.operand(1)[0] }
func (m *machine) u16() uint16 { return binary.BigEndian.Uint16(m.operand(2)) }

func (m *machine) target() int {
	t := int(binary.BigEndian.Uint32(m.operand(4)))
	if t > len(m.code) {
		malformed("jump target %d out of range", t)
	}
	return t
}

func (m *machine) constant(idx uint16) Value {
	v, ok := m.asm.Constant(idx)
	if !ok {
		malformed("constant %d out of range", idx)
	}
	return v
}

func (m *machine) name(idx uint16) string {
	v := m.constant(idx)
	if v.kind != KindString {
		malformed("constant %d is not a name", idx)
	}
	return v.str
}

func (m *machine) iter() *iterator {
	if len(m.iters) == 0 {
		malformed("iterator stack underflow at %d", m.pc)
	}
	return m.iters[len(m.iters)-1]
}

func (m *machine) push(v Value) { m.stack = append(m.stack, v) }

func (m *machine) pop() Value {
	n := len(m.stack)
	if n == 0 {
		malformed("stack underflow at %d", m.pc)
	}
	v := m.stack[n-1]
	m.stack = m.stack[:n-1]
	return v
}

func (m *machine) top() Value {
	if len(m.stack) == 0 {
		malformed("stack underflow at %d", m.pc)
	}
	return m.stack[len(m.stack)-1]
}

func (m *machine) popN(n int) []Value {
	if n > len(m.stack) {
		malformed("stack underflow at %d", m.pc)
	}
	args := make([]Value, n)
	copy(args, m.stack[len(m.stack)-n:])
	m.stack = m.stack[:len(m.stack)-n]
	return args
}
