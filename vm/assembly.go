package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/chazu/quill/diag"
)

// OptimizeLevel selects how much work the compiler does.
type OptimizeLevel uint8

const (
	OptimizeNone     OptimizeLevel = iota // direct lowering, no callsite caches
	OptimizeCallsite                      // one cache slot per access site
	OptimizeAll                           // callsite caches plus constant folding
)

func (l OptimizeLevel) String() string {
	switch l {
	case OptimizeNone:
		return "none"
	case OptimizeCallsite:
		return "callsite"
	case OptimizeAll:
		return "all"
	}
	return fmt.Sprintf("OptimizeLevel(%d)", uint8(l))
}

// ParseOptimizeLevel parses "none", "callsite" or "all".
func ParseOptimizeLevel(s string) (OptimizeLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "0":
		return OptimizeNone, nil
	case "callsite", "1":
		return OptimizeCallsite, nil
	case "all", "2", "":
		return OptimizeAll, nil
	}
	return OptimizeAll, fmt.Errorf("unknown optimize level %q", s)
}

// MaxConstants bounds the constant pool. NoSlot doubles as the largest u16,
// so indices stay below it.
const MaxConstants = math.MaxUint16

// SourceLocation maps a code offset to a template position.
type SourceLocation struct {
	_      struct{} `cbor:",toarray"`
	Offset uint32
	Line   uint32
	Column uint32
}

// Assembly is a compiled template: linear bytecode, its constant pool, a
// source map and the callsite caches used while it runs. Everything except
// the cache contents is immutable once compilation finishes.
type Assembly struct {
	Name      string
	Level     OptimizeLevel
	Code      []byte
	Constants []Value
	SourceMap []SourceLocation
	SlotCount int

	constIndex map[constKey]uint16
	slotsOnce  sync.Once
	slots      []Slot
}

type constKey struct {
	kind Kind
	bits uint64
	str  string
}

func keyOf(v Value) constKey {
	k := constKey{kind: v.kind, bits: v.bits, str: v.str}
	if v.kind == KindDecimal {
		k.str = v.Decimal().String()
	}
	return k
}

// NewAssembly creates an empty assembly.
func NewAssembly(name string, level OptimizeLevel) *Assembly {
	return &Assembly{
		Name:  name,
		Level: level,
		Code:  make([]byte, 0, 64),
	}
}

// AddConstant adds v to the pool and returns its index. Equal constants of the
// same kind share an index.
func (a *Assembly) AddConstant(v Value) (uint16, error) {
	if v.kind == KindHost {
		return 0, fmt.Errorf("host values cannot be constants")
	}
	if a.constIndex == nil {
		a.constIndex = make(map[constKey]uint16, len(a.Constants))
		for i, c := range a.Constants {
			a.constIndex[keyOf(c)] = uint16(i)
		}
	}
	key := keyOf(v)
	if idx, ok := a.constIndex[key]; ok {
		return idx, nil
	}
	if len(a.Constants) >= MaxConstants {
		return 0, fmt.Errorf("constant pool overflow: more than %d constants", MaxConstants)
	}
	idx := uint16(len(a.Constants))
	a.Constants = append(a.Constants, v)
	a.constIndex[key] = idx
	return idx, nil
}

// Constant returns the constant at index, or false when it is out of range.
func (a *Assembly) Constant(index uint16) (Value, bool) {
	if int(index) >= len(a.Constants) {
		return Null, false
	}
	return a.Constants[index], true
}

// Emit appends op and its operands, encoded at the widths the opcode declares.
// It returns the offset of the instruction.
func (a *Assembly) Emit(op Opcode, operands ...int) int {
	offset := len(a.Code)
	a.Code = append(a.Code, byte(op))
	info, _ := GetOpcodeInfo(op)
	for i, w := range info.Operands {
		var x int
		if i < len(operands) {
			x = operands[i]
		}
		switch w {
		case 1:
			a.Code = append(a.Code, byte(x))
		case 2:
			a.Code = binary.BigEndian.AppendUint16(a.Code, uint16(x))
		case 4:
			a.Code = binary.BigEndian.AppendUint32(a.Code, uint32(x))
		}
	}
	return offset
}

// EmitJump emits a jump with a placeholder target and returns the offset of
// the placeholder for later patching.
func (a *Assembly) EmitJump(op Opcode) int {
	a.Emit(op, 0)
	return len(a.Code) - 4
}

// PatchJump points the jump whose target lives at placeholder to the current
// end of code.
func (a *Assembly) PatchJump(placeholder int) {
	a.PatchJumpTo(placeholder, len(a.Code))
}

// PatchJumpTo points the jump whose target lives at placeholder to target.
func (a *Assembly) PatchJumpTo(placeholder, target int) {
	binary.BigEndian.PutUint32(a.Code[placeholder:], uint32(target))
}

// CurrentOffset returns the current offset in the code section.
func (a *Assembly) CurrentOffset() int { return len(a.Code) }

// AllocSlot reserves a callsite cache slot.
func (a *Assembly) AllocSlot() uint16 {
	idx := uint16(a.SlotCount)
	a.SlotCount++
	return idx
}

// AddSourceLocation maps offset to pos. Consecutive entries for the same
// position are merged.
func (a *Assembly) AddSourceLocation(offset int, pos diag.Position) {
	if !pos.IsValid() {
		return
	}
	loc := SourceLocation{Offset: uint32(offset), Line: uint32(pos.Line), Column: uint32(pos.Column)}
	if n := len(a.SourceMap); n > 0 {
		last := a.SourceMap[n-1]
		if last.Line == loc.Line && last.Column == loc.Column {
			return
		}
		if last.Offset == loc.Offset {
			a.SourceMap[n-1] = loc
			return
		}
	}
	a.SourceMap = append(a.SourceMap, loc)
}

// Position returns the source position of the instruction at pc.
func (a *Assembly) Position(pc int) diag.Position {
	i := sort.Search(len(a.SourceMap), func(i int) bool { return int(a.SourceMap[i].Offset) > pc }) - 1
	if i < 0 {
		return diag.Position{}
	}
	loc := a.SourceMap[i]
	return diag.Position{Line: int(loc.Line), Column: int(loc.Column)}
}

// Slot returns callsite cache slot i.
func (a *Assembly) Slot(i uint16) *Slot {
	a.slotsOnce.Do(func() { a.slots = make([]Slot, a.SlotCount) })
	if int(i) >= len(a.slots) {
		return nil
	}
	return &a.slots[i]
}

// Validate checks that every instruction is known and that its operands
// reference existing constants, slots and code offsets.
func (a *Assembly) Validate() error {
	for pc := 0; pc < len(a.Code); {
		op := Opcode(a.Code[pc])
		info, ok := GetOpcodeInfo(op)
		if !ok {
			return fmt.Errorf("offset %d: unknown opcode 0x%02X", pc, byte(op))
		}
		next := pc + 1 + info.OperandLen()
		if next > len(a.Code) {
			return fmt.Errorf("offset %d: truncated %s", pc, op)
		}
		switch op {
		case OpConst, OpEmitConst, OpLoadVar, OpStoreVar, OpDefineVar, OpMacro,
			OpGetMember, OpSetMember, OpCallMethod:
			if idx := binary.BigEndian.Uint16(a.Code[pc+1:]); int(idx) >= len(a.Constants) {
				return fmt.Errorf("offset %d: %s constant %d out of range", pc, op, idx)
			}
		}
		if op.HasSlot() {
			if slot := binary.BigEndian.Uint16(a.Code[next-2:]); slot != NoSlot && int(slot) >= a.SlotCount {
				return fmt.Errorf("offset %d: %s slot %d out of range", pc, op, slot)
			}
		}
		if op.IsJump() {
			if target := binary.BigEndian.Uint32(a.Code[next-4:]); int64(target) > int64(len(a.Code)) {
				return fmt.Errorf("offset %d: %s target %d out of range", pc, op, target)
			}
		}
		pc = next
	}
	return nil
}
