package vm

import "fmt"

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction. Opcodes are grouped into
// ranges by category.
//
// Operand encoding is big-endian. Name and constant operands index the
// constant pool (u16). Jump targets are absolute code offsets (u32). Slot
// operands index the callsite caches (u16, NoSlot for none).
type Opcode byte

// Stack Operations
const (
	OpNop Opcode = 0x00 // no operation
	OpPop Opcode = 0x01 // discard top of stack
	OpDup Opcode = 0x02 // duplicate top of stack
)

// Push Constants
const (
	OpConst      Opcode = 0x10 // push constant <index:u16>
	OpConstNull  Opcode = 0x11 // push null
	OpConstTrue  Opcode = 0x12 // push true
	OpConstFalse Opcode = 0x13 // push false
)

// Variable Operations
const (
	OpLoadVar   Opcode = 0x20 // push variable <name:u16>
	OpStoreVar  Opcode = 0x21 // pop into innermost binding or root <name:u16>
	OpDefineVar Opcode = 0x22 // pop into current scope <name:u16>
)

// Host Access
const (
	OpGetMember  Opcode = 0x30 // recv -> recv.name <name:u16> <slot:u16>
	OpSetMember  Opcode = 0x31 // recv value -> <name:u16> <slot:u16>
	OpGetIndex   Opcode = 0x32 // recv args... -> recv[args] <argc:u8> <slot:u16>
	OpSetIndex   Opcode = 0x33 // recv args... value -> <argc:u8> <slot:u16>
	OpCallMethod Opcode = 0x34 // recv args... -> result <name:u16> <argc:u8> <slot:u16>
	OpCall       Opcode = 0x35 // callee args... -> result <argc:u8>
)

// Arithmetic
const (
	OpAdd Opcode = 0x40
	OpSub Opcode = 0x41
	OpMul Opcode = 0x42
	OpDiv Opcode = 0x43
	OpMod Opcode = 0x44
	OpNeg Opcode = 0x45
)

// Comparison and logic
const (
	OpEq     Opcode = 0x50
	OpNe     Opcode = 0x51
	OpLt     Opcode = 0x52
	OpLe     Opcode = 0x53
	OpGt     Opcode = 0x54
	OpGe     Opcode = 0x55
	OpNot    Opcode = 0x56
	OpToBool Opcode = 0x57 // replace top of stack with its truthiness
)

// Control Flow
const (
	OpJump      Opcode = 0x60 // <target:u32>
	OpJumpFalse Opcode = 0x61 // pop, jump when falsy <target:u32>
	OpAndJump   Opcode = 0x62 // pop; when falsy push false and jump <target:u32>
	OpOrJump    Opcode = 0x63 // pop; when truthy push true and jump <target:u32>
)

// Scopes
const (
	OpEnterScope Opcode = 0x70
	OpExitScope  Opcode = 0x71
)

// Output
const (
	OpEmitConst Opcode = 0x80 // append constant text <index:u16>
	OpEmit      Opcode = 0x81 // pop and append formatted value

	OpCaptureBegin Opcode = 0x82 // redirect output into a new buffer
	OpCaptureEnd   Opcode = 0x83 // push the buffer's text as a string
)

// Iteration
const (
	OpIterRange     Opcode = 0x90 // start end [step] -> iterator <hasStep:u8>
	OpIterEach      Opcode = 0x91 // collection -> iterator
	OpIterNext      Opcode = 0x92 // push next item, or drop iterator and jump <exit:u32>
	OpIterSkipFirst Opcode = 0x93 // jump on the first iteration <target:u32>
)

// Resources
const (
	OpInclude Opcode = 0xA0 // pop path, append resource text
	OpParse   Opcode = 0xA1 // pop path, render resource
	OpMacro   Opcode = 0xA2 // expand macro <name:u16>
)

// NoSlot marks an access site without a callsite cache.
const NoSlot uint16 = 0xFFFF

// OpcodeInfo provides metadata about each opcode for debugging and validation.
type OpcodeInfo struct {
	Name      string // Human-readable name
	StackPop  int    // Values popped (-1 = depends on operands)
	StackPush int    // Values pushed
	Operands  []int  // Byte width of each operand
}

// OperandLen returns the total operand byte count.
func (i OpcodeInfo) OperandLen() int {
	n := 0
	for _, w := range i.Operands {
		n += w
	}
	return n
}

var (
	noOperands = []int(nil)
	u8         = []int{1}
	u16        = []int{2}
	u32        = []int{4}
	nameSlot   = []int{2, 2}
	argcSlot   = []int{1, 2}
)

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpNop: {"NOP", 0, 0, noOperands},
	OpPop: {"POP", 1, 0, noOperands},
	OpDup: {"DUP", 1, 2, noOperands},

	OpConst:      {"CONST", 0, 1, u16},
	OpConstNull:  {"CONST_NULL", 0, 1, noOperands},
	OpConstTrue:  {"CONST_TRUE", 0, 1, noOperands},
	OpConstFalse: {"CONST_FALSE", 0, 1, noOperands},

	OpLoadVar:   {"LOAD_VAR", 0, 1, u16},
	OpStoreVar:  {"STORE_VAR", 1, 0, u16},
	OpDefineVar: {"DEFINE_VAR", 1, 0, u16},

	OpGetMember:  {"GET_MEMBER", 1, 1, nameSlot},
	OpSetMember:  {"SET_MEMBER", 2, 0, nameSlot},
	OpGetIndex:   {"GET_INDEX", -1, 1, argcSlot},
	OpSetIndex:   {"SET_INDEX", -1, 0, argcSlot},
	OpCallMethod: {"CALL_METHOD", -1, 1, []int{2, 1, 2}},
	OpCall:       {"CALL", -1, 1, u8},

	OpAdd: {"ADD", 2, 1, noOperands},
	OpSub: {"SUB", 2, 1, noOperands},
	OpMul: {"MUL", 2, 1, noOperands},
	OpDiv: {"DIV", 2, 1, noOperands},
	OpMod: {"MOD", 2, 1, noOperands},
	OpNeg: {"NEG", 1, 1, noOperands},

	OpEq:     {"EQ", 2, 1, noOperands},
	OpNe:     {"NE", 2, 1, noOperands},
	OpLt:     {"LT", 2, 1, noOperands},
	OpLe:     {"LE", 2, 1, noOperands},
	OpGt:     {"GT", 2, 1, noOperands},
	OpGe:     {"GE", 2, 1, noOperands},
	OpNot:    {"NOT", 1, 1, noOperands},
	OpToBool: {"TO_BOOL", 1, 1, noOperands},

	OpJump:      {"JUMP", 0, 0, u32},
	OpJumpFalse: {"JUMP_FALSE", 1, 0, u32},
	OpAndJump:   {"AND_JUMP", 1, -1, u32},
	OpOrJump:    {"OR_JUMP", 1, -1, u32},

	OpEnterScope: {"ENTER_SCOPE", 0, 0, noOperands},
	OpExitScope:  {"EXIT_SCOPE", 0, 0, noOperands},

	OpEmitConst: {"EMIT_CONST", 0, 0, u16},
	OpEmit:      {"EMIT", 1, 0, noOperands},

	OpCaptureBegin: {"CAPTURE_BEGIN", 0, 0, noOperands},
	OpCaptureEnd:   {"CAPTURE_END", 0, 1, noOperands},

	OpIterRange:     {"ITER_RANGE", -1, 0, u8},
	OpIterEach:      {"ITER_EACH", 1, 0, noOperands},
	OpIterNext:      {"ITER_NEXT", 0, -1, u32},
	OpIterSkipFirst: {"ITER_SKIP_FIRST", 0, 0, u32},

	OpInclude: {"INCLUDE", 1, 0, noOperands},
	OpParse:   {"PARSE", 1, 0, noOperands},
	OpMacro:   {"MACRO", 0, 0, u16},
}

// binaryOpcodes maps operator opcodes onto the shared operator table.
var binaryOpcodes = map[Opcode]BinaryOp{
	OpAdd: BinAdd, OpSub: BinSub, OpMul: BinMul, OpDiv: BinDiv, OpMod: BinMod,
	OpEq: BinEq, OpNe: BinNe, OpLt: BinLt, OpLe: BinLe, OpGt: BinGt, OpGe: BinGe,
}

// OpcodeFor returns the opcode implementing a binary operator.
func OpcodeFor(op BinaryOp) Opcode {
	for code, bin := range binaryOpcodes {
		if bin == op {
			return code
		}
	}
	return OpNop
}

// GetOpcodeInfo returns metadata for an opcode.
func GetOpcodeInfo(op Opcode) (OpcodeInfo, bool) {
	info, ok := opcodeInfoTable[op]
	if !ok {
		return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}, false
	}
	return info, true
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	info, _ := GetOpcodeInfo(op)
	return info.Name
}

// InstructionLen returns the total length of an instruction.
func (op Opcode) InstructionLen() int {
	info, _ := GetOpcodeInfo(op)
	return 1 + info.OperandLen()
}

// IsJump reports whether the opcode's last operand is a jump target.
func (op Opcode) IsJump() bool {
	switch op {
	case OpJump, OpJumpFalse, OpAndJump, OpOrJump, OpIterNext, OpIterSkipFirst:
		return true
	}
	return false
}

// HasSlot reports whether the opcode carries a callsite slot operand.
func (op Opcode) HasSlot() bool {
	switch op {
	case OpGetMember, OpSetMember, OpGetIndex, OpSetIndex, OpCallMethod:
		return true
	}
	return false
}

// AllOpcodes returns every defined opcode.
func AllOpcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		ops = append(ops, op)
	}
	return ops
}
