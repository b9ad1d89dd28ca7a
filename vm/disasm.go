package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of asm: a header, the constant
// pool and one line per instruction.
func Disassemble(asm *Assembly) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "; === %s ===\n", asm.Name)
	fmt.Fprintf(&sb, "; Quill Assembly v%d, optimize=%s, slots=%d\n", AssemblyVersion, asm.Level, asm.SlotCount)
	sb.WriteString("\n")

	if len(asm.Constants) > 0 {
		sb.WriteString("; Constants:\n")
		for i, c := range asm.Constants {
			fmt.Fprintf(&sb, ";   [%3d] %s %s\n", i, c.Kind(), displayConstant(c))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("; Code:\n")
	for _, line := range Instructions(asm) {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Instructions returns one formatted line per instruction.
func Instructions(asm *Assembly) []string {
	var lines []string
	for offset := 0; offset < len(asm.Code); {
		text, n := disassembleInstruction(asm, offset)
		if pos := asm.Position(offset); pos.IsValid() {
			text = fmt.Sprintf("%04X  %-40s ; %s", offset, text, pos)
		} else {
			text = fmt.Sprintf("%04X  %s", offset, text)
		}
		lines = append(lines, text)
		offset += n
	}
	return lines
}

func displayConstant(v Value) string {
	s := FormatScalar(v)
	if len(s) > 40 {
		s = s[:37] + "..."
	}
	if v.kind == KindString {
		return fmt.Sprintf("%q", s)
	}
	return s
}

func slotText(slot uint16) string {
	if slot == NoSlot {
		return "-"
	}
	return fmt.Sprintf("#%d", slot)
}

// disassembleInstruction formats the instruction at offset and returns its
// length.
func disassembleInstruction(asm *Assembly, offset int) (string, int) {
	code := asm.Code
	op := Opcode(code[offset])
	info, ok := GetOpcodeInfo(op)
	if !ok {
		return info.Name, 1
	}
	n := 1 + info.OperandLen()
	if offset+n > len(code) {
		return fmt.Sprintf("%s <truncated>", info.Name), len(code) - offset
	}

	args := code[offset+1 : offset+n]
	u16 := func(at int) uint16 { return binary.BigEndian.Uint16(args[at:]) }
	constant := func(idx uint16) string {
		if c, ok := asm.Constant(idx); ok {
			return displayConstant(c)
		}
		return "<bad constant>"
	}
	name := func(idx uint16) string {
		if c, ok := asm.Constant(idx); ok && c.kind == KindString {
			return c.str
		}
		return "<bad name>"
	}

	switch op {
	case OpConst, OpEmitConst:
		return fmt.Sprintf("%s %d ; %s", info.Name, u16(0), constant(u16(0))), n

	case OpLoadVar, OpStoreVar, OpDefineVar, OpMacro:
		return fmt.Sprintf("%s %d ; %s", info.Name, u16(0), name(u16(0))), n

	case OpGetMember, OpSetMember:
		return fmt.Sprintf("%s %d %s ; .%s", info.Name, u16(0), slotText(u16(2)), name(u16(0))), n

	case OpGetIndex, OpSetIndex:
		return fmt.Sprintf("%s argc=%d %s", info.Name, args[0], slotText(u16(1))), n

	case OpCallMethod:
		return fmt.Sprintf("%s %d argc=%d %s ; .%s()", info.Name, u16(0), args[2], slotText(u16(3)), name(u16(0))), n

	case OpCall:
		return fmt.Sprintf("%s argc=%d", info.Name, args[0]), n

	case OpIterRange:
		if args[0] != 0 {
			return info.Name + " step", n
		}
		return info.Name, n
	}

	if op.IsJump() {
		return fmt.Sprintf("%s -> %04X", info.Name, binary.BigEndian.Uint32(args)), n
	}
	return info.Name, n
}
