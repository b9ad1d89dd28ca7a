package vm

import (
	"strings"
	"testing"

	"github.com/chazu/quill/diag"
)

func TestDisassemble(t *testing.T) {
	b := newBuilder(OptimizeCallsite)
	b.text("Hi ")
	b.asm.AddSourceLocation(b.asm.CurrentOffset(), diag.Position{Line: 1, Column: 4})
	b.load("user").emit(OpGetMember, b.name("Name"), b.slot()).emit(OpEmit)
	b.load("xs").push(FromInt64(0)).emit(OpGetIndex, 1, b.slot()).emit(OpEmit)
	b.load("user").emit(OpCallMethod, b.name("Greet"), 0, b.slot()).emit(OpEmit)
	b.push(FromInt64(1)).push(FromInt64(3)).emit(OpIterRange, 0)
	b.emit(OpMacro, b.name("footer"))
	b.emit(OpJump, 0)

	out := Disassemble(b.asm)
	for _, want := range []string{
		"; === test ===",
		"optimize=callsite, slots=3",
		`string "Hi "`,
		"EMIT_CONST 0 ; \"Hi \"",
		"LOAD_VAR 1 ; user",
		"GET_MEMBER 2 #0 ; .Name",
		"; 1:4",
		"GET_INDEX argc=1 #1",
		"CALL_METHOD 5 argc=0 #2 ; .Greet()",
		"ITER_RANGE  ",
		"MACRO 8 ; footer",
		"JUMP -> 0000",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}

func TestDisassembleNoSlot(t *testing.T) {
	b := newBuilder(OptimizeNone)
	b.load("p").emit(OpGetMember, b.name("X"), b.slot())
	lines := Instructions(b.asm)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[1], "GET_MEMBER 1 - ; .X") {
		t.Errorf("line = %q", lines[1])
	}
}

func TestDisassembleMalformed(t *testing.T) {
	asm := NewAssembly("bad", OptimizeNone)
	asm.Code = []byte{0xEE, byte(OpConst), 0}
	lines := Instructions(asm)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "UNKNOWN(0xEE)") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "CONST <truncated>") {
		t.Errorf("line 1 = %q", lines[1])
	}
}
