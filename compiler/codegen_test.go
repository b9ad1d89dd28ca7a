package compiler

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/chazu/quill/diag"
	"github.com/chazu/quill/vm"
)

type instr struct {
	op   vm.Opcode
	args []byte
}

// decode splits code into instructions.
func decode(t *testing.T, asm *vm.Assembly) []instr {
	t.Helper()
	var out []instr
	for pc := 0; pc < len(asm.Code); {
		op := vm.Opcode(asm.Code[pc])
		n := op.InstructionLen()
		if pc+n > len(asm.Code) {
			t.Fatalf("truncated instruction %s at %d", op, pc)
		}
		out = append(out, instr{op: op, args: asm.Code[pc+1 : pc+n]})
		pc += n
	}
	return out
}

func opcodes(t *testing.T, asm *vm.Assembly) []vm.Opcode {
	t.Helper()
	var ops []vm.Opcode
	for _, in := range decode(t, asm) {
		ops = append(ops, in.op)
	}
	return ops
}

func compileSource(t *testing.T, source string, level vm.OptimizeLevel) *vm.Assembly {
	t.Helper()
	tpl := mustParse(t, source)
	asm, diags := Compile(tpl, level)
	if diags.HasErrors() || asm == nil {
		t.Fatalf("Compile(%q) errors:\n%s", source, diags)
	}
	if err := asm.Validate(); err != nil {
		t.Fatalf("Compile(%q) produced invalid assembly: %v", source, err)
	}
	return asm
}

func sameOps(a, b []vm.Opcode) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCompileText(t *testing.T) {
	asm := compileSource(t, "hello", vm.OptimizeNone)
	ins := decode(t, asm)
	if len(ins) != 1 || ins[0].op != vm.OpEmitConst {
		t.Fatalf("got %v, want one EMIT_CONST", opcodes(t, asm))
	}
	c, _ := asm.Constant(binary.BigEndian.Uint16(ins[0].args))
	if c.Str() != "hello" {
		t.Errorf("constant = %#v, want \"hello\"", c)
	}
}

func TestCompileOutputPatterns(t *testing.T) {
	tests := []struct {
		source string
		want   []vm.Opcode
	}{
		{"$x", []vm.Opcode{vm.OpLoadVar, vm.OpEmit}},
		{"${null}", []vm.Opcode{vm.OpConstNull, vm.OpEmit}},
		{"${true}", []vm.Opcode{vm.OpConstTrue, vm.OpEmit}},
		{"$x.y", []vm.Opcode{vm.OpLoadVar, vm.OpGetMember, vm.OpEmit}},
		{"$x[1]", []vm.Opcode{vm.OpLoadVar, vm.OpConst, vm.OpGetIndex, vm.OpEmit}},
		{"$x.m(1)", []vm.Opcode{vm.OpLoadVar, vm.OpConst, vm.OpCallMethod, vm.OpEmit}},
		{"$f(1)", []vm.Opcode{vm.OpLoadVar, vm.OpConst, vm.OpCall, vm.OpEmit}},
		{"${-$x}", []vm.Opcode{vm.OpLoadVar, vm.OpNeg, vm.OpEmit}},
		{"${!$x}", []vm.Opcode{vm.OpLoadVar, vm.OpNot, vm.OpEmit}},
		{"${$a + $b}", []vm.Opcode{vm.OpLoadVar, vm.OpLoadVar, vm.OpAdd, vm.OpEmit}},
		{"${$a && $b}", []vm.Opcode{vm.OpLoadVar, vm.OpAndJump, vm.OpLoadVar, vm.OpToBool, vm.OpEmit}},
		{"${$a || $b}", []vm.Opcode{vm.OpLoadVar, vm.OpOrJump, vm.OpLoadVar, vm.OpToBool, vm.OpEmit}},
		{`${"a$x"}`, []vm.Opcode{vm.OpCaptureBegin, vm.OpEmitConst, vm.OpLoadVar, vm.OpEmit, vm.OpCaptureEnd, vm.OpEmit}},
		{"@m", []vm.Opcode{vm.OpMacro}},
		{"#include('a')", []vm.Opcode{vm.OpConst, vm.OpInclude}},
		{"#parse('a')", []vm.Opcode{vm.OpConst, vm.OpParse}},
		{"#set($x = 1)", []vm.Opcode{vm.OpConst, vm.OpStoreVar}},
		{"#set($x.y = 1)", []vm.Opcode{vm.OpLoadVar, vm.OpConst, vm.OpSetMember}},
		{"#set($x[0] = 1)", []vm.Opcode{vm.OpLoadVar, vm.OpConst, vm.OpConst, vm.OpSetIndex}},
	}
	for _, tc := range tests {
		asm := compileSource(t, tc.source, vm.OptimizeNone)
		if got := opcodes(t, asm); !sameOps(got, tc.want) {
			t.Errorf("%q: got %v, want %v", tc.source, got, tc.want)
		}
	}
}

func TestCompileIfPattern(t *testing.T) {
	asm := compileSource(t, "#if($a)A#elseif($b)B#else C#end", vm.OptimizeNone)
	want := []vm.Opcode{
		vm.OpLoadVar, vm.OpJumpFalse, vm.OpEmitConst, vm.OpJump,
		vm.OpLoadVar, vm.OpJumpFalse, vm.OpEmitConst, vm.OpJump,
		vm.OpEmitConst,
	}
	if got := opcodes(t, asm); !sameOps(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// The last branch without an else needs no exit jump.
	asm = compileSource(t, "#if($a)A#end", vm.OptimizeNone)
	want = []vm.Opcode{vm.OpLoadVar, vm.OpJumpFalse, vm.OpEmitConst}
	if got := opcodes(t, asm); !sameOps(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCompileLoopPattern(t *testing.T) {
	asm := compileSource(t, "#loop(1 to 3 as $i)$i#each,#end", vm.OptimizeNone)
	want := []vm.Opcode{
		vm.OpConst, vm.OpConst, vm.OpIterRange,
		vm.OpIterNext, vm.OpEnterScope, vm.OpDefineVar,
		vm.OpIterSkipFirst, vm.OpEmitConst,
		vm.OpLoadVar, vm.OpEmit, vm.OpExitScope, vm.OpJump,
	}
	if got := opcodes(t, asm); !sameOps(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	asm = compileSource(t, "#foreach($x in $xs)a#end", vm.OptimizeNone)
	want = []vm.Opcode{
		vm.OpLoadVar, vm.OpIterEach,
		vm.OpIterNext, vm.OpEnterScope, vm.OpDefineVar,
		vm.OpEmitConst, vm.OpExitScope, vm.OpJump,
	}
	if got := opcodes(t, asm); !sameOps(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	asm = compileSource(t, "#loop(1 to 3)a#end", vm.OptimizeNone)
	if ops := opcodes(t, asm); ops[4] != vm.OpEnterScope || ops[5] != vm.OpPop {
		t.Errorf("anonymous loop should discard the value, got %v", ops)
	}
}

func TestCompileJumpTargets(t *testing.T) {
	asm := compileSource(t, "#loop(1 to 3)a#end", vm.OptimizeNone)
	var pc int
	for _, in := range decode(t, asm) {
		if in.op.IsJump() {
			target := int(binary.BigEndian.Uint32(in.args[len(in.args)-4:]))
			if target < 0 || target > len(asm.Code) {
				t.Errorf("%s at %d jumps to %d outside code", in.op, pc, target)
			}
			if in.op == vm.OpIterNext && target != len(asm.Code) {
				t.Errorf("ITER_NEXT exits to %d, want end of code %d", target, len(asm.Code))
			}
		}
		pc += 1 + len(in.args)
	}
}

func TestCompileSlotsByLevel(t *testing.T) {
	source := "$a.b $a.c(1) $a[0] #set($a.d = 1)#set($a[1] = 2)"

	none := compileSource(t, source, vm.OptimizeNone)
	if none.SlotCount != 0 {
		t.Errorf("None: SlotCount = %d, want 0", none.SlotCount)
	}
	for _, in := range decode(t, none) {
		if in.op.HasSlot() {
			slot := binary.BigEndian.Uint16(in.args[len(in.args)-2:])
			if slot != vm.NoSlot {
				t.Errorf("None: %s uses slot %d, want NoSlot", in.op, slot)
			}
		}
	}

	callsite := compileSource(t, source, vm.OptimizeCallsite)
	if callsite.SlotCount != 5 {
		t.Errorf("Callsite: SlotCount = %d, want 5", callsite.SlotCount)
	}
	seen := map[uint16]bool{}
	for _, in := range decode(t, callsite) {
		if in.op.HasSlot() {
			slot := binary.BigEndian.Uint16(in.args[len(in.args)-2:])
			if seen[slot] {
				t.Errorf("Callsite: slot %d reused", slot)
			}
			seen[slot] = true
		}
	}
}

func TestCompileConstantsDeduplicated(t *testing.T) {
	asm := compileSource(t, "$x $x $x", vm.OptimizeNone)
	names := 0
	for _, c := range asm.Constants {
		if c.Str() == "x" {
			names++
		}
	}
	if names != 1 {
		t.Errorf("name x stored %d times, want 1", names)
	}
}

func TestCompileDeterministic(t *testing.T) {
	source := `#foreach($i in $items)${$i.name + "!"}#each, #end ${1 + 2} @m`
	for _, level := range []vm.OptimizeLevel{vm.OptimizeNone, vm.OptimizeCallsite, vm.OptimizeAll} {
		a := compileSource(t, source, level)
		b := compileSource(t, source, level)
		da, err := a.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary: %v", err)
		}
		db, err := b.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary: %v", err)
		}
		if !bytes.Equal(da, db) {
			t.Errorf("level %s: serialized assemblies differ", level)
		}
	}
}

func TestCompileFoldsAtAll(t *testing.T) {
	tests := []struct {
		source string
		text   string
	}{
		{"${1 + 2}", "3"},
		{"${'a' + 1}", "a1"},
		{"${2 * 3 == 6}", "true"},
		{"${!(1 < 2)}", "false"},
		{"${-5}", "-5"},
		{"a#if(true)b#else c#end d", "ab d"},
		{"#if(false)b#elseif(1 == 1)c#end", "c"},
		{"#if(null)b#end", ""},
		{`${"x" + "y"}`, "xy"},
		{"#pragma(trim) a ", "a"},
	}
	for _, tc := range tests {
		asm := compileSource(t, tc.source, vm.OptimizeAll)
		ins := decode(t, asm)
		if tc.text == "" {
			if len(ins) != 0 {
				t.Errorf("%q: got %v, want no code", tc.source, opcodes(t, asm))
			}
			continue
		}
		if len(ins) != 1 || ins[0].op != vm.OpEmitConst {
			t.Errorf("%q: got %v, want one EMIT_CONST", tc.source, opcodes(t, asm))
			continue
		}
		c, _ := asm.Constant(binary.BigEndian.Uint16(ins[0].args))
		if c.Str() != tc.text {
			t.Errorf("%q: folded to %q, want %q", tc.source, c.Str(), tc.text)
		}
	}
}

func TestCompileNoFoldBelowAll(t *testing.T) {
	asm := compileSource(t, "${1 + 2}", vm.OptimizeCallsite)
	want := []vm.Opcode{vm.OpConst, vm.OpConst, vm.OpAdd, vm.OpEmit}
	if got := opcodes(t, asm); !sameOps(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCompileFailingFoldLeftForRuntime(t *testing.T) {
	for _, source := range []string{"${1 / 0}", "${1 % 0}", "${true < 1}", "${-'a'}"} {
		asm := compileSource(t, source, vm.OptimizeAll)
		if ops := opcodes(t, asm); len(ops) < 2 || ops[len(ops)-1] != vm.OpEmit {
			t.Errorf("%q: got %v, want an unfolded expression", source, ops)
		}
	}
}

func TestCompileDynamicBranchKept(t *testing.T) {
	asm := compileSource(t, "#if($a)A#elseif(true)B#elseif($c)C#end", vm.OptimizeAll)
	want := []vm.Opcode{
		vm.OpLoadVar, vm.OpJumpFalse, vm.OpEmitConst, vm.OpJump,
		vm.OpEmitConst,
	}
	if got := opcodes(t, asm); !sameOps(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCompileSourceMap(t *testing.T) {
	asm := compileSource(t, "line1\n  $a.b", vm.OptimizeNone)
	for pc, in := range decodeWithOffsets(t, asm) {
		if in.op == vm.OpGetMember {
			pos := asm.Position(pc)
			if pos.Line != 2 {
				t.Errorf("GET_MEMBER position = %v, want line 2", pos)
			}
		}
	}
}

func decodeWithOffsets(t *testing.T, asm *vm.Assembly) map[int]instr {
	t.Helper()
	out := make(map[int]instr)
	pc := 0
	for _, in := range decode(t, asm) {
		out[pc] = in
		pc += 1 + len(in.args)
	}
	return out
}

func TestCompileNilTemplate(t *testing.T) {
	asm, diags := Compile(nil, vm.OptimizeAll)
	if asm != nil {
		t.Error("Compile(nil) returned an assembly")
	}
	if len(diags) == 0 || diags[0].Code != diag.CodeCompile {
		t.Errorf("diagnostics = %v, want one %s error", diags, diag.CodeCompile)
	}
}

func TestCompileTooManyArguments(t *testing.T) {
	args := make([]Expr, maxArgs+1)
	for i := range args {
		args[i] = &Literal{Value: vm.FromInt64(1)}
	}
	tpl := &Template{Name: "wide", Nodes: []Node{
		&OutputNode{Expr: &CallExpr{Callee: &VariableRef{Name: "f"}, Args: args}},
	}}
	asm, diags := Compile(tpl, vm.OptimizeNone)
	if asm != nil || !diags.HasErrors() {
		t.Fatalf("Compile with %d args: asm=%v diags=%v, want compile error", len(args), asm, diags)
	}
	if diags[0].Code != diag.CodeCompile {
		t.Errorf("code = %s, want %s", diags[0].Code, diag.CodeCompile)
	}
}
