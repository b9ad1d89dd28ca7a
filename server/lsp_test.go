package server

import (
	"strings"
	"testing"

	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/chazu/quill/compiler"
	"github.com/chazu/quill/diag"
	"github.com/chazu/quill/vm"
)

// ---------------------------------------------------------------------------
// Completion
// ---------------------------------------------------------------------------

func TestCompletionContext(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		pos    protocol.Position
		sigil  byte
		prefix string
	}{
		{"directive", "#fo", protocol.Position{Line: 0, Character: 3}, '#', "fo"},
		{"brace directive", "x#{el", protocol.Position{Line: 0, Character: 5}, '#', "el"},
		{"variable", "Hello $na", protocol.Position{Line: 0, Character: 9}, '$', "na"},
		{"brace variable", "${na", protocol.Position{Line: 0, Character: 4}, '$', "na"},
		{"bare sigil", "Hello $", protocol.Position{Line: 0, Character: 7}, '$', ""},
		{"macro", "@foo", protocol.Position{Line: 0, Character: 2}, '@', "f"},
		{"second line", "a\n#lo", protocol.Position{Line: 1, Character: 3}, '#', "lo"},
		{"plain text", "hello", protocol.Position{Line: 0, Character: 5}, 0, ""},
		{"start of line", "hello", protocol.Position{Line: 0, Character: 0}, 0, ""},
		{"beyond document", "x", protocol.Position{Line: 4, Character: 0}, 0, ""},
		{"empty", "", protocol.Position{}, 0, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sigil, prefix := completionContext(tc.text, tc.pos)
			if sigil != tc.sigil || prefix != tc.prefix {
				t.Errorf("completionContext = (%q, %q), want (%q, %q)", sigil, prefix, tc.sigil, tc.prefix)
			}
		})
	}
}

func labels(items []protocol.CompletionItem) string {
	var out []string
	for _, it := range items {
		out = append(out, it.Label)
	}
	return strings.Join(out, ",")
}

func TestComplete(t *testing.T) {
	tests := []struct {
		name string
		text string
		pos  protocol.Position
		want string
	}{
		{"directives", "#fo", protocol.Position{Line: 0, Character: 3}, "foreach"},
		{"directives by prefix", "#e", protocol.Position{Line: 0, Character: 2}, "elseif,else,end,each"},
		{"brace directives", "#{el", protocol.Position{Line: 0, Character: 4}, "elseif,else"},
		{"variables", "#set($title = 'x')\n$ti", protocol.Position{Line: 1, Character: 3}, "title"},
		{"all variables", "$b $a $", protocol.Position{Line: 0, Character: 7}, "a,b"},
		{"case-insensitive", "$Name $n", protocol.Position{Line: 0, Character: 8}, "Name"},
		{"macros", "$footer @header @f", protocol.Position{Line: 0, Character: 18}, "footer"},
		{"unparsable document", "#if($user.name\n$us", protocol.Position{Line: 1, Character: 3}, "user"},
		{"plain text", "hello", protocol.Position{Line: 0, Character: 5}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := labels(complete(tc.text, tc.pos)); got != tc.want {
				t.Errorf("complete = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCompleteItemKinds(t *testing.T) {
	items := complete("#se", protocol.Position{Line: 0, Character: 3})
	if len(items) != 1 {
		t.Fatalf("items = %v", labels(items))
	}
	if *items[0].Kind != protocol.CompletionItemKindKeyword || *items[0].Detail != "directive" {
		t.Errorf("kind = %v, detail = %q", *items[0].Kind, *items[0].Detail)
	}
	items = complete("$name $n", protocol.Position{Line: 0, Character: 8})
	if len(items) != 1 || *items[0].Kind != protocol.CompletionItemKindVariable {
		t.Errorf("variable items = %v", labels(items))
	}
}

// ---------------------------------------------------------------------------
// Analysis and diagnostics
// ---------------------------------------------------------------------------

func TestAnalyzeCompiles(t *testing.T) {
	r := analyze("doc", "Hello $user.name!", vm.OptimizeAll)
	if len(r.diags) != 0 {
		t.Fatalf("diags = %s", r.diags)
	}
	if r.asm == nil {
		t.Fatal("no assembly for a valid document")
	}
	if r.asm.Level != vm.OptimizeAll || r.asm.SlotCount != 1 {
		t.Errorf("level = %s, slots = %d", r.asm.Level, r.asm.SlotCount)
	}

	r = analyze("doc", "Hello $user.name!", vm.OptimizeNone)
	if r.asm == nil || r.asm.SlotCount != 0 {
		t.Errorf("optimize=none allocated callsite slots")
	}
}

func TestAnalyzeShape(t *testing.T) {
	a := analyze("a", "Hi $who", vm.OptimizeAll)
	b := analyze("b", "Hi ${$who}", vm.OptimizeAll)
	c := analyze("a", "Hi $whom", vm.OptimizeAll)
	if len(a.shape) != 64 {
		t.Fatalf("shape = %q", a.shape)
	}
	if a.shape != b.shape {
		t.Error("equivalent documents have different shapes")
	}
	if a.shape == c.shape {
		t.Error("different documents share a shape")
	}
	if r := analyze("d", "#if(", vm.OptimizeAll); r.shape != "" {
		t.Error("broken document has a shape")
	}
}

func TestAnalyzeParseError(t *testing.T) {
	r := analyze("doc", "#if($a)x", vm.OptimizeAll)
	if !r.diags.HasErrors() {
		t.Fatal("expected a parse error")
	}
	if r.asm != nil || r.analysis != nil {
		t.Error("a document that does not parse was compiled")
	}
	out := toProtocol(r)
	if len(out) == 0 {
		t.Fatal("no protocol diagnostics")
	}
	if *out[0].Severity != protocol.DiagnosticSeverityError {
		t.Errorf("severity = %v", *out[0].Severity)
	}
	if out[0].Code == nil || out[0].Code.Value != r.diags[0].Code {
		t.Errorf("code = %v, want %s", out[0].Code, r.diags[0].Code)
	}
	if *out[0].Source != lspName {
		t.Errorf("source = %q", *out[0].Source)
	}
}

func TestToProtocolSeverities(t *testing.T) {
	r := &report{
		diags: diag.List{
			diag.Errorf(diag.CodeParse, diag.Position{Line: 2, Column: 5}, "bad"),
			diag.Warningf(diag.CodeUndefinedMacro, diag.Position{}, "missing"),
		},
		notes: []compiler.Note{{
			Span: compiler.Span{
				Start: compiler.Position{Line: 1, Column: 1},
				End:   compiler.Position{Line: 1, Column: 9},
			},
			Message: "condition is always true",
		}},
	}
	out := toProtocol(r)
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}

	want := []protocol.DiagnosticSeverity{
		protocol.DiagnosticSeverityError,
		protocol.DiagnosticSeverityWarning,
		protocol.DiagnosticSeverityHint,
	}
	for i, sev := range want {
		if *out[i].Severity != sev {
			t.Errorf("[%d] severity = %v, want %v", i, *out[i].Severity, sev)
		}
	}

	if rng := out[0].Range; rng.Start.Line != 1 || rng.Start.Character != 4 || rng.End.Character != 5 {
		t.Errorf("error range = %+v", rng)
	}
	if rng := out[1].Range; rng != (protocol.Range{}) {
		t.Errorf("unknown position range = %+v", rng)
	}
	if rng := out[2].Range; rng.Start.Character != 0 || rng.End.Character != 8 {
		t.Errorf("note range = %+v", rng)
	}
	if out[2].Code != nil {
		t.Error("notes carry no code")
	}
}

func TestAnalyzeNotes(t *testing.T) {
	r := analyze("doc", "#if(true)a#{else}b#end", vm.OptimizeNone)
	if r.diags.HasErrors() {
		t.Fatalf("diags = %s", r.diags)
	}
	hints := 0
	for _, d := range toProtocol(r) {
		if *d.Severity == protocol.DiagnosticSeverityHint {
			hints++
		}
	}
	if hints == 0 {
		t.Error("constant condition produced no hint")
	}
}

// ---------------------------------------------------------------------------
// Hover
// ---------------------------------------------------------------------------

func hoverText(t *testing.T, text string, pos protocol.Position) string {
	t.Helper()
	h := hover(analyze("doc.qt", text, vm.OptimizeAll), text, pos)
	if h == nil {
		t.Fatal("hover returned nil")
	}
	mc, ok := h.Contents.(protocol.MarkupContent)
	if !ok || mc.Kind != protocol.MarkupKindMarkdown {
		t.Fatalf("contents = %#v", h.Contents)
	}
	return mc.Value
}

func TestHover(t *testing.T) {
	const doc = "#set($greeting = 'Hi')\n$greeting $name @footer"
	tests := []struct {
		name string
		pos  protocol.Position
		want []string
	}{
		{"directive", protocol.Position{Line: 0, Character: 2}, []string{"**#set** directive"}},
		{"assigned variable", protocol.Position{Line: 1, Character: 3}, []string{"**$greeting**", "assigned in this template"}},
		{"environment variable", protocol.Position{Line: 1, Character: 12}, []string{"**$name**", "read from the environment"}},
		{"macro", protocol.Position{Line: 1, Character: 18}, []string{"**@footer** macro"}},
		{"summary", protocol.Position{Line: 0, Character: 19}, []string{"**doc.qt**: optimize=all", "instructions", "constants", "callsite slots", "Variables: `greeting name`"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := hoverText(t, doc, tc.pos)
			for _, w := range tc.want {
				if !strings.Contains(got, w) {
					t.Errorf("hover = %q, want it to contain %q", got, w)
				}
			}
		})
	}
}

func TestHoverBrokenDocument(t *testing.T) {
	got := hoverText(t, "#if($a", protocol.Position{Line: 0, Character: 0})
	if !strings.Contains(got, "does not compile") {
		t.Errorf("hover = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Text extraction helpers
// ---------------------------------------------------------------------------

func TestWordAt(t *testing.T) {
	tests := []struct {
		text  string
		pos   protocol.Position
		word  string
		sigil byte
	}{
		{"hello world", protocol.Position{Line: 0, Character: 3}, "hello", 0},
		{"hello world", protocol.Position{Line: 0, Character: 5}, "hello", 0},
		{"hello world", protocol.Position{Line: 0, Character: 8}, "world", ' '},
		{"a $my_var b", protocol.Position{Line: 0, Character: 4}, "my_var", '$'},
		{"${user}", protocol.Position{Line: 0, Character: 3}, "user", '$'},
		{"#{else}", protocol.Position{Line: 0, Character: 3}, "else", '#'},
		{"first\n@macro", protocol.Position{Line: 1, Character: 6}, "macro", '@'},
		{"", protocol.Position{}, "", 0},
		{"single line", protocol.Position{Line: 5, Character: 0}, "", 0},
	}
	for _, tc := range tests {
		word, sigil := wordAt(tc.text, tc.pos)
		if word != tc.word || sigil != tc.sigil {
			t.Errorf("wordAt(%q, %v) = (%q, %q), want (%q, %q)", tc.text, tc.pos, word, sigil, tc.word, tc.sigil)
		}
	}
}

func TestDocumentNames(t *testing.T) {
	vars, macros := documentNames("$b #if($a && $b)@x#end @y $a")
	if strings.Join(vars, ",") != "a,b" {
		t.Errorf("vars = %v", vars)
	}
	if strings.Join(macros, ",") != "x,y" {
		t.Errorf("macros = %v", macros)
	}
}

func TestBoolPtr(t *testing.T) {
	if p := boolPtr(true); p == nil || !*p {
		t.Error("boolPtr(true)")
	}
	if p := boolPtr(false); p == nil || *p {
		t.Error("boolPtr(false)")
	}
}
