// Package server implements the Quill language server.
package server

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/quill/compiler"
	"github.com/chazu/quill/compiler/hash"
	"github.com/chazu/quill/diag"
	"github.com/chazu/quill/vm"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "quill-lsp"

var log = commonlog.GetLogger("quill.server")

// LspServer publishes template diagnostics and offers completion and hover
// for Quill templates.
type LspServer struct {
	worker *Worker
	level  vm.OptimizeLevel

	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a language server that compiles documents at level.
func NewLSP(level vm.OptimizeLevel) *LspServer {
	s := &LspServer{
		worker:  NewWorker(),
		level:   level,
		docs:    make(map[string]string),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	log.Infof("initializing (optimize=%s)", s.level)

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{
		TriggerCharacters: []string{"#", "$", "@", "{"},
	}

	capabilities.HoverProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	log.Info("initialized")
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	log.Info("shutting down")
	s.worker.Stop()
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text
	log.Debugf("open %s", uri)

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			s.mu.Unlock()

			s.publishDiagnostics(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI
	log.Debugf("close %s", uri)

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	return complete(text, params.Position), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	uri := params.TextDocument.URI
	text, ok := s.document(uri)
	if !ok {
		return nil, nil
	}

	result, err := s.worker.Do(func() any {
		return hover(analyze(string(uri), text, s.level), text, params.Position)
	})
	if err != nil {
		log.Warningf("hover %s: %s", uri, err)
		return nil, nil
	}
	h, _ := result.(*protocol.Hover)
	return h, nil
}

// --- Analysis ---

// report is what the server knows about one version of a document.
type report struct {
	level    vm.OptimizeLevel
	diags    diag.List
	notes    []compiler.Note
	analysis *compiler.Analysis
	asm      *vm.Assembly // nil when the document does not compile
	shape    string       // structure hash, stable across cosmetic edits
}

// analyze parses and compiles a document.
func analyze(name, text string, level vm.OptimizeLevel) *report {
	r := &report{level: level}
	tpl, diags := compiler.Parse(name, text)
	r.diags = diags
	if diags.HasErrors() {
		return r
	}
	r.analysis = compiler.Analyze(tpl)
	r.notes = r.analysis.Notes
	sum := hash.Template(tpl)
	r.shape = hex.EncodeToString(sum[:])
	asm, cdiags := compiler.Compile(tpl, level)
	r.diags.Append(cdiags)
	if !cdiags.HasErrors() {
		r.asm = asm
	}
	return r
}

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	result, err := s.worker.Do(func() any {
		return analyze(string(uri), text, s.level)
	})
	if err != nil {
		log.Errorf("analyze %s: %s", uri, err)
		return
	}
	r := result.(*report)
	log.Debugf("%s: %d diagnostics", uri, len(r.diags))

	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: toProtocol(r),
	})
}

// toProtocol converts a report's diagnostics and notes to LSP diagnostics.
func toProtocol(r *report) []protocol.Diagnostic {
	source := lspName
	out := make([]protocol.Diagnostic, 0, len(r.diags)+len(r.notes))
	for _, d := range r.diags {
		severity := protocol.DiagnosticSeverityError
		if d.Severity == diag.SeverityWarning {
			severity = protocol.DiagnosticSeverityWarning
		}
		out = append(out, protocol.Diagnostic{
			Range:    pointRange(d.Pos),
			Severity: &severity,
			Code:     &protocol.IntegerOrString{Value: d.Code},
			Source:   &source,
			Message:  d.Message,
		})
	}
	for _, n := range r.notes {
		severity := protocol.DiagnosticSeverityHint
		out = append(out, protocol.Diagnostic{
			Range:    spanRange(n.Span),
			Severity: &severity,
			Source:   &source,
			Message:  n.Message,
		})
	}
	return out
}

// pointRange converts a 1-based diagnostic position to a one-character range.
func pointRange(pos diag.Position) protocol.Range {
	if !pos.IsValid() {
		return protocol.Range{}
	}
	start := protocol.Position{
		Line:      protocol.UInteger(pos.Line - 1),
		Character: protocol.UInteger(max(pos.Column-1, 0)),
	}
	end := start
	end.Character++
	return protocol.Range{Start: start, End: end}
}

func spanRange(span compiler.Span) protocol.Range {
	r := pointRange(span.Start.Diag())
	if span.End.Line > 0 {
		r.End = protocol.Position{
			Line:      protocol.UInteger(span.End.Line - 1),
			Character: protocol.UInteger(max(span.End.Column-1, 0)),
		}
	}
	return r
}

// --- Completion ---

// complete offers directives after '#' and names seen in the document after
// '$' and '@'.
func complete(text string, pos protocol.Position) []protocol.CompletionItem {
	sigil, prefix := completionContext(text, pos)

	var (
		names  []string
		kind   protocol.CompletionItemKind
		detail string
	)
	switch sigil {
	case '#':
		names = compiler.Directives()
		kind = protocol.CompletionItemKindKeyword
		detail = "directive"
	case '$':
		names, _ = documentNames(text)
		kind = protocol.CompletionItemKindVariable
		detail = "variable"
	case '@':
		vars, macros := documentNames(text)
		names = mergeSorted(vars, macros)
		kind = protocol.CompletionItemKindFunction
		detail = "macro"
	default:
		return nil
	}

	var items []protocol.CompletionItem
	lowerPrefix := strings.ToLower(prefix)
	for _, name := range names {
		if name == prefix || !strings.HasPrefix(strings.ToLower(name), lowerPrefix) {
			continue
		}
		nameCopy := name
		items = append(items, protocol.CompletionItem{
			Label:      name,
			Kind:       &kind,
			Detail:     &detail,
			InsertText: &nameCopy,
		})
	}

	const maxItems = 100
	if len(items) > maxItems {
		items = items[:maxItems]
	}
	return items
}

// completionContext returns the sigil that introduces the word before the
// cursor, and the word typed so far. The sigil is zero outside a name.
func completionContext(text string, pos protocol.Position) (byte, string) {
	line, col, ok := lineAt(text, pos)
	if !ok {
		return 0, ""
	}

	start := col
	for start > 0 && isNameByte(line[start-1]) {
		start--
	}
	if start == 0 {
		return 0, ""
	}
	sigil := line[start-1]
	if sigil == '{' && start >= 2 && (line[start-2] == '#' || line[start-2] == '$') {
		sigil = line[start-2]
	}
	switch sigil {
	case '#', '$', '@':
		return sigil, line[start:col]
	}
	return 0, ""
}

// documentNames returns the variable and macro names that appear in text.
// It works from tokens so a document that does not parse still completes.
func documentNames(text string) (vars, macros []string) {
	seenVars := make(map[string]bool)
	seenMacros := make(map[string]bool)
	for _, tok := range compiler.Tokenize(text) {
		switch tok.Type {
		case compiler.TokenVariable:
			seenVars[tok.Literal] = true
		case compiler.TokenMacro:
			seenMacros[tok.Literal] = true
		}
	}
	return sortedNames(seenVars), sortedNames(seenMacros)
}

func sortedNames(m map[string]bool) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func mergeSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		seen[s] = true
	}
	return sortedNames(seen)
}

// --- Hover ---

// hover describes the name under the cursor, or the compiled document when
// the cursor is not on a name.
func hover(r *report, text string, pos protocol.Position) *protocol.Hover {
	word, sigil := wordAt(text, pos)

	var b strings.Builder
	switch {
	case sigil == '#' && compiler.IsDirective(word):
		fmt.Fprintf(&b, "**#%s** directive", word)
	case sigil == '$' && r.analysis != nil:
		fmt.Fprintf(&b, "**$%s**", word)
		if contains(r.analysis.Assigned, word) {
			b.WriteString("\n\nassigned in this template")
		} else {
			b.WriteString("\n\nread from the environment")
		}
	case sigil == '@':
		fmt.Fprintf(&b, "**@%s** macro: expands the template held by `$%s`", word, word)
	default:
		summarize(&b, r)
	}

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: b.String(),
		},
	}
}

// summarize writes the optimization summary of a report.
func summarize(b *strings.Builder, r *report) {
	if r.asm == nil {
		fmt.Fprintf(b, "**%s**: does not compile (%d errors)", r.level, len(r.diags.Errors()))
		return
	}
	fmt.Fprintf(b, "**%s**: optimize=%s\n\n", r.asm.Name, r.asm.Level)
	fmt.Fprintf(b, "- %d instructions\n", len(vm.Instructions(r.asm)))
	fmt.Fprintf(b, "- %d constants\n", len(r.asm.Constants))
	fmt.Fprintf(b, "- %d callsite slots\n", r.asm.SlotCount)
	fmt.Fprintf(b, "- structure `%.12s`\n", r.shape)
	if a := r.analysis; a != nil {
		if len(a.Variables) > 0 {
			fmt.Fprintf(b, "\nVariables: `%s`\n", strings.Join(a.Variables, " "))
		}
		if len(a.Resources) > 0 {
			fmt.Fprintf(b, "\nResources: `%s`\n", strings.Join(a.Resources, " "))
		}
	}
}

func contains(list []string, s string) bool {
	i := sort.SearchStrings(list, s)
	return i < len(list) && list[i] == s
}

// --- Text extraction helpers ---

func lineAt(text string, pos protocol.Position) (string, int, bool) {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return "", 0, false
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}
	return line, col, true
}

// wordAt returns the name under the cursor and the sigil before it, if any.
func wordAt(text string, pos protocol.Position) (string, byte) {
	line, col, ok := lineAt(text, pos)
	if !ok {
		return "", 0
	}

	start := col
	for start > 0 && isNameByte(line[start-1]) {
		start--
	}
	end := col
	for end < len(line) && isNameByte(line[end]) {
		end++
	}
	if start == end {
		return "", 0
	}

	var sigil byte
	if start > 0 {
		sigil = line[start-1]
		if sigil == '{' && start >= 2 {
			sigil = line[start-2]
		}
	}
	return line[start:end], sigil
}

func isNameByte(c byte) bool {
	r := rune(c)
	return unicode.IsLetter(r) || unicode.IsDigit(r) || c == '_'
}

func boolPtr(b bool) *bool {
	return &b
}
