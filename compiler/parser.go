package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"

	"github.com/chazu/quill/diag"
	"github.com/chazu/quill/vm"
)

// ---------------------------------------------------------------------------
// Parser: Recursive descent parser for template source
// ---------------------------------------------------------------------------

// Parser parses template source into an AST.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
	prevEnd   Position
	diags     diag.List
	trim      bool // current #pragma mode
}

// bailout aborts parsing after a fatal error.
type bailout struct{}

// NewParser creates a new parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{lexer: NewLexer(input)}
	p.nextToken()
	p.nextToken()
	return p
}

// Parse parses source into a template. When any error is recorded the
// template is nil; warnings are returned either way.
func Parse(name, source string) (*Template, diag.List) {
	p := NewParser(source)
	nodes, ok := p.ParseNodes()
	if !ok || p.diags.HasErrors() {
		return nil, p.diags
	}
	return &Template{Name: name, Nodes: nodes}, p.diags
}

// ParseNodes parses the whole input as a node list. ok is false when parsing
// stopped at a fatal error.
func (p *Parser) ParseNodes() (nodes []Node, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, isBail := r.(bailout); !isBail {
				panic(r)
			}
			nodes, ok = nil, false
		}
	}()
	nodes, _ = p.parseNodes()
	return nodes, true
}

// Diagnostics returns what the parser has recorded so far.
func (p *Parser) Diagnostics() diag.List { return p.diags }

// nextToken advances to the next token. Lex errors are recorded and skipped.
func (p *Parser) nextToken() {
	p.prevEnd = p.curToken.Pos
	p.curToken = p.peekToken
	for {
		tok := p.lexer.NextToken()
		if tok.Type != TokenError {
			p.peekToken = tok
			break
		}
		p.diags.Add(diag.Errorf(tok.Code, tok.Pos.Diag(), "%s", tok.Literal))
	}
}

func (p *Parser) curTokenIs(t TokenType) bool { return p.curToken.Type == t }

func (p *Parser) span(start Position) Span { return Span{Start: start, End: p.prevEnd} }

// errorf records an error at the current token.
func (p *Parser) errorf(code, format string, args ...any) {
	p.diags.Add(diag.Errorf(code, p.curToken.Pos.Diag(), format, args...))
}

// fatalf records an error and abandons the parse.
func (p *Parser) fatalf(code, format string, args ...any) {
	p.errorf(code, format, args...)
	panic(bailout{})
}

func (p *Parser) failEOF(what string) {
	p.fatalf(diag.CodeUnexpectedEOF, "unexpected end of input, expected %s", what)
}

// expectClose consumes the closer t. On a mismatch it records an error and
// skips to t so the lexer's mode stack stays in step.
func (p *Parser) expectClose(t TokenType) {
	if p.curTokenIs(t) {
		p.nextToken()
		return
	}
	if p.curTokenIs(TokenEOF) {
		p.failEOF(t.String())
	}
	p.errorf(diag.CodeUnexpectedToken, "expected %s, got %s", t, p.curToken)
	for !p.curTokenIs(t) {
		if p.curTokenIs(TokenEOF) {
			p.failEOF(t.String())
		}
		p.nextToken()
	}
	p.nextToken()
}

// ---------------------------------------------------------------------------
// Node lists
// ---------------------------------------------------------------------------

// parseNodes reads nodes until EOF or one of the stop directives, which is
// left as the current token and returned. EOF with stop directives pending is
// fatal.
func (p *Parser) parseNodes(stops ...string) ([]Node, string) {
	var nodes []Node
	inline := false // the previous node writes content on the current line
	for {
		tok := p.curToken
		switch tok.Type {
		case TokenEOF:
			if len(stops) > 0 {
				p.failEOF("#" + stops[len(stops)-1])
			}
			return nodes, ""

		case TokenText:
			p.nextToken()
			text := tok.Literal
			if p.trim {
				text = trimText(text, !inline, !startsInline(p.curToken))
				if text == "" {
					continue
				}
			}
			nodes = append(nodes, &TextNode{SpanVal: p.span(tok.Pos), Text: text})

		case TokenRaw:
			p.nextToken()
			nodes = append(nodes, &RawNode{SpanVal: p.span(tok.Pos), Text: tok.Literal})
			inline = true

		case TokenMacro:
			p.nextToken()
			nodes = append(nodes, &MacroNode{SpanVal: p.span(tok.Pos), Name: tok.Literal})
			inline = true

		case TokenVariable:
			p.nextToken()
			var e Expr = &VariableRef{SpanVal: p.span(tok.Pos), Name: tok.Literal}
			e = p.parsePostfix(e, tok.Pos)
			nodes = append(nodes, &OutputNode{SpanVal: p.span(tok.Pos), Expr: e})
			inline = true

		case TokenExprOpen:
			p.nextToken()
			e := p.parseExpr()
			p.expectClose(exprCloser(tok))
			nodes = append(nodes, &OutputNode{SpanVal: p.span(tok.Pos), Expr: e})
			inline = true

		case TokenDirective:
			for _, s := range stops {
				if tok.Literal == s {
					return nodes, s
				}
			}
			if n := p.parseDirective(); n != nil {
				nodes = append(nodes, n)
			}
			inline = false

		default:
			p.errorf(diag.CodeUnexpectedToken, "unexpected %s", tok)
			p.nextToken()
		}
	}
}

// parseBody parses a block body. Pragmas inside it do not leak out.
func (p *Parser) parseBody(stops ...string) ([]Node, string) {
	saved := p.trim
	nodes, stop := p.parseNodes(stops...)
	p.trim = saved
	if nodes == nil {
		nodes = []Node{}
	}
	return nodes, stop
}

func exprCloser(open Token) TokenType {
	if open.Literal == "${" {
		return TokenRBrace
	}
	return TokenRParen
}

// startsInline reports whether tok begins content that shares a line with the
// text before it. Directives and the end of input are line boundaries.
func startsInline(tok Token) bool {
	switch tok.Type {
	case TokenRaw, TokenMacro, TokenVariable, TokenExprOpen:
		return true
	}
	return false
}

// trimText applies #pragma(trim) to one text run. Horizontal whitespace is
// stripped at physical line boundaries only: at the start of the run when
// lead is set, at its end when tail is set, and around every newline inside
// it. Whitespace next to inline content on the same line is kept. Empty
// lines are dropped and the lines that remain are joined by one space.
func trimText(s string, lead, tail bool) string {
	lines := strings.Split(s, "\n")
	last := len(lines) - 1
	var b strings.Builder
	seen := false
	for i, line := range lines {
		if i > 0 || lead {
			line = strings.TrimLeft(line, " \t\r")
		}
		if i < last || tail {
			line = strings.TrimRight(line, " \t\r")
		}
		// A line holding inline content outside this run is never empty.
		shared := (i == 0 && !lead) || (i == last && !tail)
		if line == "" && !shared {
			continue
		}
		if seen {
			b.WriteByte(' ')
		}
		b.WriteString(line)
		seen = true
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Directives
// ---------------------------------------------------------------------------

func (p *Parser) parseDirective() Node {
	tok := p.curToken
	switch tok.Literal {
	case "if":
		return p.parseIf()
	case "loop":
		return p.parseLoop()
	case "foreach":
		return p.parseForEach()
	case "set":
		return p.parseSet()
	case "parse", "include":
		p.nextToken()
		path := p.parseArgExpr(tok.Literal)
		return &IncludeNode{SpanVal: p.span(tok.Pos), Path: path, Parse: tok.Literal == "parse"}
	case "pragma":
		return p.parsePragma()
	case "elseif", "else", "end", "each":
		p.errorf(diag.CodeUnexpectedDirective, "unexpected #%s", tok.Literal)
	default:
		p.errorf(diag.CodeUnknownDirective, "unknown directive #{%s}", tok.Literal)
	}
	p.nextToken()
	return nil
}

// openArgs consumes the '(' of a directive argument list.
func (p *Parser) openArgs(directive string) bool {
	if p.curTokenIs(TokenLParen) {
		p.nextToken()
		return true
	}
	if p.curTokenIs(TokenEOF) {
		p.failEOF("( after #" + directive)
	}
	p.errorf(diag.CodeUnexpectedToken, "expected ( after #%s", directive)
	return false
}

// parseArgExpr parses "( expr )" after a directive.
func (p *Parser) parseArgExpr(directive string) Expr {
	start := p.curToken.Pos
	if !p.openArgs(directive) {
		return &BadExpr{SpanVal: p.span(start)}
	}
	e := p.parseExpr()
	p.expectClose(TokenRParen)
	return e
}

func (p *Parser) parseIf() Node {
	start := p.curToken.Pos
	p.nextToken()

	n := &IfNode{}
	cond := p.parseArgExpr("if")
	body, stop := p.parseBody("elseif", "else", "end")
	n.Branches = append(n.Branches, IfBranch{Cond: cond, Body: body})

	for stop == "elseif" {
		p.nextToken()
		cond = p.parseArgExpr("elseif")
		body, stop = p.parseBody("elseif", "else", "end")
		n.Branches = append(n.Branches, IfBranch{Cond: cond, Body: body})
	}
	if stop == "else" {
		p.nextToken()
		n.Else, _ = p.parseBody("end")
	}
	p.nextToken() // #end
	n.SpanVal = p.span(start)
	return n
}

func (p *Parser) parseLoop() Node {
	start := p.curToken.Pos
	p.nextToken()

	n := &LoopNode{}
	if p.openArgs("loop") {
		n.Start = p.parseExpr()
		if p.curTokenIs(TokenTo) {
			p.nextToken()
			n.End = p.parseExpr()
		} else {
			p.errorf(diag.CodeUnexpectedToken, "expected 'to' in #loop, got %s", p.curToken)
			n.End = &BadExpr{SpanVal: p.span(p.curToken.Pos)}
		}
		for p.curTokenIs(TokenStep) || p.curTokenIs(TokenAs) {
			if p.curTokenIs(TokenStep) {
				if n.Step != nil {
					p.errorf(diag.CodeUnexpectedToken, "duplicate 'step' in #loop")
				}
				p.nextToken()
				n.Step = p.parseExpr()
				continue
			}
			if n.Var != "" {
				p.errorf(diag.CodeUnexpectedToken, "duplicate 'as' in #loop")
			}
			p.nextToken()
			n.Var = p.parseLoopVar()
		}
		p.expectClose(TokenRParen)
	} else {
		bad := &BadExpr{SpanVal: p.span(start)}
		n.Start, n.End = bad, bad
	}

	var stop string
	n.Body, stop = p.parseBody("each", "end")
	if stop == "each" {
		p.nextToken()
		n.Separator, _ = p.parseBody("end")
	}
	p.nextToken() // #end
	n.SpanVal = p.span(start)
	return n
}

// parseLoopVar reads the $name bound by a loop header.
func (p *Parser) parseLoopVar() string {
	if p.curTokenIs(TokenVariable) || p.curTokenIs(TokenIdentifier) {
		name := p.curToken.Literal
		p.nextToken()
		return name
	}
	if p.curTokenIs(TokenEOF) {
		p.failEOF("loop variable")
	}
	p.errorf(diag.CodeUnexpectedToken, "expected loop variable, got %s", p.curToken)
	return ""
}

func (p *Parser) parseForEach() Node {
	start := p.curToken.Pos
	p.nextToken()

	n := &ForEachNode{}
	if p.openArgs("foreach") {
		n.Var = p.parseLoopVar()
		if p.curTokenIs(TokenIn) {
			p.nextToken()
			n.Collection = p.parseExpr()
		} else {
			p.errorf(diag.CodeUnexpectedToken, "expected 'in' in #foreach, got %s", p.curToken)
			n.Collection = &BadExpr{SpanVal: p.span(p.curToken.Pos)}
		}
		p.expectClose(TokenRParen)
	} else {
		n.Collection = &BadExpr{SpanVal: p.span(start)}
	}

	var stop string
	n.Body, stop = p.parseBody("each", "end")
	if stop == "each" {
		p.nextToken()
		n.Separator, _ = p.parseBody("end")
	}
	p.nextToken() // #end
	n.SpanVal = p.span(start)
	return n
}

func (p *Parser) parseSet() Node {
	start := p.curToken.Pos
	p.nextToken()

	n := &SetNode{}
	if !p.openArgs("set") {
		return nil
	}
	targetPos := p.curToken.Pos
	n.Target = p.parseUnary()
	switch n.Target.(type) {
	case *VariableRef, *PropertyExpr, *IndexExpr, *BadExpr:
	case *MethodCall, *CallExpr:
		p.diags.Add(diag.Errorf(diag.CodeInvalidAssignment, targetPos.Diag(), "cannot assign to a call"))
	default:
		p.diags.Add(diag.Errorf(diag.CodeInvalidAssignment, targetPos.Diag(), "invalid assignment target"))
	}
	if p.curTokenIs(TokenAssign) {
		p.nextToken()
		n.Value = p.parseExpr()
	} else {
		p.errorf(diag.CodeUnexpectedToken, "expected = in #set, got %s", p.curToken)
		n.Value = &BadExpr{SpanVal: p.span(p.curToken.Pos)}
	}
	p.expectClose(TokenRParen)
	n.SpanVal = p.span(start)
	return n
}

func (p *Parser) parsePragma() Node {
	start := p.curToken.Pos
	p.nextToken()
	if !p.openArgs("pragma") {
		return nil
	}
	n := &PragmaNode{}
	switch {
	case p.curTokenIs(TokenIdentifier) && p.curToken.Literal == "trim":
		n.Trim = true
		p.nextToken()
	case p.curTokenIs(TokenIdentifier) && p.curToken.Literal == "notrim":
		p.nextToken()
	case p.curTokenIs(TokenEOF):
		p.failEOF("trim or notrim")
	default:
		p.errorf(diag.CodeUnexpectedToken, "expected trim or notrim, got %s", p.curToken)
	}
	p.expectClose(TokenRParen)
	p.trim = n.Trim
	n.SpanVal = p.span(start)
	return n
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (p *Parser) parseExpr() Expr { return p.parseOr() }

func (p *Parser) parseOr() Expr {
	start := p.curToken.Pos
	left := p.parseAnd()
	for p.curTokenIs(TokenOr) {
		p.nextToken()
		right := p.parseAnd()
		left = &LogicalExpr{SpanVal: p.span(start), Left: left, Right: right}
	}
	return left
}

func (p *Parser) parseAnd() Expr {
	start := p.curToken.Pos
	left := p.parseEquality()
	for p.curTokenIs(TokenAnd) {
		p.nextToken()
		right := p.parseEquality()
		left = &LogicalExpr{SpanVal: p.span(start), And: true, Left: left, Right: right}
	}
	return left
}

var binaryOps = map[TokenType]vm.BinaryOp{
	TokenEQ:      vm.BinEq,
	TokenNE:      vm.BinNe,
	TokenLT:      vm.BinLt,
	TokenLE:      vm.BinLe,
	TokenGT:      vm.BinGt,
	TokenGE:      vm.BinGe,
	TokenPlus:    vm.BinAdd,
	TokenMinus:   vm.BinSub,
	TokenStar:    vm.BinMul,
	TokenSlash:   vm.BinDiv,
	TokenPercent: vm.BinMod,
}

// parseBinary parses a left-associative level whose operators are ops.
func (p *Parser) parseBinary(next func() Expr, ops ...TokenType) Expr {
	start := p.curToken.Pos
	left := next()
	for {
		matched := false
		for _, t := range ops {
			if p.curTokenIs(t) {
				matched = true
				break
			}
		}
		if !matched {
			return left
		}
		op := binaryOps[p.curToken.Type]
		p.nextToken()
		right := next()
		left = &BinaryExpr{SpanVal: p.span(start), Op: op, Left: left, Right: right}
	}
}

func (p *Parser) parseEquality() Expr {
	return p.parseBinary(p.parseRelational, TokenEQ, TokenNE)
}

func (p *Parser) parseRelational() Expr {
	return p.parseBinary(p.parseAdditive, TokenLT, TokenGT, TokenLE, TokenGE)
}

func (p *Parser) parseAdditive() Expr {
	return p.parseBinary(p.parseMultiplicative, TokenPlus, TokenMinus)
}

func (p *Parser) parseMultiplicative() Expr {
	return p.parseBinary(p.parseUnary, TokenStar, TokenSlash, TokenPercent)
}

func (p *Parser) parseUnary() Expr {
	start := p.curToken.Pos
	switch p.curToken.Type {
	case TokenNot:
		p.nextToken()
		return &UnaryExpr{SpanVal: p.span(start), Op: UnaryNot, Operand: p.parseUnary()}
	case TokenMinus:
		p.nextToken()
		return &UnaryExpr{SpanVal: p.span(start), Op: UnaryNeg, Operand: p.parseUnary()}
	}
	return p.parsePostfix(p.parsePrimary(), start)
}

// parsePostfix parses member, method, index and call suffixes.
func (p *Parser) parsePostfix(e Expr, start Position) Expr {
	for {
		switch p.curToken.Type {
		case TokenDot:
			p.nextToken()
			if !p.curTokenIs(TokenIdentifier) {
				if p.curTokenIs(TokenEOF) {
					p.failEOF("member name")
				}
				p.errorf(diag.CodeUnexpectedToken, "expected member name, got %s", p.curToken)
				return &BadExpr{SpanVal: p.span(start)}
			}
			name := p.curToken.Literal
			p.nextToken()
			if p.curTokenIs(TokenLParen) {
				p.nextToken()
				args := p.parseArgs(TokenRParen)
				e = &MethodCall{SpanVal: p.span(start), Receiver: e, Name: name, Args: args}
			} else {
				e = &PropertyExpr{SpanVal: p.span(start), Receiver: e, Name: name}
			}
		case TokenLBracket:
			p.nextToken()
			args := p.parseArgs(TokenRBracket)
			e = &IndexExpr{SpanVal: p.span(start), Receiver: e, Args: args}
		case TokenLParen:
			p.nextToken()
			args := p.parseArgs(TokenRParen)
			e = &CallExpr{SpanVal: p.span(start), Callee: e, Args: args}
		default:
			return e
		}
	}
}

// parseArgs parses a comma separated list up to and including closer.
func (p *Parser) parseArgs(closer TokenType) []Expr {
	var args []Expr
	if p.curTokenIs(closer) {
		p.nextToken()
		return args
	}
	for {
		args = append(args, p.parseExpr())
		if p.curTokenIs(TokenComma) {
			p.nextToken()
			continue
		}
		p.expectClose(closer)
		return args
	}
}

func (p *Parser) parsePrimary() Expr {
	tok := p.curToken
	switch tok.Type {
	case TokenNumber:
		p.nextToken()
		v, err := ParseNumber(tok.Literal)
		if err != nil {
			p.diags.Add(diag.Errorf(diag.CodeInvalidNumber, tok.Pos.Diag(), "%v", err))
			return &BadExpr{SpanVal: p.span(tok.Pos)}
		}
		return &Literal{SpanVal: p.span(tok.Pos), Value: v}

	case TokenString:
		p.nextToken()
		return &Literal{SpanVal: p.span(tok.Pos), Value: vm.FromString(tok.Literal)}

	case TokenInterpString:
		p.nextToken()
		return p.interpolate(tok)

	case TokenTrue, TokenFalse:
		p.nextToken()
		return &Literal{SpanVal: p.span(tok.Pos), Value: vm.FromBool(tok.Type == TokenTrue)}

	case TokenNull:
		p.nextToken()
		return &Literal{SpanVal: p.span(tok.Pos), Value: vm.Null}

	case TokenVariable, TokenIdentifier:
		p.nextToken()
		return &VariableRef{SpanVal: p.span(tok.Pos), Name: tok.Literal}

	case TokenLParen:
		p.nextToken()
		inner := p.parseExpr()
		p.expectClose(TokenRParen)
		return &GroupExpr{SpanVal: p.span(tok.Pos), Inner: inner}

	case TokenExprOpen:
		p.nextToken()
		inner := p.parseExpr()
		p.expectClose(exprCloser(tok))
		return &GroupExpr{SpanVal: p.span(tok.Pos), Inner: inner}

	case TokenEOF:
		p.failEOF("expression")

	case TokenRParen, TokenRBracket, TokenRBrace, TokenComma:
		// Leave closers to the enclosing construct.
		p.errorf(diag.CodeUnexpectedToken, "expected expression, got %s", tok)
		return &BadExpr{SpanVal: Span{Start: tok.Pos, End: tok.Pos}}
	}

	p.errorf(diag.CodeUnexpectedToken, "expected expression, got %s", tok)
	p.nextToken()
	return &BadExpr{SpanVal: p.span(tok.Pos)}
}

// interpolate turns a double-quoted string into a literal, or into a nested
// node list when it holds template constructs.
func (p *Parser) interpolate(tok Token) Expr {
	if !strings.ContainsAny(tok.Literal, "$#@") {
		return &Literal{SpanVal: p.span(tok.Pos), Value: vm.FromString(tok.Literal)}
	}
	sub := NewParser(tok.Literal)
	nodes, ok := sub.ParseNodes()
	for _, d := range sub.diags {
		d.Pos = tok.Pos.Diag()
		p.diags.Add(d)
	}
	if !ok {
		return &BadExpr{SpanVal: p.span(tok.Pos)}
	}
	switch {
	case len(nodes) == 0:
		return &Literal{SpanVal: p.span(tok.Pos), Value: vm.FromString("")}
	case len(nodes) == 1:
		if t, isText := nodes[0].(*TextNode); isText {
			return &Literal{SpanVal: p.span(tok.Pos), Value: vm.FromString(t.Text)}
		}
	}
	return &InterpString{SpanVal: p.span(tok.Pos), Nodes: nodes}
}

// ParseNumber decodes a numeric literal with an optional L, U, D or M suffix.
func ParseNumber(lit string) (vm.Value, error) {
	body, suffix := lit, byte(0)
	if n := len(lit); n > 0 && isIdentStart(lit[n-1]) {
		body, suffix = lit[:n-1], lit[n-1]|0x20
	}
	fractional := strings.ContainsAny(body, ".eE")

	switch suffix {
	case 'l':
		if fractional {
			return vm.Null, fmt.Errorf("invalid integer literal %q", lit)
		}
		n, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return vm.Null, fmt.Errorf("invalid integer literal %q", lit)
		}
		return vm.FromInt64(n), nil
	case 'u':
		if fractional {
			return vm.Null, fmt.Errorf("invalid unsigned literal %q", lit)
		}
		n, err := strconv.ParseUint(body, 10, 64)
		if err != nil {
			return vm.Null, fmt.Errorf("invalid unsigned literal %q", lit)
		}
		return vm.FromUint64(n), nil
	case 'd':
		f, err := strconv.ParseFloat(body, 64)
		if err != nil {
			return vm.Null, fmt.Errorf("invalid double literal %q", lit)
		}
		return vm.FromFloat64(f), nil
	case 'm':
		d, _, err := apd.NewFromString(body)
		if err != nil {
			return vm.Null, fmt.Errorf("invalid decimal literal %q", lit)
		}
		return vm.FromDecimal(d), nil
	case 0:
		if fractional {
			f, err := strconv.ParseFloat(body, 64)
			if err != nil {
				return vm.Null, fmt.Errorf("invalid number literal %q", lit)
			}
			return vm.FromFloat64(f), nil
		}
		n, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return vm.Null, fmt.Errorf("integer literal %q out of range", lit)
		}
		return vm.FromInt64(n), nil
	}
	return vm.Null, fmt.Errorf("invalid number literal %q", lit)
}
