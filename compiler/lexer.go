package compiler

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/chazu/quill/diag"
)

// ---------------------------------------------------------------------------
// Lexer: Tokenizer for template source
// ---------------------------------------------------------------------------

type lexMode int

const (
	modeText  lexMode = iota // literal text with embedded sigils
	modeChain                // postfix chain after a bare $name in text
	modeExpr                 // inside ${ }, $( ) or directive arguments
)

// frame is one entry of the lexer's mode stack.
type frame struct {
	mode     lexMode
	closer   byte   // modeExpr: byte that closes the frame
	nesting  []byte // modeExpr: pending closers of brackets opened inside
	afterDot bool   // modeChain: the next token is a member name
}

// Lexer tokenizes template source. Text mode is the bottom of the mode stack;
// expression regions and postfix chains push frames on top of it.
type Lexer struct {
	input      string
	off        int
	lineStarts []int
	stack      []frame
	awaitArgs  bool // a directive taking arguments was just emitted
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{
		input:      input,
		lineStarts: []int{0},
		stack:      []frame{{mode: modeText}},
	}
	for i := 0; i < len(input); i++ {
		if input[i] == '\n' {
			l.lineStarts = append(l.lineStarts, i+1)
		}
	}
	return l
}

// Tokenize returns every token of input up to and including EOF.
func Tokenize(input string) []Token {
	l := NewLexer(input)
	var toks []Token
	for {
		tok := l.NextToken()
		toks = append(toks, tok)
		if tok.Type == TokenEOF {
			return toks
		}
	}
}

// position converts a byte offset into a 1-based line and rune column.
func (l *Lexer) position(off int) Position {
	line := sort.Search(len(l.lineStarts), func(i int) bool { return l.lineStarts[i] > off }) - 1
	start := l.lineStarts[line]
	return Position{
		Offset: off,
		Line:   line + 1,
		Column: utf8.RuneCountInString(l.input[start:off]) + 1,
	}
}

func (l *Lexer) top() *frame { return &l.stack[len(l.stack)-1] }

func (l *Lexer) push(f frame) { l.stack = append(l.stack, f) }

func (l *Lexer) pop() {
	if len(l.stack) > 1 {
		l.stack = l.stack[:len(l.stack)-1]
	}
}

func (l *Lexer) peekByte(n int) byte {
	if l.off+n < len(l.input) {
		return l.input[l.off+n]
	}
	return 0
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	switch l.top().mode {
	case modeChain:
		return l.lexChain()
	case modeExpr:
		return l.lexExpr()
	}
	return l.lexText()
}

// ---------------------------------------------------------------------------
// Text mode
// ---------------------------------------------------------------------------

func (l *Lexer) lexText() Token {
	if l.awaitArgs {
		l.awaitArgs = false
		j := l.off
		for j < len(l.input) && (l.input[j] == ' ' || l.input[j] == '\t') {
			j++
		}
		if j < len(l.input) && l.input[j] == '(' {
			pos := l.position(j)
			l.off = j + 1
			l.push(frame{mode: modeExpr, closer: ')'})
			return Token{Type: TokenLParen, Literal: "(", Pos: pos}
		}
	}

	if l.off >= len(l.input) {
		return Token{Type: TokenEOF, Pos: l.position(l.off)}
	}

	start := l.off
	var sb strings.Builder
	for l.off < len(l.input) {
		c := l.input[l.off]
		if c == '\\' && isSigil(l.peekByte(1)) {
			sb.WriteByte(l.peekByte(1))
			l.off += 2
			continue
		}
		if isSigil(c) && l.constructAt(l.off) {
			if sb.Len() > 0 {
				break
			}
			return l.lexConstruct()
		}
		sb.WriteByte(c)
		l.off++
	}
	return Token{Type: TokenText, Literal: sb.String(), Pos: l.position(start)}
}

// constructAt reports whether a sigil at off starts a directive, expression,
// raw block or macro rather than plain text.
func (l *Lexer) constructAt(off int) bool {
	if off+1 >= len(l.input) {
		return false
	}
	next := l.input[off+1]
	switch l.input[off] {
	case '#':
		switch {
		case next == '[':
			return true
		case next == '{':
			_, ok := l.braceDirective(off)
			return ok
		case isIdentStart(next):
			return IsDirective(l.identAt(off + 1))
		}
	case '$':
		return next == '{' || next == '(' || isIdentStart(next)
	case '@':
		return isIdentStart(next)
	}
	return false
}

// braceDirective matches #{word} at off and returns word.
func (l *Lexer) braceDirective(off int) (string, bool) {
	if off+2 >= len(l.input) || !isIdentStart(l.input[off+2]) {
		return "", false
	}
	word := l.identAt(off + 2)
	end := off + 2 + len(word)
	if end >= len(l.input) || l.input[end] != '}' {
		return "", false
	}
	return word, true
}

func (l *Lexer) identAt(off int) string {
	end := off
	for end < len(l.input) && isIdentPart(l.input[end]) {
		end++
	}
	return l.input[off:end]
}

func (l *Lexer) lexConstruct() Token {
	pos := l.position(l.off)
	c, next := l.input[l.off], l.input[l.off+1]

	switch c {
	case '#':
		if next == '[' {
			return l.lexRaw(pos)
		}
		var word string
		if next == '{' {
			word, _ = l.braceDirective(l.off)
			l.off += len(word) + 3
		} else {
			word = l.identAt(l.off + 1)
			l.off += len(word) + 1
		}
		l.awaitArgs = directives[word]
		return Token{Type: TokenDirective, Literal: word, Pos: pos}

	case '$':
		switch next {
		case '{':
			l.off += 2
			l.push(frame{mode: modeExpr, closer: '}'})
			return Token{Type: TokenExprOpen, Literal: "${", Pos: pos}
		case '(':
			l.off += 2
			l.push(frame{mode: modeExpr, closer: ')'})
			return Token{Type: TokenExprOpen, Literal: "$(", Pos: pos}
		}
		name := l.identAt(l.off + 1)
		l.off += len(name) + 1
		l.push(frame{mode: modeChain})
		return Token{Type: TokenVariable, Literal: name, Pos: pos}
	}

	name := l.identAt(l.off + 1)
	l.off += len(name) + 1
	return Token{Type: TokenMacro, Literal: name, Pos: pos}
}

// lexRaw reads a #[ ... ]# block. Inner raw delimiters nest and are kept.
func (l *Lexer) lexRaw(pos Position) Token {
	l.off += 2
	start := l.off
	depth := 1
	for l.off < len(l.input) {
		switch {
		case strings.HasPrefix(l.input[l.off:], "#["):
			depth++
			l.off += 2
		case strings.HasPrefix(l.input[l.off:], "]#"):
			depth--
			if depth == 0 {
				body := l.input[start:l.off]
				l.off += 2
				return Token{Type: TokenRaw, Literal: body, Pos: pos}
			}
			l.off += 2
		default:
			l.off++
		}
	}
	return Token{Type: TokenError, Literal: "unterminated raw block", Pos: pos, Code: diag.CodeUnterminatedRaw}
}

// ---------------------------------------------------------------------------
// Chain mode: $name.member(args)[index] inside text
// ---------------------------------------------------------------------------

func (l *Lexer) lexChain() Token {
	f := l.top()
	pos := l.position(l.off)
	if f.afterDot {
		f.afterDot = false
		name := l.identAt(l.off)
		l.off += len(name)
		return Token{Type: TokenIdentifier, Literal: name, Pos: pos}
	}
	switch {
	case l.peekByte(0) == '.' && isIdentStart(l.peekByte(1)):
		f.afterDot = true
		l.off++
		return Token{Type: TokenDot, Literal: ".", Pos: pos}
	case l.peekByte(0) == '(' && l.off < len(l.input):
		l.off++
		l.push(frame{mode: modeExpr, closer: ')'})
		return Token{Type: TokenLParen, Literal: "(", Pos: pos}
	case l.peekByte(0) == '[' && l.off < len(l.input):
		l.off++
		l.push(frame{mode: modeExpr, closer: ']'})
		return Token{Type: TokenLBracket, Literal: "[", Pos: pos}
	}
	l.pop()
	return l.NextToken()
}

// ---------------------------------------------------------------------------
// Expression mode
// ---------------------------------------------------------------------------

func (l *Lexer) lexExpr() Token {
	for l.off < len(l.input) {
		switch l.input[l.off] {
		case ' ', '\t', '\r', '\n':
			l.off++
			continue
		}
		break
	}

	pos := l.position(l.off)
	if l.off >= len(l.input) {
		return Token{Type: TokenEOF, Pos: pos}
	}

	c := l.input[l.off]
	switch {
	case isDigit(c):
		return l.lexNumber(pos)
	case isIdentStart(c):
		word := l.identAt(l.off)
		l.off += len(word)
		if typ, ok := keywords[word]; ok {
			return Token{Type: typ, Literal: word, Pos: pos}
		}
		return Token{Type: TokenIdentifier, Literal: word, Pos: pos}
	case c == '\'' || c == '"':
		return l.lexString(pos, c)
	case c == '$':
		switch next := l.peekByte(1); {
		case next == '{':
			l.off += 2
			l.push(frame{mode: modeExpr, closer: '}'})
			return Token{Type: TokenExprOpen, Literal: "${", Pos: pos}
		case next == '(':
			l.off += 2
			l.push(frame{mode: modeExpr, closer: ')'})
			return Token{Type: TokenExprOpen, Literal: "$(", Pos: pos}
		case isIdentStart(next):
			name := l.identAt(l.off + 1)
			l.off += len(name) + 1
			return Token{Type: TokenVariable, Literal: name, Pos: pos}
		}
	}

	f := l.top()
	switch c {
	case '(', '[', '{':
		l.off++
		f.nesting = append(f.nesting, closerOf(c))
		return Token{Type: openerType(c), Literal: string(c), Pos: pos}
	case ')', ']', '}':
		l.off++
		if n := len(f.nesting); n > 0 {
			f.nesting = f.nesting[:n-1]
		} else if c == f.closer {
			l.pop()
		}
		return Token{Type: closerType(c), Literal: string(c), Pos: pos}
	}

	if len(l.input)-l.off >= 2 {
		two := l.input[l.off : l.off+2]
		if typ, ok := twoCharOps[two]; ok {
			l.off += 2
			return Token{Type: typ, Literal: two, Pos: pos}
		}
	}
	if typ, ok := oneCharOps[c]; ok {
		l.off++
		return Token{Type: typ, Literal: string(c), Pos: pos}
	}

	r, size := utf8.DecodeRuneInString(l.input[l.off:])
	l.off += size
	return Token{Type: TokenError, Literal: fmt.Sprintf("unexpected character %q", r), Pos: pos, Code: diag.CodeUnexpectedToken}
}

var twoCharOps = map[string]TokenType{
	"<=": TokenLE,
	">=": TokenGE,
	"==": TokenEQ,
	"!=": TokenNE,
	"&&": TokenAnd,
	"||": TokenOr,
}

var oneCharOps = map[byte]TokenType{
	'+': TokenPlus,
	'-': TokenMinus,
	'*': TokenStar,
	'/': TokenSlash,
	'%': TokenPercent,
	'<': TokenLT,
	'>': TokenGT,
	'!': TokenNot,
	'=': TokenAssign,
	'.': TokenDot,
	',': TokenComma,
}

func closerOf(c byte) byte {
	switch c {
	case '(':
		return ')'
	case '[':
		return ']'
	}
	return '}'
}

func openerType(c byte) TokenType {
	switch c {
	case '(':
		return TokenLParen
	case '[':
		return TokenLBracket
	}
	return TokenLBrace
}

func closerType(c byte) TokenType {
	switch c {
	case ')':
		return TokenRParen
	case ']':
		return TokenRBracket
	}
	return TokenRBrace
}

// lexNumber reads digits with an optional fraction, exponent and type suffix.
func (l *Lexer) lexNumber(pos Position) Token {
	start := l.off
	l.skipDigits()
	if l.peekByte(0) == '.' && isDigit(l.peekByte(1)) {
		l.off++
		l.skipDigits()
	}
	if e := l.peekByte(0); e == 'e' || e == 'E' {
		sign := l.peekByte(1)
		switch {
		case isDigit(sign):
			l.off++
			l.skipDigits()
		case (sign == '+' || sign == '-') && isDigit(l.peekByte(2)):
			l.off += 2
			l.skipDigits()
		}
	}
	if strings.IndexByte("LlUuDdMm", l.peekByte(0)) >= 0 && l.peekByte(0) != 0 && !isIdentPart(l.peekByte(1)) {
		l.off++
	}
	return Token{Type: TokenNumber, Literal: l.input[start:l.off], Pos: pos}
}

func (l *Lexer) skipDigits() {
	for l.off < len(l.input) && isDigit(l.input[l.off]) {
		l.off++
	}
}

// lexString reads a quoted string. Double-quoted strings keep \$, \# and \@
// escaped so the nested template parse turns them into literal sigils. An
// escaped backslash that precedes a sigil there becomes the raw block #[\]#,
// so the nested parse emits the backslash and still sees the sigil.
func (l *Lexer) lexString(pos Position, quote byte) Token {
	l.off++
	var sb strings.Builder
	for l.off < len(l.input) {
		c := l.input[l.off]
		if c == quote {
			l.off++
			typ := TokenString
			if quote == '"' {
				typ = TokenInterpString
			}
			return Token{Type: typ, Literal: sb.String(), Pos: pos}
		}
		if c == '\\' && l.off+1 < len(l.input) {
			n := l.input[l.off+1]
			switch n {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\':
				if quote == '"' && isSigil(l.peekByte(2)) {
					sb.WriteString(`#[\]#`)
				} else {
					sb.WriteByte('\\')
				}
			case '\'', '"':
				sb.WriteByte(n)
			case '$', '#', '@':
				if quote == '"' {
					sb.WriteByte('\\')
				}
				sb.WriteByte(n)
			default:
				sb.WriteByte('\\')
				sb.WriteByte(n)
			}
			l.off += 2
			continue
		}
		sb.WriteByte(c)
		l.off++
	}
	return Token{Type: TokenError, Literal: "unterminated string literal", Pos: pos, Code: diag.CodeUnterminatedString}
}

func isSigil(c byte) bool { return c == '$' || c == '#' || c == '@' }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }
