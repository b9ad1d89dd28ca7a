package compiler

import "fmt"

// ---------------------------------------------------------------------------
// Token types for the template lexer
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError

	// Text mode
	TokenText      // literal text, escapes already resolved
	TokenRaw       // #[ ... ]# body
	TokenDirective // #if, #{end}, ... (Literal holds the keyword)
	TokenMacro     // @name (Literal holds the name)
	TokenExprOpen  // ${ or $(

	// Expression mode
	TokenVariable     // $name (Literal holds the name)
	TokenIdentifier   // foo
	TokenNumber       // 42, 3.5, 10L, 2.5M
	TokenString       // 'single quoted'
	TokenInterpString // "double quoted", may hold nested expressions

	// Keywords
	TokenTrue
	TokenFalse
	TokenNull
	TokenTo
	TokenStep
	TokenAs
	TokenIn

	// Operators
	TokenPlus     // +
	TokenMinus    // -
	TokenStar     // *
	TokenSlash    // /
	TokenPercent  // %
	TokenLT       // <
	TokenGT       // >
	TokenLE       // <=
	TokenGE       // >=
	TokenEQ       // ==
	TokenNE       // !=
	TokenAnd      // &&
	TokenOr       // ||
	TokenNot      // !
	TokenAssign   // =

	// Delimiters
	TokenLParen   // (
	TokenRParen   // )
	TokenLBracket // [
	TokenRBracket // ]
	TokenLBrace   // {
	TokenRBrace   // }
	TokenDot      // .
	TokenComma    // ,
)

var tokenNames = map[TokenType]string{
	TokenEOF:          "EOF",
	TokenError:        "ERROR",
	TokenText:         "TEXT",
	TokenRaw:          "RAW",
	TokenDirective:    "DIRECTIVE",
	TokenMacro:        "MACRO",
	TokenExprOpen:     "EXPR_OPEN",
	TokenVariable:     "VARIABLE",
	TokenIdentifier:   "IDENTIFIER",
	TokenNumber:       "NUMBER",
	TokenString:       "STRING",
	TokenInterpString: "INTERP_STRING",
	TokenTrue:         "true",
	TokenFalse:        "false",
	TokenNull:         "null",
	TokenTo:           "to",
	TokenStep:         "step",
	TokenAs:           "as",
	TokenIn:           "in",
	TokenPlus:         "+",
	TokenMinus:        "-",
	TokenStar:         "*",
	TokenSlash:        "/",
	TokenPercent:      "%",
	TokenLT:           "<",
	TokenGT:           ">",
	TokenLE:           "<=",
	TokenGE:           ">=",
	TokenEQ:           "==",
	TokenNE:           "!=",
	TokenAnd:          "&&",
	TokenOr:           "||",
	TokenNot:          "!",
	TokenAssign:       "=",
	TokenLParen:       "(",
	TokenRParen:       ")",
	TokenLBracket:     "[",
	TokenRBracket:     "]",
	TokenLBrace:       "{",
	TokenRBrace:       "}",
	TokenDot:          ".",
	TokenComma:        ",",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", t)
}

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string   // payload: text, name, number spelling or error message
	Pos     Position // start position
	Code    string   // diagnostic code, TokenError only
}

func (t Token) String() string {
	if t.Type == TokenEOF {
		return "EOF"
	}
	if t.Type == TokenError {
		return fmt.Sprintf("ERROR(%s)", t.Literal)
	}
	if len(t.Literal) > 20 {
		return fmt.Sprintf("%s(%q...)", t.Type, t.Literal[:20])
	}
	return fmt.Sprintf("%s(%q)", t.Type, t.Literal)
}

// Expression keywords mapped to their token types.
var keywords = map[string]TokenType{
	"true":  TokenTrue,
	"false": TokenFalse,
	"null":  TokenNull,
	"to":    TokenTo,
	"step":  TokenStep,
	"as":    TokenAs,
	"in":    TokenIn,
}

// directives lists every control keyword. The value reports whether the
// directive takes a parenthesised argument list.
var directives = map[string]bool{
	"if":      true,
	"elseif":  true,
	"else":    false,
	"end":     false,
	"loop":    true,
	"foreach": true,
	"each":    false,
	"set":     true,
	"parse":   true,
	"include": true,
	"pragma":  true,
}

// IsDirective reports whether name is a control keyword.
func IsDirective(name string) bool {
	_, ok := directives[name]
	return ok
}

// Directives returns the control keywords in a stable order.
func Directives() []string {
	return []string{"if", "elseif", "else", "end", "loop", "foreach", "each", "set", "parse", "include", "pragma"}
}
