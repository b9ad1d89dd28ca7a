// Package diag holds the diagnostics shared by the parser, the compiler, the
// interpreter and the virtual machine.
package diag

import (
	"fmt"
	"strings"
)

// Severity classifies a diagnostic.
type Severity uint8

const (
	SeverityError Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return fmt.Sprintf("Severity(%d)", s)
	}
}

// Stable diagnostic codes. Callers may rely on these across the interpreter and
// VM paths and across optimize levels.
const (
	CodeParse               = "parse"
	CodeUnexpectedToken     = "unexpected-token"
	CodeUnexpectedEOF       = "unexpected-eof"
	CodeUnexpectedDirective = "unexpected-directive"
	CodeUnknownDirective    = "unknown-directive"
	CodeInvalidAssignment   = "invalid-assignment"
	CodeInvalidNumber       = "invalid-number"
	CodeUnterminatedString  = "unterminated-string"
	CodeUnterminatedRaw     = "unterminated-raw"
	CodeCompile             = "compile"
	CodeLoadFailed          = "load-failed"
	CodeUndefinedMacro      = "undefined-macro"
	CodeTypeMismatch        = "type-mismatch"
	CodeDivisionByZero      = "division-by-zero"
	CodeMemberAccess        = "member-access"
	CodeIndexAccess         = "index-access"
	CodeInvoke              = "invoke"
	CodeNotEnumerable       = "not-enumerable"
	CodeInvalidLoop         = "invalid-loop"
	CodeRecursionLimit      = "recursion-limit"
)

// Position is a 1-based source location. The zero value means "unknown".
type Position struct {
	Line   int
	Column int
}

// IsValid reports whether the position refers to a real location.
func (p Position) IsValid() bool { return p.Line > 0 }

func (p Position) String() string {
	if !p.IsValid() {
		return "-"
	}
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Diagnostic is a single error or warning.
type Diagnostic struct {
	Severity Severity
	Code     string
	Message  string
	Pos      Position
}

func (d Diagnostic) String() string {
	if d.Pos.IsValid() {
		return fmt.Sprintf("%s %s [%s]: %s", d.Pos, d.Severity, d.Code, d.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", d.Severity, d.Code, d.Message)
}

// Error lets a Diagnostic travel as a Go error.
func (d Diagnostic) Error() string { return d.String() }

// Errorf builds an error diagnostic.
func Errorf(code string, pos Position, format string, args ...any) Diagnostic {
	return Diagnostic{Severity: SeverityError, Code: code, Message: fmt.Sprintf(format, args...), Pos: pos}
}

// Warningf builds a warning diagnostic.
func Warningf(code string, pos Position, format string, args ...any) Diagnostic {
	return Diagnostic{Severity: SeverityWarning, Code: code, Message: fmt.Sprintf(format, args...), Pos: pos}
}

// List is an ordered collection of diagnostics. Insertion order is preserved.
type List []Diagnostic

// Add appends a diagnostic.
func (l *List) Add(d Diagnostic) { *l = append(*l, d) }

// Append appends every diagnostic of other.
func (l *List) Append(other List) { *l = append(*l, other...) }

// HasErrors reports whether any diagnostic is an error.
func (l List) HasErrors() bool {
	for _, d := range l {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// HasWarnings reports whether any diagnostic is a warning.
func (l List) HasWarnings() bool {
	for _, d := range l {
		if d.Severity == SeverityWarning {
			return true
		}
	}
	return false
}

// Errors returns only the error diagnostics.
func (l List) Errors() List {
	var out List
	for _, d := range l {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

// Codes returns the code of every diagnostic, in order.
func (l List) Codes() []string {
	codes := make([]string, len(l))
	for i, d := range l {
		codes[i] = d.Code
	}
	return codes
}

// Err returns the first error as a Go error, or nil.
func (l List) Err() error {
	for _, d := range l {
		if d.Severity == SeverityError {
			return d
		}
	}
	return nil
}

func (l List) String() string {
	var sb strings.Builder
	for i, d := range l {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(d.String())
	}
	return sb.String()
}
