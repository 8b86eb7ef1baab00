package model

import "fmt"

// Position is a zero-based line and byte column.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Before reports whether p comes strictly before o.
func (p Position) Before(o Position) bool {
	if p.Line != o.Line {
		return p.Line < o.Line
	}
	return p.Column < o.Column
}

// Span is a half-open range of positions.
type Span struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Contains reports whether pos lies inside the span, end included.
func (s Span) Contains(pos Position) bool {
	return !pos.Before(s.Start) && !s.End.Before(pos)
}

// Severity uses the editor protocol numbering.
type Severity int

const (
	SeverityError       Severity = 1
	SeverityWarning     Severity = 2
	SeverityInformation Severity = 3
	SeverityHint        Severity = 4
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "ERROR"
	case SeverityWarning:
		return "WARNING"
	case SeverityInformation:
		return "INFO"
	case SeverityHint:
		return "HINT"
	}
	return "UNKNOWN"
}

// Code identifies a diagnostic kind.
type Code string

const (
	CodeMissingRegisterInInit  Code = "0001"
	CodeDuplicateName          Code = "0002"
	CodeConflictingName        Code = "0003"
	CodeSuperWithParams        Code = "1001"
	CodeSuperMismatchedName    Code = "1002"
	CodeSpuriousSuperCall      Code = "1003"
	CodeMissingSuperCall       Code = "1004"
	CodeUnknownPoolKey         Code = "1005"
	CodeUnknownModel           Code = "1006"
	CodeUnknownAttribute       Code = "1007"
	CodeChangeVariableModel    Code = "1008"
	CodeUnavailableMember      Code = "1009"
	CodeTrytonTagNotFound      Code = "5000"
	CodeTrytonXMLUnregistered  Code = "5001"
	CodeUnexpectedXMLTag       Code = "5002"
	CodeRecordMissingAttribute Code = "5003"
	CodeRecordUnknownModel     Code = "5004"
	CodeRecordUnknownField     Code = "5005"
	CodeRecordDuplicateID      Code = "5006"
)

type codeInfo struct {
	name     string
	severity Severity
	fatal    bool
}

var codes = map[Code]codeInfo{
	CodeMissingRegisterInInit:  {"MissingRegisterInInit", SeverityWarning, false},
	CodeDuplicateName:          {"DuplicateName", SeverityWarning, false},
	CodeConflictingName:        {"ConflictingName", SeverityError, false},
	CodeSuperWithParams:        {"SuperInvocationWithParams", SeverityInformation, false},
	CodeSuperMismatchedName:    {"SuperInvocationMismatchedName", SeverityError, false},
	CodeSpuriousSuperCall:      {"SpuriousSuperCall", SeverityError, true},
	CodeMissingSuperCall:       {"MissingSuperCall", SeverityError, true},
	CodeUnknownPoolKey:         {"UnknownPoolKey", SeverityError, false},
	CodeUnknownModel:           {"UnknownModel", SeverityError, false},
	CodeUnknownAttribute:       {"UnknownAttribute", SeverityError, true},
	CodeChangeVariableModel:    {"ChangeVariableModel", SeverityWarning, false},
	CodeUnavailableMember:      {"UnavailableMember", SeverityWarning, false},
	CodeTrytonTagNotFound:      {"TrytonTagNotFound", SeverityError, false},
	CodeTrytonXMLUnregistered:  {"TrytonXmlFileUnregistered", SeverityWarning, false},
	CodeUnexpectedXMLTag:       {"UnexpectedXMLTag", SeverityError, false},
	CodeRecordMissingAttribute: {"RecordMissingAttribute", SeverityError, false},
	CodeRecordUnknownModel:     {"RecordUnknownModel", SeverityError, false},
	CodeRecordUnknownField:     {"RecordUnknownField", SeverityError, false},
	CodeRecordDuplicateID:      {"RecordDuplicateId", SeverityError, false},
}

// Name returns the human name of the diagnostic kind.
func (c Code) Name() string {
	if info, ok := codes[c]; ok {
		return info.name
	}
	return "Unknown"
}

// Severity returns the default severity of the kind.
func (c Code) Severity() Severity {
	if info, ok := codes[c]; ok {
		return info.severity
	}
	return SeverityInformation
}

// Fatal reports whether the batch linter must fail on this kind.
func (c Code) Fatal() bool {
	return codes[c].fatal
}

// Diagnostic is one finding.
type Diagnostic struct {
	Path     string   `json:"path"`
	Span     Span     `json:"span"`
	Severity Severity `json:"severity"`
	Code     Code     `json:"code"`
	Message  string   `json:"message"`
}

// NewDiagnostic builds a diagnostic with the default severity of code.
func NewDiagnostic(path string, span Span, code Code, format string, args ...any) Diagnostic {
	return Diagnostic{
		Path:     path,
		Span:     span,
		Severity: code.Severity(),
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Line returns the one-based line of the diagnostic start.
func (d Diagnostic) Line() int {
	return d.Span.Start.Line + 1
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("[%s][tryton-ls-%s] @ %s L%d %s", d.Severity, d.Code, d.Path, d.Line(), d.Message)
}
