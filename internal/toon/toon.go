// Package toon implements TOON (Token-Oriented Object Notation) encoding of
// lint reports.
package toon

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/phobologic/tryton-analyzer/internal/model"
)

var (
	needsQuoting = regexp.MustCompile(`[,:"\\{}\[\]]`)
	looksNumeric = regexp.MustCompile(`^-?(?:0|[1-9]\d*)(?:\.\d+)?$`)
	keywords     = map[string]struct{}{
		"true":  {},
		"false": {},
		"null":  {},
	}
)

// Encode converts lint reports into TOON format, one block per module.
func Encode(reports []model.ModuleReport) string {
	blocks := make([]string, 0, len(reports))
	for i := range reports {
		blocks = append(blocks, encodeModule(&reports[i]))
	}
	return strings.Join(blocks, "\n\n")
}

func encodeModule(r *model.ModuleReport) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("module: %s", encodeValue(r.Name)))
	parts = append(parts, fmt.Sprintf("dir: %s", encodeValue(r.Dir)))

	var fileRows [][]any
	for _, f := range r.Files {
		fileRows = append(fileRows, []any{f.Path, f.Outcome, f.Degraded})
	}
	parts = append(parts, formatTabular("files", []string{"path", "outcome", "degraded"}, fileRows))

	var failed [][]any
	for _, f := range r.Files {
		if f.Error != "" {
			failed = append(failed, []any{f.Path, f.Error})
		}
	}
	if len(failed) > 0 {
		parts = append(parts, formatTabular("errors", []string{"path", "error"}, failed))
	}

	var diagRows [][]any
	for _, d := range r.Diagnostics {
		diagRows = append(diagRows, []any{
			relative(r.Dir, d.Path),
			d.Line(),
			d.Span.Start.Column,
			string(d.Code),
			d.Code.Name(),
			d.Severity.String(),
			d.Message,
		})
	}
	parts = append(parts, formatTabular("diagnostics",
		[]string{"file", "line", "column", "code", "kind", "severity", "message"}, diagRows))

	return strings.Join(parts, "\n")
}

func relative(dir, path string) string {
	if dir == "" {
		return path
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

func formatTabular(name string, columns []string, rows [][]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%d]{%s}:", name, len(rows), strings.Join(columns, ","))
	for _, row := range rows {
		encoded := make([]string, len(row))
		for i, cell := range row {
			encoded[i] = encodeCell(cell)
		}
		fmt.Fprintf(&b, "\n  %s", strings.Join(encoded, ","))
	}
	return b.String()
}

func encodeCell(cell any) string {
	switch v := cell.(type) {
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case string:
		return encodeValue(v)
	}
	return encodeValue(fmt.Sprint(cell))
}

func encodeValue(value string) string {
	if value == "" {
		return `""`
	}

	if value != strings.TrimSpace(value) {
		return quote(value)
	}

	if strings.ContainsAny(value, "\n\r\t") {
		return quote(value)
	}

	if _, ok := keywords[strings.ToLower(value)]; ok {
		return quote(value)
	}

	if looksNumeric.MatchString(value) {
		return value
	}

	if needsQuoting.MatchString(value) {
		return quote(value)
	}

	if strings.HasPrefix(value, "-") {
		return quote(value)
	}

	return value
}

func quote(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	escaped = strings.ReplaceAll(escaped, "\n", `\n`)
	escaped = strings.ReplaceAll(escaped, "\r", `\r`)
	escaped = strings.ReplaceAll(escaped, "\t", `\t`)
	return `"` + escaped + `"`
}
