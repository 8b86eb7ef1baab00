package lint

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/phobologic/tryton-analyzer/internal/model"
	"github.com/phobologic/tryton-analyzer/internal/toon"
)

// Format selects how reports are written.
type Format string

const (
	FormatText Format = "text"
	FormatTOON Format = "toon"
	FormatJSON Format = "json"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatTOON, FormatJSON:
		return f, nil
	}
	return "", fmt.Errorf("unknown format %q (want text, toon or json)", s)
}

// Write renders reports to w. Color only applies to the text format.
func Write(w io.Writer, reports []model.ModuleReport, format Format, color bool) error {
	switch format {
	case FormatTOON:
		_, err := fmt.Fprintln(w, toon.Encode(reports))
		return err
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}
	return writeText(w, reports, newStyles(w, color))
}

// paint renders text in a style.
type paint func(string) string

func plain(s string) string { return s }

func styled(st lipgloss.Style) paint {
	return func(s string) string { return st.Render(s) }
}

type styles struct {
	module   paint
	location paint
	code     paint
	severity map[model.Severity]paint
	dim      paint
}

func newStyles(w io.Writer, color bool) styles {
	if !color {
		return styles{module: plain, location: plain, code: plain, dim: plain}
	}
	r := lipgloss.NewRenderer(w)
	return styles{
		module:   styled(r.NewStyle().Bold(true).Underline(true)),
		location: styled(r.NewStyle().Bold(true)),
		code:     styled(r.NewStyle().Foreground(lipgloss.Color("6"))),
		severity: map[model.Severity]paint{
			model.SeverityError:       styled(r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)),
			model.SeverityWarning:     styled(r.NewStyle().Foreground(lipgloss.Color("3"))),
			model.SeverityInformation: styled(r.NewStyle().Foreground(lipgloss.Color("4"))),
			model.SeverityHint:        styled(r.NewStyle().Faint(true)),
		},
		dim: styled(r.NewStyle().Faint(true)),
	}
}

func (s styles) severityOf(sev model.Severity) paint {
	if p, ok := s.severity[sev]; ok {
		return p
	}
	return plain
}

// writeText prints one line per diagnostic:
//
//	party.py:12:14: ERROR 1007 UnknownAttribute: Unknown attribute 'nmae' on model 'party.party'
func writeText(w io.Writer, reports []model.ModuleReport, s styles) error {
	for i := range reports {
		r := &reports[i]
		if _, err := fmt.Fprintln(w, s.module(r.Name)); err != nil {
			return err
		}
		for _, f := range r.Files {
			if f.Error != "" {
				if _, err := fmt.Fprintf(w, "%s: %s\n", s.location(f.Path), s.dim("not analyzed: "+f.Error)); err != nil {
					return err
				}
			}
		}
		for _, d := range r.Diagnostics {
			loc := fmt.Sprintf("%s:%d:%d", relative(r.Dir, d.Path), d.Line(), d.Span.Start.Column+1)
			_, err := fmt.Fprintf(w, "%s: %s %s %s: %s\n",
				s.location(loc),
				s.severityOf(d.Severity)(d.Severity.String()),
				s.code(string(d.Code)),
				d.Code.Name(),
				d.Message)
			if err != nil {
				return err
			}
		}
		summary := fmt.Sprintf("%d files, %d diagnostics", len(r.Files), len(r.Diagnostics))
		if n := degraded(r); n > 0 {
			summary += fmt.Sprintf(", %d degraded", n)
		}
		if _, err := fmt.Fprintln(w, s.dim(summary)); err != nil {
			return err
		}
	}
	return nil
}

func degraded(r *model.ModuleReport) int {
	n := 0
	for _, f := range r.Files {
		if f.Degraded {
			n++
		}
	}
	return n
}

func relative(dir, path string) string {
	rel, err := filepath.Rel(dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}
