package lsp

import (
	"unicode/utf16"
	"unicode/utf8"

	"github.com/phobologic/tryton-analyzer/internal/model"
	"github.com/phobologic/tryton-analyzer/internal/parse"
)

// text converts between byte columns and the UTF-16 columns editors use.
type text struct {
	lines *parse.Lines
}

func newText(source []byte) text {
	return text{lines: parse.NewLines(source)}
}

// toByte converts an editor position to a byte position. Columns past the
// end of the line clamp to it.
func (t text) toByte(p Position) model.Position {
	line := t.lines.Line(p.Line)
	units, col := 0, 0
	for col < len(line) && units < p.Character {
		r, size := utf8.DecodeRuneInString(line[col:])
		units += utf16.RuneLen(r)
		col += size
	}
	return model.Position{Line: p.Line, Column: col}
}

// toEditor converts a byte position to an editor position.
func (t text) toEditor(p model.Position) Position {
	line := t.lines.Line(p.Line)
	end := min(p.Column, len(line))
	units := 0
	for col := 0; col < end; {
		r, size := utf8.DecodeRuneInString(line[col:])
		units += utf16.RuneLen(r)
		col += size
	}
	return Position{Line: p.Line, Character: units}
}

func (t text) span(s model.Span) Range {
	return Range{Start: t.toEditor(s.Start), End: t.toEditor(s.End)}
}
