package parse

import "github.com/phobologic/tryton-analyzer/internal/model"

// Lines indexes the line starts of a source that is not parsed as Python.
type Lines struct {
	source []byte
	starts []int
}

// NewLines indexes source.
func NewLines(source []byte) *Lines {
	return &Lines{source: source, starts: lineStarts(source)}
}

// Count returns the number of lines.
func (l *Lines) Count() int {
	return len(l.starts)
}

// Line returns the text of a zero-based line without its newline.
func (l *Lines) Line(i int) string {
	return lineText(l.source, l.starts, i)
}

// Offset converts a position to a byte offset, clamped to the source.
func (l *Lines) Offset(pos model.Position) int {
	return offsetOf(l.starts, len(l.source), pos)
}

// Position converts a byte offset to a position.
func (l *Lines) Position(offset int) model.Position {
	return positionOf(l.starts, offset)
}

func lineText(source []byte, starts []int, i int) string {
	if i < 0 || i >= len(starts) {
		return ""
	}
	start := starts[i]
	end := len(source)
	if i+1 < len(starts) {
		end = starts[i+1] - 1
	}
	if end > start && source[end-1] == '\r' {
		end--
	}
	return string(source[start:end])
}
