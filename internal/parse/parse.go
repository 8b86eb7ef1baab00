// Package parse builds error-tolerant syntax trees for Python module files.
package parse

import (
	"context"
	"errors"
	"fmt"
	"sort"

	sitter "github.com/smacker/go-tree-sitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/phobologic/tryton-analyzer/internal/lang"
	"github.com/phobologic/tryton-analyzer/internal/model"
)

// DefaultMaxFileSize is the largest file parsed; bigger files yield an empty
// partial tree.
const DefaultMaxFileSize = 1_000_000 // 1 MB

// ErrCanceled is returned when the context ends before parsing completes.
var ErrCanceled = errors.New("parse canceled")

var tracer = otel.Tracer("github.com/phobologic/tryton-analyzer/internal/parse")

// Outcome tells whether the whole file parsed.
type Outcome int

const (
	Complete Outcome = iota
	Partial
)

func (o Outcome) String() string {
	if o == Complete {
		return "complete"
	}
	return "partial"
}

// Unit is a syntactically valid piece of the file that can be analyzed on its
// own: a top-level statement, or a method salvaged from a broken class.
type Unit struct {
	Node *sitter.Node
	// Class is set when Node is a method whose class body did not parse.
	Class *sitter.Node
	Span  model.Span
}

// SourceTree is an immutable parse of one file. It must be closed once the
// analysis request is done.
type SourceTree struct {
	Path        string
	Source      []byte
	Outcome     Outcome
	Units       []Unit
	ErrorRanges []model.Span

	root       *sitter.Node
	trees      []*sitter.Tree
	lineStarts []int
}

// Root returns the root node of the main tree, or nil for oversized files.
func (t *SourceTree) Root() *sitter.Node {
	return t.root
}

// Text returns the source text of a node.
func (t *SourceTree) Text(n *sitter.Node) string {
	return lang.NodeText(n, t.Source)
}

// Close releases the tree-sitter trees.
func (t *SourceTree) Close() {
	for _, tree := range t.trees {
		tree.Close()
	}
	t.trees = nil
}

// LineCount returns the number of lines of the source.
func (t *SourceTree) LineCount() int {
	return len(t.lineStarts)
}

// Line returns the text of a zero-based line without its newline.
func (t *SourceTree) Line(i int) string {
	return lineText(t.Source, t.lineStarts, i)
}

// Offset converts a position to a byte offset, clamped to the source.
func (t *SourceTree) Offset(pos model.Position) int {
	return offsetOf(t.lineStarts, len(t.Source), pos)
}

// Position converts a byte offset to a position.
func (t *SourceTree) Position(offset int) model.Position {
	return positionOf(t.lineStarts, offset)
}

// UnitAt returns the unit whose span contains pos.
func (t *SourceTree) UnitAt(pos model.Position) (Unit, bool) {
	for _, u := range t.Units {
		if u.Span.Contains(pos) {
			return u, true
		}
	}
	return Unit{}, false
}

type options struct {
	maxFileSize int
}

// Option configures Parse.
type Option func(*options)

// WithMaxFileSize overrides DefaultMaxFileSize.
func WithMaxFileSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFileSize = n
		}
	}
}

// Parse parses a Python source file. Malformed input never fails: it yields a
// Partial tree exposing every unit that parses. The only error is ErrCanceled.
func Parse(ctx context.Context, source []byte, path string, opts ...Option) (*SourceTree, error) {
	o := options{maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := tracer.Start(ctx, "parse.Parse")
	defer span.End()
	span.SetAttributes(attribute.String("file", path), attribute.Int("bytes", len(source)))

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCanceled, err)
	}

	st := &SourceTree{
		Path:       path,
		Source:     source,
		lineStarts: lineStarts(source),
	}

	if len(source) > o.maxFileSize {
		st.Outcome = Partial
		st.ErrorRanges = []model.Span{{End: st.Position(len(source))}}
		return st, nil
	}

	tree, err := lang.Python().NewParser().ParseCtx(ctx, nil, source)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
		}
		st.Outcome = Partial
		st.ErrorRanges = []model.Span{{End: st.Position(len(source))}}
		return st, nil
	}
	st.trees = append(st.trees, tree)
	st.root = tree.RootNode()

	if !st.root.HasError() {
		st.Outcome = Complete
		for _, child := range lang.NamedChildren(st.root) {
			if child.Type() == lang.NodeComment {
				continue
			}
			st.Units = append(st.Units, Unit{Node: child, Span: lang.SpanOf(child)})
		}
		span.SetAttributes(attribute.String("outcome", st.Outcome.String()))
		return st, nil
	}

	st.Outcome = Partial
	for _, child := range lang.NamedChildren(st.root) {
		switch {
		case child.Type() == lang.NodeComment:
		case child.Type() == lang.NodeError:
			if err := st.salvage(ctx, int(child.StartByte()), int(child.EndByte())); err != nil {
				st.Close()
				return nil, err
			}
		case child.HasError():
			st.ErrorRanges = append(st.ErrorRanges, errorSpans(child)...)
			st.salvageMethods(child)
		default:
			st.Units = append(st.Units, Unit{Node: child, Span: lang.SpanOf(child)})
		}
	}
	sort.SliceStable(st.Units, func(i, j int) bool {
		return st.Units[i].Span.Start.Before(st.Units[j].Span.Start)
	})
	span.SetAttributes(
		attribute.String("outcome", st.Outcome.String()),
		attribute.Int("units", len(st.Units)),
		attribute.Int("error_ranges", len(st.ErrorRanges)),
	)
	return st, nil
}

// salvageMethods keeps the error-free methods of a class whose body is broken.
func (t *SourceTree) salvageMethods(node *sitter.Node) {
	class := lang.Unwrap(node)
	if class.Type() != lang.NodeClass {
		return
	}
	if name := class.ChildByFieldName("name"); name == nil || name.HasError() {
		return
	}
	for _, stmt := range lang.ClassBody(class) {
		if stmt.HasError() || lang.Unwrap(stmt).Type() != lang.NodeFunction {
			continue
		}
		t.Units = append(t.Units, Unit{Node: stmt, Class: class, Span: lang.SpanOf(stmt)})
	}
}

// salvage splits an unparsable top-level region into column-zero chunks and
// parses each chunk in isolation. The isolated source keeps every byte
// outside the chunk as blank space so node positions stay absolute.
func (t *SourceTree) salvage(ctx context.Context, start, end int) error {
	for _, chunk := range t.chunks(start, end) {
		blanked := make([]byte, len(t.Source))
		for i, b := range t.Source {
			switch {
			case i >= chunk[0] && i < chunk[1]:
				blanked[i] = b
			case b == '\n' || b == '\r':
				blanked[i] = b
			default:
				blanked[i] = ' '
			}
		}
		tree, err := lang.Python().NewParser().ParseCtx(ctx, nil, blanked)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
			}
			t.ErrorRanges = append(t.ErrorRanges, model.Span{Start: t.Position(chunk[0]), End: t.Position(chunk[1])})
			continue
		}
		root := tree.RootNode()
		if root.HasError() {
			tree.Close()
			t.ErrorRanges = append(t.ErrorRanges, model.Span{Start: t.Position(chunk[0]), End: t.Position(chunk[1])})
			continue
		}
		t.trees = append(t.trees, tree)
		for _, child := range lang.NamedChildren(root) {
			if child.Type() == lang.NodeComment {
				continue
			}
			t.Units = append(t.Units, Unit{Node: child, Span: lang.SpanOf(child)})
		}
	}
	return nil
}

// chunks returns [start, end) byte ranges beginning at column-zero lines.
// Decorator lines stay attached to the definition that follows them.
func (t *SourceTree) chunks(start, end int) [][2]int {
	var bounds []int
	first := t.Position(start).Line
	last := t.Position(end).Line
	afterDecorator := false
	for line := first; line <= last && line < len(t.lineStarts); line++ {
		off := t.lineStarts[line]
		if off < start {
			off = start
		}
		if off >= end || off >= len(t.Source) {
			break
		}
		if line != first && off != t.lineStarts[line] {
			continue
		}
		c := t.Source[off]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '#' || c == ')' || c == ']' || c == '}' {
			continue
		}
		if !afterDecorator {
			bounds = append(bounds, off)
		}
		afterDecorator = c == '@'
	}
	if len(bounds) == 0 || bounds[0] != start {
		bounds = append([]int{start}, bounds...)
	}
	var out [][2]int
	for i, b := range bounds {
		e := end
		if i+1 < len(bounds) {
			e = bounds[i+1]
		}
		if e > b {
			out = append(out, [2]int{b, e})
		}
	}
	return out
}

// errorSpans returns the spans of ERROR and MISSING nodes below node.
func errorSpans(node *sitter.Node) []model.Span {
	var out []model.Span
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.IsMissing() || n.Type() == lang.NodeError {
			out = append(out, lang.SpanOf(n))
			return
		}
		if !n.HasError() {
			return
		}
		for _, c := range lang.Children(n) {
			walk(c)
		}
	}
	walk(node)
	if len(out) == 0 {
		out = append(out, lang.SpanOf(node))
	}
	return out
}

func lineStarts(source []byte) []int {
	starts := []int{0}
	for i, b := range source {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

func positionOf(starts []int, offset int) model.Position {
	line := sort.Search(len(starts), func(i int) bool { return starts[i] > offset }) - 1
	if line < 0 {
		line = 0
	}
	return model.Position{Line: line, Column: offset - starts[line]}
}

func offsetOf(starts []int, size int, pos model.Position) int {
	if pos.Line < 0 {
		return 0
	}
	if pos.Line >= len(starts) {
		return size
	}
	off := starts[pos.Line] + pos.Column
	if off > size {
		return size
	}
	return off
}
