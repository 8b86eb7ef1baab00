// Package complete proposes model members at an attribute access and
// describes the member under the cursor.
package complete

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/phobologic/tryton-analyzer/internal/analyzer"
	"github.com/phobologic/tryton-analyzer/internal/model"
	"github.com/phobologic/tryton-analyzer/internal/parse"
	"github.com/phobologic/tryton-analyzer/internal/resolve"
)

var tracer = otel.Tracer("github.com/phobologic/tryton-analyzer/internal/complete")

// placeholder completes a bare trailing dot into an attribute access.
const placeholder = "_"

// Candidate is one member proposal.
type Candidate struct {
	Name      string
	Kind      model.MemberKind
	Inherited bool
	// Detail is a one-line summary: the field type, the state type or the
	// method signature.
	Detail  string
	Doc     string
	Modules []string
}

// Markdown renders the candidate as hover text for a member of modelName.
func (c Candidate) Markdown(modelName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "`%s.%s` %s", modelName, c.Name, c.Detail)
	if c.Doc != "" {
		b.WriteString("\n\n")
		b.WriteString(c.Doc)
	}
	if len(c.Modules) > 0 {
		fmt.Fprintf(&b, "\n\nModules: %s", strings.Join(c.Modules, ", "))
	}
	return b.String()
}

// Document is an editor buffer and what the workspace knows about it.
type Document struct {
	Source []byte
	Path   string
	// File is the path relative to the module directory.
	File    string
	Module  *model.ModuleInfo
	Context *model.ModuleContext
	Pool    analyzer.Pool
}

func (d Document) input(tree *parse.SourceTree) analyzer.Input {
	return analyzer.Input{Tree: tree, File: d.File, Module: d.Module, Context: d.Context, Pool: d.Pool}
}

// Engine answers completion and hover requests.
type Engine struct {
	analyzer *analyzer.Analyzer
	parse    []parse.Option
}

// New returns an engine resolving targets with a.
func New(a *analyzer.Analyzer, opts ...parse.Option) *Engine {
	return &Engine{analyzer: a, parse: opts}
}

// Complete returns the members of the record before the dot at pos, filtered
// by the part of the name typed so far.
func (e *Engine) Complete(ctx context.Context, doc Document, pos model.Position) (iter.Seq[Candidate], error) {
	ctx, span := tracer.Start(ctx, "complete.Complete")
	defer span.End()

	source, at, prefix, ok := patch(doc.Source, pos)
	if !ok {
		return none, nil
	}
	span.SetAttributes(attribute.String("prefix", prefix))

	tree, err := parse.Parse(ctx, source, doc.Path, e.parse...)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	target, err := e.analyzer.TargetAt(ctx, doc.input(tree), at)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return none, nil
	}
	span.SetAttributes(attribute.String("model", target.Meta.Name))
	return Members(target.Meta, target.Context, prefix), nil
}

// Hover is the description of the member under the cursor.
type Hover struct {
	Model    string
	Member   Candidate
	Span     model.Span
	Markdown string
}

// Hover describes the member under pos, or returns nil when pos is not on a
// visible member of a resolved record.
func (e *Engine) Hover(ctx context.Context, doc Document, pos model.Position) (*Hover, error) {
	ctx, span := tracer.Start(ctx, "complete.Hover")
	defer span.End()

	tree, err := parse.Parse(ctx, doc.Source, doc.Path, e.parse...)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	target, err := e.analyzer.TargetAt(ctx, doc.input(tree), pos)
	if err != nil || target == nil {
		return nil, err
	}
	m, status := resolve.Lookup(target.Meta, target.Context, target.Name)
	if status != resolve.Found {
		return nil, nil
	}
	c := candidate(m)
	return &Hover{
		Model:    target.Meta.Name,
		Member:   c,
		Span:     target.Span,
		Markdown: c.Markdown(target.Meta.Name),
	}, nil
}

func none(func(Candidate) bool) {}

// patch locates the attribute being typed at pos. It returns the source to
// parse, with a placeholder after a bare dot, the start of the attribute and
// the part of it typed so far.
func patch(source []byte, pos model.Position) ([]byte, model.Position, string, bool) {
	lines := parse.NewLines(source)
	off := lines.Offset(pos)
	start := off
	for start > 0 && isIdent(source[start-1]) {
		start--
	}
	if start == 0 || source[start-1] != '.' {
		return nil, model.Position{}, "", false
	}
	prefix := string(source[start:off])
	if start == off && (off == len(source) || !isIdent(source[off])) {
		patched := make([]byte, 0, len(source)+len(placeholder))
		patched = append(patched, source[:off]...)
		patched = append(patched, placeholder...)
		source = append(patched, source[off:]...)
	}
	return source, lines.Position(start), prefix, true
}

func isIdent(b byte) bool {
	return b == '_' || b >= 0x80 ||
		('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}
