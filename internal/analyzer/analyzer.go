// Package analyzer reports framework misuse in module sources.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/phobologic/tryton-analyzer/internal/ctxlog"
	"github.com/phobologic/tryton-analyzer/internal/introspect"
	"github.com/phobologic/tryton-analyzer/internal/lang"
	"github.com/phobologic/tryton-analyzer/internal/model"
	"github.com/phobologic/tryton-analyzer/internal/parse"
	"github.com/phobologic/tryton-analyzer/internal/resolve"
)

var tracer = otel.Tracer("github.com/phobologic/tryton-analyzer/internal/analyzer")

// Pool is the metadata of one universe. Errors other than
// introspect.ErrNotFound mean the metadata could not be obtained.
type Pool interface {
	resolve.Pool
	SuperChain(ctx context.Context, name string, kind model.Kind, method string) ([]model.SuperEntry, error)
}

// Options configures an Analyzer.
type Options struct {
	// Conventions is the special-parameter table; nil means the default.
	Conventions *resolve.Conventions
	// Ignore lists codes that are never reported.
	Ignore []model.Code
}

// Analyzer runs the checks. It keeps no per-file state and is safe for
// concurrent use.
type Analyzer struct {
	conventions *resolve.Conventions
	ignore      map[model.Code]bool
}

// New returns an Analyzer.
func New(opts Options) *Analyzer {
	a := &Analyzer{conventions: opts.Conventions, ignore: make(map[model.Code]bool)}
	if a.conventions == nil {
		a.conventions = resolve.DefaultConventions()
	}
	for _, c := range opts.Ignore {
		a.ignore[c] = true
	}
	return a
}

// Input is one Python file to analyze.
type Input struct {
	Tree *parse.SourceTree
	// File is the path relative to the module directory, e.g. "party.py".
	File    string
	Module  *model.ModuleInfo
	Context *model.ModuleContext
	// Pool serves the universe of Context. A nil pool degrades the report.
	Pool Pool
}

// Report is the result of analyzing one file.
type Report struct {
	Path        string
	Outcome     parse.Outcome
	Diagnostics []model.Diagnostic
	// Degraded is set when some metadata could not be obtained. Checks that
	// needed it were skipped.
	Degraded bool
}

// Fatal reports whether the report holds a finding the batch linter fails on.
func (r *Report) Fatal() bool {
	for _, d := range r.Diagnostics {
		if d.Code.Fatal() {
			return true
		}
	}
	return false
}

// Analyze runs every Python check on the units of in.Tree. It only fails when
// ctx ends.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (*Report, error) {
	ctx, span := tracer.Start(ctx, "analyzer.Analyze")
	defer span.End()
	span.SetAttributes(attribute.String("file", in.Tree.Path))

	w := a.newWalker(ctx, in, newEmitter(in.Tree.Path, in.Tree.Line, "#", a.ignore))
	for _, u := range in.Tree.Units {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w.unit(u)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &Report{
		Path:        in.Tree.Path,
		Outcome:     in.Tree.Outcome,
		Diagnostics: w.emit.diagnostics(),
		Degraded:    w.pool.degraded,
	}
	if report.Degraded {
		ctxlog.FromContext(ctx).Debug("analysis degraded", "file", in.Tree.Path)
	}
	span.SetAttributes(
		attribute.Int("diagnostics", len(report.Diagnostics)),
		attribute.Bool("degraded", report.Degraded),
	)
	return report, nil
}

// Target is the object of the attribute access under a position.
type Target struct {
	Binding resolve.Binding
	Meta    *model.ModelMetadata
	// Context is the module context the member lookup is filtered with.
	Context *model.ModuleContext
	// Name is the attribute as typed so far, and Span its location.
	Name string
	Span model.Span
}

// TargetAt resolves the object of the attribute access at pos. It returns
// nil when pos is not on an attribute of a resolved single record.
func (a *Analyzer) TargetAt(ctx context.Context, in Input, pos model.Position) (*Target, error) {
	ctx, span := tracer.Start(ctx, "analyzer.TargetAt")
	defer span.End()

	u, ok := in.Tree.UnitAt(pos)
	if !ok {
		return nil, nil
	}
	w := a.newWalker(ctx, in, mutedEmitter())
	w.at = &pos
	w.unit(u)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w.target == nil || w.target.Meta == nil {
		return nil, nil
	}
	return w.target, nil
}

// trackedPool records whether any call failed for a reason other than an
// unknown name.
type trackedPool struct {
	pool     Pool
	degraded bool
}

func (p *trackedPool) note(err error) {
	if err != nil && !errors.Is(err, introspect.ErrNotFound) {
		p.degraded = true
	}
}

func (p *trackedPool) Model(ctx context.Context, name string, kind model.Kind) (*model.ModelMetadata, error) {
	if p.pool == nil {
		p.degraded = true
		return nil, introspect.ErrUnavailable
	}
	m, err := p.pool.Model(ctx, name, kind)
	p.note(err)
	return m, err
}

func (p *trackedPool) SuperChain(ctx context.Context, name string, kind model.Kind, method string) ([]model.SuperEntry, error) {
	if p.pool == nil {
		p.degraded = true
		return nil, introspect.ErrUnavailable
	}
	chain, err := p.pool.SuperChain(ctx, name, kind, method)
	p.note(err)
	return chain, err
}

// emitter collects diagnostics, dropping ignored codes, suppressed lines and
// repeats of the same code on the same span.
type emitter struct {
	path    string
	line    func(int) string
	comment string
	ignore  map[model.Code]bool
	muted   bool
	seen    map[emitKey]struct{}
	out     []model.Diagnostic
}

type emitKey struct {
	code model.Code
	span model.Span
}

func newEmitter(path string, line func(int) string, comment string, ignore map[model.Code]bool) *emitter {
	return &emitter{path: path, line: line, comment: comment, ignore: ignore, seen: make(map[emitKey]struct{})}
}

func mutedEmitter() *emitter {
	return &emitter{muted: true}
}

func (e *emitter) add(span model.Span, code model.Code, format string, args ...any) {
	if e.muted || e.ignore[code] {
		return
	}
	k := emitKey{code: code, span: span}
	if _, dup := e.seen[k]; dup {
		return
	}
	e.seen[k] = struct{}{}
	if suppressed(e.line, span.Start.Line, code, e.comment) {
		return
	}
	e.out = append(e.out, model.NewDiagnostic(e.path, span, code, format, args...))
}

func (e *emitter) node(n *sitter.Node, code model.Code, format string, args ...any) {
	if n == nil {
		return
	}
	e.add(lang.SpanOf(n), code, format, args...)
}

func (e *emitter) diagnostics() []model.Diagnostic {
	sort.SliceStable(e.out, func(i, j int) bool {
		a, b := e.out[i], e.out[j]
		if a.Span.Start != b.Span.Start {
			return a.Span.Start.Before(b.Span.Start)
		}
		return a.Code < b.Code
	})
	return e.out
}

func unknownAttribute(e *emitter, n *sitter.Node, attr, modelName string) {
	e.node(n, model.CodeUnknownAttribute, "Unknown attribute '%s' on model '%s'", attr, modelName)
}

func unavailableMember(e *emitter, n *sitter.Node, attr, modelName string, modules []string) {
	e.node(n, model.CodeUnavailableMember, "Attribute '%s' of model '%s' is only defined in %s", attr, modelName, moduleList(modules))
}

func unknownModel(e *emitter, n *sitter.Node, name string) {
	e.node(n, model.CodeUnknownModel, "Could not find '%s' in the pool", name)
}

func moduleList(modules []string) string {
	if len(modules) == 1 {
		return fmt.Sprintf("module '%s'", modules[0])
	}
	return "modules '" + strings.Join(modules, "', '") + "'"
}
