// Package workspace maps files on disk to their module, builds the module
// context and pool for them, and runs the analyzers.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/phobologic/tryton-analyzer/internal/analyzer"
	"github.com/phobologic/tryton-analyzer/internal/complete"
	"github.com/phobologic/tryton-analyzer/internal/ctxlog"
	"github.com/phobologic/tryton-analyzer/internal/discover"
	"github.com/phobologic/tryton-analyzer/internal/graph"
	"github.com/phobologic/tryton-analyzer/internal/manifest"
	"github.com/phobologic/tryton-analyzer/internal/model"
	"github.com/phobologic/tryton-analyzer/internal/parse"
)

var tracer = otel.Tracer("github.com/phobologic/tryton-analyzer/internal/workspace")

// ErrUnsupported is returned for files that are neither Python nor XML.
var ErrUnsupported = errors.New("unsupported file type")

// Metadata is the introspector surface the workspace uses. It is implemented
// by *introspect.Client.
type Metadata interface {
	Model(ctx context.Context, universe []string, name string, kind model.Kind) (*model.ModelMetadata, error)
	SuperChain(ctx context.Context, universe []string, name string, kind model.Kind, method string) ([]model.SuperEntry, error)
	ModuleInfo(ctx context.Context, name string) (*model.ModuleInfo, error)
	Reload(ctx context.Context) error
}

// Options configures a Workspace.
type Options struct {
	// BaseModules are loaded in every pool.
	BaseModules []string
	Analyzer    analyzer.Options
	Parse       []parse.Option
}

// Workspace analyzes module files. It is safe for concurrent use.
type Workspace struct {
	locator  *manifest.Locator
	meta     Metadata
	base     []string
	parse    []parse.Option
	analyzer *analyzer.Analyzer
	engine   *complete.Engine

	mu       sync.Mutex
	lastGood map[string][]byte
	views    map[string]map[string]analyzer.ViewInfo
}

// New returns a workspace resolving modules with locator and metadata with
// meta.
func New(locator *manifest.Locator, meta Metadata, opts Options) *Workspace {
	a := analyzer.New(opts.Analyzer)
	return &Workspace{
		locator:  locator,
		meta:     meta,
		base:     opts.BaseModules,
		parse:    opts.Parse,
		analyzer: a,
		engine:   complete.New(a, opts.Parse...),
		lastGood: make(map[string][]byte),
		views:    make(map[string]map[string]analyzer.ViewInfo),
	}
}

// File is a source file located in its module.
type File struct {
	Path string
	// Rel is the slash separated path relative to the module directory.
	Rel      string
	Kind     discover.Kind
	Manifest *manifest.Manifest
}

// Locate finds the module a file belongs to.
func (ws *Workspace) Locate(path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	root, err := manifest.FindModuleRoot(abs)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	rel = filepath.ToSlash(rel)

	var kind discover.Kind
	switch filepath.Ext(abs) {
	case ".py":
		kind = discover.Python
	case ".xml":
		kind = discover.XML
		if discover.IsViewFile(rel) {
			kind = discover.View
		}
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupported)
	}

	m, err := ws.module(root)
	if err != nil {
		return nil, err
	}
	return &File{Path: abs, Rel: rel, Kind: kind, Manifest: m}, nil
}

// module returns the manifest of the module stored in root, registering the
// directory when the search paths do not lead to it.
func (ws *Workspace) module(root string) (*manifest.Manifest, error) {
	m, err := ws.locator.Find(filepath.Base(root))
	if err == nil && filepath.Clean(m.Dir) == filepath.Clean(root) {
		return m, nil
	}
	return ws.locator.Add(root)
}

// ModuleDir resolves a lint argument: a directory inside a module, or a
// module name found on the search paths.
func (ws *Workspace) ModuleDir(arg string) (string, error) {
	if info, err := os.Stat(arg); err == nil && info.IsDir() {
		root, err := manifest.FindModuleRoot(arg)
		if err != nil {
			return "", err
		}
		if _, err := ws.module(root); err != nil {
			return "", err
		}
		return root, nil
	}
	m, err := ws.locator.Find(arg)
	if err != nil {
		return "", err
	}
	return m.Dir, nil
}

// Context builds the module context of a module: the universe is the closure
// of its depends and extras_depend plus the base modules, the visible set the
// closure of the module itself and its extras_depend. Classes registered with
// depends also see those modules.
func (ws *Workspace) Context(ctx context.Context, m *manifest.Manifest) *model.ModuleContext {
	roots := append([]string{m.Name}, m.Depends...)
	roots = append(roots, m.ExtrasDepend...)
	universe, missing := graph.Closure(ws.locator.Depends, roots...)
	if len(missing) > 0 {
		ctxlog.FromContext(ctx).Debug("modules not found", "module", m.Name, "missing", missing)
	}
	for _, b := range ws.base {
		if !slices.Contains(universe, b) {
			universe = append(universe, b)
		}
	}
	sort.Strings(universe)
	visible, _ := graph.Closure(ws.locator.Depends, append([]string{m.Name}, m.ExtrasDepend...)...)
	return model.NewModuleContext(m.Name, universe, visible)
}

// pool serves one universe from the introspector.
type pool struct {
	meta     Metadata
	universe []string
}

func (p pool) Model(ctx context.Context, name string, kind model.Kind) (*model.ModelMetadata, error) {
	return p.meta.Model(ctx, p.universe, name, kind)
}

func (p pool) SuperChain(ctx context.Context, name string, kind model.Kind, method string) ([]model.SuperEntry, error) {
	return p.meta.SuperChain(ctx, p.universe, name, kind, method)
}

// request is everything known about a file before running an analyzer.
type request struct {
	file     *File
	info     *model.ModuleInfo
	mctx     *model.ModuleContext
	pool     pool
	degraded bool
}

func (ws *Workspace) prepare(ctx context.Context, path string) (*request, error) {
	f, err := ws.Locate(path)
	if err != nil {
		return nil, err
	}
	mctx := ws.Context(ctx, f.Manifest)
	req := &request{file: f, mctx: mctx, pool: pool{meta: ws.meta, universe: mctx.Universe}}
	info, err := ws.meta.ModuleInfo(ctx, f.Manifest.Name)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ctxlog.FromContext(ctx).Warn("module info unavailable", "module", f.Manifest.Name, "error", err)
		req.degraded = true
	}
	req.info = info
	return req, nil
}

// Diagnose analyzes the content of a file. Python sources go to the Python
// checks, XML files to the data file or view checks.
func (ws *Workspace) Diagnose(ctx context.Context, path string, source []byte) (*analyzer.Report, error) {
	ctx, span := tracer.Start(ctx, "workspace.Diagnose")
	defer span.End()
	span.SetAttributes(attribute.String("file", path))

	req, err := ws.prepare(ctx, path)
	if err != nil {
		return nil, err
	}
	var report *analyzer.Report
	if req.file.Kind == discover.Python {
		report, err = ws.diagnosePython(ctx, req, source)
	} else {
		report, err = ws.diagnoseXML(ctx, req, source)
	}
	if err != nil {
		return nil, err
	}
	report.Degraded = report.Degraded || req.degraded
	return report, nil
}

func (ws *Workspace) diagnosePython(ctx context.Context, req *request, source []byte) (*analyzer.Report, error) {
	tree, fellBack, err := ws.parseFile(ctx, req.file.Path, source)
	if err != nil {
		return nil, err
	}
	defer tree.Close()
	report, err := ws.analyzer.Analyze(ctx, analyzer.Input{
		Tree:    tree,
		File:    req.file.Rel,
		Module:  req.info,
		Context: req.mctx,
		Pool:    req.pool,
	})
	if err != nil {
		return nil, err
	}
	if fellBack {
		report.Outcome = parse.Partial
	}
	return report, nil
}

// parseFile parses source, falling back to the last complete source of the
// same path when nothing of the new one parses.
func (ws *Workspace) parseFile(ctx context.Context, path string, source []byte) (*parse.SourceTree, bool, error) {
	tree, err := parse.Parse(ctx, source, path, ws.parse...)
	if err != nil {
		return nil, false, err
	}
	if tree.Outcome == parse.Complete {
		ws.mu.Lock()
		ws.lastGood[path] = slices.Clone(source)
		ws.mu.Unlock()
		return tree, false, nil
	}
	if len(tree.Units) > 0 {
		return tree, false, nil
	}
	ws.mu.Lock()
	good, ok := ws.lastGood[path]
	ws.mu.Unlock()
	if !ok {
		return tree, false, nil
	}
	tree.Close()
	ctxlog.FromContext(ctx).Debug("using last good source", "file", path)
	tree, err = parse.Parse(ctx, good, path, ws.parse...)
	if err != nil {
		return nil, false, err
	}
	return tree, true, nil
}

func (ws *Workspace) diagnoseXML(ctx context.Context, req *request, source []byte) (*analyzer.Report, error) {
	info := req.info
	if info == nil {
		m := req.file.Manifest
		info = &model.ModuleInfo{Name: m.Name, Path: m.Dir, Depends: m.Depends, ExtrasDepend: m.ExtrasDepend, XML: m.XML}
	}
	return ws.analyzer.AnalyzeXML(ctx, analyzer.XMLInput{
		Source:  source,
		Path:    req.file.Path,
		File:    req.file.Rel,
		Module:  info,
		Context: req.mctx,
		Pool:    req.pool,
		Views:   ws.viewsOf(ctx, req.file.Manifest),
	})
}

// viewsOf collects the view declarations of the data files of a module.
func (ws *Workspace) viewsOf(ctx context.Context, m *manifest.Manifest) map[string]analyzer.ViewInfo {
	ws.mu.Lock()
	views, ok := ws.views[m.Dir]
	ws.mu.Unlock()
	if ok {
		return views
	}
	views = make(map[string]analyzer.ViewInfo)
	for _, name := range m.XML {
		data, err := os.ReadFile(filepath.Join(m.Dir, filepath.FromSlash(name)))
		if err != nil {
			ctxlog.FromContext(ctx).Debug("skipping data file", "module", m.Name, "file", name, "error", err)
			continue
		}
		for k, v := range analyzer.ScanViews(data) {
			if _, dup := views[k]; !dup {
				views[k] = v
			}
		}
	}
	ws.mu.Lock()
	ws.views[m.Dir] = views
	ws.mu.Unlock()
	return views
}

// DiagnoseFile reads and analyzes a file.
func (ws *Workspace) DiagnoseFile(ctx context.Context, path string) (*analyzer.Report, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ws.Diagnose(ctx, path, source)
}

// Files lists the files of the module stored in dir, as absolute paths.
func (ws *Workspace) Files(dir string) ([]string, error) {
	entries, err := discover.ModuleFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, filepath.Join(dir, filepath.FromSlash(e.Path)))
	}
	return out, nil
}

func (ws *Workspace) document(ctx context.Context, path string, source []byte) (complete.Document, bool, error) {
	req, err := ws.prepare(ctx, path)
	if err != nil {
		return complete.Document{}, false, err
	}
	if req.file.Kind != discover.Python {
		return complete.Document{}, false, nil
	}
	return complete.Document{
		Source:  source,
		Path:    req.file.Path,
		File:    req.file.Rel,
		Module:  req.info,
		Context: req.mctx,
		Pool:    req.pool,
	}, true, nil
}

// Complete proposes the members of the record before the dot at pos.
func (ws *Workspace) Complete(ctx context.Context, path string, source []byte, pos model.Position) (iter.Seq[complete.Candidate], error) {
	doc, ok, err := ws.document(ctx, path, source)
	if err != nil || !ok {
		return func(func(complete.Candidate) bool) {}, err
	}
	return ws.engine.Complete(ctx, doc, pos)
}

// Hover describes the member under pos, or returns nil.
func (ws *Workspace) Hover(ctx context.Context, path string, source []byte, pos model.Position) (*complete.Hover, error) {
	doc, ok, err := ws.document(ctx, path, source)
	if err != nil || !ok {
		return nil, err
	}
	return ws.engine.Hover(ctx, doc, pos)
}

// Reload drops everything read from disk and makes the introspector rescan
// the modules.
func (ws *Workspace) Reload(ctx context.Context) error {
	ws.locator.Reset()
	ws.mu.Lock()
	ws.views = make(map[string]map[string]analyzer.ViewInfo)
	ws.mu.Unlock()
	if err := ws.meta.Reload(ctx); err != nil {
		return fmt.Errorf("reloading metadata: %w", err)
	}
	return nil
}

// Watched reports whether a change to path on disk invalidates module
// metadata.
func Watched(path string) bool {
	base := filepath.Base(path)
	return base == manifest.FileName || base == "__init__.py"
}
