// Package lint analyzes whole modules and renders the findings.
package lint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/phobologic/tryton-analyzer/internal/analyzer"
	"github.com/phobologic/tryton-analyzer/internal/ctxlog"
	"github.com/phobologic/tryton-analyzer/internal/model"
)

// ErrFindings is returned when a module holds an unknown attribute or a
// super call error.
var ErrFindings = errors.New("fatal findings")

// Workspace is what the linter needs from the workspace.
type Workspace interface {
	ModuleDir(arg string) (string, error)
	Files(dir string) ([]string, error)
	DiagnoseFile(ctx context.Context, path string) (*analyzer.Report, error)
}

// Linter analyzes the files of a module concurrently.
type Linter struct {
	ws      Workspace
	workers int
}

// New returns a linter running at most workers analyses at once. A value
// <= 0 means GOMAXPROCS.
func New(ws Workspace, workers int) *Linter {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Linter{ws: ws, workers: workers}
}

// Run lints each argument, a module directory or a module name, in turn.
func (l *Linter) Run(ctx context.Context, args []string) ([]model.ModuleReport, error) {
	reports := make([]model.ModuleReport, 0, len(args))
	for _, arg := range args {
		r, err := l.Module(ctx, arg)
		if err != nil {
			return nil, err
		}
		reports = append(reports, *r)
	}
	return reports, nil
}

type fileResult struct {
	report *analyzer.Report
	err    error
}

// Module lints one module. Files that cannot be analyzed are recorded in
// the report; only a canceled context fails the run.
func (l *Linter) Module(ctx context.Context, arg string) (*model.ModuleReport, error) {
	dir, err := l.ws.ModuleDir(arg)
	if err != nil {
		return nil, err
	}
	files, err := l.ws.Files(dir)
	if err != nil {
		return nil, err
	}
	logger := ctxlog.FromContext(ctx)
	logger.Debug("linting module", "dir", dir, "files", len(files))

	results := make([]fileResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i, path := range files {
		g.Go(func() error {
			r, err := l.ws.DiagnoseFile(gctx, path)
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			results[i] = fileResult{report: r, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &model.ModuleReport{Name: filepath.Base(dir), Dir: dir, Files: []model.FileReport{}, Diagnostics: []model.Diagnostic{}}
	for i, res := range results {
		rel, _ := filepath.Rel(dir, files[i])
		fr := model.FileReport{Path: filepath.ToSlash(rel)}
		if res.err != nil {
			logger.Warn("file not analyzed", "file", files[i], "error", res.err)
			fr.Error = res.err.Error()
			report.Files = append(report.Files, fr)
			continue
		}
		fr.Outcome = res.report.Outcome.String()
		fr.Degraded = res.report.Degraded
		report.Files = append(report.Files, fr)
		report.Diagnostics = append(report.Diagnostics, res.report.Diagnostics...)
	}
	return report, nil
}

// Check returns ErrFindings when a report holds a fatal diagnostic.
func Check(reports []model.ModuleReport) error {
	n := 0
	for i := range reports {
		for _, d := range reports[i].Diagnostics {
			if d.Code.Fatal() {
				n++
			}
		}
	}
	if n > 0 {
		return fmt.Errorf("%d %w", n, ErrFindings)
	}
	return nil
}
