// Package discover finds the analyzable files of a module directory.
package discover

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/phobologic/tryton-analyzer/internal/lang"
)

// Kind is the analyzer a file is handed to.
type Kind string

const (
	Python Kind = "python"
	XML    Kind = "xml"
	View   Kind = "view"
)

// FileEntry represents a discovered module file.
type FileEntry struct {
	Path string // Relative to the module root, slash separated
	Kind Kind
}

var skipDirs = map[string]struct{}{
	"__pycache__":   {},
	"node_modules":  {},
	".git":          {},
	".hg":           {},
	".svn":          {},
	"venv":          {},
	".venv":         {},
	"env":           {},
	".env":          {},
	"build":         {},
	"dist":          {},
	".tox":          {},
	".mypy_cache":   {},
	".ruff_cache":   {},
	".pytest_cache": {},
	"egg-info":      {},
	"locale":        {},
	"icons":         {},
}

// ModuleFiles discovers Python sources, XML data files and view definitions
// under a module root.
func ModuleFiles(root string) ([]FileEntry, error) {
	gitFiles := gitLsFiles(root)
	var gi *ignore.GitIgnore
	if gitFiles == nil {
		gi = loadGitignore(root)
	}

	var results []FileEntry

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip errors
		}

		name := d.Name()

		if d.IsDir() {
			if path == root {
				return nil
			}
			if _, skip := skipDirs[name]; skip || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".egg-info") {
				return filepath.SkipDir
			}
			// A nested module is linted on its own.
			if _, err := os.Stat(filepath.Join(path, "tryton.cfg")); err == nil {
				return filepath.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(name, ".") {
			return nil
		}

		// Skip symlinks
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}

		if gitFiles != nil {
			if _, ok := gitFiles[rel]; !ok {
				return nil
			}
		} else if gi != nil && gi.MatchesPath(rel) {
			return nil
		}

		rel = filepath.ToSlash(rel)
		switch {
		case lang.ForExtension(filepath.Ext(name)) == "python":
			results = append(results, FileEntry{Path: rel, Kind: Python})
		case filepath.Ext(name) == ".xml" && IsViewFile(rel):
			results = append(results, FileEntry{Path: rel, Kind: View})
		case filepath.Ext(name) == ".xml":
			results = append(results, FileEntry{Path: rel, Kind: XML})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Path < results[j].Path
	})

	return results, nil
}

// IsViewFile reports whether a module-relative path is a view definition,
// i.e. an XML file directly under view/.
func IsViewFile(path string) bool {
	path = filepath.ToSlash(path)
	return strings.HasPrefix(path, "view/") && strings.Count(path, "/") == 1 && strings.HasSuffix(path, ".xml")
}

// IsTestFile reports whether a module-relative path belongs to the module's
// test suite.
func IsTestFile(path string) bool {
	path = filepath.ToSlash(path)
	for _, part := range strings.Split(filepath.ToSlash(filepath.Dir(path)), "/") {
		if part == "tests" {
			return true
		}
	}
	return strings.HasPrefix(filepath.Base(path), "test_")
}

func gitLsFiles(root string) map[string]struct{} {
	gitDir := filepath.Join(root, ".git")
	info, err := os.Stat(gitDir)
	if err != nil || !info.IsDir() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = root
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	files := make(map[string]struct{})
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line != "" {
			files[filepath.FromSlash(line)] = struct{}{}
		}
	}
	return files
}

func loadGitignore(root string) *ignore.GitIgnore {
	path := filepath.Join(root, ".gitignore")
	gi, err := ignore.CompileIgnoreFile(path)
	if err != nil {
		return nil
	}
	return gi
}
