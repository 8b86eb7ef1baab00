// Package manifest reads tryton.cfg module manifests and locates modules.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/ini.v1"
)

// FileName is the manifest file every module directory carries.
const FileName = "tryton.cfg"

var (
	// ErrNoModule is returned when a path does not belong to any module.
	ErrNoModule = errors.New("no tryton module")
	// ErrModuleNotFound is returned when a module name is not on any path.
	ErrModuleNotFound = errors.New("module not found")
)

// Manifest is the content of a module's tryton.cfg.
type Manifest struct {
	Name         string
	Dir          string
	Version      string
	Depends      []string
	ExtrasDepend []string
	XML          []string
}

// HasXML reports whether a data file is declared in the manifest.
func (m *Manifest) HasXML(name string) bool {
	for _, x := range m.XML {
		if x == name {
			return true
		}
	}
	return false
}

// Load reads the manifest of the module stored in dir.
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return Parse(filepath.Base(dir), dir, data)
}

// Parse decodes manifest data. Values use Python configparser continuation
// lines, one module or file per line.
func Parse(name, dir string, data []byte) (*Manifest, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{
		AllowPythonMultilineValues: true,
		SkipUnrecognizableLines:    true,
	}, data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s of %s: %w", FileName, name, err)
	}
	sec := cfg.Section("tryton")
	return &Manifest{
		Name:         name,
		Dir:          dir,
		Version:      strings.TrimSpace(sec.Key("version").String()),
		Depends:      splitList(sec.Key("depends").String()),
		ExtrasDepend: splitList(sec.Key("extras_depend").String()),
		XML:          splitList(sec.Key("xml").String()),
	}, nil
}

func splitList(value string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(value, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ' ' || r == '\t' || r == ','
	}) {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// FindModuleRoot walks up from path until it finds a directory holding a
// manifest.
func FindModuleRoot(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	dir := abs
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		dir = filepath.Dir(abs)
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, FileName)); err == nil && !info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s: %w", path, ErrNoModule)
		}
		dir = parent
	}
}

// Locator resolves module names to manifests using a list of directories.
// Each directory is either a module itself or a parent of module directories.
type Locator struct {
	paths []string

	mu    sync.Mutex
	cache map[string]*Manifest
	extra map[string]string
}

// NewLocator returns a locator searching paths in order.
func NewLocator(paths []string) *Locator {
	return &Locator{paths: paths, cache: make(map[string]*Manifest), extra: make(map[string]string)}
}

// Add registers a module directory that is not below the search paths.
func (l *Locator) Add(dir string) (*Manifest, error) {
	m, err := Load(dir)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cache[m.Name] = m
	l.extra[m.Name] = dir
	l.mu.Unlock()
	return m, nil
}

// Find returns the manifest of a module.
func (l *Locator) Find(name string) (*Manifest, error) {
	l.mu.Lock()
	if m, ok := l.cache[name]; ok {
		l.mu.Unlock()
		return m, nil
	}
	extra, added := l.extra[name]
	l.mu.Unlock()

	if added {
		m, err := Load(extra)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.cache[name] = m
		l.mu.Unlock()
		return m, nil
	}

	for _, p := range l.paths {
		for _, dir := range []string{filepath.Join(p, name), p} {
			if filepath.Base(dir) != name {
				continue
			}
			if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
				continue
			}
			m, err := Load(dir)
			if err != nil {
				return nil, err
			}
			l.mu.Lock()
			l.cache[name] = m
			l.mu.Unlock()
			return m, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrModuleNotFound)
}

// Depends returns the declared dependencies of a module, for graph walks.
func (l *Locator) Depends(name string) ([]string, error) {
	m, err := l.Find(name)
	if err != nil {
		return nil, err
	}
	return m.Depends, nil
}

// Reset drops cached manifests. Directories registered with Add are kept.
func (l *Locator) Reset() {
	l.mu.Lock()
	l.cache = make(map[string]*Manifest)
	l.mu.Unlock()
}

// Available lists every module found on the search paths, sorted.
func (l *Locator) Available() []string {
	seen := make(map[string]struct{})
	for _, p := range l.paths {
		if _, err := os.Stat(filepath.Join(p, FileName)); err == nil {
			seen[filepath.Base(p)] = struct{}{}
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if _, err := os.Stat(filepath.Join(p, e.Name(), FileName)); err == nil {
				seen[e.Name()] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
