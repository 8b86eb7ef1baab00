// Package lang provides the tree-sitter Python language, its embedded queries
// and node helpers shared by the parser, the registry scanner and the analyzer.
package lang

import (
	"embed"
	"fmt"
	"regexp"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/tryton-analyzer/internal/model"
)

//go:embed queries/*.scm
var queryFS embed.FS

var whitespaceRe = regexp.MustCompile(`\s+`)

// Language holds tree-sitter configuration for a supported language.
type Language struct {
	Name       string
	Extensions []string
	lang       *sitter.Language

	queryMu sync.Mutex
	queries map[string]*sitter.Query
}

// GetLanguage returns the tree-sitter Language pointer.
func (l *Language) GetLanguage() *sitter.Language {
	return l.lang
}

// NewParser creates a fresh tree-sitter parser for this language.
// Each goroutine must use its own parser (not thread-safe).
func (l *Language) NewParser() *sitter.Parser {
	p := sitter.NewParser()
	p.SetLanguage(l.lang)
	return p
}

// Query returns the compiled query queries/<lang>_<name>.scm. Compiled
// queries are cached and safe to share across goroutines.
func (l *Language) Query(name string) (*sitter.Query, error) {
	l.queryMu.Lock()
	defer l.queryMu.Unlock()
	if q, ok := l.queries[name]; ok {
		return q, nil
	}
	data, err := queryFS.ReadFile(fmt.Sprintf("queries/%s_%s.scm", l.Name, name))
	if err != nil {
		return nil, fmt.Errorf("reading query file: %w", err)
	}
	q, err := sitter.NewQuery(data, l.lang)
	if err != nil {
		return nil, fmt.Errorf("compiling query %s: %w", name, err)
	}
	if l.queries == nil {
		l.queries = make(map[string]*sitter.Query)
	}
	l.queries[name] = q
	return q, nil
}

// Languages maps language names to their configuration.
// Populated by init() functions in per-language files.
var Languages = map[string]*Language{}

// extensionMap is built lazily after all init() functions have run.
var extensionMap map[string]string
var extensionOnce sync.Once

func getExtensionMap() map[string]string {
	extensionOnce.Do(func() {
		extensionMap = make(map[string]string)
		for _, l := range Languages {
			for _, ext := range l.Extensions {
				extensionMap[ext] = l.Name
			}
		}
	})
	return extensionMap
}

// ForExtension returns the language name for a file extension, or "" if unsupported.
func ForExtension(ext string) string {
	return getExtensionMap()[ext]
}

// NodeText returns the source text of a tree-sitter node.
func NodeText(node *sitter.Node, source []byte) string {
	if node == nil {
		return ""
	}
	start, end := node.StartByte(), node.EndByte()
	if int(end) > len(source) || start > end {
		return ""
	}
	return string(source[start:end])
}

// SpanOf returns the position span of a node.
func SpanOf(node *sitter.Node) model.Span {
	s, e := node.StartPoint(), node.EndPoint()
	return model.Span{
		Start: model.Position{Line: int(s.Row), Column: int(s.Column)},
		End:   model.Position{Line: int(e.Row), Column: int(e.Column)},
	}
}

// CollapseWhitespace replaces runs of whitespace with a single space and trims.
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
