package introspect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/tryton-analyzer/internal/lang"
	"github.com/phobologic/tryton-analyzer/internal/model"
)

// ignoreMissingSuper marks a method whose overrides do not need to call super.
const ignoreMissingSuper = "IGNORE-TRYTON-LS-1004"

var fieldTypes = map[string]string{
	"Boolean":        "boolean",
	"Integer":        "integer",
	"BigInteger":     "biginteger",
	"Char":           "char",
	"Text":           "text",
	"FullText":       "full_text",
	"Float":          "float",
	"Numeric":        "numeric",
	"Date":           "date",
	"DateTime":       "datetime",
	"Timestamp":      "timestamp",
	"Time":           "time",
	"TimeDelta":      "timedelta",
	"Binary":         "binary",
	"Selection":      "selection",
	"MultiSelection": "multiselection",
	"Reference":      "reference",
	"Many2One":       "many2one",
	"One2Many":       "one2many",
	"Many2Many":      "many2many",
	"One2One":        "one2one",
	"Dict":           "dict",
	"Function":       "function",
	"MultiValue":     "multivalue",
}

var stateTypes = map[string]string{
	"StateView":       "view",
	"StateTransition": "transition",
	"StateAction":     "action",
	"StateReport":     "report",
}

type fieldDecl struct {
	Name      string
	Type      string
	String    string
	Relation  string
	Target    string // field of the relation model holding the target
	Function  bool
	Selection []string
}

type methodDecl struct {
	Name               string
	Params             []model.ParamInfo
	Classmethod        bool
	Doc                string
	IgnoreMissingSuper bool
}

type stateDecl struct {
	Name     string
	Type     string
	Relation string
}

type baseRef struct {
	Object string // module alias for "alias.Class" bases
	Name   string
}

type classDecl struct {
	Name    string
	Line    int
	Models  []string
	Bases   []baseRef
	Fields  []fieldDecl
	Methods map[string]*methodDecl
	States  []stateDecl
	Attrs   []string
}

// ModelName returns the effective __name__, the last assignment.
func (c *classDecl) ModelName() string {
	if len(c.Models) == 0 {
		return ""
	}
	return c.Models[len(c.Models)-1]
}

type importRef struct {
	Stem string
	Name string // empty for "from . import stem"
}

type fileScan struct {
	Path    string
	Stem    string
	Classes map[string]*classDecl
	Imports map[string]importRef
}

// scanSource extracts classes and relative imports from one Python file.
func scanSource(ctx context.Context, source []byte, rel string) (*fileScan, error) {
	parser := lang.Python().NewParser()
	defer parser.Close()
	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", rel, err)
	}
	defer tree.Close()

	fs := &fileScan{
		Path:    rel,
		Stem:    model.FileStem(rel),
		Classes: make(map[string]*classDecl),
		Imports: make(map[string]importRef),
	}
	root := tree.RootNode()
	if err := scanImports(root, source, fs); err != nil {
		return nil, err
	}
	for _, stmt := range lang.NamedChildren(root) {
		def := lang.Unwrap(stmt)
		if def.Type() != lang.NodeClass {
			continue
		}
		c := scanClass(def, source)
		fs.Classes[c.Name] = c
	}
	return fs, nil
}

func scanImports(root *sitter.Node, source []byte, fs *fileScan) error {
	q, err := lang.Python().Query("imports")
	if err != nil {
		return err
	}
	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(q, root)
	for {
		match, ok := qc.NextMatch()
		if !ok {
			break
		}
		var src, stmt *sitter.Node
		for _, c := range match.Captures {
			switch q.CaptureNameForId(c.Index) {
			case "source":
				src = c.Node
			case "import":
				stmt = c.Node
			}
		}
		if src == nil || stmt == nil {
			continue
		}
		text := lang.NodeText(src, source)
		if strings.HasPrefix(text, "..") {
			continue
		}
		stem := strings.TrimPrefix(text, ".")
		for _, n := range lang.NamedChildren(stmt) {
			if n.StartByte() == src.StartByte() {
				continue
			}
			var name, alias string
			switch n.Type() {
			case "dotted_name":
				name = lang.NodeText(n, source)
				alias = name
			case "aliased_import":
				name = lang.NodeText(n.ChildByFieldName("name"), source)
				alias = lang.NodeText(n.ChildByFieldName("alias"), source)
			default:
				continue
			}
			if stem == "" {
				fs.Imports[alias] = importRef{Stem: name}
			} else {
				fs.Imports[alias] = importRef{Stem: stem, Name: name}
			}
		}
	}
	return nil
}

func scanClass(def *sitter.Node, source []byte) *classDecl {
	c := &classDecl{
		Name:    lang.DefName(def, source),
		Line:    int(def.StartPoint().Row) + 1,
		Methods: make(map[string]*methodDecl),
	}
	if supers := def.ChildByFieldName("superclasses"); supers != nil {
		for _, b := range lang.NamedChildren(supers) {
			expr := b
			if expr.Type() == lang.NodeCall {
				expr = expr.ChildByFieldName("function")
			}
			switch expr.Type() {
			case lang.NodeIdentifier:
				c.Bases = append(c.Bases, baseRef{Name: lang.NodeText(expr, source)})
			case lang.NodeAttribute:
				c.Bases = append(c.Bases, baseRef{
					Object: lang.DottedName(expr.ChildByFieldName("object"), source),
					Name:   lang.NodeText(expr.ChildByFieldName("attribute"), source),
				})
			}
		}
	}
	for _, stmt := range lang.ClassBody(def) {
		inner := lang.Unwrap(stmt)
		switch inner.Type() {
		case lang.NodeFunction:
			m := scanMethod(inner, source)
			c.Methods[m.Name] = m
		case lang.NodeExpressionStmt:
			for _, a := range lang.NamedChildren(inner) {
				if a.Type() == lang.NodeAssignment {
					c.scanAssignment(a, source)
				}
			}
		}
	}
	return c
}

func (c *classDecl) scanAssignment(a *sitter.Node, source []byte) {
	left := a.ChildByFieldName("left")
	if left == nil || left.Type() != lang.NodeIdentifier {
		return
	}
	name := lang.NodeText(left, source)
	right := a.ChildByFieldName("right")
	if name == "__name__" {
		if s, ok := lang.StringLiteral(right, source); ok {
			c.Models = append(c.Models, s)
		}
		return
	}
	if right != nil && right.Type() == lang.NodeCall {
		if f, ok := scanField(right, source); ok {
			f.Name = name
			c.Fields = append(c.Fields, f)
			return
		}
		if s, ok := scanState(right, source); ok {
			s.Name = name
			c.States = append(c.States, s)
			return
		}
	}
	c.Attrs = append(c.Attrs, name)
}

func scanMethod(def *sitter.Node, source []byte) *methodDecl {
	m := &methodDecl{
		Name:               lang.DefName(def, source),
		Classmethod:        lang.IsClassmethod(def, source),
		Doc:                lang.Docstring(def, source),
		IgnoreMissingSuper: lang.HasComment(def, source, ignoreMissingSuper),
	}
	for _, p := range lang.Parameters(def, source) {
		info := model.ParamInfo{Name: p.Name}
		if card, name, ok := lang.RecordAnnotation(p.Type, source); ok {
			info.Cardinality = card
			info.Model = name
		}
		m.Params = append(m.Params, info)
	}
	return m
}

// argAt returns positional argument i, or the keyword argument name.
func argAt(positional []*sitter.Node, keywords map[string]*sitter.Node, i int, name string) *sitter.Node {
	if i >= 0 && i < len(positional) {
		return positional[i]
	}
	return keywords[name]
}

func scanField(call *sitter.Node, source []byte) (fieldDecl, bool) {
	parts := strings.Split(lang.CallName(call, source), ".")
	last := parts[len(parts)-1]
	typ, ok := fieldTypes[last]
	if !ok || (len(parts) > 1 && parts[len(parts)-2] != "fields") {
		return fieldDecl{}, false
	}
	pos, kw := lang.CallArgs(call, source)
	str := func(n *sitter.Node) string {
		s, _ := lang.StringLiteral(n, source)
		return s
	}

	f := fieldDecl{Type: typ}
	switch typ {
	case "function", "multivalue":
		inner := argAt(pos, kw, 0, "field")
		if inner == nil || inner.Type() != lang.NodeCall {
			return fieldDecl{}, false
		}
		f, ok = scanField(inner, source)
		if !ok {
			return fieldDecl{}, false
		}
		f.Function = f.Function || typ == "function"
	case "many2one":
		f.Relation = str(argAt(pos, kw, 0, "model_name"))
		f.String = str(argAt(pos, kw, 1, "string"))
	case "one2many":
		f.Relation = str(argAt(pos, kw, 0, "model_name"))
		f.String = str(argAt(pos, kw, 2, "string"))
	case "many2many", "one2one":
		f.Relation = str(argAt(pos, kw, 0, "relation_name"))
		f.Target = str(argAt(pos, kw, 2, "target"))
		f.String = str(argAt(pos, kw, 3, "string"))
	case "selection", "multiselection":
		f.Selection = selectionKeys(argAt(pos, kw, 0, "selection"), source)
		f.String = str(argAt(pos, kw, 1, "string"))
	case "reference":
		f.String = str(argAt(pos, kw, 0, "string"))
		f.Selection = selectionKeys(argAt(pos, kw, 1, "selection"), source)
	case "dict":
		f.String = str(argAt(pos, kw, 1, "string"))
	default:
		f.String = str(argAt(pos, kw, 0, "string"))
	}
	return f, true
}

// selectionKeys returns the keys of a literal [(key, label), ...] list.
func selectionKeys(node *sitter.Node, source []byte) []string {
	if node == nil || node.Type() != lang.NodeList {
		return nil
	}
	var keys []string
	for _, item := range lang.NamedChildren(node) {
		if item.Type() != lang.NodeTuple || item.NamedChildCount() == 0 {
			continue
		}
		if k, ok := lang.StringLiteral(item.NamedChild(0), source); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

func scanState(call *sitter.Node, source []byte) (stateDecl, bool) {
	parts := strings.Split(lang.CallName(call, source), ".")
	typ, ok := stateTypes[parts[len(parts)-1]]
	if !ok {
		return stateDecl{}, false
	}
	s := stateDecl{Type: typ}
	if typ == "view" {
		pos, kw := lang.CallArgs(call, source)
		s.Relation, _ = lang.StringLiteral(argAt(pos, kw, 0, "model_name"), source)
	}
	return s, true
}

// scanRegistrations reads the Pool.register calls of a module __init__.py.
func scanRegistrations(ctx context.Context, source []byte) ([]model.Registration, error) {
	parser := lang.Python().NewParser()
	defer parser.Close()
	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parsing __init__.py: %w", err)
	}
	defer tree.Close()
	root := tree.RootNode()

	fs := &fileScan{Imports: make(map[string]importRef)}
	if err := scanImports(root, source, fs); err != nil {
		return nil, err
	}

	q, err := lang.Python().Query("register")
	if err != nil {
		return nil, err
	}
	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(q, root)

	var regs []model.Registration
	for {
		match, ok := qc.NextMatch()
		if !ok {
			break
		}
		match = qc.FilterPredicates(match, source)
		var call *sitter.Node
		for _, c := range match.Captures {
			if q.CaptureNameForId(c.Index) == "register" {
				call = c.Node
			}
		}
		if call == nil {
			continue
		}
		pos, kw := lang.CallArgs(call, source)
		kind := model.KindModel
		if s, ok := lang.StringLiteral(kw["type_"], source); ok {
			kind = model.Kind(s)
		}
		var depends []string
		if list := kw["depends"]; list != nil {
			for _, item := range lang.NamedChildren(list) {
				if s, ok := lang.StringLiteral(item, source); ok {
					depends = append(depends, s)
				}
			}
		}
		for _, arg := range pos {
			stem, class, ok := registeredClass(arg, source, fs.Imports)
			if !ok {
				continue
			}
			regs = append(regs, model.Registration{File: stem, Class: class, Kind: kind, Depends: depends})
		}
	}
	return regs, nil
}

// registeredClass maps "module.Class" or an imported "Class" to its file
// stem and class name.
func registeredClass(arg *sitter.Node, source []byte, imports map[string]importRef) (string, string, bool) {
	switch arg.Type() {
	case lang.NodeAttribute:
		obj := lang.DottedName(arg.ChildByFieldName("object"), source)
		ref, ok := imports[obj]
		if !ok || ref.Name != "" {
			return "", "", false
		}
		return ref.Stem, lang.NodeText(arg.ChildByFieldName("attribute"), source), true
	case lang.NodeIdentifier:
		ref, ok := imports[lang.NodeText(arg, source)]
		if !ok || ref.Name == "" {
			return "", "", false
		}
		return ref.Stem, ref.Name, true
	}
	return "", "", false
}

// stemPath returns the file holding a module stem: "a.b" is a/b.py or
// a/b/__init__.py.
func stemPath(dir, stem string) (string, string, error) {
	base := filepath.Join(append([]string{dir}, strings.Split(stem, ".")...)...)
	for _, candidate := range []string{base + ".py", filepath.Join(base, "__init__.py")} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			rel, err := filepath.Rel(dir, candidate)
			if err != nil {
				return "", "", err
			}
			return candidate, filepath.ToSlash(rel), nil
		}
	}
	return "", "", fmt.Errorf("%s: %w", stem, os.ErrNotExist)
}
