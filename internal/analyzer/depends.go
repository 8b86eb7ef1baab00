package analyzer

import (
	"errors"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/tryton-analyzer/internal/lang"
	"github.com/phobologic/tryton-analyzer/internal/model"
	"github.com/phobologic/tryton-analyzer/internal/resolve"
)

const parentPrefix = "_parent_"

// checkDepends validates the @fields.depends decorators of a method.
func (w *walker) checkDepends(ci *classInfo, fn *sitter.Node) {
	for _, d := range lang.Decorators(fn) {
		if d.Type() != lang.NodeCall || lang.CallName(d, w.source) != "fields.depends" {
			continue
		}
		for _, arg := range lang.NamedChildren(d.ChildByFieldName("arguments")) {
			switch arg.Type() {
			case lang.NodeString:
				w.dependsPath(ci, arg)
			case lang.NodeKeywordArgument:
				w.dependsKeyword(ci, arg)
			}
		}
	}
}

// dependsPath checks "field" and "_parent_m2o.field" entries.
func (w *walker) dependsPath(ci *classInfo, str *sitter.Node) {
	path, ok := lang.StringLiteral(str, w.source)
	if !ok {
		return
	}
	parts := strings.Split(path, ".")
	cur := ci.meta
	for _, part := range parts[:len(parts)-1] {
		name, ok := strings.CutPrefix(part, parentPrefix)
		if !ok {
			unknownAttribute(w.emit, str, part, cur.Name)
			return
		}
		f, ok := w.dependsField(ci, cur, str, name)
		if !ok {
			return
		}
		if f.Type != "many2one" {
			unknownAttribute(w.emit, str, name, cur.Name)
			return
		}
		next, err := ci.r.Model(w.ctx, f.Relation, model.KindModel)
		if err != nil {
			if errors.Is(err, resolve.ErrUnknownModel) {
				unknownModel(w.emit, str, f.Relation)
			}
			return
		}
		cur = next
	}
	w.dependsField(ci, cur, str, parts[len(parts)-1])
}

func (w *walker) dependsField(ci *classInfo, meta *model.ModelMetadata, str *sitter.Node, name string) (*model.FieldInfo, bool) {
	f, ok := meta.Fields[name]
	switch {
	case !ok:
		if !meta.Incomplete {
			unknownAttribute(w.emit, str, name, meta.Name)
		}
		return nil, false
	case !ci.mctx.AnyVisible(f.Modules):
		unavailableMember(w.emit, str, name, meta.Name, f.Modules)
		return nil, false
	}
	return f, true
}

// dependsKeyword checks methods=[...]; any other keyword is reported.
func (w *walker) dependsKeyword(ci *classInfo, arg *sitter.Node) {
	key := w.text(arg.ChildByFieldName("name"))
	value := arg.ChildByFieldName("value")
	if key != "methods" {
		unknownAttribute(w.emit, arg, key, ci.meta.Name)
		return
	}
	if value == nil || value.Type() != lang.NodeList {
		return
	}
	for _, el := range lang.NamedChildren(value) {
		name, ok := lang.StringLiteral(el, w.source)
		if !ok {
			continue
		}
		m, status := resolve.Lookup(ci.meta, ci.mctx, name)
		switch status {
		case resolve.Unknown:
			if !ci.meta.Incomplete {
				unknownAttribute(w.emit, el, name, ci.meta.Name)
			}
		case resolve.Unavailable:
			unavailableMember(w.emit, el, name, ci.meta.Name, m.Modules)
		}
	}
}
