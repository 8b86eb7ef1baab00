package analyzer

import (
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/tryton-analyzer/internal/lang"
	"github.com/phobologic/tryton-analyzer/internal/model"
)

// superCall is a super().name(...) call.
type superCall struct {
	invocation *sitter.Node
	name       *sitter.Node
}

// superCalls returns the super calls of a function body, nested functions
// and classes excluded.
func (w *walker) superCalls(fn *sitter.Node) []superCall {
	var out []superCall
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		switch n.Type() {
		case lang.NodeFunction, lang.NodeClass, lang.NodeLambda:
			return
		case lang.NodeCall:
			if f := n.ChildByFieldName("function"); f != nil && f.Type() == lang.NodeAttribute {
				obj := f.ChildByFieldName("object")
				if obj != nil && obj.Type() == lang.NodeCall && lang.CallName(obj, w.source) == "super" {
					out = append(out, superCall{invocation: obj, name: f.ChildByFieldName("attribute")})
				}
			}
		}
		for _, c := range lang.NamedChildren(n) {
			visit(c)
		}
	}
	for _, c := range lang.NamedChildren(fn.ChildByFieldName("body")) {
		visit(c)
	}
	return out
}

// checkSuper compares the super calls of a method with the parents of its
// class that define the same method.
func (w *walker) checkSuper(ci *classInfo, fn *sitter.Node) {
	name := lang.DefName(fn, w.source)
	calls := w.superCalls(fn)
	for _, c := range calls {
		if pos, kw := lang.CallArgs(c.invocation, w.source); len(pos) > 0 || len(kw) > 0 {
			w.emit.node(c.invocation, model.CodeSuperWithParams, "'super' invocation does not need parameters")
		}
		if w.text(c.name) != name {
			w.emit.node(c.name, model.CodeSuperMismatchedName, "'super' call must use the same name (other: '%s')", name)
		}
	}

	if ci.meta == nil || ci.qualified == "" {
		return
	}
	parent, ok := w.parentDefinition(ci, name)
	if !ok {
		return
	}
	same := 0
	for _, c := range calls {
		if w.text(c.name) == name {
			same++
		}
	}
	switch {
	case parent == nil && same > 0:
		w.emit.node(fn.ChildByFieldName("name"), model.CodeSpuriousSuperCall, "No parent found for super call in parent modules")
	case parent != nil && same == 0 && !parent.IgnoreMissingSuper:
		w.emit.node(fn.ChildByFieldName("name"), model.CodeMissingSuperCall, "Missing super call!")
	}
}

// parentDefinition returns the first class after ci in the inheritance chain
// that defines method and is visible from ci. It returns false when the chain
// is unknown or does not contain ci.
func (w *walker) parentDefinition(ci *classInfo, method string) (*model.SuperEntry, bool) {
	chain, err := w.pool.SuperChain(w.ctx, ci.model, ci.kind, method)
	if err != nil {
		return nil, false
	}
	idx := -1
	for i, entry := range chain {
		if entry.Class == ci.qualified {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	for i := idx + 1; i < len(chain); i++ {
		entry := &chain[i]
		if entry.Module != "" && !ci.mctx.Visible(entry.Module) {
			continue
		}
		if entry.Defines {
			return entry, true
		}
	}
	return nil, true
}
