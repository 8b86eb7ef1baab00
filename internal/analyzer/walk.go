package analyzer

import (
	"context"
	"errors"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/tryton-analyzer/internal/discover"
	"github.com/phobologic/tryton-analyzer/internal/lang"
	"github.com/phobologic/tryton-analyzer/internal/model"
	"github.com/phobologic/tryton-analyzer/internal/parse"
	"github.com/phobologic/tryton-analyzer/internal/resolve"
)

// walker runs the checks of one file in statement order. Each node is
// evaluated once.
type walker struct {
	ctx     context.Context
	in      Input
	source  []byte
	stem    string
	pool    *trackedPool
	base    *resolve.Resolver
	emit    *emitter
	classes map[nodeKey]*classInfo

	// at is set when looking for the attribute access under a position.
	at     *model.Position
	target *Target
}

type nodeKey struct {
	start, end uint32
}

func keyOf(n *sitter.Node) nodeKey {
	return nodeKey{start: n.StartByte(), end: n.EndByte()}
}

// classInfo is what the walker knows about one class definition.
type classInfo struct {
	name string
	// model is the first __name__ of the class, empty for mixins.
	model     string
	kind      model.Kind
	qualified string
	// meta is nil unless the class is registered and its model resolves.
	meta *model.ModelMetadata
	mctx *model.ModuleContext
	r    *resolve.Resolver
}

// env is the lexical context of a statement.
type env struct {
	class *classInfo
	r     *resolve.Resolver
	scope *resolve.Scope
	// body is set for statements sitting directly in a class body.
	body bool
}

func (a *Analyzer) newWalker(ctx context.Context, in Input, emit *emitter) *walker {
	pool := &trackedPool{pool: in.Pool}
	w := &walker{
		ctx:     ctx,
		in:      in,
		source:  in.Tree.Source,
		pool:    pool,
		base:    resolve.New(pool, in.Context, a.conventions),
		emit:    emit,
		classes: make(map[nodeKey]*classInfo),
	}
	// Test suites register their own models, if any.
	if in.File != "" && !discover.IsTestFile(in.File) {
		w.stem = model.FileStem(in.File)
	}
	return w
}

func (w *walker) text(n *sitter.Node) string {
	return lang.NodeText(n, w.source)
}

func (w *walker) done() bool {
	return w.target != nil || w.ctx.Err() != nil
}

func (w *walker) top() env {
	return env{r: w.base, scope: resolve.NewScope(nil)}
}

func (w *walker) unit(u parse.Unit) {
	e := w.top()
	if u.Class != nil {
		ci := w.class(u.Class)
		w.function(env{class: ci, r: ci.r, scope: e.scope, body: true}, u.Node)
		return
	}
	w.stmt(e, u.Node)
}

// class returns the information of a class definition, computing it and
// reporting the class-level findings on first use.
func (w *walker) class(n *sitter.Node) *classInfo {
	k := keyOf(n)
	if ci, ok := w.classes[k]; ok {
		return ci
	}
	ci := &classInfo{name: lang.DefName(n, w.source), mctx: w.in.Context, r: w.base}
	w.classes[k] = ci

	names := w.modelNames(n)
	if len(names) == 0 {
		return ci
	}
	ci.model, _ = lang.StringLiteral(names[0], w.source)
	for _, extra := range names[1:] {
		v, _ := lang.StringLiteral(extra, w.source)
		if v == ci.model {
			w.emit.node(extra, model.CodeDuplicateName, "Class %s has multiple __name__ definitions", ci.name)
		} else {
			w.emit.node(extra, model.CodeConflictingName, "Class %s has multiple conflicting __name__ definitions", ci.name)
		}
	}
	if w.in.Module == nil || w.stem == "" {
		return ci
	}
	reg, ok := w.in.Module.Registration(w.stem, ci.name)
	if !ok {
		w.emit.node(names[0], model.CodeMissingRegisterInInit, "Class %s ('%s') not registered in __init__.py", ci.name, ci.model)
		return ci
	}
	ci.kind = reg.Kind
	ci.qualified = model.QualifiedClass(w.in.Module.Name, w.stem, ci.name)
	if len(reg.Depends) > 0 {
		ci.mctx = w.in.Context.With(reg.Depends...)
		ci.r = w.base.WithContext(ci.mctx)
	}
	meta, err := ci.r.Model(w.ctx, ci.model, ci.kind)
	switch {
	case errors.Is(err, resolve.ErrUnknownModel):
		unknownModel(w.emit, names[0], ci.model)
	case err == nil:
		ci.meta = meta
	}
	return ci
}

// modelNames returns the string literals assigned to __name__ in a class body.
func (w *walker) modelNames(class *sitter.Node) []*sitter.Node {
	var out []*sitter.Node
	for _, stmt := range lang.ClassBody(class) {
		if stmt.Type() != lang.NodeExpressionStmt || stmt.NamedChildCount() == 0 {
			continue
		}
		a := stmt.NamedChild(0)
		if a.Type() != lang.NodeAssignment || w.text(a.ChildByFieldName("left")) != "__name__" {
			continue
		}
		right := a.ChildByFieldName("right")
		if _, ok := lang.StringLiteral(right, w.source); ok {
			out = append(out, right)
		}
	}
	return out
}

func (w *walker) classDef(e env, n *sitter.Node) {
	ci := w.class(n)
	body := env{class: ci, r: ci.r, scope: e.scope, body: true}
	for _, stmt := range lang.ClassBody(n) {
		if w.done() {
			return
		}
		if w.at != nil && !lang.SpanOf(stmt).Contains(*w.at) {
			continue
		}
		switch lang.Unwrap(stmt).Type() {
		case lang.NodeFunction:
			w.function(body, stmt)
		case lang.NodeClass:
			w.classDef(body, lang.Unwrap(stmt))
		}
	}
}

func (w *walker) function(e env, def *sitter.Node) {
	fn := lang.Unwrap(def)
	method := e.body && e.class != nil
	var meta *model.ModelMetadata
	if method {
		meta = e.class.meta
	}
	scope := resolve.NewScope(e.scope)
	unresolved := e.r.BindParameters(w.ctx, scope, &resolve.Function{Def: fn, Source: w.source, Model: meta})
	for _, u := range unresolved {
		unknownModel(w.emit, u.Node, u.Model)
	}
	if method {
		w.checkSuper(e.class, fn)
		if meta != nil {
			w.checkDepends(e.class, fn)
		}
	}
	w.block(env{class: e.class, r: e.r, scope: scope}, fn.ChildByFieldName("body"))
}

func (w *walker) block(e env, n *sitter.Node) {
	for _, c := range lang.NamedChildren(n) {
		if w.done() {
			return
		}
		w.stmt(e, c)
	}
}

var skippedStatements = map[string]bool{
	lang.NodeComment:          true,
	lang.NodeError:            true,
	"import_statement":        true,
	"import_from_statement":   true,
	"future_import_statement": true,
	"pass_statement":          true,
	"break_statement":         true,
	"continue_statement":      true,
	"global_statement":        true,
	"nonlocal_statement":      true,
}

func isStatement(n *sitter.Node) bool {
	t := n.Type()
	return t == lang.NodeBlock || t == lang.NodeClass || t == lang.NodeFunction || t == lang.NodeDecorated ||
		strings.HasSuffix(t, "_statement") || strings.HasSuffix(t, "_clause")
}

func (w *walker) stmt(e env, n *sitter.Node) {
	switch t := n.Type(); {
	case skippedStatements[t]:
	case t == lang.NodeClass:
		w.classDef(e, n)
	case t == lang.NodeFunction || t == lang.NodeDecorated:
		if def := lang.Unwrap(n); def.Type() == lang.NodeClass {
			w.classDef(e, def)
			return
		}
		w.function(e, n)
	case t == lang.NodeExpressionStmt:
		for _, c := range lang.NamedChildren(n) {
			w.expr(e, c)
		}
	case t == lang.NodeFor:
		w.forStmt(e, n)
	default:
		for _, c := range lang.NamedChildren(n) {
			if w.done() {
				return
			}
			if isStatement(c) {
				w.stmt(e, c)
			} else {
				w.expr(e, c)
			}
		}
	}
}

func (w *walker) forStmt(e env, n *sitter.Node) {
	b, _ := w.expr(e, n.ChildByFieldName("right"))
	el, _ := b.Element()
	w.bindTarget(e, n.ChildByFieldName("left"), el)
	w.block(e, n.ChildByFieldName("body"))
	if alt := n.ChildByFieldName("alternative"); alt != nil {
		w.stmt(e, alt)
	}
}

// bindTarget binds an assignment or loop target to b. Unpacking a list gives
// its elements; unpacking anything else forgets the names.
func (w *walker) bindTarget(e env, target *sitter.Node, b resolve.Binding) {
	if target == nil {
		return
	}
	switch target.Type() {
	case lang.NodeIdentifier:
		e.scope.Assign(w.text(target), b)
	case lang.NodeTuple, lang.NodeList, lang.NodePatternList, lang.NodeTuplePattern, lang.NodeListPattern:
		el, _ := b.Element()
		for _, c := range lang.NamedChildren(target) {
			w.bindTarget(e, c, el)
		}
	case "parenthesized_expression":
		for _, c := range lang.NamedChildren(target) {
			w.bindTarget(e, c, b)
		}
	case "list_splat_pattern", "list_splat":
		w.bindTarget(e, lang.FirstDescendant(target, lang.NodeIdentifier), resolve.Binding{})
	default:
		w.expr(e, target)
	}
}

func (w *walker) assignment(e env, n *sitter.Node) (resolve.Binding, bool) {
	left, right, typ := n.ChildByFieldName("left"), n.ChildByFieldName("right"), n.ChildByFieldName("type")
	if left != nil && left.Type() == lang.NodeIdentifier && resolve.IsPoolInstance(right, w.source) {
		name := w.text(left)
		e.scope.Assign(name, resolve.Binding{})
		e.scope.SetPool(name)
		return resolve.Binding{}, false
	}

	b, ok := w.expr(e, right)
	if typ != nil {
		if annot, aok := w.annotation(e, typ); aok {
			if ok && b.Model != annot.Model {
				w.emit.node(left, model.CodeChangeVariableModel, "Switching models, from '%s' to '%s'", annot.Model.Name, b.Model.Name)
			}
			if left.Type() == lang.NodeIdentifier {
				name := w.text(left)
				e.scope.Assign(name, b)
				e.scope.Bind(name, annot)
			}
			return annot, true
		}
	}
	w.bindTarget(e, left, b)
	return b, ok
}

// annotation resolves a Record/Records annotation of an assignment.
func (w *walker) annotation(e env, typ *sitter.Node) (resolve.Binding, bool) {
	card, name, ok := lang.RecordAnnotation(typ, w.source)
	if !ok {
		return resolve.Binding{}, false
	}
	if name == "" {
		if e.class == nil || e.class.meta == nil {
			return resolve.Binding{}, false
		}
		return resolve.Binding{Model: e.class.meta.Ref(), Cardinality: card, Source: resolve.SourceAnnotation}, true
	}
	if _, err := e.r.Model(w.ctx, name, model.KindModel); err != nil {
		if errors.Is(err, resolve.ErrUnknownModel) {
			unknownModel(w.emit, lang.FirstDescendant(typ, lang.NodeString), name)
		}
		return resolve.Binding{}, false
	}
	return resolve.Binding{Model: model.ModelRef{Name: name, Kind: model.KindModel}, Cardinality: card, Source: resolve.SourceAnnotation}, true
}

var literals = map[string]bool{
	lang.NodeComment:  true,
	lang.NodeError:    true,
	lang.NodeLambda:   true,
	"integer":         true,
	"float":           true,
	"true":            true,
	"false":           true,
	"none":            true,
	"ellipsis":        true,
	"string_start":    true,
	"string_content":  true,
	"string_end":      true,
	"escape_sequence": true,
}

// expr evaluates an expression, reporting on the accesses it contains, and
// returns what it binds to.
func (w *walker) expr(e env, n *sitter.Node) (resolve.Binding, bool) {
	if n == nil || w.done() {
		return resolve.Binding{}, false
	}
	switch t := n.Type(); {
	case literals[t]:
		return resolve.Binding{}, false
	case t == lang.NodeIdentifier:
		return e.scope.Lookup(w.text(n))
	case t == lang.NodeAttribute:
		_, _, b, ok := w.access(e, n)
		return b, ok
	case t == lang.NodeCall:
		return w.call(e, n)
	case t == lang.NodeSubscript:
		return w.subscript(e, n)
	case t == lang.NodeListComp || t == lang.NodeSetComp || t == lang.NodeGenerator || t == lang.NodeDictComp:
		return w.comprehension(e, n)
	case t == "parenthesized_expression":
		var b resolve.Binding
		var ok bool
		for _, c := range lang.NamedChildren(n) {
			b, ok = w.expr(e, c)
		}
		return b, ok
	case t == lang.NodeKeywordArgument:
		w.expr(e, n.ChildByFieldName("value"))
		return resolve.Binding{}, false
	case t == "named_expression":
		b, ok := w.expr(e, n.ChildByFieldName("value"))
		w.bindTarget(e, n.ChildByFieldName("name"), b)
		return b, ok
	case t == lang.NodeAssignment:
		return w.assignment(e, n)
	case t == lang.NodeClass || t == lang.NodeFunction || t == lang.NodeDecorated:
		w.stmt(e, n)
		return resolve.Binding{}, false
	}
	for _, c := range lang.NamedChildren(n) {
		w.expr(e, c)
	}
	return resolve.Binding{}, false
}

// access evaluates obj.attr. It returns the binding of obj and, when attr is
// a relation or a view state, the binding of the member.
func (w *walker) access(e env, n *sitter.Node) (obj resolve.Binding, objOK bool, member resolve.Binding, memberOK bool) {
	obj, objOK = w.expr(e, n.ChildByFieldName("object"))
	attr := n.ChildByFieldName("attribute")
	if attr == nil {
		return obj, objOK, resolve.Binding{}, false
	}
	if w.at != nil {
		w.capture(e, obj, objOK, attr)
	}
	if !objOK || !obj.Single() {
		return obj, objOK, resolve.Binding{}, false
	}
	member, memberOK = w.member(e, obj, attr)
	return obj, objOK, member, memberOK
}

// member checks that attr exists on the record bound by obj and returns the
// binding it navigates to.
func (w *walker) member(e env, obj resolve.Binding, attr *sitter.Node) (resolve.Binding, bool) {
	meta, err := e.r.Metadata(w.ctx, obj)
	if err != nil {
		return resolve.Binding{}, false
	}
	name := w.text(attr)
	m, status := resolve.Lookup(meta, e.r.Context(), name)
	switch status {
	case resolve.Unknown:
		if !meta.Incomplete {
			unknownAttribute(w.emit, attr, name, meta.Name)
		}
		return resolve.Binding{}, false
	case resolve.Unavailable:
		unavailableMember(w.emit, attr, name, meta.Name, m.Modules)
		return resolve.Binding{}, false
	}
	b, ok := resolve.Member(meta, name)
	if !ok {
		return resolve.Binding{}, false
	}
	if _, err := e.r.Model(w.ctx, b.Model.Name, b.Model.Kind); err != nil {
		return resolve.Binding{}, false
	}
	return b, true
}

func (w *walker) capture(e env, obj resolve.Binding, ok bool, attr *sitter.Node) {
	span := lang.SpanOf(attr)
	if w.target != nil || !span.Contains(*w.at) {
		return
	}
	t := &Target{Name: w.text(attr), Span: span, Context: e.r.Context()}
	if ok && obj.Single() {
		if meta, err := e.r.Metadata(w.ctx, obj); err == nil {
			t.Binding, t.Meta = obj, meta
		}
	}
	w.target = t
}

func (w *walker) call(e env, n *sitter.Node) (resolve.Binding, bool) {
	if pc, ok := resolve.ParsePoolGet(e.scope, n, w.source); ok {
		return w.poolGet(e, pc)
	}
	var b resolve.Binding
	var ok bool
	fn := n.ChildByFieldName("function")
	if fn != nil && fn.Type() == lang.NodeAttribute {
		obj, objOK, _, _ := w.access(e, fn)
		if objOK {
			b, ok = resolve.CallResult(obj, w.text(fn.ChildByFieldName("attribute")))
		}
	} else if fb, fok := w.expr(e, fn); fok {
		b, ok = resolve.Instantiate(fb)
	}
	w.expr(e, n.ChildByFieldName("arguments"))
	return b, ok
}

func (w *walker) poolGet(e env, pc resolve.PoolCall) (resolve.Binding, bool) {
	b, err := e.r.PoolGet(w.ctx, pc)
	switch {
	case errors.Is(err, resolve.ErrUnknownPoolKey):
		w.emit.node(pc.KindNode, model.CodeUnknownPoolKey, "Unknown type for Pool().get, possible values are: %s", resolve.PoolKeys())
	case errors.Is(err, resolve.ErrUnknownModel):
		unknownModel(w.emit, pc.ModelNode, pc.Model)
	case err == nil:
		return b, true
	}
	return resolve.Binding{}, false
}

func (w *walker) subscript(e env, n *sitter.Node) (resolve.Binding, bool) {
	value := n.ChildByFieldName("value")
	b, ok := w.expr(e, value)
	for _, c := range lang.NamedChildren(n) {
		if keyOf(c) != keyOf(value) {
			w.expr(e, c)
		}
	}
	if !ok {
		return resolve.Binding{}, false
	}
	return b.Element()
}

// comprehension evaluates a comprehension in its own scope. A list, set or
// generator of single records binds to a list of them.
func (w *walker) comprehension(e env, n *sitter.Node) (resolve.Binding, bool) {
	inner := e
	inner.scope = resolve.NewScope(e.scope)
	for _, c := range lang.NamedChildren(n) {
		switch c.Type() {
		case lang.NodeForInClause:
			b, _ := w.expr(inner, c.ChildByFieldName("right"))
			el, _ := b.Element()
			w.bindTarget(inner, c.ChildByFieldName("left"), el)
		case "if_clause":
			for _, x := range lang.NamedChildren(c) {
				w.expr(inner, x)
			}
		}
	}
	b, ok := w.expr(inner, n.ChildByFieldName("body"))
	if !ok || n.Type() == lang.NodeDictComp {
		return resolve.Binding{}, false
	}
	return b.List()
}
