package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/tryton-analyzer/internal/introspect"
	"github.com/phobologic/tryton-analyzer/internal/lang"
	"github.com/phobologic/tryton-analyzer/internal/model"
)

var (
	// ErrUnknownModel is returned for models missing from the pool or
	// registered only by modules the file cannot see.
	ErrUnknownModel = errors.New("unknown model")
	// ErrUnknownPoolKey is returned for a Pool().get kind other than model
	// or wizard.
	ErrUnknownPoolKey = errors.New("unknown pool key")
)

// Pool gives access to the metadata of one universe. Model returns an error
// wrapping introspect.ErrNotFound for unknown names.
type Pool interface {
	Model(ctx context.Context, name string, kind model.Kind) (*model.ModelMetadata, error)
}

// Resolver binds names for one file, seen from one module context.
type Resolver struct {
	pool        Pool
	module      *model.ModuleContext
	conventions *Conventions
}

// New returns a resolver. A nil conventions table means the default one.
func New(pool Pool, module *model.ModuleContext, conventions *Conventions) *Resolver {
	if conventions == nil {
		conventions = DefaultConventions()
	}
	return &Resolver{pool: pool, module: module, conventions: conventions}
}

// Context returns the module context lookups are filtered with.
func (r *Resolver) Context() *model.ModuleContext {
	return r.module
}

// WithContext returns a resolver sharing r's pool but seeing from mctx.
func (r *Resolver) WithContext(mctx *model.ModuleContext) *Resolver {
	out := *r
	out.module = mctx
	return &out
}

// Resolve returns the active binding of name.
func (r *Resolver) Resolve(s *Scope, name string) (Binding, bool) {
	return s.Lookup(name)
}

// Model returns the metadata of a model the module context can see. Models
// the pool lacks, or whose modules are all invisible, yield ErrUnknownModel.
// Other errors mean the metadata could not be obtained.
func (r *Resolver) Model(ctx context.Context, name string, kind model.Kind) (*model.ModelMetadata, error) {
	meta, err := r.pool.Model(ctx, name, kind)
	switch {
	case errors.Is(err, introspect.ErrNotFound):
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownModel)
	case err != nil:
		return nil, err
	}
	if !r.module.AnyVisible(meta.Modules) {
		return nil, fmt.Errorf("%s is not available from %s: %w", name, r.module.Module, ErrUnknownModel)
	}
	return meta, nil
}

// Metadata returns the metadata of a bound model.
func (r *Resolver) Metadata(ctx context.Context, b Binding) (*model.ModelMetadata, error) {
	if !b.Valid() {
		return nil, ErrUnknownModel
	}
	return r.Model(ctx, b.Model.Name, b.Model.Kind)
}

// Unresolved is a model literal that names no visible model.
type Unresolved struct {
	Node  *sitter.Node
	Model string
}

// Function is a method whose parameters are to be bound.
type Function struct {
	Def    *sitter.Node
	Source []byte
	// Model is the enclosing model, nil outside registered classes.
	Model *model.ModelMetadata
}

type binder struct {
	ctx        context.Context
	r          *Resolver
	fn         *Function
	name       string
	decorators []string
	static     bool
	unresolved []Unresolved
}

// paramRule binds one parameter. A rule that matches without producing a
// valid binding stops the search and leaves the parameter unbound.
type paramRule struct {
	source Source
	bind   func(b *binder, i int, p lang.Param) (Binding, bool)
}

// paramRules is the precedence table for parameters; the first rule that
// matches wins.
var paramRules = []paramRule{
	{SourceAnnotation, (*binder).annotation},
	{SourceConvention, (*binder).receiver},
	{SourceConvention, (*binder).special},
	{SourceInherited, (*binder).inherited},
}

// BindParameters binds the parameters of fn in s and returns the annotation
// literals naming unknown models.
func (r *Resolver) BindParameters(ctx context.Context, s *Scope, fn *Function) []Unresolved {
	b := &binder{ctx: ctx, r: r, fn: fn, name: lang.DefName(fn.Def, fn.Source)}
	for _, d := range lang.Decorators(fn.Def) {
		name := decoratorName(d, fn.Source)
		b.decorators = append(b.decorators, name)
		if name == "staticmethod" {
			b.static = true
		}
	}

	for i, p := range lang.Parameters(fn.Def, fn.Source) {
		if p.Name == "" {
			continue
		}
		bound := false
		for _, rule := range paramRules {
			bd, ok := rule.bind(b, i, p)
			if !ok {
				continue
			}
			if bd.Valid() {
				s.Bind(p.Name, bd.With(rule.source))
				bound = true
			}
			break
		}
		if !bound {
			s.Shadow(p.Name)
		}
	}
	return b.unresolved
}

func decoratorName(d *sitter.Node, source []byte) string {
	if d.Type() == lang.NodeCall {
		return lang.CallName(d, source)
	}
	return lang.DottedName(d, source)
}

func (b *binder) annotation(_ int, p lang.Param) (Binding, bool) {
	card, name, ok := lang.RecordAnnotation(p.Type, b.fn.Source)
	if !ok {
		return Binding{}, false
	}
	if name == "" {
		if b.fn.Model == nil {
			return Binding{}, true
		}
		return Binding{Model: b.fn.Model.Ref(), Cardinality: card}, true
	}
	if _, err := b.r.Model(b.ctx, name, model.KindModel); err != nil {
		if errors.Is(err, ErrUnknownModel) {
			b.unresolved = append(b.unresolved, Unresolved{Node: lang.FirstDescendant(p.Type, lang.NodeString), Model: name})
		}
		return Binding{}, true
	}
	return Binding{Model: model.ModelRef{Name: name, Kind: model.KindModel}, Cardinality: card}, true
}

func (b *binder) receiver(i int, _ lang.Param) (Binding, bool) {
	if i != 0 || b.fn.Model == nil || b.static {
		return Binding{}, false
	}
	return Binding{Model: b.fn.Model.Ref(), Cardinality: model.Single}, true
}

func (b *binder) special(i int, _ lang.Param) (Binding, bool) {
	if b.fn.Model == nil {
		return Binding{}, false
	}
	card, ok := b.r.conventions.Parameter(b.name, b.decorators, i)
	if !ok {
		return Binding{}, false
	}
	return Binding{Model: b.fn.Model.Ref(), Cardinality: card}, true
}

func (b *binder) inherited(i int, _ lang.Param) (Binding, bool) {
	if b.fn.Model == nil {
		return Binding{}, false
	}
	m, ok := b.fn.Model.Methods[b.name]
	if !ok || i >= len(m.Params) || m.Params[i].Cardinality == 0 {
		return Binding{}, false
	}
	p := m.Params[i]
	if p.Model == "" {
		return Binding{Model: b.fn.Model.Ref(), Cardinality: p.Cardinality}, true
	}
	if _, err := b.r.Model(b.ctx, p.Model, model.KindModel); err != nil {
		return Binding{}, true
	}
	return Binding{Model: model.ModelRef{Name: p.Model, Kind: model.KindModel}, Cardinality: p.Cardinality}, true
}

// PoolCall is a Pool().get(...) expression.
type PoolCall struct {
	Model     string
	ModelNode *sitter.Node
	Kind      model.Kind
	// KindNode is the second argument, when given.
	KindNode *sitter.Node
}

// ParsePoolGet recognizes Pool().get("m"[, "kind"]) and p.get(...) where p
// holds a Pool instance.
func ParsePoolGet(s *Scope, call *sitter.Node, source []byte) (PoolCall, bool) {
	if call == nil || call.Type() != lang.NodeCall {
		return PoolCall{}, false
	}
	fn := call.ChildByFieldName("function")
	if fn == nil || fn.Type() != lang.NodeAttribute || lang.NodeText(fn.ChildByFieldName("attribute"), source) != "get" {
		return PoolCall{}, false
	}
	obj := fn.ChildByFieldName("object")
	switch {
	case IsPoolInstance(obj, source):
	case obj != nil && obj.Type() == lang.NodeIdentifier && s.IsPool(lang.NodeText(obj, source)):
	default:
		return PoolCall{}, false
	}
	pos, _ := lang.CallArgs(call, source)
	if len(pos) == 0 || len(pos) > 2 {
		return PoolCall{}, false
	}
	name, ok := lang.StringLiteral(pos[0], source)
	if !ok {
		return PoolCall{}, false
	}
	pc := PoolCall{Model: name, ModelNode: pos[0], Kind: model.KindModel}
	if len(pos) == 2 {
		kind, ok := lang.StringLiteral(pos[1], source)
		if !ok {
			return PoolCall{}, false
		}
		pc.Kind = model.Kind(kind)
		pc.KindNode = pos[1]
	}
	return pc, true
}

// IsPoolInstance reports whether node is a Pool() call.
func IsPoolInstance(node *sitter.Node, source []byte) bool {
	if node == nil || node.Type() != lang.NodeCall || lang.CallName(node, source) != "Pool" {
		return false
	}
	pos, kw := lang.CallArgs(node, source)
	return len(pos) == 0 && len(kw) == 0
}

// PoolGet returns the binding of a Pool().get call: the model class.
func (r *Resolver) PoolGet(ctx context.Context, pc PoolCall) (Binding, error) {
	if !pc.Kind.Valid() {
		return Binding{}, fmt.Errorf("%q: %w", pc.Kind, ErrUnknownPoolKey)
	}
	if _, err := r.Model(ctx, pc.Model, pc.Kind); err != nil {
		return Binding{}, err
	}
	return Binding{Model: model.ModelRef{Name: pc.Model, Kind: pc.Kind}, Cardinality: model.Single, Source: SourcePoolGet}, nil
}

// PoolKeys lists the kinds Pool().get accepts.
func PoolKeys() string {
	return strings.Join([]string{string(model.KindModel), string(model.KindWizard)}, ", ")
}

// Member returns what reading member on one record of meta yields: the
// target of a relation field, or the model of a wizard view state.
func Member(meta *model.ModelMetadata, member string) (Binding, bool) {
	if f, ok := meta.Fields[member]; ok {
		card := f.Cardinality()
		if card == 0 {
			return Binding{}, false
		}
		return Binding{Model: model.ModelRef{Name: f.Relation, Kind: model.KindModel}, Cardinality: card, Source: SourceInferred}, true
	}
	if s, ok := meta.States[member]; ok && s.Relation != "" {
		return Binding{Model: model.ModelRef{Name: s.Relation, Kind: model.KindModel}, Cardinality: model.Single, Source: SourceInferred}, true
	}
	return Binding{}, false
}

// listMethods return lists of records of the model they are called on.
var listMethods = map[string]bool{"search": true, "browse": true, "create": true, "copy": true}

// CallResult returns the binding of b.method(...).
func CallResult(b Binding, method string) (Binding, bool) {
	if !b.Single() || b.Model.Kind != model.KindModel || !listMethods[method] {
		return Binding{}, false
	}
	return Binding{Model: b.Model, Cardinality: model.Many, Source: SourceInferred}, true
}

// Instantiate returns the binding of b(...): one record.
func Instantiate(b Binding) (Binding, bool) {
	if !b.Single() {
		return Binding{}, false
	}
	return Binding{Model: b.Model, Cardinality: model.Single, Source: SourceInferred}, true
}
