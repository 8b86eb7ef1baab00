package introspect

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/phobologic/tryton-analyzer/internal/graph"
	"github.com/phobologic/tryton-analyzer/internal/manifest"
	"github.com/phobologic/tryton-analyzer/internal/model"
)

// Registry reconstructs framework pools from module sources. It is safe for
// concurrent use.
type Registry struct {
	locator  *manifest.Locator
	builtins *Builtins
	logger   *slog.Logger

	mu      sync.Mutex
	modules map[string]*moduleScan
	pools   map[string]*Pool
}

type moduleScan struct {
	info  *model.ModuleInfo
	files map[string]*fileScan
}

// NewRegistry returns a registry resolving modules with locator.
func NewRegistry(locator *manifest.Locator, builtins *Builtins, logger *slog.Logger) *Registry {
	if builtins == nil {
		builtins = DefaultBuiltins()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		locator:  locator,
		builtins: builtins,
		logger:   logger,
		modules:  make(map[string]*moduleScan),
		pools:    make(map[string]*Pool),
	}
}

// Reload drops every scanned module and composed pool.
func (r *Registry) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules = make(map[string]*moduleScan)
	r.pools = make(map[string]*Pool)
	r.locator.Reset()
}

// ModuleInfo returns the manifest and registrations of a module.
func (r *Registry) ModuleInfo(ctx context.Context, name string) (*model.ModuleInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, err := r.module(ctx, name)
	if err != nil {
		return nil, err
	}
	return ms.info, nil
}

// Pool returns the pool the framework would build when loading modules and
// their dependencies.
func (r *Registry) Pool(ctx context.Context, modules []string) (*Pool, error) {
	key := UniverseKey(modules)
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[key]; ok {
		return p, nil
	}
	p, err := r.compose(ctx, normalize(modules))
	if err != nil {
		return nil, err
	}
	r.pools[key] = p
	return p, nil
}

func (r *Registry) module(ctx context.Context, name string) (*moduleScan, error) {
	if ms, ok := r.modules[name]; ok {
		return ms, nil
	}
	m, err := r.locator.Find(name)
	if err != nil {
		if errors.Is(err, manifest.ErrModuleNotFound) {
			return nil, fmt.Errorf("module %s: %w", name, ErrNotFound)
		}
		return nil, err
	}
	info := &model.ModuleInfo{
		Name:         m.Name,
		Path:         m.Dir,
		Depends:      m.Depends,
		ExtrasDepend: m.ExtrasDepend,
		XML:          m.XML,
	}
	data, err := os.ReadFile(filepath.Join(m.Dir, "__init__.py"))
	switch {
	case err == nil:
		regs, err := scanRegistrations(ctx, data)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", name, err)
		}
		info.Registrations = regs
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("module %s: %w", name, err)
	}
	ms := &moduleScan{info: info, files: make(map[string]*fileScan)}
	r.modules[name] = ms
	return ms, nil
}

func (r *Registry) file(ctx context.Context, ms *moduleScan, stem string) (*fileScan, error) {
	if f, ok := ms.files[stem]; ok {
		return f, nil
	}
	path, rel, err := stemPath(ms.info.Path, stem)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := scanSource(ctx, data, rel)
	if err != nil {
		return nil, err
	}
	ms.files[stem] = f
	return f, nil
}

// classNode is one class of an inheritance graph: a module class or a
// framework base class.
type classNode struct {
	contrib    model.Contribution
	module     string
	decl       *classDecl
	builtin    *builtinClass
	parents    []string
	incomplete bool
}

func (n *classNode) defines(method string) (bool, bool) {
	if n.builtin != nil {
		m, ok := n.builtin.method(method)
		if !ok {
			return false, false
		}
		return true, m.IgnoreMissingSuper
	}
	m, ok := n.decl.Methods[method]
	if !ok {
		return false, false
	}
	return true, m.IgnoreMissingSuper
}

// Pool is the composed registry for one universe.
type Pool struct {
	Modules []string
	Missing []string

	models map[model.Kind]map[string]*model.ModelMetadata
	chains map[model.Kind]map[string][]*classNode
}

// Names lists the registered models and wizards.
func (p *Pool) Names() *PoolNames {
	names := &PoolNames{Modules: p.Modules, Missing: p.Missing, Models: []string{}, Wizards: []string{}}
	for name := range p.models[model.KindModel] {
		names.Models = append(names.Models, name)
	}
	for name := range p.models[model.KindWizard] {
		names.Wizards = append(names.Wizards, name)
	}
	sort.Strings(names.Models)
	sort.Strings(names.Wizards)
	return names
}

// Model returns the composed metadata of a model.
func (p *Pool) Model(name string, kind model.Kind) (*model.ModelMetadata, bool) {
	m, ok := p.models[kind][name]
	return m, ok
}

// SuperChain reports, for each class of the model's inheritance chain,
// whether it defines method.
func (p *Pool) SuperChain(name string, kind model.Kind, method string) ([]model.SuperEntry, bool) {
	chain, ok := p.chains[kind][name]
	if !ok {
		return nil, false
	}
	out := make([]model.SuperEntry, 0, len(chain))
	for _, n := range chain {
		defines, ignore := n.defines(method)
		out = append(out, model.SuperEntry{Contribution: n.contrib, Defines: defines, IgnoreMissingSuper: ignore})
	}
	return out, true
}

type contribution struct {
	module string
	ms     *moduleScan
	file   *fileScan
	decl   *classDecl
}

type poolKey struct {
	kind model.Kind
	name string
}

func (r *Registry) compose(ctx context.Context, modules []string) (*Pool, error) {
	g := graph.Build(r.locator.Depends, modules...)
	p := &Pool{
		Modules: g.Order(),
		Missing: g.Missing,
		models:  map[model.Kind]map[string]*model.ModelMetadata{model.KindModel: {}, model.KindWizard: {}},
		chains:  map[model.Kind]map[string][]*classNode{model.KindModel: {}, model.KindWizard: {}},
	}
	loaded := make(map[string]struct{}, len(p.Modules))
	for _, m := range p.Modules {
		loaded[m] = struct{}{}
	}

	var order []poolKey
	contribs := make(map[poolKey][]contribution)
	for _, mod := range p.Modules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ms, err := r.module(ctx, mod)
		if err != nil {
			r.logger.Warn("skipping module", slog.String("module", mod), slog.Any("error", err))
			continue
		}
		for _, reg := range ms.info.Registrations {
			if !allLoaded(reg.Depends, loaded) {
				continue
			}
			if !reg.Kind.Valid() {
				r.logger.Debug("skipping registration", slog.String("module", mod), slog.String("class", reg.Class), slog.String("type", string(reg.Kind)))
				continue
			}
			f, err := r.file(ctx, ms, reg.File)
			if err != nil {
				r.logger.Warn("skipping registration", slog.String("module", mod), slog.String("class", reg.Class), slog.Any("error", err))
				continue
			}
			decl, ok := f.Classes[reg.Class]
			if !ok || decl.ModelName() == "" {
				r.logger.Warn("registered class without __name__", slog.String("module", mod), slog.String("class", reg.Class))
				continue
			}
			key := poolKey{kind: reg.Kind, name: decl.ModelName()}
			if _, seen := contribs[key]; !seen {
				order = append(order, key)
			}
			contribs[key] = append(contribs[key], contribution{module: mod, ms: ms, file: f, decl: decl})
		}
	}

	b := &builder{r: r, ctx: ctx, nodes: make(map[string]*classNode)}
	targets := make(map[*model.FieldInfo]relationTarget)
	for _, key := range order {
		meta, chain := b.model(key, contribs[key], targets)
		p.models[key.kind][key.name] = meta
		p.chains[key.kind][key.name] = chain
	}
	// Many2many and one2one fields point to a relation model; the record
	// model is the relation of its target field.
	for f, t := range targets {
		f.Relation = ""
		if rel, ok := p.models[model.KindModel][t.model]; ok {
			if tf, ok := rel.Fields[t.field]; ok {
				f.Relation = tf.Relation
			}
		}
	}
	return p, nil
}

func allLoaded(depends []string, loaded map[string]struct{}) bool {
	for _, d := range depends {
		if _, ok := loaded[d]; !ok {
			return false
		}
	}
	return true
}

type relationTarget struct {
	model string
	field string
}

type builder struct {
	r     *Registry
	ctx   context.Context
	nodes map[string]*classNode
}

func (b *builder) builtinNode(name string) string {
	id := "builtin:" + name
	if _, ok := b.nodes[id]; ok {
		return id
	}
	c, _ := b.r.builtins.class(name)
	n := &classNode{contrib: model.Contribution{Class: c.Qualname}, builtin: c}
	b.nodes[id] = n
	for _, p := range c.Parents {
		n.parents = append(n.parents, b.builtinNode(p))
	}
	return id
}

func (b *builder) localNode(ms *moduleScan, f *fileScan, decl *classDecl) string {
	qualified := model.QualifiedClass(ms.info.Name, f.Stem, decl.Name)
	id := "class:" + qualified
	if _, ok := b.nodes[id]; ok {
		return id
	}
	n := &classNode{
		contrib: model.Contribution{Class: qualified, Module: ms.info.Name, File: f.Path, Line: decl.Line},
		module:  ms.info.Name,
		decl:    decl,
	}
	b.nodes[id] = n
	for _, base := range decl.Bases {
		if base.Object == "" && (base.Name == "PoolMeta" || base.Name == "object") {
			continue
		}
		if pid, ok := b.resolveBase(ms, f, decl, base); ok {
			n.parents = append(n.parents, pid)
			continue
		}
		n.incomplete = true
	}
	if len(n.parents) == 0 {
		n.parents = []string{b.builtinNode("object")}
	}
	return id
}

func (b *builder) resolveBase(ms *moduleScan, f *fileScan, decl *classDecl, base baseRef) (string, bool) {
	if base.Object == "" {
		if d, ok := f.Classes[base.Name]; ok && d != decl {
			return b.localNode(ms, f, d), true
		}
		if ref, ok := f.Imports[base.Name]; ok && ref.Name != "" {
			if other, err := b.r.file(b.ctx, ms, ref.Stem); err == nil {
				if d, ok := other.Classes[ref.Name]; ok {
					return b.localNode(ms, other, d), true
				}
			}
		}
	} else if ref, ok := f.Imports[base.Object]; ok && ref.Name == "" {
		if other, err := b.r.file(b.ctx, ms, ref.Stem); err == nil {
			if d, ok := other.Classes[base.Name]; ok {
				return b.localNode(ms, other, d), true
			}
		}
	}
	if b.r.builtins.Has(base.Name) {
		return b.builtinNode(base.Name), true
	}
	return "", false
}

type memberAcc struct {
	core    bool
	own     bool
	modules []string
}

func (a *memberAcc) add(module string, own bool) {
	if module == "" {
		a.core = true
	} else if !slices.Contains(a.modules, module) {
		a.modules = append(a.modules, module)
	}
	a.own = a.own || own
}

func (a *memberAcc) result() ([]string, bool) {
	if a.core {
		return nil, !a.own
	}
	return a.modules, !a.own
}

// model composes one pool entry the way the framework does: each registered
// class is combined with the class built so far, the latest first.
func (b *builder) model(key poolKey, contribs []contribution, targets map[*model.FieldInfo]relationTarget) (*model.ModelMetadata, []*classNode) {
	own := make(map[string]bool, len(contribs))
	overlay := make(map[string][]string, len(contribs))
	prev := ""
	var modules []string
	for i, c := range contribs {
		cls := b.localNode(c.ms, c.file, c.decl)
		own[cls] = true
		comp := fmt.Sprintf("pool:%d", i)
		overlay[comp] = []string{cls}
		if prev != "" {
			overlay[comp] = append(overlay[comp], prev)
		}
		prev = comp
		if !slices.Contains(modules, c.module) {
			modules = append(modules, c.module)
		}
	}
	parents := func(id string) []string {
		if ps, ok := overlay[id]; ok {
			return ps
		}
		return b.nodes[id].parents
	}

	meta := &model.ModelMetadata{
		Name:       key.name,
		Kind:       key.kind,
		Modules:    modules,
		Fields:     make(map[string]*model.FieldInfo),
		Methods:    make(map[string]*model.MethodInfo),
		States:     make(map[string]*model.StateInfo),
		Attributes: make(map[string]*model.AttrInfo),
	}
	fieldAcc := make(map[string]*memberAcc)
	methodAcc := make(map[string]*memberAcc)
	stateAcc := make(map[string]*memberAcc)
	attrAcc := make(map[string]*memberAcc)
	accFor := func(m map[string]*memberAcc, name string) *memberAcc {
		a, ok := m[name]
		if !ok {
			a = &memberAcc{}
			m[name] = a
		}
		return a
	}

	var chain []*classNode
	for _, id := range linearize(prev, parents) {
		if _, synthetic := overlay[id]; synthetic {
			continue
		}
		n := b.nodes[id]
		chain = append(chain, n)
		meta.MRO = append(meta.MRO, n.contrib)
		meta.Incomplete = meta.Incomplete || n.incomplete

		if c := n.builtin; c != nil {
			for _, f := range c.Fields {
				if _, ok := meta.Fields[f.Name]; !ok {
					meta.Fields[f.Name] = &model.FieldInfo{Name: f.Name, Type: f.Type, String: f.String, Relation: f.Relation, Function: f.Function}
				}
				accFor(fieldAcc, f.Name).add("", false)
			}
			for i := range c.Methods {
				m := &c.Methods[i]
				if existing, ok := meta.Methods[m.Name]; !ok {
					meta.Methods[m.Name] = m.info()
				} else {
					if existing.Doc == "" {
						existing.Doc = m.Doc
					}
					inheritParams(existing.Params, m.info().Params)
				}
				accFor(methodAcc, m.Name).add("", false)
			}
			for _, a := range c.Attributes {
				if _, ok := meta.Attributes[a]; !ok {
					meta.Attributes[a] = &model.AttrInfo{Name: a}
				}
				accFor(attrAcc, a).add("", false)
			}
			continue
		}

		d := n.decl
		for _, f := range d.Fields {
			if _, ok := meta.Fields[f.Name]; !ok {
				info := &model.FieldInfo{
					Name:      f.Name,
					Type:      f.Type,
					String:    f.String,
					Relation:  f.Relation,
					Function:  f.Function,
					Selection: f.Selection,
				}
				meta.Fields[f.Name] = info
				if f.Target != "" {
					targets[info] = relationTarget{model: f.Relation, field: f.Target}
				}
			}
			accFor(fieldAcc, f.Name).add(n.module, own[id])
		}
		for name, m := range d.Methods {
			if existing, ok := meta.Methods[name]; !ok {
				meta.Methods[name] = &model.MethodInfo{Name: name, Params: slices.Clone(m.Params), Classmethod: m.Classmethod, Doc: m.Doc}
			} else {
				if existing.Doc == "" {
					existing.Doc = m.Doc
				}
				inheritParams(existing.Params, m.Params)
			}
			accFor(methodAcc, name).add(n.module, own[id])
		}
		for _, s := range d.States {
			if _, ok := meta.States[s.Name]; !ok {
				meta.States[s.Name] = &model.StateInfo{Name: s.Name, Type: s.Type, Relation: s.Relation}
			}
			accFor(stateAcc, s.Name).add(n.module, own[id])
		}
		for _, a := range d.Attrs {
			if _, ok := meta.Attributes[a]; !ok {
				meta.Attributes[a] = &model.AttrInfo{Name: a}
			}
			accFor(attrAcc, a).add(n.module, own[id])
		}
	}

	for name, f := range meta.Fields {
		f.Modules, f.Inherited = fieldAcc[name].result()
	}
	for name, m := range meta.Methods {
		m.Modules, m.Inherited = methodAcc[name].result()
	}
	for name, s := range meta.States {
		s.Modules, _ = stateAcc[name].result()
	}
	for name, a := range meta.Attributes {
		a.Modules, a.Inherited = attrAcc[name].result()
	}
	return meta, chain
}

// inheritParams copies the record annotations a parent declared onto the
// unannotated parameters of an override at the same position.
func inheritParams(params, parent []model.ParamInfo) {
	for i := range params {
		if i < len(parent) && params[i].Cardinality == 0 && parent[i].Cardinality != 0 {
			params[i].Cardinality = parent[i].Cardinality
			params[i].Model = parent[i].Model
		}
	}
}
