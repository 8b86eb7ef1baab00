// Package model defines core data structures shared by the analyzer packages.
package model

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Kind is the registry a name belongs to in the pool.
type Kind string

const (
	KindModel  Kind = "model"
	KindWizard Kind = "wizard"
)

// Valid reports whether k is a pool kind the framework knows.
func (k Kind) Valid() bool {
	return k == KindModel || k == KindWizard
}

// Cardinality tells whether a binding is one record or a list of records.
type Cardinality int

const (
	Single Cardinality = iota + 1
	Many
)

func (c Cardinality) String() string {
	switch c {
	case Single:
		return "record"
	case Many:
		return "records"
	}
	return "unknown"
}

// ParseCardinality decodes "single" or "many".
func ParseCardinality(s string) (Cardinality, bool) {
	switch s {
	case "single":
		return Single, true
	case "many":
		return Many, true
	}
	return 0, false
}

// ModelRef names a model in the pool.
type ModelRef struct {
	Name string
	Kind Kind
}

func (r ModelRef) String() string {
	if r.Kind == "" || r.Kind == KindModel {
		return r.Name
	}
	return fmt.Sprintf("%s (%s)", r.Name, r.Kind)
}

// FieldInfo describes one field of a model.
type FieldInfo struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	String    string   `json:"string,omitempty"`
	Relation  string   `json:"relation,omitempty"`
	Function  bool     `json:"function,omitempty"`
	Selection []string `json:"selection,omitempty"`
	Modules   []string `json:"modules,omitempty"`
	Inherited bool     `json:"inherited,omitempty"`
}

// Cardinality returns how navigating the field yields records, or 0 when the
// field does not point to records.
func (f *FieldInfo) Cardinality() Cardinality {
	if f.Relation == "" {
		return 0
	}
	switch f.Type {
	case "many2one", "one2one":
		return Single
	case "one2many", "many2many":
		return Many
	}
	return 0
}

// ParamInfo is the declared shape of one method parameter. A zero Cardinality
// means the parameter carries no record annotation. An empty Model means the
// owning model.
type ParamInfo struct {
	Name        string      `json:"name"`
	Cardinality Cardinality `json:"cardinality,omitempty"`
	Model       string      `json:"model,omitempty"`
}

// MethodInfo describes one method of a model.
type MethodInfo struct {
	Name        string      `json:"name"`
	Params      []ParamInfo `json:"params,omitempty"`
	Classmethod bool        `json:"classmethod,omitempty"`
	Doc         string      `json:"doc,omitempty"`
	Modules     []string    `json:"modules,omitempty"`
	Inherited   bool        `json:"inherited,omitempty"`
}

// StateInfo describes a wizard state.
type StateInfo struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Relation string   `json:"relation,omitempty"`
	Modules  []string `json:"modules,omitempty"`
}

// AttrInfo describes a plain class attribute (anything that is not a field,
// method or state).
type AttrInfo struct {
	Name      string   `json:"name"`
	Modules   []string `json:"modules,omitempty"`
	Inherited bool     `json:"inherited,omitempty"`
}

// Contribution is one class of a model's inheritance chain.
type Contribution struct {
	Class  string `json:"class"`
	Module string `json:"module,omitempty"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
}

// ModelMetadata is the composed description of a model for one pool.
type ModelMetadata struct {
	Name       string                 `json:"name"`
	Kind       Kind                   `json:"kind"`
	Modules    []string               `json:"modules"`
	Fields     map[string]*FieldInfo  `json:"fields,omitempty"`
	Methods    map[string]*MethodInfo `json:"methods,omitempty"`
	States     map[string]*StateInfo  `json:"states,omitempty"`
	Attributes map[string]*AttrInfo   `json:"attributes,omitempty"`
	MRO        []Contribution         `json:"mro,omitempty"`
	Incomplete bool                   `json:"incomplete,omitempty"`
}

// Ref returns the pool reference of the model.
func (m *ModelMetadata) Ref() ModelRef {
	return ModelRef{Name: m.Name, Kind: m.Kind}
}

// MemberKind classifies a model member.
type MemberKind string

const (
	MemberField     MemberKind = "field"
	MemberState     MemberKind = "state"
	MemberMethod    MemberKind = "method"
	MemberAttribute MemberKind = "attribute"
)

// Member is a flattened view over fields, states, methods and attributes.
type Member struct {
	Name      string
	Kind      MemberKind
	Modules   []string
	Inherited bool
	Field     *FieldInfo
	Method    *MethodInfo
	State     *StateInfo
}

// Member looks a name up in fields, states, methods and attributes, in that
// order.
func (m *ModelMetadata) Member(name string) (Member, bool) {
	if f, ok := m.Fields[name]; ok {
		return Member{Name: name, Kind: MemberField, Modules: f.Modules, Inherited: f.Inherited, Field: f}, true
	}
	if s, ok := m.States[name]; ok {
		return Member{Name: name, Kind: MemberState, Modules: s.Modules, State: s}, true
	}
	if f, ok := m.Methods[name]; ok {
		return Member{Name: name, Kind: MemberMethod, Modules: f.Modules, Inherited: f.Inherited, Method: f}, true
	}
	if a, ok := m.Attributes[name]; ok {
		return Member{Name: name, Kind: MemberAttribute, Modules: a.Modules, Inherited: a.Inherited}, true
	}
	return Member{}, false
}

// Members returns every member once, sorted by name.
func (m *ModelMetadata) Members() []Member {
	seen := make(map[string]struct{})
	var out []Member
	add := func(name string) {
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		if mem, ok := m.Member(name); ok {
			out = append(out, mem)
		}
	}
	for name := range m.Fields {
		add(name)
	}
	for name := range m.States {
		add(name)
	}
	for name := range m.Methods {
		add(name)
	}
	for name := range m.Attributes {
		add(name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SuperEntry reports whether one class of a chain defines a method.
type SuperEntry struct {
	Contribution
	Defines            bool `json:"defines"`
	IgnoreMissingSuper bool `json:"ignore_missing_super,omitempty"`
}

// Registration is one class listed in a module's register() function.
type Registration struct {
	File    string   `json:"file"`
	Class   string   `json:"class"`
	Kind    Kind     `json:"kind"`
	Depends []string `json:"depends,omitempty"`
}

// FileStem converts a module-relative file path ("party/address.py") to the
// dotted name used by registrations ("party.address"). Package files map to
// their directory.
func FileStem(rel string) string {
	rel = strings.TrimSuffix(path.Clean(strings.ReplaceAll(rel, "\\", "/")), ".py")
	rel = strings.TrimSuffix(rel, "/__init__")
	if rel == "__init__" {
		return ""
	}
	return strings.ReplaceAll(rel, "/", ".")
}

// QualifiedClass identifies a class across modules.
func QualifiedClass(module, stem, class string) string {
	if stem == "" {
		return module + "." + class
	}
	return module + "." + stem + "." + class
}

// ModuleInfo is what a module declares about itself.
type ModuleInfo struct {
	Name          string         `json:"name"`
	Path          string         `json:"path"`
	Depends       []string       `json:"depends,omitempty"`
	ExtrasDepend  []string       `json:"extras_depend,omitempty"`
	XML           []string       `json:"xml,omitempty"`
	Registrations []Registration `json:"registrations,omitempty"`
}

// Registration returns the registration of a class defined in file (relative
// to the module directory, without extension).
func (m *ModuleInfo) Registration(file, class string) (Registration, bool) {
	if m == nil {
		return Registration{}, false
	}
	for _, r := range m.Registrations {
		if r.File == file && r.Class == class {
			return r, true
		}
	}
	return Registration{}, false
}

// ModuleContext is the set of modules a file can see.
type ModuleContext struct {
	Module   string
	Universe []string
	visible  map[string]struct{}
}

// NewModuleContext builds a context. Universe is the sorted pool key used to
// query the introspector; visible restricts which contributing modules count.
func NewModuleContext(module string, universe, visible []string) *ModuleContext {
	c := &ModuleContext{Module: module, Universe: universe, visible: make(map[string]struct{}, len(visible))}
	for _, v := range visible {
		c.visible[v] = struct{}{}
	}
	return c
}

// Visible reports whether a module is visible.
func (c *ModuleContext) Visible(module string) bool {
	if c == nil {
		return true
	}
	_, ok := c.visible[module]
	return ok
}

// AnyVisible reports whether at least one module of a member is visible.
// Members without modules come from the framework core and are always visible.
func (c *ModuleContext) AnyVisible(modules []string) bool {
	if c == nil || len(modules) == 0 {
		return true
	}
	for _, m := range modules {
		if c.Visible(m) {
			return true
		}
	}
	return false
}

// With returns a copy of the context whose visible set also contains extra
// and everything already visible.
func (c *ModuleContext) With(extra ...string) *ModuleContext {
	if c == nil {
		return nil
	}
	visible := make([]string, 0, len(c.visible)+len(extra))
	for v := range c.visible {
		visible = append(visible, v)
	}
	visible = append(visible, extra...)
	return NewModuleContext(c.Module, c.Universe, visible)
}

// VisibleModules returns the visible set, sorted.
func (c *ModuleContext) VisibleModules() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.visible))
	for v := range c.visible {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
