// Package resolve binds Python names to framework models.
package resolve

import (
	"github.com/phobologic/tryton-analyzer/internal/model"
)

// Source tells how a binding was established. Higher values take precedence.
type Source int

const (
	SourceNone Source = iota
	SourceInherited
	SourceConvention
	SourceInferred
	SourcePoolGet
	SourceAnnotation
)

var sourceNames = [...]string{"none", "inherited", "convention", "inferred", "pool_get", "annotation"}

func (s Source) String() string {
	if s < 0 || int(s) >= len(sourceNames) {
		return "unknown"
	}
	return sourceNames[s]
}

// Binding ties a name or an expression to records of a model.
type Binding struct {
	Model       model.ModelRef
	Cardinality model.Cardinality
	Source      Source
}

// Valid reports whether the binding names a model.
func (b Binding) Valid() bool {
	return b.Model.Name != "" && b.Cardinality != 0
}

// Single reports whether the binding is one record (or the model class).
func (b Binding) Single() bool {
	return b.Valid() && b.Cardinality == model.Single
}

// Element returns the binding of one item of a list binding.
func (b Binding) Element() (Binding, bool) {
	if !b.Valid() || b.Cardinality != model.Many {
		return Binding{}, false
	}
	return Binding{Model: b.Model, Cardinality: model.Single, Source: SourceInferred}, true
}

// List returns the binding of a list of b's records.
func (b Binding) List() (Binding, bool) {
	if !b.Single() {
		return Binding{}, false
	}
	return Binding{Model: b.Model, Cardinality: model.Many, Source: SourceInferred}, true
}

// With returns b tagged with another source.
func (b Binding) With(s Source) Binding {
	b.Source = s
	return b
}

// Scope holds the bindings of a function body. Comprehensions and nested
// functions open child scopes that see their parent.
type Scope struct {
	parent *Scope
	names  map[string]map[Source]Binding
	pools  map[string]bool
}

// NewScope returns a scope nested in parent, which may be nil.
func NewScope(parent *Scope) *Scope {
	return &Scope{parent: parent, names: make(map[string]map[Source]Binding), pools: make(map[string]bool)}
}

// Parent returns the enclosing scope.
func (s *Scope) Parent() *Scope {
	return s.parent
}

func (s *Scope) slot(name string) map[Source]Binding {
	slot, ok := s.names[name]
	if !ok {
		slot = make(map[Source]Binding)
		s.names[name] = slot
	}
	return slot
}

// Bind adds a binding to name. Bindings of other sources are kept; lookups
// return the highest-precedence one.
func (s *Scope) Bind(name string, b Binding) {
	if !b.Valid() {
		s.slot(name)
		return
	}
	s.slot(name)[b.Source] = b
}

// Assign handles a plain reassignment: every binding of name except its
// annotation is dropped, then b is bound when valid.
func (s *Scope) Assign(name string, b Binding) {
	slot := s.slot(name)
	for src := range slot {
		if src != SourceAnnotation {
			delete(slot, src)
		}
	}
	delete(s.pools, name)
	if b.Valid() {
		slot[b.Source] = b
	}
}

// Shadow hides bindings of name from enclosing scopes.
func (s *Scope) Shadow(name string) {
	s.slot(name)
}

// Lookup returns the active binding of name.
func (s *Scope) Lookup(name string) (Binding, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		slot, ok := cur.names[name]
		if !ok {
			continue
		}
		var best Binding
		for src, b := range slot {
			if src > best.Source {
				best = b
			}
		}
		return best, best.Valid()
	}
	return Binding{}, false
}

// Annotation returns the annotation binding of name in this scope only.
func (s *Scope) Annotation(name string) (Binding, bool) {
	b, ok := s.names[name][SourceAnnotation]
	return b, ok
}

// SetPool records that name holds a Pool instance.
func (s *Scope) SetPool(name string) {
	s.pools[name] = true
}

// IsPool reports whether name holds a Pool instance.
func (s *Scope) IsPool(name string) bool {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.pools[name] {
			return true
		}
		if _, ok := cur.names[name]; ok {
			return false
		}
	}
	return false
}
