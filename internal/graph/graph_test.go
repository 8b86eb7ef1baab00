package graph

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func dependsOf(m map[string][]string) DependsFunc {
	return func(name string) ([]string, error) {
		deps, ok := m[name]
		if !ok {
			return nil, errors.New("not found")
		}
		return deps, nil
	}
}

var modules = map[string][]string{
	"ir":      nil,
	"res":     {"ir"},
	"party":   {"ir", "res"},
	"company": {"ir", "res", "party"},
	"sale":    {"company", "party", "product"},
	"product": {"ir", "res"},
}

func TestBuildClosure(t *testing.T) {
	t.Parallel()

	g := Build(dependsOf(modules), "sale")
	want := []string{"company", "ir", "party", "product", "res", "sale"}
	if diff := cmp.Diff(want, g.Modules()); diff != "" {
		t.Errorf("Modules mismatch (-want +got):\n%s", diff)
	}
	if len(g.Missing) != 0 {
		t.Errorf("Missing = %v", g.Missing)
	}
}

func TestBuildMissing(t *testing.T) {
	t.Parallel()

	deps := map[string][]string{"a": {"ir", "ghost"}, "ir": nil}
	mods, missing := Closure(dependsOf(deps), "a")
	if diff := cmp.Diff([]string{"a", "ir"}, mods); diff != "" {
		t.Errorf("modules mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"ghost"}, missing); diff != "" {
		t.Errorf("missing mismatch (-want +got):\n%s", diff)
	}
}

func TestOrderDependenciesFirst(t *testing.T) {
	t.Parallel()

	g := Build(dependsOf(modules), "sale")
	order := g.Order()
	want := []string{"ir", "res", "party", "product", "company", "sale"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}

	pos := make(map[string]int)
	for i, m := range order {
		pos[m] = i
	}
	for src, deps := range modules {
		for _, dep := range deps {
			if pos[dep] >= pos[src] {
				t.Errorf("%s loaded before its dependency %s", src, dep)
			}
		}
	}
}

func TestOrderCycle(t *testing.T) {
	t.Parallel()

	deps := map[string][]string{"ir": nil, "a": {"b", "ir"}, "b": {"a"}}
	order := Build(dependsOf(deps), "a").Order()
	if len(order) != 3 {
		t.Fatalf("order = %v", order)
	}
	if order[0] != "ir" {
		t.Errorf("order[0] = %q, want ir", order[0])
	}
}
