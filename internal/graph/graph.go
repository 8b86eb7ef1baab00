// Package graph builds the module dependency graph and orders modules the way
// the framework loads them.
package graph

import (
	"sort"
)

// DependsFunc returns the declared dependencies of a module.
type DependsFunc func(module string) ([]string, error)

// Graph is the dependency closure of a set of root modules.
type Graph struct {
	nodes map[string]struct{}
	deps  map[string][]string
	// Missing lists modules that were depended upon but could not be loaded.
	Missing []string
}

// Build walks the dependencies of roots. Modules whose manifest cannot be
// found are recorded in Missing and kept out of the graph.
func Build(depends DependsFunc, roots ...string) *Graph {
	g := &Graph{
		nodes: make(map[string]struct{}),
		deps:  make(map[string][]string),
	}
	missing := make(map[string]struct{})
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, seen := g.nodes[name]; seen {
			continue
		}
		if _, bad := missing[name]; bad {
			continue
		}
		ds, err := depends(name)
		if err != nil {
			missing[name] = struct{}{}
			continue
		}
		g.nodes[name] = struct{}{}
		g.deps[name] = ds
		queue = append(queue, ds...)
	}
	g.Missing = sortedKeys(missing)
	return g
}

// Modules returns every module of the graph, sorted.
func (g *Graph) Modules() []string {
	return sortedKeys(g.nodes)
}

// Order returns the modules dependencies first. Modules of equal depth are
// sorted by name. Modules caught in a cycle come last, sorted by name.
func (g *Graph) Order() []string {
	depth := make(map[string]int, len(g.nodes))
	state := make(map[string]int, len(g.nodes)) // 1 visiting, 2 done
	var cyclic []string

	var visit func(name string) (int, bool)
	visit = func(name string) (int, bool) {
		switch state[name] {
		case 1:
			return 0, false
		case 2:
			return depth[name], true
		}
		state[name] = 1
		d := 0
		ok := true
		for _, dep := range g.deps[name] {
			if _, known := g.nodes[dep]; !known || dep == name {
				continue
			}
			dd, good := visit(dep)
			if !good {
				ok = false
				continue
			}
			if dd+1 > d {
				d = dd + 1
			}
		}
		state[name] = 2
		depth[name] = d
		if !ok {
			cyclic = append(cyclic, name)
		}
		return d, ok
	}

	var ordered []string
	for _, name := range g.Modules() {
		visit(name)
	}
	cycleSet := make(map[string]struct{}, len(cyclic))
	for _, c := range cyclic {
		cycleSet[c] = struct{}{}
	}
	for _, name := range g.Modules() {
		if _, bad := cycleSet[name]; !bad {
			ordered = append(ordered, name)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if depth[ordered[i]] != depth[ordered[j]] {
			return depth[ordered[i]] < depth[ordered[j]]
		}
		return ordered[i] < ordered[j]
	})
	return append(ordered, sortedKeys(cycleSet)...)
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Closure returns the sorted dependency closure of roots and the modules that
// could not be found.
func Closure(depends DependsFunc, roots ...string) (modules, missing []string) {
	g := Build(depends, roots...)
	return g.Modules(), g.Missing
}
