package registry

import "sort"

// DependencyGraph tracks which components depend on which. It keeps both the
// forward adjacency (component → depends-on set) and the reverse adjacency
// (component → dependents set) so unregistration can be blocked cheaply while
// dependents exist.
type DependencyGraph struct {
	dependsOn  map[string]map[string]struct{}
	dependents map[string]map[string]struct{}
}

// NewDependencyGraph creates an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		dependsOn:  make(map[string]map[string]struct{}),
		dependents: make(map[string]map[string]struct{}),
	}
}

// Add records the dependency edges for a component. Edges to components that
// are not registered yet are still recorded; resolution happens at the
// registry layer.
func (g *DependencyGraph) Add(name string, deps []string) {
	set := make(map[string]struct{}, len(deps))
	for _, dep := range deps {
		set[dep] = struct{}{}
		if g.dependents[dep] == nil {
			g.dependents[dep] = make(map[string]struct{})
		}
		g.dependents[dep][name] = struct{}{}
	}
	g.dependsOn[name] = set
}

// Remove drops a component and its outgoing edges. Incoming edges from
// remaining components are kept: they become dangling (missing) dependencies.
func (g *DependencyGraph) Remove(name string) {
	for dep := range g.dependsOn[name] {
		delete(g.dependents[dep], name)
		if len(g.dependents[dep]) == 0 {
			delete(g.dependents, dep)
		}
	}
	delete(g.dependsOn, name)
}

// Dependents returns the sorted names of components that depend on name.
func (g *DependencyGraph) Dependents(name string) []string {
	set := g.dependents[name]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for dep := range set {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// DependsOn returns the sorted names of components that name depends on.
func (g *DependencyGraph) DependsOn(name string) []string {
	set := g.dependsOn[name]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for dep := range set {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

// HasCycleFrom reports whether name participates in a dependency cycle: a
// depth-first search with a per-call visited set checks whether name is
// reachable from any of its own dependencies.
func (g *DependencyGraph) HasCycleFrom(name string) bool {
	visited := make(map[string]bool)
	var visit func(node string) bool
	visit = func(node string) bool {
		if node == name {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for dep := range g.dependsOn[node] {
			if visit(dep) {
				return true
			}
		}
		return false
	}

	for dep := range g.dependsOn[name] {
		if visit(dep) {
			return true
		}
	}
	return false
}
