package phase

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidGraph wraps every phase graph validation failure.
var ErrInvalidGraph = errors.New("phase: invalid graph")

// Validate checks a phase set before anything is scheduled: ids are unique,
// kinds are known, every dependency is registered and sits in a strictly lower
// order, and the graph has no cycles.
func Validate(phases []Descriptor) error {
	var errs []error
	index := make(map[string]int, len(phases))
	for i, p := range phases {
		if strings.TrimSpace(p.ID) == "" {
			errs = append(errs, fmt.Errorf("phase #%d has an empty id", i+1))
			continue
		}
		if _, dup := index[p.ID]; dup {
			errs = append(errs, fmt.Errorf("phase %q is declared twice", p.ID))
			continue
		}
		index[p.ID] = i
		if !p.Kind.Valid() {
			errs = append(errs, fmt.Errorf("phase %q has unknown kind %q", p.ID, p.Kind))
		}
		if p.Timeout < 0 {
			errs = append(errs, fmt.Errorf("phase %q has a negative timeout", p.ID))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidGraph, errors.Join(errs...))
	}

	// adj[u] lists v when u must finish before v.
	adj := make([][]int, len(phases))
	for v, p := range phases {
		for _, dep := range p.DependsOn {
			u, ok := index[dep]
			if !ok {
				errs = append(errs, fmt.Errorf("phase %q depends on unknown phase %q", p.ID, dep))
				continue
			}
			adj[u] = append(adj[u], v)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidGraph, errors.Join(errs...))
	}

	if _, err := toposort(adj); err != nil {
		var cyc cycleError
		if !errors.As(err, &cyc) {
			return fmt.Errorf("%w: %w", ErrInvalidGraph, err)
		}
		ids := make([]string, 0, len(cyc.nodes))
		for _, n := range cyc.nodes {
			ids = append(ids, phases[n].ID)
		}
		sort.Strings(ids)
		return fmt.Errorf("%w: dependency cycle among %s", ErrInvalidGraph, strings.Join(ids, ", "))
	}

	for _, p := range phases {
		for _, dep := range p.DependsOn {
			if d := phases[index[dep]]; d.Order >= p.Order {
				errs = append(errs, fmt.Errorf("phase %q (order %d) depends on %q (order %d); dependencies need a lower order",
					p.ID, p.Order, dep, d.Order))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidGraph, errors.Join(errs...))
	}
	return nil
}

type cycleError struct{ nodes []int }

func (e cycleError) Error() string { return "graph is not a DAG (cycle detected)" }

// toposort returns any topological order, or a cycleError naming the nodes
// that could not be ordered.
func toposort(adj [][]int) ([]int, error) {
	n := len(adj)
	indeg := computeIndegrees(adj)
	q := make([]int, 0)
	for u := 0; u < n; u++ {
		if indeg[u] == 0 {
			q = append(q, u)
		}
	}
	order := make([]int, 0, n)
	for i := 0; i < len(q); i++ {
		u := q[i]
		order = append(order, u)
		for _, v := range adj[u] {
			indeg[v]--
			if indeg[v] == 0 {
				q = append(q, v)
			}
		}
	}
	if len(order) != n {
		stuck := make([]int, 0, n-len(order))
		for u := 0; u < n; u++ {
			if indeg[u] > 0 {
				stuck = append(stuck, u)
			}
		}
		return nil, cycleError{nodes: stuck}
	}
	return order, nil
}

func computeIndegrees(adj [][]int) []int {
	indeg := make([]int, len(adj))
	for u := range adj {
		for _, v := range adj[u] {
			indeg[v]++
		}
	}
	return indeg
}
