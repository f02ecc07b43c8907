package phase

import "sort"

// Group is the set of phases sharing one pipeline order. Members may run
// concurrently; groups run strictly ascending.
type Group struct {
	Order  int
	Phases []Descriptor
}

// GroupByOrder buckets phases by Order, ascending, keeping input order
// within a bucket.
func GroupByOrder(phases []Descriptor) []Group {
	byOrder := make(map[int][]Descriptor)
	orders := make([]int, 0)
	for _, p := range phases {
		if _, seen := byOrder[p.Order]; !seen {
			orders = append(orders, p.Order)
		}
		byOrder[p.Order] = append(byOrder[p.Order], p)
	}
	sort.Ints(orders)
	groups := make([]Group, 0, len(orders))
	for _, o := range orders {
		groups = append(groups, Group{Order: o, Phases: byOrder[o]})
	}
	return groups
}

// Filter keeps only the phases named in only, preserving order. An empty
// filter keeps everything. Dependencies of kept phases are not pulled in;
// the orchestrator reports them as unmet.
func Filter(phases []Descriptor, only []string) []Descriptor {
	if len(only) == 0 {
		return append([]Descriptor(nil), phases...)
	}
	keep := make(map[string]struct{}, len(only))
	for _, id := range only {
		keep[id] = struct{}{}
	}
	out := make([]Descriptor, 0, len(only))
	for _, p := range phases {
		if _, ok := keep[p.ID]; ok {
			out = append(out, p)
		}
	}
	return out
}
