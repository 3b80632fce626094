// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dynaplug Contributors

// Package depgraph computes dependency-ordered load and unload
// sequences over plugin descriptors, with cycle detection and an
// optional weakest-edge breaking strategy.
package depgraph

import (
	"fmt"
	"sort"
	"strings"

	plugin "github.com/dynaplug/dynaplug/internal/plugin"
	"github.com/dynaplug/dynaplug/pkg/plugerr"
)

// Edge is one dependency declaration: From needs To.
type Edge struct {
	From     string
	To       string
	Optional bool
}

// Cycle describes one strongly connected dependency knot.
type Cycle struct {
	// Nodes in the cycle, sorted by id.
	Nodes []string
	// SuggestedBreak is the node with the most optional incoming
	// edges inside the cycle, ties broken by lowest priority then id.
	SuggestedBreak string
	// OptionalEdges are the in-cycle edges that may be dropped.
	OptionalEdges []Edge
}

// CycleError reports all dependency cycles found during resolution.
type CycleError struct {
	Cycles []Cycle
}

func (e *CycleError) Error() string {
	parts := make([]string, 0, len(e.Cycles))
	for _, c := range e.Cycles {
		parts = append(parts, fmt.Sprintf("{%s; break at %s}", strings.Join(c.Nodes, " -> "), c.SuggestedBreak))
	}
	return "dependency cycles: " + strings.Join(parts, ", ")
}

// Resolution is a computed load plan.
type Resolution struct {
	// LoadOrder is a topological order: every dependency precedes its
	// dependents. Ties are broken by priority (highest first) then id.
	LoadOrder []string
	// UnloadOrder is the reverse of LoadOrder.
	UnloadOrder []string
	// Warnings lists missing optional dependencies.
	Warnings []string
	// BrokenEdges lists optional edges dropped to break cycles. Empty
	// unless ResolveWithBreaks was used.
	BrokenEdges []Edge
}

// Resolve computes a load order for the given descriptors (the current
// registry contents plus any would-be plugins). Missing required
// dependencies and version-constraint violations are fatal; missing
// optional dependencies degrade to warnings. Cycles yield a *CycleError.
func Resolve(descs []*plugin.Descriptor) (*Resolution, error) {
	return resolve(descs, nil)
}

// ResolveWithBreaks resolves like Resolve but, on a cycle, drops the
// weakest optional edge of each cycle and retries until the graph is
// acyclic. Cycles held together entirely by required edges remain fatal.
func ResolveWithBreaks(descs []*plugin.Descriptor) (*Resolution, error) {
	dropped := make(map[Edge]bool)
	for {
		res, err := resolve(descs, dropped)
		if err == nil {
			for e := range dropped {
				res.BrokenEdges = append(res.BrokenEdges, e)
			}
			sort.Slice(res.BrokenEdges, func(i, j int) bool {
				a, b := res.BrokenEdges[i], res.BrokenEdges[j]
				if a.From != b.From {
					return a.From < b.From
				}
				return a.To < b.To
			})
			return res, nil
		}
		cycleErr, ok := err.(*CycleError)
		if !ok {
			return nil, err
		}
		progressed := false
		for _, c := range cycleErr.Cycles {
			if e, ok := weakestEdge(c); ok && !dropped[e] {
				dropped[e] = true
				progressed = true
			}
		}
		if !progressed {
			return nil, err
		}
	}
}

// weakestEdge picks the optional edge to drop for a cycle: prefer an
// edge pointing at the suggested break node, otherwise the first
// optional edge in deterministic order.
func weakestEdge(c Cycle) (Edge, bool) {
	if len(c.OptionalEdges) == 0 {
		return Edge{}, false
	}
	edges := append([]Edge(nil), c.OptionalEdges...)
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].From < edges[j].From
	})
	for _, e := range edges {
		if e.To == c.SuggestedBreak {
			return e, true
		}
	}
	return edges[0], true
}

func resolve(descs []*plugin.Descriptor, dropped map[Edge]bool) (*Resolution, error) {
	byID := make(map[string]*plugin.Descriptor, len(descs))
	for _, d := range descs {
		if _, ok := byID[d.ID]; ok {
			return nil, plugerr.New(plugerr.CodeAlreadyExists, "duplicate plugin %s in resolution set", d.ID)
		}
		byID[d.ID] = d
	}

	var warnings []string
	// edges[from] = set of dependency ids (from needs each of them).
	edges := make(map[string]map[string]bool, len(descs))
	optional := make(map[Edge]bool)
	for _, d := range descs {
		edges[d.ID] = make(map[string]bool)
		for _, dep := range d.Dependencies {
			target, present := byID[dep.ID]
			if !present {
				if dep.Optional {
					warnings = append(warnings,
						fmt.Sprintf("plugin %s: optional dependency %s not present", d.ID, dep.ID))
					continue
				}
				return nil, plugerr.WithPlugin(plugerr.CodeDependencyMissing, d.ID,
					"required dependency %s is not present", dep.ID)
			}
			if !dep.Admits(target.Version) {
				return nil, plugerr.WithPlugin(plugerr.CodeVersionMismatch, d.ID,
					"dependency %s@%s does not satisfy constraint %q", dep.ID, target.Version, dep.Raw)
			}
			e := Edge{From: d.ID, To: dep.ID, Optional: dep.Optional}
			if dropped[e] {
				continue
			}
			edges[d.ID][dep.ID] = true
			if dep.Optional {
				optional[e] = true
			}
		}
	}

	order, leftover := kahn(byID, edges)
	if len(leftover) > 0 {
		return nil, cycleReport(byID, edges, optional, leftover)
	}

	unload := make([]string, len(order))
	for i, id := range order {
		unload[len(order)-1-i] = id
	}
	sort.Strings(warnings)
	return &Resolution{LoadOrder: order, UnloadOrder: unload, Warnings: warnings}, nil
}

// kahn runs a deterministic Kahn topological sort. Returns the sorted
// prefix and any nodes left inside cycles.
func kahn(byID map[string]*plugin.Descriptor, edges map[string]map[string]bool) (order []string, leftover map[string]bool) {
	// outstanding[id] = number of unsatisfied dependencies.
	outstanding := make(map[string]int, len(byID))
	dependents := make(map[string][]string, len(byID))
	for from, deps := range edges {
		outstanding[from] = len(deps)
		for to := range deps {
			dependents[to] = append(dependents[to], from)
		}
	}

	ready := make([]string, 0, len(byID))
	for id := range byID {
		if outstanding[id] == 0 {
			ready = append(ready, id)
		}
	}

	less := func(a, b string) bool {
		pa, pb := byID[a].Priority, byID[b].Priority
		if pa != pb {
			return pa > pb // higher priority loads first
		}
		return a < b
	}

	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dep := range dependents[next] {
			outstanding[dep]--
			if outstanding[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) < len(byID) {
		leftover = make(map[string]bool)
		for id := range byID {
			leftover[id] = true
		}
		for _, id := range order {
			delete(leftover, id)
		}
	}
	return order, leftover
}

// cycleReport builds a CycleError from the nodes stuck in cycles.
func cycleReport(byID map[string]*plugin.Descriptor, edges map[string]map[string]bool, optional map[Edge]bool, leftover map[string]bool) *CycleError {
	sccs := stronglyConnected(leftover, edges)

	report := &CycleError{}
	for _, scc := range sccs {
		if len(scc) < 2 {
			continue
		}
		inSCC := make(map[string]bool, len(scc))
		for _, id := range scc {
			inSCC[id] = true
		}

		var optionalEdges []Edge
		optionalIn := make(map[string]int)
		for from := range inSCC {
			for to := range edges[from] {
				if !inSCC[to] {
					continue
				}
				e := Edge{From: from, To: to, Optional: optional[Edge{From: from, To: to, Optional: true}]}
				if e.Optional {
					optionalEdges = append(optionalEdges, e)
					optionalIn[to]++
				}
			}
		}

		nodes := append([]string(nil), scc...)
		sort.Strings(nodes)

		breakAt := nodes[0]
		for _, id := range nodes[1:] {
			if better(byID, optionalIn, id, breakAt) {
				breakAt = id
			}
		}

		sort.Slice(optionalEdges, func(i, j int) bool {
			if optionalEdges[i].From != optionalEdges[j].From {
				return optionalEdges[i].From < optionalEdges[j].From
			}
			return optionalEdges[i].To < optionalEdges[j].To
		})

		report.Cycles = append(report.Cycles, Cycle{
			Nodes:          nodes,
			SuggestedBreak: breakAt,
			OptionalEdges:  optionalEdges,
		})
	}

	sort.Slice(report.Cycles, func(i, j int) bool {
		return report.Cycles[i].Nodes[0] < report.Cycles[j].Nodes[0]
	})
	return report
}

// better reports whether candidate is a better break point than current:
// more optional incoming edges, then lower priority, then lower id.
func better(byID map[string]*plugin.Descriptor, optionalIn map[string]int, candidate, current string) bool {
	ci, cu := optionalIn[candidate], optionalIn[current]
	if ci != cu {
		return ci > cu
	}
	pc, pcur := byID[candidate].Priority, byID[current].Priority
	if pc != pcur {
		return pc < pcur
	}
	return candidate < current
}

// stronglyConnected finds SCCs among the leftover nodes (iterative
// Tarjan restricted to the cycle subgraph).
func stronglyConnected(nodes map[string]bool, edges map[string]map[string]bool) [][]string {
	index := make(map[string]int, len(nodes))
	lowlink := make(map[string]int, len(nodes))
	onStack := make(map[string]bool, len(nodes))
	var stack []string
	var sccs [][]string
	counter := 0

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var strongconnect func(v string)
	strongconnect = func(v string) {
		index[v] = counter
		lowlink[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		targets := make([]string, 0, len(edges[v]))
		for to := range edges[v] {
			if nodes[to] {
				targets = append(targets, to)
			}
		}
		sort.Strings(targets)
		for _, to := range targets {
			if _, seen := index[to]; !seen {
				strongconnect(to)
				if lowlink[to] < lowlink[v] {
					lowlink[v] = lowlink[to]
				}
			} else if onStack[to] && index[to] < lowlink[v] {
				lowlink[v] = index[to]
			}
		}

		if lowlink[v] == index[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, id := range ids {
		if _, seen := index[id]; !seen {
			strongconnect(id)
		}
	}
	return sccs
}
