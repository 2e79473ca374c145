// Package graph holds the dependency structure of a workflow definition.
package graph

import (
	"slices"

	"github.com/stepflow/go-stepflow/workflow"
)

type set map[string]struct{}

// Graph stores forward (dependencies) and reverse (dependents) adjacency of a step list.
// A Graph is immutable after Build and safe for concurrent reads.
type Graph struct {
	steps        map[string]*workflow.Step
	order        []string
	dependencies map[string]set
	dependents   map[string]set
}

// Build creates the graph for the given steps. It fails with an *workflow.InvalidGraphError if a
// step ID is duplicated or a dependency is unknown, and with a *workflow.CyclicDependencyError if
// the dependencies contain a cycle.
func Build(steps []*workflow.Step) (*Graph, error) {
	g := &Graph{
		steps:        make(map[string]*workflow.Step, len(steps)),
		order:        make([]string, 0, len(steps)),
		dependencies: make(map[string]set, len(steps)),
		dependents:   make(map[string]set, len(steps)),
	}

	for _, s := range steps {
		if _, ok := g.steps[s.ID]; ok {
			return nil, &workflow.InvalidGraphError{StepID: s.ID, Reason: "duplicate step id"}
		}

		g.steps[s.ID] = s
		g.order = append(g.order, s.ID)
		g.dependencies[s.ID] = make(set)
		g.dependents[s.ID] = make(set)
	}

	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if _, ok := g.steps[dep]; !ok {
				return nil, &workflow.InvalidGraphError{StepID: s.ID, Dependency: dep, Reason: "unknown dependency"}
			}

			g.dependencies[s.ID][dep] = struct{}{}
			g.dependents[dep][s.ID] = struct{}{}
		}
	}

	if cyclic := g.unsorted(); len(cyclic) > 0 {
		return nil, &workflow.CyclicDependencyError{Steps: cyclic}
	}

	return g, nil
}

// unsorted runs Kahn's algorithm and returns the steps that could not be ordered.
func (g *Graph) unsorted() []string {
	inDegree := make(map[string]int, len(g.steps))
	queue := make([]string, 0, len(g.steps))

	for _, id := range g.order {
		inDegree[id] = len(g.dependencies[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++

		for dependent := range g.dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited == len(g.steps) {
		return nil
	}

	var remaining []string
	for _, id := range g.order {
		if inDegree[id] > 0 {
			remaining = append(remaining, id)
		}
	}

	return remaining
}

func (g *Graph) Len() int {
	return len(g.order)
}

// IDs returns all step IDs in declaration order.
func (g *Graph) IDs() []string {
	return slices.Clone(g.order)
}

func (g *Graph) Step(id string) *workflow.Step {
	return g.steps[id]
}

// TopologicalOrder returns the step IDs so that every step comes after its dependencies. Ties
// keep declaration order.
func (g *Graph) TopologicalOrder() []string {
	done := make(map[string]bool, len(g.order))
	result := make([]string, 0, len(g.order))

	for len(result) < len(g.order) {
		for _, id := range g.Ready(done, done) {
			done[id] = true
			result = append(result, id)
		}
	}

	return result
}

// Dependencies returns the sorted dependency IDs of the given step.
func (g *Graph) Dependencies(id string) []string {
	return sorted(g.dependencies[id])
}

// Dependents returns the sorted IDs of the steps depending on the given step.
func (g *Graph) Dependents(id string) []string {
	return sorted(g.dependents[id])
}

// Ready returns, in declaration order, every step that is not started and whose dependencies
// are all completed.
func (g *Graph) Ready(completed, started map[string]bool) []string {
	var ready []string
	for _, id := range g.order {
		if g.isReady(id, completed, started) {
			ready = append(ready, id)
		}
	}

	return ready
}

// ReadyDependents returns the dependents of id that became ready, in declaration order.
func (g *Graph) ReadyDependents(id string, completed, started map[string]bool) []string {
	var ready []string
	for _, dependent := range g.order {
		if _, ok := g.dependents[id][dependent]; !ok {
			continue
		}

		if g.isReady(dependent, completed, started) {
			ready = append(ready, dependent)
		}
	}

	return ready
}

func (g *Graph) isReady(id string, completed, started map[string]bool) bool {
	if started[id] || completed[id] {
		return false
	}

	for dep := range g.dependencies[id] {
		if !completed[dep] {
			return false
		}
	}

	return true
}

func sorted(s set) []string {
	r := make([]string, 0, len(s))
	for id := range s {
		r = append(r, id)
	}

	slices.Sort(r)
	return r
}
