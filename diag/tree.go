package diag

import (
	"fmt"

	"github.com/stepflow/go-stepflow/graph"
	"github.com/stepflow/go-stepflow/workflow"
)

// BuildStepTree arranges the steps of def below the steps they depend on. Roots are the steps
// without dependencies.
func BuildStepTree(def *workflow.Definition, state *workflow.State) ([]*StepTree, error) {
	g, err := graph.Build(def.Steps)
	if err != nil {
		return nil, fmt.Errorf("building step graph: %w", err)
	}

	nodes := make(map[string]*StepTree, g.Len())
	for _, id := range g.IDs() {
		nodes[id] = &StepTree{
			StepInfo: newStepInfo(g.Step(id), state),
			Children: []*StepTree{},
		}
	}

	roots := make([]*StepTree, 0)
	placed := make(map[string]bool, g.Len())

	var queue []string
	for _, id := range g.TopologicalOrder() {
		if len(g.Dependencies(id)) == 0 {
			roots = append(roots, nodes[id])
			placed[id] = true
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, dependent := range g.Dependents(id) {
			if placed[dependent] {
				continue
			}

			nodes[id].Children = append(nodes[id].Children, nodes[dependent])
			placed[dependent] = true
			queue = append(queue, dependent)
		}
	}

	return roots, nil
}
