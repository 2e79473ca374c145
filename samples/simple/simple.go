package main

import (
	"context"
	"log"

	"github.com/stepflow/go-stepflow/samples"
	"github.com/stepflow/go-stepflow/scheduler"
	"github.com/stepflow/go-stepflow/workflow"
)

func main() {
	ctx := context.Background()

	b := samples.GetBackend("simple")
	defer b.Close()

	s := scheduler.New(samples.Executors(), b, scheduler.WithMaxParallel(2))

	result, err := s.ExecuteWorkflow(ctx, Diamond(), map[string]any{"topic": "goroutines"})
	if err != nil {
		log.Fatal(err)
	}

	for id, r := range result {
		log.Printf("%s: %v", id, r)
	}
}

// Diamond searches twice in parallel and summarizes both results.
func Diamond() *workflow.Definition {
	return &workflow.Definition{
		ID:   "diamond",
		Name: "Diamond",
		Steps: []*workflow.Step{
			{
				ID:   "A",
				Name: "Topic",
				Kind: workflow.StepKindTool,
				Input: workflow.StepInput{
					Parameters:  map[string]any{"tool": "upper", "input": "{topic}"},
					ContextVars: []string{"topic"},
				},
				OutputKey: "title",
			},
			{
				ID:           "B",
				Name:         "Search docs",
				Kind:         workflow.StepKindTool,
				Dependencies: []string{"A"},
				Input: workflow.StepInput{
					Parameters:  map[string]any{"tool": "search", "input": map[string]any{"query": "{title} docs"}},
					ContextVars: []string{"title"},
				},
			},
			{
				ID:           "C",
				Name:         "Search issues",
				Kind:         workflow.StepKindTool,
				Dependencies: []string{"A"},
				Input: workflow.StepInput{
					Parameters:  map[string]any{"tool": "search", "input": map[string]any{"query": "{title} issues"}},
					ContextVars: []string{"title"},
				},
			},
			{
				ID:           "D",
				Name:         "Summarize",
				Kind:         workflow.StepKindChat,
				Dependencies: []string{"B", "C"},
				Input: workflow.StepInput{
					Parameters:  map[string]any{"content": "Summarize what you know about {title}"},
					ContextVars: []string{"title"},
				},
			},
		},
	}
}
