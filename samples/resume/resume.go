package main

import (
	"context"
	"errors"
	"log"
	"sync/atomic"

	"github.com/stepflow/go-stepflow/backend/file"
	"github.com/stepflow/go-stepflow/client"
	"github.com/stepflow/go-stepflow/executor/tool"
	"github.com/stepflow/go-stepflow/registry"
	"github.com/stepflow/go-stepflow/scheduler"
	"github.com/stepflow/go-stepflow/workflow"
)

func main() {
	ctx := context.Background()

	b, err := file.NewFileBackend(file.WithDirectory(".workflow_state/resume"))
	if err != nil {
		log.Fatal(err)
	}

	var down atomic.Bool
	down.Store(true)

	tools := tool.New()
	if err := tools.Register("fetch", tool.Func(func(ctx context.Context, input any) (any, error) {
		return "page", nil
	})); err != nil {
		log.Fatal(err)
	}
	if err := tools.Register("publish", tool.Func(func(ctx context.Context, input any) (any, error) {
		if down.Load() {
			return nil, errors.New("publishing service unavailable")
		}

		return "published", nil
	})); err != nil {
		log.Fatal(err)
	}

	r := registry.New()
	if err := r.RegisterExecutor(workflow.StepKindTool, tools); err != nil {
		log.Fatal(err)
	}

	s := scheduler.New(r, b)

	def := &workflow.Definition{
		ID:   "publish",
		Name: "Publish",
		Steps: []*workflow.Step{
			{ID: "fetch", Name: "Fetch", Kind: workflow.StepKindTool, Input: workflow.StepInput{Parameters: map[string]any{"tool": "fetch"}}},
			{ID: "publish", Name: "Publish", Kind: workflow.StepKindTool, Dependencies: []string{"fetch"}, Input: workflow.StepInput{Parameters: map[string]any{"tool": "publish"}}},
		},
	}

	if _, err := s.ExecuteWorkflow(ctx, def, nil); err != nil {
		log.Println("Workflow failed:", err)
	}

	c := client.New(b)

	state, err := c.GetWorkflowState(ctx, def.ID)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Status %s, completed %d, failed %v", state.Status, len(state.CompletedSteps), state.FailedSteps)

	down.Store(false)

	result, err := s.ResumeWorkflow(ctx, def.ID)
	if err != nil {
		log.Fatal(err)
	}

	log.Println("Workflow resumed. Result:", result)

	removed, err := c.Cleanup(ctx, 0)
	if err != nil {
		log.Fatal(err)
	}

	log.Println("Removed", removed, "workflows")
}
