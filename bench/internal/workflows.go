package internal

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"

	"github.com/stepflow/go-stepflow/executor/tool"
	"github.com/stepflow/go-stepflow/registry"
	"github.com/stepflow/go-stepflow/workflow"
)

// Input describes the shape of a generated workflow.
type Input struct {
	// Depth is the number of layers below the root step
	Depth int

	// FanOut is the number of dependents each step has in the next layer
	FanOut int

	// Join adds a final step depending on every step of the last layer
	Join bool

	PayloadSizeBytes int
}

// Definition generates a tree shaped workflow: a single root step, Depth layers where every
// step has FanOut dependents and optionally a join step collecting the last layer.
func Definition(id string, in *Input) *workflow.Definition {
	def := &workflow.Definition{
		ID:   id,
		Name: "bench",
	}

	layer := []string{"root"}
	def.Steps = append(def.Steps, payloadStep("root", in.PayloadSizeBytes))

	for d := 1; d <= in.Depth; d++ {
		next := make([]string, 0, len(layer)*in.FanOut)

		for _, parent := range layer {
			for i := 0; i < in.FanOut; i++ {
				stepID := parent + "." + strconv.Itoa(i)
				step := payloadStep(stepID, in.PayloadSizeBytes)
				step.Dependencies = []string{parent}

				def.Steps = append(def.Steps, step)
				next = append(next, stepID)
			}
		}

		layer = next
	}

	if in.Join && in.Depth > 0 {
		step := payloadStep("join", in.PayloadSizeBytes)
		step.Dependencies = layer
		def.Steps = append(def.Steps, step)
	}

	return def
}

func payloadStep(id string, size int) *workflow.Step {
	return &workflow.Step{
		ID:   id,
		Name: id,
		Kind: workflow.StepKindTool,
		Input: workflow.StepInput{
			Parameters: map[string]any{"tool": "payload", "input": size},
		},
	}
}

// Executor returns a registry running the "payload" tool used by generated workflows.
func Executor() (*registry.Registry, error) {
	tools := tool.New()
	if err := tools.Register("payload", tool.Func(Payload)); err != nil {
		return nil, err
	}

	r := registry.New()
	if err := r.RegisterExecutor(workflow.StepKindTool, tools); err != nil {
		return nil, err
	}

	return r, nil
}

// Payload returns a random string of the requested size.
func Payload(ctx context.Context, input any) (any, error) {
	var n int
	switch v := input.(type) {
	case int:
		n = v
	case float64:
		n = int(v)
	default:
		return nil, fmt.Errorf("expected payload size, got %T", input)
	}

	return randSeq(n), nil
}

var alphabet = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

func randSeq(n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}
