package samples

import (
	"context"
	"fmt"
	"strings"

	"github.com/stepflow/go-stepflow/executor/chat"
	"github.com/stepflow/go-stepflow/executor/conditional"
	"github.com/stepflow/go-stepflow/executor/parallel"
	"github.com/stepflow/go-stepflow/executor/tool"
	"github.com/stepflow/go-stepflow/registry"
	"github.com/stepflow/go-stepflow/workflow"
)

// Executors returns a registry with an echoing chat client and a few toy tools.
func Executors() *registry.Registry {
	r := registry.New()

	tools := tool.New()
	must(tools.Register("search", tool.Func(func(ctx context.Context, input any) (any, error) {
		params, _ := input.(map[string]any)
		return []string{
			fmt.Sprintf("result 1 for %v", params["query"]),
			fmt.Sprintf("result 2 for %v", params["query"]),
		}, nil
	})))
	must(tools.Register("upper", tool.Func(func(ctx context.Context, input any) (any, error) {
		return strings.ToUpper(fmt.Sprint(input)), nil
	})))

	client := chat.ClientFunc(func(ctx context.Context, req chat.Request) (string, error) {
		return "echo: " + req.Content, nil
	})

	must(r.RegisterExecutor(workflow.StepKindTool, tools))
	must(r.RegisterExecutor(workflow.StepKindChat, chat.New(client)))
	must(r.RegisterExecutor(workflow.StepKindConditional, conditional.New()))
	must(r.RegisterExecutor(workflow.StepKindParallel, parallel.New(r)))

	return r
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
