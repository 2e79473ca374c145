package main

import (
	"context"
	_ "embed"
	"log"
	"log/slog"
	"os"

	"github.com/stepflow/go-stepflow/client"
	"github.com/stepflow/go-stepflow/loader/hcl"
	"github.com/stepflow/go-stepflow/samples"
	"github.com/stepflow/go-stepflow/scheduler"
)

//go:embed research.hcl
var research []byte

func main() {
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	defs, err := hcl.New(hcl.WithLogger(logger)).Parse(research, "research.hcl")
	if err != nil {
		log.Fatal(err)
	}

	b := samples.GetBackend("hcl")
	defer b.Close()

	s := scheduler.New(samples.Executors(), b, scheduler.WithLogger(logger))

	for _, def := range defs {
		if _, err := s.ExecuteWorkflow(ctx, def, map[string]any{"topic": "channels", "depth": "detailed"}); err != nil {
			log.Fatal(err)
		}

		state, err := client.New(b).GetWorkflowState(ctx, def.ID)
		if err != nil {
			log.Fatal(err)
		}

		for id, cs := range state.CompletedSteps {
			log.Printf("%s (skipped: %v): %v", id, cs.Skipped, cs.Result)
		}
	}
}
