package main

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/client"
	"github.com/stepflow/go-stepflow/samples"
	"github.com/stepflow/go-stepflow/scheduler"
	"github.com/stepflow/go-stepflow/workflow"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("stepflow sample"),
		semconv.ServiceVersionKey.String("v0.1.0"),
		attribute.String("environment", "sample"),
	)

	stdoutexp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		panic(err)
	}

	oclient := otlptracehttp.NewClient(otlptracehttp.WithEndpoint("localhost:8360"), otlptracehttp.WithURLPath("/traces/otlp/v0.9"), otlptracehttp.WithInsecure())
	exp, err := otlptrace.New(ctx, oclient)
	if err != nil {
		panic(err)
	}

	tp := trace.NewTracerProvider(
		trace.WithSyncer(stdoutexp),
		trace.WithBatcher(exp),
		trace.WithResource(r),
	)

	otel.SetTracerProvider(tp)

	b := samples.GetBackend("tracing", backend.WithTracerProvider(tp))
	defer b.Close()

	s := scheduler.New(samples.Executors(), b, scheduler.WithTracerProvider(tp))

	def := &workflow.Definition{
		ID:   "traced",
		Name: "Traced",
		Steps: []*workflow.Step{
			{ID: "search", Name: "Search", Kind: workflow.StepKindTool, Input: workflow.StepInput{
				Parameters: map[string]any{"tool": "search", "input": map[string]any{"query": "tracing"}},
			}},
			{ID: "summarize", Name: "Summarize", Kind: workflow.StepKindChat, Dependencies: []string{"search"}, Input: workflow.StepInput{
				Parameters: map[string]any{"content": "Summarize the search results"},
			}},
		},
	}

	go func() {
		if _, err := s.ExecuteWorkflow(ctx, def, nil); err != nil {
			log.Println("Workflow failed:", err)
		}
	}()

	result, err := client.New(b).GetWorkflowResult(ctx, def.ID, time.Second*120)
	if err != nil {
		log.Fatal(err)
	}

	log.Println("Workflow finished. Result:", result)

	if err := tp.Shutdown(context.Background()); err != nil {
		log.Println("Shutting down tracer provider:", err)
	}
}
