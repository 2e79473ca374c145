package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/backend/memory"
	"github.com/stepflow/go-stepflow/workflow"
	"github.com/stretchr/testify/require"
)

func step(id string, deps ...string) *workflow.Step {
	return &workflow.Step{ID: id, Name: id, Kind: "tool", Dependencies: deps}
}

func seed(t *testing.T) backend.Backend {
	t.Helper()

	ctx := context.Background()
	b := memory.NewMemoryBackend()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	def := &workflow.Definition{
		ID:    "wf-1",
		Name:  "diamond",
		Steps: []*workflow.Step{step("a"), step("b", "a"), step("c", "a"), step("d", "b", "c")},
	}
	require.NoError(t, b.SaveDefinition(ctx, def))

	s := workflow.NewState("wf-1", now, nil)
	s.CompletedSteps["a"] = workflow.CompletedStep{CompletedAt: now, Result: "a-result"}
	s.CompletedSteps["b"] = workflow.CompletedStep{CompletedAt: now, Skipped: true}
	s.FailedSteps["c"] = workflow.FailedStep{FailedAt: now, Error: "boom"}
	s.Finish(workflow.StatusFailed, now)
	require.NoError(t, b.SaveState(ctx, s))

	for _, id := range []string{"wf-2", "wf-3"} {
		s := workflow.NewState(id, now, nil)
		s.Finish(workflow.StatusCompleted, now)
		require.NoError(t, b.SaveState(ctx, s))
	}

	return b
}

func get(t *testing.T, mux *http.ServeMux, url string, v any) int {
	t.Helper()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))

	if rec.Code == http.StatusOK && v != nil {
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
	}

	return rec.Code
}

func Test_Diag(t *testing.T) {
	tests := []struct {
		name string
		f    func(t *testing.T, mux *http.ServeMux)
	}{
		{
			name: "List",
			f: func(t *testing.T, mux *http.ServeMux) {
				var refs []*WorkflowRef
				require.Equal(t, http.StatusOK, get(t, mux, "/api/", &refs))
				require.Len(t, refs, 3)
				require.Equal(t, "wf-1", refs[0].WorkflowID)
				require.Equal(t, workflow.StatusFailed, refs[0].Status)
			},
		},
		{
			name: "ListPaged",
			f: func(t *testing.T, mux *http.ServeMux) {
				var refs []*WorkflowRef
				require.Equal(t, http.StatusOK, get(t, mux, "/api/?after=wf-1&count=1", &refs))
				require.Len(t, refs, 1)
				require.Equal(t, "wf-2", refs[0].WorkflowID)
			},
		},
		{
			name: "ListInvalidCount",
			f: func(t *testing.T, mux *http.ServeMux) {
				require.Equal(t, http.StatusBadRequest, get(t, mux, "/api/?count=many", nil))
			},
		},
		{
			name: "Stats",
			f: func(t *testing.T, mux *http.ServeMux) {
				var stats backend.Stats
				require.Equal(t, http.StatusOK, get(t, mux, "/api/stats", &stats))
				require.Equal(t, int64(3), stats.Workflows)
				require.Equal(t, int64(2), stats.ByStatus[workflow.StatusCompleted])
				require.Equal(t, int64(1), stats.ByStatus[workflow.StatusFailed])
			},
		},
		{
			name: "Workflow",
			f: func(t *testing.T, mux *http.ServeMux) {
				var info WorkflowInfo
				require.Equal(t, http.StatusOK, get(t, mux, "/api/wf-1", &info))
				require.Equal(t, "diamond", info.Name)
				require.Len(t, info.Steps, 4)

				byID := map[string]*StepInfo{}
				for _, s := range info.Steps {
					byID[s.ID] = s
				}

				require.Equal(t, StepCompleted, byID["a"].Status)
				require.Equal(t, "a-result", byID["a"].Result)
				require.Equal(t, StepSkipped, byID["b"].Status)
				require.Equal(t, StepFailed, byID["c"].Status)
				require.Equal(t, "boom", byID["c"].Error)
				require.Equal(t, StepPending, byID["d"].Status)
				require.Nil(t, byID["d"].FinishedAt)
			},
		},
		{
			name: "WorkflowWithoutDefinition",
			f: func(t *testing.T, mux *http.ServeMux) {
				var info WorkflowInfo
				require.Equal(t, http.StatusOK, get(t, mux, "/api/wf-2", &info))
				require.Equal(t, workflow.StatusCompleted, info.Status)
				require.Empty(t, info.Steps)
			},
		},
		{
			name: "UnknownWorkflow",
			f: func(t *testing.T, mux *http.ServeMux) {
				require.Equal(t, http.StatusNotFound, get(t, mux, "/api/missing", nil))
			},
		},
		{
			name: "Tree",
			f: func(t *testing.T, mux *http.ServeMux) {
				var roots []*StepTree
				require.Equal(t, http.StatusOK, get(t, mux, "/api/wf-1/tree", &roots))
				require.Len(t, roots, 1)
				require.Equal(t, "a", roots[0].ID)
				require.Len(t, roots[0].Children, 2)

				var leaves int
				for _, child := range roots[0].Children {
					for _, leaf := range child.Children {
						require.Equal(t, "d", leaf.ID)
						leaves++
					}
				}
				require.Equal(t, 1, leaves)
			},
		},
		{
			name: "TreeWithoutDefinition",
			f: func(t *testing.T, mux *http.ServeMux) {
				require.Equal(t, http.StatusNotFound, get(t, mux, "/api/wf-2/tree", nil))
			},
		},
		{
			name: "UnknownPath",
			f: func(t *testing.T, mux *http.ServeMux) {
				require.Equal(t, http.StatusNotFound, get(t, mux, "/api/wf-1/history", nil))
			},
		},
		{
			name: "OnlyGet",
			f: func(t *testing.T, mux *http.ServeMux) {
				rec := httptest.NewRecorder()
				mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/", nil))
				require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.f(t, NewServeMux(seed(t)))
		})
	}
}
