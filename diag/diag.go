// Package diag serves a read-only JSON API for inspecting stored workflows.
package diag

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/client"
	"github.com/stepflow/go-stepflow/workflow"
)

const defaultCount = 25

// NewServeMux returns an *http.ServeMux that serves the diagnostics API below /api:
//
//	/api/?after=<id>&count=<n>  workflow summaries ordered by ID
//	/api/stats                  number of workflows per status
//	/api/{id}                   state and steps of a single workflow
//	/api/{id}/tree              steps of a workflow arranged by their dependencies
func NewServeMux(b backend.Backend) *http.ServeMux {
	c := client.New(b)
	mux := http.NewServeMux()

	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		// Only support GET requests
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		relativeURL := strings.TrimPrefix(r.URL.Path, "/api/")

		// /api/
		if relativeURL == "" {
			query := r.URL.Query()

			count := defaultCount
			if countStr := query.Get("count"); countStr != "" {
				var err error
				count, err = strconv.Atoi(countStr)
				if err != nil || count <= 0 {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
			}

			summaries, err := c.ListWorkflows(r.Context())
			if err != nil {
				b.Logger().Error("listing workflows", "error", err)
				w.WriteHeader(http.StatusInternalServerError)
				return
			}

			writeJSON(w, b, page(summaries, query.Get("after"), count))
			return
		}

		if relativeURL == "stats" {
			stats, err := c.GetStats(r.Context())
			if err != nil {
				b.Logger().Error("getting stats", "error", err)
				w.WriteHeader(http.StatusInternalServerError)
				return
			}

			writeJSON(w, b, stats)
			return
		}

		segments := strings.Split(relativeURL, "/")
		if len(segments) > 2 || (len(segments) == 2 && segments[1] != "tree") {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		workflowID := segments[0]

		state, err := c.GetWorkflowState(r.Context(), workflowID)
		if err != nil {
			writeLoadError(w, b, err)
			return
		}

		def, err := b.LoadDefinition(r.Context(), workflowID)
		if err != nil && !errors.Is(err, workflow.ErrWorkflowNotFound) {
			writeLoadError(w, b, err)
			return
		}

		// /api/{id}
		if len(segments) == 1 {
			writeJSON(w, b, newWorkflowInfo(def, state))
			return
		}

		// /api/{id}/tree
		if def == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		tree, err := BuildStepTree(def, state)
		if err != nil {
			b.Logger().Error("building step tree", "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, b, tree)
	})

	return mux
}

func page(summaries []workflow.Summary, after string, count int) []*WorkflowRef {
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].WorkflowID < summaries[j].WorkflowID
	})

	refs := make([]*WorkflowRef, 0, count)
	for _, s := range summaries {
		if after != "" && s.WorkflowID <= after {
			continue
		}

		refs = append(refs, newWorkflowRef(s))
		if len(refs) == count {
			break
		}
	}

	return refs
}

func writeLoadError(w http.ResponseWriter, b backend.Backend, err error) {
	if errors.Is(err, workflow.ErrWorkflowNotFound) || errors.Is(err, backend.ErrInvalidWorkflowID) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	b.Logger().Error("loading workflow", "error", err)
	w.WriteHeader(http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, b backend.Backend, v any) {
	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		b.Logger().Error("encoding response", "error", err)
	}
}
