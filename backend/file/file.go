// Package file stores workflow states as JSON documents on the local filesystem.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/internal/metrickeys"
	"github.com/stepflow/go-stepflow/log"
	"github.com/stepflow/go-stepflow/metrics"
	"github.com/stepflow/go-stepflow/workflow"
)

const (
	stateSuffix      = ".json"
	definitionSuffix = ".definition.json"
)

type fileBackend struct {
	dir     string
	options Options
}

var _ backend.Backend = (*fileBackend)(nil)

func NewFileBackend(opts ...option) (*fileBackend, error) {
	options := &Options{
		Options:   backend.ApplyOptions(),
		Directory: DefaultDirectory,
	}

	for _, opt := range opts {
		opt(options)
	}

	if err := os.MkdirAll(options.Directory, 0750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	return &fileBackend{
		dir:     options.Directory,
		options: *options,
	}, nil
}

func (fb *fileBackend) Logger() *slog.Logger {
	return fb.options.Logger
}

func (fb *fileBackend) Metrics() metrics.Client {
	return fb.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "file"})
}

func (fb *fileBackend) Tracer() trace.Tracer {
	return fb.options.TracerProvider.Tracer(backend.TracerName)
}

func (fb *fileBackend) statePath(id string) string {
	return filepath.Join(fb.dir, id+stateSuffix)
}

func (fb *fileBackend) definitionPath(id string) string {
	return filepath.Join(fb.dir, id+definitionSuffix)
}

func (fb *fileBackend) SaveState(ctx context.Context, state *workflow.State) error {
	if err := backend.ValidateWorkflowID(state.WorkflowID); err != nil {
		return err
	}

	if err := fb.writeJSON(fb.statePath(state.WorkflowID), state); err != nil {
		return fmt.Errorf("saving state %q: %w", state.WorkflowID, err)
	}

	fb.Metrics().Counter(metrickeys.StateSaved, metrics.Tags{}, 1)

	return nil
}

func (fb *fileBackend) LoadState(ctx context.Context, workflowID string) (*workflow.State, error) {
	if err := backend.ValidateWorkflowID(workflowID); err != nil {
		return nil, err
	}

	var s workflow.State
	if err := fb.readJSON(fb.statePath(workflowID), &s); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, backend.ErrStateNotFound
		}

		return nil, fmt.Errorf("loading state %q: %w", workflowID, err)
	}

	return &s, nil
}

func (fb *fileBackend) ListStates(ctx context.Context) ([]workflow.Summary, error) {
	ids, err := fb.stateIDs()
	if err != nil {
		return nil, err
	}

	r := make([]workflow.Summary, 0, len(ids))
	for _, id := range ids {
		s, err := fb.LoadState(ctx, id)
		if err != nil {
			if errors.Is(err, workflow.ErrWorkflowNotFound) {
				// Removed concurrently
				continue
			}

			fb.Logger().WarnContext(ctx, "skipping unreadable state file", log.WorkflowIDKey, id, "error", err)
			continue
		}

		r = append(r, s.Summary())
	}

	return r, nil
}

func (fb *fileBackend) RemoveStates(ctx context.Context, options ...backend.RemovalOption) (int, error) {
	o := backend.ApplyRemovalOptions(options...)

	ids, err := fb.stateIDs()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		info, err := os.Stat(fb.statePath(id))
		if err != nil {
			continue
		}

		if !o.Matches(info.ModTime()) {
			continue
		}

		if err := os.Remove(fb.statePath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("removing state %q: %w", id, err)
		}

		if err := os.Remove(fb.definitionPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("removing definition %q: %w", id, err)
		}

		removed++
	}

	fb.Metrics().Counter(metrickeys.StateRemoved, metrics.Tags{}, int64(removed))

	return removed, nil
}

func (fb *fileBackend) SaveDefinition(ctx context.Context, def *workflow.Definition) error {
	if err := backend.ValidateWorkflowID(def.ID); err != nil {
		return err
	}

	if err := fb.writeJSON(fb.definitionPath(def.ID), def); err != nil {
		return fmt.Errorf("saving definition %q: %w", def.ID, err)
	}

	return nil
}

func (fb *fileBackend) LoadDefinition(ctx context.Context, workflowID string) (*workflow.Definition, error) {
	if err := backend.ValidateWorkflowID(workflowID); err != nil {
		return nil, err
	}

	var def workflow.Definition
	if err := fb.readJSON(fb.definitionPath(workflowID), &def); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, backend.ErrDefinitionNotFound
		}

		return nil, fmt.Errorf("loading definition %q: %w", workflowID, err)
	}

	return &def, nil
}

func (fb *fileBackend) Close() error {
	return nil
}

func (fb *fileBackend) stateIDs() ([]string, error) {
	matches, err := fs.Glob(os.DirFS(fb.dir), "*"+stateSuffix)
	if err != nil {
		return nil, fmt.Errorf("listing state files: %w", err)
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		if strings.HasSuffix(m, definitionSuffix) {
			continue
		}

		ids = append(ids, strings.TrimSuffix(m, stateSuffix))
	}

	sort.Strings(ids)

	return ids, nil
}

// writeJSON replaces the file at path atomically so readers never observe a partial document.
func (fb *fileBackend) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(fb.dir, ".tmp-*")
	if err != nil {
		return err
	}

	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Chmod(tmp, 0600); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	return nil
}

func (fb *fileBackend) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}
