package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepflow/go-stepflow/backend"
	"github.com/stepflow/go-stepflow/backend/test"
	"github.com/stepflow/go-stepflow/workflow"
)

func Test_FileBackend(t *testing.T) {
	test.BackendTest(t, func() backend.Backend {
		b, err := NewFileBackend(WithDirectory(t.TempDir()))
		if err != nil {
			panic(err)
		}

		return b
	}, nil)
}

func Test_EndToEndFileBackend(t *testing.T) {
	test.EndToEndBackendTest(t, func() backend.Backend {
		b, err := NewFileBackend(WithDirectory(t.TempDir()))
		if err != nil {
			panic(err)
		}

		return b
	}, nil)
}

func Test_FileBackend_Layout(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(WithDirectory(dir))
	require.NoError(t, err)

	ctx := context.Background()
	s := workflow.NewState("wf-1", time.Now(), nil)
	require.NoError(t, b.SaveState(ctx, s))
	require.NoError(t, b.SaveDefinition(ctx, &workflow.Definition{ID: "wf-1", Name: "n"}))

	require.FileExists(t, filepath.Join(dir, "wf-1.json"))
	require.FileExists(t, filepath.Join(dir, "wf-1.definition.json"))

	info, err := os.Stat(filepath.Join(dir, "wf-1.json"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// Definitions are not listed as states
	summaries, err := b.ListStates(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, "wf-1", summaries[0].WorkflowID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func Test_FileBackend_RemoveUsesModTime(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(WithDirectory(dir))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.SaveState(ctx, workflow.NewState("old", time.Now(), nil)))
	require.NoError(t, b.SaveState(ctx, workflow.NewState("new", time.Now(), nil)))

	past := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old.json"), past, past))

	n, err := backend.Cleanup(ctx, b, time.Now(), 7)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = b.LoadState(ctx, "old")
	require.ErrorIs(t, err, workflow.ErrWorkflowNotFound)

	_, err = b.LoadState(ctx, "new")
	require.NoError(t, err)
}

func Test_FileBackend_DefinitionSuffixIsReserved(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(WithDirectory(dir))
	require.NoError(t, err)

	ctx := context.Background()
	def := &workflow.Definition{ID: "x", Name: "n", Steps: []*workflow.Step{{ID: "a", Name: "a", Kind: workflow.StepKindTool}}}
	require.NoError(t, b.SaveDefinition(ctx, def))

	err = b.SaveState(ctx, workflow.NewState("x.definition", time.Now(), nil))
	require.ErrorIs(t, err, backend.ErrInvalidWorkflowID)

	got, err := b.LoadDefinition(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, "n", got.Name)
	require.Len(t, got.Steps, 1)

	summaries, err := b.ListStates(ctx)
	require.NoError(t, err)
	require.Empty(t, summaries)
}
