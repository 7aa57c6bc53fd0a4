package batch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kostrykin/repype-sub000/internal/config"
	"github.com/kostrykin/repype-sub000/internal/spec"
	"github.com/kostrykin/repype-sub000/internal/stage"
	"github.com/kostrykin/repype-sub000/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doubleStage struct {
	stage.Base
}

func newDoubleStage() *doubleStage {
	s := &doubleStage{}
	s.Base = stage.NewBase("double", "doubleStage", []string{"input"}, []string{"output"}, nil, true)
	return s
}

func (s *doubleStage) Process(p stage.PipelineView, cfg *config.Config, st *status.Status, inputs stage.Data) (stage.Data, error) {
	in, _ := inputs["input"].(int)
	return stage.Data{"output": in * 2}, nil
}

func newRegistry() *spec.Registry {
	r := spec.NewRegistry()
	r.RegisterStage("double", func() stage.Stage { return newDoubleStage() })
	return r
}

func writeTaskYML(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "task.yml"), []byte(content), 0o644))
}

func TestBatchLoadDiscoversNestedTasks(t *testing.T) {
	root := t.TempDir()
	writeTaskYML(t, root, "runnable: false\npipeline: [double]\n")
	writeTaskYML(t, filepath.Join(root, "child"), "runnable: true\ninput_ids: \"1\"\n")

	b := New(newRegistry())
	require.NoError(t, b.Load(root))

	childTask, err := b.Task(filepath.Join(root, "child"), nil)
	require.NoError(t, err)
	require.NotNil(t, childTask)
	require.NotNil(t, childTask.Parent)

	runnable, err := childTask.Runnable()
	require.NoError(t, err)
	assert.True(t, runnable)

	full, err := childTask.FullSpec()
	require.NoError(t, err)
	assert.Equal(t, []any{"double"}, full["pipeline"])
}

func TestBatchTaskRejectsMismatchedSpec(t *testing.T) {
	root := t.TempDir()
	writeTaskYML(t, root, "runnable: true\ninput_ids: \"1\"\npipeline: [double]\n")

	b := New(newRegistry())
	_, err := b.Task(root, nil)
	require.NoError(t, err)

	_, err = b.Task(root, spec.Spec{"runnable": false})
	assert.Error(t, err)
}

func TestBatchPendingOnlyListsIncompleteTasks(t *testing.T) {
	root := t.TempDir()
	writeTaskYML(t, root, "runnable: true\ninput_ids: \"1\"\npipeline: [double]\n")

	b := New(newRegistry())
	require.NoError(t, b.Load(root))

	pending, err := b.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, root, pending[0].Task.Path)
}
