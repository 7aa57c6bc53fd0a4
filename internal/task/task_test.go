package task

import (
	"path/filepath"
	"testing"

	"github.com/kostrykin/repype-sub000/internal/benchmark"
	"github.com/kostrykin/repype-sub000/internal/config"
	"github.com/kostrykin/repype-sub000/internal/pipeline"
	"github.com/kostrykin/repype-sub000/internal/spec"
	"github.com/kostrykin/repype-sub000/internal/stage"
	"github.com/kostrykin/repype-sub000/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// doubleStage doubles an integer "input" field into "output", scaled by
// its "factor" hyperparameter (default 2).
type doubleStage struct {
	stage.Base
}

func newDoubleStage() *doubleStage {
	s := &doubleStage{}
	s.Base = stage.NewBase("double", "doubleStage", []string{"input"}, []string{"output"}, nil, true)
	return s
}

func (s *doubleStage) Process(p stage.PipelineView, cfg *config.Config, st *status.Status, inputs stage.Data) (stage.Data, error) {
	factor := cfg.Get("factor", 2.0).(float64)
	in, _ := inputs["input"].(int)
	return stage.Data{"output": int(float64(in) * factor)}, nil
}

func newRegistry() *spec.Registry {
	r := spec.NewRegistry()
	r.RegisterStage("double", func() stage.Stage { return newDoubleStage() })
	return r
}

func newTestPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.Create([]stage.Stage{newDoubleStage()})
	require.NoError(t, err)
	return p
}

func TestFullSpecMergesAncestorChain(t *testing.T) {
	root := New("/tasks", spec.Spec{"runnable": false, "pipeline": []any{"double"}}, nil)
	child := New("/tasks/child", spec.Spec{"runnable": true, "input_ids": "1-2"}, root)

	full, err := child.FullSpec()
	require.NoError(t, err)
	assert.True(t, full.Runnable())
	assert.Equal(t, []any{"double"}, full["pipeline"])
}

func TestCreateConfigMergesParentAndOwnLayers(t *testing.T) {
	root := New("/tasks", spec.Spec{
		"runnable": true,
		"config":   map[string]any{"double": map[string]any{"factor": 2.0}},
	}, nil)
	child := New("/tasks/child", spec.Spec{
		"config": map[string]any{"double": map[string]any{"enabled": true}},
	}, root)

	cfg, err := child.CreateConfig()
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.Get("double/factor", nil))
	assert.Equal(t, true, cfg.Get("double/enabled", nil))
}

func TestComputeShaChangesWithConfig(t *testing.T) {
	task := New("/tasks/x", spec.Spec{"runnable": true}, nil)
	a := config.New(map[string]any{"double": map[string]any{"factor": 2.0}})
	b := config.New(map[string]any{"double": map[string]any{"factor": 3.0}})

	shaA, err := task.ComputeSha(a)
	require.NoError(t, err)
	shaB, err := task.ComputeSha(b)
	require.NoError(t, err)
	assert.NotEqual(t, shaA, shaB)
}

func TestIsPendingIncompleteWithoutDigest(t *testing.T) {
	dir := t.TempDir()
	task := New(dir, spec.Spec{"runnable": true, "input_ids": "1"}, nil)
	p := newTestPipeline(t)
	cfg := config.New(nil)

	reason, err := task.IsPending(p, cfg)
	require.NoError(t, err)
	assert.Equal(t, PendingIncomplete, reason)
}

func TestStoreThenIsPendingNone(t *testing.T) {
	dir := t.TempDir()
	task := New(dir, spec.Spec{"runnable": true, "input_ids": "1"}, nil)
	p := newTestPipeline(t)
	cfg := config.New(nil)
	registry := newRegistry()

	data := TaskData{1: stage.Data{"output": 2}}
	times, err := benchmark.New(filepath.Join(dir, "times.csv"))
	require.NoError(t, err)

	require.NoError(t, task.Store(p, data, cfg, times, registry))

	reason, err := task.IsPending(p, cfg)
	require.NoError(t, err)
	assert.Equal(t, PendingNone, reason)
}

func TestStoreThenFindFirstDivergingStageIsNil(t *testing.T) {
	dir := t.TempDir()
	task := New(dir, spec.Spec{"runnable": true, "input_ids": "1"}, nil)
	p := newTestPipeline(t)
	cfg := config.New(nil)
	registry := newRegistry()

	data := TaskData{1: stage.Data{"output": 2}}
	times, err := benchmark.New(filepath.Join(dir, "times.csv"))
	require.NoError(t, err)
	require.NoError(t, task.Store(p, data, cfg, times, registry))

	diverging, err := task.FindFirstDivergingStage(p, cfg)
	require.NoError(t, err)
	assert.Nil(t, diverging)
}

func TestFindFirstDivergingStageDetectsConfigChange(t *testing.T) {
	dir := t.TempDir()
	task := New(dir, spec.Spec{"runnable": true, "input_ids": "1"}, nil)
	p := newTestPipeline(t)
	cfg := config.New(map[string]any{"double": map[string]any{"factor": 2.0}})
	registry := newRegistry()

	data := TaskData{1: stage.Data{"output": 2}}
	times, err := benchmark.New(filepath.Join(dir, "times.csv"))
	require.NoError(t, err)
	require.NoError(t, task.Store(p, data, cfg, times, registry))

	changedCfg := config.New(map[string]any{"double": map[string]any{"factor": 3.0}})
	diverging, err := task.FindFirstDivergingStage(p, changedCfg)
	require.NoError(t, err)
	require.NotNil(t, diverging)
	assert.Equal(t, "double", diverging.ID())
}

func TestStoreAndLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	task := New(dir, spec.Spec{"runnable": true, "input_ids": "1-2"}, nil)
	p := newTestPipeline(t)
	cfg := config.New(nil)
	registry := newRegistry()

	data := TaskData{1: stage.Data{"output": 2}, 2: stage.Data{"output": 4}}
	times, err := benchmark.New(filepath.Join(dir, "times.csv"))
	require.NoError(t, err)
	require.NoError(t, task.Store(p, data, cfg, times, registry))

	loaded, err := task.Load(p, registry)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded[1]["output"])
	assert.Equal(t, 4, loaded[2]["output"])
}

func TestResetRemovesDigestsAndData(t *testing.T) {
	dir := t.TempDir()
	task := New(dir, spec.Spec{"runnable": true, "input_ids": "1"}, nil)
	p := newTestPipeline(t)
	cfg := config.New(nil)
	registry := newRegistry()

	data := TaskData{1: stage.Data{"output": 2}}
	times, err := benchmark.New(filepath.Join(dir, "times.csv"))
	require.NoError(t, err)
	require.NoError(t, task.Store(p, data, cfg, times, registry))

	require.NoError(t, task.Reset())

	reason, err := task.IsPending(p, cfg)
	require.NoError(t, err)
	assert.Equal(t, PendingIncomplete, reason)
}
