package pipeline

import (
	"testing"

	"github.com/kostrykin/repype-sub000/internal/config"
	"github.com/kostrykin/repype-sub000/internal/stage"
	"github.com/kostrykin/repype-sub000/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// doubleStage doubles its declared input field into its declared output
// field; a minimal toy stage used throughout this package's tests.
type doubleStage struct {
	stage.Base
	in, out string
}

func newDoubleStage(id, in, out string, consumes ...string) *doubleStage {
	return &doubleStage{
		Base: stage.NewBase(id, "DoubleStage", []string{in}, []string{out}, consumes, true),
		in:   in,
		out:  out,
	}
}

func (s *doubleStage) Process(p stage.PipelineView, cfg *config.Config, st *status.Status, inputs stage.Data) (stage.Data, error) {
	v := inputs[s.in].(float64)
	return stage.Data{s.out: v * 2}, nil
}

func TestCreateOrdersLinearChain(t *testing.T) {
	a := newDoubleStage("a", "input", "a-out")
	b := newDoubleStage("b", "a-out", "b-out")
	p, err := Create([]stage.Stage{b, a})
	require.NoError(t, err)
	require.Len(t, p.Stages, 2)
	assert.Equal(t, "a", p.Stages[0].ID())
	assert.Equal(t, "b", p.Stages[1].ID())
}

func TestCreateRejectsAmbiguousIDs(t *testing.T) {
	a := newDoubleStage("a", "input", "a-out")
	a2 := newDoubleStage("a", "input", "a-out2")
	_, err := Create([]stage.Stage{a, a2})
	assert.Error(t, err)
}

func TestCreateRejectsUnresolvableOrder(t *testing.T) {
	a := newDoubleStage("a", "missing-field", "a-out")
	_, err := Create([]stage.Stage{a})
	assert.Error(t, err)
}

func TestCreateRespectsConsumes(t *testing.T) {
	// "consume" consumes "input", "reader" also needs "input": the
	// consumer must run last among stages needing "input".
	reader := newDoubleStage("reader", "input", "reader-out")
	consumer := newDoubleStage("consume", "input", "consume-out", "input")
	p, err := Create([]stage.Stage{consumer, reader})
	require.NoError(t, err)
	assert.Less(t, p.Find("reader"), p.Find("consume"))
}

func TestProcessRunsAllStagesInOrder(t *testing.T) {
	a := newDoubleStage("a", "input", "a-out")
	b := newDoubleStage("b", "a-out", "b-out")
	p, err := Create([]stage.Stage{a, b})
	require.NoError(t, err)

	data, _, timings, err := p.Process(2.0, config.New(nil), "", "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 4.0, data["a-out"])
	assert.Equal(t, 8.0, data["b-out"])
	assert.Contains(t, timings, "a")
	assert.Contains(t, timings, "b")
}

func TestProcessResumesFromFirstStage(t *testing.T) {
	a := newDoubleStage("a", "input", "a-out")
	b := newDoubleStage("b", "a-out", "b-out")
	p, err := Create([]stage.Stage{a, b})
	require.NoError(t, err)

	partial := stage.Data{"input": 2.0, "a-out": 4.0}
	data, _, timings, err := p.Process(nil, config.New(nil), "b", "", partial, nil)
	require.NoError(t, err)
	assert.Equal(t, 8.0, data["b-out"])
	assert.NotContains(t, timings, "a")
	assert.Contains(t, timings, "b")
}

func TestProcessPlusSuffixMeansStageAfter(t *testing.T) {
	a := newDoubleStage("a", "input", "a-out")
	b := newDoubleStage("b", "a-out", "b-out")
	c := newDoubleStage("c", "b-out", "c-out")
	p, err := Create([]stage.Stage{a, b, c})
	require.NoError(t, err)

	partial := stage.Data{"input": 2.0, "a-out": 4.0, "b-out": 8.0}
	data, _, timings, err := p.Process(nil, config.New(nil), "a+", "", partial, nil)
	require.NoError(t, err)
	assert.Equal(t, 16.0, data["c-out"])
	assert.NotContains(t, timings, "a")
}

func TestProcessRequiresDataWhenFirstStageSet(t *testing.T) {
	a := newDoubleStage("a", "input", "a-out")
	b := newDoubleStage("b", "a-out", "b-out")
	p, err := Create([]stage.Stage{a, b})
	require.NoError(t, err)

	_, _, _, err = p.Process(nil, config.New(nil), "b", "", nil, nil)
	assert.Error(t, err)
}

func TestGetExtraStagesFillsMissingDependency(t *testing.T) {
	a := newDoubleStage("a", "input", "a-out")
	b := newDoubleStage("b", "a-out", "b-out")
	c := newDoubleStage("c", "b-out", "c-out")
	p, err := Create([]stage.Stage{a, b, c})
	require.NoError(t, err)

	extra, err := p.GetExtraStages("c", "", []string{"input"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, extra)
}
