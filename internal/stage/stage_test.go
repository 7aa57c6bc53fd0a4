package stage

import (
	"testing"

	"github.com/kostrykin/repype-sub000/internal/config"
	"github.com/kostrykin/repype-sub000/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuggestStageID(t *testing.T) {
	cases := map[string]string{
		"MultiplyStage": "multiply",
		"AddStage":      "add",
	}
	for typeName, want := range cases {
		assert.Equal(t, want, SuggestStageID(typeName))
	}
}

// echoStage doubles its input; used to exercise Run's enable/output-check
// logic end to end across this package's tests.
type echoStage struct {
	Base
}

func newEchoStage(id string) *echoStage {
	return &echoStage{Base: NewBase(id, "EchoStage", []string{"input"}, []string{"output"}, nil, true)}
}

func (s *echoStage) Process(pipeline PipelineView, cfg *config.Config, st *status.Status, inputs Data) (Data, error) {
	return Data{"output": inputs["input"].(float64) * 2}, nil
}

func TestRunProducesExpectedOutput(t *testing.T) {
	s := newEchoStage("")
	cfg := config.New(nil)
	data := Data{"input": 2.0}
	dt, err := Run(s, nil, data, cfg, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, dt.Nanoseconds(), int64(0))
	assert.Equal(t, 4.0, data["output"])
}

func TestRunDisabledSkips(t *testing.T) {
	s := newEchoStage("")
	cfg := config.New(map[string]any{"enabled": false})
	data := Data{"input": 2.0}
	var skipped bool
	s.AddCallback(EventSkip, func(Stage, Event, Data) { skipped = true })
	_, err := Run(s, nil, data, cfg, nil)
	require.NoError(t, err)
	assert.True(t, skipped)
	_, hasOutput := data["output"]
	assert.False(t, hasOutput)
}

func TestSignatureSortsFields(t *testing.T) {
	s := &echoStage{Base: NewBase("echo", "EchoStage", []string{"input"}, []string{"output"}, nil, true)}
	sig := Signature(s)
	assert.Equal(t, []string{"input"}, sig["inputs"])
	assert.Equal(t, []string{"output"}, sig["outputs"])
}

func TestShaStableForEquivalentStages(t *testing.T) {
	a := newEchoStage("echo")
	b := newEchoStage("echo")
	shaA, err := Sha(a)
	require.NoError(t, err)
	shaB, err := Sha(b)
	require.NoError(t, err)
	assert.Equal(t, shaA, shaB)
}

func TestConsumedFieldsAreDeleted(t *testing.T) {
	s := &echoStage{Base: NewBase("echo", "EchoStage", []string{"input"}, []string{"output"}, []string{"input"}, true)}
	cfg := config.New(nil)
	data := Data{"input": 3.0}
	_, err := Run(s, nil, data, cfg, nil)
	require.NoError(t, err)
	_, hasInput := data["input"]
	assert.False(t, hasInput)
}
