// Package pipeline assembles stages into a totally-ordered processing
// pipeline and drives their execution over a window of stages, with
// support for resuming from intermediate data. It is a Go port of
// repype.pipeline.
package pipeline

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kostrykin/repype-sub000/internal/config"
	"github.com/kostrykin/repype-sub000/internal/stage"
	"github.com/kostrykin/repype-sub000/internal/status"
)

// StageError wraps an error raised while running a specific stage,
// letting callers (e.g. internal/batch) report which stage failed.
type StageError struct {
	StageID string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.StageID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ProcessingControl tracks whether the stage currently being visited
// falls within the [firstStage, lastStage] window.
type ProcessingControl struct {
	started    bool
	firstStage string
	lastStage  string
}

// NewProcessingControl constructs a control window; an empty firstStage
// means "start immediately", an empty lastStage means "never stop".
func NewProcessingControl(firstStage, lastStage string) *ProcessingControl {
	return &ProcessingControl{
		started:    firstStage == "",
		firstStage: firstStage,
		lastStage:  lastStage,
	}
}

// Step reports whether stageID should be processed, and advances the
// window's internal state.
func (c *ProcessingControl) Step(stageID string) bool {
	if !c.started && stageID == c.firstStage {
		c.started = true
	}
	doStep := c.started
	if stageID == c.lastStage {
		c.started = false
	}
	return doStep
}

// Pipeline is an ordered sequence of stages plus the named path templates
// ("scopes") stages may resolve output paths against.
type Pipeline struct {
	Stages []stage.Stage
	Scopes map[string]string
}

// New creates a Pipeline from an already totally-ordered stage list. Most
// callers should use Create instead, which determines the order
// automatically.
func New(stages []stage.Stage) *Pipeline {
	return &Pipeline{Stages: append([]stage.Stage(nil), stages...), Scopes: map[string]string{}}
}

// Find returns the index of the stage with the given id, or -1 if absent.
func (p *Pipeline) Find(id string) int {
	for i, s := range p.Stages {
		if s.ID() == id {
			return i
		}
	}
	return -1
}

// Stage returns the stage with the given id, or nil if absent.
func (p *Pipeline) Stage(id string) stage.Stage {
	idx := p.Find(id)
	if idx < 0 {
		return nil
	}
	return p.Stages[idx]
}

// Append inserts s after the stage identified by after (by id), or at the
// end if after is empty. It returns the index s was inserted at.
func (p *Pipeline) Append(s stage.Stage, after string) (int, error) {
	for _, s2 := range p.Stages {
		if s2.ID() == s.ID() {
			return 0, fmt.Errorf("pipeline: stage with id %s already added", s.ID())
		}
	}
	if after == "" {
		p.Stages = append(p.Stages, s)
		return len(p.Stages) - 1, nil
	}
	idx := p.Find(after)
	if idx < 0 {
		return 0, fmt.Errorf("pipeline: stage %s not found", after)
	}
	p.Stages = append(p.Stages, nil)
	copy(p.Stages[idx+2:], p.Stages[idx+1:])
	p.Stages[idx+1] = s
	return idx + 1, nil
}

// Fields returns the set of data-object field names this pipeline can
// ever populate: "input" plus every stage's outputs.
func (p *Pipeline) Fields() map[string]struct{} {
	fields := map[string]struct{}{"input": {}}
	for _, s := range p.Stages {
		for _, o := range s.Outputs() {
			fields[o] = struct{}{}
		}
	}
	return fields
}

// Resolve interpolates input into the named scope's path template, replacing
// every "%s" placeholder with input formatted via %v (matching
// repype.pipeline.Pipeline.resolve's "%"-formatting of a pathlib template),
// and returns the cleaned absolute path. It returns "" if input is nil.
func (p *Pipeline) Resolve(scope string, input any) (string, error) {
	if input == nil {
		return "", nil
	}
	tmpl, ok := p.Scopes[scope]
	if !ok {
		return "", fmt.Errorf("pipeline: unknown scope %q", scope)
	}
	rendered := strings.ReplaceAll(tmpl, "%s", fmt.Sprintf("%v", input))
	abs, err := filepath.Abs(rendered)
	if err != nil {
		return "", fmt.Errorf("pipeline: resolving scope %q: %w", scope, err)
	}
	return filepath.Clean(abs), nil
}

// Process runs the pipeline's stages in order over input (or over the
// partial results in data, if firstStage is set), honoring the
// [firstStage, lastStage] window. A firstStage with a trailing "+"
// resolves to "the stage immediately after" the named stage. Stages
// outside the window whose outputs are still required by in-window
// stages ("extra stages") still run, but their results are discarded by
// the caller if undesired.
//
// Returns the final data object, the config actually used (a copy of cfg
// with any stage defaults filled in), and the per-stage execution time.
func (p *Pipeline) Process(
	input any,
	cfg *config.Config,
	firstStage string,
	lastStage string,
	data stage.Data,
	st *status.Status,
) (stage.Data, *config.Config, map[string]float64, error) {
	cfg = cfg.Copy()

	if len(p.Stages) > 0 && firstStage == p.Stages[0].ID() && data == nil {
		firstStage = ""
	}
	if firstStage != "" && strings.HasSuffix(firstStage, "+") {
		idx := p.Find(strings.TrimSuffix(firstStage, "+"))
		if idx < 0 || idx+1 >= len(p.Stages) {
			return nil, nil, nil, fmt.Errorf("pipeline: cannot resolve stage after %q", firstStage)
		}
		firstStage = p.Stages[idx+1].ID()
	}
	if firstStage != "" && lastStage != "" && p.Find(firstStage) > p.Find(lastStage) {
		return data, cfg, map[string]float64{}, nil
	}
	if firstStage != "" && (len(p.Stages) == 0 || firstStage != p.Stages[0].ID()) && data == nil {
		return nil, nil, nil, fmt.Errorf("pipeline: data must be provided if first_stage is used")
	}
	if data == nil {
		data = stage.Data{}
	}
	if input != nil {
		data["input"] = input
	}

	availableKeys := make([]string, 0, len(data))
	for k := range data {
		availableKeys = append(availableKeys, k)
	}
	extraStages, err := p.GetExtraStages(firstStage, lastStage, availableKeys)
	if err != nil {
		return nil, nil, nil, err
	}
	extraSet := make(map[string]struct{}, len(extraStages))
	for _, id := range extraStages {
		extraSet[id] = struct{}{}
	}

	ctrl := NewProcessingControl(firstStage, lastStage)
	timings := make(map[string]float64)
	for _, s := range p.Stages {
		_, isExtra := extraSet[s.ID()]
		if ctrl.Step(s.ID()) || isExtra {
			stageCfg := cfg.GetConfig(s.ID())
			dt, err := stage.Run(s, p, data, stageCfg, status.Derive(st))
			if err != nil {
				return nil, nil, nil, &StageError{StageID: s.ID(), Err: err}
			}
			timings[s.ID()] = dt.Seconds()
		} else {
			stage.Skip(s, data, st)
		}
	}
	return data, cfg, timings, nil
}

// GetExtraStages computes which stages outside the [firstStage, lastStage]
// window must still run because an in-window stage needs a field that
// nothing else currently provides. It walks backwards from the first
// missing input to the stage that produces it, adding that stage's own
// inputs to the search, until every required field is accounted for.
func (p *Pipeline) GetExtraStages(firstStage, lastStage string, availableInputs []string) ([]string, error) {
	required := map[string]struct{}{}
	available := map[string]struct{}{"input": {}}
	for _, k := range availableInputs {
		available[k] = struct{}{}
	}
	stageByOutput := map[string]stage.Stage{}
	var extraStages []string

	ctrl := NewProcessingControl(firstStage, lastStage)
	for _, s := range p.Stages {
		for _, o := range s.Outputs() {
			stageByOutput[o] = s
		}
		if ctrl.Step(s.ID()) {
			for _, in := range s.Inputs() {
				required[in] = struct{}{}
			}
			for _, o := range s.Outputs() {
				available[o] = struct{}{}
			}
		}
	}

	for {
		var missing []string
		for k := range required {
			if _, ok := available[k]; !ok {
				missing = append(missing, k)
			}
		}
		if len(missing) == 0 {
			break
		}
		sort.Strings(missing)
		extraStage, ok := stageByOutput[missing[0]]
		if !ok {
			return nil, fmt.Errorf("pipeline: no stage produces required field %q", missing[0])
		}
		for _, in := range extraStage.Inputs() {
			required[in] = struct{}{}
		}
		for _, o := range extraStage.Outputs() {
			available[o] = struct{}{}
		}
		extraStages = append(extraStages, extraStage.ID())
	}
	return extraStages, nil
}

// Configure derives input-dependent hyperparameter defaults by asking
// every stage for its ConfigureRules and applying create_config_entry's
// AF_<key>/<key> scheme to baseConfig, returning a new Config.
func (p *Pipeline) Configure(baseConfig *config.Config, input any) *config.Config {
	cfg := baseConfig.Copy()
	for _, s := range p.Stages {
		rules := s.Configure(p, input)
		stageCfg := cfg.GetConfig(s.ID())
		for key, rule := range rules {
			applyConfigureRule(stageCfg, key, rule)
		}
	}
	return cfg
}

// applyConfigureRule implements repype.pipeline.create_config_entry:
// AF_<key> defaults to rule.DefaultUserFactor, <key> defaults to
// rule.Factor * AF_<key>, then is clamped to [rule.Min, rule.Max] if set.
func applyConfigureRule(cfg *config.Config, key string, rule stage.ConfigureRule) {
	afKey := "AF_" + key
	afValue, _ := cfg.Get(afKey, rule.DefaultUserFactor).(float64)
	value := cfg.Get(key, rule.Factor*afValue)
	fv, ok := value.(float64)
	if !ok {
		return
	}
	if rule.Min != nil {
		fv = max(fv, *rule.Min)
	}
	if rule.Max != nil {
		fv = min(fv, *rule.Max)
	}
	cfg.Set(key, fv)
}

// Create builds a Pipeline from stages, determining a total order that
// satisfies every stage's declared Inputs()/Consumes()/Outputs() via the
// same greedy algorithm as repype.pipeline.create_pipeline: repeatedly
// pick any remaining stage whose inputs are all available and which does
// not conflict with another remaining stage that still needs one of its
// consumed fields.
func Create(stages []stage.Stage) (*Pipeline, error) {
	seenIDs := map[string]struct{}{}
	for _, s := range stages {
		if _, dup := seenIDs[s.ID()]; dup {
			return nil, fmt.Errorf("pipeline: ambiguous stage identifiers: %s", s.ID())
		}
		seenIDs[s.ID()] = struct{}{}
	}

	seenOutputs := map[string]struct{}{"input": {}}
	for _, s := range stages {
		for _, o := range s.Outputs() {
			if _, dup := seenOutputs[o]; dup {
				return nil, fmt.Errorf("pipeline: ambiguous outputs: %s", o)
			}
			seenOutputs[o] = struct{}{}
		}
	}

	available := map[string]struct{}{"input": {}}
	remaining := append([]stage.Stage(nil), stages...)
	p := New(nil)

	for len(remaining) > 0 {
		var next stage.Stage
		for _, s1 := range remaining {
			if !subsetOf(s1.Inputs(), available) {
				continue
			}
			conflicted := false
			for _, s2 := range remaining {
				if s1 == s2 {
					continue
				}
				s2Inputs := inputSet(s2)
				for _, c := range s1.Consumes() {
					if _, ok := s2Inputs[c]; ok {
						conflicted = true
						break
					}
				}
				if conflicted {
					break
				}
			}
			if !conflicted {
				next = s1
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("pipeline: failed to resolve total ordering (pipeline so far: %v, available inputs: %v, remaining stages: %d)", ids(p.Stages), keys(available), len(remaining))
		}
		remaining = removeStage(remaining, next)
		p.Stages = append(p.Stages, next)
		for _, o := range next.Outputs() {
			available[o] = struct{}{}
		}
		for _, c := range next.Consumes() {
			delete(available, c)
		}
	}
	return p, nil
}

func subsetOf(items []string, set map[string]struct{}) bool {
	for _, i := range items {
		if _, ok := set[i]; !ok {
			return false
		}
	}
	return true
}

func inputSet(s stage.Stage) map[string]struct{} {
	out := make(map[string]struct{}, len(s.Inputs()))
	for _, i := range s.Inputs() {
		out[i] = struct{}{}
	}
	return out
}

func removeStage(stages []stage.Stage, target stage.Stage) []stage.Stage {
	out := make([]stage.Stage, 0, len(stages)-1)
	for _, s := range stages {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func ids(stages []stage.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = s.ID()
	}
	return out
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
