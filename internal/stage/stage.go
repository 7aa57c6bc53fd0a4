// Package stage defines the pipeline stage contract: each stage declares
// the fields it requires, consumes and produces, and implements Process
// to transform a pipeline data object. It is a Go port of repype.stage.
package stage

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kostrykin/repype-sub000/internal/config"
	"github.com/kostrykin/repype-sub000/internal/status"
)

// Data is the pipeline data object: a shared bag of named intermediate
// and final results threaded through a pipeline run.
type Data = map[string]any

// Event identifies a point in a stage's lifecycle at which callbacks may
// fire.
type Event string

const (
	EventStart Event = "start"
	EventEnd   Event = "end"
	EventSkip  Event = "skip"
	// EventAfter is a synthetic event: registering a callback for it
	// registers the same callback for both EventEnd and EventSkip.
	EventAfter Event = "after"
)

// Callback observes a stage lifecycle event.
type Callback func(s Stage, event Event, data Data)

// PipelineView is the subset of *pipeline.Pipeline a Stage's Process
// method is allowed to depend on, kept here to avoid an import cycle
// between internal/stage and internal/pipeline.
type PipelineView interface {
	Resolve(scope string, input any) (string, error)
}

// ConfigureRule describes how Pipeline.Configure should derive a
// hyperparameter from input-dependent data, mirroring the dict returned
// by repype.stage.Stage.configure: Key = factor * AF_Key, optionally
// clamped to [Min, Max]. There is no type coercion: only float64 values
// are derived and clamped, and a Key value of any other type is left as
// it is.
type ConfigureRule struct {
	Factor            float64
	DefaultUserFactor float64
	Min               *float64
	Max               *float64
}

// Stage is a single unit of work in a pipeline.
type Stage interface {
	ID() string
	Inputs() []string // includes Consumes()
	Outputs() []string
	Consumes() []string
	EnabledByDefault() bool
	// Version distinguishes implementation revisions of a stage for
	// change-detection purposes; see Signature. Stages that change
	// Process's behavior should bump this.
	Version() int

	Process(pipeline PipelineView, cfg *config.Config, st *status.Status, inputs Data) (Data, error)
	Configure(pipeline PipelineView, input any) map[string]ConfigureRule

	AddCallback(event Event, cb Callback)
	RemoveCallback(event Event, cb Callback)
	fire(event Event, data Data)
}

// Base provides the bookkeeping common to all stages: identity, field
// declarations and the callback registry. Concrete stages embed Base and
// override Process (and, optionally, Configure/Version/EnabledByDefault).
type Base struct {
	id               string
	inputs           []string
	outputs          []string
	consumes         []string
	enabledByDefault bool
	callbacks        map[Event][]Callback
}

// NewBase constructs the embeddable Base. id, if empty, is derived from
// typeName via SuggestStageID.
func NewBase(id, typeName string, inputs, outputs, consumes []string, enabledByDefault bool) Base {
	if id == "" {
		id = SuggestStageID(typeName)
	}
	if strings.HasSuffix(id, "+") {
		panic(fmt.Sprintf("stage id %q must not end with '+': reserved for \"the stage after this stage\"", id))
	}
	allInputs := make(map[string]struct{}, len(inputs)+len(consumes))
	for _, f := range inputs {
		allInputs[f] = struct{}{}
	}
	for _, f := range consumes {
		allInputs[f] = struct{}{}
	}
	merged := make([]string, 0, len(allInputs))
	for f := range allInputs {
		merged = append(merged, f)
	}
	sort.Strings(merged)
	return Base{
		id:               id,
		inputs:           merged,
		outputs:          append([]string(nil), outputs...),
		consumes:         append([]string(nil), consumes...),
		enabledByDefault: enabledByDefault,
		callbacks:        make(map[Event][]Callback),
	}
}

func (b *Base) ID() string             { return b.id }
func (b *Base) Inputs() []string       { return b.inputs }
func (b *Base) Outputs() []string      { return b.outputs }
func (b *Base) Consumes() []string     { return b.consumes }
func (b *Base) EnabledByDefault() bool { return b.enabledByDefault }
func (b *Base) Version() int           { return 0 }

func (b *Base) Configure(PipelineView, any) map[string]ConfigureRule { return nil }

func (b *Base) AddCallback(event Event, cb Callback) {
	if event == EventAfter {
		b.AddCallback(EventEnd, cb)
		b.AddCallback(EventSkip, cb)
		return
	}
	b.callbacks[event] = append(b.callbacks[event], cb)
}

func (b *Base) RemoveCallback(event Event, cb Callback) {
	if event == EventAfter {
		b.RemoveCallback(EventEnd, cb)
		b.RemoveCallback(EventSkip, cb)
		return
	}
	fns := b.callbacks[event]
	for i, fn := range fns {
		if fmt.Sprintf("%p", fn) == fmt.Sprintf("%p", cb) {
			b.callbacks[event] = append(fns[:i], fns[i+1:]...)
			return
		}
	}
}

func (b *Base) fire(event Event, data Data) {
	// fire is not called by Run or Skip: Base itself cannot pass the
	// embedding Stage as "self", so they use runCallbacks instead.
	_ = event
	_ = data
}

func runCallbacks(s Stage, b *Base, event Event, data Data) {
	for _, cb := range b.callbacks[event] {
		cb(s, event, data)
	}
}

var classNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
var tokenPattern = regexp.MustCompile(`[A-Z0-9][^A-Z0-9_]*`)

// SuggestStageID derives a stage's hyphenated identifier from its Go type
// name, mirroring repype.stage.suggest_stage_id: runs of capitalized or
// digit-led tokens are grouped, single-character runs of the same
// alpha/numeric class are merged, and a trailing "Stage" token is
// dropped.
func SuggestStageID(typeName string) string {
	if typeName == "_" || !classNamePattern.MatchString(typeName) {
		panic(fmt.Sprintf("not a valid type name: %q", typeName))
	}
	tokens1 := tokenPattern.FindAllString(typeName, -1)
	var tokens2 []string
	i := 0
	for i < len(tokens1) {
		token := tokens1[i]
		i++
		if len(token) == 1 {
			for i < len(tokens1) {
				t := tokens1[i]
				if len(t) == 1 && sameCharClass(token, t) {
					token += t
					i++
				} else {
					break
				}
			}
		}
		tokens2 = append(tokens2, strings.ReplaceAll(strings.ToLower(token), "_", ""))
	}
	if len(tokens2) >= 2 && tokens2[len(tokens2)-1] == "stage" {
		tokens2 = tokens2[:len(tokens2)-1]
	}
	return strings.Join(tokens2, "-")
}

func sameCharClass(a, b string) bool {
	isNum := func(s string) bool { return s >= "0" && s <= "9" }
	isAlpha := func(s string) bool {
		return (s >= "a" && s <= "z") || (s >= "A" && s <= "Z")
	}
	return isNum(a) == isNum(b) || isAlpha(a) == isAlpha(b)
}

// Signature returns a serializable, order-independent description of a
// stage's observable contract, used to compute Sha. Go has no runtime
// bytecode to hash (unlike repype.stage.Stage.signature, which hashes
// method bytecode), so the signature here is built from the stage's
// declared identity and an explicit Version, per DESIGN.md's resolution
// of that Open Question: a stage author bumps Version() when Process's
// behavior changes.
func Signature(s Stage) map[string]any {
	inputs := append([]string(nil), s.Inputs()...)
	outputs := append([]string(nil), s.Outputs()...)
	consumes := append([]string(nil), s.Consumes()...)
	sort.Strings(inputs)
	sort.Strings(outputs)
	sort.Strings(consumes)
	return map[string]any{
		"id":                 s.ID(),
		"inputs":             inputs,
		"outputs":            outputs,
		"consumes":           consumes,
		"enabled_by_default": s.EnabledByDefault(),
		"version":            s.Version(),
	}
}

// Sha is the SHA-1 hash of the stage's canonical Signature JSON.
func Sha(s Stage) (string, error) {
	b, err := json.Marshal(Signature(s))
	if err != nil {
		return "", fmt.Errorf("stage %s: computing sha: %w", s.ID(), err)
	}
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}

// Run executes s if enabled (per the "enabled" hyperparameter, defaulting
// to s.EnabledByDefault()), calling Process and folding its outputs into
// data, then deleting any consumed fields. It returns the stage's
// wall-clock run time, or 0 if the stage was skipped.
func Run(s Stage, pipeline PipelineView, data Data, cfg *config.Config, st *status.Status) (time.Duration, error) {
	base := baseOf(s)
	enabled, _ := cfg.Get("enabled", s.EnabledByDefault()).(bool)
	if !enabled {
		Skip(s, data, st)
		return 0, nil
	}

	_ = status.UpdateIntermediate(st, map[string]any{"info": "start-stage", "stage": s.ID()})
	runCallbacks(s, base, EventStart, data)

	inputData := make(Data, len(s.Inputs()))
	for _, key := range s.Inputs() {
		inputData[key] = data[key]
	}

	cleanCfg := cfg.Copy()
	cleanCfg.Pop("enabled", nil)

	t0 := time.Now()
	outputData, err := s.Process(pipeline, cleanCfg, status.Derive(st), inputData)
	if err != nil {
		return 0, fmt.Errorf("stage %s: %w", s.ID(), err)
	}
	dt := time.Since(t0)

	if err := checkOutputKeys(s, outputData); err != nil {
		return 0, err
	}
	for k, v := range outputData {
		data[k] = v
	}
	for _, k := range s.Consumes() {
		delete(data, k)
	}

	runCallbacks(s, base, EventEnd, data)
	return dt, nil
}

func checkOutputKeys(s Stage, output Data) error {
	want := make(map[string]struct{}, len(s.Outputs()))
	for _, k := range s.Outputs() {
		want[k] = struct{}{}
	}
	got := make(map[string]struct{}, len(output))
	for k := range output {
		got[k] = struct{}{}
	}
	if len(want) != len(got) {
		return fmt.Errorf("stage %s: produced spurious or missing output (want %v, got %v)", s.ID(), s.Outputs(), keysOf(got))
	}
	for k := range want {
		if _, ok := got[k]; !ok {
			return fmt.Errorf("stage %s: produced spurious or missing output (want %v, got %v)", s.ID(), s.Outputs(), keysOf(got))
		}
	}
	return nil
}

func keysOf(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Skip marks s as skipped for this run without executing Process.
func Skip(s Stage, data Data, st *status.Status) {
	_ = status.UpdateIntermediate(st, map[string]any{"info": "skip-stage", "stage": s.ID()})
	runCallbacks(s, baseOf(s), EventSkip, data)
}

// baseOf extracts the embedded *Base from a Stage, so that Run/Skip can
// reach its callback registry. Concrete stage types embed Base, whose
// promoted base method satisfies baseAccessor; baseOf panics for a stage
// that does not.
func baseOf(s Stage) *Base {
	if a, ok := s.(baseAccessor); ok {
		return a.base()
	}
	panic(fmt.Sprintf("stage %T does not embed stage.Base", s))
}

type baseAccessor interface {
	base() *Base
}

// base implements baseAccessor for Base itself, so an embedding struct
// automatically satisfies it.
func (b *Base) base() *Base { return b }
