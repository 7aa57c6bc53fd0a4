// Package task implements the task tree: declaratively-specified units of
// batch work that inherit specification and hyperparameters from their
// ancestors, track completion via content-addressed digests, and resume
// partially-completed pipeline runs. It is a Go port of repype.task.
package task

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-yaml"
	"github.com/kostrykin/repype-sub000/internal/benchmark"
	"github.com/kostrykin/repype-sub000/internal/config"
	"github.com/kostrykin/repype-sub000/internal/pipeline"
	"github.com/kostrykin/repype-sub000/internal/spec"
	"github.com/kostrykin/repype-sub000/internal/stage"
	"github.com/kostrykin/repype-sub000/internal/status"
)

// PendingReason explains why a task needs to run, or "" if it does not.
type PendingReason string

const (
	PendingNone          PendingReason = ""
	PendingIncomplete    PendingReason = "incomplete"
	PendingPipeline      PendingReason = "pipeline"
	PendingSpecification PendingReason = "specification"
)

// Data is a single input's pipeline data object (an alias of stage.Data).
type Data = stage.Data

// TaskData maps input ids to their pipeline data objects.
type TaskData map[any]Data

// Task is a node in the task tree.
type Task struct {
	Path   string
	Spec   spec.Spec
	Parent *Task
}

// New constructs a Task.
func New(path string, s spec.Spec, parent *Task) *Task {
	return &Task{Path: path, Spec: s, Parent: parent}
}

// FullSpec deep-merges this task's Spec over its ancestors', the child
// always winning, matching repype.task.Task.full_spec.
func (t *Task) FullSpec() (spec.Spec, error) {
	if t.Parent == nil {
		return t.Spec, nil
	}
	parentSpec, err := t.Parent.FullSpec()
	if err != nil {
		return nil, err
	}
	return spec.Merge(parentSpec, t.Spec)
}

// Runnable reports whether the task's full spec declares it runnable.
func (t *Task) Runnable() (bool, error) {
	full, err := t.FullSpec()
	if err != nil {
		return false, err
	}
	return full.Runnable(), nil
}

// InputIDs returns the task's decoded input ids.
func (t *Task) InputIDs() ([]any, error) {
	full, err := t.FullSpec()
	if err != nil {
		return nil, err
	}
	return spec.DecodeInputIDs(full["input_ids"])
}

// Root returns the root ancestor of the task tree.
func (t *Task) Root() *Task {
	if t.Parent != nil {
		return t.Parent.Root()
	}
	return t
}

// Parents returns every ancestor, starting with the immediate parent.
func (t *Task) Parents() []*Task {
	var out []*Task
	for p := t.Parent; p != nil; p = p.Parent {
		out = append(out, p)
	}
	return out
}

// MarginalStages resolves the task's "marginal_stages" spec field to
// stage ids, via registry for entries that name a registered stage type
// rather than an id directly.
func (t *Task) MarginalStages(registry *spec.Registry) ([]string, error) {
	full, err := t.FullSpec()
	if err != nil {
		return nil, err
	}
	raw, _ := full["marginal_stages"].([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("task: marginal_stages entries must be strings, got %T", item)
		}
		if strings.Contains(s, ".") {
			id, err := registry.MarginalStageID(s)
			if err != nil {
				return nil, err
			}
			out = append(out, id)
		} else {
			out = append(out, s)
		}
	}
	return out, nil
}

// ResolvePath resolves path relative to the task's directory, expanding
// {DIRNAME}/{ROOTDIR} placeholders.
func (t *Task) ResolvePath(path string) (string, error) {
	return spec.ResolvePath(path, t.Path, t.Root().Path)
}

func (t *Task) DataFilePath() (string, error)       { return t.ResolvePath("data.dill.gz") }
func (t *Task) DigestTaskFilePath() (string, error) { return t.ResolvePath(".task.json") }
func (t *Task) DigestShaFilePath() (string, error)  { return t.ResolvePath(".sha.json") }
func (t *Task) TimesFilePath() (string, error)      { return t.ResolvePath("times.csv") }

// Times opens (or creates) the task's run-time benchmark table.
func (t *Task) Times() (*benchmark.Benchmark, error) {
	path, err := t.TimesFilePath()
	if err != nil {
		return nil, err
	}
	return benchmark.New(path)
}

// digestSha is the on-disk shape of .sha.json.
type digestSha struct {
	Stages map[string]string `json:"stages"`
	Task   string            `json:"task"`
}

// Digest reads the stored full specification of the task's last
// completion, or (nil, false) if the task has never completed.
func (t *Task) Digest() (map[string]any, bool, error) {
	path, err := t.DigestTaskFilePath()
	if err != nil {
		return nil, false, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("task: reading digest %s: %w", path, err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, false, fmt.Errorf("task: parsing digest %s: %w", path, err)
	}
	return m, true, nil
}

func (t *Task) readDigestSha() (digestSha, bool, error) {
	path, err := t.DigestShaFilePath()
	if err != nil {
		return digestSha{}, false, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return digestSha{}, false, nil
		}
		return digestSha{}, false, fmt.Errorf("task: reading %s: %w", path, err)
	}
	var d digestSha
	if err := json.Unmarshal(b, &d); err != nil {
		return digestSha{}, false, fmt.Errorf("task: parsing %s: %w", path, err)
	}
	return d, true, nil
}

// GetFullSpecWithConfig returns the full spec with its "config" field set
// to cfg's entries, used as the content that is hashed/stored to detect
// specification changes.
func (t *Task) GetFullSpecWithConfig(cfg *config.Config) (map[string]any, error) {
	full, err := t.FullSpec()
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(full)+1)
	for k, v := range full {
		out[k] = v
	}
	out["config"] = cfg.Entries()
	return out, nil
}

// ComputeSha hashes the full spec (adopted for cfg, if given) the same
// way Task.compute_sha does: SHA-1 over canonical JSON.
func (t *Task) ComputeSha(cfg *config.Config) (string, error) {
	var data map[string]any
	var err error
	if cfg == nil {
		full, ferr := t.FullSpec()
		if ferr != nil {
			return "", ferr
		}
		data = full
	} else {
		data, err = t.GetFullSpecWithConfig(cfg)
		if err != nil {
			return "", err
		}
	}
	return config.New(data).Sha()
}

// CreateConfig composes this task's hyperparameters: the parent's config,
// overlaid by the base_config_path file (if any), overlaid by the task's
// own "config" spec field, each layer's values winning over the previous.
func (t *Task) CreateConfig() (*config.Config, error) {
	raw, _ := t.Spec["config"].(map[string]any)
	cfg := config.New(raw).Copy()

	if baseConfigPath, ok := t.Spec["base_config_path"].(string); ok && baseConfigPath != "" {
		resolved, err := t.ResolvePath(baseConfigPath)
		if err != nil {
			return nil, err
		}
		b, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("task: reading base config %s: %w", resolved, err)
		}
		var baseRaw map[string]any
		if err := yaml.Unmarshal(b, &baseRaw); err != nil {
			return nil, fmt.Errorf("task: parsing base config %s: %w", resolved, err)
		}
		baseConfig := config.New(baseRaw)
		cfg = baseConfig.Merge(cfg)
	}

	if t.Parent != nil {
		parentConfig, err := t.Parent.CreateConfig()
		if err != nil {
			return nil, err
		}
		return parentConfig.Merge(cfg), nil
	}
	return cfg, nil
}

// CreatePipeline instantiates the pipeline named by the task's full spec's
// "pipeline" field, via registry.
func (t *Task) CreatePipeline(registry *spec.Registry) (*pipeline.Pipeline, error) {
	full, err := t.FullSpec()
	if err != nil {
		return nil, err
	}
	pipelineField, ok := full["pipeline"]
	if !ok {
		return nil, fmt.Errorf("task: %s: \"pipeline\" field is required", t.Path)
	}
	scopesRaw, _ := full["scopes"].(map[string]any)
	scopes := make(map[string]string, len(scopesRaw))
	for key, value := range scopesRaw {
		str, ok := value.(string)
		if !ok {
			continue
		}
		resolved, err := t.ResolvePath(str)
		if err != nil {
			return nil, err
		}
		scopes[key] = resolved
	}
	return registry.BuildPipeline(pipelineField, scopes)
}

// IsPending reports whether the task needs to (re-)run.
func (t *Task) IsPending(p *pipeline.Pipeline, cfg *config.Config) (PendingReason, error) {
	runnable, err := t.Runnable()
	if err != nil {
		return PendingNone, err
	}
	if !runnable {
		return PendingNone, nil
	}

	digestShaPath, err := t.DigestShaFilePath()
	if err != nil {
		return PendingNone, err
	}
	if _, statErr := os.Stat(digestShaPath); os.IsNotExist(statErr) {
		return PendingIncomplete, nil
	}

	hashes, ok, err := t.readDigestSha()
	if err != nil {
		return PendingNone, err
	}
	if !ok {
		return PendingIncomplete, nil
	}

	for _, s := range p.Stages {
		sha, err := stage.Sha(s)
		if err != nil {
			return PendingNone, err
		}
		if sha != hashes.Stages[s.ID()] {
			return PendingPipeline, nil
		}
	}

	taskSha, err := t.ComputeSha(cfg)
	if err != nil {
		return PendingNone, err
	}
	if hashes.Task != taskSha {
		return PendingSpecification, nil
	}
	return PendingNone, nil
}

// Reset deletes the task's stored digests and data, so the next run
// starts from scratch.
func (t *Task) Reset() error {
	for _, pathFn := range []func() (string, error){t.DigestShaFilePath, t.DigestTaskFilePath, t.DataFilePath} {
		path, err := pathFn()
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("task: removing %s: %w", path, err)
		}
	}
	return nil
}

// GetMarginalFields returns the set of data-object fields produced by the
// task's marginal stages.
func (t *Task) GetMarginalFields(p *pipeline.Pipeline, registry *spec.Registry) (map[string]struct{}, error) {
	marginalIDs, err := t.MarginalStages(registry)
	if err != nil {
		return nil, err
	}
	marginalSet := make(map[string]struct{}, len(marginalIDs))
	for _, id := range marginalIDs {
		marginalSet[id] = struct{}{}
	}
	fields := map[string]struct{}{}
	for _, s := range p.Stages {
		if _, ok := marginalSet[s.ID()]; ok {
			for _, o := range s.Outputs() {
				fields[o] = struct{}{}
			}
		}
	}
	return fields, nil
}

// persistentFields returns every field any stage of p can ever produce,
// mirroring the (otherwise undocumented) Pipeline.persistent_fields
// property this spec's Load/Store rely on: the full output vocabulary of
// the pipeline, i.e. Fields() minus "input" (which is not persisted).
func persistentFields(p *pipeline.Pipeline) map[string]struct{} {
	fields := p.Fields()
	out := make(map[string]struct{}, len(fields))
	for f := range fields {
		if f == "input" {
			continue
		}
		out[f] = struct{}{}
	}
	return out
}

// encodeTaskData and decodeTaskData implement the opaque task-data blob
// format: CBOR (with gzip framing added by Store/Load), substituting for
// dill (Python's arbitrary-object pickler), per SPEC_FULL.md's DOMAIN STACK.
func encodeTaskData(data TaskData) ([]byte, error) {
	// CBOR requires string map keys; input ids may be int or string, so
	// they are serialized through a wrapper that preserves the original
	// dynamic type.
	entries := make([]taskDataEntry, 0, len(data))
	for k, v := range data {
		entries = append(entries, taskDataEntry{Key: k, Value: v})
	}
	return cbor.Marshal(entries)
}

func decodeTaskData(b []byte) (TaskData, error) {
	var entries []taskDataEntry
	if err := cbor.Unmarshal(b, &entries); err != nil {
		return nil, err
	}
	out := make(TaskData, len(entries))
	for _, e := range entries {
		chunk, _ := normalizeValue(e.Value).(map[string]any)
		out[normalizeValue(e.Key)] = Data(chunk)
	}
	return out, nil
}

type taskDataEntry struct {
	Key   any  `cbor:"key"`
	Value Data `cbor:"value"`
}

// normalizeValue recursively coerces CBOR's decoded numeric types
// (uint64/int64) back to the plain int used throughout this package, so
// round-tripped data compares equal to what was stored.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case uint64:
		return int(t)
	case int64:
		return int(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}

// Load reads back the task's previously stored data, verifying it
// matches the task's current input ids and (if pipeline is given) its
// persistent fields.
func (t *Task) Load(p *pipeline.Pipeline, registry *spec.Registry) (TaskData, error) {
	runnable, err := t.Runnable()
	if err != nil {
		return nil, err
	}
	if !runnable {
		return nil, fmt.Errorf("task: %s is not runnable", t.Path)
	}
	path, err := t.DataFilePath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("task: opening %s: %w", path, err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("task: decompressing %s: %w", path, err)
	}
	defer gr.Close()
	raw, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("task: reading %s: %w", path, err)
	}
	data, err := decodeTaskData(raw)
	if err != nil {
		return nil, fmt.Errorf("task: decoding %s: %w", path, err)
	}

	inputIDs, err := t.InputIDs()
	if err != nil {
		return nil, err
	}
	if !sameKeySet(data, inputIDs) {
		return nil, fmt.Errorf("task: loaded data is inconsistent with task specification")
	}

	if p != nil {
		marginal, err := t.GetMarginalFields(p, registry)
		if err != nil {
			return nil, err
		}
		required := persistentFields(p)
		for f := range marginal {
			delete(required, f)
		}
		for _, chunk := range data {
			if !sameFieldSet(chunk, required) {
				return nil, fmt.Errorf("task: loaded data is inconsistent with the pipeline")
			}
		}
	}
	return data, nil
}

func sameKeySet(data TaskData, ids []any) bool {
	if len(data) != len(ids) {
		return false
	}
	for _, id := range ids {
		if _, ok := data[id]; !ok {
			return false
		}
	}
	return true
}

func sameFieldSet(chunk Data, required map[string]struct{}) bool {
	if len(chunk) != len(required) {
		return false
	}
	for f := range required {
		if _, ok := chunk[f]; !ok {
			return false
		}
	}
	return true
}

// StripMarginals returns a shallow copy of dataChunk without its marginal
// fields.
func (t *Task) StripMarginals(dataChunk Data, marginal map[string]struct{}) Data {
	out := make(Data, len(dataChunk))
	for k, v := range dataChunk {
		if _, ok := marginal[k]; ok {
			continue
		}
		out[k] = v
	}
	return out
}

// Store persists data, the digest of the spec used to produce it, the
// stage hashes, and the run-time benchmark.
func (t *Task) Store(p *pipeline.Pipeline, data TaskData, cfg *config.Config, times *benchmark.Benchmark, registry *spec.Registry) error {
	runnable, err := t.Runnable()
	if err != nil {
		return err
	}
	if !runnable {
		return fmt.Errorf("task: %s is not runnable", t.Path)
	}
	inputIDs, err := t.InputIDs()
	if err != nil {
		return err
	}
	if !sameKeySet(data, inputIDs) {
		return fmt.Errorf("task: %s: data keys do not match input ids", t.Path)
	}

	marginal, err := t.GetMarginalFields(p, registry)
	if err != nil {
		return err
	}
	// "input" is dropped together with the marginal fields: it is not
	// persisted (see persistentFields), and Pipeline.Process sets it again
	// on every run.
	marginal["input"] = struct{}{}
	withoutMarginals := make(TaskData, len(data))
	for id, chunk := range data {
		withoutMarginals[id] = t.StripMarginals(chunk, marginal)
	}

	dataPath, err := t.DataFilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return fmt.Errorf("task: creating %s: %w", filepath.Dir(dataPath), err)
	}
	f, err := os.Create(dataPath)
	if err != nil {
		return fmt.Errorf("task: creating %s: %w", dataPath, err)
	}
	gw := gzip.NewWriter(f)
	encoded, err := encodeTaskData(withoutMarginals)
	if err != nil {
		f.Close()
		return fmt.Errorf("task: encoding data: %w", err)
	}
	if _, err := gw.Write(encoded); err != nil {
		f.Close()
		return fmt.Errorf("task: writing %s: %w", dataPath, err)
	}
	if err := gw.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	digestTaskPath, err := t.DigestTaskFilePath()
	if err != nil {
		return err
	}
	fullWithConfig, err := t.GetFullSpecWithConfig(cfg)
	if err != nil {
		return err
	}
	digestTaskJSON, err := json.Marshal(fullWithConfig)
	if err != nil {
		return err
	}
	if err := os.WriteFile(digestTaskPath, digestTaskJSON, 0o644); err != nil {
		return fmt.Errorf("task: writing %s: %w", digestTaskPath, err)
	}

	hashes := digestSha{Stages: map[string]string{}}
	for _, s := range p.Stages {
		sha, err := stage.Sha(s)
		if err != nil {
			return err
		}
		hashes.Stages[s.ID()] = sha
	}
	taskSha, err := t.ComputeSha(cfg)
	if err != nil {
		return err
	}
	hashes.Task = taskSha
	digestShaPath, err := t.DigestShaFilePath()
	if err != nil {
		return err
	}
	hashesJSON, err := json.Marshal(hashes)
	if err != nil {
		return err
	}
	if err := os.WriteFile(digestShaPath, hashesJSON, 0o644); err != nil {
		return fmt.Errorf("task: writing %s: %w", digestShaPath, err)
	}

	stageIDs := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		stageIDs[i] = s.ID()
	}
	inputIDStrings := make([]string, len(inputIDs))
	for i, id := range inputIDs {
		inputIDStrings[i] = fmt.Sprintf("%v", id)
	}
	times.Retain(stageIDs, inputIDStrings)
	return times.Save()
}

// FindFirstDivergingStage finds the first stage whose implementation or
// hyperparameters differ from what was used to last complete the task, or
// nil if the task is fully up to date.
func (t *Task) FindFirstDivergingStage(p *pipeline.Pipeline, cfg *config.Config) (stage.Stage, error) {
	digestShaPath, err := t.DigestShaFilePath()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(digestShaPath); os.IsNotExist(statErr) {
		if len(p.Stages) == 0 {
			return nil, nil
		}
		return p.Stages[0], nil
	}

	hashes, ok, err := t.readDigestSha()
	if err != nil {
		return nil, err
	}
	if !ok {
		if len(p.Stages) == 0 {
			return nil, nil
		}
		return p.Stages[0], nil
	}

	digest, hasDigest, err := t.Digest()
	if err != nil {
		return nil, err
	}
	var digestConfig map[string]any
	if hasDigest {
		digestConfig, _ = digest["config"].(map[string]any)
	}

	for _, s := range p.Stages {
		storedSha, known := hashes.Stages[s.ID()]
		if !known {
			return s, nil
		}
		sha, err := stage.Sha(s)
		if err != nil {
			return nil, err
		}
		if sha != storedSha {
			return s, nil
		}
		// Raw map access (not config.Config.Get) to avoid the
		// mild-writer mutation side effect, matching
		// repype.task.Task.find_first_diverging_stage's comment.
		storedStageCfg, _ := digestConfig[s.ID()].(map[string]any)
		currentStageCfg, _ := cfg.Entries()[s.ID()].(map[string]any)
		if !configEntriesEqual(storedStageCfg, currentStageCfg) {
			return s, nil
		}
	}
	return nil, nil
}

func configEntriesEqual(a, b map[string]any) bool {
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return string(ja) == string(jb)
}

// PickupInfo is the result of FindPickupTask.
type PickupInfo struct {
	Task                *Task
	FirstDivergingStage stage.Stage
}

// FindPickupTask finds a previously completed ancestor (or self) task to
// resume computations from, picking the one with the latest diverging
// stage to minimize recomputation.
func (t *Task) FindPickupTask(p *pipeline.Pipeline, cfg *config.Config) (PickupInfo, error) {
	candidates := append(append([]*Task{}, t.Parents()...), t)

	type divergence struct {
		task  *Task
		stage stage.Stage
	}
	var divergences []divergence
	for _, candidate := range candidates {
		d, err := candidate.FindFirstDivergingStage(p, cfg)
		if err != nil {
			return PickupInfo{}, err
		}
		divergences = append(divergences, divergence{task: candidate, stage: d})
	}

	if len(divergences) == 0 {
		var first stage.Stage
		if len(p.Stages) > 0 {
			first = p.Stages[0]
		}
		return PickupInfo{Task: nil, FirstDivergingStage: first}, nil
	}

	for _, d := range divergences {
		if d.stage == nil {
			return PickupInfo{Task: d.task, FirstDivergingStage: nil}, nil
		}
	}

	best := divergences[0]
	for _, d := range divergences[1:] {
		if p.Find(d.stage.ID()) > p.Find(best.stage.ID()) {
			best = d
		}
	}
	if len(p.Stages) > 0 && best.stage == p.Stages[0] {
		return PickupInfo{Task: nil, FirstDivergingStage: best.stage}, nil
	}
	return PickupInfo{Task: best.task, FirstDivergingStage: best.stage}, nil
}

// Run executes the task: it picks up from a previously completed
// ancestor/self task when possible, runs the pipeline over every input
// id, strips marginal fields, persists the result, and reports progress
// via st.
func (t *Task) Run(
	cfg *config.Config,
	p *pipeline.Pipeline,
	registry *spec.Registry,
	pickup bool,
	stripMarginals bool,
	st *status.Status,
) (TaskData, error) {
	runnable, err := t.Runnable()
	if err != nil {
		return nil, err
	}
	if !runnable {
		return nil, fmt.Errorf("task: %s is not runnable", t.Path)
	}
	if p == nil {
		p, err = t.CreatePipeline(registry)
		if err != nil {
			return nil, err
		}
		t.SetupCallbacks(p)
	}

	var data TaskData
	var times *benchmark.Benchmark
	var firstStage stage.Stage
	var pickupTask *Task

	if pickup {
		info, err := t.FindPickupTask(p, cfg)
		if err != nil {
			return nil, err
		}
		if info.Task != nil {
			data, err = info.Task.Load(p, registry)
			if err != nil {
				return nil, err
			}
			times, err = info.Task.Times()
			if err != nil {
				return nil, err
			}
			times.FilePath, err = t.TimesFilePath()
			if err != nil {
				return nil, err
			}
			firstStage = info.FirstDivergingStage
			pickupTask = info.Task
		} else {
			pickup = false
		}
	}

	if !pickup {
		data = TaskData{}
		timesPath, err := t.TimesFilePath()
		if err != nil {
			return nil, err
		}
		times, err = benchmark.New(timesPath)
		if err != nil {
			return nil, err
		}
		firstStage = nil
	}

	var pickupPath string
	if pickupTask != nil {
		pickupPath, _ = filepath.Abs(pickupTask.Path)
	}
	var firstStageID any
	if firstStage != nil {
		firstStageID = firstStage.ID()
	}
	absPath, _ := filepath.Abs(t.Path)
	_ = status.Update(st, map[string]any{
		"info":        "start",
		"task":        absPath,
		"pickup":      nullableString(pickupPath),
		"first_stage": firstStageID,
	})

	if !pickup || firstStage != nil {
		inputIDs, err := t.InputIDs()
		if err != nil {
			return nil, err
		}
		for idx, inputID := range inputIDs {
			inputStatus := status.Derive(st)
			_ = status.Update(inputStatus, map[string]any{
				"info":       "process",
				"task":       absPath,
				"input_id":   inputID,
				"step":       idx,
				"step_count": len(inputIDs),
			})

			inputConfig := p.Configure(cfg.Copy(), inputID)

			dataChunk := data[inputID]
			if dataChunk == nil {
				dataChunk = Data{}
			}
			var firstStageName string
			if firstStage != nil {
				firstStageName = firstStage.ID()
			}
			newChunk, finalConfig, timesChunk, err := p.Process(inputID, inputConfig, firstStageName, "", dataChunk, inputStatus)
			if err != nil {
				return nil, err
			}
			if stripMarginals {
				marginal, err := t.GetMarginalFields(p, registry)
				if err != nil {
					return nil, err
				}
				newChunk = t.StripMarginals(newChunk, marginal)
			}

			for stageID, dt := range timesChunk {
				times.Set(stageID, fmt.Sprintf("%v", inputID), dt)
			}

			if finalConfig != nil {
				if finalConfigPath, rerr := p.Resolve("config", inputID); rerr == nil && finalConfigPath != "" {
					if err := os.MkdirAll(filepath.Dir(finalConfigPath), 0o755); err == nil {
						if b, merr := yaml.Marshal(finalConfig.Entries()); merr == nil {
							_ = os.WriteFile(finalConfigPath, b, 0o644)
						}
					}
				}
			}

			data[inputID] = newChunk
		}
	}

	_ = status.UpdateIntermediate(st, map[string]any{"info": "storing"})
	if err := t.Store(p, data, cfg, times, registry); err != nil {
		return nil, err
	}
	_ = status.Update(st, map[string]any{"info": "completed", "task": absPath})
	return data, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SetupCallbacks wires Task methods named OnStageIDEvent (e.g.
// OnThresholdStart for stage id "threshold" and event "start") as
// callbacks on the matching pipeline stage, mirroring
// repype.task.Task.setup_callbacks's hasattr/getattr-based dispatch via
// Go's reflect package (Go has no hasattr equivalent at compile time).
func (t *Task) SetupCallbacks(p *pipeline.Pipeline) {
	events := []stage.Event{stage.EventStart, stage.EventEnd, stage.EventSkip, stage.EventAfter}
	v := reflect.ValueOf(t)
	for _, s := range p.Stages {
		for _, event := range events {
			methodName := "On" + camelCase(s.ID()) + capitalize(string(event))
			m := v.MethodByName(methodName)
			if !m.IsValid() {
				continue
			}
			cb, ok := m.Interface().(func(stage.Stage, stage.Event, stage.Data))
			if !ok {
				continue
			}
			s.AddCallback(event, cb)
		}
	}
}

func camelCase(id string) string {
	parts := strings.Split(id, "-")
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(capitalize(p))
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

