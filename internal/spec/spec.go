// Package spec decodes task.yml documents, resolves placeholders in
// stored paths, merges ancestor specifications, and maps the string
// identifiers written in a spec to concrete stage/pipeline constructors.
// It is a Go port of the specification-handling parts of repype.task
// (decode_input_ids, load_from_module, Task.resolve_path,
// Task.get_full_spec_with_config).
package spec

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"github.com/goccy/go-yaml"
	"github.com/kostrykin/repype-sub000/internal/pipeline"
	"github.com/kostrykin/repype-sub000/internal/stage"
)

// Spec is a decoded task.yml document: an open-ended nested map, same
// shape as the YAML file it was loaded from.
type Spec map[string]any

// Load decodes a task.yml file at path.
func Load(path string) (Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("spec: reading %s: %w", path, err)
	}
	var s Spec
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("spec: parsing %s: %w", path, err)
	}
	return s, nil
}

// Merge deep-merges overlay into a copy of base, with overlay's values
// winning on conflict, mirroring mergedeep.merge(dict(), parent, child) as
// used by repype.task.Task.full_spec. dario.cat/mergo is used for the
// recursive merge (the same library the teacher repo depends on for
// config composition).
func Merge(base, overlay Spec) (Spec, error) {
	merged := Spec{}
	for k, v := range base {
		merged[k] = v
	}
	if err := mergo.Merge(&merged, map[string]any(overlay), mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("spec: merging: %w", err)
	}
	return merged, nil
}

// Runnable reports whether the spec declares itself runnable.
func (s Spec) Runnable() bool {
	v, _ := s["runnable"].(bool)
	return v
}

var rangePattern = regexp.MustCompile(`^([0-9]+)?-([0-9]+)?$`)
var intPattern = regexp.MustCompile(`^[0-9]+$`)

// DecodeInputIDs normalizes a task's input_ids field (a comma-separated
// string of ids and/or ranges, a list of ids, or a single id) to a sorted,
// deduplicated slice of ids. Numeric ids are decoded as int, everything
// else as string, matching repype.task.decode_input_ids.
func DecodeInputIDs(raw any) ([]any, error) {
	switch v := raw.(type) {
	case string:
		return decodeInputIDString(v)
	case []any:
		return dedupeSort(v), nil
	case nil:
		return nil, nil
	default:
		return []any{v}, nil
	}
}

func decodeInputIDString(spec string) ([]any, error) {
	var ids []any
	spec = strings.ReplaceAll(spec, " ", "")
	for _, token := range strings.Split(spec, ",") {
		if token == "" {
			continue
		}
		if m := rangePattern.FindStringSubmatch(token); m != nil {
			if m[1] == "" || m[2] == "" {
				return nil, fmt.Errorf("spec: cannot parse input token %q", token)
			}
			first, err1 := strconv.Atoi(m[1])
			last, err2 := strconv.Atoi(m[2])
			if err1 != nil || err2 != nil || first >= last {
				return nil, fmt.Errorf("spec: cannot parse input token %q", token)
			}
			for i := first; i <= last; i++ {
				ids = append(ids, i)
			}
			continue
		}
		if intPattern.MatchString(token) {
			n, err := strconv.Atoi(token)
			if err != nil {
				return nil, fmt.Errorf("spec: cannot parse input token %q: %w", token, err)
			}
			ids = append(ids, n)
			continue
		}
		ids = append(ids, token)
	}
	return dedupeSort(ids), nil
}

func dedupeSort(ids []any) []any {
	seen := map[any]struct{}{}
	var out []any
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		ii, iIsInt := out[i].(int)
		jj, jIsInt := out[j].(int)
		if iIsInt && jIsInt {
			return ii < jj
		}
		if iIsInt != jIsInt {
			return iIsInt // ints sort before strings; specs mix types rarely
		}
		return fmt.Sprintf("%v", out[i]) < fmt.Sprintf("%v", out[j])
	})
	return out
}

// ResolvePath resolves raw relative to taskDir, substituting {DIRNAME}
// (taskDir's base name) and {ROOTDIR} (rootDir), expanding a leading "~",
// and cleaning the result. It mirrors repype.task.Task.resolve_path; Go
// has no direct analogue of Python's symlink-resolving Path.resolve() for
// paths that may not exist yet, so this falls back to filepath.Clean when
// the resolved path does not exist on disk.
func ResolvePath(raw, taskDir, rootDir string) (string, error) {
	if raw == "" {
		return "", nil
	}
	expanded := raw
	if strings.HasPrefix(expanded, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			expanded = home + strings.TrimPrefix(expanded, "~")
		}
	}
	expanded = strings.ReplaceAll(expanded, "{DIRNAME}", filepath.Base(taskDir))
	expanded = strings.ReplaceAll(expanded, "{ROOTDIR}", rootDir)

	var full string
	if filepath.IsAbs(expanded) {
		full = expanded
	} else {
		full = filepath.Join(taskDir, expanded)
	}
	if resolved, err := filepath.EvalSymlinks(full); err == nil {
		return resolved, nil
	}
	return filepath.Clean(full), nil
}

// StageFactory constructs a fresh Stage instance.
type StageFactory func() stage.Stage

// PipelineFactory constructs a Pipeline given the task's resolved scopes,
// used for the "pipeline" field naming a single composite
// pipeline type rather than a list of stage identifiers.
type PipelineFactory func(scopes map[string]string) (*pipeline.Pipeline, error)

// Registry maps the string identifiers written in task.yml's "pipeline"
// and "marginal_stages" fields to concrete constructors. Go has no
// importlib-style dynamic module loading (repype.task.load_from_module),
// so every stage/pipeline type usable from a spec file must be registered
// here ahead of time, validated eagerly when a spec references an unknown
// name.
type Registry struct {
	stages    map[string]StageFactory
	pipelines map[string]PipelineFactory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		stages:    map[string]StageFactory{},
		pipelines: map[string]PipelineFactory{},
	}
}

// RegisterStage makes a stage constructible by name from a spec's
// "pipeline" list.
func (r *Registry) RegisterStage(name string, factory StageFactory) {
	r.stages[name] = factory
}

// RegisterPipeline makes a composite pipeline type constructible by name.
func (r *Registry) RegisterPipeline(name string, factory PipelineFactory) {
	r.pipelines[name] = factory
}

// Stage looks up a registered stage constructor by name.
func (r *Registry) Stage(name string) (StageFactory, error) {
	f, ok := r.stages[name]
	if !ok {
		return nil, fmt.Errorf("spec: unknown stage %q (not registered)", name)
	}
	return f, nil
}

// BuildPipeline constructs a Pipeline from a spec's "pipeline" field,
// which is either a registered composite pipeline name (string) or a list
// of registered stage names, and its "scopes" field (already resolved to
// absolute path templates).
func (r *Registry) BuildPipeline(pipelineField any, scopes map[string]string) (*pipeline.Pipeline, error) {
	switch v := pipelineField.(type) {
	case string:
		factory, ok := r.pipelines[v]
		if !ok {
			return nil, fmt.Errorf("spec: unknown pipeline %q (not registered)", v)
		}
		return factory(scopes)
	case []any:
		stages := make([]stage.Stage, 0, len(v))
		for _, item := range v {
			name, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("spec: pipeline stage entries must be strings, got %T", item)
			}
			factory, err := r.Stage(name)
			if err != nil {
				return nil, err
			}
			stages = append(stages, factory())
		}
		p, err := pipeline.Create(stages)
		if err != nil {
			return nil, err
		}
		p.Scopes = scopes
		return p, nil
	case nil:
		return nil, fmt.Errorf("spec: \"pipeline\" field is required")
	default:
		return nil, fmt.Errorf("spec: \"pipeline\" field must be a string or a list, got %T", v)
	}
}

// MarginalStageID resolves one entry of a spec's "marginal_stages" list to
// a stage id: either the id is given directly, or (if it contains a ".")
// it names a registered stage whose zero-value ID() is used, mirroring
// repype.task.Task.marginal_stages' load_from_module fallback.
func (r *Registry) MarginalStageID(entry string) (string, error) {
	if !strings.Contains(entry, ".") {
		return entry, nil
	}
	factory, err := r.Stage(entry)
	if err != nil {
		return "", err
	}
	return factory().ID(), nil
}
