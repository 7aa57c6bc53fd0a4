// Package batch discovers a directory tree of task.yml files, builds the
// task tree, and runs every pending task to completion. It is a Go port
// of repype.batch.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"runtime/debug"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/kostrykin/repype-sub000/internal/config"
	"github.com/kostrykin/repype-sub000/internal/pipeline"
	"github.com/kostrykin/repype-sub000/internal/spec"
	"github.com/kostrykin/repype-sub000/internal/status"
	"github.com/kostrykin/repype-sub000/internal/task"
)

// InternalRunFlag is the hidden CLI flag a batch run re-execs itself
// with to process a single task in a clean child process, substituting
// for multiprocessing.Process (Go has no fork). cmd/repype's entrypoint
// must check for this flag before any normal command dispatch.
const InternalRunFlag = "--internal-run-task"

// RunContext is the pipeline and hyperparameters used to run a task.
type RunContext struct {
	Task     *task.Task
	Pipeline *pipeline.Pipeline
	Config   *config.Config
}

// NewRunContext builds a RunContext for a runnable task.
func NewRunContext(t *task.Task, registry *spec.Registry) (*RunContext, error) {
	runnable, err := t.Runnable()
	if err != nil {
		return nil, err
	}
	if !runnable {
		return nil, fmt.Errorf("batch: task %s is not runnable", t.Path)
	}
	p, err := t.CreatePipeline(registry)
	if err != nil {
		return nil, err
	}
	t.SetupCallbacks(p)
	cfg, err := t.CreateConfig()
	if err != nil {
		return nil, err
	}
	return &RunContext{Task: t, Pipeline: p, Config: cfg}, nil
}

// Batch is a registry of tasks discovered under one or more root
// directories, keyed by their cleaned absolute path.
type Batch struct {
	tasks    map[string]*task.Task
	registry *spec.Registry
}

// New creates an empty Batch backed by registry for pipeline/stage
// construction.
func New(registry *spec.Registry) *Batch {
	return &Batch{tasks: map[string]*task.Task{}, registry: registry}
}

// Task retrieves (loading if necessary) the task rooted at path. If spec
// is nil, the task's specification is read from path/task.yml; if that
// file does not exist and no task was previously loaded at path, Task
// returns (nil, nil). Passing a non-nil spec for an already-loaded task
// whose stored specification differs is an error, mirroring
// repype.batch.Batch.task's consistency assertion.
func (b *Batch) Task(path string, overrideSpec spec.Spec) (*task.Task, error) {
	clean := filepath.Clean(path)
	existing := b.tasks[clean]

	loadedSpec := overrideSpec
	if loadedSpec == nil {
		specPath := filepath.Join(clean, "task.yml")
		if _, err := os.Stat(specPath); err != nil {
			return existing, nil
		}
		var err error
		loadedSpec, err = spec.Load(specPath)
		if err != nil {
			return nil, err
		}
	}

	if existing != nil {
		if !reflect.DeepEqual(map[string]any(existing.Spec), map[string]any(loadedSpec)) {
			return nil, fmt.Errorf("batch: %s: requested specification does not match previously loaded specification", clean)
		}
		return existing, nil
	}

	var parent *task.Task
	parentDir := filepath.Dir(clean)
	if parentDir != clean {
		var err error
		parent, err = b.Task(parentDir, nil)
		if err != nil {
			return nil, err
		}
	}

	t := task.New(clean, loadedSpec, parent)
	b.tasks[clean] = t
	return t, nil
}

// Load discovers every task.yml file under rootPath (recursively) and
// loads its task (and ancestors) into the batch.
func (b *Batch) Load(rootPath string) error {
	root := filepath.Clean(rootPath)
	matches, err := doublestar.Glob(os.DirFS(root), "**/task.yml")
	if err != nil {
		return fmt.Errorf("batch: scanning %s: %w", root, err)
	}
	for _, m := range matches {
		taskDir := filepath.Join(root, filepath.Dir(m))
		if _, err := b.Task(taskDir, nil); err != nil {
			return err
		}
	}
	return nil
}

// Contexts returns a RunContext for every runnable task in the batch.
func (b *Batch) Contexts() ([]*RunContext, error) {
	var out []*RunContext
	for _, t := range b.tasks {
		runnable, err := t.Runnable()
		if err != nil {
			return nil, err
		}
		if !runnable {
			continue
		}
		rc, err := NewRunContext(t, b.registry)
		if err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, nil
}

// Pending returns a RunContext for every task that still needs to run.
func (b *Batch) Pending() ([]*RunContext, error) {
	contexts, err := b.Contexts()
	if err != nil {
		return nil, err
	}
	var out []*RunContext
	for _, rc := range contexts {
		reason, err := rc.Task.IsPending(rc.Pipeline, rc.Config)
		if err != nil {
			return nil, err
		}
		if reason != task.PendingNone {
			out = append(out, rc)
		}
	}
	return out, nil
}

// payload is the on-disk message handed to a re-exec'd child process: just
// enough to reconstruct the RunContext from scratch, since Go has no
// object pickling (dill) to ship a live Task/Pipeline/Config across a
// fork boundary.
type payload struct {
	TaskPath       string `json:"task_path"`
	Pickup         bool   `json:"pickup"`
	StripMarginals bool   `json:"strip_marginals"`
}

// Run runs every context in contexts (or every Pending context, if nil),
// each in its own re-exec'd child process for isolation, stopping at the
// first failure. binary is the path to this program's own executable
// (cmd/repype passes os.Executable()), used to spawn the child. It returns true if
// every task completed successfully.
func (b *Batch) Run(ctx context.Context, contexts []*RunContext, st *status.Status, binary string, pickup, stripMarginals bool) (bool, error) {
	if contexts == nil {
		var err error
		contexts, err = b.Pending()
		if err != nil {
			return false, err
		}
	}

	for idx, rc := range contexts {
		taskStatus := status.Derive(st)
		absPath, _ := filepath.Abs(rc.Task.Path)
		_ = status.Update(taskStatus, map[string]any{
			"info":       "enter",
			"task":       absPath,
			"step":       idx,
			"step_count": len(contexts),
		})

		exitCode, err := b.runChildProcess(ctx, rc, taskStatus, binary, pickup, stripMarginals)
		if err != nil || exitCode != 0 {
			_ = status.Update(st, map[string]any{"info": "interrupted"})
			return false, err
		}
	}
	return true, nil
}

func (b *Batch) runChildProcess(ctx context.Context, rc *RunContext, taskStatus *status.Status, binary string, pickup, stripMarginals bool) (int, error) {
	payloadFile, err := os.CreateTemp("", "repype-task-*.json")
	if err != nil {
		return -1, fmt.Errorf("batch: creating payload file: %w", err)
	}
	defer os.Remove(payloadFile.Name())

	p := payload{TaskPath: rc.Task.Path, Pickup: pickup, StripMarginals: stripMarginals}
	enc := json.NewEncoder(payloadFile)
	if err := enc.Encode(p); err != nil {
		payloadFile.Close()
		return -1, fmt.Errorf("batch: writing payload: %w", err)
	}
	if err := payloadFile.Close(); err != nil {
		return -1, err
	}

	cmd := exec.CommandContext(ctx, binary, InternalRunFlag, payloadFile.Name(), taskStatus.RootPath(), taskStatus.ID())
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("batch: starting task process: %w", err)
	}
	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("batch: running task process: %w", err)
}

// RunChild is the child-process entrypoint: cmd/repype calls this when
// invoked with InternalRunFlag, passing the status root directory and
// node id the parent process already created via Status.Derive. It reads
// the payload, reconstructs the RunContext by path, runs the task, and
// reports any error on the reattached status before returning it so the
// caller can exit(1).
func RunChild(registry *spec.Registry, payloadPath, statusRootDir, statusID string) error {
	st, err := status.Attach(statusRootDir, statusID)
	if err != nil {
		return err
	}

	b, err := os.ReadFile(payloadPath)
	if err != nil {
		return fmt.Errorf("batch: reading payload %s: %w", payloadPath, err)
	}
	var p payload
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("batch: parsing payload %s: %w", payloadPath, err)
	}

	batch := New(registry)
	t, err := batch.Task(p.TaskPath, nil)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("batch: no task found at %s", p.TaskPath)
	}

	pl, err := t.CreatePipeline(registry)
	if err != nil {
		return err
	}
	t.SetupCallbacks(pl)
	cfg, err := t.CreateConfig()
	if err != nil {
		return err
	}

	_, runErr := t.Run(cfg, pl, registry, p.Pickup, p.StripMarginals, st)
	if runErr != nil {
		absPath, _ := filepath.Abs(t.Path)
		stageID := stageIDOf(runErr)
		_ = status.Update(st, map[string]any{
			"info":      "error",
			"task":      absPath,
			"traceback": formatTraceback(runErr),
			"stage":     stageID,
		})
	}
	return runErr
}

// formatTraceback renders err's wrapped error chain alongside a stack dump
// of the goroutine that caught it, the closest Go analogue of Python's
// traceback.format_exc(): Go errors carry no stack of their own, so the
// chain from fmt.Errorf's %w wrapping stands in for the frames between the
// failing stage and here, same as the teacher's panic-recovery logging
// (internal/agent.Session's "stack", string(debug.Stack()) field).
func formatTraceback(err error) string {
	return fmt.Sprintf("%s\n%s", err.Error(), debug.Stack())
}

func stageIDOf(err error) any {
	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) {
		return nil
	}
	return stageErr.StageID
}
