// Command repype is the thin CLI front-end for the batch pipeline engine:
// it loads a tree of task.yml files rooted at a path, optionally filters
// them down with --task/--task-dir, and (with --run) runs every pending
// task to completion, printing status updates to stdout as they arrive.
// It is a Go port of repype.cli, itself grounded in the teacher's
// cmd/root.go + cmd/commands.go rootCmd/subcommand wiring.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/kostrykin/repype-sub000/internal/batch"
	"github.com/kostrykin/repype-sub000/internal/config"
	"github.com/kostrykin/repype-sub000/internal/logger"
	"github.com/kostrykin/repype-sub000/internal/spec"
	"github.com/kostrykin/repype-sub000/internal/stage"
	"github.com/kostrykin/repype-sub000/internal/status"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var version = "0.0.0"

func main() {
	// batch.InternalRunFlag must be intercepted before cobra ever parses
	// the arguments: it is how a batch run re-execs itself to process one
	// task in an isolated child process (cmd/repype --internal-run-task
	// <payload> <status root> <status id>), not a user-facing subcommand.
	if len(os.Args) > 1 && os.Args[1] == batch.InternalRunFlag {
		runInternalTask(os.Args[2:])
		return
	}

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func runInternalTask(args []string) {
	if len(args) != 3 {
		fmt.Fprintf(os.Stderr, "repype: %s requires <payload> <status-root> <status-id>\n", batch.InternalRunFlag)
		os.Exit(2)
	}
	if err := batch.RunChild(buildRegistry(), args[0], args[1], args[2]); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		run            bool
		tasks          []string
		taskDirs       []string
		pickup         bool
		stripMarginals bool
		debug          bool
		logFormat      string
		quiet          bool
	)

	cmd := &cobra.Command{
		Use:   "repype [flags] <path>",
		Short: "Run a tree of reproducible batch-processing tasks",
		Long:  `repype [--run] [--task=<path>]... [--task-dir=<dir>]... <path>`,
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindRunFlags(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), batchOptions{
				path:           args[0],
				run:            viper.GetBool("run"),
				tasks:          viper.GetStringSlice("task"),
				taskDirs:       viper.GetStringSlice("task-dir"),
				pickup:         viper.GetBool("pickup"),
				stripMarginals: viper.GetBool("strip-marginals"),
				debug:          viper.GetBool("debug"),
				logFormat:      viper.GetString("log-format"),
				quiet:          viper.GetBool("quiet"),
			})
		},
	}

	cmd.Flags().BoolVar(&run, "run", false, "run the pending tasks (default is a dry listing)")
	cmd.Flags().StringArrayVar(&tasks, "task", nil, "only run the task at this path (repeatable)")
	cmd.Flags().StringArrayVar(&taskDirs, "task-dir", nil, "only run tasks under this directory (repeatable)")
	cmd.Flags().BoolVar(&pickup, "pickup", true, "pick up from the most recent valid ancestor instead of recomputing from scratch")
	cmd.Flags().BoolVar(&stripMarginals, "strip-marginals", true, "drop marginal stage outputs from the stored data after a task completes")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug-level logging")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "log format: text (default) or json")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "suppress status output")

	cmd.AddCommand(versionCmd())
	return cmd
}

// bindRunFlags binds every flag of the root command to viper, the same
// pattern as the bindCommonFlags/viper.BindPFlag calls scattered across
// cmd/config.go, cmd/scheduler.go and cmd/start_all.go. Binding lets a
// value set via REPYPE_<FLAG> (e.g. REPYPE_LOG_FORMAT=json) or a config
// file named by REPYPE_CONFIG override a flag's default without the caller having to pass
// it explicitly, while an explicit flag on the command line still wins.
func bindRunFlags(cmd *cobra.Command) error {
	viper.SetEnvPrefix("repype")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if configFile := os.Getenv("REPYPE_CONFIG"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("repype: reading config file %s: %w", configFile, err)
		}
	}

	for _, name := range []string{"run", "task", "task-dir", "pickup", "strip-marginals", "debug", "log-format", "quiet"} {
		if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("repype: binding flag %s: %w", name, err)
		}
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the binary version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

type batchOptions struct {
	path           string
	run            bool
	tasks          []string
	taskDirs       []string
	pickup         bool
	stripMarginals bool
	debug          bool
	logFormat      string
	quiet          bool
}

func runBatch(ctx context.Context, opts batchOptions) error {
	var logOpts []logger.Option
	if opts.debug {
		logOpts = append(logOpts, logger.WithDebug())
	}
	if opts.logFormat != "" {
		logOpts = append(logOpts, logger.WithFormat(opts.logFormat))
	}
	if opts.quiet {
		logOpts = append(logOpts, logger.WithQuiet())
	}
	log := logger.NewLogger(logOpts...)

	root, err := filepath.Abs(opts.path)
	if err != nil {
		return fmt.Errorf("repype: resolving %s: %w", opts.path, err)
	}

	registry := buildRegistry()
	b := batch.New(registry)
	if err := b.Load(root); err != nil {
		return err
	}

	pending, err := b.Pending()
	if err != nil {
		return err
	}
	contexts := filterContexts(pending, opts.tasks, opts.taskDirs)

	statusDir, err := os.MkdirTemp("", "repype-status-*")
	if err != nil {
		return fmt.Errorf("repype: creating status directory: %w", err)
	}
	defer os.RemoveAll(statusDir)
	st := status.New(statusDir)

	stop := make(chan struct{})
	go printStatus(st, stop, log)
	defer close(stop)

	selected := make([]string, len(contexts))
	for i, rc := range contexts {
		selected[i] = rc.Task.Path
	}
	printBatchTable(selected, opts.run)

	if !opts.run {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go listenForInterrupt(cancel, log)

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("repype: locating own executable: %w", err)
	}

	ok, err := b.Run(ctx, contexts, st, binary, opts.pickup, opts.stripMarginals)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("repype: batch run did not complete successfully")
	}
	return nil
}

// filterContexts narrows pending down to the tasks named in tasks (exact
// path match) or nested under one of taskDirs, mirroring
// repype.cli.main's "tasks or task_dirs" filter. With neither set, every
// pending context runs.
func filterContexts(pending []*batch.RunContext, tasks, taskDirs []string) []*batch.RunContext {
	if len(tasks) == 0 && len(taskDirs) == 0 {
		return pending
	}

	wantTasks := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		abs, err := filepath.Abs(t)
		if err != nil {
			continue
		}
		wantTasks[filepath.Clean(abs)] = struct{}{}
	}
	wantDirs := make([]string, 0, len(taskDirs))
	for _, d := range taskDirs {
		abs, err := filepath.Abs(d)
		if err != nil {
			continue
		}
		wantDirs = append(wantDirs, filepath.Clean(abs))
	}

	var out []*batch.RunContext
	for _, rc := range pending {
		taskPath := filepath.Clean(rc.Task.Path)
		if _, ok := wantTasks[taskPath]; ok {
			out = append(out, rc)
			continue
		}
		for _, dir := range wantDirs {
			if isUnder(taskPath, dir) {
				out = append(out, rc)
				break
			}
		}
	}
	return out
}

func isUnder(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

func printBatchTable(selected []string, run bool) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"#", "task"})
	for i, path := range selected {
		t.AppendRow(table.Row{i + 1, path})
	}
	t.Render()

	fmt.Printf("%d task(s) selected for running\n", len(selected))
	if !run {
		fmt.Println(`DRY RUN: use "--run" to run the tasks instead`)
	}
}

// printStatus subscribes to st's JSON file and prints a short human-readable
// line per status update, the Go analogue of repype.cli's
// StatusReaderConsoleAdapter.
func printStatus(st *status.Status, stop <-chan struct{}, log logger.Logger) {
	reader, err := status.NewReader(st.FilePath(), func(positions []int, value any, intermediate bool) {
		line := formatStatusLine(value)
		if line == "" {
			return
		}
		if intermediate {
			fmt.Printf("\r%s", line)
		} else {
			fmt.Println(line)
		}
	})
	if err != nil {
		log.Errorf("status reader: %v", err)
		return
	}
	if err := reader.Watch(stop); err != nil {
		log.Errorf("status watch: %v", err)
	}
}

func formatStatusLine(value any) string {
	m, ok := value.(map[string]any)
	if !ok {
		b, _ := json.Marshal(value)
		return string(b)
	}
	switch m["info"] {
	case "enter":
		return fmt.Sprintf("(%v/%v) Entering task: %v", toInt(m["step"])+1, m["step_count"], m["task"])
	case "start":
		if pickup, _ := m["pickup"].(string); pickup != "" {
			return fmt.Sprintf("Picking up from: %s (%v)", pickup, firstStageOrCopy(m["first_stage"]))
		}
		return "Starting from scratch"
	case "start-stage":
		return fmt.Sprintf("Running stage: %v", m["stage"])
	case "storing":
		return "Storing results..."
	case "completed":
		return "Results have been stored"
	case "error":
		if stage, ok := m["stage"].(string); ok && stage != "" {
			return fmt.Sprintf("An error occurred while processing the stage %q of the task %v:\n%v", stage, m["task"], m["traceback"])
		}
		return fmt.Sprintf("An error occurred while processing the task %v:\n%v", m["task"], m["traceback"])
	case "interrupted":
		return "Batch run interrupted"
	case "progress":
		step, _ := m["step"].(float64)
		maxSteps, _ := m["max_steps"].(float64)
		if maxSteps == 0 {
			return ""
		}
		return fmt.Sprintf("%.1f%% (%d / %d)", 100*step/maxSteps, int(step), int(maxSteps))
	default:
		return ""
	}
}

func firstStageOrCopy(v any) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return "copy"
}

func toInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}

func listenForInterrupt(cancel context.CancelFunc, log logger.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	select {
	case sig := <-sigs:
		log.Infof("received signal: %v", sig)
		cancel()
	}
}

// buildRegistry registers the stage and pipeline constructors a batch run
// can reference by name from a task.yml's "pipeline" field. A real
// deployment of this engine adds its own domain stages here (Go has no
// importlib-style dynamic module loading, so this compile-time registry
// is the analogue of repype.task.load_from_module).
func buildRegistry() *spec.Registry {
	r := spec.NewRegistry()
	r.RegisterStage("copy", func() stage.Stage {
		return newCopyStage()
	})
	return r
}

// copyStage passes its "input" field through to "output" unchanged. It
// exists so an empty task tree still has at least one runnable stage to
// register, serving as a template for real stages.
type copyStage struct {
	stage.Base
}

func newCopyStage() *copyStage {
	s := &copyStage{}
	s.Base = stage.NewBase("copy", "copyStage", []string{"input"}, []string{"output"}, nil, true)
	return s
}

func (s *copyStage) Process(p stage.PipelineView, cfg *config.Config, st *status.Status, inputs stage.Data) (stage.Data, error) {
	return stage.Data{"output": inputs["input"]}, nil
}
