package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileConfig describes where a task's (or batch run's) own log file
// lives, renamed from the teacher's DAG-oriented field names to this
// engine's task-tree domain.
type LogFileConfig struct {
	// Prefix is prepended to the generated filename.
	Prefix string
	// LogDir is the base directory used when TaskLogDir is empty.
	LogDir string
	// TaskLogDir, if set, overrides LogDir as the base directory.
	TaskLogDir string
	// TaskName identifies the task (or batch run) the log file belongs
	// to; it is sanitized into a filesystem-safe directory/file segment.
	TaskName string
	// RequestID distinguishes concurrent runs of the same task; only its
	// first 8 characters are used in the filename.
	RequestID string
	// MaxSizeMB rotates the file once it exceeds this size, via
	// lumberjack. Zero selects lumberjack's default limit of 100 MB.
	MaxSizeMB int
	// MaxBackups bounds how many rotated files lumberjack retains.
	MaxBackups int
}

// OpenLogFile creates (or reopens) the log file described by cfg, creating
// its parent directory as needed, and returns a writer that rotates the
// file once it exceeds cfg.MaxSizeMB (lumberjack's 100 MB default when
// zero).
func OpenLogFile(cfg LogFileConfig) (*lumberjack.Logger, error) {
	if err := validateSettings(cfg); err != nil {
		return nil, fmt.Errorf("logger: invalid log file settings: %w", err)
	}

	logDir, err := prepareLogDirectory(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: preparing log directory: %w", err)
	}

	filename := generateLogFilename(cfg)
	path := filepath.Join(logDir, filename)
	if _, err := openFile(path); err != nil {
		return nil, err
	}

	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}, nil
}

func validateSettings(cfg LogFileConfig) error {
	if cfg.TaskName == "" {
		return fmt.Errorf("TaskName cannot be empty")
	}
	if cfg.LogDir == "" && cfg.TaskLogDir == "" {
		return fmt.Errorf("either LogDir or TaskLogDir must be specified")
	}
	return nil
}

// prepareLogDirectory creates and returns the directory a task's log file
// is written into: <base>/<safe task name>.
func prepareLogDirectory(cfg LogFileConfig) (string, error) {
	baseDir := cfg.LogDir
	if cfg.TaskLogDir != "" {
		baseDir = cfg.TaskLogDir
	}

	logDir := filepath.Join(baseDir, safeName(cfg.TaskName))
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", logDir, err)
	}
	return logDir, nil
}

// generateLogFilename builds "<prefix><task>.<timestamp>.<request id>.log".
func generateLogFilename(cfg LogFileConfig) string {
	timestamp := time.Now().Format("20060102.15:04:05.000")
	return fmt.Sprintf("%s%s.%s.%s.log",
		cfg.Prefix,
		safeName(cfg.TaskName),
		timestamp,
		truncString(cfg.RequestID, 8),
	)
}

// openFile creates path (appending to it if it already exists) purely to
// surface permission/path errors eagerly, before handing the path to
// lumberjack, which otherwise only reports errors lazily on first Write.
func openFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}
	defer f.Close()
	return f, nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// safeName replaces characters that don't survive as a path segment on
// every target platform (path separators, colons, whitespace, ...) with
// "_", the Go analogue of the teacher's fileutil.SafeName (not present in
// the retrieved example pack, so reimplemented to the same contract:
// deterministic, collision-tolerant, filesystem-safe).
func safeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "_"
	}
	return unsafeFilenameChars.ReplaceAllString(name, "_")
}

// truncString truncates s to at most n runes, the Go analogue of the
// teacher's util.TruncString (also not present in the retrieved pack).
func truncString(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
