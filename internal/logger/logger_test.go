package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesToProvidedWriter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithWriter(&buf))

	l.Info("hello", "key", "value")

	out := buf.String()
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "key=value")
}

func TestLoggerDebugSuppressedWithoutWithDebug(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithWriter(&buf))

	l.Debug("should not appear")

	assert.Empty(t, buf.String())
}

func TestLoggerDebugVisibleWithWithDebug(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithWriter(&buf), WithDebug())

	l.Debug("should appear")

	assert.Contains(t, buf.String(), "should appear")
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithWriter(&buf), WithFormat("json"))

	l.Info("structured")

	out := buf.String()
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "{"))
	assert.Contains(t, out, `"msg":"structured"`)
}

func TestLoggerQuietSuppressesBaseSink(t *testing.T) {
	var buf bytes.Buffer
	var fileBuf bytes.Buffer
	l := NewLogger(WithWriter(&buf), WithQuiet(), WithLogWriter(&fileBuf))

	l.Info("only to file")

	assert.Empty(t, buf.String())
	assert.Contains(t, fileBuf.String(), "only to file")
}

func TestLoggerTeesToBaseAndLogFile(t *testing.T) {
	var buf bytes.Buffer
	var fileBuf bytes.Buffer
	l := NewLogger(WithWriter(&buf), WithLogWriter(&fileBuf))

	l.Info("both sinks")

	assert.Contains(t, buf.String(), "both sinks")
	assert.Contains(t, fileBuf.String(), "both sinks")
}

func TestLoggerWithAttachesArgsToEveryRecord(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithWriter(&buf)).With("task_path", "/tmp/task")

	l.Info("running")

	assert.Contains(t, buf.String(), "task_path=/tmp/task")
}

func TestLoggerFormattedVariants(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithWriter(&buf))

	l.Infof("count=%d", 3)

	assert.Contains(t, buf.String(), "count=3")
}

func TestPrepareLogDirectoryUsesTaskLogDirOverLogDir(t *testing.T) {
	dir := t.TempDir()
	cfg := LogFileConfig{LogDir: "/should-not-be-used", TaskLogDir: dir, TaskName: "sample-task"}

	logDir, err := prepareLogDirectory(cfg)
	require.NoError(t, err)
	assert.Equal(t, dir+"/sample-task", logDir)
}

func TestGenerateLogFilenameSanitizesTaskName(t *testing.T) {
	cfg := LogFileConfig{TaskName: "a/weird:name", RequestID: "0123456789abcdef", Prefix: "run."}

	name := generateLogFilename(cfg)

	assert.True(t, strings.HasPrefix(name, "run.a_weird_name."))
	assert.True(t, strings.HasSuffix(name, ".01234567.log"))
}

func TestOpenLogFileRejectsEmptyTaskName(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenLogFile(LogFileConfig{LogDir: dir})
	assert.Error(t, err)
}

func TestOpenLogFileCreatesRotatingWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenLogFile(LogFileConfig{LogDir: dir, TaskName: "nested/task", RequestID: "req-id"})
	require.NoError(t, err)
	require.NotNil(t, w)

	n, err := w.Write([]byte("line\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestSafeNameHandlesEmptyInput(t *testing.T) {
	assert.Equal(t, "_", safeName("   "))
}

func TestTruncStringShorterThanLimit(t *testing.T) {
	assert.Equal(t, "abc", truncString("abc", 8))
}
