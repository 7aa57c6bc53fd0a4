package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndDerive(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Write("hello"))

	child := s.Derive()
	require.NoError(t, child.Write("nested"))

	var events []string
	r, err := NewReader(s.FilePath(), func(positions []int, value any, intermediate bool) {
		if str, ok := value.(string); ok {
			events = append(events, str)
		}
	})
	require.NoError(t, err)
	_ = r

	assert.Contains(t, events, "hello")
}

func TestIntermediateClearedOnNil(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Intermediate(map[string]any{"info": "progress", "step": 1}))
	require.NoError(t, s.Intermediate(nil))
	assert.Nil(t, s.interm)
}

func TestProgressYieldsAllItems(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	items := []string{"a", "b", "c"}
	var seen []string
	for _, v := range Progress(s, items, "batch") {
		seen = append(seen, v)
	}
	assert.Equal(t, items, seen)
	assert.Nil(t, s.interm)
}

func TestNilStatusShortcutsAreNoops(t *testing.T) {
	require.NoError(t, Update(nil, "x"))
	require.NoError(t, UpdateIntermediate(nil, "x"))
	assert.Nil(t, Derive(nil))
	var seen int
	for range Progress[int](nil, []int{1, 2, 3}, nil) {
		seen++
	}
	assert.Equal(t, 3, seen)
}

func TestReaderWatchReceivesWriteAfterStart(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.Write("first"))

	events := make(chan string, 8)
	r, err := NewReader(s.FilePath(), func(positions []int, value any, intermediate bool) {
		if str, ok := value.(string); ok {
			events <- str
		}
	})
	require.NoError(t, err)

	stop := make(chan struct{})
	go func() { _ = r.Watch(stop) }()
	defer close(stop)

	time.Sleep(50 * time.Millisecond) // let the watcher attach
	require.NoError(t, s.Write("second"))

	select {
	case v := <-events:
		assert.Contains(t, []string{"first", "second"}, v)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status event")
	}
}
