// Package status implements the hierarchical, file-backed progress
// reporting substrate used by pipelines, tasks and the batch runner. It is
// a Go port of repype.status.Status/Cursor/StatusReader.
package status

import (
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Status is a node in a tree of progress reports. Each node owns a JSON
// file under its root's directory, named after its UUID. Nested status
// objects ("derived" children) are linked into their parent's data via an
// {"expand": path} reference, so a reader only needs to watch the root's
// directory for updates to the whole tree.
type Status struct {
	mu     sync.Mutex
	id     uuid.UUID
	path   string // only set on the root node
	parent *Status
	data   []any
	interm *Status
}

// New creates a root Status object that writes its files into dir.
func New(dir string) *Status {
	return &Status{
		id:   uuid.New(),
		path: dir,
		data: make([]any, 0),
	}
}

// ID is the UUID identifying this node's status file.
func (s *Status) ID() string { return s.id.String() }

// RootPath is the directory this node's tree root writes its files into.
func (s *Status) RootPath() string { return s.Root().path }

// Attach reconstructs a handle onto an existing node's status file,
// identified by rootDir and id, for a separate process to continue
// writing into a node a parent process already created via Derive. This
// is the cross-process analogue of holding a live *Status reference: Go
// has no pickling to ship the in-memory tree across a fork boundary, so
// a child process recreates just enough of the node to keep appending to
// the same JSON file.
func Attach(rootDir, id string) (*Status, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("status: invalid status id %q: %w", id, err)
	}
	s := &Status{id: parsed, path: rootDir, data: make([]any, 0)}
	if b, err := os.ReadFile(s.FilePath()); err == nil {
		if err := json.Unmarshal(b, &s.data); err != nil {
			return nil, fmt.Errorf("status: parsing %s: %w", s.FilePath(), err)
		}
	}
	return s, nil
}

// Root returns the root ancestor of s (itself, if s has no parent).
func (s *Status) Root() *Status {
	if s.parent != nil {
		return s.parent.Root()
	}
	return s
}

// FilePath is the JSON file this status node writes its data to.
func (s *Status) FilePath() string {
	return filepath.Join(s.Root().path, s.id.String()+".json")
}

func (s *Status) flushLocked() error {
	data := s.data
	if s.interm != nil {
		data = append(append([]any(nil), s.data...), map[string]any{
			"expand":       s.interm.FilePath(),
			"content_type": "intermediate",
		})
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("status: marshaling %s: %w", s.FilePath(), err)
	}
	if err := os.MkdirAll(filepath.Dir(s.FilePath()), 0o755); err != nil {
		return fmt.Errorf("status: creating status dir: %w", err)
	}
	return os.WriteFile(s.FilePath(), b, 0o644)
}

// Derive creates a child status nested within s and links it in.
func (s *Status) Derive() *Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearIntermediateLocked()
	child := &Status{id: uuid.New(), parent: s, data: make([]any, 0)}
	s.data = append(s.data, map[string]any{"expand": child.FilePath()})
	_ = child.flushLocked()
	_ = s.flushLocked()
	return child
}

// Write appends a permanent status update, clearing any pending
// intermediate update.
func (s *Status) Write(value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interm = nil
	s.data = append(s.data, value)
	return s.flushLocked()
}

func (s *Status) clearIntermediateLocked() {
	s.interm = nil
	_ = s.flushLocked()
}

// Intermediate writes a replaceable status update, overwritten by the
// next Write or Intermediate call. Passing nil clears any pending
// intermediate update without writing a new one.
func (s *Status) Intermediate(value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		s.interm = nil
		return s.flushLocked()
	}
	updateRequired := s.interm == nil
	if s.interm == nil {
		s.interm = &Status{id: uuid.New(), parent: s, data: make([]any, 0)}
	}
	s.interm.data = s.interm.data[:0]
	if err := s.interm.Write(value); err != nil {
		return err
	}
	if updateRequired {
		return s.flushLocked()
	}
	return nil
}

// progressStep is the structured payload written for each Progress tick.
type progressStep struct {
	Info     string `json:"info"`
	Details  any    `json:"details,omitempty"`
	Progress float64 `json:"progress"`
	Step     int    `json:"step"`
	MaxSteps int    `json:"max_steps"`
}

// Progress iterates over items, writing an intermediate progress update
// before each one and clearing it once iteration stops (including early
// break or panic unwinding via the caller's defer).
func Progress[T any](s *Status, items []T, details any) iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		if s == nil {
			for i, item := range items {
				if !yield(i, item) {
					return
				}
			}
			return
		}
		defer s.Intermediate(nil)
		maxSteps := len(items)
		for i, item := range items {
			_ = s.Intermediate(progressStep{
				Info:     "progress",
				Details:  details,
				Progress: float64(i) / float64(maxSteps),
				Step:     i,
				MaxSteps: maxSteps,
			})
			if !yield(i, item) {
				return
			}
		}
	}
}

// Update is a nil-safe shortcut for Status.Write, mirroring
// repype.status.update with intermediate=false.
func Update(s *Status, value any) error {
	if s == nil {
		return nil
	}
	return s.Write(value)
}

// UpdateIntermediate is a nil-safe shortcut for Status.Intermediate.
func UpdateIntermediate(s *Status, value any) error {
	if s == nil {
		return nil
	}
	return s.Intermediate(value)
}

// Derive is a nil-safe shortcut for Status.Derive; it returns nil if s is
// nil.
func Derive(s *Status) *Status {
	if s == nil {
		return nil
	}
	return s.Derive()
}
