package status

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Handler receives new status updates discovered by a Reader. positions
// identifies the element's place in the nested tree (root-relative list
// indices); value is nil when intermediate is true and the intermediate
// status has just been cleared.
type Handler func(positions []int, value any, intermediate bool)

type pendingIntermediate struct {
	positions []int
	element   any
}

// Reader watches a root Status's JSON file (and, transitively, the files
// of any nested/derived status objects it references) and reports new
// status updates to a Handler in document order, exactly once each. It is
// the Go analogue of repype.status.StatusReader, built on fsnotify instead
// of watchdog.
type Reader struct {
	mu         sync.Mutex
	rootPath   string
	dataFrames map[string]*frame
	fileHashes map[string]string
	cursor     *Cursor
	pending    *pendingIntermediate
	handler    Handler

	watcher *fsnotify.Watcher
}

// NewReader opens filePath (a Status.FilePath()) and performs an initial
// read, reporting any status already present via handler.
func NewReader(filePath string, handler Handler) (*Reader, error) {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("status: resolving %s: %w", filePath, err)
	}
	root := make(frame, 0)
	r := &Reader{
		rootPath:   abs,
		dataFrames: map[string]*frame{abs: &root},
		fileHashes: map[string]string{},
		handler:    handler,
	}
	r.cursor = newCursor(&root)
	r.update(abs)
	r.checkNewStatus()
	return r, nil
}

// Watch starts an fsnotify watch on the root file's directory and
// processes updates until stop is closed or the watcher's event or error
// channel is closed. It blocks; call it in its own goroutine.
func (r *Reader) Watch(stop <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("status: creating watcher: %w", err)
	}
	defer w.Close()
	r.watcher = w
	if err := w.Add(filepath.Dir(r.rootPath)); err != nil {
		return fmt.Errorf("status: watching %s: %w", filepath.Dir(r.rootPath), err)
	}
	for {
		select {
		case <-stop:
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			r.mu.Lock()
			if r.update(abs) {
				r.checkNewStatus()
			}
			r.mu.Unlock()
		case _, ok := <-w.Errors:
			if !ok {
				return nil
			}
		}
	}
}

// update re-reads the status file at path into its corresponding frame,
// if the file's content hash has changed since last read, and links any
// newly discovered {"expand": ...} child references. It returns true if
// the frame's content was (or may have been) updated.
func (r *Reader) update(path string) bool {
	framePtr, ok := r.dataFrames[path]
	if !ok {
		return false
	}

	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if r.fileHashes[path] == sum {
		return false
	}
	r.fileHashes[path] = sum

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}
	var decoded []any
	if err := json.NewDecoder(f).Decode(&decoded); err != nil {
		// Revert to the previous content: a race or unfavorable buffer
		// size produced a partial read, matching repype.status's
		// JSONDecodeError recovery.
	} else {
		*framePtr = decoded
	}

	for i, item := range *framePtr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		expand, ok := m["expand"].(string)
		if !ok {
			continue
		}
		childPath, err := filepath.Abs(expand)
		if err != nil {
			continue
		}
		childFrame, exists := r.dataFrames[childPath]
		if !exists {
			cf := make(frame, 0)
			childFrame = &cf
			r.dataFrames[childPath] = childFrame
		}
		if ct, ok := m["content_type"]; ok {
			(*framePtr)[i] = map[string]any{"content_type": ct, "content": childFrame}
		} else {
			(*framePtr)[i] = childFrame
		}
		r.update(childPath)
	}
	return true
}

func (r *Reader) checkNewStatus() {
	newData := false
	for {
		next := r.cursor.findNextElement()
		if next == nil {
			break
		}
		elements, _ := next.getElements()
		last := elements[len(elements)-1]
		newData = true

		isInterm := next.intermediate()
		skip := isInterm && r.pending != nil && reflect.DeepEqual(r.pending.element, last)
		if !skip {
			r.unwrapNewStatus(append([]int(nil), next.path...), deepCopyAny(last))
		}

		if isInterm && !next.hasSubsequentNonIntermediate() {
			r.pending = &pendingIntermediate{positions: append([]int(nil), next.path...), element: deepCopyAny(last)}
			break
		}
		r.pending = nil
		r.cursor = next
	}

	if !newData && r.pending != nil {
		elem := r.pending.element
		if m, ok := elem.(map[string]any); ok {
			m["content"] = nil
		}
		r.unwrapNewStatus(r.pending.positions, elem)
		r.pending = nil
	}
}

func (r *Reader) unwrapNewStatus(positions []int, element any) {
	if m, ok := element.(map[string]any); ok {
		if ct, _ := m["content_type"].(string); ct == "intermediate" {
			if cf, ok := m["content"].(*frame); ok && cf != nil && len(*cf) > 0 {
				r.handler(positions, (*cf)[0], true)
			} else {
				r.handler(positions, nil, true)
			}
			return
		}
	}
	r.handler(positions, element, false)
}

func deepCopyAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = deepCopyAny(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = deepCopyAny(vv)
		}
		return out
	case *frame:
		if t == nil {
			return t
		}
		out := make(frame, len(*t))
		for i, vv := range *t {
			out[i] = deepCopyAny(vv)
		}
		return &out
	default:
		return v
	}
}
