// Package config implements the nested hyperparameter dictionary used to
// configure pipeline stages. It is a Go port of repype.config.Config.
package config

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Config is a nested key-value hyperparameter namespace. Keys passed to
// Get/Set/Pop/Update may be slash-delimited paths that address nested
// sub-dictionaries (e.g. "stage-id/threshold").
type Config struct {
	entries map[string]any
}

// New creates an empty Config, or one seeded from an existing nested map.
// The map is not copied: the Config reads and writes it in place, and
// nested maps are wrapped lazily as they are accessed.
func New(entries map[string]any) *Config {
	if entries == nil {
		entries = make(map[string]any)
	}
	return &Config{entries: entries}
}

// FromConfig copies another Config's entries (a deep copy: nested maps,
// slices and Config values are copied recursively, other values as they
// are, matching the value semantics relied on throughout the pipeline
// engine).
func FromConfig(other *Config) *Config {
	if other == nil {
		return New(nil)
	}
	return New(deepCopyMap(other.entries))
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case *Config:
		return FromConfig(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

func splitKey(key string) []string {
	if key == "" {
		return nil
	}
	return strings.Split(key, "/")
}

// subMap returns the nested map.string.any that the (possibly
// slash-delimited) key's parent path addresses, creating intermediate
// levels as needed when create is true. It returns the final map plus the
// leaf key name within it.
func (c *Config) subMap(keys []string, create bool) (map[string]any, string, bool) {
	m := c.entries
	for _, k := range keys[:len(keys)-1] {
		next, ok := m[k]
		if !ok {
			if !create {
				return nil, "", false
			}
			nm := make(map[string]any)
			m[k] = nm
			m = nm
			continue
		}
		nm, ok := next.(map[string]any)
		if !ok {
			if cfg, ok2 := next.(*Config); ok2 {
				nm = cfg.entries
			} else {
				return nil, "", false
			}
		}
		m = nm
	}
	return m, keys[len(keys)-1], true
}

// Contains reports whether key is present.
func (c *Config) Contains(key string) bool {
	keys := splitKey(key)
	if len(keys) == 0 {
		return false
	}
	m, leaf, ok := c.subMap(keys, false)
	if !ok {
		return false
	}
	_, present := m[leaf]
	return present
}

// Get retrieves the value at key. If the key is missing, default is
// written into the config (a "mild writer", matching repype.config.Config.get)
// and then returned; a nil defaultValue is written the same way. Missing
// intermediate levels of a slash-delimited key are created as well.
func (c *Config) Get(key string, defaultValue any) any {
	keys := splitKey(key)
	if len(keys) == 0 {
		return defaultValue
	}
	m, leaf, _ := c.subMap(keys, true)
	if v, ok := m[leaf]; ok {
		return v
	}
	m[leaf] = defaultValue
	return defaultValue
}

// GetConfig retrieves a nested Config view at key, creating it via Get's
// mild-writer semantics if missing.
func (c *Config) GetConfig(key string) *Config {
	v := c.Get(key, map[string]any{})
	if m, ok := v.(map[string]any); ok {
		return New(m)
	}
	if cfg, ok := v.(*Config); ok {
		return cfg
	}
	return New(nil)
}

// SetDefault sets key to value if it is not already present, or (when
// overrideNone is true) if the value currently stored at key is nil,
// matching repype.config.Config.set_default's override_none parameter. It
// returns the new or unmodified value stored at key.
func (c *Config) SetDefault(key string, value any, overrideNone bool) any {
	keys := splitKey(key)
	if len(keys) == 0 {
		return value
	}
	m, leaf, _ := c.subMap(keys, true)
	current, present := m[leaf]
	if !present || (overrideNone && current == nil) {
		m[leaf] = value
		return value
	}
	return current
}

// Set unconditionally assigns value at key, creating intermediate levels.
func (c *Config) Set(key string, value any) {
	keys := splitKey(key)
	if len(keys) == 0 {
		return
	}
	m, leaf, _ := c.subMap(keys, true)
	m[leaf] = value
}

// Pop removes and returns the value at key, or defaultValue if absent.
func (c *Config) Pop(key string, defaultValue any) any {
	keys := splitKey(key)
	if len(keys) == 0 {
		return defaultValue
	}
	m, leaf, ok := c.subMap(keys, false)
	if !ok {
		return defaultValue
	}
	v, present := m[leaf]
	if !present {
		return defaultValue
	}
	delete(m, leaf)
	return v
}

// Update applies fn to the current value at key (read via Get's
// mild-writer semantics with defaultValue) and writes the result back.
func (c *Config) Update(key string, defaultValue any, fn func(any) any) {
	current := c.Get(key, defaultValue)
	c.Set(key, fn(current))
}

// Merge recursively merges other into c, with other's values winning on
// conflict, mirroring repype.config.Config.merge: non-dict values are
// overwritten directly, dict values are merged key-by-key via recursive
// Merge calls (which themselves use the mild-writer Get semantics on the
// receiver).
func (c *Config) Merge(other *Config) *Config {
	if other == nil {
		return c
	}
	for key, val := range other.entries {
		if sub, ok := val.(map[string]any); ok {
			c.GetConfig(key).Merge(New(sub)).writeBackInto(c, key)
			continue
		}
		if subCfg, ok := val.(*Config); ok {
			c.GetConfig(key).Merge(subCfg).writeBackInto(c, key)
			continue
		}
		c.Set(key, val)
	}
	return c
}

func (c *Config) writeBackInto(parent *Config, key string) {
	parent.Set(key, c.entries)
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	return FromConfig(c)
}

// Entries exposes the underlying nested map (read-only use expected by
// convention; callers that need to mutate should go through Set/Merge).
func (c *Config) Entries() map[string]any {
	return c.entries
}

// Equal reports whether two configs hold identical entries, compared via
// their canonical JSON form.
func (c *Config) Equal(other *Config) bool {
	if other == nil {
		return false
	}
	a, errA := canonicalJSON(c.entries)
	b, errB := canonicalJSON(other.entries)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}

// String renders the config as canonical (sorted-key) JSON.
func (c *Config) String() string {
	b, err := canonicalJSON(c.entries)
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(b)
}

// canonicalJSON marshals v using encoding/json, which sorts map[string]any
// keys on every level. This is used deliberately so that Sha() is a pure
// function of entries, independent of insertion order — see DESIGN.md's
// Open Question resolution #2 (the upstream Python implementation relies
// on json.dumps preserving dict insertion order, which this port does not
// replicate on purpose).
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Sha returns the SHA-1 hash of the config's canonical JSON
// representation, stable regardless of the order entries were inserted
// in.
func (c *Config) Sha() (string, error) {
	b, err := canonicalJSON(c.entries)
	if err != nil {
		return "", fmt.Errorf("config: computing sha: %w", err)
	}
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:]), nil
}
