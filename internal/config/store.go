package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrEmptyKey = errors.New("config key must not be empty")

// Store holds the runtime configuration as flattened dotted paths.
// Updates from the platform are merged key by key, later writes win.
type Store struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

func NewStore(doc map[string]interface{}) *Store {
	s := &Store{values: make(map[string]interface{})}
	flatten("", doc, s.values)
	return s
}

// Get returns the value at keyPath, or def when the path is absent.
func (s *Store) Get(keyPath string, def interface{}) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.values[keyPath]; ok {
		return v
	}

	// a nested section is returned as a map
	prefix := keyPath + "."
	section := make(map[string]interface{})
	for k, v := range s.values {
		if strings.HasPrefix(k, prefix) {
			section[strings.TrimPrefix(k, prefix)] = v
		}
	}
	if len(section) > 0 {
		return section
	}
	return def
}

func (s *Store) GetString(keyPath, def string) string {
	switch v := s.Get(keyPath, nil).(type) {
	case string:
		return v
	case nil:
		return def
	default:
		return fmt.Sprint(v)
	}
}

func (s *Store) GetFloat(keyPath string, def float64) float64 {
	if f, ok := toFloat(s.Get(keyPath, nil)); ok {
		return f
	}
	return def
}

func (s *Store) GetInt(keyPath string, def int) int {
	if f, ok := toFloat(s.Get(keyPath, nil)); ok {
		return int(f)
	}
	return def
}

func (s *Store) GetBool(keyPath string, def bool) bool {
	switch v := s.Get(keyPath, nil).(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// GetDuration reads a number of seconds or a Go duration string.
func (s *Store) GetDuration(keyPath string, def time.Duration) time.Duration {
	v := s.Get(keyPath, nil)
	if str, ok := v.(string); ok {
		if d, err := time.ParseDuration(str); err == nil {
			return d
		}
	}
	if f, ok := toFloat(v); ok {
		return time.Duration(f * float64(time.Second))
	}
	return def
}

// Apply deep-merges a partial document. Keys may be nested maps or dotted paths.
func (s *Store) Apply(partial map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Merge(s.values, partial)
}

// Merge flattens partial and writes it into dst, a map of dotted paths. A
// scalar replaces any section stored under its path and a section replaces a
// scalar stored at one of its parents. Nothing is written if a key is empty.
func Merge(dst, partial map[string]interface{}) error {
	flat := make(map[string]interface{})
	flatten("", partial, flat)
	for k := range flat {
		if k == "" || strings.HasPrefix(k, ".") || strings.HasSuffix(k, ".") || strings.Contains(k, "..") {
			return fmt.Errorf("%w: %q", ErrEmptyKey, k)
		}
	}

	for k, v := range flat {
		prefix := k + "."
		for existing := range dst {
			if strings.HasPrefix(existing, prefix) {
				delete(dst, existing)
			}
		}
		for parent := parentOf(k); parent != ""; parent = parentOf(parent) {
			delete(dst, parent)
		}
		dst[k] = v
	}
	return nil
}

// Snapshot returns a copy of the flattened values.
func (s *Store) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func parentOf(key string) string {
	i := strings.LastIndex(key, ".")
	if i < 0 {
		return ""
	}
	return key[:i]
}

func flatten(prefix string, in map[string]interface{}, out map[string]interface{}) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok && len(nested) > 0 {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
