// Package store provides durable key/value namespaces and the two records
// built on them: the last-connected scale and the service tunables.
package store

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Namespace is a flat key/value record persisted as a unit.
type Namespace interface {
	Name() string
	Has(key string) bool
	String(key, def string) string
	Int64(key string, def int64) int64
	Float64(key string, def float64) float64
	Bool(key string, def bool) bool
	Set(values map[string]any) error
	Remove(keys ...string) error
	Clear() error
}

// Prefs is a Namespace stored as one YAML file per namespace. An empty
// directory keeps the namespace in memory only.
type Prefs struct {
	name string
	path string

	mu     sync.RWMutex
	values map[string]any
}

// OpenPrefs loads (or creates) the namespace name under dir.
func OpenPrefs(dir, name string) (*Prefs, error) {
	p := &Prefs{name: name, values: make(map[string]any)}
	if dir == "" {
		return p, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", dir, err)
	}
	p.path = filepath.Join(dir, name+".yaml")

	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", p.path, err)
	}
	if err := yaml.Unmarshal(data, &p.values); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", p.path, err)
	}
	if p.values == nil {
		p.values = make(map[string]any)
	}
	return p, nil
}

// NewMemoryPrefs returns a namespace that is never written to disk.
func NewMemoryPrefs(name string) *Prefs {
	p, _ := OpenPrefs("", name)
	return p
}

func (p *Prefs) Name() string { return p.name }

func (p *Prefs) Has(key string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.values[key]
	return ok
}

func (p *Prefs) String(key, def string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.values[key].(string); ok {
		return s
	}
	return def
}

func (p *Prefs) Int64(key string, def int64) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch v := p.values[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case uint64:
		if v > math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(v)
	case float64:
		return int64(v)
	}
	return def
}

func (p *Prefs) Float64(key string, def float64) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch v := p.values[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func (p *Prefs) Bool(key string, def bool) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if b, ok := p.values[key].(bool); ok {
		return b
	}
	return def
}

// Set merges values into the namespace and persists it.
func (p *Prefs) Set(values map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range values {
		p.values[k] = v
	}
	return p.flushLocked()
}

// Remove deletes keys and persists the namespace.
func (p *Prefs) Remove(keys ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		delete(p.values, k)
	}
	return p.flushLocked()
}

// Clear empties the namespace.
func (p *Prefs) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = make(map[string]any)
	return p.flushLocked()
}

// flushLocked writes the namespace via a temp file and rename (caller must hold mu).
func (p *Prefs) flushLocked() error {
	if p.path == "" {
		return nil
	}
	data, err := yaml.Marshal(p.values)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", p.name, err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("store: replace %s: %w", p.path, err)
	}
	return nil
}

var _ Namespace = (*Prefs)(nil)
