// Package bigmap provides typed, persistent maps layered over the backing
// store. Each map keeps decoded values in memory and writes dirty entries
// back on Sync; the checkpoint coordinator syncs every open map before it
// checkpoints the store.
package bigmap

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/crawlctl/internal/store"
)

const keyPrefix = "bm/"

// State is the part of a map that is saved in a checkpoint snapshot and
// checked on recovery.
type State struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

type syncer interface {
	Sync() error
	State() State
	restore(State) error
}

// Registry tracks the maps opened over one store.
type Registry struct {
	st        *store.Store
	maxCached int

	mu       sync.Mutex
	maps     map[string]syncer
	restored map[string]State
}

// NewRegistry returns a registry over st. maxCached bounds the clean
// entries each map keeps decoded; zero means unbounded.
func NewRegistry(st *store.Store, maxCached int) *Registry {
	return &Registry{
		st:        st,
		maxCached: maxCached,
		maps:      make(map[string]syncer),
		restored:  make(map[string]State),
	}
}

// Open returns the map called name, creating its wrapper on first use.
func Open[V any](r *Registry, name string) (*Map[V], error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("bigmap: invalid name %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.maps[name]; ok {
		m, ok := existing.(*Map[V])
		if !ok {
			return nil, fmt.Errorf("bigmap: %q already open with another value type", name)
		}
		return m, nil
	}
	m := &Map[V]{
		name:      name,
		prefix:    keyPrefix + name + "/",
		st:        r.st,
		maxCached: r.maxCached,
		cache:     make(map[string]V),
		dirty:     make(map[string]bool),
	}
	if st, ok := r.restored[name]; ok {
		if err := m.restore(st); err != nil {
			return nil, err
		}
	} else if err := m.recount(); err != nil {
		return nil, err
	}
	r.maps[name] = m
	return m, nil
}

// SyncAll writes every map's dirty entries to the store.
func (r *Registry) SyncAll() error {
	r.mu.Lock()
	maps := make([]syncer, 0, len(r.maps))
	for _, m := range r.maps {
		maps = append(maps, m)
	}
	r.mu.Unlock()
	for _, m := range maps {
		if err := m.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// States returns the wrapper state of every open map, ordered by name.
func (r *Registry) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.maps))
	for _, m := range r.maps {
		out = append(out, m.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Restore records wrapper states from a snapshot. Maps opened afterwards
// verify their recovered contents against them.
func (r *Registry) Restore(states []State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range states {
		if m, ok := r.maps[st.Name]; ok {
			if err := m.restore(st); err != nil {
				return err
			}
			continue
		}
		r.restored[st.Name] = st
	}
	return nil
}

// Map is a typed persistent map. Values are JSON encoded in the store.
type Map[V any] struct {
	name      string
	prefix    string
	st        *store.Store
	maxCached int

	mu    sync.Mutex
	cache map[string]V
	// dirty maps key to true for pending writes, false for pending deletes.
	dirty map[string]bool
	count int64
}

// Name returns the map's name.
func (m *Map[V]) Name() string { return m.name }

// Get returns the value for key.
func (m *Map[V]) Get(key string) (V, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key)
}

func (m *Map[V]) getLocked(key string) (V, bool, error) {
	var zero V
	if v, ok := m.cache[key]; ok {
		return v, true, nil
	}
	if write, pending := m.dirty[key]; pending && !write {
		return zero, false, nil
	}
	raw, ok, err := m.st.Get(m.prefix + key)
	if err != nil || !ok {
		return zero, false, err
	}
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("bigmap %s: decode %q: %w", m.name, key, err)
	}
	m.cache[key] = v
	m.evictLocked()
	return v, true, nil
}

// Put sets key to v. The write reaches the store on the next Sync.
func (m *Map[V]) Put(key string, v V) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists, err := m.getLocked(key)
	if err != nil {
		return err
	}
	if !exists {
		m.count++
	}
	m.cache[key] = v
	m.dirty[key] = true
	return nil
}

// PutIfAbsent stores v unless key exists and reports whether it stored.
func (m *Map[V]) PutIfAbsent(key string, v V) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists, err := m.getLocked(key)
	if err != nil || exists {
		return false, err
	}
	m.count++
	m.cache[key] = v
	m.dirty[key] = true
	return true, nil
}

// Delete removes key.
func (m *Map[V]) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists, err := m.getLocked(key)
	if err != nil || !exists {
		return err
	}
	m.count--
	delete(m.cache, key)
	m.dirty[key] = false
	return nil
}

// Len returns the number of keys.
func (m *Map[V]) Len() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Sync writes pending puts and deletes to the store.
func (m *Map[V]) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.dirty))
	for k := range m.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !m.dirty[k] {
			if err := m.st.Delete(m.prefix + k); err != nil {
				return fmt.Errorf("bigmap %s: delete %q: %w", m.name, k, err)
			}
			delete(m.dirty, k)
			continue
		}
		raw, err := json.Marshal(m.cache[k])
		if err != nil {
			return fmt.Errorf("bigmap %s: encode %q: %w", m.name, k, err)
		}
		if err := m.st.Put(m.prefix+k, raw); err != nil {
			return fmt.Errorf("bigmap %s: put %q: %w", m.name, k, err)
		}
		delete(m.dirty, k)
	}
	m.evictLocked()
	return nil
}

// Dirty returns the number of entries not yet synced.
func (m *Map[V]) Dirty() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dirty)
}

// State implements the registry's snapshot hook.
func (m *Map[V]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{Name: m.name, Count: m.count}
}

func (m *Map[V]) restore(st State) error {
	if err := m.recount(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count != st.Count {
		return fmt.Errorf("bigmap %s: recovered %d entries, snapshot recorded %d", m.name, m.count, st.Count)
	}
	return nil
}

func (m *Map[V]) recount() error {
	var n int64
	if err := m.st.Range(m.prefix, func(string, []byte) bool {
		n++
		return true
	}); err != nil {
		return fmt.Errorf("bigmap %s: count: %w", m.name, err)
	}
	m.mu.Lock()
	m.count = n
	m.mu.Unlock()
	return nil
}

// evictLocked drops clean entries once the cache is over its bound.
func (m *Map[V]) evictLocked() {
	if m.maxCached <= 0 || len(m.cache) <= m.maxCached {
		return
	}
	for k := range m.cache {
		if len(m.cache) <= m.maxCached {
			return
		}
		if _, pending := m.dirty[k]; !pending {
			delete(m.cache, k)
		}
	}
}
