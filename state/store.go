// Package state keeps inspectable copies of component state.
//
// A component mutates its own state on the simulation goroutine and commits
// it to a Store. Readers on other goroutines, such as the monitor, only ever
// see committed deep copies, so they never race with the simulation.
package state

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/sarchlab/simlog/timing"
)

// Snapshot is a committed copy of a state value.
type Snapshot struct {
	Key     string            `json:"key"`
	Value   any               `json:"value"`
	Version uint64            `json:"version"`
	Time    timing.VTimeInSec `json:"time"`
}

// Store owns named state values and coordinates staged updates.
type Store struct {
	lock    sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	typ       reflect.Type
	committed any
	staged    any
	hasStaged bool
	version   uint64
	time      timing.VTimeInSec
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Register installs value under key. The value is deep copied, so later
// changes to the original do not leak into the store.
func (s *Store) Register(key string, value any) error {
	if key == "" {
		return fmt.Errorf("state: key must be non-empty")
	}

	if value == nil {
		return fmt.Errorf("state: value for %q must be non-nil", key)
	}

	copied, err := deepCopy(value)
	if err != nil {
		return fmt.Errorf("state: copying %q: %w", key, err)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, exists := s.entries[key]; exists {
		return fmt.Errorf("state: key %q already registered", key)
	}

	s.entries[key] = &entry{typ: reflect.TypeOf(value), committed: copied}

	return nil
}

// Unregister forgets key.
func (s *Store) Unregister(key string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.entries, key)
}

// Load returns a deep copy of the committed value of key.
func (s *Store) Load(key string) (Snapshot, error) {
	s.lock.RLock()
	e, ok := s.entries[key]
	if !ok {
		s.lock.RUnlock()
		return Snapshot{}, fmt.Errorf("state: key %q is not registered", key)
	}

	committed, version, t := e.committed, e.version, e.time
	s.lock.RUnlock()

	copied, err := deepCopy(committed)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{Key: key, Value: copied, Version: version, Time: t}, nil
}

// Stage returns a mutable copy of the committed value of key. Calls within
// the same staging window return the same copy.
func (s *Store) Stage(key string) (any, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("state: key %q is not registered", key)
	}

	if e.hasStaged {
		return e.staged, nil
	}

	copied, err := deepCopy(e.committed)
	if err != nil {
		return nil, fmt.Errorf("state: copying %q: %w", key, err)
	}

	e.staged = copied
	e.hasStaged = true

	return e.staged, nil
}

// Commit makes the staged value of key visible to readers, stamped with the
// simulated time of the change.
func (s *Store) Commit(key string, at timing.VTimeInSec) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("state: key %q is not registered", key)
	}

	if !e.hasStaged {
		return fmt.Errorf("state: key %q has no staged value", key)
	}

	e.commit(at)

	return nil
}

func (e *entry) commit(at timing.VTimeInSec) {
	e.committed = e.staged
	e.staged = nil
	e.hasStaged = false
	e.version++
	e.time = at
}

// CommitAll commits every staged value.
func (s *Store) CommitAll(at timing.VTimeInSec) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, e := range s.entries {
		if e.hasStaged {
			e.commit(at)
		}
	}
}

// DiscardAll drops every staged value.
func (s *Store) DiscardAll() {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, e := range s.entries {
		e.staged = nil
		e.hasStaged = false
	}
}

// Keys lists the registered keys in order.
func (s *Store) Keys() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}

// Update stages the value of key as a *T, applies fn and commits the result.
// The value must have been registered as a *T.
func Update[T any](
	s *Store,
	key string,
	at timing.VTimeInSec,
	fn func(v *T),
) error {
	staged, err := s.Stage(key)
	if err != nil {
		return err
	}

	v, ok := staged.(*T)
	if !ok {
		s.discard(key)
		return fmt.Errorf("state: key %q holds %T, not %T", key, staged, v)
	}

	fn(v)

	return s.Commit(key, at)
}

func (s *Store) discard(key string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if e, ok := s.entries[key]; ok {
		e.staged = nil
		e.hasStaged = false
	}
}

func deepCopy(value any) (any, error) {
	typ := reflect.TypeOf(value)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return nil, err
	}

	var target reflect.Value
	if typ.Kind() == reflect.Ptr {
		target = reflect.New(typ.Elem())
	} else {
		target = reflect.New(typ)
	}

	if err := gob.NewDecoder(&buf).Decode(target.Interface()); err != nil {
		return nil, err
	}

	if typ.Kind() == reflect.Ptr {
		return target.Interface(), nil
	}

	return target.Elem().Interface(), nil
}
