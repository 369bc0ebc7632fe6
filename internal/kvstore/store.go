// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package kvstore is the coordination store: a crash-durable key/value map
// with optional per-key expiry. It is the only channel through which the
// eventsub ingest path and the capture automaton exchange facts, so every
// mutation is persisted synchronously and emitted to listeners before the
// call returns.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/ManuGH/lsdvr/internal/metrics"
)

var (
	ErrKeyNotFound = errors.New("key does not exist")
	ErrWaitTimeout = errors.New("no response received within timeout")
	ErrInvalidDate = errors.New("invalid date")
)

// Entry is the persisted form of one key.
type Entry struct {
	Value   string     `json:"value"`
	Created time.Time  `json:"created"`
	Expires *time.Time `json:"expires,omitempty"`
}

func (e Entry) expired(now time.Time) bool {
	return e.Expires != nil && !e.Expires.After(now)
}

// Event describes a store mutation.
type Event struct {
	Kind  string // "set", "delete" or "delete_all"
	Key   string
	Value string
}

// Store holds the in-memory map and its on-disk mirror.
type Store struct {
	mu   sync.Mutex
	data map[string]Entry
	path string

	listeners []func(Event)
	oneShots  map[uint64]*oneShot
	nextID    uint64

	log zerolog.Logger
	now func() time.Time
}

type oneShot struct {
	match func(Event) bool
	ch    chan Event
}

// New creates an empty store persisting to the given file path.
func New(filePath string, logger zerolog.Logger) *Store {
	return &Store{
		data:     map[string]Entry{},
		path:     filePath,
		oneShots: map[uint64]*oneShot{},
		log:      logger,
		now:      time.Now,
	}
}

// sanitizeKey strips path separators so path-derived keys cannot escape the
// intended namespace.
func sanitizeKey(key string) string {
	key = strings.ReplaceAll(key, "/", "")
	return strings.ReplaceAll(key, "\\", "")
}

// Set stores a non-expiring value and persists the map. The set event is
// emitted to listeners before Set returns.
func (s *Store) Set(key, value string) error {
	key = sanitizeKey(key)

	s.mu.Lock()
	s.data[key] = Entry{Value: value, Created: s.now()}
	err := s.persistLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: "set", Key: key, Value: value})
	return err
}

// SetExpiring stores a value that expires after ttl seconds.
func (s *Store) SetExpiring(key, value string, ttl time.Duration) error {
	key = sanitizeKey(key)
	exp := s.now().Add(ttl)

	s.mu.Lock()
	s.data[key] = Entry{Value: value, Created: s.now(), Expires: &exp}
	err := s.persistLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: "set", Key: key, Value: value})
	return err
}

// Get returns the value for key, or false if it is absent or expired.
// Expired entries are treated as absent without requiring a sweep.
func (s *Store) Get(key string) (string, bool) {
	key = sanitizeKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok || e.expired(s.now()) {
		return "", false
	}
	return e.Value, true
}

// Has reports whether key exists and is not expired.
func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// GetObject unmarshals the JSON value for key into out.
func (s *Store) GetObject(key string, out any) bool {
	v, ok := s.Get(key)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(v), out) == nil
}

// SetObject stores v as JSON. A nil value deletes the key.
func (s *Store) SetObject(key string, v any) error {
	if v == nil {
		return s.Delete(key)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal object for %q: %w", key, err)
	}
	return s.Set(key, string(b))
}

// GetBool returns true only for a literal "true" value.
func (s *Store) GetBool(key string) bool {
	v, _ := s.Get(key)
	return v == "true"
}

// SetBool stores "true" or "false".
func (s *Store) SetBool(key string, value bool) error {
	return s.Set(key, strconv.FormatBool(value))
}

// GetInt returns the integer value for key, or def when absent or unparsable.
func (s *Store) GetInt(key string, def int) int {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// SetInt stores an integer value.
func (s *Store) SetInt(key string, value int) error {
	return s.Set(key, strconv.Itoa(value))
}

// SetDate stores a timestamp in RFC3339.
func (s *Store) SetDate(key string, t time.Time) error {
	if t.IsZero() {
		return ErrInvalidDate
	}
	return s.Set(key, t.Format(time.RFC3339))
}

// GetDate parses the stored RFC3339 timestamp.
func (s *Store) GetDate(key string) (time.Time, error) {
	v, ok := s.Get(key)
	if !ok {
		return time.Time{}, ErrKeyNotFound
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, ErrInvalidDate
	}
	return t, nil
}

// SetExpiry re-arms the expiry on an existing key.
func (s *Store) SetExpiry(key string, ttl time.Duration) error {
	key = sanitizeKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[key]
	if !ok {
		return ErrKeyNotFound
	}
	exp := s.now().Add(ttl)
	e.Expires = &exp
	s.data[key] = e
	return s.persistLocked()
}

// Delete removes a key if present.
func (s *Store) Delete(key string) error {
	key = sanitizeKey(key)

	s.mu.Lock()
	_, existed := s.data[key]
	var err error
	if existed {
		delete(s.data, key)
		err = s.persistLocked()
	}
	s.mu.Unlock()

	if existed {
		s.emit(Event{Kind: "delete", Key: key})
	}
	return err
}

// DeleteAll clears the store.
func (s *Store) DeleteAll() error {
	s.mu.Lock()
	s.data = map[string]Entry{}
	err := s.persistLocked()
	s.mu.Unlock()

	s.emit(Event{Kind: "delete_all"})
	return err
}

// CleanWildcard deletes every key matching the glob pattern. Used at load
// time to purge stale eventsub ack keys.
func (s *Store) CleanWildcard(pattern string) int {
	s.mu.Lock()
	var doomed []string
	for key := range s.data {
		if ok, _ := path.Match(pattern, key); ok {
			doomed = append(doomed, key)
		}
	}
	for _, key := range doomed {
		delete(s.data, key)
	}
	var err error
	if len(doomed) > 0 {
		err = s.persistLocked()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Str("event", "kvstore.clean_wildcard").Msg("persist after wildcard clean failed")
	}
	for _, key := range doomed {
		s.emit(Event{Kind: "delete", Key: key})
	}
	return len(doomed)
}

// Count returns the number of live (non-expired) keys.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := s.now()
	for _, e := range s.data {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// All returns a copy of all live key/value pairs.
func (s *Store) All() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.data))
	now := s.now()
	for k, e := range s.data {
		if !e.expired(now) {
			out[k] = e.Value
		}
	}
	return out
}

// OnEvent registers a persistent listener. The callback runs synchronously
// in the mutating goroutine and must not call back into the store.
func (s *Store) OnEvent(fn func(Event)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// WaitFor blocks until key is set, returning the observed value. A key
// that already exists satisfies the wait immediately. The listener is
// deregistered on timeout so repeated subscribe attempts do not leak.
func (s *Store) WaitFor(key string, timeout time.Duration) (string, error) {
	key = sanitizeKey(key)
	return s.waitMatch(func(ev Event) bool {
		return ev.Kind == "set" && ev.Key == key
	}, func() (string, bool) {
		return s.Get(key)
	}, timeout)
}

// WaitForValue blocks until key is set to exactly value.
func (s *Store) WaitForValue(key, value string, timeout time.Duration) error {
	key = sanitizeKey(key)
	_, err := s.waitMatch(func(ev Event) bool {
		return ev.Kind == "set" && ev.Key == key && ev.Value == value
	}, func() (string, bool) {
		v, ok := s.Get(key)
		return v, ok && v == value
	}, timeout)
	return err
}

// waitMatch registers the one-shot listener before checking the current
// state, so a set landing between the two cannot be missed.
func (s *Store) waitMatch(match func(Event) bool, current func() (string, bool), timeout time.Duration) (string, error) {
	ws := &oneShot{match: match, ch: make(chan Event, 1)}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.oneShots[id] = ws
	s.mu.Unlock()

	deregister := func() {
		s.mu.Lock()
		delete(s.oneShots, id)
		s.mu.Unlock()
	}

	if v, ok := current(); ok {
		deregister()
		return v, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-ws.ch:
		return ev.Value, nil
	case <-timer.C:
		deregister()
		return "", ErrWaitTimeout
	}
}

func (s *Store) emit(ev Event) {
	s.mu.Lock()
	listeners := make([]func(Event), len(s.listeners))
	copy(listeners, s.listeners)
	var fired []*oneShot
	for id, ws := range s.oneShots {
		if ws.match(ev) {
			fired = append(fired, ws)
			delete(s.oneShots, id)
		}
	}
	s.mu.Unlock()

	for _, ws := range fired {
		ws.ch <- ev
	}
	for _, fn := range listeners {
		fn(ev)
	}
}

// persistLocked sweeps expired entries and rewrites the whole map
// atomically. The map is small and changes are infrequent relative to the
// I/O cost elsewhere, so a full rewrite per mutation is acceptable.
func (s *Store) persistLocked() error {
	now := s.now()
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
		}
	}

	b, err := json.MarshalIndent(s.data, "", "    ")
	if err != nil {
		metrics.KVPersistErrorTotal.Inc()
		return fmt.Errorf("marshal kv store: %w", err)
	}
	if err := renameio.WriteFile(s.path, b, 0o644); err != nil {
		metrics.KVPersistErrorTotal.Inc()
		return fmt.Errorf("persist kv store to %s: %w", s.path, err)
	}
	return nil
}
