// Package kvstore implements the flat key/value map scripts persist state in.
//
// Reads and writes hit an in-memory map synchronously. Writes to disk are
// debounced: every mutation (re)arms a timer and the whole map is written
// once the timer fires. A crash inside the debounce window loses the most
// recent writes.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultDebounce is the delay between the last mutation and the disk flush.
const DefaultDebounce = 500 * time.Millisecond

// Options configures a Store.
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Store is a concurrency-safe string -> JSON value map backed by one file.
type Store struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu   sync.RWMutex
	data map[string]any

	flushMu sync.Mutex // serializes file writes

	timerMu sync.Mutex
	timer   *time.Timer
	closed  bool

	flushes atomic.Int64
}

// Open creates a store backed by path and loads its current contents.
// A missing or unreadable file leaves the store empty; the error is logged.
func Open(path string, opts Options) *Store {
	s := newStore(path, opts)
	if err := s.Load(); err != nil {
		s.logger.Error("load storage file, starting empty", "path", path, "err", err)
	}
	return s
}

// NewMemory returns a store without a backing file. It never flushes.
func NewMemory() *Store {
	return newStore("", Options{})
}

func newStore(path string, opts Options) *Store {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		path:     path,
		debounce: opts.Debounce,
		logger:   opts.Logger.With("component", "kvstore"),
		data:     make(map[string]any),
	}
}

// Path returns the backing file path ("" for memory stores).
func (s *Store) Path() string { return s.path }

// Load replaces the in-memory map with the file contents.
// A missing file is not an error. A corrupt file empties the map and
// returns the decode error.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read storage file: %w", err)
	}

	data := make(map[string]any)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			s.mu.Lock()
			s.data = make(map[string]any)
			s.mu.Unlock()
			return fmt.Errorf("decode storage file: %w", err)
		}
	}
	if data == nil {
		data = make(map[string]any) // file contained "null"
	}

	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

// Flush writes the whole map to the backing file, replacing it atomically.
func (s *Store) Flush() error {
	if s.path == "" {
		return nil
	}

	// Snapshot under flushMu so the last rename always carries the newest data.
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.RLock()
	raw, err := json.Marshal(s.data)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode storage: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write storage file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace storage file: %w", err)
	}
	s.flushes.Add(1)
	return nil
}

// Close cancels the pending timer and flushes synchronously if a write was pending.
func (s *Store) Close() error {
	s.timerMu.Lock()
	s.closed = true
	pending := s.timer != nil && s.timer.Stop()
	s.timer = nil
	s.timerMu.Unlock()

	if pending {
		return s.Flush()
	}
	return nil
}

// scheduleFlush (re)arms the debounce timer.
func (s *Store) scheduleFlush() {
	if s.path == "" {
		return
	}
	s.timerMu.Lock()
	if s.closed {
		s.timerMu.Unlock()
		// Writes racing with shutdown go straight to disk.
		s.flushAndLog()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.onTimer)
	s.timerMu.Unlock()
}

func (s *Store) onTimer() {
	s.timerMu.Lock()
	s.timer = nil
	s.timerMu.Unlock()
	s.flushAndLog()
}

func (s *Store) flushAndLog() {
	if err := s.Flush(); err != nil {
		s.logger.Error("flush storage", "path", s.path, "err", err)
	}
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// GetOrDefault returns the stored value or def when key is absent.
func (s *Store) GetOrDefault(key string, def any) any {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// Set stores value under key. A nil value removes the key.
func (s *Store) Set(key string, value any) {
	if value == nil {
		s.Remove(key)
		return
	}
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
	s.scheduleFlush()
}

// Remove deletes key. Removing an absent key is a no-op.
func (s *Store) Remove(key string) {
	s.Pop(key)
}

// Pop deletes key and returns the value it held.
func (s *Store) Pop(key string) (any, bool) {
	s.mu.Lock()
	v, ok := s.data[key]
	if ok {
		delete(s.data, key)
	}
	s.mu.Unlock()
	if ok {
		s.scheduleFlush()
	}
	return v, ok
}

// HasKey reports whether key is present.
func (s *Store) HasKey(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Keys returns all keys in lexical order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Size returns the number of entries.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// IsEmpty reports whether the store has no entries.
func (s *Store) IsEmpty() bool {
	return s.Size() == 0
}

// Clear removes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	s.data = make(map[string]any)
	s.mu.Unlock()
	s.scheduleFlush()
}
