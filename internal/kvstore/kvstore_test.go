package kvstore

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T, debounce time.Duration) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storage.json")
	s := Open(path, Options{Debounce: debounce, Logger: testLogger()})
	t.Cleanup(func() { s.Close() })
	return s
}

func readFile(t *testing.T, path string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRoundTrip(t *testing.T) {
	s := newTestStore(t, time.Hour)

	tests := []struct {
		name string
		val  any
	}{
		{"bool", true},
		{"number", 42.5},
		{"string", "hello"},
		{"object", map[string]any{"a": 1.0, "b": "x"}},
		{"array", []any{1.0, "two", false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.Set(tt.name, tt.val)
			got, ok := s.Get(tt.name)
			if !ok {
				t.Fatalf("Get(%q) missing", tt.name)
			}
			if !reflect.DeepEqual(got, tt.val) {
				t.Errorf("Get(%q) = %v, want %v", tt.name, got, tt.val)
			}
		})
	}
}

func TestSetNilRemoves(t *testing.T) {
	s := newTestStore(t, time.Hour)

	s.Set("k", "v")
	s.Set("k", nil)
	if s.HasKey("k") {
		t.Error("Set(k, nil) should remove k")
	}
	if !s.IsEmpty() {
		t.Errorf("size = %d, want 0", s.Size())
	}
}

func TestPopAbsentIsIdempotent(t *testing.T) {
	s := newTestStore(t, time.Hour)
	s.Set("other", 1.0)

	before := s.Keys()
	v, ok := s.Pop("missing")
	if ok || v != nil {
		t.Errorf("Pop(missing) = (%v, %v), want (nil, false)", v, ok)
	}
	if !reflect.DeepEqual(s.Keys(), before) {
		t.Errorf("keys changed: %v -> %v", before, s.Keys())
	}
}

func TestPopReturnsValue(t *testing.T) {
	s := newTestStore(t, time.Hour)
	s.Set("k", "v")

	v, ok := s.Pop("k")
	if !ok || v != "v" {
		t.Errorf("Pop(k) = (%v, %v), want (v, true)", v, ok)
	}
	if s.HasKey("k") {
		t.Error("key still present after Pop")
	}
}

func TestGetOrDefault(t *testing.T) {
	s := newTestStore(t, time.Hour)
	if got := s.GetOrDefault("n", 7.0); got != 7.0 {
		t.Errorf("GetOrDefault = %v, want 7", got)
	}
	s.Set("n", 3.0)
	if got := s.GetOrDefault("n", 7.0); got != 3.0 {
		t.Errorf("GetOrDefault = %v, want 3", got)
	}
}

func TestKeysSortedAndClear(t *testing.T) {
	s := newTestStore(t, time.Hour)
	for _, k := range []string{"c", "a", "b"} {
		s.Set(k, k)
	}
	if got := s.Keys(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("Keys = %v", got)
	}
	s.Clear()
	if s.Size() != 0 {
		t.Errorf("size after Clear = %d", s.Size())
	}
}

func TestDebounceCoalescesWrites(t *testing.T) {
	s := newTestStore(t, 50*time.Millisecond)

	for i := 1; i <= 10; i++ {
		s.Set("counter", float64(i))
	}

	time.Sleep(200 * time.Millisecond)

	if n := s.flushes.Load(); n != 1 {
		t.Fatalf("flushes = %d, want 1", n)
	}
	m := readFile(t, s.Path())
	if m["counter"] != 10.0 {
		t.Errorf("persisted counter = %v, want 10", m["counter"])
	}
}

func TestNoFlushBeforeDebounce(t *testing.T) {
	s := newTestStore(t, time.Hour)
	s.Set("k", "v")

	if n := s.flushes.Load(); n != 0 {
		t.Errorf("flushes = %d, want 0 before debounce elapses", n)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Errorf("file should not exist yet, stat err = %v", err)
	}
}

func TestCloseFlushesPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json")
	s := Open(path, Options{Debounce: time.Hour, Logger: testLogger()})
	s.Set("k", "v")

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if m := readFile(t, path); m["k"] != "v" {
		t.Errorf("persisted k = %v, want v", m["k"])
	}
}

func TestReopenLoadsPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json")
	s := Open(path, Options{Debounce: time.Hour, Logger: testLogger()})
	s.Set("list", []any{1.0, 2.0})
	s.Set("name", "bot")
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2 := Open(path, Options{Logger: testLogger()})
	defer s2.Close()
	if got, _ := s2.Get("name"); got != "bot" {
		t.Errorf("name = %v, want bot", got)
	}
	if got, _ := s2.Get("list"); !reflect.DeepEqual(got, []any{1.0, 2.0}) {
		t.Errorf("list = %v", got)
	}
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := Open(path, Options{Logger: testLogger()})
	defer s.Close()
	if !s.IsEmpty() {
		t.Errorf("size = %d, want 0", s.Size())
	}

	// Store keeps working and can overwrite the corrupt file.
	s.Set("k", "v")
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if m := readFile(t, path); m["k"] != "v" {
		t.Errorf("persisted k = %v", m["k"])
	}
}

func TestMemoryStoreNeverFlushes(t *testing.T) {
	s := NewMemory()
	s.Set("k", "v")
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if n := s.flushes.Load(); n != 0 {
		t.Errorf("flushes = %d, want 0", n)
	}
	if got, _ := s.Get("k"); got != "v" {
		t.Errorf("k = %v", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := newTestStore(t, 10*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Set("shared", float64(j))
				s.Get("shared")
				s.Keys()
			}
		}(i)
	}
	wg.Wait()

	if !s.HasKey("shared") {
		t.Error("shared key missing")
	}
}

func TestConcurrentFlushesPersistLatest(t *testing.T) {
	s := newTestStore(t, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s.Set("counter", float64(i*100+j))
				if err := s.Flush(); err != nil {
					t.Error(err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	want, _ := s.Get("counter")
	if got := readFile(t, s.path)["counter"]; got != want {
		t.Errorf("persisted counter = %v, in memory = %v", got, want)
	}
}
