package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadRulesEmpty(t *testing.T) {
	s := newTestStore(t)

	rules, err := s.LoadRules()
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 0 {
		t.Errorf("rules = %d, want 0", len(rules))
	}
}

func TestSaveAndLoadRulesKeepsOrder(t *testing.T) {
	s := newTestStore(t)

	// Ids deliberately out of numeric order; list order must win.
	want := []AutomationRule{
		{ID: 300, Name: "third-id-first", Script: `function onMessage() end`, Enabled: true},
		{ID: 100, Name: "first-id-second", Script: `log.i("x")`},
		{ID: 200, Name: "second-id-third", Script: "", Enabled: true},
	}
	if err := s.SaveRules(want); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadRules()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("rules = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rule[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSaveRulesReplacesPrevious(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveRules([]AutomationRule{{ID: 1}, {ID: 2}, {ID: 3}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRules([]AutomationRule{{ID: 2, Name: "only"}}); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadRules()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != 2 || got[0].Name != "only" {
		t.Errorf("rules = %+v, want single rule 2", got)
	}
}

func TestGetRule(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveRules([]AutomationRule{{ID: 7, Name: "seven"}}); err != nil {
		t.Fatal(err)
	}

	r, err := s.GetRule(7)
	if err != nil {
		t.Fatal(err)
	}
	if r.Name != "seven" {
		t.Errorf("name = %q, want seven", r.Name)
	}

	if _, err := s.GetRule(8); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRule(8) err = %v, want ErrNotFound", err)
	}
}
