package cursor

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store over a fixed row set, used to exercise
// the engine's fan-out/merge/tie/dedupe behavior deterministically.
type memStore struct {
	rowsByGroup map[string][]Row
}

func newMemStore() *memStore {
	return &memStore{rowsByGroup: make(map[string][]Row)}
}

func (m *memStore) add(group string, rows ...Row) {
	m.rowsByGroup[group] = append(m.rowsByGroup[group], rows...)
	sort.Slice(m.rowsByGroup[group], func(i, j int) bool {
		a, b := m.rowsByGroup[group][i], m.rowsByGroup[group][j]
		if !a.Created.Equal(b.Created) {
			return a.Created.After(b.Created)
		}
		return a.Key < b.Key
	})
}

func (m *memStore) FetchPage(ctx context.Context, group string, end time.Time, afterCreated time.Time, afterKey string, pageSize int) ([]Row, error) {
	all := m.rowsByGroup[group]
	var out []Row
	started := afterCreated.IsZero()
	for _, r := range all {
		if !started {
			if r.Created.Before(afterCreated) || (r.Created.Equal(afterCreated) && r.Key > afterKey) {
				started = true
			} else {
				continue
			}
		} else if r.Created.Equal(afterCreated) && r.Key <= afterKey {
			continue
		}
		if !end.IsZero() && !r.Created.After(end) {
			break
		}
		out = append(out, r)
		if len(out) >= pageSize {
			break
		}
	}
	return out, nil
}

type memStateStore struct {
	mu     sync.Mutex
	states map[string]*State
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[string]*State)}
}

func (s *memStateStore) Save(ctx context.Context, id string, state *State, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = state
	return nil
}

func (s *memStateStore) Load(ctx context.Context, id string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id], nil
}

// Scenario 7 — Cursor tie handling.
func TestScenario7_CursorTieHandling(t *testing.T) {
	tied := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.add("group-a", Row{Key: "A", Created: tied}, Row{Key: "C", Created: tied})
	store.add("group-b", Row{Key: "B", Created: tied})

	states := newMemStateStore()
	engine := New(store, states, nil)

	end := tied.Add(-time.Hour)
	id, page1, exhausted1, err := engine.Start(context.Background(), Spec{
		GroupBy:  []string{"group-a", "group-b"},
		Start:    tied.Add(time.Hour),
		End:      end,
		PageSize: 2,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if exhausted1 {
		t.Fatal("page 1 should not report exhausted yet")
	}
	if got := keysOf(page1); !equalKeys(got, []string{"A", "B"}) {
		t.Errorf("page 1 = %v, want [A B]", got)
	}

	page2, exhausted2, err := engine.Resume(context.Background(), id)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if got := keysOf(page2); !equalKeys(got, []string{"C"}) {
		t.Errorf("page 2 = %v, want [C]", got)
	}
	if !exhausted2 {
		t.Error("page 2 should report exhausted")
	}
}

func TestCursor_NoDuplicateKeyAcrossPages(t *testing.T) {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	store := newMemStore()
	// Same item visible in two groups: must collapse to one row.
	shared := Row{Key: "shared", Created: base, Data: map[string]interface{}{"name": "x"}}
	store.add("group-a", shared, Row{Key: "a-only", Created: base.Add(-time.Minute)})
	store.add("group-b", shared, Row{Key: "b-only", Created: base.Add(-2 * time.Minute)})

	states := newMemStateStore()
	engine := New(store, states, nil)

	seen := map[string]int{}
	id, rows, exhausted, err := engine.Start(context.Background(), Spec{
		GroupBy:  []string{"group-a", "group-b"},
		Start:    base.Add(time.Hour),
		End:      base.Add(-time.Hour),
		PageSize: 1,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for _, r := range rows {
		seen[r.Key]++
	}

	for !exhausted {
		rows, exhausted, err = engine.Resume(context.Background(), id)
		if err != nil {
			t.Fatalf("Resume() error = %v", err)
		}
		for _, r := range rows {
			seen[r.Key]++
		}
	}

	for key, count := range seen {
		if count != 1 {
			t.Errorf("key %q emitted %d times, want exactly once", key, count)
		}
	}
	if len(seen) != 3 {
		t.Errorf("expected 3 unique keys, got %v", seen)
	}
}

func TestCursor_NonIncreasingOrder(t *testing.T) {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	store := newMemStore()
	for i := 0; i < 10; i++ {
		store.add("group-a", Row{Key: keyFor(i), Created: base.Add(-time.Duration(i) * time.Minute)})
	}

	states := newMemStateStore()
	engine := New(store, states, nil)

	id, rows, exhausted, err := engine.Start(context.Background(), Spec{
		GroupBy:  []string{"group-a"},
		Start:    base.Add(time.Hour),
		End:      base.Add(-time.Hour),
		PageSize: 3,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var all []ResultRow
	all = append(all, rows...)
	for !exhausted {
		rows, exhausted, err = engine.Resume(context.Background(), id)
		if err != nil {
			t.Fatalf("Resume() error = %v", err)
		}
		all = append(all, rows...)
	}

	for i := 1; i < len(all); i++ {
		if all[i].Created.After(all[i-1].Created) {
			t.Fatalf("non-increasing order violated at index %d: %v after %v", i, all[i].Created, all[i-1].Created)
		}
	}
	if len(all) != 10 {
		t.Errorf("expected 10 rows total, got %d", len(all))
	}
}

func TestCursor_RequiresNonEmptyGroupBy(t *testing.T) {
	store := newMemStore()
	states := newMemStateStore()
	engine := New(store, states, nil)

	_, _, _, err := engine.Start(context.Background(), Spec{})
	if err == nil {
		t.Fatal("expected error for empty GroupBy")
	}
}

func TestCursor_ResumeUnknownIDNotFound(t *testing.T) {
	store := newMemStore()
	states := newMemStateStore()
	engine := New(store, states, nil)

	_, _, err := engine.Resume(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("expected NotFound error for unknown cursor id")
	}
}

func keysOf(rows []ResultRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Key
	}
	return out
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func keyFor(i int) string {
	return string(rune('a' + i))
}
