package partition

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/thorium-research/thorium/infrastructure/logging"
)

type fakeCensusStore struct {
	mu      sync.Mutex
	counts  map[string]int64
	incrErr error
}

func newFakeCensusStore() *fakeCensusStore {
	return &fakeCensusStore{counts: make(map[string]int64)}
}

func (f *fakeCensusStore) IncrCensus(ctx context.Context, key string, bucket int32, delta int64) error {
	if f.incrErr != nil {
		return f.incrErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key] += delta
	return nil
}

func (f *fakeCensusStore) GetCensus(ctx context.Context, key string, bucket int32) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key], nil
}

func TestRepairer_ObserveDrift_CorrectsUndercount(t *testing.T) {
	store := newFakeCensusStore()
	r := NewRepairer(store, logging.New("test", "info", "json"), nil)

	r.ObserveDrift(context.Background(), "research", "census:key", 0, 0, 5)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		v := store.counts["census:key"]
		store.mu.Unlock()
		if v == 5 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("census counter was not repaired toward truth")
}

func TestRepairer_ObserveDrift_NoOpWhenNotUndercounting(t *testing.T) {
	store := newFakeCensusStore()
	r := NewRepairer(store, nil, nil)

	r.ObserveDrift(context.Background(), "research", "census:key", 0, 10, 5)

	time.Sleep(10 * time.Millisecond)
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.counts["census:key"] != 0 {
		t.Errorf("expected no repair, got delta %d", store.counts["census:key"])
	}
}

func TestRepairer_ObserveDrift_DedupesConcurrentRepairs(t *testing.T) {
	store := newFakeCensusStore()
	r := NewRepairer(store, nil, nil)

	for i := 0; i < 5; i++ {
		r.ObserveDrift(context.Background(), "research", "census:key", 0, 0, 5)
	}

	time.Sleep(20 * time.Millisecond)
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.counts["census:key"] > 5 {
		t.Errorf("expected dedupe to cap repairs, got %d", store.counts["census:key"])
	}
}
