package partition

import (
	"context"
	"sync"

	"github.com/thorium-research/thorium/infrastructure/logging"
	"github.com/thorium-research/thorium/infrastructure/metrics"
)

// CensusStore is the minimal atomic-counter contract writers and the
// Repairer need from the wide-column store: increment/decrement on insert
// or delete, and a point read of one bucket's counter.
type CensusStore interface {
	IncrCensus(ctx context.Context, key string, bucket int32, delta int64) error
	GetCensus(ctx context.Context, key string, bucket int32) (int64, error)
}

// Repairer opportunistically corrects a lagging census counter: spec §4.1
// says census may lag, but a reader that finds live rows in a bucket whose
// counter claimed zero nudges the counter toward truth on a background
// path, never blocking the read that discovered the drift.
type Repairer struct {
	store  CensusStore
	log    *logging.Logger
	metric *metrics.Metrics

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewRepairer builds a Repairer over the given census-backed store.
func NewRepairer(store CensusStore, log *logging.Logger, m *metrics.Metrics) *Repairer {
	return &Repairer{
		store:   store,
		log:     log,
		metric:  m,
		pending: make(map[string]struct{}),
	}
}

// ObserveDrift is called when a list reader finds `foundRows` live primary
// rows in a bucket whose census claimed `reportedCensus`. If the counter
// undercounts, it schedules a background increment toward truth. It never
// blocks the caller and de-duplicates concurrent repairs of the same key.
func (r *Repairer) ObserveDrift(ctx context.Context, group string, key string, bucket int32, reportedCensus, foundRows int64) {
	if foundRows <= reportedCensus {
		return
	}
	delta := foundRows - reportedCensus

	dedupeKey := key
	r.mu.Lock()
	if _, inFlight := r.pending[dedupeKey]; inFlight {
		r.mu.Unlock()
		return
	}
	r.pending[dedupeKey] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.pending, dedupeKey)
			r.mu.Unlock()
		}()
		repairCtx := context.WithoutCancel(ctx)
		if err := r.store.IncrCensus(repairCtx, key, bucket, delta); err != nil {
			if r.log != nil {
				r.log.WithError(err).WithFields(map[string]interface{}{
					"census_key": key,
					"bucket":     bucket,
				}).Warn("census repair failed")
			}
			return
		}
		if r.metric != nil {
			r.metric.RecordCensusRepair(group, key)
		}
		if r.log != nil {
			r.log.LogCensusRepair(repairCtx, key, reportedCensus, reportedCensus+delta)
		}
	}()
}
