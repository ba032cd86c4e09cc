package broadcast

import (
	"context"
	"fmt"
	"time"

	"castbot/internal/storage"
)

// Aggregator owns the counters of one job. Record is called synchronously by
// the pipeline goroutine only; everyone else sees Snapshot copies.
type Aggregator struct {
	jobID string
	total int
	store storage.BroadcastStore
	now   func() time.Time

	counts      Counts
	startedAt   time.Time
	completedAt time.Time
}

func newAggregator(jobID string, total int, store storage.BroadcastStore, startedAt time.Time, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{jobID: jobID, total: total, store: store, now: now, startedAt: startedAt}
}

// Record applies one outcome. Outcomes beyond the job total are refused so
// a recipient can never be counted twice.
func (a *Aggregator) Record(o Outcome) error {
	if a.counts.Done() >= a.total {
		return fmt.Errorf("aggregator: outcome %s beyond total %d", o, a.total)
	}
	switch o {
	case OutcomeSuccess:
		a.counts.Success++
	case OutcomeFailed:
		a.counts.Failed++
	case OutcomeBlocked:
		a.counts.Blocked++
	default:
		return fmt.Errorf("aggregator: unknown outcome %d", o)
	}
	return nil
}

func (a *Aggregator) Counts() Counts { return a.counts }

func (a *Aggregator) Snapshot() Snapshot {
	end := a.completedAt
	if end.IsZero() {
		end = a.now()
	}
	return Snapshot{
		Total:     a.total,
		Success:   a.counts.Success,
		Failed:    a.counts.Failed,
		Blocked:   a.counts.Blocked,
		Remaining: a.total - a.counts.Done(),
		Elapsed:   end.Sub(a.startedAt),
	}
}

// Persist writes the current absolute counters. Callers log and continue on error.
func (a *Aggregator) Persist(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	return a.store.UpdateBroadcastCounts(ctx, a.jobID, a.counts)
}

// Complete stamps the end time and writes the terminal status. The returned
// snapshot is valid even when the store write fails.
func (a *Aggregator) Complete(ctx context.Context, status Status) (Snapshot, error) {
	if a.completedAt.IsZero() {
		a.completedAt = a.now()
	}
	snap := a.Snapshot()
	if a.store == nil {
		return snap, nil
	}
	return snap, a.store.CompleteBroadcast(ctx, a.jobID, string(status), a.counts, a.completedAt)
}

func (a *Aggregator) CompletedAt() time.Time { return a.completedAt }
