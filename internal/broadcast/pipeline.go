package broadcast

import (
	"context"
	"time"

	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

const (
	DefaultBatchSize    = 50
	DefaultBatchDelay   = time.Second
	DefaultReportEvery  = 5
	DefaultPersistEvery = 1
)

// Settings are the pacing knobs of one pipeline, fixed when the job starts.
type Settings struct {
	BatchSize    int
	BatchDelay   time.Duration
	ReportEvery  int
	PersistEvery int
	RatePerSec   float64
	// MaxFloodWait caps one rate-limit pause; zero honours the full wait.
	MaxFloodWait time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.BatchDelay < 0 {
		s.BatchDelay = 0
	}
	if s.ReportEvery <= 0 {
		s.ReportEvery = DefaultReportEvery
	}
	if s.PersistEvery <= 0 {
		s.PersistEvery = DefaultPersistEvery
	}
	if s.MaxFloodWait < 0 {
		s.MaxFloodWait = 0
	}
	return s
}

// run is the job-scoped state threaded through one pipeline.
type run struct {
	jobID    string
	ids      []int64
	payload  kit.Payload
	settings Settings

	deliver  *deliverer
	agg      *Aggregator
	reporter *Reporter
	sleep    sleepFunc
	log      logx.Logger

	// onOutcome and onBatch publish progress to readers; both optional.
	onOutcome func(Counts)
	onBatch   func(batchesDone int, s Snapshot)
}

// execute walks every batch and returns the terminal status. Cancellation of
// ctx is honoured between batches (and during pauses); a batch that started
// is always walked to its end so every attempted recipient has an outcome.
func (r *run) execute(ctx context.Context) Status {
	batches := partition(r.ids, r.settings.BatchSize)
	persistCtx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		return StatusCancelled
	}

	for i, batch := range batches {
		for _, id := range batch {
			out := r.deliver.deliver(ctx, id, r.payload)
			if err := r.agg.Record(out); err != nil {
				r.log.Error("outcome not recorded", logx.Int64("chat_id", id), logx.Err(err))
				continue
			}
			if r.onOutcome != nil {
				r.onOutcome(r.agg.Counts())
			}
		}

		done := i + 1
		if done%r.settings.PersistEvery == 0 {
			if err := r.agg.Persist(persistCtx); err != nil {
				r.log.Warn("persist progress failed", logx.Int("batch", done), logx.Err(err))
			}
		}
		snap := r.agg.Snapshot()
		if _, err := r.reporter.BatchDone(persistCtx, done, snap); err != nil {
			r.log.Warn("progress edit failed", logx.Int("batch", done), logx.Err(err))
		}
		if r.onBatch != nil {
			r.onBatch(done, snap)
		}
		r.log.Debug("batch done",
			logx.Int("batch", done),
			logx.Int("batches", len(batches)),
			logx.Int("success", snap.Success),
			logx.Int("failed", snap.Failed),
			logx.Int("blocked", snap.Blocked),
			logx.Int("remaining", snap.Remaining),
		)

		if done == len(batches) {
			break
		}
		if ctx.Err() != nil {
			return StatusCancelled
		}
		if err := r.sleep(ctx, r.settings.BatchDelay); err != nil {
			return StatusCancelled
		}
	}
	if r.agg.Counts().Done() < len(r.ids) {
		return StatusCancelled
	}
	return StatusCompleted
}
