package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"castbot/internal/eventbus"
	rtsup "castbot/internal/runtime/supervisor"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int
	Settings  Settings
	StatusMax int
	StatusTTL time.Duration
}

// Deps are the collaborators of the service. Editor and Bus are optional.
type Deps struct {
	Sender     kit.Sender
	Editor     kit.Editor
	Recipients storage.RecipientStore
	Jobs       storage.BroadcastStore
	Bus        eventbus.Bus
}

type task struct {
	job     Job
	ids     []int64
	payload kit.Payload
	status  kit.MessageRef
}

// jobState is the status-map entry; job is copied out to readers.
type jobState struct {
	job       Job
	cancel    context.CancelFunc
	cancelled bool
}

type Service struct {
	mu    sync.Mutex
	cfg   Config
	deps  Deps
	log   logx.Logger
	queue chan task
	sup   *rtsup.Supervisor

	statusMu  sync.RWMutex
	status    map[string]*jobState
	statusMax int
	statusTTL time.Duration

	// test hooks
	sleep sleepFunc
	now   func() time.Time
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	qs := cfg.QueueSize
	if qs <= 0 {
		qs = 16
	}
	s := &Service{
		cfg:    cfg,
		deps:   deps,
		log:    log,
		queue:  make(chan task, qs),
		status: map[string]*jobState{},
		sleep:  timerSleep,
		now:    time.Now,
	}
	s.applyRetention(cfg)
	return s
}

func (s *Service) applyRetention(cfg Config) {
	s.statusMu.Lock()
	s.statusMax, s.statusTTL = cfg.StatusMax, cfg.StatusTTL
	s.statusMu.Unlock()
}

// Apply swaps config. Pacing changes apply to jobs that start afterwards;
// worker count and queue size need a restart.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.applyRetention(cfg)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Settings.withDefaults()
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	queue := s.queue
	for i := 0; i < workers; i++ {
		idx := i
		s.sup.Go0(fmt.Sprintf("broadcast.worker.%d", idx), func(ctx context.Context) {
			s.worker(ctx, queue)
		})
	}
	s.log.Info("service started", logx.Int("workers", workers), logx.Int("queue_cap", cap(queue)))
}

// Stop cancels running jobs (they end as cancelled at the next batch
// boundary) and waits for workers until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("service stop incomplete", logx.Err(err))
		return
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) worker(ctx context.Context, queue <-chan task) {
	for {
		// stop wins over queued work
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case t := <-queue:
			s.execute(ctx, t)
		}
	}
}

// Submit snapshots the recipient set and queues a job. The returned Job
// carries the id and total.
func (s *Service) Submit(ctx context.Context, req Request) (Job, error) {
	if !s.Enabled() {
		return Job{}, ErrDisabled
	}
	if err := req.Payload.Validate(); err != nil {
		return Job{}, err
	}
	s.mu.Lock()
	running := s.sup != nil
	s.mu.Unlock()
	if !running {
		return Job{}, ErrNotRunning
	}

	ids, err := s.deps.Recipients.ListRecipientIDs(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("list recipients: %w", err)
	}
	now := s.now()
	job := Job{
		ID:          uuid.NewString(),
		Name:        req.Name,
		InitiatorID: req.InitiatorID,
		Kind:        req.Payload.Kind,
		Total:       len(ids),
		Status:      StatusCreated,
		CreatedAt:   now,
	}
	s.pruneStatus(now)
	s.statusMu.Lock()
	s.status[job.ID] = &jobState{job: job}
	s.statusMu.Unlock()

	select {
	case s.queue <- task{job: job, ids: ids, payload: req.Payload, status: req.StatusMessage}:
	default:
		s.statusMu.Lock()
		delete(s.status, job.ID)
		s.statusMu.Unlock()
		s.log.Warn("broadcast queue full; rejecting job", logx.String("job", job.ID), logx.Int("queue_cap", cap(s.queue)))
		return Job{}, ErrQueueFull
	}
	s.log.Info("broadcast queued", logx.String("job", job.ID), logx.String("name", job.Name), logx.Int("total", job.Total), logx.String("kind", string(job.Kind)))
	s.publish(eventbus.BroadcastQueued, job)
	return job, nil
}

func (s *Service) execute(parent context.Context, t task) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	started := s.now()
	job := t.job
	job.Status = StatusRunning
	job.StartedAt = started

	s.statusMu.Lock()
	st := s.status[job.ID]
	if st == nil {
		st = &jobState{}
		s.status[job.ID] = st
	}
	if st.cancelled {
		cancel()
	}
	st.job, st.cancel = job, cancel
	s.statusMu.Unlock()

	log := s.log.With(logx.String("job", job.ID))
	storeCtx := context.WithoutCancel(ctx)
	if s.deps.Jobs != nil {
		rec := storage.BroadcastRecord{
			ID:          job.ID,
			Name:        job.Name,
			InitiatorID: job.InitiatorID,
			Kind:        string(job.Kind),
			Total:       job.Total,
			Status:      string(StatusRunning),
			CreatedAt:   job.CreatedAt,
			StartedAt:   started,
		}
		if err := s.deps.Jobs.CreateBroadcast(storeCtx, rec); err != nil {
			log.Warn("create broadcast record failed", logx.Err(err))
		}
	}
	log.Info("broadcast started", logx.Int("total", job.Total), logx.String("kind", string(job.Kind)))
	s.publish(eventbus.BroadcastStarted, job)

	settings := s.settings()
	agg := newAggregator(job.ID, job.Total, s.deps.Jobs, started, s.now)
	r := &run{
		jobID:    job.ID,
		ids:      t.ids,
		payload:  t.payload,
		settings: settings,
		deliver: &deliverer{
			sender: s.deps.Sender,
			gov:    NewGovernor(settings.RatePerSec, settings.MaxFloodWait, s.sleep),
			log:    log,
		},
		agg:      agg,
		reporter: newReporter(s.deps.Editor, t.status, settings.ReportEvery),
		sleep:    s.sleep,
		log:      log,
		onOutcome: func(c Counts) {
			s.update(job.ID, func(j *Job) { j.Counts = c })
		},
		onBatch: func(n int, snap Snapshot) {
			s.update(job.ID, func(j *Job) { j.Batches = n })
			s.publish(eventbus.BroadcastProgress, snap)
		},
	}

	status := r.execute(ctx)
	snap, err := agg.Complete(storeCtx, status)
	if err != nil {
		log.Warn("complete broadcast record failed", logx.Err(err))
	}
	if err := r.reporter.Final(storeCtx, snap, status); err != nil {
		log.Warn("summary edit failed", logx.Err(err))
	}

	var final Job
	s.update(job.ID, func(j *Job) {
		j.Status = status
		j.Counts = agg.Counts()
		j.CompletedAt = agg.CompletedAt()
		final = *j
	})
	s.statusMu.Lock()
	if st := s.status[job.ID]; st != nil {
		st.cancel = nil
	}
	s.statusMu.Unlock()

	fields := []logx.Field{
		logx.String("status", string(status)),
		logx.Int("total", snap.Total),
		logx.Int("success", snap.Success),
		logx.Int("failed", snap.Failed),
		logx.Int("blocked", snap.Blocked),
		logx.Int("remaining", snap.Remaining),
		logx.Duration("elapsed", snap.Elapsed),
	}
	ev := eventbus.BroadcastCompleted
	if status == StatusCancelled {
		ev = eventbus.BroadcastCancelled
		log.Warn("broadcast cancelled", fields...)
	} else {
		log.Info("broadcast completed", fields...)
	}
	s.publish(ev, final)
	s.pruneStatus(s.now())
}

func (s *Service) update(id string, fn func(j *Job)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		fn(&st.job)
	}
}

func (s *Service) publish(typ string, data any) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
	}
}

// Status returns a copy of an in-memory job.
func (s *Service) Status(id string) (Job, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok {
		return Job{}, false
	}
	return st.job, true
}

// Lookup checks the in-memory status first and falls back to the store, so
// jobs from earlier runs stay visible.
func (s *Service) Lookup(ctx context.Context, id string) (Job, error) {
	if j, ok := s.Status(id); ok {
		return j, nil
	}
	if s.deps.Jobs == nil {
		return Job{}, ErrNotFound
	}
	rec, err := s.deps.Jobs.GetBroadcast(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	return jobFromRecord(rec), nil
}

// List returns in-memory jobs newest first.
func (s *Service) List(limit int) []Job {
	s.statusMu.RLock()
	out := make([]Job, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, st.job)
	}
	s.statusMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// History merges in-memory jobs with stored ones, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 10
	}
	live := s.List(0)
	seen := make(map[string]bool, len(live))
	out := append([]Job(nil), live...)
	for _, j := range live {
		seen[j.ID] = true
	}
	if s.deps.Jobs != nil {
		recs, err := s.deps.Jobs.ListBroadcasts(ctx, limit)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if !seen[r.ID] {
				out = append(out, jobFromRecord(r))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Cancel requests cancellation. A queued job is cancelled when a worker
// picks it up; a running job stops at the next batch boundary.
func (s *Service) Cancel(id string) error {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st, ok := s.status[id]
	if !ok {
		return ErrNotFound
	}
	if st.job.Status.Terminal() {
		return ErrFinished
	}
	st.cancelled = true
	if st.cancel != nil {
		st.cancel()
	}
	s.log.Info("broadcast cancel requested", logx.String("job", id), logx.String("status", string(st.job.Status)))
	return nil
}
