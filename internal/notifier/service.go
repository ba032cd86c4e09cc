// Package notifier tells owners how a broadcast ended when nobody is
// watching a status message, which is the case for scheduled runs.
//
// It listens on the event bus and sends one summary per finished job to every
// owner, through a token bucket with bounded retries.
package notifier

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"castbot/internal/broadcast"
	"castbot/internal/eventbus"
	rtsup "castbot/internal/runtime/supervisor"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
	"castbot/pkg/tgui"
)

const (
	sendTimeout = 10 * time.Second
	seenTTL     = 24 * time.Hour
	seenMax     = 256
)

type Config struct {
	Enabled       bool
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	return c
}

// Result is the payload of notify.sent and notify.failed events.
type Result struct {
	JobID  string `json:"job_id"`
	ChatID int64  `json:"chat_id"`
	Error  string `json:"error,omitempty"`
}

type textSender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	owners  []int64
	sup     *rtsup.Supervisor

	out textSender
	bus eventbus.Bus
	log logx.Logger

	seen map[string]time.Time

	// test hooks
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func New(cfg Config, out textSender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		out:   out,
		bus:   bus,
		log:   log,
		seen:  map[string]time.Time{},
		sleep: sleepCtx,
		now:   time.Now,
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	// burst equals rate so a handful of owners go out at once
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// SetOwners replaces the recipient list. Safe during hot reload.
func (s *Service) SetOwners(ids []int64) {
	s.mu.Lock()
	s.owners = append([]int64(nil), ids...)
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || s.bus == nil {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	// terminal events only: progress traffic must not crowd them out of
	// the buffer while a summary is in backoff
	done, unsubDone := s.bus.Subscribe(eventbus.BroadcastCompleted, 64)
	cancelled, unsubCancelled := s.bus.Subscribe(eventbus.BroadcastCancelled, 64)
	s.sup.Go0("notifier.events", func(c context.Context) {
		defer unsubDone()
		defer unsubCancelled()
		for done != nil || cancelled != nil {
			select {
			case <-c.Done():
				return
			case e, ok := <-done:
				if !ok {
					done = nil
					continue
				}
				s.handle(c, e)
			case e, ok := <-cancelled:
				if !ok {
					cancelled = nil
					continue
				}
				s.handle(c, e)
			}
		}
	})
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("notifier stop incomplete", logx.Err(err))
	}
}

func (s *Service) handle(ctx context.Context, e eventbus.Event) {
	if e.Type != eventbus.BroadcastCompleted && e.Type != eventbus.BroadcastCancelled {
		return
	}
	job, ok := e.Data.(broadcast.Job)
	// operator-started jobs report through their own status message
	if !ok || job.InitiatorID != 0 {
		return
	}
	s.Notify(ctx, job)
}

// Notify sends the job summary to every owner once per job id.
func (s *Service) Notify(ctx context.Context, job broadcast.Job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	owners := append([]int64(nil), s.owners...)
	if !cfg.Enabled || !s.markSeenLocked(job.ID) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	text := Summary(job).String()
	for _, id := range owners {
		err := s.sendWithRetry(ctx, cfg, lim, kit.ChatTarget{ChatID: id}, text)
		res := Result{JobID: job.ID, ChatID: id}
		typ := eventbus.NotifySent
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			typ, res.Error = eventbus.NotifyFailed, err.Error()
			s.log.Warn("owner notification failed", logx.String("job", job.ID), logx.Int64("chat_id", id), logx.Err(err))
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: res})
		}
	}
}

func (s *Service) markSeenLocked(id string) bool {
	now := s.now()
	if until, ok := s.seen[id]; ok && now.Before(until) {
		return false
	}
	if len(s.seen) >= seenMax {
		for k, until := range s.seen {
			if !now.Before(until) {
				delete(s.seen, k)
			}
		}
	}
	if len(s.seen) >= seenMax {
		// still full of live entries; forget everything rather than grow
		clear(s.seen)
	}
	s.seen[id] = now.Add(seenTTL)
	return true
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, lim *rate.Limiter, to kit.ChatTarget, text string) error {
	opt := &kit.SendOptions{ParseMode: tgui.ParseModeHTML, DisablePreview: true}
	var lastErr error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err := s.out.SendText(callCtx, to, text, opt)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		// a recipient that blocked the bot won't change its mind on retry
		if errors.Is(err, kit.ErrBlocked) {
			break
		}
		if attempt > cfg.RetryMax {
			break
		}
		if err := s.sleep(ctx, retryDelay(cfg, attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

// retryDelay is base*2^(attempt-1) capped at RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(min(d, cfg.RetryMaxDelay)) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Summary renders the owner message for a finished job.
func Summary(j broadcast.Job) tgui.H {
	title := "Scheduled broadcast finished"
	if j.Status == broadcast.StatusCancelled {
		title = "Scheduled broadcast cancelled"
	}
	head := tgui.H("📅 ") + tgui.B(title)
	if j.Name != "" {
		head += " " + tgui.Code(j.Name)
	}
	return tgui.Lines(head, "", broadcast.JobText(j, tgui.FormatDuration(j.Elapsed(j.CompletedAt))))
}
