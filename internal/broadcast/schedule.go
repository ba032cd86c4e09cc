package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// Schedule is a recurring text broadcast.
type Schedule struct {
	Name      string
	Spec      string
	Text      string
	ParseMode string
}

type ScheduleEntry struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
}

type submitter interface {
	Submit(ctx context.Context, req Request) (Job, error)
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedules checks every spec and payload without registering anything.
func ValidateSchedules(defs []Schedule) error {
	var errs []error
	for _, d := range defs {
		if _, err := scheduleParser.Parse(strings.TrimSpace(d.Spec)); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", d.Name, err))
		}
		if err := d.payload().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", d.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (d Schedule) payload() kit.Payload {
	return kit.Payload{Kind: kit.KindText, Body: d.Text, ParseMode: d.ParseMode}
}

// Scheduler submits configured broadcasts on their cron schedule.
type Scheduler struct {
	mu   sync.Mutex
	svc  submitter
	log  logx.Logger
	defs []Schedule
	c    *cron.Cron
	ctx  context.Context
	ids  map[string]cron.EntryID
}

func NewScheduler(svc submitter, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{svc: svc, log: log}
}

// Apply replaces the schedule set. A running scheduler is rebuilt.
func (s *Scheduler) Apply(defs []Schedule) error {
	if err := ValidateSchedules(defs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = append([]Schedule(nil), defs...)
	if s.c != nil {
		<-s.c.Stop().Done()
		s.startLocked()
	}
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
}

func (s *Scheduler) startLocked() {
	s.c = cron.New(cron.WithParser(scheduleParser))
	s.ids = map[string]cron.EntryID{}
	ctx := s.ctx
	for _, d := range s.defs {
		d := d
		id, err := s.c.AddFunc(d.Spec, func() { s.fire(ctx, d) })
		if err != nil {
			s.log.Warn("schedule rejected", logx.String("name", d.Name), logx.Err(err))
			continue
		}
		s.ids[d.Name] = id
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("schedules", len(s.ids)))
}

// fire runs on the cron goroutine and must not take s.mu: Apply holds it
// while waiting for running jobs.
func (s *Scheduler) fire(ctx context.Context, d Schedule) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	job, err := s.svc.Submit(ctx, Request{Name: d.Name, Payload: d.payload()})
	if err != nil {
		s.log.Warn("scheduled broadcast not submitted", logx.String("name", d.Name), logx.Err(err))
		return
	}
	s.log.Info("scheduled broadcast submitted", logx.String("name", d.Name), logx.String("job", job.ID), logx.Int("total", job.Total))
}

func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Entries lists registered schedules with their next fire time.
func (s *Scheduler) Entries() []ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleEntry, 0, len(s.defs))
	for _, d := range s.defs {
		e := ScheduleEntry{Name: d.Name, Spec: d.Spec}
		if s.c != nil {
			if id, ok := s.ids[d.Name]; ok {
				e.Next = s.c.Entry(id).Next
			}
		}
		out = append(out, e)
	}
	return out
}
