package broadcast

import (
	"errors"
	"time"

	"castbot/internal/storage"
	kit "castbot/internal/transport"
)

var (
	ErrDisabled   = errors.New("broadcast: disabled")
	ErrNotRunning = errors.New("broadcast: service not running")
	ErrQueueFull  = errors.New("broadcast: queue full")
	ErrNotFound   = errors.New("broadcast: job not found")
	ErrFinished   = errors.New("broadcast: job already finished")
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

type Outcome uint8

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeFailed
	OutcomeBlocked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeBlocked:
		return "blocked"
	}
	return "unknown"
}

type Counts = storage.Counts

// Snapshot is a read-only view of a job's progress.
type Snapshot struct {
	Total     int           `json:"total"`
	Success   int           `json:"success"`
	Failed    int           `json:"failed"`
	Blocked   int           `json:"blocked"`
	Remaining int           `json:"remaining"`
	Elapsed   time.Duration `json:"elapsed"`
}

func (s Snapshot) Done() int { return s.Success + s.Failed + s.Blocked }

// Request submits a broadcast. StatusMessage, when set, is the operator
// message edited with progress and finally replaced by the summary.
type Request struct {
	Name          string
	InitiatorID   int64
	Payload       kit.Payload
	StatusMessage kit.MessageRef
}

// Job is the published status of one broadcast.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	InitiatorID int64           `json:"initiator_id"`
	Kind        kit.PayloadKind `json:"kind"`
	Total       int             `json:"total"`
	Counts      Counts          `json:"counts"`
	Status      Status          `json:"status"`
	Batches     int             `json:"batches_done"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

func (j Job) Remaining() int { return j.Total - j.Counts.Done() }

// Elapsed is completion minus start for finished jobs, time since start otherwise.
func (j Job) Elapsed(now time.Time) time.Duration {
	switch {
	case j.StartedAt.IsZero():
		return 0
	case !j.CompletedAt.IsZero():
		return j.CompletedAt.Sub(j.StartedAt)
	}
	return now.Sub(j.StartedAt)
}

func jobFromRecord(r storage.BroadcastRecord) Job {
	return Job{
		ID:          r.ID,
		Name:        r.Name,
		InitiatorID: r.InitiatorID,
		Kind:        kit.PayloadKind(r.Kind),
		Total:       r.Total,
		Counts:      r.Counts,
		Status:      Status(r.Status),
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}
