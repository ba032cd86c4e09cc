package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures storage.
//
// Driver values: "memory" (or empty), "sqlite", "postgres", "redis".
type Config struct {
	Driver      string
	Path        string        // sqlite file
	DSN         string        // postgres connection string or redis URL
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Recipient struct {
	UserID   int64
	Username string
	Lang     string
	JoinedAt time.Time
}

// Counts are the per-job outcome tallies.
type Counts struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Blocked int `json:"blocked"`
}

func (c Counts) Done() int { return c.Success + c.Failed + c.Blocked }

// BroadcastRecord is the persisted view of a broadcast job.
type BroadcastRecord struct {
	ID          string
	Name        string
	InitiatorID int64
	Kind        string // payload kind
	Total       int
	Counts      Counts
	Status      string
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time // zero until the job ends
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	ChatID        int64
	Action        string
	Target        string
	Error         string
}

type RecipientStore interface {
	// AddRecipient inserts r if unknown. created is false for a repeat.
	AddRecipient(ctx context.Context, r Recipient) (created bool, err error)
	// ListRecipientIDs returns every known recipient in ascending id order.
	ListRecipientIDs(ctx context.Context) ([]int64, error)
	CountRecipients(ctx context.Context) (int, error)
}

type BroadcastStore interface {
	CreateBroadcast(ctx context.Context, rec BroadcastRecord) error
	UpdateBroadcastCounts(ctx context.Context, id string, c Counts) error
	// CompleteBroadcast records the terminal status and final counts.
	CompleteBroadcast(ctx context.Context, id, status string, c Counts, at time.Time) error
	GetBroadcast(ctx context.Context, id string) (BroadcastRecord, error)
	// ListBroadcasts returns up to limit records, newest first.
	ListBroadcasts(ctx context.Context, limit int) ([]BroadcastRecord, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
}

type Store interface {
	RecipientStore
	BroadcastStore
	AuditStore
	Close() error
}
