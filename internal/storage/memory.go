package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs the default driver and tests.
type Memory struct {
	mu         sync.RWMutex
	recipients map[int64]Recipient
	broadcasts map[string]BroadcastRecord
	audit      []AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		recipients: map[int64]Recipient{},
		broadcasts: map[string]BroadcastRecord{},
	}
}

func (m *Memory) AddRecipient(_ context.Context, r Recipient) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recipients[r.UserID]; ok {
		return false, nil
	}
	if r.JoinedAt.IsZero() {
		r.JoinedAt = time.Now()
	}
	m.recipients[r.UserID] = r
	return true, nil
}

func (m *Memory) ListRecipientIDs(_ context.Context) ([]int64, error) {
	m.mu.RLock()
	ids := make([]int64, 0, len(m.recipients))
	for id := range m.recipients {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *Memory) CountRecipients(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.recipients), nil
}

func (m *Memory) CreateBroadcast(_ context.Context, rec BroadcastRecord) error {
	m.mu.Lock()
	m.broadcasts[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *Memory) UpdateBroadcastCounts(_ context.Context, id string, c Counts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.broadcasts[id]
	if !ok {
		return ErrNotFound
	}
	rec.Counts = c
	m.broadcasts[id] = rec
	return nil
}

func (m *Memory) CompleteBroadcast(_ context.Context, id, status string, c Counts, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.broadcasts[id]
	if !ok {
		return ErrNotFound
	}
	rec.Counts = c
	rec.Status = status
	rec.CompletedAt = at
	m.broadcasts[id] = rec
	return nil
}

func (m *Memory) GetBroadcast(_ context.Context, id string) (BroadcastRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.broadcasts[id]
	if !ok {
		return BroadcastRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) ListBroadcasts(_ context.Context, limit int) ([]BroadcastRecord, error) {
	m.mu.RLock()
	out := make([]BroadcastRecord, 0, len(m.broadcasts))
	for _, rec := range m.broadcasts {
		out = append(out, rec)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

// Audit returns a copy of the audit log.
func (m *Memory) Audit() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error { return nil }
