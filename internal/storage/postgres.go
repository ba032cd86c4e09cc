package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed postgres.sql
var postgresSchema string

type pgStore struct {
	pool *pgxpool.Pool
}

func openPostgres(ctx context.Context, cfg Config) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	for _, stmt := range strings.Split(postgresSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return &pgStore{pool: pool}, nil
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgStore) AddRecipient(ctx context.Context, r Recipient) (bool, error) {
	if r.JoinedAt.IsZero() {
		r.JoinedAt = time.Now()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO recipients(user_id, username, lang, joined_at) VALUES($1,$2,$3,$4)
		 ON CONFLICT (user_id) DO NOTHING`,
		r.UserID, r.Username, r.Lang, r.JoinedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgStore) ListRecipientIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM recipients ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *pgStore) CountRecipients(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM recipients`).Scan(&n)
	return n, err
}

func (s *pgStore) CreateBroadcast(ctx context.Context, rec BroadcastRecord) error {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return fmt.Errorf("broadcast id: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO broadcasts(id, name, initiator_id, kind, total, success, failed, blocked, status, created_at, started_at, completed_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		id, rec.Name, rec.InitiatorID, rec.Kind, rec.Total,
		rec.Counts.Success, rec.Counts.Failed, rec.Counts.Blocked, rec.Status,
		rec.CreatedAt, nullTime(rec.StartedAt), nullTime(rec.CompletedAt),
	)
	return err
}

func (s *pgStore) UpdateBroadcastCounts(ctx context.Context, id string, c Counts) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE broadcasts SET success = $1, failed = $2, blocked = $3 WHERE id = $4`,
		c.Success, c.Failed, c.Blocked, uid,
	)
	return pgAffected(tag, err)
}

func (s *pgStore) CompleteBroadcast(ctx context.Context, id, status string, c Counts, at time.Time) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE broadcasts SET success = $1, failed = $2, blocked = $3, status = $4, completed_at = $5 WHERE id = $6`,
		c.Success, c.Failed, c.Blocked, status, at, uid,
	)
	return pgAffected(tag, err)
}

const pgBroadcastCols = `id::text, name, initiator_id, kind, total, success, failed, blocked, status, created_at, started_at, completed_at`

func (s *pgStore) GetBroadcast(ctx context.Context, id string) (BroadcastRecord, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return BroadcastRecord{}, ErrNotFound
	}
	rec, err := scanPGBroadcast(s.pool.QueryRow(ctx, `SELECT `+pgBroadcastCols+` FROM broadcasts WHERE id = $1`, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return BroadcastRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *pgStore) ListBroadcasts(ctx context.Context, limit int) ([]BroadcastRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgBroadcastCols+` FROM broadcasts ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BroadcastRecord
	for rows.Next() {
		rec, err := scanPGBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *pgStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, action, target, err) VALUES($1,$2,$3,$4,$5,$6,$7)`,
		e.At, e.ActorID, e.ActorUsername, e.ChatID, e.Action, e.Target, e.Error,
	)
	return err
}

func scanPGBroadcast(r pgx.Row) (BroadcastRecord, error) {
	var (
		rec           BroadcastRecord
		started, done *time.Time
	)
	err := r.Scan(&rec.ID, &rec.Name, &rec.InitiatorID, &rec.Kind, &rec.Total,
		&rec.Counts.Success, &rec.Counts.Failed, &rec.Counts.Blocked, &rec.Status,
		&rec.CreatedAt, &started, &done)
	if err != nil {
		return BroadcastRecord{}, err
	}
	if started != nil {
		rec.StartedAt = *started
	}
	if done != nil {
		rec.CompletedAt = *done
	}
	return rec, nil
}

func pgAffected(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
