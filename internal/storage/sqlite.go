package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var sqliteSchema string

type sqliteStore struct {
	db *sql.DB
}

func openSQLite(ctx context.Context, cfg Config) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; WAL lets the status readers proceed alongside it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) AddRecipient(ctx context.Context, r Recipient) (bool, error) {
	if r.JoinedAt.IsZero() {
		r.JoinedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO recipients(user_id, username, lang, joined_at) VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO NOTHING`,
		r.UserID, nullStr(r.Username), nullStr(r.Lang), r.JoinedAt.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ListRecipientIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM recipients ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) CountRecipients(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipients`).Scan(&n)
	return n, err
}

func (s *sqliteStore) CreateBroadcast(ctx context.Context, rec BroadcastRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(id, name, initiator_id, kind, total, success, failed, blocked, status, created_at, started_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Name, rec.InitiatorID, rec.Kind, rec.Total,
		rec.Counts.Success, rec.Counts.Failed, rec.Counts.Blocked, rec.Status,
		millis(rec.CreatedAt), millis(rec.StartedAt), millis(rec.CompletedAt),
	)
	return err
}

func (s *sqliteStore) UpdateBroadcastCounts(ctx context.Context, id string, c Counts) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET success = ?, failed = ?, blocked = ? WHERE id = ?`,
		c.Success, c.Failed, c.Blocked, id,
	)
	return mustAffect(res, err)
}

func (s *sqliteStore) CompleteBroadcast(ctx context.Context, id, status string, c Counts, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET success = ?, failed = ?, blocked = ?, status = ?, completed_at = ? WHERE id = ?`,
		c.Success, c.Failed, c.Blocked, status, millis(at), id,
	)
	return mustAffect(res, err)
}

const broadcastCols = `id, name, initiator_id, kind, total, success, failed, blocked, status, created_at, started_at, completed_at`

func (s *sqliteStore) GetBroadcast(ctx context.Context, id string) (BroadcastRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+broadcastCols+` FROM broadcasts WHERE id = ?`, id)
	rec, err := scanBroadcast(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BroadcastRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *sqliteStore) ListBroadcasts(ctx context.Context, limit int) ([]BroadcastRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+broadcastCols+` FROM broadcasts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BroadcastRecord
	for rows.Next() {
		rec, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, action, target, err) VALUES(?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.ActorID, nullStr(e.ActorUsername), e.ChatID, e.Action, nullStr(e.Target), nullStr(e.Error),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBroadcast(r rowScanner) (BroadcastRecord, error) {
	var (
		rec                    BroadcastRecord
		created, started, done int64
	)
	err := r.Scan(&rec.ID, &rec.Name, &rec.InitiatorID, &rec.Kind, &rec.Total,
		&rec.Counts.Success, &rec.Counts.Failed, &rec.Counts.Blocked, &rec.Status,
		&created, &started, &done)
	if err != nil {
		return BroadcastRecord{}, err
	}
	rec.CreatedAt, rec.StartedAt, rec.CompletedAt = fromMillis(created), fromMillis(started), fromMillis(done)
	return rec, nil
}

func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
