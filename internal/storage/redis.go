package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisPrefix        = "castbot:"
	redisRecipients    = redisPrefix + "recipients"
	redisBroadcastIdx  = redisPrefix + "broadcasts"
	redisAudit         = redisPrefix + "audit"
	redisAuditMaxItems = 10000
)

func redisBroadcastKey(id string) string { return redisPrefix + "broadcast:" + id }
func redisRecipientKey(id int64) string {
	return redisPrefix + "recipient:" + strconv.FormatInt(id, 10)
}

type redisStore struct {
	rdb *redis.Client
}

// openRedis accepts a redis:// URL or a bare host:port.
func openRedis(ctx context.Context, cfg Config) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("redis dsn is required")
	}
	var opt *redis.Options
	if strings.HasPrefix(dsn, "redis://") || strings.HasPrefix(dsn, "rediss://") {
		var err error
		if opt, err = redis.ParseURL(dsn); err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
	} else {
		opt = &redis.Options{Addr: dsn}
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &redisStore{rdb: rdb}, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) AddRecipient(ctx context.Context, r Recipient) (bool, error) {
	added, err := s.rdb.SAdd(ctx, redisRecipients, r.UserID).Result()
	if err != nil || added == 0 {
		return false, err
	}
	if r.JoinedAt.IsZero() {
		r.JoinedAt = time.Now()
	}
	err = s.rdb.HSet(ctx, redisRecipientKey(r.UserID),
		"username", r.Username,
		"lang", r.Lang,
		"joined_at", r.JoinedAt.UnixMilli(),
	).Err()
	return true, err
}

func (s *redisStore) ListRecipientIDs(ctx context.Context) ([]int64, error) {
	members, err := s.rdb.SMembers(ctx, redisRecipients).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("recipient %q: %w", m, err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *redisStore) CountRecipients(ctx context.Context) (int, error) {
	n, err := s.rdb.SCard(ctx, redisRecipients).Result()
	return int(n), err
}

func (s *redisStore) CreateBroadcast(ctx context.Context, rec BroadcastRecord) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, redisBroadcastKey(rec.ID),
			"id", rec.ID,
			"name", rec.Name,
			"initiator_id", rec.InitiatorID,
			"kind", rec.Kind,
			"total", rec.Total,
			"success", rec.Counts.Success,
			"failed", rec.Counts.Failed,
			"blocked", rec.Counts.Blocked,
			"status", rec.Status,
			"created_at", millis(rec.CreatedAt),
			"started_at", millis(rec.StartedAt),
			"completed_at", millis(rec.CompletedAt),
		)
		p.ZAdd(ctx, redisBroadcastIdx, redis.Z{Score: float64(millis(rec.CreatedAt)), Member: rec.ID})
		return nil
	})
	return err
}

func (s *redisStore) UpdateBroadcastCounts(ctx context.Context, id string, c Counts) error {
	return s.updateBroadcast(ctx, id,
		"success", c.Success,
		"failed", c.Failed,
		"blocked", c.Blocked,
	)
}

func (s *redisStore) CompleteBroadcast(ctx context.Context, id, status string, c Counts, at time.Time) error {
	return s.updateBroadcast(ctx, id,
		"success", c.Success,
		"failed", c.Failed,
		"blocked", c.Blocked,
		"status", status,
		"completed_at", millis(at),
	)
}

// updateBroadcast writes fields only if the job hash exists, so a late write
// for an unknown id never creates a partial record.
func (s *redisStore) updateBroadcast(ctx context.Context, id string, fields ...any) error {
	key := redisBroadcastKey(id)
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, fields...)
			return nil
		})
		return err
	}, key)
}

func (s *redisStore) GetBroadcast(ctx context.Context, id string) (BroadcastRecord, error) {
	m, err := s.rdb.HGetAll(ctx, redisBroadcastKey(id)).Result()
	if err != nil {
		return BroadcastRecord{}, err
	}
	if len(m) == 0 {
		return BroadcastRecord{}, ErrNotFound
	}
	return broadcastFromHash(m)
}

func (s *redisStore) ListBroadcasts(ctx context.Context, limit int) ([]BroadcastRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.rdb.ZRevRange(ctx, redisBroadcastIdx, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]BroadcastRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetBroadcast(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, redisAudit, b)
		p.LTrim(ctx, redisAudit, 0, redisAuditMaxItems-1)
		return nil
	})
	return err
}

func broadcastFromHash(m map[string]string) (BroadcastRecord, error) {
	var firstErr error
	num := func(k string) int64 {
		v, err := strconv.ParseInt(m[k], 10, 64)
		if err != nil && firstErr == nil && m[k] != "" {
			firstErr = fmt.Errorf("field %s: %w", k, err)
		}
		return v
	}
	rec := BroadcastRecord{
		ID:          m["id"],
		Name:        m["name"],
		InitiatorID: num("initiator_id"),
		Kind:        m["kind"],
		Total:       int(num("total")),
		Counts: Counts{
			Success: int(num("success")),
			Failed:  int(num("failed")),
			Blocked: int(num("blocked")),
		},
		Status:      m["status"],
		CreatedAt:   fromMillis(num("created_at")),
		StartedAt:   fromMillis(num("started_at")),
		CompletedAt: fromMillis(num("completed_at")),
	}
	return rec, firstErr
}
