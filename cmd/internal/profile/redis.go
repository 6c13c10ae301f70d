package profile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldActiveSession = "active_session_id"
	fieldUpdatedAt     = "updated_at"
	defaultRedisPrefix = "finlearn:profile:"
)

// RedisStore keeps each profile in a hash and publishes every change as JSON
// on a per-user channel.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	log    *slog.Logger
}

// RedisOption configures RedisStore behavior.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key and channel prefix (default: "finlearn:profile:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if p := strings.TrimSpace(prefix); p != "" {
			s.prefix = p
		}
	}
}

// WithRedisLogger sets the logger used by subscription goroutines.
func WithRedisLogger(log *slog.Logger) RedisOption {
	return func(s *RedisStore) {
		if log != nil {
			s.log = log
		}
	}
}

func NewRedisStore(rdb *redis.Client, opts ...RedisOption) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("profile: nil redis client")
	}
	s := &RedisStore{rdb: rdb, prefix: defaultRedisPrefix, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *RedisStore) key(userID string) string     { return s.prefix + userID }
func (s *RedisStore) channel(userID string) string { return s.prefix + userID + ":changed" }

func (s *RedisStore) Get(ctx context.Context, userID string) (Snapshot, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Snapshot{}, ErrInvalidInput
	}

	vals, err := s.rdb.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		return Snapshot{}, err
	}
	if len(vals) == 0 {
		return Snapshot{}, ErrNotFound
	}
	return decodeHash(userID, vals), nil
}

func decodeHash(userID string, vals map[string]string) Snapshot {
	out := Snapshot{UserID: userID}
	if id := vals[fieldActiveSession]; id != "" {
		out.ActiveSessionID = &id
	}
	if ts, err := time.Parse(time.RFC3339Nano, vals[fieldUpdatedAt]); err == nil {
		out.UpdatedAt = ts.UTC()
	}
	return out
}

func (s *RedisStore) SetActiveSession(ctx context.Context, userID, sessionID string, now time.Time) (Snapshot, error) {
	userID, sessionID, err := normalizeIDs(userID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	id := sessionID
	snap := Snapshot{UserID: userID, ActiveSessionID: &id, UpdatedAt: nowOr(now)}

	payload, err := json.Marshal(snap)
	if err != nil {
		return Snapshot{}, err
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.key(userID),
		fieldActiveSession, sessionID,
		fieldUpdatedAt, snap.UpdatedAt.Format(time.RFC3339Nano),
	)
	pipe.Publish(ctx, s.channel(userID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *RedisStore) ClearActiveSession(ctx context.Context, userID, sessionID string, now time.Time) (bool, error) {
	userID, sessionID, err := normalizeIDs(userID, sessionID)
	if err != nil {
		return false, err
	}
	snap := Snapshot{UserID: userID, UpdatedAt: nowOr(now)}
	payload, err := json.Marshal(snap)
	if err != nil {
		return false, err
	}

	key := s.key(userID)
	changed := false
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, fieldActiveSession).Result()
		if errors.Is(err, redis.Nil) || (err == nil && cur != sessionID) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, key, fieldActiveSession)
			pipe.HSet(ctx, key, fieldUpdatedAt, snap.UpdatedAt.Format(time.RFC3339Nano))
			pipe.Publish(ctx, s.channel(userID), payload)
			return nil
		})
		if err == nil {
			changed = true
		}
		return err
	}, key)
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (s *RedisStore) Subscribe(ctx context.Context, userID string) (<-chan Snapshot, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidInput
	}

	ps := s.rdb.Subscribe(ctx, s.channel(userID))
	// Wait for the confirmation so no publish after this point is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	initial, err := s.Get(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		initial = Snapshot{UserID: userID}
	case err != nil:
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Snapshot, 1)
	out <- initial

	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var snap Snapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil || snap.UserID != userID {
					s.log.Warn("profile.redis.decode.fail", "user_id", userID, "err", err)
					continue
				}
				offer(out, snap)
			}
		}
	}()
	return out, nil
}
