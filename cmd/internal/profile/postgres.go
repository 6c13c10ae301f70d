package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultSchema        = "finlearn"
	defaultNotifyChannel = "finlearn_profile"
	listenRetryDelay     = 2 * time.Second
)

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// PostgresStore keeps profiles in PostgreSQL and streams changes through
// LISTEN/NOTIFY. Writes notify with the user id as payload; one listening
// connection (see Listen) re-reads the row and fans it out to subscribers.
//
// PostgresStore does not own the pool.
type PostgresStore struct {
	pool    *pgxpool.Pool
	schema  string
	channel string
	log     *slog.Logger
	broker  *broker
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema (default: "finlearn").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("%w: invalid schema identifier", ErrInvalidInput)
		}
		s.schema = schema
		return nil
	}
}

// WithNotifyChannel sets the NOTIFY channel name (default: "finlearn_profile").
func WithNotifyChannel(channel string) PostgresOption {
	return func(s *PostgresStore) error {
		channel = strings.TrimSpace(channel)
		if !pgIdentRe.MatchString(channel) {
			return fmt.Errorf("%w: invalid channel identifier", ErrInvalidInput)
		}
		s.channel = channel
		return nil
	}
}

// WithLogger sets the logger used by the listen loop.
func WithLogger(log *slog.Logger) PostgresOption {
	return func(s *PostgresStore) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:    pool,
		schema:  defaultSchema,
		channel: defaultNotifyChannel,
		log:     slog.Default(),
		broker:  newBroker(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("profile: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "profiles"}.Sanitize()
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (Snapshot, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Snapshot{}, ErrInvalidInput
	}

	var out Snapshot
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, active_session_id, updated_at FROM `+s.table()+` WHERE user_id = $1`,
		userID,
	).Scan(&out.UserID, &out.ActiveSessionID, &out.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, err
	}
	out.UpdatedAt = out.UpdatedAt.UTC()
	return out, nil
}

func (s *PostgresStore) SetActiveSession(ctx context.Context, userID, sessionID string, now time.Time) (Snapshot, error) {
	userID, sessionID, err := normalizeIDs(userID, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	now = nowOr(now)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var out Snapshot
	err = tx.QueryRow(ctx,
		`INSERT INTO `+s.table()+` (user_id, active_session_id, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE
		    SET active_session_id = EXCLUDED.active_session_id,
		        updated_at = EXCLUDED.updated_at
		 RETURNING user_id, active_session_id, updated_at`,
		userID, sessionID, now,
	).Scan(&out.UserID, &out.ActiveSessionID, &out.UpdatedAt)
	if err != nil {
		return Snapshot{}, err
	}

	// NOTIFY is delivered on commit, so listeners never see uncommitted state.
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, userID); err != nil {
		return Snapshot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, err
	}

	out.UpdatedAt = out.UpdatedAt.UTC()
	return out, nil
}

func (s *PostgresStore) ClearActiveSession(ctx context.Context, userID, sessionID string, now time.Time) (bool, error) {
	userID, sessionID, err := normalizeIDs(userID, sessionID)
	if err != nil {
		return false, err
	}
	now = nowOr(now)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET active_session_id = NULL, updated_at = $3
		  WHERE user_id = $1 AND active_session_id = $2`,
		userID, sessionID, now,
	)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 0 {
		return false, nil
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, userID); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Subscribe registers a subscriber. Changes only flow while Listen runs.
func (s *PostgresStore) Subscribe(ctx context.Context, userID string) (<-chan Snapshot, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidInput
	}

	initial, err := s.Get(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		initial = Snapshot{UserID: userID}
	case err != nil:
		return nil, err
	}
	return s.broker.subscribe(ctx, userID, initial)
}

// Listen holds one pooled connection on LISTEN and publishes every notified
// profile to subscribers. It reconnects on failure and returns when ctx is done.
func (s *PostgresStore) Listen(ctx context.Context) error {
	defer s.broker.close()

	for {
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("profile.listen.fail", "channel", s.channel, "err", err)

		t := time.NewTimer(listenRetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	pc, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// The session carries LISTEN state; never hand it back to the pool.
	conn := pc.Hijack()
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		return err
	}
	s.log.Info("profile.listen.start", "channel", s.channel)

	// Changes made while no listener was attached would otherwise be lost.
	for _, userID := range s.broker.userIDs() {
		s.refresh(ctx, userID)
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		userID := strings.TrimSpace(n.Payload)
		if userID == "" || s.broker.subscribers(userID) == 0 {
			continue
		}
		s.refresh(ctx, userID)
	}
}

func (s *PostgresStore) refresh(ctx context.Context, userID string) {
	snap, err := s.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && ctx.Err() == nil {
			s.log.Warn("profile.listen.read.fail", "user_id", userID, "err", err)
		}
		return
	}
	s.broker.publish(snap)
}
