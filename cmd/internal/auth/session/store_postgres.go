package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// PostgresStore implements Store over finlearn.sessions. It does not own the pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema (default: "finlearn").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("%w: invalid schema identifier", ErrConfig)
		}
		s.schema = schema
		return nil
	}
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "finlearn"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrConfig)
	}
	return st, nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "sessions"}.Sanitize()
}

const rowColumns = `id, login_id, user_id, refresh_token_hash,
	created_at, last_used_at, expires_at, revoked_at, revocation_reason,
	replaced_by_session_id`

func scanRow(r pgx.Row) (Row, error) {
	var row Row
	err := r.Scan(
		&row.ID,
		&row.LoginID,
		&row.UserID,
		&row.RefreshTokenHash,
		&row.CreatedAt,
		&row.LastUsedAt,
		&row.ExpiresAt,
		&row.RevokedAt,
		&row.RevocationReason,
		&row.ReplacedBySessionID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrSessionNotFound
	}
	return row, err
}

func (s *PostgresStore) insert(ctx context.Context, tx pgx.Tx, now time.Time, in NewSession) error {
	loginID := in.LoginID
	if loginID == "" {
		loginID = in.ID
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO `+s.table()+` (
			id, login_id, user_id, refresh_token_hash,
			created_at, last_used_at, expires_at,
			user_agent, ip
		) VALUES ($1, $2, $3, $4, $5, $5, $6, $7, $8)
	`, in.ID, loginID, in.UserID, in.RefreshHash, now, in.ExpiresAt, nullIfEmpty(in.Device.UserAgent), nullIP(in.Device))
	return err
}

// Create inserts a new session row.
func (s *PostgresStore) Create(ctx context.Context, now time.Time, in NewSession) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.insert(ctx, tx, now, in)
	})
}

// GetByID loads a session row by ID.
func (s *PostgresStore) GetByID(ctx context.Context, sessionID string) (Row, error) {
	return scanRow(s.pool.QueryRow(ctx,
		`SELECT `+rowColumns+` FROM `+s.table()+` WHERE id = $1`,
		sessionID,
	))
}

// Rotate runs the whole rotation in one transaction; the old row is locked
// with FOR UPDATE so concurrent refreshes of the same token serialize.
func (s *PostgresStore) Rotate(ctx context.Context, now time.Time, refreshHash string, next NewSession) (Row, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Row{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	old, err := scanRow(tx.QueryRow(ctx,
		`SELECT `+rowColumns+` FROM `+s.table()+` WHERE refresh_token_hash = $1 FOR UPDATE`,
		refreshHash,
	))
	if err != nil {
		return Row{}, err
	}

	if err := checkRotatable(old, now); err != nil {
		if errors.Is(err, ErrRefreshReuseDetected) {
			if _, rerr := tx.Exec(ctx, `
				UPDATE `+s.table()+`
				   SET revoked_at = COALESCE(revoked_at, $2),
				       revocation_reason = COALESCE(revocation_reason, $3)
				 WHERE user_id = $1
			`, old.UserID, now, ReasonReuseDetected); rerr != nil {
				return Row{}, rerr
			}
			if cerr := tx.Commit(ctx); cerr != nil {
				return Row{}, cerr
			}
		}
		return Row{}, err
	}

	next.UserID = old.UserID
	next.LoginID = old.LoginID
	if err := s.insert(ctx, tx, now, next); err != nil {
		return Row{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE `+s.table()+`
		   SET last_used_at = $2,
		       revoked_at = $2,
		       replaced_by_session_id = $3,
		       revocation_reason = $4
		 WHERE id = $1
	`, old.ID, now, next.ID, ReasonRotation); err != nil {
		return Row{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Row{}, err
	}
	return old, nil
}

// Touch updates last_used_at for a session.
func (s *PostgresStore) Touch(ctx context.Context, now time.Time, sessionID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE `+s.table()+` SET last_used_at = $2 WHERE id = $1`, sessionID, now)
	return err
}

// Revoke revokes a single session (idempotent).
func (s *PostgresStore) Revoke(ctx context.Context, now time.Time, sessionID string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+s.table()+`
		   SET revoked_at = COALESCE(revoked_at, $2),
		       revocation_reason = COALESCE(revocation_reason, $3)
		 WHERE id = $1
	`, sessionID, now, reason)
	return err
}

// RevokeLogin revokes the whole rotation chain of loginID. Rows already
// rotated keep their "rotation" reason.
func (s *PostgresStore) RevokeLogin(ctx context.Context, now time.Time, loginID string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+s.table()+`
		   SET revoked_at = COALESCE(revoked_at, $2),
		       revocation_reason = COALESCE(revocation_reason, $3)
		 WHERE login_id = $1
	`, loginID, now, reason)
	return err
}

// RevokeAll revokes all sessions for a user (idempotent).
func (s *PostgresStore) RevokeAll(ctx context.Context, now time.Time, userID string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+s.table()+`
		   SET revoked_at = COALESCE(revoked_at, $2),
		       revocation_reason = COALESCE(revocation_reason, $3)
		 WHERE user_id = $1
	`, userID, now, reason)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIP(dev DeviceContext) any {
	if dev.IP == nil {
		return nil
	}
	return dev.IP.String()
}
