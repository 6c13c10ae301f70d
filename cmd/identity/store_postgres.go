package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"finlearn/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over finlearn.users and
// finlearn.user_credentials. The pool is owned by the caller.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// WithSchema sets the schema holding the identity tables (default "finlearn").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier %q", schema)
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
		return nil, errors.New("identity: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) ident(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

// CreateUser inserts the user and its credentials in one transaction.
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	n, err := normalizeInput(op, in)
	if err != nil {
		return User{}, err
	}
	userID, err := ids.NewULID(n.now)
	if err != nil {
		return User{}, err
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO `+s.ident("users")+` (
			     id, username, username_norm, email, email_norm, display_name, created_at, updated_at
			 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
			userID, n.username, n.usernameNorm, n.email, n.emailNorm, n.displayName, n.now,
		)
		if err != nil {
			if field, ok := classifyUniqueViolation(err); ok {
				return ConflictError{Op: op, Field: field}
			}
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO `+s.ident("user_credentials")+` (user_id, password_hash, created_at, updated_at)
			 VALUES ($1, $2, $3, $3)`,
			userID, in.PasswordHash, n.now,
		)
		return err
	})
	if err != nil {
		return User{}, err
	}

	return User{
		ID:          userID,
		Username:    n.username,
		Email:       n.email,
		DisplayName: n.displayName,
		CreatedAt:   n.now,
	}, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const op = "identity.GetUserByID"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, invalid(op, "missing user id")
	}

	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, email, display_name, created_at
		   FROM `+s.ident("users")+`
		  WHERE id = $1`,
		userID,
	).Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, notFound(op)
	}
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func (s *PostgresStore) GetCredentials(ctx context.Context, login string) (Credentials, error) {
	const op = "identity.GetCredentials"

	key, isEmail := NormalizeLogin(login)
	if key == "" {
		return Credentials{}, invalid(op, "empty login")
	}
	column := "username_norm"
	if isEmail {
		column = "email_norm"
	}

	var c Credentials
	err := s.pool.QueryRow(ctx,
		`SELECT u.id, u.username, u.email, u.display_name, u.created_at, c.password_hash
		   FROM `+s.ident("users")+` u
		   JOIN `+s.ident("user_credentials")+` c ON c.user_id = u.id
		  WHERE u.`+column+` = $1`,
		key,
	).Scan(&c.User.ID, &c.User.Username, &c.User.Email, &c.User.DisplayName, &c.User.CreatedAt, &c.PasswordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credentials{}, notFound(op)
	}
	if err != nil {
		return Credentials{}, err
	}
	c.User.CreatedAt = c.User.CreatedAt.UTC()
	return c, nil
}

func classifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return "", false
	}
	c := strings.ToLower(pgErr.ConstraintName)
	switch {
	case strings.Contains(c, "username"):
		return "username", true
	case strings.Contains(c, "email"):
		return "email", true
	default:
		return "unique", true
	}
}
