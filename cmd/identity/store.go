package identity

import (
	"context"
	"strings"
	"time"
)

// User is a learner account.
type User struct {
	ID          string
	Username    *string
	Email       *string
	DisplayName *string
	CreatedAt   time.Time
}

// Credentials pairs a user with the stored password hash.
type Credentials struct {
	User         User
	PasswordHash string
}

// CreateUserInput describes a registration. At least one of Username or
// Email must be set. PasswordHash is an encoded hash, never a password.
type CreateUserInput struct {
	Username     *string
	Email        *string
	DisplayName  *string
	PasswordHash string
	Now          time.Time
}

// Store is the account persistence boundary.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)

	// GetCredentials looks a user up by username or email.
	GetCredentials(ctx context.Context, login string) (Credentials, error)
}

// normalized is a validated CreateUserInput.
type normalized struct {
	username, usernameNorm *string
	email, emailNorm       *string
	displayName            *string
	now                    time.Time
}

func normalizeInput(op string, in CreateUserInput) (normalized, error) {
	var out normalized

	out.username = trimPtr(in.Username)
	out.email = trimPtr(in.Email)
	out.displayName = trimPtr(in.DisplayName)

	if out.username == nil && out.email == nil {
		return normalized{}, invalid(op, "username or email is required")
	}
	if strings.TrimSpace(in.PasswordHash) == "" {
		return normalized{}, invalid(op, "password hash is required")
	}
	if out.username != nil {
		n := NormalizeUsername(*out.username)
		if !validUsername(n) {
			return normalized{}, invalid(op, "username must be 3-32 of a-z 0-9 _ . -")
		}
		out.usernameNorm = &n
	}
	if out.email != nil {
		n := NormalizeEmail(*out.email)
		if !validEmail(n) {
			return normalized{}, invalid(op, "malformed email")
		}
		out.emailNorm = &n
	}
	if out.displayName != nil && len(*out.displayName) > 64 {
		return normalized{}, invalid(op, "display name too long")
	}

	out.now = in.Now
	if out.now.IsZero() {
		out.now = time.Now()
	}
	out.now = out.now.UTC()
	return out, nil
}

func trimPtr(p *string) *string {
	if p == nil {
		return nil
	}
	s := strings.TrimSpace(*p)
	if s == "" {
		return nil
	}
	return &s
}
