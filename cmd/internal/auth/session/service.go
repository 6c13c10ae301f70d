package session

import (
	"context"
	"strings"
	"time"

	"finlearn/cmd/identity/ids"
	"finlearn/cmd/security/token"
)

// Service issues sessions (access + refresh), validates access tokens,
// revokes sessions and rotates refresh tokens with reuse detection.
type Service struct {
	cfg    Config
	tokens AccessTokenManager
	store  Store
	hasher token.Hasher
}

// Issued is the result of issuing or rotating a session.
type Issued struct {
	SessionID    string
	LoginID      string
	AccessToken  string
	AccessExp    time.Time
	RefreshToken string
	RefreshExp   time.Time
}

func NewService(cfg Config, store Store, tokens AccessTokenManager, opts ...ServiceOption) *Service {
	s := &Service{cfg: cfg, store: store, tokens: tokens}
	s.hasher, _ = token.FromEnv(false)
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) refreshTTL(dev DeviceContext) time.Duration {
	if dev.RememberMe {
		return s.cfg.RefreshTTLRemember
	}
	return s.cfg.RefreshTTL
}

// IssueSession starts a new login. The new session id doubles as the login id.
//
// Refresh tokens are opaque; only their hash is persisted.
func (s *Service) IssueSession(ctx context.Context, now time.Time, userID string, dev DeviceContext) (Issued, error) {
	refreshPlain, refreshHash, err := s.newRefreshToken()
	if err != nil {
		return Issued{}, err
	}
	sessionID, err := ids.NewULID(now)
	if err != nil {
		return Issued{}, err
	}
	refreshExp := now.Add(s.refreshTTL(dev))

	err = s.store.Create(ctx, now, NewSession{
		ID:          sessionID,
		LoginID:     sessionID,
		UserID:      userID,
		RefreshHash: refreshHash,
		ExpiresAt:   refreshExp,
		Device:      dev,
	})
	if err != nil {
		return Issued{}, err
	}

	accessToken, accessExp, err := s.tokens.Issue(userID, sessionID, sessionID, now)
	if err != nil {
		return Issued{}, err
	}

	return Issued{
		SessionID:    sessionID,
		LoginID:      sessionID,
		AccessToken:  accessToken,
		AccessExp:    accessExp,
		RefreshToken: refreshPlain,
		RefreshExp:   refreshExp,
	}, nil
}

// ValidateAccessToken verifies an access token and checks the backing
// session is still active, so revocations take effect before token expiry.
func (s *Service) ValidateAccessToken(ctx context.Context, token string, now time.Time) (AccessClaims, error) {
	claims, err := s.tokens.Verify(token, now)
	if err != nil {
		return AccessClaims{}, err
	}

	row, err := s.store.GetByID(ctx, claims.SessionID)
	if err != nil {
		return AccessClaims{}, err
	}

	if row.UserID != claims.UserID || row.LoginID != claims.LoginID {
		return AccessClaims{}, ErrInvalidToken
	}
	if row.RevokedAt != nil || row.ReplacedBySessionID != nil {
		return AccessClaims{}, ErrSessionRevoked
	}
	if !row.ExpiresAt.After(now) {
		return AccessClaims{}, ErrSessionExpired
	}

	return claims, nil
}

// RevokeSession revokes a single session. reason is one of the Reason* constants.
func (s *Service) RevokeSession(ctx context.Context, now time.Time, sessionID, reason string) error {
	return s.store.Revoke(ctx, now, sessionID, reason)
}

// RevokeLogin revokes every session issued under loginID, including
// rotations the caller has not seen.
func (s *Service) RevokeLogin(ctx context.Context, now time.Time, loginID, reason string) error {
	if strings.TrimSpace(loginID) == "" {
		return ErrSessionNotFound
	}
	return s.store.RevokeLogin(ctx, now, loginID, reason)
}

// RevokeAll revokes every session of a user.
func (s *Service) RevokeAll(ctx context.Context, now time.Time, userID, reason string) error {
	return s.store.RevokeAll(ctx, now, userID, reason)
}

// TouchSession updates last_used_at (best-effort).
func (s *Service) TouchSession(ctx context.Context, now time.Time, sessionID string) error {
	return s.store.Touch(ctx, now, sessionID)
}

// RotateRefresh exchanges a refresh token for a new session in the same
// login chain. Presenting an already rotated token revokes every session of
// the user and returns ErrRefreshReuseDetected.
func (s *Service) RotateRefresh(ctx context.Context, now time.Time, refreshTokenPlain string, dev DeviceContext) (Issued, error) {
	refreshTokenPlain = strings.TrimSpace(refreshTokenPlain)
	if refreshTokenPlain == "" || len(refreshTokenPlain) > 4096 {
		return Issued{}, ErrSessionNotFound
	}

	newRefreshPlain, newRefreshHash, err := s.newRefreshToken()
	if err != nil {
		return Issued{}, err
	}
	newSessionID, err := ids.NewULID(now)
	if err != nil {
		return Issued{}, err
	}
	newRefreshExp := now.Add(s.refreshTTL(dev))

	old, err := s.store.Rotate(ctx, now, s.hasher.Hash(refreshTokenPlain), NewSession{
		ID:          newSessionID,
		RefreshHash: newRefreshHash,
		ExpiresAt:   newRefreshExp,
		Device:      dev,
	})
	if err != nil {
		return Issued{}, err
	}

	accessToken, accessExp, err := s.tokens.Issue(old.UserID, newSessionID, old.LoginID, now)
	if err != nil {
		return Issued{}, err
	}

	return Issued{
		SessionID:    newSessionID,
		LoginID:      old.LoginID,
		AccessToken:  accessToken,
		AccessExp:    accessExp,
		RefreshToken: newRefreshPlain,
		RefreshExp:   newRefreshExp,
	}, nil
}
