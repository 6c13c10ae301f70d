package session

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// Private claim names. Registered claims (iss, iat, nbf, exp) use the
// library setters.
const (
	claimUser    = "uid"
	claimSession = "sid"
	claimLogin   = "lid"
)

// AccessClaims is what an access token proves about its bearer on HTTP and
// on the realtime socket.
type AccessClaims struct {
	UserID    string
	SessionID string
	// LoginID is stable across refresh rotation; see Row.LoginID.
	LoginID   string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// AccessTokenManager issues and verifies short-lived access tokens.
type AccessTokenManager interface {
	Issue(userID, sessionID, loginID string, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (AccessClaims, error)
	PublicKeyHex() string
}

type pasetoV4PublicManager struct {
	cfg    Config
	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicManager signs with PASETO v4.public (Ed25519). Tokens are
// rejected unless issued by cfg.Issuer and valid at now+ClockSkew.
func NewPasetoV4PublicManager(cfg Config) (AccessTokenManager, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}
	return &pasetoV4PublicManager{cfg: cfg, secret: secret, public: secret.Public()}, nil
}

func (m *pasetoV4PublicManager) PublicKeyHex() string { return m.public.ExportHex() }

func (m *pasetoV4PublicManager) Issue(userID, sessionID, loginID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(m.cfg.AccessTokenTTL)

	t := paseto.NewToken()
	t.SetIssuer(m.cfg.Issuer)
	t.SetIssuedAt(now)
	t.SetNotBefore(now)
	t.SetExpiration(exp)
	for k, v := range map[string]string{claimUser: userID, claimSession: sessionID, claimLogin: loginID} {
		if err := t.Set(k, v); err != nil {
			return "", time.Time{}, err
		}
	}
	return t.V4Sign(m.secret, nil), exp, nil
}

func (m *pasetoV4PublicManager) Verify(token string, now time.Time) (AccessClaims, error) {
	// A Parser keeps the rules added to it, so each call gets a fresh one.
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(m.cfg.Issuer))
	p.AddRule(paseto.ValidAt(now.Add(m.cfg.ClockSkew)))

	t, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	var c AccessClaims
	for key, dst := range map[string]*string{claimUser: &c.UserID, claimSession: &c.SessionID, claimLogin: &c.LoginID} {
		v, err := t.GetString(key)
		if err != nil || v == "" {
			return AccessClaims{}, ErrInvalidToken
		}
		*dst = v
	}
	c.Issuer, _ = t.GetIssuer()
	c.ExpiresAt, _ = t.GetExpiration()
	c.IssuedAt, _ = t.GetIssuedAt()
	return c, nil
}
