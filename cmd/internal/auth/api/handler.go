package authapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"finlearn/cmd/identity"
	"finlearn/cmd/internal/auth/session"
	"finlearn/cmd/internal/profile"
	"finlearn/cmd/security/password"
)

const dummyPassword = "finlearn-timing-equalizer-pw"

// Deps are the services a Handler drives. Audit, Logger and Now are optional.
type Deps struct {
	Identity  identity.Store
	Sessions  *session.Service
	Profiles  profile.Store
	Passwords password.Config
	Audit     AuditSink
	Logger    *slog.Logger
	Now       func() time.Time
}

// Handler serves the auth endpoints and owns the rule that a login becomes
// the profile's active session.
type Handler struct {
	log *slog.Logger
	cfg Config

	identity  identity.Store
	sessions  *session.Service
	profiles  profile.Store
	passwords password.Config
	audit     AuditSink
	now       func() time.Time
	limiter   *ipLimiter

	dummyHash string
}

func NewHandler(cfg Config, deps Deps) (*Handler, error) {
	if deps.Identity == nil || deps.Sessions == nil || deps.Profiles == nil {
		return nil, errors.New("authapi: identity, sessions and profiles are required")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	audit := deps.Audit
	if audit == nil {
		audit = LogAudit{Log: log}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	h := &Handler{
		log:       log,
		cfg:       cfg,
		identity:  deps.Identity,
		sessions:  deps.Sessions,
		profiles:  deps.Profiles,
		passwords: deps.Passwords,
		audit:     audit,
		now:       func() time.Time { return now().UTC() },
		limiter:   newIPLimiter(cfg.LoginRate, cfg.LoginBurst, cfg.LimiterIdleTTL),
	}

	// Unknown logins still pay for one Verify.
	hash, err := deps.Passwords.Hash(dummyPassword)
	if err != nil {
		return nil, fmt.Errorf("authapi: dummy hash: %w", err)
	}
	h.dummyHash = hash

	return h, nil
}

// Register wires auth routes onto mux. Other methods get the mux's 405.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /auth/register", h.handleRegister)
	mux.HandleFunc("POST /auth/login", h.handleLogin)
	mux.HandleFunc("POST /auth/refresh", h.handleRefresh)
	mux.HandleFunc("POST /auth/logout", h.handleLogout)
	mux.HandleFunc("GET /me", h.handleMe)
}

// Authenticate validates a bearer access token against the session store.
func (h *Handler) Authenticate(ctx context.Context, token string) (session.AccessClaims, error) {
	return h.sessions.ValidateAccessToken(ctx, token, h.now())
}

// EndSession revokes the caller's whole login chain and, while that login is
// still the profile's active session, clears that field. Claims captured
// before a refresh still end the rotated session. Forced logouts pass the
// session.Reason* that describes why.
func (h *Handler) EndSession(ctx context.Context, claims session.AccessClaims, reason string) error {
	now := h.now()
	if err := h.sessions.RevokeLogin(ctx, now, claims.LoginID, reason); err != nil {
		return fmt.Errorf("revoke login: %w", err)
	}
	cleared, err := h.profiles.ClearActiveSession(ctx, claims.UserID, claims.LoginID, now)
	if err != nil {
		return fmt.Errorf("clear active session: %w", err)
	}

	action := ActionForcedLogout
	if reason == session.ReasonLogout {
		action = ActionLogout
	}
	h.audit.Record(ctx, AuditEvent{
		Action:    action,
		UserID:    claims.UserID,
		SessionID: claims.SessionID,
		Meta:      map[string]any{"reason": reason, "profile_cleared": cleared},
	})
	return nil
}

// ---- handlers ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.AllowRegistration {
		writeError(w, http.StatusForbidden, "registration_closed", "registration is disabled")
		return
	}

	var req registerRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	now := h.now()
	ip := ClientIP(r, h.cfg.TrustProxy)
	if ok, retry := h.limiter.allow(ip, now); !ok {
		h.audit.Record(ctx, AuditEvent{Action: ActionLoginLimited, IP: ip, Meta: map[string]any{"endpoint": "register"}})
		writeRateLimited(w, retry)
		return
	}

	hash, err := h.passwords.Hash(req.Password)
	if err != nil {
		switch {
		case errors.Is(err, password.ErrTooShort), errors.Is(err, password.ErrTooLong), errors.Is(err, password.ErrTooCommon):
			writeError(w, http.StatusBadRequest, "weak_password", err.Error())
		default:
			h.internalError(w, "auth.register.hash.fail", "err", err)
		}
		return
	}

	user, err := h.identity.CreateUser(ctx, identity.CreateUserInput{
		Username:     req.Username,
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
		Now:          now,
	})
	if err != nil {
		var ce identity.ConflictError
		switch {
		case errors.As(err, &ce):
			writeError(w, http.StatusConflict, ce.Field+"_taken", ce.Field+" is already registered")
		case identity.IsInvalidInput(err):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		default:
			h.internalError(w, "auth.register.create.fail", "err", err)
		}
		return
	}

	h.audit.Record(ctx, AuditEvent{Action: ActionRegister, UserID: user.ID, IP: ip, UserAgent: r.UserAgent()})
	h.startLogin(w, r, user, req.RememberMe, http.StatusCreated)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	login := strings.TrimSpace(req.Login)
	if login == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "login and password are required")
		return
	}

	ctx := r.Context()
	now := h.now()
	ip := ClientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())
	identifier, _ := identity.NormalizeLogin(login)

	if ok, retry := h.limiter.allow(ip, now); !ok {
		h.audit.Record(ctx, AuditEvent{Action: ActionLoginLimited, IP: ip, UserAgent: ua, Meta: map[string]any{
			"identifier":    identifier,
			"retry_after_s": int64(retry.Seconds()),
		}})
		writeRateLimited(w, retry)
		return
	}

	creds, err := h.identity.GetCredentials(ctx, login)
	if err != nil {
		if !identity.IsNotFound(err) {
			h.internalError(w, "auth.login.lookup.fail", "err", err)
			return
		}
		_, _ = h.passwords.Verify(h.dummyHash, req.Password)
		h.loginFailed(ctx, "", ip, ua, identifier, "not_found")
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	ok, err := h.passwords.Verify(creds.PasswordHash, req.Password)
	if err != nil || !ok {
		if err != nil {
			h.log.Warn("auth.login.verify.fail", "user_id", creds.User.ID, "err", err)
		}
		h.loginFailed(ctx, creds.User.ID, ip, ua, identifier, "bad_password")
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	h.startLogin(w, r, creds.User, req.RememberMe, http.StatusOK)
}

// startLogin issues a session and records its login id as the profile's
// active session, which supersedes every other client of the user.
func (h *Handler) startLogin(w http.ResponseWriter, r *http.Request, user identity.User, rememberMe bool, status int) {
	ctx := r.Context()
	now := h.now()
	ip := ClientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	issued, err := h.sessions.IssueSession(ctx, now, user.ID, session.DeviceContext{
		RememberMe: rememberMe,
		UserAgent:  ua,
		IP:         ip,
	})
	if err != nil {
		h.internalError(w, "auth.login.issue_session.fail", "err", err)
		return
	}

	if _, err := h.profiles.SetActiveSession(ctx, user.ID, issued.LoginID, now); err != nil {
		h.log.Error("auth.login.profile.fail", "user_id", user.ID, "err", err)
		if rerr := h.sessions.RevokeSession(ctx, now, issued.SessionID, session.ReasonLogout); rerr != nil {
			h.log.Error("auth.login.rollback.fail", "session_id", issued.SessionID, "err", rerr)
		}
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.audit.Record(ctx, AuditEvent{
		Action:    ActionLoginSuccess,
		UserID:    user.ID,
		SessionID: issued.SessionID,
		IP:        ip,
		UserAgent: ua,
	})
	h.log.Info("auth.login.success", "user_id", user.ID, "session_id", issued.SessionID)

	writeJSON(w, status, loginResponse{
		User:    toUserResponse(user),
		Session: toSessionResponse(issued),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	ctx := r.Context()
	ip := ClientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	issued, err := h.sessions.RotateRefresh(ctx, h.now(), req.RefreshToken, session.DeviceContext{
		RememberMe: req.RememberMe,
		UserAgent:  ua,
		IP:         ip,
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRefreshReuseDetected):
			h.audit.Record(ctx, AuditEvent{Action: ActionRefreshReuse, IP: ip, UserAgent: ua})
			writeError(w, http.StatusUnauthorized, "refresh_reuse_detected", "refresh token reuse detected")
		case errors.Is(err, session.ErrSessionExpired), errors.Is(err, session.ErrSessionRevoked), errors.Is(err, session.ErrSessionNotFound):
			writeError(w, http.StatusUnauthorized, "session_not_active", "session not active")
		default:
			h.internalError(w, "auth.refresh.fail", "err", err)
		}
		return
	}

	h.audit.Record(ctx, AuditEvent{Action: ActionRefresh, SessionID: issued.SessionID, IP: ip, UserAgent: ua})
	writeJSON(w, http.StatusOK, refreshResponse{Session: toSessionResponse(issued)})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	if err := h.EndSession(r.Context(), claims, session.ReasonLogout); err != nil {
		h.internalError(w, "auth.logout.fail", "user_id", claims.UserID, "err", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	u, err := h.identity.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			writeError(w, http.StatusUnauthorized, "not_found", "user not found")
			return
		}
		h.internalError(w, "auth.me.fail", "err", err)
		return
	}

	resp := meResponse{User: toUserResponse(u), SessionID: claims.SessionID}
	snap, err := h.profiles.Get(ctx, claims.UserID)
	switch {
	case err == nil:
		if active, ok := snap.ActiveSession(); ok {
			resp.ActiveSessionID = &active
			resp.Current = active == claims.LoginID
		}
	case errors.Is(err, profile.ErrNotFound):
	default:
		h.internalError(w, "auth.me.profile.fail", "err", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.AccessClaims, bool) {
	token := BearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return session.AccessClaims{}, false
	}
	claims, err := h.Authenticate(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return session.AccessClaims{}, false
	}
	return claims, true
}

func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := decodeJSON(w, r, h.cfg.MaxBodyBytes, dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errBodyTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
	default:
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
	}
	return false
}

// internalError logs event with args and answers a generic 500.
func (h *Handler) internalError(w http.ResponseWriter, event string, args ...any) {
	h.log.Error(event, args...)
	writeError(w, http.StatusInternalServerError, "server_error", "internal error")
}

func (h *Handler) loginFailed(ctx context.Context, userID string, ip net.IP, ua, identifier, reason string) {
	h.audit.Record(ctx, AuditEvent{
		Action:    ActionLoginFailed,
		UserID:    userID,
		IP:        ip,
		UserAgent: ua,
		Meta:      map[string]any{"identifier": identifier, "reason": reason},
	})
}
