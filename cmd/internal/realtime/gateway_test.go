package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"finlearn/cmd/internal/auth/session"
	"finlearn/cmd/internal/profile"
	"finlearn/cmd/internal/watchdog"
	v1 "finlearn/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

type fakeSessions struct {
	mu      sync.Mutex
	tokens  map[string]session.AccessClaims
	failEnd error
	ended   []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{tokens: map[string]session.AccessClaims{}}
}

func (f *fakeSessions) add(token string, c session.AccessClaims) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = c
}

func (f *fakeSessions) Authenticate(_ context.Context, token string) (session.AccessClaims, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.tokens[token]
	if !ok {
		return session.AccessClaims{}, session.ErrInvalidToken
	}
	return c, nil
}

func (f *fakeSessions) EndSession(_ context.Context, c session.AccessClaims, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, reason)
	if f.failEnd != nil {
		return f.failEnd
	}
	for tok, tc := range f.tokens {
		if tc.SessionID == c.SessionID {
			delete(f.tokens, tok)
		}
	}
	return nil
}

func (f *fakeSessions) endReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ended...)
}

type gwHarness struct {
	srv      *httptest.Server
	gw       *WSGateway
	sessions *fakeSessions
	profiles *profile.MemoryStore
}

const (
	testUserID  = "01JB0000000000000000000USR"
	testLoginID = "01JB0000000000000000000LG1"
	testToken   = "tok-1"
)

func newGWHarness(t *testing.T, timeout time.Duration) *gwHarness {
	t.Helper()

	sessions := newFakeSessions()
	sessions.add(testToken, session.AccessClaims{UserID: testUserID, SessionID: "sess-1", LoginID: testLoginID})

	profiles := profile.NewMemoryStore()
	t.Cleanup(profiles.Close)
	if _, err := profiles.SetActiveSession(context.Background(), testUserID, testLoginID, time.Time{}); err != nil {
		t.Fatalf("SetActiveSession: %v", err)
	}

	wdCfg := watchdog.DefaultConfig()
	wdCfg.InactivityTimeout = timeout

	cfg := DefaultConfig()
	cfg.OriginRequired = false

	gw, err := NewWSGateway(cfg, Deps{
		Sessions: sessions,
		Profiles: profile.WatchdogSource{Store: profiles},
		Watchdog: wdCfg,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &gwHarness{srv: srv, gw: gw, sessions: sessions, profiles: profiles}
}

func (h *gwHarness) dial(t *testing.T, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(h.srv.URL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   header,
	})
}

// connect dials and says hello on view, returning the hello.ack payload.
func (h *gwHarness) connect(t *testing.T, view, localID string) (*websocket.Conn, v1.HelloAckPayload) {
	t.Helper()

	conn, _, err := h.dial(t, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })

	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{AccessToken: testToken, ActiveSessionID: localID, View: view})
	env := readUntilType(t, conn, v1.TypeHelloAck, 3)

	var ack v1.HelloAckPayload
	if err := env.Decode(&ack); err != nil {
		t.Fatalf("decode hello.ack: %v", err)
	}
	return conn, ack
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	env := v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC()}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		env.Payload = b
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readEnvelopeWS(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	for i := 0; i < maxReads; i++ {
		if env := readEnvelopeWS(t, conn); env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

// readLogout reads the three envelopes of a forced logout in order.
func readLogout(t *testing.T, conn *websocket.Conn) v1.SessionNoticePayload {
	t.Helper()

	if env := readEnvelopeWS(t, conn); env.Type != v1.TypeSessionClear {
		t.Fatalf("first envelope=%s want=%s", env.Type, v1.TypeSessionClear)
	}
	env := readEnvelopeWS(t, conn)
	if env.Type != v1.TypeNavigate {
		t.Fatalf("second envelope=%s want=%s", env.Type, v1.TypeNavigate)
	}
	var nav v1.NavigatePayload
	if err := env.Decode(&nav); err != nil || nav.To != "/login" {
		t.Fatalf("navigate=%+v err=%v", nav, err)
	}
	env = readEnvelopeWS(t, conn)
	if env.Type != v1.TypeSessionNotice {
		t.Fatalf("third envelope=%s want=%s", env.Type, v1.TypeSessionNotice)
	}
	var notice v1.SessionNoticePayload
	if err := env.Decode(&notice); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	return notice
}

func expectClosed(t *testing.T, conn *websocket.Conn, want websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatalf("expected connection to close")
	}
	if got := websocket.CloseStatus(err); got != want {
		t.Fatalf("close status=%d want=%d (err=%v)", got, want, err)
	}
}

func TestGateway_HelloAck(t *testing.T) {
	t.Parallel()
	h := newGWHarness(t, time.Hour)

	_, ack := h.connect(t, "/dashboard", testLoginID)
	if ack.UserID != testUserID || ack.SessionID != "sess-1" || ack.ConnID == "" {
		t.Fatalf("ack=%+v", ack)
	}
	if !ack.Monitoring || ack.ActiveSessionID != testLoginID {
		t.Fatalf("ack=%+v want monitoring with local id", ack)
	}
	if ack.InactivityTimeoutMS != time.Hour.Milliseconds() {
		t.Fatalf("timeout_ms=%d", ack.InactivityTimeoutMS)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.gw.Hub().Connections(testUserID) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("hub connections=%d want=1", h.gw.Hub().Connections(testUserID))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGateway_HelloFallsBackToTokenLoginID(t *testing.T) {
	t.Parallel()
	h := newGWHarness(t, time.Hour)

	_, ack := h.connect(t, "/catalog", "")
	if ack.Monitoring {
		t.Fatalf("unprotected view reported monitoring")
	}
	if ack.ActiveSessionID != testLoginID {
		t.Fatalf("active_session_id=%q want=%q", ack.ActiveSessionID, testLoginID)
	}
}

func TestGateway_InvalidTokenInHello(t *testing.T) {
	t.Parallel()
	h := newGWHarness(t, time.Hour)

	conn, _, err := h.dial(t, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.CloseNow() }()

	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{AccessToken: "nope"})
	env := readEnvelopeWS(t, conn)
	var p v1.ErrorPayload
	if env.Type != v1.TypeError || env.Decode(&p) != nil || p.Code != "unauthorized" {
		t.Fatalf("env=%+v payload=%+v", env, p)
	}
	expectClosed(t, conn, websocket.StatusPolicyViolation)
}

func TestGateway_InvalidBearerRejectedAtHandshake(t *testing.T) {
	t.Parallel()
	h := newGWHarness(t, time.Hour)

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer nope")
	conn, resp, err := h.dial(t, hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		_ = conn.CloseNow()
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp=%v err=%v want 401", resp, err)
	}
}

func TestGateway_OriginNotAllowed(t *testing.T) {
	t.Parallel()
	h := newGWHarness(t, time.Hour)
	h.gw.cfg.OriginRequired = true

	hdr := http.Header{}
	hdr.Set("Origin", "https://evil.example")
	conn, resp, err := h.dial(t, hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		_ = conn.CloseNow()
		t.Fatalf("expected origin rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v err=%v want 403", resp, err)
	}
}

func TestGateway_PingAndBadActivity(t *testing.T) {
	t.Parallel()
	h := newGWHarness(t, time.Hour)
	conn, _ := h.connect(t, "/dashboard", testLoginID)

	writeEnvelopeWS(t, conn, v1.TypePing, nil)
	if env := readEnvelopeWS(t, conn); env.Type != v1.TypePong {
		t.Fatalf("got %s want pong", env.Type)
	}

	writeEnvelopeWS(t, conn, v1.TypeActivity, v1.ActivityPayload{Kind: "mouse_wheel_zoom"})
	env := readEnvelopeWS(t, conn)
	var p v1.ErrorPayload
	if env.Type != v1.TypeError || env.Decode(&p) != nil || p.Code != "bad_activity" {
		t.Fatalf("env=%+v payload=%+v", env, p)
	}

	writeEnvelopeWS(t, conn, v1.TypeHello, v1.HelloPayload{AccessToken: testToken})
	env = readEnvelopeWS(t, conn)
	if env.Type != v1.TypeError || env.Decode(&p) != nil || p.Code != "already_authenticated" {
		t.Fatalf("env=%+v payload=%+v", env, p)
	}
}

func TestGateway_SupersededLogin(t *testing.T) {
	t.Parallel()
	h := newGWHarness(t, time.Hour)
	conn, _ := h.connect(t, "/dashboard", testLoginID)

	// Another device logs in.
	if _, err := h.profiles.SetActiveSession(context.Background(), testUserID, "01JB0000000000000000000LG2", time.Time{}); err != nil {
		t.Fatalf("SetActiveSession: %v", err)
	}

	notice := readLogout(t, conn)
	if notice.Reason != string(watchdog.ReasonSessionSuperseded) || notice.Title != "Session Invalidated" || notice.Variant != "destructive" {
		t.Fatalf("notice=%+v", notice)
	}
	expectClosed(t, conn, statusSessionEnded)

	if got := h.sessions.endReasons(); len(got) != 1 || got[0] != session.ReasonSuperseded {
		t.Fatalf("end reasons=%v want [%s]", got, session.ReasonSuperseded)
	}
}

func TestGateway_Inactivity(t *testing.T) {
	t.Parallel()
	h := newGWHarness(t, 200*time.Millisecond)
	conn, _ := h.connect(t, "/courses/budgeting-101", testLoginID)

	notice := readLogout(t, conn)
	if notice.Reason != string(watchdog.ReasonInactivity) || notice.Title != "Session Expired" {
		t.Fatalf("notice=%+v", notice)
	}
	expectClosed(t, conn, statusSessionEnded)

	if got := h.sessions.endReasons(); len(got) != 1 || got[0] != session.ReasonInactivity {
		t.Fatalf("end reasons=%v want [%s]", got, session.ReasonInactivity)
	}
}

func TestGateway_SilentClientStillGetsInactivityLogout(t *testing.T) {
	t.Parallel()
	h := newGWHarness(t, 1500*time.Millisecond)
	// Several heartbeats pass while the client sends nothing at all.
	h.gw.cfg.HeartbeatEvery = 100 * time.Millisecond

	start := time.Now()
	conn, _ := h.connect(t, "/dashboard", testLoginID)

	notice := readLogout(t, conn)
	if notice.Reason != string(watchdog.ReasonInactivity) {
		t.Fatalf("notice=%+v", notice)
	}
	if elapsed := time.Since(start); elapsed < 1400*time.Millisecond {
		t.Fatalf("logout after %v, before the inactivity window", elapsed)
	}
	expectClosed(t, conn, statusSessionEnded)

	if got := h.sessions.endReasons(); len(got) != 1 || got[0] != session.ReasonInactivity {
		t.Fatalf("end reasons=%v want [%s]", got, session.ReasonInactivity)
	}
}

func TestGateway_BadFramesAreRateLimited(t *testing.T) {
	t.Parallel()
	h := newGWHarness(t, time.Hour)
	h.gw.cfg.RateEvents = 3
	h.gw.cfg.RateWindow = time.Minute

	conn, _ := h.connect(t, "/dashboard", testLoginID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 6; i++ {
		// Later writes may race the server closing the connection.
		_ = conn.Write(ctx, websocket.MessageBinary, []byte{0xde, 0xad})
	}

	badJSON := 0
	for {
		_, b, err := conn.Read(ctx)
		if err != nil {
			if got := websocket.CloseStatus(err); got != websocket.StatusPolicyViolation {
				t.Fatalf("close status=%d want=%d (err=%v)", got, websocket.StatusPolicyViolation, err)
			}
			break
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		var p v1.ErrorPayload
		if env.Type == v1.TypeError && env.Decode(&p) == nil && p.Code == "bad_json" {
			badJSON++
		}
	}
	if badJSON > 3 {
		t.Fatalf("bad_json replies=%d, limiter allows 3", badJSON)
	}
}

func TestGateway_EnteringProtectedViewWithStaleID(t *testing.T) {
	t.Parallel()
	h := newGWHarness(t, time.Hour)
	conn, ack := h.connect(t, "/catalog", testLoginID)
	if ack.Monitoring {
		t.Fatalf("catalog should not be monitored")
	}

	// A newer login happened while this client browsed the public area.
	if _, err := h.profiles.SetActiveSession(context.Background(), testUserID, "01JB0000000000000000000LG2", time.Time{}); err != nil {
		t.Fatalf("SetActiveSession: %v", err)
	}

	writeEnvelopeWS(t, conn, v1.TypeView, v1.ViewPayload{Path: "/account/settings"})
	notice := readLogout(t, conn)
	if notice.Reason != string(watchdog.ReasonSessionSuperseded) {
		t.Fatalf("notice=%+v", notice)
	}
}

func TestGateway_SignOutFailureStillClearsClient(t *testing.T) {
	t.Parallel()
	h := newGWHarness(t, 200*time.Millisecond)
	h.sessions.mu.Lock()
	h.sessions.failEnd = errors.New("db down")
	h.sessions.mu.Unlock()

	conn, _ := h.connect(t, "/dashboard", testLoginID)

	notice := readLogout(t, conn)
	if notice.Reason != string(watchdog.ReasonInactivity) {
		t.Fatalf("notice=%+v", notice)
	}
	if got := h.sessions.endReasons(); len(got) != watchdog.DefaultSignOutAttempts {
		t.Fatalf("sign-out attempts=%d want=%d", len(got), watchdog.DefaultSignOutAttempts)
	}
}

func TestCleanView(t *testing.T) {
	t.Parallel()

	if v, err := cleanView("  /dashboard "); err != nil || v != "/dashboard" {
		t.Fatalf("cleanView=%q err=%v", v, err)
	}
	if v, err := cleanView(""); err != nil || v != "" {
		t.Fatalf("empty view=%q err=%v", v, err)
	}
	if _, err := cleanView("dashboard"); err == nil {
		t.Fatalf("relative view accepted")
	}
	if _, err := cleanView("/" + strings.Repeat("a", maxViewLen)); err == nil {
		t.Fatalf("oversized view accepted")
	}
}
