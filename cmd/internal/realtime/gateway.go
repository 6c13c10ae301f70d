// Package realtime carries the session watchdog over a websocket: the
// learner client forwards its route and qualifying input, and the server
// runs one watchdog per connection and sends back the forced logout.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	authapi "finlearn/cmd/internal/auth/api"
	"finlearn/cmd/internal/auth/session"
	"finlearn/cmd/internal/watchdog"
	v1 "finlearn/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// statusSessionEnded closes a connection after a forced logout.
const statusSessionEnded websocket.StatusCode = 4001

var errBadFrame = errors.New("realtime: bad frame")

// Deps are the collaborators of a WSGateway. Clock, Hub, Metrics,
// WatchdogMetrics and Logger are optional.
type Deps struct {
	Sessions        Sessions
	Profiles        watchdog.ProfileSource
	Watchdog        watchdog.Config
	WatchdogMetrics *watchdog.Metrics
	Clock           watchdog.Clock
	Hub             *Hub
	Metrics         *Metrics
	Logger          *slog.Logger
}

// WSGateway is the websocket entrypoint. It enforces origin policy,
// subprotocol selection, rate limits and heartbeats, authenticates the
// connection and wires a watchdog to it.
type WSGateway struct {
	log      *slog.Logger
	cfg      Config
	patterns []string

	sessions  Sessions
	profiles  watchdog.ProfileSource
	wdCfg     watchdog.Config
	wdMetrics *watchdog.Metrics
	clock     watchdog.Clock
	hub       *Hub
	metrics   *Metrics
}

func NewWSGateway(cfg Config, deps Deps) (*WSGateway, error) {
	if deps.Sessions == nil || deps.Profiles == nil {
		return nil, errors.New("realtime: sessions and profiles are required")
	}
	if err := deps.Watchdog.Validate(); err != nil {
		return nil, err
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(deps.Metrics)
	}
	cfg = cfg.normalized()

	return &WSGateway{
		log:       log,
		cfg:       cfg,
		patterns:  originPatterns(cfg.AllowedOrigins),
		sessions:  deps.Sessions,
		profiles:  deps.Profiles,
		wdCfg:     deps.Watchdog,
		wdMetrics: deps.WatchdogMetrics,
		clock:     deps.Clock,
		hub:       hub,
		metrics:   deps.Metrics,
	}, nil
}

// Hub returns the connection registry.
func (g *WSGateway) Hub() *Hub { return g.hub }

func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and runs the connection until either side
// closes it or the watchdog ends the session.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := checkOrigin(r, g.cfg.OriginRequired, g.cfg.AllowedOrigins); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.metrics.reject("origin")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Non-browser clients may authenticate at the handshake instead of in hello.
	var pre *session.AccessClaims
	if tok := authapi.BearerToken(r); tok != "" {
		claims, err := g.sessions.Authenticate(r.Context(), tok)
		if err != nil {
			g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
			g.metrics.reject("unauthorized")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		pre = &claims
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.patterns,
		InsecureSkipVerify: g.cfg.InsecureSkipVerify,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = ws.CloseNow() }()

	if sp := ws.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		g.metrics.reject("subprotocol")
		_ = ws.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	claims, hello, err := g.handshake(ctx, ws, pre)
	if err != nil {
		g.log.Info("ws.reject.hello", "err", err, "remote", r.RemoteAddr)
		g.metrics.reject("hello")
		g.writeErrorNow(ctx, ws, "unauthorized", err.Error())
		_ = ws.Close(websocket.StatusPolicyViolation, "hello failed")
		return
	}

	g.serve(ctx, cancel, ws, claims, hello)
}

// handshake reads the mandatory hello frame and authenticates it unless the
// handshake already carried a bearer token.
func (g *WSGateway) handshake(ctx context.Context, ws *websocket.Conn, pre *session.AccessClaims) (session.AccessClaims, v1.HelloPayload, error) {
	readCtx, readCancel := context.WithTimeout(ctx, g.cfg.HelloTimeout)
	env, err := readEnvelope(readCtx, ws)
	readCancel()
	if err != nil {
		return session.AccessClaims{}, v1.HelloPayload{}, fmt.Errorf("read hello: %w", err)
	}
	if err := env.Validate(); err != nil {
		return session.AccessClaims{}, v1.HelloPayload{}, err
	}
	if env.Type != v1.TypeHello {
		return session.AccessClaims{}, v1.HelloPayload{}, fmt.Errorf("expected %s, got %s", v1.TypeHello, env.Type)
	}
	g.metrics.frame(env.Type)

	var p v1.HelloPayload
	if err := env.Decode(&p); err != nil {
		return session.AccessClaims{}, v1.HelloPayload{}, fmt.Errorf("invalid hello payload: %w", err)
	}
	if pre != nil {
		return *pre, p, nil
	}

	tok := strings.TrimSpace(p.AccessToken)
	if tok == "" {
		return session.AccessClaims{}, v1.HelloPayload{}, errors.New("missing access_token")
	}
	claims, err := g.sessions.Authenticate(ctx, tok)
	if err != nil {
		return session.AccessClaims{}, v1.HelloPayload{}, errors.New("invalid access token")
	}
	return claims, p, nil
}

func (g *WSGateway) serve(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, claims session.AccessClaims, hello v1.HelloPayload) {
	now := time.Now().UTC()
	connID, err := NewConnID(now)
	if err != nil {
		g.log.Error("ws.conn_id.fail", "err", err)
		_ = ws.Close(websocket.StatusInternalError, "internal error")
		return
	}
	log := g.log.With("conn_id", connID, "user_id", claims.UserID, "session_id", claims.SessionID)

	client := NewClient(connID, claims.UserID, g.cfg.SendQueueSize)
	userConns := g.hub.Add(client)
	defer g.hub.Remove(client)

	// Clients that lost their local copy fall back to the login id the
	// token was issued for.
	local := strings.TrimSpace(hello.ActiveSessionID)
	if local == "" {
		local = claims.LoginID
	}
	c := &conn{sessions: g.sessions, client: client, claims: claims, localID: local}

	wd, err := watchdog.New(g.wdCfg, watchdog.Deps{
		Auth:     c,
		Profiles: g.profiles,
		Local:    c,
		Surface:  c,
		Clock:    g.clock,
		Logger:   log,
		Metrics:  g.wdMetrics,
	})
	if err != nil {
		log.Error("ws.watchdog.fail", "err", err)
		_ = ws.Close(websocket.StatusInternalError, "internal error")
		return
	}
	defer wd.Close()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = ws.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, ws, client, log, shutdown)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeatLoop(ctx, ws, client, log, shutdown)
	}()

	view, verr := cleanView(hello.View)
	if verr != nil {
		g.sendError(client, "bad_view", verr.Error())
	}
	ack, _ := newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{
		ConnID:              connID,
		UserID:              claims.UserID,
		SessionID:           claims.SessionID,
		ActiveSessionID:     local,
		Monitoring:          g.wdCfg.IsProtected(view),
		InactivityTimeoutMS: g.wdCfg.InactivityTimeout.Milliseconds(),
	}, now)
	client.Enqueue(ack)

	log.Info("ws.connect", "view", view, "user_conns", userConns)

	user := watchdog.User{ID: claims.UserID, SessionID: claims.SessionID}
	if err := wd.Start(ctx, user, view); err != nil {
		if !errors.Is(err, watchdog.ErrSubscribe) {
			log.Error("ws.watchdog.start.fail", "err", err)
			shutdown(websocket.StatusInternalError, "internal error")
		} else {
			log.Warn("ws.watchdog.subscribe.fail", "err", err)
		}
	}

	g.readLoop(ctx, ws, client, wd, log, shutdown)

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	log.Info("ws.disconnect")
}

func (g *WSGateway) readLoop(ctx context.Context, ws *websocket.Conn, client *Client, wd *watchdog.Watchdog, log *slog.Logger, shutdown func(websocket.StatusCode, string)) {
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	// Reads have no deadline: a learner may stay silent for the whole
	// inactivity window. heartbeatLoop drops dead peers.
	for {
		env, err := readEnvelope(ctx, ws)
		kind := classifyReadErr(err)
		switch kind {
		case readErrNone, readErrBadFrame:
		case readErrClose:
			shutdown(websocket.StatusNormalClosure, "peer closed")
			return
		case readErrCtxDone:
			shutdown(websocket.StatusNormalClosure, "context done")
			return
		case readErrConnClosed:
			shutdown(websocket.StatusAbnormalClosure, "conn closed")
			return
		default:
			log.Info("ws.read.fail", "err", err)
			shutdown(websocket.StatusAbnormalClosure, "read failed")
			return
		}

		// Every frame counts against the limit, malformed ones included.
		if !rl.Allow(time.Now().UTC()) {
			g.sendError(client, "rate_limited", "too many events")
			g.metrics.reject("rate_limited")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}
		if kind == readErrBadFrame {
			g.sendError(client, "bad_json", "invalid JSON")
			continue
		}
		if err := env.Validate(); err != nil {
			g.sendError(client, "bad_envelope", err.Error())
			continue
		}
		g.metrics.frame(env.Type)

		switch env.Type {
		case v1.TypeHello:
			g.sendError(client, "already_authenticated", "hello already received")

		case v1.TypeView:
			var p v1.ViewPayload
			if err := env.Decode(&p); err != nil {
				g.sendError(client, "bad_payload", err.Error())
				continue
			}
			view, err := cleanView(p.Path)
			if err != nil {
				g.sendError(client, "bad_view", err.Error())
				continue
			}
			if err := wd.SetView(ctx, view); err != nil {
				log.Warn("ws.watchdog.set_view.fail", "view", view, "err", err)
			}

		case v1.TypeActivity:
			var p v1.ActivityPayload
			if err := env.Decode(&p); err != nil {
				g.sendError(client, "bad_payload", err.Error())
				continue
			}
			kind, err := watchdog.ParseInputKind(p.Kind)
			if err != nil {
				g.sendError(client, "bad_activity", fmt.Sprintf("unsupported activity kind: %q", p.Kind))
				continue
			}
			wd.OnInput(kind)

		case v1.TypePing:
			pong, _ := newEnvelope(v1.TypePong, nil, time.Now().UTC())
			client.Enqueue(pong)
		}
	}
}

// writeLoop drains client.Send. Writing a session notice ends the connection:
// it is the last thing a forced logout sends.
func (g *WSGateway) writeLoop(ctx context.Context, ws *websocket.Conn, client *Client, log *slog.Logger, shutdown func(websocket.StatusCode, string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case env := <-client.Send:
			if err := writeEnvelope(ctx, ws, env, g.cfg.WriteTimeout); err != nil {
				log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
			if env.Type == v1.TypeSessionNotice {
				shutdown(statusSessionEnded, "session ended")
				return
			}
		}
	}
}

func (g *WSGateway) heartbeatLoop(ctx context.Context, ws *websocket.Conn, client *Client, log *slog.Logger, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := ws.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (g *WSGateway) sendError(client *Client, code, msg string) {
	env, err := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	if err != nil {
		return
	}
	_ = client.Enqueue(env)
}

// writeErrorNow writes directly; used before the writer goroutine exists.
func (g *WSGateway) writeErrorNow(ctx context.Context, ws *websocket.Conn, code, msg string) {
	env, err := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, time.Now().UTC())
	if err != nil {
		return
	}
	_ = writeEnvelope(ctx, ws, env, g.cfg.WriteTimeout)
}

func cleanView(view string) (string, error) {
	view = strings.TrimSpace(view)
	if view == "" {
		return "", nil
	}
	if len(view) > maxViewLen {
		return "", fmt.Errorf("view longer than %d bytes", maxViewLen)
	}
	if !strings.HasPrefix(view, "/") {
		return "", errors.New("view must be an absolute path")
	}
	return view, nil
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, ws *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := ws.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText {
		return v1.Envelope{}, fmt.Errorf("%w: unsupported message type %v", errBadFrame, mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, ws *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, b)
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadFrame
	readErrNone
)

func classifyReadErr(err error) readErrKind {
	switch {
	case err == nil:
		return readErrNone
	case errors.Is(err, errBadFrame):
		return readErrBadFrame
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}
