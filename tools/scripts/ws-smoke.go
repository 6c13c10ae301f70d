// Package main is a CI-friendly smoke test for the session watchdog.
//
// It logs in over HTTP, opens /ws on a protected view, exercises activity
// and ping, then logs in again and expects the first connection to be
// forced out (session.clear, navigate, session.notice, close 4001).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "finlearn/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	maxReadBytes       = 1 << 20 // 1MiB
	statusSessionEnded = websocket.StatusCode(4001)
)

type loginResult struct {
	Session struct {
		SessionID       string `json:"session_id"`
		ActiveSessionID string `json:"active_session_id"`
		AccessToken     string `json:"access_token"`
	} `json:"session"`
}

type smokeClient struct {
	conn  *websocket.Conn
	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL   = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL")
		origin    = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		login     = flag.String("login", "", "Username or email")
		password  = flag.String("password", "", "Password")
		view      = flag.String("view", "/dashboard", "Protected view to open")
		supersede = flag.Bool("supersede", true, "Log in a second time and expect a forced logout")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if strings.TrimSpace(*login) == "" || *password == "" {
		fatalf("-login and -password are required")
	}
	wsURL, err := wsURLFrom(*baseURL)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}

	root := context.Background()

	first := mustLogin(root, *baseURL, *login, *password, *timeout)
	c := mustConnect(root, wsURL, *origin, *timeout)
	defer func() { _ = c.conn.CloseNow() }()

	mustWrite(root, c.conn, v1.TypeHello, v1.HelloPayload{
		AccessToken:     first.Session.AccessToken,
		ActiveSessionID: first.Session.ActiveSessionID,
		View:            *view,
	}, *timeout)

	var ack v1.HelloAckPayload
	mustDecode(c.mustReadUntilType(root, v1.TypeHelloAck, *timeout), &ack)
	if !ack.Monitoring {
		fatalf("hello.ack: watchdog not monitoring %q", *view)
	}
	if ack.ActiveSessionID != first.Session.ActiveSessionID {
		fatalf("hello.ack active_session_id mismatch: got=%q want=%q", ack.ActiveSessionID, first.Session.ActiveSessionID)
	}
	if *verbose {
		fmt.Printf("connected: conn=%s user=%s timeout=%dms\n", ack.ConnID, ack.UserID, ack.InactivityTimeoutMS)
	}

	mustWrite(root, c.conn, v1.TypeActivity, v1.ActivityPayload{Kind: "key_down"}, *timeout)
	mustWrite(root, c.conn, v1.TypePing, nil, *timeout)
	c.mustReadUntilType(root, v1.TypePong, *timeout)

	if !*supersede {
		_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
		fmt.Printf("OK: conn=%s view=%s\n", ack.ConnID, *view)
		return
	}

	second := mustLogin(root, *baseURL, *login, *password, *timeout)
	if second.Session.ActiveSessionID == first.Session.ActiveSessionID {
		fatalf("second login reused active_session_id %q", first.Session.ActiveSessionID)
	}

	c.mustReadUntilType(root, v1.TypeSessionClear, *timeout)
	var nav v1.NavigatePayload
	mustDecode(c.mustReadUntilType(root, v1.TypeNavigate, *timeout), &nav)
	var notice v1.SessionNoticePayload
	mustDecode(c.mustReadUntilType(root, v1.TypeSessionNotice, *timeout), &notice)
	if notice.Reason != "session-superseded" {
		fatalf("notice reason: got=%q want=%q", notice.Reason, "session-superseded")
	}

	if code := c.waitClose(root, *timeout); code != statusSessionEnded {
		fatalf("close status: got=%d want=%d", code, statusSessionEnded)
	}

	fmt.Printf("OK: conn=%s forced_logout=%s navigate=%s\n", ack.ConnID, notice.Reason, nav.To)
}

func wsURLFrom(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = "/ws"
	return u.String(), nil
}

func mustLogin(parent context.Context, base, login, password string, stepTimeout time.Duration) loginResult {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"login": login, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/auth/login", bytes.NewReader(body))
	if err != nil {
		fatalf("login request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("login: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		fatalf("login: status %d", resp.StatusCode)
	}

	var out loginResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("login: decode: %v", err)
	}
	if out.Session.AccessToken == "" || out.Session.ActiveSessionID == "" {
		fatalf("login: response missing access_token or active_session_id")
	}
	return out
}

func mustConnect(parent context.Context, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.errCh <- err
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.errCh <- fmt.Errorf("bad json: %w", err)
				return
			}
			if env.V != v1.Version {
				c.errCh <- fmt.Errorf("unsupported protocol version %d", env.V)
				return
			}
			c.inbox <- env
		}
	}()
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q: %v", wantType, <-c.errCh)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = env.Decode(&ep)
				fatalf("server error: code=%q msg=%q", ep.Code, ep.Message)
			}
			fatalf("unexpected envelope type: got=%q want=%q", env.Type, wantType)
		}
	}
}

// waitClose drains until the server closes and returns the close status.
func (c *smokeClient) waitClose(parent context.Context, stepTimeout time.Duration) websocket.StatusCode {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for close: %v", ctx.Err())
		case _, ok := <-c.inbox:
			if ok {
				continue
			}
			return websocket.CloseStatus(<-c.errCh)
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	env := v1.Envelope{
		V:    v1.Version,
		Type: typ,
		ID:   fmt.Sprintf("smoke-%s-%d", typ, time.Now().UnixNano()),
		TS:   time.Now().UTC(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			fatalf("marshal %s payload: %v", typ, err)
		}
		env.Payload = b
	}

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s: %v", typ, err)
	}
}

func mustDecode(env v1.Envelope, dst any) {
	if err := env.Decode(dst); err != nil {
		fatalf("decode %s payload: %v", env.Type, err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
