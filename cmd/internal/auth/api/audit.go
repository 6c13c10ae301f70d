package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Audit actions.
const (
	ActionLoginSuccess = "auth.login.success"
	ActionLoginFailed  = "auth.login.failed"
	ActionLoginLimited = "auth.login.rate_limited"
	ActionRegister     = "auth.register"
	ActionRefresh      = "auth.refresh.success"
	ActionRefreshReuse = "auth.refresh.reuse_detected"
	ActionLogout       = "auth.logout"
	ActionForcedLogout = "auth.logout.forced"
)

// AuditEvent is one security-relevant fact.
type AuditEvent struct {
	Action    string
	UserID    string
	SessionID string
	IP        net.IP
	UserAgent string
	Meta      map[string]any
}

// AuditSink records audit events. Recording is best effort and never fails
// the request that produced the event.
type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent)
}

// LogAudit writes events to a logger.
type LogAudit struct {
	Log *slog.Logger
}

func (a LogAudit) Record(_ context.Context, ev AuditEvent) {
	log := a.Log
	if log == nil {
		log = slog.Default()
	}
	attrs := []any{"action", ev.Action}
	if ev.UserID != "" {
		attrs = append(attrs, "user_id", ev.UserID)
	}
	if ev.SessionID != "" {
		attrs = append(attrs, "session_id", ev.SessionID)
	}
	if ev.IP != nil {
		attrs = append(attrs, "ip", ev.IP.String())
	}
	for k, v := range ev.Meta {
		attrs = append(attrs, k, v)
	}
	log.Info("auth.audit", attrs...)
}

var auditIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// PostgresAudit inserts events into <schema>.audit_log.
type PostgresAudit struct {
	pool  *pgxpool.Pool
	table string
	log   *slog.Logger
}

func NewPostgresAudit(pool *pgxpool.Pool, schema string, log *slog.Logger) (*PostgresAudit, error) {
	if pool == nil {
		return nil, errors.New("authapi: nil audit pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "finlearn"
	}
	if !auditIdentRe.MatchString(schema) {
		return nil, fmt.Errorf("authapi: invalid audit schema %q", schema)
	}
	if log == nil {
		log = slog.Default()
	}
	return &PostgresAudit{
		pool:  pool,
		table: pgx.Identifier{schema, "audit_log"}.Sanitize(),
		log:   log,
	}, nil
}

func (a *PostgresAudit) Record(ctx context.Context, ev AuditEvent) {
	action := strings.TrimSpace(ev.Action)
	if a == nil || action == "" {
		return
	}

	var ipVal any
	if ev.IP != nil {
		ipVal = ev.IP.String()
	}
	var metaVal *string
	if len(ev.Meta) > 0 {
		if b, err := json.Marshal(ev.Meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO `+a.table+` (
			user_id, session_id, action, created_at, ip, user_agent, meta
		) VALUES ($1, $2, $3, now(), $4, $5, $6::jsonb)
	`, trimOrNil(ev.UserID), trimOrNil(ev.SessionID), action, ipVal, trimOrNil(ev.UserAgent), metaVal)
	if err != nil {
		a.log.Error("auth.audit.insert.fail", "err", err, "action", action)
	}
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}
