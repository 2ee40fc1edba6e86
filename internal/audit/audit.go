// Package audit persists security and administrative events.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Outcome values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Severity values.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Entry is one audit log row.
type Entry struct {
	ID         int64  `json:"id"`
	CreatedAt  int64  `json:"createdAt"`
	Actor      string `json:"actor"`
	Action     string `json:"action"`
	Target     string `json:"target"`
	RemoteAddr string `json:"remoteAddr"`
	Outcome    string `json:"outcome"`
	Severity   string `json:"severity"`
	Detail     string `json:"detail"`
}

// Filter narrows List results.
type Filter struct {
	Actor   string
	Action  string
	Outcome string
	Since   time.Time
	Limit   int
	Offset  int
}

type actorKey struct{}

type actorInfo struct {
	actor  string
	remote string
}

// WithActor attaches the acting identity and remote address to ctx.
func WithActor(ctx context.Context, actor, remote string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorInfo{actor: actor, remote: remote})
}

// ActorFrom returns the identity stored by WithActor.
func ActorFrom(ctx context.Context) (actor, remote string) {
	if info, ok := ctx.Value(actorKey{}).(actorInfo); ok {
		return info.actor, info.remote
	}
	return "", ""
}

// Recorder writes entries to the audit_logs table and mirrors them to the logger.
type Recorder struct {
	db  *sql.DB
	log logrus.FieldLogger
	now func() time.Time
}

// NewRecorder creates a recorder backed by db.
func NewRecorder(db *sql.DB, log logrus.FieldLogger) (*Recorder, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if log == nil {
		log = logrus.New()
	}
	return &Recorder{db: db, log: log, now: time.Now}, nil
}

// Record persists entry, filling actor, remote address and defaults from ctx.
func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	actor, remote := ActorFrom(ctx)
	if entry.Actor == "" {
		entry.Actor = actor
	}
	if entry.RemoteAddr == "" {
		entry.RemoteAddr = remote
	}
	if entry.Outcome == "" {
		entry.Outcome = OutcomeSuccess
	}
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
		if entry.Outcome != OutcomeSuccess {
			entry.Severity = SeverityWarning
		}
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = r.now().Unix()
	}

	fields := logrus.Fields{
		"audit":   entry.Action,
		"actor":   entry.Actor,
		"remote":  entry.RemoteAddr,
		"target":  entry.Target,
		"outcome": entry.Outcome,
	}
	switch entry.Severity {
	case SeverityError:
		r.log.WithFields(fields).Error(entry.Detail)
	case SeverityWarning:
		r.log.WithFields(fields).Warn(entry.Detail)
	default:
		r.log.WithFields(fields).Info(entry.Detail)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (created_at, actor, action, target, remote_addr, outcome, severity, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.CreatedAt, entry.Actor, entry.Action, entry.Target, entry.RemoteAddr, entry.Outcome, entry.Severity, entry.Detail)
	if err != nil {
		r.log.WithError(err).Error("failed to persist audit entry")
	}
	return err
}

// Log records an entry and discards the persistence error, which is already logged.
func (r *Recorder) Log(ctx context.Context, action, target, outcome, detail string) {
	_ = r.Record(ctx, Entry{Action: action, Target: target, Outcome: outcome, Detail: detail})
}

// SecurityViolation records a denied action at warning severity.
func (r *Recorder) SecurityViolation(ctx context.Context, action, target, detail string) {
	_ = r.Record(ctx, Entry{
		Action:   action,
		Target:   target,
		Outcome:  OutcomeDenied,
		Severity: SeverityWarning,
		Detail:   "security violation: " + detail,
	})
}

// List returns entries newest first.
func (r *Recorder) List(ctx context.Context, filter Filter) ([]Entry, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Actor != "" {
		clauses = append(clauses, "actor = ?")
		args = append(args, filter.Actor)
	}
	if filter.Action != "" {
		clauses = append(clauses, "action LIKE ?")
		args = append(args, strings.TrimSuffix(filter.Action, "*")+"%")
	}
	if filter.Outcome != "" {
		clauses = append(clauses, "outcome = ?")
		args = append(args, filter.Outcome)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, filter.Since.Unix())
	}
	query := `SELECT id, created_at, actor, action, target, remote_addr, outcome, severity, detail FROM audit_logs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.Actor, &e.Action, &e.Target, &e.RemoteAddr, &e.Outcome, &e.Severity, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than before.
func (r *Recorder) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < ?`, before.Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
