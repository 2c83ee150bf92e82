// Package audit records security-relevant actions. Recording is best-effort
// by contract: a sink failure is logged and never propagated to the caller,
// so audit problems cannot fail a login or registration.
package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"penlet-backend/internal/observability"
)

// Common actions.
const (
	ActionUserLogin      = "user_login"
	ActionUserLogout     = "user_logout"
	ActionUserRegistered = "user_registered"
	ActionAccountLocked  = "account_locked"
	ActionPasswordReset  = "password_reset"
	ActionResetRequested = "password_reset_requested"
)

type Event struct {
	Action       string
	ResourceType string
	ResourceID   string
	ActorID      string
	Outcome      string
	Detail       string
	IP           string
}

type Sink interface {
	Record(ctx context.Context, event Event)
}

// PostgresSink writes events to the audit_log table.
type PostgresSink struct {
	db     *sql.DB
	logger *observability.Logger
}

func NewPostgresSink(db *sql.DB, logger *observability.Logger) *PostgresSink {
	return &PostgresSink{db: db, logger: logger}
}

func (s *PostgresSink) Record(ctx context.Context, event Event) {
	id, err := uuid.NewV7()
	if err != nil {
		s.logger.Error("audit_id_failed", map[string]any{"error": err.Error()})
		return
	}

	if event.Outcome == "" {
		event.Outcome = "success"
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, resource_type, resource_id, actor_id, outcome, detail, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id.String(), event.Action, event.ResourceType,
		nullable(event.ResourceID), nullable(event.ActorID),
		event.Outcome, nullable(event.Detail), nullable(event.IP),
		time.Now().UTC())
	if err != nil {
		s.logger.Error("audit_record_failed", map[string]any{
			"action": event.Action,
			"error":  err.Error(),
		})
	}
}

func (s *PostgresSink) CleanupBefore(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	cutoff := time.Now().UTC().Add(-retention)

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM audit_log
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM audit_log t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// LoggerSink emits events as structured log lines. Used when no database is
// wired, and in tests.
type LoggerSink struct {
	logger *observability.Logger
}

func NewLoggerSink(logger *observability.Logger) *LoggerSink {
	return &LoggerSink{logger: logger}
}

func (s *LoggerSink) Record(_ context.Context, event Event) {
	outcome := event.Outcome
	if outcome == "" {
		outcome = "success"
	}
	s.logger.Info("audit", map[string]any{
		"action":        event.Action,
		"resource_type": event.ResourceType,
		"resource_id":   event.ResourceID,
		"actor_id":      event.ActorID,
		"outcome":       outcome,
		"detail":        event.Detail,
		"ip":            event.IP,
	})
}

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) Record(context.Context, Event) {}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
