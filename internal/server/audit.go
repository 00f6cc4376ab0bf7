package server

import (
	"context"
	"time"
)

type auditEventType string

const (
	auditEventCreateEnv   auditEventType = "create-env"
	auditEventPull        auditEventType = "pull"
	auditEventPush        auditEventType = "push"
	auditEventDeleteEnv   auditEventType = "delete-env"
	auditEventAddGrant    auditEventType = "add-grant"
	auditEventUpdateGrant auditEventType = "update-grant"
	auditEventRemoveGrant auditEventType = "remove-grant"
	auditEventListGrants  auditEventType = "list-grants"
	auditEventSignup      auditEventType = "signup"
	auditEventLogin       auditEventType = "login"
)

type auditOutcome string

const (
	auditOutcomeSuccess auditOutcome = "success"
	auditOutcomeDenied  auditOutcome = "denied"
	auditOutcomeFailure auditOutcome = "failure"
)

type auditRecord struct {
	EventType auditEventType
	Actor     string
	EnvID     string
	Outcome   auditOutcome
	Detail    string
}

// writeAudit persists an audit event best-effort; a storage fault here is
// logged for operators, never surfaced to the caller.
func (s *Server) writeAudit(ctx context.Context, record auditRecord) {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO audit_events (event_id, event_type, actor, env_id, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		newID("evt"),
		string(record.EventType),
		record.Actor,
		record.EnvID,
		string(record.Outcome),
		record.Detail,
		timestamp(time.Now()),
	)
	if err != nil {
		s.logger.Error("failed to persist audit event", "event_type", record.EventType, "error", err)
	}
}

func (s *Server) logOperation(operation string, actor string, envID string, result string, extra map[string]any) {
	attrs := []any{
		"operation", operation,
		"actor", actor,
		"env_id", envID,
		"result", result,
	}
	for key, value := range extra {
		attrs = append(attrs, key, value)
	}
	s.logger.Info("envoix operation", attrs...)
}
