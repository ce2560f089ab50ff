package engine

import (
	"context"
	"time"
)

// AuditEvent records one decision or resolution for the audit trail.
type AuditEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	InteractionID string    `json:"interaction_id"`
	Session       string    `json:"session,omitempty"`
	Operation     Operation `json:"operation,omitempty"`
	Scope         string    `json:"scope,omitempty"`

	RiskScore  float64 `json:"risk_score"`
	Confidence float64 `json:"confidence"`

	Decision DecisionType `json:"decision,omitempty"`
	Status   Status       `json:"status"`
	Reason   string       `json:"reason,omitempty"`

	Tier            int        `json:"tier,omitempty"`
	Priority        int        `json:"priority,omitempty"`
	EscalationCount int        `json:"escalation_count,omitempty"`
	Resolution      Resolution `json:"resolution,omitempty"`
	Actor           string     `json:"actor,omitempty"`

	Safeguards *Safeguards `json:"safeguards,omitempty"`
}

type AuditSink interface {
	Emit(ctx context.Context, e AuditEvent) error
	Close() error
}
