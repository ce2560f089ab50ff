package main

import (
	"time"

	"github.com/pellmont/holdfast/engine"
)

type DecideHTTPRequest struct {
	ID         string  `json:"id,omitempty"`
	Operation  string  `json:"operation"`
	Scope      string  `json:"scope"`
	Session    string  `json:"session"`
	RiskScore  float64 `json:"risk_score"`
	Confidence float64 `json:"confidence"`
}

type DecideHTTPResponse struct {
	InteractionID   string             `json:"interaction_id"`
	Decision        string             `json:"decision"`
	Status          string             `json:"status"`
	Reason          string             `json:"reason,omitempty"`
	Tier            int                `json:"tier,omitempty"`
	Priority        int                `json:"priority,omitempty"`
	ConfidenceBoost float64            `json:"confidence_boost,omitempty"`
	Safeguards      *engine.Safeguards `json:"safeguards,omitempty"`
}

type ResolveHTTPRequest struct {
	InteractionID string `json:"interaction_id"`
	Decision      string `json:"decision"` // "approve" or "deny"
	Actor         string `json:"actor"`
}

type InteractionHTTPView struct {
	ID               string     `json:"id"`
	Operation        string     `json:"operation"`
	Scope            string     `json:"scope"`
	Session          string     `json:"session"`
	RiskScore        float64    `json:"risk_score"`
	Confidence       float64    `json:"confidence"`
	Status           string     `json:"status"`
	Reason           string     `json:"reason,omitempty"`
	EscalationTarget string     `json:"escalation_target,omitempty"`
	EscalationTaskID string     `json:"escalation_task_id,omitempty"`
	EscalationCount  int        `json:"escalation_count"`
	CreatedAt        time.Time  `json:"created_at"`
	HeldAt           *time.Time `json:"held_at,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	Resolution       string     `json:"resolution,omitempty"`
	ResolvedBy       string     `json:"resolved_by,omitempty"`
}

func interactionView(in engine.Interaction) InteractionHTTPView {
	return InteractionHTTPView{
		ID:               in.ID,
		Operation:        string(in.Operation),
		Scope:            in.Scope,
		Session:          in.Session,
		RiskScore:        in.RiskScore,
		Confidence:       in.Confidence,
		Status:           string(in.Status),
		Reason:           in.Reason,
		EscalationTarget: in.EscalationTarget,
		EscalationTaskID: in.EscalationTaskID,
		EscalationCount:  in.EscalationCount,
		CreatedAt:        in.CreatedAt,
		HeldAt:           in.HeldAt,
		ResolvedAt:       in.ResolvedAt,
		Resolution:       string(in.Resolution),
		ResolvedBy:       in.ResolvedBy,
	}
}
