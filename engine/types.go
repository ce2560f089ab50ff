package engine

import "time"

type Operation string

const (
	OpFileEdit    Operation = "file-edit"
	OpCommit      Operation = "commit"
	OpShellExec   Operation = "shell-exec"
	OpDestructive Operation = "destructive-op"
	OpTestRun     Operation = "test-run"
)

type Status string

const (
	StatusPending             Status = "pending"
	StatusAutoApproved        Status = "auto_approved"
	StatusConditionalApproved Status = "conditional_approved"
	StatusHeld                Status = "held"
	StatusApproved            Status = "approved"
	StatusDenied              Status = "denied"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAutoApproved, StatusConditionalApproved, StatusApproved, StatusDenied:
		return true
	}
	return false
}

type Resolution string

const (
	ResolutionApproved          Resolution = "approved"
	ResolutionDenied            Resolution = "denied"
	ResolutionTimedOutExhausted Resolution = "timed_out_exhausted"
)

// Reason codes carried on decisions and resolutions. Exhaustion and the
// hold-limit backpressure path use distinct codes so consumers can tell
// system fail-closed denials apart from reviewer rejection.
const (
	ReasonCritical            = "critical"
	ReasonHighRisk            = "high risk"
	ReasonMediumRisk          = "medium risk"
	ReasonUnknownPattern      = "unknown pattern"
	ReasonLearnedPattern      = "learned pattern"
	ReasonFallback            = "fallback"
	ReasonEscalationExhausted = "escalation exhausted"
	ReasonSessionHoldLimit    = "session hold limit"
)

// Interaction is a single permission-requiring request raised by an agent
// session. Resolution fields are write-once; EscalationCount never
// decreases and is bounded by the configured tier count.
type Interaction struct {
	ID         string
	Operation  Operation
	Scope      string
	Session    string
	RiskScore  float64
	Confidence float64

	Status           Status
	Reason           string
	Safeguards       Safeguards
	EscalationTarget string
	EscalationTaskID string
	EscalationCount  int

	CreatedAt  time.Time
	HeldAt     *time.Time
	ResolvedAt *time.Time

	Resolution Resolution
	ResolvedBy string
}

// Tier returns the 1-based reviewer tier for a held interaction.
func (in Interaction) Tier() int {
	return in.EscalationCount + 1
}

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskDelivered TaskStatus = "delivered"
	TaskAnswered  TaskStatus = "answered"
	TaskExpired   TaskStatus = "expired"
)

func (s TaskStatus) IsTerminal() bool {
	return s == TaskAnswered || s == TaskExpired
}

// EscalationTask is an outstanding request for reviewer action. At most
// one non-terminal task exists per interaction at any time.
type EscalationTask struct {
	ID            string
	InteractionID string
	Target        string
	Priority      int
	CreatedAt     time.Time
	Deadline      time.Time
	Status        TaskStatus
}

type DecisionType string

const (
	DecisionAutoApprove        DecisionType = "auto_approve"
	DecisionConditionalApprove DecisionType = "conditional_approve"
	DecisionEscalate           DecisionType = "escalate"
	DecisionDeny               DecisionType = "deny"
)

// Safeguards are non-blocking controls attached to a conditional
// approval instead of a silent pass.
type Safeguards struct {
	ExtraLogging bool `json:"extra_logging"`
	Monitoring   bool `json:"monitoring"`
}

// Decision is the router output for one interaction.
type Decision struct {
	Type     DecisionType
	Tier     int
	Priority int
	Reason   string

	// ConfidenceBoost is set on cache-driven auto-approvals.
	ConfidenceBoost float64
	Safeguards      Safeguards
}
