package engine

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned once the engine has been shut down.
	ErrClosed = errors.New("engine is closed")
)

// Store is the durable record of interactions and escalation tasks.
// Transitions out of HELD are compare-and-set: exactly one writer wins,
// the loser observes won=false and discards its action.
type Store interface {
	// Create inserts an interaction that is already terminal
	// (auto-approved, conditionally approved, or denied at admission).
	Create(ctx context.Context, in Interaction) error

	// CreateHeld inserts a held interaction together with its first
	// escalation task in one transaction.
	CreateHeld(ctx context.Context, in Interaction, task EscalationTask) error

	Get(ctx context.Context, id string) (Interaction, bool, error)
	GetTask(ctx context.Context, id string) (EscalationTask, bool, error)

	// ListHeld returns held interactions ordered by held_at.
	ListHeld(ctx context.Context) ([]Interaction, error)
	ListHeldBySession(ctx context.Context, session string) ([]Interaction, error)

	// Resolve transitions HELD to a terminal status. won=false means
	// another writer got there first; the stored interaction is
	// returned either way.
	Resolve(ctx context.Context, id string, res Resolution, actor, reason string, at time.Time) (Interaction, bool, error)

	// Reescalate bumps escalation_count and swaps the live task,
	// conditional on the interaction still being HELD at exactly
	// fromCount escalations. The prior task is marked expired.
	Reescalate(ctx context.Context, id string, fromCount int, task EscalationTask) (bool, error)

	// MarkTaskDelivered records that the reviewer notification for a
	// queued task went out. Best-effort bookkeeping.
	MarkTaskDelivered(ctx context.Context, taskID string) error
}
