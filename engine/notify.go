package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ReviewPayload is the contract handed to reviewer-facing transports.
type ReviewPayload struct {
	InteractionID    string    `json:"interaction_id"`
	Operation        Operation `json:"operation"`
	Scope            string    `json:"scope"`
	Session          string    `json:"session"`
	RiskScore        float64   `json:"risk_score"`
	Confidence       float64   `json:"confidence"`
	Reason           string    `json:"reason"`
	ExpectedResponse string    `json:"expected_response"` // "APPROVE|DENY"
}

// Notifier delivers a reviewer notification. Delivery is best-effort: a
// failure is logged by the caller, never retried synchronously, and the
// task stays governed by its timeout either way.
type Notifier interface {
	Notify(ctx context.Context, target string, payload ReviewPayload) error
}

// ReviewQueue receives escalation work items for reviewer frontends.
type ReviewQueue interface {
	Enqueue(ctx context.Context, target string, payload ReviewPayload, priority int, ttl time.Duration) error
}

// LogNotifier writes notifications to the log. It is the default
// transport when no chat/session channel is wired in.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, target string, payload ReviewPayload) error {
	_ = ctx
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("review_notify",
		"target", target,
		"interaction_id", payload.InteractionID,
		"operation", string(payload.Operation),
		"scope", payload.Scope,
		"reason", payload.Reason,
	)
	return nil
}

type queueItem struct {
	Target     string
	Payload    ReviewPayload
	Priority   int
	EnqueuedAt time.Time
	ExpiresAt  time.Time
}

// MemoryQueue is an in-process ReviewQueue with priority-ordered
// listing, used by the daemon and by tests.
type MemoryQueue struct {
	mu    sync.Mutex
	items map[string]queueItem // by interaction ID; re-escalation replaces
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[string]queueItem)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, target string, payload ReviewPayload, priority int, ttl time.Duration) error {
	_ = ctx
	if q == nil {
		return nil
	}
	now := time.Now()
	item := queueItem{
		Target:     target,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: now,
	}
	if ttl > 0 {
		item.ExpiresAt = now.Add(ttl)
	}
	q.mu.Lock()
	q.items[payload.InteractionID] = item
	q.mu.Unlock()
	return nil
}

// Remove drops the queue item for a resolved interaction.
func (q *MemoryQueue) Remove(interactionID string) {
	if q == nil {
		return
	}
	q.mu.Lock()
	delete(q.items, interactionID)
	q.mu.Unlock()
}

// Pending returns live items ordered by priority DESC, enqueue time ASC.
func (q *MemoryQueue) Pending() []ReviewPayload {
	if q == nil {
		return nil
	}
	now := time.Now()
	q.mu.Lock()
	items := make([]queueItem, 0, len(q.items))
	for id, it := range q.items {
		if !it.ExpiresAt.IsZero() && now.After(it.ExpiresAt) {
			delete(q.items, id)
			continue
		}
		items = append(items, it)
	}
	q.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})
	out := make([]ReviewPayload, 0, len(items))
	for _, it := range items {
		out = append(out, it.Payload)
	}
	return out
}
