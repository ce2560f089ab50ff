package cache

import (
	"context"
	"time"
)

// Entry is the learned aggregate for one (operation, scope) key.
// SuccessRate is recomputed in the same statement that bumps the
// counters, so a reader can never observe a torn value.
type Entry struct {
	Operation     string
	Scope         string
	ObservedCount int64
	SuccessCount  int64
	FailureCount  int64
	SuccessRate   float64
	LastUsedAt    time.Time
}

// Store is the durable half of the decision cache. Its value compounds
// over the system's lifetime, so it must survive restarts; the
// in-memory Index fronts it but is never authoritative on its own.
type Store interface {
	RecordOutcome(ctx context.Context, operation, scope string, success bool) (Entry, error)
	Lookup(ctx context.Context, operation, scope string) (Entry, bool, error)
	Stats(ctx context.Context, limit int) ([]Entry, error)
}
