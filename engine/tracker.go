package engine

import (
	"context"
	"strings"
	"sync"
)

// criticalRisk marks a held interaction that blocks all further
// risk-bearing admissions for its session regardless of the cap.
const criticalRisk = 0.9

// Tracker enforces the per-session concurrency cap on outstanding held
// interactions. It is the only backpressure point in the engine:
// unrelated, non-risk work never passes through it.
type Tracker struct {
	mu       sync.Mutex
	limit    int
	sessions map[string]*sessionHolds
}

type sessionHolds struct {
	held     int
	critical int
}

func NewTracker(limit int) *Tracker {
	if limit <= 0 {
		limit = 3
	}
	return &Tracker{
		limit:    limit,
		sessions: make(map[string]*sessionHolds),
	}
}

// CanAdmit reports whether the session may take on another held
// interaction: false once it holds limit interactions or any held
// interaction with risk above the critical threshold.
func (t *Tracker) CanAdmit(session string) bool {
	if t == nil {
		return true
	}
	session = strings.TrimSpace(session)
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.sessions[session]
	if !ok {
		return true
	}
	return h.held < t.limit && h.critical == 0
}

// TryAdmit performs the admission check and, on success, records the
// hold in the same critical section. Concurrent admits for one session
// can never overshoot the cap.
func (t *Tracker) TryAdmit(session string, critical bool) bool {
	if t == nil {
		return true
	}
	session = strings.TrimSpace(session)
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.sessions[session]
	if !ok {
		h = &sessionHolds{}
		t.sessions[session] = h
	}
	if h.held >= t.limit || h.critical > 0 {
		if h.held == 0 && h.critical == 0 {
			delete(t.sessions, session)
		}
		return false
	}
	h.held++
	if critical {
		h.critical++
	}
	return true
}

// Admit records a new hold. Callers check CanAdmit under the engine's
// dispatch path first; Admit itself never rejects so a rebuild can load
// whatever the store says.
func (t *Tracker) Admit(session string, critical bool) {
	if t == nil {
		return
	}
	session = strings.TrimSpace(session)
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.sessions[session]
	if !ok {
		h = &sessionHolds{}
		t.sessions[session] = h
	}
	h.held++
	if critical {
		h.critical++
	}
}

// Release frees a held slot once its interaction resolves.
func (t *Tracker) Release(session string, critical bool) {
	if t == nil {
		return
	}
	session = strings.TrimSpace(session)
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.sessions[session]
	if !ok {
		return
	}
	if h.held > 0 {
		h.held--
	}
	if critical && h.critical > 0 {
		h.critical--
	}
	if h.held == 0 && h.critical == 0 {
		delete(t.sessions, session)
	}
}

// Held returns the current hold count for a session.
func (t *Tracker) Held(session string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.sessions[strings.TrimSpace(session)]
	if !ok {
		return 0
	}
	return h.held
}

// Rebuild reloads hold counts from the store, typically at startup.
func (t *Tracker) Rebuild(ctx context.Context, store Store) error {
	if t == nil || store == nil {
		return nil
	}
	held, err := store.ListHeld(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = make(map[string]*sessionHolds)
	for _, in := range held {
		session := strings.TrimSpace(in.Session)
		h, ok := t.sessions[session]
		if !ok {
			h = &sessionHolds{}
			t.sessions[session] = h
		}
		h.held++
		if in.RiskScore > criticalRisk {
			h.critical++
		}
	}
	return nil
}
