package engine

import (
	"context"
	"sync"
	"time"
)

// Snapshot is one observed state of an interaction. Watchers receive a
// snapshot per transition and the channel closes after a terminal one.
type Snapshot struct {
	InteractionID   string
	Status          Status
	Tier            int
	EscalationCount int
	Resolution      Resolution
	Reason          string
	At              time.Time
}

func snapshotOf(in Interaction, at time.Time) Snapshot {
	return Snapshot{
		InteractionID:   in.ID,
		Status:          in.Status,
		Tier:            in.Tier(),
		EscalationCount: in.EscalationCount,
		Resolution:      in.Resolution,
		Reason:          in.Reason,
		At:              at,
	}
}

// watchHub fans status transitions out to subscribers. Sends never
// block the engine: a slow subscriber loses intermediate snapshots, not
// the terminal one (the channel is drained before the final send).
type watchHub struct {
	mu   sync.Mutex
	subs map[string][]chan Snapshot
}

func newWatchHub() *watchHub {
	return &watchHub{subs: make(map[string][]chan Snapshot)}
}

func (h *watchHub) watch(interactionID string) (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)
	h.mu.Lock()
	h.subs[interactionID] = append(h.subs[interactionID], ch)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subs[interactionID]
		for i, c := range subs {
			if c == ch {
				h.subs[interactionID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(h.subs[interactionID]) == 0 {
			delete(h.subs, interactionID)
		}
	}
	return ch, cancel
}

// publish sends while holding h.mu so publishers for one interaction
// serialize: a terminal publish that closes a channel can never race a
// non-terminal send to it. Every send is non-blocking, so holding the
// lock across them cannot deadlock.
func (h *watchHub) publish(snap Snapshot) {
	terminal := snap.Status.IsTerminal()
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[snap.InteractionID]
	if terminal {
		delete(h.subs, snap.InteractionID)
	}
	for _, ch := range subs {
		if terminal {
			sendTerminal(ch, snap)
			continue
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// sendTerminal delivers the final snapshot, dropping stale buffered
// snapshots until it fits, then closes the channel. Called with h.mu
// held, so no other sender can refill the space freed by a drain.
func sendTerminal(ch chan Snapshot, snap Snapshot) {
	for {
		select {
		case ch <- snap:
			close(ch)
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Watch subscribes to status transitions for an interaction. The
// returned cancel func must be called when the caller stops listening.
// Subscribing after the interaction is already terminal delivers its
// final snapshot and closes the channel immediately; an unknown ID
// stays open, so callers may register before the first transition.
// Intended for dashboards and tests, not for the originating session to
// block on.
func (e *Engine) Watch(interactionID string) (<-chan Snapshot, func()) {
	ch, cancel := e.hub.watch(interactionID)
	if in, ok, err := e.store.Get(context.Background(), interactionID); err == nil && ok && in.Status.IsTerminal() {
		e.hub.publish(snapshotOf(in, e.now()))
	}
	return ch, cancel
}

// Poll is the restartable polling fallback for external consumers that
// cannot hold a subscription. It emits the current snapshot every
// interval and stops after a terminal state or context cancellation.
func (e *Engine) Poll(ctx context.Context, interactionID string, interval time.Duration) <-chan Snapshot {
	if interval <= 0 {
		interval = time.Second
	}
	out := make(chan Snapshot, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			in, ok, err := e.store.Get(ctx, interactionID)
			if err == nil && ok {
				snap := snapshotOf(in, time.Now().UTC())
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
				if snap.Status.IsTerminal() {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}
