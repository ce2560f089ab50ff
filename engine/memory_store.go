package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory Store. It exists for tests
// and embedded use; the CAS semantics match the SQLite store exactly.
type MemoryStore struct {
	mu           sync.RWMutex
	interactions map[string]Interaction
	tasks        map[string]EscalationTask
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		interactions: make(map[string]Interaction),
		tasks:        make(map[string]EscalationTask),
	}
}

func (s *MemoryStore) Create(ctx context.Context, in Interaction) error {
	_ = ctx
	if s == nil {
		return fmt.Errorf("nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.interactions[in.ID]; ok {
		return fmt.Errorf("duplicate interaction id: %s", in.ID)
	}
	s.interactions[in.ID] = in
	return nil
}

func (s *MemoryStore) CreateHeld(ctx context.Context, in Interaction, task EscalationTask) error {
	_ = ctx
	if s == nil {
		return fmt.Errorf("nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.interactions[in.ID]; ok {
		return fmt.Errorf("duplicate interaction id: %s", in.ID)
	}
	s.interactions[in.ID] = in
	s.tasks[task.ID] = task
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Interaction, bool, error) {
	_ = ctx
	if s == nil {
		return Interaction{}, false, fmt.Errorf("nil store")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.interactions[strings.TrimSpace(id)]
	return in, ok, nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (EscalationTask, bool, error) {
	_ = ctx
	if s == nil {
		return EscalationTask{}, false, fmt.Errorf("nil store")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[strings.TrimSpace(id)]
	return t, ok, nil
}

func (s *MemoryStore) ListHeld(ctx context.Context) ([]Interaction, error) {
	return s.listHeld(ctx, "")
}

func (s *MemoryStore) ListHeldBySession(ctx context.Context, session string) ([]Interaction, error) {
	session = strings.TrimSpace(session)
	if session == "" {
		return nil, nil
	}
	return s.listHeld(ctx, session)
}

func (s *MemoryStore) listHeld(ctx context.Context, session string) ([]Interaction, error) {
	_ = ctx
	if s == nil {
		return nil, fmt.Errorf("nil store")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Interaction
	for _, in := range s.interactions {
		if in.Status != StatusHeld {
			continue
		}
		if session != "" && in.Session != session {
			continue
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].HeldAt, out[j].HeldAt
		if a == nil || b == nil {
			return out[i].ID < out[j].ID
		}
		return a.Before(*b)
	})
	return out, nil
}

func (s *MemoryStore) Resolve(ctx context.Context, id string, res Resolution, actor, reason string, at time.Time) (Interaction, bool, error) {
	_ = ctx
	if s == nil {
		return Interaction{}, false, fmt.Errorf("nil store")
	}
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.interactions[id]
	if !ok {
		return Interaction{}, false, fmt.Errorf("interaction not found: %s", id)
	}
	if in.Status != StatusHeld {
		return in, false, nil
	}

	in.Status = StatusDenied
	taskStatus := TaskExpired
	if res == ResolutionApproved {
		in.Status = StatusApproved
		taskStatus = TaskAnswered
	} else if res == ResolutionDenied && strings.TrimSpace(actor) != "" {
		taskStatus = TaskAnswered
	}
	in.Resolution = res
	in.ResolvedBy = strings.TrimSpace(actor)
	if r := strings.TrimSpace(reason); r != "" {
		in.Reason = r
	}
	t := at.UTC()
	in.ResolvedAt = &t
	s.interactions[id] = in
	s.closeTasksLocked(id, taskStatus)
	return in, true, nil
}

func (s *MemoryStore) Reescalate(ctx context.Context, id string, fromCount int, task EscalationTask) (bool, error) {
	_ = ctx
	if s == nil {
		return false, fmt.Errorf("nil store")
	}
	id = strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.interactions[id]
	if !ok {
		return false, fmt.Errorf("interaction not found: %s", id)
	}
	if in.Status != StatusHeld || in.EscalationCount != fromCount {
		return false, nil
	}
	in.EscalationCount++
	in.EscalationTarget = task.Target
	in.EscalationTaskID = task.ID
	s.interactions[id] = in
	s.closeTasksLocked(id, TaskExpired)
	s.tasks[task.ID] = task
	return true, nil
}

func (s *MemoryStore) MarkTaskDelivered(ctx context.Context, taskID string) error {
	_ = ctx
	if s == nil {
		return fmt.Errorf("nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[strings.TrimSpace(taskID)]
	if ok && t.Status == TaskQueued {
		t.Status = TaskDelivered
		s.tasks[t.ID] = t
	}
	return nil
}

func (s *MemoryStore) closeTasksLocked(interactionID string, status TaskStatus) {
	for tid, t := range s.tasks {
		if t.InteractionID != interactionID || t.Status.IsTerminal() {
			continue
		}
		t.Status = status
		s.tasks[tid] = t
	}
}
