package cache

import (
	"context"
	"strings"
	"sync"
)

type key struct {
	operation string
	scope     string
}

// Index is a read-through front over the durable store. Reads hit the
// map first and fall back to the store; writes go through the store and
// refresh the map, so the index can never drift ahead of what is
// persisted.
type Index struct {
	store Store

	mu      sync.RWMutex
	entries map[key]Entry
}

func NewIndex(store Store) *Index {
	return &Index{
		store:   store,
		entries: make(map[key]Entry),
	}
}

// RecordOutcome satisfies the engine's Learner contract.
func (ix *Index) RecordOutcome(ctx context.Context, operation, scope string, success bool) error {
	if ix == nil || ix.store == nil {
		return nil
	}
	e, err := ix.store.RecordOutcome(ctx, operation, scope, success)
	if err != nil {
		return err
	}
	if e.Operation == "" {
		return nil
	}
	ix.mu.Lock()
	ix.entries[key{e.Operation, e.Scope}] = e
	ix.mu.Unlock()
	return nil
}

// Lookup returns the observed count and success rate for a key, ok=false
// on a miss.
func (ix *Index) Lookup(ctx context.Context, operation, scope string) (int64, float64, bool, error) {
	if ix == nil || ix.store == nil {
		return 0, 0, false, nil
	}
	operation = strings.TrimSpace(operation)
	scope = strings.TrimSpace(scope)
	k := key{operation, scope}

	ix.mu.RLock()
	e, ok := ix.entries[k]
	ix.mu.RUnlock()
	if ok {
		return e.ObservedCount, e.SuccessRate, true, nil
	}

	e, ok, err := ix.store.Lookup(ctx, operation, scope)
	if err != nil || !ok {
		return 0, 0, false, err
	}
	ix.mu.Lock()
	ix.entries[k] = e
	ix.mu.Unlock()
	return e.ObservedCount, e.SuccessRate, true, nil
}

// Stats passes through to the durable store.
func (ix *Index) Stats(ctx context.Context, limit int) ([]Entry, error) {
	if ix == nil || ix.store == nil {
		return nil, nil
	}
	return ix.store.Stats(ctx, limit)
}
