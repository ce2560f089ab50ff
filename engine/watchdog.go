package engine

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// Watchdog tracks one deadline per live escalation task in a min-heap
// serviced by a single goroutine. There is deliberately no per-task
// timer: at scale one timer and one loop cover every held interaction.
//
// Cancellation is O(1): the entry is stale-marked in a map and skipped
// when it surfaces at the heap top. A stale or already-resolved entry
// that does fire is discarded by the callback's compare-and-set, so a
// missed cancel can never re-escalate a resolved interaction.
type Watchdog struct {
	fire func(interactionID, taskID string)
	log  *slog.Logger

	mu      sync.Mutex
	heap    deadlineHeap
	entries map[string]*deadlineEntry // by task ID

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type deadlineEntry struct {
	interactionID string
	taskID        string
	deadline      time.Time
	stale         bool
	index         int
}

func NewWatchdog(fire func(interactionID, taskID string), log *slog.Logger) *Watchdog {
	if log == nil {
		log = slog.Default()
	}
	w := &Watchdog{
		fire:    fire,
		log:     log,
		entries: make(map[string]*deadlineEntry),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

// Schedule registers a deadline for an escalation task.
func (w *Watchdog) Schedule(interactionID, taskID string, deadline time.Time) {
	if w == nil {
		return
	}
	e := &deadlineEntry{
		interactionID: interactionID,
		taskID:        taskID,
		deadline:      deadline,
	}
	w.mu.Lock()
	w.entries[taskID] = e
	heap.Push(&w.heap, e)
	w.mu.Unlock()
	w.kick()
}

// Cancel marks the pending deadline for a task stale. Safe to call for
// unknown or already-fired tasks.
func (w *Watchdog) Cancel(taskID string) {
	if w == nil {
		return
	}
	w.mu.Lock()
	if e, ok := w.entries[taskID]; ok {
		e.stale = true
		delete(w.entries, taskID)
	}
	w.mu.Unlock()
}

// Close stops the scheduling loop. Idempotent.
func (w *Watchdog) Close() {
	if w == nil {
		return
	}
	w.closeOnce.Do(func() { close(w.done) })
}

func (w *Watchdog) kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watchdog) loop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due := w.expireDue(time.Now())
		for _, e := range due {
			w.fire(e.interactionID, e.taskID)
		}

		next, ok := w.nextDeadline()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if ok {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-w.done:
			return
		case <-w.wake:
		case <-timer.C:
		}
	}
}

// expireDue pops every non-stale entry whose deadline has passed.
func (w *Watchdog) expireDue(now time.Time) []*deadlineEntry {
	w.mu.Lock()
	defer w.mu.Unlock()

	var due []*deadlineEntry
	for w.heap.Len() > 0 {
		top := w.heap[0]
		if top.stale {
			heap.Pop(&w.heap)
			continue
		}
		if top.deadline.After(now) {
			break
		}
		heap.Pop(&w.heap)
		delete(w.entries, top.taskID)
		due = append(due, top)
	}
	return due
}

func (w *Watchdog) nextDeadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.heap.Len() > 0 {
		top := w.heap[0]
		if top.stale {
			heap.Pop(&w.heap)
			continue
		}
		return top.deadline, true
	}
	return time.Time{}, false
}

type deadlineHeap []*deadlineEntry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deadlineHeap) Push(x any) {
	e := x.(*deadlineEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
