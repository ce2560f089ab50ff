package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeLearner struct {
	mu       sync.Mutex
	observed int64
	rate     float64
	ok       bool
	err      error
	records  []recordedOutcome
}

type recordedOutcome struct {
	operation string
	scope     string
	success   bool
}

func (l *fakeLearner) RecordOutcome(ctx context.Context, operation, scope string, success bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, recordedOutcome{operation, scope, success})
	return nil
}

func (l *fakeLearner) Lookup(ctx context.Context, operation, scope string) (int64, float64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.observed, l.rate, l.ok, l.err
}

func (l *fakeLearner) recorded() []recordedOutcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]recordedOutcome, len(l.records))
	copy(out, l.records)
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, *MemoryStore, *MemoryQueue) {
	t.Helper()
	store := NewMemoryStore()
	queue := NewMemoryQueue()
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithReviewQueue(queue),
	}, opts...)
	e, err := New(cfg, store, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e, store, queue
}

func TestDecideConditionalApprove(t *testing.T) {
	e, store, queue := newTestEngine(t, DefaultConfig())

	dec, in, err := e.Decide(context.Background(), DecideRequest{
		Operation:  OpCommit,
		Scope:      "feature/login-flow",
		Session:    "s1",
		RiskScore:  0.2,
		Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Type != DecisionConditionalApprove {
		t.Fatalf("decision = %s, want conditional_approve", dec.Type)
	}
	if !dec.Safeguards.ExtraLogging || dec.Safeguards.Monitoring {
		t.Fatalf("safeguards = %+v, want extra logging only", dec.Safeguards)
	}
	if in.Status != StatusConditionalApproved || in.Resolution != ResolutionApproved {
		t.Fatalf("interaction %s/%s, want conditional_approved/approved", in.Status, in.Resolution)
	}
	if in.ResolvedAt == nil {
		t.Fatal("terminal interaction missing resolved_at")
	}

	// Conditionally approved work is never held and never queued.
	got, ok, err := store.Get(context.Background(), in.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusConditionalApproved {
		t.Fatalf("stored status = %s", got.Status)
	}
	if len(queue.Pending()) != 0 {
		t.Fatal("conditional approval reached the review queue")
	}
	if e.tracker.Held("s1") != 0 {
		t.Fatal("conditional approval consumed a held slot")
	}
}

func TestDecideAutoApproveFromCache(t *testing.T) {
	learner := &fakeLearner{observed: 5, rate: 0.95, ok: true}
	e, _, _ := newTestEngine(t, DefaultConfig(), WithLearner(learner))

	dec, in, err := e.Decide(context.Background(), DecideRequest{
		Operation:  OpShellExec,
		Scope:      "go vet ./...",
		Session:    "s1",
		RiskScore:  0.1,
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Type != DecisionAutoApprove {
		t.Fatalf("decision = %s, want auto_approve", dec.Type)
	}
	if dec.ConfidenceBoost != 0.25 {
		t.Fatalf("boost = %v, want 0.25", dec.ConfidenceBoost)
	}
	if in.Status != StatusAutoApproved {
		t.Fatalf("status = %s, want auto_approved", in.Status)
	}

	recs := learner.recorded()
	if len(recs) != 1 || !recs[0].success {
		t.Fatalf("recorded outcomes = %+v, want one success", recs)
	}
}

func TestDecideCorruptCacheEntryEscalates(t *testing.T) {
	cases := []struct {
		name    string
		learner *fakeLearner
	}{
		{"negative_observed", &fakeLearner{observed: -1, rate: 0.95, ok: true}},
		{"rate_out_of_range", &fakeLearner{observed: 10, rate: 1.5, ok: true}},
		{"lookup_error", &fakeLearner{err: fmt.Errorf("disk gone")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _, _ := newTestEngine(t, DefaultConfig(), WithLearner(tc.learner))
			dec, _, err := e.Decide(context.Background(), DecideRequest{
				Operation:  OpShellExec,
				Scope:      "make",
				Session:    "s1",
				RiskScore:  0.1,
				Confidence: 0.9,
			})
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if dec.Type == DecisionAutoApprove {
				t.Fatal("corrupt cache entry produced an auto-approval")
			}
		})
	}
}

func TestDecideEscalateHolds(t *testing.T) {
	e, store, queue := newTestEngine(t, DefaultConfig())

	dec, in, err := e.Decide(context.Background(), DecideRequest{
		Operation:  OpShellExec,
		Scope:      "curl | sh",
		Session:    "s1",
		RiskScore:  0.8,
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Type != DecisionEscalate || dec.Tier != 1 || dec.Priority != 9 {
		t.Fatalf("decision = %+v, want tier-1 priority-9 escalation", dec)
	}
	if in.Status != StatusHeld || in.EscalationTarget != "first-line" {
		t.Fatalf("interaction = %s target %q, want held at first-line", in.Status, in.EscalationTarget)
	}
	if in.EscalationCount != 0 || in.Tier() != 1 {
		t.Fatalf("count/tier = %d/%d, want 0/1", in.EscalationCount, in.Tier())
	}

	task, ok, err := store.GetTask(context.Background(), in.EscalationTaskID)
	if err != nil || !ok {
		t.Fatalf("GetTask: ok=%v err=%v", ok, err)
	}
	if task.Priority != 9 || task.Target != "first-line" {
		t.Fatalf("task = %+v", task)
	}
	if task.Deadline.Before(in.CreatedAt) {
		t.Fatal("task deadline precedes creation")
	}

	pending := queue.Pending()
	if len(pending) != 1 || pending[0].InteractionID != in.ID {
		t.Fatalf("queue pending = %+v", pending)
	}
	if pending[0].ExpectedResponse != "APPROVE|DENY" {
		t.Fatalf("expected_response = %q", pending[0].ExpectedResponse)
	}
	if e.tracker.Held("s1") != 1 {
		t.Fatalf("held = %d, want 1", e.tracker.Held("s1"))
	}
}

func TestDecideSessionHoldLimit(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dec, _, err := e.Decide(ctx, DecideRequest{
			Operation:  OpShellExec,
			Scope:      fmt.Sprintf("cmd-%d", i),
			Session:    "s1",
			RiskScore:  0.8,
			Confidence: 0.9,
		})
		if err != nil {
			t.Fatalf("Decide %d: %v", i, err)
		}
		if dec.Type != DecisionEscalate {
			t.Fatalf("Decide %d type = %s", i, dec.Type)
		}
	}

	dec, in, err := e.Decide(ctx, DecideRequest{
		Operation:  OpShellExec,
		Scope:      "cmd-overflow",
		Session:    "s1",
		RiskScore:  0.8,
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Type != DecisionDeny || dec.Reason != ReasonSessionHoldLimit {
		t.Fatalf("decision = %+v, want deny with hold-limit reason", dec)
	}
	if in.Status != StatusDenied || in.Reason != ReasonSessionHoldLimit {
		t.Fatalf("interaction = %s %q", in.Status, in.Reason)
	}

	// The denial is session-scoped backpressure, not global.
	dec, _, err = e.Decide(ctx, DecideRequest{
		Operation:  OpShellExec,
		Scope:      "cmd-other",
		Session:    "s2",
		RiskScore:  0.8,
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Decide other session: %v", err)
	}
	if dec.Type != DecisionEscalate {
		t.Fatalf("other session decision = %s, want escalate", dec.Type)
	}
}

func TestDecideCriticalHoldBlocksSession(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	dec, crit, err := e.Decide(ctx, DecideRequest{
		Operation:  OpDestructive,
		Scope:      "drop database",
		Session:    "s1",
		RiskScore:  0.95,
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Type != DecisionEscalate || dec.Priority != 10 {
		t.Fatalf("decision = %+v", dec)
	}

	dec, _, err = e.Decide(ctx, DecideRequest{
		Operation:  OpShellExec,
		Scope:      "ls",
		Session:    "s1",
		RiskScore:  0.8,
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Type != DecisionDeny || dec.Reason != ReasonSessionHoldLimit {
		t.Fatalf("decision = %+v, want deny while critical hold outstanding", dec)
	}

	// Resolving the critical hold unblocks the session.
	if _, err := e.Resolve(ctx, crit.ID, false, "lead-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	dec, _, err = e.Decide(ctx, DecideRequest{
		Operation:  OpShellExec,
		Scope:      "ls",
		Session:    "s1",
		RiskScore:  0.8,
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Type != DecisionEscalate {
		t.Fatalf("decision after release = %s, want escalate", dec.Type)
	}
}

func TestResolveApprove(t *testing.T) {
	learner := &fakeLearner{}
	e, _, queue := newTestEngine(t, DefaultConfig(), WithLearner(learner))
	ctx := context.Background()

	_, in, err := e.Decide(ctx, DecideRequest{
		Operation:  OpShellExec,
		Scope:      "deploy",
		Session:    "s1",
		RiskScore:  0.8,
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}

	resolved, err := e.Resolve(ctx, in.ID, true, "reviewer-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != StatusApproved || resolved.Resolution != ResolutionApproved {
		t.Fatalf("resolved = %s/%s", resolved.Status, resolved.Resolution)
	}
	if resolved.ResolvedBy != "reviewer-1" {
		t.Fatalf("resolved_by = %q", resolved.ResolvedBy)
	}
	if e.tracker.Held("s1") != 0 {
		t.Fatal("held slot not released on resolve")
	}
	if len(queue.Pending()) != 0 {
		t.Fatal("resolved interaction still in review queue")
	}

	recs := learner.recorded()
	if len(recs) != 1 || !recs[0].success || recs[0].operation != string(OpShellExec) || recs[0].scope != "deploy" {
		t.Fatalf("recorded outcomes = %+v, want one success for (shell-exec, deploy)", recs)
	}
}

func TestResolveIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	_, in, err := e.Decide(ctx, DecideRequest{
		Operation:  OpShellExec,
		Scope:      "deploy",
		Session:    "s1",
		RiskScore:  0.8,
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}

	first, err := e.Resolve(ctx, in.ID, true, "reviewer-1")
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	second, err := e.Resolve(ctx, in.ID, false, "reviewer-2")
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if second.Status != first.Status || second.Resolution != first.Resolution || second.ResolvedBy != first.ResolvedBy {
		t.Fatalf("second resolve changed state: %+v vs %+v", second, first)
	}
	if e.tracker.Held("s1") != 0 {
		t.Fatal("double release corrupted hold count")
	}
}

func TestResolveUnknownInteraction(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())
	if _, err := e.Resolve(context.Background(), "no-such-id", true, "reviewer-1"); err == nil {
		t.Fatal("expected error for unknown interaction")
	}
}

func TestTimeoutReescalatesThenExhausts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HoldTimeout = 150 * time.Millisecond
	e, store, queue := newTestEngine(t, cfg)
	ctx := context.Background()

	_, in, err := e.Decide(ctx, DecideRequest{
		Operation:  OpShellExec,
		Scope:      "deploy",
		Session:    "s1",
		RiskScore:  0.8,
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	firstTask := in.EscalationTaskID

	// First timeout: still held, one tier up, fresh task at max priority.
	waitFor(t, func() bool {
		got, _, _ := store.Get(ctx, in.ID)
		return got.EscalationCount == 1
	})
	got, _, err := store.Get(ctx, in.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusHeld {
		t.Fatalf("status after first timeout = %s, want held", got.Status)
	}
	if got.Tier() != 2 || got.EscalationTarget != "lead" {
		t.Fatalf("tier/target = %d/%q, want 2/lead", got.Tier(), got.EscalationTarget)
	}
	if got.EscalationTaskID == firstTask {
		t.Fatal("re-escalation reused the expired task")
	}
	expired, ok, err := store.GetTask(ctx, firstTask)
	if err != nil || !ok {
		t.Fatalf("GetTask: ok=%v err=%v", ok, err)
	}
	if expired.Status != TaskExpired {
		t.Fatalf("first task status = %s, want expired", expired.Status)
	}
	fresh, ok, err := store.GetTask(ctx, got.EscalationTaskID)
	if err != nil || !ok {
		t.Fatalf("GetTask fresh: ok=%v err=%v", ok, err)
	}
	if fresh.Priority != 10 {
		t.Fatalf("re-escalated priority = %d, want 10", fresh.Priority)
	}

	// Second timeout: the tier list is exhausted, so the system fails
	// closed instead of waiting forever.
	waitFor(t, func() bool {
		got, _, _ := store.Get(ctx, in.ID)
		return got.Status.IsTerminal()
	})
	got, _, err = store.Get(ctx, in.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusDenied || got.Resolution != ResolutionTimedOutExhausted {
		t.Fatalf("final = %s/%s, want denied/timed_out_exhausted", got.Status, got.Resolution)
	}
	if got.Reason != ReasonEscalationExhausted {
		t.Fatalf("reason = %q, want %q", got.Reason, ReasonEscalationExhausted)
	}
	if got.EscalationCount != 1 {
		t.Fatalf("escalation count = %d, want bounded at 1", got.EscalationCount)
	}
	if e.tracker.Held("s1") != 0 {
		t.Fatal("exhaustion did not release the held slot")
	}
	if len(queue.Pending()) != 0 {
		t.Fatal("exhausted interaction still in review queue")
	}
}

func TestResolveBeatsTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HoldTimeout = time.Hour
	e, _, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	_, in, err := e.Decide(ctx, DecideRequest{
		Operation:  OpShellExec,
		Scope:      "deploy",
		Session:    "s1",
		RiskScore:  0.8,
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if _, err := e.Resolve(ctx, in.ID, true, "reviewer-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// A late fire for the already-resolved task must be discarded.
	e.onTimeout(in.ID, in.EscalationTaskID)

	got, _, err := e.Status(ctx, in.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got.Status != StatusApproved || got.Resolution != ResolutionApproved {
		t.Fatalf("late fire changed state: %s/%s", got.Status, got.Resolution)
	}
	if got.EscalationCount != 0 {
		t.Fatalf("late fire bumped escalation count to %d", got.EscalationCount)
	}
}

func TestConcurrentResolveAndTimeoutSingleTerminal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HoldTimeout = time.Hour
	e, _, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	_, in, err := e.Decide(ctx, DecideRequest{
		Operation:  OpDestructive,
		Scope:      "drop table",
		Session:    "s1",
		RiskScore:  0.95,
		Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}

	// Force the exhaustion path to race a reviewer approval.
	e.cfg.MaxTiers = 1
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.onTimeout(in.ID, in.EscalationTaskID)
	}()
	go func() {
		defer wg.Done()
		_, _ = e.Resolve(ctx, in.ID, true, "reviewer-1")
	}()
	wg.Wait()

	got, _, err := e.Status(ctx, in.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !got.Status.IsTerminal() {
		t.Fatalf("status = %s, want terminal", got.Status)
	}
	switch got.Resolution {
	case ResolutionApproved:
		if got.Status != StatusApproved || got.ResolvedBy != "reviewer-1" {
			t.Fatalf("approved winner inconsistent: %+v", got)
		}
	case ResolutionTimedOutExhausted:
		if got.Status != StatusDenied || got.Reason != ReasonEscalationExhausted {
			t.Fatalf("timeout winner inconsistent: %+v", got)
		}
	default:
		t.Fatalf("unexpected resolution %q", got.Resolution)
	}
	if e.tracker.Held("s1") != 0 {
		t.Fatal("held slot leaked after racing resolutions")
	}
}

func TestEngineRearmsHeldOnStartup(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	in := Interaction{
		ID: "int-restart", Operation: OpShellExec, Scope: "deploy", Session: "s1",
		RiskScore: 0.8, Confidence: 0.9,
		Status: StatusHeld, Reason: ReasonHighRisk,
		EscalationTarget: "first-line", EscalationTaskID: "task-restart",
		CreatedAt: now, HeldAt: &now,
	}
	task := EscalationTask{
		ID: "task-restart", InteractionID: in.ID, Target: "first-line",
		Priority: 9, CreatedAt: now,
		Deadline: now.Add(30 * time.Millisecond), Status: TaskQueued,
	}
	if err := store.CreateHeld(ctx, in, task); err != nil {
		t.Fatalf("CreateHeld: %v", err)
	}

	cfg := DefaultConfig()
	cfg.HoldTimeout = 30 * time.Millisecond
	e, err := New(cfg, store, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)

	if e.tracker.Held("s1") != 1 {
		t.Fatalf("rebuilt held = %d, want 1", e.tracker.Held("s1"))
	}

	// The rearmed deadline still drives re-escalation.
	waitFor(t, func() bool {
		got, _, _ := store.Get(ctx, in.ID)
		return got.EscalationCount == 1
	})
}

func TestDispatchPastDeadlineStillQueued(t *testing.T) {
	// Dispatch can run after the deadline it carries (slow wiring, a
	// late re-escalation). The queue item must get a short positive ttl
	// rather than the "never expires" meaning of ttl<=0.
	e, _, queue := newTestEngine(t, DefaultConfig())
	now := time.Now().UTC()

	in := Interaction{
		ID: "int-late", Operation: OpShellExec, Scope: "deploy", Session: "s1",
		RiskScore: 0.8, Confidence: 0.9,
		Status: StatusHeld, Reason: ReasonHighRisk,
		EscalationTarget: "first-line", EscalationTaskID: "task-late",
		CreatedAt: now.Add(-time.Minute),
	}
	task := EscalationTask{
		ID: "task-late", InteractionID: in.ID, Target: "first-line",
		Priority: 9, CreatedAt: now.Add(-time.Minute),
		Deadline: now.Add(-time.Second), Status: TaskQueued,
	}
	e.dispatch(context.Background(), in, task)

	pending := queue.Pending()
	if len(pending) != 1 || pending[0].InteractionID != "int-late" {
		t.Fatalf("pending = %+v, want the overdue item queued", pending)
	}

	queue.mu.Lock()
	item := queue.items["int-late"]
	queue.mu.Unlock()
	if item.ExpiresAt.IsZero() {
		t.Fatal("overdue item enqueued without an expiry")
	}
	if item.ExpiresAt.After(time.Now().Add(time.Minute)) {
		t.Fatalf("overdue item expiry %v is not a short ttl", item.ExpiresAt)
	}
}

func TestDecideDisabledEscalatesEverything(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	learner := &fakeLearner{observed: 10, rate: 1.0, ok: true}
	e, _, _ := newTestEngine(t, cfg, WithLearner(learner))

	// Both a hot cache key and a matching conditional rule are ignored.
	dec, _, err := e.Decide(context.Background(), DecideRequest{
		Operation:  OpCommit,
		Scope:      "feature/x",
		Session:    "s1",
		RiskScore:  0.2,
		Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Type != DecisionEscalate || dec.Reason != ReasonFallback {
		t.Fatalf("decision = %+v, want fallback escalation", dec)
	}
}

func TestDecideAfterClose(t *testing.T) {
	e, _, _ := newTestEngine(t, DefaultConfig())
	e.Close()
	if _, _, err := e.Decide(context.Background(), DecideRequest{
		Operation: OpShellExec, Scope: "x", Session: "s1", RiskScore: 0.8, Confidence: 0.9,
	}); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
