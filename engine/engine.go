package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pellmont/holdfast/internal/strutil"
)

// Learner is the decision cache as the engine consumes it: durable
// per-key outcome aggregates, written on every terminal resolution.
type Learner interface {
	RecordOutcome(ctx context.Context, operation, scope string, success bool) error
	Lookup(ctx context.Context, operation, scope string) (observed int64, successRate float64, ok bool, err error)
}

// Engine coordinates routing, escalation dispatch, held-state admission
// and timeout re-escalation. Decide always returns immediately; waiting
// for a reviewer is expressed as a scheduled deadline plus later state
// reads, never as a blocked goroutine.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	store    Store
	rules    *Rules
	tracker  *Tracker
	watchdog *Watchdog
	learner  Learner
	notifier Notifier
	queue    ReviewQueue
	audit    AuditSink
	hub      *watchHub

	now func() time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

type Option func(*Engine)

func WithLogger(log *slog.Logger) Option   { return func(e *Engine) { e.log = log } }
func WithLearner(l Learner) Option         { return func(e *Engine) { e.learner = l } }
func WithNotifier(n Notifier) Option       { return func(e *Engine) { e.notifier = n } }
func WithReviewQueue(q ReviewQueue) Option { return func(e *Engine) { e.queue = q } }
func WithAuditSink(s AuditSink) Option     { return func(e *Engine) { e.audit = s } }
func WithRules(r *Rules) Option            { return func(e *Engine) { e.rules = r } }

func New(cfg Config, store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("nil store")
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:    cfg,
		store:  store,
		hub:    newWatchHub(),
		now:    func() time.Time { return time.Now().UTC() },
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.rules == nil {
		r, err := LoadRules(cfg.RulesPath)
		if err != nil {
			return nil, err
		}
		e.rules = r
	}
	if e.notifier == nil {
		e.notifier = LogNotifier{Log: e.log}
	}

	e.tracker = NewTracker(cfg.HeldLimit)
	if err := e.tracker.Rebuild(context.Background(), store); err != nil {
		return nil, err
	}

	e.watchdog = NewWatchdog(e.onTimeout, e.log)
	if err := e.rearm(context.Background()); err != nil {
		e.watchdog.Close()
		return nil, err
	}
	return e, nil
}

// rearm reschedules deadlines for interactions that were held when the
// process last stopped.
func (e *Engine) rearm(ctx context.Context) error {
	held, err := e.store.ListHeld(ctx)
	if err != nil {
		return err
	}
	for _, in := range held {
		task, ok, err := e.store.GetTask(ctx, in.EscalationTaskID)
		if err != nil {
			return err
		}
		if !ok || task.Status.IsTerminal() {
			continue
		}
		e.watchdog.Schedule(in.ID, task.ID, task.Deadline)
	}
	return nil
}

// DecideRequest is the caller-facing input: the operation plus the
// externally produced risk estimate.
type DecideRequest struct {
	ID         string
	Operation  Operation
	Scope      string
	Session    string
	RiskScore  float64
	Confidence float64
}

// Decide routes one interaction and records it. The requesting session
// is never suspended: on escalation only this interaction is held.
func (e *Engine) Decide(ctx context.Context, req DecideRequest) (Decision, Interaction, error) {
	if e == nil {
		return Decision{}, Interaction{}, fmt.Errorf("nil engine")
	}
	select {
	case <-e.closed:
		return Decision{}, Interaction{}, ErrClosed
	default:
	}

	rr := RouteRequest{
		Operation:  req.Operation,
		Scope:      strings.TrimSpace(req.Scope),
		RiskScore:  req.RiskScore,
		Confidence: req.Confidence,
	}.Normalize()

	// With auto-approval disabled every request goes through a reviewer:
	// no cache hits, no conditional rules, risk bands and fallback only.
	rules := e.rules
	lookup := e.cacheLookup(ctx)
	if !e.cfg.Enabled {
		rules = nil
		lookup = nil
	}
	dec := Route(rr, rules, lookup)

	now := e.now()
	in := Interaction{
		ID:         strings.TrimSpace(req.ID),
		Operation:  req.Operation,
		Scope:      rr.Scope,
		Session:    strings.TrimSpace(req.Session),
		RiskScore:  rr.RiskScore,
		Confidence: rr.Confidence,
		Reason:     dec.Reason,
		CreatedAt:  now,
	}
	if in.ID == "" {
		in.ID = "int_" + uuid.NewString()
	}

	switch dec.Type {
	case DecisionAutoApprove:
		in.Status = StatusAutoApproved
		in.Resolution = ResolutionApproved
		in.ResolvedAt = &now
		if err := e.store.Create(ctx, in); err != nil {
			return dec, Interaction{}, err
		}
		e.recordOutcome(ctx, in, true)

	case DecisionConditionalApprove:
		in.Status = StatusConditionalApproved
		in.Safeguards = dec.Safeguards
		in.Resolution = ResolutionApproved
		in.ResolvedAt = &now
		if err := e.store.Create(ctx, in); err != nil {
			return dec, Interaction{}, err
		}
		e.recordOutcome(ctx, in, true)

	case DecisionEscalate:
		critical := rr.RiskScore > criticalRisk
		if !e.tracker.TryAdmit(in.Session, critical) {
			dec = Decision{Type: DecisionDeny, Reason: ReasonSessionHoldLimit}
			in.Status = StatusDenied
			in.Resolution = ResolutionDenied
			in.Reason = ReasonSessionHoldLimit
			in.ResolvedAt = &now
			if err := e.store.Create(ctx, in); err != nil {
				return dec, Interaction{}, err
			}
			e.recordOutcome(ctx, in, false)
			break
		}

		task := EscalationTask{
			ID:            "esc_" + uuid.NewString(),
			InteractionID: in.ID,
			Target:        e.cfg.Target(dec.Tier),
			Priority:      dec.Priority,
			CreatedAt:     now,
			Deadline:      now.Add(e.cfg.HoldTimeout),
			Status:        TaskQueued,
		}
		in.Status = StatusHeld
		in.HeldAt = &now
		in.EscalationTarget = task.Target
		in.EscalationTaskID = task.ID

		if err := e.store.CreateHeld(ctx, in, task); err != nil {
			e.tracker.Release(in.Session, critical)
			return dec, Interaction{}, err
		}
		e.watchdog.Schedule(in.ID, task.ID, task.Deadline)
		e.dispatch(ctx, in, task)
	}

	e.emitAudit(ctx, in, dec)
	e.hub.publish(snapshotOf(in, now))
	return dec, in, nil
}

// maxScopePreviewBytes bounds the scope text carried on reviewer
// notifications. The stored interaction keeps the full scope.
const maxScopePreviewBytes = 500

// dispatch pushes the escalation to the review queue and notifies the
// target. Both are best-effort: failures are logged and the task stays
// governed by its timeout.
func (e *Engine) dispatch(ctx context.Context, in Interaction, task EscalationTask) {
	payload := ReviewPayload{
		InteractionID:    in.ID,
		Operation:        in.Operation,
		Scope:            strutil.TruncateUTF8(in.Scope, maxScopePreviewBytes),
		Session:          in.Session,
		RiskScore:        in.RiskScore,
		Confidence:       in.Confidence,
		Reason:           in.Reason,
		ExpectedResponse: "APPROVE|DENY",
	}
	if e.queue != nil {
		ttl := task.Deadline.Sub(e.now())
		// Slow dispatch can outlive the deadline; an overdue task still
		// reaches the queue with a short ttl rather than an unbounded
		// one, and the watchdog removes it when the deadline fires.
		if ttl <= 0 {
			ttl = time.Second
		}
		if err := e.queue.Enqueue(ctx, task.Target, payload, task.Priority, ttl); err != nil {
			e.log.Warn("review_queue_error", "interaction_id", in.ID, "error", err.Error())
		}
	}
	if e.notifier != nil {
		if err := e.notifier.Notify(ctx, task.Target, payload); err != nil {
			e.log.Warn("notify_error",
				"interaction_id", in.ID,
				"target", task.Target,
				"error", err.Error(),
			)
		} else if err := e.store.MarkTaskDelivered(ctx, task.ID); err != nil {
			e.log.Warn("task_delivered_mark_error", "task_id", task.ID, "error", err.Error())
		}
	}
}

// Resolve applies a reviewer decision. It is idempotent: once an
// interaction is terminal, later calls return the stored state without
// changing it. Losing the race against a concurrent timeout is a
// warning, never an error.
func (e *Engine) Resolve(ctx context.Context, interactionID string, approve bool, actor string) (Interaction, error) {
	if e == nil {
		return Interaction{}, fmt.Errorf("nil engine")
	}
	interactionID = strings.TrimSpace(interactionID)
	if interactionID == "" {
		return Interaction{}, fmt.Errorf("missing interaction id")
	}

	res := ResolutionDenied
	if approve {
		res = ResolutionApproved
	}
	now := e.now()
	in, won, err := e.store.Resolve(ctx, interactionID, res, actor, "", now)
	if err != nil {
		return Interaction{}, err
	}
	if !won {
		e.log.Warn("resolve_lost_race",
			"interaction_id", interactionID,
			"status", string(in.Status),
			"actor", actor,
		)
		return in, nil
	}

	e.watchdog.Cancel(in.EscalationTaskID)
	e.afterResolve(ctx, in, approve, now)
	return in, nil
}

// Status returns the current state of an interaction.
func (e *Engine) Status(ctx context.Context, interactionID string) (Interaction, bool, error) {
	if e == nil {
		return Interaction{}, false, fmt.Errorf("nil engine")
	}
	return e.store.Get(ctx, interactionID)
}

// Pending lists held interactions, oldest hold first.
func (e *Engine) Pending(ctx context.Context) ([]Interaction, error) {
	if e == nil {
		return nil, fmt.Errorf("nil engine")
	}
	return e.store.ListHeld(ctx)
}

// CanAdmit exposes the held-state admission check for callers that gate
// work before classification.
func (e *Engine) CanAdmit(session string) bool {
	if e == nil {
		return false
	}
	return e.tracker.CanAdmit(session)
}

// Close stops the watchdog loop and the audit sink. Idempotent.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		close(e.closed)
		e.watchdog.Close()
		if e.audit != nil {
			_ = e.audit.Close()
		}
	})
}

// onTimeout runs in the watchdog goroutine when a task deadline passes.
// The transition out of HELD is a compare-and-set: if a reviewer
// resolved the interaction first, this fire observes a non-HELD status
// and discards its action.
func (e *Engine) onTimeout(interactionID, taskID string) {
	ctx := context.Background()

	in, ok, err := e.store.Get(ctx, interactionID)
	if err != nil {
		e.log.Error("watchdog_get_error", "interaction_id", interactionID, "error", err.Error())
		return
	}
	if !ok || in.Status != StatusHeld || in.EscalationTaskID != taskID {
		e.log.Debug("watchdog_fire_stale", "interaction_id", interactionID, "task_id", taskID)
		return
	}

	now := e.now()

	// Fail closed once the last tier has timed out.
	if in.EscalationCount >= e.cfg.MaxTiers-1 {
		resolved, won, err := e.store.Resolve(ctx, in.ID, ResolutionTimedOutExhausted, "", ReasonEscalationExhausted, now)
		if err != nil {
			e.log.Error("watchdog_resolve_error", "interaction_id", in.ID, "error", err.Error())
			return
		}
		if !won {
			e.log.Warn("timeout_lost_race", "interaction_id", in.ID, "status", string(resolved.Status))
			return
		}
		e.log.Info("escalation_exhausted",
			"interaction_id", in.ID,
			"escalation_count", resolved.EscalationCount,
		)
		e.afterResolve(ctx, resolved, false, now)
		return
	}

	// Re-escalate to the next tier with a fresh deadline. Timed-out
	// escalations always carry maximum priority.
	task := EscalationTask{
		ID:            "esc_" + uuid.NewString(),
		InteractionID: in.ID,
		Target:        e.nextTarget(in.EscalationTarget),
		Priority:      10,
		CreatedAt:     now,
		Deadline:      now.Add(e.cfg.HoldTimeout),
		Status:        TaskQueued,
	}
	won, err := e.store.Reescalate(ctx, in.ID, in.EscalationCount, task)
	if err != nil {
		e.log.Error("watchdog_reescalate_error", "interaction_id", in.ID, "error", err.Error())
		return
	}
	if !won {
		e.log.Warn("timeout_lost_race", "interaction_id", in.ID)
		return
	}

	in.EscalationCount++
	in.EscalationTarget = task.Target
	in.EscalationTaskID = task.ID

	e.log.Info("escalation_timeout",
		"interaction_id", in.ID,
		"tier", in.Tier(),
		"target", task.Target,
	)
	e.watchdog.Schedule(in.ID, task.ID, task.Deadline)
	e.dispatch(ctx, in, task)
	e.emitAudit(ctx, in, Decision{Type: DecisionEscalate, Tier: in.Tier(), Priority: task.Priority, Reason: in.Reason})
	e.hub.publish(snapshotOf(in, now))
}

// afterResolve releases the held slot, feeds the learning cache and
// fans the terminal snapshot out.
func (e *Engine) afterResolve(ctx context.Context, in Interaction, success bool, at time.Time) {
	e.tracker.Release(in.Session, in.RiskScore > criticalRisk)
	if r, ok := e.queue.(interface{ Remove(string) }); ok && e.queue != nil {
		r.Remove(in.ID)
	}
	e.recordOutcome(ctx, in, success)
	e.emitAudit(ctx, in, Decision{})
	e.hub.publish(snapshotOf(in, at))
}

func (e *Engine) recordOutcome(ctx context.Context, in Interaction, success bool) {
	if e.learner == nil {
		return
	}
	if err := e.learner.RecordOutcome(ctx, string(in.Operation), in.Scope, success); err != nil {
		e.log.Warn("record_outcome_error", "interaction_id", in.ID, "error", err.Error())
	}
}

func (e *Engine) cacheLookup(ctx context.Context) CacheLookup {
	if e.learner == nil {
		return nil
	}
	return func(op Operation, scope string) (CacheHit, bool) {
		observed, rate, ok, err := e.learner.Lookup(ctx, string(op), scope)
		if err != nil {
			e.log.Warn("cache_lookup_error", "operation", string(op), "error", err.Error())
			return CacheHit{}, false
		}
		// A corrupted entry routes like a miss.
		if !ok || observed < 0 || math.IsNaN(rate) || rate < 0 || rate > 1 {
			return CacheHit{}, false
		}
		return CacheHit{ObservedCount: observed, SuccessRate: rate}, true
	}
}

// nextTarget picks the reviewer target one tier above the current one,
// reusing the last tier when the list runs out.
func (e *Engine) nextTarget(current string) string {
	for i, t := range e.cfg.Tiers {
		if t == current {
			return e.cfg.Target(i + 2)
		}
	}
	return e.cfg.Target(len(e.cfg.Tiers))
}

func (e *Engine) emitAudit(ctx context.Context, in Interaction, dec Decision) {
	if e.audit == nil {
		return
	}
	ev := AuditEvent{
		Timestamp:       e.now(),
		InteractionID:   in.ID,
		Session:         in.Session,
		Operation:       in.Operation,
		Scope:           in.Scope,
		RiskScore:       in.RiskScore,
		Confidence:      in.Confidence,
		Decision:        dec.Type,
		Status:          in.Status,
		Reason:          in.Reason,
		Priority:        dec.Priority,
		EscalationCount: in.EscalationCount,
		Resolution:      in.Resolution,
		Actor:           in.ResolvedBy,
	}
	if in.Status == StatusHeld {
		ev.Tier = in.Tier()
	}
	if in.Status == StatusConditionalApproved {
		sg := in.Safeguards
		ev.Safeguards = &sg
	}
	if err := e.audit.Emit(ctx, ev); err != nil {
		e.log.Warn("audit_emit_error", "interaction_id", in.ID, "error", err.Error())
	}
}
