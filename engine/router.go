package engine

import "math"

// CacheHit is the learned aggregate for an (operation, scope) key as the
// router sees it.
type CacheHit struct {
	ObservedCount int64
	SuccessRate   float64
}

// CacheLookup resolves past-outcome aggregates. A nil lookup, a miss, or
// a corrupted entry all route the same way: on to the next rule.
type CacheLookup func(op Operation, scope string) (CacheHit, bool)

// RouteRequest carries the externally classified risk estimate for one
// operation. Callers should run it through Normalize first so a missing
// or broken classification fails safe to maximum escalation.
type RouteRequest struct {
	Operation  Operation
	Scope      string
	RiskScore  float64
	Confidence float64
}

// Normalize applies the fail-safe for absent or invalid classifier
// output: anything outside [0,1] (including NaN) becomes risk=1.0,
// confidence=0.0.
func (r RouteRequest) Normalize() RouteRequest {
	if math.IsNaN(r.RiskScore) || r.RiskScore < 0 || r.RiskScore > 1 ||
		math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		r.RiskScore = 1.0
		r.Confidence = 0.0
	}
	return r
}

const (
	cacheMinObserved    = 3
	cacheMinSuccessRate = 0.9
	maxConfidenceBoost  = 0.3
	boostPerObservation = 0.05
)

// Route maps a classified request to a decision. Rules are evaluated in
// fixed priority order, first match wins. Given identical cache state
// the result is fully deterministic: no time reads, no I/O.
func Route(req RouteRequest, rules *Rules, lookup CacheLookup) Decision {
	req = req.Normalize()

	switch {
	case req.RiskScore > 0.9:
		return Decision{Type: DecisionEscalate, Tier: 1, Priority: 10, Reason: ReasonCritical}
	case req.RiskScore > 0.7:
		return Decision{Type: DecisionEscalate, Tier: 1, Priority: 9, Reason: ReasonHighRisk}
	case req.RiskScore > 0.4:
		return Decision{Type: DecisionEscalate, Tier: 2, Priority: 8, Reason: ReasonMediumRisk}
	case req.Confidence < 0.5:
		return Decision{Type: DecisionEscalate, Tier: 2, Priority: 7, Reason: ReasonUnknownPattern}
	}

	if lookup != nil {
		if hit, ok := lookup(req.Operation, req.Scope); ok &&
			hit.ObservedCount > cacheMinObserved && hit.SuccessRate > cacheMinSuccessRate {
			boost := float64(hit.ObservedCount) * boostPerObservation
			if boost > maxConfidenceBoost {
				boost = maxConfidenceBoost
			}
			return Decision{
				Type:            DecisionAutoApprove,
				Reason:          ReasonLearnedPattern,
				ConfidenceBoost: boost,
			}
		}
	}

	if req.RiskScore > 0 && req.RiskScore <= 0.4 && req.Confidence >= 0.6 {
		if sg, ok := rules.Match(req.Operation, req.Scope); ok {
			return Decision{
				Type:       DecisionConditionalApprove,
				Reason:     "conditional rule",
				Safeguards: sg,
			}
		}
	}

	return Decision{Type: DecisionEscalate, Tier: 1, Priority: 5, Reason: ReasonFallback}
}
