package safety

import (
	"errors"

	"crm_activity_backend/platform/apperr"
)

// Outcome discriminates the results of a guarded update.
type Outcome string

const (
	OutcomeUpdated      Outcome = "updated"
	OutcomeNoChanges    Outcome = "no_changes"
	OutcomeRateLimited  Outcome = "rate_limited"
	OutcomeLoopDetected Outcome = "loop_detected"
	OutcomeFailed       Outcome = "failed"
)

// Result is the outcome of a guarded update. Rate limiting, loop detection
// and no-op updates are ordinary outcomes, not errors. Only OutcomeFailed
// carries an error kind.
type Result struct {
	Outcome Outcome     `json:"outcome"`
	Message string      `json:"message"`
	Scope   string      `json:"scope,omitempty"`
	Kind    apperr.Kind `json:"kind,omitempty"`
	Cached  bool        `json:"-"`
}

// Updated reports a write that reached storage.
func Updated() Result {
	return Result{Outcome: OutcomeUpdated, Message: "entity updated"}
}

// NoChanges reports an update without meaningful differences.
func NoChanges() Result {
	return Result{Outcome: OutcomeNoChanges, Message: "no meaningful changes"}
}

// RateLimited reports a rejected update and the counter that rejected it.
func RateLimited(scope string) Result {
	return Result{Outcome: OutcomeRateLimited, Message: "rate limit exceeded", Scope: scope}
}

// LoopDetected reports an update rejected as a probable update loop.
func LoopDetected(reason string) Result {
	return Result{Outcome: OutcomeLoopDetected, Message: "update loop detected", Scope: reason}
}

// Failed wraps an error into a cacheable result.
func Failed(err error) Result {
	kind := apperr.GetKind(err)
	if kind == apperr.KindUnknown {
		kind = apperr.KindInternal
	}
	msg := "update failed"
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		msg = appErr.Message
	}
	return Result{Outcome: OutcomeFailed, Message: msg, Kind: kind}
}

// OK reports whether the caller's request succeeded. A no-op counts as
// success.
func (r Result) OK() bool {
	return r.Outcome == OutcomeUpdated || r.Outcome == OutcomeNoChanges
}

// Err returns the error for a failed result and nil otherwise.
func (r Result) Err() error {
	if r.Outcome != OutcomeFailed {
		return nil
	}
	return apperr.New(r.Kind, r.Message)
}
