package domain

import "errors"

// Sentinel errors forming the error taxonomy every component reports
// through. Callers use errors.Is/errors.As rather than string matching.
var (
	// ErrNotFound is returned by strict DocStore getters (get_rule,
	// get_service equivalents) when no matching document exists.
	ErrNotFound = errors.New("guardian: document not found")

	// ErrConflictExhausted is returned by the store facade after five
	// failed optimistic-concurrency rebase-and-retry attempts.
	ErrConflictExhausted = errors.New("guardian: update conflict not resolved after retries")

	// ErrTransport wraps a transport-level failure (network, 5xx) from
	// DocStore or MetricsClient. Neither facade retries transport
	// failures; the first one is returned as ErrTransport.
	ErrTransport = errors.New("guardian: transport error")

	// ErrResourceStateInvalid is fatal for a single structure's tick:
	// a required limits/resource field is missing, or a limits document
	// read from the store fails validation.
	ErrResourceStateInvalid = errors.New("guardian: resource state invalid")

	// ErrLimitAboveMax is fatal for a single structure's tick: current
	// exceeds max, which the repairer never attempts to fix.
	ErrLimitAboveMax = errors.New("guardian: current exceeds max")

	// ErrResourceStateUnfixable is returned when ten repair iterations
	// still leave the chain invalid.
	ErrResourceStateUnfixable = errors.New("guardian: resource state unfixable after repair attempts")

	// ErrRuleMalformed marks a single rule as unusable for this
	// evaluation; the rule is skipped, not the whole structure.
	ErrRuleMalformed = errors.New("guardian: rule malformed")
)
