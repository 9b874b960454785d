package domain

import "errors"

// Error taxonomy per spec §7. Each component recovers locally for its
// own class and never propagates these across component boundaries;
// AlertRouter is the only cross-cutting consumer, and only for the
// user-visible subset (connection loss/recovery, multi-minute desync).
var (
	// ErrSequencingViolation is recoverable by re-anchoring the book.
	ErrSequencingViolation = errors.New("orderbook: sequencing violation")
	// ErrTransientIO covers socket resets, timeouts, sink rate limits.
	ErrTransientIO = errors.New("transient io error")
	// ErrPermanentIO covers auth failures and malformed payloads.
	ErrPermanentIO = errors.New("permanent io error")
	// ErrInvariant marks a local assertion failure; the owning
	// component resets its own state and the system keeps running.
	ErrInvariant = errors.New("invariant violated")
	// ErrFatalConfig aborts the process at startup only.
	ErrFatalConfig = errors.New("fatal configuration error")
)
