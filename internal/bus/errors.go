package bus

import "errors"

var (
	errSimulatedFailure = errors.New("simulated transfer failure")

	// ErrCoalescingOverrun means triggers kept arriving faster than rounds
	// could absorb them. It is fatal: the loop stops.
	ErrCoalescingOverrun = errors.New("too many consecutive coalesced bus rounds")

	// ErrLoopStopped is returned for triggers after the loop was stopped
	ErrLoopStopped = errors.New("bus loop stopped")
)
