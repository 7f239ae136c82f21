package relay

import "errors"

var (
	// ErrCapacityExceeded is returned when a mesh is full after stale members
	// have been pruned and the post-delay recheck still sees no free slot.
	ErrCapacityExceeded = errors.New("mesh capacity exceeded")

	// ErrTargetUnavailable is returned when an addressed message names a
	// participant with no live transport session. The relay never retries;
	// the sender decides whether to re-initiate.
	ErrTargetUnavailable = errors.New("target participant unavailable")
)
