package mesh

import "errors"

var (
	// ErrMediaPermissionDenied means local capture failed; the session stays
	// disabled. This is the only session-fatal condition.
	ErrMediaPermissionDenied = errors.New("local media permission denied")

	// ErrCapacityExceeded is the client-side mapping of the relay's capacity
	// rejection. User-facing, no retry.
	ErrCapacityExceeded = errors.New("mesh capacity exceeded")

	// ErrTargetUnavailable means an addressed peer had no live session when
	// the relay tried to deliver. The peer's own rejoin is the recovery path.
	ErrTargetUnavailable = errors.New("target peer unavailable")

	// ErrNegotiationFailed surfaces only after the escalation ladder is
	// exhausted for one peer; the rest of the mesh keeps running.
	ErrNegotiationFailed = errors.New("peer negotiation failed after final attempt")

	// ErrSessionClosed is returned from commands posted after Close.
	ErrSessionClosed = errors.New("mesh session closed")
)
