package mesh

// EventKind enumerates everything a session reports to its embedder. The
// vocabulary is closed: collaborators switch on Kind instead of registering
// ad hoc string-keyed listeners.
type EventKind string

const (
	EventEnabledChanged  EventKind = "enabled-changed"
	EventMutedChanged    EventKind = "muted-changed"
	EventCameraChanged   EventKind = "camera-changed"
	EventPeerJoined      EventKind = "peer-joined"
	EventPeerLeft        EventKind = "peer-left"
	EventPeerConnected   EventKind = "peer-connected"
	EventCountChanged    EventKind = "participant-count-changed"
	EventSpeakingChanged EventKind = "speaking-changed"
	EventAutoLeave       EventKind = "auto-leave"
	EventError           EventKind = "error"
)

// Event is the tagged union delivered on Session.Events. Fields besides Kind
// are populated per kind: Peer for peer-scoped events, Count for
// participant-count-changed, On for boolean state changes, Err for errors.
type Event struct {
	Kind  EventKind
	Peer  string
	Count int
	On    bool
	Err   error
}
