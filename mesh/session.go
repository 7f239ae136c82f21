package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parlorview/parlor/internal/models"
)

const defaultIdleTimeout = 120 * time.Second

// Config wires a Session to its collaborators.
type Config struct {
	// ServerURL is the http(s) base of the parlor server. Unused when a
	// Signaler is supplied directly.
	ServerURL string
	RoomID    string
	// Token is the participant identity token minted by the server.
	Token    string
	Modality models.Modality

	// Capture acquires local media on enable.
	Capture CaptureFunc

	// Signaler overrides the default websocket connection; mainly for tests
	// and embedders that multiplex their own transport.
	Signaler Signaler

	// Resolver overrides the default relay-hint resolver.
	Resolver *Resolver

	// IdleTimeout is how long the session stays enabled with an empty peer
	// set before leaving automatically. Defaults to 120s.
	IdleTimeout time.Duration

	// OnRemoteTrack receives remote media as negotiation completes. Called
	// on pion's goroutine.
	OnRemoteTrack func(peerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

	// OnSync receives room-state broadcasts (play/pause/seek); the session
	// carries them for its collaborator without interpreting them.
	OnSync func(from string, payload json.RawMessage)
}

// Session is the local end of one room+modality mesh: it owns media
// acquisition, the peer orchestrator and the signaling socket. All state
// lives on a single event loop; public methods post commands into it, so
// concurrent callers cannot race.
type Session struct {
	cfg      Config
	modality models.Modality

	sig      Signaler
	orc      *Orchestrator
	resolver *Resolver

	media    LocalMedia
	profiles ProfileSet

	selfID     string
	enabled    bool
	enabling   bool
	muted      bool
	cameraOff  bool
	knownPeers map[string]bool

	idleTimeout time.Duration
	idleTimer   *time.Timer

	// gen invalidates in-flight continuations and timers: disable bumps it,
	// and stale completions check it before touching state.
	gen uint64

	meter *speakingMeter

	cmds   chan func()
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// NewSession dials the signaling endpoint and starts the session loop. The
// session is created disabled; call Enable to join the mesh.
func NewSession(ctx context.Context, cfg Config) (*Session, error) {
	return newSession(ctx, cfg, PionFactory(nil))
}

func newSession(ctx context.Context, cfg Config, factory connFactory) (*Session, error) {
	if cfg.Capture == nil {
		return nil, fmt.Errorf("mesh: Capture is required")
	}
	if !cfg.Modality.Valid() {
		return nil, fmt.Errorf("mesh: invalid modality %q", cfg.Modality)
	}

	sig := cfg.Signaler
	if sig == nil {
		var err error
		sig, err = DialSignaler(ctx, cfg.ServerURL, cfg.RoomID, cfg.Token)
		if err != nil {
			return nil, err
		}
	}

	resolver := cfg.Resolver
	if resolver == nil {
		resolver = &Resolver{BaseURL: cfg.ServerURL, Token: cfg.Token}
	}

	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}

	s := &Session{
		cfg:         cfg,
		modality:    cfg.Modality,
		sig:         sig,
		resolver:    resolver,
		knownPeers:  make(map[string]bool),
		idleTimeout: idle,
		meter:       newSpeakingMeter(),
		cmds:        make(chan func(), 16),
		events:      make(chan Event, 64),
		done:        make(chan struct{}),
	}

	orc := newOrchestrator(cfg.Modality, factory)
	orc.profiles = func() ProfileSet { return s.profiles }
	orc.localTracks = func() []webrtc.TrackLocal {
		if s.media == nil {
			return nil
		}
		return s.media.Tracks()
	}
	orc.send = sig.Send
	orc.emit = s.emitEvent
	orc.post = func(f func()) { s.post(f) }
	orc.onTrack = cfg.OnRemoteTrack
	s.orc = orc

	go s.run()
	return s, nil
}

// Events delivers the session's lifecycle events. The channel is buffered;
// a slow consumer loses events rather than wedging the loop.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) run() {
	for {
		select {
		case f := <-s.cmds:
			f()
		case msg, ok := <-s.sig.Incoming():
			if !ok {
				s.disable(false)
				s.emitEvent(Event{Kind: EventError, Err: ErrSessionClosed})
				return
			}
			s.handleMessage(msg)
		case <-s.done:
			s.disable(false)
			return
		}
	}
}

func (s *Session) post(f func()) bool {
	// cmds is buffered, so a closed session could still accept the send;
	// check done first to keep post-Close calls failing deterministically.
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.cmds <- f:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) emitEvent(ev Event) {
	select {
	case s.events <- ev:
	default:
		slog.Warn("dropping session event", "kind", ev.Kind)
	}
}

// Enable acquires local media (single-flight, memoized) and joins the mesh.
// A call while another enable is in flight, or while already enabled, is a
// no-op. Acquisition failure is surfaced as ErrMediaPermissionDenied and
// leaves the session disabled.
func (s *Session) Enable(ctx context.Context) error {
	reply := make(chan error, 1)
	if !s.post(func() { s.enable(ctx, reply) }) {
		return ErrSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) enable(ctx context.Context, reply chan<- error) {
	if s.enabled || s.enabling {
		reply <- nil
		return
	}
	s.enabling = true
	gen := s.gen

	// Media acquisition and credential fetch are slow; run them off-loop
	// and re-enter with the result.
	go func() {
		profiles := s.resolver.Profiles(ctx)
		var acquired LocalMedia
		var err error
		if s.media == nil {
			acquired, err = s.cfg.Capture(ctx, s.modality)
		}
		posted := s.post(func() {
			if gen != s.gen {
				// Disabled while we were acquiring; drop the result.
				if acquired != nil {
					acquired.Close()
				}
				reply <- ErrSessionClosed
				return
			}
			s.enabling = false
			if err != nil {
				reply <- fmt.Errorf("%w: %v", ErrMediaPermissionDenied, err)
				return
			}
			if acquired != nil {
				s.media = acquired
			}
			s.profiles = profiles
			s.enabled = true
			s.emitEvent(Event{Kind: EventEnabledChanged, On: true})

			if err := s.sig.Send(models.SignalMessage{
				Type:     models.SignalTypeJoin,
				Modality: s.modality,
			}); err != nil {
				s.emitEvent(Event{Kind: EventError, Err: err})
			}
			reply <- nil
		})
		if !posted {
			if acquired != nil {
				acquired.Close()
			}
			reply <- ErrSessionClosed
		}
	}()
}

// Disable leaves the mesh and releases everything: peers, media, meters,
// timers. Safe to call in any state, including mid-enable.
func (s *Session) Disable() error {
	reply := make(chan error, 1)
	if !s.post(func() { s.disable(true); reply <- nil }) {
		return ErrSessionClosed
	}
	return <-reply
}

func (s *Session) disable(notifyServer bool) {
	s.gen++
	s.enabling = false
	s.stopIdleTimer()
	s.orc.RemoveAll()
	s.knownPeers = make(map[string]bool)
	if s.media != nil {
		s.media.Close()
		s.media = nil
	}
	s.meter.reset()
	s.muted = false
	s.cameraOff = false

	if !s.enabled {
		return
	}
	s.enabled = false
	if notifyServer {
		if err := s.sig.Send(models.SignalMessage{
			Type:     models.SignalTypeLeave,
			Modality: s.modality,
		}); err != nil {
			slog.Warn("send leave", "err", err)
		}
	}
	s.emitEvent(Event{Kind: EventEnabledChanged, On: false})
}

// ToggleMute flips the local audio gate without renegotiating. Returns the
// new muted state.
func (s *Session) ToggleMute() (bool, error) {
	reply := make(chan bool, 1)
	if !s.post(func() {
		s.muted = !s.muted
		if s.media != nil {
			s.media.SetMuted(s.muted)
		}
		s.emitEvent(Event{Kind: EventMutedChanged, On: s.muted})
		reply <- s.muted
	}) {
		return false, ErrSessionClosed
	}
	return <-reply, nil
}

// ToggleCamera flips the local video gate without renegotiating. Returns the
// new camera-off state.
func (s *Session) ToggleCamera() (bool, error) {
	reply := make(chan bool, 1)
	if !s.post(func() {
		s.cameraOff = !s.cameraOff
		if s.media != nil {
			s.media.SetCameraOff(s.cameraOff)
		}
		s.emitEvent(Event{Kind: EventCameraChanged, On: s.cameraOff})
		reply <- s.cameraOff
	}) {
		return false, ErrSessionClosed
	}
	return <-reply, nil
}

// ReportAudioLevel feeds one local audio level sample (0..1) into the
// speaking meter.
func (s *Session) ReportAudioLevel(level float64) {
	s.post(func() {
		if !s.enabled {
			return
		}
		if changed, speaking := s.meter.sample(level); changed {
			s.emitEvent(Event{Kind: EventSpeakingChanged, On: speaking})
		}
	})
}

// Close shuts the session down: disables, stops the loop and closes the
// signaling socket.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
	})
	return s.sig.Close()
}

func (s *Session) handleMessage(msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeWelcome:
		s.selfID = msg.From
	case models.SignalTypePeers:
		if msg.Modality != s.modality {
			return
		}
		// We are the newcomer: initiate toward every existing peer.
		for _, peer := range msg.Peers {
			s.knownPeers[peer] = true
			if _, err := s.orc.ObtainOrCreate(peer, true, false); err != nil {
				s.emitEvent(Event{Kind: EventError, Peer: peer, Err: err})
				continue
			}
			s.emitEvent(Event{Kind: EventPeerJoined, Peer: peer})
		}
		s.armIdleIfEmpty()
	case models.SignalTypePeerJoin:
		if msg.Modality != s.modality {
			return
		}
		// The joiner initiates; our entry is created by its offer.
		s.knownPeers[msg.From] = true
		s.stopIdleTimer()
		s.emitEvent(Event{Kind: EventPeerJoined, Peer: msg.From})
	case models.SignalTypePeerLeft:
		if msg.Modality != s.modality {
			return
		}
		delete(s.knownPeers, msg.From)
		s.orc.Remove(msg.From)
		s.emitEvent(Event{Kind: EventPeerLeft, Peer: msg.From})
		s.armIdleIfEmpty()
	case models.SignalTypeCount:
		if msg.Modality != s.modality {
			return
		}
		s.emitEvent(Event{Kind: EventCountChanged, Count: msg.Count})
	case models.SignalTypeOffer:
		if msg.Modality != s.modality || !s.enabled {
			return
		}
		s.orc.HandleOffer(msg.From, msg.Payload)
	case models.SignalTypeAnswer:
		if msg.Modality != s.modality || !s.enabled {
			return
		}
		s.orc.HandleAnswer(msg.From, msg.Payload)
	case models.SignalTypeCandidate:
		if msg.Modality != s.modality || !s.enabled {
			return
		}
		s.orc.HandleCandidate(msg.From, msg.Payload)
	case models.SignalTypeSync:
		if s.cfg.OnSync != nil {
			s.cfg.OnSync(msg.From, msg.Payload)
		}
	case models.SignalTypeError:
		s.handleServerError(msg)
	}
}

func (s *Session) handleServerError(msg models.SignalMessage) {
	switch msg.Code {
	case models.CodeCapacityExceeded:
		if msg.Modality != s.modality {
			return
		}
		// Join rejected: release what enable acquired and surface the
		// rejection. No retry.
		s.disable(false)
		s.emitEvent(Event{Kind: EventError, Err: ErrCapacityExceeded})
	case models.CodeTargetUnavailable:
		// The addressed peer is gone; drop its entry and let presence
		// signals drive any future reconnection.
		delete(s.knownPeers, msg.To)
		s.orc.Remove(msg.To)
		s.emitEvent(Event{Kind: EventError, Peer: msg.To, Err: ErrTargetUnavailable})
		s.armIdleIfEmpty()
	default:
		s.emitEvent(Event{Kind: EventError, Err: fmt.Errorf("relay error %s: %s", msg.Code, msg.Error)})
	}
}

// armIdleIfEmpty starts the auto-leave countdown when the session is enabled
// with nobody else in the mesh. Any peer arrival cancels it.
func (s *Session) armIdleIfEmpty() {
	if !s.enabled || len(s.knownPeers) > 0 {
		return
	}
	s.stopIdleTimer()
	gen := s.gen
	s.idleTimer = time.AfterFunc(s.idleTimeout, func() {
		s.post(func() {
			if gen != s.gen || !s.enabled || len(s.knownPeers) > 0 {
				return
			}
			slog.Info("idle timeout, leaving mesh", "modality", s.modality)
			s.disable(true)
			s.emitEvent(Event{Kind: EventAutoLeave})
		})
	})
}

func (s *Session) stopIdleTimer() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}
