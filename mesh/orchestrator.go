package mesh

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parlorview/parlor/internal/models"
)

const (
	// escalateDebounce is the minimum spacing between forced escalations for
	// one peer; failure signals inside the window are absorbed.
	escalateDebounce = time.Second

	// softResolveWindow is how long a soft restart gets to bring the
	// transport back before the ladder advances for real.
	softResolveWindow = time.Second
)

// peerEntry is the connection bookkeeping for one remote participant. An
// entry is never mutated across attempts: escalation tears it down and
// installs a replacement, carrying only the attempt counter forward.
type peerEntry struct {
	id        string
	conn      rtcConn
	initiator bool

	// attempt is the ladder position, 1..3. It survives replace-on-escalate
	// and resets only on a confirmed connected state.
	attempt         int
	softRestartUsed bool
	connected       bool

	// remoteDescSet gates candidate application; pending holds candidates
	// that arrived early, in arrival order.
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit

	// answerApplied makes answer application idempotent for this entry. It
	// re-arms when a new negotiation epoch starts (soft restart or
	// renegotiation offer).
	answerApplied bool

	negotiationTimer *time.Timer
	softRestartTimer *time.Timer
}

func (e *peerEntry) currentTier() Tier {
	return Tier(e.attempt)
}

// Orchestrator owns one connection entry per remote participant and drives
// the attempt/escalation ladder. Every method must be called from the owning
// session loop; async work (pion callbacks, timers) re-enters through post.
type Orchestrator struct {
	modality models.Modality

	newConn     connFactory
	profiles    func() ProfileSet
	localTracks func() []webrtc.TrackLocal
	send        func(models.SignalMessage) error
	emit        func(Event)
	post        func(func())
	onTrack     func(peerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	now         func() time.Time

	peers        map[string]*peerEntry
	lastEscalate map[string]time.Time
}

func newOrchestrator(modality models.Modality, newConn connFactory) *Orchestrator {
	return &Orchestrator{
		modality:     modality,
		newConn:      newConn,
		profiles:     func() ProfileSet { return ProfileSet{} },
		localTracks:  func() []webrtc.TrackLocal { return nil },
		send:         func(models.SignalMessage) error { return nil },
		emit:         func(Event) {},
		post:         func(f func()) { f() },
		now:          time.Now,
		peers:        make(map[string]*peerEntry),
		lastEscalate: make(map[string]time.Time),
	}
}

// ObtainOrCreate returns the entry for id, creating one on first need. With
// forceEscalate the existing entry is torn down and replaced at the next
// ladder tier; exhaustion of the ladder returns ErrNegotiationFailed.
func (o *Orchestrator) ObtainOrCreate(id string, initiator, forceEscalate bool) (*peerEntry, error) {
	e, ok := o.peers[id]
	if ok && !forceEscalate {
		return e, nil
	}

	attempt := 1
	if ok {
		next, more := NextTier(e.currentTier(), true)
		o.teardown(e)
		if !more {
			o.emit(Event{Kind: EventError, Peer: id, Err: ErrNegotiationFailed})
			return nil, ErrNegotiationFailed
		}
		attempt = int(next)
	}
	return o.createEntry(id, attempt, initiator)
}

func (o *Orchestrator) createEntry(id string, attempt int, initiator bool) (*peerEntry, error) {
	tier := Tier(attempt)
	conn, err := o.newConn(o.profiles().ForTier(tier))
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	e := &peerEntry{
		id:        id,
		conn:      conn,
		initiator: initiator,
		attempt:   attempt,
	}
	o.peers[id] = e

	for _, track := range o.localTracks() {
		if _, err := conn.AddTrack(track); err != nil {
			slog.Warn("add local track", "peer", id, "err", err)
		}
	}

	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		o.post(func() {
			if o.peers[id] != e {
				return
			}
			payload, err := json.Marshal(init)
			if err != nil {
				return
			}
			if err := o.send(models.SignalMessage{
				Type:     models.SignalTypeCandidate,
				To:       id,
				Modality: o.modality,
				Payload:  payload,
			}); err != nil {
				slog.Warn("send candidate", "peer", id, "err", err)
			}
		})
	})

	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		o.post(func() {
			if o.peers[id] != e {
				return
			}
			o.handleStateChange(e, state)
		})
	})

	conn.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		// Delivered on pion's goroutine; the media consumer does its own
		// synchronization.
		if o.onTrack != nil {
			o.onTrack(id, track, receiver)
		}
	})

	slog.Info("peer attempt", "peer", id, "tier", tier.String(),
		"attempt", attempt, "initiator", initiator)

	if initiator {
		if err := o.sendOffer(e, false); err != nil {
			slog.Warn("initial offer", "peer", id, "err", err)
		}
		o.armNegotiationTimer(e)
	}
	return e, nil
}

func (o *Orchestrator) sendOffer(e *peerEntry, iceRestart bool) error {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := e.conn.CreateOffer(opts)
	if err != nil {
		return err
	}
	if err := e.conn.SetLocalDescription(offer); err != nil {
		return err
	}
	payload, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	return o.send(models.SignalMessage{
		Type:     models.SignalTypeOffer,
		To:       e.id,
		Modality: o.modality,
		Payload:  payload,
	})
}

// HandleOffer applies an incoming offer and answers it. Offers are only
// accepted in a stable signaling state: when both sides offered at once the
// initiator's ladder recovers, the answerer never re-offers mid-negotiation.
func (o *Orchestrator) HandleOffer(from string, payload json.RawMessage) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		slog.Warn("bad offer payload", "peer", from, "err", err)
		return
	}

	e, ok := o.peers[from]
	if !ok {
		created, err := o.createEntry(from, 1, false)
		if err != nil {
			slog.Error("create answering peer", "peer", from, "err", err)
			return
		}
		e = created
	} else if e.conn.SignalingState() != webrtc.SignalingStateStable {
		slog.Warn("offer while not stable, dropping", "peer", from,
			"state", e.conn.SignalingState().String())
		return
	}

	if err := e.conn.SetRemoteDescription(desc); err != nil {
		slog.Warn("apply offer", "peer", from, "err", err)
		return
	}
	e.remoteDescSet = true
	// A renegotiation offer starts a new epoch; the next answer is
	// applicable again on the initiator side, and wants fresh candidates.
	e.answerApplied = false
	o.drainCandidates(e)

	answer, err := e.conn.CreateAnswer(nil)
	if err != nil {
		slog.Warn("create answer", "peer", from, "err", err)
		return
	}
	if err := e.conn.SetLocalDescription(answer); err != nil {
		slog.Warn("set local answer", "peer", from, "err", err)
		return
	}
	answerPayload, err := json.Marshal(answer)
	if err != nil {
		return
	}
	if err := o.send(models.SignalMessage{
		Type:     models.SignalTypeAnswer,
		To:       from,
		Modality: o.modality,
		Payload:  answerPayload,
	}); err != nil {
		slog.Warn("send answer", "peer", from, "err", err)
	}
}

// HandleAnswer applies an incoming answer exactly once per entry. Duplicate
// answers for the same negotiation epoch are dropped silently.
func (o *Orchestrator) HandleAnswer(from string, payload json.RawMessage) {
	e, ok := o.peers[from]
	if !ok || !e.initiator {
		slog.Warn("unexpected answer", "peer", from)
		return
	}
	if e.answerApplied {
		return
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		slog.Warn("bad answer payload", "peer", from, "err", err)
		return
	}
	if err := e.conn.SetRemoteDescription(desc); err != nil {
		slog.Warn("apply answer", "peer", from, "err", err)
		return
	}
	e.answerApplied = true
	e.remoteDescSet = true
	o.stopNegotiationTimer(e)
	o.drainCandidates(e)
}

// HandleCandidate queues the candidate if the remote description has not
// landed yet, otherwise applies it immediately.
func (o *Orchestrator) HandleCandidate(from string, payload json.RawMessage) {
	e, ok := o.peers[from]
	if !ok {
		slog.Warn("candidate for unknown peer", "peer", from)
		return
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &init); err != nil {
		slog.Warn("bad candidate payload", "peer", from, "err", err)
		return
	}
	if !e.remoteDescSet {
		e.pending = append(e.pending, init)
		return
	}
	if err := e.conn.AddICECandidate(init); err != nil {
		// Non-fatal: one bad path proposal must not take the peer down.
		slog.Warn("add candidate", "peer", from, "err", err)
	}
}

func (o *Orchestrator) drainCandidates(e *peerEntry) {
	for _, init := range e.pending {
		if err := e.conn.AddICECandidate(init); err != nil {
			slog.Warn("add queued candidate", "peer", e.id, "err", err)
		}
	}
	e.pending = nil
}

func (o *Orchestrator) handleStateChange(e *peerEntry, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		e.connected = true
		e.attempt = 1
		e.softRestartUsed = false
		o.stopNegotiationTimer(e)
		o.stopSoftRestartTimer(e)
		delete(o.lastEscalate, e.id)
		o.emit(Event{Kind: EventPeerConnected, Peer: e.id})
	case webrtc.PeerConnectionStateFailed:
		e.connected = false
		o.escalate(e)
	case webrtc.PeerConnectionStateDisconnected:
		// Often transient; pion either recovers or moves to failed, and the
		// negotiation timer covers a wedged restart.
		e.connected = false
	}
}

// escalate reacts to a failure signal: debounced, soft restart before the
// first real escalation, otherwise one rung up the ladder. Answerer entries
// are simply dropped; the initiating side's next offer rebuilds them.
func (o *Orchestrator) escalate(e *peerEntry) {
	if o.peers[e.id] != e {
		return
	}
	if last, ok := o.lastEscalate[e.id]; ok && o.now().Sub(last) < escalateDebounce {
		return
	}
	o.lastEscalate[e.id] = o.now()

	if !e.initiator {
		o.Remove(e.id)
		return
	}

	if e.currentTier() == TierHybrid && !e.softRestartUsed {
		o.softRestart(e)
		return
	}
	o.advanceLadder(e)
}

// softRestart renegotiates in place with an ICE restart, keeping the
// transport. If the connection is not healthy within softResolveWindow the
// ladder advances anyway.
func (o *Orchestrator) softRestart(e *peerEntry) {
	e.softRestartUsed = true
	e.remoteDescSet = false
	e.answerApplied = false
	e.pending = nil

	slog.Info("soft restart", "peer", e.id)
	if err := o.sendOffer(e, true); err != nil {
		slog.Warn("soft restart offer", "peer", e.id, "err", err)
		o.advanceLadder(e)
		return
	}
	o.armNegotiationTimer(e)

	o.stopSoftRestartTimer(e)
	e.softRestartTimer = time.AfterFunc(softResolveWindow, func() {
		o.post(func() {
			if o.peers[e.id] != e {
				return
			}
			if !e.connected {
				o.advanceLadder(e)
			}
		})
	})
}

// advanceLadder replaces the entry at the next tier, or removes the peer for
// good when the ladder is exhausted.
func (o *Orchestrator) advanceLadder(e *peerEntry) {
	if o.peers[e.id] != e {
		return
	}
	next, more := NextTier(e.currentTier(), true)
	id, initiator := e.id, e.initiator
	o.teardown(e)
	if !more {
		o.emit(Event{Kind: EventError, Peer: id, Err: ErrNegotiationFailed})
		slog.Warn("ladder exhausted", "peer", id)
		return
	}
	if _, err := o.createEntry(id, int(next), initiator); err != nil {
		slog.Error("escalated attempt", "peer", id, "err", err)
	}
}

// armNegotiationTimer forces escalation when no remote description has been
// applied by the tier's deadline, independent of explicit failure signals.
func (o *Orchestrator) armNegotiationTimer(e *peerEntry) {
	o.stopNegotiationTimer(e)
	d := e.currentTier().NegotiationTimeout(e.softRestartUsed)
	e.negotiationTimer = time.AfterFunc(d, func() {
		o.post(func() {
			if o.peers[e.id] != e {
				return
			}
			if !e.remoteDescSet {
				slog.Warn("negotiation timeout", "peer", e.id,
					"tier", e.currentTier().String())
				o.escalate(e)
			}
		})
	})
}

func (o *Orchestrator) stopNegotiationTimer(e *peerEntry) {
	if e.negotiationTimer != nil {
		e.negotiationTimer.Stop()
		e.negotiationTimer = nil
	}
}

func (o *Orchestrator) stopSoftRestartTimer(e *peerEntry) {
	if e.softRestartTimer != nil {
		e.softRestartTimer.Stop()
		e.softRestartTimer = nil
	}
}

// Remove tears down the peer's entry: timers stopped, connection closed,
// queued candidates and the idempotence guard discarded.
func (o *Orchestrator) Remove(id string) {
	e, ok := o.peers[id]
	if !ok {
		return
	}
	o.teardown(e)
	delete(o.lastEscalate, id)
}

// RemoveAll drops every peer entry; used on session disable.
func (o *Orchestrator) RemoveAll() {
	for id := range o.peers {
		o.Remove(id)
	}
}

func (o *Orchestrator) teardown(e *peerEntry) {
	o.stopNegotiationTimer(e)
	o.stopSoftRestartTimer(e)
	e.pending = nil
	if err := e.conn.Close(); err != nil {
		slog.Warn("close peer connection", "peer", e.id, "err", err)
	}
	delete(o.peers, e.id)
}

// PeerCount reports how many peer entries currently exist.
func (o *Orchestrator) PeerCount() int {
	return len(o.peers)
}

// Peers lists the remote participant ids with live entries.
func (o *Orchestrator) Peers() []string {
	out := make([]string, 0, len(o.peers))
	for id := range o.peers {
		out = append(out, id)
	}
	return out
}
