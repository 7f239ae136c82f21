package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parlorview/parlor/internal/models"
)

type fakeSignaler struct {
	mu     sync.Mutex
	sent   []models.SignalMessage
	in     chan models.SignalMessage
	closed bool
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{in: make(chan models.SignalMessage, 16)}
}

func (f *fakeSignaler) Send(msg models.SignalMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrSessionClosed
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaler) Incoming() <-chan models.SignalMessage { return f.in }

func (f *fakeSignaler) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSignaler) push(msg models.SignalMessage) { f.in <- msg }

func (f *fakeSignaler) messages(typ models.SignalType) []models.SignalMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SignalMessage
	for _, m := range f.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeMedia struct {
	muted     atomic.Bool
	cameraOff atomic.Bool
	closed    atomic.Bool
}

func (m *fakeMedia) Tracks() []webrtc.TrackLocal { return nil }
func (m *fakeMedia) SetMuted(v bool)             { m.muted.Store(v) }
func (m *fakeMedia) SetCameraOff(v bool)         { m.cameraOff.Store(v) }
func (m *fakeMedia) Close() error                { m.closed.Store(true); return nil }

type sessHarness struct {
	sess     *Session
	sig      *fakeSignaler
	media    *fakeMedia
	captures atomic.Int32
	conns    struct {
		mu    sync.Mutex
		conns []*fakeConn
	}
}

func (h *sessHarness) connCount() int {
	h.conns.mu.Lock()
	defer h.conns.mu.Unlock()
	return len(h.conns.conns)
}

func newSessHarness(t *testing.T, mutate func(*Config)) *sessHarness {
	t.Helper()
	h := &sessHarness{sig: newFakeSignaler(), media: &fakeMedia{}}
	cfg := Config{
		RoomID:   "room-1",
		Modality: models.ModalityVoice,
		Signaler: h.sig,
		Resolver: &Resolver{FallbackSTUNURLs: []string{"stun:stun.example.com:3478"}},
		Capture: func(context.Context, models.Modality) (LocalMedia, error) {
			h.captures.Add(1)
			return h.media, nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sess, err := newSession(context.Background(), cfg, func(c webrtc.Configuration) (rtcConn, error) {
		conn := &fakeConn{cfg: c}
		h.conns.mu.Lock()
		h.conns.conns = append(h.conns.conns, conn)
		h.conns.mu.Unlock()
		return conn, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	h.sess = sess
	t.Cleanup(func() { sess.Close() })
	return h
}

func waitEvent(t *testing.T, s *Session, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", kind)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnableAcquiresMediaAndJoins(t *testing.T) {
	h := newSessHarness(t, nil)

	if err := h.sess.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := h.captures.Load(); got != 1 {
		t.Errorf("capture called %d times, want 1", got)
	}
	joins := h.sig.messages(models.SignalTypeJoin)
	if len(joins) != 1 {
		t.Fatalf("sent %d join messages, want 1", len(joins))
	}
	if joins[0].Modality != models.ModalityVoice {
		t.Errorf("join modality = %q", joins[0].Modality)
	}
	if ev := waitEvent(t, h.sess, EventEnabledChanged); !ev.On {
		t.Error("enabled-changed event reported off")
	}
}

func TestEnableIsSingleFlight(t *testing.T) {
	release := make(chan struct{})
	h := newSessHarness(t, func(cfg *Config) {
		inner := cfg.Capture
		cfg.Capture = func(ctx context.Context, m models.Modality) (LocalMedia, error) {
			<-release
			return inner(ctx, m)
		}
	})

	errs := make(chan error, 2)
	go func() { errs <- h.sess.Enable(context.Background()) }()
	go func() { errs <- h.sess.Enable(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Enable returned %v", err)
		}
	}
	if got := h.captures.Load(); got != 1 {
		t.Errorf("capture called %d times for concurrent enables, want 1", got)
	}
	if joins := h.sig.messages(models.SignalTypeJoin); len(joins) != 1 {
		t.Errorf("sent %d join messages, want 1", len(joins))
	}
}

func TestEnableCaptureFailureLeavesSessionDisabled(t *testing.T) {
	fail := errors.New("device busy")
	var failing atomic.Bool
	failing.Store(true)
	h := newSessHarness(t, func(cfg *Config) {
		inner := cfg.Capture
		cfg.Capture = func(ctx context.Context, m models.Modality) (LocalMedia, error) {
			if failing.Load() {
				return nil, fail
			}
			return inner(ctx, m)
		}
	})

	err := h.sess.Enable(context.Background())
	if !errors.Is(err, ErrMediaPermissionDenied) {
		t.Fatalf("Enable returned %v, want ErrMediaPermissionDenied", err)
	}
	if joins := h.sig.messages(models.SignalTypeJoin); len(joins) != 0 {
		t.Error("failed enable still sent a join")
	}

	// The failure must not wedge the session.
	failing.Store(false)
	if err := h.sess.Enable(context.Background()); err != nil {
		t.Fatalf("retry after capture failure: %v", err)
	}
}

func TestDisableLeavesAndReleasesMedia(t *testing.T) {
	h := newSessHarness(t, nil)
	if err := h.sess.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := h.sess.Disable(); err != nil {
		t.Fatal(err)
	}

	if leaves := h.sig.messages(models.SignalTypeLeave); len(leaves) != 1 {
		t.Errorf("sent %d leave messages, want 1", len(leaves))
	}
	if !h.media.closed.Load() {
		t.Error("media not released on disable")
	}
	waitEvent(t, h.sess, EventEnabledChanged) // on
	if ev := waitEvent(t, h.sess, EventEnabledChanged); ev.On {
		t.Error("second enabled-changed event reported on")
	}
}

func TestDisableWhileDisabledIsNoop(t *testing.T) {
	h := newSessHarness(t, nil)
	if err := h.sess.Disable(); err != nil {
		t.Fatal(err)
	}
	if len(h.sig.messages(models.SignalTypeLeave)) != 0 {
		t.Error("disable of a disabled session sent a leave")
	}
}

func TestMeshPeersInitiatesTowardExistingPeers(t *testing.T) {
	h := newSessHarness(t, nil)
	if err := h.sess.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.sig.push(models.SignalMessage{
		Type:     models.SignalTypePeers,
		Modality: models.ModalityVoice,
		Peers:    []string{"p1", "p2"},
	})

	waitFor(t, "offers to both peers", func() bool {
		return len(h.sig.messages(models.SignalTypeOffer)) == 2
	})
	if got := h.connCount(); got != 2 {
		t.Errorf("created %d connections, want 2", got)
	}
	waitEvent(t, h.sess, EventPeerJoined)
}

func TestPeerJoinedDoesNotInitiate(t *testing.T) {
	h := newSessHarness(t, nil)
	if err := h.sess.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.sig.push(models.SignalMessage{
		Type:     models.SignalTypePeerJoin,
		From:     "p1",
		Modality: models.ModalityVoice,
	})

	waitEvent(t, h.sess, EventPeerJoined)
	if got := len(h.sig.messages(models.SignalTypeOffer)); got != 0 {
		t.Errorf("existing member sent %d offers, the joiner initiates", got)
	}
}

func TestOtherModalityTrafficIgnored(t *testing.T) {
	h := newSessHarness(t, nil)
	if err := h.sess.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.sig.push(models.SignalMessage{
		Type:     models.SignalTypePeers,
		Modality: models.ModalityVideo,
		Peers:    []string{"p1"},
	})
	// Marker message on our modality proves the other one was processed.
	h.sig.push(models.SignalMessage{
		Type:     models.SignalTypeCount,
		Modality: models.ModalityVoice,
		Count:    3,
	})

	if ev := waitEvent(t, h.sess, EventCountChanged); ev.Count != 3 {
		t.Errorf("count = %d, want 3", ev.Count)
	}
	if got := h.connCount(); got != 0 {
		t.Errorf("video roster created %d voice connections", got)
	}
}

func TestCapacityRejectionDisablesWithoutLeave(t *testing.T) {
	h := newSessHarness(t, nil)
	if err := h.sess.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.sig.push(models.SignalMessage{
		Type:     models.SignalTypeError,
		Modality: models.ModalityVoice,
		Code:     models.CodeCapacityExceeded,
		Error:    "modality mesh is full",
	})

	ev := waitEvent(t, h.sess, EventError)
	if !errors.Is(ev.Err, ErrCapacityExceeded) {
		t.Errorf("event error = %v, want ErrCapacityExceeded", ev.Err)
	}
	waitFor(t, "media release", func() bool { return h.media.closed.Load() })
	// The server never admitted us, so there is nothing to leave.
	if got := len(h.sig.messages(models.SignalTypeLeave)); got != 0 {
		t.Errorf("sent %d leave messages after capacity rejection", got)
	}
}

func TestTargetUnavailableDropsPeerWithoutRetry(t *testing.T) {
	h := newSessHarness(t, nil)
	if err := h.sess.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.sig.push(models.SignalMessage{
		Type:     models.SignalTypePeers,
		Modality: models.ModalityVoice,
		Peers:    []string{"p1"},
	})
	waitFor(t, "initial offer", func() bool {
		return len(h.sig.messages(models.SignalTypeOffer)) == 1
	})

	h.sig.push(models.SignalMessage{
		Type:  models.SignalTypeError,
		To:    "p1",
		Code:  models.CodeTargetUnavailable,
		Error: "no session for participant",
	})

	ev := waitEvent(t, h.sess, EventError)
	if !errors.Is(ev.Err, ErrTargetUnavailable) {
		t.Errorf("event error = %v, want ErrTargetUnavailable", ev.Err)
	}
	if ev.Peer != "p1" {
		t.Errorf("event peer = %q, want p1", ev.Peer)
	}
	waitFor(t, "peer teardown", func() bool { return h.sess.orc.PeerCount() == 0 })
	if got := len(h.sig.messages(models.SignalTypeOffer)); got != 1 {
		t.Errorf("sent %d offers, retried a gone peer", got)
	}
}

func TestIdleTimeoutAutoLeaves(t *testing.T) {
	h := newSessHarness(t, func(cfg *Config) {
		cfg.IdleTimeout = 30 * time.Millisecond
	})
	if err := h.sess.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Alone in the mesh: roster arrives empty.
	h.sig.push(models.SignalMessage{
		Type:     models.SignalTypePeers,
		Modality: models.ModalityVoice,
	})

	waitEvent(t, h.sess, EventAutoLeave)
	if got := len(h.sig.messages(models.SignalTypeLeave)); got != 1 {
		t.Errorf("auto-leave sent %d leave messages, want 1", got)
	}
}

func TestPeerArrivalCancelsIdleTimer(t *testing.T) {
	h := newSessHarness(t, func(cfg *Config) {
		cfg.IdleTimeout = 40 * time.Millisecond
	})
	if err := h.sess.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.sig.push(models.SignalMessage{
		Type:     models.SignalTypePeers,
		Modality: models.ModalityVoice,
	})
	h.sig.push(models.SignalMessage{
		Type:     models.SignalTypePeerJoin,
		From:     "p1",
		Modality: models.ModalityVoice,
	})
	waitEvent(t, h.sess, EventPeerJoined)

	time.Sleep(80 * time.Millisecond)
	select {
	case ev := <-h.sess.Events():
		if ev.Kind == EventAutoLeave {
			t.Fatal("idle timer fired despite peer arrival")
		}
	default:
	}
	if got := len(h.sig.messages(models.SignalTypeLeave)); got != 0 {
		t.Errorf("sent %d leave messages", got)
	}
}

func TestToggleMuteAndCamera(t *testing.T) {
	h := newSessHarness(t, nil)
	if err := h.sess.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}

	muted, err := h.sess.ToggleMute()
	if err != nil || !muted {
		t.Fatalf("ToggleMute = (%v, %v), want (true, nil)", muted, err)
	}
	if !h.media.muted.Load() {
		t.Error("media gate not muted")
	}
	muted, _ = h.sess.ToggleMute()
	if muted || h.media.muted.Load() {
		t.Error("second toggle did not unmute")
	}

	off, err := h.sess.ToggleCamera()
	if err != nil || !off {
		t.Fatalf("ToggleCamera = (%v, %v), want (true, nil)", off, err)
	}
	if !h.media.cameraOff.Load() {
		t.Error("camera gate not off")
	}
}

func TestSpeakingEventsFollowMeter(t *testing.T) {
	h := newSessHarness(t, nil)
	if err := h.sess.Enable(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.sess.ReportAudioLevel(0.9)
	if ev := waitEvent(t, h.sess, EventSpeakingChanged); !ev.On {
		t.Error("first loud sample did not report speaking")
	}
}

func TestSyncPayloadDeliveredToCallback(t *testing.T) {
	got := make(chan string, 1)
	h := newSessHarness(t, func(cfg *Config) {
		cfg.OnSync = func(from string, payload json.RawMessage) {
			got <- from + ":" + string(payload)
		}
	})

	h.sig.push(models.SignalMessage{
		Type:    models.SignalTypeSync,
		From:    "host-1",
		Payload: json.RawMessage(`{"action":"pause"}`),
	})

	select {
	case v := <-got:
		if v != `host-1:{"action":"pause"}` {
			t.Errorf("sync delivered %q", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sync callback never invoked")
	}
}

func TestCloseUnblocksAndRejectsFurtherCommands(t *testing.T) {
	h := newSessHarness(t, nil)
	if err := h.sess.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.sess.Enable(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Enable after Close = %v, want ErrSessionClosed", err)
	}
	if _, err := h.sess.ToggleMute(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("ToggleMute after Close = %v, want ErrSessionClosed", err)
	}
}
