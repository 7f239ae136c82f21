// parlor-probe is a headless mesh participant for diagnosing deployments. It
// mints an identity, joins (or creates) a room, enables one modality with
// synthetic media and reports every session event until interrupted.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/parlorview/parlor/internal/models"
	"github.com/parlorview/parlor/mesh"
)

func main() {
	var (
		server   = flag.String("server", "http://localhost:8080", "parlor server base URL")
		roomID   = flag.String("room", "", "room to join; created if empty")
		name     = flag.String("name", "probe", "display name")
		modality = flag.String("modality", "voice", "voice or video")
		duration = flag.Duration("duration", 0, "exit after this long (0 = until interrupted)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*server, *roomID, *name, models.Modality(*modality), *duration); err != nil {
		slog.Error("probe failed", "err", err)
		os.Exit(1)
	}
}

func run(server, roomID, name string, modality models.Modality, duration time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token, participantID, err := mintIdentity(ctx, server, name)
	if err != nil {
		return fmt.Errorf("mint identity: %w", err)
	}
	slog.Info("identity minted", "participantId", participantID)

	if roomID == "" {
		roomID, err = createRoom(ctx, server, token)
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		slog.Info("room created", "roomId", roomID)
	}

	sess, err := mesh.NewSession(ctx, mesh.Config{
		ServerURL: server,
		RoomID:    roomID,
		Token:     token,
		Modality:  modality,
		Capture: func(ctx context.Context, m models.Modality) (mesh.LocalMedia, error) {
			return mesh.NewSampleMedia(m)
		},
		OnRemoteTrack: func(peerID string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			slog.Info("remote track", "peer", peerID, "kind", track.Kind().String())
			go drainTrack(track)
		},
		OnSync: func(from string, payload json.RawMessage) {
			slog.Info("sync", "from", from, "payload", string(payload))
		},
	})
	if err != nil {
		return fmt.Errorf("dial session: %w", err)
	}
	defer sess.Close()

	if err := sess.Enable(ctx); err != nil {
		return fmt.Errorf("enable %s: %w", modality, err)
	}
	slog.Info("mesh enabled", "roomId", roomID, "modality", modality)

	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	for {
		select {
		case ev := <-sess.Events():
			logEvent(ev)
		case <-ctx.Done():
			slog.Info("leaving mesh")
			return sess.Disable()
		}
	}
}

func logEvent(ev mesh.Event) {
	switch ev.Kind {
	case mesh.EventError:
		slog.Error("session event", "kind", ev.Kind, "peer", ev.Peer, "err", ev.Err)
	case mesh.EventCountChanged:
		slog.Info("session event", "kind", ev.Kind, "count", ev.Count)
	case mesh.EventPeerJoined, mesh.EventPeerLeft, mesh.EventPeerConnected:
		slog.Info("session event", "kind", ev.Kind, "peer", ev.Peer)
	default:
		slog.Info("session event", "kind", ev.Kind, "on", ev.On)
	}
}

// drainTrack keeps the remote track's RTP flowing so pion feeds its jitter
// buffer and connection stats stay live.
func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func mintIdentity(ctx context.Context, server, name string) (token, participantID string, err error) {
	body, _ := json.Marshal(map[string]any{"displayName": name})
	var resp struct {
		Token         string `json:"token"`
		ParticipantID string `json:"participantId"`
	}
	if err := postJSON(ctx, server+"/api/auth/identity", "", body, &resp); err != nil {
		return "", "", err
	}
	return resp.Token, resp.ParticipantID, nil
}

func createRoom(ctx context.Context, server, token string) (string, error) {
	body, _ := json.Marshal(models.CreateRoomRequest{})
	var resp models.CreateRoomResponse
	if err := postJSON(ctx, server+"/api/rooms", token, body, &resp); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func postJSON(ctx context.Context, url, token string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s: unexpected status %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
