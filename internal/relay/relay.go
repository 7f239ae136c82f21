package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlorview/parlor/internal/directory"
	"github.com/parlorview/parlor/internal/models"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 64 * 1024

	defaultRecheckDelay = 200 * time.Millisecond
)

// SessionDirectory is the slice of the user->session directory the relay
// needs. Get must report a missing or stale binding as directory.ErrNotFound.
type SessionDirectory interface {
	Set(ctx context.Context, participantID, sessionID string) error
	Get(ctx context.Context, participantID string) (string, error)
	Remove(ctx context.Context, participantID, sessionID string) error
}

// Relay brokers mesh membership and forwards addressed signaling messages.
// Capacity enforcement is intentionally eventually consistent: there is no
// distributed lock around join, only a prune pass and one delayed recheck, so
// a transient overshoot of one participant is possible and accepted.
type Relay struct {
	hub      *Hub
	dir      SessionDirectory
	presence Presence
	bus      Bus

	cap          int
	recheckDelay time.Duration

	// OnDisconnect, when set, runs at the start of Disconnect while the
	// socket's memberships are still readable. The handlers layer uses it to
	// keep the room roster in step with live sockets.
	OnDisconnect func(c *Client)
}

func New(hub *Hub, dir SessionDirectory, presence Presence, bus Bus, meshCap int) *Relay {
	return &Relay{
		hub:          hub,
		dir:          dir,
		presence:     presence,
		bus:          bus,
		cap:          meshCap,
		recheckDelay: defaultRecheckDelay,
	}
}

// Register makes the socket routable: it enters the local hub and the shared
// directory, displacing any stale binding for the same participant.
func (r *Relay) Register(ctx context.Context, c *Client) error {
	r.hub.Register(c)
	if err := r.dir.Set(ctx, c.Participant.ID, c.SessionID); err != nil {
		r.hub.Unregister(c)
		return err
	}
	return nil
}

// Disconnect runs the full teardown for a socket. It reads the socket's mesh
// memberships before anything is unregistered, so an ungraceful close still
// produces the same peer-left broadcasts as an explicit leave.
func (r *Relay) Disconnect(ctx context.Context, c *Client) {
	if r.OnDisconnect != nil {
		r.OnDisconnect(c)
	}
	for _, modality := range c.joinedModalities() {
		r.Leave(ctx, c, modality)
	}
	r.hub.Unregister(c)
	if err := r.dir.Remove(ctx, c.Participant.ID, c.SessionID); err != nil {
		slog.Warn("directory remove failed", "participant", c.Participant.ID, "err", err)
	}
}

// Join admits the caller to the room+modality mesh. It returns the ids of the
// peers already in the mesh; per protocol convention the caller initiates a
// connection toward every one of them, never the reverse.
func (r *Relay) Join(ctx context.Context, c *Client, modality models.Modality) ([]string, error) {
	peers, err := r.livePeers(ctx, c.RoomID, modality, c.Participant.ID)
	if err != nil {
		return nil, err
	}

	if len(peers) >= r.cap {
		// A concurrent leave may be mid-flight; give it one recheck window
		// before rejecting.
		time.Sleep(r.recheckDelay)
		peers, err = r.livePeers(ctx, c.RoomID, modality, c.Participant.ID)
		if err != nil {
			return nil, err
		}
		if len(peers) >= r.cap {
			return nil, ErrCapacityExceeded
		}
	}

	if err := r.presence.Add(ctx, c.RoomID, modality, c.Participant.ID); err != nil {
		return nil, err
	}
	c.markJoined(modality, true)

	r.notifyPeers(ctx, peers, models.SignalMessage{
		Type:     models.SignalTypePeerJoin,
		From:     c.Participant.ID,
		RoomID:   c.RoomID,
		Modality: modality,
	})
	r.publishCount(ctx, c.RoomID, modality, len(peers)+1)

	slog.Info("mesh join", "room", c.RoomID, "modality", modality,
		"participant", c.Participant.ID, "peers", len(peers))
	return peers, nil
}

// Leave removes the caller from the mesh and notifies the remaining members.
func (r *Relay) Leave(ctx context.Context, c *Client, modality models.Modality) {
	if err := r.presence.Remove(ctx, c.RoomID, modality, c.Participant.ID); err != nil {
		slog.Warn("presence remove failed", "participant", c.Participant.ID, "err", err)
	}
	c.markJoined(modality, false)

	peers, err := r.livePeers(ctx, c.RoomID, modality, c.Participant.ID)
	if err != nil {
		slog.Warn("live peers after leave", "room", c.RoomID, "err", err)
		return
	}
	r.notifyPeers(ctx, peers, models.SignalMessage{
		Type:     models.SignalTypePeerLeft,
		From:     c.Participant.ID,
		RoomID:   c.RoomID,
		Modality: modality,
	})
	r.publishCount(ctx, c.RoomID, modality, len(peers))

	slog.Info("mesh leave", "room", c.RoomID, "modality", modality,
		"participant", c.Participant.ID)
}

// Forward routes an addressed offer/answer/candidate to the target's current
// session, wherever it lives. The payload is never inspected. No delivery
// retry: a dead target surfaces as ErrTargetUnavailable to the sender.
func (r *Relay) Forward(ctx context.Context, from *Client, msg models.SignalMessage) error {
	sessionID, err := r.dir.Get(ctx, msg.To)
	if errors.Is(err, directory.ErrNotFound) {
		return ErrTargetUnavailable
	}
	if err != nil {
		return err
	}

	msg.From = from.Participant.ID
	msg.RoomID = from.RoomID
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.PublishSession(ctx, sessionID, data)
}

// Sync broadcasts an opaque room-state payload (play/pause/seek and friends)
// to the whole room. The relay carries it, collaborators interpret it.
func (r *Relay) Sync(ctx context.Context, from *Client, msg models.SignalMessage) error {
	msg.From = from.Participant.ID
	msg.RoomID = from.RoomID
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.PublishRoom(ctx, from.RoomID, data)
}

// livePeers returns the mesh members whose directory binding still resolves,
// pruning everyone else from the presence set first. Transient directory
// errors leave the member in place; only a definitive not-found prunes.
func (r *Relay) livePeers(ctx context.Context, roomID string, modality models.Modality, selfID string) ([]string, error) {
	members, err := r.presence.Members(ctx, roomID, modality)
	if err != nil {
		return nil, err
	}
	live := make([]string, 0, len(members))
	for _, id := range members {
		if id == selfID {
			continue
		}
		if _, err := r.dir.Get(ctx, id); err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				if err := r.presence.Remove(ctx, roomID, modality, id); err != nil {
					slog.Warn("prune stale member", "participant", id, "err", err)
				}
				continue
			}
			return nil, err
		}
		live = append(live, id)
	}
	return live, nil
}

func (r *Relay) notifyPeers(ctx context.Context, peers []string, msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal notify", "err", err)
		return
	}
	for _, id := range peers {
		sessionID, err := r.dir.Get(ctx, id)
		if err != nil {
			continue
		}
		if err := r.bus.PublishSession(ctx, sessionID, data); err != nil {
			slog.Warn("notify peer", "participant", id, "err", err)
		}
	}
}

func (r *Relay) publishCount(ctx context.Context, roomID string, modality models.Modality, count int) {
	data, err := json.Marshal(models.SignalMessage{
		Type:     models.SignalTypeCount,
		RoomID:   roomID,
		Modality: modality,
		Count:    count,
	})
	if err != nil {
		return
	}
	// Whole room, not just mesh members: users who have not joined the mesh
	// still see live occupancy.
	if err := r.bus.PublishRoom(ctx, roomID, data); err != nil {
		slog.Warn("publish count", "room", roomID, "err", err)
	}
}

// Serve announces the socket's identity and starts its pumps.
func (r *Relay) Serve(c *Client) {
	c.sendMessage(models.SignalMessage{
		Type:   models.SignalTypeWelcome,
		From:   c.Participant.ID,
		RoomID: c.RoomID,
	})
	go c.writePump()
	go c.readPump(r)
}

func (c *Client) readPump(r *Relay) {
	ctx := context.Background()
	defer func() {
		r.Disconnect(ctx, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read", "session", c.SessionID, "err", err)
			}
			return
		}

		msg, err := models.ParseInbound(data)
		if err != nil {
			c.sendMessage(models.SignalMessage{
				Type:  models.SignalTypeError,
				Code:  models.CodeValidation,
				Error: err.Error(),
			})
			continue
		}
		c.dispatch(ctx, r, msg)
	}
}

func (c *Client) dispatch(ctx context.Context, r *Relay, msg models.SignalMessage) {
	switch msg.Type {
	case models.SignalTypeJoin:
		peers, err := r.Join(ctx, c, msg.Modality)
		if errors.Is(err, ErrCapacityExceeded) {
			c.sendMessage(models.SignalMessage{
				Type:     models.SignalTypeError,
				Modality: msg.Modality,
				Code:     models.CodeCapacityExceeded,
				Error:    "mesh is full",
			})
			return
		}
		if err != nil {
			slog.Error("mesh join", "session", c.SessionID, "err", err)
			return
		}
		c.sendMessage(models.SignalMessage{
			Type:     models.SignalTypePeers,
			RoomID:   c.RoomID,
			Modality: msg.Modality,
			Peers:    peers,
		})
	case models.SignalTypeLeave:
		r.Leave(ctx, c, msg.Modality)
	case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
		err := r.Forward(ctx, c, msg)
		if errors.Is(err, ErrTargetUnavailable) {
			c.sendMessage(models.SignalMessage{
				Type:     models.SignalTypeError,
				To:       msg.To,
				Modality: msg.Modality,
				Code:     models.CodeTargetUnavailable,
				Error:    "target participant has no live session",
			})
			return
		}
		if err != nil {
			slog.Error("forward", "session", c.SessionID, "type", msg.Type, "err", err)
		}
	case models.SignalTypeSync:
		if err := r.Sync(ctx, c, msg); err != nil {
			slog.Error("sync broadcast", "session", c.SessionID, "err", err)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
