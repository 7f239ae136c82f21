package relay

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/parlorview/parlor/internal/models"
)

// Client is one signaling socket held by this process.
type Client struct {
	SessionID   string
	RoomID      string
	Participant models.Participant

	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	joined map[models.Modality]bool
}

func NewClient(sessionID, roomID string, participant models.Participant, conn *websocket.Conn) *Client {
	return &Client{
		SessionID:   sessionID,
		RoomID:      roomID,
		Participant: participant,
		conn:        conn,
		send:        make(chan []byte, 256),
		joined:      make(map[models.Modality]bool),
	}
}

func (c *Client) markJoined(m models.Modality, joined bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if joined {
		c.joined[m] = true
	} else {
		delete(c.joined, m)
	}
}

// joinedModalities snapshots which meshes this socket is part of. Read by the
// disconnect path before the socket's state is torn down.
func (c *Client) joinedModalities() []models.Modality {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Modality, 0, len(c.joined))
	for m := range c.joined {
		out = append(out, m)
	}
	return out
}

func (c *Client) deliver(data []byte) {
	select {
	case c.send <- data:
	default:
		slog.Warn("dropping message, send buffer full",
			"session", c.SessionID, "participant", c.Participant.ID)
	}
}

func (c *Client) sendMessage(msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal signal message", "err", err)
		return
	}
	c.deliver(data)
}

// Hub is the per-process registry of live signaling sockets, indexed by
// session id and by room.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Client
	rooms    map[string]map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*Client),
		rooms:    make(map[string]map[string]*Client),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[c.SessionID] = c
	room, ok := h.rooms[c.RoomID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[c.RoomID] = room
	}
	room[c.SessionID] = c
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, c.SessionID)
	if room, ok := h.rooms[c.RoomID]; ok {
		delete(room, c.SessionID)
		if len(room) == 0 {
			delete(h.rooms, c.RoomID)
		}
	}
}

// SendToSession delivers data to a locally held session. Reports whether the
// session lives on this process.
func (h *Hub) SendToSession(sessionID string, data []byte) bool {
	h.mu.RLock()
	c, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	c.deliver(data)
	return true
}

// BroadcastRoom delivers data to every locally held socket in the room.
func (h *Hub) BroadcastRoom(roomID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[roomID] {
		c.deliver(data)
	}
}
