package mesh

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlorview/parlor/internal/models"
)

const (
	signalWriteWait  = 10 * time.Second
	signalPongWait   = 60 * time.Second
	signalPingPeriod = (signalPongWait * 9) / 10
	signalFrameLimit = 64 * 1024
)

// Signaler is the session's duplex channel to the relay. The production
// implementation speaks websocket; tests substitute an in-memory pair.
type Signaler interface {
	Send(msg models.SignalMessage) error
	Incoming() <-chan models.SignalMessage
	Close() error
}

type wsSignaler struct {
	conn     *websocket.Conn
	incoming chan models.SignalMessage
	outgoing chan models.SignalMessage
	done     chan struct{}
	once     sync.Once
}

// DialSignaler connects to the relay's signaling endpoint for one room.
// serverURL is the http(s) base URL of the parlor server.
func DialSignaler(ctx context.Context, serverURL, roomID, token string) (Signaler, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/signal/" + roomID
	u.RawQuery = url.Values{"token": {token}}.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}

	s := &wsSignaler{
		conn:     conn,
		incoming: make(chan models.SignalMessage, 32),
		outgoing: make(chan models.SignalMessage, 32),
		done:     make(chan struct{}),
	}
	go s.readPump()
	go s.writePump()
	return s, nil
}

func (s *wsSignaler) readPump() {
	defer func() {
		s.conn.Close()
		close(s.incoming)
	}()

	s.conn.SetReadLimit(signalFrameLimit)
	s.conn.SetReadDeadline(time.Now().Add(signalPongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(signalPongWait))
		return nil
	})

	for {
		var msg models.SignalMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		select {
		case s.incoming <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *wsSignaler) writePump() {
	ticker := time.NewTicker(signalPingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.outgoing:
			s.conn.SetWriteDeadline(time.Now().Add(signalWriteWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(signalWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(signalWriteWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (s *wsSignaler) Send(msg models.SignalMessage) error {
	select {
	case s.outgoing <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *wsSignaler) Incoming() <-chan models.SignalMessage {
	return s.incoming
}

func (s *wsSignaler) Close() error {
	s.once.Do(func() {
		close(s.done)
	})
	return nil
}
