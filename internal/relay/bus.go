package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	sessionChannelPrefix = "mesh:signal:"
	roomChannelPrefix    = "mesh:room:"
)

// Bus fans signaling messages out across server processes. Publishing is
// fire-and-forget; each process delivers to whatever sockets it holds
// locally. A target session that lives on another process is reached through
// its session channel, never through a direct socket reference.
type Bus interface {
	PublishSession(ctx context.Context, sessionID string, data []byte) error
	PublishRoom(ctx context.Context, roomID string, data []byte) error
}

// RedisBus publishes over redis pub/sub and pumps subscribed messages into
// the local hub.
type RedisBus struct {
	rdb *redis.Client
	hub *Hub
}

func NewRedisBus(rdb *redis.Client, hub *Hub) *RedisBus {
	return &RedisBus{rdb: rdb, hub: hub}
}

func (b *RedisBus) PublishSession(ctx context.Context, sessionID string, data []byte) error {
	if err := b.rdb.Publish(ctx, sessionChannelPrefix+sessionID, data).Err(); err != nil {
		return fmt.Errorf("publish session: %w", err)
	}
	return nil
}

func (b *RedisBus) PublishRoom(ctx context.Context, roomID string, data []byte) error {
	if err := b.rdb.Publish(ctx, roomChannelPrefix+roomID, data).Err(); err != nil {
		return fmt.Errorf("publish room: %w", err)
	}
	return nil
}

// Run subscribes to all session and room channels and delivers matching
// messages to local sockets until ctx is cancelled. Messages for sessions
// held by other processes are ignored here; the owning process delivers them.
func (b *RedisBus) Run(ctx context.Context) error {
	pubsub := b.rdb.PSubscribe(ctx, sessionChannelPrefix+"*", roomChannelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			switch {
			case strings.HasPrefix(msg.Channel, sessionChannelPrefix):
				sessionID := strings.TrimPrefix(msg.Channel, sessionChannelPrefix)
				b.hub.SendToSession(sessionID, []byte(msg.Payload))
			case strings.HasPrefix(msg.Channel, roomChannelPrefix):
				roomID := strings.TrimPrefix(msg.Channel, roomChannelPrefix)
				b.hub.BroadcastRoom(roomID, []byte(msg.Payload))
			default:
				slog.Warn("unexpected pubsub channel", "channel", msg.Channel)
			}
		}
	}
}

// LocalBus delivers straight to the local hub. Only correct when a single
// process holds every socket (single-process deployments and tests).
type LocalBus struct {
	hub *Hub
}

func NewLocalBus(hub *Hub) *LocalBus {
	return &LocalBus{hub: hub}
}

func (b *LocalBus) PublishSession(_ context.Context, sessionID string, data []byte) error {
	b.hub.SendToSession(sessionID, data)
	return nil
}

func (b *LocalBus) PublishRoom(_ context.Context, roomID string, data []byte) error {
	b.hub.BroadcastRoom(roomID, data)
	return nil
}
