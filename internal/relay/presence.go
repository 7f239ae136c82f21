package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parlorview/parlor/internal/models"
)

const presenceTTL = 24 * time.Hour

// Presence holds the raw membership set of each room+modality mesh. Entries
// here are hints, not truth: a member is only considered live if the
// directory still resolves its session, which Relay cross-checks on join.
type Presence interface {
	Add(ctx context.Context, roomID string, modality models.Modality, participantID string) error
	Remove(ctx context.Context, roomID string, modality models.Modality, participantID string) error
	Members(ctx context.Context, roomID string, modality models.Modality) ([]string, error)
}

func meshKey(roomID string, modality models.Modality) string {
	return "mesh:" + roomID + ":" + string(modality)
}

// RedisPresence stores membership in redis sets so every server process sees
// the same mesh.
type RedisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

func (p *RedisPresence) Add(ctx context.Context, roomID string, modality models.Modality, participantID string) error {
	key := meshKey(roomID, modality)
	if err := p.rdb.SAdd(ctx, key, participantID).Err(); err != nil {
		return fmt.Errorf("presence add: %w", err)
	}
	p.rdb.Expire(ctx, key, presenceTTL)
	return nil
}

func (p *RedisPresence) Remove(ctx context.Context, roomID string, modality models.Modality, participantID string) error {
	if err := p.rdb.SRem(ctx, meshKey(roomID, modality), participantID).Err(); err != nil {
		return fmt.Errorf("presence remove: %w", err)
	}
	return nil
}

func (p *RedisPresence) Members(ctx context.Context, roomID string, modality models.Modality) ([]string, error) {
	members, err := p.rdb.SMembers(ctx, meshKey(roomID, modality)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence members: %w", err)
	}
	return members, nil
}

// MemoryPresence keeps membership in process memory. Suitable for
// single-process deployments and tests; a multi-process deployment must use
// RedisPresence or capacity checks diverge between processes.
type MemoryPresence struct {
	mu   sync.Mutex
	sets map[string][]string
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{sets: make(map[string][]string)}
}

func (p *MemoryPresence) Add(_ context.Context, roomID string, modality models.Modality, participantID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := meshKey(roomID, modality)
	for _, id := range p.sets[key] {
		if id == participantID {
			return nil
		}
	}
	p.sets[key] = append(p.sets[key], participantID)
	return nil
}

func (p *MemoryPresence) Remove(_ context.Context, roomID string, modality models.Modality, participantID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := meshKey(roomID, modality)
	members := p.sets[key]
	for i, id := range members {
		if id == participantID {
			p.sets[key] = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(p.sets[key]) == 0 {
		delete(p.sets, key)
	}
	return nil
}

func (p *MemoryPresence) Members(_ context.Context, roomID string, modality models.Modality) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	members := p.sets[meshKey(roomID, modality)]
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}
