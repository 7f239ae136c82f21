package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	forwardKey = "mesh:directory" // participant id -> session id
	reverseKey = "mesh:sessions"  // session id -> participant id
)

// ErrNotFound is returned when a participant has no live session.
var ErrNotFound = errors.New("directory: participant has no live session")

// store is the slice of go-redis used by the directory. *redis.Client and
// *redis.ClusterClient both satisfy it.
type store interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
}

// Directory maps a participant id to its currently active transport session
// id. It is shared across all server processes: whichever process accepted
// the target's socket, a relay lookup resolves the same binding.
//
// Writes are last-writer-wins. A forward entry whose session is gone or has
// been rebound to a different participant is treated as stale and deleted on
// lookup.
type Directory struct {
	rdb store
}

func New(rdb store) *Directory {
	return &Directory{rdb: rdb}
}

// Set binds participantID to sessionID, displacing any previous binding.
func (d *Directory) Set(ctx context.Context, participantID, sessionID string) error {
	if err := d.rdb.HSet(ctx, forwardKey, participantID, sessionID).Err(); err != nil {
		return fmt.Errorf("directory set: %w", err)
	}
	if err := d.rdb.HSet(ctx, reverseKey, sessionID, participantID).Err(); err != nil {
		return fmt.Errorf("directory set: %w", err)
	}
	return nil
}

// Get resolves the participant's active session id. A stale entry (session
// no longer registered, or registered to a different participant) is deleted
// and reported as not found.
func (d *Directory) Get(ctx context.Context, participantID string) (string, error) {
	sessionID, err := d.rdb.HGet(ctx, forwardKey, participantID).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("directory get: %w", err)
	}

	owner, err := d.rdb.HGet(ctx, reverseKey, sessionID).Result()
	if errors.Is(err, redis.Nil) || (err == nil && owner != participantID) {
		// Self-heal: prune the dangling forward entry.
		d.rdb.HDel(ctx, forwardKey, participantID)
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("directory get: %w", err)
	}
	return sessionID, nil
}

// Remove drops the binding for participantID, but only if it still points at
// sessionID. A disconnect of a superseded socket must not clobber the newer
// binding written by a reconnect.
func (d *Directory) Remove(ctx context.Context, participantID, sessionID string) error {
	current, err := d.rdb.HGet(ctx, forwardKey, participantID).Result()
	if err == nil && current == sessionID {
		if err := d.rdb.HDel(ctx, forwardKey, participantID).Err(); err != nil {
			return fmt.Errorf("directory remove: %w", err)
		}
	} else if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("directory remove: %w", err)
	}
	if err := d.rdb.HDel(ctx, reverseKey, sessionID).Err(); err != nil {
		return fmt.Errorf("directory remove: %w", err)
	}
	return nil
}
