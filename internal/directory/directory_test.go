package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

// hashStore fakes the two redis hashes the directory uses.
type hashStore struct {
	hashes map[string]map[string]string
}

func newHashStore() *hashStore {
	return &hashStore{hashes: map[string]map[string]string{}}
}

func (s *hashStore) HGet(ctx context.Context, key, field string) *redis.StringCmd {
	if v, ok := s.hashes[key][field]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (s *hashStore) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	h, ok := s.hashes[key]
	if !ok {
		h = map[string]string{}
		s.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[values[i].(string)] = values[i+1].(string)
	}
	return redis.NewIntResult(1, nil)
}

func (s *hashStore) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	var n int64
	for _, f := range fields {
		if _, ok := s.hashes[key][f]; ok {
			delete(s.hashes[key], f)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestSetAndGetRoundTrip(t *testing.T) {
	d := New(newHashStore())
	ctx := context.Background()

	if err := d.Set(ctx, "alice", "sess-1"); err != nil {
		t.Fatal(err)
	}
	sid, err := d.Get(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if sid != "sess-1" {
		t.Errorf("Get = %q, want sess-1", sid)
	}
}

func TestGetUnknownParticipant(t *testing.T) {
	d := New(newHashStore())
	if _, err := d.Get(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestSetDisplacesPreviousBinding(t *testing.T) {
	d := New(newHashStore())
	ctx := context.Background()

	d.Set(ctx, "alice", "sess-1")
	d.Set(ctx, "alice", "sess-2")

	sid, err := d.Get(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if sid != "sess-2" {
		t.Errorf("Get = %q, want the newer binding", sid)
	}
}

func TestGetSelfHealsDanglingForwardEntry(t *testing.T) {
	store := newHashStore()
	d := New(store)
	ctx := context.Background()

	d.Set(ctx, "alice", "sess-1")
	// The session's reverse entry is rebound to someone else, as happens
	// when a session id gets reused after an unclean shutdown.
	store.hashes[reverseKey]["sess-1"] = "mallory"

	if _, err := d.Get(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get via rebound session = %v, want ErrNotFound", err)
	}
	if _, ok := store.hashes[forwardKey]["alice"]; ok {
		t.Error("dangling forward entry not pruned")
	}
}

func TestRemoveOnlyDropsMatchingSession(t *testing.T) {
	d := New(newHashStore())
	ctx := context.Background()

	d.Set(ctx, "alice", "sess-1")
	d.Set(ctx, "alice", "sess-2") // reconnect before the old socket dies

	// The old socket's teardown must not clobber the new binding.
	if err := d.Remove(ctx, "alice", "sess-1"); err != nil {
		t.Fatal(err)
	}
	sid, err := d.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("binding lost to a stale remove: %v", err)
	}
	if sid != "sess-2" {
		t.Errorf("Get = %q, want sess-2", sid)
	}

	if err := d.Remove(ctx, "alice", "sess-2"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Get(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after matching remove = %v, want ErrNotFound", err)
	}
}
