package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestMemoryDocumentRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, GameKey("ABCD")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	doc := map[string]int{"syncVersion": 3}
	if err := m.Set(ctx, GameKey("ABCD"), doc); err != nil {
		t.Fatalf("Set: %v", err)
	}

	raw, err := m.Get(ctx, GameKey("ABCD"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["syncVersion"] != 3 {
		t.Errorf("syncVersion = %d, want 3", got["syncVersion"])
	}
}

func TestMemorySubscribeDeliversCurrentThenEcho(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	key := GameKey("WXYZ")

	if err := m.Set(ctx, key, map[string]int{"syncVersion": 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var seen []string
	unsubscribe, err := m.Subscribe(key, func(doc json.RawMessage) {
		seen = append(seen, string(doc))
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("expected initial delivery, saw %d", len(seen))
	}

	// A writer's own Set echoes back through its subscription.
	if err := m.Set(ctx, key, map[string]int{"syncVersion": 2}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("expected echo delivery, saw %d", len(seen))
	}

	unsubscribe()
	if err := m.Set(ctx, key, map[string]int{"syncVersion": 3}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(seen) != 2 {
		t.Error("delivery after unsubscribe")
	}
}

func TestMemoryEphemeralPrefixWatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	eph := m.Ephemeral()

	if err := eph.Set(ctx, PresencePath("ABCD", "u1"), map[string]bool{"online": true}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got := make(map[string]bool) // path -> present
	unsubscribe, err := eph.OnValue(PresencePrefix("ABCD"), func(path string, value json.RawMessage) {
		got[path] = value != nil
	})
	if err != nil {
		t.Fatalf("OnValue: %v", err)
	}
	defer unsubscribe()

	if !got[PresencePath("ABCD", "u1")] {
		t.Fatal("initial value not delivered")
	}

	// A record in another room must not leak into this watch.
	if err := eph.Set(ctx, PresencePath("QQQQ", "u2"), map[string]bool{"online": true}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, leaked := got[PresencePath("QQQQ", "u2")]; leaked {
		t.Error("watch received a record outside its prefix")
	}

	if err := eph.Remove(ctx, PresencePath("ABCD", "u1")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got[PresencePath("ABCD", "u1")] {
		t.Error("removal not delivered as nil value")
	}
}

func TestMemoryDisconnectHook(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	eph := m.Ephemeral()

	path := CursorPath("ABCD", "u1")
	if err := eph.Set(ctx, path, map[string]float64{"x": 0.5}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := eph.OnDisconnectRemove(path); err != nil {
		t.Fatalf("OnDisconnectRemove: %v", err)
	}

	removed := false
	unsubscribe, err := eph.OnValue(CursorPrefix("ABCD"), func(p string, value json.RawMessage) {
		if p == path && value == nil {
			removed = true
		}
	})
	if err != nil {
		t.Fatalf("OnValue: %v", err)
	}
	defer unsubscribe()

	m.TriggerDisconnect()
	if !removed {
		t.Error("disconnect hook did not remove the record")
	}
}
