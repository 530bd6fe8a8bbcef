package cursor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pairgrid/pairgrid/internal/models"
	"github.com/pairgrid/pairgrid/internal/store"
)

const testRoom = "QRST"

type writeLog struct {
	mu     sync.Mutex
	writes []models.CursorPosition
	clears int
}

func (w *writeLog) record(value json.RawMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if value == nil {
		w.clears++
		return
	}
	var pos models.CursorPosition
	if err := json.Unmarshal(value, &pos); err != nil {
		return
	}
	w.writes = append(w.writes, pos)
}

func (w *writeLog) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func (w *writeLog) last() models.CursorPosition {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes[len(w.writes)-1]
}

func (w *writeLog) clearCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clears
}

func newFixture(t *testing.T, identity string) (*Service, *clockwork.FakeClock, *writeLog) {
	t.Helper()
	mem := store.NewMemory()
	eph := mem.Ephemeral()
	clock := clockwork.NewFakeClock()

	svc := NewService(eph, clock, testRoom, identity, DefaultInterval)
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(svc.Close)

	wl := &writeLog{}
	unsubscribe, err := eph.OnValue(store.CursorPrefix(testRoom), func(path string, value json.RawMessage) {
		if path == store.CursorPath(testRoom, identity) {
			wl.record(value)
		}
	})
	if err != nil {
		t.Fatalf("OnValue: %v", err)
	}
	t.Cleanup(unsubscribe)

	return svc, clock, wl
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestBurstCollapsesToSingleTrailingWrite(t *testing.T) {
	svc, clock, wl := newFixture(t, "user-a")

	svc.Publish(0.10, 0.20)
	svc.Publish(0.30, 0.40)
	svc.Publish(0.55, 0.65)

	// Nothing is written before the window expires.
	time.Sleep(10 * time.Millisecond)
	if got := wl.count(); got != 0 {
		t.Fatalf("wrote %d positions before window expiry, want 0", got)
	}

	clock.Advance(DefaultInterval)
	waitFor(t, func() bool { return wl.count() == 1 })

	last := wl.last()
	if last.X != 0.55 || last.Y != 0.65 {
		t.Errorf("flushed (%v, %v), want latest (0.55, 0.65)", last.X, last.Y)
	}
}

func TestSeparateWindowsFlushSeparately(t *testing.T) {
	svc, clock, wl := newFixture(t, "user-a")

	svc.Publish(0.1, 0.1)
	clock.Advance(DefaultInterval)
	waitFor(t, func() bool { return wl.count() == 1 })

	svc.Publish(0.9, 0.9)
	clock.Advance(DefaultInterval)
	waitFor(t, func() bool { return wl.count() == 2 })

	last := wl.last()
	if last.X != 0.9 || last.Y != 0.9 {
		t.Errorf("second flush = (%v, %v), want (0.9, 0.9)", last.X, last.Y)
	}
}

func TestClearPositionCancelsPendingFlush(t *testing.T) {
	svc, clock, wl := newFixture(t, "user-a")

	svc.Publish(0.5, 0.5)
	if err := svc.ClearPosition(context.Background()); err != nil {
		t.Fatalf("ClearPosition: %v", err)
	}

	clock.Advance(DefaultInterval)
	time.Sleep(10 * time.Millisecond)
	if got := wl.count(); got != 0 {
		t.Fatalf("buffered position flushed after clear, wrote %d", got)
	}
}

func TestClearPositionRemovesPublishedRecord(t *testing.T) {
	svc, clock, wl := newFixture(t, "user-a")

	svc.Publish(0.5, 0.5)
	clock.Advance(DefaultInterval)
	waitFor(t, func() bool { return wl.count() == 1 })

	if err := svc.ClearPosition(context.Background()); err != nil {
		t.Fatalf("ClearPosition: %v", err)
	}
	waitFor(t, func() bool { return wl.clearCount() == 1 })
}

func TestCloseDropsBufferedPosition(t *testing.T) {
	svc, clock, wl := newFixture(t, "user-a")

	svc.Publish(0.5, 0.5)
	svc.Close()

	clock.Advance(DefaultInterval)
	time.Sleep(10 * time.Millisecond)
	if got := wl.count(); got != 0 {
		t.Fatalf("closed service flushed %d positions", got)
	}

	// Publishing after close is a no-op.
	svc.Publish(0.7, 0.7)
	clock.Advance(DefaultInterval)
	time.Sleep(10 * time.Millisecond)
	if got := wl.count(); got != 0 {
		t.Fatalf("publish after close wrote %d positions", got)
	}
}

func TestWatchFiltersOwnCursorAndReportsRemoval(t *testing.T) {
	mem := store.NewMemory()
	eph := mem.Ephemeral()

	local := NewService(eph, clockwork.NewFakeClock(), testRoom, "user-a", DefaultInterval)
	t.Cleanup(local.Close)

	type event struct {
		identity string
		pos      *models.CursorPosition
	}
	var mu sync.Mutex
	var events []event
	unsubscribe, err := local.Watch(func(identity string, pos *models.CursorPosition) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event{identity, pos})
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	t.Cleanup(unsubscribe)

	ctx := context.Background()

	// Our own record must not come back through Watch.
	if err := eph.Set(ctx, store.CursorPath(testRoom, "user-a"), models.CursorPosition{X: 0.1, Y: 0.1}); err != nil {
		t.Fatalf("Set own: %v", err)
	}

	if err := eph.Set(ctx, store.CursorPath(testRoom, "user-b"), models.CursorPosition{X: 0.3, Y: 0.7}); err != nil {
		t.Fatalf("Set opponent: %v", err)
	}
	if err := eph.Remove(ctx, store.CursorPath(testRoom, "user-b")); err != nil {
		t.Fatalf("Remove opponent: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (position then removal)", len(events))
	}
	if events[0].identity != "user-b" || events[0].pos == nil || events[0].pos.X != 0.3 {
		t.Errorf("first event = %+v, want user-b at x=0.3", events[0])
	}
	if events[1].identity != "user-b" || events[1].pos != nil {
		t.Errorf("second event = %+v, want user-b removal", events[1])
	}
}
