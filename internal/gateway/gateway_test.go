package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairgrid/pairgrid/internal/models"
	"github.com/pairgrid/pairgrid/internal/store"
)

const testRoom = "ABCD"

func newTestGateway(t *testing.T) (*Gateway, *store.Memory, string) {
	t.Helper()
	mem := store.NewMemory()
	g := New(mem, mem.Ephemeral(), DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go g.Start(ctx)

	mux := http.NewServeMux()
	NewHandler(g).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return g, mem, wsURL
}

func dial(t *testing.T, wsURL, roomCode, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/room?code="+roomCode+"&user="+user, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
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

func TestDocumentWritesReachConnectedClients(t *testing.T) {
	_, mem, wsURL := newTestGateway(t)
	conn := dial(t, wsURL, testRoom, "user-a")

	doc := models.GameDocument{
		Cards:         []models.Card{{ID: "a", ImageID: "lion"}, {ID: "b", ImageID: "lion"}},
		CurrentPlayer: models.Slot1,
		SyncVersion:   1,
		UpdateID:      "u1",
	}
	if err := mem.Set(context.Background(), store.GameKey(testRoom), doc); err != nil {
		t.Fatalf("Set: %v", err)
	}

	frame := readFrame(t, conn)
	if frame.Type != FrameGame {
		t.Fatalf("frame type = %q, want %q", frame.Type, FrameGame)
	}
	if frame.Path != store.GameKey(testRoom) {
		t.Errorf("frame path = %q, want %q", frame.Path, store.GameKey(testRoom))
	}
	var got models.GameDocument
	if err := json.Unmarshal(frame.Data, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.UpdateID != "u1" || len(got.Cards) != 2 {
		t.Errorf("payload = %+v, want the written document", got)
	}
}

func TestClientFrameWritesToStore(t *testing.T) {
	_, _, wsURL := newTestGateway(t)
	conn := dial(t, wsURL, testRoom, "user-a")

	pos, _ := json.Marshal(models.CursorPosition{X: 0.4, Y: 0.6})
	frame := Frame{Type: FrameCursor, Path: store.CursorPath(testRoom, "user-a"), Data: pos}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	// The write lands in the store and echoes back through the room watch.
	echo := readFrame(t, conn)
	if echo.Type != FrameCursor || echo.Path != frame.Path {
		t.Fatalf("echo = %+v, want cursor frame at %s", echo, frame.Path)
	}

	var got models.CursorPosition
	if err := json.Unmarshal(echo.Data, &got); err != nil {
		t.Fatalf("unmarshal echo: %v", err)
	}
	if got.X != 0.4 || got.Y != 0.6 {
		t.Errorf("stored position = (%v, %v), want (0.4, 0.6)", got.X, got.Y)
	}
}

func TestCrossRoomWriteRejected(t *testing.T) {
	_, mem, wsURL := newTestGateway(t)
	conn := dial(t, wsURL, testRoom, "user-a")

	pos, _ := json.Marshal(models.CursorPosition{X: 0.1, Y: 0.1})
	if err := conn.WriteJSON(Frame{
		Type: FrameCursor,
		Path: store.CursorPath("ZZZZ", "user-a"),
		Data: pos,
	}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	// Give the gateway a moment to process, then confirm nothing was written.
	time.Sleep(50 * time.Millisecond)
	var seen bool
	un, err := mem.Ephemeral().OnValue(store.CursorPrefix("ZZZZ"), func(string, json.RawMessage) {
		seen = true
	})
	if err != nil {
		t.Fatalf("OnValue: %v", err)
	}
	defer un()
	if seen {
		t.Fatal("cross-room write reached the store")
	}
}

func TestRemovalBroadcastAsNullData(t *testing.T) {
	_, mem, wsURL := newTestGateway(t)

	eph := mem.Ephemeral()
	path := store.PresencePath(testRoom, "user-b")
	if err := eph.Set(context.Background(), path, models.PresenceData{Online: true}); err != nil {
		t.Fatalf("Set presence: %v", err)
	}

	conn := dial(t, wsURL, testRoom, "user-a")

	// Initial presence delivery first, then the removal.
	first := readFrame(t, conn)
	if first.Type != FramePresent || first.Data == nil {
		t.Fatalf("first frame = %+v, want presence with data", first)
	}

	if err := eph.Remove(context.Background(), path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	second := readFrame(t, conn)
	if second.Type != FramePresent || second.Path != path {
		t.Fatalf("second frame = %+v, want presence removal at %s", second, path)
	}
	if len(second.Data) != 0 && string(second.Data) != "null" {
		t.Errorf("removal data = %s, want empty", second.Data)
	}
}

func TestWatchesTornDownWhenRoomEmpties(t *testing.T) {
	g, _, wsURL := newTestGateway(t)
	conn := dial(t, wsURL, testRoom, "user-a")

	waitFor(t, func() bool {
		total, _ := g.Stats()
		return total == 1
	})

	conn.Close()
	waitFor(t, func() bool {
		total, rooms := g.Stats()
		return total == 0 && len(rooms) == 0
	})
}

func TestSendAfterCloseIsRefusedNotPanicking(t *testing.T) {
	conn := &Connection{Send: make(chan []byte, 1)}

	if !conn.trySend([]byte("a")) {
		t.Fatal("send on an open connection refused")
	}
	conn.closeSend()
	conn.closeSend() // closing twice must be a no-op

	// Broadcast and teardown race on disconnect; a send after close must be
	// refused, not a panic on a closed channel.
	if conn.trySend([]byte("b")) {
		t.Fatal("send on a closed connection reported success")
	}
}

func TestBroadcastDuringDisconnectDoesNotPanic(t *testing.T) {
	_, mem, wsURL := newTestGateway(t)

	// Interleave client disconnects with store writes; a panic in the
	// broadcast loop would take the test binary down.
	for i := 0; i < 20; i++ {
		conn := dial(t, wsURL, testRoom, fmt.Sprintf("user-%d", i))
		go conn.Close()
		for j := 0; j < 5; j++ {
			doc := models.GameDocument{SyncVersion: int64(i*5 + j), UpdateID: "u"}
			if err := mem.Set(context.Background(), store.GameKey(testRoom), doc); err != nil {
				t.Fatalf("Set: %v", err)
			}
		}
	}
}

func TestStatsEndpoint(t *testing.T) {
	_, _, wsURL := newTestGateway(t)
	dial(t, wsURL, testRoom, "user-a")
	dial(t, wsURL, testRoom, "user-b")

	httpURL := "http" + strings.TrimPrefix(wsURL, "ws")
	resp, err := http.Get(httpURL + "/ws/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	defer resp.Body.Close()

	var stats struct {
		TotalConnections int            `json:"total_connections"`
		ActiveRooms      int            `json:"active_rooms"`
		RoomConnections  map[string]int `json:"room_connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalConnections != 2 || stats.RoomConnections[testRoom] != 2 {
		t.Errorf("stats = %+v, want 2 connections in %s", stats, testRoom)
	}
}
