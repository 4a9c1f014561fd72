package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codedojo/collab-core/internal/metrics"
	"github.com/codedojo/collab-core/internal/persistence"
	"github.com/codedojo/collab-core/internal/protocol"
	"github.com/codedojo/collab-core/internal/room"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// testServer wires a Manager backed by an in-memory Store the same way
// cmd/server/main.go wires one, and exposes it over a single /ws route
// on an httptest server.
func testServer(t *testing.T) (*httptest.Server, *room.Manager, *persistence.Memory) {
	t.Helper()

	store := persistence.NewMemory()
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)

	cfg := room.Config{
		RateWindow:             time.Second,
		RateMax:                50,
		CursorUpdateCost:       0.25,
		BackpressureThreshold:  100,
		MaxParticipantsPerRoom: 10,
		SnapshotOps:            500,
		SnapshotInterval:       10 * time.Minute,
		MaxContentRunes:        10000,
	}
	manager := room.NewManager(cfg, 30*time.Minute, time.Minute, metrics.SystemClock{}, rec, store)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess := New(conn, manager, metrics.UUIDGenerator{}, rec, store, 5*time.Minute, 256)
		sess.Run(r.Context())
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, manager, store
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]interface{}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	return frame
}

func TestSession_JoinRoomAck(t *testing.T) {
	ts, _, _ := testServer(t)
	conn := dial(t, ts)

	sendJSON(t, conn, map[string]interface{}{
		"type":     "JOIN_ROOM",
		"roomId":   "room1",
		"userId":   "u1",
		"clientId": "c1",
	})

	frame := readFrame(t, conn)
	if frame["type"] != string(protocol.TypeJoinRoomAck) {
		t.Fatalf("expected JOIN_ROOM_ACK, got %+v", frame)
	}
	if frame["version"].(float64) != 0 {
		t.Fatalf("expected version 0 for a fresh room, got %+v", frame)
	}
}

func TestSession_OTOpRoundTripAndBroadcast(t *testing.T) {
	ts, _, _ := testServer(t)
	alice := dial(t, ts)
	bob := dial(t, ts)

	sendJSON(t, alice, map[string]interface{}{"type": "JOIN_ROOM", "roomId": "room1", "userId": "u1", "clientId": "alice"})
	readFrame(t, alice) // JOIN_ROOM_ACK

	sendJSON(t, bob, map[string]interface{}{"type": "JOIN_ROOM", "roomId": "room1", "userId": "u2", "clientId": "bob"})
	readFrame(t, bob)              // JOIN_ROOM_ACK
	readFrame(t, alice)            // PARTICIPANT_JOINED for bob

	sendJSON(t, alice, map[string]interface{}{
		"type":     "OT_OP",
		"roomId":   "room1",
		"clientId": "alice",
		"operation": map[string]interface{}{
			"id":          "op1",
			"type":        "insert",
			"position":    0,
			"content":     "hi",
			"baseVersion": 0,
		},
	})

	ack := readFrame(t, alice)
	if ack["type"] != string(protocol.TypeAck) {
		t.Fatalf("expected ACK, got %+v", ack)
	}

	broadcast := readFrame(t, bob)
	if broadcast["type"] != string(protocol.TypeOTOpBroadcast) {
		t.Fatalf("expected OT_OP_BROADCAST on the peer, got %+v", broadcast)
	}
}

func TestSession_RejectsMalformedFrame(t *testing.T) {
	ts, _, _ := testServer(t)
	conn := dial(t, ts)

	sendJSON(t, conn, map[string]interface{}{"type": "NOT_A_REAL_TYPE"})

	frame := readFrame(t, conn)
	if frame["type"] != string(protocol.TypeError) {
		t.Fatalf("expected ERROR for an unknown frame type, got %+v", frame)
	}
}

func TestSession_LeaveRoomBroadcastsParticipantLeft(t *testing.T) {
	ts, _, _ := testServer(t)
	alice := dial(t, ts)
	bob := dial(t, ts)

	sendJSON(t, alice, map[string]interface{}{"type": "JOIN_ROOM", "roomId": "room1", "userId": "u1", "clientId": "alice"})
	readFrame(t, alice)

	sendJSON(t, bob, map[string]interface{}{"type": "JOIN_ROOM", "roomId": "room1", "userId": "u2", "clientId": "bob"})
	readFrame(t, bob)
	readFrame(t, alice) // PARTICIPANT_JOINED for bob

	sendJSON(t, bob, map[string]interface{}{"type": "LEAVE_ROOM", "roomId": "room1", "clientId": "bob"})
	readFrame(t, bob) // LEAVE_ROOM_ACK

	left := readFrame(t, alice)
	if left["type"] != string(protocol.TypeParticipantLeft) {
		t.Fatalf("expected PARTICIPANT_LEFT, got %+v", left)
	}
}

func TestSession_JoinRestoresCursorFromStore(t *testing.T) {
	ts, _, store := testServer(t)
	ctx := context.Background()
	if err := store.SaveCursor(ctx, persistence.CursorRecord{RoomID: "room1", UserID: "u1", Line: 4, Column: 9}); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	conn := dial(t, ts)
	sendJSON(t, conn, map[string]interface{}{"type": "JOIN_ROOM", "roomId": "room1", "userId": "u1", "clientId": "alice"})

	ack := readFrame(t, conn)
	participants, _ := ack["participants"].([]interface{})
	if len(participants) != 1 {
		t.Fatalf("expected one participant in the join ack, got %+v", ack)
	}
	p := participants[0].(map[string]interface{})
	cursor, ok := p["cursor"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected restored cursor on the joining participant, got %+v", p)
	}
	if cursor["line"].(float64) != 4 || cursor["column"].(float64) != 9 {
		t.Fatalf("expected restored cursor {4,9}, got %+v", cursor)
	}
}
