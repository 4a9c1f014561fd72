// Package session owns one WebSocket connection end to end: the
// gorilla/websocket read/write pumps (ported from the teacher's
// websocket/client.go), the connection state (New -> InRoom on
// JOIN_ROOM, back to New on LEAVE_ROOM, Closed on disconnect;
// StateClosing is declared but never entered), and dispatch of decoded
// frames into the room manager and OT engine.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codedojo/collab-core/internal/metrics"
	"github.com/codedojo/collab-core/internal/ot"
	"github.com/codedojo/collab-core/internal/persistence"
	"github.com/codedojo/collab-core/internal/protocol"
	"github.com/codedojo/collab-core/internal/room"
)

// State is a Session's position in spec.md §4.5's state machine.
type State int

const (
	StateNew State = iota
	StateInRoom
	StateClosing
	StateClosed
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Session is one connected client. It implements room.Broadcaster so
// the room it has joined can push frames to it directly.
type Session struct {
	conn     *websocket.Conn
	manager  *room.Manager
	ids      metrics.IDGenerator
	rec      *metrics.Recorder
	store    persistence.Store
	idleTTL  time.Duration
	sendCap  int

	mu       sync.Mutex
	state    State
	clientID string
	userID   string
	roomID   string
	rm       *room.Room

	send chan []byte
}

func New(conn *websocket.Conn, manager *room.Manager, ids metrics.IDGenerator, rec *metrics.Recorder, store persistence.Store, idleTTL time.Duration, sendCap int) *Session {
	return &Session{
		conn:    conn,
		manager: manager,
		ids:     ids,
		rec:     rec,
		store:   store,
		idleTTL: idleTTL,
		sendCap: sendCap,
		state:   StateNew,
		send:    make(chan []byte, sendCap),
	}
}

// Send implements room.Broadcaster: a non-blocking enqueue onto this
// session's outbound channel. spec.md §5's SEND_QUEUE_CAP bound and
// head-of-line isolation live here — a full channel means the room
// removes this participant, never that the room blocks. The connection
// itself stays open.
func (s *Session) Send(frame interface{}) (bool, int) {
	payload, err := marshalFrame(frame)
	if err != nil {
		log.Printf("session %s: failed to marshal outbound frame: %v", s.clientIDLocked(), err)
		return false, len(s.send)
	}
	select {
	case s.send <- payload:
		return true, len(s.send)
	default:
		return false, len(s.send)
	}
}

// Depth implements room.Broadcaster: the current outbound backlog, read
// without sending anything so a Room can poll it for backpressure.
func (s *Session) Depth() int { return len(s.send) }

func (s *Session) clientIDLocked() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Run drives the connection until it closes: a write pump goroutine
// plus a read loop on the calling goroutine, mirroring the teacher's
// ServeWs/readPump/writePump split.
func (s *Session) Run(ctx context.Context) {
	done := make(chan struct{})
	go s.writePump(done)
	s.readPump(ctx)
	close(done)
	s.teardown()
}

func (s *Session) readPump(ctx context.Context) {
	defer s.conn.Close()
	s.conn.SetReadDeadline(time.Now().Add(s.idleTTL))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.idleTTL))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("session %s: read error: %v", s.clientIDLocked(), err)
			}
			return
		}

		decoded, verr := protocol.Decode(raw)
		if verr != nil {
			s.sendError(verr.Code, verr.Message)
			continue
		}
		s.dispatch(ctx, decoded)
	}
}

func (s *Session) writePump(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Session) teardown() {
	s.mu.Lock()
	rm := s.rm
	clientID := s.clientID
	userID := s.userID
	roomID := s.roomID
	s.state = StateClosed
	s.mu.Unlock()

	if rm != nil {
		rm.Leave(clientID)
		rm.Broadcast("", func() interface{} {
			return protocol.NewParticipantLeft(roomID, clientID, userID, nil)
		})
	}
}

func (s *Session) sendError(code protocol.ErrorCode, message string) {
	s.mu.Lock()
	roomID, clientID := s.roomID, s.clientID
	s.mu.Unlock()
	s.Send(protocol.NewErrorFrame(code, message, roomID, clientID))
}

func snapshotsToViews(snaps []room.ParticipantSnapshot) []protocol.ParticipantView {
	views := make([]protocol.ParticipantView, 0, len(snaps))
	for _, p := range snaps {
		var cursor *protocol.CursorInput
		if p.Cursor != nil {
			cursor = &protocol.CursorInput{Line: p.Cursor.Line, Column: p.Cursor.Column}
		}
		views = append(views, protocol.ParticipantView{ClientID: p.ClientID, UserID: p.UserID, Cursor: cursor})
	}
	return views
}

func operationView(op ot.Operation) protocol.OperationView {
	return protocol.OperationView{
		ID:          op.ID,
		Type:        string(op.Type),
		Position:    op.Position,
		Content:     op.Content,
		BaseVersion: op.BaseVersion,
		ClientID:    op.ClientID,
		UserID:      op.UserID,
		Version:     op.Version,
	}
}
