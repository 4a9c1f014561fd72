package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/codedojo/collab-core/internal/ot"
	"github.com/codedojo/collab-core/internal/persistence"
	"github.com/codedojo/collab-core/internal/protocol"
	"github.com/codedojo/collab-core/internal/room"
)

func marshalFrame(frame interface{}) ([]byte, error) {
	return json.Marshal(frame)
}

// dispatch routes a decoded inbound frame to the appropriate handler.
// Each handler is responsible for validating session state (joined or
// not), calling into the room manager, and sending the ACK/response or
// ERROR frame back to this connection.
func (s *Session) dispatch(ctx context.Context, d *protocol.Decoded) {
	switch {
	case d.JoinRoom != nil:
		s.handleJoinRoom(ctx, d.JoinRoom)
	case d.LeaveRoom != nil:
		s.handleLeaveRoom(d.LeaveRoom)
	case d.OTOp != nil:
		s.handleOTOp(d.OTOp)
	case d.CursorUpdate != nil:
		s.handleCursorUpdate(d.CursorUpdate)
	case d.SyncState != nil:
		s.handleSyncState(d.SyncState)
	case d.Ack != nil:
		// Client acks are informational only; nothing to do server-side.
	}
}

func (s *Session) handleJoinRoom(ctx context.Context, m *protocol.JoinRoomMsg) {
	s.mu.Lock()
	if s.state == StateInRoom {
		s.mu.Unlock()
		s.sendError(protocol.ErrAlreadyJoined, "already joined a room on this connection")
		return
	}
	s.mu.Unlock()

	rm, err := s.manager.GetOrCreate(ctx, m.RoomID)
	if err != nil {
		s.sendError(protocol.ErrInternal, "failed to load room: "+err.Error())
		return
	}

	res, err := rm.Join(m.ClientID, m.UserID, s, s.loadCursor(ctx, m.RoomID, m.UserID))
	if err != nil {
		switch err.(type) {
		case *room.ErrRoomFull:
			s.sendError(protocol.ErrValidation, err.Error())
		case *room.ErrAlreadyJoined:
			s.sendError(protocol.ErrAlreadyJoined, err.Error())
		default:
			s.sendError(protocol.ErrInternal, err.Error())
		}
		return
	}

	s.mu.Lock()
	s.state = StateInRoom
	s.clientID = m.ClientID
	s.userID = m.UserID
	s.roomID = m.RoomID
	s.rm = rm
	s.mu.Unlock()

	s.Send(protocol.NewJoinRoomAck(m.RoomID, m.ClientID, res.Version, res.Content, snapshotsToViews(res.Participants)))

	rm.Broadcast(m.ClientID, func() interface{} {
		return protocol.NewParticipantJoined(m.RoomID, m.ClientID, m.UserID, snapshotsToViews(res.Participants))
	})
}

// loadCursor restores a joining participant's last known cursor from
// Persistence, if any (spec.md §4.3's "restore cursor from Persistence
// if any" on join). A miss or a store error just means the participant
// shows up with no cursor until their next CURSOR_UPDATE.
func (s *Session) loadCursor(ctx context.Context, roomID, userID string) *room.CursorState {
	if s.store == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	records, err := s.store.LoadCursors(cctx, roomID)
	if err != nil {
		return nil
	}
	for _, rec := range records {
		if rec.UserID == userID {
			return &room.CursorState{Line: rec.Line, Column: rec.Column}
		}
	}
	return nil
}

func (s *Session) requireJoined() (*room.Room, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInRoom || s.rm == nil {
		return nil, "", false
	}
	return s.rm, s.clientID, true
}

func (s *Session) handleLeaveRoom(m *protocol.LeaveRoomMsg) {
	rm, clientID, ok := s.requireJoined()
	if !ok {
		s.sendError(protocol.ErrNotJoined, "no active room to leave")
		return
	}

	rm.Leave(clientID)

	s.mu.Lock()
	s.state = StateNew
	roomID, userID := s.roomID, s.userID
	s.rm = nil
	s.mu.Unlock()

	s.Send(protocol.NewLeaveRoomAck(roomID, clientID))
	rm.Broadcast("", func() interface{} {
		return protocol.NewParticipantLeft(roomID, clientID, userID, nil)
	})
}

func (s *Session) handleOTOp(m *protocol.OTOpMsg) {
	rm, clientID, ok := s.requireJoined()
	if !ok {
		s.sendError(protocol.ErrNotJoined, "join a room before sending operations")
		return
	}

	opID := m.Operation.ID
	if opID == "" && s.ids != nil {
		opID = s.ids.NewID()
	}

	op := ot.Operation{
		ID:          opID,
		Type:        ot.OpType(m.Operation.Type),
		Position:    m.Operation.Position,
		Content:     m.Operation.Content,
		BaseVersion: m.Operation.BaseVersion,
		ClientID:    clientID,
		UserID:      s.UserID(),
	}

	start := time.Now()
	res, err := rm.ApplyOp(clientID, op)
	if s.rec != nil {
		s.rec.OperationLatencyMs.Observe(float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		if terr, ok := err.(*ot.TransformError); ok && terr.Code == "history_truncated" {
			s.sendFullResync(m.RoomID, rm)
			return
		}
		s.handleApplyError(err)
		return
	}

	s.Send(protocol.NewAck(op.ID, res.Applied.Version))

	rm.Broadcast(clientID, func() interface{} {
		return protocol.NewOTOpBroadcast(m.RoomID, operationView(res.Applied), res.Applied.Version, clientID)
	})

	if res.Backpressured {
		s.Send(protocol.NewBackpressure(m.RoomID, clientID, "outbound broadcast queue is backed up; slow down"))
	}

	if s.store != nil {
		go func(applied ot.Operation) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.store.AppendOperation(ctx, m.RoomID, applied); err != nil {
				// Non-fatal: the hot path already applied and broadcast the
				// operation. A missed append only matters for a later
				// warm-start, which will simply replay from the last good
				// snapshot instead.
			}
		}(res.Applied)
	}

	if res.ShouldSnapshot {
		s.triggerSnapshot(m.RoomID, rm)
	}
}

func (s *Session) handleApplyError(err error) {
	switch err.(type) {
	case *room.ErrRateLimited:
		s.sendError(protocol.ErrRateLimited, err.Error())
	case *room.ErrNotJoined:
		s.sendError(protocol.ErrNotJoined, err.Error())
	case *ot.ContentTooLargeError:
		s.sendError(protocol.ErrValidation, err.Error())
	default:
		s.sendError(protocol.ErrStaleBase, err.Error())
	}
}

func (s *Session) triggerSnapshot(roomID string, rm *room.Room) {
	if s.store == nil {
		return
	}
	syncRes := rm.Snapshot()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap := persistence.Snapshot{RoomID: roomID, Version: syncRes.Version, Content: syncRes.Content, UpdatedAt: time.Now()}
		if err := s.store.SaveSnapshot(ctx, snap); err != nil {
			return
		}
		rm.MarkSnapshotted(syncRes.Version)

		if rm.ShouldArchive() {
			if err := s.store.ArchiveSnapshot(ctx, snap); err == nil {
				rm.MarkArchived()
			}
		}
	}()
}

func (s *Session) handleCursorUpdate(m *protocol.CursorUpdateMsg) {
	rm, clientID, ok := s.requireJoined()
	if !ok {
		s.sendError(protocol.ErrNotJoined, "join a room before sending cursor updates")
		return
	}

	cursor := room.CursorState{Line: m.Cursor.Line, Column: m.Cursor.Column}
	if err := rm.UpdateCursor(clientID, cursor); err != nil {
		s.handleApplyError(err)
		return
	}

	userID := s.UserID()
	rm.Broadcast(clientID, func() interface{} {
		return protocol.NewCursorUpdateBroadcast(m.RoomID, clientID, userID, m.Cursor)
	})

	if s.store != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.store.SaveCursor(ctx, persistence.CursorRecord{
				RoomID: m.RoomID, UserID: userID, Line: m.Cursor.Line, Column: m.Cursor.Column, SeenAt: time.Now(),
			})
		}()
	}
}

func (s *Session) handleSyncState(m *protocol.SyncStateMsg) {
	rm, _, ok := s.requireJoined()
	if !ok {
		s.sendError(protocol.ErrNotJoined, "join a room before requesting sync")
		return
	}

	res, err := rm.SyncState(m.FromVersion)
	if err != nil {
		// History no longer reaches that far back (truncated past a
		// snapshot) or the client claims a version ahead of ours; either
		// way a full resync is the only correct recovery.
		s.sendFullResync(m.RoomID, rm)
		return
	}

	ops := make([]protocol.OperationView, 0, len(res.Operations))
	for _, op := range res.Operations {
		ops = append(ops, operationView(op))
	}

	var cursors []protocol.CursorState
	for _, p := range res.Participants {
		if p.Cursor != nil {
			cursors = append(cursors, protocol.CursorState{UserID: p.UserID, Cursor: protocol.CursorInput{Line: p.Cursor.Line, Column: p.Cursor.Column}})
		}
	}

	s.Send(protocol.NewSyncStateResponse(
		protocol.SnapshotView{Version: res.Version, Content: res.Content},
		ops,
		snapshotsToViews(res.Participants),
		cursors,
	))
}

func (s *Session) sendFullResync(roomID string, rm *room.Room) {
	res := rm.Snapshot()
	s.Send(protocol.NewSyncStateResponse(
		protocol.SnapshotView{Version: res.Version, Content: res.Content},
		nil,
		snapshotsToViews(res.Participants),
		nil,
	))
}
