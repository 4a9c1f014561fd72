// Package room implements the per-room state machine from spec.md §4.3
// and §5: one Room per document, serializing every join, leave, OT_OP,
// CURSOR_UPDATE and SYNC_STATE through a single command goroutine so
// concurrent edits to the same document are always resolved in a
// well-defined order, while separate rooms run fully in parallel.
//
// This generalizes the teacher's single hub-wide select loop (hub.go's
// Run method, one loop for every room in the process) into one loop
// per room — the cross-room parallelism spec.md §5 requires that a
// single shared hub loop can't give you.
package room

import (
	"log"
	"sync"
	"time"

	"github.com/codedojo/collab-core/internal/metrics"
	"github.com/codedojo/collab-core/internal/ot"
	"github.com/codedojo/collab-core/internal/persistence"
)

// Broadcaster is how a Room reaches a single connected participant
// without knowing anything about websockets. Send is non-blocking: it
// reports whether the frame was enqueued, so the room can tell apart a
// healthy backlog from a saturated one. Depth reports the current
// outbound queue depth without sending anything, so the room can judge
// backpressure (spec.md §4.3) on its own schedule rather than only at
// send time.
type Broadcaster interface {
	Send(frame interface{}) (queued bool, depth int)
	Depth() int
	ClientID() string
	UserID() string
}

// Participant is a joined connection's room-scoped state.
type Participant struct {
	ClientID string
	UserID   string
	Cursor   *CursorState
	sender   Broadcaster

	windowStart time.Time
	windowCost  float64
}

// CursorState is the last cursor position a participant reported.
type CursorState struct {
	Line   int
	Column int
}

// Config bundles the tunables a Room needs from spec.md §6.
type Config struct {
	RateWindow             time.Duration
	RateMax                float64
	CursorUpdateCost       float64
	BackpressureThreshold  int
	MaxParticipantsPerRoom int
	SnapshotOps            int
	SnapshotInterval       time.Duration
	MaxContentRunes        int
	ArchiveAge             time.Duration
	CommandBufferSize      int
}

// Room owns one document's OT state and its joined participants. All
// mutation happens on the run goroutine; every exported method submits
// a closure over the command channel and blocks for its result, the
// same discipline the teacher's hub.go gives its register/unregister/
// broadcast channels, generalized to arbitrary commands instead of
// three hardcoded ones.
type Room struct {
	ID string

	cfg     Config
	clock   metrics.Clock
	metrics *metrics.Recorder
	persist persistence.Store

	doc          *ot.DocumentState
	participants map[string]*Participant

	lastSnapshotVersion int
	lastSnapshotAt      time.Time
	lastArchiveAt       time.Time
	lastActivityAt      time.Time
	createdAt           time.Time

	commands chan func()
	done     chan struct{}
	closeOne sync.Once
}

// New constructs a Room and starts its command goroutine. doc should
// already reflect any warm-started state loaded from persistence.
func New(id string, doc *ot.DocumentState, cfg Config, clock metrics.Clock, rec *metrics.Recorder, persist persistence.Store) *Room {
	now := clock.Now()
	r := &Room{
		ID:             id,
		cfg:            cfg,
		clock:          clock,
		metrics:        rec,
		persist:        persist,
		doc:            doc,
		participants:   make(map[string]*Participant),
		lastActivityAt: now,
		createdAt:      now,
		commands:       make(chan func(), commandBufferSize(cfg.CommandBufferSize)),
		done:           make(chan struct{}),
	}
	go r.run()
	return r
}

func commandBufferSize(configured int) int {
	if configured <= 0 {
		return 64
	}
	return configured
}

func (r *Room) run() {
	for {
		select {
		case cmd := <-r.commands:
			cmd()
		case <-r.done:
			return
		}
	}
}

// submit runs fn on the room's goroutine and waits for it to finish.
func (r *Room) submit(fn func()) {
	reply := make(chan struct{})
	r.commands <- func() {
		fn()
		close(reply)
	}
	<-reply
}

// Close stops the room's command goroutine. Safe to call more than
// once.
func (r *Room) Close() {
	r.closeOne.Do(func() { close(r.done) })
}

// JoinResult is everything a caller needs to build a JOIN_ROOM_ACK.
type JoinResult struct {
	Version      int
	Content      string
	Participants []ParticipantSnapshot
}

// ParticipantSnapshot is a read-only view of a participant for roster
// frames.
type ParticipantSnapshot struct {
	ClientID string
	UserID   string
	Cursor   *CursorState
}

// ErrRoomFull is returned by Join when MaxParticipantsPerRoom is
// already reached (an Open Question in spec.md §6 resolved in
// SPEC_FULL.md: join is rejected outright rather than silently
// admitted past the cap).
type ErrRoomFull struct{ RoomID string }

func (e *ErrRoomFull) Error() string { return "room " + e.RoomID + " is full" }

// ErrAlreadyJoined is returned by Join when clientID is already a
// participant.
type ErrAlreadyJoined struct{ ClientID string }

func (e *ErrAlreadyJoined) Error() string { return "client " + e.ClientID + " already joined" }

// Join admits clientID to the room. restoredCursor, when non-nil, seeds
// the participant's cursor from persistence (spec.md §4.3's "restore
// cursor from Persistence if any" on join) so a reconnecting client
// shows up in the roster and SYNC_STATE_RESPONSE at its last known
// position instead of appearing cursor-less until its next move.
func (r *Room) Join(clientID, userID string, sender Broadcaster, restoredCursor *CursorState) (JoinResult, error) {
	var (
		res JoinResult
		err error
	)
	r.submit(func() {
		r.lastActivityAt = r.clock.Now()

		if _, exists := r.participants[clientID]; exists {
			err = &ErrAlreadyJoined{ClientID: clientID}
			return
		}
		if len(r.participants) >= r.cfg.MaxParticipantsPerRoom {
			err = &ErrRoomFull{RoomID: r.ID}
			return
		}

		r.participants[clientID] = &Participant{ClientID: clientID, UserID: userID, Cursor: restoredCursor, sender: sender}

		res = JoinResult{
			Version:      r.doc.Version(),
			Content:      r.doc.Content(),
			Participants: r.snapshotParticipantsLocked(),
		}
	})
	return res, err
}

// Leave removes a participant. It is a no-op if the client was never
// joined (a disconnect racing a LEAVE_ROOM, say).
func (r *Room) Leave(clientID string) {
	r.submit(func() {
		delete(r.participants, clientID)
		r.lastActivityAt = r.clock.Now()
	})
}

func (r *Room) snapshotParticipantsLocked() []ParticipantSnapshot {
	out := make([]ParticipantSnapshot, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, ParticipantSnapshot{ClientID: p.ClientID, UserID: p.UserID, Cursor: p.Cursor})
	}
	return out
}

// ErrRateLimited is returned by ApplyOp/UpdateCursor when a
// participant exceeds RATE_MAX cost within RATE_WINDOW.
type ErrRateLimited struct{ ClientID string }

func (e *ErrRateLimited) Error() string { return "client " + e.ClientID + " is rate limited" }

// ErrNotJoined is returned by any per-participant command issued by a
// clientID that hasn't joined the room.
type ErrNotJoined struct{ ClientID string }

func (e *ErrNotJoined) Error() string { return "client " + e.ClientID + " has not joined" }

func (r *Room) checkRateLimitLocked(p *Participant, cost float64) bool {
	now := r.clock.Now()
	if now.Sub(p.windowStart) >= r.cfg.RateWindow {
		p.windowStart = now
		p.windowCost = 0
	}
	if p.windowCost+cost > r.cfg.RateMax {
		return false
	}
	p.windowCost += cost
	return true
}

// OpResult carries the server-canonical operation plus everything
// needed to broadcast it, decide whether to snapshot, and warn the
// submitter about backpressure.
type OpResult struct {
	Applied        ot.Operation
	ShouldSnapshot bool
	Backpressured  bool
}

func (r *Room) ApplyOp(clientID string, op ot.Operation) (OpResult, error) {
	var (
		res OpResult
		err error
	)
	r.submit(func() {
		r.lastActivityAt = r.clock.Now()

		p, ok := r.participants[clientID]
		if !ok {
			err = &ErrNotJoined{ClientID: clientID}
			return
		}
		if !r.checkRateLimitLocked(p, 1.0) {
			if r.metrics != nil {
				r.metrics.RateLimitRejections.Inc()
			}
			err = &ErrRateLimited{ClientID: clientID}
			return
		}

		applied, aerr := r.doc.ApplyBounded(op, r.cfg.MaxContentRunes)
		if aerr != nil {
			err = aerr
			return
		}

		if r.metrics != nil {
			status := "applied"
			if applied.Type == ot.Noop {
				status = "noop"
			}
			r.metrics.OperationsTotal.WithLabelValues(string(op.Type), status).Inc()
			if applied.Position != op.Position || applied.Type != op.Type {
				r.metrics.ConflictsResolvedTotal.Inc()
			}
		}

		depth := r.pendingBroadcastDepthLocked()
		if r.metrics != nil {
			r.metrics.QueueDepth.Set(float64(depth))
		}

		res = OpResult{
			Applied:        applied,
			ShouldSnapshot: r.shouldSnapshotLocked(),
			Backpressured:  r.cfg.BackpressureThreshold > 0 && depth >= r.cfg.BackpressureThreshold,
		}
	})
	return res, err
}

// pendingBroadcastDepthLocked sums every participant's outbound queue
// depth (spec.md §3's pendingBroadcastDepth), the signal ApplyOp uses
// to warn a submitter that the room's fan-out is falling behind.
func (r *Room) pendingBroadcastDepthLocked() int {
	total := 0
	for _, p := range r.participants {
		total += p.sender.Depth()
	}
	return total
}

func (r *Room) shouldSnapshotLocked() bool {
	opsSince := r.doc.Version() - r.lastSnapshotVersion
	if opsSince >= r.cfg.SnapshotOps {
		return true
	}
	if r.clock.Now().Sub(r.lastSnapshotAt) >= r.cfg.SnapshotInterval && opsSince > 0 {
		return true
	}
	return false
}

// MarkSnapshotted records that version was just durably persisted, so
// the reaper/snapshotter doesn't re-trigger immediately, and truncates
// in-memory history up to it.
func (r *Room) MarkSnapshotted(version int) {
	r.submit(func() {
		r.lastSnapshotVersion = version
		r.lastSnapshotAt = r.clock.Now()
		r.doc.TruncateHistoryBefore(version)
	})
}

// ShouldArchive reports whether a snapshot has been taken and at least
// ArchiveAge has passed since the last archival (or none has happened
// yet), checked alongside every snapshot write. The age of the snapshot
// itself is not considered.
func (r *Room) ShouldArchive() bool {
	var should bool
	r.submit(func() {
		if r.cfg.ArchiveAge <= 0 {
			return
		}
		should = r.clock.Now().Sub(r.lastArchiveAt) >= r.cfg.ArchiveAge && r.lastSnapshotVersion > 0
	})
	return should
}

// MarkArchived records that the current snapshot was just moved to
// cold storage.
func (r *Room) MarkArchived() {
	r.submit(func() { r.lastArchiveAt = r.clock.Now() })
}

func (r *Room) UpdateCursor(clientID string, cursor CursorState) error {
	var err error
	r.submit(func() {
		p, ok := r.participants[clientID]
		if !ok {
			err = &ErrNotJoined{ClientID: clientID}
			return
		}
		if !r.checkRateLimitLocked(p, r.cfg.CursorUpdateCost) {
			if r.metrics != nil {
				r.metrics.RateLimitRejections.Inc()
			}
			err = &ErrRateLimited{ClientID: clientID}
			return
		}
		p.Cursor = &cursor
		r.lastActivityAt = r.clock.Now()
	})
	return err
}

// SyncStateResult carries what a SYNC_STATE reply needs: the current
// version and content plus, from SyncState, the operations applied
// after fromVersion. Those operations are already reflected in Content;
// each carries its own Version.
type SyncStateResult struct {
	Version      int
	Content      string
	Operations   []ot.Operation
	Participants []ParticipantSnapshot
}

// Snapshot returns the document's current version and content without
// touching history, unlike SyncState which requires history to still
// reach back to fromVersion. The snapshotter and the full-resync path
// use this: once MarkSnapshotted has truncated history past version 0,
// SyncState(0) would itself report history_truncated, which is exactly
// the condition those two callers are trying to resolve.
func (r *Room) Snapshot() SyncStateResult {
	var res SyncStateResult
	r.submit(func() {
		res = SyncStateResult{
			Version:      r.doc.Version(),
			Content:      r.doc.Content(),
			Participants: r.snapshotParticipantsLocked(),
		}
	})
	return res
}

func (r *Room) SyncState(fromVersion int) (SyncStateResult, error) {
	var (
		res SyncStateResult
		err error
	)
	r.submit(func() {
		ops, serr := r.doc.OperationsSince(fromVersion)
		if serr != nil {
			err = serr
			return
		}
		res = SyncStateResult{
			Version:      r.doc.Version(),
			Content:      r.doc.Content(),
			Operations:   ops,
			Participants: r.snapshotParticipantsLocked(),
		}
	})
	return res, err
}

// Broadcast sends build() to every participant except exclude (pass ""
// to include everyone), removing from the room any participant whose
// outbound queue is full — head-of-line isolation per spec.md §5: one
// slow reader can never stall the room. The removed participant's
// connection is not closed and no PARTICIPANT_LEFT is sent for it.
func (r *Room) Broadcast(exclude string, build func() interface{}) {
	r.submit(func() {
		r.broadcastExcept(exclude, build)
	})
}

func (r *Room) broadcastExcept(exclude string, build func() interface{}) {
	frame := build()
	if frame == nil {
		return
	}
	for clientID, p := range r.participants {
		if clientID == exclude {
			continue
		}
		queued, _ := p.sender.Send(frame)
		if !queued {
			log.Printf("room %s: dropping connection %s, outbound queue full", r.ID, clientID)
			delete(r.participants, clientID)
		}
	}
}

// IsIdle reports whether the room has had no activity for longer than
// ttl and has no joined participants, the condition the reaper
// (manager.go) uses to evict it.
func (r *Room) IsIdle(ttl time.Duration, now time.Time) bool {
	var idle bool
	r.submit(func() {
		idle = len(r.participants) == 0 && now.Sub(r.lastActivityAt) >= ttl
	})
	return idle
}

// ParticipantCount returns the current join count, used by tests.
func (r *Room) ParticipantCount() int {
	var n int
	r.submit(func() { n = len(r.participants) })
	return n
}
