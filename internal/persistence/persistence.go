// Package persistence defines the narrow storage port the room
// manager depends on (spec.md §4.4) and its concrete adapters:
// Postgres for snapshots and operation history, Redis for cursor
// caching, S3 for cold snapshot archival, and an in-memory adapter for
// tests.
//
// Every adapter method is best-effort from the room's point of view:
// a failed save never blocks or fails the in-memory apply path (spec.md
// §4.4's "persistence failures are non-fatal"). Callers log and move
// on; they never retry inline on the hot path.
package persistence

import (
	"context"
	"time"

	"github.com/codedojo/collab-core/internal/ot"
)

// Snapshot is a persisted document state at a given version.
type Snapshot struct {
	RoomID    string
	Version   int
	Content   string
	UpdatedAt time.Time
}

// CursorRecord is a participant's last known cursor position, kept
// warm in Redis for spec.md §4.4's 7-day retention window.
type CursorRecord struct {
	RoomID   string
	UserID   string
	Line     int
	Column   int
	SeenAt   time.Time
}

// Store is the persistence port a Room depends on. It never returns
// partial writes: either SaveSnapshot captured the whole content at
// that version, or it didn't happen.
type Store interface {
	LoadLatestSnapshot(ctx context.Context, roomID string) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	AppendOperation(ctx context.Context, roomID string, op ot.Operation) error
	LoadOperationsSince(ctx context.Context, roomID string, sinceVersion int) ([]ot.Operation, error)

	SaveCursor(ctx context.Context, rec CursorRecord) error
	LoadCursors(ctx context.Context, roomID string) ([]CursorRecord, error)

	// ArchiveSnapshot copies a snapshot to cold storage; when to call it
	// is the caller's decision (see room.Room.ShouldArchive). The
	// Postgres adapter treats this as a no-op; the in-memory adapter
	// records the snapshot in a list.
	ArchiveSnapshot(ctx context.Context, snap Snapshot) error
}
