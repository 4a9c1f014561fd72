package persistence

import (
	"context"

	"github.com/codedojo/collab-core/internal/ot"
)

// Composite assembles a full Store from adapters each responsible for
// one concern: Postgres for snapshots and operation history, Redis for
// cursors, S3 for cold archival. Any of the three may be nil, in which
// case that concern's operations are no-ops — this is how
// cmd/server/main.go runs with only the adapters its configuration
// actually enables.
type Composite struct {
	Postgres *Postgres
	Cursors  *RedisCursors
	Archive  *S3Archive
}

func (c *Composite) LoadLatestSnapshot(ctx context.Context, roomID string) (*Snapshot, error) {
	if c.Postgres == nil {
		return nil, nil
	}
	return c.Postgres.LoadLatestSnapshot(ctx, roomID)
}

func (c *Composite) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if c.Postgres == nil {
		return nil
	}
	return c.Postgres.SaveSnapshot(ctx, snap)
}

func (c *Composite) AppendOperation(ctx context.Context, roomID string, op ot.Operation) error {
	if c.Postgres == nil {
		return nil
	}
	return c.Postgres.AppendOperation(ctx, roomID, op)
}

func (c *Composite) LoadOperationsSince(ctx context.Context, roomID string, sinceVersion int) ([]ot.Operation, error) {
	if c.Postgres == nil {
		return nil, nil
	}
	return c.Postgres.LoadOperationsSince(ctx, roomID, sinceVersion)
}

func (c *Composite) SaveCursor(ctx context.Context, rec CursorRecord) error {
	if c.Cursors == nil {
		return nil
	}
	return c.Cursors.SaveCursor(ctx, rec)
}

func (c *Composite) LoadCursors(ctx context.Context, roomID string) ([]CursorRecord, error) {
	if c.Cursors == nil {
		return nil, nil
	}
	return c.Cursors.LoadCursors(ctx, roomID)
}

func (c *Composite) ArchiveSnapshot(ctx context.Context, snap Snapshot) error {
	if c.Archive == nil {
		return nil
	}
	return c.Archive.ArchiveSnapshot(ctx, snap)
}
