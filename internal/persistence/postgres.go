package persistence

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/codedojo/collab-core/internal/ot"
)

// Postgres stores snapshots and operation history, the same two
// tables the teacher's ot.go persists room strokes into, generalized
// from stroke payloads to OT operations.
type Postgres struct {
	db *sql.DB
}

// Connect opens a Postgres connection pool and verifies it with Ping,
// mirroring the teacher's main.go startup sequence.
func Connect(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// EnsureSchema creates the tables this adapter needs if they don't
// already exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS room_snapshots (
			room_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			content TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS room_operations (
			room_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			op_id TEXT NOT NULL,
			op_type TEXT NOT NULL,
			position INTEGER NOT NULL,
			content TEXT NOT NULL,
			base_version INTEGER NOT NULL,
			client_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (room_id, version)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) LoadLatestSnapshot(ctx context.Context, roomID string) (*Snapshot, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT room_id, version, content, updated_at FROM room_snapshots WHERE room_id = $1`, roomID)

	var snap Snapshot
	if err := row.Scan(&snap.RoomID, &snap.Version, &snap.Content, &snap.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}

func (p *Postgres) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO room_snapshots (room_id, version, content, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id) DO UPDATE SET
			version = EXCLUDED.version,
			content = EXCLUDED.content,
			updated_at = EXCLUDED.updated_at
	`, snap.RoomID, snap.Version, snap.Content, snap.UpdatedAt)
	return err
}

func (p *Postgres) AppendOperation(ctx context.Context, roomID string, op ot.Operation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO room_operations (room_id, version, op_id, op_type, position, content, base_version, client_id, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (room_id, version) DO NOTHING
	`, roomID, op.Version, op.ID, string(op.Type), op.Position, op.Content, op.BaseVersion, op.ClientID, op.UserID)
	return err
}

func (p *Postgres) LoadOperationsSince(ctx context.Context, roomID string, sinceVersion int) ([]ot.Operation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT op_id, op_type, position, content, base_version, client_id, user_id, version
		FROM room_operations
		WHERE room_id = $1 AND version > $2
		ORDER BY version ASC
	`, roomID, sinceVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ot.Operation
	for rows.Next() {
		var op ot.Operation
		var typ string
		if err := rows.Scan(&op.ID, &typ, &op.Position, &op.Content, &op.BaseVersion, &op.ClientID, &op.UserID, &op.Version); err != nil {
			return nil, err
		}
		op.Type = ot.OpType(typ)
		out = append(out, op)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveCursor(ctx context.Context, rec CursorRecord) error {
	// Cursor hot state lives in Redis (rediscursor.go); Postgres is not
	// on the cursor path at all. Present to satisfy the Store interface
	// for callers that compose a Postgres-only Store in tests.
	return nil
}

func (p *Postgres) LoadCursors(ctx context.Context, roomID string) ([]CursorRecord, error) {
	return nil, nil
}

func (p *Postgres) ArchiveSnapshot(ctx context.Context, snap Snapshot) error {
	// Cold archival goes to S3 (archive.go); Postgres never archives
	// its own rows.
	return nil
}
