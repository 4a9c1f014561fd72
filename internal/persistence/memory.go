package persistence

import (
	"context"
	"sync"

	"github.com/codedojo/collab-core/internal/ot"
)

// Memory is an in-process Store, used in tests.
type Memory struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
	ops       map[string][]ot.Operation
	cursors   map[string]map[string]CursorRecord
	archived  []Snapshot
}

func NewMemory() *Memory {
	return &Memory{
		snapshots: make(map[string]Snapshot),
		ops:       make(map[string][]ot.Operation),
		cursors:   make(map[string]map[string]CursorRecord),
	}
}

func (m *Memory) LoadLatestSnapshot(_ context.Context, roomID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[roomID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *Memory) SaveSnapshot(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.RoomID] = snap
	return nil
}

func (m *Memory) AppendOperation(_ context.Context, roomID string, op ot.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[roomID] = append(m.ops[roomID], op)
	return nil
}

func (m *Memory) LoadOperationsSince(_ context.Context, roomID string, sinceVersion int) ([]ot.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ot.Operation
	for _, op := range m.ops[roomID] {
		if op.Version > sinceVersion {
			out = append(out, op)
		}
	}
	return out, nil
}

func (m *Memory) SaveCursor(_ context.Context, rec CursorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursors[rec.RoomID] == nil {
		m.cursors[rec.RoomID] = make(map[string]CursorRecord)
	}
	m.cursors[rec.RoomID][rec.UserID] = rec
	return nil
}

func (m *Memory) LoadCursors(_ context.Context, roomID string) ([]CursorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CursorRecord, 0, len(m.cursors[roomID]))
	for _, rec := range m.cursors[roomID] {
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) ArchiveSnapshot(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archived = append(m.archived, snap)
	return nil
}
