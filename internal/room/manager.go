package room

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/codedojo/collab-core/internal/metrics"
	"github.com/codedojo/collab-core/internal/ot"
	"github.com/codedojo/collab-core/internal/persistence"
)

// Manager owns every live Room in the process, creating them lazily on
// first join and reaping them on a timer once idle — the same
// register-on-demand, evict-on-idle shape as the teacher's
// services.RoomService, generalized from Postgres-row-backed rooms to
// in-memory Room goroutines warm-started from a Store.
type Manager struct {
	cfg     Config
	clock   metrics.Clock
	metrics *metrics.Recorder
	store   persistence.Store

	mu    sync.Mutex
	rooms map[string]*Room

	roomTTL        time.Duration
	reaperInterval time.Duration
	stop           chan struct{}
	stopOnce       sync.Once
}

func NewManager(cfg Config, roomTTL, reaperInterval time.Duration, clock metrics.Clock, rec *metrics.Recorder, store persistence.Store) *Manager {
	return &Manager{
		cfg:            cfg,
		clock:          clock,
		metrics:        rec,
		store:          store,
		rooms:          make(map[string]*Room),
		roomTTL:        roomTTL,
		reaperInterval: reaperInterval,
		stop:           make(chan struct{}),
	}
}

// GetOrCreate returns the Room for id, warm-starting it from the store
// on first access (spec.md §4.4).
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Room, error) {
	m.mu.Lock()
	if r, ok := m.rooms[id]; ok {
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()

	doc, err := m.warmStart(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[id]; ok {
		// Lost a race with another goroutine warm-starting the same room.
		return r, nil
	}
	r := New(id, doc, m.cfg, m.clock, m.metrics, m.store)
	m.rooms[id] = r
	if m.metrics != nil {
		m.metrics.RoomCount.Set(float64(len(m.rooms)))
	}
	return r, nil
}

func (m *Manager) warmStart(ctx context.Context, id string) (*ot.DocumentState, error) {
	if m.store == nil {
		return ot.NewDocumentState(), nil
	}

	snap, err := m.store.LoadLatestSnapshot(ctx, id)
	if err != nil {
		log.Printf("room %s: snapshot load failed, starting empty: %v", id, err)
		return ot.NewDocumentState(), nil
	}
	if snap == nil {
		return ot.NewDocumentState(), nil
	}

	ops, err := m.store.LoadOperationsSince(ctx, id, snap.Version)
	if err != nil {
		log.Printf("room %s: operation replay failed, using snapshot only: %v", id, err)
		ops = nil
	}

	return ot.Restore(snap.Content, snap.Version, ops), nil
}

// Get returns an already-created room, or nil if it hasn't been
// created (no one has joined it yet).
func (m *Manager) Get(id string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[id]
}

// RunReaper evicts idle rooms on reaperInterval until ctx is canceled.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapOnce()
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) reapOnce() {
	now := m.clock.Now()

	m.mu.Lock()
	candidates := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		candidates = append(candidates, r)
	}
	m.mu.Unlock()

	for _, r := range candidates {
		if !r.IsIdle(m.roomTTL, now) {
			continue
		}
		m.flushFinalSnapshot(r)
		m.mu.Lock()
		delete(m.rooms, r.ID)
		if m.metrics != nil {
			m.metrics.RoomCount.Set(float64(len(m.rooms)))
		}
		m.mu.Unlock()
		r.Close()
		log.Printf("reaper: evicted idle room %s", r.ID)
	}
}

// flushFinalSnapshot asks Persistence to save one last snapshot before
// an idle room is released (spec.md §4.3's reaper contract), so a
// later warm-start doesn't replay further than it has to.
func (m *Manager) flushFinalSnapshot(r *Room) {
	if m.store == nil {
		return
	}
	snap := r.Snapshot()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.store.SaveSnapshot(ctx, persistence.Snapshot{
		RoomID:    r.ID,
		Version:   snap.Version,
		Content:   snap.Content,
		UpdatedAt: m.clock.Now(),
	})
	if err != nil {
		log.Printf("room %s: final snapshot flush failed: %v", r.ID, err)
		return
	}
	r.MarkSnapshotted(snap.Version)
}

// Stop halts the reaper loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// RoomCount returns the number of live rooms, used by /api/stats.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
