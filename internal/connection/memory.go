package connection

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/vaebz/magic-mcp/internal/pkg/errors"
)

// MemoryRegistry keeps records in process memory. Used for tests and
// single-node deployments.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]*Record
	// byContext indexes active ids per context.
	byContext map[string]map[string]struct{}
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records:   make(map[string]*Record),
		byContext: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryRegistry) Insert(ctx context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[rec.ID]; ok && existing.IsActive {
		return apperrors.AlreadyActiveError(rec.ID)
	}

	stored := rec.Clone()
	m.records[rec.ID] = stored
	if stored.IsActive {
		m.index(stored)
	}
	return nil
}

func (m *MemoryRegistry) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, notFound(id)
	}
	return rec.Clone(), nil
}

func (m *MemoryRegistry) GetByContext(ctx context.Context, name string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byContext[name]
	out := make([]*Record, 0, len(ids))
	for id := range ids {
		out = append(out, m.records[id].Clone())
	}
	return out, nil
}

func (m *MemoryRegistry) GetAllActive(ctx context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		if rec.IsActive {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (m *MemoryRegistry) MarkHeartbeat(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok || !rec.IsActive || at.Before(rec.LastHeartbeatAt) {
		return false, nil
	}
	rec.LastHeartbeatAt = at
	return true, nil
}

func (m *MemoryRegistry) MarkInactive(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok || !rec.IsActive {
		return false, nil
	}
	rec.IsActive = false
	rec.DisconnectedAt = &at
	m.unindex(rec)
	return true, nil
}

// Len returns the number of stored records, active or not.
func (m *MemoryRegistry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryRegistry) index(rec *Record) {
	ids, ok := m.byContext[rec.Context]
	if !ok {
		ids = make(map[string]struct{})
		m.byContext[rec.Context] = ids
	}
	ids[rec.ID] = struct{}{}
}

func (m *MemoryRegistry) unindex(rec *Record) {
	ids := m.byContext[rec.Context]
	delete(ids, rec.ID)
	if len(ids) == 0 {
		delete(m.byContext, rec.Context)
	}
}
