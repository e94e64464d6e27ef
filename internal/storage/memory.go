package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mappoints/internal/livesync"
)

// MemoryRecords is the single-process fallback when no database is configured.
type MemoryRecords struct {
	mu      sync.RWMutex
	records map[string]livesync.Record
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[string]livesync.Record)}
}

func (m *MemoryRecords) Write(_ context.Context, id string, rec livesync.Record) error {
	m.mu.Lock()
	m.records[id] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryRecords) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRecords) Fetch(_ context.Context, id string) (livesync.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return livesync.Record{}, fmt.Errorf("%w: %s", livesync.ErrNotFound, id)
	}
	return rec, nil
}

func (m *MemoryRecords) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// MemoryEvents keeps the point audit log in process.
type MemoryEvents struct {
	mu      sync.RWMutex
	byPoint map[string][]PointEvent
}

func NewMemoryEvents() *MemoryEvents {
	return &MemoryEvents{byPoint: make(map[string][]PointEvent)}
}

func (m *MemoryEvents) AppendPointEvent(_ context.Context, evt PointEvent) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	m.byPoint[evt.PointID] = append(m.byPoint[evt.PointID], evt)
	m.mu.Unlock()
	return nil
}

func (m *MemoryEvents) ListPointEvents(_ context.Context, pointID string, limit, offset int) ([]PointEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.byPoint[pointID]
	if offset >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]PointEvent(nil), all[offset:end]...), nil
}

func (m *MemoryEvents) CountPointEvents(_ context.Context, pointID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byPoint[pointID]), nil
}
