package store

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Store for local runs and tests. Values are deep-copied on the way in
// and out, so callers never share maps with the store.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	history map[Channel][]HistoryEntry
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]Record),
		history: make(map[Channel][]HistoryEntry),
	}
}

func (m *Memory) GetRecord(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *Memory) FindRecord(_ context.Context, userID, company string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := Key(company)
	var best *Record
	for id := range m.records {
		rec := m.records[id]
		if rec.UserID != userID || rec.CompanyKey != key {
			continue
		}
		if best == nil || rec.UpdatedAt.After(best.UpdatedAt) {
			best = &rec
		}
	}
	if best == nil {
		return Record{}, ErrNotFound
	}
	return cloneRecord(*best), nil
}

func (m *Memory) CreateRecord(_ context.Context, rec Record) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = uuid.NewString()
	if rec.CompanyKey == "" {
		rec.CompanyKey = Key(rec.CompanyName)
	}
	if rec.RoleKey == "" {
		rec.RoleKey = Key(rec.Role)
	}
	m.records[rec.ID] = cloneRecord(rec)
	return rec.ID, nil
}

func (m *Memory) UpdateRecord(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		return ErrNotFound
	}
	m.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *Memory) LatestByCompanyRole(_ context.Context, company, role string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ck, rk := Key(company), Key(role)
	var best *Record
	for id := range m.records {
		rec := m.records[id]
		if rec.CompanyKey != ck || rec.RoleKey != rk {
			continue
		}
		if best == nil || rec.UpdatedAt.After(best.UpdatedAt) {
			best = &rec
		}
	}
	if best == nil {
		return Record{}, ErrNotFound
	}
	return cloneRecord(*best), nil
}

func (m *Memory) AppendHistory(_ context.Context, e HistoryEntry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.NewString()
	m.history[e.Channel] = append(m.history[e.Channel], e)
	return e.ID, nil
}

func (m *Memory) ListHistory(_ context.Context, userID string, ch Channel, limit int) ([]HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []HistoryEntry
	for _, e := range slices.Backward(m.history[ch]) {
		if e.UserID != userID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) DeleteHistory(_ context.Context, userID string, ch Channel, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.history[ch]
	i := slices.IndexFunc(entries, func(e HistoryEntry) bool { return e.ID == id && e.UserID == userID })
	if i < 0 {
		return ErrNotFound
	}
	m.history[ch] = slices.Delete(entries, i, i+1)
	return nil
}

func cloneRecord(rec Record) Record {
	rec.ResearchData = cloneData(rec.ResearchData)
	return rec
}

func cloneData(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return in
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return in
	}
	return out
}
