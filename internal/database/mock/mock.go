// Package mock provides in-memory implementations of database interfaces for testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kozaktomas/imgmatch/internal/database"
)

// MockCorpus is an in-memory database.CorpusWriter
type MockCorpus struct {
	mu      sync.RWMutex
	entries []database.Entry
	seq     int64
	now     func() time.Time

	// Error injection
	ListError      error
	GetError       error
	AddError       error
	IncrementError error

	listCalls      atomic.Int64
	incrementCalls atomic.Int64
}

// NewMockCorpus creates an empty corpus
func NewMockCorpus() *MockCorpus {
	return &MockCorpus{now: time.Now}
}

// SetClock fixes the timestamp given to new entries
func (m *MockCorpus) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// AddEntry appends a fully specified entry
func (m *MockCorpus) AddEntry(e database.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e.Seq = m.seq
	m.entries = append(m.entries, e)
}

// List returns a copy of the entries in insertion order
func (m *MockCorpus) List(ctx context.Context) ([]database.Entry, error) {
	m.listCalls.Add(1)
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]database.Entry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

// Get retrieves an entry by identifier
func (m *MockCorpus) Get(ctx context.Context, id string) (*database.Entry, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("entry %s: %w", id, database.ErrNotFound)
}

// Count returns the number of entries
func (m *MockCorpus) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Add ingests a new entry
func (m *MockCorpus) Add(ctx context.Context, address string) (*database.Entry, error) {
	if m.AddError != nil {
		return nil, m.AddError
	}
	if address == "" {
		return nil, database.ErrEmptyAddress
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e := database.Entry{
		ID:        uuid.NewString(),
		Address:   address,
		CreatedAt: m.now().UTC(),
		Seq:       m.seq,
	}
	m.entries = append(m.entries, e)
	return &e, nil
}

// IncrementMatchCount bumps an entry's match counter
func (m *MockCorpus) IncrementMatchCount(ctx context.Context, id string) error {
	m.incrementCalls.Add(1)
	if m.IncrementError != nil {
		return m.IncrementError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].ID == id {
			m.entries[i].MatchCount++
			return nil
		}
	}
	return fmt.Errorf("entry %s: %w", id, database.ErrNotFound)
}

// ListCalls returns how many times List was called
func (m *MockCorpus) ListCalls() int {
	return int(m.listCalls.Load())
}

// IncrementCalls returns how many times IncrementMatchCount was called
func (m *MockCorpus) IncrementCalls() int {
	return int(m.incrementCalls.Load())
}

// MatchCount returns the counter of an entry, or -1 if it does not exist
func (m *MockCorpus) MatchCount(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.ID == id {
			return e.MatchCount
		}
	}
	return -1
}

// MockCache is an in-memory database.CacheAdmin. Records are stored
// encoded, so callers never share memory with the cache and a Put
// replaces the whole value at once.
type MockCache struct {
	mu      sync.RWMutex
	records map[string][]byte

	// Error injection
	GetError    error
	PutError    error
	DeleteError error

	getCalls    atomic.Int64
	putCalls    atomic.Int64
	deleteCalls atomic.Int64
}

// NewMockCache creates an empty cache
func NewMockCache() *MockCache {
	return &MockCache{records: make(map[string][]byte)}
}

// Get returns a decoded copy of the record, or nil if absent
func (m *MockCache) Get(ctx context.Context, entryID string) (*database.CachedDescriptors, error) {
	m.getCalls.Add(1)
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	data, ok := m.records[entryID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return database.DecodeRecord(entryID, data)
}

// Put stores an encoded copy of the record
func (m *MockCache) Put(ctx context.Context, rec *database.CachedDescriptors) error {
	m.putCalls.Add(1)
	if m.PutError != nil {
		return m.PutError
	}
	data, err := database.EncodeRecord(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.EntryID] = data
	return nil
}

// PutRaw stores an arbitrary payload, for simulating corrupt records
func (m *MockCache) PutRaw(entryID string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[entryID] = data
}

// Delete removes a record
func (m *MockCache) Delete(ctx context.Context, entryID string) error {
	m.deleteCalls.Add(1)
	if m.DeleteError != nil {
		return m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, entryID)
	return nil
}

// Count returns the number of records
func (m *MockCache) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// Clear removes every record
func (m *MockCache) Clear(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.records)
	m.records = make(map[string][]byte)
	return n, nil
}

// Prune removes records whose entry is not in keep
func (m *MockCache) Prune(ctx context.Context, keep []string) (int, error) {
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id := range m.records {
		if _, ok := keepSet[id]; !ok {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// Has reports whether a record exists
func (m *MockCache) Has(entryID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[entryID]
	return ok
}

// GetCalls returns how many times Get was called
func (m *MockCache) GetCalls() int { return int(m.getCalls.Load()) }

// PutCalls returns how many times Put was called
func (m *MockCache) PutCalls() int { return int(m.putCalls.Load()) }

// DeleteCalls returns how many times Delete was called
func (m *MockCache) DeleteCalls() int { return int(m.deleteCalls.Load()) }
