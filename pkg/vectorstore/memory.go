package vectorstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store using brute-force search. It is meant
// for tests and small single-node deployments; search cost grows linearly
// with the number of records in scope.
type MemoryStore struct {
	mu sync.RWMutex
	// namespace -> unit ID -> records
	units map[string]map[string][]Record
}

func init() {
	Register("memory", func(ctx context.Context, cfg Config) (Store, error) {
		return NewMemoryStore(), nil
	})
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{units: make(map[string]map[string][]Record)}
}

// Put stores the records of one data unit under a namespace.
func (m *MemoryStore) Put(ctx context.Context, namespace, unitID string, records []Record) error {
	for i := range records {
		if err := ValidateRecord(&records[i]); err != nil {
			return fmt.Errorf("invalid record at index %d: %w", i, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ns, ok := m.units[namespace]
	if !ok {
		ns = make(map[string][]Record)
		m.units[namespace] = ns
	}

	// Copy to prevent external mutation of stored vectors.
	stored := make([]Record, len(records))
	for i, rec := range records {
		vec := make([]float64, len(rec.Vector))
		copy(vec, rec.Vector)
		stored[i] = Record{UnitID: rec.UnitID, Content: rec.Content, Vector: vec}
	}

	ns[unitID] = stored
	return nil
}

// DeleteUnit removes all records of a data unit.
func (m *MemoryStore) DeleteUnit(ctx context.Context, namespace, unitID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ns, ok := m.units[namespace]; ok {
		delete(ns, unitID)
		if len(ns) == 0 {
			delete(m.units, namespace)
		}
	}
	return nil
}

// Search ranks every record under the given namespaces against the query.
func (m *MemoryStore) Search(ctx context.Context, namespaces []string, query []float64, limit int) ([]Match, error) {
	m.mu.RLock()
	var candidates []Record
	for _, namespace := range namespaces {
		for _, records := range m.units[namespace] {
			candidates = append(candidates, records...)
		}
	}
	m.mu.RUnlock()

	return RankRecords(query, candidates, limit), nil
}

// Count returns the number of records under a namespace (useful for
// testing).
func (m *MemoryStore) Count(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, records := range m.units[namespace] {
		n += len(records)
	}
	return n
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}
