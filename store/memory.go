package store

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-memory DepositStore for tests and single-process
// use. State is lost on restart; production deployments use the sqlite
// implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	records []DepositRecord
	byAddr  map[common.Address]int
	nonces  map[common.Address]uint64
	nextID  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAddr: make(map[common.Address]int),
		nonces: make(map[common.Address]uint64),
		nextID: 1,
	}
}

func (m *MemoryStore) NextNonce(_ context.Context, requester common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nonces[requester]
	m.nonces[requester] = n + 1
	return n, nil
}

func (m *MemoryStore) Insert(_ context.Context, rec *DepositRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byAddr[rec.Address]; exists {
		return ErrDuplicateAddress
	}
	now := time.Now().UTC()
	rec.ID = m.nextID
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	m.nextID++
	m.byAddr[rec.Address] = len(m.records)
	m.records = append(m.records, *rec)
	return nil
}

func (m *MemoryStore) GetByAddress(_ context.Context, addr common.Address) (DepositRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byAddr[addr]
	if !ok {
		return DepositRecord{}, ErrNotFound
	}
	return m.records[i], nil
}

func (m *MemoryStore) List(_ context.Context) ([]DepositRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DepositRecord, 0, len(m.records))
	for i := len(m.records) - 1; i >= 0; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}

func (m *MemoryStore) ListByStatuses(_ context.Context, statuses ...Status) ([]DepositRecord, error) {
	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []DepositRecord
	for _, rec := range m.records {
		if want[rec.Status] {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, addr common.Address, next Status, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byAddr[addr]
	if !ok {
		return ErrNotFound
	}
	if !m.records[i].Status.CanTransition(next) {
		return ErrInvalidTransition
	}
	m.records[i].Status = next
	m.records[i].LastError = lastErr
	m.records[i].UpdatedAt = time.Now().UTC()
	return nil
}
