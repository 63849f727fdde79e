package commit

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/medledger/medledger/internal/ledger"
)

type storedRecord struct {
	resourceType string
	payload      map[string]any
	meta         ledger.HashMeta
}

// InMemoryStore is a thread-safe, in-memory Store used in tests and
// single-process deployments.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*storedRecord
}

// NewInMemoryStore creates a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*storedRecord)}
}

func (s *InMemoryStore) Create(_ context.Context, resourceType, recordID string, payload map[string]any, meta ledger.HashMeta) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := recordID
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := s.records[id]; exists {
		return "", fmt.Errorf("commit: record %s already exists", id)
	}
	s.records[id] = &storedRecord{
		resourceType: resourceType,
		payload:      clonePayload(payload),
		meta:         meta,
	}
	return id, nil
}

func (s *InMemoryStore) Update(_ context.Context, recordID string, payload map[string]any, meta ledger.HashMeta, priorHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, recordID)
	}
	if priorHash != "" && rec.meta.Hash != priorHash {
		return fmt.Errorf("commit: stored hash changed under revision of %s", recordID)
	}
	rec.payload = clonePayload(payload)
	rec.meta = meta
	return nil
}

func (s *InMemoryStore) GetHashMetadata(_ context.Context, recordID string) (ledger.HashMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordID]
	if !ok {
		return ledger.HashMeta{}, fmt.Errorf("%w: %s", ErrNotFound, recordID)
	}
	return rec.meta, nil
}

func (s *InMemoryStore) GetPayload(_ context.Context, recordID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, recordID)
	}
	return clonePayload(rec.payload), nil
}

// MutatePayload overwrites one field of a stored payload without touching
// the hash metadata. Exists so tamper scenarios can be exercised in tests.
func (s *InMemoryStore) MutatePayload(recordID, field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, recordID)
	}
	rec.payload[field] = value
	return nil
}

func clonePayload(payload map[string]any) map[string]any {
	cp := make(map[string]any, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	return cp
}
