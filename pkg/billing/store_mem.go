package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and local wiring.
// A single mutex stands in for the database transaction: ApplyEvent holds it
// across read, apply, and write, which gives the same atomicity the Postgres
// implementation gets from a transaction.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]Record
	applied map[string]appliedEvent
}

type appliedEvent struct {
	accountID uuid.UUID
	appliedAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uuid.UUID]Record),
		applied: make(map[string]appliedEvent),
	}
}

func (s *MemoryStore) Get(ctx context.Context, accountID uuid.UUID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(accountID)
}

func (s *MemoryStore) get(accountID uuid.UUID) (*Record, error) {
	rec, ok := s.records[accountID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	// Copy out so callers cannot mutate stored state.
	cp := rec
	return &cp, nil
}

func (s *MemoryStore) GetBySubscriptionID(ctx context.Context, subID string) (*Record, error) {
	if subID == "" {
		return nil, ErrRecordNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.ExternalSubscriptionID == subID {
			cp := rec
			return &cp, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (s *MemoryStore) Create(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.AccountID]; ok {
		return ErrRecordExists
	}
	s.records[record.AccountID] = *record
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, record *Record, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(record, expectedVersion)
}

func (s *MemoryStore) update(record *Record, expectedVersion int64) error {
	stored, ok := s.records[record.AccountID]
	if !ok {
		return ErrRecordNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.records[record.AccountID] = *record
	return nil
}

func (s *MemoryStore) WasApplied(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.applied[eventID]
	return ok, nil
}

func (s *MemoryStore) MarkApplied(ctx context.Context, eventID string, accountID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied[eventID] = appliedEvent{accountID: accountID, appliedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) ApplyEvent(ctx context.Context, eventID string, accountID uuid.UUID, apply func(current Record) (Record, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.applied[eventID]; ok {
		return nil
	}

	current, err := s.get(accountID)
	if err != nil {
		return err
	}

	next, err := apply(*current)
	if err != nil {
		return err
	}

	if next.Version != current.Version {
		if err := s.update(&next, current.Version); err != nil {
			return err
		}
	}

	s.applied[eventID] = appliedEvent{accountID: accountID, appliedAt: time.Now().UTC()}
	return nil
}
