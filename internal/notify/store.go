package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/samber/lo"
)

// DefaultMaxRecords caps how many records a store keeps per user.
const DefaultMaxRecords = 200

// ErrNotFound is returned by MarkRead for an unknown record.
var ErrNotFound = errors.New("notify: record not found")

// Store persists notification records per user, newest first.
type Store interface {
	Add(ctx context.Context, userID string, r Record) error
	List(ctx context.Context, userID string, limit int) ([]Record, error)
	Unread(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID, id string) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Record
	max     int
}

// NewMemoryStore returns an empty store keeping at most max records per user.
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = DefaultMaxRecords
	}
	return &MemoryStore{records: make(map[string][]Record), max: max}
}

func (s *MemoryStore) Add(_ context.Context, userID string, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append([]Record{r}, s.records[userID]...)
	if len(list) > s.max {
		list = list[:s.max]
	}
	s.records[userID] = list
	return nil
}

func (s *MemoryStore) List(_ context.Context, userID string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.records[userID]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	out := make([]Record, len(list))
	copy(out, list)
	return out, nil
}

func (s *MemoryStore) Unread(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.CountBy(s.records[userID], func(r Record) bool { return !r.Read }), nil
}

func (s *MemoryStore) MarkRead(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, i, ok := lo.FindIndexOf(s.records[userID], func(r Record) bool { return r.ID == id })
	if !ok {
		return ErrNotFound
	}
	s.records[userID][i].Read = true
	return nil
}
