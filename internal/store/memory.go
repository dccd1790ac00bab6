package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
)

// MemoryStore is an in-memory, thread-safe Store and Archive.
// Entries are cloned on the way in and out so callers cannot alter
// stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []*ledger.Entry
	byID     map[uuid.UUID]uint64
	byEntity map[ledger.EntityRef][]uint64
	archived map[uint64]*ledger.Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[uuid.UUID]uint64),
		byEntity: make(map[ledger.EntityRef][]uint64),
		archived: make(map[uint64]*ledger.Entry),
	}
}

func (s *MemoryStore) Append(_ context.Context, entries ...*ledger.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkContiguous(uint64(len(s.entries)), entries); err != nil {
		return fmt.Errorf("%w: tail %d, got %d", err, len(s.entries), entries[0].SequenceNumber)
	}
	seen := make(map[uuid.UUID]bool, len(entries))
	for _, e := range entries {
		if _, ok := s.byID[e.EntryID]; ok || seen[e.EntryID] {
			return fmt.Errorf("%w: %s", ErrDuplicate, e.EntryID)
		}
		seen[e.EntryID] = true
	}
	for _, e := range entries {
		c := e.Clone()
		s.entries = append(s.entries, c)
		s.byID[c.EntryID] = c.SequenceNumber
		s.byEntity[c.Entity] = append(s.byEntity[c.Entity], c.SequenceNumber)
	}
	return nil
}

func (s *MemoryStore) Tail(_ context.Context) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, ErrEmpty
	}
	return s.entries[len(s.entries)-1].Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, seq uint64) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq >= uint64(len(s.entries)) {
		return nil, ledger.ErrNotFound
	}
	return s.entries[seq].Clone(), nil
}

func (s *MemoryStore) GetByEntryID(_ context.Context, id uuid.UUID) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.byID[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return s.entries[seq].Clone(), nil
}

func (s *MemoryStore) Range(ctx context.Context, start, end uint64, fn func(*ledger.Entry) error) error {
	// Snapshot under the lock, call fn outside it.
	s.mu.RLock()
	var batch []*ledger.Entry
	for seq := start; seq <= end && seq < uint64(len(s.entries)); seq++ {
		batch = append(batch, s.entries[seq].Clone())
	}
	s.mu.RUnlock()

	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) ByEntity(_ context.Context, ref ledger.EntityRef, q Query) ([]*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ledger.Entry
	for _, seq := range s.byEntity[ref] {
		e := s.entries[seq]
		if !q.match(e) {
			continue
		}
		out = append(out, e.Clone())
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ListExpired(_ context.Context, asOf time.Time, limit int) ([]ledger.EntryRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.EntryRef
	for _, e := range s.entries {
		if e.SequenceNumber == 0 || e.ArchivedAt != nil || e.RetentionUntil.After(asOf) {
			continue
		}
		out = append(out, e.Ref())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkArchived(_ context.Context, seq uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq >= uint64(len(s.entries)) {
		return ledger.ErrNotFound
	}
	if s.entries[seq].ArchivedAt == nil {
		t := ledger.CanonicalTime(at)
		s.entries[seq].ArchivedAt = &t
	}
	return nil
}

func (s *MemoryStore) Len(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.entries)), nil
}

func (s *MemoryStore) Close() error { return nil }

// Put implements Archive.
func (s *MemoryStore) Put(_ context.Context, e *ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.archived[e.SequenceNumber]; !ok {
		s.archived[e.SequenceNumber] = e.Clone()
	}
	return nil
}

// GetArchived implements Archive.
func (s *MemoryStore) GetArchived(_ context.Context, seq uint64) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.archived[seq]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return e.Clone(), nil
}
