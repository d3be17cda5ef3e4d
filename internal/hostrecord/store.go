// Package hostrecord remembers which session tokens this process minted,
// so that a restart with the same token resumes host authority instead of
// joining as a guest.
package hostrecord

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*BoltStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("hostrecord: store closed")

// Record is one hosted session.
type Record struct {
	Token      string
	RecordedAt time.Time
}

// Store is the durable "sessions I host" record.
type Store interface {
	// Hosts reports whether token was recorded as hosted by this process.
	Hosts(ctx context.Context, token string) (bool, error)

	// Record marks token as hosted. Recording a token twice is not an
	// error and keeps the first timestamp.
	Record(ctx context.Context, token string) error

	// List returns every hosted session, oldest first.
	List(ctx context.Context) ([]Record, error)

	Close() error
}

// MemoryStore keeps the record in memory. It is used by tests and when no
// state path is configured.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]time.Time
	closed  bool
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryStore) Hosts(_ context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.records[token]
	return ok, nil
}

func (s *MemoryStore) Record(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.records[token]; !ok {
		s.records[token] = s.now().UTC()
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]Record, 0, len(s.records))
	for token, at := range s.records {
		out = append(out, Record{Token: token, RecordedAt: at})
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].RecordedAt.Equal(records[j].RecordedAt) {
			return records[i].RecordedAt.Before(records[j].RecordedAt)
		}
		return records[i].Token < records[j].Token
	})
}
