package ledger

import (
	"context"
	"sync"
	"time"
)

// Store is the durable side of the ledger.
// Postgres가 진실의 원천이고, memory 구현은 테스트 전용이다.
type Store interface {
	AppendEvent(ctx context.Context, ev Event) error
	LoadEvents(ctx context.Context) ([]Event, error)

	// InsertTrade is idempotent; inserted=false means the trade ID was
	// already registered.
	InsertTrade(ctx context.Context, tr TradeRecord) (bool, error)
	LoadTradeIDs(ctx context.Context, since time.Time) ([]string, error)
	PruneTrades(ctx context.Context, before time.Time) (int64, error)
}

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
	trades map[string]TradeRecord

	// FailAppends, when >0, makes that many AppendEvent calls fail.
	// 쓰기 실패 경로 테스트용.
	FailAppends int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trades: make(map[string]TradeRecord)}
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAppends > 0 {
		s.FailAppends--
		return errAppendFailed
	}
	ev.Seq = int64(len(s.events) + 1)
	s.events = append(s.events, ev)
	return nil
}

func (s *MemoryStore) LoadEvents(_ context.Context) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out, nil
}

func (s *MemoryStore) InsertTrade(_ context.Context, tr TradeRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.trades[tr.TradeID]; dup {
		return false, nil
	}
	s.trades[tr.TradeID] = tr
	return true, nil
}

func (s *MemoryStore) LoadTradeIDs(_ context.Context, since time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, tr := range s.trades {
		if !tr.ExecutedAt.Before(since) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) PruneTrades(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, tr := range s.trades {
		if tr.ExecutedAt.Before(before) {
			delete(s.trades, id)
			n++
		}
	}
	return n, nil
}

// EventCount returns the number of durably appended events.
func (s *MemoryStore) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
