package repository

import (
	"context"
	"sync"
	"time"

	"persona-agent/internal/domain"
)

// MemoryStore keeps the turn log in process memory. Used for local
// development and tests; contents are lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]domain.Turn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		turns: make(map[string][]domain.Turn),
	}
}

// AppendTurn never lets createdAt go backwards within a correspondent's log.
func (s *MemoryStore) AppendTurn(_ context.Context, turn domain.Turn) error {
	if err := validateTurn(turn); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.turns[turn.CorrespondentID]
	if n := len(log); n > 0 && turn.CreatedAt.Before(log[n-1].CreatedAt) {
		turn.CreatedAt = log[n-1].CreatedAt
	}
	s.turns[turn.CorrespondentID] = append(log, turn)
	return nil
}

func (s *MemoryStore) LoadRecentTurns(_ context.Context, correspondentID string, limit int) ([]domain.Turn, error) {
	limit = recentLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.turns[correspondentID]
	if len(log) > limit {
		log = log[len(log)-limit:]
	}
	return append([]domain.Turn(nil), log...), nil
}

func (s *MemoryStore) ListTurns(_ context.Context, correspondentID string, page, pageSize int) (domain.Page, error) {
	page, pageSize = normalizePage(page, pageSize)

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.turns[correspondentID]
	result := domain.Page{Page: page, PageSize: pageSize, Total: len(log), Turns: []domain.Turn{}}

	skip, ok := pageOffset(page, pageSize)
	if !ok || skip >= len(log) {
		return result, nil
	}

	// newest first
	end := len(log) - skip
	start := max(end-pageSize, 0)
	for i := end - 1; i >= start; i-- {
		result.Turns = append(result.Turns, log[i])
	}
	return result, nil
}

func (s *MemoryStore) Stats(_ context.Context) (domain.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats domain.Stats
	var last time.Time
	for _, log := range s.turns {
		if len(log) == 0 {
			continue
		}
		stats.Correspondents++
		stats.TotalTurns += len(log)
		if ts := log[len(log)-1].CreatedAt; ts.After(last) {
			last = ts
		}
	}
	if !last.IsZero() {
		stats.LastActivity = &last
	}
	return stats, nil
}
