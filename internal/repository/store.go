package repository

import (
	"context"
	"errors"
	"strings"

	"persona-agent/internal/domain"
)

const (
	defaultRecentLimit = 10
	defaultPageSize    = 20
	maxPageSize        = 100
	// Deepest offset ListTurns will seek to; later pages are reported empty.
	maxPageOffset = 1_000_000
)

// TurnStore is the append-only turn log consumed by the orchestrator and the
// read API. DynamoDB, SQLite and in-memory backends implement it.
type TurnStore interface {
	AppendTurn(ctx context.Context, turn domain.Turn) error
	LoadRecentTurns(ctx context.Context, correspondentID string, limit int) ([]domain.Turn, error)
	ListTurns(ctx context.Context, correspondentID string, page, pageSize int) (domain.Page, error)
	Stats(ctx context.Context) (domain.Stats, error)
}

var (
	_ TurnStore = (*Client)(nil)
	_ TurnStore = (*SQLiteStore)(nil)
	_ TurnStore = (*MemoryStore)(nil)
)

func validateTurn(turn domain.Turn) error {
	if strings.TrimSpace(turn.ID) == "" {
		return errors.New("repository: turn id is required")
	}
	if strings.TrimSpace(turn.CorrespondentID) == "" {
		return errors.New("repository: correspondent id is required")
	}
	if turn.Role != domain.RoleUser && turn.Role != domain.RoleAgent {
		return errors.New("repository: unknown turn role " + string(turn.Role))
	}
	if turn.CreatedAt.IsZero() {
		return errors.New("repository: turn createdAt is required")
	}
	return nil
}

func recentLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	return limit
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

// pageOffset returns how many turns precede page. ok is false when the offset
// is beyond maxPageOffset; pageSize must already be normalized.
func pageOffset(page, pageSize int) (skip int, ok bool) {
	if page-1 > maxPageOffset/pageSize {
		return 0, false
	}
	return (page - 1) * pageSize, true
}

func reverseTurns(turns []domain.Turn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}
