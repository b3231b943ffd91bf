package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"persona-agent/internal/domain"
)

const memoryDSN = ":memory:"

// SQLiteStore keeps the turn log in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates if needed) the database at dbPath.
// If dbPath is empty, defaults to "./data/conversations.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/conversations.db"
	}

	if dbPath != memoryDSN {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("repository: create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: ping sqlite: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	PRAGMA journal_mode = WAL;

	CREATE TABLE IF NOT EXISTS turns (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		correspondent_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_turns_correspondent_created ON turns(correspondent_id, created_at);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("repository: init sqlite schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, turn domain.Turn) error {
	if err := validateTurn(turn); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, correspondent_id, role, text, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, turn.ID, turn.CorrespondentID, string(turn.Role), turn.Text, turn.CreatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadRecentTurns(ctx context.Context, correspondentID string, limit int) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, correspondent_id, role, text, created_at
		FROM turns
		WHERE correspondent_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ?
	`, correspondentID, recentLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("repository: LoadRecentTurns query: %w", err)
	}

	turns, err := scanTurns(rows)
	if err != nil {
		return nil, fmt.Errorf("repository: LoadRecentTurns scan: %w", err)
	}
	reverseTurns(turns)
	return turns, nil
}

func (s *SQLiteStore) ListTurns(ctx context.Context, correspondentID string, page, pageSize int) (domain.Page, error) {
	page, pageSize = normalizePage(page, pageSize)

	var total int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE correspondent_id = ?`, correspondentID).Scan(&total)
	if err != nil {
		return domain.Page{}, fmt.Errorf("repository: ListTurns count: %w", err)
	}

	skip, ok := pageOffset(page, pageSize)
	if !ok || skip >= total {
		return domain.Page{Turns: []domain.Turn{}, Page: page, PageSize: pageSize, Total: total}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, correspondent_id, role, text, created_at
		FROM turns
		WHERE correspondent_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ? OFFSET ?
	`, correspondentID, pageSize, skip)
	if err != nil {
		return domain.Page{}, fmt.Errorf("repository: ListTurns query: %w", err)
	}

	turns, err := scanTurns(rows)
	if err != nil {
		return domain.Page{}, fmt.Errorf("repository: ListTurns scan: %w", err)
	}
	return domain.Page{Turns: turns, Page: page, PageSize: pageSize, Total: total}, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (domain.Stats, error) {
	var stats domain.Stats
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT correspondent_id), MAX(created_at) FROM turns
	`).Scan(&stats.TotalTurns, &stats.Correspondents, &last)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("repository: Stats: %w", err)
	}
	if last.Valid {
		ts := time.Unix(0, last.Int64).UTC()
		stats.LastActivity = &ts
	}
	return stats, nil
}

func scanTurns(rows *sql.Rows) ([]domain.Turn, error) {
	defer rows.Close()

	turns := []domain.Turn{}
	for rows.Next() {
		var (
			turn      domain.Turn
			role      string
			createdAt int64
		)
		if err := rows.Scan(&turn.ID, &turn.CorrespondentID, &role, &turn.Text, &createdAt); err != nil {
			return nil, err
		}
		turn.Role = domain.Role(role)
		turn.CreatedAt = time.Unix(0, createdAt).UTC()
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}
