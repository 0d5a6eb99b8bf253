package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avelsh/specdec/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS generations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id INTEGER NOT NULL,
		prompt TEXT NOT NULL,
		output_text TEXT NOT NULL,
		tokens_out INTEGER NOT NULL,
		accepted INTEGER NOT NULL,
		forced INTEGER NOT NULL,
		match_rate REAL NOT NULL,
		wall_time_ms INTEGER NOT NULL,
		speculative INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_generations_session ON generations(session_id);
	CREATE INDEX IF NOT EXISTS idx_generations_finished ON generations(finished_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordGeneration persists one finished generation. Retries with
// exponential backoff to ride out SQLITE_BUSY while the cleanup sweep runs.
func (s *SQLiteStore) RecordGeneration(ctx context.Context, gen *domain.Generation) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.recordOnce(ctx, gen)
		if err == nil {
			return nil
		}

		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			if i < maxRetries-1 {
				delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
				slog.Debug("RecordGeneration failed with SQLITE_BUSY, retrying",
					"session_id", gen.SessionID,
					"attempt", i+1,
					"delay", delay)
				time.Sleep(delay)
				continue
			}
		}

		return fmt.Errorf("record generation for session %d after %d attempts: %w", gen.SessionID, i+1, err)
	}

	return nil
}

func (s *SQLiteStore) recordOnce(ctx context.Context, gen *domain.Generation) error {
	query := `
	INSERT INTO generations (
		session_id, prompt, output_text, tokens_out, accepted, forced,
		match_rate, wall_time_ms, speculative, started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	speculative := 0
	if gen.Speculative {
		speculative = 1
	}

	_, err := s.db.ExecContext(ctx, query,
		gen.SessionID, gen.Prompt, gen.OutputText,
		gen.TokensOut, gen.Accepted, gen.Forced,
		gen.MatchRate, gen.WallTime.Milliseconds(), speculative,
		gen.StartedAt.Unix(), gen.FinishedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

const generationColumns = `session_id, prompt, output_text, tokens_out, accepted, forced,
	match_rate, wall_time_ms, speculative, started_at, finished_at`

func scanGeneration(row interface{ Scan(...any) error }) (*domain.Generation, error) {
	var gen domain.Generation
	var wallMS, startedAt, finishedAt int64
	var speculative int

	err := row.Scan(
		&gen.SessionID, &gen.Prompt, &gen.OutputText,
		&gen.TokensOut, &gen.Accepted, &gen.Forced,
		&gen.MatchRate, &wallMS, &speculative,
		&startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	gen.WallTime = time.Duration(wallMS) * time.Millisecond
	gen.Speculative = speculative != 0
	gen.StartedAt = time.Unix(startedAt, 0)
	gen.FinishedAt = time.Unix(finishedAt, 0)
	return &gen, nil
}

// ListRecent returns up to limit generations, most recent first.
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]*domain.Generation, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + generationColumns + `
	FROM generations ORDER BY finished_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent generations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close generations rows", "error", closeErr)
		}
	}()

	var gens []*domain.Generation
	for rows.Next() {
		gen, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation row: %w", err)
		}
		gens = append(gens, gen)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generations: %w", err)
	}

	return gens, nil
}

// GetGeneration retrieves the most recent generation for a session id.
func (s *SQLiteStore) GetGeneration(ctx context.Context, sessionID uint64) (*domain.Generation, error) {
	query := `SELECT ` + generationColumns + `
	FROM generations WHERE session_id = ? ORDER BY finished_at DESC, id DESC LIMIT 1`

	gen, err := scanGeneration(s.db.QueryRowContext(ctx, query, sessionID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan generation: %w", err)
	}
	return gen, nil
}

// CleanupOlderThan removes generation records past the retention window.
func (s *SQLiteStore) CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM generations WHERE finished_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup old generations: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
