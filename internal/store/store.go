// Package store provides persistence for finished generations.
package store

import (
	"context"
	"time"

	"github.com/avelsh/specdec/internal/domain"
)

// Repository defines the interface for persisting generation results.
type Repository interface {
	// RecordGeneration persists one finished generation.
	RecordGeneration(ctx context.Context, gen *domain.Generation) error

	// ListRecent returns up to limit generations, most recent first.
	ListRecent(ctx context.Context, limit int) ([]*domain.Generation, error)

	// GetGeneration retrieves the most recent generation for a session id,
	// or nil if none exists.
	GetGeneration(ctx context.Context, sessionID uint64) (*domain.Generation, error)

	// CleanupOlderThan removes generation records older than the retention
	// window and reports how many were deleted.
	CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
