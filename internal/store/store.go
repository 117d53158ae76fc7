// Package store provides thread metadata persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/answerstream/internal/domain"
)

// Backup persists the full list of thread metadata. Every Save replaces the
// previous contents entirely.
type Backup interface {
	// Load returns all persisted threads. A missing backup yields an empty list.
	Load(ctx context.Context) ([]domain.ThreadMetadata, error)

	// Save replaces the persisted threads with the given list.
	Save(ctx context.Context, threads []domain.ThreadMetadata) error

	// Ping verifies the backup target is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}
