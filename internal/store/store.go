// Package store defines the persistence interface for the portfolio engine.
// Implementations include PostgreSQL (durable source of truth), Redis
// (read-through cache), a local JSON file and in-memory (for testing).
//
// The portfolio snapshot is the sole unit of persistence: it is read
// wholesale at startup and written wholesale after every mutation.
package store

import (
	"context"

	"github.com/papertrade/portfolio-engine/internal/model"
)

// Store is the persistence interface.
type Store interface {
	// --- Snapshot ---

	// Load returns the stored snapshot. ok is false when nothing has been
	// stored yet. Corrupt fields fall back to their defaults individually.
	Load(ctx context.Context) (snap model.Snapshot, ok bool, err error)

	// Save replaces the stored snapshot.
	Save(ctx context.Context, snap model.Snapshot) error

	// Clear removes the snapshot and the journal.
	Clear(ctx context.Context) error

	// --- Immutable journal ---

	// AppendEntry appends a funding or trade record.
	AppendEntry(ctx context.Context, entry *model.JournalEntry) error

	// Entries returns all journal records in insertion order.
	Entries(ctx context.Context) ([]model.JournalEntry, error)
}
