package store

import (
	"context"

	"loom/change"
)

// ChangeStore provides content-addressed change storage.
type ChangeStore interface {
	// PutChange seals and stores a change (idempotent).
	PutChange(ctx context.Context, c *change.Change) (change.Hash, error)

	// GetChange retrieves a change by hash.
	GetChange(h change.Hash) (*change.Change, error)

	// HasChange reports whether a change is stored.
	HasChange(h change.Hash) (bool, error)
}

// ResolutionStore provides read access to the resolution ledger.
type ResolutionStore interface {
	// FindResolution returns the newest resolution for a signature, or nil.
	FindResolution(signature string) (*Resolution, error)

	// ListResolutions returns every ledger entry in recording order.
	ListResolutions() ([]*Resolution, error)
}

// Store combines the read/write surfaces used outside this package.
type Store interface {
	ChangeStore
	ResolutionStore

	// Close closes the store.
	Close() error
}

var _ Store = (*DB)(nil)
