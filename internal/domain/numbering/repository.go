package numbering

import (
	"context"
)

// DocumentRepository defines the interface for numbered document persistence
type DocumentRepository interface {
	// Create inserts a document and assigns its database id
	Create(ctx context.Context, doc *Document) error

	// FindByID finds a live document by id; returns shared.ErrNotFound when absent
	FindByID(ctx context.Context, id uint64) (*Document, error)

	// FindByIDs finds documents of a type by id, soft-deleted rows included
	FindByIDs(ctx context.Context, docType DocumentType, ids []uint64) ([]Document, error)

	// FindByHash finds a live document of a type by its unique hash
	FindByHash(ctx context.Context, docType DocumentType, hash string) (*Document, error)

	// ListByType lists every live document of a type ordered by tenant, sequence and id
	ListByType(ctx context.Context, docType DocumentType) ([]Document, error)

	// ListNamespace lists every document of a namespace, soft-deleted rows
	// included, ordered by id
	ListNamespace(ctx context.Context, ns Namespace) ([]Document, error)

	// MaxSequence returns the highest sequence number ever stored in a
	// namespace (soft-deleted rows included), 0 when empty
	MaxSequence(ctx context.Context, ns Namespace) (int64, error)

	// HashExists reports whether any other document of the type holds hash
	HashExists(ctx context.Context, docType DocumentType, hash string, excludeID uint64) (bool, error)

	// UpdateSequence sets the sequence number of one document
	UpdateSequence(ctx context.Context, id uint64, seq int64) error

	// UpdateHash sets the unique hash of one document
	UpdateHash(ctx context.Context, id uint64, hash string) error
}

// CounterRepository defines the interface for per-namespace counter rows
type CounterRepository interface {
	// Next atomically advances the counter to max(last+1, floor) and returns it
	Next(ctx context.Context, ns Namespace, floor int64) (int64, error)

	// Get returns the counter value, 0 when no row exists
	Get(ctx context.Context, ns Namespace) (int64, error)

	// LockForUpdate takes a row lock on the counter for the rest of the transaction
	LockForUpdate(ctx context.Context, ns Namespace) error

	// RaiseTo moves the counter up to value; it never lowers it
	RaiseTo(ctx context.Context, ns Namespace, value int64) error

	// ListByType lists the counters of every tenant for a document type
	ListByType(ctx context.Context, docType DocumentType) ([]SequenceCounter, error)
}
