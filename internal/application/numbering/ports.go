package numbering

import (
	"context"
	"time"

	"github.com/clinicdesk/backend/internal/domain/numbering"
)

// TransactionScope provides transactional access to numbering repositories.
// All repository operations inside fn share one database transaction that is
// committed when fn returns nil and rolled back otherwise.
type TransactionScope interface {
	Execute(ctx context.Context, fn func(repos TransactionalRepositories) error) error

	// ExecuteSerializable is Execute at serializable isolation where the
	// database supports it. Repairs use it so concurrent inserts into the
	// repaired range cannot be missed.
	ExecuteSerializable(ctx context.Context, fn func(repos TransactionalRepositories) error) error
}

// TransactionalRepositories provides access to repositories within a transaction
type TransactionalRepositories interface {
	Documents() numbering.DocumentRepository
	Counters() numbering.CounterRepository

	// Savepoint and RollbackTo scope a per-record attempt inside the
	// transaction so one failed record does not poison the batch.
	Savepoint(name string) error
	RollbackTo(name string) error
}

// HashCodec is the identity hash codec
type HashCodec interface {
	numbering.HashVerifier
	Encode(docType numbering.DocumentType, id uint64) (string, error)
	Verify(docType numbering.DocumentType, hash string, ownerID uint64) error
	RandomToken() (string, error)
}

// Locker provides a mutual-exclusion lock per key. Acquire fails with
// shared.ErrLockUnavailable when the key is held; the returned function releases it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}
