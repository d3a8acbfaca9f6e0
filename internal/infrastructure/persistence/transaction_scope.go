package persistence

import (
	"context"
	"database/sql"

	appnum "github.com/clinicdesk/backend/internal/application/numbering"
	"github.com/clinicdesk/backend/internal/domain/numbering"
	"gorm.io/gorm"
)

// GormTransactionScope implements TransactionScope using GORM transactions.
// It provides atomic execution of multiple repository operations.
type GormTransactionScope struct {
	db *gorm.DB
}

// NewGormTransactionScope creates a new GormTransactionScope.
func NewGormTransactionScope(db *gorm.DB) *GormTransactionScope {
	return &GormTransactionScope{db: db}
}

// Execute runs fn within a database transaction.
// If fn returns an error, the transaction is rolled back.
func (s *GormTransactionScope) Execute(ctx context.Context, fn func(repos appnum.TransactionalRepositories) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTransactionalRepositories{tx: tx})
	})
}

// ExecuteSerializable runs fn in a serializable transaction on postgres.
// sqlite transactions are already serialized by its database-wide write lock.
func (s *GormTransactionScope) ExecuteSerializable(ctx context.Context, fn func(repos appnum.TransactionalRepositories) error) error {
	var opts []*sql.TxOptions
	if s.db.Dialector.Name() == "postgres" {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTransactionalRepositories{tx: tx})
	}, opts...)
}

// gormTransactionalRepositories provides access to all repositories within a transaction.
type gormTransactionalRepositories struct {
	tx *gorm.DB
}

// Documents returns the document repository scoped to the current transaction.
func (r *gormTransactionalRepositories) Documents() numbering.DocumentRepository {
	return NewGormDocumentRepository(r.tx)
}

// Counters returns the counter repository scoped to the current transaction.
func (r *gormTransactionalRepositories) Counters() numbering.CounterRepository {
	return NewGormCounterRepository(r.tx)
}

// Savepoint marks a savepoint in the current transaction.
func (r *gormTransactionalRepositories) Savepoint(name string) error {
	return r.tx.SavePoint(name).Error
}

// RollbackTo undoes everything since the named savepoint.
func (r *gormTransactionalRepositories) RollbackTo(name string) error {
	return r.tx.RollbackTo(name).Error
}

// Ensure GormTransactionScope implements TransactionScope
var _ appnum.TransactionScope = (*GormTransactionScope)(nil)

// Ensure gormTransactionalRepositories implements TransactionalRepositories
var _ appnum.TransactionalRepositories = (*gormTransactionalRepositories)(nil)
