package persistence

import (
	"context"
	"fmt"

	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/clinicdesk/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormCounterRepository implements CounterRepository using GORM.
// Counter rows are advanced with a single upsert so concurrent allocators
// serialize on the row instead of racing on a read-modify-write.
type GormCounterRepository struct {
	db *gorm.DB
}

// NewGormCounterRepository creates a new GormCounterRepository
func NewGormCounterRepository(db *gorm.DB) *GormCounterRepository {
	return &GormCounterRepository{db: db}
}

// greatest returns the dialect's two-argument maximum function
func (r *GormCounterRepository) greatest() string {
	if r.db.Dialector.Name() == "sqlite" {
		return "MAX"
	}
	return "GREATEST"
}

// Next advances the counter to max(last_value+1, floor) and returns it
func (r *GormCounterRepository) Next(ctx context.Context, ns numbering.Namespace, floor int64) (int64, error) {
	if floor < 1 {
		floor = 1
	}
	query := fmt.Sprintf(`INSERT INTO sequence_counters (tenant_id, document_type, last_value, created_at, updated_at)
VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
ON CONFLICT (tenant_id, document_type)
DO UPDATE SET last_value = %s(sequence_counters.last_value + 1, excluded.last_value), updated_at = CURRENT_TIMESTAMP
RETURNING last_value`, r.greatest())

	var value int64
	if err := r.db.WithContext(ctx).Raw(query, ns.TenantID, string(ns.Type), floor).Scan(&value).Error; err != nil {
		return 0, fmt.Errorf("failed to advance counter %s: %w", ns, err)
	}
	return value, nil
}

// Get returns the counter value, 0 when no row exists
func (r *GormCounterRepository) Get(ctx context.Context, ns numbering.Namespace) (int64, error) {
	var rows []models.SequenceCounterModel
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND document_type = ?", ns.TenantID, string(ns.Type)).
		Limit(1).
		Find(&rows).Error; err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].LastValue, nil
}

// LockForUpdate takes a row lock on the counter, creating the row if needed.
// On sqlite the database-level write lock already serializes writers.
func (r *GormCounterRepository) LockForUpdate(ctx context.Context, ns numbering.Namespace) error {
	if r.db.Dialector.Name() == "sqlite" {
		return nil
	}
	if err := r.db.WithContext(ctx).Exec(`INSERT INTO sequence_counters (tenant_id, document_type, last_value, created_at, updated_at)
VALUES (?, ?, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
ON CONFLICT (tenant_id, document_type) DO NOTHING`, ns.TenantID, string(ns.Type)).Error; err != nil {
		return err
	}
	var row models.SequenceCounterModel
	return r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND document_type = ?", ns.TenantID, string(ns.Type)).
		First(&row).Error
}

// RaiseTo moves the counter up to value; it never lowers it
func (r *GormCounterRepository) RaiseTo(ctx context.Context, ns numbering.Namespace, value int64) error {
	query := fmt.Sprintf(`INSERT INTO sequence_counters (tenant_id, document_type, last_value, created_at, updated_at)
VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
ON CONFLICT (tenant_id, document_type)
DO UPDATE SET last_value = %s(sequence_counters.last_value, excluded.last_value), updated_at = CURRENT_TIMESTAMP`, r.greatest())
	return r.db.WithContext(ctx).Exec(query, ns.TenantID, string(ns.Type), value).Error
}

// ListByType lists the counters of every tenant for a document type
func (r *GormCounterRepository) ListByType(ctx context.Context, docType numbering.DocumentType) ([]numbering.SequenceCounter, error) {
	var rows []models.SequenceCounterModel
	if err := r.db.WithContext(ctx).
		Where("document_type = ?", string(docType)).
		Order("tenant_id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	counters := make([]numbering.SequenceCounter, len(rows))
	for i := range rows {
		counters[i] = rows[i].ToDomain()
	}
	return counters, nil
}

var _ numbering.CounterRepository = (*GormCounterRepository)(nil)
