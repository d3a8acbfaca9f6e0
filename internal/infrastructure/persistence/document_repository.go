package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/clinicdesk/backend/internal/domain/shared"
	"github.com/clinicdesk/backend/internal/infrastructure/persistence/dberr"
	"github.com/clinicdesk/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// GormDocumentRepository implements DocumentRepository using GORM
type GormDocumentRepository struct {
	db *gorm.DB
}

// NewGormDocumentRepository creates a new GormDocumentRepository
func NewGormDocumentRepository(db *gorm.DB) *GormDocumentRepository {
	return &GormDocumentRepository{db: db}
}

// Create inserts a document and assigns its id
func (r *GormDocumentRepository) Create(ctx context.Context, doc *numbering.Document) error {
	model := models.DocumentModelFromDomain(doc)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return translateError(err)
	}
	doc.ID = model.ID
	doc.CreatedAt = model.CreatedAt
	doc.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByID finds a live document by id
func (r *GormDocumentRepository) FindByID(ctx context.Context, id uint64) (*numbering.Document, error) {
	var model models.DocumentModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// FindByIDs finds documents of a type by id, soft-deleted rows included
func (r *GormDocumentRepository) FindByIDs(ctx context.Context, docType numbering.DocumentType, ids []uint64) ([]numbering.Document, error) {
	if len(ids) == 0 {
		return []numbering.Document{}, nil
	}
	var rows []models.DocumentModel
	if err := r.db.WithContext(ctx).Unscoped().
		Where("document_type = ? AND id IN ?", string(docType), ids).
		Order("id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDomainDocuments(rows), nil
}

// FindByHash finds a live document of a type by its unique hash
func (r *GormDocumentRepository) FindByHash(ctx context.Context, docType numbering.DocumentType, hash string) (*numbering.Document, error) {
	var model models.DocumentModel
	if err := r.db.WithContext(ctx).
		First(&model, "document_type = ? AND unique_hash = ?", string(docType), hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// ListByType lists every live document of a type
func (r *GormDocumentRepository) ListByType(ctx context.Context, docType numbering.DocumentType) ([]numbering.Document, error) {
	var rows []models.DocumentModel
	if err := r.db.WithContext(ctx).
		Where("document_type = ?", string(docType)).
		Order("tenant_id").Order("sequence_number").Order("id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDomainDocuments(rows), nil
}

// ListNamespace lists every document of a namespace, soft-deleted rows included
func (r *GormDocumentRepository) ListNamespace(ctx context.Context, ns numbering.Namespace) ([]numbering.Document, error) {
	var rows []models.DocumentModel
	if err := r.db.WithContext(ctx).Unscoped().
		Where("tenant_id = ? AND document_type = ?", ns.TenantID, string(ns.Type)).
		Order("id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return toDomainDocuments(rows), nil
}

// MaxSequence returns the highest sequence number ever stored in a namespace
func (r *GormDocumentRepository) MaxSequence(ctx context.Context, ns numbering.Namespace) (int64, error) {
	var highest int64
	if err := r.db.WithContext(ctx).Unscoped().
		Model(&models.DocumentModel{}).
		Select("COALESCE(MAX(sequence_number), 0)").
		Where("tenant_id = ? AND document_type = ?", ns.TenantID, string(ns.Type)).
		Scan(&highest).Error; err != nil {
		return 0, err
	}
	return highest, nil
}

// HashExists reports whether any other document of the type holds hash
func (r *GormDocumentRepository) HashExists(ctx context.Context, docType numbering.DocumentType, hash string, excludeID uint64) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Unscoped().
		Model(&models.DocumentModel{}).
		Where("document_type = ? AND unique_hash = ? AND id <> ?", string(docType), hash, excludeID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// UpdateSequence sets the sequence number of one document
func (r *GormDocumentRepository) UpdateSequence(ctx context.Context, id uint64, seq int64) error {
	return r.updateColumn(ctx, id, "sequence_number", seq)
}

// UpdateHash sets the unique hash of one document
func (r *GormDocumentRepository) UpdateHash(ctx context.Context, id uint64, hash string) error {
	return r.updateColumn(ctx, id, "unique_hash", hash)
}

func (r *GormDocumentRepository) updateColumn(ctx context.Context, id uint64, column string, value any) error {
	result := r.db.WithContext(ctx).Unscoped().
		Model(&models.DocumentModel{}).
		Where("id = ?", id).
		UpdateColumns(map[string]any{column: value, "updated_at": time.Now()})
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: document %d", shared.ErrNotFound, id)
	}
	return nil
}

func toDomainDocuments(rows []models.DocumentModel) []numbering.Document {
	docs := make([]numbering.Document, len(rows))
	for i := range rows {
		docs[i] = *rows[i].ToDomain()
	}
	return docs
}

// translateError maps unique violations to shared.ErrAlreadyExists, the only
// error the allocator retries.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if dberr.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", shared.ErrAlreadyExists, err)
	}
	return err
}

var _ numbering.DocumentRepository = (*GormDocumentRepository)(nil)
