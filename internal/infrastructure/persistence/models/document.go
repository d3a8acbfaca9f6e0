package models

import (
	"time"

	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DocumentModel is the persistence model for numbered documents.
// The (tenant, type, sequence) index covers soft-deleted rows so a number is
// never handed out twice.
type DocumentModel struct {
	ID             uint64          `gorm:"primaryKey;autoIncrement"`
	TenantID       uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:uk_documents_tenant_type_seq,priority:1"`
	DocumentType   string          `gorm:"type:varchar(20);not null;uniqueIndex:uk_documents_tenant_type_seq,priority:2;uniqueIndex:uk_documents_type_hash,priority:1"`
	SequenceNumber *int64          `gorm:"uniqueIndex:uk_documents_tenant_type_seq,priority:3"`
	FormattedCode  string          `gorm:"type:varchar(50);not null"`
	UniqueHash     *string         `gorm:"type:varchar(64);uniqueIndex:uk_documents_type_hash,priority:2"`
	CustomerID     uuid.UUID       `gorm:"type:uuid;not null;index"`
	InvoiceID      *uint64         `gorm:"index"`
	Amount         decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	Notes          string          `gorm:"type:text"`
	CreatedAt      time.Time       `gorm:"not null"`
	UpdatedAt      time.Time       `gorm:"not null"`
	DeletedAt      gorm.DeletedAt  `gorm:"index"`
}

// TableName returns the table name for GORM
func (DocumentModel) TableName() string {
	return "documents"
}

// ToDomain converts the persistence model to a domain Document
func (m *DocumentModel) ToDomain() *numbering.Document {
	d := &numbering.Document{
		ID:             m.ID,
		TenantID:       m.TenantID,
		Type:           numbering.DocumentType(m.DocumentType),
		SequenceNumber: m.SequenceNumber,
		FormattedCode:  m.FormattedCode,
		UniqueHash:     m.UniqueHash,
		CustomerID:     m.CustomerID,
		InvoiceID:      m.InvoiceID,
		Amount:         m.Amount,
		Notes:          m.Notes,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if m.DeletedAt.Valid {
		deletedAt := m.DeletedAt.Time
		d.DeletedAt = &deletedAt
	}
	return d
}

// FromDomain populates the persistence model from a domain Document
func (m *DocumentModel) FromDomain(d *numbering.Document) {
	m.ID = d.ID
	m.TenantID = d.TenantID
	m.DocumentType = string(d.Type)
	m.SequenceNumber = d.SequenceNumber
	m.FormattedCode = d.FormattedCode
	m.UniqueHash = d.UniqueHash
	m.CustomerID = d.CustomerID
	m.InvoiceID = d.InvoiceID
	m.Amount = d.Amount
	m.Notes = d.Notes
	m.CreatedAt = d.CreatedAt
	m.UpdatedAt = d.UpdatedAt
	if d.DeletedAt != nil {
		m.DeletedAt = gorm.DeletedAt{Time: *d.DeletedAt, Valid: true}
	}
}

// DocumentModelFromDomain creates a new persistence model from a domain Document
func DocumentModelFromDomain(d *numbering.Document) *DocumentModel {
	m := &DocumentModel{}
	m.FromDomain(d)
	return m
}

// SequenceCounterModel is the explicit high-water mark of one namespace
type SequenceCounterModel struct {
	TenantID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	DocumentType string    `gorm:"type:varchar(20);primaryKey"`
	LastValue    int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (SequenceCounterModel) TableName() string {
	return "sequence_counters"
}

// ToDomain converts the persistence model to a domain SequenceCounter
func (m *SequenceCounterModel) ToDomain() numbering.SequenceCounter {
	return numbering.SequenceCounter{
		TenantID:  m.TenantID,
		Type:      numbering.DocumentType(m.DocumentType),
		LastValue: m.LastValue,
	}
}

// All returns every model managed by the numbering schema
func All() []any {
	return []any{&DocumentModel{}, &SequenceCounterModel{}}
}
