package dto

import (
	"time"

	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateDocumentRequest is the body of POST /documents/:type
type CreateDocumentRequest struct {
	CustomerID string  `json:"customer_id" binding:"required,uuid"`
	InvoiceID  *uint64 `json:"invoice_id" binding:"omitempty,min=1"`
	Amount     float64 `json:"amount" binding:"gte=0"`
	Notes      string  `json:"notes" binding:"max=2000"`
}

// DocumentResponse is a numbered document as returned by the API
type DocumentResponse struct {
	ID             uint64          `json:"id"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	Type           string          `json:"type"`
	SequenceNumber *int64          `json:"sequence_number"`
	Code           string          `json:"code"`
	PublicHash     string          `json:"public_hash"`
	CustomerID     uuid.UUID       `json:"customer_id"`
	InvoiceID      *uint64         `json:"invoice_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewDocumentResponse converts a domain document
func NewDocumentResponse(d *numbering.Document) DocumentResponse {
	return DocumentResponse{
		ID:             d.ID,
		TenantID:       d.TenantID,
		Type:           string(d.Type),
		SequenceNumber: d.SequenceNumber,
		Code:           d.FormattedCode,
		PublicHash:     d.Hash(),
		CustomerID:     d.CustomerID,
		InvoiceID:      d.InvoiceID,
		Amount:         d.Amount,
		Notes:          d.Notes,
		CreatedAt:      d.CreatedAt,
	}
}

// PublicDocumentResponse is what an unauthenticated hash lookup may reveal
type PublicDocumentResponse struct {
	Type      string          `json:"type"`
	Code      string          `json:"code"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewPublicDocumentResponse converts a domain document for public display
func NewPublicDocumentResponse(d *numbering.Document) PublicDocumentResponse {
	return PublicDocumentResponse{
		Type:      string(d.Type),
		Code:      d.FormattedCode,
		Amount:    d.Amount,
		CreatedAt: d.CreatedAt,
	}
}

// NextNumberResponse previews the next code of a namespace
type NextNumberResponse struct {
	Type           string `json:"type"`
	SequenceNumber int64  `json:"sequence_number"`
	Code           string `json:"code"`
}

// AuditResponse is the audit report plus the repair plans it suggests
type AuditResponse struct {
	Clean       bool                  `json:"clean"`
	Report      *numbering.Report     `json:"report"`
	Suggestions numbering.Suggestions `json:"suggestions"`
}
