package numbering

import (
	"fmt"
	"time"

	"github.com/clinicdesk/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Namespace identifies one numbering namespace: a (tenant, document type) pair
type Namespace struct {
	TenantID uuid.UUID
	Type     DocumentType
}

// Key returns a stable string key for the namespace, used for locks and logs
func (n Namespace) Key() string {
	return fmt.Sprintf("%s:%s", n.TenantID, n.Type)
}

func (n Namespace) String() string {
	return n.Key()
}

// Document is a numbered business record (payment, invoice, estimate, appointment).
//
// SequenceNumber, FormattedCode and UniqueHash are owned by the numbering
// subsystem. CustomerID, InvoiceID, Amount and Notes belong to the business
// document and are never written by numbering.
type Document struct {
	ID             uint64
	TenantID       uuid.UUID
	Type           DocumentType
	SequenceNumber *int64
	FormattedCode  string
	UniqueHash     *string
	CustomerID     uuid.UUID
	InvoiceID      *uint64
	Amount         decimal.Decimal
	Notes          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// Namespace returns the document's numbering namespace
func (d *Document) Namespace() Namespace {
	return Namespace{TenantID: d.TenantID, Type: d.Type}
}

// HasSequence reports whether a sequence number has been assigned
func (d *Document) HasSequence() bool {
	return d.SequenceNumber != nil
}

// Sequence returns the sequence number, or 0 when unassigned
func (d *Document) Sequence() int64 {
	if d.SequenceNumber == nil {
		return 0
	}
	return *d.SequenceNumber
}

// Hash returns the unique hash, or "" when unset
func (d *Document) Hash() string {
	if d.UniqueHash == nil {
		return ""
	}
	return *d.UniqueHash
}

// IsAligned reports whether the numeric suffix of the formatted code equals
// the sequence number. A document with no sequence or an unparsable code is
// never aligned.
func (d *Document) IsAligned() bool {
	if d.SequenceNumber == nil {
		return false
	}
	n, err := CodeNumber(d.FormattedCode)
	if err != nil {
		return false
	}
	return n == *d.SequenceNumber
}

// Snapshot captures the fields repair verification compares
func (d *Document) Snapshot() DocumentSnapshot {
	s := DocumentSnapshot{
		ID:         d.ID,
		TenantID:   d.TenantID,
		Code:       d.FormattedCode,
		CustomerID: d.CustomerID,
		Amount:     d.Amount.String(),
		Hash:       d.Hash(),
		Deleted:    d.DeletedAt != nil,
	}
	if d.SequenceNumber != nil {
		seq := *d.SequenceNumber
		s.SequenceNumber = &seq
	}
	if d.InvoiceID != nil {
		id := *d.InvoiceID
		s.InvoiceID = &id
	}
	if n, err := CodeNumber(d.FormattedCode); err == nil {
		s.CodeNumber = &n
	}
	return s
}

// NewDocument is the input for creating a document through the allocator
type NewDocument struct {
	TenantID   uuid.UUID
	Type       DocumentType
	CustomerID uuid.UUID
	InvoiceID  *uint64
	Amount     decimal.Decimal
	Notes      string
}

// Validate checks the creation input
func (n NewDocument) Validate() error {
	if n.TenantID == uuid.Nil {
		return fmt.Errorf("%w: tenant id is required", shared.ErrInvalidInput)
	}
	if !n.Type.IsValid() {
		return fmt.Errorf("%w: unknown document type %q", shared.ErrInvalidInput, n.Type)
	}
	if n.Amount.IsNegative() {
		return fmt.Errorf("%w: amount cannot be negative", shared.ErrInvalidInput)
	}
	return nil
}

// Int64Ptr returns a pointer to v
func Int64Ptr(v int64) *int64 {
	return &v
}

// StringPtr returns a pointer to v
func StringPtr(v string) *string {
	return &v
}
