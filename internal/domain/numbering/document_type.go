// Package numbering holds the document identity model: per-tenant sequence
// numbers, their formatted codes, the public hash carried by every document,
// and the audit/repair rules that keep the three consistent.
package numbering

import (
	"fmt"
	"strings"

	"github.com/clinicdesk/backend/internal/domain/shared"
)

// DocumentType is a numbering namespace and hash context
type DocumentType string

const (
	DocumentTypePayment     DocumentType = "payment"
	DocumentTypeInvoice     DocumentType = "invoice"
	DocumentTypeEstimate    DocumentType = "estimate"
	DocumentTypeAppointment DocumentType = "appointment"
)

// AllDocumentTypes returns every supported document type
func AllDocumentTypes() []DocumentType {
	return []DocumentType{
		DocumentTypePayment,
		DocumentTypeInvoice,
		DocumentTypeEstimate,
		DocumentTypeAppointment,
	}
}

// IsValid reports whether the type is one of the supported document types
func (t DocumentType) IsValid() bool {
	switch t {
	case DocumentTypePayment, DocumentTypeInvoice, DocumentTypeEstimate, DocumentTypeAppointment:
		return true
	}
	return false
}

// DefaultPrefix returns the code prefix used when no tenant override exists
func (t DocumentType) DefaultPrefix() string {
	switch t {
	case DocumentTypePayment:
		return "PAY-"
	case DocumentTypeInvoice:
		return "INV-"
	case DocumentTypeEstimate:
		return "EST-"
	case DocumentTypeAppointment:
		return "APT-"
	}
	return ""
}

func (t DocumentType) String() string {
	return string(t)
}

// ParseDocumentType parses a document type name, case-insensitively
func ParseDocumentType(s string) (DocumentType, error) {
	t := DocumentType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: unknown document type %q", shared.ErrInvalidInput, s)
	}
	return t, nil
}
