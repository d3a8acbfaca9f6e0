package handler

import (
	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/shopspring/decimal"
)

// toDecimal converts a float64 to a decimal.Decimal
func toDecimal(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// parseDocumentType reads the :type path parameter
func parseDocumentType(raw string) (numbering.DocumentType, error) {
	return numbering.ParseDocumentType(raw)
}
