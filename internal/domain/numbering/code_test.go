package numbering_test

import (
	"testing"

	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/clinicdesk/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumberFormat_Format(t *testing.T) {
	tests := []struct {
		name   string
		format numbering.NumberFormat
		seq    int64
		want   string
	}{
		{"payment", numbering.NumberFormat{Prefix: "PAY-", Width: 6}, 1500, "PAY-001500"},
		{"first invoice", numbering.NumberFormat{Prefix: "INV-", Width: 6}, 1, "INV-000001"},
		{"overflows width", numbering.NumberFormat{Prefix: "EST-", Width: 6}, 1234567, "EST-1234567"},
		{"empty prefix", numbering.NumberFormat{Width: 4}, 7, "0007"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.format.Format(tt.seq))
		})
	}
}

func TestCodeNumber(t *testing.T) {
	t.Run("parses suffix", func(t *testing.T) {
		n, err := numbering.CodeNumber("PAY-001489")
		require.NoError(t, err)
		assert.Equal(t, int64(1489), n)
	})

	t.Run("prefix with digits", func(t *testing.T) {
		n, err := numbering.CodeNumber("2024-INV-000042")
		require.NoError(t, err)
		assert.Equal(t, int64(42), n)
	})

	t.Run("no digits", func(t *testing.T) {
		_, err := numbering.CodeNumber("PAY-")
		assert.Error(t, err)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := numbering.CodeNumber("")
		assert.Error(t, err)
	})
}

func TestFormatTable_Resolve(t *testing.T) {
	table := numbering.NewFormatTable()
	tenant := uuid.New()
	other := uuid.New()
	table.SetTenantPrefix(tenant, numbering.DocumentTypePayment, "RCPT-")

	assert.Equal(t, numbering.NumberFormat{Prefix: "RCPT-", Width: 6}, table.Resolve(tenant, numbering.DocumentTypePayment))
	assert.Equal(t, numbering.NumberFormat{Prefix: "PAY-", Width: 6}, table.Resolve(other, numbering.DocumentTypePayment))
	assert.Equal(t, numbering.NumberFormat{Prefix: "INV-", Width: 6}, table.Resolve(tenant, numbering.DocumentTypeInvoice))
}

func TestParseDocumentType(t *testing.T) {
	for _, name := range []string{"payment", "Invoice", " ESTIMATE ", "appointment"} {
		_, err := numbering.ParseDocumentType(name)
		assert.NoError(t, err, name)
	}

	_, err := numbering.ParseDocumentType("receipt")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestDocument_IsAligned(t *testing.T) {
	doc := numbering.Document{FormattedCode: "PAY-001490", SequenceNumber: numbering.Int64Ptr(1489)}
	assert.False(t, doc.IsAligned())

	doc.SequenceNumber = numbering.Int64Ptr(1490)
	assert.True(t, doc.IsAligned())

	doc.SequenceNumber = nil
	assert.False(t, doc.IsAligned())
}
