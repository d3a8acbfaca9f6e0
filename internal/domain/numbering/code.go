package numbering

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// DefaultCodeWidth is the zero-pad width observed on every document type
const DefaultCodeWidth = 6

// NumberFormat renders sequence numbers into formatted codes
type NumberFormat struct {
	Prefix string
	Width  int
}

// Format returns prefix + zero-padded sequence number, e.g. PAY-001500
func (f NumberFormat) Format(seq int64) string {
	return fmt.Sprintf("%s%0*d", f.Prefix, f.Width, seq)
}

// CodeNumber extracts the numeric suffix of a formatted code.
// It reads the trailing run of digits so it works for any prefix.
func CodeNumber(code string) (int64, error) {
	end := len(code)
	start := end
	for start > 0 && code[start-1] >= '0' && code[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, fmt.Errorf("code %q has no numeric suffix", code)
	}
	n, err := strconv.ParseInt(code[start:end], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("code %q: %w", code, err)
	}
	return n, nil
}

// Allocation is the result of a sequence allocation
type Allocation struct {
	SequenceNumber int64  `json:"sequence_number"`
	Code           string `json:"code"`
}

// FormatResolver resolves the number format of a namespace
type FormatResolver interface {
	Resolve(tenantID uuid.UUID, docType DocumentType) NumberFormat
}

// FormatTable is a FormatResolver backed by static defaults with
// optional per-tenant prefix overrides.
type FormatTable struct {
	Width           int
	Prefixes        map[DocumentType]string
	TenantOverrides map[uuid.UUID]map[DocumentType]string
}

// NewFormatTable creates a table using the built-in prefixes and width
func NewFormatTable() *FormatTable {
	prefixes := make(map[DocumentType]string, len(AllDocumentTypes()))
	for _, t := range AllDocumentTypes() {
		prefixes[t] = t.DefaultPrefix()
	}
	return &FormatTable{
		Width:           DefaultCodeWidth,
		Prefixes:        prefixes,
		TenantOverrides: make(map[uuid.UUID]map[DocumentType]string),
	}
}

// SetTenantPrefix overrides the prefix of one namespace
func (t *FormatTable) SetTenantPrefix(tenantID uuid.UUID, docType DocumentType, prefix string) {
	if t.TenantOverrides == nil {
		t.TenantOverrides = make(map[uuid.UUID]map[DocumentType]string)
	}
	if t.TenantOverrides[tenantID] == nil {
		t.TenantOverrides[tenantID] = make(map[DocumentType]string)
	}
	t.TenantOverrides[tenantID][docType] = prefix
}

// Resolve implements FormatResolver
func (t *FormatTable) Resolve(tenantID uuid.UUID, docType DocumentType) NumberFormat {
	width := t.Width
	if width <= 0 {
		width = DefaultCodeWidth
	}
	prefix, ok := t.Prefixes[docType]
	if !ok {
		prefix = docType.DefaultPrefix()
	}
	if overrides, ok := t.TenantOverrides[tenantID]; ok {
		if p, ok := overrides[docType]; ok {
			prefix = p
		}
	}
	return NumberFormat{Prefix: prefix, Width: width}
}

var _ FormatResolver = (*FormatTable)(nil)
