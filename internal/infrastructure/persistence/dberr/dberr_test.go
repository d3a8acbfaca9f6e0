package dberr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"gorm duplicated key", gorm.ErrDuplicatedKey, true},
		{"wrapped gorm duplicated key", fmt.Errorf("insert document: %w", gorm.ErrDuplicatedKey), true},
		{"pgx unique violation", &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}, true},
		{"pgx foreign key violation", &pgconn.PgError{Code: "23503"}, false},
		{"lib/pq unique violation", &pq.Error{Code: "23505"}, true},
		{"postgres text", errors.New(`ERROR: duplicate key value violates unique constraint "uk_documents_tenant_type_seq" (SQLSTATE 23505)`), true},
		{"sqlstate only", errors.New("ERROR: could not insert (SQLSTATE 23505)"), true},
		{"sqlite text", errors.New("UNIQUE constraint failed: documents.tenant_id, documents.document_type, documents.sequence_number"), true},
		{"other", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUniqueViolation(tt.err))
		})
	}
}
