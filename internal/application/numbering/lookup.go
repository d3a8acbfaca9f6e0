package numbering

import (
	"context"
	"errors"
	"fmt"

	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/clinicdesk/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// PublicLookup resolves the public hash of a document back to the document
type PublicLookup struct {
	docs    numbering.DocumentRepository
	decoder numbering.HashVerifier
	logger  *zap.Logger
}

// NewPublicLookup creates a new PublicLookup
func NewPublicLookup(docs numbering.DocumentRepository, decoder numbering.HashVerifier, logger *zap.Logger) *PublicLookup {
	return &PublicLookup{
		docs:    docs,
		decoder: decoder,
		logger:  logger.Named("public_lookup"),
	}
}

// Resolve returns the live document of docType that owns hash.
// Opaque tokens written by hash repair are looked up directly; every other
// hash must decode to an id whose document stores exactly that hash.
// Anything else is shared.ErrDecodeFailure.
func (l *PublicLookup) Resolve(ctx context.Context, docType numbering.DocumentType, hash string) (*numbering.Document, error) {
	if !docType.IsValid() {
		return nil, fmt.Errorf("%w: unknown document type %q", shared.ErrInvalidInput, docType)
	}
	if hash == "" {
		return nil, fmt.Errorf("%w: empty hash", shared.ErrDecodeFailure)
	}

	if l.decoder.IsOpaqueToken(hash) {
		doc, err := l.docs.FindByHash(ctx, docType, hash)
		if errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown token", shared.ErrDecodeFailure)
		}
		return doc, err
	}

	id, err := l.decoder.Decode(docType, hash)
	if err != nil {
		return nil, err
	}
	doc, err := l.docs.FindByID(ctx, id)
	if errors.Is(err, shared.ErrNotFound) {
		return nil, fmt.Errorf("%w: no document %d", shared.ErrDecodeFailure, id)
	}
	if err != nil {
		return nil, err
	}
	if doc.Type != docType || doc.Hash() != hash {
		l.logger.Warn("Public hash decodes to a document that does not own it",
			zap.String("document_type", string(docType)),
			zap.Uint64("document_id", id),
		)
		return nil, fmt.Errorf("%w: hash not owned by document %d", shared.ErrDecodeFailure, id)
	}
	return doc, nil
}
