package numbering

import (
	"context"
	"fmt"

	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/clinicdesk/backend/internal/domain/shared"
	"go.uber.org/zap"
)

// Auditor runs read-only consistency checks over one document type
type Auditor struct {
	docs     numbering.DocumentRepository
	counters numbering.CounterRepository
	verifier numbering.HashVerifier
	logger   *zap.Logger
}

// NewAuditor creates a new Auditor
func NewAuditor(
	docs numbering.DocumentRepository,
	counters numbering.CounterRepository,
	verifier numbering.HashVerifier,
	logger *zap.Logger,
) *Auditor {
	return &Auditor{
		docs:     docs,
		counters: counters,
		verifier: verifier,
		logger:   logger.Named("auditor"),
	}
}

// Audit reports duplicate sequences, misaligned codes and undecodable hashes
// among the live documents of docType. It never writes.
func (a *Auditor) Audit(ctx context.Context, docType numbering.DocumentType) (*numbering.Report, error) {
	if !docType.IsValid() {
		return nil, fmt.Errorf("%w: unknown document type %q", shared.ErrInvalidInput, docType)
	}
	docs, err := a.docs.ListByType(ctx, docType)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s documents: %w", docType, err)
	}
	counters, err := a.counters.ListByType(ctx, docType)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s counters: %w", docType, err)
	}

	report := numbering.AuditDocuments(docType, docs, counters, a.verifier)

	fields := []zap.Field{
		zap.String("document_type", string(docType)),
		zap.Int("documents", report.DocumentCount),
		zap.Int("duplicates", len(report.DuplicateSequences)),
		zap.Int("misaligned", len(report.MisalignedCodes)),
		zap.Int("undecodable", len(report.UndecodableHashes)),
		zap.Int("counter_lag", len(report.CounterLag)),
	}
	if report.Clean() {
		a.logger.Info("Audit clean", fields...)
	} else {
		a.logger.Warn("Audit found violations", fields...)
	}
	return report, nil
}

// Suggest audits docType and derives candidate repair plans for review
func (a *Auditor) Suggest(ctx context.Context, docType numbering.DocumentType) (*numbering.Report, numbering.Suggestions, error) {
	report, err := a.Audit(ctx, docType)
	if err != nil {
		return nil, numbering.Suggestions{}, err
	}
	return report, numbering.SuggestPlans(report), nil
}
