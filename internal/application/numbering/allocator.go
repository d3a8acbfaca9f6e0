// Package numbering implements the numbering services: the sequence
// allocator, the consistency auditor and the repair workflow.
package numbering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/clinicdesk/backend/internal/domain/shared"
	"github.com/clinicdesk/backend/internal/infrastructure/logger"
	"github.com/clinicdesk/backend/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AllocatorConfig bounds allocation retries
type AllocatorConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultAllocatorConfig returns the default retry policy
func DefaultAllocatorConfig() AllocatorConfig {
	return AllocatorConfig{
		MaxAttempts:     100,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
	}
}

// Allocator assigns sequence numbers, codes and hashes to new documents
type Allocator struct {
	txScope TransactionScope
	docs    numbering.DocumentRepository
	counter numbering.CounterRepository
	formats numbering.FormatResolver
	codec   HashCodec
	cfg     AllocatorConfig
	logger  *zap.Logger
	metrics *telemetry.NumberingMetrics
}

// NewAllocator creates a new Allocator
func NewAllocator(
	txScope TransactionScope,
	docs numbering.DocumentRepository,
	counter numbering.CounterRepository,
	formats numbering.FormatResolver,
	codec HashCodec,
	cfg AllocatorConfig,
	logger *zap.Logger,
) *Allocator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Allocator{
		txScope: txScope,
		docs:    docs,
		counter: counter,
		formats: formats,
		codec:   codec,
		cfg:     cfg,
		logger:  logger.Named("allocator"),
	}
}

// SetMetrics sets the numbering metrics collector
func (a *Allocator) SetMetrics(m *telemetry.NumberingMetrics) {
	a.metrics = m
}

// Allocate reserves the next sequence number and code of a namespace for a
// collaborator that inserts its own row.
func (a *Allocator) Allocate(ctx context.Context, tenantID uuid.UUID, docType numbering.DocumentType) (numbering.Allocation, error) {
	if !docType.IsValid() {
		return numbering.Allocation{}, fmt.Errorf("%w: unknown document type %q", shared.ErrInvalidInput, docType)
	}
	ctx, span := telemetry.StartServiceSpan(ctx, "allocator", "allocate",
		telemetry.SpanAttrTenantID, tenantID.String(),
		telemetry.SpanAttrDocumentType, string(docType),
	)
	defer span.End()

	ns := numbering.Namespace{TenantID: tenantID, Type: docType}
	var alloc numbering.Allocation
	err := a.withRetry(ctx, ns, func() error {
		return a.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
			var err error
			alloc, err = a.next(ctx, repos, ns)
			return err
		})
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return numbering.Allocation{}, err
	}
	telemetry.SetAttributes(span, telemetry.SpanAttrSequence, alloc.SequenceNumber)
	return alloc, nil
}

// CreateDocument inserts a document with its sequence number, code and hash
// assigned atomically in one transaction.
func (a *Allocator) CreateDocument(ctx context.Context, input numbering.NewDocument) (*numbering.Document, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartServiceSpan(ctx, "allocator", "create_document",
		telemetry.SpanAttrTenantID, input.TenantID.String(),
		telemetry.SpanAttrDocumentType, string(input.Type),
	)
	defer span.End()

	ns := numbering.Namespace{TenantID: input.TenantID, Type: input.Type}
	var created *numbering.Document
	err := a.withRetry(ctx, ns, func() error {
		return a.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
			alloc, err := a.next(ctx, repos, ns)
			if err != nil {
				return err
			}
			seq := alloc.SequenceNumber
			doc := &numbering.Document{
				TenantID:       input.TenantID,
				Type:           input.Type,
				SequenceNumber: &seq,
				FormattedCode:  alloc.Code,
				CustomerID:     input.CustomerID,
				InvoiceID:      input.InvoiceID,
				Amount:         input.Amount,
				Notes:          input.Notes,
			}
			if err := repos.Documents().Create(ctx, doc); err != nil {
				return err
			}
			hash, err := a.assignHash(ctx, repos, doc)
			if err != nil {
				return err
			}
			doc.UniqueHash = &hash
			created = doc
			return nil
		})
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetAttributes(span, telemetry.SpanAttrSequence, created.Sequence())

	logger.WithTraceContext(ctx, a.logger).Info("Document created",
		zap.String("tenant_id", created.TenantID.String()),
		zap.String("document_type", string(created.Type)),
		zap.Int64("sequence", created.Sequence()),
		zap.String("code", created.FormattedCode),
		zap.Uint64("document_id", created.ID),
	)
	return created, nil
}

// PeekNext returns the code the next allocation would receive, without
// reserving it.
func (a *Allocator) PeekNext(ctx context.Context, tenantID uuid.UUID, docType numbering.DocumentType) (numbering.Allocation, error) {
	if !docType.IsValid() {
		return numbering.Allocation{}, fmt.Errorf("%w: unknown document type %q", shared.ErrInvalidInput, docType)
	}
	return peekNext(ctx, a.docs, a.counter, a.formats, numbering.Namespace{TenantID: tenantID, Type: docType})
}

func peekNext(
	ctx context.Context,
	docs numbering.DocumentRepository,
	counters numbering.CounterRepository,
	formats numbering.FormatResolver,
	ns numbering.Namespace,
) (numbering.Allocation, error) {
	scanMax, err := docs.MaxSequence(ctx, ns)
	if err != nil {
		return numbering.Allocation{}, err
	}
	counter, err := counters.Get(ctx, ns)
	if err != nil {
		return numbering.Allocation{}, err
	}
	seq := max(scanMax, counter) + 1
	return numbering.Allocation{
		SequenceNumber: seq,
		Code:           formats.Resolve(ns.TenantID, ns.Type).Format(seq),
	}, nil
}

// next computes and reserves the next number inside the caller's transaction.
// The counter row never falls behind the scanned maximum, so a document
// inserted around the allocator cannot make it hand out a used number.
func (a *Allocator) next(ctx context.Context, repos TransactionalRepositories, ns numbering.Namespace) (numbering.Allocation, error) {
	scanMax, err := repos.Documents().MaxSequence(ctx, ns)
	if err != nil {
		return numbering.Allocation{}, err
	}
	seq, err := repos.Counters().Next(ctx, ns, scanMax+1)
	if err != nil {
		return numbering.Allocation{}, err
	}
	return numbering.Allocation{
		SequenceNumber: seq,
		Code:           a.formats.Resolve(ns.TenantID, ns.Type).Format(seq),
	}, nil
}

// assignHash stores the deterministic hash of the new document. If another
// document already holds that value a random opaque token is used instead.
func (a *Allocator) assignHash(ctx context.Context, repos TransactionalRepositories, doc *numbering.Document) (string, error) {
	hash, err := a.codec.Encode(doc.Type, doc.ID)
	if err != nil {
		return "", err
	}
	taken, err := repos.Documents().HashExists(ctx, doc.Type, hash, doc.ID)
	if err != nil {
		return "", err
	}
	if taken {
		a.logger.Warn("Deterministic hash taken, using opaque token",
			zap.String("document_type", string(doc.Type)),
			zap.Uint64("document_id", doc.ID),
		)
		if hash, err = a.codec.RandomToken(); err != nil {
			return "", err
		}
	}
	if err := repos.Documents().UpdateHash(ctx, doc.ID, hash); err != nil {
		return "", err
	}
	return hash, nil
}

// withRetry runs op until it succeeds, fails with a non-retryable error, or
// exhausts the attempt budget. Only unique violations are retried; every
// retry and the final outcome are recorded on the span and the metrics.
func (a *Allocator) withRetry(ctx context.Context, ns numbering.Namespace, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.cfg.InitialInterval
	eb.MaxInterval = a.cfg.MaxInterval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(a.cfg.MaxAttempts-1)), ctx)

	span := telemetry.SpanFromContext(ctx)
	docType := string(ns.Type)
	start := time.Now()
	attempts := 0
	var lastConflict error
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, shared.ErrAlreadyExists) {
			lastConflict = err
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		a.metrics.RecordAllocationRetry(ctx, docType)
		telemetry.AddEvent(span, "allocation_retry", telemetry.SpanAttrAttempts, attempts)
		a.logger.Debug("Allocation race, retrying",
			zap.String("tenant_id", ns.TenantID.String()),
			zap.String("document_type", docType),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
		)
	})
	telemetry.SetAttributes(span, telemetry.SpanAttrAttempts, attempts)
	if err == nil {
		a.metrics.RecordAllocation(ctx, docType, telemetry.AllocationOutcomeSuccess, time.Since(start))
		return nil
	}
	if lastConflict != nil && errors.Is(err, shared.ErrAlreadyExists) {
		a.metrics.RecordAllocation(ctx, docType, telemetry.AllocationOutcomeConflict, time.Since(start))
		logger.WithTraceContext(ctx, a.logger).Error("Allocation retries exhausted",
			zap.String("tenant_id", ns.TenantID.String()),
			zap.String("document_type", docType),
			zap.Int("attempts", attempts),
		)
		return fmt.Errorf("%w: %s after %d attempts", shared.ErrAllocationConflict, ns, attempts)
	}
	a.metrics.RecordAllocation(ctx, docType, telemetry.AllocationOutcomeError, time.Since(start))
	return err
}
