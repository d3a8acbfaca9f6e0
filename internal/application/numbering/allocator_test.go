package numbering_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	appnum "github.com/clinicdesk/backend/internal/application/numbering"
	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/clinicdesk/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newPayment(f *fixture) numbering.NewDocument {
	return numbering.NewDocument{
		TenantID:   f.tenant,
		Type:       numbering.DocumentTypePayment,
		CustomerID: f.customer,
		Amount:     decimal.NewFromInt(120),
	}
}

func TestAllocator_CreateDocument(t *testing.T) {
	ctx := context.Background()

	t.Run("first document of an empty namespace gets 1", func(t *testing.T) {
		f := newFixture(t)

		doc, err := f.allocator.CreateDocument(ctx, newPayment(f))
		require.NoError(t, err)

		assert.Equal(t, int64(1), doc.Sequence())
		assert.Equal(t, "PAY-000001", doc.FormattedCode)
		require.NotNil(t, doc.UniqueHash)
		decoded, err := f.codec.Decode(numbering.DocumentTypePayment, *doc.UniqueHash)
		require.NoError(t, err)
		assert.Equal(t, doc.ID, decoded)

		stored, err := f.docs.FindByID(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, doc.FormattedCode, stored.FormattedCode)
		assert.Equal(t, *doc.UniqueHash, stored.Hash())
	})

	t.Run("numbers follow the namespace max", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "PAY-001499", numbering.Int64Ptr(1499), 1)

		doc, err := f.allocator.CreateDocument(ctx, newPayment(f))
		require.NoError(t, err)

		assert.Equal(t, int64(1500), doc.Sequence())
		assert.Equal(t, "PAY-001500", doc.FormattedCode)
	})

	t.Run("namespaces are independent", func(t *testing.T) {
		f := newFixture(t)
		f.seed(t, "PAY-000041", numbering.Int64Ptr(41), 1)

		other := newPayment(f)
		other.TenantID = uuid.New()
		doc, err := f.allocator.CreateDocument(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, int64(1), doc.Sequence())

		invoice := newPayment(f)
		invoice.Type = numbering.DocumentTypeInvoice
		doc, err = f.allocator.CreateDocument(ctx, invoice)
		require.NoError(t, err)
		assert.Equal(t, "INV-000001", doc.FormattedCode)
	})

	t.Run("counter behind a manual insert catches up", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.allocator.CreateDocument(ctx, newPayment(f))
		require.NoError(t, err)
		f.seed(t, "PAY-000010", numbering.Int64Ptr(10), 1)

		doc, err := f.allocator.CreateDocument(ctx, newPayment(f))
		require.NoError(t, err)
		assert.Equal(t, int64(11), doc.Sequence())
	})

	t.Run("counter ahead of the scan is respected", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.counters.RaiseTo(ctx, f.namespace(), 20))

		doc, err := f.allocator.CreateDocument(ctx, newPayment(f))
		require.NoError(t, err)
		assert.Equal(t, int64(21), doc.Sequence())
	})

	t.Run("soft-deleted numbers are never reused", func(t *testing.T) {
		f := newFixture(t)
		doc, err := f.allocator.CreateDocument(ctx, newPayment(f))
		require.NoError(t, err)
		require.NoError(t, f.db.DB.Exec("UPDATE documents SET deleted_at = CURRENT_TIMESTAMP WHERE id = ?", doc.ID).Error)
		require.NoError(t, f.db.DB.Exec("DELETE FROM sequence_counters").Error)

		next, err := f.allocator.CreateDocument(ctx, newPayment(f))
		require.NoError(t, err)
		assert.Equal(t, int64(2), next.Sequence())
	})

	t.Run("taken deterministic hash falls back to an opaque token", func(t *testing.T) {
		f := newFixture(t)
		first := f.seed(t, "PAY-000001", numbering.Int64Ptr(1), 1)
		squatted, err := f.codec.Encode(numbering.DocumentTypePayment, first.ID+1)
		require.NoError(t, err)
		require.NoError(t, f.docs.UpdateHash(ctx, first.ID, squatted))

		doc, err := f.allocator.CreateDocument(ctx, newPayment(f))
		require.NoError(t, err)
		require.Equal(t, first.ID+1, doc.ID)
		assert.True(t, f.codec.IsOpaqueToken(doc.Hash()))
		assert.NotEqual(t, squatted, doc.Hash())
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		f := newFixture(t)

		input := newPayment(f)
		input.Type = "receipt"
		_, err := f.allocator.CreateDocument(ctx, input)
		assert.ErrorIs(t, err, shared.ErrInvalidInput)

		input = newPayment(f)
		input.Amount = decimal.NewFromInt(-1)
		_, err = f.allocator.CreateDocument(ctx, input)
		assert.ErrorIs(t, err, shared.ErrInvalidInput)
	})
}

func TestAllocator_ConcurrentAllocations(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "PAY-001499", numbering.Int64Ptr(1499), 1)

	var wg sync.WaitGroup
	results := make([]int64, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc, err := f.allocator.CreateDocument(context.Background(), newPayment(f))
			errs[i] = err
			if err == nil {
				results[i] = doc.Sequence()
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	assert.Equal(t, []int64{1500, 1501}, results)

	report, err := f.auditor.Audit(context.Background(), numbering.DocumentTypePayment)
	require.NoError(t, err)
	assert.Empty(t, report.DuplicateSequences)
}

func TestAllocator_Allocate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.allocator.Allocate(ctx, f.tenant, numbering.DocumentTypeEstimate)
	require.NoError(t, err)
	second, err := f.allocator.Allocate(ctx, f.tenant, numbering.DocumentTypeEstimate)
	require.NoError(t, err)

	assert.Equal(t, numbering.Allocation{SequenceNumber: 1, Code: "EST-000001"}, first)
	assert.Equal(t, numbering.Allocation{SequenceNumber: 2, Code: "EST-000002"}, second)

	_, err = f.allocator.Allocate(ctx, f.tenant, "receipt")
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestAllocator_PeekNext(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.formats.SetTenantPrefix(f.tenant, numbering.DocumentTypePayment, "RCPT-")
	f.seed(t, "RCPT-000007", numbering.Int64Ptr(7), 1)

	peek, err := f.allocator.PeekNext(ctx, f.tenant, numbering.DocumentTypePayment)
	require.NoError(t, err)
	assert.Equal(t, numbering.Allocation{SequenceNumber: 8, Code: "RCPT-000008"}, peek)

	again, err := f.allocator.PeekNext(ctx, f.tenant, numbering.DocumentTypePayment)
	require.NoError(t, err)
	assert.Equal(t, peek, again)

	counter, err := f.counters.Get(ctx, f.namespace())
	require.NoError(t, err)
	assert.Zero(t, counter)
}

// scriptedScope fails every transaction with err
type scriptedScope struct {
	err   error
	calls int
}

func (s *scriptedScope) Execute(context.Context, func(appnum.TransactionalRepositories) error) error {
	s.calls++
	return s.err
}

func (s *scriptedScope) ExecuteSerializable(ctx context.Context, fn func(appnum.TransactionalRepositories) error) error {
	return s.Execute(ctx, fn)
}

func TestAllocator_Retry(t *testing.T) {
	ctx := context.Background()
	cfg := appnum.AllocatorConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	t.Run("unique violations exhaust into ALLOCATION_CONFLICT", func(t *testing.T) {
		f := newFixture(t)
		scope := &scriptedScope{err: fmt.Errorf("%w: duplicate key value", shared.ErrAlreadyExists)}
		core, logs := observer.New(zap.DebugLevel)
		allocator := appnum.NewAllocator(scope, f.docs, f.counters, f.formats, f.codec, cfg, zap.New(core))

		_, err := allocator.Allocate(ctx, f.tenant, numbering.DocumentTypePayment)

		assert.ErrorIs(t, err, shared.ErrAllocationConflict)
		assert.Equal(t, 3, scope.calls)
		assert.Equal(t, 2, logs.FilterMessage("Allocation race, retrying").Len())
		assert.Equal(t, 1, logs.FilterMessage("Allocation retries exhausted").Len())
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		f := newFixture(t)
		boom := errors.New("connection reset")
		scope := &scriptedScope{err: boom}
		allocator := appnum.NewAllocator(scope, f.docs, f.counters, f.formats, f.codec, cfg, zap.NewNop())

		_, err := allocator.CreateDocument(ctx, newPayment(f))

		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, shared.ErrAllocationConflict)
		assert.Equal(t, 1, scope.calls)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		f := newFixture(t)
		scope := &scriptedScope{err: shared.ErrAlreadyExists}
		allocator := appnum.NewAllocator(scope, f.docs, f.counters, f.formats, f.codec,
			appnum.AllocatorConfig{MaxAttempts: 100, InitialInterval: time.Hour, MaxInterval: time.Hour}, zap.NewNop())
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err := allocator.Allocate(cctx, f.tenant, numbering.DocumentTypePayment)

		assert.Error(t, err)
		assert.Less(t, scope.calls, 100)
	})
}
