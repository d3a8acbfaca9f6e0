package numbering_test

import (
	"context"
	"testing"
	"time"

	appnum "github.com/clinicdesk/backend/internal/application/numbering"
	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/clinicdesk/backend/internal/infrastructure/hashid"
	"github.com/clinicdesk/backend/internal/infrastructure/lock"
	"github.com/clinicdesk/backend/internal/infrastructure/persistence"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	db        *persistence.Database
	docs      *persistence.GormDocumentRepository
	counters  *persistence.GormCounterRepository
	scope     *persistence.GormTransactionScope
	codec     *hashid.Codec
	formats   *numbering.FormatTable
	locker    *lock.MemoryLocker
	allocator *appnum.Allocator
	auditor   *appnum.Auditor
	repair    *appnum.RepairService
	tenant    uuid.UUID
	customer  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := persistence.OpenSQLite(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	codec, err := hashid.NewCodec(hashid.Config{Salt: "test-salt"})
	require.NoError(t, err)

	f := &fixture{
		db:       db,
		docs:     persistence.NewGormDocumentRepository(db.DB),
		counters: persistence.NewGormCounterRepository(db.DB),
		scope:    persistence.NewGormTransactionScope(db.DB),
		codec:    codec,
		formats:  numbering.NewFormatTable(),
		locker:   lock.NewMemoryLocker(),
		tenant:   uuid.New(),
		customer: uuid.New(),
	}
	f.allocator = appnum.NewAllocator(f.scope, f.docs, f.counters, f.formats, f.codec, appnum.AllocatorConfig{
		MaxAttempts:     10,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}, zap.NewNop())
	f.auditor = appnum.NewAuditor(f.docs, f.counters, f.codec, zap.NewNop())
	f.repair = f.repairWith(f.codec, appnum.DefaultRepairConfig())
	return f
}

func (f *fixture) repairWith(codec appnum.HashCodec, cfg appnum.RepairConfig) *appnum.RepairService {
	return appnum.NewRepairService(f.scope, f.docs, f.counters, codec, f.formats, f.locker, cfg, zap.NewNop())
}

// seed inserts a document around the allocator, the way a manual insert would.
// A nil seq leaves the sequence number NULL. The hash is the document's own
// deterministic hash.
func (f *fixture) seed(t *testing.T, code string, seq *int64, invoiceID uint64) numbering.Document {
	t.Helper()
	ctx := context.Background()
	doc := &numbering.Document{
		TenantID:       f.tenant,
		Type:           numbering.DocumentTypePayment,
		SequenceNumber: seq,
		FormattedCode:  code,
		CustomerID:     f.customer,
		InvoiceID:      &invoiceID,
		Amount:         decimal.NewFromInt(250),
	}
	require.NoError(t, f.docs.Create(ctx, doc))
	hash, err := f.codec.Encode(doc.Type, doc.ID)
	require.NoError(t, err)
	require.NoError(t, f.docs.UpdateHash(ctx, doc.ID, hash))
	doc.UniqueHash = &hash
	return *doc
}

// seedCorruptedNamespace reproduces the incident: PAY-001488..PAY-001491 with
// sequence numbers 1488, NULL, 1489, 1490.
func (f *fixture) seedCorruptedNamespace(t *testing.T) []numbering.Document {
	t.Helper()
	return []numbering.Document{
		f.seed(t, "PAY-001488", numbering.Int64Ptr(1488), 9001),
		f.seed(t, "PAY-001489", nil, 9002),
		f.seed(t, "PAY-001490", numbering.Int64Ptr(1489), 9003),
		f.seed(t, "PAY-001491", numbering.Int64Ptr(1490), 9004),
	}
}

func (f *fixture) namespace() numbering.Namespace {
	return numbering.Namespace{TenantID: f.tenant, Type: numbering.DocumentTypePayment}
}

func (f *fixture) listNamespace(t *testing.T) []numbering.Document {
	t.Helper()
	docs, err := f.docs.ListNamespace(context.Background(), f.namespace())
	require.NoError(t, err)
	return docs
}

func sequences(docs []numbering.Document) []*int64 {
	out := make([]*int64, len(docs))
	for i := range docs {
		out[i] = docs[i].SequenceNumber
	}
	return out
}

func approve() numbering.Confirmer {
	return numbering.ConfirmFunc(func(context.Context, numbering.ChangeSummary) (bool, error) {
		return true, nil
	})
}

func decline() numbering.Confirmer {
	return numbering.ConfirmFunc(func(context.Context, numbering.ChangeSummary) (bool, error) {
		return false, nil
	})
}
