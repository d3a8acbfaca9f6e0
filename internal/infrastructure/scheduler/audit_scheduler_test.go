package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeAuditor struct {
	mu      sync.Mutex
	calls   []numbering.DocumentType
	reports map[numbering.DocumentType]*numbering.Report
	errs    map[numbering.DocumentType]error
}

func (f *fakeAuditor) Audit(_ context.Context, docType numbering.DocumentType) (*numbering.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, docType)
	if err := f.errs[docType]; err != nil {
		return nil, err
	}
	if r, ok := f.reports[docType]; ok {
		return r, nil
	}
	return &numbering.Report{DocumentType: docType}, nil
}

func (f *fakeAuditor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestAuditScheduler_RunOnce(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	payment := numbering.DocumentTypePayment
	invoice := numbering.DocumentTypeInvoice
	estimate := numbering.DocumentTypeEstimate

	auditor := &fakeAuditor{
		reports: map[numbering.DocumentType]*numbering.Report{
			payment: {
				DocumentType:  payment,
				DocumentCount: 4,
				MisalignedCodes: []numbering.Misalignment{
					{DocumentID: 2, TenantID: uuid.New(), Code: "PAY-001489", Reason: "missing sequence number"},
				},
			},
		},
		errs: map[numbering.DocumentType]error{estimate: errors.New("connection reset")},
	}
	s, err := NewAuditScheduler(AuditSchedulerConfig{
		Interval: time.Hour,
		Types:    []numbering.DocumentType{payment, invoice, estimate},
	}, auditor, zap.New(core))
	require.NoError(t, err)

	status := s.RunOnce(context.Background())

	assert.Equal(t, []numbering.DocumentType{payment, invoice, estimate}, auditor.calls)
	assert.Equal(t, map[numbering.DocumentType]int{payment: 1, invoice: 0}, status.Violations)
	assert.Equal(t, "connection reset", status.Errors[estimate])
	require.NotNil(t, status.LastRunAt)

	warnings := logs.FilterMessage("Numbering violations found").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "payment", warnings[0].ContextMap()["document_type"])
	assert.Equal(t, 1, logs.FilterMessage("Numbering audit failed").Len())

	status.Violations[payment] = 99
	assert.Equal(t, 1, s.Status().Violations[payment])
}

func TestAuditScheduler_StartStop(t *testing.T) {
	t.Run("disabled when interval is zero", func(t *testing.T) {
		auditor := &fakeAuditor{}
		s, err := NewAuditScheduler(AuditSchedulerConfig{}, auditor, zap.NewNop())
		require.NoError(t, err)

		assert.False(t, s.Enabled())
		require.NoError(t, s.Start(context.Background()))
		assert.False(t, s.Status().Running)
		require.NoError(t, s.Stop(context.Background()))
	})

	t.Run("negative interval is rejected", func(t *testing.T) {
		_, err := NewAuditScheduler(AuditSchedulerConfig{Interval: -time.Second}, &fakeAuditor{}, zap.NewNop())
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("runs on every tick until stopped", func(t *testing.T) {
		auditor := &fakeAuditor{}
		s, err := NewAuditScheduler(AuditSchedulerConfig{
			Interval: 10 * time.Millisecond,
			Types:    []numbering.DocumentType{numbering.DocumentTypePayment},
		}, auditor, zap.NewNop())
		require.NoError(t, err)

		require.NoError(t, s.Start(context.Background()))
		require.NoError(t, s.Start(context.Background()))
		assert.True(t, s.Status().Running)
		assert.NotNil(t, s.Status().NextRunAt)

		assert.Eventually(t, func() bool { return auditor.callCount() >= 2 }, 2*time.Second, 5*time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, s.Stop(ctx))
		stopped := auditor.callCount()
		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, stopped, auditor.callCount())
		assert.False(t, s.Status().Running)
	})
}
