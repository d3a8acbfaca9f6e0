package numbering_test

import (
	"testing"

	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/clinicdesk/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyChange(docs []numbering.Document, change *numbering.GapFillChange) []numbering.Document {
	out := make([]numbering.Document, len(docs))
	copy(out, docs)
	for i := range out {
		if out[i].ID == change.TargetID {
			out[i].SequenceNumber = seq(change.Assigned)
		}
		for _, inc := range change.Increments {
			if out[i].ID == inc.DocumentID {
				out[i].SequenceNumber = seq(inc.To)
			}
		}
	}
	return out
}

func TestPlanGapFill(t *testing.T) {
	tenant := uuid.New()

	t.Run("resolves the incident", func(t *testing.T) {
		change, err := numbering.PlanGapFill(numbering.GapFillPlan{TenantID: tenant, DocumentID: 11, MinOffByOne: 2}, corruptedNamespace(tenant))
		require.NoError(t, err)

		assert.Equal(t, int64(1489), change.Assigned)
		assert.Equal(t, []numbering.SequenceChange{
			{DocumentID: 13, From: 1490, To: 1491},
			{DocumentID: 12, From: 1489, To: 1490},
		}, change.Increments)
		assert.Equal(t, 2, change.OffByOne)
		assert.Equal(t, int64(1490), change.OldMax)
		assert.Equal(t, int64(1491), change.ExpectedMax)
	})

	t.Run("each increment moves onto a free number", func(t *testing.T) {
		// ids run opposite to sequence numbers
		docs := []numbering.Document{
			doc(tenant, 1, "PAY-000004", seq(3)),
			doc(tenant, 2, "PAY-000003", seq(2)),
			doc(tenant, 3, "PAY-000002", nil),
			doc(tenant, 4, "PAY-000001", seq(1)),
		}
		change, err := numbering.PlanGapFill(numbering.GapFillPlan{TenantID: tenant, DocumentID: 3}, docs)
		require.NoError(t, err)
		require.Len(t, change.Increments, 2)

		taken := map[int64]bool{1: true, 2: true, 3: true}
		for _, inc := range change.Increments {
			assert.False(t, taken[inc.To], "sequence %d still held when document %d moves onto it", inc.To, inc.DocumentID)
			delete(taken, inc.From)
			taken[inc.To] = true
		}
		assert.False(t, taken[change.Assigned])
	})

	t.Run("target already numbered", func(t *testing.T) {
		docs := corruptedNamespace(tenant)
		change, err := numbering.PlanGapFill(numbering.GapFillPlan{TenantID: tenant, DocumentID: 11}, docs)
		require.NoError(t, err)
		repaired := applyChange(docs, change)

		_, err = numbering.PlanGapFill(numbering.GapFillPlan{TenantID: tenant, DocumentID: 11}, repaired)
		assert.ErrorIs(t, err, shared.ErrPreconditionFailed)
	})

	t.Run("too few off-by-one documents", func(t *testing.T) {
		_, err := numbering.PlanGapFill(numbering.GapFillPlan{TenantID: tenant, DocumentID: 11, MinOffByOne: 5}, corruptedNamespace(tenant))
		assert.ErrorIs(t, err, shared.ErrPreconditionFailed)
	})

	t.Run("aligned later documents are refused before any write", func(t *testing.T) {
		docs := []numbering.Document{
			doc(tenant, 1, "PAY-000001", seq(1)),
			doc(tenant, 2, "PAY-000002", nil),
			doc(tenant, 3, "PAY-000003", seq(2)),
			doc(tenant, 4, "PAY-000004", seq(4)),
		}
		_, err := numbering.PlanGapFill(numbering.GapFillPlan{TenantID: tenant, DocumentID: 2}, docs)
		require.ErrorIs(t, err, shared.ErrPreconditionFailed)
		assert.Contains(t, err.Error(), "1 of 2 later documents")
	})

	t.Run("unknown document", func(t *testing.T) {
		_, err := numbering.PlanGapFill(numbering.GapFillPlan{TenantID: tenant, DocumentID: 99}, corruptedNamespace(tenant))
		assert.ErrorIs(t, err, shared.ErrPreconditionFailed)
	})

	t.Run("wrong tenant", func(t *testing.T) {
		_, err := numbering.PlanGapFill(numbering.GapFillPlan{TenantID: uuid.New(), DocumentID: 11}, corruptedNamespace(tenant))
		assert.ErrorIs(t, err, shared.ErrPreconditionFailed)
	})

	t.Run("null at the top of the namespace", func(t *testing.T) {
		docs := []numbering.Document{
			doc(tenant, 1, "PAY-000001", seq(1)),
			doc(tenant, 2, "PAY-000002", nil),
		}
		change, err := numbering.PlanGapFill(numbering.GapFillPlan{TenantID: tenant, DocumentID: 2}, docs)
		require.NoError(t, err)
		assert.Empty(t, change.Increments)
		assert.Equal(t, int64(2), change.ExpectedMax)
	})
}

func TestVerifyGapFill(t *testing.T) {
	tenant := uuid.New()
	before := corruptedNamespace(tenant)
	change, err := numbering.PlanGapFill(numbering.GapFillPlan{TenantID: tenant, DocumentID: 11}, before)
	require.NoError(t, err)

	t.Run("accepts the planned writes", func(t *testing.T) {
		after := applyChange(before, change)
		require.NoError(t, numbering.VerifyGapFill(change, before, after))

		for i, want := range []int64{1488, 1489, 1490, 1491} {
			assert.Equal(t, want, *after[i].SequenceNumber)
			assert.Equal(t, before[i].FormattedCode, after[i].FormattedCode)
			assert.Equal(t, before[i].CustomerID, after[i].CustomerID)
		}
	})

	t.Run("rejects a relationship change", func(t *testing.T) {
		after := applyChange(before, change)
		after[2].CustomerID = uuid.New()
		assert.Error(t, numbering.VerifyGapFill(change, before, after))
	})

	t.Run("rejects a missed increment", func(t *testing.T) {
		after := applyChange(before, change)
		after[3].SequenceNumber = seq(1490)
		assert.Error(t, numbering.VerifyGapFill(change, before, after))
	})

	t.Run("rejects misaligned result", func(t *testing.T) {
		docs := corruptedNamespace(tenant)
		docs = append(docs, doc(tenant, 14, "PAY-001491", seq(1491)))
		c, err := numbering.PlanGapFill(numbering.GapFillPlan{TenantID: tenant, DocumentID: 11}, docs)
		require.NoError(t, err)
		assert.Error(t, numbering.VerifyGapFill(c, docs, applyChange(docs, c)))
	})
}

func TestCheckHashRegeneration(t *testing.T) {
	tenant := uuid.New()
	good := doc(tenant, 1, "PAY-000001", seq(1))
	bad := doc(tenant, 2, "PAY-000002", seq(2))
	bad.UniqueHash = numbering.StringPtr("h1")
	docs := []numbering.Document{good, bad}

	targets, err := numbering.CheckHashRegeneration(numbering.HashRegenerationPlan{DocumentIDs: []uint64{2, 2}}, numbering.DocumentTypePayment, docs, fakeVerifier{})
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, uint64(2), targets[0].ID)

	_, err = numbering.CheckHashRegeneration(numbering.HashRegenerationPlan{DocumentIDs: []uint64{1}}, numbering.DocumentTypePayment, docs, fakeVerifier{})
	assert.ErrorIs(t, err, shared.ErrPreconditionFailed)

	_, err = numbering.CheckHashRegeneration(numbering.HashRegenerationPlan{}, numbering.DocumentTypePayment, docs, fakeVerifier{})
	assert.ErrorIs(t, err, shared.ErrPreconditionFailed)
}

func TestVerifyHashRegeneration(t *testing.T) {
	tenant := uuid.New()
	other := doc(tenant, 1, "PAY-000001", seq(1))
	bad := doc(tenant, 2, "PAY-000002", seq(2))
	bad.UniqueHash = numbering.StringPtr("h1")
	before := []numbering.Document{other, bad}

	t.Run("accepts regenerated hash", func(t *testing.T) {
		fixed := bad
		fixed.UniqueHash = numbering.StringPtr("h2")
		changes := []numbering.HashChange{{DocumentID: 2, From: "h1", To: "h2"}}
		assert.NoError(t, numbering.VerifyHashRegeneration(changes, numbering.DocumentTypePayment, before, []numbering.Document{other, fixed}, fakeVerifier{}))
	})

	t.Run("rejects shared hash", func(t *testing.T) {
		changes := []numbering.HashChange{{DocumentID: 2, From: "h1", To: "h1"}}
		assert.Error(t, numbering.VerifyHashRegeneration(changes, numbering.DocumentTypePayment, before, before, fakeVerifier{}))
	})

	t.Run("rejects sequence change", func(t *testing.T) {
		fixed := bad
		fixed.UniqueHash = numbering.StringPtr("h2")
		fixed.SequenceNumber = seq(3)
		changes := []numbering.HashChange{{DocumentID: 2, From: "h1", To: "h2"}}
		assert.Error(t, numbering.VerifyHashRegeneration(changes, numbering.DocumentTypePayment, before, []numbering.Document{other, fixed}, fakeVerifier{}))
	})
}

func TestRepairState_Transitions(t *testing.T) {
	path := []numbering.RepairState{
		numbering.RepairStatePending,
		numbering.RepairStateVerifyingBefore,
		numbering.RepairStateApplying,
		numbering.RepairStateVerifyingAfter,
		numbering.RepairStateAwaitingConfirmation,
		numbering.RepairStateVerifyingBefore,
		numbering.RepairStateApplying,
		numbering.RepairStateVerifyingAfter,
		numbering.RepairStateCommitted,
	}
	for i := 1; i < len(path); i++ {
		assert.True(t, path[i-1].CanTransitionTo(path[i]), "%s -> %s", path[i-1], path[i])
	}

	assert.False(t, numbering.RepairStatePending.CanTransitionTo(numbering.RepairStateCommitted))
	assert.False(t, numbering.RepairStateCommitted.CanTransitionTo(numbering.RepairStateRolledBack))
	assert.True(t, numbering.RepairStateRolledBack.IsTerminal())
	assert.False(t, numbering.RepairStateApplying.IsTerminal())
}
