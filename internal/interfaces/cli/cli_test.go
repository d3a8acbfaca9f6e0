package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/clinicdesk/backend/internal/bootstrap"
	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/clinicdesk/backend/internal/domain/shared"
	"github.com/clinicdesk/backend/internal/infrastructure/cache"
	"github.com/clinicdesk/backend/internal/infrastructure/config"
	"github.com/clinicdesk/backend/internal/infrastructure/persistence"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// env runs commands against a sqlite file shared by every invocation
type env struct {
	t      *testing.T
	path   string
	cfg    *config.Config
	tenant uuid.UUID
	deps   Deps
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		t:    t,
		path: filepath.Join(t.TempDir(), "clinic.db"),
		cfg: &config.Config{
			Numbering: config.NumberingConfig{
				HashSalt:              "cli-test",
				MaxAllocationAttempts: 5,
				MaxRepairAttempts:     10,
			},
		},
		tenant: uuid.New(),
	}
	e.deps = Deps{
		Services: func(*RootOptions, io.Writer) (*bootstrap.Services, error) {
			return e.open()
		},
		Migrator: func(*RootOptions, string, io.Writer) (MigrationRunner, error) {
			return nil, NewExitError(ExitCommandError, "no migrator in tests")
		},
	}
	return e
}

func (e *env) open() (*bootstrap.Services, error) {
	db, err := persistence.OpenSQLite(e.path, nil)
	if err != nil {
		return nil, err
	}
	return bootstrap.Wire(e.cfg, db, nil, cache.NewInMemoryDraftStore(0, 0), zap.NewNop())
}

// with runs fn against a fresh connection to the shared database
func (e *env) with(fn func(s *bootstrap.Services, docs *persistence.GormDocumentRepository)) {
	e.t.Helper()
	s, err := e.open()
	require.NoError(e.t, err)
	defer func() { require.NoError(e.t, s.Close()) }()
	fn(s, persistence.NewGormDocumentRepository(s.DB.DB))
}

// seed inserts a payment around the allocator with its own deterministic hash
func (e *env) seed(code string, seq *int64) uint64 {
	e.t.Helper()
	var id uint64
	e.with(func(s *bootstrap.Services, docs *persistence.GormDocumentRepository) {
		ctx := context.Background()
		doc := &numbering.Document{
			TenantID:       e.tenant,
			Type:           numbering.DocumentTypePayment,
			SequenceNumber: seq,
			FormattedCode:  code,
			CustomerID:     uuid.New(),
			Amount:         decimal.NewFromInt(120),
		}
		require.NoError(e.t, docs.Create(ctx, doc))
		hash, err := s.Codec.Encode(doc.Type, doc.ID)
		require.NoError(e.t, err)
		require.NoError(e.t, docs.UpdateHash(ctx, doc.ID, hash))
		id = doc.ID
	})
	return id
}

func (e *env) seedIncident() uint64 {
	e.seed("PAY-001488", numbering.Int64Ptr(1488))
	target := e.seed("PAY-001489", nil)
	e.seed("PAY-001490", numbering.Int64Ptr(1489))
	e.seed("PAY-001491", numbering.Int64Ptr(1490))
	return target
}

func (e *env) allocate(n int) {
	e.t.Helper()
	e.with(func(s *bootstrap.Services, _ *persistence.GormDocumentRepository) {
		for i := 0; i < n; i++ {
			_, err := s.Allocator.CreateDocument(context.Background(), numbering.NewDocument{
				TenantID:   e.tenant,
				Type:       numbering.DocumentTypePayment,
				CustomerID: uuid.New(),
				Amount:     decimal.NewFromInt(75),
			})
			require.NoError(e.t, err)
		}
	})
}

func (e *env) document(id uint64) *numbering.Document {
	e.t.Helper()
	var doc *numbering.Document
	e.with(func(_ *bootstrap.Services, docs *persistence.GormDocumentRepository) {
		var err error
		doc, err = docs.FindByID(context.Background(), id)
		require.NoError(e.t, err)
	})
	return doc
}

func execute(deps Deps, stdin string, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := NewRootCommand(deps)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAuditCommand(t *testing.T) {
	t.Run("clean namespace exits zero", func(t *testing.T) {
		e := newEnv(t)
		e.allocate(2)

		out, err := execute(e.deps, "", "numbering", "audit", "--type", "payment")

		require.NoError(t, err)
		assert.Contains(t, out, "payment: 2 documents, 0 violations")
	})

	t.Run("violations exit one with suggestions", func(t *testing.T) {
		e := newEnv(t)
		target := e.seedIncident()

		out, err := execute(e.deps, "", "numbering", "audit", "--type", "payment")

		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, out, "misaligned codes")
		assert.Contains(t, out, "null_sequence")
		assert.Contains(t, out, "--document "+uintString(target)+" --min-off-by-one 2")
	})

	t.Run("json output", func(t *testing.T) {
		e := newEnv(t)
		target := e.seedIncident()

		out, err := execute(e.deps, "", "numbering", "audit", "--type", "payment", "--format", "json")
		assert.Equal(t, ExitFailure, GetExitCode(err))

		var decoded auditOutput
		require.NoError(t, json.Unmarshal([]byte(out), &decoded))
		assert.False(t, decoded.Clean)
		assert.Len(t, decoded.Report.MisalignedCodes, 3)
		require.Len(t, decoded.Suggestions.GapFills, 1)
		assert.Equal(t, target, decoded.Suggestions.GapFills[0].DocumentID)
		assert.Equal(t, 2, decoded.Suggestions.GapFills[0].MinOffByOne)
	})

	t.Run("bad flags are command errors", func(t *testing.T) {
		e := newEnv(t)

		_, err := execute(e.deps, "", "numbering", "audit", "--type", "receipt")
		assert.Equal(t, ExitCommandError, GetExitCode(err))

		_, err = execute(e.deps, "", "numbering", "audit", "--type", "payment", "--format", "xml")
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}

func TestNextCommand(t *testing.T) {
	e := newEnv(t)
	e.allocate(2)

	out, err := execute(e.deps, "", "numbering", "next", "--tenant", e.tenant.String(), "--type", "payment")

	require.NoError(t, err)
	assert.Equal(t, "PAY-000003\t3\n", out)

	_, err = execute(e.deps, "", "numbering", "next", "--tenant", "clinic-7", "--type", "payment")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRepairGapFillCommand(t *testing.T) {
	args := func(e *env, target uint64) []string {
		return []string{"numbering", "repair", "gap-fill",
			"--tenant", e.tenant.String(), "--type", "payment",
			"--document", uintString(target), "--min-off-by-one", "2"}
	}

	t.Run("declined repair changes nothing", func(t *testing.T) {
		e := newEnv(t)
		target := e.seedIncident()

		out, err := execute(e.deps, "no\n", args(e, target)...)

		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.ErrorIs(t, err, shared.ErrRepairCancelled)
		assert.Contains(t, out, "SEQ BEFORE")
		assert.Contains(t, out, "Type YES to commit")
		assert.Contains(t, out, "ROLLED_BACK")
		assert.Nil(t, e.document(target).SequenceNumber)
	})

	t.Run("confirmed repair commits and verifies", func(t *testing.T) {
		e := newEnv(t)
		target := e.seedIncident()

		out, err := execute(e.deps, "YES\n", args(e, target)...)

		require.NoError(t, err, out)
		assert.Contains(t, out, "COMMITTED")
		assert.Contains(t, out, "CUSTOMER")
		assert.Contains(t, out, "INVOICE")
		assert.Contains(t, out, "after commit")
		assert.Contains(t, out, "STATUS")
		assert.NotContains(t, out, "MISMATCH")
		assert.Contains(t, out, "verified: true")

		// the target and both shifted documents are re-read and match
		afterCommit := out[strings.Index(out, "after commit"):]
		ok := lo.CountBy(strings.Split(afterCommit, "\n"), func(l string) bool {
			return strings.HasSuffix(strings.TrimSpace(l), " OK")
		})
		assert.Equal(t, 3, ok)
		require.NotNil(t, e.document(target).SequenceNumber)
		assert.EqualValues(t, 1489, *e.document(target).SequenceNumber)

		_, err = execute(e.deps, "", "numbering", "audit", "--type", "payment")
		assert.NoError(t, err)
	})

	t.Run("failed precondition", func(t *testing.T) {
		e := newEnv(t)
		target := e.seedIncident()

		out, err := execute(e.deps, "YES\n", "numbering", "repair", "gap-fill",
			"--tenant", e.tenant.String(), "--type", "payment",
			"--document", uintString(target), "--min-off-by-one", "5")

		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.ErrorIs(t, err, shared.ErrPreconditionFailed)
		assert.Nil(t, e.document(target).SequenceNumber)

		// the namespace as verified is still reported
		assert.Contains(t, out, "PENDING -> VERIFYING_BEFORE -> ROLLED_BACK")
		require.Contains(t, out, "\nbefore\n")
		before := out[strings.Index(out, "\nbefore\n"):]
		assert.Contains(t, before, "CUSTOMER")
		assert.Contains(t, before, "INVOICE")
		for _, code := range []string{"PAY-001488", "PAY-001489", "PAY-001490", "PAY-001491"} {
			assert.Contains(t, before, code)
		}
		assert.NotContains(t, out, "Type YES to commit")
	})

	t.Run("precondition defaults to the audited count", func(t *testing.T) {
		e := newEnv(t)
		target := e.seedIncident()

		out, err := execute(e.deps, "YES\n", "numbering", "repair", "gap-fill",
			"--tenant", e.tenant.String(), "--type", "payment",
			"--document", uintString(target))

		require.NoError(t, err, out)
		assert.Contains(t, out, "requiring at least 2 off-by-one documents (from audit)")
		assert.EqualValues(t, 1489, *e.document(target).SequenceNumber)
	})

	t.Run("document the audit does not suggest needs an explicit precondition", func(t *testing.T) {
		e := newEnv(t)
		e.seedIncident()
		aligned := e.seed("PAY-001492", numbering.Int64Ptr(1492))

		_, err := execute(e.deps, "YES\n", "numbering", "repair", "gap-fill",
			"--tenant", e.tenant.String(), "--type", "payment",
			"--document", uintString(aligned))

		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, err.Error(), "--min-off-by-one")
		assert.EqualValues(t, 1492, *e.document(aligned).SequenceNumber)
	})

	t.Run("negative precondition is a usage error", func(t *testing.T) {
		e := newEnv(t)
		_, err := execute(e.deps, "", "numbering", "repair", "gap-fill",
			"--tenant", e.tenant.String(), "--type", "payment",
			"--document", "1", "--min-off-by-one", "-1")
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})

	t.Run("missing flags", func(t *testing.T) {
		e := newEnv(t)
		_, err := execute(e.deps, "", "numbering", "repair", "gap-fill", "--type", "payment")
		assert.Error(t, err)
	})
}

func TestRepairHashesCommand(t *testing.T) {
	t.Run("defaults to the flagged documents", func(t *testing.T) {
		e := newEnv(t)
		e.seed("PAY-000001", numbering.Int64Ptr(1))
		broken := e.seed("PAY-000002", numbering.Int64Ptr(2))
		e.with(func(_ *bootstrap.Services, docs *persistence.GormDocumentRepository) {
			require.NoError(t, docs.UpdateHash(context.Background(), broken, "garbage"))
		})

		out, err := execute(e.deps, "YES\n", "numbering", "repair", "hashes", "--type", "payment")

		require.NoError(t, err, out)
		assert.Contains(t, out, "garbage")
		assert.Contains(t, out, numbering.RecordStatusRepaired)
		assert.NotEqual(t, "garbage", e.document(broken).Hash())

		_, err = execute(e.deps, "", "numbering", "audit", "--type", "payment")
		assert.NoError(t, err)
	})

	t.Run("nothing to repair", func(t *testing.T) {
		e := newEnv(t)
		e.allocate(1)

		out, err := execute(e.deps, "", "numbering", "repair", "hashes", "--type", "payment")

		require.NoError(t, err)
		assert.Contains(t, out, "no invalid hashes found")
	})

	t.Run("explicit id with a valid hash is refused", func(t *testing.T) {
		e := newEnv(t)
		id := e.seed("PAY-000001", numbering.Int64Ptr(1))

		_, err := execute(e.deps, "YES\n", "numbering", "repair", "hashes", "--type", "payment", "--document", uintString(id))

		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.ErrorIs(t, err, shared.ErrPreconditionFailed)
	})
}

func TestStdinConfirmer(t *testing.T) {
	summary := numbering.ChangeSummary{
		Kind:         numbering.RepairKindHashRegeneration,
		DocumentType: numbering.DocumentTypeInvoice,
	}
	tests := []struct {
		input string
		want  bool
	}{
		{"YES\n", true},
		{"YES", true},
		{"  YES  \n", true},
		{"yes\n", false},
		{"Y\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		ok, err := StdinConfirmer{In: strings.NewReader(tt.input), Out: &out}.Confirm(context.Background(), summary)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ok, "input %q", tt.input)
		assert.Contains(t, out.String(), "hash_regeneration repair of invoice")
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))

	wrapped := WrapExitError(ExitFailure, "repair failed", shared.ErrRepairCancelled)
	assert.ErrorIs(t, wrapped, shared.ErrRepairCancelled)
	assert.Equal(t, "repair failed: "+shared.ErrRepairCancelled.Error(), wrapped.Error())
}

func TestRepairExitError(t *testing.T) {
	assert.Equal(t, ExitCommandError, repairExitError(shared.ErrInvalidInput).Code)
	assert.Equal(t, ExitFailure, repairExitError(shared.ErrRepairCancelled).Code)
	assert.Equal(t, ExitFailure, repairExitError(shared.ErrLockUnavailable).Code)
	assert.Equal(t, ExitCommandError, repairExitError(assert.AnError).Code)
}

func uintString(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func TestPrintResult(t *testing.T) {
	invoice := uint64(77)
	customer := uuid.New()
	result := &numbering.RepairResult{
		Kind:        numbering.RepairKindGapFill,
		State:       numbering.RepairStateCommitted,
		Transitions: []numbering.RepairState{numbering.RepairStatePending, numbering.RepairStateCommitted},
		After: []numbering.DocumentSnapshot{
			{ID: 1, Code: "PAY-000010", SequenceNumber: numbering.Int64Ptr(10), CustomerID: customer, InvoiceID: &invoice},
			{ID: 2, Code: "PAY-000011", SequenceNumber: numbering.Int64Ptr(12), CustomerID: customer},
		},
		Records: []numbering.RecordOutcome{
			{DocumentID: 1, Before: "NULL", After: "10", Status: numbering.RecordStatusRepaired},
			{DocumentID: 2, Before: "10", After: "11", Status: numbering.RecordStatusRepaired},
		},
		Modified: 2,
		Verified: true,
	}

	t.Run("rows that differ from their record are flagged", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, printResult(&out, result, nil))

		lines := strings.Split(out.String(), "\n")
		row := func(code string) string {
			for _, l := range lines {
				if strings.Contains(l, code) {
					return l
				}
			}
			return ""
		}
		assert.True(t, strings.HasSuffix(strings.TrimSpace(row("PAY-000010")), "OK"))
		assert.Contains(t, row("PAY-000010"), "77")
		assert.Contains(t, row("PAY-000010"), customer.String())
		assert.True(t, strings.HasSuffix(strings.TrimSpace(row("PAY-000011")), "MISMATCH"))
	})

	t.Run("failed verification still prints the re-read rows", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, printResult(&out, result, shared.ErrVerificationFailed))
		assert.Contains(t, out.String(), "repair committed:")
		assert.Contains(t, out.String(), "MISMATCH")
	})
}
