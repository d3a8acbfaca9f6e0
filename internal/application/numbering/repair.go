package numbering

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/clinicdesk/backend/internal/domain/shared"
	"github.com/clinicdesk/backend/internal/infrastructure/logger"
	"github.com/clinicdesk/backend/internal/infrastructure/telemetry"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RepairConfig bounds the repair workflow
type RepairConfig struct {
	// MaxAttempts is the per-record hash collision retry ceiling
	MaxAttempts int
	LockTTL     time.Duration
}

// DefaultRepairConfig returns the default repair settings
func DefaultRepairConfig() RepairConfig {
	return RepairConfig{
		MaxAttempts: 100,
		LockTTL:     30 * time.Minute,
	}
}

// errRehearsal rolls back the rehearsal transaction
var errRehearsal = errors.New("rehearsal complete")

var errStateMoved = fmt.Errorf("%w: namespace changed while awaiting confirmation", shared.ErrPreconditionFailed)

// RepairService runs operator-reviewed repair plans through the
// verify, apply, verify, confirm, commit state machine.
//
// The plan is first rehearsed in a transaction that is always rolled back.
// The operator confirms the rehearsed before/after table with no transaction
// open, then the plan is applied again for real and committed only if it
// resolves to the same writes.
type RepairService struct {
	txScope  TransactionScope
	docs     numbering.DocumentRepository
	counters numbering.CounterRepository
	codec    HashCodec
	formats  numbering.FormatResolver
	locker   Locker
	cfg      RepairConfig
	logger   *zap.Logger
	metrics  *telemetry.NumberingMetrics
}

// NewRepairService creates a new RepairService
func NewRepairService(
	txScope TransactionScope,
	docs numbering.DocumentRepository,
	counters numbering.CounterRepository,
	codec HashCodec,
	formats numbering.FormatResolver,
	locker Locker,
	cfg RepairConfig,
	logger *zap.Logger,
) *RepairService {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &RepairService{
		txScope:  txScope,
		docs:     docs,
		counters: counters,
		codec:    codec,
		formats:  formats,
		locker:   locker,
		cfg:      cfg,
		logger:   logger.Named("repair"),
	}
}

// SetMetrics sets the numbering metrics collector
func (s *RepairService) SetMetrics(m *telemetry.NumberingMetrics) {
	s.metrics = m
}

// Repair runs plan against docType. The returned result is never nil, so
// callers can report the transitions and tables of a failed run. A run that
// stops at or after VerifyingBefore carries the namespace snapshot taken
// there in Before.
func (s *RepairService) Repair(ctx context.Context, docType numbering.DocumentType, plan numbering.Plan, confirmer numbering.Confirmer) (*numbering.RepairResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "repair", "run",
		telemetry.SpanAttrDocumentType, string(docType),
	)
	defer span.End()

	result, err := s.repair(ctx, docType, plan, confirmer)
	s.record(ctx, span, result, err)
	return result, err
}

// record reports the final state of a run on its span and the metrics
func (s *RepairService) record(ctx context.Context, span trace.Span, result *numbering.RepairResult, err error) {
	failed := lo.CountBy(result.Records, func(r numbering.RecordOutcome) bool {
		return r.Status == numbering.RecordStatusFailed
	})
	telemetry.SetAttributes(span,
		telemetry.SpanAttrRepairKind, string(result.Kind),
		telemetry.SpanAttrRepairState, string(result.State),
		telemetry.SpanAttrModified, result.Modified,
	)
	telemetry.RecordError(span, err)

	docType := string(result.DocumentType)
	s.metrics.RecordRepairRun(ctx, docType, string(result.Kind), string(result.State))
	if failed > 0 && result.State == numbering.RepairStateCommitted {
		s.metrics.RecordRepairFailures(ctx, docType, failed)
	}
}

func (s *RepairService) repair(ctx context.Context, docType numbering.DocumentType, plan numbering.Plan, confirmer numbering.Confirmer) (*numbering.RepairResult, error) {
	run := &repairRun{
		result: &numbering.RepairResult{
			DocumentType: docType,
			State:        numbering.RepairStatePending,
			Transitions:  []numbering.RepairState{numbering.RepairStatePending},
			Before:       []numbering.DocumentSnapshot{},
			After:        []numbering.DocumentSnapshot{},
			Records:      []numbering.RecordOutcome{},
		},
		logger: logger.WithTraceContext(ctx, s.logger).With(zap.String("document_type", string(docType))),
	}

	plan, err := normalizePlan(plan)
	if err != nil {
		return run.abort(err)
	}
	run.result.Kind = plan.Kind()
	run.logger = run.logger.With(zap.String("kind", string(plan.Kind())))

	if !docType.IsValid() {
		return run.abort(fmt.Errorf("%w: unknown document type %q", shared.ErrInvalidInput, docType))
	}
	if confirmer == nil {
		return run.abort(fmt.Errorf("%w: repair requires a confirmer", shared.ErrInvalidInput))
	}

	namespaces, err := s.namespaces(ctx, docType, plan)
	if err != nil {
		return run.abort(err)
	}
	release, err := s.lock(ctx, namespaces)
	if err != nil {
		return run.abort(err)
	}
	defer release()

	// Rehearsal: verify, apply and verify again, then roll back.
	var rehearsal *repairPass
	err = s.txScope.Execute(ctx, func(repos TransactionalRepositories) error {
		p, err := s.cycle(ctx, repos, run, docType, plan, namespaces, nil)
		if err != nil {
			return err
		}
		rehearsal = p
		return errRehearsal
	})
	if !errors.Is(err, errRehearsal) {
		return run.abort(classify(err))
	}

	summary := rehearsal.summary(plan.Kind(), docType, namespaces)
	run.result.Before = summary.Before
	run.result.After = summary.After
	run.result.Records = summary.Records
	if err := run.moveTo(numbering.RepairStateAwaitingConfirmation); err != nil {
		return run.abort(err)
	}

	approved, err := confirmer.Confirm(ctx, summary)
	if err != nil {
		return run.abort(fmt.Errorf("%w: %w", shared.ErrRepairCancelled, err))
	}
	if !approved {
		return run.abort(shared.ErrRepairCancelled)
	}

	var applied *repairPass
	err = s.txScope.ExecuteSerializable(ctx, func(repos TransactionalRepositories) error {
		for _, ns := range namespaces {
			if err := repos.Counters().LockForUpdate(ctx, ns); err != nil {
				return fmt.Errorf("failed to lock counter %s: %w", ns, err)
			}
		}
		p, err := s.cycle(ctx, repos, run, docType, plan, namespaces, rehearsal)
		if err != nil {
			return err
		}
		applied = p
		return nil
	})
	if err != nil {
		return run.abort(classify(err))
	}
	if err := run.moveTo(numbering.RepairStateCommitted); err != nil {
		return run.abort(err)
	}

	appliedSummary := applied.summary(plan.Kind(), docType, namespaces)
	run.result.Before = appliedSummary.Before
	run.result.Records = appliedSummary.Records
	run.result.Modified = applied.modified()
	for _, rec := range run.result.Records {
		run.logger.Info("Repair record",
			zap.Uint64("document_id", rec.DocumentID),
			zap.String("before", rec.Before),
			zap.String("after", rec.After),
			zap.String("status", rec.Status),
			zap.String("error", rec.Error),
		)
	}

	return s.verifyCommitted(ctx, run, docType, namespaces, applied)
}

// namespaces resolves the namespaces a plan touches, sorted by key
func (s *RepairService) namespaces(ctx context.Context, docType numbering.DocumentType, plan numbering.Plan) ([]numbering.Namespace, error) {
	var docs []numbering.Document
	if hp, ok := plan.(numbering.HashRegenerationPlan); ok {
		if len(hp.DocumentIDs) == 0 {
			return nil, fmt.Errorf("%w: plan lists no documents", shared.ErrPreconditionFailed)
		}
		found, err := s.docs.FindByIDs(ctx, docType, hp.DocumentIDs)
		if err != nil {
			return nil, err
		}
		docs = found
	}
	namespaces := plan.Namespaces(docType, docs)
	sort.Slice(namespaces, func(i, j int) bool { return namespaces[i].Key() < namespaces[j].Key() })
	return namespaces, nil
}

// lock takes the repair lock of every namespace in order and returns a
// function releasing all of them
func (s *RepairService) lock(ctx context.Context, namespaces []numbering.Namespace) (func(), error) {
	releases := make([]func(), 0, len(namespaces))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, ns := range namespaces {
		release, err := s.locker.Acquire(ctx, RepairLockKey(ns), s.cfg.LockTTL)
		if err != nil {
			releaseAll()
			return nil, fmt.Errorf("failed to lock %s: %w", ns, err)
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// RepairLockKey is the lock key guarding repairs of one namespace
func RepairLockKey(ns numbering.Namespace) string {
	return "numbering:repair:" + ns.Key()
}

// cycle runs VerifyingBefore, Applying and VerifyingAfter inside repos'
// transaction. When expected is set, VerifyingBefore also requires the plan
// to resolve to the same records as the rehearsal did.
func (s *RepairService) cycle(
	ctx context.Context,
	repos TransactionalRepositories,
	run *repairRun,
	docType numbering.DocumentType,
	plan numbering.Plan,
	namespaces []numbering.Namespace,
	expected *repairPass,
) (pass *repairPass, err error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "repair", "cycle",
		telemetry.SpanAttrRepairKind, string(plan.Kind()),
		telemetry.SpanAttrRehearsal, expected == nil,
	)
	defer func() {
		telemetry.SetAttributes(span, telemetry.SpanAttrRepairState, string(run.result.State))
		telemetry.RecordError(span, err)
		span.End()
	}()

	if err := run.moveTo(numbering.RepairStateVerifyingBefore); err != nil {
		return nil, err
	}
	before, err := loadNamespaces(ctx, repos.Documents(), namespaces)
	if err != nil {
		return nil, err
	}
	// replaced by the affected rows once the cycle succeeds
	run.result.Before = namespaceSnapshots(before)

	switch p := plan.(type) {
	case numbering.GapFillPlan:
		return s.gapFill(ctx, repos, run, p, namespaces[0], before, expected)
	case numbering.HashRegenerationPlan:
		return s.regenerateHashes(ctx, repos, run, p, docType, namespaces, before, expected)
	default:
		return nil, fmt.Errorf("%w: unsupported plan %T", shared.ErrInvalidInput, plan)
	}
}

func (s *RepairService) gapFill(
	ctx context.Context,
	repos TransactionalRepositories,
	run *repairRun,
	plan numbering.GapFillPlan,
	ns numbering.Namespace,
	before []numbering.Document,
	expected *repairPass,
) (*repairPass, error) {
	change, err := numbering.PlanGapFill(plan, before)
	if err != nil {
		return nil, err
	}
	if expected != nil && !expected.gap.Equal(change) {
		return nil, errStateMoved
	}

	if err := run.moveTo(numbering.RepairStateApplying); err != nil {
		return nil, err
	}
	for _, inc := range change.Increments {
		if err := repos.Documents().UpdateSequence(ctx, inc.DocumentID, inc.To); err != nil {
			return nil, fmt.Errorf("%w: document %d %d->%d: %w", shared.ErrTransactionAborted, inc.DocumentID, inc.From, inc.To, err)
		}
	}
	if err := repos.Documents().UpdateSequence(ctx, change.TargetID, change.Assigned); err != nil {
		return nil, fmt.Errorf("%w: document %d ->%d: %w", shared.ErrTransactionAborted, change.TargetID, change.Assigned, err)
	}
	if err := repos.Counters().RaiseTo(ctx, ns, change.ExpectedMax); err != nil {
		return nil, fmt.Errorf("%w: counter %s: %w", shared.ErrTransactionAborted, ns, err)
	}

	if err := run.moveTo(numbering.RepairStateVerifyingAfter); err != nil {
		return nil, err
	}
	after, err := repos.Documents().ListNamespace(ctx, ns)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrTransactionAborted, err)
	}
	if err := numbering.VerifyGapFill(change, before, after); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrTransactionAborted, err)
	}
	return &repairPass{before: before, after: after, gap: change}, nil
}

func (s *RepairService) regenerateHashes(
	ctx context.Context,
	repos TransactionalRepositories,
	run *repairRun,
	plan numbering.HashRegenerationPlan,
	docType numbering.DocumentType,
	namespaces []numbering.Namespace,
	before []numbering.Document,
	expected *repairPass,
) (*repairPass, error) {
	targets, err := numbering.CheckHashRegeneration(plan, docType, before, s.codec)
	if err != nil {
		return nil, err
	}
	if expected != nil && !expected.sameTargets(targets) {
		return nil, errStateMoved
	}

	if err := run.moveTo(numbering.RepairStateApplying); err != nil {
		return nil, err
	}
	changes := make([]numbering.HashChange, 0, len(targets))
	for _, doc := range targets {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", shared.ErrTransactionAborted, err)
		}
		changes = append(changes, s.regenerateHash(ctx, repos, docType, doc))
	}

	if err := run.moveTo(numbering.RepairStateVerifyingAfter); err != nil {
		return nil, err
	}
	after, err := loadNamespaces(ctx, repos.Documents(), namespaces)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrTransactionAborted, err)
	}
	if err := numbering.VerifyHashRegeneration(changes, docType, before, after, s.codec); err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrTransactionAborted, err)
	}
	return &repairPass{before: before, after: after, hashes: changes}, nil
}

// regenerateHash replaces one document's hash. The deterministic codec value
// is tried first; collisions fall back to random tokens until the attempt
// budget runs out. Each write runs under a savepoint so a failed record
// leaves the rest of the batch intact.
func (s *RepairService) regenerateHash(ctx context.Context, repos TransactionalRepositories, docType numbering.DocumentType, doc numbering.Document) numbering.HashChange {
	change := numbering.HashChange{DocumentID: doc.ID, TenantID: doc.TenantID, From: doc.Hash()}
	savepoint := "hash_regen_" + strconv.FormatUint(doc.ID, 10)

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		change.Attempts = attempt
		candidate, opaque, err := s.candidateHash(docType, doc.ID, attempt)
		if err != nil {
			change.Err = fmt.Errorf("%w: %w", shared.ErrRepairFailed, err)
			return change
		}
		if candidate == change.From {
			continue
		}
		taken, err := repos.Documents().HashExists(ctx, docType, candidate, doc.ID)
		if err != nil {
			change.Err = fmt.Errorf("%w: %w", shared.ErrRepairFailed, err)
			return change
		}
		if taken {
			continue
		}

		if err := repos.Savepoint(savepoint); err != nil {
			change.Err = fmt.Errorf("%w: %w", shared.ErrRepairFailed, err)
			return change
		}
		if err := repos.Documents().UpdateHash(ctx, doc.ID, candidate); err != nil {
			if rbErr := repos.RollbackTo(savepoint); rbErr != nil {
				change.Err = fmt.Errorf("%w: %w", shared.ErrRepairFailed, rbErr)
				return change
			}
			if errors.Is(err, shared.ErrAlreadyExists) {
				continue
			}
			change.Err = fmt.Errorf("%w: %w", shared.ErrRepairFailed, err)
			return change
		}
		change.To = candidate
		change.Opaque = opaque
		return change
	}

	change.Err = fmt.Errorf("%w: document %d has no free hash after %d attempts", shared.ErrRepairFailed, doc.ID, s.cfg.MaxAttempts)
	return change
}

// candidateHash returns the hash to try on attempt. The first attempt is
// the deterministic codec encoding of id rather than a fresh random token:
// a repaired hash has to decode back to its own document, which is the
// round-trip check the auditor and public lookup apply. Only when that value
// is taken do later attempts fall back to random tokens, reported as opaque
// because they never decode.
func (s *RepairService) candidateHash(docType numbering.DocumentType, id uint64, attempt int) (string, bool, error) {
	if attempt == 1 {
		hash, err := s.codec.Encode(docType, id)
		return hash, false, err
	}
	token, err := s.codec.RandomToken()
	return token, true, err
}

// verifyCommitted re-reads the persisted state outside any transaction
func (s *RepairService) verifyCommitted(
	ctx context.Context,
	run *repairRun,
	docType numbering.DocumentType,
	namespaces []numbering.Namespace,
	applied *repairPass,
) (*numbering.RepairResult, error) {
	after, err := loadNamespaces(ctx, s.docs, namespaces)
	if err != nil {
		return run.result, fmt.Errorf("%w: %w", shared.ErrVerificationFailed, err)
	}
	run.result.After = affectedSnapshots(after, applied.touched())

	var verifyErr error
	if applied.gap != nil {
		verifyErr = numbering.VerifyGapFill(applied.gap, applied.before, after)
		next, err := peekNext(ctx, s.docs, s.counters, s.formats, namespaces[0])
		if err != nil {
			return run.result, fmt.Errorf("%w: %w", shared.ErrVerificationFailed, err)
		}
		run.result.NextCode = next.Code
	} else {
		verifyErr = numbering.VerifyHashRegeneration(applied.hashes, docType, applied.before, after, s.codec)
	}

	if verifyErr != nil {
		run.logger.Error("Post-commit verification failed", zap.Error(verifyErr))
		return run.result, fmt.Errorf("%w: %w", shared.ErrVerificationFailed, verifyErr)
	}
	run.result.Verified = true
	run.logger.Info("Repair committed and verified",
		zap.Int("modified", run.result.Modified),
		zap.String("next_code", run.result.NextCode),
	)
	return run.result, nil
}

// repairRun tracks one run through the state machine
type repairRun struct {
	result *numbering.RepairResult
	logger *zap.Logger
}

func (r *repairRun) moveTo(next numbering.RepairState) error {
	cur := r.result.State
	if !cur.CanTransitionTo(next) {
		return fmt.Errorf("%w: repair cannot move from %s to %s", shared.ErrInvalidState, cur, next)
	}
	r.result.State = next
	r.result.Transitions = append(r.result.Transitions, next)
	r.logger.Debug("Repair state changed", zap.String("from", string(cur)), zap.String("to", string(next)))
	return nil
}

// abort moves the run to RolledBack and returns err
func (r *repairRun) abort(err error) (*numbering.RepairResult, error) {
	if !r.result.State.IsTerminal() {
		from := r.result.State
		r.result.State = numbering.RepairStateRolledBack
		r.result.Transitions = append(r.result.Transitions, numbering.RepairStateRolledBack)
		r.logger.Warn("Repair rolled back", zap.String("from", string(from)), zap.Error(err))
	}
	return r.result, err
}

// repairPass is the outcome of one verify-apply-verify cycle
type repairPass struct {
	before []numbering.Document
	after  []numbering.Document
	gap    *numbering.GapFillChange
	hashes []numbering.HashChange
}

func (p *repairPass) touched() []uint64 {
	if p.gap != nil {
		ids := lo.Map(p.gap.Increments, func(c numbering.SequenceChange, _ int) uint64 { return c.DocumentID })
		return append(ids, p.gap.TargetID)
	}
	return lo.Map(p.hashes, func(c numbering.HashChange, _ int) uint64 { return c.DocumentID })
}

func (p *repairPass) modified() int {
	if p.gap != nil {
		return len(p.gap.Increments) + 1
	}
	return lo.CountBy(p.hashes, func(c numbering.HashChange) bool { return !c.Failed() })
}

// sameTargets reports whether targets are the records this pass regenerated,
// with the same original hashes
func (p *repairPass) sameTargets(targets []numbering.Document) bool {
	if len(p.hashes) != len(targets) {
		return false
	}
	for i := range targets {
		if p.hashes[i].DocumentID != targets[i].ID || p.hashes[i].From != targets[i].Hash() {
			return false
		}
	}
	return true
}

func (p *repairPass) records() []numbering.RecordOutcome {
	if p.gap != nil {
		records := make([]numbering.RecordOutcome, 0, len(p.gap.Increments)+1)
		for _, inc := range p.gap.Increments {
			records = append(records, numbering.RecordOutcome{
				DocumentID: inc.DocumentID,
				Before:     strconv.FormatInt(inc.From, 10),
				After:      strconv.FormatInt(inc.To, 10),
				Status:     numbering.RecordStatusRepaired,
			})
		}
		records = append(records, numbering.RecordOutcome{
			DocumentID: p.gap.TargetID,
			Before:     "NULL",
			After:      strconv.FormatInt(p.gap.Assigned, 10),
			Status:     numbering.RecordStatusRepaired,
		})
		return records
	}

	records := make([]numbering.RecordOutcome, 0, len(p.hashes))
	for _, c := range p.hashes {
		rec := numbering.RecordOutcome{DocumentID: c.DocumentID, Before: c.From, After: c.To, Status: numbering.RecordStatusRepaired}
		if c.Failed() {
			rec.Status = numbering.RecordStatusFailed
			rec.After = c.From
			rec.Error = c.Err.Error()
		}
		records = append(records, rec)
	}
	return records
}

func (p *repairPass) summary(kind numbering.RepairKind, docType numbering.DocumentType, namespaces []numbering.Namespace) numbering.ChangeSummary {
	ids := p.touched()
	return numbering.ChangeSummary{
		Kind:         kind,
		DocumentType: docType,
		Namespaces:   namespaces,
		Before:       affectedSnapshots(p.before, ids),
		After:        affectedSnapshots(p.after, ids),
		Records:      p.records(),
	}
}

// namespaceSnapshots returns snapshots of every document ordered by id
func namespaceSnapshots(docs []numbering.Document) []numbering.DocumentSnapshot {
	sorted := slices.Clone(docs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return numbering.Snapshots(sorted)
}

// affectedSnapshots returns snapshots of the listed documents ordered by id
func affectedSnapshots(docs []numbering.Document, ids []uint64) []numbering.DocumentSnapshot {
	picked := lo.Filter(docs, func(d numbering.Document, _ int) bool { return lo.Contains(ids, d.ID) })
	sort.Slice(picked, func(i, j int) bool { return picked[i].ID < picked[j].ID })
	return numbering.Snapshots(picked)
}

func loadNamespaces(ctx context.Context, docs numbering.DocumentRepository, namespaces []numbering.Namespace) ([]numbering.Document, error) {
	var all []numbering.Document
	for _, ns := range namespaces {
		found, err := docs.ListNamespace(ctx, ns)
		if err != nil {
			return nil, fmt.Errorf("failed to load namespace %s: %w", ns, err)
		}
		all = append(all, found...)
	}
	return all, nil
}

// normalizePlan accepts plans by value or pointer
func normalizePlan(plan numbering.Plan) (numbering.Plan, error) {
	switch p := plan.(type) {
	case numbering.GapFillPlan, numbering.HashRegenerationPlan:
		return p, nil
	case *numbering.GapFillPlan:
		if p != nil {
			return *p, nil
		}
	case *numbering.HashRegenerationPlan:
		if p != nil {
			return *p, nil
		}
	}
	return nil, fmt.Errorf("%w: unsupported repair plan %T", shared.ErrInvalidInput, plan)
}

// classify wraps unclassified transaction errors as TransactionAborted
func classify(err error) error {
	for _, known := range []error{
		shared.ErrPreconditionFailed,
		shared.ErrTransactionAborted,
		shared.ErrInvalidInput,
		shared.ErrInvalidState,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", shared.ErrTransactionAborted, err)
}
