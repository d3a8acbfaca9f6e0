package numbering

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/clinicdesk/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// RepairKind identifies a repair plan kind
type RepairKind string

const (
	RepairKindGapFill          RepairKind = "gap_fill"
	RepairKindHashRegeneration RepairKind = "hash_regeneration"
)

// RepairState is a state of the repair workflow
type RepairState string

const (
	RepairStatePending              RepairState = "PENDING"
	RepairStateVerifyingBefore      RepairState = "VERIFYING_BEFORE"
	RepairStateApplying             RepairState = "APPLYING"
	RepairStateVerifyingAfter       RepairState = "VERIFYING_AFTER"
	RepairStateAwaitingConfirmation RepairState = "AWAITING_CONFIRMATION"
	RepairStateCommitted            RepairState = "COMMITTED"
	RepairStateRolledBack           RepairState = "ROLLED_BACK"
)

var allowedRepairTransitions = map[RepairState][]RepairState{
	RepairStatePending:              {RepairStateVerifyingBefore, RepairStateRolledBack},
	RepairStateVerifyingBefore:      {RepairStateApplying, RepairStateRolledBack},
	RepairStateApplying:             {RepairStateVerifyingAfter, RepairStateRolledBack},
	RepairStateVerifyingAfter:       {RepairStateAwaitingConfirmation, RepairStateCommitted, RepairStateRolledBack},
	RepairStateAwaitingConfirmation: {RepairStateVerifyingBefore, RepairStateRolledBack},
}

// CanTransitionTo reports whether the workflow may move from s to next.
// After confirmation the workflow re-enters VerifyingBefore to apply for real.
func (s RepairState) CanTransitionTo(next RepairState) bool {
	return slices.Contains(allowedRepairTransitions[s], next)
}

// IsTerminal reports whether s ends the workflow
func (s RepairState) IsTerminal() bool {
	return s == RepairStateCommitted || s == RepairStateRolledBack
}

// Plan is an operator-reviewed set of corrective actions
type Plan interface {
	Kind() RepairKind
	Namespaces(docType DocumentType, docs []Document) []Namespace
}

// GapFillPlan assigns a null-sequence document the number its code implies
// and shifts every later document of the namespace up by one.
type GapFillPlan struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	DocumentID uint64    `json:"document_id"`
	// MinOffByOne is the least number of affected documents whose code is
	// exactly one above their sequence number.
	MinOffByOne int `json:"min_off_by_one"`
}

// Kind implements Plan
func (GapFillPlan) Kind() RepairKind { return RepairKindGapFill }

// Namespaces implements Plan
func (p GapFillPlan) Namespaces(docType DocumentType, _ []Document) []Namespace {
	return []Namespace{{TenantID: p.TenantID, Type: docType}}
}

// HashRegenerationPlan replaces hashes that fail round-trip validation
type HashRegenerationPlan struct {
	DocumentIDs []uint64 `json:"document_ids"`
}

// Kind implements Plan
func (HashRegenerationPlan) Kind() RepairKind { return RepairKindHashRegeneration }

// Namespaces implements Plan. The result is sorted so locks are always taken
// in the same order.
func (p HashRegenerationPlan) Namespaces(docType DocumentType, docs []Document) []Namespace {
	seen := make(map[uuid.UUID]bool)
	var result []Namespace
	for _, d := range docs {
		if !slices.Contains(p.DocumentIDs, d.ID) || seen[d.TenantID] {
			continue
		}
		seen[d.TenantID] = true
		result = append(result, Namespace{TenantID: d.TenantID, Type: docType})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key() < result[j].Key() })
	return result
}

// DocumentSnapshot is a read-only copy of the fields repair compares
type DocumentSnapshot struct {
	ID             uint64    `json:"id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	Code           string    `json:"code"`
	CodeNumber     *int64    `json:"code_number,omitempty"`
	SequenceNumber *int64    `json:"sequence_number"`
	Hash           string    `json:"hash"`
	CustomerID     uuid.UUID `json:"customer_id"`
	InvoiceID      *uint64   `json:"invoice_id,omitempty"`
	Amount         string    `json:"amount"`
	Deleted        bool      `json:"deleted,omitempty"`
}

// Aligned reports whether the code suffix matches the sequence number
func (s DocumentSnapshot) Aligned() bool {
	return s.SequenceNumber != nil && s.CodeNumber != nil && *s.SequenceNumber == *s.CodeNumber
}

// SameRelationships reports whether two snapshots agree on every field
// numbering must never change: code, tenant, customer, invoice and amount.
func (s DocumentSnapshot) SameRelationships(o DocumentSnapshot) bool {
	if s.ID != o.ID || s.TenantID != o.TenantID || s.Code != o.Code ||
		s.CustomerID != o.CustomerID || s.Amount != o.Amount || s.Deleted != o.Deleted {
		return false
	}
	if (s.InvoiceID == nil) != (o.InvoiceID == nil) {
		return false
	}
	return s.InvoiceID == nil || *s.InvoiceID == *o.InvoiceID
}

// Snapshots converts documents to snapshots
func Snapshots(docs []Document) []DocumentSnapshot {
	out := make([]DocumentSnapshot, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].Snapshot())
	}
	return out
}

// SequenceChange moves one document from one sequence number to another
type SequenceChange struct {
	DocumentID uint64 `json:"document_id"`
	From       int64  `json:"from"`
	To         int64  `json:"to"`
}

// GapFillChange is the set of writes a gap-fill plan resolves to
type GapFillChange struct {
	TargetID uint64 `json:"target_id"`
	Assigned int64  `json:"assigned"`
	// Increments are ordered by descending From, not by ascending document
	// id. The sequence index is unique and not deferrable, so moving n to
	// n+1 before n+1 has moved to n+2 would fail mid-transaction. Writing
	// the highest number first keeps every intermediate state free of
	// duplicates.
	Increments  []SequenceChange `json:"increments"`
	OffByOne    int              `json:"off_by_one"`
	OldMax      int64            `json:"old_max"`
	ExpectedMax int64            `json:"expected_max"`
}

// Equal reports whether two changes describe the same writes
func (c *GapFillChange) Equal(o *GapFillChange) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.TargetID == o.TargetID && c.Assigned == o.Assigned &&
		c.ExpectedMax == o.ExpectedMax && slices.Equal(c.Increments, o.Increments)
}

// PlanGapFill checks the gap-fill preconditions against the full namespace
// (soft-deleted rows included) and resolves the writes to apply.
func PlanGapFill(plan GapFillPlan, namespace []Document) (*GapFillChange, error) {
	idx := slices.IndexFunc(namespace, func(d Document) bool { return d.ID == plan.DocumentID })
	if idx < 0 {
		return nil, fmt.Errorf("%w: document %d is not in namespace %s", shared.ErrPreconditionFailed, plan.DocumentID, plan.TenantID)
	}
	target := namespace[idx]
	if target.TenantID != plan.TenantID {
		return nil, fmt.Errorf("%w: document %d belongs to tenant %s", shared.ErrPreconditionFailed, target.ID, target.TenantID)
	}
	if target.SequenceNumber != nil {
		return nil, fmt.Errorf("%w: document %d already has sequence number %d", shared.ErrPreconditionFailed, target.ID, *target.SequenceNumber)
	}
	assigned, err := CodeNumber(target.FormattedCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrPreconditionFailed, err)
	}
	if assigned <= 0 {
		return nil, fmt.Errorf("%w: code %q implies non-positive sequence %d", shared.ErrPreconditionFailed, target.FormattedCode, assigned)
	}
	if dups := FindDuplicates(namespace); len(dups) > 0 {
		return nil, fmt.Errorf("%w: namespace already holds %d duplicate sequence groups", shared.ErrPreconditionFailed, len(dups))
	}

	change := &GapFillChange{TargetID: target.ID, Assigned: assigned}
	for _, d := range namespace {
		if d.SequenceNumber == nil {
			continue
		}
		seq := *d.SequenceNumber
		if seq > change.OldMax {
			change.OldMax = seq
		}
		if seq < assigned {
			continue
		}
		change.Increments = append(change.Increments, SequenceChange{DocumentID: d.ID, From: seq, To: seq + 1})
		if n, err := CodeNumber(d.FormattedCode); err == nil && n-seq == 1 {
			change.OffByOne++
		}
	}
	sort.Slice(change.Increments, func(i, j int) bool {
		return change.Increments[i].From > change.Increments[j].From
	})

	if change.OffByOne < plan.MinOffByOne {
		return nil, fmt.Errorf("%w: found %d off-by-one documents, plan requires at least %d",
			shared.ErrPreconditionFailed, change.OffByOne, plan.MinOffByOne)
	}
	// shifting an aligned document would misalign it
	if aligned := len(change.Increments) - change.OffByOne; aligned > 0 {
		return nil, fmt.Errorf("%w: %d of %d later documents are not one above their sequence",
			shared.ErrPreconditionFailed, aligned, len(change.Increments))
	}

	if len(change.Increments) > 0 {
		change.ExpectedMax = change.OldMax + 1
	} else {
		change.ExpectedMax = max(change.OldMax, assigned)
	}
	return change, nil
}

// VerifyGapFill checks the namespace after the gap-fill writes: the planned
// numbers are in place, nothing else moved, no duplicates exist, every
// touched document is aligned and relationships are unchanged.
func VerifyGapFill(change *GapFillChange, before, after []Document) error {
	if len(before) != len(after) {
		return fmt.Errorf("document count changed from %d to %d", len(before), len(after))
	}
	expected := make(map[uint64]int64, len(change.Increments)+1)
	for _, inc := range change.Increments {
		expected[inc.DocumentID] = inc.To
	}
	expected[change.TargetID] = change.Assigned

	afterByID := make(map[uint64]DocumentSnapshot, len(after))
	var highest int64
	for i := range after {
		s := after[i].Snapshot()
		afterByID[s.ID] = s
		if s.SequenceNumber != nil && *s.SequenceNumber > highest {
			highest = *s.SequenceNumber
		}
	}

	for i := range before {
		b := before[i].Snapshot()
		a, ok := afterByID[b.ID]
		if !ok {
			return fmt.Errorf("document %d disappeared", b.ID)
		}
		if !b.SameRelationships(a) {
			return fmt.Errorf("document %d relationships changed", b.ID)
		}
		if b.Hash != a.Hash {
			return fmt.Errorf("document %d hash changed", b.ID)
		}
		want, touched := expected[b.ID]
		if !touched {
			if !sameSequence(b.SequenceNumber, a.SequenceNumber) {
				return fmt.Errorf("document %d sequence changed outside the plan", b.ID)
			}
			continue
		}
		if a.SequenceNumber == nil || *a.SequenceNumber != want {
			return fmt.Errorf("document %d sequence is %s, want %d", b.ID, formatSeq(a.SequenceNumber), want)
		}
		if !a.Aligned() {
			return fmt.Errorf("document %d code %s is not aligned with sequence %d", b.ID, a.Code, want)
		}
	}

	if dups := FindDuplicates(after); len(dups) > 0 {
		return fmt.Errorf("%d duplicate sequence groups after repair", len(dups))
	}
	if highest != change.ExpectedMax {
		return fmt.Errorf("max sequence is %d, want %d", highest, change.ExpectedMax)
	}
	return nil
}

// HashChange records the outcome of regenerating one document's hash
type HashChange struct {
	DocumentID uint64    `json:"document_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	From       string    `json:"from"`
	To         string    `json:"to,omitempty"`
	Opaque     bool      `json:"opaque"`
	Attempts   int       `json:"attempts"`
	Err        error     `json:"-"`
}

// Failed reports whether the record could not be repaired
func (c HashChange) Failed() bool {
	return c.Err != nil
}

// CheckHashRegeneration verifies that every listed document exists and
// currently fails hash validation. Opaque tokens are not violations.
func CheckHashRegeneration(plan HashRegenerationPlan, docType DocumentType, docs []Document, verifier HashVerifier) ([]Document, error) {
	if len(plan.DocumentIDs) == 0 {
		return nil, fmt.Errorf("%w: plan lists no documents", shared.ErrPreconditionFailed)
	}
	byID := make(map[uint64]Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	ids := slices.Clone(plan.DocumentIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	targets := make([]Document, 0, len(ids))
	for _, id := range ids {
		d, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: document %d not found for type %s", shared.ErrPreconditionFailed, id, docType)
		}
		if d.UniqueHash != nil && *d.UniqueHash != "" {
			if err := VerifyHash(verifier, docType, *d.UniqueHash, d.ID); err == nil {
				return nil, fmt.Errorf("%w: document %d hash already verifies", shared.ErrPreconditionFailed, d.ID)
			}
		}
		targets = append(targets, d)
	}
	return targets, nil
}

// VerifyHashRegeneration checks the type after hash writes: repaired records
// verify, failed records are untouched, hashes are unique within the type and
// no relationship or sequence changed.
func VerifyHashRegeneration(changes []HashChange, docType DocumentType, before, after []Document, verifier HashVerifier) error {
	if len(before) != len(after) {
		return fmt.Errorf("document count changed from %d to %d", len(before), len(after))
	}
	changed := make(map[uint64]HashChange, len(changes))
	for _, c := range changes {
		changed[c.DocumentID] = c
	}
	afterByID := make(map[uint64]DocumentSnapshot, len(after))
	seen := make(map[string]uint64, len(after))
	for i := range after {
		s := after[i].Snapshot()
		afterByID[s.ID] = s
		if s.Hash == "" {
			continue
		}
		if other, dup := seen[s.Hash]; dup {
			return fmt.Errorf("documents %d and %d share hash %q", other, s.ID, s.Hash)
		}
		seen[s.Hash] = s.ID
	}

	for i := range before {
		b := before[i].Snapshot()
		a, ok := afterByID[b.ID]
		if !ok {
			return fmt.Errorf("document %d disappeared", b.ID)
		}
		if !b.SameRelationships(a) || !sameSequence(b.SequenceNumber, a.SequenceNumber) {
			return fmt.Errorf("document %d changed outside its hash", b.ID)
		}
		c, touched := changed[b.ID]
		if !touched || c.Failed() {
			if a.Hash != b.Hash {
				return fmt.Errorf("document %d hash changed outside the plan", b.ID)
			}
			continue
		}
		if a.Hash != c.To || a.Hash == c.From {
			return fmt.Errorf("document %d hash is %q, want new hash %q", b.ID, a.Hash, c.To)
		}
		if err := VerifyHash(verifier, docType, a.Hash, a.ID); err != nil {
			return fmt.Errorf("document %d: %w", b.ID, err)
		}
	}
	return nil
}

// RecordOutcome is the per-record result of a repair
type RecordOutcome struct {
	DocumentID uint64 `json:"document_id"`
	Before     string `json:"before"`
	After      string `json:"after"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// Record outcome statuses
const (
	RecordStatusRepaired = "repaired"
	RecordStatusFailed   = "failed"
)

// ChangeSummary is shown to the operator before a repair commits
type ChangeSummary struct {
	Kind         RepairKind         `json:"kind"`
	DocumentType DocumentType       `json:"document_type"`
	Namespaces   []Namespace        `json:"namespaces"`
	Before       []DocumentSnapshot `json:"before"`
	After        []DocumentSnapshot `json:"after"`
	Records      []RecordOutcome    `json:"records"`
}

// Confirmer gates a repair commit on an explicit operator acknowledgment
type Confirmer interface {
	Confirm(ctx context.Context, summary ChangeSummary) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer
type ConfirmFunc func(ctx context.Context, summary ChangeSummary) (bool, error)

// Confirm implements Confirmer
func (f ConfirmFunc) Confirm(ctx context.Context, summary ChangeSummary) (bool, error) {
	return f(ctx, summary)
}

// RepairResult reports what a repair run did
type RepairResult struct {
	Kind         RepairKind         `json:"kind"`
	DocumentType DocumentType       `json:"document_type"`
	State        RepairState        `json:"state"`
	Transitions  []RepairState      `json:"transitions"`
	Before       []DocumentSnapshot `json:"before"`
	After        []DocumentSnapshot `json:"after"`
	Records      []RecordOutcome    `json:"records"`
	Modified     int                `json:"modified"`
	NextCode     string             `json:"next_code,omitempty"`
	Verified     bool               `json:"verified"`
}

// Suggestions are plans derived from an audit report for operator review.
// They are never applied automatically.
type Suggestions struct {
	GapFills         []GapFillPlan         `json:"gap_fills"`
	HashRegeneration *HashRegenerationPlan `json:"hash_regeneration,omitempty"`
}

// SuggestPlans derives candidate repair plans from a report
func SuggestPlans(report *Report) Suggestions {
	s := Suggestions{GapFills: []GapFillPlan{}}
	for _, target := range report.MisalignedCodes {
		if target.Reason != ReasonNullSequence || target.CodeNumber == nil {
			continue
		}
		offByOne := 0
		for _, m := range report.MisalignedCodes {
			if m.TenantID == target.TenantID && m.Offset != nil && *m.Offset == 1 &&
				*m.SequenceNumber >= *target.CodeNumber {
				offByOne++
			}
		}
		s.GapFills = append(s.GapFills, GapFillPlan{
			TenantID:    target.TenantID,
			DocumentID:  target.DocumentID,
			MinOffByOne: offByOne,
		})
	}
	if len(report.UndecodableHashes) > 0 {
		ids := make([]uint64, 0, len(report.UndecodableHashes))
		for _, f := range report.UndecodableHashes {
			ids = append(ids, f.DocumentID)
		}
		s.HashRegeneration = &HashRegenerationPlan{DocumentIDs: ids}
	}
	return s
}

func sameSequence(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func formatSeq(v *int64) string {
	if v == nil {
		return "NULL"
	}
	return fmt.Sprintf("%d", *v)
}
