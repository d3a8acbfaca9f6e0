package numbering

import (
	"fmt"
	"sort"

	"github.com/clinicdesk/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// HashVerifier is the part of the identity hash codec the audit needs
type HashVerifier interface {
	Decode(docType DocumentType, hash string) (uint64, error)
	IsOpaqueToken(hash string) bool
}

// SequenceCounter is the persisted high-water mark of a namespace
type SequenceCounter struct {
	TenantID  uuid.UUID
	Type      DocumentType
	LastValue int64
}

// DuplicateGroup lists documents sharing one sequence number inside a namespace
type DuplicateGroup struct {
	TenantID       uuid.UUID `json:"tenant_id"`
	SequenceNumber int64     `json:"sequence_number"`
	DocumentIDs    []uint64  `json:"document_ids"`
}

// Misalignment is a document whose code suffix does not match its sequence number
type Misalignment struct {
	DocumentID     uint64    `json:"document_id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	Code           string    `json:"code"`
	SequenceNumber *int64    `json:"sequence_number"`
	CodeNumber     *int64    `json:"code_number"`
	Offset         *int64    `json:"offset,omitempty"`
	Reason         string    `json:"reason"`
}

// Misalignment reasons
const (
	ReasonNullSequence   = "null_sequence"
	ReasonUnparsableCode = "unparsable_code"
	ReasonCodeMismatch   = "code_mismatch"
)

// HashFinding is a document whose hash fails round-trip validation
type HashFinding struct {
	DocumentID uint64    `json:"document_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	Hash       string    `json:"hash"`
	DecodedID  *uint64   `json:"decoded_id,omitempty"`
	Reason     string    `json:"reason"`
}

// Hash finding reasons
const (
	ReasonNotDecodable     = "not_decodable"
	ReasonDecodesElsewhere = "decodes_to_other_document"
	ReasonMissingHash      = "missing_hash"
)

// CounterFinding reports a counter row that is behind the scanned maximum
type CounterFinding struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Counter  int64     `json:"counter"`
	ScanMax  int64     `json:"scan_max"`
}

// Report is the result of auditing one document type
type Report struct {
	DocumentType       DocumentType     `json:"document_type"`
	DocumentCount      int              `json:"document_count"`
	DuplicateSequences []DuplicateGroup `json:"duplicate_sequences"`
	MisalignedCodes    []Misalignment   `json:"misaligned_codes"`
	UndecodableHashes  []HashFinding    `json:"undecodable_hashes"`
	OpaqueTokens       []uint64         `json:"opaque_tokens"`
	CounterLag         []CounterFinding `json:"counter_lag"`
}

// ViolationCount counts duplicate, misalignment and hash findings.
// Opaque tokens and counter lag are informational.
func (r *Report) ViolationCount() int {
	return len(r.DuplicateSequences) + len(r.MisalignedCodes) + len(r.UndecodableHashes)
}

// Clean reports whether the audit found no violations
func (r *Report) Clean() bool {
	return r.ViolationCount() == 0
}

// AuditDocuments checks documents of one type for duplicate sequence numbers,
// code/sequence misalignment and hashes that do not round-trip to their owner.
// It does not mutate its inputs and its output order is deterministic.
func AuditDocuments(docType DocumentType, docs []Document, counters []SequenceCounter, verifier HashVerifier) *Report {
	sorted := make([]Document, len(docs))
	copy(sorted, docs)
	sortDocuments(sorted)

	report := &Report{
		DocumentType:       docType,
		DocumentCount:      len(sorted),
		DuplicateSequences: FindDuplicates(sorted),
		MisalignedCodes:    []Misalignment{},
		UndecodableHashes:  []HashFinding{},
		OpaqueTokens:       []uint64{},
		CounterLag:         []CounterFinding{},
	}

	for i := range sorted {
		d := &sorted[i]
		if m, ok := checkAlignment(d); !ok {
			report.MisalignedCodes = append(report.MisalignedCodes, m)
		}
		finding, opaque, ok := checkHash(docType, d, verifier)
		if opaque {
			report.OpaqueTokens = append(report.OpaqueTokens, d.ID)
		} else if !ok {
			report.UndecodableHashes = append(report.UndecodableHashes, finding)
		}
	}

	report.CounterLag = findCounterLag(sorted, counters)
	return report
}

// FindDuplicates groups documents by (tenant, sequence number) and returns
// every group with more than one member. Documents without a sequence are ignored.
func FindDuplicates(docs []Document) []DuplicateGroup {
	type key struct {
		tenant uuid.UUID
		seq    int64
	}
	numbered := lo.Filter(docs, func(d Document, _ int) bool { return d.SequenceNumber != nil })
	groups := lo.GroupBy(numbered, func(d Document) key {
		return key{tenant: d.TenantID, seq: *d.SequenceNumber}
	})

	result := []DuplicateGroup{}
	for k, members := range groups {
		if len(members) < 2 {
			continue
		}
		ids := lo.Map(members, func(d Document, _ int) uint64 { return d.ID })
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		result = append(result, DuplicateGroup{TenantID: k.tenant, SequenceNumber: k.seq, DocumentIDs: ids})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TenantID != result[j].TenantID {
			return result[i].TenantID.String() < result[j].TenantID.String()
		}
		return result[i].SequenceNumber < result[j].SequenceNumber
	})
	return result
}

// VerifyHash checks that hash decodes to ownerID. Opaque tokens are accepted.
func VerifyHash(verifier HashVerifier, docType DocumentType, hash string, ownerID uint64) error {
	id, err := verifier.Decode(docType, hash)
	if err != nil {
		if verifier.IsOpaqueToken(hash) {
			return nil
		}
		return err
	}
	if id != ownerID {
		return fmt.Errorf("%w: hash %q decodes to document %d, not %d", shared.ErrDecodeFailure, hash, id, ownerID)
	}
	return nil
}

func checkAlignment(d *Document) (Misalignment, bool) {
	m := Misalignment{
		DocumentID:     d.ID,
		TenantID:       d.TenantID,
		Code:           d.FormattedCode,
		SequenceNumber: d.SequenceNumber,
	}
	n, err := CodeNumber(d.FormattedCode)
	if err == nil {
		m.CodeNumber = Int64Ptr(n)
	}
	switch {
	case d.SequenceNumber == nil:
		m.Reason = ReasonNullSequence
		return m, false
	case err != nil:
		m.Reason = ReasonUnparsableCode
		return m, false
	case n != *d.SequenceNumber:
		m.Reason = ReasonCodeMismatch
		m.Offset = Int64Ptr(n - *d.SequenceNumber)
		return m, false
	}
	return m, true
}

// checkHash returns the finding, whether the hash is an opaque token, and
// whether the hash is valid.
func checkHash(docType DocumentType, d *Document, verifier HashVerifier) (HashFinding, bool, bool) {
	f := HashFinding{DocumentID: d.ID, TenantID: d.TenantID, Hash: d.Hash()}
	if d.UniqueHash == nil || *d.UniqueHash == "" {
		f.Reason = ReasonMissingHash
		return f, false, false
	}
	id, err := verifier.Decode(docType, *d.UniqueHash)
	if err != nil {
		if verifier.IsOpaqueToken(*d.UniqueHash) {
			return f, true, true
		}
		f.Reason = ReasonNotDecodable
		return f, false, false
	}
	if id != d.ID {
		decoded := id
		f.DecodedID = &decoded
		f.Reason = ReasonDecodesElsewhere
		return f, false, false
	}
	return f, false, true
}

func findCounterLag(docs []Document, counters []SequenceCounter) []CounterFinding {
	scanMax := make(map[uuid.UUID]int64)
	for _, d := range docs {
		if d.SequenceNumber != nil && *d.SequenceNumber > scanMax[d.TenantID] {
			scanMax[d.TenantID] = *d.SequenceNumber
		}
	}
	counterByTenant := lo.SliceToMap(counters, func(c SequenceCounter) (uuid.UUID, int64) {
		return c.TenantID, c.LastValue
	})

	result := []CounterFinding{}
	for tenant, highest := range scanMax {
		counter, ok := counterByTenant[tenant]
		if ok && counter >= highest {
			continue
		}
		result = append(result, CounterFinding{TenantID: tenant, Counter: counter, ScanMax: highest})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].TenantID.String() < result[j].TenantID.String()
	})
	return result
}

// sortDocuments orders documents by tenant, then sequence (nulls last), then id
func sortDocuments(docs []Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		if a.TenantID != b.TenantID {
			return a.TenantID.String() < b.TenantID.String()
		}
		if (a.SequenceNumber == nil) != (b.SequenceNumber == nil) {
			return a.SequenceNumber != nil
		}
		if a.SequenceNumber != nil && *a.SequenceNumber != *b.SequenceNumber {
			return *a.SequenceNumber < *b.SequenceNumber
		}
		return a.ID < b.ID
	})
}
