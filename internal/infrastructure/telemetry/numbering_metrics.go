package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// NumberingMetrics records allocation and repair activity. A nil
// *NumberingMetrics is valid and records nothing.
type NumberingMetrics struct {
	allocationTotal     *Counter
	allocationRetries   *Counter
	allocationConflicts *Counter
	allocationDuration  *Histogram

	repairRuns           *Counter
	repairRecordFailures *Counter
}

// NumberingMetricsConfig holds configuration for numbering metrics.
type NumberingMetricsConfig struct {
	Meter metric.Meter
}

// AllocationOutcome labels the result of one allocation.
type AllocationOutcome string

const (
	AllocationOutcomeSuccess  AllocationOutcome = "success"
	AllocationOutcomeConflict AllocationOutcome = "conflict"
	AllocationOutcomeError    AllocationOutcome = "error"
)

// NewNumberingMetrics creates the numbering instruments on cfg.Meter.
func NewNumberingMetrics(cfg NumberingMetricsConfig) (*NumberingMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}
	nm := &NumberingMetrics{}

	var err error
	nm.allocationTotal, err = NewCounter(cfg.Meter,
		"clinic_allocation_total",
		"Total number of sequence allocations by outcome",
		"{allocations}",
	)
	if err != nil {
		return nil, err
	}

	nm.allocationRetries, err = NewCounter(cfg.Meter,
		"clinic_allocation_retries_total",
		"Allocation attempts retried after a unique violation",
		"{retries}",
	)
	if err != nil {
		return nil, err
	}

	nm.allocationConflicts, err = NewCounter(cfg.Meter,
		"clinic_allocation_conflicts_total",
		"Allocations that exhausted their retries with ALLOCATION_CONFLICT",
		"{allocations}",
	)
	if err != nil {
		return nil, err
	}

	nm.allocationDuration, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "clinic_allocation_duration_seconds",
		Description: "Time spent allocating a sequence number, retries included",
		Unit:        "s",
		Boundaries:  AllocationDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	nm.repairRuns, err = NewCounter(cfg.Meter,
		"clinic_repair_runs_total",
		"Repair runs by final state",
		"{runs}",
	)
	if err != nil {
		return nil, err
	}

	nm.repairRecordFailures, err = NewCounter(cfg.Meter,
		"clinic_repair_record_failures_total",
		"Records left unchanged with REPAIR_FAILED",
		"{records}",
	)
	if err != nil {
		return nil, err
	}

	return nm, nil
}

// RecordAllocationRetry records one retried allocation attempt.
func (nm *NumberingMetrics) RecordAllocationRetry(ctx context.Context, docType string) {
	if nm == nil {
		return
	}
	nm.allocationRetries.Inc(ctx, AttrDocumentType.String(docType))
}

// RecordAllocation records the outcome and latency of one allocation.
// Conflicts also count towards clinic_allocation_conflicts_total.
func (nm *NumberingMetrics) RecordAllocation(ctx context.Context, docType string, outcome AllocationOutcome, d time.Duration) {
	if nm == nil {
		return
	}
	nm.allocationTotal.Inc(ctx,
		AttrDocumentType.String(docType),
		AttrOutcome.String(string(outcome)),
	)
	nm.allocationDuration.RecordDuration(ctx, d, AttrDocumentType.String(docType))
	if outcome == AllocationOutcomeConflict {
		nm.allocationConflicts.Inc(ctx, AttrDocumentType.String(docType))
	}
}

// RecordRepairRun records the final state of one repair run.
func (nm *NumberingMetrics) RecordRepairRun(ctx context.Context, docType, kind, state string) {
	if nm == nil {
		return
	}
	nm.repairRuns.Inc(ctx,
		AttrDocumentType.String(docType),
		AttrRepairKind.String(kind),
		AttrRepairState.String(state),
	)
}

// RecordRepairFailures records records a committed repair left unchanged.
func (nm *NumberingMetrics) RecordRepairFailures(ctx context.Context, docType string, count int) {
	if nm == nil || count <= 0 {
		return
	}
	nm.repairRecordFailures.Add(ctx, int64(count), AttrDocumentType.String(docType))
}

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = &MetricsError{Op: "NewNumberingMetrics", Err: "meter cannot be nil"}

// MetricsError represents a metrics-related error.
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}
