// Package scheduler runs the numbering consistency audit in the background
// of the API server so drift is reported before anyone runs clinicctl.
package scheduler

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/clinicdesk/backend/internal/domain/numbering"
	"go.uber.org/zap"
)

// NumberingAuditor audits one document type
type NumberingAuditor interface {
	Audit(ctx context.Context, docType numbering.DocumentType) (*numbering.Report, error)
}

// AuditSchedulerConfig holds configuration for the periodic audit
type AuditSchedulerConfig struct {
	// Interval between audit runs; zero disables the scheduler
	Interval time.Duration
	// Types are audited in order on every run
	Types []numbering.DocumentType
	// RunTimeout bounds a single run over all types
	RunTimeout time.Duration
}

// DefaultAuditSchedulerConfig audits every document type hourly
func DefaultAuditSchedulerConfig() AuditSchedulerConfig {
	return AuditSchedulerConfig{
		Interval:   time.Hour,
		Types:      numbering.AllDocumentTypes(),
		RunTimeout: 5 * time.Minute,
	}
}

// AuditStatus is the outcome of the most recent run
type AuditStatus struct {
	Running    bool                              `json:"running"`
	LastRunAt  *time.Time                        `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time                        `json:"next_run_at,omitempty"`
	Violations map[numbering.DocumentType]int    `json:"violations"`
	Errors     map[numbering.DocumentType]string `json:"errors,omitempty"`
}

// AuditScheduler runs the read-only numbering audit on a fixed interval and
// logs every namespace that needs a repair. It never modifies data.
type AuditScheduler struct {
	config  AuditSchedulerConfig
	auditor NumberingAuditor
	logger  *zap.Logger
	now     func() time.Time

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	status    AuditStatus
}

// NewAuditScheduler creates a scheduler; it does nothing until Start
func NewAuditScheduler(config AuditSchedulerConfig, auditor NumberingAuditor, logger *zap.Logger) (*AuditScheduler, error) {
	if config.Interval < 0 {
		return nil, fmt.Errorf("%w: interval must not be negative", ErrInvalidConfig)
	}
	if len(config.Types) == 0 {
		config.Types = numbering.AllDocumentTypes()
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = DefaultAuditSchedulerConfig().RunTimeout
	}
	return &AuditScheduler{
		config:  config,
		auditor: auditor,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Enabled reports whether Start launches the loop
func (s *AuditScheduler) Enabled() bool {
	return s.config.Interval > 0
}

// Start launches the audit loop. The first run happens one interval after
// Start so server startup is not slowed by a full table scan.
func (s *AuditScheduler) Start(ctx context.Context) error {
	if !s.Enabled() {
		s.logger.Info("Numbering audit scheduler disabled")
		return nil
	}

	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.status.Running = true
	next := s.now().Add(s.config.Interval)
	s.status.NextRunAt = &next
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("Numbering audit scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("document_types", len(s.config.Types)),
	)
	return nil
}

// Stop cancels the loop and waits for an in-flight run to finish or ctx to expire
func (s *AuditScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.status.Running = false
	s.status.NextRunAt = nil
	cancel := s.cancel
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Numbering audit scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Numbering audit scheduler stop timed out")
		return ctx.Err()
	}
}

func (s *AuditScheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
			s.mu.Lock()
			if s.isRunning {
				next := s.now().Add(s.config.Interval)
				s.status.NextRunAt = &next
			}
			s.mu.Unlock()
		}
	}
}

// RunOnce audits every configured type and records the outcome. A failing
// type is logged and does not stop the others.
func (s *AuditScheduler) RunOnce(ctx context.Context) AuditStatus {
	ctx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()

	started := s.now()
	violations := make(map[numbering.DocumentType]int, len(s.config.Types))
	errs := make(map[numbering.DocumentType]string)

	for _, docType := range s.config.Types {
		report, err := s.auditor.Audit(ctx, docType)
		if err != nil {
			errs[docType] = err.Error()
			s.logger.Error("Numbering audit failed",
				zap.String("document_type", string(docType)),
				zap.Error(err),
			)
			continue
		}

		violations[docType] = report.ViolationCount()
		if report.Clean() {
			s.logger.Debug("Numbering audit clean",
				zap.String("document_type", string(docType)),
				zap.Int("document_count", report.DocumentCount),
			)
			continue
		}
		s.logger.Warn("Numbering violations found",
			zap.String("document_type", string(docType)),
			zap.Int("document_count", report.DocumentCount),
			zap.Int("duplicate_sequences", len(report.DuplicateSequences)),
			zap.Int("misaligned_codes", len(report.MisalignedCodes)),
			zap.Int("undecodable_hashes", len(report.UndecodableHashes)),
			zap.String("next_step", "clinicctl numbering audit --type "+string(docType)),
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.LastRunAt = &started
	s.status.Violations = violations
	s.status.Errors = errs
	return s.snapshot()
}

// Status returns a copy of the latest outcome
func (s *AuditScheduler) Status() AuditStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *AuditScheduler) snapshot() AuditStatus {
	out := s.status
	out.Violations = maps.Clone(s.status.Violations)
	out.Errors = maps.Clone(s.status.Errors)
	return out
}
