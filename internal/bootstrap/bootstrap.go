// Package bootstrap wires configuration into the numbering services shared by
// the API server and clinicctl.
package bootstrap

import (
	"database/sql"
	"errors"
	"fmt"

	appnum "github.com/clinicdesk/backend/internal/application/numbering"
	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/clinicdesk/backend/internal/domain/patient"
	"github.com/clinicdesk/backend/internal/infrastructure/cache"
	"github.com/clinicdesk/backend/internal/infrastructure/config"
	"github.com/clinicdesk/backend/internal/infrastructure/hashid"
	"github.com/clinicdesk/backend/internal/infrastructure/lock"
	"github.com/clinicdesk/backend/internal/infrastructure/logger"
	"github.com/clinicdesk/backend/internal/infrastructure/persistence"
	"github.com/clinicdesk/backend/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Services are the wired numbering services and their resources
type Services struct {
	Config    *config.Config
	Logger    *zap.Logger
	DB        *persistence.Database
	Redis     *redis.Client
	Codec     *hashid.Codec
	Formats   *numbering.FormatTable
	Allocator *appnum.Allocator
	Auditor   *appnum.Auditor
	Repair    *appnum.RepairService
	Lookup    *appnum.PublicLookup
	Drafts    patient.DraftStore
}

// Open connects to the configured database and Redis and wires the services.
// Redis is optional outside production; without it drafts and repair locks
// are process-local.
func Open(cfg *config.Config, log *zap.Logger) (*Services, error) {
	db, err := persistence.NewDatabase(&cfg.Database, log.Named("gorm"), logger.MapGormLogLevel(cfg.Log.Level),
		persistence.WithTracing(telemetry.DBTracingConfig{
			Enabled:    cfg.Telemetry.DBTraceOn(),
			LogFullSQL: cfg.Telemetry.DBLogFullSQL,
		}),
	)
	if err != nil {
		return nil, err
	}

	factory := cache.NewStoreFactory(cfg.Redis, cfg.Draft,
		cache.WithLogger(log),
		cache.WithInMemoryFallback(cfg.App.Env != "production"),
	)
	client, err := factory.RedisClient()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s, err := Wire(cfg, db, client, factory.DraftStore(client), log)
	if err != nil {
		_ = db.Close()
		if client != nil {
			_ = client.Close()
		}
		return nil, err
	}
	return s, nil
}

// Wire builds the services over already opened resources. client may be nil.
func Wire(cfg *config.Config, db *persistence.Database, client *redis.Client, drafts patient.DraftStore, log *zap.Logger) (*Services, error) {
	codec, err := hashid.NewCodec(hashid.Config{
		Salt:      cfg.Numbering.HashSalt,
		MinLength: cfg.Numbering.HashMinLength,
	})
	if err != nil {
		return nil, err
	}

	formats, err := FormatTable(cfg.Numbering)
	if err != nil {
		return nil, err
	}

	docs := persistence.NewGormDocumentRepository(db.DB)
	counters := persistence.NewGormCounterRepository(db.DB)
	scope := persistence.NewGormTransactionScope(db.DB)

	return &Services{
		Config:  cfg,
		Logger:  log,
		DB:      db,
		Redis:   client,
		Codec:   codec,
		Formats: formats,
		Allocator: appnum.NewAllocator(scope, docs, counters, formats, codec, appnum.AllocatorConfig{
			MaxAttempts:     cfg.Numbering.MaxAllocationAttempts,
			InitialInterval: cfg.Numbering.RetryInitialInterval,
			MaxInterval:     cfg.Numbering.RetryMaxInterval,
		}, log),
		Auditor: appnum.NewAuditor(docs, counters, codec, log),
		Repair: appnum.NewRepairService(scope, docs, counters, codec, formats, lock.New(client), appnum.RepairConfig{
			MaxAttempts: cfg.Numbering.MaxRepairAttempts,
			LockTTL:     cfg.Numbering.RepairLockTTL,
		}, log),
		Lookup: appnum.NewPublicLookup(docs, codec, log),
		Drafts: drafts,
	}, nil
}

// SetMetrics routes allocation and repair metrics to m
func (s *Services) SetMetrics(m *telemetry.NumberingMetrics) {
	s.Allocator.SetMetrics(m)
	s.Repair.SetMetrics(m)
}

// FormatTable builds the code format table from configuration
func FormatTable(cfg config.NumberingConfig) (*numbering.FormatTable, error) {
	table := numbering.NewFormatTable()
	if cfg.Width > 0 {
		table.Width = cfg.Width
	}
	for name, prefix := range cfg.Prefixes {
		docType, err := numbering.ParseDocumentType(name)
		if err != nil {
			return nil, fmt.Errorf("numbering.prefixes: %w", err)
		}
		table.Prefixes[docType] = prefix
	}
	for rawTenant, prefixes := range cfg.TenantPrefixes {
		tenantID, err := uuid.Parse(rawTenant)
		if err != nil {
			return nil, fmt.Errorf("numbering.tenant_prefixes: invalid tenant %q: %w", rawTenant, err)
		}
		for name, prefix := range prefixes {
			docType, err := numbering.ParseDocumentType(name)
			if err != nil {
				return nil, fmt.Errorf("numbering.tenant_prefixes.%s: %w", rawTenant, err)
			}
			table.SetTenantPrefix(tenantID, docType, prefix)
		}
	}
	return table, nil
}

// OpenSQL opens a plain postgres connection for golang-migrate
func OpenSQL(cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Close releases the database and Redis connections
func (s *Services) Close() error {
	var errs []error
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	return errors.Join(errs...)
}
