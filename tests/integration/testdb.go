// Package integration runs the numbering services against real PostgreSQL and
// Redis containers started with testcontainers.
package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/clinicdesk/backend/internal/bootstrap"
	"github.com/clinicdesk/backend/internal/domain/numbering"
	"github.com/clinicdesk/backend/internal/infrastructure/config"
	"github.com/clinicdesk/backend/internal/infrastructure/migration"
	"github.com/clinicdesk/backend/internal/infrastructure/persistence"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

// TestDB is a migrated PostgreSQL container with wired numbering services
type TestDB struct {
	Config    *config.Config
	Services  *bootstrap.Services
	Docs      *persistence.GormDocumentRepository
	Container testcontainers.Container
	t         *testing.T
}

// NewTestDB starts a fresh PostgreSQL container, applies migrations/ with
// golang-migrate and wires the services over it.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("clinic_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("clinic123"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := testConfig(config.DatabaseConfig{
		Driver:          "postgres",
		Host:            host,
		Port:            port.Int(),
		User:            "postgres",
		Password:        "clinic123",
		DBName:          "clinic_test",
		SSLMode:         "disable",
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5,
		ConnMaxIdleTime: 5,
	})
	runMigrations(t, cfg)

	logLevel := gormlogger.Silent
	if os.Getenv("TEST_DB_DEBUG") != "" {
		logLevel = gormlogger.Info
	}
	db, err := persistence.NewDatabase(&cfg.Database, zap.NewNop(), logLevel)
	require.NoError(t, err, "Failed to connect to database")

	services, err := bootstrap.Wire(cfg, db, nil, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = services.Close() })

	return &TestDB{
		Config:    cfg,
		Services:  services,
		Docs:      persistence.NewGormDocumentRepository(db.DB),
		Container: container,
		t:         t,
	}
}

func testConfig(db config.DatabaseConfig) *config.Config {
	return &config.Config{
		App:      config.AppConfig{Name: "clinic-desk", Env: "test"},
		Database: db,
		Log:      config.LogConfig{Level: "error", Format: "json", Output: "stdout"},
		Numbering: config.NumberingConfig{
			HashSalt:              "integration-salt",
			HashMinLength:         8,
			Width:                 6,
			MaxAllocationAttempts: 20,
			RetryInitialInterval:  5 * time.Millisecond,
			RetryMaxInterval:      50 * time.Millisecond,
			MaxRepairAttempts:     20,
			RepairLockTTL:         time.Minute,
		},
		Draft: config.DraftConfig{TTL: time.Hour, CleanupInterval: time.Minute},
	}
}

// runMigrations applies every migration through the migration package
func runMigrations(t *testing.T, cfg *config.Config) {
	t.Helper()

	path := findMigrationsPath()
	require.NotEmpty(t, path, "Could not find migrations directory")

	sqlDB, err := bootstrap.OpenSQL(&cfg.Database)
	require.NoError(t, err)
	m, err := migration.New(sqlDB, path, zap.NewNop())
	require.NoError(t, err, "Failed to create migrator")
	defer func() { _ = m.Close() }()

	require.NoError(t, m.Up(), "Failed to run migrations")
}

// findMigrationsPath locates migrations/ from this file's directory
func findMigrationsPath() string {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return ""
	}
	dir := filepath.Dir(filename)
	for i := 0; i < 5; i++ {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		dir = filepath.Dir(dir)
	}
	return ""
}

// SetCounter writes a namespace counter directly
func (tdb *TestDB) SetCounter(tenantID uuid.UUID, docType numbering.DocumentType, value int64) {
	tdb.t.Helper()
	err := tdb.Services.DB.DB.Exec(`
		INSERT INTO sequence_counters (tenant_id, document_type, last_value)
		VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, document_type) DO UPDATE SET last_value = EXCLUDED.last_value
	`, tenantID, string(docType), value).Error
	require.NoError(tdb.t, err, "Failed to set counter")
}

// Seed inserts a document around the allocator, the way a manual insert
// would, and gives it its deterministic hash.
func (tdb *TestDB) Seed(tenantID uuid.UUID, docType numbering.DocumentType, code string, seq *int64) numbering.Document {
	tdb.t.Helper()
	ctx := context.Background()
	doc := &numbering.Document{
		TenantID:       tenantID,
		Type:           docType,
		SequenceNumber: seq,
		FormattedCode:  code,
		CustomerID:     uuid.New(),
		Amount:         decimal.RequireFromString("180.50"),
	}
	require.NoError(tdb.t, tdb.Docs.Create(ctx, doc))
	hash, err := tdb.Services.Codec.Encode(docType, doc.ID)
	require.NoError(tdb.t, err)
	require.NoError(tdb.t, tdb.Docs.UpdateHash(ctx, doc.ID, hash))
	doc.UniqueHash = &hash
	return *doc
}

// NewPayment is a valid allocator input for tenantID
func NewPayment(tenantID uuid.UUID) numbering.NewDocument {
	return numbering.NewDocument{
		TenantID:   tenantID,
		Type:       numbering.DocumentTypePayment,
		CustomerID: uuid.New(),
		Amount:     decimal.NewFromInt(250),
	}
}

func code(prefix string, n int64) string {
	return fmt.Sprintf("%s%06d", prefix, n)
}
