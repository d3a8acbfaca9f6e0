// Package cli implements clinicctl, the operator tool for schema migrations,
// numbering audits and reviewed repairs.
package cli

import (
	"fmt"
	"io"

	"github.com/clinicdesk/backend/internal/bootstrap"
	"github.com/clinicdesk/backend/internal/infrastructure/config"
	"github.com/clinicdesk/backend/internal/infrastructure/logger"
	"github.com/clinicdesk/backend/internal/infrastructure/migration"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// ValidFormats are the output formats of reporting commands
var ValidFormats = []string{"text", "json"}

// MigrationRunner is the subset of migration.Migrator the migrate commands use
type MigrationRunner interface {
	Up() error
	Down() error
	Steps(n int) error
	Version() (uint, bool, error)
	Force(version int) error
	Close() error
}

// Deps opens the resources commands need. Tests replace them with
// sqlite-backed services and fake migrators.
type Deps struct {
	Services func(opts *RootOptions, stderr io.Writer) (*bootstrap.Services, error)
	Migrator func(opts *RootOptions, path string, stderr io.Writer) (MigrationRunner, error)
}

// DefaultDeps opens services and migrators from configuration
func DefaultDeps() Deps {
	return Deps{
		Services: openServices,
		Migrator: openMigrator,
	}
}

// NewRootCommand creates the clinicctl root command
func NewRootCommand(deps Deps) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "clinicctl",
		Short:         "Clinic Desk operator tool",
		Long:          "Apply schema migrations, audit document numbering and run reviewed repairs.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default: config.toml in ., ./config or /app)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewMigrateCommand(opts, deps))
	cmd.AddCommand(NewNumberingCommand(opts, deps))

	return cmd
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.LoadFile(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// cliLogger logs to stderr so tables and JSON on stdout stay clean
func cliLogger(opts *RootOptions, stderr io.Writer) *zap.Logger {
	return logger.NewWithWriter(logger.CLIConfig(opts.LogLevel), stderr)
}

func openServices(opts *RootOptions, stderr io.Writer) (*bootstrap.Services, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	s, err := bootstrap.Open(cfg, cliLogger(opts, stderr))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to connect", err)
	}
	return s, nil
}

func openMigrator(opts *RootOptions, path string, stderr io.Writer) (MigrationRunner, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if !cfg.Database.IsPostgres() {
		return nil, NewExitError(ExitCommandError, "migrations require database.driver = postgres; sqlite schemas are created automatically")
	}
	log := cliLogger(opts, stderr)
	db, err := bootstrap.OpenSQL(&cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to connect", err)
	}
	m, err := migration.New(db, path, log)
	if err != nil {
		_ = db.Close()
		return nil, WrapExitError(ExitCommandError, "failed to initialize migrations", err)
	}
	return m, nil
}

func validateFormat(format string) error {
	if !lo.Contains(ValidFormats, format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", format, ValidFormats))
	}
	return nil
}
