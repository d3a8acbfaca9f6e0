package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/clinicdesk/backend/internal/infrastructure/migration"
	"github.com/spf13/cobra"
)

type migrateOptions struct {
	path string
}

// NewMigrateCommand creates the migrate command group
func NewMigrateCommand(root *RootOptions, deps Deps) *cobra.Command {
	opts := &migrateOptions{}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema",
	}
	cmd.PersistentFlags().StringVar(&opts.path, "path", "", "migrations directory (default: ./migrations)")

	run := func(fn func(cmd *cobra.Command, m MigrationRunner) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			path, err := migration.ResolvePath(opts.path)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to locate migrations", err)
			}
			m, err := deps.Migrator(root, path, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = m.Close() }()
			if err := fn(cmd, m); err != nil {
				return WrapExitError(ExitFailure, "migration failed", err)
			}
			return nil
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, m MigrationRunner) error {
			if err := m.Up(); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, m MigrationRunner) error {
			if err := m.Down(); err != nil {
				return err
			}
			return printVersion(cmd, m)
		}),
	})

	stepsCmd := &cobra.Command{
		Use:   "steps N",
		Short: "Apply N migrations (negative N rolls back)",
		Long:  "Apply N migrations. Negative values roll back and must follow --, e.g. clinicctl migrate steps -- -1.",
		Args:  cobra.ExactArgs(1),
	}
	stepsCmd.RunE = func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil || n == 0 {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid step count %q", args[0]))
		}
		return run(func(cmd *cobra.Command, m MigrationRunner) error {
			if err := m.Steps(n); err != nil {
				return err
			}
			return printVersion(cmd, m)
		})(cmd, args)
	}
	cmd.AddCommand(stepsCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied migration version",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, m MigrationRunner) error {
			return printVersion(cmd, m)
		}),
	})

	forceCmd := &cobra.Command{
		Use:   "force VERSION",
		Short: "Set the migration version without running migrations",
		Long:  "Clears a dirty state after a failed migration was fixed by hand.",
		Args:  cobra.ExactArgs(1),
	}
	forceCmd.RunE = func(cmd *cobra.Command, args []string) error {
		version, err := strconv.Atoi(args[0])
		if err != nil || version < -1 {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid version %q", args[0]))
		}
		return run(func(cmd *cobra.Command, m MigrationRunner) error {
			if err := m.Force(version); err != nil {
				return err
			}
			return printVersion(cmd, m)
		})(cmd, args)
	}
	cmd.AddCommand(forceCmd)

	cmd.AddCommand(newMigrateCreateCommand(opts))
	cmd.AddCommand(newMigrateListCommand(opts))

	return cmd
}

func printVersion(cmd *cobra.Command, m MigrationRunner) error {
	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if version == 0 {
		fmt.Fprintln(out, "no migrations applied")
		return nil
	}
	if dirty {
		fmt.Fprintf(out, "version %d (dirty)\n", version)
		return nil
	}
	fmt.Fprintf(out, "version %d\n", version)
	return nil
}

func newMigrateCreateCommand(opts *migrateOptions) *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Scaffold a new up/down migration pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.path
			if path == "" {
				resolved, err := migration.ResolvePath("")
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to locate migrations", err)
				}
				path = resolved
			}
			file, err := migration.Create(path, args[0], description)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to create migration", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, file.UpPath)
			fmt.Fprintln(out, file.DownPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "description written into the migration header")
	return cmd
}

func newMigrateListCommand(opts *migrateOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List migration files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := migration.ResolvePath(opts.path)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to locate migrations", err)
			}
			files, err := migration.List(path)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list migrations", err)
			}
			out := cmd.OutOrStdout()
			if len(files) == 0 {
				fmt.Fprintln(out, "no migrations found")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tNAME")
			for _, f := range files {
				fmt.Fprintf(tw, "%06d\t%s\n", f.Version, f.Name)
			}
			return tw.Flush()
		},
	}
}
