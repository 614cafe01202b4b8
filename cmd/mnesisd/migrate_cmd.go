package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mnesis/mnesis/internal/migrate"
	"github.com/mnesis/mnesis/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run the additive schema migration against the configured database and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context())
		},
	}
}

// runMigrate opens the store directly rather than going through buildApp:
// migration must succeed before any other component (jobqueue, scheduler,
// memory core) is safe to construct against the database.
func runMigrate(ctx context.Context) error {
	log := newLogger()
	dbPath, err := resolveDBPath(dbPathFlag)
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	m := migrate.New(st, log, nil)
	if err := m.EnsureSchema(ctx); err != nil {
		return err
	}
	log.Info("migrate: schema is up to date", "db", dbPath)
	return nil
}
