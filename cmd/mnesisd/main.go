// Command mnesisd is the local entry point for the Mnesis memory core: it
// wires the store, memory, candidate, miner, job queue, and scheduler
// components together and exposes them through cobra subcommands. It does
// not speak any wire protocol itself (see DESIGN.md) — this binary runs
// the background write/job/scheduler loop and offers scriptable one-shot
// commands (migrate, mine, snapshot) a transport process would otherwise
// call into.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var dbPathFlag string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mnesisd",
		Short: "Mnesis local-first personal memory service",
	}
	root.PersistentFlags().StringVar(&dbPathFlag, "db", "", "path to the SQLite database (default: $MNESIS_APPDATA_DIR/mnesis.db)")
	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newMineCmd())
	root.AddCommand(newSnapshotCmd())
	return root
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
