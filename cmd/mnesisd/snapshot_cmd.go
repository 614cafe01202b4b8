package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mnesis/mnesis/internal/memory"
)

func newSnapshotCmd() *cobra.Command {
	var contextHint string
	cmd := &cobra.Command{
		Use:   "snapshot [hint]",
		Short: "Print a context snapshot as Markdown (the context_snapshot tool contract without the MCP transport)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hint := contextHint
			if hint == "" && len(args) == 1 {
				hint = args[0]
			}
			return runSnapshot(cmd.Context(), hint)
		},
	}
	cmd.Flags().StringVar(&contextHint, "hint", "", "free-text context hint (e.g. \"debugging the payments service\")")
	return cmd
}

func runSnapshot(ctx context.Context, hint string) error {
	log := newLogger()
	a, err := buildApp(ctx, log, dbPathFlag)
	if err != nil {
		return err
	}
	defer a.close()

	snap, err := a.memory.GetSnapshot(ctx, hint)
	if err != nil {
		return fmt.Errorf("mnesisd snapshot: %w", err)
	}
	fmt.Print(renderSnapshotMarkdown(snap))
	return nil
}

// renderSnapshotMarkdown formats a Snapshot as Markdown, the shape a
// downstream LLM client would want to consume directly. It applies no cap
// of its own; GetSnapshot has already trimmed the sections to its 800-token
// budget.
func renderSnapshotMarkdown(snap memory.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Context Snapshot (%s)\n\n", snap.Context)
	for _, section := range snap.Sections {
		if len(section.Memories) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n", section.Header)
		for _, m := range section.Memories {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
		if section.Truncated {
			fmt.Fprintf(&b, "- _(truncated to fit budget)_\n")
		}
		b.WriteString("\n")
	}
	if len(snap.Working) > 0 {
		b.WriteString("## Recent\n")
		for _, m := range snap.Working {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "_~%d tokens_\n", snap.Tokens)
	return b.String()
}
