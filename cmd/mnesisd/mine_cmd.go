package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mnesis/mnesis/internal/miner"
)

func newMineCmd() *cobra.Command {
	var (
		dryRun         bool
		forceReanalyze bool
		conversationID string
		provider       string
		maxConvs       int
		maxNewMemories int
	)
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "Run the conversation-analysis miner once and print a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMine(cmd.Context(), mineFlags{
				dryRun: dryRun, forceReanalyze: forceReanalyze,
				conversationID: conversationID, provider: provider,
				maxConvs: maxConvs, maxNewMemories: maxNewMemories,
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "stage candidates without creating memories")
	cmd.Flags().BoolVar(&forceReanalyze, "force", false, "reanalyze conversations even if already mined")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "mine a single conversation by id instead of scanning all due conversations")
	cmd.Flags().StringVar(&provider, "provider", "", "LLM provider id to extract with (empty/auto/heuristic use the offline fallback)")
	cmd.Flags().IntVar(&maxConvs, "max-conversations", 0, "override max conversations scanned this run (0 = use config default)")
	cmd.Flags().IntVar(&maxNewMemories, "max-new-memories", 0, "override max memories promoted this run (0 = use config default)")
	return cmd
}

type mineFlags struct {
	dryRun         bool
	forceReanalyze bool
	conversationID string
	provider       string
	maxConvs       int
	maxNewMemories int
}

// runMine builds a single mining run from config.yaml's conversation_analysis
// section, layering CLI flag overrides on top, the same shape serve's
// "auto_mining" job handler builds but invoked directly for one-shot use
// from a script or cron job.
func runMine(ctx context.Context, flags mineFlags) error {
	log := newLogger()
	a, err := buildApp(ctx, log, dbPathFlag)
	if err != nil {
		return err
	}
	defer a.close()

	opts := runOptionsFromConfig(a.cfg.ConversationAnalysis)
	opts.WaitIfBusy = true
	opts.DryRun = flags.dryRun
	opts.ForceReanalyze = flags.forceReanalyze
	if flags.provider != "" {
		opts.Provider = flags.provider
	}
	if flags.conversationID != "" {
		opts.ConversationIDs = []string{flags.conversationID}
	}
	if flags.maxConvs > 0 {
		opts.MaxConversations = flags.maxConvs
	}
	if flags.maxNewMemories > 0 {
		opts.MaxNewMemories = flags.maxNewMemories
	}

	report, err := a.miner.Run(ctx, opts)
	if err != nil {
		return fmt.Errorf("mnesisd mine: %w", err)
	}
	printMineReport(report)
	return nil
}

func printMineReport(r miner.Report) {
	fmt.Printf("status:       %s\n", r.Status)
	fmt.Printf("provider:     %s\n", r.Provider)
	fmt.Printf("scanned:      %d conversations\n", r.ConversationsScanned)
	fmt.Printf("selected:     %d conversations\n", r.ConversationsSelected)
	fmt.Printf("candidates:   %d\n", r.CandidatesTotal)
	fmt.Printf("created:      %d\n", r.Created)
	fmt.Printf("merged:       %d\n", r.Merged)
	fmt.Printf("pending:      %d\n", r.ConflictPending)
	fmt.Printf("rejected:     %d\n", r.Rejected)
	fmt.Printf("linked convs: %d\n", r.LinkedConversations)
	fmt.Printf("indexed:      %d\n", r.IndexedConversations)
	if len(r.CandidateSources) > 0 {
		fmt.Println("sources:")
		for method, n := range r.CandidateSources {
			fmt.Printf("  %-10s %d\n", method, n)
		}
	}
	if len(r.Preview) > 0 {
		fmt.Println("preview:")
		for _, p := range r.Preview {
			fmt.Printf("  [%s/%s %.2f] %s\n", p.Category, p.Level, p.Confidence, p.Content)
		}
	}
	if len(r.Errors) > 0 {
		fmt.Println("errors:")
		for _, e := range r.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
}
