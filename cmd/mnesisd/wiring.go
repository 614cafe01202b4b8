package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/mnesis/mnesis/internal/candidate"
	"github.com/mnesis/mnesis/internal/config"
	"github.com/mnesis/mnesis/internal/embedder"
	"github.com/mnesis/mnesis/internal/graph"
	"github.com/mnesis/mnesis/internal/jobqueue"
	"github.com/mnesis/mnesis/internal/llmprovider"
	"github.com/mnesis/mnesis/internal/memory"
	"github.com/mnesis/mnesis/internal/migrate"
	"github.com/mnesis/mnesis/internal/miner"
	"github.com/mnesis/mnesis/internal/scheduler"
	"github.com/mnesis/mnesis/internal/session"
	"github.com/mnesis/mnesis/internal/store"
	"github.com/mnesis/mnesis/internal/workbench"
	"github.com/mnesis/mnesis/internal/writequeue"
)

// app bundles every component cmd/mnesisd's subcommands need, wired in
// dependency order leaves-first via plain constructor injection.
type app struct {
	log        *slog.Logger
	cfgMgr     *config.Manager
	cfg        config.Config
	store      *store.Store
	embedder   *embedder.Embedder
	writeQ     *writequeue.Queue
	graph      *graph.Layer
	sessions   *session.Tracker
	memory     *memory.Core
	workbench  *workbench.Workbench
	candidates *candidate.Store
	miner      *miner.Miner
	jobs       *jobqueue.Queue
	scheduler  *scheduler.Scheduler
}

func buildApp(ctx context.Context, log *slog.Logger, dbPath string) (*app, error) {
	cfgPath, err := config.Path()
	if err != nil {
		return nil, fmt.Errorf("mnesisd: resolve config path: %w", err)
	}
	cfgMgr := config.NewManager(cfgPath, log)
	cfg, err := cfgMgr.ForceReload()
	if err != nil {
		return nil, fmt.Errorf("mnesisd: load config: %w", err)
	}

	dbPath, err = resolveDBPath(dbPath)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("mnesisd: open store: %w", err)
	}

	migrator := migrate.New(st, log, nil)
	if err := migrator.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("mnesisd: ensure schema: %w", err)
	}

	emb := embedder.New(log)
	wq := writequeue.New(64, log)
	graphLayer := graph.New(st, emb, log)
	sessions := session.New(st, log)

	mem := memory.New(st, emb, wq, log, memory.WithGraph(graphLayer), memory.WithSessions(sessions))
	wb := workbench.New(st, emb, log)
	candidates := candidate.New(st, emb, log)

	providerFactory := func(id string) (llmprovider.Provider, error) {
		return llmprovider.New(llmprovider.Config{
			ID: id, APIKey: cfg.ConversationAnalysis.APIKey,
			Model: cfg.ConversationAnalysis.Model, BaseURL: cfg.ConversationAnalysis.APIBaseURL,
		})
	}
	m := miner.New(st, candidates, mem, providerFactory, log)

	jobs, err := jobqueue.New(ctx, st, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("mnesisd: init job queue: %w", err)
	}

	dir, err := config.Dir()
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("mnesisd: resolve data dir: %w", err)
	}
	sched, err := scheduler.New(st, jobs, scheduler.Config{StateFilePath: filepath.Join(dir, "scheduler_state.json")}, log)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("mnesisd: init scheduler: %w", err)
	}

	return &app{
		log: log, cfgMgr: cfgMgr, cfg: cfg, store: st, embedder: emb, writeQ: wq,
		graph: graphLayer, sessions: sessions, memory: mem, workbench: wb,
		candidates: candidates, miner: m, jobs: jobs, scheduler: sched,
	}, nil
}

// resolveDBPath returns override if set, else $MNESIS_APPDATA_DIR/mnesis.db
// (or the OS-appropriate config dir's mnesis.db).
func resolveDBPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	dir, err := config.Dir()
	if err != nil {
		return "", fmt.Errorf("mnesisd: resolve data dir: %w", err)
	}
	return filepath.Join(dir, "mnesis.db"), nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}

// runOptionsFromConfig translates config.yaml's conversation_analysis
// section into miner.RunOptions. mine_cmd.go's one-shot command starts
// from the same options and layers its CLI flags on top.
func runOptionsFromConfig(cfg config.ConversationAnalysis) miner.RunOptions {
	return miner.RunOptions{
		Provider:                  cfg.Provider,
		MaxConversations:          cfg.MaxConversations,
		MaxMessagesPerConversation: cfg.MaxMessagesPerConversation,
		MaxCandidatesPerConv:      cfg.MaxCandidatesPerConversation,
		MaxNewMemories:            cfg.MaxNewMemories,
		MinConfidence:             cfg.MinConfidence,
		PromotionMinScore:         cfg.PromotionMinScore,
		PromotionMinEvidence:      cfg.PromotionMinEvidence,
		PromotionMinConversations: cfg.PromotionMinConversations,
		SemanticDedupeThreshold:   cfg.SemanticDedupeThreshold,
		Concurrency:               cfg.Concurrency,
		IncludeAssistantMessages:  cfg.IncludeAssistantMessages,
		WaitIfBusy:                false,
	}
}
