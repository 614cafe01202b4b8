package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mnesis/mnesis/internal/jobqueue"
	"github.com/mnesis/mnesis/internal/miner"
)

const jobPollInterval = 2 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background write/job/scheduler loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	return cmd
}

func runServe(parentCtx context.Context) error {
	log := newLogger()
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, log, dbPathFlag)
	if err != nil {
		return err
	}
	defer a.close()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := a.cfgMgr.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("config watcher stopped", "error", err)
		}
	}()

	a.scheduler.Start()
	defer a.scheduler.Stop()

	log.Info("mnesisd serve: ready", "db", dbPathFlag)
	runJobWorker(ctx, a)
	log.Info("mnesisd serve: shutting down")
	return nil
}

// runJobWorker claims and executes jobs from the persisted queue until ctx
// is cancelled. "auto_mining" is the only trigger the Scheduler currently
// enqueues; a job with an unrecognized trigger is failed on every claim,
// so it goes back to pending until its attempts run out and then stays
// failed, rather than wedging the queue.
func runJobWorker(ctx context.Context, a *app) {
	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				job, ok, err := a.jobs.Claim(ctx)
				if err != nil {
					a.log.Warn("job claim failed", "error", err)
					break
				}
				if !ok {
					break
				}
				a.runJob(ctx, job)
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

func (a *app) runJob(ctx context.Context, job jobqueue.Job) {
	switch job.Trigger {
	case "auto_mining":
		convID, _ := job.Payload["conversation_id"].(string)
		opts := runOptionsFromConfig(a.cfg.ConversationAnalysis)
		opts.WaitIfBusy = true
		if convID != "" {
			opts.ConversationIDs = []string{convID}
		}
		report, err := a.miner.Run(ctx, opts)
		if err != nil {
			a.log.Error("auto_mining job failed", "job_id", job.ID, "error", err)
			_ = a.jobs.Fail(ctx, job.ID, err)
			return
		}
		if err := a.jobs.Complete(ctx, job.ID, minerReportToResult(report)); err != nil {
			a.log.Warn("auto_mining job complete failed", "job_id", job.ID, "error", err)
		}
	default:
		a.log.Warn("job worker: unrecognized trigger", "job_id", job.ID, "trigger", job.Trigger)
		_ = a.jobs.Fail(ctx, job.ID, fmt.Errorf("jobworker: unrecognized trigger %q", job.Trigger))
	}
}

func minerReportToResult(r miner.Report) map[string]any {
	return map[string]any{
		"status":                 r.Status,
		"provider":               r.Provider,
		"conversations_selected": r.ConversationsSelected,
		"candidates_total":       r.CandidatesTotal,
		"created":                r.Created,
		"merged":                 r.Merged,
		"rejected":               r.Rejected,
	}
}
