// Package scheduler runs periodic background sweeps (decay scoring,
// weekly maintenance, snapshot-token rotation, hourly auto-mining trigger
// checks), persisting last-run timestamps to scheduler_state.json so a
// restart doesn't immediately re-run everything.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mnesis/mnesis/internal/decay"
	"github.com/mnesis/mnesis/internal/jobqueue"
	"github.com/mnesis/mnesis/internal/store"
)

const (
	decaySweepInterval     = 20 * time.Hour
	maintenanceInterval    = 7 * 24 * time.Hour
	snapshotRotateInterval = 90 * 24 * time.Hour
	miningCheckInterval    = time.Hour

	tickInterval = time.Minute
	cycleTimeout = 30 * time.Second

	// miningSignalThreshold is the minimum number of un-mined messages a
	// conversation needs to accumulate before the hourly check enqueues an
	// automatic mining job for it.
	miningSignalThreshold = 8
)

// Config bounds the scheduler's dependencies and where it persists state.
type Config struct {
	StateFilePath string
}

// Scheduler runs the periodic background sweeps (decay, mining trigger
// checks, snapshot token rotation) on fixed intervals.
type Scheduler struct {
	store  *store.Store
	jobs   *jobqueue.Queue
	log    *slog.Logger
	cfg    Config
	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
	mu     sync.Mutex
	state  State
}

// New constructs a Scheduler and loads its persisted state (or starts
// fresh, with every sweep due immediately, if no state file exists yet).
func New(st *store.Store, jobs *jobqueue.Queue, cfg Config, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	state, err := LoadState(cfg.StateFilePath)
	if err != nil {
		return nil, fmt.Errorf("scheduler: load state: %w", err)
	}
	return &Scheduler{
		store: st, jobs: jobs, log: log, cfg: cfg, now: time.Now,
		stopCh: make(chan struct{}), state: state,
	}, nil
}

// Start runs the sweep loop in a background goroutine until Stop is called.
func (s *Scheduler) Start() {
	go s.runLoop()
}

// Stop signals the loop to exit. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) runLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
			s.runDueSweeps(ctx)
			cancel()
		}
	}
}

// runDueSweeps runs every sweep whose interval has elapsed since its last
// recorded run, saving state after each so a crash mid-cycle only re-runs
// the sweep that was interrupted, not ones that already completed.
func (s *Scheduler) runDueSweeps(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.state.LastDecaySweepAt) >= decaySweepInterval {
		if err := s.RunDecaySweep(ctx); err != nil {
			s.log.Error("decay sweep failed", "error", err)
		} else {
			s.state.LastDecaySweepAt = now
		}
	}
	if now.Sub(s.state.LastMaintenanceAt) >= maintenanceInterval {
		if err := s.RunMaintenance(ctx); err != nil {
			s.log.Error("weekly maintenance failed", "error", err)
		} else {
			s.state.LastMaintenanceAt = now
		}
	}
	if now.Sub(s.state.LastSnapshotRotateAt) >= snapshotRotateInterval {
		if err := s.RunSnapshotTokenRotation(ctx); err != nil {
			s.log.Error("snapshot token rotation failed", "error", err)
		} else {
			s.state.LastSnapshotRotateAt = now
		}
	}
	if now.Sub(s.state.LastMiningCheckAt) >= miningCheckInterval {
		report, err := s.RunMiningTriggerCheck(ctx)
		if err != nil {
			s.log.Error("mining trigger check failed", "error", err)
		} else {
			s.state.LastMiningCheckAt = now
			s.state.LastMiningReport = report
		}
	}

	if err := SaveState(s.cfg.StateFilePath, s.state); err != nil {
		s.log.Error("scheduler: save state failed", "error", err)
	}
}

// RunDecaySweep walks every active memory, recomputes its Ebbinghaus
// retention from days-since-last-referenced, scales importance_score by
// that retention (semantic memories never drop below importance 0.1), and
// archives working memories whose importance falls below 0.05; no other
// level is archived by the sweep. A single memory's update failing does
// not stop the sweep from continuing through the rest.
func (s *Scheduler) RunDecaySweep(ctx context.Context) error {
	tbl, err := s.store.Table("memories")
	if err != nil {
		return err
	}
	rows, err := tbl.Search(nil).Where("status = 'active'").ToList(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: decay sweep scan: %w", err)
	}
	now := s.now()
	var archived, updated int
	for _, r := range rows {
		id, _ := r["id"].(string)
		level, _ := r["level"].(string)
		importance := toFloat(r["importance_score"])
		lastRef := parseTime(r["last_referenced_at"])
		days := 0.0
		if !lastRef.IsZero() {
			days = now.Sub(lastRef).Hours() / 24
		}
		retention := decay.Retention(level, days)
		newImportance := importance * retention
		if level == "semantic" && newImportance < 0.1 {
			newImportance = 0.1
		}

		if decay.ShouldArchiveWorking(level, newImportance) {
			if err := tbl.Update(ctx, id, store.Row{"status": "archived", "updated_at": now.Format(time.RFC3339)}); err != nil {
				s.log.Warn("decay sweep: archive failed", "memory_id", id, "error", err)
				continue
			}
			archived++
			continue
		}
		if err := tbl.Update(ctx, id, store.Row{
			"importance_score": newImportance, "updated_at": now.Format(time.RFC3339),
		}); err != nil {
			s.log.Warn("decay sweep: importance update failed", "memory_id", id, "error", err)
			continue
		}
		updated++
	}
	s.log.Info("decay sweep complete", "updated", updated, "archived", archived)
	return nil
}

// RunMaintenance performs weekly housekeeping: resolved pending_conflicts
// older than 30 days and completed/failed jobs older than 30 days are
// pruned so those tables don't grow unbounded.
func (s *Scheduler) RunMaintenance(ctx context.Context) error {
	now := s.now()
	cutoff := now.AddDate(0, 0, -30).Format(time.RFC3339)

	ptbl, err := s.store.Table("pending_conflicts")
	if err != nil {
		return err
	}
	if err := ptbl.Delete(ctx, fmt.Sprintf(
		"status != 'pending' AND resolved_at IS NOT NULL AND resolved_at < '%s'", cutoff)); err != nil {
		return fmt.Errorf("scheduler: prune pending_conflicts: %w", err)
	}

	jtbl, err := s.store.Table("jobs")
	if err != nil {
		return err
	}
	if err := jtbl.Delete(ctx, fmt.Sprintf(
		"(status = 'completed' OR status = 'failed') AND completed_at < '%s'", cutoff)); err != nil {
		return fmt.Errorf("scheduler: prune jobs: %w", err)
	}
	s.log.Info("weekly maintenance complete")
	return nil
}

// RunSnapshotTokenRotation is a deliberately thin placeholder: minting and
// rotating a snapshot access token is a transport-layer concern this
// module doesn't implement. The sweep still runs on schedule so a future
// transport layer has a hook, and logs that it ran.
func (s *Scheduler) RunSnapshotTokenRotation(ctx context.Context) error {
	s.log.Info("snapshot token rotation sweep ran (no-op: transport layer out of scope)")
	return nil
}

// RunMiningTriggerCheck looks for conversations with enough un-mined
// message volume and enqueues a mining job for each, deduped by
// conversation id so a conversation already queued or running isn't
// double-enqueued.
func (s *Scheduler) RunMiningTriggerCheck(ctx context.Context) (map[string]any, error) {
	ctbl, err := s.store.Table("conversations")
	if err != nil {
		return nil, err
	}
	rows, err := ctbl.Search(nil).Where("status = 'active'").ToList(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: mining trigger scan: %w", err)
	}
	itbl, err := s.store.Table("candidate_index")
	if err != nil {
		return nil, err
	}
	var triggered int
	for _, r := range rows {
		convID, _ := r["id"].(string)
		msgCount := int(toFloat(r["message_count"]))

		idxRows, err := itbl.Search(nil).Where(fmt.Sprintf("conversation_id = '%s'", escapeLit(convID))).Limit(1).ToList(ctx)
		if err != nil {
			s.log.Warn("mining trigger check: index lookup failed", "conversation_id", convID, "error", err)
			continue
		}
		analyzed := 0
		if len(idxRows) > 0 {
			analyzed = int(toFloat(idxRows[0]["message_count"]))
		}
		if msgCount-analyzed < miningSignalThreshold {
			continue
		}
		_, err = s.jobs.Enqueue(ctx, "auto_mining", 5, "mine:"+convID, map[string]any{"conversation_id": convID})
		if err != nil {
			if err == jobqueue.ErrDuplicate {
				continue
			}
			s.log.Warn("mining trigger check: enqueue failed", "conversation_id", convID, "error", err)
			continue
		}
		triggered++
	}
	s.log.Info("mining trigger check complete", "triggered", triggered)
	return map[string]any{"triggered": triggered}, nil
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func parseTime(v any) time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func escapeLit(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
