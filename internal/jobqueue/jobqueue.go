// Package jobqueue implements a persisted, priority-ordered work queue
// backing background mining runs and other async triggers. Unlike
// internal/writequeue (an in-process
// channel), JobQueue is store-backed so pending/running work survives a
// process restart, with a crash-recovery pass that rewinds orphaned
// "running" rows back to "pending" on startup.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mnesis/mnesis/internal/store"
)

// Status values a Job moves through.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	// PriorityMin/PriorityMax bound the accepted job priority range.
	PriorityMin = -20
	PriorityMax = 20

	defaultMaxAttempts = 3
)

// Job is one unit of background work.
type Job struct {
	ID           string
	Trigger      string
	Status       string
	Priority     int
	DedupeKey    string
	Payload      map[string]any
	Result       map[string]any
	AttemptCount int
	MaxAttempts  int
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Error        string
}

// ErrDuplicate is returned by Enqueue when dedupe_key already names a
// pending or running job.
var ErrDuplicate = fmt.Errorf("jobqueue: duplicate dedupe_key among pending/running jobs")

// Queue is the persisted job queue.
type Queue struct {
	store *store.Store
	log   *slog.Logger
	now   func() time.Time
}

// New constructs a Queue and runs crash recovery: any job left in
// "running" status from a previous process (no clean shutdown, or a crash
// mid-job) is rewound to "pending" so it gets re-claimed rather than stuck
// forever.
func New(ctx context.Context, st *store.Store, log *slog.Logger) (*Queue, error) {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{store: st, log: log, now: time.Now}
	if err := q.recoverOrphans(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) recoverOrphans(ctx context.Context) error {
	tbl, err := q.store.Table("jobs")
	if err != nil {
		return err
	}
	rows, err := tbl.Search(nil).Where(fmt.Sprintf("status = '%s'", StatusRunning)).ToList(ctx)
	if err != nil {
		return err
	}
	for _, r := range rows {
		id, _ := r["id"].(string)
		if err := tbl.Update(ctx, id, store.Row{"status": StatusPending, "started_at": nil}); err != nil {
			return fmt.Errorf("jobqueue: recover orphan %s: %w", id, err)
		}
		q.log.Warn("jobqueue recovered orphaned running job", "job_id", id)
	}
	return nil
}

// Enqueue adds a job at the given priority (clamped to
// [PriorityMin, PriorityMax]). If dedupeKey is non-empty and already names a
// pending or running job, ErrDuplicate is returned and no row is added.
func (q *Queue) Enqueue(ctx context.Context, trigger string, priority int, dedupeKey string, payload map[string]any) (Job, error) {
	tbl, err := q.store.Table("jobs")
	if err != nil {
		return Job{}, err
	}
	if priority < PriorityMin {
		priority = PriorityMin
	}
	if priority > PriorityMax {
		priority = PriorityMax
	}
	if dedupeKey != "" {
		rows, err := tbl.Search(nil).Where(fmt.Sprintf(
			"dedupe_key = '%s' AND (status = '%s' OR status = '%s')",
			escapeLit(dedupeKey), StatusPending, StatusRunning)).Limit(1).ToList(ctx)
		if err != nil {
			return Job{}, err
		}
		if len(rows) > 0 {
			return Job{}, ErrDuplicate
		}
	}
	now := q.now()
	id := uuid.NewString()
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("jobqueue: marshal payload: %w", err)
	}
	if err := tbl.Add(ctx, store.Row{
		"id": id, "trigger": trigger, "status": StatusPending, "priority": priority,
		"dedupe_key": dedupeKey, "payload": string(payloadJSON), "attempt_count": 0,
		"max_attempts": defaultMaxAttempts, "created_at": now.Format(time.RFC3339),
	}); err != nil {
		return Job{}, fmt.Errorf("jobqueue: enqueue: %w", err)
	}
	return Job{ID: id, Trigger: trigger, Status: StatusPending, Priority: priority, DedupeKey: dedupeKey,
		Payload: payload, MaxAttempts: defaultMaxAttempts, CreatedAt: now}, nil
}

// Claim picks the highest-priority pending job (ties broken by oldest
// created_at) and marks it running, as a read followed by a separate
// update rather than one atomic statement. Returns (Job{}, false, nil) when
// there is no pending work.
func (q *Queue) Claim(ctx context.Context) (Job, bool, error) {
	tbl, err := q.store.Table("jobs")
	if err != nil {
		return Job{}, false, err
	}
	rows, err := tbl.Search(nil).Where(fmt.Sprintf("status = '%s'", StatusPending)).ToList(ctx)
	if err != nil {
		return Job{}, false, err
	}
	if len(rows) == 0 {
		return Job{}, false, nil
	}
	sort.SliceStable(rows, func(i, j int) bool {
		pi, pj := toInt(rows[i]["priority"]), toInt(rows[j]["priority"])
		if pi != pj {
			return pi > pj
		}
		return fmt.Sprint(rows[i]["created_at"]) < fmt.Sprint(rows[j]["created_at"])
	})
	chosen := rows[0]
	id, _ := chosen["id"].(string)
	now := q.now()
	attempts := toInt(chosen["attempt_count"]) + 1
	if err := tbl.Update(ctx, id, store.Row{
		"status": StatusRunning, "started_at": now.Format(time.RFC3339), "attempt_count": attempts,
	}); err != nil {
		return Job{}, false, fmt.Errorf("jobqueue: claim: %w", err)
	}
	return rowToJob(chosen, StatusRunning, int(attempts), &now), true, nil
}

// Complete marks a running job completed with the given result payload.
func (q *Queue) Complete(ctx context.Context, jobID string, result map[string]any) error {
	tbl, err := q.store.Table("jobs")
	if err != nil {
		return err
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("jobqueue: marshal result: %w", err)
	}
	now := q.now()
	return tbl.Update(ctx, jobID, store.Row{
		"status": StatusCompleted, "completed_at": now.Format(time.RFC3339), "result": string(resultJSON),
	})
}

// Fail marks a running job failed. If the job's attempt_count is still
// below max_attempts, it is rewound to pending for a later retry instead of
// being left permanently failed.
func (q *Queue) Fail(ctx context.Context, jobID string, cause error) error {
	tbl, err := q.store.Table("jobs")
	if err != nil {
		return err
	}
	row, err := tbl.Get(ctx, jobID)
	if err != nil {
		return err
	}
	attempts := toInt(row["attempt_count"])
	maxAttempts := toInt(row["max_attempts"])
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	if attempts < maxAttempts {
		q.log.Warn("jobqueue: job failed, will retry", "job_id", jobID, "attempt", attempts, "max_attempts", maxAttempts, "error", errMsg)
		return tbl.Update(ctx, jobID, store.Row{"status": StatusPending, "error": errMsg, "started_at": nil})
	}
	q.log.Error("jobqueue: job failed, retries exhausted", "job_id", jobID, "error", errMsg)
	return tbl.Update(ctx, jobID, store.Row{
		"status": StatusFailed, "error": errMsg, "completed_at": q.now().Format(time.RFC3339),
	})
}

// RecentRuns returns the most recently completed or failed jobs, used by
// an admin-stats surface.
func (q *Queue) RecentRuns(ctx context.Context, limit int) ([]Job, error) {
	tbl, err := q.store.Table("jobs")
	if err != nil {
		return nil, err
	}
	rows, err := tbl.Search(nil).Where(
		fmt.Sprintf("status = '%s' OR status = '%s'", StatusCompleted, StatusFailed)).Limit(limit * 4).ToList(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return fmt.Sprint(rows[i]["completed_at"]) > fmt.Sprint(rows[j]["completed_at"])
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToJob(r, fmt.Sprint(r["status"]), int(toInt(r["attempt_count"])), nil))
	}
	return out, nil
}

func rowToJob(r store.Row, status string, attempts int, startedAt *time.Time) Job {
	j := Job{
		ID: fmt.Sprint(r["id"]), Trigger: fmt.Sprint(r["trigger"]), Status: status,
		Priority: int(toInt(r["priority"])), DedupeKey: fmt.Sprint(r["dedupe_key"]),
		AttemptCount: attempts, StartedAt: startedAt,
	}
	return j
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
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
