package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mvajha/talon/internal/queue"
	"github.com/mvajha/talon/internal/sandbox"
	"github.com/mvajha/talon/internal/service/logger"
	"github.com/mvajha/talon/internal/util"
	"github.com/mvajha/talon/model"
)

// JobStore is the slice of the job repository the monitor writes through.
// The monitor is the only writer of terminal transitions out of running.
type JobStore interface {
	GetJobByID(ctx context.Context, id string) (*model.Job, error)
	MarkTerminal(ctx context.Context, id string, to model.JobStatus, result *model.JobResult, completedAt time.Time) (bool, error)
	Requeue(ctx context.Context, id string) (bool, error)
	FailQueued(ctx context.Context, id string, result *model.JobResult, completedAt time.Time) (bool, error)
	ListRunningPastDeadline(ctx context.Context, now time.Time) ([]*model.Job, error)
	ListQueuedOlderThan(ctx context.Context, cutoff time.Time) ([]*model.Job, error)
}

type Config struct {
	ScanInterval time.Duration
	// MaxRetries bounds re-dispatch after sandbox infrastructure
	// crashes. Application-level failures are never retried.
	MaxRetries         int
	RetryableExitCodes []int
	// SweepGrace is how long a queued job may sit before the
	// consistency sweep re-enqueues it.
	SweepGrace time.Duration
	// SweepMaxAge is the age past which an undispatched queued job is
	// failed instead of re-enqueued.
	SweepMaxAge time.Duration
}

// Monitor closes out running jobs from sandbox exit events, enforces the
// hard execution deadline and reconciles queued jobs whose enqueue was
// lost.
type Monitor struct {
	store     JobStore
	queue     queue.Queue
	launcher  sandbox.Launcher
	cfg       Config
	retryable map[int]bool
	now       func() time.Time
}

func NewMonitor(store JobStore, q queue.Queue, launcher sandbox.Launcher, cfg Config) *Monitor {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 10 * time.Second
	}
	if cfg.SweepGrace <= 0 {
		cfg.SweepGrace = 2 * time.Minute
	}
	if cfg.SweepMaxAge <= cfg.SweepGrace {
		cfg.SweepMaxAge = 30 * time.Minute
	}

	retryable := make(map[int]bool, len(cfg.RetryableExitCodes))
	for _, c := range cfg.RetryableExitCodes {
		retryable[c] = true
	}

	return &Monitor{
		store:     store,
		queue:     q,
		launcher:  launcher,
		cfg:       cfg,
		retryable: retryable,
		now:       time.Now,
	}
}

// Run consumes exit events and runs the periodic scans until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.launcher.Exits():
			m.HandleExit(ctx, ev)
		case <-ticker.C:
			m.EnforceTimeouts(ctx)
			m.SweepQueued(ctx)
		}
	}
}

// HandleExit closes out the job for one sandbox exit notification.
func (m *Monitor) HandleExit(ctx context.Context, ev sandbox.ExitEvent) {
	job, err := m.store.GetJobByID(ctx, ev.JobID)
	if err != nil {
		logger.Log.Error().Err(err).Str("id", ev.JobID).Msg("exit event for unknown job")
		return
	}
	if job.Status != model.StatusRunning {
		// Already timed out or cancelled; nothing to close.
		return
	}

	now := m.now().UTC()
	duration := 0.0
	if job.StartedAt != nil {
		duration = now.Sub(*job.StartedAt).Seconds()
	}

	if ev.Err == nil && ev.ExitCode == 0 {
		exit := 0
		ok, err := m.store.MarkTerminal(ctx, job.ID, model.StatusCompleted, &model.JobResult{
			ExitCode:        &exit,
			ArtifactKey:     util.ScreenshotKey(job.ID),
			DurationSeconds: duration,
		}, now)
		if err != nil {
			logger.Log.Error().Err(err).Str("id", job.ID).Msg("failed to complete job")
		} else if ok {
			logger.Log.Info().Str("id", job.ID).Float64("duration", duration).Msg("job completed")
		}
		return
	}

	if m.isInfraCrash(ev) && job.RetryCount < m.cfg.MaxRetries {
		m.redispatch(ctx, job)
		return
	}

	result := &model.JobResult{DurationSeconds: duration}
	if ev.Err != nil {
		result.ErrorMessage = ev.Err.Error()
	} else {
		exit := ev.ExitCode
		result.ExitCode = &exit
		result.ErrorMessage = fmt.Sprintf("sandbox exited with code %d", ev.ExitCode)
	}

	ok, err := m.store.MarkTerminal(ctx, job.ID, model.StatusFailed, result, now)
	if err != nil {
		logger.Log.Error().Err(err).Str("id", job.ID).Msg("failed to fail job")
	} else if ok {
		logger.Log.Info().Str("id", job.ID).Int("exit_code", ev.ExitCode).Msg("job failed")
	}
}

// isInfraCrash decides whether an exit is a sandbox infrastructure crash
// eligible for re-dispatch, as opposed to an application failure. The
// classification is a configured exit-code set; an unobservable exit
// counts as a crash.
func (m *Monitor) isInfraCrash(ev sandbox.ExitEvent) bool {
	if ev.Err != nil {
		return true
	}
	return m.retryable[ev.ExitCode]
}

// redispatch re-enqueues a crashed job: same job id, fresh execution
// attempt, new handle recorded by the next dispatch.
func (m *Monitor) redispatch(ctx context.Context, job *model.Job) {
	ok, err := m.store.Requeue(ctx, job.ID)
	if err != nil {
		logger.Log.Error().Err(err).Str("id", job.ID).Msg("failed to requeue crashed job")
		return
	}
	if !ok {
		return
	}
	if err := m.enqueue(ctx, job); err != nil {
		// The sweep picks the job up later; the record is already queued.
		logger.Log.Warn().Err(err).Str("id", job.ID).Msg("requeue publish failed, leaving to sweep")
		return
	}
	logger.Log.Info().Str("id", job.ID).Int("retry", job.RetryCount+1).Msg("crashed job re-enqueued")
}

// EnforceTimeouts force-terminates running jobs past their hard deadline.
// The record is closed first so the resulting exit event cannot race in
// as a retryable crash.
func (m *Monitor) EnforceTimeouts(ctx context.Context) {
	now := m.now().UTC()
	jobs, err := m.store.ListRunningPastDeadline(ctx, now)
	if err != nil {
		logger.Log.Error().Err(err).Msg("timeout scan failed")
		return
	}

	for _, job := range jobs {
		duration := 0.0
		if job.StartedAt != nil {
			duration = now.Sub(*job.StartedAt).Seconds()
		}
		ok, err := m.store.MarkTerminal(ctx, job.ID, model.StatusTimeout, &model.JobResult{
			ErrorMessage:    fmt.Sprintf("execution exceeded %ds timeout", job.TimeoutSeconds),
			DurationSeconds: duration,
		}, now)
		if err != nil {
			logger.Log.Error().Err(err).Str("id", job.ID).Msg("failed to time out job")
			continue
		}
		if !ok {
			continue
		}
		logger.Log.Warn().Str("id", job.ID).Str("handle", job.ExecutionHandle).Msg("job timed out, terminating sandbox")
		if job.ExecutionHandle != "" {
			if err := m.launcher.Terminate(ctx, job.ExecutionHandle); err != nil {
				logger.Log.Warn().Err(err).Str("id", job.ID).Msg("sandbox termination failed")
			}
		}
	}
}

// SweepQueued reconciles queued jobs that outlived the grace period,
// covering the record-persisted-but-enqueue-failed anomaly. Republishing
// uses the job id as dedup key, and the dispatcher's conditional claim
// makes a stray duplicate entry harmless.
func (m *Monitor) SweepQueued(ctx context.Context) {
	now := m.now().UTC()
	jobs, err := m.store.ListQueuedOlderThan(ctx, now.Add(-m.cfg.SweepGrace))
	if err != nil {
		logger.Log.Error().Err(err).Msg("consistency sweep failed")
		return
	}

	for _, job := range jobs {
		if now.Sub(job.CreatedAt) > m.cfg.SweepMaxAge {
			if _, err := m.store.FailQueued(ctx, job.ID, &model.JobResult{
				ErrorMessage: "job was never dispatched",
			}, now); err != nil {
				logger.Log.Error().Err(err).Str("id", job.ID).Msg("failed to fail undispatched job")
			}
			continue
		}
		if err := m.enqueue(ctx, job); err != nil {
			logger.Log.Warn().Err(err).Str("id", job.ID).Msg("sweep re-enqueue failed")
		}
	}
}

func (m *Monitor) enqueue(ctx context.Context, job *model.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return m.queue.Publish(ctx, queue.LaneForPriority(job.Priority), payload, job.ID, job.SubmitterID)
}
