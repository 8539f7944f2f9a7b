package jobservice

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/mvajha/talon/internal/cache"
	"github.com/mvajha/talon/internal/config"
	"github.com/mvajha/talon/internal/db/repository"
	"github.com/mvajha/talon/internal/queue"
	"github.com/mvajha/talon/internal/ratelimit"
	"github.com/mvajha/talon/internal/service/logger"
	"github.com/mvajha/talon/internal/storage"
	"github.com/mvajha/talon/internal/util"
	"github.com/mvajha/talon/model"
)

var (
	ErrValidation      = errors.New("invalid submission")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrNotFound        = errors.New("job not found")
	ErrAlreadyTerminal = errors.New("job already finished")
)

const (
	presignExpiry   = 15 * time.Minute
	logPollInterval = time.Second
	logPageSize     = 200
)

func init() {
	// Job.Metadata round-trips through the gob cache.
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}

// JobStore is the slice of the job repository the service uses.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJobByID(ctx context.Context, id string) (*model.Job, error)
	MarkCancelled(ctx context.Context, id string, completedAt time.Time) (*model.Job, bool, error)
}

// LogStore is the append-and-tail log sink.
type LogStore interface {
	Append(ctx context.Context, jobID string, ts time.Time, message string) error
	Tail(ctx context.Context, jobID string, afterSeq int64, limit int) ([]model.LogLine, error)
}

// Terminator force-stops a sandbox by handle. Satisfied by the sandbox
// launcher.
type Terminator interface {
	Terminate(ctx context.Context, handle string) error
}

// JobService is the submission and status surface. It owns validation,
// admission control and the queue handoff; lifecycle transitions past
// queued belong to the dispatcher and the recovery monitor.
type JobService struct {
	store      JobStore
	logs       LogStore
	limiter    ratelimit.Limiter
	cache      cache.Cache
	storage    storage.Storage
	queue      queue.Queue
	terminator Terminator
	cfg        config.JobConfig
	now        func() time.Time
}

func NewJobService(store JobStore, logs LogStore, limiter ratelimit.Limiter, c cache.Cache, s storage.Storage, q queue.Queue, t Terminator, cfg config.JobConfig) *JobService {
	return &JobService{
		store:      store,
		logs:       logs,
		limiter:    limiter,
		cache:      c,
		storage:    s,
		queue:      q,
		terminator: t,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Submit validates and admits one job, persists it as queued and hands it
// to its priority lane. The record is written before the publish so a
// lost enqueue is recoverable by the consistency sweep.
func (s *JobService) Submit(ctx context.Context, req model.SubmitRequest) (*model.SubmitResponse, error) {
	job, err := s.buildJob(req)
	if err != nil {
		return nil, err
	}

	admitted, err := s.limiter.Admit(ctx, job.SubmitterID)
	if err != nil {
		logger.Log.Warn().Err(err).Str("submitter", job.SubmitterID).Msg("rate limiter unavailable")
	}
	if !admitted {
		return nil, fmt.Errorf("%w: submitter %s", ErrRateLimited, job.SubmitterID)
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	if err := s.queue.Publish(ctx, queue.LaneForPriority(job.Priority), payload, job.ID, job.SubmitterID); err != nil {
		// The record exists as queued; the sweep re-enqueues it.
		logger.Log.Warn().Err(err).Str("id", job.ID).Msg("enqueue failed, sweep will recover")
	}

	logger.Log.Info().Str("id", job.ID).Str("priority", string(job.Priority)).Str("submitter", job.SubmitterID).Msg("job submitted")
	return &model.SubmitResponse{JobID: job.ID, Status: job.Status}, nil
}

func (s *JobService) buildJob(req model.SubmitRequest) (*model.Job, error) {
	if req.SubmitterID == "" {
		return nil, fmt.Errorf("%w: submitterId is required", ErrValidation)
	}
	if req.TargetURL == "" {
		return nil, fmt.Errorf("%w: targetUrl is required", ErrValidation)
	}
	u, err := url.Parse(req.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: targetUrl must be an absolute http(s) URL", ErrValidation)
	}

	priority := req.Priority
	switch priority {
	case "":
		priority = model.PriorityNormal
	case model.PriorityHigh, model.PriorityNormal, model.PriorityLow:
	default:
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, req.Priority)
	}

	timeout := req.TimeoutSeconds
	if timeout == 0 {
		timeout = s.cfg.DEFAULT_TIMEOUT_SECONDS
	}
	if timeout < s.cfg.MIN_TIMEOUT_SECONDS || timeout > s.cfg.MAX_TIMEOUT_SECONDS {
		return nil, fmt.Errorf("%w: timeoutSeconds must be between %d and %d", ErrValidation, s.cfg.MIN_TIMEOUT_SECONDS, s.cfg.MAX_TIMEOUT_SECONDS)
	}

	id, err := model.NewJobID()
	if err != nil {
		return nil, err
	}

	return &model.Job{
		ID:             id,
		SubmitterID:    req.SubmitterID,
		TargetURL:      req.TargetURL,
		Priority:       priority,
		Status:         model.StatusQueued,
		TimeoutSeconds: timeout,
		Metadata:       req.Metadata,
		CreatedAt:      s.now().UTC(),
	}, nil
}

// GetJob returns the current record, serving terminal jobs from cache.
// Completed jobs get a fresh presigned artifact URL on every read.
func (s *JobService) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var cached model.Job
	if err := s.cache.Get(ctx, util.JobCacheKey(id), &cached); err == nil {
		return s.withArtifactURL(ctx, &cached), nil
	}

	job, err := s.store.GetJobByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	// Only terminal records are immutable enough to cache.
	if job.Status.Terminal() {
		if err := s.cache.Put(ctx, util.JobCacheKey(id), *job, s.cache.GetDefaultTTL()); err != nil {
			logger.Log.Warn().Err(err).Str("id", id).Msg("failed to cache job")
		}
	}

	return s.withArtifactURL(ctx, job), nil
}

func (s *JobService) withArtifactURL(ctx context.Context, job *model.Job) *model.Job {
	if job.Result == nil || job.Result.ArtifactKey == "" {
		return job
	}
	u, err := s.storage.Presign(ctx, job.Result.ArtifactKey, presignExpiry)
	if err != nil {
		logger.Log.Warn().Err(err).Str("id", job.ID).Msg("failed to presign artifact")
		return job
	}
	job.Result.ArtifactURL = u
	return job
}

// Cancel moves a non-terminal job to cancelled and, if it was running,
// tears its sandbox down best-effort.
func (s *JobService) Cancel(ctx context.Context, id string) (*model.Job, error) {
	prior, ok, err := s.store.MarkCancelled(ctx, id, s.now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, prior.Status)
	}

	if prior.Status == model.StatusRunning && prior.ExecutionHandle != "" {
		if terr := s.terminator.Terminate(ctx, prior.ExecutionHandle); terr != nil {
			logger.Log.Warn().Err(terr).Str("id", id).Msg("sandbox termination on cancel failed")
		}
	}

	if err := s.cache.Delete(ctx, util.JobCacheKey(id)); err != nil {
		logger.Log.Warn().Err(err).Str("id", id).Msg("failed to evict cached job")
	}

	logger.Log.Info().Str("id", id).Str("prior", string(prior.Status)).Msg("job cancelled")
	return s.store.GetJobByID(ctx, id)
}

// IngestLog appends one sandbox log line to the job's sink.
func (s *JobService) IngestLog(ctx context.Context, jobID string, ts time.Time, message string) error {
	if _, err := s.store.GetJobByID(ctx, jobID); err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, jobID)
		}
		return err
	}
	return s.logs.Append(ctx, jobID, ts.UTC(), message)
}

// StreamLogs tails a job's logs through send until the job reaches a
// terminal state or ctx is cancelled. Sink outages surface as waiting
// events instead of tearing the stream down; the final frame is a
// complete event carrying the terminal status.
func (s *JobService) StreamLogs(ctx context.Context, id string, send func(model.LogStreamEvent) error) error {
	job, err := s.store.GetJobByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}

	var afterSeq int64
	for {
		lines, err := s.logs.Tail(ctx, id, afterSeq, logPageSize)
		if err != nil {
			logger.Log.Warn().Err(err).Str("id", id).Msg("log tail failed")
			if serr := send(model.LogStreamEvent{Status: "waiting"}); serr != nil {
				return serr
			}
		}
		for _, line := range lines {
			ts := line.Timestamp
			if serr := send(model.LogStreamEvent{Timestamp: &ts, Message: line.Message}); serr != nil {
				return serr
			}
			afterSeq = line.Seq
		}

		// A full page means more lines may already be waiting.
		if len(lines) == logPageSize {
			continue
		}

		if job.Status.Terminal() {
			return send(model.LogStreamEvent{Status: "complete", JobStatus: job.Status})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(logPollInterval):
		}

		if job, err = s.store.GetJobByID(ctx, id); err != nil {
			return err
		}
	}
}
