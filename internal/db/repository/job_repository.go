package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mvajha/talon/internal/db"
	"github.com/mvajha/talon/internal/tracing"
	"github.com/mvajha/talon/internal/util"
	"github.com/mvajha/talon/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrJobNotFound is returned for point reads of unknown job ids.
var ErrJobNotFound = errors.New("job not found")

const jobColumns = `
	id,
	submitter_id,
	target_url,
	priority,
	status,
	timeout_seconds,
	metadata,
	retry_count,
	execution_handle,
	result,
	created_at,
	started_at,
	completed_at`

type JobRepository struct {
	db *db.DB
}

func NewJobRepository(db *db.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) CreateJob(ctx context.Context, job *model.Job) error {
	tracer := tracing.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/CreateJob")
	defer span.End()

	span.AddEvent("job.context",
		trace.WithAttributes(attribute.String("job_id", job.ID)),
	)

	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO jobs (
			id,
			submitter_id,
			target_url,
			priority,
			status,
			timeout_seconds,
			metadata,
			retry_count,
			execution_handle,
			created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		job.ID,
		job.SubmitterID,
		job.TargetURL,
		job.Priority,
		job.Status,
		job.TimeoutSeconds,
		meta,
		job.RetryCount,
		job.ExecutionHandle,
		job.CreatedAt,
	)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *JobRepository) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	tracer := tracing.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/GetJob")
	defer span.End()

	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE id = $1`, jobColumns)
	job, err := scanJob(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		util.RecordSpanError(span, err)
		return nil, err
	}
	return job, nil
}

// ClaimForDispatch transitions a queued job to running. The WHERE clause
// on the prior status is the concurrency control preventing two
// dispatcher instances from double-launching the same job: exactly one
// caller sees claimed=true.
func (r *JobRepository) ClaimForDispatch(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	tracer := tracing.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ClaimForDispatch")
	defer span.End()

	span.AddEvent("job.context",
		trace.WithAttributes(attribute.String("job_id", id)),
	)

	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, started_at = $3
		WHERE id = $1 AND status IN ($4, $5)
	`, id, model.StatusRunning, startedAt, model.StatusPending, model.StatusQueued)
	if err != nil {
		util.RecordSpanError(span, err)
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordHandle stores the execution handle returned by the launcher. The
// queue entry is acknowledged only after this write lands.
func (r *JobRepository) RecordHandle(ctx context.Context, id, handle string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE jobs
		SET execution_handle = $2
		WHERE id = $1 AND status = $3
	`, id, handle, model.StatusRunning)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseClaim reverts a claimed job to queued after a launch failure so
// queue redelivery can claim it again.
func (r *JobRepository) ReleaseClaim(ctx context.Context, id string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, started_at = NULL, execution_handle = ''
		WHERE id = $1 AND status = $3
	`, id, model.StatusQueued, model.StatusRunning)
	return err
}

// MarkTerminal closes out a running job. Only transitions out of running
// succeed; a job already cancelled or closed by another writer is left
// untouched and claimed=false is returned.
func (r *JobRepository) MarkTerminal(ctx context.Context, id string, to model.JobStatus, result *model.JobResult, completedAt time.Time) (bool, error) {
	tracer := tracing.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/MarkTerminal")
	defer span.End()

	span.AddEvent("job.context",
		trace.WithAttributes(attribute.String("job_id", id), attribute.String("status", string(to))),
	)

	if !to.Terminal() {
		return false, fmt.Errorf("status %s is not terminal", to)
	}

	res, err := json.Marshal(result)
	if err != nil {
		util.RecordSpanError(span, err)
		return false, err
	}

	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, completed_at = $4
		WHERE id = $1 AND status = $5
	`, id, to, res, completedAt, model.StatusRunning)
	if err != nil {
		util.RecordSpanError(span, err)
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FailQueued closes out a job that never reached running (poison entries,
// unreachable queued jobs found by the sweep).
func (r *JobRepository) FailQueued(ctx context.Context, id string, result *model.JobResult, completedAt time.Time) (bool, error) {
	res, err := json.Marshal(result)
	if err != nil {
		return false, err
	}
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, completed_at = $4
		WHERE id = $1 AND status IN ($5, $6)
	`, id, model.StatusFailed, res, completedAt, model.StatusPending, model.StatusQueued)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCancelled transitions any non-terminal job to cancelled and returns
// the job as it was before the update, so the caller can signal the
// sandbox when an execution handle is present.
func (r *JobRepository) MarkCancelled(ctx context.Context, id string, completedAt time.Time) (*model.Job, bool, error) {
	tracer := tracing.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/MarkCancelled")
	defer span.End()

	job, err := r.GetJobByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if job.Status.Terminal() {
		return job, false, nil
	}

	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = $3
		WHERE id = $1 AND status NOT IN ($4, $5, $6, $7)
	`, id, model.StatusCancelled, completedAt,
		model.StatusCompleted, model.StatusFailed, model.StatusTimeout, model.StatusCancelled)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, false, err
	}
	return job, tag.RowsAffected() == 1, nil
}

// Requeue puts a running job back to queued for re-dispatch after a
// sandbox infrastructure crash. The handle is cleared; a fresh one is
// recorded on the next running transition.
func (r *JobRepository) Requeue(ctx context.Context, id string) (bool, error) {
	tracer := tracing.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/Requeue")
	defer span.End()

	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, execution_handle = '', started_at = NULL,
		    retry_count = retry_count + 1
		WHERE id = $1 AND status = $3
	`, id, model.StatusQueued, model.StatusRunning)
	if err != nil {
		util.RecordSpanError(span, err)
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListRunningPastDeadline returns running jobs whose hard deadline
// (started_at + timeout) has passed.
func (r *JobRepository) ListRunningPastDeadline(ctx context.Context, now time.Time) ([]*model.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE status = $1
		  AND started_at IS NOT NULL
		  AND started_at + make_interval(secs => timeout_seconds) < $2
		ORDER BY started_at
	`, jobColumns)

	rows, err := r.db.Pool.Query(ctx, query, model.StatusRunning, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListQueuedOlderThan returns queued jobs created before cutoff, used by
// the consistency sweep to find records whose enqueue may have been lost.
func (r *JobRepository) ListQueuedOlderThan(ctx context.Context, cutoff time.Time) ([]*model.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM jobs
		WHERE status IN ($1, $2) AND created_at < $3
		ORDER BY created_at
	`, jobColumns)

	rows, err := r.db.Pool.Query(ctx, query, model.StatusPending, model.StatusQueued, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j    model.Job
		meta []byte
		res  []byte
	)
	err := row.Scan(
		&j.ID,
		&j.SubmitterID,
		&j.TargetURL,
		&j.Priority,
		&j.Status,
		&j.TimeoutSeconds,
		&meta,
		&j.RetryCount,
		&j.ExecutionHandle,
		&res,
		&j.CreatedAt,
		&j.StartedAt,
		&j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode job metadata: %w", err)
		}
	}
	if len(res) > 0 {
		j.Result = &model.JobResult{}
		if err := json.Unmarshal(res, j.Result); err != nil {
			return nil, fmt.Errorf("failed to decode job result: %w", err)
		}
	}
	return &j, nil
}
