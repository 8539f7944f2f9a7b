//go:build integration
// +build integration

package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/mvajha/talon/internal/db"
	"github.com/mvajha/talon/model"
	tdb "github.com/mvajha/talon/tests/integration_test/infra/db"
)

var (
	container testcontainers.Container
	testDB    *db.DB
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, testDB, _ = tdb.SetupContainer(ctx)
	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func newQueuedJob(t *testing.T) *model.Job {
	t.Helper()
	id, err := model.NewJobID()
	require.NoError(t, err)
	return &model.Job{
		ID:             id,
		SubmitterID:    "user-1",
		TargetURL:      "https://example.com",
		Priority:       model.PriorityNormal,
		Status:         model.StatusQueued,
		TimeoutSeconds: 600,
		Metadata:       map[string]any{"ref": "release-42", "depth": float64(3)},
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestCreateAndGetJob(t *testing.T) {
	tdb.TruncateTables(t, testDB)
	ctx := context.Background()
	repo := NewJobRepository(testDB)

	job := newQueuedJob(t)
	require.NoError(t, repo.CreateJob(ctx, job))

	got, err := repo.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, model.StatusQueued, got.Status)
	require.Equal(t, job.Metadata, got.Metadata)
	require.Nil(t, got.Result)
	require.Nil(t, got.StartedAt)
}

func TestGetJobByIDNotFound(t *testing.T) {
	tdb.TruncateTables(t, testDB)
	repo := NewJobRepository(testDB)

	_, err := repo.GetJobByID(context.Background(), "job-nope")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestClaimForDispatchIsExclusive(t *testing.T) {
	tdb.TruncateTables(t, testDB)
	ctx := context.Background()
	repo := NewJobRepository(testDB)

	job := newQueuedJob(t)
	require.NoError(t, repo.CreateJob(ctx, job))

	now := time.Now().UTC()
	claimed, err := repo.ClaimForDispatch(ctx, job.ID, now)
	require.NoError(t, err)
	require.True(t, claimed)

	// The second claim must lose the conditional update.
	claimed, err = repo.ClaimForDispatch(ctx, job.ID, now)
	require.NoError(t, err)
	require.False(t, claimed)

	got, err := repo.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestRecordHandleAndRelease(t *testing.T) {
	tdb.TruncateTables(t, testDB)
	ctx := context.Background()
	repo := NewJobRepository(testDB)

	job := newQueuedJob(t)
	require.NoError(t, repo.CreateJob(ctx, job))
	_, err := repo.ClaimForDispatch(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)

	ok, err := repo.RecordHandle(ctx, job.ID, "sandbox-abc")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, repo.ReleaseClaim(ctx, job.ID))

	got, err := repo.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, got.Status)
	require.Empty(t, got.ExecutionHandle)
	require.Nil(t, got.StartedAt)
}

func TestMarkTerminalOnlyFromRunning(t *testing.T) {
	tdb.TruncateTables(t, testDB)
	ctx := context.Background()
	repo := NewJobRepository(testDB)

	job := newQueuedJob(t)
	require.NoError(t, repo.CreateJob(ctx, job))

	exit := 0
	result := &model.JobResult{ExitCode: &exit, ArtifactKey: "jobs/x/screenshot.png", DurationSeconds: 12.5}

	// Still queued, must not complete.
	ok, err := repo.MarkTerminal(ctx, job.ID, model.StatusCompleted, result, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, ok)

	_, err = repo.ClaimForDispatch(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)

	ok, err = repo.MarkTerminal(ctx, job.ID, model.StatusCompleted, result, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	got, err := repo.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	require.Equal(t, 0, *got.Result.ExitCode)
	require.NotNil(t, got.CompletedAt)

	// Terminal states are frozen.
	ok, err = repo.MarkTerminal(ctx, job.ID, model.StatusFailed, result, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMarkCancelledReturnsPriorState(t *testing.T) {
	tdb.TruncateTables(t, testDB)
	ctx := context.Background()
	repo := NewJobRepository(testDB)

	job := newQueuedJob(t)
	require.NoError(t, repo.CreateJob(ctx, job))
	_, err := repo.ClaimForDispatch(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	_, err = repo.RecordHandle(ctx, job.ID, "sandbox-abc")
	require.NoError(t, err)

	prior, ok, err := repo.MarkCancelled(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, model.StatusRunning, prior.Status)
	require.Equal(t, "sandbox-abc", prior.ExecutionHandle)

	_, ok, err = repo.MarkCancelled(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRequeueIncrementsRetryCount(t *testing.T) {
	tdb.TruncateTables(t, testDB)
	ctx := context.Background()
	repo := NewJobRepository(testDB)

	job := newQueuedJob(t)
	require.NoError(t, repo.CreateJob(ctx, job))
	_, err := repo.ClaimForDispatch(ctx, job.ID, time.Now().UTC())
	require.NoError(t, err)
	_, err = repo.RecordHandle(ctx, job.ID, "sandbox-abc")
	require.NoError(t, err)

	ok, err := repo.Requeue(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := repo.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Empty(t, got.ExecutionHandle)
}

func TestListRunningPastDeadline(t *testing.T) {
	tdb.TruncateTables(t, testDB)
	ctx := context.Background()
	repo := NewJobRepository(testDB)

	overdue := newQueuedJob(t)
	overdue.TimeoutSeconds = 60
	require.NoError(t, repo.CreateJob(ctx, overdue))
	_, err := repo.ClaimForDispatch(ctx, overdue.ID, time.Now().UTC().Add(-5*time.Minute))
	require.NoError(t, err)

	fresh := newQueuedJob(t)
	require.NoError(t, repo.CreateJob(ctx, fresh))
	_, err = repo.ClaimForDispatch(ctx, fresh.ID, time.Now().UTC())
	require.NoError(t, err)

	jobs, err := repo.ListRunningPastDeadline(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, overdue.ID, jobs[0].ID)
}

func TestLogRepositoryAppendAndTail(t *testing.T) {
	tdb.TruncateTables(t, testDB)
	ctx := context.Background()
	logs := NewLogRepository(testDB)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, logs.Append(ctx, "job-1", now, "first"))
	require.NoError(t, logs.Append(ctx, "job-1", now.Add(time.Second), "second"))
	require.NoError(t, logs.Append(ctx, "job-2", now, "other job"))

	lines, err := logs.Tail(ctx, "job-1", 0, 100)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, "first", lines[0].Message)
	require.Equal(t, "second", lines[1].Message)

	// Continuation from the last seen seq.
	more, err := logs.Tail(ctx, "job-1", lines[1].Seq, 100)
	require.NoError(t, err)
	require.Empty(t, more)
}
