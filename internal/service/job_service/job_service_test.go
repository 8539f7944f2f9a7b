package jobservice

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mvajha/talon/internal/config"
	"github.com/mvajha/talon/internal/db/repository"
	"github.com/mvajha/talon/internal/queue"
	"github.com/mvajha/talon/internal/queue/memqueue"
	"github.com/mvajha/talon/model"
)

type fakeStore struct {
	jobs map[string]*model.Job
}

func newFakeStore(jobs ...*model.Job) *fakeStore {
	s := &fakeStore{jobs: make(map[string]*model.Job)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeStore) CreateJob(_ context.Context, job *model.Job) error {
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeStore) GetJobByID(_ context.Context, id string) (*model.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *fakeStore) MarkCancelled(_ context.Context, id string, completedAt time.Time) (*model.Job, bool, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, false, repository.ErrJobNotFound
	}
	prior := *j
	if j.Status.Terminal() {
		return &prior, false, nil
	}
	j.Status = model.StatusCancelled
	j.CompletedAt = &completedAt
	return &prior, true, nil
}

type fakeLogs struct {
	lines   []model.LogLine
	tailErr error
}

func (l *fakeLogs) Append(_ context.Context, jobID string, ts time.Time, message string) error {
	l.lines = append(l.lines, model.LogLine{
		Seq:       int64(len(l.lines) + 1),
		JobID:     jobID,
		Timestamp: ts,
		Message:   message,
	})
	return nil
}

func (l *fakeLogs) Tail(_ context.Context, jobID string, afterSeq int64, limit int) ([]model.LogLine, error) {
	if l.tailErr != nil {
		return nil, l.tailErr
	}
	var out []model.LogLine
	for _, line := range l.lines {
		if line.JobID == jobID && line.Seq > afterSeq && len(out) < limit {
			out = append(out, line)
		}
	}
	return out, nil
}

type fakeLimiter struct {
	admitted bool
	err      error
}

func (l *fakeLimiter) Admit(context.Context, string) (bool, error) { return l.admitted, l.err }

type fakeCache struct {
	store map[string]model.Job
}

func newFakeCache() *fakeCache { return &fakeCache{store: make(map[string]model.Job)} }

func (c *fakeCache) Put(_ context.Context, key string, value interface{}, _ int) error {
	c.store[key] = value.(model.Job)
	return nil
}

func (c *fakeCache) Get(_ context.Context, key string, out interface{}) error {
	j, ok := c.store[key]
	if !ok {
		return errors.New("cache miss")
	}
	*out.(*model.Job) = j
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	delete(c.store, key)
	return nil
}

func (c *fakeCache) GetDefaultTTL() int { return 300 }

type fakeStorage struct{}

func (fakeStorage) Upload(context.Context, string, []byte, string) error { return nil }
func (fakeStorage) Download(context.Context, string) ([]byte, error)     { return nil, nil }
func (fakeStorage) Presign(_ context.Context, objectPath string, _ time.Duration) (string, error) {
	return "https://minio.local/" + objectPath + "?sig=x", nil
}
func (fakeStorage) Close() {}

type fakeTerminator struct {
	terminated []string
}

func (t *fakeTerminator) Terminate(_ context.Context, handle string) error {
	t.terminated = append(t.terminated, handle)
	return nil
}

func jobConfig() config.JobConfig {
	return config.JobConfig{
		MIN_TIMEOUT_SECONDS:     60,
		MAX_TIMEOUT_SECONDS:     3600,
		DEFAULT_TIMEOUT_SECONDS: 600,
	}
}

type fixture struct {
	svc        *JobService
	store      *fakeStore
	logs       *fakeLogs
	cache      *fakeCache
	queue      *memqueue.MemQueue
	terminator *fakeTerminator
}

func newFixture(limiter *fakeLimiter, jobs ...*model.Job) *fixture {
	f := &fixture{
		store:      newFakeStore(jobs...),
		logs:       &fakeLogs{},
		cache:      newFakeCache(),
		queue:      memqueue.New(),
		terminator: &fakeTerminator{},
	}
	f.svc = NewJobService(f.store, f.logs, limiter, f.cache, fakeStorage{}, f.queue, f.terminator, jobConfig())
	return f
}

func TestSubmitDefaultsAndEnqueue(t *testing.T) {
	f := newFixture(&fakeLimiter{admitted: true})

	resp, err := f.svc.Submit(context.Background(), model.SubmitRequest{
		TargetURL:   "https://example.com/page",
		SubmitterID: "user-1",
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, resp.Status)
	require.Contains(t, resp.JobID, "job-")

	stored := f.store.jobs[resp.JobID]
	require.Equal(t, model.PriorityNormal, stored.Priority)
	require.Equal(t, 600, stored.TimeoutSeconds)
	require.Equal(t, 1, f.queue.Len(queue.LaneNormal))
}

func TestSubmitHighPriorityLane(t *testing.T) {
	f := newFixture(&fakeLimiter{admitted: true})

	_, err := f.svc.Submit(context.Background(), model.SubmitRequest{
		TargetURL:   "https://example.com",
		SubmitterID: "user-1",
		Priority:    model.PriorityHigh,
	})
	require.NoError(t, err)
	require.Equal(t, 1, f.queue.Len(queue.LaneHigh))
	require.Zero(t, f.queue.Len(queue.LaneNormal))
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(&fakeLimiter{admitted: true})

	cases := []struct {
		name string
		req  model.SubmitRequest
	}{
		{"missing submitter", model.SubmitRequest{TargetURL: "https://example.com"}},
		{"missing url", model.SubmitRequest{SubmitterID: "u"}},
		{"relative url", model.SubmitRequest{SubmitterID: "u", TargetURL: "/page"}},
		{"bad scheme", model.SubmitRequest{SubmitterID: "u", TargetURL: "ftp://example.com"}},
		{"unknown priority", model.SubmitRequest{SubmitterID: "u", TargetURL: "https://example.com", Priority: "urgent"}},
		{"timeout too low", model.SubmitRequest{SubmitterID: "u", TargetURL: "https://example.com", TimeoutSeconds: 5}},
		{"timeout too high", model.SubmitRequest{SubmitterID: "u", TargetURL: "https://example.com", TimeoutSeconds: 7200}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), tc.req)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
	require.Empty(t, f.store.jobs, "rejected submissions must not persist")
}

func TestSubmitRateLimited(t *testing.T) {
	f := newFixture(&fakeLimiter{admitted: false})

	_, err := f.svc.Submit(context.Background(), model.SubmitRequest{
		TargetURL:   "https://example.com",
		SubmitterID: "user-1",
	})
	require.ErrorIs(t, err, ErrRateLimited)
	require.Empty(t, f.store.jobs)
}

func TestSubmitLimiterFailOpen(t *testing.T) {
	f := newFixture(&fakeLimiter{admitted: true, err: errors.New("db down")})

	_, err := f.svc.Submit(context.Background(), model.SubmitRequest{
		TargetURL:   "https://example.com",
		SubmitterID: "user-1",
	})
	require.NoError(t, err)
}

func TestSubmitPayloadRoundTrips(t *testing.T) {
	f := newFixture(&fakeLimiter{admitted: true})

	resp, err := f.svc.Submit(context.Background(), model.SubmitRequest{
		TargetURL:   "https://example.com",
		SubmitterID: "user-1",
		Metadata:    map[string]any{"ref": "release-42"},
	})
	require.NoError(t, err)

	sub, err := f.queue.Subscribe(queue.LaneNormal, "test")
	require.NoError(t, err)
	msgs, err := sub.Fetch(context.Background(), 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var got model.Job
	require.NoError(t, json.Unmarshal(msgs[0].Data(), &got))
	require.Equal(t, resp.JobID, got.ID)
	require.Equal(t, "release-42", got.Metadata["ref"])
}

func TestGetJobNotFound(t *testing.T) {
	f := newFixture(&fakeLimiter{admitted: true})

	_, err := f.svc.GetJob(context.Background(), "job-missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetJobPresignsArtifact(t *testing.T) {
	exit := 0
	done := time.Now().UTC()
	f := newFixture(&fakeLimiter{admitted: true}, &model.Job{
		ID:     "job-1",
		Status: model.StatusCompleted,
		Result: &model.JobResult{
			ExitCode:    &exit,
			ArtifactKey: "jobs/job-1/screenshot.png",
		},
		CompletedAt: &done,
	})

	job, err := f.svc.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Contains(t, job.Result.ArtifactURL, "jobs/job-1/screenshot.png")
}

func TestGetJobCachesTerminalOnly(t *testing.T) {
	f := newFixture(&fakeLimiter{admitted: true},
		&model.Job{ID: "job-1", Status: model.StatusRunning},
		&model.Job{ID: "job-2", Status: model.StatusFailed},
	)

	_, err := f.svc.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	_, err = f.svc.GetJob(context.Background(), "job-2")
	require.NoError(t, err)

	require.NotContains(t, f.cache.store, "job:job-1")
	require.Contains(t, f.cache.store, "job:job-2")
}

func TestCancelQueuedJob(t *testing.T) {
	f := newFixture(&fakeLimiter{admitted: true}, &model.Job{ID: "job-1", Status: model.StatusQueued})

	job, err := f.svc.Cancel(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, job.Status)
	require.Empty(t, f.terminator.terminated)
}

func TestCancelRunningJobTerminatesSandbox(t *testing.T) {
	f := newFixture(&fakeLimiter{admitted: true}, &model.Job{
		ID:              "job-1",
		Status:          model.StatusRunning,
		ExecutionHandle: "sandbox-1",
	})

	job, err := f.svc.Cancel(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, job.Status)
	require.Equal(t, []string{"sandbox-1"}, f.terminator.terminated)
}

func TestCancelTerminalJob(t *testing.T) {
	f := newFixture(&fakeLimiter{admitted: true}, &model.Job{ID: "job-1", Status: model.StatusCompleted})

	_, err := f.svc.Cancel(context.Background(), "job-1")
	require.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestIngestLogUnknownJob(t *testing.T) {
	f := newFixture(&fakeLimiter{admitted: true})

	err := f.svc.IngestLog(context.Background(), "job-missing", time.Now(), "hello")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStreamLogsCompletes(t *testing.T) {
	f := newFixture(&fakeLimiter{admitted: true}, &model.Job{ID: "job-1", Status: model.StatusCompleted})
	require.NoError(t, f.logs.Append(context.Background(), "job-1", time.Now().UTC(), "navigating"))
	require.NoError(t, f.logs.Append(context.Background(), "job-1", time.Now().UTC(), "screenshot captured"))

	var events []model.LogStreamEvent
	err := f.svc.StreamLogs(context.Background(), "job-1", func(ev model.LogStreamEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, "navigating", events[0].Message)
	require.Equal(t, "screenshot captured", events[1].Message)
	require.Equal(t, "complete", events[2].Status)
	require.Equal(t, model.StatusCompleted, events[2].JobStatus)
}

func TestStreamLogsWaitingOnSinkError(t *testing.T) {
	f := newFixture(&fakeLimiter{admitted: true}, &model.Job{ID: "job-1", Status: model.StatusRunning})
	f.logs.tailErr = errors.New("sink down")

	ctx, cancel := context.WithCancel(context.Background())
	var sawWaiting bool
	err := f.svc.StreamLogs(ctx, "job-1", func(ev model.LogStreamEvent) error {
		if ev.Status == "waiting" {
			sawWaiting = true
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, sawWaiting)
}
