package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mvajha/talon/internal/queue"
	"github.com/mvajha/talon/internal/sandbox"
	"github.com/mvajha/talon/internal/service/logger"
	"github.com/mvajha/talon/internal/tracing"
	"github.com/mvajha/talon/model"
	"go.opentelemetry.io/otel/attribute"
)

// JobStore is the slice of the job repository the dispatcher writes
// through. The dispatcher is the only writer of the running transition.
type JobStore interface {
	GetJobByID(ctx context.Context, id string) (*model.Job, error)
	ClaimForDispatch(ctx context.Context, id string, startedAt time.Time) (bool, error)
	RecordHandle(ctx context.Context, id, handle string) (bool, error)
	ReleaseClaim(ctx context.Context, id string) error
	FailQueued(ctx context.Context, id string, result *model.JobResult, completedAt time.Time) (bool, error)
}

type Config struct {
	// IdlePoll is how long the loop suspends when every lane is empty.
	IdlePoll time.Duration
	// FetchWait is the per-lane pull wait inside one cycle.
	FetchWait time.Duration
	// MaxAttempts is the delivery bound after which an entry is routed
	// to the dead-letter lane. Must match the queue consumer's bound.
	MaxAttempts int
}

// Dispatcher drains the priority lanes and launches one sandbox per job.
type Dispatcher struct {
	store    JobStore
	queue    queue.Queue
	launcher sandbox.Launcher
	cfg      Config
	subs     map[queue.Lane]queue.Subscription
	now      func() time.Time
}

func NewDispatcher(store JobStore, q queue.Queue, launcher sandbox.Launcher, cfg Config) (*Dispatcher, error) {
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 2 * time.Second
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 250 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}

	subs := make(map[queue.Lane]queue.Subscription, len(queue.DispatchLanes))
	for _, lane := range queue.DispatchLanes {
		sub, err := q.Subscribe(lane, "")
		if err != nil {
			return nil, err
		}
		subs[lane] = sub
	}

	return &Dispatcher{
		store:    store,
		queue:    q,
		launcher: launcher,
		cfg:      cfg,
		subs:     subs,
		now:      time.Now,
	}, nil
}

// Run polls until ctx is cancelled. Lanes are drained in strict priority
// order: after every dispatched entry the scan restarts from the high
// lane, so high-priority traffic can starve the lower lanes. That is the
// accepted trade-off; the only suspension point is the idle sleep when
// all lanes came up empty.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if dispatched := d.cycle(ctx); dispatched {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.IdlePoll):
		}
	}
}

// cycle dequeues at most one entry, scanning lanes high to low.
func (d *Dispatcher) cycle(ctx context.Context) bool {
	for _, lane := range queue.DispatchLanes {
		msgs, err := d.subs[lane].Fetch(ctx, 1, d.cfg.FetchWait)
		if err != nil {
			if !errors.Is(err, queue.ErrNoMessages) && ctx.Err() == nil {
				logger.Log.Error().Err(err).Str("lane", string(lane)).Msg("queue fetch failed")
			}
			continue
		}
		d.process(ctx, msgs[0])
		return true
	}
	return false
}

func (d *Dispatcher) process(ctx context.Context, msg queue.Msg) {
	tracer := tracing.GetTracer()
	ctx, span := tracer.Start(ctx, "DispatchJob")
	defer span.End()

	var entry model.Job
	if err := json.Unmarshal(msg.Data(), &entry); err != nil || entry.ID == "" {
		logger.Log.Error().Err(err).Msg("undecodable queue entry, dropping")
		msg.Term()
		return
	}
	span.SetAttributes(attribute.String("job_id", entry.ID))

	// The record store, not the queue payload, is the source of truth.
	job, err := d.store.GetJobByID(ctx, entry.ID)
	if err != nil {
		logger.Log.Error().Err(err).Str("id", entry.ID).Msg("failed to load job record")
		d.retryOrQuarantine(ctx, msg, &entry, err)
		return
	}

	// Redelivered entries for jobs already launched or closed are
	// acknowledged without a second launch.
	if job.Status != model.StatusPending && job.Status != model.StatusQueued {
		msg.Ack()
		return
	}

	claimed, err := d.store.ClaimForDispatch(ctx, job.ID, d.now().UTC())
	if err != nil {
		logger.Log.Error().Err(err).Str("id", job.ID).Msg("failed to claim job")
		d.retryOrQuarantine(ctx, msg, job, err)
		return
	}
	if !claimed {
		// Another dispatcher instance won the conditional update.
		msg.Ack()
		return
	}

	handle, err := d.launcher.Launch(ctx, job)
	if err != nil {
		logger.Log.Error().Err(err).Str("id", job.ID).Msg("sandbox launch failed")
		if relErr := d.store.ReleaseClaim(ctx, job.ID); relErr != nil {
			logger.Log.Error().Err(relErr).Str("id", job.ID).Msg("failed to release claim")
		}
		d.retryOrQuarantine(ctx, msg, job, err)
		return
	}

	// The entry is acknowledged only once the handle is durably
	// recorded. Crashing between launch and this write means the entry
	// is redelivered and skipped above as already running.
	if _, err := d.store.RecordHandle(ctx, job.ID, handle); err != nil {
		logger.Log.Error().Err(err).Str("id", job.ID).Str("handle", handle).Msg("failed to record execution handle")
		msg.Nak()
		return
	}

	logger.Log.Info().Str("id", job.ID).Str("handle", handle).Msg("job dispatched")
	msg.Ack()
}

// retryOrQuarantine leaves the entry for redelivery, or at the delivery
// bound routes it to the dead-letter lane and fails the job.
func (d *Dispatcher) retryOrQuarantine(ctx context.Context, msg queue.Msg, job *model.Job, cause error) {
	if msg.Attempts() < d.cfg.MaxAttempts {
		msg.Nak()
		return
	}

	logger.Log.Error().Str("id", job.ID).Int("attempts", msg.Attempts()).Msg("delivery bound reached, dead-lettering entry")
	if err := d.queue.Publish(ctx, queue.LaneDead, msg.Data(), job.ID, job.SubmitterID); err != nil {
		logger.Log.Error().Err(err).Str("id", job.ID).Msg("failed to publish to dead-letter lane")
	}
	if _, err := d.store.FailQueued(ctx, job.ID, &model.JobResult{
		ErrorMessage: "dispatch failed: " + cause.Error(),
	}, d.now().UTC()); err != nil {
		logger.Log.Error().Err(err).Str("id", job.ID).Msg("failed to mark job failed")
	}
	msg.Term()
}
