// Package worker drains this node's presence reconciliation stream.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roomcast/internal/metrics"
	"roomcast/internal/queue"
)

// Queue is the subset of queue.StreamQueue the worker consumes.
type Queue interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64) ([]queue.Message, error)
	ReadPending(ctx context.Context, count int64) ([]queue.Message, error)
	Ack(ctx context.Context, messageID string) error
	Enqueue(ctx context.Context, job queue.ReconcileJob) (string, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, job queue.ReconcileJob) error
}

type Worker struct {
	queue         Queue
	reconciler    Reconciler
	maxJobRetries int
	readErrDelay  time.Duration
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Queue         Queue
	Reconciler    Reconciler
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		queue:         cfg.Queue,
		reconciler:    cfg.Reconciler,
		maxJobRetries: cfg.MaxJobRetries,
		readErrDelay:  time.Second,
		logger:        cfg.Logger.With().Str("component", "reconcile_worker").Logger(),
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}
	w.drainPending(ctx)

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// drainPending retries jobs this node took but never acked before it last
// stopped.
func (w *Worker) drainPending(ctx context.Context) {
	log := w.logger.With().Str("phase", "pending").Logger()
	for ctx.Err() == nil {
		messages, err := w.queue.ReadPending(ctx, 16)
		if err != nil {
			log.Error().Err(err).Msg("failed to read pending jobs")
			return
		}
		if len(messages) == 0 {
			return
		}
		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.readErrDelay):
			}
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	job := msg.Job
	err := w.reconciler.Reconcile(ctx, job)
	if err == nil {
		w.metrics.ReconcileProcessed.Inc()
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		return
	}

	w.metrics.ReconcileFailed.Inc()
	log.Error().Err(err).
		Str("job_id", job.JobID).
		Str("room_id", job.RoomID).
		Int64("user_id", job.UserID).
		Int("attempt", job.Attempts).
		Msg("reconcile failed")

	if job.Attempts < w.maxJobRetries {
		job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack after re-enqueue")
		}
		return
	}

	// The heartbeat repairs the row once retries are exhausted.
	log.Warn().Str("job_id", job.JobID).Msg("dropping reconcile job, leaving it to the heartbeat")
	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack terminal failed message")
	}
}
