package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/inkwell-labs/inkwell-events/internal/bus"
	"github.com/inkwell-labs/inkwell-events/internal/metrics"
	"github.com/inkwell-labs/inkwell-events/internal/model"
	"github.com/inkwell-labs/inkwell-events/internal/repository"
)

// Publisher is the broker surface the relay needs: publish and wait for a
// durable ack within the ctx deadline.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// AuditSink receives published events for reporting. Failures are logged,
// never propagated: delivery state lives in the outbox table alone.
type AuditSink interface {
	RecordPublished(ctx context.Context, ev model.OutboxEvent, publishedAt time.Time) error
}

var errBadPayload = errors.New("payload is not valid JSON")

// maxClaimFailures bounds consecutive claim errors before Run gives up and
// lets process supervision restart with fresh connections.
const maxClaimFailures = 10

// Relay drains the outbox: claim a batch under a lease, publish each event
// with a bounded timeout, then mark published / retry-with-backoff / dead.
// Multiple instances may run concurrently; the lease keeps them off each
// other's rows. Delivery is at-least-once: a crash mid-batch leaves claimed
// rows to expire and be reclaimed.
type Relay struct {
	Store   repository.OutboxRepository
	Bus     Publisher
	Audit   AuditSink // optional
	Metrics *metrics.Metrics
	Log     *zap.Logger

	WorkerID       string
	BatchSize      int
	PollInterval   time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	Lease          time.Duration
	PublishTimeout time.Duration

	now func() time.Time
}

// New builds a relay with sane defaults.
func New(store repository.OutboxRepository, pub Publisher, m *metrics.Metrics, log *zap.Logger) *Relay {
	host, _ := os.Hostname()
	return &Relay{
		Store:          store,
		Bus:            pub,
		Metrics:        m,
		Log:            log,
		WorkerID:       fmt.Sprintf("%s-%d", host, os.Getpid()),
		BatchSize:      100,
		PollInterval:   time.Second,
		MaxAttempts:    5,
		BackoffBase:    2 * time.Second,
		BackoffMax:     5 * time.Minute,
		Lease:          30 * time.Second,
		PublishTimeout: 3 * time.Second,
		now:            time.Now,
	}
}

// Run blocks until ctx is cancelled. An empty or partial batch sleeps
// PollInterval before the next claim; a full batch re-claims immediately so a
// backlog drains at full speed.
func (r *Relay) Run(ctx context.Context) error {
	r.Log.Info("relay started",
		zap.String("worker_id", r.WorkerID),
		zap.Int("batch_size", r.BatchSize),
		zap.Int("max_attempts", r.MaxAttempts),
		zap.Duration("lease", r.Lease),
	)

	failures := 0
	for {
		n, err := r.drainOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			r.Log.Error("relay claim failed", zap.Int("consecutive", failures), zap.Error(err))
			if failures >= maxClaimFailures {
				return fmt.Errorf("outbox claim failed %d times in a row: %w", failures, err)
			}
		} else {
			failures = 0
		}

		if err == nil && n >= r.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.PollInterval):
		}
	}
}

// drainOnce claims one batch and processes it. On shutdown mid-batch the
// remaining claims are simply left to expire.
func (r *Relay) drainOnce(ctx context.Context) (int, error) {
	batch, err := r.Store.ClaimBatch(ctx, r.WorkerID, r.BatchSize, r.now(), r.Lease)
	if err != nil {
		return 0, err
	}

	for _, ev := range batch {
		if ctx.Err() != nil {
			break
		}
		r.processOne(ctx, ev)
	}

	return len(batch), nil
}

func (r *Relay) processOne(ctx context.Context, ev model.OutboxEvent) {
	err := r.publish(ctx, ev)
	now := r.now()

	if err == nil {
		r.Metrics.PublishAttempts.WithLabelValues(metrics.StageAttempt, metrics.ResultOK).Inc()
		if merr := r.Store.MarkPublished(ctx, ev.ID, now); merr != nil {
			// Row stays claimed until the lease expires; the republish that
			// follows is within the at-least-once envelope.
			r.Log.Error("mark published failed", zap.Int64("event_id", ev.ID), zap.Error(merr))
			return
		}
		r.audit(ctx, ev, now)
		return
	}

	r.Metrics.PublishAttempts.WithLabelValues(metrics.StageAttempt, metrics.ResultError).Inc()

	fatal := errors.Is(err, errBadPayload) || bus.IsPermanent(err)
	exhausted := ev.Attempts+1 >= r.MaxAttempts

	if fatal || exhausted {
		r.Log.Warn("event routed to DLQ",
			zap.Int64("event_id", ev.ID),
			zap.String("event_type", ev.EventType.String()),
			zap.Int("attempts", ev.Attempts+1),
			zap.Bool("fatal", fatal),
			zap.Error(err),
		)
		if merr := r.Store.MarkDead(ctx, ev.ID, now); merr != nil {
			r.Log.Error("mark dead failed", zap.Int64("event_id", ev.ID), zap.Error(merr))
			return
		}
		r.Metrics.DLQ.Inc()
		return
	}

	delay := nextBackoff(r.BackoffBase, r.BackoffMax, ev.Attempts)
	r.Log.Info("publish failed, scheduling retry",
		zap.Int64("event_id", ev.ID),
		zap.Int("attempts", ev.Attempts+1),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	if merr := r.Store.MarkRetry(ctx, ev.ID, now, now.Add(delay)); merr != nil {
		r.Log.Error("mark retry failed", zap.Int64("event_id", ev.ID), zap.Error(merr))
	}
}

func (r *Relay) publish(ctx context.Context, ev model.OutboxEvent) error {
	if !json.Valid(ev.Payload) {
		return errBadPayload
	}

	pctx, cancel := context.WithTimeout(ctx, r.PublishTimeout)
	defer cancel()

	return r.Bus.Publish(pctx, ev.EventType.Subject(), ev.Payload)
}

func (r *Relay) audit(ctx context.Context, ev model.OutboxEvent, publishedAt time.Time) {
	if r.Audit == nil {
		return
	}
	if err := r.Audit.RecordPublished(ctx, ev, publishedAt); err != nil {
		r.Log.Warn("audit write failed", zap.Int64("event_id", ev.ID), zap.Error(err))
	}
}
