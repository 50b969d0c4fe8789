package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/inkwell-labs/inkwell-events/internal/bus"
	"github.com/inkwell-labs/inkwell-events/internal/metrics"
	"github.com/inkwell-labs/inkwell-events/internal/model"
	"github.com/inkwell-labs/inkwell-events/internal/provider"
	"github.com/inkwell-labs/inkwell-events/internal/repository"
)

// MessageSource abstracts the JetStream pull consumer for tests.
type MessageSource interface {
	Fetch(ctx context.Context, batch int) ([]bus.Msg, error)
}

// maxFetchFailures bounds consecutive fetch errors before Run gives up and
// lets process supervision restart with fresh connections.
const maxFetchFailures = 10

// Deduper remembers processed event ids. Delivery is at-least-once, so the
// side effects are idempotent anyway; the dedupe just skips redundant
// provider calls on redelivery.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string) error
}

// RedisDeduper keys processed events in Redis with a TTL.
type RedisDeduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDeduper(rdb *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

func (d *RedisDeduper) key(eventID string) string { return "evt:seen:" + eventID }

func (d *RedisDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := d.rdb.Exists(ctx, d.key(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDeduper) MarkSeen(ctx context.Context, eventID string) error {
	return d.rdb.Set(ctx, d.key(eventID), 1, d.ttl).Err()
}

// Indexer consumes journal events and keeps entry embeddings current.
// Outcomes per message: ok (ack), retry (nak with delay), term (ack-to-stop,
// recorded as terminal failure).
type Indexer struct {
	Source     MessageSource
	Entries    repository.EntriesRepository
	Embeddings repository.EmbeddingsRepository
	Embedder   provider.Embedder
	Dedupe     Deduper // optional
	Metrics    *metrics.Metrics
	Log        *zap.Logger

	Model      string
	BatchSize  int
	RetryDelay time.Duration
	MaxDeliver int

	fetchBackoff time.Duration
}

// Run blocks until ctx is cancelled.
func (i *Indexer) Run(ctx context.Context) error {
	if i.BatchSize <= 0 {
		i.BatchSize = 32
	}
	if i.RetryDelay <= 0 {
		i.RetryDelay = 5 * time.Second
	}
	if i.MaxDeliver <= 0 {
		i.MaxDeliver = 10
	}
	if i.fetchBackoff <= 0 {
		i.fetchBackoff = time.Second
	}

	i.Log.Info("indexer started",
		zap.Int("batch_size", i.BatchSize),
		zap.Duration("retry_delay", i.RetryDelay),
		zap.Int("max_deliver", i.MaxDeliver),
	)

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := i.Source.Fetch(ctx, i.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			i.Log.Error("fetch failed", zap.Int("consecutive", failures), zap.Error(err))
			if failures >= maxFetchFailures {
				return fmt.Errorf("fetch failed %d times in a row: %w", failures, err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(i.fetchBackoff):
			}
			continue
		}
		failures = 0

		for _, m := range msgs {
			i.Handle(ctx, m)
		}
	}
}

// Handle processes one message end to end and settles it with the broker.
func (i *Indexer) Handle(ctx context.Context, m bus.Msg) {
	var env model.Envelope
	if err := json.Unmarshal(m.Data(), &env); err != nil {
		// Could be a producer/relay race caught mid-write; give it a few
		// redeliveries before declaring it poison.
		i.Log.Warn("bad envelope json", zap.String("subject", m.Subject()), zap.Error(err))
		i.settleFailure(m, metrics.ReasonJSON)
		return
	}

	if env.EventID == "" || env.AggregateID == "" || !env.EventType.Valid() {
		i.Log.Warn("structurally invalid envelope",
			zap.String("subject", m.Subject()),
			zap.String("event_id", env.EventID),
		)
		i.term(m, metrics.ReasonError)
		return
	}

	if i.Dedupe != nil {
		seen, err := i.Dedupe.Seen(ctx, env.EventID)
		if err != nil {
			i.Log.Warn("dedupe lookup failed", zap.String("event_id", env.EventID), zap.Error(err))
		} else if seen {
			i.ok(m, env.EventType)
			return
		}
	}

	if err := i.apply(ctx, env); err != nil {
		switch {
		case errors.Is(err, provider.ErrInvalidInput):
			i.Log.Warn("terminal failure", zap.String("event_id", env.EventID), zap.Error(err))
			i.term(m, metrics.ReasonError)
		case errors.Is(err, provider.ErrRateLimited):
			i.settleFailure(m, metrics.ReasonRateLimited)
		default:
			i.Log.Warn("transient failure", zap.String("event_id", env.EventID), zap.Error(err))
			i.settleFailure(m, metrics.ReasonError)
		}
		return
	}

	if i.Dedupe != nil {
		if err := i.Dedupe.MarkSeen(ctx, env.EventID); err != nil {
			i.Log.Warn("dedupe mark failed", zap.String("event_id", env.EventID), zap.Error(err))
		}
	}
	i.ok(m, env.EventType)
}

// apply performs the side effect. Every branch is safe to run more than once
// for the same event.
func (i *Indexer) apply(ctx context.Context, env model.Envelope) error {
	switch env.EventType {
	case model.EventEntryDeleted:
		return i.Embeddings.Delete(ctx, env.AggregateID)

	case model.EventEntryCreated, model.EventEntryUpdated, model.EventEmbeddingReindex:
		text, ok, err := i.entryText(ctx, env)
		if err != nil {
			return err
		}
		if !ok {
			// Entry already gone; nothing left to index.
			return nil
		}

		vec, err := i.Embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		return i.Embeddings.Upsert(ctx, env.AggregateID, i.Model, vec)

	default:
		return nil
	}
}

func (i *Indexer) entryText(ctx context.Context, env model.Envelope) (string, bool, error) {
	if env.Entry != nil {
		return env.Entry.Title + "\n\n" + env.Entry.Body, true, nil
	}

	e, err := i.Entries.GetAny(ctx, env.AggregateID)
	if errors.Is(err, repository.ErrEntryNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return e.Title + "\n\n" + e.Body, true, nil
}

func (i *Indexer) ok(m bus.Msg, t model.EventType) {
	if err := m.Ack(); err != nil {
		i.Log.Warn("ack failed", zap.Error(err))
	}
	i.Metrics.WorkerProcess.WithLabelValues(metrics.ResultOK, t.String(), "").Inc()
}

// settleFailure naks for redelivery, escalating to term once the broker's
// delivery count reaches the cap.
func (i *Indexer) settleFailure(m bus.Msg, reason string) {
	if m.Deliveries() >= uint64(i.MaxDeliver) {
		i.term(m, reason)
		return
	}
	if err := m.NakWithDelay(i.RetryDelay); err != nil {
		i.Log.Warn("nak failed", zap.Error(err))
	}
	i.Metrics.WorkerProcess.WithLabelValues(metrics.ResultRetry, "", reason).Inc()
}

func (i *Indexer) term(m bus.Msg, reason string) {
	if err := m.Term(); err != nil {
		i.Log.Warn("term failed", zap.Error(err))
	}
	i.Metrics.WorkerProcess.WithLabelValues(metrics.ResultTerm, "", reason).Inc()
}
