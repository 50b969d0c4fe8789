package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inkwell-labs/inkwell-events/internal/metrics"
	"github.com/inkwell-labs/inkwell-events/internal/model"
)

// memStore is an in-memory outbox with the same lease semantics as the SQL
// implementation: due pending rows without a live claim, oldest first.
type memStore struct {
	mu   sync.Mutex
	rows map[int64]*model.OutboxEvent
	next int64
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]*model.OutboxEvent)}
}

func (s *memStore) add(eventType model.EventType, payload []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	now := time.Now()
	s.rows[s.next] = &model.OutboxEvent{
		ID:            s.next,
		AggregateType: "entry",
		AggregateID:   "e1",
		EventType:     eventType,
		Payload:       payload,
		Status:        model.EventStatusPending,
		CreatedAt:     now.Add(time.Duration(s.next) * time.Millisecond),
		NextAttemptAt: now.Add(-time.Second),
	}
	return s.next
}

func (s *memStore) get(id int64) model.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[id]
}

func (s *memStore) Insert(ctx context.Context, tx *sqlx.Tx, aggregateType, aggregateID string, eventType model.EventType, payload []byte) error {
	s.add(eventType, payload)
	return nil
}

func (s *memStore) ClaimBatch(ctx context.Context, workerID string, limit int, now time.Time, lease time.Duration) ([]model.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.OutboxEvent
	for _, ev := range s.rows {
		if len(out) >= limit {
			break
		}
		if ev.Status != model.EventStatusPending {
			continue
		}
		if ev.NextAttemptAt.After(now) {
			continue
		}
		if ev.ClaimedUntil != nil && ev.ClaimedUntil.After(now) {
			continue
		}
		until := now.Add(lease)
		w := workerID
		ev.ClaimedUntil = &until
		ev.ClaimedBy = &w
		out = append(out, *ev)
	}
	return out, nil
}

func (s *memStore) MarkPublished(ctx context.Context, id int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.rows[id]
	if ev.Status != model.EventStatusPending {
		return nil
	}
	ev.Status = model.EventStatusPublished
	ev.Attempts++
	ev.LastAttemptedAt = &now
	ev.PublishedAt = &now
	ev.ClaimedUntil = nil
	return nil
}

func (s *memStore) MarkRetry(ctx context.Context, id int64, now, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.rows[id]
	if ev.Status != model.EventStatusPending {
		return nil
	}
	ev.Attempts++
	ev.LastAttemptedAt = &now
	ev.NextAttemptAt = nextAttemptAt
	ev.ClaimedUntil = nil
	return nil
}

func (s *memStore) MarkDead(ctx context.Context, id int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.rows[id]
	if ev.Status != model.EventStatusPending {
		return nil
	}
	ev.Status = model.EventStatusDead
	ev.Attempts++
	ev.LastAttemptedAt = &now
	ev.ClaimedUntil = nil
	return nil
}

// brokenStore fails every operation, simulating a lost database.
type brokenStore struct{}

func (brokenStore) Insert(context.Context, *sqlx.Tx, string, string, model.EventType, []byte) error {
	return errors.New("db down")
}

func (brokenStore) ClaimBatch(context.Context, string, int, time.Time, time.Duration) ([]model.OutboxEvent, error) {
	return nil, errors.New("db down")
}

func (brokenStore) MarkPublished(context.Context, int64, time.Time) error {
	return errors.New("db down")
}

func (brokenStore) MarkRetry(context.Context, int64, time.Time, time.Time) error {
	return errors.New("db down")
}

func (brokenStore) MarkDead(context.Context, int64, time.Time) error {
	return errors.New("db down")
}

// scriptedPublisher fails the first failures calls, then succeeds, recording
// every publish by subject.
type scriptedPublisher struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    []string
}

func (p *scriptedPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, subject)
	if p.failures > 0 {
		p.failures--
		if p.err != nil {
			return p.err
		}
		return errors.New("broker unavailable")
	}
	return nil
}

func (p *scriptedPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func newTestRelay(store *memStore, pub Publisher) (*Relay, *metrics.Metrics, *time.Time) {
	m := metrics.New(prometheus.NewRegistry())
	r := New(store, pub, m, zap.NewNop())
	r.PollInterval = time.Millisecond
	r.MaxAttempts = 5

	cur := time.Now()
	r.now = func() time.Time { return cur }
	return r, m, &cur
}

func TestRelayHappyPath(t *testing.T) {
	store := newMemStore()
	id := store.add(model.EventEntryCreated, []byte(`{"event_id":"x"}`))

	pub := &scriptedPublisher{}
	r, m, _ := newTestRelay(store, pub)

	n, err := r.drainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ev := store.get(id)
	assert.Equal(t, model.EventStatusPublished, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
	require.NotNil(t, ev.PublishedAt)
	assert.Equal(t, []string{"journal.entry.created"}, pub.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishAttempts.WithLabelValues(metrics.StageAttempt, metrics.ResultOK)))
}

func TestRelayTransientFailureThenRecovery(t *testing.T) {
	store := newMemStore()
	id := store.add(model.EventEntryUpdated, []byte(`{"event_id":"x"}`))

	pub := &scriptedPublisher{failures: 2, err: nats.ErrTimeout}
	r, m, cur := newTestRelay(store, pub)

	for i := 0; i < 3; i++ {
		_, err := r.drainOnce(context.Background())
		require.NoError(t, err)
		*cur = cur.Add(time.Hour) // past any backoff and lease
	}

	ev := store.get(id)
	assert.Equal(t, model.EventStatusPublished, ev.Status)
	assert.Equal(t, 3, ev.Attempts)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PublishAttempts.WithLabelValues(metrics.StageAttempt, metrics.ResultError)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DLQ))
}

func TestRelayExhaustedRetriesGoToDLQ(t *testing.T) {
	store := newMemStore()
	id := store.add(model.EventEntryCreated, []byte(`{"event_id":"x"}`))

	pub := &scriptedPublisher{failures: 100}
	r, m, cur := newTestRelay(store, pub)
	r.MaxAttempts = 3

	for i := 0; i < 5; i++ {
		_, err := r.drainOnce(context.Background())
		require.NoError(t, err)
		*cur = cur.Add(time.Hour)
	}

	ev := store.get(id)
	assert.Equal(t, model.EventStatusDead, ev.Status)
	assert.Equal(t, 3, ev.Attempts)
	assert.Equal(t, 3, pub.count(), "terminal rows must not be retried")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DLQ))
}

func TestRelayMalformedPayloadIsFatal(t *testing.T) {
	store := newMemStore()
	id := store.add(model.EventEntryCreated, []byte(`{not json`))

	pub := &scriptedPublisher{}
	r, m, _ := newTestRelay(store, pub)

	_, err := r.drainOnce(context.Background())
	require.NoError(t, err)

	ev := store.get(id)
	assert.Equal(t, model.EventStatusDead, ev.Status)
	assert.Equal(t, 1, ev.Attempts)
	assert.Zero(t, pub.count(), "malformed payload must never reach the broker")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DLQ))
}

func TestRelayBackoffSchedulesFuture(t *testing.T) {
	store := newMemStore()
	id := store.add(model.EventEntryCreated, []byte(`{}`))

	pub := &scriptedPublisher{failures: 100}
	r, _, cur := newTestRelay(store, pub)

	_, err := r.drainOnce(context.Background())
	require.NoError(t, err)

	ev := store.get(id)
	assert.True(t, ev.NextAttemptAt.After(*cur), "retry must be scheduled in the future")

	// not yet due: a second drain sees nothing
	n, err := r.drainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayCrashRecoveryViaLeaseExpiry(t *testing.T) {
	store := newMemStore()
	id := store.add(model.EventEntryCreated, []byte(`{}`))

	pub := &scriptedPublisher{}
	r, _, cur := newTestRelay(store, pub)
	r.Lease = 30 * time.Second

	// worker A claims and "crashes": no state transition happens
	batch, err := store.ClaimBatch(context.Background(), "worker-a", 10, *cur, r.Lease)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// inside the lease window nobody else may claim
	n, err := r.drainOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// after expiry the row is claimable again and gets delivered
	*cur = cur.Add(time.Minute)
	n, err = r.drainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.EventStatusPublished, store.get(id).Status)
}

func TestRelayRunExitsOnPersistentClaimFailure(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := New(brokenStore{}, &scriptedPublisher{}, m, zap.NewNop())
	r.PollInterval = time.Millisecond

	// a lost database must surface as an exit, not an endless error loop
	err := r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "db down")
}

func TestRelayConcurrentInstancesNoDoubleClaim(t *testing.T) {
	store := newMemStore()
	const events = 200
	for i := 0; i < events; i++ {
		store.add(model.EventEntryCreated, []byte(`{}`))
	}

	pub := &scriptedPublisher{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		r, _, _ := newTestRelay(store, pub)
		r.BatchSize = 16
		wg.Add(1)
		go func(r *Relay) {
			defer wg.Done()
			for {
				n, err := r.drainOnce(context.Background())
				if !assert.NoError(t, err) {
					return
				}
				if n == 0 {
					return
				}
			}
		}(r)
	}
	wg.Wait()

	assert.Equal(t, events, pub.count(), "every event published exactly once")
	for id := int64(1); id <= events; id++ {
		assert.Equal(t, model.EventStatusPublished, store.get(id).Status)
	}
}
