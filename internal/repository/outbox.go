package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/inkwell-labs/inkwell-events/internal/model"
)

// OutboxRepository defines persistence for the outbox table. Insert is called
// by producers inside their business transaction; everything else belongs to
// the relay.
type OutboxRepository interface {
	// Insert writes a single pending event. If tx is nil, it opens/commits an
	// internal transaction; otherwise it uses the given tx so the event commits
	// or rolls back together with the business mutation.
	Insert(ctx context.Context, tx *sqlx.Tx, aggregateType, aggregateID string, eventType model.EventType, payload []byte) error

	// ClaimBatch leases up to limit due pending rows (next_attempt_at <= now,
	// no live claim) to workerID until now+lease, oldest first. Rows whose
	// lease expired are claimable again; that is the crash-recovery path.
	// Concurrent relays never receive the same row inside a lease window.
	ClaimBatch(ctx context.Context, workerID string, limit int, now time.Time, lease time.Duration) ([]model.OutboxEvent, error)

	// MarkPublished finalizes a delivered row: status=published, attempts+1.
	MarkPublished(ctx context.Context, id int64, now time.Time) error

	// MarkRetry records a failed attempt and schedules the next one.
	MarkRetry(ctx context.Context, id int64, now, nextAttemptAt time.Time) error

	// MarkDead routes a row to the DLQ: status=dead, attempts+1. Terminal.
	MarkDead(ctx context.Context, id int64, now time.Time) error
}

// OutboxRepositoryImpl is a sqlx-backed implementation for MySQL 8+
// (FOR UPDATE SKIP LOCKED).
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

// withTx runs fn in the provided tx, or starts a new transaction when tx is nil.
func (r *OutboxRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}

	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}

	return t.Commit()
}

func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, aggregateType, aggregateID string, eventType model.EventType, payload []byte) error {
	const q = `
		INSERT INTO outbox
		    (aggregate_type, aggregate_id, event_type, payload, status, attempts, created_at, next_attempt_at)
		VALUES
		    (?, ?, ?, ?, 'pending', 0, NOW(6), NOW(6))
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, aggregateType, aggregateID, eventType.String(), payload)

		return err
	})
}

func (r *OutboxRepositoryImpl) ClaimBatch(ctx context.Context, workerID string, limit int, now time.Time, lease time.Duration) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// SKIP LOCKED keeps concurrent relays off each other's rows while the
	// select+update runs; the lease keeps them off afterwards.
	const sel = `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, status, attempts,
		       created_at, last_attempted_at, published_at, next_attempt_at, claimed_until, claimed_by
		  FROM outbox
		 WHERE status = 'pending'
		   AND next_attempt_at <= ?
		   AND (claimed_until IS NULL OR claimed_until < ?)
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?
		   FOR UPDATE SKIP LOCKED
	`
	var rows []model.OutboxEvent
	if err := tx.SelectContext(ctx, &rows, sel, now, now, limit); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]int64, 0, len(rows))
	for _, ev := range rows {
		ids = append(ids, ev.ID)
	}

	until := now.Add(lease)
	q, args, err := sqlx.In(`UPDATE outbox SET claimed_until = ?, claimed_by = ? WHERE id IN (?)`, until, workerID, ids)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind(q), args...); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for i := range rows {
		u := until
		w := workerID
		rows[i].ClaimedUntil = &u
		rows[i].ClaimedBy = &w
	}
	return rows, nil
}

// The status='pending' guard on every state change makes terminal states
// monotonic: a published or dead row never moves again.

func (r *OutboxRepositoryImpl) MarkPublished(ctx context.Context, id int64, now time.Time) error {
	const q = `
		UPDATE outbox
		   SET status = 'published',
		       attempts = attempts + 1,
		       last_attempted_at = ?,
		       published_at = ?,
		       claimed_until = NULL
		 WHERE id = ? AND status = 'pending'
	`
	_, err := r.db.ExecContext(ctx, q, now, now, id)
	return err
}

func (r *OutboxRepositoryImpl) MarkRetry(ctx context.Context, id int64, now, nextAttemptAt time.Time) error {
	const q = `
		UPDATE outbox
		   SET attempts = attempts + 1,
		       last_attempted_at = ?,
		       next_attempt_at = ?,
		       claimed_until = NULL
		 WHERE id = ? AND status = 'pending'
	`
	_, err := r.db.ExecContext(ctx, q, now, nextAttemptAt, id)
	return err
}

func (r *OutboxRepositoryImpl) MarkDead(ctx context.Context, id int64, now time.Time) error {
	const q = `
		UPDATE outbox
		   SET status = 'dead',
		       attempts = attempts + 1,
		       last_attempted_at = ?,
		       claimed_until = NULL
		 WHERE id = ? AND status = 'pending'
	`
	_, err := r.db.ExecContext(ctx, q, now, id)
	return err
}
