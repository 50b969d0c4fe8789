package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/inkwell-labs/inkwell-events/internal/model"
)

// EventAuditRow is one published event in the ClickHouse event_log table.
type EventAuditRow struct {
	EventID       int64     `db:"event_id" json:"event_id"`
	AggregateType string    `db:"aggregate_type" json:"aggregate_type"`
	AggregateID   string    `db:"aggregate_id" json:"aggregate_id"`
	EventType     string    `db:"event_type" json:"event_type"`
	Attempts      int       `db:"attempts" json:"attempts"`
	PublishedAt   time.Time `db:"published_at" json:"published_at"`
}

// AuditRepository records published events for reporting. Writes are
// best-effort: the relay logs failures and moves on, delivery state lives in
// MySQL only.
type AuditRepository interface {
	RecordPublished(ctx context.Context, ev model.OutboxEvent, publishedAt time.Time) error
	List(ctx context.Context, aggregateID, eventType string, limit, offset int) ([]EventAuditRow, error)
}

type AuditRepositoryImpl struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewAuditRepository(ch *sqlx.DB) *AuditRepositoryImpl {
	return &AuditRepositoryImpl{ch: ch}
}

var _ AuditRepository = (*AuditRepositoryImpl)(nil)

func (r *AuditRepositoryImpl) RecordPublished(ctx context.Context, ev model.OutboxEvent, publishedAt time.Time) error {
	const q = `
		INSERT INTO inkwell.event_log
		    (event_id, aggregate_type, aggregate_id, event_type, attempts, published_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	// attempts+1 because the relay records before the MySQL row is finalized
	_, err := r.ch.ExecContext(ctx, q,
		ev.ID, ev.AggregateType, ev.AggregateID, ev.EventType.String(), ev.Attempts+1, publishedAt,
	)
	return err
}

func (r *AuditRepositoryImpl) List(ctx context.Context, aggregateID, eventType string, limit, offset int) ([]EventAuditRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT event_id, aggregate_type, aggregate_id, event_type, attempts, published_at
		FROM inkwell.event_log
		WHERE 1 = 1
	`
	var args []any

	if aggregateID != "" {
		q += " AND aggregate_id = ?"
		args = append(args, aggregateID)
	}
	if eventType != "" {
		q += " AND event_type = ?"
		args = append(args, eventType)
	}

	q += " ORDER BY published_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []EventAuditRow
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
