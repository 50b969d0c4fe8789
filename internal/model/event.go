package model

import (
	"strings"
	"time"
)

type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusPublished EventStatus = "published"
	EventStatusDead      EventStatus = "dead"
)

func (s EventStatus) String() string {
	return string(s)
}

// Terminal reports whether the status admits no further transitions.
func (s EventStatus) Terminal() bool {
	return s == EventStatusPublished || s == EventStatusDead
}

type EventType string

const (
	EventEntryCreated     EventType = "entry.created"
	EventEntryUpdated     EventType = "entry.updated"
	EventEntryDeleted     EventType = "entry.deleted"
	EventEmbeddingReindex EventType = "embedding.reindex"
)

func (t EventType) String() string { return string(t) }

func (t EventType) Valid() bool {
	switch t {
	case EventEntryCreated, EventEntryUpdated, EventEntryDeleted, EventEmbeddingReindex:
		return true
	default:
		return false
	}
}

// ParseEventType normalizes input. Returns (value, true) if valid.
func ParseEventType(s string) (EventType, bool) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	return t, t.Valid()
}

// Subject returns the NATS subject an event type is published under.
func (t EventType) Subject() string {
	return "journal." + string(t)
}

// OutboxEvent is a row in the outbox table. Rows are written by producers in
// the same transaction as the business mutation and mutated only by the relay.
type OutboxEvent struct {
	ID              int64       `db:"id"`
	AggregateType   string      `db:"aggregate_type"` // e.g. "entry"
	AggregateID     string      `db:"aggregate_id"`
	EventType       EventType   `db:"event_type"`
	Payload         []byte      `db:"payload"`
	Status          EventStatus `db:"status"`
	Attempts        int         `db:"attempts"`
	CreatedAt       time.Time   `db:"created_at"`
	LastAttemptedAt *time.Time  `db:"last_attempted_at"`
	PublishedAt     *time.Time  `db:"published_at"`
	NextAttemptAt   time.Time   `db:"next_attempt_at"`
	ClaimedUntil    *time.Time  `db:"claimed_until"`
	ClaimedBy       *string     `db:"claimed_by"`
}
