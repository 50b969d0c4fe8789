package model

// Envelope is the payload stored in the outbox and published to JetStream.
// The relay treats it as opaque bytes; only producers and the indexer parse it.
type Envelope struct {
	EventID     string         `json:"event_id"` // ULID, dedupe key for consumers
	EventType   EventType      `json:"event_type"`
	AggregateID string         `json:"aggregate_id"` // entry ULID
	UserID      int64          `json:"user_id"`
	Entry       *EntrySnapshot `json:"entry,omitempty"`
}

// EntrySnapshot carries the entry content at mutation time so the indexer can
// embed without a read-back for created/updated events. Reindex events omit it.
type EntrySnapshot struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}
