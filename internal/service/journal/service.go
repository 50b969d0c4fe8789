package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/inkwell-labs/inkwell-events/internal/model"
	"github.com/inkwell-labs/inkwell-events/internal/repository"
	"github.com/inkwell-labs/inkwell-events/internal/util"
)

const aggregateEntry = "entry"

// Service persists entry mutations and their outbox events in a single
// transaction: the entry row and the event commit or roll back together.
type Service struct {
	db      *sqlx.DB
	entries repository.EntriesRepository
	outbox  repository.OutboxRepository
}

func New(db *sqlx.DB, entriesRepo repository.EntriesRepository, outboxRepo repository.OutboxRepository) *Service {
	return &Service{
		db:      db,
		entries: entriesRepo,
		outbox:  outboxRepo,
	}
}

// Create inserts a new entry and enqueues entry.created. Returns the entry id.
func (s *Service) Create(ctx context.Context, userID int64, title, body string) (string, error) {
	entryID := util.NewID()
	entry := model.Entry{
		ID:     entryID,
		UserID: userID,
		Title:  title,
		Body:   body,
	}

	snap := &model.EntrySnapshot{Title: title, Body: body}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.entries.Insert(ctx, tx, entry); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		return s.enqueue(ctx, tx, model.EventEntryCreated, entryID, userID, snap)
	})
	if err != nil {
		return "", err
	}
	return entryID, nil
}

// Update rewrites an entry and enqueues entry.updated.
func (s *Service) Update(ctx context.Context, userID int64, entryID, title, body string) error {
	snap := &model.EntrySnapshot{Title: title, Body: body}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.entries.Update(ctx, tx, entryID, userID, title, body); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, model.EventEntryUpdated, entryID, userID, snap)
	})
}

// Delete removes an entry and enqueues entry.deleted.
func (s *Service) Delete(ctx context.Context, userID int64, entryID string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.entries.Delete(ctx, tx, entryID, userID); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, model.EventEntryDeleted, entryID, userID, nil)
	})
}

// Reindex enqueues embedding.reindex for an existing entry without touching
// the entry itself. The indexer reads the current content from the DB.
func (s *Service) Reindex(ctx context.Context, userID int64, entryID string) error {
	if _, err := s.entries.Get(ctx, entryID, userID); err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return s.enqueue(ctx, tx, model.EventEmbeddingReindex, entryID, userID, nil)
	})
}

func (s *Service) enqueue(ctx context.Context, tx *sqlx.Tx, t model.EventType, entryID string, userID int64, snap *model.EntrySnapshot) error {
	env := model.Envelope{
		EventID:     util.NewID(),
		EventType:   t,
		AggregateID: entryID,
		UserID:      userID,
		Entry:       snap,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := s.outbox.Insert(ctx, tx, aggregateEntry, entryID, t, payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func (s *Service) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}
