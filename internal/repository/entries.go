package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/inkwell-labs/inkwell-events/internal/model"
)

var ErrEntryNotFound = errors.New("entry not found")

// EntriesRepository defines persistence for the entries table. All mutations
// take a tx so callers can pair them with an outbox insert atomically.
type EntriesRepository interface {
	Insert(ctx context.Context, tx *sqlx.Tx, e model.Entry) error
	Update(ctx context.Context, tx *sqlx.Tx, id string, userID int64, title, body string) error
	Delete(ctx context.Context, tx *sqlx.Tx, id string, userID int64) error
	Get(ctx context.Context, id string, userID int64) (*model.Entry, error)
	GetAny(ctx context.Context, id string) (*model.Entry, error)
}

type EntriesRepositoryImpl struct {
	db *sqlx.DB
}

func NewEntriesRepository(db *sqlx.DB) *EntriesRepositoryImpl {
	return &EntriesRepositoryImpl{db: db}
}

var _ EntriesRepository = (*EntriesRepositoryImpl)(nil)

func (r *EntriesRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, e model.Entry) error {
	const q = `
		INSERT INTO entries (id, user_id, title, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, NOW(), NOW())
	`
	_, err := tx.ExecContext(ctx, q, e.ID, e.UserID, e.Title, e.Body)
	return err
}

func (r *EntriesRepositoryImpl) Update(ctx context.Context, tx *sqlx.Tx, id string, userID int64, title, body string) error {
	const q = `
		UPDATE entries SET title = ?, body = ?, updated_at = NOW()
		 WHERE id = ? AND user_id = ?
	`
	res, err := tx.ExecContext(ctx, q, title, body, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (r *EntriesRepositoryImpl) Delete(ctx context.Context, tx *sqlx.Tx, id string, userID int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (r *EntriesRepositoryImpl) Get(ctx context.Context, id string, userID int64) (*model.Entry, error) {
	var e model.Entry
	err := r.db.GetContext(ctx, &e, `
		SELECT id, user_id, title, body, created_at, updated_at
		  FROM entries
		 WHERE id = ? AND user_id = ? LIMIT 1
	`, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetAny loads an entry regardless of owner; the indexer resolves reindex
// events by aggregate id alone.
func (r *EntriesRepositoryImpl) GetAny(ctx context.Context, id string) (*model.Entry, error) {
	var e model.Entry
	err := r.db.GetContext(ctx, &e, `
		SELECT id, user_id, title, body, created_at, updated_at
		  FROM entries
		 WHERE id = ? LIMIT 1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
