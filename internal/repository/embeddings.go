package repository

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"
)

// EmbeddingsRepository stores computed entry embeddings. Upsert is keyed on
// entry_id so recomputing the same entry twice converges on one row; the
// indexer relies on that for at-least-once safety.
type EmbeddingsRepository interface {
	Upsert(ctx context.Context, entryID, model string, vector []float32) error
	Delete(ctx context.Context, entryID string) error
}

type EmbeddingsRepositoryImpl struct {
	db *sqlx.DB
}

func NewEmbeddingsRepository(db *sqlx.DB) *EmbeddingsRepositoryImpl {
	return &EmbeddingsRepositoryImpl{db: db}
}

var _ EmbeddingsRepository = (*EmbeddingsRepositoryImpl)(nil)

func (r *EmbeddingsRepositoryImpl) Upsert(ctx context.Context, entryID, model string, vector []float32) error {
	raw, err := json.Marshal(vector)
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO entry_embeddings (entry_id, model, dims, vector, updated_at)
		VALUES (?, ?, ?, ?, NOW())
		ON DUPLICATE KEY UPDATE
		    model = VALUES(model),
		    dims = VALUES(dims),
		    vector = VALUES(vector),
		    updated_at = VALUES(updated_at)
	`
	_, err = r.db.ExecContext(ctx, q, entryID, model, len(vector), raw)
	return err
}

func (r *EmbeddingsRepositoryImpl) Delete(ctx context.Context, entryID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM entry_embeddings WHERE entry_id = ?`, entryID)
	return err
}
