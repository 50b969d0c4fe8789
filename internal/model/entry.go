package model

import "time"

// Entry is a journal entry persisted in the entries table.
type Entry struct {
	ID        string    `db:"id"`
	UserID    int64     `db:"user_id"`
	Title     string    `db:"title"`
	Body      string    `db:"body"` // markdown source
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
