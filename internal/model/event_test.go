package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventStatusTerminal(t *testing.T) {
	assert.False(t, EventStatusPending.Terminal())
	assert.True(t, EventStatusPublished.Terminal())
	assert.True(t, EventStatusDead.Terminal())
}

func TestParseEventType(t *testing.T) {
	tests := []struct {
		in   string
		want EventType
		ok   bool
	}{
		{"entry.created", EventEntryCreated, true},
		{"  Entry.Updated ", EventEntryUpdated, true},
		{"ENTRY.DELETED", EventEntryDeleted, true},
		{"embedding.reindex", EventEmbeddingReindex, true},
		{"entry.renamed", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseEventType(tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in)
		if tt.ok {
			assert.Equal(t, tt.want, got, "input %q", tt.in)
		}
	}
}

func TestEventTypeSubject(t *testing.T) {
	assert.Equal(t, "journal.entry.created", EventEntryCreated.Subject())
	assert.Equal(t, "journal.embedding.reindex", EventEmbeddingReindex.Subject())
}
