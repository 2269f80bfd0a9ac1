package events_test

import (
	"bytes"
	"context"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smarter/internal/db"
	"smarter/internal/domain"
	"smarter/internal/events"
	"smarter/internal/migrate"
	"smarter/internal/repo"
)

func TestWriterAppendsEvent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn, db.SQLite))

	ctx := context.Background()
	w := events.Writer{Dialect: db.SQLite, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	evt, err := w.Append(ctx, tx, events.DeployRequested, events.Entity{Kind: "ChatBot", ID: "r1", Name: "bot"}, "alice", events.EventPayload{"task_id": "t1"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	list, err := repo.Repo{DB: conn, Dialect: db.SQLite}.ListEvents(ctx, repo.EventFilter{EntityID: "r1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, evt.ID, list[0].ID)
	assert.Equal(t, "2024-01-01T00:00:00.000000Z", list[0].TS)
	assert.Equal(t, "t1", list[0].Payload["task_id"])
}

type memoryStore struct {
	mu      sync.Mutex
	entries []domain.JournalEntry
	block   chan struct{}
}

func (m *memoryStore) InsertJournal(_ context.Context, entries []domain.JournalEntry) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *memoryStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func TestAsyncJournalFlushesOnClose(t *testing.T) {
	store := &memoryStore{}
	j := events.NewAsyncJournal(store, events.JournalOptions{Interval: time.Hour, BatchSize: 50})
	for i := 0; i < 3; i++ {
		assert.True(t, j.Record(domain.JournalEntry{Verb: "apply", Kind: "Plugin"}))
	}
	j.Close()
	assert.Equal(t, 3, store.len())
	assert.False(t, j.Record(domain.JournalEntry{Verb: "apply"}), "closed journal rejects entries")
}

func TestAsyncJournalDropsWhenFull(t *testing.T) {
	store := &memoryStore{block: make(chan struct{})}
	var logs bytes.Buffer
	j := events.NewAsyncJournal(store, events.JournalOptions{Buffer: 1, BatchSize: 1, Interval: time.Hour, Logger: log.New(&logs, "", 0)})

	accepted := 0
	for i := 0; i < 10; i++ {
		if j.Record(domain.JournalEntry{Verb: "describe", Kind: "Plugin", Name: "p"}) {
			accepted++
		}
	}
	assert.Less(t, accepted, 10)
	assert.Equal(t, int64(10-accepted), j.Dropped())
	assert.Contains(t, logs.String(), "buffer full")

	close(store.block)
	j.Close()
	assert.Equal(t, accepted, store.len())
}
