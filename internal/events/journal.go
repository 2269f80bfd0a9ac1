package events

import (
	"context"
	"log"
	"sync"
	"time"

	"smarter/internal/domain"
)

// JournalStore persists batches of journal entries.
type JournalStore interface {
	InsertJournal(ctx context.Context, entries []domain.JournalEntry) error
}

// AsyncJournal records dispatched requests off the request path. Record
// never blocks: when the buffer is full the entry is dropped and logged.
type AsyncJournal struct {
	store     JournalStore
	logger    *log.Logger
	entries   chan domain.JournalEntry
	batchSize int
	interval  time.Duration

	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	dropped int64
}

type JournalOptions struct {
	Buffer    int
	BatchSize int
	Interval  time.Duration
	Logger    *log.Logger
}

func NewAsyncJournal(store JournalStore, opts JournalOptions) *AsyncJournal {
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	j := &AsyncJournal{
		store:     store,
		logger:    opts.Logger,
		entries:   make(chan domain.JournalEntry, opts.Buffer),
		batchSize: opts.BatchSize,
		interval:  opts.Interval,
		done:      make(chan struct{}),
	}
	go j.loop()
	return j
}

// Record queues an entry. It reports false if the entry was dropped.
func (j *AsyncJournal) Record(e domain.JournalEntry) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return false
	}
	select {
	case j.entries <- e:
		return true
	default:
		j.dropped++
		j.logger.Printf("journal: buffer full, dropped %s %s/%s", e.Verb, e.Kind, e.Name)
		return false
	}
}

// Dropped returns how many entries were discarded.
func (j *AsyncJournal) Dropped() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

// Close stops accepting entries and flushes what is buffered.
func (j *AsyncJournal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	close(j.entries)
	j.mu.Unlock()
	<-j.done
}

func (j *AsyncJournal) loop() {
	defer close(j.done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	batch := make([]domain.JournalEntry, 0, j.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := j.store.InsertJournal(ctx, batch); err != nil {
			j.logger.Printf("journal: write %d entries: %v", len(batch), err)
		}
		cancel()
		batch = batch[:0]
	}
	for {
		select {
		case e, ok := <-j.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= j.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
