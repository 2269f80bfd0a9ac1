package testutil

import (
	"github.com/stretchr/testify/mock"

	"smarter/internal/domain"
)

type MockJournal struct {
	mock.Mock
}

// NewMockJournal accepts every entry.
func NewMockJournal() *MockJournal {
	m := &MockJournal{}
	m.On("Record", mock.Anything).Return(true)
	return m
}

func (m *MockJournal) Record(e domain.JournalEntry) bool {
	return m.Called(e).Bool(0)
}

// Last returns the most recently recorded entry. Call it once recording
// has stopped.
func (m *MockJournal) Last() (domain.JournalEntry, bool) {
	if len(m.Calls) == 0 {
		return domain.JournalEntry{}, false
	}
	e, ok := m.Calls[len(m.Calls)-1].Arguments.Get(0).(domain.JournalEntry)
	return e, ok
}
