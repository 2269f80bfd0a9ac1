// Package tasks is a database backed work queue. Tasks are inserted in the
// transaction of the change that requires them and executed by a Runner.
package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"smarter/internal/domain"
	"smarter/internal/repo"
)

const DefaultMaxAttempts = 5

type Queue struct {
	Repo        repo.Repo
	MaxAttempts int
	Now         func() time.Time
}

// Enqueue writes a queued task inside tx.
func (q Queue) Enqueue(ctx context.Context, tx *sql.Tx, name string, payload any, resourceID string) (domain.Task, error) {
	if tx == nil {
		return domain.Task{}, errors.New("enqueue requires a transaction")
	}
	now := time.Now
	if q.Now != nil {
		now = q.Now
	}
	maxAttempts := q.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Task{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	ts := domain.FormatTime(now())
	t := domain.Task{
		ID:          uuid.NewString(),
		Name:        name,
		PayloadJSON: string(data),
		Status:      domain.TaskQueued,
		MaxAttempts: maxAttempts,
		ResourceID:  resourceID,
		RunAfter:    ts,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if err := q.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("enqueue %s: %w", name, err)
	}
	return t, nil
}

// Decode unmarshals a task payload.
func Decode[T any](t domain.Task) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(t.PayloadJSON), &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", t.Name, err)
	}
	return v, nil
}
