package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"smarter/internal/db"
	"smarter/internal/domain"
)

// Event types written by brokers and task handlers.
const (
	ResourceCreated   = "resource.created"
	ResourceUpdated   = "resource.updated"
	ResourceDeleted   = "resource.deleted"
	DeployRequested   = "deploy.requested"
	DeploySucceeded   = "deploy.succeeded"
	DeployFailed      = "deploy.failed"
	DeployRetrying    = "deploy.retrying"
	TeardownSucceeded = "teardown.succeeded"
	TeardownFailed    = "teardown.failed"
)

// Writer appends rows to the events table inside a caller transaction.
type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Entity identifies what an event is about.
type Entity struct {
	AccountID string
	Kind      string
	ID        string
	Name      string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, entity Entity, actorID string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.Event{
		ID:          uuid.NewString(),
		TS:          domain.FormatTime(w.Now()),
		Type:        evtType,
		AccountID:   entity.AccountID,
		EntityKind:  entity.Kind,
		EntityID:    entity.ID,
		EntityName:  entity.Name,
		ActorID:     actorID,
		PayloadJSON: string(data),
		Payload:     payload,
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(id,ts,type,account_id,entity_kind,entity_id,entity_name,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`),
		evt.ID, evt.TS, evt.Type, nullable(evt.AccountID), evt.EntityKind, nullable(evt.EntityID), nullable(evt.EntityName), evt.ActorID, evt.PayloadJSON)
	if err != nil {
		return domain.Event{}, err
	}
	return evt, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
