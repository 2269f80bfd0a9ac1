package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"smarter/internal/domain"
)

// EventFilter narrows ListEvents. AfterTS/AfterID form an exclusive
// cursor over (ts, id) in ascending order.
type EventFilter struct {
	AccountID  string
	EntityKind string
	EntityID   string
	Type       string
	AfterTS    string
	AfterID    string
	Limit      int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.AccountID != "" {
		clauses = append(clauses, "account_id=?")
		args = append(args, f.AccountID)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.AfterTS != "" && f.AfterID != "" {
		clauses = append(clauses, "(ts > ? OR (ts = ? AND id > ?))")
		args = append(args, f.AfterTS, f.AfterTS, f.AfterID)
	}
	query := `SELECT id,ts,type,COALESCE(account_id,''),entity_kind,COALESCE(entity_id,''),COALESCE(entity_name,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY ts ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.AccountID, &e.EntityKind, &e.EntityID, &e.EntityName, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.PayloadJSON = payload.String
			_ = json.Unmarshal([]byte(payload.String), &e.Payload)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// InsertJournal writes a batch of journal entries in one transaction.
func (r Repo) InsertJournal(ctx context.Context, entries []domain.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt := r.q(`INSERT INTO journal(id,ts,request_id,actor_id,account_id,verb,kind,name,outcome,error_kind,detail,duration_ms) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`)
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, stmt, e.ID, e.TS, e.RequestID, e.ActorID, nullable(e.AccountID), e.Verb, e.Kind,
			nullable(e.Name), e.Outcome, nullable(e.ErrorKind), nullable(e.Detail), e.DurationMS); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListJournal returns the most recent entries first.
func (r Repo) ListJournal(ctx context.Context, accountID string, limit int) ([]domain.JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT id,ts,request_id,actor_id,COALESCE(account_id,''),verb,kind,COALESCE(name,''),outcome,COALESCE(error_kind,''),COALESCE(detail,''),duration_ms
FROM journal WHERE account_id=? ORDER BY ts DESC, id DESC LIMIT ?`), accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JournalEntry
	for rows.Next() {
		var e domain.JournalEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.RequestID, &e.ActorID, &e.AccountID, &e.Verb, &e.Kind, &e.Name, &e.Outcome, &e.ErrorKind, &e.Detail, &e.DurationMS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
