package domain

import "time"

// TimeLayout is used for every persisted timestamp. Fixed width keeps
// lexical and chronological order identical.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in UTC with TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

type Account struct {
	ID            string `json:"id"`
	AccountNumber string `json:"account_number"`
	Name          string `json:"name"`
	CompanyName   string `json:"company_name"`
	PhoneNumber   string `json:"phone_number,omitempty"`
	Address       string `json:"address,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type DeployState string

const (
	NotDeployed DeployState = "not_deployed"
	Pending     DeployState = "pending"
	Deployed    DeployState = "deployed"
	Failed      DeployState = "failed"
)

// Resource is the persisted instance of a Kind. (AccountID, Kind, Name) is
// unique; ResourceVersion increases on every write and guards updates.
type Resource struct {
	ID              string            `json:"id"`
	AccountID       string            `json:"account_id"`
	Kind            string            `json:"kind"`
	Name            string            `json:"name"`
	APIVersion      string            `json:"api_version"`
	Variant         string            `json:"variant,omitempty"`
	Description     string            `json:"description,omitempty"`
	Version         string            `json:"version,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	Annotations     map[string]string `json:"annotations,omitempty"`
	Spec            map[string]any    `json:"spec"`
	DeployState     DeployState       `json:"deploy_state" enum:"not_deployed,pending,deployed,failed"`
	DeployTaskID    string            `json:"deploy_task_id,omitempty"`
	DeployDetail    string            `json:"deploy_detail,omitempty"`
	URL             string            `json:"url,omitempty"`
	ResourceVersion int64             `json:"resource_version"`
	CreatedAt       string            `json:"created_at" format:"date-time"`
	UpdatedAt       string            `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID          string         `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	AccountID   string         `json:"account_id,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	EntityName  string         `json:"entity_name,omitempty"`
	ActorID     string         `json:"actor_id"`
	PayloadJSON string         `json:"-"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TaskStatus string

const (
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// Task is a unit of asynchronous work written in the same transaction as
// the record change that caused it.
type Task struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	PayloadJSON string     `json:"payload_json"`
	Status      TaskStatus `json:"status" enum:"queued,running,done,failed"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error,omitempty"`
	ResourceID  string     `json:"resource_id,omitempty"`
	RunAfter    string     `json:"run_after" format:"date-time"`
	LockedUntil string     `json:"locked_until,omitempty" format:"date-time"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
}

// Final reports whether the current attempt is the last one allowed.
func (t Task) Final() bool {
	return t.MaxAttempts > 0 && t.Attempts >= t.MaxAttempts
}

// JournalEntry is one dispatched broker request.
type JournalEntry struct {
	ID         string `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	RequestID  string `json:"request_id"`
	ActorID    string `json:"actor_id"`
	AccountID  string `json:"account_id,omitempty"`
	Verb       string `json:"verb"`
	Kind       string `json:"kind"`
	Name       string `json:"name,omitempty"`
	Outcome    string `json:"outcome"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Detail     string `json:"detail,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Principal is an authenticated caller acting within one account.
type Principal struct {
	ActorID string  `json:"actor_id"`
	Account Account `json:"account"`
}
