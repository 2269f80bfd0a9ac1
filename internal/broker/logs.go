package broker

import (
	"context"
	"fmt"
	"strings"

	"smarter/internal/apierr"
	"smarter/internal/domain"
	"smarter/internal/events"
	"smarter/internal/repo"
)

type LogQuery struct {
	Limit  int
	Cursor string
}

type LogLine struct {
	TS      string         `json:"ts" yaml:"ts"`
	Type    string         `json:"type" yaml:"type"`
	Actor   string         `json:"actor" yaml:"actor"`
	Message string         `json:"message" yaml:"message"`
	Data    map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

type LogPage struct {
	Items      []LogLine `json:"items" yaml:"items"`
	NextCursor string    `json:"next_cursor,omitempty" yaml:"next_cursor,omitempty"`
}

func (c *ChatBot) Logs(ctx context.Context, rc RequestContext) (Result, error) {
	res, err := c.load(ctx, nil, rc)
	if err != nil {
		return Result{}, err
	}
	if res.DeployState == domain.NotDeployed {
		return Result{}, apierr.New(apierr.BadRequest, "%s %q is not deployed", c.kind, res.Name)
	}
	page, err := eventLog(ctx, c.Repo, res, rc.Logs)
	if err != nil {
		return Result{}, err
	}
	return Result{Verb: VerbLogs, Logs: &page}, nil
}

func eventLog(ctx context.Context, r repo.Repo, res domain.Resource, q LogQuery) (LogPage, error) {
	limit := NormalizeLimit(q.Limit)
	afterTS, afterID, err := ParseCursor(q.Cursor)
	if err != nil {
		return LogPage{}, apierr.New(apierr.BadRequest, "invalid cursor %q", q.Cursor)
	}
	items, err := r.ListEvents(ctx, repo.EventFilter{
		AccountID: res.AccountID,
		EntityID:  res.ID,
		AfterTS:   afterTS,
		AfterID:   afterID,
		Limit:     limit + 1,
	})
	if err != nil {
		return LogPage{}, internal(err, "list events of %s", res.Name)
	}
	page := LogPage{Items: make([]LogLine, 0, len(items))}
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		page.NextCursor = ComposeCursor(last.TS, last.ID)
	}
	for _, e := range items {
		page.Items = append(page.Items, LogLine{TS: e.TS, Type: e.Type, Actor: e.ActorID, Message: logMessage(e), Data: e.Payload})
	}
	return page, nil
}

func logMessage(e domain.Event) string {
	str := func(key string) string {
		v, _ := e.Payload[key].(string)
		return v
	}
	switch e.Type {
	case events.ResourceCreated:
		return "created"
	case events.ResourceUpdated:
		if diff, ok := e.Payload["diff"].([]any); ok {
			return fmt.Sprintf("updated, %d field(s) changed", len(diff))
		}
		return "updated"
	case events.DeployRequested:
		return "deploy requested"
	case events.DeploySucceeded:
		return "deployed at " + str("url")
	case events.DeployFailed:
		return "deploy failed: " + str("error")
	case events.DeployRetrying:
		return "deploy attempt failed, retrying: " + str("error")
	default:
		return strings.ReplaceAll(e.Type, ".", " ")
	}
}

// NormalizeLimit applies the default page size and the maximum.
func NormalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func ParseCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func ComposeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
