package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"smarter/internal/apierr"
	"smarter/internal/domain"
	"smarter/internal/events"
	"smarter/internal/provision"
	"smarter/internal/repo"
	"smarter/internal/schema"
	"smarter/internal/tasks"
	"smarter/internal/transform"
)

// Task names handled by the chatbot broker.
const (
	TaskDeploy   = "chatbot.deploy"
	TaskTeardown = "chatbot.teardown"
)

const defaultRootDomain = "smarter.local"

type deployPayload struct {
	ResourceID string `json:"resource_id"`
}

type teardownPayload struct {
	Spec provision.Spec `json:"spec"`
}

// ChatBot adds asynchronous deployment and logs to the resource broker.
type ChatBot struct {
	*Resource
	provisioner provision.Provisioner
	rootDomain  string
}

func NewChatBot(d Deps, p provision.Provisioner, rootDomain string) (*ChatBot, error) {
	if p == nil {
		p = provision.NewLocal()
	}
	if rootDomain == "" {
		rootDomain = defaultRootDomain
	}
	tr := transform.Resource{Kind: schema.KindChatBot, FullReplace: []string{"spec.plugins", "spec.functions"}}
	v, err := d.variant(schema.KindChatBot, "", tr, exampleChatBot)
	if err != nil {
		return nil, err
	}
	c := &ChatBot{
		Resource:    &Resource{Deps: d, kind: schema.KindChatBot, variants: []Variant{v}, deployable: true},
		provisioner: p,
		rootDomain:  rootDomain,
	}
	c.hooks.beforeWrite = c.redeployOnChange
	c.hooks.beforeDelete = c.teardownOnDelete
	c.hooks.liveStatus = c.liveStatus
	c.hooks.kindStatus = c.health
	return c, nil
}

// Register installs the deploy and teardown handlers.
func (c *ChatBot) Register(r *tasks.Runner) {
	r.Register(TaskDeploy, c.handleDeploy)
	r.Register(TaskTeardown, c.handleTeardown)
}

func (c *ChatBot) Deploy(ctx context.Context, rc RequestContext) (Result, error) {
	if h := c.provisioner.Health(ctx); !h.Ready {
		return Result{}, apierr.New(apierr.NotReady, "provisioner unavailable: %s", h.Detail)
	}
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		res, err := c.deployOnce(ctx, rc)
		if errors.Is(err, repo.ErrConflict) {
			continue
		}
		return res, err
	}
	return Result{}, apierr.New(apierr.BadRequest, "concurrent modification of %s %q, retry the request", c.kind, rc.Name)
}

func (c *ChatBot) deployOnce(ctx context.Context, rc RequestContext) (Result, error) {
	tx, err := c.Repo.Begin(ctx)
	if err != nil {
		return Result{}, internal(err, "begin deploy")
	}
	defer tx.Rollback()
	res, err := c.load(ctx, tx, rc)
	if err != nil {
		return Result{}, err
	}
	// an accepted deploy is never cancelled or duplicated
	if res.DeployState == domain.Pending {
		return Result{Verb: VerbDeploy, Accepted: true, Report: c.report(ctx, res)}, nil
	}
	prev := res.ResourceVersion
	if err := c.requestDeploy(ctx, tx, rc, &res); err != nil {
		return Result{}, err
	}
	res.UpdatedAt = domain.FormatTime(c.now())
	if err := c.Repo.UpdateResource(ctx, tx, res, prev); err != nil {
		return Result{}, conflictOr(err, "mark %s pending", res.Name)
	}
	res.ResourceVersion = prev + 1
	if err := tx.Commit(); err != nil {
		return Result{}, conflictOr(err, "commit deploy of %s", res.Name)
	}
	return Result{Verb: VerbDeploy, Accepted: true, Report: c.report(ctx, res)}, nil
}

// requestDeploy enqueues a deploy task in tx and moves res to pending.
func (c *ChatBot) requestDeploy(ctx context.Context, tx *sql.Tx, rc RequestContext, res *domain.Resource) error {
	task, err := c.Queue.Enqueue(ctx, tx, TaskDeploy, deployPayload{ResourceID: res.ID}, res.ID)
	if err != nil {
		return internal(err, "enqueue deploy of %s", res.Name)
	}
	res.DeployState = domain.Pending
	res.DeployTaskID = task.ID
	res.DeployDetail = ""
	if _, err := c.Events.Append(ctx, tx, events.DeployRequested, entityOf(*res), actor(rc), events.EventPayload{
		"task_id":    task.ID,
		"request_id": rc.RequestID,
	}); err != nil {
		return internal(err, "record deploy event")
	}
	return nil
}

// redeployOnChange republishes a deployed chatbot whose spec changed.
func (c *ChatBot) redeployOnChange(ctx context.Context, tx *sql.Tx, rc RequestContext, existing *domain.Resource, mut *transform.Mutation) error {
	if existing == nil || (existing.DeployState != domain.Deployed && existing.DeployState != domain.Pending) {
		return nil
	}
	specChanged := false
	for _, ch := range mut.Diff {
		if strings.HasPrefix(ch.Path, "spec.") {
			specChanged = true
			break
		}
	}
	if !specChanged {
		return nil
	}
	return c.requestDeploy(ctx, tx, rc, &mut.Record)
}

func (c *ChatBot) teardownOnDelete(ctx context.Context, tx *sql.Tx, rc RequestContext, res domain.Resource) error {
	if res.DeployState == domain.NotDeployed {
		return nil
	}
	spec, err := c.provisionSpec(res, rc.Principal.Account)
	if err != nil {
		return internal(err, "build teardown of %s", res.Name)
	}
	if _, err := c.Queue.Enqueue(ctx, tx, TaskTeardown, teardownPayload{Spec: spec}, res.ID); err != nil {
		return internal(err, "enqueue teardown of %s", res.Name)
	}
	return nil
}

func (c *ChatBot) handleDeploy(ctx context.Context, task domain.Task) error {
	p, err := tasks.Decode[deployPayload](task)
	if err != nil {
		return tasks.Permanent(err)
	}
	res, err := c.Repo.GetResourceByID(ctx, nil, p.ResourceID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if res.DeployTaskID != task.ID {
		return nil
	}
	acct, err := c.Repo.GetAccount(ctx, res.AccountID)
	if err != nil {
		return err
	}
	spec, err := c.provisionSpec(res, acct)
	if err != nil {
		if settleErr := c.settle(ctx, task, res, domain.Failed, err.Error(), ""); settleErr != nil && !errors.Is(settleErr, repo.ErrConflict) {
			return settleErr
		}
		return tasks.Permanent(err)
	}

	out, perr := c.provisioner.Provision(ctx, spec)
	if perr != nil {
		if provision.IsRetryable(perr) && !task.Final() {
			c.recordEvent(ctx, events.DeployRetrying, res, events.EventPayload{
				"task_id": task.ID,
				"attempt": task.Attempts,
				"error":   perr.Error(),
			})
			return perr
		}
		if err := c.settle(ctx, task, res, domain.Failed, perr.Error(), ""); err != nil && !errors.Is(err, repo.ErrConflict) {
			return err
		}
		return tasks.Permanent(perr)
	}

	err = c.settle(ctx, task, res, domain.Deployed, out.Detail, out.URL)
	if errors.Is(err, repo.ErrConflict) {
		// deleted or redeployed while provisioning
		if _, gerr := c.Repo.GetResourceByID(ctx, nil, res.ID); errors.Is(gerr, repo.ErrNotFound) {
			return c.provisioner.Teardown(ctx, spec)
		}
		return nil
	}
	return err
}

func (c *ChatBot) handleTeardown(ctx context.Context, task domain.Task) error {
	p, err := tasks.Decode[teardownPayload](task)
	if err != nil {
		return tasks.Permanent(err)
	}
	res := domain.Resource{ID: p.Spec.ResourceID, AccountID: p.Spec.AccountID, Kind: schema.KindChatBot, Name: p.Spec.Name}
	if err := c.provisioner.Teardown(ctx, p.Spec); err != nil {
		if provision.IsRetryable(err) && !task.Final() {
			return err
		}
		c.recordEvent(ctx, events.TeardownFailed, res, events.EventPayload{"task_id": task.ID, "error": err.Error()})
		return tasks.Permanent(err)
	}
	c.recordEvent(ctx, events.TeardownSucceeded, res, events.EventPayload{"task_id": task.ID, "hostname": p.Spec.Hostname})
	return nil
}

// settle moves res to a terminal deploy state if task still owns it.
func (c *ChatBot) settle(ctx context.Context, task domain.Task, res domain.Resource, state domain.DeployState, detail, url string) error {
	tx, err := c.Repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Repo.SetDeployState(ctx, tx, repo.DeployUpdate{
		ID: res.ID, TaskID: task.ID, State: state, Detail: detail, URL: url, Now: domain.FormatTime(c.now()),
	}); err != nil {
		return err
	}
	evtType := events.DeploySucceeded
	payload := events.EventPayload{"task_id": task.ID, "attempt": task.Attempts}
	if state == domain.Failed {
		evtType = events.DeployFailed
		payload["error"] = detail
	} else {
		payload["url"] = url
	}
	if _, err := c.Events.Append(ctx, tx, evtType, entityOf(res), "system", payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *ChatBot) recordEvent(ctx context.Context, evtType string, res domain.Resource, payload events.EventPayload) {
	tx, err := c.Repo.Begin(ctx)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if _, err := c.Events.Append(ctx, tx, evtType, entityOf(res), "system", payload); err != nil {
		return
	}
	_ = tx.Commit()
}

func (c *ChatBot) provisionSpec(res domain.Resource, acct domain.Account) (provision.Spec, error) {
	spec, err := decodeChatBot(res.Spec)
	if err != nil {
		return provision.Spec{}, err
	}
	config := map[string]string{}
	for key, val := range map[string]string{
		"provider":          spec.Config.Provider,
		"defaultModel":      spec.Config.DefaultModel,
		"appName":           spec.Config.AppName,
		"appWelcomeMessage": spec.Config.AppWelcomeMessage,
	} {
		if val != "" {
			config[key] = val
		}
	}
	return provision.Spec{
		AccountID:     res.AccountID,
		AccountNumber: acct.AccountNumber,
		ResourceID:    res.ID,
		Name:          res.Name,
		Hostname:      c.hostname(res.Name, spec, acct),
		Plugins:       spec.Plugins,
		Config:        config,
	}, nil
}

func (c *ChatBot) hostname(name string, spec schema.ChatBotSpec, acct domain.Account) string {
	label := name
	if spec.Config.Subdomain != "" {
		label = spec.Config.Subdomain
	}
	return provision.Hostname(label, acct.AccountNumber, c.rootDomain, spec.Config.CustomDomain)
}

func (c *ChatBot) liveStatus(ctx context.Context, res domain.Resource) map[string]any {
	status := map[string]any{}
	if res.URL != "" {
		status["url"] = res.URL
	}
	if res.DeployDetail != "" {
		status["deployDetail"] = res.DeployDetail
	}
	if res.DeployTaskID != "" {
		status["deployTaskId"] = res.DeployTaskID
	}
	if acct, err := c.Repo.GetAccount(ctx, res.AccountID); err == nil {
		if spec, err := decodeChatBot(res.Spec); err == nil {
			status["hostname"] = c.hostname(res.Name, spec, acct)
		}
	}
	return status
}

func (c *ChatBot) health(ctx context.Context) map[string]any {
	h := c.provisioner.Health(ctx)
	return map[string]any{"provisioner": map[string]any{"ready": h.Ready, "detail": h.Detail}}
}

func decodeChatBot(spec map[string]any) (schema.ChatBotSpec, error) {
	var out schema.ChatBotSpec
	data, err := json.Marshal(spec)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}
