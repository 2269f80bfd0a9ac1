package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"smarter/internal/domain"
	"smarter/internal/events"
	"smarter/internal/repo"
	"smarter/internal/tasks"
)

// Reconciler settles records left pending by tasks that ended without
// moving them, and requeues tasks whose worker died.
type Reconciler struct {
	Repo   repo.Repo
	Runner *tasks.Runner
	Events events.Writer
	Logger *log.Logger
	Now    func() time.Time
}

type ReconcileReport struct {
	Reclaimed int64
	Failed    int
}

func (r Reconciler) logf(format string, args ...any) {
	logger := r.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("reconcile: "+format, args...)
}

func (r Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	if r.Runner != nil {
		n, err := r.Runner.Reclaim(ctx)
		if err != nil {
			return report, err
		}
		report.Reclaimed = n
	}
	pending, err := r.Repo.ListResources(ctx, repo.ResourceFilter{DeployState: domain.Pending})
	if err != nil {
		return report, err
	}
	for _, res := range pending {
		task, err := r.Repo.GetTask(ctx, res.DeployTaskID)
		detail := ""
		switch {
		case errors.Is(err, repo.ErrNotFound):
			detail = "deploy task missing"
		case err != nil:
			return report, err
		case task.Status == domain.TaskDone || task.Status == domain.TaskFailed:
			detail = "deploy task ended without settling: " + task.LastError
		default:
			continue
		}
		settled, err := r.fail(ctx, res, detail)
		if err != nil {
			return report, err
		}
		if settled {
			report.Failed++
		}
	}
	return report, nil
}

func (r Reconciler) fail(ctx context.Context, res domain.Resource, detail string) (bool, error) {
	tx, err := r.Repo.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	err = r.Repo.SetDeployState(ctx, tx, repo.DeployUpdate{
		ID: res.ID, TaskID: res.DeployTaskID, State: domain.Failed, Detail: detail, Now: domain.FormatTime(r.now()),
	})
	if errors.Is(err, repo.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := r.Events.Append(ctx, tx, events.DeployFailed, entityOf(res), "system", events.EventPayload{
		"task_id": res.DeployTaskID,
		"error":   detail,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	r.logf("%s %s marked failed: %s", res.Kind, res.Name, detail)
	return true, nil
}

// Start runs RunOnce on schedule until ctx is done.
func (r Reconciler) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = "@every 30s"
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		report, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logf("%v", err)
			return
		}
		if report.Reclaimed > 0 || report.Failed > 0 {
			r.logf("reclaimed %d task(s), failed %d record(s)", report.Reclaimed, report.Failed)
		}
	}); err != nil {
		return err
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}
