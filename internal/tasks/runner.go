package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"smarter/internal/domain"
	"smarter/internal/repo"
)

// Handler executes one attempt of a task. Returning an error schedules a
// retry unless the error is Permanent or the attempt was the last one.
type Handler func(ctx context.Context, t domain.Task) error

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type Runner struct {
	Repo repo.Repo
	// Interval is how long an idle worker sleeps before polling again.
	Interval time.Duration
	// Lease bounds one attempt; a running task whose lease expired is
	// requeued by Reclaim.
	Lease time.Duration
	// Backoff is multiplied by attempts squared between retries.
	Backoff time.Duration
	Logger  *log.Logger
	Now     func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRunner(r repo.Repo) *Runner {
	return &Runner{
		Repo:     r,
		Interval: time.Second,
		Lease:    time.Minute,
		Backoff:  2 * time.Second,
		Logger:   log.Default(),
		Now:      time.Now,
		handlers: map[string]Handler{},
	}
}

func (r *Runner) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = map[string]Handler{}
	}
	r.handlers[name] = h
}

func (r *Runner) handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) logf(format string, args ...any) {
	logger := r.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("tasks: "+format, args...)
}

// RunOnce claims and executes at most one task. It reports whether a task
// was found.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	lease := r.Lease
	if lease <= 0 {
		lease = time.Minute
	}
	now := r.now()
	t, err := r.Repo.ClaimTask(ctx, domain.FormatTime(now), domain.FormatTime(now.Add(lease)))
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}

	h, ok := r.handler(t.Name)
	if !ok {
		r.logf("no handler for %s (%s)", t.Name, t.ID)
		return true, r.Repo.FailTask(ctx, t.ID, "no handler registered", domain.FormatTime(r.now()))
	}

	runCtx, cancel := context.WithTimeout(ctx, lease)
	runErr := safeRun(runCtx, h, t)
	cancel()

	finished := domain.FormatTime(r.now())
	switch {
	case runErr == nil:
		return true, r.Repo.CompleteTask(ctx, t.ID, finished)
	case IsPermanent(runErr) || t.Final():
		r.logf("%s %s failed after %d attempt(s): %v", t.Name, t.ID, t.Attempts, runErr)
		return true, r.Repo.FailTask(ctx, t.ID, runErr.Error(), finished)
	default:
		delay := r.backoff(t.Attempts)
		r.logf("%s %s attempt %d failed, retrying in %s: %v", t.Name, t.ID, t.Attempts, delay, runErr)
		return true, r.Repo.RetryTask(ctx, t.ID, runErr.Error(), domain.FormatTime(r.now().Add(delay)), finished)
	}
}

func (r *Runner) backoff(attempts int) time.Duration {
	base := r.Backoff
	if base <= 0 {
		return 0
	}
	return time.Duration(attempts*attempts) * base
}

func safeRun(ctx context.Context, h Handler, t domain.Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, t)
}

// Reclaim requeues tasks whose lease expired.
func (r *Runner) Reclaim(ctx context.Context) (int64, error) {
	return r.Repo.ReclaimStaleTasks(ctx, domain.FormatTime(r.now()))
}

// Drain runs tasks until none is runnable.
func (r *Runner) Drain(ctx context.Context) error {
	for {
		worked, err := r.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !worked {
			return nil
		}
	}
}

// Run starts workers and blocks until ctx is done. A worker that found
// work polls again immediately; an idle one sleeps Interval.
func (r *Runner) Run(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	interval := r.Interval
	if interval <= 0 {
		interval = time.Second
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				worked, err := r.RunOnce(ctx)
				if err != nil && ctx.Err() == nil {
					r.logf("%v", err)
				}
				if worked && err == nil {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(interval):
				}
			}
		}()
	}
	wg.Wait()
}
