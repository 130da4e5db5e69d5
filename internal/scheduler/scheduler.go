// Package scheduler runs the pipeline on a schedule and on demand, never twice at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"lmsfetch/internal/components/assert"
	"lmsfetch/internal/components/chrono"
	"lmsfetch/internal/components/telemetry"
	"lmsfetch/internal/pipeline"
	"sync"
)

const (
	report_scheduler_run    = "scheduler.run"
	report_scheduler_notify = "scheduler.notify"
)

var (
	ErrAlreadyRunning = errors.New("a run is already in progress")
	ErrRunPanicked    = errors.New("run panicked")
)

type RunFunc func(ctx context.Context) (pipeline.Summary, error)

// Notifier is implemented by notify.Mailer.
type Notifier interface {
	Send(ctx context.Context, summary pipeline.Summary) error
}

type Status struct {
	Running   bool              `json:"running"`
	Runs      int               `json:"runs"`
	Last      *pipeline.Summary `json:"last,omitempty"`
	LastError string            `json:"last_error,omitempty"`
}

type Runner struct {
	run      RunFunc
	notifier Notifier
	notifyIf func(pipeline.Summary) bool
	tel      telemetry.API

	inflight sync.WaitGroup

	mu      sync.Mutex
	running bool
	runs    int
	last    *pipeline.Summary
	lastErr error
}

// NewRunner creates a runner, `notifier` may be nil. When set, it is sent the summary of every
// run `notifyIf` accepts.
func NewRunner(run RunFunc, notifier Notifier, notifyIf func(pipeline.Summary) bool, tel telemetry.API) *Runner {
	assert.NotNil(run)
	assert.NotNil(tel)
	if notifyIf == nil {
		notifyIf = func(pipeline.Summary) bool { return true }
	}
	return &Runner{
		run:      run,
		notifier: notifier,
		notifyIf: notifyIf,
		tel:      telemetry.NewScopedAPI("scheduler", tel),
	}
}

func (r *Runner) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	r.running = true
	r.inflight.Add(1)
	return true
}

// guardedRun calls the run function and releases the runner afterwards, a panicking run is
// turned into ErrRunPanicked.
func (r *Runner) guardedRun(ctx context.Context) (summary pipeline.Summary, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("%w: %v", ErrRunPanicked, v)
			r.tel.ReportBroken(report_scheduler_run, err)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		r.running = false
		r.runs++
		r.last = &summary
		r.lastErr = err
	}()
	return r.run(ctx)
}

func (r *Runner) execute(ctx context.Context) (pipeline.Summary, error) {
	defer r.inflight.Done()

	summary, err := r.guardedRun(ctx)
	if err != nil {
		r.tel.ReportWarning(report_scheduler_run, err)
	}

	if r.notifier != nil && r.notifyIf(summary) {
		notifyErr := r.notifier.Send(context.WithoutCancel(ctx), summary)
		if notifyErr != nil {
			r.tel.ReportWarning(report_scheduler_notify, notifyErr)
		}
	}

	return summary, err
}

// Wait blocks until every run started so far, notification included, has returned.
func (r *Runner) Wait() {
	r.inflight.Wait()
}

// RunOnce runs the pipeline and blocks until it is done, it returns ErrAlreadyRunning instead
// if a run is in progress.
func (r *Runner) RunOnce(ctx context.Context) (pipeline.Summary, error) {
	if !r.acquire() {
		return pipeline.Summary{}, ErrAlreadyRunning
	}
	return r.execute(ctx)
}

// TryStart starts a run in the background, it returns false if a run is in progress.
func (r *Runner) TryStart(ctx context.Context) bool {
	if !r.acquire() {
		return false
	}
	go r.execute(ctx)
	return true
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := Status{
		Running: r.running,
		Runs:    r.runs,
		Last:    r.last,
	}
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
	}
	return status
}

// Schedule runs the pipeline on every tick of `spec` with `ctx`.
func (r *Runner) Schedule(ctx context.Context, cron chrono.CronAPI, spec string) error {
	return cron.Cron(spec, func() {
		if ctx.Err() != nil {
			return
		}
		_, err := r.RunOnce(ctx)
		if errors.Is(err, ErrAlreadyRunning) {
			r.tel.ReportDebug("tick skipped, a run is in progress")
		}
	})
}
