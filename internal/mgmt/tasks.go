package mgmt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskFunc is the body of a named background task. It receives a context
// cancelled when the task is stopped or its deadline expires.
type TaskFunc func(ctx context.Context) error

// TaskState is a task's current lifecycle state.
type TaskState int

const (
	TaskIdle TaskState = iota
	TaskRunning
	TaskSucceeded
	TaskFailed
	TaskStopped
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskRunning:
		return "running"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	case TaskStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// TaskInfo is a task's queryable status (§9 Open Question #1: a task is
// launched by its registered name with a single commandLine string rather
// than a className+args pair; the commandLine is recorded here, not
// interpreted).
type TaskInfo struct {
	Name        string
	CommandLine string
	State       TaskState
	StartedAt   time.Time
	FinishedAt  time.Time
	Err         string
}

// taskExecution tracks one running task instance, grounded on the
// teacher's jobExecution (internal/storage/scheduler.go): a start time
// plus a cancel func so Stop can interrupt it.
type taskExecution struct {
	info     TaskInfo
	cancelFn context.CancelFunc
}

// Runner drives named background administrative tasks (recovery dry-run,
// volume compaction, forced checkpoint sweep), optionally on a CRON
// schedule. Grounded on the teacher's Scheduler
// (internal/storage/scheduler.go): a registry of named executions plus a
// *cron.Cron for schedule-driven ones, generalized from SQL-job execution
// to arbitrary TaskFunc bodies.
type Runner struct {
	mu        sync.Mutex
	running   map[string]*taskExecution
	history   map[string]TaskInfo
	cronSched *cron.Cron
	funcs     map[string]TaskFunc
}

// NewRunner constructs an empty task runner.
func NewRunner() *Runner {
	loc, _ := time.LoadLocation("UTC")
	return &Runner{
		running:   make(map[string]*taskExecution),
		history:   make(map[string]TaskInfo),
		cronSched: cron.New(cron.WithLocation(loc), cron.WithSeconds()),
		funcs:     make(map[string]TaskFunc),
	}
}

// Register binds a named task body so it can later be started by that
// name via Start or ScheduleCron.
func (r *Runner) Register(name string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Start launches a registered task by name, returning immediately; use
// Query to poll for completion. If the task is already running, Start
// returns an error instead of launching a second instance (no_overlap,
// matching the teacher's CatalogJob.NoOverlap default behavior).
func (r *Runner) Start(name string, commandLine string, timeout time.Duration) error {
	r.mu.Lock()
	if _, busy := r.running[name]; busy {
		r.mu.Unlock()
		return fmt.Errorf("mgmt: task %q already running", name)
	}
	fn, ok := r.funcs[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("mgmt: no task registered as %q", name)
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	exec := &taskExecution{
		info:     TaskInfo{Name: name, CommandLine: commandLine, State: TaskRunning, StartedAt: time.Now()},
		cancelFn: cancel,
	}
	r.running[name] = exec
	r.mu.Unlock()

	go func() {
		err := fn(ctx)
		cancel()
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.running, name)
		exec.info.FinishedAt = time.Now()
		if ctx.Err() == context.Canceled && err == nil {
			exec.info.State = TaskStopped
		} else if err != nil {
			exec.info.State = TaskFailed
			exec.info.Err = err.Error()
		} else {
			exec.info.State = TaskSucceeded
		}
		r.history[name] = exec.info
	}()
	return nil
}

// Suspend cancels a running task's context without removing its
// registration, leaving it eligible for a fresh Start later. Persistit's
// own task model calls this "suspend"; here it is implemented as
// cancellation since tasks are not checkpoint-resumable.
func (r *Runner) Suspend(name string) error {
	return r.Stop(name)
}

// Stop cancels a running task by name.
func (r *Runner) Stop(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.running[name]
	if !ok {
		return fmt.Errorf("mgmt: task %q is not running", name)
	}
	exec.cancelFn()
	return nil
}

// Query returns the current or most recently finished status of a named
// task.
func (r *Runner) Query(name string) (TaskInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if exec, ok := r.running[name]; ok {
		return exec.info, true
	}
	info, ok := r.history[name]
	return info, ok
}

// List returns every task this runner has ever started, running or not.
func (r *Runner) List() []TaskInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskInfo, 0, len(r.running)+len(r.history))
	for _, exec := range r.running {
		out = append(out, exec.info)
	}
	for name, info := range r.history {
		if _, stillRunning := r.running[name]; !stillRunning {
			out = append(out, info)
		}
	}
	return out
}

// ScheduleCron registers name to run on a CRON schedule (seconds field
// included, matching the teacher's cron.WithSeconds() parser), invoking
// Start with an empty commandLine on each tick.
func (r *Runner) ScheduleCron(name, cronExpr string, timeout time.Duration) error {
	_, err := r.cronSched.AddFunc(cronExpr, func() {
		_ = r.Start(name, "", timeout)
	})
	if err != nil {
		return fmt.Errorf("mgmt: invalid cron expression %q for task %q: %w", cronExpr, name, err)
	}
	return nil
}

// StartSchedule begins dispatching any CRON-scheduled tasks registered
// via ScheduleCron.
func (r *Runner) StartSchedule() { r.cronSched.Start() }

// StopAll cancels every running task and halts the CRON scheduler.
func (r *Runner) StopAll() {
	ctx := r.cronSched.Stop()
	<-ctx.Done()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, exec := range r.running {
		exec.cancelFn()
	}
}
