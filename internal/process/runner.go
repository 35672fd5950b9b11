package process

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the lifecycle state of a Runner.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// defaultStopTimeout bounds the join in Stop when the config leaves it unset.
const defaultStopTimeout = 2 * time.Second

// StepFunc advances a simulation loop by one tick.
// A returned error is reported through Task.OnFault; the loop continues.
type StepFunc func(ctx context.Context) error

// Task describes one periodic background loop.
type Task struct {
	// Name identifies the task within its runner.
	Name string

	// Interval is the wall-clock time between steps.
	Interval time.Duration

	// Step is invoked once per tick.
	Step StepFunc

	// OnFault is called with step errors and recovered panics. Optional.
	OnFault func(err error)
}

// Config holds configuration for a Runner.
type Config struct {
	// Name is the owner identifier used in logs and errors.
	Name string

	// StopTimeout is how long Stop waits for all tasks to exit.
	StopTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		StopTimeout: defaultStopTimeout,
	}
}

// Logger defines the logging interface for the runner.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// taskState tracks one running task.
type taskState struct {
	task    Task
	started time.Time
	done    chan struct{}
	ticks   atomic.Uint64
	faults  atomic.Uint64
}

// Runner manages the background tasks of one device.
//
// Thread Safety: All methods are safe for concurrent use.
type Runner struct {
	config Config
	logger Logger

	mu     sync.Mutex
	status Status
	ctx    context.Context
	cancel context.CancelFunc
	tasks  map[string]*taskState

	// stopped is closed when an in-progress Stop finishes its join.
	stopped chan struct{}
}

// NewRunner creates a stopped runner with the given configuration.
func NewRunner(cfg Config) *Runner {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}

	return &Runner{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
		tasks:  make(map[string]*taskState),
	}
}

// SetLogger sets the logger for the runner.
func (r *Runner) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.mu.Lock()
	r.logger = logger
	r.mu.Unlock()
}

// Start arms the runner. Tasks spawned afterwards are cancelled when ctx is
// cancelled or Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusStopped {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, r.config.Name)
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.tasks = make(map[string]*taskState)
	r.stopped = make(chan struct{})
	r.status = StatusRunning
	return nil
}

// Spawn starts a named periodic task.
func (r *Runner) Spawn(task Task) error {
	if task.Name == "" || task.Interval <= 0 || task.Step == nil {
		return fmt.Errorf("%w: name, positive interval and step are required", ErrInvalidTask)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusRunning {
		return fmt.Errorf("%w: cannot spawn %s", ErrNotRunning, task.Name)
	}
	if _, exists := r.tasks[task.Name]; exists {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.Name)
	}

	st := &taskState{
		task:    task,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	r.tasks[task.Name] = st

	go r.loop(r.ctx, st, r.logger)

	r.logger.Debug("task spawned",
		"runner", r.config.Name,
		"task", task.Name,
		"interval", task.Interval,
	)
	return nil
}

// loop drives one task until ctx is cancelled.
func (r *Runner) loop(ctx context.Context, st *taskState, logger Logger) {
	defer close(st.done)

	ticker := time.NewTicker(st.task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Both channels may be ready at once; cancellation wins.
		if ctx.Err() != nil {
			return
		}

		r.step(ctx, st, logger)
	}
}

// step runs one tick with panic recovery.
func (r *Runner) step(ctx context.Context, st *taskState, logger Logger) {
	defer func() {
		if p := recover(); p != nil {
			r.fault(st, logger, fmt.Errorf("%w: %s: %v", ErrTaskPanic, st.task.Name, p))
		}
	}()

	st.ticks.Add(1)
	if err := st.task.Step(ctx); err != nil {
		r.fault(st, logger, err)
	}
}

func (r *Runner) fault(st *taskState, logger Logger, err error) {
	st.faults.Add(1)
	logger.Warn("task step failed",
		"runner", r.config.Name,
		"task", st.task.Name,
		"error", err,
	)
	if st.task.OnFault != nil {
		st.task.OnFault(err)
	}
}

// Stop cancels every task and waits up to StopTimeout for them to exit.
//
// Stop is idempotent: calling it on a stopped runner returns nil, and a call
// racing an in-progress Stop waits for that join to finish. When a task does
// not exit in time the runner is still marked stopped and a *StopTimeoutError
// naming the stragglers is returned.
func (r *Runner) Stop() error {
	r.mu.Lock()
	switch r.status {
	case StatusStopped:
		r.mu.Unlock()
		return nil
	case StatusStopping:
		stopped := r.stopped
		r.mu.Unlock()
		<-stopped
		return nil
	}
	r.status = StatusStopping
	stopped := r.stopped
	cancel := r.cancel
	tasks := make([]*taskState, 0, len(r.tasks))
	for _, st := range r.tasks {
		tasks = append(tasks, st)
	}
	logger := r.logger
	r.mu.Unlock()

	cancel()

	deadline := time.NewTimer(r.config.StopTimeout)
	defer deadline.Stop()

	timedOut := false
	for _, st := range tasks {
		select {
		case <-st.done:
		case <-deadline.C:
			timedOut = true
		}
		if timedOut {
			break
		}
	}

	var stuck []string
	if timedOut {
		for _, st := range tasks {
			select {
			case <-st.done:
			default:
				stuck = append(stuck, st.task.Name)
			}
		}
	}

	r.mu.Lock()
	r.status = StatusStopped
	r.mu.Unlock()
	close(stopped)

	if len(stuck) > 0 {
		sort.Strings(stuck)
		logger.Error("tasks did not stop in time",
			"runner", r.config.Name,
			"tasks", stuck,
			"timeout", r.config.StopTimeout,
		)
		return &StopTimeoutError{Runner: r.config.Name, Tasks: stuck}
	}

	logger.Debug("runner stopped", "runner", r.config.Name, "tasks", len(tasks))
	return nil
}

// Status returns the current runner status.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// IsRunning returns true if the runner accepts new tasks.
func (r *Runner) IsRunning() bool {
	return r.Status() == StatusRunning
}

// Tasks returns the sorted names of spawned tasks.
func (r *Runner) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TaskStats contains per-task counters.
type TaskStats struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Ticks    uint64        `json:"ticks"`
	Faults   uint64        `json:"faults"`
	Running  bool          `json:"running"`
	Uptime   time.Duration `json:"uptime"`
}

// Stats contains runner statistics.
type Stats struct {
	Name   string      `json:"name"`
	Status Status      `json:"status"`
	Tasks  []TaskStats `json:"tasks"`
}

// Stats returns a snapshot of runner statistics sorted by task name.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{
		Name:   r.config.Name,
		Status: r.status,
		Tasks:  make([]TaskStats, 0, len(r.tasks)),
	}
	for _, st := range r.tasks {
		running := true
		select {
		case <-st.done:
			running = false
		default:
		}
		ts := TaskStats{
			Name:     st.task.Name,
			Interval: st.task.Interval,
			Ticks:    st.ticks.Load(),
			Faults:   st.faults.Load(),
			Running:  running,
		}
		if running {
			ts.Uptime = time.Since(st.started)
		}
		stats.Tasks = append(stats.Tasks, ts)
	}
	sort.Slice(stats.Tasks, func(i, j int) bool {
		return stats.Tasks[i].Name < stats.Tasks[j].Name
	})
	return stats
}
