// Package runner executes task sets against the microscope, one task at a
// time.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gotmc/stm"
	"github.com/gotmc/stm/lib/task"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrNoProcedure is returned for task kinds the control software has no
	// procedure for.
	ErrNoProcedure = errors.New("no procedure for task kind")

	// ErrRunning is returned by Start while a worker is active.
	ErrRunning = errors.New("runner already running")

	// ErrActiveSet is returned by Remove for the set being executed.
	ErrActiveSet = errors.New("task set is active")

	// ErrUnknownSet is returned by Remove for a set the runner does not hold.
	ErrUnknownSet = errors.New("unknown task set")

	errStopped = errors.New("stopped")
)

// Device is the instrument a runner pushes task configurations to.
// *stm.Session implements it.
type Device interface {
	SetBias(ctx context.Context, volts float64) error
	SetSetpoint(ctx context.Context, amps float64) error
	SetScanSize(ctx context.Context, metres float64) error
	SetScanPosition(ctx context.Context, x, y float64) error
	SetLineTime(ctx context.Context, seconds float64) error
	SetLinesPerFrame(ctx context.Context, n int) error
	SetScanCount(ctx context.Context, n int) error
	StartProcedure(ctx context.Context, name string) (string, error)
}

var _ Device = (*stm.Session)(nil)

// State is a snapshot of the runner. ActiveSet and ActiveTask index the set
// and task most recently dequeued, or are -1 before the first one.
type State struct {
	ActiveSet  int
	ActiveTask int
	Paused     bool
	Running    bool
}

// Event reports the outcome of one task.
type Event struct {
	Set    uuid.UUID
	Task   int
	Status task.Status // status of the set after the task
	Err    error
}

// Runner drains task sets in order through a single worker.
type Runner struct {
	dev     Device
	log     *zap.Logger
	notify  func(Event)
	retries int

	mu       sync.Mutex
	sets     []*task.TaskSet
	state    State
	stopping bool
	done     chan struct{}
}

// Option applies an option to the runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithNotify registers fn to be called from the worker after every task.
func WithNotify(fn func(Event)) Option {
	return func(r *Runner) { r.notify = fn }
}

// WithTaskRetries sets how many times a task failing with
// stm.ErrConnectionFailure is run again before its set is failed.
func WithTaskRetries(n int) Option {
	return func(r *Runner) { r.retries = max(n, 0) }
}

// New returns an idle runner for dev.
func New(dev Device, opts ...Option) *Runner {
	r := &Runner{
		dev:   dev,
		log:   zap.NewNop(),
		state: State{ActiveSet: -1, ActiveTask: -1},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add appends sets to the queue. Sets added while running are picked up
// once the sets before them are done.
func (r *Runner) Add(sets ...*task.TaskSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets = append(r.sets, sets...)
}

// Remove drops the set with the given id.
func (r *Runner) Remove(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ts := range r.sets {
		if ts.ID != id {
			continue
		}
		if r.state.Running && i == r.state.ActiveSet {
			return fmt.Errorf("%w: %s", ErrActiveSet, ts.Name)
		}
		r.sets = append(r.sets[:i], r.sets[i+1:]...)
		switch {
		case i < r.state.ActiveSet:
			r.state.ActiveSet--
		case i == r.state.ActiveSet:
			r.state.ActiveSet, r.state.ActiveTask = -1, -1
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownSet, id)
}

// Sets returns the queued sets in execution order.
func (r *Runner) Sets() []*task.TaskSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*task.TaskSet, len(r.sets))
	copy(out, r.sets)
	return out
}

// State returns a snapshot of the runner state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Pause sets the pause flag. It is checked after each task completes, so
// the task in flight always finishes. A paused runner resumes on Start.
func (r *Runner) Pause(paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Paused = paused
}

// Stop asks the worker to exit once the current device command returns.
// The task in flight is not marked complete and runs again on the next
// Start. Stop does not wait; use Wait.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Running {
		r.stopping = true
	}
}

// Wait blocks until the worker has exited.
func (r *Runner) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Start launches the worker on the first incomplete task of the first set
// that is neither Finished nor Error. The runner stays idle when there is
// no such task. ctx bounds every device command the worker sends.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Running {
		return ErrRunning
	}
	if _, _, _, ok := r.nextLocked(); !ok {
		r.log.Debug("nothing to run")
		return nil
	}
	r.state.Running = true
	r.stopping = false
	r.done = make(chan struct{})
	go r.run(ctx, r.done)
	return nil
}

// Remaining estimates the acquisition time of every pending task.
func (r *Runner) Remaining() time.Duration {
	var d time.Duration
	for _, ts := range r.Sets() {
		if !ts.Status().Terminal() {
			d += ts.Remaining()
		}
	}
	return d
}

// Err combines the errors of every failed set.
func (r *Runner) Err() error {
	var err error
	for _, ts := range r.Sets() {
		err = multierr.Append(err, ts.Err())
	}
	return err
}

func (r *Runner) nextLocked() (*task.TaskSet, int, task.Task, bool) {
	for i, ts := range r.sets {
		if ts.Status().Terminal() {
			continue
		}
		if t, ok := ts.Next(); ok {
			return ts, i, t, true
		}
	}
	return nil, -1, task.Task{}, false
}

func (r *Runner) dequeue() (*task.TaskSet, task.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		return nil, task.Task{}, false
	}
	ts, i, t, ok := r.nextLocked()
	if ok {
		r.state.ActiveSet, r.state.ActiveTask = i, t.Index
	}
	return ts, t, ok
}

func (r *Runner) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

func (r *Runner) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Paused
}

func (r *Runner) run(ctx context.Context, done chan struct{}) {
	defer func() {
		r.mu.Lock()
		r.state.Running = false
		r.stopping = false
		r.mu.Unlock()
		close(done)
	}()

	for {
		ts, t, ok := r.dequeue()
		if !ok {
			r.log.Debug("worker idle")
			return
		}
		ts.Start()
		log := r.log.With(zap.String("set", ts.Name), zap.Int("task", t.Index))
		log.Info("starting task", zap.Stringer("kind", t.Kind()))

		// One completion per task.
		completion := make(chan error, 1)
		go func() { completion <- r.attempt(ctx, t, log) }()
		err := <-completion

		switch {
		case errors.Is(err, errStopped) || r.isStopping():
			log.Info("stopped, task left incomplete")
			return
		case ctx.Err() != nil:
			log.Info("cancelled, task left incomplete", zap.Error(ctx.Err()))
			return
		case err != nil:
			log.Error("task failed", zap.Error(err))
			ts.Fail(fmt.Errorf("task %d: %w", t.Index, err))
		default:
			if merr := ts.MarkTaskComplete(t.Index); merr != nil {
				ts.Fail(merr)
			}
			log.Info("task complete", zap.Stringer("status", ts.Status()))
		}
		if r.notify != nil {
			r.notify(Event{Set: ts.ID, Task: t.Index, Status: ts.Status(), Err: err})
		}
		if r.isPaused() {
			log.Info("paused")
			return
		}
	}
}

// attempt runs t, repeating it while it fails to reach the instrument.
func (r *Runner) attempt(ctx context.Context, t task.Task, log *zap.Logger) error {
	for n := 0; ; n++ {
		err := r.execute(ctx, t)
		if err == nil || n >= r.retries || !errors.Is(err, stm.ErrConnectionFailure) {
			return err
		}
		if r.isStopping() || ctx.Err() != nil {
			return err
		}
		log.Warn("retrying task", zap.Int("attempt", n+1), zap.Error(err))
	}
}

// execute pushes the configuration of t to the device and runs its
// procedure. The Y offset is negated into the instrument frame.
func (r *Runner) execute(ctx context.Context, t task.Task) error {
	c, ok := t.Config.(task.ImageConfig)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoProcedure, t.Kind())
	}
	steps := []func() error{
		func() error { return r.dev.SetBias(ctx, c.Bias.Float()) },
		func() error { return r.dev.SetSetpoint(ctx, c.SetPoint.Float()) },
		func() error { return r.dev.SetScanSize(ctx, c.Size.Float()) },
		func() error { return r.dev.SetScanPosition(ctx, c.XOffset.Float(), -c.YOffset.Float()) },
		func() error { return r.dev.SetLineTime(ctx, c.LineTime.Float()) },
		func() error { return r.dev.SetLinesPerFrame(ctx, c.LinesPerFrame) },
		func() error { return r.dev.SetScanCount(ctx, max(c.ScanCount, 1)) },
	}
	for _, step := range steps {
		if r.isStopping() {
			return errStopped
		}
		if err := step(); err != nil {
			return err
		}
	}
	if r.isStopping() {
		return errStopped
	}
	resp, err := r.dev.StartProcedure(ctx, stm.ProcedureImage)
	if err != nil {
		return err
	}
	r.log.Debug("procedure returned", zap.String("response", resp))
	return nil
}
