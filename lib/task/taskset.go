package task

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoTask is returned when a task index is out of range.
var ErrNoTask = errors.New("no such task")

// Status is the lifecycle state of a TaskSet.
type Status int

// TaskSet states. Finished and Error are terminal.
const (
	Ready Status = iota
	Working
	Finished
	Error
)

var statusDesc = map[Status]string{
	Ready:    "ready",
	Working:  "working",
	Finished: "finished",
	Error:    "error",
}

func (s Status) String() string {
	if d, ok := statusDesc[s]; ok {
		return d
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Terminal reports whether no further tasks will run from a set in this
// state.
func (s Status) Terminal() bool { return s == Finished || s == Error }

// TaskSet is an ordered group of tasks sharing one sweep. It is safe for
// concurrent use.
type TaskSet struct {
	ID   uuid.UUID
	Name string

	mu        sync.Mutex
	tasks     []Task
	completed int
	status    Status
	err       error
}

// NewSet creates a task set owning the given tasks. Task indices are
// rewritten to their position in the set. A set without tasks starts
// Finished.
func NewSet(name string, tasks []Task) *TaskSet {
	ts := &TaskSet{
		ID:     uuid.New(),
		Name:   name,
		tasks:  make([]Task, len(tasks)),
		status: Ready,
	}
	copy(ts.tasks, tasks)
	for i := range ts.tasks {
		ts.tasks[i].Index = i
		if ts.tasks[i].Completed {
			ts.completed++
		}
	}
	if ts.completed == len(ts.tasks) {
		ts.status = Finished
	}
	return ts
}

// Len returns the number of tasks.
func (ts *TaskSet) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tasks)
}

// Task returns a copy of the task at index i.
func (ts *TaskSet) Task(i int) (Task, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if i < 0 || i >= len(ts.tasks) {
		return Task{}, fmt.Errorf("%w: index %d of %d", ErrNoTask, i, len(ts.tasks))
	}
	return ts.tasks[i], nil
}

// Tasks returns a snapshot of all tasks.
func (ts *TaskSet) Tasks() []Task {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]Task, len(ts.tasks))
	copy(out, ts.tasks)
	return out
}

// Status returns the current status.
func (ts *TaskSet) Status() Status {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.status
}

// Err returns the failure that moved the set to Error, if any.
func (ts *TaskSet) Err() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.err
}

// Start moves a Ready set to Working. Other states are left alone.
func (ts *TaskSet) Start() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.status == Ready {
		ts.status = Working
	}
}

// MarkTaskComplete records the task at index i as done. Marking a task that
// is already complete is a no-op. The set becomes Finished when its last
// task completes.
func (ts *TaskSet) MarkTaskComplete(i int) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if i < 0 || i >= len(ts.tasks) {
		return fmt.Errorf("%w: index %d of %d", ErrNoTask, i, len(ts.tasks))
	}
	if ts.tasks[i].Completed {
		return nil
	}
	ts.tasks[i].Completed = true
	ts.completed++
	if ts.completed == len(ts.tasks) && ts.status != Error {
		ts.status = Finished
	}
	return nil
}

// Fail moves the set to Error. The first error is kept.
func (ts *TaskSet) Fail(err error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.status == Finished {
		return
	}
	ts.status = Error
	if ts.err == nil {
		ts.err = err
	}
}

// IsFinished reports whether every task has completed.
func (ts *TaskSet) IsFinished() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.completed == len(ts.tasks)
}

// Next returns the first task not yet completed.
func (ts *TaskSet) Next() (Task, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, t := range ts.tasks {
		if !t.Completed {
			return t, true
		}
	}
	return Task{}, false
}

// Completed returns the number of completed tasks.
func (ts *TaskSet) Completed() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.completed
}

// Progress returns the completed fraction in [0, 1].
func (ts *TaskSet) Progress() float64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.tasks) == 0 {
		return 1
	}
	return float64(ts.completed) / float64(len(ts.tasks))
}

// Remaining estimates the acquisition time of the incomplete image tasks.
func (ts *TaskSet) Remaining() time.Duration {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var d time.Duration
	for _, t := range ts.tasks {
		if c, ok := t.Config.(ImageConfig); ok && !t.Completed {
			d += c.Duration()
		}
	}
	return d
}
