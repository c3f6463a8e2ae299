package task

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gotmc/stm/lib/expnum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func imageTasks(n int) []Task {
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = Task{Config: ImageConfig{
			Size:          expnum.New(50, -9),
			Bias:          expnum.New(200, -3),
			SetPoint:      expnum.New(120, -12),
			LineTime:      expnum.New(500, -3),
			LinesPerFrame: 256,
			ScanCount:     1,
		}}
	}
	return tasks
}

func TestNewSet(t *testing.T) {
	ts := NewSet("bias sweep", imageTasks(3))

	assert.Equal(t, Ready, ts.Status())
	assert.Equal(t, 3, ts.Len())
	assert.NotEqual(t, uuid.Nil, ts.ID)
	for i, tk := range ts.Tasks() {
		assert.Equal(t, i, tk.Index)
		assert.False(t, tk.Completed)
		assert.Equal(t, Image, tk.Kind())
	}
}

func TestNewSetEmptyIsFinished(t *testing.T) {
	ts := NewSet("empty", nil)
	assert.Equal(t, Finished, ts.Status())
	assert.True(t, ts.IsFinished())
	assert.Equal(t, 1.0, ts.Progress())
	_, ok := ts.Next()
	assert.False(t, ok)
}

func TestLifecycle(t *testing.T) {
	ts := NewSet("lifecycle", imageTasks(2))

	ts.Start()
	assert.Equal(t, Working, ts.Status())

	require.NoError(t, ts.MarkTaskComplete(0))
	assert.Equal(t, Working, ts.Status())
	assert.False(t, ts.IsFinished())
	assert.Equal(t, 0.5, ts.Progress())

	next, ok := ts.Next()
	require.True(t, ok)
	assert.Equal(t, 1, next.Index)

	require.NoError(t, ts.MarkTaskComplete(1))
	assert.Equal(t, Finished, ts.Status())
	assert.True(t, ts.IsFinished())

	// Start on a finished set is ignored.
	ts.Start()
	assert.Equal(t, Finished, ts.Status())
}

func TestMarkTaskCompleteTwice(t *testing.T) {
	ts := NewSet("twice", imageTasks(3))
	ts.Start()

	require.NoError(t, ts.MarkTaskComplete(1))
	before := ts.Status()
	require.NoError(t, ts.MarkTaskComplete(1))
	assert.Equal(t, before, ts.Status())
	assert.Equal(t, 1, ts.Completed())
}

func TestMarkTaskCompleteOutOfRange(t *testing.T) {
	ts := NewSet("range", imageTasks(1))
	assert.ErrorIs(t, ts.MarkTaskComplete(1), ErrNoTask)
	assert.ErrorIs(t, ts.MarkTaskComplete(-1), ErrNoTask)
	_, err := ts.Task(4)
	assert.ErrorIs(t, err, ErrNoTask)
}

func TestFail(t *testing.T) {
	ts := NewSet("fail", imageTasks(2))
	ts.Start()

	first := errors.New("connection reset")
	ts.Fail(first)
	ts.Fail(errors.New("second"))
	assert.Equal(t, Error, ts.Status())
	assert.True(t, ts.Status().Terminal())
	assert.Equal(t, first, ts.Err())

	// A failed set stays failed even if the remaining tasks are recorded.
	require.NoError(t, ts.MarkTaskComplete(0))
	require.NoError(t, ts.MarkTaskComplete(1))
	assert.Equal(t, Error, ts.Status())
}

func TestFailAfterFinishIgnored(t *testing.T) {
	ts := NewSet("done", imageTasks(1))
	require.NoError(t, ts.MarkTaskComplete(0))
	ts.Fail(errors.New("late"))
	assert.Equal(t, Finished, ts.Status())
	assert.NoError(t, ts.Err())
}

func TestRemaining(t *testing.T) {
	ts := NewSet("remaining", imageTasks(3))
	// 2 * 0.5 s * 256 lines per image
	perImage := 256 * time.Second
	assert.Equal(t, 3*perImage, ts.Remaining())

	require.NoError(t, ts.MarkTaskComplete(0))
	assert.Equal(t, 2*perImage, ts.Remaining())
}

func TestConcurrentMarking(t *testing.T) {
	ts := NewSet("concurrent", imageTasks(100))
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, ts.MarkTaskComplete(i))
		}(i)
		go func() {
			defer wg.Done()
			_ = ts.Status()
			_ = ts.Progress()
		}()
	}
	wg.Wait()
	assert.Equal(t, Finished, ts.Status())
	assert.Equal(t, 100, ts.Completed())
}

func TestTaskString(t *testing.T) {
	tk := Task{Index: 2, Config: ImageConfig{
		Size:     expnum.New(50, -9),
		XOffset:  expnum.New(-317.82, -9),
		YOffset:  expnum.New(401.2, -9),
		Bias:     expnum.New(75, -3),
		SetPoint: expnum.New(120, -12),
	}}
	assert.Equal(t,
		"Image 2: Size: +050.000 nm, Offset: (-317.820 nm, +401.200 nm), Bias: +075.000 mV, Setpoint: +120.000 pA",
		tk.String())
	assert.Equal(t, "spectra", Spectra.String())
	assert.Equal(t, "working", Working.String())
}
