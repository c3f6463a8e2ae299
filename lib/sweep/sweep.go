// Package sweep expands a parameter sweep into the ordered list of image
// tasks that realise it.
package sweep

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gotmc/stm/lib/expnum"
	"github.com/gotmc/stm/lib/task"
)

var (
	// ErrDegenerateSweep is returned when a parameter is swept with a zero
	// step.
	ErrDegenerateSweep = errors.New("degenerate sweep")
	// ErrInvalidSpec is returned for specifications that cannot be expanded.
	ErrInvalidSpec = errors.New("invalid sweep specification")
)

// MaxTasks limits the size of a single expansion.
const MaxTasks = 100000

// Parameter is the instrument field varied by a sweep.
type Parameter int

// Sweepable parameters. Position moves the scan window along X.
const (
	None Parameter = iota
	Bias
	Size
	Position
)

var paramDesc = map[Parameter]string{
	None:     "None",
	Bias:     "Bias",
	Size:     "Size",
	Position: "Position",
}

func (p Parameter) String() string {
	if s, ok := paramDesc[p]; ok {
		return s
	}
	return fmt.Sprintf("Parameter(%d)", int(p))
}

// ParseParameter returns the parameter with the given name.
func ParseParameter(s string) (Parameter, error) {
	for p, name := range paramDesc {
		if name == s {
			return p, nil
		}
	}
	return None, fmt.Errorf("%w: unknown sweep parameter %q", ErrInvalidSpec, s)
}

// Unit returns the SI unit of the parameter.
func (p Parameter) Unit() string {
	switch p {
	case Bias:
		return "V"
	case Size, Position:
		return "m"
	}
	return ""
}

// Ranges accepted for the fixed fields of a scan.
var (
	SetPointLimits = expnum.Bounds{Lower: expnum.New(-500, -9), Upper: expnum.New(500, -9)}
	OffsetLimits   = expnum.Bounds{Lower: expnum.New(-1.5, -6), Upper: expnum.New(1.5, -6)}
	LineTimeLimits = expnum.Bounds{Lower: expnum.New(2.5, -12), Upper: expnum.New(1000, 0)}
)

var limits = map[Parameter]expnum.Bounds{
	Bias:     {Lower: expnum.New(-5, 0), Upper: expnum.New(5, 0)},
	Size:     {Lower: expnum.New(2.5, -12), Upper: expnum.New(3, -6)},
	Position: OffsetLimits,
}

// Limits returns the range the instrument accepts for p.
func Limits(p Parameter) (expnum.Bounds, bool) {
	b, ok := limits[p]
	return b, ok
}

// Spec describes a sweep: the fixed scan configuration plus the parameter
// varied from Start towards Stop in increments of Step.
type Spec struct {
	Name        string
	Parameter   Parameter
	Start       expnum.Value
	Stop        expnum.Value
	Step        expnum.Value
	Repetitions int

	Size          expnum.Value
	XOffset       expnum.Value
	YOffset       expnum.Value
	Bias          expnum.Value
	SetPoint      expnum.Value
	LineTime      expnum.Value
	LinesPerFrame int
}

// Clamp returns a copy of the spec whose values lie within the ranges the
// instrument accepts. A zero step is left alone so that Expand still
// reports the sweep as degenerate.
func (s Spec) Clamp() Spec {
	if b, ok := Limits(s.Parameter); ok {
		s.Start = b.Clamp(s.Start)
		s.Stop = b.Clamp(s.Stop)
		if s.Step.Float() != 0 {
			s.Step = b.Clamp(s.Step)
		}
	}
	s.Size = limits[Size].Clamp(s.Size)
	s.Bias = limits[Bias].Clamp(s.Bias)
	s.XOffset = OffsetLimits.Clamp(s.XOffset)
	s.YOffset = OffsetLimits.Clamp(s.YOffset)
	s.SetPoint = SetPointLimits.Clamp(s.SetPoint)
	s.LineTime = LineTimeLimits.Clamp(s.LineTime)
	return s
}

// Plan is the result of expanding a Spec.
type Plan struct {
	Tasks    []task.Task
	Total    int
	Duration time.Duration
}

// Steps returns the number of distinct values taken by the swept
// parameter, or 1 when nothing is swept.
func (s Spec) Steps() (int, error) {
	if s.Parameter == None {
		return 1, nil
	}
	step := math.Abs(s.Step.Float())
	if step == 0 || math.IsNaN(step) || math.IsInf(step, 0) {
		return 0, fmt.Errorf("%w: %s step is %v", ErrDegenerateSweep, s.Parameter, s.Step)
	}
	span := math.Abs(s.Stop.Float() - s.Start.Float())
	// The tolerance keeps 0.8/0.1 from rounding up to nine steps.
	n := math.Ceil(span/step - 1e-9)
	if n > MaxTasks {
		return 0, fmt.Errorf("%w: %v steps exceeds %d", ErrInvalidSpec, n, MaxTasks)
	}
	return int(n), nil
}

// Expand generates the tasks of the sweep. Tasks are ordered step-major:
// every repetition of one swept value precedes the next value.
func Expand(s Spec) (Plan, error) {
	if s.Repetitions < 0 {
		return Plan{}, fmt.Errorf("%w: negative repetitions %d", ErrInvalidSpec, s.Repetitions)
	}
	if s.LinesPerFrame < 0 {
		return Plan{}, fmt.Errorf("%w: negative lines per frame %d", ErrInvalidSpec, s.LinesPerFrame)
	}
	steps, err := s.Steps()
	if err != nil {
		return Plan{}, err
	}
	total := steps * s.Repetitions
	if total > MaxTasks {
		return Plan{}, fmt.Errorf("%w: %d tasks exceeds %d", ErrInvalidSpec, total, MaxTasks)
	}

	base := task.ImageConfig{
		Size:          s.Size,
		XOffset:       s.XOffset,
		YOffset:       s.YOffset,
		Bias:          s.Bias,
		SetPoint:      s.SetPoint,
		LineTime:      s.LineTime,
		LinesPerFrame: s.LinesPerFrame,
		ScanCount:     1,
	}

	start := s.Start.Float()
	step := math.Abs(s.Step.Float())
	if s.Stop.Float() < start {
		step = -step
	}

	tasks := make([]task.Task, 0, total)
	for k := 0; k < steps; k++ {
		cfg := base
		if s.Parameter != None {
			cfg = withValue(cfg, s.Parameter, expnum.FromFloat(start+float64(k)*step))
		}
		for r := 0; r < s.Repetitions; r++ {
			tasks = append(tasks, task.Task{Index: len(tasks), Config: cfg})
		}
	}

	return Plan{
		Tasks:    tasks,
		Total:    total,
		Duration: Duration(s.LineTime, s.LinesPerFrame, total),
	}, nil
}

// NewTaskSet expands s into a task set named after the sweep.
func NewTaskSet(s Spec) (*task.TaskSet, error) {
	plan, err := Expand(s)
	if err != nil {
		return nil, err
	}
	return task.NewSet(s.Name, plan.Tasks), nil
}

// Duration estimates the time needed for n images. Every line is scanned
// forward and back.
func Duration(lineTime expnum.Value, linesPerFrame, n int) time.Duration {
	secs := 2 * lineTime.Float() * float64(linesPerFrame) * float64(n)
	return time.Duration(secs * float64(time.Second))
}

func withValue(c task.ImageConfig, p Parameter, v expnum.Value) task.ImageConfig {
	switch p {
	case Bias:
		c.Bias = v
	case Size:
		c.Size = v
	case Position:
		c.XOffset = v
	}
	return c
}

// FormatDuration renders d as "2h 3m 4s", prefixed with days when d spans
// at least one day.
func FormatDuration(d time.Duration) string {
	total := int64(d / time.Second)
	days := total / 86400
	hours := total % 86400 / 3600
	mins := total % 3600 / 60
	secs := total % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, mins, secs)
	}
	return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
}
