// Package task models the units of work sent to the microscope: individual
// image or spectroscopy tasks, grouped into ordered task sets that share a
// sweep.
package task

import (
	"fmt"
	"time"

	"github.com/gotmc/stm/lib/expnum"
)

// Kind identifies the measurement a task performs.
type Kind int

// Available task kinds.
const (
	Image Kind = iota
	Spectra
)

var kindDesc = map[Kind]string{
	Image:   "image",
	Spectra: "spectra",
}

func (k Kind) String() string {
	if s, ok := kindDesc[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Config is the instrument configuration carried by a task. It is
// implemented by ImageConfig and SpecConfig only.
type Config interface {
	Kind() Kind
	isConfig()
}

// ImageConfig holds the scan parameters of an image task.
type ImageConfig struct {
	Size          expnum.Value
	XOffset       expnum.Value
	YOffset       expnum.Value
	Bias          expnum.Value
	SetPoint      expnum.Value
	LineTime      expnum.Value
	LinesPerFrame int
	ScanCount     int
}

// Kind returns Image.
func (ImageConfig) Kind() Kind { return Image }
func (ImageConfig) isConfig()  {}

// Duration estimates the acquisition time. Each line is scanned forward and
// back, hence the factor of two.
func (c ImageConfig) Duration() time.Duration {
	secs := 2 * c.LineTime.Float() * float64(c.LinesPerFrame) * float64(max(c.ScanCount, 1))
	return time.Duration(secs * float64(time.Second))
}

// SpecMode selects the spectroscopy geometry.
type SpecMode int

// Available spectroscopy modes.
const (
	Point SpecMode = iota
	Line
	Region
)

// SpecConfig holds the parameters of a spectroscopy task.
type SpecConfig struct {
	Mode      SpecMode
	Start     expnum.Value
	Stop      expnum.Value
	Step      expnum.Value
	DelayTime expnum.Value
}

// Kind returns Spectra.
func (SpecConfig) Kind() Kind { return Spectra }
func (SpecConfig) isConfig()  {}

// Task is a single device operation. Its completion flag is owned by the
// TaskSet it belongs to.
type Task struct {
	Index     int
	Config    Config
	Completed bool
}

// Kind returns the kind of the task configuration.
func (t Task) Kind() Kind { return t.Config.Kind() }

func (t Task) String() string {
	switch c := t.Config.(type) {
	case ImageConfig:
		return fmt.Sprintf("Image %d: Size: %s, Offset: (%s, %s), Bias: %s, Setpoint: %s",
			t.Index,
			c.Size.Format("m"),
			c.XOffset.Format("m"),
			c.YOffset.Format("m"),
			c.Bias.Format("V"),
			c.SetPoint.Format("A"),
		)
	case SpecConfig:
		return fmt.Sprintf("Spectra %d: %s to %s step %s",
			t.Index, c.Start.Format("V"), c.Stop.Format("V"), c.Step.Format("V"))
	}
	return fmt.Sprintf("Task %d", t.Index)
}
