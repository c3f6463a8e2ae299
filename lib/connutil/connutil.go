package connutil

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/gotmc/stm"
	"github.com/gotmc/stm/lib/cmdlog"
	"github.com/gotmc/stm/lib/logging"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

const defaultBaudRate = 115200

// Conn holds the connection settings shared by the command-line tools.
type Conn struct {
	Addr        string
	SerialPort  string // if set, talk over this port instead of TCP
	BaudRate    int
	Delay       time.Duration
	BiasRetries int
	Debug       bool
	LogLevel    string
	LogOutput   string
	LogEncoding string
}

// AddFlags is to be called before [flag.Parse]. A nil fs registers the
// flags on [flag.CommandLine].
func (c *Conn) AddFlags(fs *flag.FlagSet) {
	if fs == nil {
		fs = flag.CommandLine
	}
	if c.Addr == "" {
		c.Addr = stm.DefaultAddress
	}
	if c.BaudRate == 0 {
		c.BaudRate = defaultBaudRate
	}
	if c.Delay == 0 {
		c.Delay = 100 * time.Millisecond
	}
	if c.BiasRetries == 0 {
		c.BiasRetries = stm.DefaultBiasRetries
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	fs.StringVar(&c.Addr, "addr", c.Addr, "host:port of the STM control software")
	fs.StringVar(&c.SerialPort, "port", c.SerialPort, "serial port bridged to the control software, instead of TCP")
	fs.IntVar(&c.BaudRate, "baud", c.BaudRate, "serial baud rate")
	fs.DurationVar(&c.Delay, "delay", c.Delay, "delay between connecting and writing a command")
	fs.IntVar(&c.BiasRetries, "bias-retries", c.BiasRetries, "bias commands sent before giving up on settling")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "print every command and response")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogOutput, "log-output", c.LogOutput, "stdout, stderr or a file path")
	fs.StringVar(&c.LogEncoding, "log-encoding", c.LogEncoding, "console or json")
}

// Setup is to be called after flags are parsed, i.e. after both
// [(Conn).AddFlags] and [flag.Parse] are called. opts are applied after the
// ones derived from c.
func (c *Conn) Setup(opts ...stm.SessionOption) (s *stm.Session, log *zap.Logger, cleanup func(), err error) {
	nocleanup := func() {}

	log, err = logging.New(logging.Config{
		Level:      c.LogLevel,
		OutputPath: c.LogOutput,
		Encoding:   c.LogEncoding,
	})
	if err != nil {
		return nil, nil, nocleanup, err
	}

	base := []stm.SessionOption{
		stm.WithLogger(log),
		stm.WithWriteDelay(c.Delay),
		stm.WithBiasRetries(c.BiasRetries),
	}
	if c.Debug {
		base = append(base, stm.WithDebug(), stm.WithObserver(&cmdlog.Transcript{}))
	}
	if c.SerialPort != "" {
		log.Info("using serial port", zap.String("port", c.SerialPort), zap.Int("baud", c.BaudRate))
		base = append(base, stm.WithOpener(SerialOpener(c.SerialPort, c.BaudRate)))
	} else {
		log.Info("using tcp", zap.String("addr", c.Addr))
	}

	s, err = stm.NewSession(c.Addr, append(base, opts...)...)
	if err != nil {
		_ = log.Sync()
		return nil, nil, nocleanup, err
	}

	cleanup = func() {
		// Sync fails on terminals; nothing useful can be done about it.
		_ = log.Sync()
	}
	return s, log, cleanup, nil
}

// SerialOpener returns an opener that opens the port at path for every
// command, 8N1 at the given baud rate.
func SerialOpener(path string, baud int) stm.Opener {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		port, err := serial.Open(path, mode)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		return &serialConn{Port: port}, nil
	}
}

// serialConn maps deadlines onto the port's read timeout. Writes do not
// time out.
type serialConn struct {
	serial.Port
}

func (c *serialConn) SetReadDeadline(t time.Time) error {
	return c.SetReadTimeout(timeoutUntil(t))
}

func (c *serialConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func timeoutUntil(t time.Time) time.Duration {
	if t.IsZero() {
		return serial.NoTimeout
	}
	return max(time.Until(t), 0)
}
