// Copyright (c) 2020–2024 The stm developers. All rights reserved.
// Project site: https://github.com/gotmc/stm
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package stm

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gotmc/query"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultAddress is where the STM control software listens by default.
const DefaultAddress = "127.0.0.1:12600"

// DefaultBiasRetries bounds the number of bias commands sent while waiting
// for the instrument to report that the bias has settled.
const DefaultBiasRetries = 50

const (
	bufferSize          = 1024
	defaultWriteDelay   = 100 * time.Millisecond
	defaultDrainTimeout = 20 * time.Millisecond
	drainBudget         = 10
	defaultDialTimeout  = 5 * time.Second
)

// Opener opens a fresh connection to the instrument.
type Opener func(ctx context.Context) (io.ReadWriteCloser, error)

// Observer is told about every completed exchange.
type Observer interface {
	Exchange(cmd, response string, err error)
}

// Session talks to the STM control software. Every command is sent on its
// own connection, which is closed once the response has been read. Public
// methods are serialized, so at most one command is in flight.
type Session struct {
	addr         string
	open         Opener
	writeDelay   time.Duration
	drainTimeout time.Duration
	biasRetries  int
	term         byte
	log          *zap.Logger
	debug        bool // if true, log every command and response. Set via WithDebug().
	observer     Observer

	mu sync.Mutex
}

// SessionOption applies an option to the session.
type SessionOption func(*Session)

// NewSession creates a session for the instrument at addr, which defaults to
// DefaultAddress when empty. No connection is made until the first command.
func NewSession(addr string, opts ...SessionOption) (*Session, error) {
	if addr == "" {
		addr = DefaultAddress
	}
	s := &Session{
		addr:         addr,
		writeDelay:   defaultWriteDelay,
		drainTimeout: defaultDrainTimeout,
		biasRetries:  DefaultBiasRetries,
		term:         '\n',
		log:          zap.NewNop(),
	}

	// Apply options using the functional option pattern.
	for _, opt := range opts {
		opt(s)
	}

	if s.biasRetries < 1 {
		return nil, fmt.Errorf("invalid bias retry count %d (must be at least 1)", s.biasRetries)
	}
	if s.open == nil {
		if _, _, err := net.SplitHostPort(s.addr); err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", s.addr, err)
		}
		d := net.Dialer{Timeout: defaultDialTimeout}
		s.open = func(ctx context.Context) (io.ReadWriteCloser, error) {
			return d.DialContext(ctx, "tcp", s.addr)
		}
	}
	return s, nil
}

// WithWriteDelay sets how long to wait after connecting before the command
// is written. The control software drops commands sent too soon.
func WithWriteDelay(d time.Duration) SessionOption {
	return func(s *Session) { s.writeDelay = d }
}

// WithDrainTimeout sets how long a drain waits for stale input.
func WithDrainTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.drainTimeout = d }
}

// WithBiasRetries sets the maximum number of bias commands sent before
// SetBias gives up with ErrDeviceTimeout.
func WithBiasRetries(n int) SessionOption {
	return func(s *Session) { s.biasRetries = n }
}

// WithOpener replaces the TCP dialer, e.g. with a serial port.
func WithOpener(open Opener) SessionOption {
	return func(s *Session) { s.open = open }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithDebug causes commands and responses to be logged.
func WithDebug() SessionOption { return func(s *Session) { s.debug = true } }

// WithObserver registers o to be told about every exchange.
func WithObserver(o Observer) SessionOption {
	return func(s *Session) { s.observer = o }
}

// Addr returns the instrument address.
func (s *Session) Addr() string { return s.addr }

// Query sends cmd and returns the trimmed response. It satisfies
// query.Querier, so the helpers of that package can be used directly.
func (s *Session) Query(cmd string) (string, error) {
	return s.SendString(context.Background(), cmd)
}

// SendString sends cmd and returns the response.
func (s *Session) SendString(ctx context.Context, cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendString(ctx, cmd, false)
}

// SendFloat64 sends cmd and parses the response as a float. If the first
// response does not parse, a second one is read.
func (s *Session) SendFloat64(ctx context.Context, cmd string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var f float64
	err := s.send(ctx, cmd, false, func(q query.Querier, cmd string) (err error) {
		f, err = query.Float64(q, cmd)
		return err
	})
	return f, err
}

// SendInt sends cmd and parses the response as an integer. If the first
// response does not parse, a second one is read.
func (s *Session) SendInt(ctx context.Context, cmd string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var i int
	err := s.send(ctx, cmd, false, func(q query.Querier, cmd string) (err error) {
		i, err = query.Int(q, cmd)
		return err
	})
	return i, err
}

func (s *Session) sendString(ctx context.Context, cmd string, drain bool) (string, error) {
	var str string
	err := s.send(ctx, cmd, drain, func(q query.Querier, cmd string) (err error) {
		str, err = query.String(q, cmd)
		return err
	})
	return str, err
}

// send performs one exchange on a new connection. parse is called once and,
// if it fails without an I/O error, once more on the next response.
func (s *Session) send(
	ctx context.Context,
	cmd string,
	drain bool,
	parse func(q query.Querier, cmd string) error,
) (err error) {
	conn, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("%w: connecting to %s: %w", ErrConnectionFailure, s.addr, err)
	}
	defer func() {
		cerr := conn.Close()
		if cerr == nil {
			return
		}
		if err != nil {
			err = multierr.Append(err, cerr)
			return
		}
		s.log.Warn("closing connection", zap.String("addr", s.addr), zap.Error(cerr))
	}()
	stop := watch(ctx, conn)
	defer stop()

	if s.writeDelay > 0 {
		t := time.NewTimer(s.writeDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if drain {
		s.drain(ctx, conn)
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	ex := &exchange{rw: conn, term: s.term, buf: make([]byte, bufferSize)}
	var parseErr error
	err = parse(ex, cmd)
	if err != nil && ex.ioErr == nil {
		parseErr = err
		s.log.Debug("unparseable response, reading again",
			zap.String("cmd", cmd), zap.String("response", ex.last), zap.Error(err))
		err = parse(ex, cmd)
	}
	s.report(cmd, ex.last, err)

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", cmd, ctx.Err())
	case ex.ioErr != nil && parseErr == nil:
		return fmt.Errorf("%w: %w", ErrConnectionFailure, ex.ioErr)
	case ex.ioErr != nil:
		// A bad reply followed by the peer closing is still a bad reply.
		return fmt.Errorf("%w: %q in reply to %q: %w",
			ErrMalformedResponse, ex.last, cmd, multierr.Combine(parseErr, ex.ioErr))
	}
	return fmt.Errorf("%w: %q in reply to %q: %w", ErrMalformedResponse, ex.last, cmd, err)
}

func (s *Session) report(cmd, resp string, err error) {
	if s.debug {
		s.log.Info("exchange",
			zap.String("cmd", cmd),
			zap.String("cmd_hex", fmt.Sprintf("%x", cmd)),
			zap.String("response", resp),
			zap.Error(err))
	}
	if s.observer != nil {
		s.observer.Exchange(cmd, resp, err)
	}
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// drain discards whatever the instrument sent before the command, such as a
// late reply to an earlier command or an unsolicited notification. It stops
// after drainBudget drain timeouts even if input keeps arriving.
func (s *Session) drain(ctx context.Context, conn io.Reader) {
	rd, ok := conn.(readDeadliner)
	if !ok {
		return
	}
	defer rd.SetReadDeadline(time.Time{})

	buf := make([]byte, bufferSize)
	total := 0
	limit := time.Now().Add(drainBudget * s.drainTimeout)
	for {
		if ctx.Err() != nil {
			break
		}
		if !time.Now().Before(limit) {
			s.log.Warn("stale input still arriving, giving up on drain",
				zap.String("addr", s.addr), zap.Int("bytes", total))
			break
		}
		if err := rd.SetReadDeadline(time.Now().Add(s.drainTimeout)); err != nil {
			break
		}
		n, err := conn.Read(buf)
		total += n
		if err != nil || n == 0 {
			break
		}
	}
	if total > 0 {
		s.log.Debug("drained stale input", zap.String("addr", s.addr), zap.Int("bytes", total))
	}
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// watch unblocks pending I/O on conn once ctx is done.
func watch(ctx context.Context, conn io.ReadWriteCloser) func() bool {
	d, ok := conn.(deadliner)
	if !ok {
		return func() bool { return true }
	}
	return context.AfterFunc(ctx, func() {
		_ = d.SetDeadline(time.Now())
	})
}

// exchange is a query.Querier over a single connection. The first Query
// writes the command and reads a response; later calls only read.
type exchange struct {
	rw    io.ReadWriter
	term  byte
	buf   []byte
	sent  bool
	last  string
	ioErr error
}

func (e *exchange) Query(cmd string) (string, error) {
	if !e.sent {
		e.sent = true
		line := fmt.Sprintf("%s%c", strings.TrimSpace(cmd), e.term)
		if _, err := io.WriteString(e.rw, line); err != nil {
			e.ioErr = fmt.Errorf("writing %q: %w", cmd, err)
			return "", e.ioErr
		}
	}
	n, err := e.rw.Read(e.buf)
	if n == 0 && err != nil {
		e.ioErr = fmt.Errorf("reading reply to %q: %w", cmd, err)
		return "", e.ioErr
	}
	e.last = strings.TrimSpace(string(e.buf[:n]))
	return e.last, nil
}
