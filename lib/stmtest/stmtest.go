// Package stmtest provides scripted stand-ins for the STM control software,
// for use in tests.
package stmtest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
)

// Handler returns the replies to cmd. Each reply is written separately.
type Handler func(cmd string) []string

// Done acknowledges every command.
func Done(string) []string { return []string{"Done"} }

// Reply answers every command with the given replies.
func Reply(replies ...string) Handler {
	return func(string) []string { return replies }
}

// Sequence answers the nth command with the nth entry of script. The last
// entry is repeated once the script runs out.
func Sequence(script ...[]string) Handler {
	var (
		mu sync.Mutex
		n  int
	)
	return func(string) []string {
		mu.Lock()
		defer mu.Unlock()
		i := min(n, len(script)-1)
		n++
		if i < 0 {
			return nil
		}
		return script[i]
	}
}

// Instrument serves one command per connection over an in-memory pipe. Its
// Open method is a session opener. Because pipe writes block until read,
// every reply is delivered by a separate Read.
type Instrument struct {
	Handler Handler

	// Stale is written on every connection before the command is read. Only
	// commands that drain their input will make progress past it.
	Stale []string

	mu    sync.Mutex
	cmds  []string
	conns int
	wg    sync.WaitGroup
}

// Open returns the client end of a new pipe.
func (in *Instrument) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, server := net.Pipe()
	in.mu.Lock()
	in.conns++
	in.mu.Unlock()
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.serve(server)
	}()
	return client, nil
}

func (in *Instrument) serve(conn net.Conn) {
	defer conn.Close()
	for _, s := range in.Stale {
		if _, err := io.WriteString(conn, s); err != nil {
			return
		}
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	cmd := strings.TrimSuffix(line, "\n")
	in.mu.Lock()
	in.cmds = append(in.cmds, cmd)
	in.mu.Unlock()

	h := in.Handler
	if h == nil {
		h = Done
	}
	for _, r := range h(cmd) {
		if _, err := io.WriteString(conn, r); err != nil {
			return
		}
	}
}

// Commands returns the commands received so far, without terminators.
func (in *Instrument) Commands() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]string, len(in.cmds))
	copy(out, in.cmds)
	return out
}

// Conns returns the number of connections opened.
func (in *Instrument) Conns() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.conns
}

// Wait blocks until every connection has been served.
func (in *Instrument) Wait() { in.wg.Wait() }

// Server serves an Instrument over loopback TCP.
type Server struct {
	*Instrument
	ln   net.Listener
	done chan struct{}
}

// NewServer starts a server on an ephemeral loopback port.
func NewServer(h Handler) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		Instrument: &Instrument{Handler: h},
		ln:         ln,
		done:       make(chan struct{}),
	}
	go s.accept()
	return s, nil
}

func (s *Server) accept() {
	defer close(s.done)
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Close stops accepting connections and waits for open ones to finish.
func (s *Server) Close() error {
	err := s.ln.Close()
	<-s.done
	s.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
