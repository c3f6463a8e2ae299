package cmdlog

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gotmc/stm"
)

func isAscii(s string) bool {
	return !strings.ContainsFunc(s, func(r rune) bool {
		switch {
		case r < 7:
			return true
		case r > 6 && r < 14:
			return false
		case r > 13 && r < 32:
			return true
		case r > 127:
			return true
		}
		return false
	})
}

var (
	CmdStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	R1Style  = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	R2Style  = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	ErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// Describe renders a response for the transcript: quoted when printable,
// hex when not.
func Describe(a string) string {
	a = strings.TrimSuffix(a, "\n")
	switch {
	case len(a) == 0:
		return R1Style.Render("<no response>")
	case isAscii(a):
		return fmt.Sprintf("[%d] %s", len(a), R2Style.Render(fmt.Sprintf("%q", a)))
	case len(a) < 32:
		return fmt.Sprintf("[%d] %q (% 2x)", len(a), a, []byte(a))
	}
	return fmt.Sprintf("[%d] % 2x", len(a), []byte(a))
}

// Transcript prints every exchange of a session. Pass it to
// stm.WithObserver.
type Transcript struct {
	Logger *log.Logger // nil means the standard logger
}

var _ stm.Observer = (*Transcript)(nil)

// Exchange implements stm.Observer.
func (t *Transcript) Exchange(cmd, response string, err error) {
	c := CmdStyle.Render(cmd)
	if err != nil {
		t.printf("%s: %s %s", c, Describe(response), ErrStyle.Render(err.Error()))
		return
	}
	t.printf("%s: %s", c, Describe(response))
}

func (t *Transcript) printf(format string, args ...any) {
	if t.Logger == nil {
		log.Printf(format, args...)
		return
	}
	t.Logger.Printf(format, args...)
}

// PrettyFuncs returns helpers for interactive use of s. query returns the
// response, or "" after logging the error; cmd logs the response.
func PrettyFuncs(ctx context.Context, s *stm.Session) (
	query func(string) string,
	cmd func(string),
) {
	query = func(q string) string {
		a, err := s.SendString(ctx, q)
		if err != nil {
			log.Printf("query %s: error %s", CmdStyle.Render(q), err)
		}
		return a
	}
	cmd = func(c string) {
		a, err := s.SendString(ctx, c)
		if err != nil {
			log.Printf("cmd %s: error %s", CmdStyle.Render(c), err)
			return
		}
		log.Printf("%s() %s", CmdStyle.Render(c), Describe(a))
	}
	return query, cmd
}
