package cmdlog

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"

	"github.com/gotmc/stm"
	"github.com/gotmc/stm/lib/stmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAscii(t *testing.T) {
	assert.True(t, isAscii("Done"))
	assert.True(t, isAscii("line\r\n"))
	assert.False(t, isAscii("\x00\x01"))
	assert.False(t, isAscii("\xff"))
}

func TestDescribe(t *testing.T) {
	testCases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "<no response>"},
		{"newline_only", "\n", "<no response>"},
		{"ascii", "Done", `[4] "Done"`},
		{"short_binary", "\x00\x01", `[2] "\x00\x01" (00 01)`},
		{"long_binary", string(bytes.Repeat([]byte{0xff}, 32)), "[32] ff ff"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Contains(t, Describe(tc.in), tc.want)
		})
	}
}

func TestTranscript(t *testing.T) {
	var buf bytes.Buffer
	tr := &Transcript{Logger: log.New(&buf, "", 0)}

	tr.Exchange("StartProcedure, dI-dV Map Scan Speed", "Done", nil)
	tr.Exchange("GetSWParameter, STM Bias, Value", "", errors.New("connection failure"))

	out := buf.String()
	assert.Contains(t, out, "StartProcedure, dI-dV Map Scan Speed")
	assert.Contains(t, out, `"Done"`)
	assert.Contains(t, out, "connection failure")
}

func TestTranscriptObservesSession(t *testing.T) {
	var buf bytes.Buffer
	in := &stmtest.Instrument{Handler: stmtest.Done}
	s, err := stm.NewSession("",
		stm.WithOpener(in.Open),
		stm.WithWriteDelay(0),
		stm.WithObserver(&Transcript{Logger: log.New(&buf, "", 0)}),
	)
	require.NoError(t, err)

	require.NoError(t, s.SetScanCount(context.Background(), 1))
	in.Wait()
	assert.Contains(t, buf.String(), "Scan Count, 1")
	assert.Contains(t, buf.String(), `"Done"`)
}

func TestPrettyFuncs(t *testing.T) {
	in := &stmtest.Instrument{Handler: stmtest.Reply("0.25")}
	s, err := stm.NewSession("", stm.WithOpener(in.Open), stm.WithWriteDelay(0))
	require.NoError(t, err)

	query, cmd := PrettyFuncs(context.Background(), s)
	assert.Equal(t, "0.25", query("GetSWParameter, STM Bias, Value"))
	cmd("SetSWParameter, STM Bias, Value, 0.25")
	in.Wait()
	assert.Len(t, in.Commands(), 2)
}
