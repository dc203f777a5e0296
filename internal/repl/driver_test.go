package repl

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replbridge/replbridge/internal/board"
	"github.com/replbridge/replbridge/internal/testutil"
)

// newTestDriver wires a driver to a scripted transport with pacing
// turned down so tests run fast.
func newTestDriver(st *testutil.ScriptedTransport) *Driver {
	session := board.NewSession(board.Options{
		Opener: func() (board.Transport, error) { return st, nil },
	})
	return New(Options{
		Session:      session,
		UploadDelay:  time.Millisecond,
		PollInterval: time.Millisecond,
	})
}

func TestRunCodeTransmitsLinesInOrder(t *testing.T) {
	st := testutil.NewScriptedTransport(
		testutil.RawBanner,
		testutil.OKResponse("3\r\n", ""),
	)
	d := newTestDriver(st)

	out, errOut, err := d.RunCode(context.Background(), "a = 1\nb = 2\nprint(a + b)", true, nil)
	require.NoError(t, err)
	assert.Equal(t, "3\r\n", out)
	assert.Empty(t, errOut)

	assert.Equal(t, []string{"a = 1", "b = 2", "print(a + b)"}, st.TransmittedLines())

	// Each line is followed by its own CRLF write, in order.
	writes := st.Writes()
	var sequenced []string
	for _, w := range writes {
		sequenced = append(sequenced, string(w))
	}
	joined := strings.Join(sequenced, "|")
	assert.Contains(t, joined, "a = 1|\r\n|b = 2|\r\n|print(a + b)|\r\n")
}

func TestRunCodeSendsEvaluationTrigger(t *testing.T) {
	st := testutil.NewScriptedTransport(
		testutil.RawBanner,
		testutil.OKResponse("", ""),
	)
	d := newTestDriver(st)

	_, _, err := d.RunCode(context.Background(), "pass", true, nil)
	require.NoError(t, err)

	writes := st.Writes()
	assert.Equal(t, []byte{'\r', board.CtrlEOT}, writes[len(writes)-1])
}

func TestRunCodeStdoutOnly(t *testing.T) {
	st := testutil.NewScriptedTransport(
		testutil.RawBanner,
		testutil.OKResponse("hello", ""),
	)
	d := newTestDriver(st)

	out, errOut, err := d.RunCode(context.Background(), "print('hello', end='')", true, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, "", errOut)
}

func TestRunCodeStderrSegment(t *testing.T) {
	traceback := "Traceback (most recent call last):\r\n  File \"<stdin>\"\r\nNameError: name 'x' is not defined\r\n"
	st := testutil.NewScriptedTransport(
		testutil.RawBanner,
		testutil.OKResponse("", traceback),
	)
	d := newTestDriver(st)

	sink := &testutil.SinkRecorder{}
	out, errOut, err := d.RunCode(context.Background(), "x", false, sink)
	require.NoError(t, err)
	assert.Equal(t, "", out)
	assert.Equal(t, traceback, errOut)

	// Streamed too, since not silent.
	assert.Empty(t, sink.AllStdout())
	assert.Equal(t, traceback, sink.AllStderr())
}

func TestRunCodeEmptyBlockStillEvaluates(t *testing.T) {
	st := testutil.NewScriptedTransport(
		testutil.RawBanner,
		testutil.OKResponse("", ""),
	)
	d := newTestDriver(st)

	out, errOut, err := d.RunCode(context.Background(), "", true, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, errOut)

	// Connect handshake plus the bare trigger; no code lines.
	writes := st.Writes()
	require.Len(t, writes, 3)
	assert.Equal(t, []byte{'\r', board.CtrlEOT}, writes[2])
}

func TestRunCodeStreamsIncrementally(t *testing.T) {
	st := testutil.NewScriptedTransport(
		testutil.RawBanner,
		"OK",
		"tick 1\r\n",
		"tick 2\r\n",
		"tick 3\r\n\x04\x04>",
	)
	d := newTestDriver(st)

	sink := &testutil.SinkRecorder{}
	out, errOut, err := d.RunCode(context.Background(), "loop()", false, sink)
	require.NoError(t, err)
	assert.Equal(t, "tick 1\r\ntick 2\r\ntick 3\r\n", out)
	assert.Empty(t, errOut)

	// Chunks were streamed as they arrived, not buffered to the end.
	assert.Equal(t, []string{"tick 1\r\n", "tick 2\r\n", "tick 3\r\n"}, sink.StdoutSegs)
}

func TestRunCodeSilentSuppressesStreaming(t *testing.T) {
	st := testutil.NewScriptedTransport(
		testutil.RawBanner,
		"OK",
		"partial",
		"rest\x04\x04>",
	)
	d := newTestDriver(st)

	sink := &testutil.SinkRecorder{}
	out, _, err := d.RunCode(context.Background(), "run()", true, sink)
	require.NoError(t, err)

	// The return value is authoritative even though nothing was streamed.
	assert.Equal(t, "partialrest", out)
	assert.Empty(t, sink.StdoutSegs)
	assert.Empty(t, sink.StderrSegs)
}

func TestRunCodeTerminatorAcrossChunks(t *testing.T) {
	st := testutil.NewScriptedTransport(
		testutil.RawBanner,
		"OK",
		"out\x04err",
		"\x04",
		">",
	)
	d := newTestDriver(st)

	out, errOut, err := d.RunCode(context.Background(), "boom()", true, nil)
	require.NoError(t, err)
	assert.Equal(t, "out", out)
	assert.Equal(t, "err", errOut)
}

func TestRunCodeInvalidUTF8Replaced(t *testing.T) {
	st := testutil.NewScriptedTransport(
		testutil.RawBanner,
		"OK\xffraw\x04\x04>",
	)
	d := newTestDriver(st)

	out, errOut, err := d.RunCode(context.Background(), "emit()", true, nil)
	require.NoError(t, err)
	assert.Equal(t, "�raw", out)
	assert.Empty(t, errOut)
}

func TestMagicLinesNeverTransmitted(t *testing.T) {
	st := testutil.NewScriptedTransport(
		testutil.RawBanner,
		testutil.OKResponse("1\r\n", ""),
	)
	d := newTestDriver(st)

	_, _, err := d.RunCode(context.Background(), "%softreset\nprint(1)", true, nil)
	require.NoError(t, err)

	written := string(st.Written())
	assert.NotContains(t, written, "%softreset")
	assert.Contains(t, written, "print(1)")

	// The reset control sequence went out instead.
	found := false
	for _, w := range st.Writes() {
		if string(w) == string([]byte{'\r', board.CtrlInterrupt, board.CtrlEOT}) {
			found = true
		}
	}
	assert.True(t, found, "soft reset sequence not sent")
}

func TestMagicUploadDelay(t *testing.T) {
	st := testutil.NewScriptedTransport(
		testutil.RawBanner,
		testutil.OKResponse("", ""),
	)
	d := newTestDriver(st)

	_, _, err := d.RunCode(context.Background(), "%upload_delay 0.5", true, nil)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, d.UploadDelay())
}

func TestMagicUploadDelayPacesTransmission(t *testing.T) {
	st := testutil.NewScriptedTransport(
		testutil.RawBanner,
		testutil.OKResponse("", ""),
	)
	d := newTestDriver(st)

	ctx, cancel := testutil.ContextWithTestDeadline(t, 10*time.Second)
	defer cancel()

	start := time.Now()
	_, _, err := d.RunCode(ctx, "%upload_delay 0.05\na = 1\nb = 2", true, nil)
	require.NoError(t, err)

	// Two paced lines at 50ms each.
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestMagicUploadDelayMalformedIgnored(t *testing.T) {
	st := testutil.NewScriptedTransport(
		testutil.RawBanner,
		testutil.OKResponse("", ""),
	)
	d := newTestDriver(st)
	prior := d.UploadDelay()

	_, _, err := d.RunCode(context.Background(), "%upload_delay abc", true, nil)
	require.NoError(t, err)
	assert.Equal(t, prior, d.UploadDelay())

	assert.NotContains(t, string(st.Written()), "%upload_delay")
}

func TestRunCodeConnectionFailurePropagates(t *testing.T) {
	session := board.NewSession(board.Options{
		Opener: func() (board.Transport, error) {
			return nil, assertionErr("device absent")
		},
	})
	d := New(Options{Session: session, UploadDelay: time.Millisecond, PollInterval: time.Millisecond})

	_, _, err := d.RunCode(context.Background(), "print(1)", true, nil)
	var connErr *board.ConnectionError
	require.ErrorAs(t, err, &connErr)
}

func TestRunCodeCanceledDuringUpload(t *testing.T) {
	st := testutil.NewScriptedTransport(testutil.RawBanner)
	d := newTestDriver(st)
	d.SetUploadDelay(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := d.RunCode(ctx, "print(1)", true, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		expected []string
	}{
		{"empty", "", nil},
		{"single line", "print(1)", []string{"print(1)"}},
		{"trailing newline", "print(1)\n", []string{"print(1)"}},
		{"multi line", "a\nb\nc", []string{"a", "b", "c"}},
		{"crlf input", "a\r\nb\r\n", []string{"a", "b"}},
		{"interior blank preserved", "a\n\nb", []string{"a", "", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, splitLines(tt.code))
		})
	}
}

func TestSplitResponse(t *testing.T) {
	out, errOut := splitResponse([]byte("hello\x04oops"))
	assert.Equal(t, "hello", string(out))
	assert.Equal(t, "oops", string(errOut))

	out, errOut = splitResponse([]byte("no separator"))
	assert.Equal(t, "no separator", string(out))
	assert.Nil(t, errOut)
}

func TestDecodeReplace(t *testing.T) {
	assert.Equal(t, "plain", decodeReplace([]byte("plain")))
	assert.Equal(t, "caf�", decodeReplace([]byte("caf\xe9")))
	assert.Equal(t, "héllo", decodeReplace([]byte("héllo")))
	assert.Equal(t, "", decodeReplace(nil))
}

// assertionErr is a trivial error type for opener failures.
type assertionErr string

func (e assertionErr) Error() string { return string(e) }
