package testutil

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"
)

// RawBanner is the device output for a successful raw-REPL entry, as
// consumed by the board session during connect.
const RawBanner = "raw REPL; CTRL-B to exit\r\n>"

// OKResponse builds a complete raw-REPL evaluation response: the "OK"
// acknowledgment, the stdout segment, the 0x04 stdout/stderr separator,
// the stderr segment, and the 0x04'>' terminator.
func OKResponse(stdout, stderr string) string {
	return "OK" + stdout + "\x04" + stderr + "\x04>"
}

// timeoutError satisfies the Timeout() contract the board session uses
// to distinguish slow devices from lost connections.
type timeoutError struct{}

func (timeoutError) Error() string { return "scripted transport: read timeout" }
func (timeoutError) Timeout() bool { return true }

// ErrScriptTimeout is returned by ReadUntil when the scripted chunks run
// out before the delimiter appears.
var ErrScriptTimeout error = timeoutError{}

// ErrScriptClosed is returned by operations on a closed ScriptedTransport.
var ErrScriptClosed = errors.New("scripted transport: closed")

// ScriptedTransport is a fake board transport. Reads replay the scripted
// chunks in order; writes are recorded for assertions.
type ScriptedTransport struct {
	mu      sync.Mutex
	queue   [][]byte // remaining scripted chunks
	pending []byte   // bytes popped by ReadUntil but not yet consumed
	writes  [][]byte
	closed  bool

	// WriteErr, when set, is returned by the next Write call.
	WriteErr error
	// ReadErr, when set, is returned by the next read call.
	ReadErr error
}

// NewScriptedTransport creates a transport that will serve the given
// response chunks, one per ReadAvailable call.
func NewScriptedTransport(chunks ...string) *ScriptedTransport {
	st := &ScriptedTransport{}
	for _, c := range chunks {
		st.queue = append(st.queue, []byte(c))
	}
	return st
}

// Append schedules additional response chunks.
func (st *ScriptedTransport) Append(chunks ...string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, c := range chunks {
		st.queue = append(st.queue, []byte(c))
	}
}

// Write records the written bytes.
func (st *ScriptedTransport) Write(p []byte) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return 0, ErrScriptClosed
	}
	if st.WriteErr != nil {
		err := st.WriteErr
		st.WriteErr = nil
		return 0, err
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	st.writes = append(st.writes, cp)
	return len(p), nil
}

// ReadAvailable pops the next scripted chunk, or returns nothing when
// the script is exhausted (a quiet device).
func (st *ScriptedTransport) ReadAvailable() ([]byte, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, ErrScriptClosed
	}
	if st.ReadErr != nil {
		err := st.ReadErr
		st.ReadErr = nil
		return nil, err
	}
	if len(st.pending) > 0 {
		out := st.pending
		st.pending = nil
		return out, nil
	}
	if len(st.queue) == 0 {
		return nil, nil
	}
	out := st.queue[0]
	st.queue = st.queue[1:]
	return out, nil
}

// ReadUntil accumulates scripted chunks until the delimiter appears.
// Bytes past the delimiter stay pending for subsequent reads, like a
// real stream. If the script runs out first, the accumulated partial
// data is returned with ErrScriptTimeout.
func (st *ScriptedTransport) ReadUntil(delim []byte, timeout time.Duration) ([]byte, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, ErrScriptClosed
	}
	if st.ReadErr != nil {
		err := st.ReadErr
		st.ReadErr = nil
		return nil, err
	}

	acc := st.pending
	st.pending = nil
	for {
		if idx := bytes.Index(acc, delim); idx >= 0 {
			st.pending = acc[idx+len(delim):]
			return acc[:idx+len(delim)], nil
		}
		if len(st.queue) == 0 {
			return acc, ErrScriptTimeout
		}
		acc = append(acc, st.queue[0]...)
		st.queue = st.queue[1:]
	}
}

// Close marks the transport closed. Further operations fail.
func (st *ScriptedTransport) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (st *ScriptedTransport) Closed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

// Written returns every write, concatenated.
func (st *ScriptedTransport) Written() []byte {
	st.mu.Lock()
	defer st.mu.Unlock()
	var all []byte
	for _, w := range st.writes {
		all = append(all, w...)
	}
	return all
}

// Writes returns the recorded write calls in order.
func (st *ScriptedTransport) Writes() [][]byte {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([][]byte, len(st.writes))
	copy(out, st.writes)
	return out
}

// TransmittedLines returns the CRLF-terminated source lines written to
// the device, excluding the connect handshake and control sequences.
func (st *ScriptedTransport) TransmittedLines() []string {
	all := string(st.Written())
	var lines []string
	for _, part := range strings.Split(all, "\r\n") {
		// The handshake is not CR-LF terminated, so its control bytes
		// arrive glued to the front of the first code line. Only the
		// text after the last control byte is source code.
		if idx := strings.LastIndexAny(part, "\x01\x02\x03\x04"); idx >= 0 {
			part = part[idx+1:]
		}
		part = strings.Trim(part, "\r")
		if part == "" {
			continue
		}
		lines = append(lines, part)
	}
	return lines
}

// SinkRecorder is an OutputSink that records the streamed segments.
type SinkRecorder struct {
	mu         sync.Mutex
	StdoutSegs []string
	StderrSegs []string
}

// Stdout records a streamed stdout segment.
func (r *SinkRecorder) Stdout(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StdoutSegs = append(r.StdoutSegs, text)
}

// Stderr records a streamed stderr segment.
func (r *SinkRecorder) Stderr(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StderrSegs = append(r.StderrSegs, text)
}

// AllStdout returns the concatenated stdout stream.
func (r *SinkRecorder) AllStdout() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.StdoutSegs, "")
}

// AllStderr returns the concatenated stderr stream.
func (r *SinkRecorder) AllStderr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.StderrSegs, "")
}
