// Package repl implements the raw-REPL exchange with the board: paced
// line-by-line code submission, the Ctrl-D evaluation trigger, and the
// incremental drain of the response stream into stdout and stderr
// segments.
package repl

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/replbridge/replbridge/internal/board"
	"github.com/replbridge/replbridge/internal/logging"
)

// Defaults for the two pacing knobs.
const (
	// DefaultUploadDelay is the pause after each transmitted line. Boards
	// drop input when long cells arrive faster than they can buffer.
	DefaultUploadDelay = 60 * time.Millisecond
	// DefaultPollInterval is the backoff between availability checks
	// while draining a response.
	DefaultPollInterval = 100 * time.Millisecond
)

// responseTerminator marks the end of one evaluation response.
var responseTerminator = []byte{board.CtrlEOT, '>'}

// OutputSink receives decoded output as it is drained from the device.
// Implementations must tolerate being called with partial lines: chunks
// arrive exactly as the device emits them.
type OutputSink interface {
	Stdout(text string)
	Stderr(text string)
}

// Driver submits code blocks to a board session and decodes the
// responses. It is single-tenant: one code block is in flight at a time,
// serialized by the caller.
type Driver struct {
	session      *board.Session
	log          *logging.Logger
	uploadDelay  time.Duration
	pollInterval time.Duration
}

// Options configures a Driver.
type Options struct {
	// Session is the board session the driver runs against. Required.
	Session *board.Session
	// Logger defaults to the package default logger.
	Logger *logging.Logger
	// UploadDelay overrides DefaultUploadDelay.
	UploadDelay time.Duration
	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration
}

// New creates a Driver.
func New(opts Options) *Driver {
	log := opts.Logger
	if log == nil {
		log = logging.With("component", "repl")
	}
	uploadDelay := opts.UploadDelay
	if uploadDelay <= 0 {
		uploadDelay = DefaultUploadDelay
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Driver{
		session:      opts.Session,
		log:          log,
		uploadDelay:  uploadDelay,
		pollInterval: pollInterval,
	}
}

// UploadDelay returns the current pacing delay.
func (d *Driver) UploadDelay() time.Duration {
	return d.uploadDelay
}

// SetUploadDelay sets the pacing delay applied after each transmitted line.
func (d *Driver) SetUploadDelay(delay time.Duration) {
	d.uploadDelay = delay
}

// RunCode submits a code block for evaluation and returns the decoded
// (stdout, stderr) pair. Magic command lines are handled locally and
// never transmitted. When silent is false, output is streamed to sink
// incrementally while the device is still producing it; the returned
// strings are authoritative either way. Cancellation of ctx aborts the
// paced upload and the drain loop between polls.
func (d *Driver) RunCode(ctx context.Context, code string, silent bool, sink OutputSink) (string, string, error) {
	if err := d.session.Connect(); err != nil {
		return "", "", err
	}

	for _, line := range splitLines(code) {
		if d.handleMagic(line) {
			continue
		}
		if err := d.session.Write([]byte(line)); err != nil {
			return "", "", err
		}
		if err := d.session.Write([]byte("\r\n")); err != nil {
			return "", "", err
		}
		if err := sleepCtx(ctx, d.uploadDelay); err != nil {
			return "", "", err
		}
	}

	// Kick off evaluation.
	if err := d.session.Write([]byte{'\r', board.CtrlEOT}); err != nil {
		return "", "", err
	}

	// Every response starts with an "OK" acknowledgment; swallow it.
	if _, err := d.session.ReadUntil([]byte("OK"), 0); err != nil {
		if !board.IsTimeout(err) {
			return "", "", err
		}
		d.log.Warn("acknowledgment not received", "error", err)
	}

	return d.drain(ctx, silent, sink)
}

// drain reads the response stream until the terminator arrives. Chunks
// that precede the stdout/stderr separator are streamed as stdout while
// the device is still running; the final split of the full buffer is
// what gets returned.
func (d *Driver) drain(ctx context.Context, silent bool, sink OutputSink) (string, string, error) {
	var retval []byte
	for {
		result, err := d.session.ReadAvailable()
		if err != nil {
			return "", "", err
		}

		if bytes.IndexByte(result, board.CtrlEOT) >= 0 {
			// The separator is in: the program is done. Wait for the
			// rest of the response, then strip the terminator and split.
			for !bytes.HasSuffix(result, responseTerminator) {
				more, err := d.session.ReadAvailable()
				if err != nil {
					return "", "", err
				}
				result = append(result, more...)
				if bytes.HasSuffix(result, responseTerminator) {
					break
				}
				if err := sleepCtx(ctx, d.pollInterval); err != nil {
					return "", "", err
				}
			}
			result = result[:len(result)-len(responseTerminator)]
			retval = append(retval, result...)

			out, errOut := splitResponse(result)
			d.emitStdout(sink, decodeReplace(out), silent)
			d.emitStderr(sink, decodeReplace(errOut), silent)
			break
		}

		// Show what has arrived so far.
		retval = append(retval, result...)
		d.emitStdout(sink, decodeReplace(result), silent)
		if err := sleepCtx(ctx, d.pollInterval); err != nil {
			return "", "", err
		}
	}

	out, errOut := splitResponse(retval)
	outText, errText := decodeReplace(out), decodeReplace(errOut)
	d.log.Debug("run complete", "stdout", outText, "stderr", errText)
	return outText, errText, nil
}

// handleMagic executes in-band directives locally. Returns true when the
// line was consumed and must not be transmitted.
func (d *Driver) handleMagic(line string) bool {
	switch {
	case strings.HasPrefix(line, "%softreset"):
		if err := d.session.SoftReset(); err != nil {
			d.log.Warn("soft reset failed", "error", err)
		}
	case strings.HasPrefix(line, "%upload_delay"):
		fields := strings.Fields(line)
		if len(fields) < 2 {
			d.log.Debug("ignoring %upload_delay without argument")
			return true
		}
		secs, err := strconv.ParseFloat(fields[1], 64)
		if err != nil || secs < 0 {
			// Bad values are dropped, not surfaced to the notebook.
			d.log.Debug("ignoring malformed %upload_delay", "arg", fields[1])
			return true
		}
		d.uploadDelay = time.Duration(secs * float64(time.Second))
		d.log.Debug("upload delay set", "delay", d.uploadDelay)
	default:
		return false
	}
	return true
}

func (d *Driver) emitStdout(sink OutputSink, text string, silent bool) {
	if silent || sink == nil || text == "" {
		return
	}
	sink.Stdout(text)
}

func (d *Driver) emitStderr(sink OutputSink, text string, silent bool) {
	if silent || sink == nil || text == "" {
		return
	}
	sink.Stderr(text)
}

// splitResponse partitions a response at the first 0x04 byte into its
// stdout and stderr segments. Additional embedded 0x04 bytes end up in
// the stderr segment (their handling is undefined by the device
// protocol).
func splitResponse(b []byte) (out, errOut []byte) {
	idx := bytes.IndexByte(b, board.CtrlEOT)
	if idx < 0 {
		return b, nil
	}
	return b[:idx], b[idx+1:]
}

// splitLines splits a code block the way the block was authored: on
// newlines, without a phantom empty line after a trailing newline.
func splitLines(code string) []string {
	if code == "" {
		return nil
	}
	code = strings.TrimSuffix(code, "\n")
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

// decodeReplace decodes device bytes as UTF-8, substituting U+FFFD for
// each invalid byte. It never fails.
func decodeReplace(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
		} else {
			sb.Write(b[:size])
		}
		b = b[size:]
	}
	return sb.String()
}

// sleepCtx pauses for the given duration unless ctx is canceled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
