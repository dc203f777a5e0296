// Package kernel coordinates per-cell execution against a board: magic
// interception and code submission via the REPL driver, connection and
// interrupt failures rendered to the stderr stream, and the safe
// introspection path used for code completion.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/replbridge/replbridge/internal/board"
	"github.com/replbridge/replbridge/internal/logging"
	"github.com/replbridge/replbridge/internal/pyliteral"
	"github.com/replbridge/replbridge/internal/repl"
)

// StatusOK is the only envelope status this kernel reports: failures
// travel on the stderr stream, never in the status field.
const StatusOK = "ok"

// completePrefix extracts the dotted-attribute prefix ending at the
// cursor, e.g. "obj.me" or "pri".
var completePrefix = regexp.MustCompile(`(\w+\.)*(\w+)?$`)

// ExecuteResult is the envelope-level reply for one execute request.
type ExecuteResult struct {
	Status          string         `json:"status"`
	ExecutionCount  int            `json:"execution_count"`
	Payload         []any          `json:"payload"`
	UserExpressions map[string]any `json:"user_expressions"`
}

// CompleteResult is the reply for one completion request.
type CompleteResult struct {
	Matches     []string       `json:"matches"`
	CursorStart int            `json:"cursor_start"`
	CursorEnd   int            `json:"cursor_end"`
	Metadata    map[string]any `json:"metadata"`
	Status      string         `json:"status"`
}

// Kernel is the execution coordinator. It is single-tenant: the caller
// serializes requests, one execution in flight at a time.
type Kernel struct {
	session        *board.Session
	driver         *repl.Driver
	log            *logging.Logger
	executionCount int
}

// Options configures a Kernel.
type Options struct {
	// Session is the board session, required.
	Session *board.Session
	// Driver runs code blocks against the session, required.
	Driver *repl.Driver
	// Logger defaults to the package default logger.
	Logger *logging.Logger
}

// New creates a Kernel.
func New(opts Options) *Kernel {
	log := opts.Logger
	if log == nil {
		log = logging.With("component", "kernel")
	}
	return &Kernel{
		session: opts.Session,
		driver:  opts.Driver,
		log:     log,
	}
}

// ExecutionCount returns the number of counted executions so far.
func (k *Kernel) ExecutionCount() int {
	return k.executionCount
}

// Execute runs one code cell. Blank input succeeds without contacting
// the device. Connection failures and interrupts are reported on the
// sink's stderr stream; the envelope status is always ok.
func (k *Kernel) Execute(ctx context.Context, code string, silent bool, sink repl.OutputSink) ExecuteResult {
	if strings.TrimSpace(code) == "" {
		return k.okResult()
	}

	if !silent {
		k.executionCount++
	}

	if _, _, err := k.driver.RunCode(ctx, code, silent, sink); err != nil {
		k.reportFailure(err, sink)
	}
	return k.okResult()
}

func (k *Kernel) okResult() ExecuteResult {
	return ExecuteResult{
		Status:          StatusOK,
		ExecutionCount:  k.executionCount,
		Payload:         []any{},
		UserExpressions: map[string]any{},
	}
}

// reportFailure converts a run failure into stderr stream text. The
// stream write bypasses silent: the user must see the failure even when
// the cell output itself was suppressed.
func (k *Kernel) reportFailure(err error, sink repl.OutputSink) {
	var connErr *board.ConnectionError
	switch {
	case errors.As(err, &connErr):
		k.log.Debug("no connection", "error", err)
		k.emitStderr(sink, fmt.Sprintf("No connection to board REPL: %v", err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		k.log.Debug("interrupted")
		k.emitStderr(sink, "Interrupt")
	default:
		k.log.Error("execution failed", "error", err)
		k.emitStderr(sink, fmt.Sprintf("Execution failed: %v", err))
	}
}

func (k *Kernel) emitStderr(sink repl.OutputSink, msg string) {
	if sink == nil || msg == "" {
		return
	}
	sink.Stderr(msg)
}

// Eval evaluates an expression on the device by running print(expr)
// silently and parsing the printed text as a Python literal. Only
// literal values come back; anything else is a parse error. Connection
// loss is returned as an error carrying the failure text, never raised
// to the stream.
func (k *Kernel) Eval(ctx context.Context, expr string) (any, error) {
	out, errOut, err := k.driver.RunCode(ctx, fmt.Sprintf("print(%s)", expr), true, nil)
	if err != nil {
		var connErr *board.ConnectionError
		if errors.As(err, &connErr) {
			return nil, fmt.Errorf("lost connection to board REPL: %w", err)
		}
		return nil, err
	}
	k.log.Debug("eval", "expr", expr, "stdout", out, "stderr", errOut)

	if strings.TrimSpace(errOut) != "" {
		return nil, fmt.Errorf("device error: %s", strings.TrimSpace(errOut))
	}
	return pyliteral.Parse(strings.TrimSpace(out))
}

// Complete produces completion matches for the dotted-attribute prefix
// immediately before the cursor, by asking the device for dir() or
// dir(<object>). Failures degrade to an empty match list anchored at
// the cursor.
func (k *Kernel) Complete(ctx context.Context, code string, cursorPos int) CompleteResult {
	if cursorPos < 0 {
		cursorPos = 0
	}
	if cursorPos > len(code) {
		cursorPos = len(code)
	}

	// The pattern admits an empty prefix, in which case dir() of the
	// global namespace is offered unfiltered.
	loc := completePrefix.FindStringIndex(code[:cursorPos])
	if loc == nil {
		return emptyCompletion(cursorPos)
	}
	prefix := code[loc[0]:loc[1]]

	// For a dotted prefix the replacement span covers the attribute
	// part plus its leading dot, so the frontend rewrites ".me" rather
	// than splicing a bare name after the dot.
	var expr string
	spanStart := cursorPos - len(prefix)
	if idx := strings.LastIndex(prefix, "."); idx >= 0 {
		expr = fmt.Sprintf("dir(%s)", prefix[:idx])
		prefix = prefix[idx+1:]
		spanStart = cursorPos - len(prefix) - 1
	} else {
		expr = "dir()"
	}

	value, err := k.Eval(ctx, expr)
	if err != nil {
		k.log.Warn("completion lookup failed", "error", err)
		return emptyCompletion(cursorPos)
	}
	names, err := pyliteral.StringList(value)
	if err != nil {
		k.log.Warn("unexpected dir() result", "error", err)
		return emptyCompletion(cursorPos)
	}

	matches := []string{}
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			matches = append(matches, name)
		}
	}

	return CompleteResult{
		Matches:     matches,
		CursorStart: spanStart,
		CursorEnd:   cursorPos,
		Metadata:    map[string]any{},
		Status:      StatusOK,
	}
}

// Shutdown closes the board session. The session itself sends the
// raw-REPL exit byte best-effort.
func (k *Kernel) Shutdown(restart bool) {
	k.log.Info("shutting down board connection", "restart", restart)
	k.session.Close()
}

func emptyCompletion(cursorPos int) CompleteResult {
	return CompleteResult{
		Matches:     []string{},
		CursorStart: cursorPos,
		CursorEnd:   cursorPos,
		Metadata:    map[string]any{},
		Status:      StatusOK,
	}
}
