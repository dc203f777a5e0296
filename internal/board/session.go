// Package board manages the lifecycle of a single microcontroller board
// connection: lazy connect, raw-REPL entry, soft reset, interrupt on
// shutdown. The board session is the only owner of the underlying
// transport; everything above it reads and writes through the session.
package board

import (
	"errors"
	"fmt"
	"time"

	"github.com/replbridge/replbridge/internal/logging"
)

// Control bytes of the device REPL protocol.
const (
	CtrlRawMode   = 0x01 // Ctrl-A: enter raw REPL
	CtrlExitRaw   = 0x02 // Ctrl-B: leave raw REPL / interrupt on shutdown
	CtrlInterrupt = 0x03 // Ctrl-C: stop a running program
	CtrlEOT       = 0x04 // Ctrl-D: trigger evaluation / soft reset
)

// rawBanner is what the device prints after entering the raw REPL.
var rawBanner = []byte("raw REPL; CTRL-B to exit\r\n>")

// Transport is the byte-level serial connection the session owns.
// internal/serial.Port implements it; tests substitute scripted fakes.
type Transport interface {
	Write(p []byte) (int, error)
	ReadAvailable() ([]byte, error)
	ReadUntil(delim []byte, timeout time.Duration) ([]byte, error)
	Close() error
}

// Opener establishes a transport on demand. The session calls it at most
// once per connection.
type Opener func() (Transport, error)

// ConnectionError indicates the transport is unavailable or was lost
// mid-session. The coordinator detects it with errors.As and renders it
// to the stderr stream instead of failing the execution envelope.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("board %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err (or anything it wraps) is a transport
// read timeout rather than a lost connection.
func IsTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// Session owns the connection to one board.
type Session struct {
	open          Opener
	log           *logging.Logger
	bannerTimeout time.Duration
	transport     Transport
}

// Options configures a Session.
type Options struct {
	// Opener establishes the transport. Required.
	Opener Opener
	// Logger defaults to the package default logger.
	Logger *logging.Logger
	// BannerTimeout bounds the wait for the raw-REPL banner on connect.
	// Defaults to 5s.
	BannerTimeout time.Duration
}

// NewSession creates a disconnected session. The transport is opened
// lazily by the first Connect.
func NewSession(opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = logging.With("component", "board")
	}
	bannerTimeout := opts.BannerTimeout
	if bannerTimeout <= 0 {
		bannerTimeout = 5 * time.Second
	}
	return &Session{
		open:          opts.Opener,
		log:           log,
		bannerTimeout: bannerTimeout,
	}
}

// Connected reports whether a transport is currently established.
func (s *Session) Connected() bool {
	return s.transport != nil
}

// Connect establishes the transport and puts the device into raw REPL
// mode. It is idempotent: when already connected it does nothing.
func (s *Session) Connect() error {
	if s.transport != nil {
		return nil
	}

	transport, err := s.open()
	if err != nil {
		return &ConnectionError{Op: "connect", Err: err}
	}

	// Stop whatever the board is running, then enter the raw REPL.
	if _, err := transport.Write([]byte{'\r', CtrlInterrupt, CtrlInterrupt}); err != nil {
		transport.Close()
		return &ConnectionError{Op: "connect", Err: err}
	}
	if _, err := transport.Write([]byte{'\r', CtrlRawMode}); err != nil {
		transport.Close()
		return &ConnectionError{Op: "connect", Err: err}
	}
	if _, err := transport.ReadUntil(rawBanner, s.bannerTimeout); err != nil {
		transport.Close()
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("raw REPL banner: %w", err)}
	}

	s.transport = transport
	s.log.Info("board connected")
	return nil
}

// Write forwards raw bytes to the transport.
func (s *Session) Write(p []byte) error {
	if s.transport == nil {
		return &ConnectionError{Op: "write", Err: errors.New("not connected")}
	}
	if _, err := s.transport.Write(p); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// ReadAvailable returns whatever the device has already sent without
// blocking.
func (s *Session) ReadAvailable() ([]byte, error) {
	if s.transport == nil {
		return nil, &ConnectionError{Op: "read", Err: errors.New("not connected")}
	}
	data, err := s.transport.ReadAvailable()
	if err != nil {
		return data, &ConnectionError{Op: "read", Err: err}
	}
	return data, nil
}

// ReadUntil blocks until delim arrives or the timeout expires. Timeouts
// pass through unwrapped of connection semantics (IsTimeout detects
// them); other failures become ConnectionErrors.
func (s *Session) ReadUntil(delim []byte, timeout time.Duration) ([]byte, error) {
	if s.transport == nil {
		return nil, &ConnectionError{Op: "read", Err: errors.New("not connected")}
	}
	data, err := s.transport.ReadUntil(delim, timeout)
	if err != nil && !IsTimeout(err) {
		return data, &ConnectionError{Op: "read", Err: err}
	}
	return data, err
}

// SoftReset sends the device reset sequence: interrupt, then Ctrl-D.
// Fire-and-forget; the device's reboot output is not waited for or
// validated, it is swallowed by the next run's acknowledgment read.
func (s *Session) SoftReset() error {
	s.log.Info("soft reset")
	return s.Write([]byte{'\r', CtrlInterrupt, CtrlEOT})
}

// Reconnect tears down the current transport, if any, and connects again.
func (s *Session) Reconnect() error {
	s.Close()
	return s.Connect()
}

// Close sends the raw-REPL exit byte best-effort and releases the
// transport. Never fails, including when already closed.
func (s *Session) Close() {
	if s.transport == nil {
		return
	}
	if _, err := s.transport.Write([]byte{'\r', CtrlExitRaw}); err != nil {
		s.log.Warn("raw REPL exit not sent", "error", err)
	}
	if err := s.transport.Close(); err != nil {
		s.log.Warn("transport close", "error", err)
	}
	s.transport = nil
	s.log.Info("board disconnected")
}
