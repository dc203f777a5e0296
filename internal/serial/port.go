// Package serial provides raw-mode access to a Linux serial device for
// driving a microcontroller REPL. The port is configured for raw,
// low-latency operation and exposes the two read primitives the REPL
// protocol needs: a non-blocking drain of whatever the device has sent,
// and a bounded blocking read through a delimiter.
package serial

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Sentinel errors returned by port reads.
var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("serial: port closed")
	// ErrTimeout is returned by ReadUntil when the delimiter did not
	// arrive within the timeout. The partial data read so far is still
	// returned alongside it.
	ErrTimeout error = timeoutError{}
)

// timeoutError carries the net.Error style Timeout method so callers can
// tell a slow board apart from a lost connection.
type timeoutError struct{}

func (timeoutError) Error() string { return "serial: read timeout" }
func (timeoutError) Timeout() bool { return true }

// Config holds parameters for opening a serial port.
type Config struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration // default bound for ReadUntil when the caller passes 0
}

// Port is a raw-mode serial connection. It is safe for use from a single
// goroutine at a time; Close may be called concurrently and unblocks any
// pending ReadUntil.
type Port struct {
	fd        int
	file      *os.File
	done      chan struct{}
	closeOnce sync.Once
	config    Config
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd
}

// Open opens the device in raw mode at the configured baud rate.
func Open(cfg Config) (*Port, error) {
	fd, err := syscall.Open(cfg.Device, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("get termios: %w", err)
	}

	// Raw mode: no echo, no line editing, no CR/LF translation. The REPL
	// protocol depends on control bytes (0x01-0x04) passing through intact.
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB
	termios.Cflag |= unix.CS8

	baud := baudToUnix(cfg.BaudRate)
	termios.Cflag &^= unix.CBAUD
	termios.Cflag |= baud

	// VMIN=1, VTIME=0: reads block until at least one byte is available.
	// Availability is checked with poll before every read, so reads never
	// actually block here.
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("set termios: %w", err)
	}

	syscall.SetNonblock(fd, false)

	// Self-pipe so Close can wake a poll blocked in ReadUntil.
	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("pipe: %w", err)
	}

	return &Port{
		fd:     fd,
		file:   os.NewFile(uintptr(fd), cfg.Device),
		done:   make(chan struct{}),
		config: cfg,
		pipeR:  pipeFds[0],
		pipeW:  pipeFds[1],
	}, nil
}

// Device returns the device path the port was opened with.
func (p *Port) Device() string {
	return p.config.Device
}

// Write sends raw bytes to the device.
func (p *Port) Write(b []byte) (int, error) {
	if p.closed() {
		return 0, ErrClosed
	}
	return p.file.Write(b)
}

// ReadAvailable returns whatever bytes the device has already sent, without
// blocking. It returns (nil, nil) when nothing is pending.
func (p *Port) ReadAvailable() ([]byte, error) {
	revents, err := p.poll(0)
	if err != nil {
		return nil, err
	}
	if revents&unix.POLLIN == 0 {
		return nil, nil
	}

	buf := make([]byte, 4096)
	n, err := p.file.Read(buf)
	if err != nil {
		if p.closed() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("read %s: %w", p.config.Device, err)
	}
	return buf[:n], nil
}

// ReadUntil blocks until delim has been received, the timeout expires, or
// the port is closed. The returned bytes include the delimiter. On timeout
// the partial data is returned together with ErrTimeout.
func (p *Port) ReadUntil(delim []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = p.config.ReadTimeout
	}
	deadline := time.Now().Add(timeout)

	var acc []byte
	buf := make([]byte, 4096)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return acc, ErrTimeout
		}

		revents, err := p.poll(int(remaining / time.Millisecond))
		if err != nil {
			return acc, err
		}
		if revents&unix.POLLIN == 0 {
			// poll returned without data: timeout tick, loop re-checks deadline
			continue
		}

		n, err := p.file.Read(buf)
		if err != nil {
			if p.closed() {
				return acc, ErrClosed
			}
			return acc, fmt.Errorf("read %s: %w", p.config.Device, err)
		}
		acc = append(acc, buf[:n]...)
		if idx := bytes.Index(acc, delim); idx >= 0 {
			return acc[:idx+len(delim)], nil
		}
	}
}

// poll waits up to timeoutMs for data on the port fd, watching the
// self-pipe so Close can interrupt. Returns the port fd revents.
func (p *Port) poll(timeoutMs int) (int16, error) {
	pfd := []unix.PollFd{
		{Fd: int32(p.fd), Events: unix.POLLIN},
		{Fd: int32(p.pipeR), Events: unix.POLLIN},
	}
	if _, err := unix.Poll(pfd, timeoutMs); err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("poll %s: %w", p.config.Device, err)
	}
	if p.closed() || pfd[1].Revents&unix.POLLIN != 0 {
		return 0, ErrClosed
	}
	return pfd[0].Revents, nil
}

func (p *Port) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Close releases the port and unblocks any pending ReadUntil. Safe to call
// multiple times; subsequent calls are no-ops.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		// Wake up poll using the self-pipe
		if p.pipeW > 0 {
			unix.Write(p.pipeW, []byte{1})
		}
		if p.file != nil {
			err = p.file.Close()
		}
		if p.pipeR > 0 {
			unix.Close(p.pipeR)
		}
		if p.pipeW > 0 {
			unix.Close(p.pipeW)
		}
	})
	return err
}

func baudToUnix(baud int) uint32 {
	switch baud {
	case 9600:
		return unix.B9600
	case 19200:
		return unix.B19200
	case 38400:
		return unix.B38400
	case 57600:
		return unix.B57600
	case 115200:
		return unix.B115200
	case 230400:
		return unix.B230400
	case 460800:
		return unix.B460800
	case 921600:
		return unix.B921600
	default:
		return unix.B115200 // fallback
	}
}
