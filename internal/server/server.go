// Package server exposes the kernel to notebook front ends over a
// websocket. Clients connect to /kernel and exchange JSON messages:
// execute, complete and shutdown requests, with output streamed back as
// interleaved stream events while the board is still producing it.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/replbridge/replbridge/internal/auth"
	"github.com/replbridge/replbridge/internal/config"
	"github.com/replbridge/replbridge/internal/kernel"
	"github.com/replbridge/replbridge/internal/logging"
)

// Server serves the kernel message protocol.
type Server struct {
	port      int
	authToken string
	authHash  string
	kernel    *kernel.Kernel
	log       *logging.Logger

	upgrader websocket.Upgrader

	// execMu serializes executions: one code block in flight at a time,
	// regardless of how many front ends are connected.
	execMu sync.Mutex

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	started  bool
}

// Options configures a Server.
type Options struct {
	// Config supplies port and auth token. Required.
	Config config.Server
	// Kernel handles the requests. Required.
	Kernel *kernel.Kernel
	// Logger defaults to the package default logger.
	Logger *logging.Logger
}

// NewServer creates a Server.
func NewServer(opts Options) (*Server, error) {
	if opts.Kernel == nil {
		return nil, errors.New("kernel is required")
	}
	log := opts.Logger
	if log == nil {
		log = logging.With("component", "server")
	}
	return &Server{
		port:      opts.Config.Port,
		authToken: opts.Config.AuthToken,
		authHash:  opts.Config.AuthTokenHash,
		kernel:    opts.Kernel,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The bridge runs next to its front end; cross-origin pages
			// are not expected.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the bound address once Start has been called.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the HTTP handler serving the kernel protocol. Exposed
// for tests; production use goes through Start.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/kernel", s.handleKernel)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start runs the server until ctx is canceled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}

	addr := fmt.Sprintf(":%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 0, // websocket connections are long-lived
		IdleTimeout: 120 * time.Second,
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.log.Info("kernel server listening", "addr", listener.Addr().String())
	err = s.server.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down. Safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.server == nil {
		return nil
	}
	s.started = false

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// authorized checks the bearer token when one is configured. A stored
// token hash takes precedence over a plain token.
func (s *Server) authorized(r *http.Request) bool {
	if s.authToken == "" && s.authHash == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return false
	}
	if s.authHash != "" {
		ok, err := auth.VerifyToken(token, s.authHash)
		if err != nil {
			s.log.Warn("token verification failed", "error", err)
			return false
		}
		return ok
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

func (s *Server) handleKernel(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	s.log.Info("front end connected", "remote", conn.RemoteAddr().String())

	wc := &wsConn{conn: conn}
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("front end connection lost", "error", err)
			}
			return
		}

		done, err := s.dispatch(r.Context(), wc, &msg)
		if err != nil {
			s.log.Warn("message handling failed", "type", string(msg.Type), "error", err)
			return
		}
		if done {
			return
		}
	}
}
