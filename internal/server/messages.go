package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MessageType identifies a kernel protocol message.
type MessageType string

const (
	MessageTypeExecuteRequest  MessageType = "execute_request"
	MessageTypeExecuteReply    MessageType = "execute_reply"
	MessageTypeCompleteRequest MessageType = "complete_request"
	MessageTypeCompleteReply   MessageType = "complete_reply"
	MessageTypeShutdownRequest MessageType = "shutdown_request"
	MessageTypeShutdownReply   MessageType = "shutdown_reply"
	MessageTypeStream          MessageType = "stream"
	MessageTypeError           MessageType = "error"
)

// Message is the envelope for every frame on the kernel socket.
type Message struct {
	ID       string          `json:"id"`
	ParentID string          `json:"parent_id,omitempty"`
	Type     MessageType     `json:"type"`
	Content  json.RawMessage `json:"content,omitempty"`
}

// ExecuteRequest asks the kernel to run a code block.
type ExecuteRequest struct {
	Code   string `json:"code"`
	Silent bool   `json:"silent,omitempty"`
}

// CompleteRequest asks for completions at a cursor position.
type CompleteRequest struct {
	Code      string `json:"code"`
	CursorPos int    `json:"cursor_pos"`
}

// ShutdownRequest asks the kernel to shut down.
type ShutdownRequest struct {
	Restart bool `json:"restart,omitempty"`
}

// ShutdownReply acknowledges a shutdown.
type ShutdownReply struct {
	Restart bool `json:"restart"`
}

// StreamContent is one chunk of board output on either stream.
type StreamContent struct {
	// Name is "stdout" or "stderr".
	Name string `json:"name"`
	Text string `json:"text"`
}

// ErrorContent reports a protocol-level failure back to the front end.
type ErrorContent struct {
	Message string `json:"message"`
}

// wsConn serializes frame writes on one websocket connection. Stream
// chunks arrive from the execution goroutine while replies come from the
// dispatch path, and gorilla/websocket allows one writer at a time.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(parent *Message, msgType MessageType, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to encode %s content: %w", msgType, err)
	}
	msg := Message{
		ID:      uuid.New().String(),
		Type:    msgType,
		Content: raw,
	}
	if parent != nil {
		msg.ParentID = parent.ID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(&msg)
}

// wsSink forwards board output to the front end as stream messages, tied
// to the execute request that produced it.
type wsSink struct {
	conn   *wsConn
	parent *Message
}

func (s *wsSink) Stdout(text string) { s.emit("stdout", text) }
func (s *wsSink) Stderr(text string) { s.emit("stderr", text) }

func (s *wsSink) emit(name, text string) {
	// Send failures are dropped: the execution keeps running, the front
	// end just misses the chunk.
	_ = s.conn.send(s.parent, MessageTypeStream, StreamContent{Name: name, Text: text})
}

// dispatch handles one inbound message. It returns true when the
// connection should close, which only a shutdown request triggers.
func (s *Server) dispatch(ctx context.Context, wc *wsConn, msg *Message) (bool, error) {
	switch msg.Type {
	case MessageTypeExecuteRequest:
		var req ExecuteRequest
		if err := json.Unmarshal(msg.Content, &req); err != nil {
			return false, wc.send(msg, MessageTypeError, ErrorContent{Message: "malformed execute_request content"})
		}
		if !s.execMu.TryLock() {
			return false, wc.send(msg, MessageTypeError, ErrorContent{Message: "an execution is already in progress"})
		}
		defer s.execMu.Unlock()

		sink := &wsSink{conn: wc, parent: msg}
		result := s.kernel.Execute(ctx, req.Code, req.Silent, sink)
		return false, wc.send(msg, MessageTypeExecuteReply, result)

	case MessageTypeCompleteRequest:
		var req CompleteRequest
		if err := json.Unmarshal(msg.Content, &req); err != nil {
			return false, wc.send(msg, MessageTypeError, ErrorContent{Message: "malformed complete_request content"})
		}
		if !s.execMu.TryLock() {
			return false, wc.send(msg, MessageTypeError, ErrorContent{Message: "an execution is already in progress"})
		}
		defer s.execMu.Unlock()

		result := s.kernel.Complete(ctx, req.Code, req.CursorPos)
		return false, wc.send(msg, MessageTypeCompleteReply, result)

	case MessageTypeShutdownRequest:
		var req ShutdownRequest
		if len(msg.Content) > 0 {
			if err := json.Unmarshal(msg.Content, &req); err != nil {
				return false, wc.send(msg, MessageTypeError, ErrorContent{Message: "malformed shutdown_request content"})
			}
		}
		s.execMu.Lock()
		defer s.execMu.Unlock()

		s.kernel.Shutdown(req.Restart)
		if err := wc.send(msg, MessageTypeShutdownReply, ShutdownReply{Restart: req.Restart}); err != nil {
			return true, err
		}
		return true, nil

	default:
		return false, wc.send(msg, MessageTypeError, ErrorContent{
			Message: fmt.Sprintf("unknown message type %q", msg.Type),
		})
	}
}
