package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replbridge/replbridge/internal/auth"
	"github.com/replbridge/replbridge/internal/board"
	"github.com/replbridge/replbridge/internal/config"
	"github.com/replbridge/replbridge/internal/kernel"
	"github.com/replbridge/replbridge/internal/repl"
	"github.com/replbridge/replbridge/internal/testutil"
)

func newTestServer(t *testing.T, authToken string, responses ...string) *Server {
	t.Helper()

	st := testutil.NewScriptedTransport(responses...)
	session := board.NewSession(board.Options{
		Opener: func() (board.Transport, error) { return st, nil },
	})
	driver := repl.New(repl.Options{
		Session:      session,
		UploadDelay:  time.Millisecond,
		PollInterval: time.Millisecond,
	})
	k := kernel.New(kernel.Options{Session: session, Driver: driver})

	srv, err := NewServer(Options{
		Config: config.Server{Port: 0, AuthToken: authToken},
		Kernel: k,
	})
	require.NoError(t, err)
	return srv
}

// dial connects a websocket client to the kernel endpoint.
func dial(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/kernel"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendRequest(t *testing.T, conn *websocket.Conn, msgType MessageType, content any) Message {
	t.Helper()

	raw, err := json.Marshal(content)
	require.NoError(t, err)
	msg := Message{
		ID:      uuid.New().String(),
		Type:    msgType,
		Content: raw,
	}
	require.NoError(t, conn.WriteJSON(&msg))
	return msg
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestExecuteRoundTrip(t *testing.T) {
	srv := newTestServer(t, "",
		testutil.RawBanner,
		testutil.OKResponse("hello\r\n", ""),
	)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dial(t, ts, nil)
	req := sendRequest(t, conn, MessageTypeExecuteRequest, ExecuteRequest{Code: "print('hello')"})

	var streamed string
	for {
		msg := readMessage(t, conn)
		assert.Equal(t, req.ID, msg.ParentID)
		if msg.Type == MessageTypeStream {
			var content StreamContent
			require.NoError(t, json.Unmarshal(msg.Content, &content))
			assert.Equal(t, "stdout", content.Name)
			streamed += content.Text
			continue
		}

		require.Equal(t, MessageTypeExecuteReply, msg.Type)
		var result kernel.ExecuteResult
		require.NoError(t, json.Unmarshal(msg.Content, &result))
		assert.Equal(t, kernel.StatusOK, result.Status)
		assert.Equal(t, 1, result.ExecutionCount)
		break
	}
	assert.Equal(t, "hello\r\n", streamed)
}

func TestExecuteFailureStreamsStderr(t *testing.T) {
	srv := newTestServer(t, "",
		testutil.RawBanner,
		testutil.OKResponse("", "Traceback (most recent call last):\r\nNameError: name 'x' is not defined\r\n"),
	)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dial(t, ts, nil)
	sendRequest(t, conn, MessageTypeExecuteRequest, ExecuteRequest{Code: "x"})

	var stderr string
	for {
		msg := readMessage(t, conn)
		if msg.Type == MessageTypeStream {
			var content StreamContent
			require.NoError(t, json.Unmarshal(msg.Content, &content))
			if content.Name == "stderr" {
				stderr += content.Text
			}
			continue
		}
		require.Equal(t, MessageTypeExecuteReply, msg.Type)
		var result kernel.ExecuteResult
		require.NoError(t, json.Unmarshal(msg.Content, &result))
		assert.Equal(t, kernel.StatusOK, result.Status)
		break
	}
	assert.Contains(t, stderr, "NameError")
}

func TestCompleteRoundTrip(t *testing.T) {
	srv := newTestServer(t, "",
		testutil.RawBanner,
		testutil.OKResponse("['append', 'clear', 'count']\r\n", ""),
	)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dial(t, ts, nil)
	sendRequest(t, conn, MessageTypeCompleteRequest, CompleteRequest{Code: "items.c", CursorPos: 7})

	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeCompleteReply, msg.Type)

	var result kernel.CompleteResult
	require.NoError(t, json.Unmarshal(msg.Content, &result))
	assert.Equal(t, kernel.StatusOK, result.Status)
	assert.Equal(t, []string{"clear", "count"}, result.Matches)
	assert.Equal(t, 5, result.CursorStart)
	assert.Equal(t, 7, result.CursorEnd)
}

func TestShutdownClosesConnection(t *testing.T) {
	srv := newTestServer(t, "", testutil.RawBanner)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dial(t, ts, nil)
	sendRequest(t, conn, MessageTypeShutdownRequest, ShutdownRequest{Restart: false})

	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeShutdownReply, msg.Type)

	var reply ShutdownReply
	require.NoError(t, json.Unmarshal(msg.Content, &reply))
	assert.False(t, reply.Restart)

	// The server closes the socket after acknowledging the shutdown.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var next Message
	err := conn.ReadJSON(&next)
	assert.Error(t, err)
}

func TestUnknownMessageType(t *testing.T) {
	srv := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dial(t, ts, nil)
	sendRequest(t, conn, MessageType("inspect_request"), map[string]any{})

	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeError, msg.Type)

	var content ErrorContent
	require.NoError(t, json.Unmarshal(msg.Content, &content))
	assert.Contains(t, content.Message, "inspect_request")
}

func TestMalformedContent(t *testing.T) {
	srv := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dial(t, ts, nil)
	msg := Message{
		ID:      uuid.New().String(),
		Type:    MessageTypeExecuteRequest,
		Content: json.RawMessage(`"not an object"`),
	}
	require.NoError(t, conn.WriteJSON(&msg))

	reply := readMessage(t, conn)
	require.Equal(t, MessageTypeError, reply.Type)
}

func TestAuthTokenRequired(t *testing.T) {
	srv := newTestServer(t, "sekrit")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/kernel"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{"Authorization": []string{"Bearer sekrit"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestAuthTokenHash(t *testing.T) {
	token, hash, err := auth.GenerateToken()
	require.NoError(t, err)

	srv := newTestServer(t, "")
	srv.authHash = hash
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/kernel"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{
		"Authorization": []string{"Bearer wrong"},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{
		"Authorization": []string{"Bearer " + token},
	})
	require.NoError(t, err)
	conn.Close()
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, "")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
