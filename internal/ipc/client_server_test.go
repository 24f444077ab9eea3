package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func serveTest(t *testing.T, handler Handler) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "scribe.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, listener, handler) }()
	return socketPath, cancel, done
}

func TestSendRoundTrip(t *testing.T) {
	socketPath, cancel, done := serveTest(t, HandlerFunc(func(_ context.Context, req Request) Response {
		return Response{OK: req.Command == CommandSubmit, Session: req.Session, State: "succeeded", Transcript: req.Text}
	}))

	resp, err := Send(context.Background(), socketPath, Request{Command: CommandSubmit, Session: "s1", Text: "hello"}, 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Equal(t, "s1", resp.Session)
	require.Equal(t, "succeeded", resp.State)
	require.Equal(t, "hello", resp.Transcript)

	cancel()
	require.NoError(t, <-done)
}

func TestServeHandlesSeveralRequestsPerConnection(t *testing.T) {
	var calls atomic.Int32
	socketPath, cancel, done := serveTest(t, HandlerFunc(func(_ context.Context, req Request) Response {
		calls.Add(1)
		return Response{OK: true, Message: req.Command}
	}))

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for _, cmd := range []string{CommandStatus, CommandForceAudio} {
		require.NoError(t, json.NewEncoder(conn).Encode(Request{Command: cmd}))
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var resp Response
		require.NoError(t, json.Unmarshal(line, &resp))
		require.Equal(t, cmd, resp.Message)
	}
	require.Equal(t, int32(2), calls.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestSendDecodeResponseError(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "scribe.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			return
		}
		defer conn.Close()
		_, _ = bufio.NewReader(conn).ReadBytes('\n')
		_, _ = conn.Write([]byte("not-json\n"))
	}()

	_, err = Send(context.Background(), socketPath, Request{Command: CommandStatus}, 200*time.Millisecond)
	require.ErrorContains(t, err, "decode response")
}

func TestSendReadResponseError(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "scribe.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, acceptErr := listener.Accept()
		if acceptErr != nil {
			return
		}
		_ = conn.Close()
	}()

	_, err = Send(context.Background(), socketPath, Request{Command: CommandStatus}, 200*time.Millisecond)
	require.ErrorContains(t, err, "read response")
}

func TestServeDecodeRequestErrorResponse(t *testing.T) {
	socketPath, cancel, done := serveTest(t, HandlerFunc(func(_ context.Context, _ Request) Response {
		return Response{OK: true}
	}))

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not-json\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(line, &resp))
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "decode request")

	cancel()
	require.NoError(t, <-done)
}

func TestProbe(t *testing.T) {
	socketPath, cancel, done := serveTest(t, HandlerFunc(func(_ context.Context, req Request) Response {
		if req.Command == CommandStatus {
			return Response{OK: true, State: "idle"}
		}
		return Response{Error: "bad"}
	}))

	alive, err := Probe(context.Background(), socketPath, 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, alive)

	cancel()
	require.NoError(t, <-done)

	alive, err = Probe(context.Background(), socketPath, 100*time.Millisecond)
	require.NoError(t, err)
	require.False(t, alive)
}
