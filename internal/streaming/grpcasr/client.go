// Package grpcasr is a streaming recognition backend over a bidirectional gRPC stream.
package grpcasr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rbright/scribe/internal/streaming"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Config controls the recognizer endpoint.
type Config struct {
	Endpoint    string
	DialTimeout time.Duration
	// DebugResponseSinkJSON receives one protojson line per response when set.
	DebugResponseSinkJSON io.Writer
}

// Backend opens recognition passes over one shared client connection.
type Backend struct {
	cfg Config

	mu   sync.Mutex
	conn *grpc.ClientConn

	debugMu sync.Mutex
}

// New returns a backend; the connection is established on the first Open.
func New(cfg Config) *Backend {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 3 * time.Second
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	return &Backend{cfg: cfg}
}

func (b *Backend) Name() string { return "grpc" }

// Open starts one StreamingRecognizer call and sends the pass configuration.
func (b *Backend) Open(ctx context.Context, cfg streaming.PassConfig) (streaming.Pass, error) {
	conn, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}

	passCtx, cancel := context.WithCancel(ctx)
	stream, err := conn.NewStream(passCtx, &serviceDesc.Streams[0], recognizeMethod)
	if err != nil {
		cancel()
		return nil, classify(fmt.Errorf("open streaming recognizer: %w", err))
	}

	req, err := configRequest(cfg)
	if err != nil {
		cancel()
		return nil, streaming.NewError(streaming.CodeNotAllowed, err)
	}
	// io.EOF means the server already ended the call; Recv reports its status.
	if err := stream.SendMsg(req); err != nil && !errors.Is(err, io.EOF) {
		cancel()
		return nil, classify(fmt.Errorf("send initial streaming config: %w", err))
	}

	return &pass{stream: stream, cancel: cancel, backend: b}, nil
}

// Close tears down the shared connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

func (b *Backend) connect(ctx context.Context) (*grpc.ClientConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil && b.conn.GetState() != connectivity.Shutdown {
		return b.conn, nil
	}
	if b.cfg.Endpoint == "" {
		return nil, streaming.NewError(streaming.CodeUnavailable, fmt.Errorf("%w: grpc endpoint is empty", streaming.ErrUnavailable))
	}

	conn, err := grpc.NewClient(b.cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, streaming.NewError(streaming.CodeUnavailable, fmt.Errorf("dial recognizer %q: %w", b.cfg.Endpoint, err))
	}

	readyCtx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
	defer cancel()
	conn.Connect()
	if err := waitForReady(readyCtx, conn); err != nil {
		_ = conn.Close()
		return nil, streaming.NewError(streaming.CodeNetwork, fmt.Errorf("wait for recognizer readiness: %w", err))
	}

	b.conn = conn
	return conn, nil
}

func (b *Backend) dump(resp *structpb.Struct) {
	sink := b.cfg.DebugResponseSinkJSON
	if sink == nil {
		return
	}
	raw, err := protojson.Marshal(resp)
	if err != nil {
		return
	}
	b.debugMu.Lock()
	defer b.debugMu.Unlock()
	_, _ = sink.Write(append(raw, '\n'))
}

type pass struct {
	stream  grpc.ClientStream
	cancel  context.CancelFunc
	backend *Backend

	pending   []streaming.Result
	closeOnce sync.Once
}

func (p *pass) SendAudio(frame []int16) error {
	if len(frame) == 0 {
		return nil
	}
	req, err := audioRequest(frame)
	if err != nil {
		return err
	}
	err = p.stream.SendMsg(req)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return classify(err)
}

func (p *pass) CloseSend() error {
	return p.stream.CloseSend()
}

func (p *pass) Recv() (streaming.Result, error) {
	for len(p.pending) == 0 {
		resp := &structpb.Struct{}
		if err := p.stream.RecvMsg(resp); err != nil {
			if errors.Is(err, io.EOF) {
				return streaming.Result{}, io.EOF
			}
			return streaming.Result{}, classify(err)
		}
		p.backend.dump(resp)
		results, err := parseResponse(resp)
		if err != nil {
			return streaming.Result{}, streaming.NewError(streaming.CodeNetwork, err)
		}
		p.pending = results
	}
	res := p.pending[0]
	p.pending = p.pending[1:]
	return res, nil
}

func (p *pass) Close() error {
	p.closeOnce.Do(p.cancel)
	return nil
}

// classify maps gRPC status codes onto recognition error classes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return streaming.NewError(streaming.CodeNetwork, err)
	}

	switch st.Code() {
	case codes.PermissionDenied, codes.Unauthenticated:
		return streaming.NewError(streaming.CodePermissionDenied, err)
	case codes.Unimplemented:
		return streaming.NewError(streaming.CodeUnavailable, fmt.Errorf("%w: %w", streaming.ErrUnavailable, err))
	case codes.InvalidArgument, codes.FailedPrecondition:
		return streaming.NewError(streaming.CodeNotAllowed, err)
	case codes.Aborted, codes.Canceled:
		return streaming.NewError(streaming.CodeAborted, err)
	case codes.DeadlineExceeded:
		return streaming.NewError(streaming.CodeNoSpeech, err)
	default:
		return streaming.NewError(streaming.CodeNetwork, err)
	}
}

// waitForReady blocks until the connection enters Ready or fails.
func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("grpc connection entered shutdown state")
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("grpc readiness wait timed out in state %s", state.String())
		}
	}
}
