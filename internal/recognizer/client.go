// Package recognizer streams captured audio to an external speech recognizer
// over gRPC and yields the transcripts it returns.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// StreamMethod is the full name of the bidirectional recognition stream.
// Requests are google.protobuf.BytesValue audio chunks, responses are
// google.protobuf.StringValue transcripts.
const StreamMethod = "/talkrecorder.Recognizer/Stream"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

var streamDesc = grpc.StreamDesc{
	StreamName:    "Stream",
	ClientStreams: true,
	ServerStreams: true,
}

// Client is a gRPC client to the speech recognizer.
type Client struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// Config holds configuration for the recognizer client.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultConfig returns the default configuration for addr.
func DefaultConfig(addr string) Config {
	return Config{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewClient connects to the recognizer at cfg.Address and waits until the
// connection is ready, so a bad endpoint fails at startup.
func NewClient(cfg Config, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("recognizer address is required")
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to recognizer at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("recognizer at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to speech recognizer", "address", cfg.Address)
	return &Client{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Recognize opens a recognition stream, sends every chunk received on chunks
// and yields the transcripts returned by the recognizer. Closing chunks
// half-closes the stream; the sequence ends once the recognizer finishes.
func (c *Client) Recognize(ctx context.Context, chunks <-chan []byte) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := c.conn.NewStream(ctx, &streamDesc, StreamMethod)
		if err != nil {
			yield("", fmt.Errorf("open recognition stream: %w", err))
			return
		}

		sendErr := make(chan error, 1)
		go func() {
			sendErr <- sendChunks(ctx, stream, chunks)
		}()

		for {
			var resp wrapperspb.StringValue
			err := stream.RecvMsg(&resp)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				c.logger.Warn("Recognition stream error", "error", err)
				yield("", fmt.Errorf("recognition stream: %w", err))
				return
			}
			if !yield(resp.GetValue(), nil) {
				return
			}
		}

		// The recognizer finished; surface a send failure that ended the stream.
		cancel()
		if err := <-sendErr; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
			yield("", fmt.Errorf("send audio: %w", err))
		}
	}
}

func sendChunks(ctx context.Context, stream grpc.ClientStream, chunks <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				return stream.CloseSend()
			}
			if err := stream.SendMsg(wrapperspb.Bytes(chunk)); err != nil {
				return err
			}
		}
	}
}
