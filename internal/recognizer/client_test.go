package recognizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// startRecognizer serves handler for every stream on an in-memory listener.
func startRecognizer(t *testing.T, handler grpc.StreamHandler) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(handler))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultConfig("passthrough:///bufnet")
	client, err := NewClient(cfg, nil, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// echoSizes answers each audio chunk with its size in bytes.
func echoSizes(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	if method != StreamMethod {
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}
	for {
		var chunk wrapperspb.BytesValue
		if err := stream.RecvMsg(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := stream.SendMsg(wrapperspb.String(fmt.Sprintf("%d bytes", len(chunk.GetValue())))); err != nil {
			return err
		}
	}
}

func TestRecognize(t *testing.T) {
	client := startRecognizer(t, echoSizes)

	chunks := make(chan []byte, 3)
	chunks <- []byte("a")
	chunks <- []byte("bb")
	chunks <- []byte("ccc")
	close(chunks)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []string
	for text, err := range client.Recognize(ctx, chunks) {
		if err != nil {
			t.Fatalf("Recognize failed: %v", err)
		}
		got = append(got, text)
	}
	if strings.Join(got, ",") != "1 bytes,2 bytes,3 bytes" {
		t.Fatalf("unexpected transcripts %v", got)
	}
}

func TestRecognizeServerError(t *testing.T) {
	client := startRecognizer(t, func(_ any, _ grpc.ServerStream) error {
		return status.Error(codes.Unavailable, "model not loaded")
	})

	chunks := make(chan []byte)
	close(chunks)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var sawErr error
	for _, err := range client.Recognize(ctx, chunks) {
		if err != nil {
			sawErr = err
		}
	}
	if status.Code(errors.Unwrap(sawErr)) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", sawErr)
	}
}

func TestRecognizeStopsWhenConsumerBreaks(t *testing.T) {
	client := startRecognizer(t, echoSizes)

	chunks := make(chan []byte, 2)
	chunks <- []byte("a")
	chunks <- []byte("b")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := 0
	for _, err := range client.Recognize(ctx, chunks) {
		if err != nil {
			t.Fatal(err)
		}
		n++
		break
	}
	if n != 1 {
		t.Fatalf("expected one transcript, got %d", n)
	}
}

func TestNewClientRequiresAddress(t *testing.T) {
	if _, err := NewClient(Config{}, nil); err == nil {
		t.Fatal("expected error for empty address")
	}
}
