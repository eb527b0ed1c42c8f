package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/talkrecorder/internal/domain"
	"github.com/ashureev/talkrecorder/internal/grant"
	"github.com/ashureev/talkrecorder/internal/ledger"
	"github.com/ashureev/talkrecorder/internal/session"
	"github.com/coder/websocket"
)

type recordingCall struct {
	name string
	blob []byte
}

type fakeSink struct {
	mu          sync.Mutex
	transcripts []string
	recordings  []recordingCall
	capture     []bool
	err         error
}

func (f *fakeSink) OnTranscript(_ context.Context, text string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.transcripts = append(f.transcripts, text)
	return true, nil
}

func (f *fakeSink) OnRecordingFinished(_ context.Context, name string, blob []byte) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return ledger.Receipt{}, f.err
	}
	f.recordings = append(f.recordings, recordingCall{name: name, blob: blob})
	return ledger.Receipt{Entry: domain.RecordingEntry{FileName: name + domain.AudioExt}}, nil
}

func (f *fakeSink) RequestCapture(ctx context.Context, p grant.Prompter) error {
	err := p.RequestCapture(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capture = append(f.capture, err == nil)
	return err
}

func (f *fakeSink) snapshot() ([]string, []recordingCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.transcripts...), append([]recordingCall(nil), f.recordings...)
}

// fakeRecognizer answers every chunk with its size.
type fakeRecognizer struct{}

func (fakeRecognizer) Recognize(ctx context.Context, chunks <-chan []byte) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for chunk := range chunks {
			if !yield(fmt.Sprintf("heard %d", len(chunk)), nil) {
				return
			}
		}
	}
}

func dial(t *testing.T, sink Sink, opts Options) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(NewHandler(sink, opts))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c, ctx
}

func send(t *testing.T, ctx context.Context, c *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func sendAudio(t *testing.T, ctx context.Context, c *websocket.Conn, chunk []byte) {
	t.Helper()
	if err := c.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readReply(t *testing.T, ctx context.Context, c *websocket.Conn) reply {
	t.Helper()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("bad reply %q: %v", data, err)
	}
	return r
}

func TestPing(t *testing.T) {
	c, ctx := dial(t, &fakeSink{}, Options{})
	send(t, ctx, c, map[string]string{"type": "ping"})
	if r := readReply(t, ctx, c); r.Type != "pong" {
		t.Fatalf("expected pong, got %+v", r)
	}
}

func TestTranscriptForwarded(t *testing.T) {
	sink := &fakeSink{}
	c, ctx := dial(t, sink, Options{})

	send(t, ctx, c, map[string]string{"type": "transcript", "text": "hola mundo"})
	r := readReply(t, ctx, c)
	if r.Type != "transcript_ack" || r.Appended == nil || !*r.Appended {
		t.Fatalf("unexpected reply %+v", r)
	}
	if got, _ := sink.snapshot(); len(got) != 1 || got[0] != "hola mundo" {
		t.Fatalf("unexpected transcripts %v", got)
	}
}

func TestTranscriptErrorCondition(t *testing.T) {
	sink := &fakeSink{err: session.ErrOnboardingRequired}
	c, ctx := dial(t, sink, Options{})

	send(t, ctx, c, map[string]string{"type": "transcript", "text": "hola"})
	r := readReply(t, ctx, c)
	if r.Type != "error" || r.Error != "onboarding_required" {
		t.Fatalf("unexpected reply %+v", r)
	}
}

func TestRecordingRoundTrip(t *testing.T) {
	sink := &fakeSink{}
	c, ctx := dial(t, sink, Options{})

	send(t, ctx, c, map[string]string{"type": "start"})
	if r := readReply(t, ctx, c); r.Type != "started" {
		t.Fatalf("expected started, got %+v", r)
	}
	sendAudio(t, ctx, c, []byte{1})
	sendAudio(t, ctx, c, []byte{2, 3})
	send(t, ctx, c, map[string]string{"type": "stop", "name": "test"})

	r := readReply(t, ctx, c)
	if r.Type != "saved" || r.FileName != "test.webm" {
		t.Fatalf("unexpected reply %+v", r)
	}
	_, recs := sink.snapshot()
	if len(recs) != 1 || recs[0].name != "test" || string(recs[0].blob) != string([]byte{1, 2, 3}) {
		t.Fatalf("unexpected recordings %+v", recs)
	}
}

func TestDiscardDropsAudio(t *testing.T) {
	sink := &fakeSink{}
	c, ctx := dial(t, sink, Options{})

	send(t, ctx, c, map[string]string{"type": "start"})
	readReply(t, ctx, c)
	sendAudio(t, ctx, c, []byte{1, 2})
	send(t, ctx, c, map[string]string{"type": "discard"})
	if r := readReply(t, ctx, c); r.Type != "discarded" {
		t.Fatalf("expected discarded, got %+v", r)
	}

	send(t, ctx, c, map[string]string{"type": "stop", "name": "x"})
	if r := readReply(t, ctx, c); r.Type != "error" || r.Error != "invalid_audio" {
		t.Fatalf("expected invalid_audio, got %+v", r)
	}
	if _, recs := sink.snapshot(); len(recs) != 0 {
		t.Fatalf("discarded audio must not be committed, got %+v", recs)
	}
}

func TestOversizedRecordingRejected(t *testing.T) {
	sink := &fakeSink{}
	c, ctx := dial(t, sink, Options{MaxBytes: 4})

	send(t, ctx, c, map[string]string{"type": "start"})
	readReply(t, ctx, c)
	sendAudio(t, ctx, c, []byte{1, 2, 3})
	sendAudio(t, ctx, c, []byte{4, 5})
	if r := readReply(t, ctx, c); r.Type != "error" || r.Error != "invalid_audio" {
		t.Fatalf("expected invalid_audio, got %+v", r)
	}
}

func TestCaptureReport(t *testing.T) {
	sink := &fakeSink{}
	c, ctx := dial(t, sink, Options{})

	send(t, ctx, c, map[string]any{"type": "capture", "granted": false, "error": "NotAllowedError"})
	if r := readReply(t, ctx, c); r.Type != "error" || r.Error != "capability_denied" {
		t.Fatalf("expected capability_denied, got %+v", r)
	}
	send(t, ctx, c, map[string]any{"type": "capture", "granted": true})
	if r := readReply(t, ctx, c); r.Type != "capture_granted" {
		t.Fatalf("expected capture_granted, got %+v", r)
	}
}

func TestUnknownAndMalformedMessages(t *testing.T) {
	c, ctx := dial(t, &fakeSink{}, Options{})

	if err := c.Write(ctx, websocket.MessageText, []byte("{")); err != nil {
		t.Fatal(err)
	}
	if r := readReply(t, ctx, c); r.Error != "invalid_message" {
		t.Fatalf("expected invalid_message, got %+v", r)
	}
	send(t, ctx, c, map[string]string{"type": "resize"})
	if r := readReply(t, ctx, c); r.Error != "invalid_message" {
		t.Fatalf("expected invalid_message, got %+v", r)
	}
}

func TestRecognizerTranscripts(t *testing.T) {
	sink := &fakeSink{}
	c, ctx := dial(t, sink, Options{Recognizer: fakeRecognizer{}})

	send(t, ctx, c, map[string]string{"type": "start"})
	readReply(t, ctx, c)
	sendAudio(t, ctx, c, []byte{1, 2})

	var recognized, saved bool
	send(t, ctx, c, map[string]string{"type": "stop", "name": "nota"})
	for !recognized || !saved {
		r := readReply(t, ctx, c)
		switch r.Type {
		case "recognized":
			if r.Text != "heard 2" {
				t.Fatalf("unexpected recognized text %q", r.Text)
			}
			recognized = true
		case "saved":
			saved = true
		default:
			t.Fatalf("unexpected reply %+v", r)
		}
	}

	transcripts, _ := sink.snapshot()
	if len(transcripts) != 1 || transcripts[0] != "heard 2" {
		t.Fatalf("expected recognized text forwarded, got %v", transcripts)
	}
}

func TestOriginCheck(t *testing.T) {
	h := NewHandler(&fakeSink{}, Options{AllowedOrigin: "https://app.example"})
	req := httptest.NewRequest("GET", "/ws/capture", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != 403 {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRegistry(t *testing.T) {
	m := NewRegistry()
	m.Register("a", &websocket.Conn{})
	m.Register("b", &websocket.Conn{})
	if len(m.active) != 2 {
		t.Fatalf("expected 2 connections, got %d", len(m.active))
	}

	m.Unregister("a")
	m.Unregister("a")
	if _, ok := m.active["a"]; ok || len(m.active) != 1 {
		t.Fatal("expected only b to remain registered")
	}
}

func TestRegistryClosesConnectionsOnShutdown(t *testing.T) {
	reg := NewRegistry()
	c, ctx := dial(t, &fakeSink{}, Options{Registry: reg})

	// The connection is registered before its input loop answers.
	send(t, ctx, c, map[string]string{"type": "ping"})
	if r := readReply(t, ctx, c); r.Type != "pong" {
		t.Fatalf("expected pong, got %+v", r)
	}
	reg.CloseAll()

	if _, _, err := c.Read(ctx); websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Fatalf("expected going-away close, got %v", err)
	}
}
