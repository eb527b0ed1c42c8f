// Package capture receives live transcripts and recording audio from the
// browser over a websocket and forwards them to the session.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ashureev/talkrecorder/internal/grant"
	"github.com/ashureev/talkrecorder/internal/ledger"
	"github.com/ashureev/talkrecorder/internal/session"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Sink receives capture events. *session.Controller implements it.
type Sink interface {
	OnTranscript(ctx context.Context, text string) (bool, error)
	OnRecordingFinished(ctx context.Context, name string, blob []byte) (ledger.Receipt, error)
	RequestCapture(ctx context.Context, p grant.Prompter) error
}

var _ Sink = (*session.Controller)(nil)

// Recognizer turns a stream of audio chunks into transcripts.
type Recognizer interface {
	Recognize(ctx context.Context, chunks <-chan []byte) iter.Seq2[string, error]
}

// minReadLimit leaves room for control frames when the recording limit is tiny.
const minReadLimit = 32 << 10

// Message types.
const (
	MsgTranscript = "transcript"
	MsgStart      = "start"
	MsgStop       = "stop"
	MsgDiscard    = "discard"
	MsgCapture    = "capture"
	MsgPing       = "ping"
)

// wsMessage is a client-to-server text frame.
type wsMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Name    string `json:"name,omitempty"`
	Granted bool   `json:"granted,omitempty"`
	Error   string `json:"error,omitempty"`
}

// reply is a server-to-client text frame.
type reply struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Appended   *bool  `json:"appended,omitempty"`
	FileName   string `json:"fileName,omitempty"`
	DownloadID string `json:"download_id,omitempty"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Handler serves the capture websocket.
type Handler struct {
	sink          Sink
	recognizer    Recognizer
	registry      *Registry
	maxBytes      int64
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// Options configures a Handler.
type Options struct {
	// Recognizer, when set, transcribes the audio of each recording.
	Recognizer    Recognizer
	Registry      *Registry
	MaxBytes      int64
	AllowedOrigin string
	IsDev         bool
	Logger        *slog.Logger
}

// NewHandler creates a capture websocket handler.
func NewHandler(sink Sink, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	return &Handler{
		sink:          sink,
		recognizer:    opts.Recognizer,
		registry:      opts.Registry,
		maxBytes:      opts.MaxBytes,
		allowedOrigin: opts.AllowedOrigin,
		isDev:         opts.IsDev,
		logger:        opts.Logger,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connID := uuid.NewString()
	h.logger.Info("Capture connection request", "conn_id", connID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "conn_id", connID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "capture ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "conn_id", connID)
		}
	}()
	ws.SetReadLimit(max(h.maxBytes, minReadLimit))

	h.registry.Register(connID, ws)
	defer h.registry.Unregister(connID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{
		h:        h,
		ws:       ws,
		id:       connID,
		recorder: NewRecorder(h.maxBytes),
	}
	c.inputLoop(ctx)
	c.stopRecognition()
	cancel()
	c.wg.Wait()
	h.logger.Info("Capture connection ended", "conn_id", connID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// conn is the state of one capture connection. Only inputLoop touches the
// recorder; recognition runs on its own goroutine.
type conn struct {
	h        *Handler
	ws       *websocket.Conn
	id       string
	recorder *Recorder

	chunks chan []byte
	wg     sync.WaitGroup
}

func (c *conn) inputLoop(ctx context.Context) {
	logger := c.h.logger.With("conn_id", c.id)
	for {
		typ, message, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				logger.Debug("WebSocket closed by client")
			} else if ctx.Err() == nil {
				logger.Warn("WebSocket read error", "error", err)
			}
			if c.recorder.Discard() {
				logger.Info("Unfinished recording dropped on disconnect")
			}
			return
		}

		if typ == websocket.MessageBinary {
			c.onAudio(ctx, message)
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.writeError(ctx, "invalid_message", "malformed JSON frame")
			continue
		}

		switch msg.Type {
		case MsgTranscript:
			c.onTranscript(ctx, msg.Text)
		case MsgStart:
			if c.recorder.Start() {
				logger.Warn("Unfinished recording dropped by new start")
			}
			c.stopRecognition()
			c.startRecognition(ctx)
			c.write(ctx, reply{Type: "started"})
		case MsgStop:
			c.onStop(ctx, msg.Name)
		case MsgDiscard:
			c.recorder.Discard()
			c.stopRecognition()
			c.write(ctx, reply{Type: "discarded"})
		case MsgCapture:
			err := c.h.sink.RequestCapture(ctx, grant.ClientPrompter{
				CaptureGranted: msg.Granted,
				CaptureError:   msg.Error,
			})
			if err != nil {
				c.writeError(ctx, session.Condition(err), err.Error())
				continue
			}
			c.write(ctx, reply{Type: "capture_granted"})
		case MsgPing:
			c.write(ctx, reply{Type: "pong"})
		default:
			c.writeError(ctx, "invalid_message", "unknown message type "+msg.Type)
		}
	}
}

func (c *conn) onAudio(ctx context.Context, chunk []byte) {
	if err := c.recorder.Append(chunk); err != nil {
		if errors.Is(err, ErrTooLarge) {
			c.stopRecognition()
		}
		c.writeError(ctx, "invalid_audio", err.Error())
		return
	}
	if c.chunks == nil {
		return
	}
	select {
	case c.chunks <- chunk:
	case <-ctx.Done():
	}
}

func (c *conn) onTranscript(ctx context.Context, text string) {
	appended, err := c.h.sink.OnTranscript(ctx, text)
	if err != nil && !appended {
		c.writeError(ctx, session.Condition(err), err.Error())
		return
	}
	// A write failure still keeps the turn; the client is told through events.
	c.write(ctx, reply{Type: "transcript_ack", Appended: &appended})
}

func (c *conn) onStop(ctx context.Context, name string) {
	blob, err := c.recorder.Stop()
	c.stopRecognition()
	if err != nil {
		c.writeError(ctx, "invalid_audio", err.Error())
		return
	}

	receipt, err := c.h.sink.OnRecordingFinished(ctx, name, blob)
	if err != nil && receipt.Entry.FileName == "" {
		c.writeError(ctx, session.Condition(err), err.Error())
		return
	}
	c.write(ctx, reply{
		Type:       "saved",
		FileName:   receipt.Entry.FileName,
		DownloadID: receipt.DownloadID,
	})
}

func (c *conn) startRecognition(ctx context.Context) {
	if c.h.recognizer == nil {
		return
	}
	chunks := make(chan []byte, 64)
	c.chunks = chunks

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for text, err := range c.h.recognizer.Recognize(ctx, chunks) {
			if err != nil {
				c.h.logger.Warn("Recognition failed", "error", err, "conn_id", c.id)
				c.writeError(ctx, "recognizer_unavailable", err.Error())
				break
			}
			appended, err := c.h.sink.OnTranscript(ctx, text)
			if err != nil {
				c.h.logger.Warn("Failed to record recognized text", "error", err, "conn_id", c.id)
			}
			c.write(ctx, reply{Type: "recognized", Text: text, Appended: &appended})
		}
		// Drain so the input loop never blocks on a finished stream.
		for range chunks {
		}
	}()
}

func (c *conn) stopRecognition() {
	if c.chunks != nil {
		close(c.chunks)
		c.chunks = nil
	}
}

func (c *conn) write(ctx context.Context, v reply) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.h.logger.Debug("WebSocket write error", "error", err, "conn_id", c.id)
	}
}

func (c *conn) writeError(ctx context.Context, condition, message string) {
	c.write(ctx, reply{Type: "error", Error: condition, Message: message})
}
