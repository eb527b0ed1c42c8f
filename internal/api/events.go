package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/talkrecorder/internal/events"
)

// HandleEvents streams state-changed notifications over SSE.
// It supports:
// - Last-Event-ID replay of buffered events
// - Configured retry timing
// - Keepalive pings.
//
// A fresh connection, or one whose Last-Event-ID the replay buffer cannot
// serve, first receives the current state without an event ID, so it never
// shifts the client's replay position.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			h.logger.Info("SSE client reconnecting with Last-Event-ID", "last_event_id", lastEventID)
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.sseRetry.Milliseconds()); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err)
		return
	}
	flusher.Flush()

	sub, missed, complete := h.hub.Subscribe(lastEventID)
	defer h.hub.Unsubscribe(sub)
	logger := h.logger.With("subscriber", sub.ID)

	if complete {
		if len(missed) > 0 {
			logger.Info("Sending missed events", "count", len(missed))
		}
		for _, ev := range missed {
			if err := writeEvent(w, ev); err != nil {
				logger.Warn("failed to write SSE event", "error", err)
				return
			}
		}
	} else {
		if lastEventID > 0 {
			logger.Info("Last-Event-ID outside replay buffer, resyncing from state",
				"last_event_id", lastEventID, "hub_last_id", h.hub.LastID())
		}
		v, err := h.ctrl.Snapshot(r.Context())
		if err != nil {
			return
		}
		data, _ := json.Marshal(events.Event{Type: events.TypeState, Data: v, Timestamp: time.Now().UTC()})
		if err := writeSSE(w, events.TypeState, string(data)); err != nil {
			logger.Warn("failed to write SSE state event", "error", err)
			return
		}
	}
	flusher.Flush()
	logger.Info("SSE connection established", "reconnect", lastEventID > 0)

	keepalive := time.NewTicker(h.sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			logger.Info("SSE client disconnected")
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				logger.Warn("failed to write SSE event", "error", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				logger.Warn("failed to write SSE keepalive ping", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return writeSSEWithID(w, ev.ID, ev.Type, string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
