// Package events fans state-changed notifications out to rendering clients.
package events

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notification types published by the session controller.
const (
	TypeState              = "state"
	TypeChatAppended       = "chat_appended"
	TypeRecordingSaved     = "recording_saved"
	TypeDownloadReady      = "download_ready"
	TypeTranscriptCleared  = "transcript_cleared"
	TypeWriteFailed        = "write_failed"
	TypeOnboardingRequired = "onboarding_required"
	TypeCapabilityError    = "capability_error"
)

// Event is one notification.
type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the write side of the hub.
type Publisher interface {
	Publish(eventType string, data any) Event
}

// Subscription receives events published after it was created.
type Subscription struct {
	ID string
	C  <-chan Event

	ch chan Event
}

// Hub buffers recent events for replay and fans new ones out to subscribers.
type Hub struct {
	mu          sync.Mutex
	nextID      int64
	recent      *list.List
	maxRecent   int
	subscribers map[string]*Subscription
	bufferSize  int
	logger      *slog.Logger
}

var _ Publisher = (*Hub)(nil)

// NewHub creates a hub that keeps the last maxRecent events for replay.
func NewHub(maxRecent int, logger *slog.Logger) *Hub {
	if maxRecent <= 0 {
		maxRecent = 100 // Default: keep last 100 events
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		recent:      list.New(),
		maxRecent:   maxRecent,
		subscribers: make(map[string]*Subscription),
		bufferSize:  32,
		logger:      logger,
	}
}

// Publish assigns the next event ID and delivers the event to every
// subscriber. Slow subscribers miss events instead of blocking the publisher;
// they can recover them by reconnecting with their last event ID.
func (h *Hub) Publish(eventType string, data any) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ev := Event{ID: h.nextID, Type: eventType, Data: data, Timestamp: time.Now().UTC()}

	h.recent.PushBack(ev)
	for h.recent.Len() > h.maxRecent {
		h.recent.Remove(h.recent.Front())
	}

	for _, sub := range h.subscribers {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("Dropping event for slow subscriber", "subscriber", sub.ID, "event_id", ev.ID, "type", ev.Type)
		}
	}
	return ev
}

// Subscribe registers a subscriber and returns the buffered events newer
// than afterID. complete is false when the buffer cannot bridge the gap:
// afterID is 0, ahead of the last issued ID (IDs restart with the process),
// or older than the oldest retained event. The caller must then resync from
// a full state snapshot instead of replaying.
func (h *Hub) Subscribe(afterID int64) (sub *Subscription, missed []Event, complete bool) {
	ch := make(chan Event, h.bufferSize)
	sub = &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub.ID] = sub

	if afterID <= 0 || afterID > h.nextID {
		return sub, nil, false
	}
	oldest := h.nextID + 1
	if front := h.recent.Front(); front != nil {
		oldest = front.Value.(Event).ID
	}
	if afterID < oldest-1 {
		return sub, nil, false
	}
	for e := h.recent.Front(); e != nil; e = e.Next() {
		ev := e.Value.(Event)
		if ev.ID > afterID {
			missed = append(missed, ev)
		}
	}
	return sub, missed, true
}

// Unsubscribe removes sub and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub.ID]; !ok {
		return
	}
	delete(h.subscribers, sub.ID)
	close(sub.ch)
}

// LastID returns the ID of the most recent event.
func (h *Hub) LastID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextID
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close ends every subscription so streaming handlers return.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subscribers {
		delete(h.subscribers, id)
		close(sub.ch)
	}
}
