package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDownloadGone indicates the download was already fetched or has expired.
var ErrDownloadGone = errors.New("download no longer available")

// Download is a blob waiting to be fetched by the client.
type Download struct {
	ID        string
	Name      string
	Blob      []byte
	OfferedAt time.Time
}

// Outbox holds Mode B recordings until the client fetches them once.
// It is safe for concurrent use.
type Outbox struct {
	mu      sync.Mutex
	pending map[string]*Download
	ttl     time.Duration
	now     func() time.Time
}

var _ Downloader = (*Outbox)(nil)

// NewOutbox creates an outbox whose unfetched downloads expire after ttl.
func NewOutbox(ttl time.Duration) *Outbox {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Outbox{
		pending: make(map[string]*Download),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Offer stages blob for a single download and returns its ID.
func (o *Outbox) Offer(_ context.Context, suggestedName string, blob []byte) (string, error) {
	id := uuid.NewString()
	buf := make([]byte, len(blob))
	copy(buf, blob)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[id] = &Download{ID: id, Name: suggestedName, Blob: buf, OfferedAt: o.now()}
	return id, nil
}

// Take returns the download and forgets it.
func (o *Outbox) Take(id string) (*Download, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.pending[id]
	if !ok {
		return nil, ErrDownloadGone
	}
	delete(o.pending, id)
	return d, nil
}

// Len returns the number of pending downloads.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Sweep drops downloads older than the TTL and returns how many were dropped.
func (o *Outbox) Sweep() int {
	cutoff := o.now().Add(-o.ttl)

	o.mu.Lock()
	defer o.mu.Unlock()
	dropped := 0
	for id, d := range o.pending {
		if d.OfferedAt.Before(cutoff) {
			delete(o.pending, id)
			dropped++
		}
	}
	return dropped
}

const outboxSweepInterval = time.Minute

// StartSweeper runs a background goroutine that periodically expires
// unfetched downloads until ctx is done.
func (o *Outbox) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(outboxSweepInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Download sweeper started", "interval", outboxSweepInterval, "ttl", o.ttl)

		for {
			select {
			case <-ticker.C:
				if n := o.Sweep(); n > 0 {
					slog.Info("Download sweeper expired unfetched recordings", "count", n)
				}
			case <-ctx.Done():
				slog.Info("Download sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
