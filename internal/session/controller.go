// Package session orchestrates the storage grant, the session record and the
// recording ledger in response to external events.
//
// The Controller is the only component that mutates session state. Every
// operation runs on a single goroutine in the order it was submitted, and
// each mutation is followed by a full flush of the session record before the
// next operation starts. Access is serialized by that loop rather than by
// locks.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/talkrecorder/internal/domain"
	"github.com/ashureev/talkrecorder/internal/events"
	"github.com/ashureev/talkrecorder/internal/grant"
	"github.com/ashureev/talkrecorder/internal/ledger"
	"github.com/ashureev/talkrecorder/internal/state"
)

var (
	// ErrOwnerRequired indicates onboarding without an owner name.
	ErrOwnerRequired = errors.New("owner name is required")

	// ErrOnboardingRequired indicates an operation that needs a configured session.
	ErrOnboardingRequired = errors.New("onboarding required")

	// ErrClosed indicates the controller has been shut down.
	ErrClosed = errors.New("session controller closed")
)

// Phase is the lifecycle phase of the session.
type Phase string

const (
	PhaseOnboarding Phase = "onboarding"
	PhaseReady      Phase = "ready"
)

// View is a read-only snapshot handed to rendering clients.
type View struct {
	Phase          Phase                   `json:"phase"`
	Mode           ledger.Mode             `json:"mode,omitempty"`
	Owner          string                  `json:"owner"`
	CaptureGranted bool                    `json:"capture_granted"`
	Chats          []domain.ChatTurn       `json:"chats"`
	Recordings     []domain.RecordingEntry `json:"recordings"`
}

type request struct {
	fn   func(ctx context.Context)
	ctx  context.Context
	done chan struct{}
}

// Controller owns the session state.
type Controller struct {
	grant      *grant.Grant
	downloader ledger.Downloader
	pub        events.Publisher
	logger     *slog.Logger
	now        func() time.Time

	// Owned by the loop goroutine.
	phase     Phase
	st        domain.SessionState
	ledger    *ledger.Ledger
	viewStart int

	requests  chan request
	quit      chan struct{}
	closeOnce sync.Once
}

// Options configures a Controller.
type Options struct {
	// Downloader receives recordings when no folder is granted.
	Downloader ledger.Downloader
	Publisher  events.Publisher
	Logger     *slog.Logger
	// Now overrides the clock for timestamps.
	Now func() time.Time
}

type nopPublisher struct{}

func (nopPublisher) Publish(eventType string, data any) events.Event {
	return events.Event{Type: eventType, Data: data}
}

// New creates a controller in the onboarding phase and starts its loop.
func New(g *grant.Grant, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Controller{
		grant:      g,
		downloader: opts.Downloader,
		pub:        opts.Publisher,
		logger:     opts.Logger,
		now:        opts.Now,
		phase:      PhaseOnboarding,
		st:         domain.Empty(),
		requests:   make(chan request),
		quit:       make(chan struct{}),
	}
	go c.loop()
	return c
}

// Close stops the loop. Operations submitted afterwards fail with ErrClosed.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
}

func (c *Controller) loop() {
	for {
		select {
		case req := <-c.requests:
			req.fn(req.ctx)
			close(req.done)
		case <-c.quit:
			return
		}
	}
}

// do runs fn on the loop. Once accepted, fn runs to completion even if ctx is
// cancelled, so an in-flight write is never interrupted.
func (c *Controller) do(ctx context.Context, fn func(ctx context.Context)) error {
	req := request{fn: fn, ctx: context.WithoutCancel(ctx), done: make(chan struct{})}
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return ErrClosed
	}
	<-req.done
	return nil
}

// Onboard configures the session for owner: it asks p for microphone access,
// then for a folder. A folder-less platform is accepted and runs in download
// mode. On success the folder's existing record is loaded, so reselecting the
// same folder after a reinstall restores the history.
func (c *Controller) Onboard(ctx context.Context, owner string, p grant.Prompter) error {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return ErrOwnerRequired
	}

	var result error
	err := c.do(ctx, func(ctx context.Context) {
		if err := c.grant.RequestCapture(ctx, p); err != nil {
			c.publishCapabilityError(err)
			result = err
			return
		}

		dir, err := c.grant.RequestDirectory(ctx, p)
		if err != nil && !errors.Is(err, grant.ErrCapabilityUnsupported) {
			// The previous folder, if any, is no longer the session's folder.
			c.resetLocked()
			c.publishCapabilityError(err)
			result = err
			return
		}
		if err != nil {
			c.logger.Info("Folder access unsupported, recordings will be downloaded")
		}

		c.ledger = ledger.New(dir, c.downloader, ledger.WithClock(c.now), ledger.WithLogger(c.logger))
		st := domain.Empty()
		if dir != nil {
			st = state.Load(ctx, dir, c.logger)
		}
		st.Owner = owner
		c.st = st
		c.viewStart = 0
		c.phase = PhaseReady

		c.logger.Info("Session onboarded",
			"owner", owner,
			"mode", c.ledger.Mode(),
			"chats", len(st.Chats),
			"recordings", len(st.Recordings))

		result = c.flush(ctx)
		c.pub.Publish(events.TypeState, c.view())
	})
	if err != nil {
		return err
	}
	return result
}

// OnStartupRevalidation re-acquires the remembered folder. With nothing
// remembered, or when the grant was revoked, the session falls back to
// onboarding with no retained state. A revoked grant is returned as an
// error wrapping grant.ErrCapabilityRevoked.
func (c *Controller) OnStartupRevalidation(ctx context.Context) (Phase, error) {
	var (
		phase  Phase
		result error
	)
	err := c.do(ctx, func(ctx context.Context) {
		dir, err := c.grant.Revalidate(ctx)
		if err != nil {
			c.resetLocked()
			if errors.Is(err, grant.ErrCapabilityRevoked) {
				result = err
			}
			c.pub.Publish(events.TypeOnboardingRequired, map[string]string{"reason": reasonFor(err)})
			phase = c.phase
			return
		}

		c.ledger = ledger.New(dir, c.downloader, ledger.WithClock(c.now), ledger.WithLogger(c.logger))
		c.st = state.Load(ctx, dir, c.logger)
		if c.st.Owner == "" {
			c.st.Owner = domain.UnknownOwner
		}
		c.viewStart = 0
		c.phase = PhaseReady
		c.pub.Publish(events.TypeState, c.view())
		phase = c.phase
	})
	if err != nil {
		return "", err
	}
	return phase, result
}

// RequestCapture re-asks for microphone access, e.g. after a startup
// revalidation where only the folder was re-acquired.
func (c *Controller) RequestCapture(ctx context.Context, p grant.Prompter) error {
	var result error
	err := c.do(ctx, func(ctx context.Context) {
		if err := c.grant.RequestCapture(ctx, p); err != nil {
			c.publishCapabilityError(err)
			result = err
			return
		}
		c.pub.Publish(events.TypeState, c.view())
	})
	if err != nil {
		return err
	}
	return result
}

// OnTranscript appends text as a chat turn unless it repeats the immediately
// preceding turn. It reports whether a turn was appended. A returned
// *state.WriteFailure means the turn was kept in memory but not flushed.
func (c *Controller) OnTranscript(ctx context.Context, text string) (bool, error) {
	text = strings.TrimSpace(text)

	var (
		appended bool
		result   error
	)
	err := c.do(ctx, func(ctx context.Context) {
		if c.phase != PhaseReady {
			result = ErrOnboardingRequired
			return
		}
		if text == "" || text == c.st.LastChatText() {
			return
		}

		turn := domain.ChatTurn{Text: text, Timestamp: domain.FormatTimestamp(c.now())}
		c.st = state.AppendChat(c.st, turn)
		appended = true

		result = c.flush(ctx)
		c.pub.Publish(events.TypeChatAppended, c.st.Chats[len(c.st.Chats)-1])
	})
	if err != nil {
		return false, err
	}
	return appended, result
}

// OnRecordingFinished commits blob under proposedName (or the capture-time
// default when empty) and indexes it in the session record.
func (c *Controller) OnRecordingFinished(ctx context.Context, proposedName string, blob []byte) (ledger.Receipt, error) {
	var (
		receipt ledger.Receipt
		result  error
	)
	err := c.do(ctx, func(ctx context.Context) {
		if c.phase != PhaseReady {
			result = ErrOnboardingRequired
			return
		}
		if !c.grant.CaptureGranted() {
			result = grant.Denied("microphone access has not been granted")
			return
		}

		r, err := c.ledger.Commit(ctx, proposedName, blob)
		if err != nil {
			c.logger.Warn("Failed to commit recording", "error", err, "name", proposedName)
			if !errors.Is(err, ledger.ErrInvalidName) {
				c.pub.Publish(events.TypeWriteFailed, map[string]string{"error": err.Error()})
			}
			result = err
			return
		}
		receipt = r
		c.st = state.AppendRecording(c.st, r.Entry)

		result = c.flush(ctx)
		c.pub.Publish(events.TypeRecordingSaved, r.Entry)
		if r.DownloadID != "" {
			c.pub.Publish(events.TypeDownloadReady, map[string]string{
				"id":       r.DownloadID,
				"fileName": r.Entry.FileName,
			})
		}
	})
	if err != nil {
		return ledger.Receipt{}, err
	}
	return receipt, result
}

// ClearTranscript starts a new chat: the transcript view is emptied while the
// persisted chats are kept.
func (c *Controller) ClearTranscript(ctx context.Context) error {
	return c.do(ctx, func(context.Context) {
		c.viewStart = len(c.st.Chats)
		c.pub.Publish(events.TypeTranscriptCleared, nil)
	})
}

// Transcript returns the text of the current transcript view, one turn per line.
func (c *Controller) Transcript(ctx context.Context) (string, error) {
	var text string
	err := c.do(ctx, func(context.Context) {
		lines := make([]string, 0, len(c.st.Chats)-c.viewStart)
		for _, turn := range c.st.Chats[c.viewStart:] {
			lines = append(lines, turn.Text)
		}
		text = strings.Join(lines, "\n")
	})
	return text, err
}

// Snapshot returns the current view.
func (c *Controller) Snapshot(ctx context.Context) (View, error) {
	var v View
	err := c.do(ctx, func(context.Context) { v = c.view() })
	return v, err
}

// Recordings returns the playback listing: the live folder enumeration in
// folder mode, the session index in download mode.
func (c *Controller) Recordings(ctx context.Context) ([]domain.Listing, error) {
	var (
		out    []domain.Listing
		result error
	)
	err := c.do(ctx, func(ctx context.Context) {
		if c.phase != PhaseReady {
			result = ErrOnboardingRequired
			return
		}
		out, result = c.ledger.List(ctx, c.st.Recordings)
	})
	if err != nil {
		return nil, err
	}
	return out, result
}

// OpenRecording resolves fileName for playback. In download mode it returns
// ledger.ErrPlaybackUnavailable: the user must supply the file manually.
func (c *Controller) OpenRecording(ctx context.Context, fileName string) (grant.File, grant.FileInfo, error) {
	var (
		f      grant.File
		info   grant.FileInfo
		result error
	)
	err := c.do(ctx, func(ctx context.Context) {
		if c.phase != PhaseReady {
			result = ErrOnboardingRequired
			return
		}
		f, info, result = c.ledger.Open(ctx, fileName)
	})
	if err != nil {
		return nil, grant.FileInfo{}, err
	}
	return f, info, result
}

// flush writes the full record. Download mode has no durable record, so
// there is nothing to flush.
func (c *Controller) flush(ctx context.Context) error {
	dir := c.grant.Directory()
	if dir == nil {
		return nil
	}
	if err := state.Save(ctx, dir, c.st); err != nil {
		c.logger.Warn("Failed to flush session record", "error", err, "path", dir.Path())
		c.pub.Publish(events.TypeWriteFailed, map[string]string{"error": err.Error()})
		return err
	}
	return nil
}

func (c *Controller) resetLocked() {
	c.phase = PhaseOnboarding
	c.st = domain.Empty()
	c.ledger = nil
	c.viewStart = 0
}

func (c *Controller) view() View {
	st := c.st.Clone()
	v := View{
		Phase:          c.phase,
		Owner:          st.Owner,
		CaptureGranted: c.grant.CaptureGranted(),
		Chats:          st.Chats,
		Recordings:     st.Recordings,
	}
	if c.ledger != nil {
		v.Mode = c.ledger.Mode()
	}
	return v
}

func (c *Controller) publishCapabilityError(err error) {
	c.pub.Publish(events.TypeCapabilityError, map[string]string{
		"condition": Condition(err),
		"error":     err.Error(),
	})
}

func reasonFor(err error) string {
	if errors.Is(err, grant.ErrNoGrant) {
		return "not_configured"
	}
	return Condition(err)
}

// Condition names the user-facing condition for err, as rendered by clients.
func Condition(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, grant.ErrCapabilityDenied):
		return "capability_denied"
	case errors.Is(err, grant.ErrCapabilityUnsupported):
		return "capability_unsupported"
	case errors.Is(err, grant.ErrCapabilityRevoked):
		return "capability_revoked"
	case errors.Is(err, state.ErrWriteFailure), errors.Is(err, ledger.ErrCommitFailed):
		return "write_failed"
	case errors.Is(err, ledger.ErrPlaybackUnavailable):
		return "playback_unavailable"
	case errors.Is(err, ledger.ErrInvalidName):
		return "invalid_name"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrOwnerRequired):
		return "owner_required"
	case errors.Is(err, ErrOnboardingRequired):
		return "onboarding_required"
	default:
		return "internal_error"
	}
}
