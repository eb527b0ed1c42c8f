// Package grant gates durable storage and audio capture behind explicit,
// revocable user consent.
//
// A Grant moves between Unconfigured, Granted, Denied and Unsupported.
// Denied and Unsupported only describe the latest attempt; callers may ask
// again. A remembered folder is re-acquired silently on startup through
// Revalidate, and a failed revalidation clears the remembered grant.
package grant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/talkrecorder/internal/store"
)

var (
	// ErrCapabilityDenied indicates the user refused microphone or folder access.
	ErrCapabilityDenied = errors.New("capability denied")

	// ErrCapabilityUnsupported indicates the platform offers no folder access.
	// Sessions continue in download mode.
	ErrCapabilityUnsupported = errors.New("capability unsupported")

	// ErrCapabilityRevoked indicates previously granted folder access is no longer valid.
	ErrCapabilityRevoked = errors.New("capability revoked")

	// ErrNoGrant indicates there is no remembered folder to revalidate.
	ErrNoGrant = errors.New("no remembered grant")
)

// Denied returns an ErrCapabilityDenied carrying reason.
func Denied(reason string) error {
	return fmt.Errorf("%w: %s", ErrCapabilityDenied, reason)
}

// Status is the directory capability state.
type Status int

const (
	StatusUnconfigured Status = iota
	StatusGranted
	StatusDenied
	StatusUnsupported
)

func (s Status) String() string {
	switch s {
	case StatusGranted:
		return "granted"
	case StatusDenied:
		return "denied"
	case StatusUnsupported:
		return "unsupported"
	default:
		return "unconfigured"
	}
}

// Prompter is the consent surface: it asks the user for a capability and
// reports the outcome.
type Prompter interface {
	// RequestCapture asks for microphone access.
	RequestCapture(ctx context.Context) error

	// RequestDirectory asks for a read-write folder.
	RequestDirectory(ctx context.Context) (Directory, error)
}

// Opener re-acquires a Directory from a remembered path.
type Opener func(path string) (Directory, error)

// Grant owns the capture and directory capabilities of one session.
// It is not safe for concurrent use; the session controller serializes calls.
type Grant struct {
	prefs        store.Preferences
	open         Opener
	folderAccess bool
	logger       *slog.Logger

	status  Status
	capture bool
	dir     Directory
}

// Options configures a Grant.
type Options struct {
	// FolderAccess=false makes every directory request Unsupported.
	FolderAccess bool
	// Open re-acquires remembered folders. Defaults to OpenLocalDirectory.
	Open   Opener
	Logger *slog.Logger
}

// New creates a Grant persisting its flag in prefs.
func New(prefs store.Preferences, opts Options) *Grant {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Open == nil {
		opts.Open = func(path string) (Directory, error) {
			return OpenLocalDirectory(path)
		}
	}
	return &Grant{
		prefs:        prefs,
		open:         opts.Open,
		folderAccess: opts.FolderAccess,
		logger:       opts.Logger,
	}
}

// Status returns the directory capability state.
func (g *Grant) Status() Status { return g.status }

// CaptureGranted reports whether microphone access is usable.
func (g *Grant) CaptureGranted() bool { return g.capture }

// Directory returns the current folder capability, or nil when the session has
// no durable storage.
func (g *Grant) Directory() Directory { return g.dir }

// RequestCapture asks p for microphone access.
func (g *Grant) RequestCapture(ctx context.Context, p Prompter) error {
	if err := p.RequestCapture(ctx); err != nil {
		g.capture = false
		if !errors.Is(err, ErrCapabilityDenied) {
			err = fmt.Errorf("%w: %w", ErrCapabilityDenied, err)
		}
		g.logger.Warn("Microphone access denied", "error", err)
		return err
	}
	g.capture = true
	return nil
}

// RequestDirectory asks p for a read-write folder. On the first success the
// "granted" flag and folder path are persisted.
func (g *Grant) RequestDirectory(ctx context.Context, p Prompter) (Directory, error) {
	if !g.folderAccess {
		g.status = StatusUnsupported
		g.dir = nil
		return nil, ErrCapabilityUnsupported
	}

	dir, err := p.RequestDirectory(ctx)
	switch {
	case errors.Is(err, ErrCapabilityUnsupported):
		g.status = StatusUnsupported
		g.dir = nil
		return nil, err
	case err != nil:
		g.status = StatusDenied
		g.dir = nil
		if !errors.Is(err, ErrCapabilityDenied) {
			err = fmt.Errorf("%w: %w", ErrCapabilityDenied, err)
		}
		g.logger.Warn("Folder access denied", "error", err)
		return nil, err
	case dir == nil:
		g.status = StatusDenied
		return nil, Denied("no folder selected")
	}

	g.status = StatusGranted
	g.dir = dir

	if err := g.remember(ctx, dir.Path()); err != nil {
		// The grant is valid for this process even if it cannot be remembered.
		g.logger.Warn("Failed to persist folder grant", "error", err, "path", dir.Path())
	}
	return dir, nil
}

// Revalidate silently re-acquires the remembered folder. It returns ErrNoGrant
// when nothing is remembered, and ErrCapabilityRevoked (after clearing the
// remembered grant) when the folder is no longer usable.
func (g *Grant) Revalidate(ctx context.Context) (Directory, error) {
	granted, path, err := g.remembered(ctx)
	if err != nil {
		g.logger.Warn("Failed to read remembered grant", "error", err)
		return nil, ErrNoGrant
	}
	if !granted {
		return nil, ErrNoGrant
	}
	if !g.folderAccess {
		return nil, g.revoke(ctx, errors.New("folder access disabled"))
	}

	dir, err := g.open(path)
	if err == nil {
		err = dir.Verify(ctx)
	}
	if err != nil {
		return nil, g.revoke(ctx, err)
	}

	g.status = StatusGranted
	g.dir = dir
	g.logger.Info("Folder grant revalidated", "path", path)
	return dir, nil
}

// Reset drops the in-process capabilities without touching the remembered flag.
func (g *Grant) Reset() {
	g.status = StatusUnconfigured
	g.capture = false
	g.dir = nil
}

func (g *Grant) revoke(ctx context.Context, cause error) error {
	g.logger.Warn("Folder grant revoked", "error", cause)
	g.Reset()
	if err := g.forget(ctx); err != nil {
		g.logger.Warn("Failed to clear remembered grant", "error", err)
	}
	return fmt.Errorf("%w: %w", ErrCapabilityRevoked, cause)
}

func (g *Grant) remember(ctx context.Context, path string) error {
	if err := g.prefs.Set(ctx, store.KeyDirectoryPath, path); err != nil {
		return err
	}
	return g.prefs.Set(ctx, store.KeyPermissionsGranted, "true")
}

func (g *Grant) forget(ctx context.Context) error {
	if err := g.prefs.Delete(ctx, store.KeyPermissionsGranted); err != nil {
		return err
	}
	return g.prefs.Delete(ctx, store.KeyDirectoryPath)
}

func (g *Grant) remembered(ctx context.Context) (bool, string, error) {
	flag, ok, err := g.prefs.Get(ctx, store.KeyPermissionsGranted)
	if err != nil || !ok || flag != "true" {
		return false, "", err
	}
	path, ok, err := g.prefs.Get(ctx, store.KeyDirectoryPath)
	if err != nil {
		return false, "", err
	}
	if !ok || path == "" {
		// Flag without a folder cannot be re-acquired; treat as revoked.
		return true, "", nil
	}
	return true, path, nil
}
