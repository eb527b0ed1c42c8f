// Package ledger maps logical recording entries to physical audio artifacts.
//
// With a folder capability (Mode A) recordings are files inside the folder
// and the folder itself is the authoritative listing. Without one (Mode B)
// each recording is handed out once as a download and only its metadata
// entry is kept.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/ashureev/talkrecorder/internal/domain"
	"github.com/ashureev/talkrecorder/internal/grant"
)

// DownloadPrefix is prepended to the suggested file name of Mode B downloads.
const DownloadPrefix = "TalkRecorder/"

var (
	// ErrPlaybackUnavailable indicates the recording must be re-supplied by the user.
	ErrPlaybackUnavailable = errors.New("playback unavailable")

	// ErrInvalidName indicates a recording name that is not a plain file name.
	ErrInvalidName = errors.New("invalid recording name")

	// ErrNotFound indicates the recording file does not exist.
	ErrNotFound = errors.New("recording not found")

	// ErrCommitFailed indicates the audio could not be stored or offered.
	ErrCommitFailed = errors.New("recording commit failed")
)

// Mode is the storage mode of the ledger.
type Mode string

const (
	ModeFolder   Mode = "folder"
	ModeDownload Mode = "download"
)

// Downloader delivers a blob to the user without the system keeping a handle to it.
type Downloader interface {
	Offer(ctx context.Context, suggestedName string, blob []byte) (string, error)
}

// Ledger commits, lists and opens recordings for one storage mode.
type Ledger struct {
	dir        grant.Directory
	downloader Downloader
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for timestamps and default names.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New returns a Ledger in folder mode when dir is non-nil and in download
// mode otherwise.
func New(dir grant.Directory, downloader Downloader, opts ...Option) *Ledger {
	l := &Ledger{
		dir:        dir,
		downloader: downloader,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Mode returns the storage mode.
func (l *Ledger) Mode() Mode {
	if l.dir != nil {
		return ModeFolder
	}
	return ModeDownload
}

// Receipt is the outcome of a Commit.
type Receipt struct {
	Entry domain.RecordingEntry
	// DownloadID is set in download mode and identifies the one-shot download.
	DownloadID string
}

// Commit stores blob under name and returns its metadata entry. An empty
// name is replaced by the capture-time default. In folder mode an existing
// file with the same name is overwritten.
func (l *Ledger) Commit(ctx context.Context, name string, blob []byte) (Receipt, error) {
	now := l.now()
	fileName, err := FileNameFor(name, now)
	if err != nil {
		return Receipt{}, err
	}
	entry := domain.RecordingEntry{FileName: fileName, Timestamp: domain.FormatTimestamp(now)}

	if l.dir == nil {
		if l.downloader == nil {
			return Receipt{}, fmt.Errorf("%w: no downloader configured", ErrCommitFailed)
		}
		id, err := l.downloader.Offer(ctx, DownloadPrefix+fileName, blob)
		if err != nil {
			return Receipt{}, fmt.Errorf("%w: offer download: %w", ErrCommitFailed, err)
		}
		l.logger.Info("Recording offered as download", "file_name", fileName, "download_id", id, "bytes", len(blob))
		return Receipt{Entry: entry, DownloadID: id}, nil
	}

	if exists, err := l.dir.Exists(ctx, fileName); err == nil && exists {
		// Same name in the same folder: last write wins.
		l.logger.Warn("Overwriting existing recording", "file_name", fileName)
	}
	if err := l.dir.WriteFile(ctx, fileName, blob); err != nil {
		return Receipt{}, fmt.Errorf("%w: write %s: %w", ErrCommitFailed, fileName, err)
	}
	l.logger.Info("Recording saved", "file_name", fileName, "bytes", len(blob))
	return Receipt{Entry: entry}, nil
}

// List returns the recordings shown to the user. In folder mode the folder's
// audio files are enumerated live and index is ignored; in download mode the
// index is the only record.
func (l *Ledger) List(ctx context.Context, index []domain.RecordingEntry) ([]domain.Listing, error) {
	if l.dir == nil {
		out := make([]domain.Listing, 0, len(index))
		for _, e := range index {
			out = append(out, domain.Listing{FileName: e.FileName, Timestamp: e.Timestamp})
		}
		return out, nil
	}

	files, err := l.dir.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	out := make([]domain.Listing, 0, len(files))
	for _, f := range files {
		if !strings.HasSuffix(f.Name, domain.AudioExt) {
			continue
		}
		out = append(out, domain.Listing{
			FileName:  f.Name,
			Timestamp: domain.FormatTimestamp(f.ModTime),
			Size:      f.Size,
			Playable:  true,
		})
	}
	return out, nil
}

// Open resolves fileName for playback. In download mode it always returns
// ErrPlaybackUnavailable.
func (l *Ledger) Open(ctx context.Context, fileName string) (grant.File, grant.FileInfo, error) {
	if l.dir == nil {
		return nil, grant.FileInfo{}, ErrPlaybackUnavailable
	}
	if !strings.HasSuffix(fileName, domain.AudioExt) {
		return nil, grant.FileInfo{}, fmt.Errorf("%w: %q", ErrInvalidName, fileName)
	}
	f, info, err := l.dir.Open(ctx, fileName)
	switch {
	case errors.Is(err, grant.ErrInvalidFileName):
		return nil, grant.FileInfo{}, fmt.Errorf("%w: %q", ErrInvalidName, fileName)
	case errors.Is(err, fs.ErrNotExist):
		return nil, grant.FileInfo{}, fmt.Errorf("%w: %s", ErrNotFound, fileName)
	case err != nil:
		return nil, grant.FileInfo{}, err
	}
	return f, info, nil
}

// FileNameFor turns a user-supplied name into a recording file name.
func FileNameFor(name string, capturedAt time.Time) (string, error) {
	name = strings.TrimSpace(name)
	name = strings.TrimSuffix(name, domain.AudioExt)
	if name == "" {
		name = domain.DefaultRecordingName(capturedAt)
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || path.Base(name) != name ||
		strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name + domain.AudioExt, nil
}
