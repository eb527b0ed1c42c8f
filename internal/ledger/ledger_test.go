package ledger

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/talkrecorder/internal/domain"
	"github.com/ashureev/talkrecorder/internal/grant"
)

var fixedNow = time.Date(2024, 5, 1, 10, 20, 30, 123_000_000, time.UTC)

func fixedClock() time.Time { return fixedNow }

func newFolderLedger(t *testing.T) (*Ledger, *grant.LocalDirectory) {
	t.Helper()
	dir, err := grant.OpenLocalDirectory(t.TempDir())
	if err != nil {
		t.Fatalf("OpenLocalDirectory failed: %v", err)
	}
	return New(dir, nil, WithClock(fixedClock)), dir
}

func TestFileNameFor(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"test", "test.webm", false},
		{"  test  ", "test.webm", false},
		{"test.webm", "test.webm", false},
		{"", "recording_2024-05-01T10-20-30-123Z.webm", false},
		{"..", "", true},
		{"../evil", "", true},
		{"a/b", "", true},
		{`a\b`, "", true},
	}
	for _, tt := range tests {
		got, err := FileNameFor(tt.name, fixedNow)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidName) {
				t.Errorf("FileNameFor(%q): expected ErrInvalidName, got %v", tt.name, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("FileNameFor(%q) = %q, %v; want %q", tt.name, got, err, tt.want)
		}
	}
}

func TestFolderCommitWritesFile(t *testing.T) {
	l, dir := newFolderLedger(t)
	if l.Mode() != ModeFolder {
		t.Fatalf("expected folder mode, got %s", l.Mode())
	}

	receipt, err := l.Commit(context.Background(), "test", []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	want := domain.RecordingEntry{FileName: "test.webm", Timestamp: "2024-05-01T10:20:30.123Z"}
	if receipt.Entry != want || receipt.DownloadID != "" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	data, err := os.ReadFile(filepath.Join(dir.Path(), "test.webm"))
	if err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}
	if len(data) != 3 || data[0] != 1 || data[2] != 3 {
		t.Fatalf("unexpected content %v", data)
	}
}

func TestFolderCommitOverwritesSameName(t *testing.T) {
	l, dir := newFolderLedger(t)
	ctx := context.Background()

	if _, err := l.Commit(ctx, "take", []byte("first")); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Commit(ctx, "take", []byte("second")); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir.Path(), "take.webm"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Fatalf("expected last write to win, got %q", data)
	}
}

func TestFolderListEnumeratesAudioFilesOnly(t *testing.T) {
	l, dir := newFolderLedger(t)
	ctx := context.Background()

	for name, content := range map[string]string{
		"b.webm":                 "bb",
		"a.webm":                 "a",
		"talkrecorder_data.json": "{}",
		"notes.txt":              "x",
	} {
		if err := os.WriteFile(filepath.Join(dir.Path(), name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	// The index is ignored in folder mode.
	index := []domain.RecordingEntry{{FileName: "ghost.webm"}}
	got, err := l.List(ctx, index)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 || got[0].FileName != "a.webm" || got[1].FileName != "b.webm" {
		t.Fatalf("unexpected listing %+v", got)
	}
	if !got[0].Playable || got[1].Size != 2 {
		t.Fatalf("unexpected listing details %+v", got)
	}
}

func TestFolderOpen(t *testing.T) {
	l, _ := newFolderLedger(t)
	ctx := context.Background()
	if _, err := l.Commit(ctx, "play", []byte("audio")); err != nil {
		t.Fatal(err)
	}

	f, info, err := l.Open(ctx, "play.webm")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = f.Close() }()
	data, _ := io.ReadAll(f)
	if string(data) != "audio" || info.Size != 5 {
		t.Fatalf("unexpected playback %q size %d", data, info.Size)
	}

	if _, _, err := l.Open(ctx, "missing.webm"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := l.Open(ctx, "../x.webm"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
	if _, _, err := l.Open(ctx, "talkrecorder_data.json"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName for non-audio file, got %v", err)
	}
}

func TestDownloadModeCommit(t *testing.T) {
	outbox := NewOutbox(time.Minute)
	l := New(nil, outbox, WithClock(fixedClock))
	if l.Mode() != ModeDownload {
		t.Fatalf("expected download mode, got %s", l.Mode())
	}

	receipt, err := l.Commit(context.Background(), "test", []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if receipt.Entry.FileName != "test.webm" || receipt.DownloadID == "" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	d, err := outbox.Take(receipt.DownloadID)
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	if d.Name != "TalkRecorder/test.webm" || len(d.Blob) != 3 {
		t.Fatalf("unexpected download %+v", d)
	}

	listing, err := l.List(context.Background(), []domain.RecordingEntry{receipt.Entry})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listing) != 1 || listing[0].FileName != "test.webm" || listing[0].Playable {
		t.Fatalf("unexpected listing %+v", listing)
	}

	if _, _, err := l.Open(context.Background(), "test.webm"); !errors.Is(err, ErrPlaybackUnavailable) {
		t.Fatalf("expected ErrPlaybackUnavailable, got %v", err)
	}
}

func TestDownloadModeWithoutDownloader(t *testing.T) {
	l := New(nil, nil)
	if _, err := l.Commit(context.Background(), "x", nil); err == nil {
		t.Fatal("expected error without downloader")
	}
}
