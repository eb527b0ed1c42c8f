package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/ashureev/talkrecorder/internal/domain"
	"github.com/ashureev/talkrecorder/internal/grant"
)

func newDir(t *testing.T) *grant.LocalDirectory {
	t.Helper()
	d, err := grant.OpenLocalDirectory(t.TempDir())
	if err != nil {
		t.Fatalf("OpenLocalDirectory failed: %v", err)
	}
	return d
}

type failingDir struct {
	*grant.LocalDirectory
}

func (f failingDir) WriteFile(context.Context, string, []byte) error {
	return errors.New("quota exceeded")
}

func TestLoadMissingRecordIsEmpty(t *testing.T) {
	st := Load(context.Background(), newDir(t), nil)
	if !st.IsEmpty() {
		t.Fatalf("expected empty state, got %+v", st)
	}
	if st.Chats == nil || st.Recordings == nil {
		t.Fatal("expected non-nil sequences")
	}
}

func TestLoadCorruptRecordIsEmpty(t *testing.T) {
	d := newDir(t)
	if err := os.WriteFile(filepath.Join(d.Path(), FileName), []byte(`{"owner": "x", "chats": [`), 0o644); err != nil {
		t.Fatal(err)
	}

	st := Load(context.Background(), d, nil)
	if !st.IsEmpty() {
		t.Fatalf("expected empty state for corrupt record, got %+v", st)
	}
}

func TestLoadNilDirectory(t *testing.T) {
	if st := Load(context.Background(), nil, nil); !st.IsEmpty() {
		t.Fatalf("expected empty state, got %+v", st)
	}
}

func TestLoadDefaultsOwnerAndNames(t *testing.T) {
	d := newDir(t)
	record := `{"chats":[{"text":"uno\ndos","timestamp":"2024-01-01T00:00:00.000Z"}]}`
	if err := os.WriteFile(filepath.Join(d.Path(), FileName), []byte(record), 0o644); err != nil {
		t.Fatal(err)
	}

	st := Load(context.Background(), d, nil)
	if st.Owner != domain.UnknownOwner {
		t.Fatalf("expected owner %q, got %q", domain.UnknownOwner, st.Owner)
	}
	if len(st.Chats) != 1 || st.Chats[0].Name != "uno" {
		t.Fatalf("unexpected chats: %+v", st.Chats)
	}
	if st.Recordings == nil {
		t.Fatal("expected non-nil recordings")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newDir(t)

	st := domain.Empty()
	st.Owner = "Juan Pérez"

	steps := []func(domain.SessionState) domain.SessionState{
		func(s domain.SessionState) domain.SessionState {
			return AppendChat(s, domain.ChatTurn{Text: "hola mundo", Timestamp: "2024-01-01T00:00:00.000Z"})
		},
		func(s domain.SessionState) domain.SessionState {
			return AppendRecording(s, domain.RecordingEntry{FileName: "test.webm", Timestamp: "2024-01-01T00:00:01.000Z"})
		},
		func(s domain.SessionState) domain.SessionState {
			return AppendChat(s, domain.ChatTurn{Text: "línea uno\nlínea dos", Timestamp: "2024-01-01T00:00:02.000Z"})
		},
	}

	for i, step := range steps {
		st = step(st)
		if err := Save(ctx, d, st); err != nil {
			t.Fatalf("step %d: Save failed: %v", i, err)
		}
		got := Load(ctx, d, nil)
		if !reflect.DeepEqual(got, st) {
			t.Fatalf("step %d: round trip mismatch\n got: %+v\nwant: %+v", i, got, st)
		}
	}
}

func TestSaveFailureKeepsLastGoodRecord(t *testing.T) {
	ctx := context.Background()
	d := newDir(t)

	saved := AppendChat(domain.SessionState{Owner: "ana"}, domain.ChatTurn{Text: "uno"})
	if err := Save(ctx, d, saved); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	next := AppendChat(saved, domain.ChatTurn{Text: "dos"})
	err := Save(ctx, failingDir{d}, next)
	if !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("expected ErrWriteFailure, got %v", err)
	}
	var wf *WriteFailure
	if !errors.As(err, &wf) || !strings.Contains(wf.Err.Error(), "quota") {
		t.Fatalf("expected wrapped cause, got %v", err)
	}

	got := Load(ctx, d, nil)
	if len(got.Chats) != 1 {
		t.Fatalf("expected last successfully saved state, got %+v", got.Chats)
	}
}

func TestSaveWithoutDirectory(t *testing.T) {
	if err := Save(context.Background(), nil, domain.Empty()); !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("expected ErrWriteFailure, got %v", err)
	}
}

func TestEncodeShape(t *testing.T) {
	st := domain.Empty()
	st.Owner = "ana"
	st.Chats = append(st.Chats, domain.ChatTurn{Text: "a\nb", Timestamp: "t"})

	data, err := Encode(st)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	want := `{
  "owner": "ana",
  "chats": [
    {
      "text": "a\nb",
      "timestamp": "t",
      "name": "a"
    }
  ],
  "recordings": []
}`
	if string(data) != want {
		t.Fatalf("unexpected encoding:\n%s", data)
	}
}

func TestAppendDoesNotAliasInput(t *testing.T) {
	base := domain.Empty()
	base.Chats = make([]domain.ChatTurn, 0, 4)
	a := AppendChat(base, domain.ChatTurn{Text: "a"})
	b := AppendChat(base, domain.ChatTurn{Text: "b"})
	if a.Chats[0].Text != "a" || b.Chats[0].Text != "b" {
		t.Fatalf("appends aliased each other: %v %v", a.Chats, b.Chats)
	}
	if len(base.Chats) != 0 {
		t.Fatal("input state was mutated")
	}
}

func TestAppendRecordingReplacesSameName(t *testing.T) {
	st := AppendRecording(domain.Empty(), domain.RecordingEntry{FileName: "a.webm", Timestamp: "1"})
	st = AppendRecording(st, domain.RecordingEntry{FileName: "b.webm", Timestamp: "2"})
	st = AppendRecording(st, domain.RecordingEntry{FileName: "a.webm", Timestamp: "3"})

	want := []domain.RecordingEntry{{FileName: "a.webm", Timestamp: "3"}, {FileName: "b.webm", Timestamp: "2"}}
	if !reflect.DeepEqual(st.Recordings, want) {
		t.Fatalf("unexpected recordings: %+v", st.Recordings)
	}
}
