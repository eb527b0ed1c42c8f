// Package state owns the serialization of the session record to the
// directory capability.
//
// Durability model: every mutation is followed by a Save of the full record.
// There are no delta writes, and a failed Save never rolls back the caller's
// in-memory state; the next successful Save carries it to disk.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/ashureev/talkrecorder/internal/domain"
	"github.com/ashureev/talkrecorder/internal/grant"
)

// FileName is the name of the session record inside the granted folder.
const FileName = "talkrecorder_data.json"

// ErrWriteFailure matches every *WriteFailure.
var ErrWriteFailure = errors.New("write failure")

// WriteFailure reports that the session record could not be flushed.
type WriteFailure struct {
	Err error
}

func (e *WriteFailure) Error() string {
	return "save session record: " + e.Err.Error()
}

func (e *WriteFailure) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrWriteFailure) match.
func (e *WriteFailure) Is(target error) bool {
	return target == ErrWriteFailure
}

// Load reads the session record from dir. A missing or malformed record
// yields an empty state; Load never fails.
func Load(ctx context.Context, dir grant.Directory, logger *slog.Logger) domain.SessionState {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == nil {
		return domain.Empty()
	}

	data, err := dir.ReadFile(ctx, FileName)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("No session record found, starting empty", "path", dir.Path())
		return domain.Empty()
	}
	if err != nil {
		logger.Warn("Failed to read session record, starting empty", "error", err, "path", dir.Path())
		return domain.Empty()
	}

	st, err := Decode(data)
	if err != nil {
		logger.Warn("Session record is corrupt, starting empty", "error", err, "path", dir.Path())
		return domain.Empty()
	}
	return st
}

// Save writes the full state to dir atomically. Failures are returned as *WriteFailure.
func Save(ctx context.Context, dir grant.Directory, st domain.SessionState) error {
	if dir == nil {
		return &WriteFailure{Err: errors.New("no folder capability")}
	}
	data, err := Encode(st)
	if err != nil {
		return &WriteFailure{Err: err}
	}
	if err := dir.WriteFile(ctx, FileName, data); err != nil {
		return &WriteFailure{Err: err}
	}
	return nil
}

// Encode renders st as the persisted JSON record, deriving each chat name.
func Encode(st domain.SessionState) ([]byte, error) {
	out := st.Clone()
	for i := range out.Chats {
		out.Chats[i].Name = domain.ChatName(out.Chats[i].Text)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode session record: %w", err)
	}
	return data, nil
}

// Decode parses a persisted record. Absent fields become empty sequences and
// an absent owner becomes domain.UnknownOwner.
func Decode(data []byte) (domain.SessionState, error) {
	var raw struct {
		Owner      string                  `json:"owner"`
		Chats      []domain.ChatTurn       `json:"chats"`
		Recordings []domain.RecordingEntry `json:"recordings"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.SessionState{}, fmt.Errorf("decode session record: %w", err)
	}

	st := domain.Empty()
	st.Owner = raw.Owner
	if st.Owner == "" {
		st.Owner = domain.UnknownOwner
	}
	for _, c := range raw.Chats {
		if c.Name == "" {
			c.Name = domain.ChatName(c.Text)
		}
		st.Chats = append(st.Chats, c)
	}
	st.Recordings = append(st.Recordings, raw.Recordings...)
	return st, nil
}

// AppendChat returns st with turn appended and its name derived. The result
// shares no slices with st. The caller must Save afterwards.
func AppendChat(st domain.SessionState, turn domain.ChatTurn) domain.SessionState {
	out := st.Clone()
	turn.Name = domain.ChatName(turn.Text)
	out.Chats = append(out.Chats, turn)
	return out
}

// AppendRecording returns st with entry appended. An existing entry with the
// same file name is replaced in place, keeping file names unique. The caller
// must Save afterwards.
func AppendRecording(st domain.SessionState, entry domain.RecordingEntry) domain.SessionState {
	out := st.Clone()
	for i := range out.Recordings {
		if out.Recordings[i].FileName == entry.FileName {
			out.Recordings[i] = entry
			return out
		}
	}
	out.Recordings = append(out.Recordings, entry)
	return out
}
