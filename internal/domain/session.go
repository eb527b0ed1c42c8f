// Package domain contains core domain types for the talkrecorder application.
package domain

import (
	"strings"
	"time"
)

// TimestampLayout is the ISO-8601 layout used for every persisted timestamp.
// It matches the millisecond UTC form produced by browsers.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// UnknownOwner is used when a loaded record carries no owner.
const UnknownOwner = "Unknown"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ChatTurn is one transcribed utterance.
type ChatTurn struct {
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Name      string `json:"name"`
}

// ChatName returns the first line of text.
func ChatName(text string) string {
	name, _, _ := strings.Cut(text, "\n")
	return name
}

// RecordingEntry is the metadata index entry for one audio artifact.
type RecordingEntry struct {
	FileName  string `json:"fileName"`
	Timestamp string `json:"timestamp"`
}

// SessionState is the single persisted record.
type SessionState struct {
	Owner      string           `json:"owner"`
	Chats      []ChatTurn       `json:"chats"`
	Recordings []RecordingEntry `json:"recordings"`
}

// Empty returns a state with non-nil sequences so it serializes as [] rather than null.
func Empty() SessionState {
	return SessionState{
		Chats:      []ChatTurn{},
		Recordings: []RecordingEntry{},
	}
}

// Clone returns a deep copy that shares no slices with s.
func (s SessionState) Clone() SessionState {
	out := SessionState{
		Owner:      s.Owner,
		Chats:      make([]ChatTurn, len(s.Chats)),
		Recordings: make([]RecordingEntry, len(s.Recordings)),
	}
	copy(out.Chats, s.Chats)
	copy(out.Recordings, s.Recordings)
	return out
}

// LastChatText returns the text of the most recent chat turn, or "" if none.
func (s SessionState) LastChatText() string {
	if len(s.Chats) == 0 {
		return ""
	}
	return s.Chats[len(s.Chats)-1].Text
}

// IsEmpty reports whether s holds no owner, chats or recordings.
func (s SessionState) IsEmpty() bool {
	return s.Owner == "" && len(s.Chats) == 0 && len(s.Recordings) == 0
}
