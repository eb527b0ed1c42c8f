package domain

import (
	"strings"
	"time"
)

// AudioExt is the extension of every recording file.
const AudioExt = ".webm"

// DefaultRecordingName derives a recording name from its capture time,
// e.g. recording_2024-05-01T10-20-30-123Z.
func DefaultRecordingName(capturedAt time.Time) string {
	ts := FormatTimestamp(capturedAt)
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	return "recording_" + ts
}

// Listing is one row of the recordings list shown to the user.
type Listing struct {
	FileName  string `json:"fileName"`
	Timestamp string `json:"timestamp"`
	Size      int64  `json:"size,omitempty"`
	// Playable is false when the file must be re-supplied by the user.
	Playable bool `json:"playable"`
}
