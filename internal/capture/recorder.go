package capture

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrNotRecording is returned for audio or stop signals outside a recording.
	ErrNotRecording = errors.New("no recording in progress")

	// ErrTooLarge is returned when a recording exceeds the size limit. The
	// recording is dropped.
	ErrTooLarge = errors.New("recording too large")
)

// DefaultMaxBytes bounds a single recording when no limit is configured.
const DefaultMaxBytes = 64 << 20

// Recorder accumulates the audio chunks of the current recording. It is not
// safe for concurrent use; each connection owns one.
type Recorder struct {
	max    int64
	buf    bytes.Buffer
	active bool
}

// NewRecorder creates a recorder that rejects recordings above maxBytes.
func NewRecorder(maxBytes int64) *Recorder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Recorder{max: maxBytes}
}

// Start begins a new recording, dropping any unfinished one. It reports
// whether an unfinished recording was dropped.
func (r *Recorder) Start() bool {
	dropped := r.active && r.buf.Len() > 0
	r.buf.Reset()
	r.active = true
	return dropped
}

// Append adds a chunk to the current recording.
func (r *Recorder) Append(chunk []byte) error {
	if !r.active {
		return ErrNotRecording
	}
	if int64(r.buf.Len())+int64(len(chunk)) > r.max {
		r.Discard()
		return fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, r.max)
	}
	r.buf.Write(chunk)
	return nil
}

// Stop ends the recording and returns its audio.
func (r *Recorder) Stop() ([]byte, error) {
	if !r.active {
		return nil, ErrNotRecording
	}
	blob := bytes.Clone(r.buf.Bytes())
	if blob == nil {
		blob = []byte{}
	}
	r.buf.Reset()
	r.active = false
	return blob, nil
}

// Discard drops the current recording. It reports whether one was active.
func (r *Recorder) Discard() bool {
	was := r.active
	r.buf.Reset()
	r.active = false
	return was
}

// Active reports whether a recording is in progress.
func (r *Recorder) Active() bool { return r.active }

// Len returns the number of buffered bytes.
func (r *Recorder) Len() int { return r.buf.Len() }
