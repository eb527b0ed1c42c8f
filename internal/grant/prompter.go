package grant

import (
	"context"
	"strings"
)

// ClientPrompter replays consent decisions already taken by the browser
// client: the microphone prompt outcome and the folder the user picked.
type ClientPrompter struct {
	CaptureGranted bool
	CaptureError   string

	FolderPath        string
	FolderUnsupported bool
}

var _ Prompter = ClientPrompter{}

// RequestCapture reports the client's microphone decision.
func (p ClientPrompter) RequestCapture(_ context.Context) error {
	if p.CaptureGranted {
		return nil
	}
	reason := strings.TrimSpace(p.CaptureError)
	if reason == "" {
		reason = "microphone permission not granted"
	}
	return Denied(reason)
}

// RequestDirectory opens the folder the client picked.
func (p ClientPrompter) RequestDirectory(_ context.Context) (Directory, error) {
	if p.FolderUnsupported {
		return nil, ErrCapabilityUnsupported
	}
	if strings.TrimSpace(p.FolderPath) == "" {
		return nil, Denied("no folder selected")
	}
	dir, err := OpenLocalDirectory(p.FolderPath)
	if err != nil {
		return nil, Denied(err.Error())
	}
	return dir, nil
}
