package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/ashureev/talkrecorder/internal/domain"
	"github.com/ashureev/talkrecorder/internal/grant"
	"github.com/ashureev/talkrecorder/internal/ledger"
	"github.com/ashureev/talkrecorder/internal/session"
	"github.com/ashureev/talkrecorder/internal/state"
	"github.com/go-chi/chi/v5"
)

const maxJSONBody = 1 << 20

// ConfigResponse tells the client which capabilities the server offers.
type ConfigResponse struct {
	FolderAccess      bool   `json:"folder_access"`
	RecognizerEnabled bool   `json:"recognizer_enabled"`
	AudioExt          string `json:"audio_ext"`
}

// StateResponse is the session view plus a non-fatal warning.
type StateResponse struct {
	session.View
	Warning string `json:"warning,omitempty"`
}

// OnboardRequest carries the owner name and the consent decisions the
// browser collected.
type OnboardRequest struct {
	Owner             string `json:"owner"`
	Folder            string `json:"folder"`
	CaptureGranted    bool   `json:"capture_granted"`
	CaptureError      string `json:"capture_error"`
	FolderUnsupported bool   `json:"folder_unsupported"`
}

// CaptureRequest reports a microphone prompt outcome.
type CaptureRequest struct {
	Granted bool   `json:"granted"`
	Error   string `json:"error"`
}

// TranscriptRequest is one transcript event.
type TranscriptRequest struct {
	Text string `json:"text"`
}

// TranscriptResponse reports whether the text became a chat turn.
type TranscriptResponse struct {
	Appended bool   `json:"appended"`
	Warning  string `json:"warning,omitempty"`
}

// RecordingResponse describes a committed recording.
type RecordingResponse struct {
	Entry      domain.RecordingEntry `json:"entry"`
	DownloadID string                `json:"download_id,omitempty"`
	Warning    string                `json:"warning,omitempty"`
}

// GetConfig handles GET /api/config.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, ConfigResponse{
		FolderAccess:      h.folderAccess,
		RecognizerEnabled: h.recognizerEnabled,
		AudioExt:          domain.AudioExt,
	})
}

// GetState handles GET /api/state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	v, err := h.ctrl.Snapshot(r.Context())
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, StateResponse{View: v})
}

// Onboard handles POST /api/onboard.
func (h *Handler) Onboard(w http.ResponseWriter, r *http.Request) {
	var req OnboardRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p := grant.ClientPrompter{
		CaptureGranted:    req.CaptureGranted,
		CaptureError:      req.CaptureError,
		FolderPath:        req.Folder,
		FolderUnsupported: req.FolderUnsupported,
	}
	err := h.ctrl.Onboard(r.Context(), req.Owner, p)
	if err != nil && !errors.Is(err, state.ErrWriteFailure) {
		Fail(w, err)
		return
	}

	v, snapErr := h.ctrl.Snapshot(r.Context())
	if snapErr != nil {
		Fail(w, snapErr)
		return
	}
	h.logger.Info("Onboarding completed", "owner", v.Owner, "mode", v.Mode)
	JSON(w, http.StatusOK, StateResponse{View: v, Warning: warning(err)})
}

// ReportCapture handles POST /api/capture.
func (h *Handler) ReportCapture(w http.ResponseWriter, r *http.Request) {
	var req CaptureRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := h.ctrl.RequestCapture(r.Context(), grant.ClientPrompter{
		CaptureGranted: req.Granted,
		CaptureError:   req.Error,
	})
	if err != nil {
		Fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetTranscript handles GET /api/transcript. The body is the plain text of
// the current transcript view, for copy and export.
func (h *Handler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	text, err := h.ctrl.Transcript(r.Context())
	if err != nil {
		Fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, text); err != nil {
		h.logger.Debug("Failed to write transcript", "error", err)
	}
}

// PostTranscript handles POST /api/transcript.
func (h *Handler) PostTranscript(w http.ResponseWriter, r *http.Request) {
	var req TranscriptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appended, err := h.ctrl.OnTranscript(r.Context(), req.Text)
	if err != nil && !appended {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, TranscriptResponse{Appended: appended, Warning: warning(err)})
}

// ClearTranscript handles POST /api/transcript/clear.
func (h *Handler) ClearTranscript(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.ClearTranscript(r.Context()); err != nil {
		Fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListRecordings handles GET /api/recordings.
func (h *Handler) ListRecordings(w http.ResponseWriter, r *http.Request) {
	listing, err := h.ctrl.Recordings(r.Context())
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, listing)
}

// UploadRecording handles POST /api/recordings?name=. The body is the raw audio.
func (h *Handler) UploadRecording(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, h.maxRecordingBytes)
	blob, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "recording_too_large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid_body")
		return
	}

	receipt, err := h.ctrl.OnRecordingFinished(r.Context(), r.URL.Query().Get("name"), blob)
	if err != nil && receipt.Entry.FileName == "" {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusCreated, RecordingResponse{
		Entry:      receipt.Entry,
		DownloadID: receipt.DownloadID,
		Warning:    warning(err),
	})
}

// PlayRecording handles GET /api/recordings/{name}. In download mode it
// answers 409 playback_unavailable: the user must load the file manually.
func (h *Handler) PlayRecording(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	f, info, err := h.ctrl.OpenRecording(r.Context(), name)
	if err != nil {
		Fail(w, err)
		return
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			h.logger.Debug("Failed to close recording", "error", closeErr, "file_name", name)
		}
	}()

	w.Header().Set("Content-Type", "audio/webm")
	http.ServeContent(w, r, info.Name, info.ModTime, f)
}

// GetDownload handles GET /api/downloads/{id}. Each download is served once.
func (h *Handler) GetDownload(w http.ResponseWriter, r *http.Request) {
	if h.downloads == nil {
		Error(w, http.StatusNotFound, "not_found")
		return
	}
	id := chi.URLParam(r, "id")
	d, err := h.downloads.Take(id)
	if errors.Is(err, ledger.ErrDownloadGone) {
		Error(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		Fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "audio/webm")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Name}))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(d.Blob); err != nil {
		h.logger.Debug("Failed to write download", "error", err, "download_id", id)
	}
	h.logger.Info("Download delivered", "download_id", id, "file_name", d.Name, "bytes", len(d.Blob))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}
