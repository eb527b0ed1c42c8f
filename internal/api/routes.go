package api

import "github.com/go-chi/chi/v5"

// RegisterRoutes registers the session API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Get("/state", h.GetState)
		r.Post("/onboard", h.Onboard)
		r.Post("/capture", h.ReportCapture)

		r.Get("/transcript", h.GetTranscript)
		r.Post("/transcript", h.PostTranscript)
		r.Post("/transcript/clear", h.ClearTranscript)

		r.Get("/recordings", h.ListRecordings)
		r.Post("/recordings", h.UploadRecording)
		r.Get("/recordings/{name}", h.PlayRecording)
		r.Get("/downloads/{id}", h.GetDownload)

		r.Get("/events", h.HandleEvents)
	})
}
