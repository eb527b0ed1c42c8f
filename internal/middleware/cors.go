// Package middleware provides HTTP middleware for the talkrecorder API.
package middleware

import "net/http"

// CORS returns middleware that handles CORS headers.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed, explicit := matchOrigin(allowedOrigins, origin)
			if allowed && origin != "" {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				// Last-Event-ID is sent by EventSource polyfills on reconnect.
				h.Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
				h.Set("Access-Control-Expose-Headers", "Content-Disposition")
				// Credentials only for explicit origins; a wildcard-echoed origin would enable CSRF.
				if explicit {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func matchOrigin(allowedOrigins []string, origin string) (allowed, explicit bool) {
	for _, o := range allowedOrigins {
		if o == origin {
			return true, true
		}
		if o == "*" {
			allowed = true
		}
	}
	return allowed, false
}
