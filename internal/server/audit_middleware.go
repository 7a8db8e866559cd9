package server

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/swapden/handover/internal/repository"
)

func (s *Server) auditLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType := r.Header.Get("Content-Type")
		skipRequestBody := strings.Contains(contentType, "multipart/form-data")

		entry := repository.AuditLogPayload{
			Timestamp: time.Now().UTC(),
			Method:    r.Method,
			Path:      r.URL.Path,
		}

		if username, _, ok := r.BasicAuth(); ok {
			entry.UserID = username
		}

		if !skipRequestBody && r.Body != nil {
			requestBody, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(requestBody))
			entry.Request = string(requestBody)
		}

		rec := newAuditRecorder(w)
		next.ServeHTTP(rec, r)

		// Route vars are only resolved after the router dispatched the
		// request, so the id fields are filled in here.
		vars := mux.Vars(r)
		if strings.HasPrefix(r.URL.Path, "/tokens/") {
			entry.TokenID = vars["id"]
		} else if strings.HasPrefix(r.URL.Path, "/exchanges/") {
			entry.ExchangeID = vars["id"]
		}
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				entry.Handler = r.Method + " " + tpl
			}
		}

		entry.StatusCode = rec.Status()
		entry.Response = string(rec.Body())

		s.AuditManager.LogEntry(r.Context(), entry)
	})
}
