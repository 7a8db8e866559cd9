package server

import (
	"bytes"
	"net/http"
)

// auditRecorder tees the response so the audit middleware can read the
// status code and body after the handler returned.
type auditRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func newAuditRecorder(w http.ResponseWriter) *auditRecorder {
	return &auditRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *auditRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *auditRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *auditRecorder) Status() int { return r.status }

func (r *auditRecorder) Body() []byte { return r.body.Bytes() }
