package server

import (
	"encoding/json"
	"net/http"

	"github.com/velometry/velometry/internal/errdefs"
)

// errorBody is the JSON error envelope: a terse message and a machine code,
// never a stack trace.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}

// respondError maps an error kind onto its HTTP status and code. Internal
// failures are reported generically; the detail stays in the log.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := errdefs.HTTPStatus(err)
	code := errdefs.Code(err)

	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		message = "internal error"
	}

	tagError(r, code)
	respondJSON(w, status, errorBody{Error: message, Code: code})
}
