package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/koprogo/greengrid/pkg/griderr"
	"github.com/koprogo/greengrid/pkg/logging"
)

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusFor maps an error kind to its HTTP status
func StatusFor(err error) int {
	switch griderr.KindOf(err) {
	case griderr.NotFound:
		return http.StatusNotFound
	case griderr.InvalidInput:
		return http.StatusBadRequest
	case griderr.InvalidTransition:
		return http.StatusConflict
	case griderr.NoCapacity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *GridHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	kind := griderr.KindOf(err)
	fields := logging.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"error":  err,
	}
	switch {
	case kind == griderr.ChainIntegrity:
		h.logger.Error("CRITICAL: green proof chain integrity failure", fields)
	case status >= 500 && kind != griderr.NoCapacity:
		h.logger.Error("Request failed", fields)
	default:
		h.logger.Debug("Request rejected", fields)
	}
	writeJSON(w, status, ErrorResponse{Error: kind.String(), Message: err.Error()})
}

func badRequest(op, msg string) error {
	return griderr.E(op, griderr.InvalidInput, errors.New(msg))
}

func forbidden(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "forbidden", Message: msg})
}
