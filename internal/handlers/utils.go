package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/accountdesk/apiserver/internal/apperr"
)

const (
	msgInvalidRequest = "Invalid request body."
	msgInternal       = "Something went wrong. Please try again later."
	maxJSONBodyBytes  = 1 << 20
)

// ErrorResponse is the envelope of every failed request.
type ErrorResponse struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Message: message})
}

// statusFor maps an error code to its HTTP status. Uncoded errors are 500.
func statusFor(err error) int {
	switch apperr.Code(err) {
	case apperr.CodeValidation, apperr.CodeConflict:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeAuthentication:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError renders err as the error envelope. Internal errors are
// logged and replaced by a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := statusFor(err)
	switch {
	case apperr.IsPublic(err):
		writeError(w, status, err.Error())
	case apperr.Code(err) == apperr.CodeUpstream:
		// already logged where the collaborator failed
		writeError(w, status, err.Error())
	default:
		apperr.LogError(logger.With("method", r.Method, "path", r.URL.Path), "request failed", err)
		writeError(w, status, msgInternal)
	}
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
