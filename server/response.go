package server

import (
	"encoding/json"
	"net/http"

	"github.com/forgesyte/forgesyte/errors"
	"github.com/forgesyte/forgesyte/logger"
)

// apiError is the JSON error envelope. Every error response is
// JSON-only; HTML never leaves this server.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Debugw("Failed to encode JSON response", logger.FieldError, err)
	}
}

// errorEnvelope renders an error as the wire envelope: kind, message,
// and any structured fields the error carries (a contract violation's
// offending field, the available plugin ids, ...).
func errorEnvelope(err error) map[string]any {
	body := map[string]any{
		"kind":    string(errors.KindOf(err)),
		"message": err.Error(),
	}
	for k, v := range errors.FieldsOf(err) {
		if k == "kind" || k == "message" {
			continue
		}
		body[k] = v
	}
	return map[string]any{"error": body}
}

// writeError maps an error onto the JSON error envelope and its HTTP
// status.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForKind(errors.KindOf(err)), errorEnvelope(err))
}

// writeErrorStatus writes the error envelope with an explicit status,
// for endpoints whose contract pins a code.
func writeErrorStatus(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorEnvelope(err))
}

// statusForKind maps the error taxonomy onto HTTP status codes.
func statusForKind(kind errors.Kind) int {
	switch kind {
	case errors.KindInvalidInput, errors.KindProtocol:
		return http.StatusBadRequest
	case errors.KindPluginNotFound, errors.KindToolNotFound,
		errors.KindPipelineNotFound, errors.KindJobNotFound:
		return http.StatusNotFound
	case errors.KindJobTerminal:
		return http.StatusConflict
	case errors.KindInvalidPlugin:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// readJSON decodes a JSON request body, answering 400 on failure.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errors.Tag(errors.KindInvalidInput, "invalid request body: %v", err))
		return false
	}
	return true
}

// requireMethod checks the request method, answering 405 on mismatch.
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeJSON(w, http.StatusMethodNotAllowed, apiError{
			Error: apiErrorBody{Kind: string(errors.KindInvalidInput), Message: "method not allowed"},
		})
		return false
	}
	return true
}
