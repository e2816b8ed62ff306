package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/avs-mesh/wavsnode/internal/errors"
)

// errorResponse is the JSON envelope every error route responds with.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

// writeError maps err to an HTTP status via its NodeError Kind (§7's
// taxonomy) rather than matching on err.Error() text, so a message rewrite
// upstream can never silently change a route's status code.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	code := string(errors.KindOf(err))
	if code == "" {
		code = "unknown"
	}
	writeJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

func statusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.KindValidation:
		return http.StatusBadRequest
	case errors.KindResource:
		if errors.Is(err, errors.CodeNotFound) {
			return http.StatusNotFound
		}
		if errors.Is(err, errors.CodeAlreadyExists) || errors.Is(err, errors.CodeCasConflict) {
			return http.StatusConflict
		}
		return http.StatusServiceUnavailable
	case errors.KindSandbox:
		return http.StatusUnprocessableEntity
	case errors.KindProtocol:
		return http.StatusConflict
	case errors.KindFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON response/request body read from an arbitrary
// io.Reader, for call sites (like the fetched-service-JSON path in
// handleAddService) that have no http.ResponseWriter to report to directly.
func decodeBody(body io.Reader, v interface{}) error {
	return json.NewDecoder(body).Decode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: "bad_request", Message: "invalid request body"})
		return false
	}
	return true
}
