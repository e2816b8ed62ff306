package aggregator

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/errors"
)

// Server exposes the aggregator over HTTP: the POST {workflow.submit.url}
// endpoint every operator's submission manager forwards signed Packets to.
// A workflow's aggregator_url may point at this same node or a peer running
// the identical route, so the route itself carries no service/workflow
// path segment — the Packet body names both.
type Server struct {
	manager *Manager
}

// NewServer wraps manager for HTTP submission.
func NewServer(manager *Manager) *Server {
	return &Server{manager: manager}
}

// Router builds the mux.Router serving the aggregator's submission route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/submit", s.handleSubmit).Methods(http.MethodPost)
	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var packet envelope.Packet
	if err := json.NewDecoder(r.Body).Decode(&packet); err != nil {
		writeAggregatorError(w, http.StatusBadRequest, "malformed packet body")
		return
	}

	if err := s.manager.Accept(r.Context(), packet); err != nil {
		writeSubmitError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"}) //nolint:errcheck
}

// writeSubmitError classifies err per §6's POST contract: 4xx for
// malformed/non-retryable failures (validation, sandbox, protocol), 5xx for
// transient ones a sender should retry (storage/transport, or anything
// unclassified).
func writeSubmitError(w http.ResponseWriter, err error) {
	switch errors.KindOf(err) {
	case errors.KindValidation, errors.KindSandbox, errors.KindProtocol:
		writeAggregatorError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.KindFatal:
		writeAggregatorError(w, http.StatusInternalServerError, err.Error())
	default:
		writeAggregatorError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func writeAggregatorError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message}) //nolint:errcheck
}
