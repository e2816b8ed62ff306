// Package api implements the node's management HTTP API (§6): component
// upload, service lifecycle (add/remove/save/lookup), per-service signer
// info, and a redacted config snapshot. Routing follows the teacher's
// gorilla/mux handler style; every handler is a thin adapter over the
// registry, engine, submission, and dispatcher packages it is handed at
// construction.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/avs-mesh/wavsnode/internal/chain"
	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/errors"
	"github.com/avs-mesh/wavsnode/internal/logging"
	"github.com/avs-mesh/wavsnode/internal/registry"
)

// DefaultMaxUploadBytes bounds POST /upload's body; components are WASM
// modules, not arbitrary blobs, so double-digit megabytes is generous.
const DefaultMaxUploadBytes = 64 << 20

// Registry is the subset of the service registry the API calls.
type Registry interface {
	Save(svc registry.Service) (envelope.ServiceId, error)
	Get(id envelope.ServiceId) (registry.Service, error)
	Remove(id envelope.ServiceId) error
	FindByManager(chainKey envelope.ChainKey, address string) (registry.Service, error)
}

// ComponentStore is the subset of the engine the API calls to land
// uploaded WASM bytes.
type ComponentStore interface {
	StoreComponentBytes(wasmBytes []byte) (envelope.ComponentDigest, error)
}

// Signer is the subset of the submission manager the API calls for a
// service's signing identity.
type Signer interface {
	AddressFor(serviceID envelope.ServiceId) (string, error)
	HDIndexFor(serviceID envelope.ServiceId) (uint32, error)
}

// ServiceDispatcher is the subset of the dispatcher the API calls on
// service add/remove, so trigger registration stays in lockstep with the
// registry.
type ServiceDispatcher interface {
	RegisterService(ctx context.Context, svc registry.Service) error
	UnregisterService(svcID envelope.ServiceId)
}

// Config configures a Server.
type Config struct {
	Registry       Registry
	Components     ComponentStore
	Signer         Signer
	Dispatcher     ServiceDispatcher
	Clients        map[string]chain.Client // keyed by ChainKey.String()
	HTTPClient     *http.Client
	Logger         *logging.Logger
	MaxUploadBytes int64

	// NodeConfig, if set, is called fresh on every GET /config request and
	// its return value is marshalled as-is. The caller is responsible for
	// redacting secrets before returning it.
	NodeConfig func() interface{}
}

// Server implements the management HTTP API.
type Server struct {
	registry       Registry
	components     ComponentStore
	signer         Signer
	dispatcher     ServiceDispatcher
	clients        map[string]chain.Client
	http           *http.Client
	log            *logging.Logger
	maxUploadBytes int64
	nodeConfig     func() interface{}
}

// New constructs a Server.
func New(cfg Config) *Server {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	return &Server{
		registry:       cfg.Registry,
		components:     cfg.Components,
		signer:         cfg.Signer,
		dispatcher:     cfg.Dispatcher,
		clients:        cfg.Clients,
		http:           httpClient,
		log:            cfg.Logger,
		maxUploadBytes: maxUpload,
		nodeConfig:     cfg.NodeConfig,
	}
}

// Router builds the mux.Router serving every §6 management route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(s.log))
	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/app", s.handleAddService).Methods(http.MethodPost)
	r.HandleFunc("/app", s.handleRemoveServices).Methods(http.MethodDelete)
	r.HandleFunc("/service", s.handleGetService).Methods(http.MethodGet)
	r.HandleFunc("/service-key", s.handleServiceKey).Methods(http.MethodPost)
	r.HandleFunc("/save-service", s.handleSaveService).Methods(http.MethodPost)
	r.HandleFunc("/service-by-hash/{hash}", s.handleServiceByHash).Methods(http.MethodGet)
	r.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
	return r
}

// ServiceManagerRequest identifies a service by the (chain, manager address)
// pair every on-chain binding is keyed by.
type ServiceManagerRequest struct {
	ChainName string `json:"chain_name"`
	Address   string `json:"address"`
}

func (req ServiceManagerRequest) chainKey() (envelope.ChainKey, error) {
	return envelope.ParseChainKey(req.ChainName)
}

// AddServiceRequest is POST /app's body.
type AddServiceRequest struct {
	ServiceManager ServiceManagerRequest `json:"service_manager"`
}

// RemoveServicesRequest is DELETE /app's body.
type RemoveServicesRequest struct {
	ServiceManagers []ServiceManagerRequest `json:"service_managers"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxUploadBytes+1))
	if err != nil {
		writeError(w, errors.Wrap(errors.CodeStorageIO, "read upload body", 0, err))
		return
	}
	if int64(len(body)) > s.maxUploadBytes {
		writeError(w, errors.New(errors.CodeMissingField, "upload exceeds max component size", 0))
		return
	}
	digest, err := s.components.StoreComponentBytes(body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"digest": digest.String()})
}

// handleAddService resolves the manager's chain client, reads its published
// serviceURI, fetches the service JSON from that URI, and persists it —
// the node-side half of §6's "node fetches the service JSON by URI
// published in the service-manager contract".
func (s *Server) handleAddService(w http.ResponseWriter, r *http.Request) {
	var req AddServiceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	chainKey, err := req.ServiceManager.chainKey()
	if err != nil {
		writeError(w, errors.Wrap(errors.CodeInvalidChainKey, "parse chain_name", 0, err))
		return
	}
	client, ok := s.clients[chainKey.String()]
	if !ok {
		writeError(w, errors.New(errors.CodeInvalidChainKey, "no chain client configured for that chain", 0))
		return
	}

	ctx := r.Context()
	uri, err := client.ServiceURI(ctx, req.ServiceManager.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		writeError(w, errors.Wrap(errors.CodeTransport, "build service fetch request", 0, err))
		return
	}
	resp, err := s.http.Do(httpReq)
	if err != nil {
		writeError(w, errors.Wrap(errors.CodeTransport, "fetch service json", 0, err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		writeError(w, errors.New(errors.CodeTransport, "service uri returned a non-2xx status", 0))
		return
	}

	var svc registry.Service
	if err := decodeBody(resp.Body, &svc); err != nil {
		writeError(w, errors.Wrap(errors.CodeMissingField, "decode fetched service json", 0, err))
		return
	}
	svc.Manager = envelope.ServiceManagerRef{Chain: chainKey, Address: req.ServiceManager.Address}

	id, err := s.registry.Save(svc)
	if err != nil {
		writeError(w, err)
		return
	}
	svc.Id = id
	if err := s.dispatcher.RegisterService(ctx, svc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String()})
}

func (s *Server) handleRemoveServices(w http.ResponseWriter, r *http.Request) {
	var req RemoveServicesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	for _, ref := range req.ServiceManagers {
		chainKey, err := ref.chainKey()
		if err != nil {
			writeError(w, errors.Wrap(errors.CodeInvalidChainKey, "parse chain_name", 0, err))
			return
		}
		svc, err := s.registry.FindByManager(chainKey, ref.Address)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.registry.Remove(svc.Id); err != nil {
			writeError(w, err)
			return
		}
		s.dispatcher.UnregisterService(svc.Id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	chainKey, err := envelope.ParseChainKey(r.URL.Query().Get("chain_name"))
	if err != nil {
		writeError(w, errors.Wrap(errors.CodeInvalidChainKey, "parse chain_name", 0, err))
		return
	}
	svc, err := s.registry.FindByManager(chainKey, r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleServiceKey(w http.ResponseWriter, r *http.Request) {
	var req ServiceManagerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	chainKey, err := req.chainKey()
	if err != nil {
		writeError(w, errors.Wrap(errors.CodeInvalidChainKey, "parse chain_name", 0, err))
		return
	}
	svc, err := s.registry.FindByManager(chainKey, req.Address)
	if err != nil {
		writeError(w, err)
		return
	}
	hdIndex, err := s.signer.HDIndexFor(svc.Id)
	if err != nil {
		writeError(w, err)
		return
	}
	addr, err := s.signer.AddressFor(svc.Id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hd_index": hdIndex, "evm_address": addr})
}

func (s *Server) handleSaveService(w http.ResponseWriter, r *http.Request) {
	var svc registry.Service
	if !decodeJSON(w, r, &svc) {
		return
	}
	id, err := s.registry.Save(svc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": id.String()})
}

func (s *Server) handleServiceByHash(w http.ResponseWriter, r *http.Request) {
	id, err := envelope.ParseServiceId(mux.Vars(r)["hash"])
	if err != nil {
		writeError(w, errors.Wrap(errors.CodeMissingField, "parse service hash", 0, err))
		return
	}
	svc, err := s.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.nodeConfig == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.nodeConfig())
}
