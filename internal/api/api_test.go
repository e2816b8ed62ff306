package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avs-mesh/wavsnode/internal/chain"
	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/errors"
	"github.com/avs-mesh/wavsnode/internal/registry"
)

type fakeRegistry struct {
	mu   sync.Mutex
	byID map[envelope.ServiceId]registry.Service
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{byID: make(map[envelope.ServiceId]registry.Service)}
}

func (f *fakeRegistry) Save(svc registry.Service) (envelope.ServiceId, error) {
	if err := svc.Validate(); err != nil {
		return envelope.ServiceId{}, err
	}
	canonical, err := svc.Canonical()
	if err != nil {
		return envelope.ServiceId{}, err
	}
	id := envelope.DeriveServiceId(canonical)
	svc.Id = id
	f.mu.Lock()
	f.byID[id] = svc
	f.mu.Unlock()
	return id, nil
}

func (f *fakeRegistry) Get(id envelope.ServiceId) (registry.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc, ok := f.byID[id]
	if !ok {
		return registry.Service{}, errors.New(errors.CodeNotFound, "service not found", 0)
	}
	return svc, nil
}

func (f *fakeRegistry) Remove(id envelope.ServiceId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, id)
	return nil
}

func (f *fakeRegistry) FindByManager(chainKey envelope.ChainKey, address string) (registry.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, svc := range f.byID {
		if svc.Manager.Chain == chainKey && strings.EqualFold(svc.Manager.Address, address) {
			return svc, nil
		}
	}
	return registry.Service{}, errors.New(errors.CodeNotFound, "no service bound to that manager", 0)
}

type fakeComponents struct {
	stored [][]byte
}

func (f *fakeComponents) StoreComponentBytes(wasmBytes []byte) (envelope.ComponentDigest, error) {
	f.stored = append(f.stored, wasmBytes)
	var d envelope.ComponentDigest
	copy(d[:], wasmBytes)
	return d, nil
}

type fakeSigner struct{}

func (fakeSigner) AddressFor(serviceID envelope.ServiceId) (string, error) {
	return "0x00000000000000000000000000000000000abc", nil
}
func (fakeSigner) HDIndexFor(serviceID envelope.ServiceId) (uint32, error) {
	return 7, nil
}

type fakeDispatcher struct {
	mu         sync.Mutex
	registered []envelope.ServiceId
	removed    []envelope.ServiceId
}

func (d *fakeDispatcher) RegisterService(ctx context.Context, svc registry.Service) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registered = append(d.registered, svc.Id)
	return nil
}
func (d *fakeDispatcher) UnregisterService(svcID envelope.ServiceId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, svcID)
}

// fakeChainClient implements chain.Client but only ServiceURI/Chain do
// anything meaningful; the API never calls the others.
type fakeChainClient struct {
	chainKey envelope.ChainKey
	uri      string
}

func (f *fakeChainClient) Chain() envelope.ChainKey { return f.chainKey }
func (f *fakeChainClient) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (f *fakeChainClient) CodeAt(ctx context.Context, address string) ([]byte, error) {
	return nil, nil
}
func (f *fakeChainClient) SubscribeLogs(ctx context.Context, query chain.LogQuery) (<-chan chain.Log, <-chan error, error) {
	return nil, nil, nil
}
func (f *fakeChainClient) SubscribeBlocks(ctx context.Context) (<-chan envelope.BlockData, <-chan error, error) {
	return nil, nil, nil
}
func (f *fakeChainClient) Validate(ctx context.Context, managerAddress string, env envelope.Envelope, sig envelope.SignatureData, referenceBlock uint64) (chain.ValidateResult, error) {
	return chain.ValidateResult{Outcome: chain.ValidateOk}, nil
}
func (f *fakeChainClient) Submit(ctx context.Context, managerAddress string, env envelope.Envelope, sig envelope.SignatureData) (chain.SendResult, error) {
	return chain.SendResult{}, nil
}
func (f *fakeChainClient) WatchInclusion(ctx context.Context, txHash string) (uint64, error) {
	return 0, nil
}
func (f *fakeChainClient) ServiceURI(ctx context.Context, managerAddress string) (string, error) {
	return f.uri, nil
}

func testService(chainKey envelope.ChainKey, managerAddr string) registry.Service {
	return registry.Service{
		Name:    "price-feed",
		Active:  true,
		Manager: envelope.ServiceManagerRef{Chain: chainKey, Address: managerAddr},
		Workflows: map[envelope.WorkflowId]registry.Workflow{
			envelope.DefaultWorkflowId: {
				Id:      envelope.DefaultWorkflowId,
				Trigger: envelope.Trigger{Kind: envelope.TriggerManual},
				Component: registry.ComponentSource{
					Kind:   registry.SourceDigest,
					Digest: &envelope.ComponentDigest{1, 2, 3},
				},
				SubmitKind: envelope.SignatureKind{Algorithm: envelope.AlgorithmSecp256k1, Prefix: envelope.PrefixEip191},
			},
		},
	}
}

func newTestServer(reg *fakeRegistry, clients map[string]chain.Client, dispatcher *fakeDispatcher) *Server {
	return New(Config{
		Registry:   reg,
		Components: &fakeComponents{},
		Signer:     fakeSigner{},
		Dispatcher: dispatcher,
		Clients:    clients,
	})
}

func TestHandleUpload_StoresAndReturnsDigest(t *testing.T) {
	reg := newFakeRegistry()
	s := newTestServer(reg, nil, &fakeDispatcher{})
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("wasm-bytes"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["digest"])
}

func TestHandleSaveService_PersistsAndReturnsHash(t *testing.T) {
	reg := newFakeRegistry()
	s := newTestServer(reg, nil, &fakeDispatcher{})
	chainKey := envelope.ChainKey{Namespace: "evm", Reference: "1"}
	svc := testService(chainKey, "0x00000000000000000000000000000000000000aa")

	body, err := json.Marshal(svc)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/save-service", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["hash"])

	id, err := envelope.ParseServiceId(resp["hash"])
	require.NoError(t, err)
	_, err = reg.Get(id)
	require.NoError(t, err)
}

func TestHandleServiceByHash_RoundTrips(t *testing.T) {
	reg := newFakeRegistry()
	chainKey := envelope.ChainKey{Namespace: "evm", Reference: "1"}
	svc := testService(chainKey, "0x00000000000000000000000000000000000000aa")
	id, err := reg.Save(svc)
	require.NoError(t, err)

	s := newTestServer(reg, nil, &fakeDispatcher{})
	req := httptest.NewRequest(http.MethodGet, "/service-by-hash/"+id.String(), nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got registry.Service
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, svc.Name, got.Name)
}

func TestHandleServiceByHash_UnknownReturns404(t *testing.T) {
	reg := newFakeRegistry()
	s := newTestServer(reg, nil, &fakeDispatcher{})
	req := httptest.NewRequest(http.MethodGet, "/service-by-hash/"+strings.Repeat("ab", 20), nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleServiceKey_ReturnsIndexAndAddress(t *testing.T) {
	reg := newFakeRegistry()
	chainKey := envelope.ChainKey{Namespace: "evm", Reference: "1"}
	svc := testService(chainKey, "0x00000000000000000000000000000000000000aa")
	_, err := reg.Save(svc)
	require.NoError(t, err)

	s := newTestServer(reg, nil, &fakeDispatcher{})
	body, _ := json.Marshal(ServiceManagerRequest{ChainName: chainKey.String(), Address: svc.Manager.Address})
	req := httptest.NewRequest(http.MethodPost, "/service-key", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 7, resp["hd_index"])
	require.Equal(t, "0x00000000000000000000000000000000000abc", resp["evm_address"])
}

func TestHandleAddService_FetchesFromServiceURIAndRegisters(t *testing.T) {
	reg := newFakeRegistry()
	chainKey := envelope.ChainKey{Namespace: "evm", Reference: "1"}
	managerAddr := "0x00000000000000000000000000000000000000aa"
	svc := testService(chainKey, managerAddr)

	serviceJSON, err := json.Marshal(svc)
	require.NoError(t, err)
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(serviceJSON) //nolint:errcheck
	}))
	defer src.Close()

	client := &fakeChainClient{chainKey: chainKey, uri: src.URL}
	dispatcher := &fakeDispatcher{}
	s := newTestServer(reg, map[string]chain.Client{chainKey.String(): client}, dispatcher)

	reqBody, _ := json.Marshal(AddServiceRequest{ServiceManager: ServiceManagerRequest{ChainName: chainKey.String(), Address: managerAddr}})
	req := httptest.NewRequest(http.MethodPost, "/app", strings.NewReader(string(reqBody)))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, dispatcher.registered, 1)
	found, err := reg.FindByManager(chainKey, managerAddr)
	require.NoError(t, err)
	require.Equal(t, svc.Name, found.Name)
}

func TestHandleRemoveServices_UnregistersAndDeletes(t *testing.T) {
	reg := newFakeRegistry()
	chainKey := envelope.ChainKey{Namespace: "evm", Reference: "1"}
	managerAddr := "0x00000000000000000000000000000000000000aa"
	svc := testService(chainKey, managerAddr)
	id, err := reg.Save(svc)
	require.NoError(t, err)

	dispatcher := &fakeDispatcher{}
	s := newTestServer(reg, nil, dispatcher)
	reqBody, _ := json.Marshal(RemoveServicesRequest{ServiceManagers: []ServiceManagerRequest{{ChainName: chainKey.String(), Address: managerAddr}}})
	req := httptest.NewRequest(http.MethodDelete, "/app", strings.NewReader(string(reqBody)))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, []envelope.ServiceId{id}, dispatcher.removed)
	_, err = reg.Get(id)
	require.Error(t, err)
}

func TestHandleGetService_UnknownManagerReturns404(t *testing.T) {
	reg := newFakeRegistry()
	s := newTestServer(reg, nil, &fakeDispatcher{})
	req := httptest.NewRequest(http.MethodGet, "/service?chain_name=evm:1&address=0x00000000000000000000000000000000000000aa", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleConfig_NoSnapshotReturnsEmptyObject(t *testing.T) {
	reg := newFakeRegistry()
	s := newTestServer(reg, nil, &fakeDispatcher{})
	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "{}", rec.Body.String())
}
