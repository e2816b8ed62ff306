package submission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/registry"
)

func testRegistry(t *testing.T) *registry.Store {
	t.Helper()
	s, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func serviceWithAggregator(url string, active bool) registry.Service {
	return registry.Service{
		Name:   "price-feed",
		Active: active,
		Manager: envelope.ServiceManagerRef{
			Chain:   envelope.ChainKey{Namespace: "evm", Reference: "1"},
			Address: "0x00000000000000000000000000000000000000aa",
		},
		Workflows: map[envelope.WorkflowId]registry.Workflow{
			envelope.DefaultWorkflowId: {
				Id:      envelope.DefaultWorkflowId,
				Trigger: envelope.Trigger{Kind: envelope.TriggerManual},
				Component: registry.ComponentSource{
					Kind:   registry.SourceDigest,
					Digest: &envelope.ComponentDigest{1, 2, 3},
				},
				AggregatorURL: url,
				SubmitKind:    envelope.SignatureKind{Algorithm: envelope.AlgorithmSecp256k1, Prefix: envelope.PrefixEip191},
			},
		},
	}
}

func testAction(svcID envelope.ServiceId, wfID envelope.WorkflowId) envelope.TriggerAction {
	return envelope.TriggerAction{
		Config: envelope.TriggerConfig{ServiceId: svcID, WorkflowId: wfID, Trigger: envelope.Trigger{Kind: envelope.TriggerManual}},
		Data:   envelope.TriggerData{Kind: envelope.TriggerDataRaw, Raw: []byte("fire")},
	}
}

func TestManager_Handle_PostsSignedPacket(t *testing.T) {
	var received envelope.Packet
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := testRegistry(t)
	svc := serviceWithAggregator(srv.URL, true)
	id, err := reg.Save(svc)
	require.NoError(t, err)
	svc.Id = id

	m := New(Config{Registry: reg, Keys: testKeyStore(t)})

	action := testAction(id, envelope.DefaultWorkflowId)
	resp := envelope.OperatorResponse{Payload: []byte("result")}

	err = m.Handle(context.Background(), svc, svc.Workflows[envelope.DefaultWorkflowId], action, resp)
	require.NoError(t, err)
	require.Equal(t, []byte("result"), received.Submission.OperatorResponse.Payload)
	require.NotEmpty(t, received.Submission.EnvelopeSignature)

	addr, err := m.AddressFor(id)
	require.NoError(t, err)
	recovered, err := envelope.RecoverAddress(received.Envelope, svc.Workflows[envelope.DefaultWorkflowId].SubmitKind, received.Submission.EnvelopeSignature)
	require.NoError(t, err)
	require.Equal(t, addr, recovered.Hex())
}

func TestManager_Handle_DropsInactiveService(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := testRegistry(t)
	svc := serviceWithAggregator(srv.URL, false)
	id, err := reg.Save(svc)
	require.NoError(t, err)
	svc.Id = id

	m := New(Config{Registry: reg, Keys: testKeyStore(t)})
	action := testAction(id, envelope.DefaultWorkflowId)
	err = m.Handle(context.Background(), svc, svc.Workflows[envelope.DefaultWorkflowId], action, envelope.OperatorResponse{Payload: []byte("x")})
	require.NoError(t, err)
	require.False(t, called)
}

func TestManager_Handle_NoopWithoutAggregatorURL(t *testing.T) {
	reg := testRegistry(t)
	svc := serviceWithAggregator("", true)
	id, err := reg.Save(svc)
	require.NoError(t, err)
	svc.Id = id

	m := New(Config{Registry: reg, Keys: testKeyStore(t)})
	action := testAction(id, envelope.DefaultWorkflowId)
	err = m.Handle(context.Background(), svc, svc.Workflows[envelope.DefaultWorkflowId], action, envelope.OperatorResponse{Payload: []byte("x")})
	require.NoError(t, err)
}
