package aggregator

import (
	"context"
	"crypto/ecdsa"
	"path/filepath"
	"sync"
	"testing"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/avs-mesh/wavsnode/internal/chain"
	"github.com/avs-mesh/wavsnode/internal/engine"
	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/kvstore"
	"github.com/avs-mesh/wavsnode/internal/registry"
	"github.com/avs-mesh/wavsnode/internal/txkey"
)

// fakeClient is a minimal chain.Client test double; only the methods the
// aggregator actually calls are exercised meaningfully.
type fakeClient struct {
	chainKey envelope.ChainKey
	height   uint64

	mu          sync.Mutex
	validate    func(sig envelope.SignatureData) (chain.ValidateResult, error)
	submitCalls int
	submitErr   error
	watchErr    error
}

func (f *fakeClient) Chain() envelope.ChainKey { return f.chainKey }
func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	return f.height, nil
}
func (f *fakeClient) CodeAt(ctx context.Context, address string) ([]byte, error) { return nil, nil }
func (f *fakeClient) SubscribeLogs(ctx context.Context, query chain.LogQuery) (<-chan chain.Log, <-chan error, error) {
	return nil, nil, nil
}
func (f *fakeClient) SubscribeBlocks(ctx context.Context) (<-chan envelope.BlockData, <-chan error, error) {
	return nil, nil, nil
}
func (f *fakeClient) Validate(ctx context.Context, managerAddress string, env envelope.Envelope, sig envelope.SignatureData, referenceBlock uint64) (chain.ValidateResult, error) {
	return f.validate(sig)
}
func (f *fakeClient) Submit(ctx context.Context, managerAddress string, env envelope.Envelope, sig envelope.SignatureData) (chain.SendResult, error) {
	f.mu.Lock()
	f.submitCalls++
	f.mu.Unlock()
	if f.submitErr != nil {
		return chain.SendResult{}, f.submitErr
	}
	return chain.SendResult{TxHash: "0xdeadbeef"}, nil
}
func (f *fakeClient) WatchInclusion(ctx context.Context, txHash string) (uint64, error) {
	return f.height, f.watchErr
}
func (f *fakeClient) ServiceURI(ctx context.Context, managerAddress string) (string, error) {
	return "", nil
}

// fakeEngine always errors on ExecuteAggregator, simulating a workflow with
// no WASM aggregator component; the manager must fall back to the default
// quorum policy.
type fakeEngine struct {
	mu            sync.Mutex
	submitResults []bool
}

func (f *fakeEngine) ExecuteAggregator(ctx context.Context, svc registry.Service, wf registry.Workflow, env envelope.Envelope, sig envelope.SignatureData) (engine.AggregatorOutput, error) {
	return engine.AggregatorOutput{}, errNoComponent
}
func (f *fakeEngine) ExecuteTimerCallback(ctx context.Context, svc registry.Service, wf registry.Workflow, env envelope.Envelope) (engine.AggregatorOutput, error) {
	return engine.AggregatorOutput{}, errNoComponent
}
func (f *fakeEngine) ExecuteSubmitCallback(ctx context.Context, svc registry.Service, wf registry.Workflow, env envelope.Envelope, result chain.SendResult, success bool) error {
	f.mu.Lock()
	f.submitResults = append(f.submitResults, success)
	f.mu.Unlock()
	return nil
}

var errNoComponent = &testErr{"no component"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

func testSetup(t *testing.T, client *fakeClient, eng *fakeEngine) (*Manager, registry.Service, registry.Workflow) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	chainKey := envelope.ChainKey{Namespace: "evm", Reference: "1"}
	svc := registry.Service{
		Name:   "price-feed",
		Active: true,
		Manager: envelope.ServiceManagerRef{Chain: chainKey, Address: "0x00000000000000000000000000000000000000aa"},
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
	id, err := reg.Save(svc)
	require.NoError(t, err)
	svc.Id = id

	kv, err := kvstore.Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	marker, err := kv.Namespace("aggregator").Open("submitted")
	require.NoError(t, err)

	m := New(Config{
		Registry:   reg,
		Engine:     eng,
		Clients:    map[string]chain.Client{chainKey.String(): client},
		TxKeys:     txkey.NewRegistry(),
		Marker:     marker,
		Registerer: prometheus.NewRegistry(),
	})
	return m, svc, svc.Workflows[envelope.DefaultWorkflowId]
}

func signedPacket(t *testing.T, svc registry.Service, wf registry.Workflow, priv *ecdsa.PrivateKey, payload []byte, height uint64) envelope.Packet {
	t.Helper()
	action := envelope.TriggerAction{
		Config: envelope.TriggerConfig{ServiceId: svc.Id, WorkflowId: wf.Id, Trigger: envelope.Trigger{Kind: envelope.TriggerManual}},
		Data:   envelope.TriggerData{Kind: envelope.TriggerDataRaw, Raw: []byte("fire")},
	}
	env, err := envelope.NewEnvelope(svc.Id, action, 0, payload)
	require.NoError(t, err)
	sig, err := envelope.Sign(env, wf.SubmitKind, priv)
	require.NoError(t, err)

	return envelope.Packet{
		Submission: envelope.Submission{
			TriggerAction:     action,
			OperatorResponse:  envelope.OperatorResponse{Payload: payload},
			EventId:           env.EventId,
			Envelope:          env,
			EnvelopeSignature: sig,
			OriginBlock:       height,
		},
		Service:    envelope.ServiceSnapshot{Id: svc.Id, Name: svc.Name, Manager: svc.Manager},
		WorkflowId: wf.Id,
	}
}

func TestManager_Accept_SubmitsOnQuorum(t *testing.T) {
	priv1, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	priv2, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	client := &fakeClient{height: 100}
	var seen int
	client.validate = func(sig envelope.SignatureData) (chain.ValidateResult, error) {
		seen = len(sig.Signers)
		if seen >= 2 {
			return chain.ValidateResult{Outcome: chain.ValidateOk}, nil
		}
		return chain.ValidateResult{Outcome: chain.ValidateInsufficientQuorum}, nil
	}
	eng := &fakeEngine{}

	m, svc, wf := testSetup(t, client, eng)
	payload := []byte("result")

	require.NoError(t, m.Accept(context.Background(), signedPacket(t, svc, wf, priv1, payload, 50)))
	require.Equal(t, 0, client.submitCalls)

	require.NoError(t, m.Accept(context.Background(), signedPacket(t, svc, wf, priv2, payload, 50)))
	require.Equal(t, 1, client.submitCalls)

	require.Eventually(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.submitResults) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestManager_Accept_DuplicateSignerDoesNotDoubleCount(t *testing.T) {
	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	client := &fakeClient{height: 100}
	client.validate = func(sig envelope.SignatureData) (chain.ValidateResult, error) {
		return chain.ValidateResult{Outcome: chain.ValidateInsufficientQuorum}, nil
	}
	m, svc, wf := testSetup(t, client, &fakeEngine{})
	payload := []byte("result")

	require.NoError(t, m.Accept(context.Background(), signedPacket(t, svc, wf, priv, payload, 50)))
	require.NoError(t, m.Accept(context.Background(), signedPacket(t, svc, wf, priv, payload, 50)))
	require.Equal(t, 0, client.submitCalls)
}

func TestManager_Accept_PayloadMismatchRejected(t *testing.T) {
	priv1, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	priv2, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	client := &fakeClient{height: 100}
	client.validate = func(sig envelope.SignatureData) (chain.ValidateResult, error) {
		return chain.ValidateResult{Outcome: chain.ValidateInsufficientQuorum}, nil
	}
	m, svc, wf := testSetup(t, client, &fakeEngine{})

	require.NoError(t, m.Accept(context.Background(), signedPacket(t, svc, wf, priv1, []byte("result-a"), 50)))
	err = m.Accept(context.Background(), signedPacket(t, svc, wf, priv2, []byte("result-b"), 50))
	require.Error(t, err)
}

func TestManager_Accept_WaitsForConfirmationDepth(t *testing.T) {
	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	client := &fakeClient{height: 10}
	client.validate = func(sig envelope.SignatureData) (chain.ValidateResult, error) {
		return chain.ValidateResult{Outcome: chain.ValidateOk}, nil
	}
	m, svc, wf := testSetup(t, client, &fakeEngine{})
	m.depth = map[string]uint64{svc.Manager.Chain.String(): 5}

	require.NoError(t, m.Accept(context.Background(), signedPacket(t, svc, wf, priv, []byte("x"), 9)))
	require.Equal(t, 0, client.submitCalls)
}

func TestManager_Accept_AbandonsGroupOnProtocolFailure(t *testing.T) {
	priv, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	client := &fakeClient{height: 100}
	client.validate = func(sig envelope.SignatureData) (chain.ValidateResult, error) {
		return chain.ValidateResult{Outcome: chain.ValidateInvalidSignatureOrder}, nil
	}
	m, svc, wf := testSetup(t, client, &fakeEngine{})

	err = m.Accept(context.Background(), signedPacket(t, svc, wf, priv, []byte("result"), 50))
	require.Error(t, err)
	require.Equal(t, 0, client.submitCalls)

	m.mu.Lock()
	var found *group
	for _, g := range m.groups {
		found = g
	}
	m.mu.Unlock()
	require.NotNil(t, found)
	found.mu.Lock()
	parked := found.parked
	found.mu.Unlock()
	require.True(t, parked, "group must be parked (abandoned) on a non-quorum protocol failure")
}

var _ = ethcommon.Address{}
