package dispatcher

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avs-mesh/wavsnode/internal/envelope"
	"github.com/avs-mesh/wavsnode/internal/registry"
)

type fakeTrigger struct {
	out chan envelope.TriggerAction

	mu       sync.Mutex
	added    []envelope.ServiceId
	removed  []envelope.ServiceId
}

func newFakeTrigger() *fakeTrigger {
	return &fakeTrigger{out: make(chan envelope.TriggerAction, 16)}
}

func (f *fakeTrigger) Output() <-chan envelope.TriggerAction { return f.out }
func (f *fakeTrigger) AddService(ctx context.Context, svc registry.Service) error {
	f.mu.Lock()
	f.added = append(f.added, svc.Id)
	f.mu.Unlock()
	return nil
}
func (f *fakeTrigger) RemoveService(svcID envelope.ServiceId) {
	f.mu.Lock()
	f.removed = append(f.removed, svcID)
	f.mu.Unlock()
}

type fakeEngine struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEngine) ExecuteOperator(ctx context.Context, svc registry.Service, wf registry.Workflow, action envelope.TriggerAction) (envelope.Envelope, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return envelope.Envelope{}, f.err
	}
	return envelope.NewEnvelope(svc.Id, action, 7, []byte("payload"))
}

type fakeSubmission struct {
	mu    sync.Mutex
	calls []envelope.OperatorResponse
}

func (f *fakeSubmission) Handle(ctx context.Context, svc registry.Service, wf registry.Workflow, action envelope.TriggerAction, resp envelope.OperatorResponse) error {
	f.mu.Lock()
	f.calls = append(f.calls, resp)
	f.mu.Unlock()
	return nil
}

func testService(t *testing.T, reg *registry.Store, active bool) registry.Service {
	t.Helper()
	svc := registry.Service{
		Name:   "feed",
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
					Digest: &envelope.ComponentDigest{9},
				},
			},
		},
	}
	id, err := reg.Save(svc)
	require.NoError(t, err)
	svc.Id = id
	return svc
}

func TestDispatcher_RoutesTriggerThroughEngineAndSubmission(t *testing.T) {
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	svc := testService(t, reg, true)
	trig := newFakeTrigger()
	eng := &fakeEngine{}
	sub := &fakeSubmission{}

	d := New(Config{Registry: reg, Trigger: trig, Engine: eng, Submission: sub})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop(context.Background())

	trig.out <- envelope.TriggerAction{
		Config: envelope.TriggerConfig{ServiceId: svc.Id, WorkflowId: envelope.DefaultWorkflowId, Trigger: envelope.Trigger{Kind: envelope.TriggerManual}},
		Data:   envelope.TriggerData{Kind: envelope.TriggerDataRaw, Raw: []byte("fire")},
	}

	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.calls) == 1
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, 1, eng.calls)
	ordering := sub.calls[0].Ordering
	require.NotNil(t, ordering)
	require.EqualValues(t, 7, *ordering)
	require.Equal(t, []byte("payload"), sub.calls[0].Payload)
}

func TestDispatcher_SkipsInactiveService(t *testing.T) {
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	svc := testService(t, reg, false)
	trig := newFakeTrigger()
	eng := &fakeEngine{}
	sub := &fakeSubmission{}

	d := New(Config{Registry: reg, Trigger: trig, Engine: eng, Submission: sub})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop(context.Background())

	trig.out <- envelope.TriggerAction{
		Config: envelope.TriggerConfig{ServiceId: svc.Id, WorkflowId: envelope.DefaultWorkflowId, Trigger: envelope.Trigger{Kind: envelope.TriggerManual}},
		Data:   envelope.TriggerData{Kind: envelope.TriggerDataRaw, Raw: []byte("fire")},
	}

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, eng.calls)
}

func TestDispatcher_RegisterUnregisterDelegatesToTrigger(t *testing.T) {
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	svc := testService(t, reg, true)
	trig := newFakeTrigger()
	d := New(Config{Registry: reg, Trigger: trig, Engine: &fakeEngine{}, Submission: &fakeSubmission{}})

	require.NoError(t, d.RegisterService(context.Background(), svc))
	d.UnregisterService(svc.Id)

	require.Equal(t, []envelope.ServiceId{svc.Id}, trig.added)
	require.Equal(t, []envelope.ServiceId{svc.Id}, trig.removed)
}
