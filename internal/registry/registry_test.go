package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avs-mesh/wavsnode/internal/envelope"
)

func validService() Service {
	return Service{
		Name:   "price-feed",
		Active: true,
		Manager: envelope.ServiceManagerRef{
			Chain:   envelope.ChainKey{Namespace: "evm", Reference: "1"},
			Address: "0x00000000000000000000000000000000000000aa",
		},
		Workflows: map[envelope.WorkflowId]Workflow{
			envelope.DefaultWorkflowId: {
				Id:      envelope.DefaultWorkflowId,
				Trigger: envelope.Trigger{Kind: envelope.TriggerManual},
				Component: ComponentSource{
					Kind:   SourceDigest,
					Digest: &envelope.ComponentDigest{1, 2, 3},
				},
				Permissions: Permissions{EnvKeys: []string{"WAVS_ENV_API_KEY"}},
			},
		},
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSave_RejectsEmptyName(t *testing.T) {
	svc := validService()
	svc.Name = ""
	require.Error(t, svc.Validate())
}

func TestSave_RejectsMissingTriggerOrComponent(t *testing.T) {
	svc := validService()
	wf := svc.Workflows[envelope.DefaultWorkflowId]
	wf.Trigger = envelope.Trigger{}
	svc.Workflows[envelope.DefaultWorkflowId] = wf
	require.Error(t, svc.Validate())
}

func TestSave_RejectsBadEnvKeyPrefix(t *testing.T) {
	svc := validService()
	wf := svc.Workflows[envelope.DefaultWorkflowId]
	wf.Permissions.EnvKeys = []string{"API_KEY"}
	svc.Workflows[envelope.DefaultWorkflowId] = wf
	require.Error(t, svc.Validate())
}

func TestSave_RejectsBlockIntervalStartAfterEnd(t *testing.T) {
	svc := validService()
	start, end := uint64(10), uint64(5)
	wf := svc.Workflows[envelope.DefaultWorkflowId]
	wf.Trigger = envelope.Trigger{
		Kind: envelope.TriggerBlockInterval,
		Block: &envelope.BlockIntervalSpec{
			Chain:      envelope.ChainKey{Namespace: "evm", Reference: "1"},
			NBlocks:    5,
			StartBlock: &start,
			EndBlock:   &end,
		},
	}
	svc.Workflows[envelope.DefaultWorkflowId] = wf
	require.Error(t, svc.Validate())
}

func TestStore_SaveGetExistsRemove(t *testing.T) {
	s := openTestStore(t)
	svc := validService()

	id, err := s.Save(svc)
	require.NoError(t, err)

	exists, err := s.Exists(id)
	require.NoError(t, err)
	require.True(t, exists)

	got, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, svc.Name, got.Name)

	active, err := s.IsActive(id)
	require.NoError(t, err)
	require.True(t, active)

	wf, err := s.GetWorkflow(id, envelope.DefaultWorkflowId)
	require.NoError(t, err)
	require.Equal(t, envelope.DefaultWorkflowId, wf.Id)

	require.NoError(t, s.Remove(id))
	exists, err = s.Exists(id)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestStore_Save_Idempotent_SameContentSameId(t *testing.T) {
	s := openTestStore(t)
	svc := validService()

	id1, err := s.Save(svc)
	require.NoError(t, err)
	id2, err := s.Save(svc)
	require.NoError(t, err)
	require.Equal(t, id1, id2, "identical service content must derive the same ServiceId")
}

func TestStore_List(t *testing.T) {
	s := openTestStore(t)
	svc1 := validService()
	svc2 := validService()
	svc2.Name = "other-feed"

	_, err := s.Save(svc1)
	require.NoError(t, err)
	_, err = s.Save(svc2)
	require.NoError(t, err)

	all, err := s.List(nil, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
