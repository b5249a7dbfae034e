package reconciler

import (
	"testing"

	"github.com/canonical/lxd/shared/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tispace-dev/tispace/pkg/secrets"
	"github.com/tispace-dev/tispace/pkg/types"
)

// fakeLXDBackend is an in-memory stand-in for pkg/backend/lxd.Client that
// tracks instance lifecycle calls without a real LXD cluster.
type fakeLXDBackend struct {
	states    map[string]*api.InstanceState
	created   map[string]bool
	started   map[string]bool
	stopped   map[string]bool
	deleted   map[string]bool
	limits    map[string][2]int
	passwords map[string]string
}

func newFakeLXDBackend() *fakeLXDBackend {
	return &fakeLXDBackend{
		states:    map[string]*api.InstanceState{},
		created:   map[string]bool{},
		started:   map[string]bool{},
		stopped:   map[string]bool{},
		deleted:   map[string]bool{},
		limits:    map[string][2]int{},
		passwords: map[string]string{},
	}
}

func (f *fakeLXDBackend) GetInstanceState(name string) (*api.InstanceState, error) {
	return f.states[name], nil
}
func (f *fakeLXDBackend) CreateInstance(target, pool string, inst *types.Instance) error {
	f.created[inst.Name] = true
	f.passwords[inst.Name] = inst.Password
	f.states[inst.Name] = &api.InstanceState{Status: "Stopped"}
	return nil
}
func (f *fakeLXDBackend) UpdateInstanceLimits(name string, cpu, memory int) error {
	f.limits[name] = [2]int{cpu, memory}
	return nil
}
func (f *fakeLXDBackend) StartInstance(name string) error {
	f.started[name] = true
	if existing, ok := f.states[name]; ok {
		existing.Status = "Running"
		return nil
	}
	f.states[name] = &api.InstanceState{Status: "Running"}
	return nil
}
func (f *fakeLXDBackend) StopInstance(name string) error {
	f.stopped[name] = true
	f.states[name] = &api.InstanceState{Status: "Stopped"}
	return nil
}
func (f *fakeLXDBackend) DeleteInstance(name string) error {
	f.deleted[name] = true
	delete(f.states, name)
	return nil
}

func TestLXDReconcilerCreatesInstanceOnceFullyPlaced(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{{
				Name: "box", Runtime: types.RuntimeLXC, Image: types.ImageUbuntu2004,
				CPU: 2, Memory: 2, DiskSize: 20,
				Stage: types.StageRunning, Status: types.StatusCreating,
				NodeName: "lxd01", StoragePool: "local", ExternalIP: "192.0.2.10",
			}},
		}},
	}
	st := newTestStore(t, state)
	backend := newFakeLXDBackend()
	r := newLXDReconciler(st, backend, 24, nil)

	r.runOnce()

	assert.True(t, backend.created["alice-box"])
}

func TestLXDReconcilerSkipsInstanceMissingPlacementFields(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{{
				Name: "box", Runtime: types.RuntimeKVM, Stage: types.StageRunning, Status: types.StatusCreating,
			}},
		}},
	}
	st := newTestStore(t, state)
	backend := newFakeLXDBackend()
	r := newLXDReconciler(st, backend, 24, nil)

	r.runOnce()

	assert.Empty(t, backend.created)
}

func TestLXDReconcilerObservesRunningStateAndInternalIP(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{{
				Name: "box", Runtime: types.RuntimeLXC, Stage: types.StageRunning, Status: types.StatusStarting,
				NodeName: "lxd01", StoragePool: "local", ExternalIP: "192.0.2.10",
			}},
		}},
	}
	st := newTestStore(t, state)
	backend := newFakeLXDBackend()
	backend.states["alice-box"] = &api.InstanceState{
		Status: "Running",
		Network: map[string]api.InstanceStateNetwork{
			"eth0": {Addresses: []api.InstanceStateNetworkAddress{
				{Family: "inet", Scope: "global", Address: "10.20.0.9"},
			}},
		},
	}
	r := newLXDReconciler(st, backend, 24, nil)

	r.runOnce()

	st.ReadOnly(func(s *types.State) {
		inst := s.Users[0].Instances[0]
		assert.Equal(t, types.StatusRunning, inst.Status)
		assert.Equal(t, "10.20.0.9", inst.InternalIP)
	})
}

func TestLXDReconcilerStopsInstanceForStoppedStage(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{{
				Name: "box", Runtime: types.RuntimeKVM, Stage: types.StageStopped, Status: types.StatusRunning,
				NodeName: "lxd01", StoragePool: "local", ExternalIP: "192.0.2.11",
			}},
		}},
	}
	st := newTestStore(t, state)
	backend := newFakeLXDBackend()
	backend.states["alice-box"] = &api.InstanceState{Status: "Running"}
	r := newLXDReconciler(st, backend, 24, nil)

	r.runOnce()

	assert.True(t, backend.stopped["alice-box"])
}

func TestLXDReconcilerSyncsLimitsAndRestartsWhenStoppedUnderRunningStage(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{{
				Name: "box", Runtime: types.RuntimeLXC, Stage: types.StageRunning, Status: types.StatusStopped,
				CPU: 4, Memory: 8, NodeName: "lxd01", StoragePool: "local", ExternalIP: "192.0.2.10",
			}},
		}},
	}
	st := newTestStore(t, state)
	backend := newFakeLXDBackend()
	backend.states["alice-box"] = &api.InstanceState{Status: "Stopped"}
	r := newLXDReconciler(st, backend, 24, nil)

	r.runOnce()

	require.Contains(t, backend.limits, "alice-box")
	assert.Equal(t, [2]int{4, 8}, backend.limits["alice-box"])
	assert.True(t, backend.started["alice-box"])
}

func TestLXDReconcilerDeletesAfterStoppingForDeletedStage(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{{
				Name: "box", Runtime: types.RuntimeLXC, Stage: types.StageDeleted, Status: types.StatusDeleting,
				NodeName: "lxd01", StoragePool: "local", ExternalIP: "192.0.2.10",
			}},
		}},
	}
	st := newTestStore(t, state)
	backend := newFakeLXDBackend()
	r := newLXDReconciler(st, backend, 24, nil)

	r.runOnce()

	assert.True(t, backend.deleted["alice-box"])
}

func TestLXDReconcilerDecryptsPasswordBeforeHandingToBackend(t *testing.T) {
	key := make([]byte, 32)
	mgr, err := secrets.NewManager(key)
	require.NoError(t, err)
	ciphertext, err := mgr.EncryptPassword("hunter2")
	require.NoError(t, err)

	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{{
				Name: "box", Runtime: types.RuntimeLXC, Image: types.ImageUbuntu2004,
				CPU: 2, Memory: 2, DiskSize: 20, Password: ciphertext,
				Stage: types.StageRunning, Status: types.StatusCreating,
				NodeName: "lxd01", StoragePool: "local", ExternalIP: "192.0.2.10",
			}},
		}},
	}
	st := newTestStore(t, state)
	backend := newFakeLXDBackend()
	r := newLXDReconciler(st, backend, 24, mgr)

	r.runOnce()

	assert.Equal(t, "hunter2", backend.passwords["alice-box"])

	var after types.State
	st.ReadOnly(func(s *types.State) { after = *s.Clone() })
	assert.Equal(t, ciphertext, after.Users[0].Instances[0].Password)
}

func TestLXDReconcilerRemovesInstanceOn404AfterDeleted(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{{
				Name: "box", Runtime: types.RuntimeLXC, Stage: types.StageDeleted, Status: types.StatusDeleting,
				NodeName: "lxd01", StoragePool: "local", ExternalIP: "192.0.2.10",
			}},
		}},
	}
	st := newTestStore(t, state)
	backend := newFakeLXDBackend() // states map empty => GetInstanceState returns nil, 404-equivalent
	r := newLXDReconciler(st, backend, 24, nil)

	r.runOnce()

	st.ReadOnly(func(s *types.State) {
		assert.Empty(t, s.Users[0].Instances)
	})
}
