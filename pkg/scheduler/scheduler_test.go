package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tispace-dev/tispace/pkg/store"
	"github.com/tispace-dev/tispace/pkg/types"
)

func newTestStore(t *testing.T, state *types.State) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	st, err := store.Load(path)
	require.NoError(t, err)
	require.NoError(t, st.ReadWrite(func(s *types.State) bool {
		*s = *state
		return true
	}))
	return st
}

func TestAllocateIPsAssignsUnusedAddress(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{
				{Name: "box", Runtime: types.RuntimeLXC, Status: types.StatusCreating},
			},
		}},
	}
	st := newTestStore(t, state)
	sched := New(st, []string{"10.0.0.1", "10.0.0.2"}, 0)

	require.NoError(t, st.ReadWrite(func(s *types.State) bool {
		sched.allocateIPs(s)
		return true
	}))

	var ip string
	st.ReadOnly(func(s *types.State) { ip = s.Users[0].Instances[0].ExternalIP })
	assert.Contains(t, []string{"10.0.0.1", "10.0.0.2"}, ip)
}

func TestAllocateIPsSkipsNonLXCRuntimes(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{
				{Name: "box", Runtime: types.RuntimeRunc, Status: types.StatusCreating},
			},
		}},
	}
	st := newTestStore(t, state)
	sched := New(st, []string{"10.0.0.1"}, 0)

	require.NoError(t, st.ReadWrite(func(s *types.State) bool {
		sched.allocateIPs(s)
		return true
	}))

	st.ReadOnly(func(s *types.State) {
		assert.Empty(t, s.Users[0].Instances[0].ExternalIP)
	})
}

func TestScheduleBestFitPrefersMoreHeadroom(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{
				{Name: "box", Runtime: types.RuntimeRunc, CPU: 2, Memory: 2, DiskSize: 2, Status: types.StatusCreating},
			},
		}},
		Nodes: []*types.Node{
			{Name: "tight", Runtimes: []types.Runtime{types.RuntimeRunc}, CPUTotal: 4, MemoryTotal: 8, StorageTotal: 100, CPUAllocated: 3},
			{Name: "roomy", Runtimes: []types.Runtime{types.RuntimeRunc}, CPUTotal: 4, MemoryTotal: 8, StorageTotal: 100, CPUAllocated: 0},
		},
	}
	st := newTestStore(t, state)
	sched := New(st, nil, 0)

	require.NoError(t, st.ReadWrite(func(s *types.State) bool {
		sched.schedule(s)
		return true
	}))

	st.ReadOnly(func(s *types.State) {
		assert.Equal(t, "roomy", s.Users[0].Instances[0].NodeName)
	})
}

func TestScheduleNoFeasibleNodeLeavesInstancePending(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{
				{Name: "box", Runtime: types.RuntimeRunc, CPU: 100, Status: types.StatusCreating},
			},
		}},
		Nodes: []*types.Node{
			{Name: "n1", Runtimes: []types.Runtime{types.RuntimeRunc}, CPUTotal: 4, MemoryTotal: 8, StorageTotal: 100},
		},
	}
	st := newTestStore(t, state)
	sched := New(st, nil, 0)

	require.NoError(t, st.ReadWrite(func(s *types.State) bool {
		sched.schedule(s)
		return true
	}))

	st.ReadOnly(func(s *types.State) {
		assert.Empty(t, s.Users[0].Instances[0].NodeName)
		assert.Equal(t, types.StatusCreating, s.Users[0].Instances[0].Status)
	})
}

func TestScheduleExpiresPastPlacementTimeout(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{
				{Name: "box", Runtime: types.RuntimeRunc, CPU: 100, Status: types.StatusCreating},
			},
		}},
		Nodes: []*types.Node{
			{Name: "n1", Runtimes: []types.Runtime{types.RuntimeRunc}, CPUTotal: 4, MemoryTotal: 8, StorageTotal: 100},
		},
	}
	st := newTestStore(t, state)
	sched := New(st, nil, time.Millisecond)

	require.NoError(t, st.ReadWrite(func(s *types.State) bool {
		sched.schedule(s)
		return true
	}))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, st.ReadWrite(func(s *types.State) bool {
		sched.schedule(s)
		return true
	}))

	st.ReadOnly(func(s *types.State) {
		assert.True(t, s.Users[0].Instances[0].Status.IsError())
	})
}

func TestSchedulePicksStoragePoolWithMostFreeSpace(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{
				{Name: "vm", Runtime: types.RuntimeKVM, CPU: 1, Memory: 1, DiskSize: 5, ExternalIP: "10.0.0.1", Status: types.StatusCreating},
			},
		}},
		Nodes: []*types.Node{
			{Name: "n1", Runtimes: []types.Runtime{types.RuntimeKVM}, CPUTotal: 4, MemoryTotal: 8, StorageTotal: 100,
				StoragePools: []*types.StoragePool{
					{Name: "fast", Total: 10},
					{Name: "slow", Total: 50},
				}},
		},
	}
	st := newTestStore(t, state)
	sched := New(st, nil, 0)

	require.NoError(t, st.ReadWrite(func(s *types.State) bool {
		sched.schedule(s)
		return true
	}))

	st.ReadOnly(func(s *types.State) {
		inst := s.Users[0].Instances[0]
		assert.Equal(t, "n1", inst.NodeName)
		assert.Equal(t, "slow", inst.StoragePool, "bigger free pool should win when unpinned")
	})
}
