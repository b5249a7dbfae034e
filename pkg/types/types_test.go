package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidInstanceName(t *testing.T) {
	cases := map[string]bool{
		"dev":     true,
		"dev-01":  true,
		"a":       true,
		"01dev":   false,
		"dev.01":  false,
		"":        false,
		"-dev":    false,
		"Dev":     false,
	}
	for name, want := range cases {
		assert.Equalf(t, want, ValidInstanceName(name), "name=%q", name)
	}
}

func TestRuntimeCompatibility(t *testing.T) {
	assert.True(t, RuntimeKata.CompatibleWith(RuntimeRunc))
	assert.True(t, RuntimeRunc.CompatibleWith(RuntimeKata))
	assert.True(t, RuntimeLXC.CompatibleWith(RuntimeLXC))
	assert.False(t, RuntimeLXC.CompatibleWith(RuntimeKVM))
	assert.False(t, RuntimeKata.CompatibleWith(RuntimeLXC))
}

func TestStatusErrorRoundTrip(t *testing.T) {
	s := NewErrorStatus("Pod is %s", "Failed")
	require.Equal(t, "Error: Pod is Failed", s.String())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `"Error: Pod is Failed"`, string(data))

	var got Status
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, s, got)

	assert.Equal(t, StatusCreating, ParseStatus("Creating"))
}

func TestSyncAllocatedResources(t *testing.T) {
	state := &State{
		Nodes: []*Node{
			{
				Name:         "node1",
				CPUTotal:     8,
				MemoryTotal:  16,
				StorageTotal: 100,
				StoragePools: []*StoragePool{{Name: "local", Total: 100}},
			},
		},
		Users: []*User{
			{
				Username: "alice",
				Instances: []*Instance{
					{Name: "i1", CPU: 2, Memory: 4, DiskSize: 20, NodeName: "node1", StoragePool: "local"},
					{Name: "i2", CPU: 1, Memory: 2, DiskSize: 10, NodeName: "node1", StoragePool: "local"},
					{Name: "i3", CPU: 1, Memory: 1, DiskSize: 5}, // unplaced
				},
			},
		},
	}

	SyncAllocatedResources(state)

	n := state.FindNode("node1")
	require.NotNil(t, n)
	assert.Equal(t, 3, n.CPUAllocated)
	assert.Equal(t, 6, n.MemoryAllocated)
	assert.Equal(t, 30, n.StorageAllocated)
	assert.Equal(t, 30, n.StoragePools[0].Allocated)
}

func TestStateCloneIsDeep(t *testing.T) {
	s := &State{Users: []*User{{Username: "alice", Instances: []*Instance{{Name: "i1", CPU: 1}}}}}
	clone := s.Clone()
	clone.Users[0].Instances[0].CPU = 99
	assert.Equal(t, 1, s.Users[0].Instances[0].CPU)
}
