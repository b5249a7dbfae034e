// Package store holds TiSpace's entire tenant and placement state as a
// single in-memory types.State guarded by one lock, persisted to a single
// JSON file. There is no replication and no secondary index: every
// component reads and mutates through ReadOnly/ReadWrite/Snapshot, and the
// file on disk is always a complete, consistent point-in-time copy.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/tispace-dev/tispace/pkg/types"
)

// Store is the single-writer state container described above.
type Store struct {
	path string

	mu    sync.RWMutex
	state *types.State
}

// Load reads state from path. A missing file yields an empty State; any
// other read error, or a state file that fails to parse, is fatal since it
// means the on-disk invariant has been violated.
func Load(path string) (*Store, error) {
	state := &types.State{}

	contents, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(contents, state); err != nil {
			return nil, fmt.Errorf("parsing state file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// first run, nothing to load
	default:
		return nil, fmt.Errorf("reading state file %s: %w", path, err)
	}

	return &Store{path: path, state: state}, nil
}

// ReadOnly runs f against the current state under a read lock. f must not
// retain or mutate the *types.State it is given beyond the call.
func (s *Store) ReadOnly(f func(*types.State)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f(s.state)
}

// ReadWrite runs f against a deep clone of the current state. If f returns
// true, the clone is persisted to disk (write-to-temp-file, then rename)
// and becomes the new live state; if persistence fails, the live state is
// left unchanged and the error is returned. If f returns false, the clone
// is discarded and nothing is written.
func (s *Store) ReadWrite(f func(*types.State) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.Clone()
	if !f(next) {
		return nil
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("writing temp state file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming temp state file into place: %w", err)
	}

	s.state = next
	return nil
}

// Snapshot returns a deep clone of the current state, safe for the caller
// to read or mutate without affecting the Store.
func (s *Store) Snapshot() *types.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// NodeAllocation reports one node's current CPU/memory allocation, as last
// computed by types.SyncAllocatedResources.
type NodeAllocation struct {
	Node            string
	CPUAllocated    int
	MemoryAllocated int
}

// PoolAllocation reports one storage pool's current allocation.
type PoolAllocation struct {
	Node      string
	Pool      string
	Allocated int
}

// InstanceCount is the number of instances in a given (runtime, status)
// bucket.
type InstanceCount struct {
	Runtime string
	Status  string
	Count   int
}

// FamilyCount is the number of nodes backing a given runtime family
// ("k8s" or "lxd"); a node supporting both families is counted in both.
type FamilyCount struct {
	Family string
	Count  int
}

// AllocationSummary is a read-only rollup of current placement and tenancy
// state, exposed for observability (metrics refresh) without
// handing callers the live State.
type AllocationSummary struct {
	NodesTotal int
	UsersTotal int
	Families   []FamilyCount
	Nodes      []NodeAllocation
	Pools      []PoolAllocation
	Instances  []InstanceCount
}

// AllocationSummary derives the current rollup directly from the live
// state. It never mutates anything and holds only a read lock.
func (s *Store) AllocationSummary() AllocationSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := AllocationSummary{
		NodesTotal: len(s.state.Nodes),
		UsersTotal: len(s.state.Users),
	}
	var k8sNodes, lxdNodes int
	for _, n := range s.state.Nodes {
		summary.Nodes = append(summary.Nodes, NodeAllocation{
			Node:            n.Name,
			CPUAllocated:    n.CPUAllocated,
			MemoryAllocated: n.MemoryAllocated,
		})
		for _, p := range n.StoragePools {
			summary.Pools = append(summary.Pools, PoolAllocation{
				Node:      n.Name,
				Pool:      p.Name,
				Allocated: p.Allocated,
			})
		}
		var isK8s, isLXD bool
		for _, rt := range n.Runtimes {
			isK8s = isK8s || rt.IsK8s()
			isLXD = isLXD || rt.IsLXD()
		}
		if isK8s {
			k8sNodes++
		}
		if isLXD {
			lxdNodes++
		}
	}
	if k8sNodes > 0 {
		summary.Families = append(summary.Families, FamilyCount{Family: "k8s", Count: k8sNodes})
	}
	if lxdNodes > 0 {
		summary.Families = append(summary.Families, FamilyCount{Family: "lxd", Count: lxdNodes})
	}

	counts := make(map[[2]string]int)
	for _, u := range s.state.Users {
		for _, i := range u.Instances {
			counts[[2]string{string(i.Runtime), string(i.Status.Kind)}]++
		}
	}
	for key, count := range counts {
		summary.Instances = append(summary.Instances, InstanceCount{Runtime: key[0], Status: key[1], Count: count})
	}
	return summary
}
