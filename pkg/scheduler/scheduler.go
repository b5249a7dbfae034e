// Package scheduler runs the placement loop: it hands external IPs to
// lxc/kvm instances that need one, then bin-packs every instance
// still waiting on a node/storage-pool assignment onto the best-fit
// backend node.
package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tispace-dev/tispace/pkg/log"
	"github.com/tispace-dev/tispace/pkg/metrics"
	"github.com/tispace-dev/tispace/pkg/store"
	"github.com/tispace-dev/tispace/pkg/types"
)

const tickInterval = 3 * time.Second

// Scheduler is the single placement loop described above. It is safe to
// run exactly one instance per Store.
type Scheduler struct {
	store            *store.Store
	ipPool           []string
	placementTimeout time.Duration
	logger           zerolog.Logger

	stopCh chan struct{}

	mu        sync.Mutex
	firstSeen map[string]time.Time // "username/instance" -> when it first needed placement
}

// New creates a Scheduler. ipPool is the full external-IP address list
// (already expanded from config.Config.ExternalIPPool); it is shuffled
// fresh every cycle so repeated exhaustion doesn't always starve the same
// tail of the pool.
func New(st *store.Store, ipPool []string, placementTimeout time.Duration) *Scheduler {
	return &Scheduler{
		store:            st,
		ipPool:           ipPool,
		placementTimeout: placementTimeout,
		logger:           log.WithComponent("scheduler"),
		stopCh:           make(chan struct{}),
		firstSeen:        make(map[string]time.Time),
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop halts the scheduler loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) runOnce() {
	timer := metrics.NewTimer()
	err := s.store.ReadWrite(func(state *types.State) bool {
		s.allocateIPs(state)
		types.SyncAllocatedResources(state)
		s.schedule(state)
		return true
	})
	timer.ObserveDuration(metrics.SchedulingLatency)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduler cycle failed to persist state")
		return
	}
	metrics.RefreshAllocation(s.store.AllocationSummary())
}

// allocateIPs hands lxc/kvm instances missing an ExternalIP the next
// unused address from a freshly shuffled copy of the pool.
func (s *Scheduler) allocateIPs(state *types.State) {
	if len(s.ipPool) == 0 {
		return
	}

	inUse := make(map[string]bool)
	for _, u := range state.Users {
		for _, i := range u.Instances {
			if i.ExternalIP != "" {
				inUse[i.ExternalIP] = true
			}
		}
	}

	pool := make([]string, len(s.ipPool))
	copy(pool, s.ipPool)
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	for _, u := range state.Users {
		for _, i := range u.Instances {
			if i.Status != types.StatusCreating {
				continue
			}
			if i.Runtime != types.RuntimeLXC && i.Runtime != types.RuntimeKVM {
				continue
			}
			if i.ExternalIP != "" {
				continue
			}
			assigned := false
			for _, ip := range pool {
				if !inUse[ip] {
					i.ExternalIP = ip
					inUse[ip] = true
					assigned = true
					break
				}
			}
			if !assigned {
				s.logger.Warn().Str("instance", i.Name).Msg("external IP pool is exhausted, no more IPs available")
				return
			}
		}
	}
}

// schedule assigns a node (and, for lxc/kvm, a storage pool) to every
// instance still waiting on placement, applying the placement timeout to
// instances that have waited too long.
func (s *Scheduler) schedule(state *types.State) {
	now := time.Now()
	var pending []*types.Instance
	var owners []string
	for _, u := range state.Users {
		for _, i := range u.Instances {
			if !i.NeedsPlacement() {
				continue
			}
			pending = append(pending, i)
			owners = append(owners, u.Username)
		}
	}

	s.expirePastDeadline(state, pending, owners, now)
	if len(pending) == 0 {
		return
	}

	for idx, i := range pending {
		if i.Status != types.StatusCreating {
			continue // expired above, already turned into an Error status
		}
		node, pool := bestFit(state.Nodes, i)
		if node == nil {
			s.logger.Warn().Str("instance", i.Name).Msg("no node has enough resources to schedule instance")
			continue
		}

		// Commit the allocation into the working copy immediately so later
		// instances in this same pass see the reduced headroom.
		node.CPUAllocated += i.CPU
		node.MemoryAllocated += i.Memory
		node.StorageAllocated += i.DiskSize

		i.NodeName = node.Name
		switch i.Runtime {
		case types.RuntimeLXC, types.RuntimeKVM:
			pool.Allocated += i.DiskSize
			i.StoragePool = pool.Name
			log.WithNode(node.Name).Info().Str("instance", i.Name).Str("storage_pool", pool.Name).
				Msg("scheduled instance")
		default:
			log.WithNode(node.Name).Info().Str("instance", i.Name).Msg("scheduled instance")
		}
		metrics.InstancesScheduled.Inc()
		s.forget(owners[idx], i.Name)
	}
}

// expirePastDeadline marks instances that have exceeded placementTimeout
// as Status=Error instead of leaving them stuck in Creating forever.
func (s *Scheduler) expirePastDeadline(state *types.State, pending []*types.Instance, owners []string, now time.Time) {
	if s.placementTimeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seenNow := make(map[string]bool, len(pending))
	for idx, i := range pending {
		key := owners[idx] + "/" + i.Name
		seenNow[key] = true
		first, ok := s.firstSeen[key]
		if !ok {
			s.firstSeen[key] = now
			continue
		}
		if now.Sub(first) >= s.placementTimeout {
			i.Status = types.NewErrorStatus("no eligible node found within %s", s.placementTimeout)
			metrics.InstancesPlacementFailed.Inc()
			s.logger.Error().Str("instance", i.Name).Str("user", owners[idx]).
				Msg("instance exceeded placement timeout, marking Error")
			delete(s.firstSeen, key)
		}
	}
	for key := range s.firstSeen {
		if !seenNow[key] {
			delete(s.firstSeen, key)
		}
	}
}

func (s *Scheduler) forget(username, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.firstSeen, username+"/"+name)
}

// bestFit returns the node (and, for runtimes that need one, storage pool)
// with the most slack among nodes that can fit instance i, per the
// lexicographic cpu/memory/storage tie-break order.
func bestFit(nodes []*types.Node, i *types.Instance) (*types.Node, *types.StoragePool) {
	var best *types.Node
	for _, n := range nodes {
		if i.NodeName != "" && i.NodeName != n.Name {
			continue
		}
		if !n.SupportsRuntime(i.Runtime) {
			continue
		}
		if i.CPU+n.CPUAllocated > n.CPUTotal ||
			i.Memory+n.MemoryAllocated > n.MemoryTotal ||
			i.DiskSize+n.StorageAllocated > n.StorageTotal ||
			i.DiskSize+n.StorageUsed > n.StorageTotal {
			continue
		}
		if i.Runtime.IsLXD() && findStoragePoolFor(n, i) == nil {
			continue
		}

		if best == nil || betterFit(n, best) {
			best = n
		}
	}
	if best == nil {
		return nil, nil
	}
	return best, findStoragePoolFor(best, i)
}

// findStoragePoolFor returns the storage pool on n with the most headroom
// that can fit i's disk, honoring a pinned StoragePool if i already has one.
func findStoragePoolFor(n *types.Node, i *types.Instance) *types.StoragePool {
	var best *types.StoragePool
	for _, p := range n.StoragePools {
		if i.StoragePool != "" && i.StoragePool != p.Name {
			continue
		}
		u := p.Allocated
		if p.Used > u {
			u = p.Used
		}
		if u+i.DiskSize > p.Total {
			continue
		}
		if best == nil || p.Free() > best.Free() {
			best = p
		}
	}
	return best
}

// betterFit reports whether candidate has more headroom than current,
// comparing free cpu, then free memory, then free storage in that order.
func betterFit(candidate, current *types.Node) bool {
	cCPU := candidate.CPUTotal - candidate.CPUAllocated
	rCPU := current.CPUTotal - current.CPUAllocated
	if cCPU != rCPU {
		return cCPU > rCPU
	}
	cMem := candidate.MemoryTotal - candidate.MemoryAllocated
	rMem := current.MemoryTotal - current.MemoryAllocated
	if cMem != rMem {
		return cMem > rMem
	}
	cStorage := candidate.StorageTotal - max(candidate.StorageAllocated, candidate.StorageUsed)
	rStorage := current.StorageTotal - max(current.StorageAllocated, current.StorageUsed)
	return cStorage > rStorage
}
