// Package collector runs the 60-second inventory loop that merges node
// and storage-pool capacity from the K8s and LXD backends into State.nodes.
package collector

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tispace-dev/tispace/pkg/backend/k8s"
	lxdbackend "github.com/tispace-dev/tispace/pkg/backend/lxd"
	"github.com/tispace-dev/tispace/pkg/log"
	"github.com/tispace-dev/tispace/pkg/metrics"
	"github.com/tispace-dev/tispace/pkg/store"
	"github.com/tispace-dev/tispace/pkg/types"
)

const tickInterval = 60 * time.Second

// k8sSource is the narrow surface the Collector needs from pkg/backend/k8s.
type k8sSource interface {
	ListNodes(ctx context.Context) ([]k8s.NodeInfo, error)
}

// lxdSource is the narrow surface the Collector needs from pkg/backend/lxd.
type lxdSource interface {
	ListClusterMembers() ([]lxdbackend.NodeInfo, error)
	ListStoragePools() ([]lxdbackend.PoolInfo, error)
}

// Collector periodically re-derives State.nodes from live backend
// inventory. Either source may be nil to disable that backend.
type Collector struct {
	store        *store.Store
	k8sSource    k8sSource
	lxdSource    lxdSource
	cpuFactor    float64
	memoryFactor float64
	logger       zerolog.Logger
	stopCh       chan struct{}
}

// New builds a Collector. cpuFactor/memoryFactor are CPU_OVERCOMMIT_FACTOR
// and MEMORY_OVERCOMMIT_FACTOR; pass 1.0 for no overcommit.
func New(st *store.Store, k8sSrc k8sSource, lxdSrc lxdSource, cpuFactor, memoryFactor float64) *Collector {
	return &Collector{
		store:        st,
		k8sSource:    k8sSrc,
		lxdSource:    lxdSrc,
		cpuFactor:    cpuFactor,
		memoryFactor: memoryFactor,
		logger:       log.WithComponent("collector"),
		stopCh:       make(chan struct{}),
	}
}

// Start begins the collection loop in a background goroutine, running one
// cycle immediately.
func (c *Collector) Start() {
	go func() {
		c.runOnce()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.runOnce()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the collection loop.
func (c *Collector) Stop() { close(c.stopCh) }

func (c *Collector) runOnce() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CollectionDuration)

	merged, err := c.collect()
	if err != nil {
		c.logger.Error().Err(err).Msg("collection cycle failed, leaving existing node inventory untouched")
		return
	}

	err = c.store.ReadWrite(func(s *types.State) bool {
		s.Nodes = merged
		return true
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to persist collected node inventory")
	}
}

// collect queries every configured backend and merges the results. Any
// backend failure aborts the whole cycle so no partial inventory is ever
// written.
func (c *Collector) collect() ([]*types.Node, error) {
	byName := make(map[string]*types.Node)
	order := make([]string, 0)

	get := func(name string) *types.Node {
		n, ok := byName[name]
		if !ok {
			n = &types.Node{Name: name}
			byName[name] = n
			order = append(order, name)
		}
		return n
	}

	if c.k8sSource != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		infos, err := c.k8sSource.ListNodes(ctx)
		cancel()
		if err != nil {
			metrics.CollectionFailuresTotal.WithLabelValues("k8s").Inc()
			return nil, err
		}
		for _, info := range infos {
			n := get(info.Name)
			mergeRuntime(n, types.RuntimeKata)
			mergeRuntime(n, types.RuntimeRunc)
			mergeMinPositive(&n.CPUTotal, info.CPUTotal)
			mergeMinPositive(&n.MemoryTotal, info.MemoryTotal)
		}
	}

	if c.lxdSource != nil {
		members, err := c.lxdSource.ListClusterMembers()
		if err != nil {
			metrics.CollectionFailuresTotal.WithLabelValues("lxd").Inc()
			return nil, err
		}
		for _, info := range members {
			n := get(info.Name)
			mergeRuntime(n, types.RuntimeLXC)
			mergeRuntime(n, types.RuntimeKVM)
			mergeMinPositive(&n.CPUTotal, info.CPUTotal)
			mergeMinPositive(&n.MemoryTotal, info.MemoryTotal)
		}

		pools, err := c.lxdSource.ListStoragePools()
		if err != nil {
			metrics.CollectionFailuresTotal.WithLabelValues("lxd").Inc()
			return nil, err
		}
		for _, info := range pools {
			n := get(info.NodeName)
			pool := findOrAddPool(n, info.PoolName)
			pool.Total += info.TotalGB
			pool.Used += info.UsedGB
			n.StorageTotal += info.TotalGB
			n.StorageUsed += info.UsedGB
		}
	}

	nodes := make([]*types.Node, 0, len(order))
	for _, name := range order {
		n := byName[name]
		n.CPUTotal = int(float64(n.CPUTotal) * c.cpuFactor)
		n.MemoryTotal = int(float64(n.MemoryTotal) * c.memoryFactor)
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func mergeRuntime(n *types.Node, rt types.Runtime) {
	for _, existing := range n.Runtimes {
		if existing == rt {
			return
		}
	}
	n.Runtimes = append(n.Runtimes, rt)
}

// mergeMinPositive keeps the smaller of the two positive values, guarding
// against one backend reporting zero/unknown capacity for a shared node.
func mergeMinPositive(dst *int, val int) {
	if val <= 0 {
		return
	}
	if *dst <= 0 || val < *dst {
		*dst = val
	}
}

func findOrAddPool(n *types.Node, name string) *types.StoragePool {
	if p := n.FindStoragePool(name); p != nil {
		return p
	}
	p := &types.StoragePool{Name: name}
	n.StoragePools = append(n.StoragePools, p)
	return p
}
