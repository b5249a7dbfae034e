// Package lxd wraps the official LXD Go SDK client with the narrow surface
// the LXD Reconciler and Collector need: cluster-member/storage-pool
// inventory, and create/start/stop/delete of lxc/kvm instances. Every LXD
// operation call returns the SDK's own error, which already carries the
// `{error_code, error, metadata}` envelope decoding; 404s are mapped to nil
// so callers can treat "already gone" as success the same way the K8s
// backend does.
package lxd

import (
	"fmt"

	lxdclient "github.com/canonical/lxd/client"
	"github.com/canonical/lxd/shared/api"

	"github.com/tispace-dev/tispace/pkg/types"
)

// Client is a thin wrapper over an LXD cluster connection bound to one
// project and image server.
type Client struct {
	server         lxdclient.InstanceServer
	project        string
	imageServerURL string
	poolDriver     string
	prefixLength   int
}

// NewClient connects to the given LXD server URL over TLS using the
// supplied client certificate/key pair (PEM, concatenated or separate as
// the SDK expects), scoped to project.
func NewClient(serverURL, project, imageServerURL, poolDriver string, prefixLength int, clientCert, clientKey string) (*Client, error) {
	args := &lxdclient.ConnectionArgs{
		TLSClientCert: clientCert,
		TLSClientKey:  clientKey,
	}
	server, err := lxdclient.ConnectLXD(serverURL, args)
	if err != nil {
		return nil, fmt.Errorf("connecting to LXD server %s: %w", serverURL, err)
	}
	if project != "" {
		server = server.UseProject(project)
	}
	return &Client{
		server:         server,
		project:        project,
		imageServerURL: imageServerURL,
		poolDriver:     poolDriver,
		prefixLength:   prefixLength,
	}, nil
}

func isNotFound(err error) bool {
	return err != nil && api.StatusErrorCheck(err, 404)
}

// NodeInfo is the Collector-facing view of one cluster member's capacity.
type NodeInfo struct {
	Name        string
	CPUTotal    int
	MemoryTotal int
}

// PoolInfo is the Collector-facing view of one storage pool on one node.
type PoolInfo struct {
	NodeName   string
	PoolName   string
	TotalGB    int
	UsedGB     int
}

// ListClusterMembers returns capacity for every cluster member.
func (c *Client) ListClusterMembers() ([]NodeInfo, error) {
	members, err := c.server.GetClusterMembers()
	if err != nil {
		return nil, fmt.Errorf("listing cluster members: %w", err)
	}
	infos := make([]NodeInfo, 0, len(members))
	for _, m := range members {
		memberServer := c.server.UseTarget(m.ServerName)
		res, err := memberServer.GetServerResources()
		if err != nil {
			return nil, fmt.Errorf("getting resources for member %s: %w", m.ServerName, err)
		}
		cpu := 0
		if res.CPU.Total > 0 {
			cpu = int(res.CPU.Total)
		}
		mem := int(res.Memory.Total >> 30)
		infos = append(infos, NodeInfo{Name: m.ServerName, CPUTotal: cpu, MemoryTotal: mem})
	}
	return infos, nil
}

// ListStoragePools returns one PoolInfo per (member, pool) pair whose pool
// driver matches the configured storage pool driver.
func (c *Client) ListStoragePools() ([]PoolInfo, error) {
	pools, err := c.server.GetStoragePools()
	if err != nil {
		return nil, fmt.Errorf("listing storage pools: %w", err)
	}
	members, err := c.server.GetClusterMembers()
	if err != nil {
		return nil, fmt.Errorf("listing cluster members: %w", err)
	}

	var infos []PoolInfo
	for _, pool := range pools {
		if pool.Driver != c.poolDriver {
			continue
		}
		for _, m := range members {
			memberServer := c.server.UseTarget(m.ServerName)
			state, err := memberServer.GetStoragePoolResources(pool.Name)
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return nil, fmt.Errorf("getting resources for pool %s on %s: %w", pool.Name, m.ServerName, err)
			}
			infos = append(infos, PoolInfo{
				NodeName: m.ServerName,
				PoolName: pool.Name,
				TotalGB:  int(state.Space.Total >> 30),
				UsedGB:   int(state.Space.Used >> 30),
			})
		}
	}
	return infos, nil
}

// GetInstanceState returns the observed status/network info for an
// instance, or (nil, nil) if it doesn't exist.
func (c *Client) GetInstanceState(name string) (*api.InstanceState, error) {
	state, _, err := c.server.GetInstanceState(name)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting instance state %s: %w", name, err)
	}
	return state, nil
}

// CreateInstance creates inst's LXD instance on target, pinned to pool and
// sized per inst's cpu/memory/disk_size, and waits for the operation to finish.
func (c *Client) CreateInstance(target, pool string, inst *types.Instance) error {
	alias, err := imageAlias(inst.Image)
	if err != nil {
		return err
	}
	instType := api.InstanceTypeContainer
	if inst.Runtime == types.RuntimeKVM {
		instType = api.InstanceTypeVM
	}

	req := api.InstancesPost{
		Name: inst.Name,
		Type: instType,
		Source: api.InstanceSource{
			Type:        "image",
			Alias:       alias,
			Server:      c.imageServerURL,
			Protocol:    "simplestreams",
			ImageType:   imageTypeFor(inst.Runtime),
			Fingerprint: "",
		},
		InstancePut: api.InstancePut{
			Config: map[string]string{
				"limits.cpu":    fmt.Sprintf("%d", inst.CPU),
				"limits.memory": fmt.Sprintf("%dGiB", inst.Memory),
				"user.hostname": inst.Name,
				"user.password": inst.Password,
			},
			Devices: map[string]map[string]string{
				"root": {
					"type": "disk",
					"path": "/",
					"pool": pool,
					"size": fmt.Sprintf("%dGiB", inst.DiskSize),
				},
				"eth0": {
					"type":    "nic",
					"network": "lxdbr0",
				},
				"eth1": {
					"type":         "nic",
					"network":      "lxdbr0",
					"ipv4.address": inst.ExternalIP,
				},
			},
		},
	}

	op, err := c.server.UseTarget(target).CreateInstance(req)
	if err != nil {
		return fmt.Errorf("creating instance %s: %w", inst.Name, err)
	}
	if err := op.Wait(); err != nil {
		return fmt.Errorf("waiting for instance %s to be created: %w", inst.Name, err)
	}
	return nil
}

// UpdateInstanceLimits patches cpu/memory limits while the instance is
// stopped (LXD requires container to be off to resize some resources).
func (c *Client) UpdateInstanceLimits(name string, cpu, memory int) error {
	inst, etag, err := c.server.GetInstance(name)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("getting instance %s: %w", name, err)
	}
	if inst.Config == nil {
		inst.Config = map[string]string{}
	}
	inst.Config["limits.cpu"] = fmt.Sprintf("%d", cpu)
	inst.Config["limits.memory"] = fmt.Sprintf("%dGiB", memory)

	op, err := c.server.UpdateInstance(name, inst.InstancePut, etag)
	if err != nil {
		return fmt.Errorf("updating instance %s limits: %w", name, err)
	}
	return op.Wait()
}

// StartInstance starts a stopped instance; 404 is success.
func (c *Client) StartInstance(name string) error {
	return c.changeState(name, api.InstanceStateAction{Action: "start", Timeout: -1})
}

// StopInstance stops a running instance; 404 is success.
func (c *Client) StopInstance(name string) error {
	return c.changeState(name, api.InstanceStateAction{Action: "stop", Timeout: -1, Force: true})
}

func (c *Client) changeState(name string, action api.InstanceStateAction) error {
	op, err := c.server.UpdateInstanceState(name, action, "")
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("changing state of instance %s to %s: %w", name, action.Action, err)
	}
	return op.Wait()
}

// DeleteInstance deletes an instance; 404 is success.
func (c *Client) DeleteInstance(name string) error {
	op, err := c.server.DeleteInstance(name)
	if isNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting instance %s: %w", name, err)
	}
	return op.Wait()
}

func imageTypeFor(runtime types.Runtime) string {
	if runtime == types.RuntimeKVM {
		return "virtual-machine"
	}
	return "container"
}

// imageAlias maps every supported Image to the alias published on the
// configured simplestreams image server.
func imageAlias(img types.Image) (string, error) {
	switch img {
	case types.ImageCentOS7:
		return "centos/7", nil
	case types.ImageCentOS8:
		return "centos/8", nil
	case types.ImageCentOS9Stream:
		return "centos/9-Stream", nil
	case types.ImageUbuntu2004:
		return "ubuntu/20.04", nil
	case types.ImageUbuntu2204:
		return "ubuntu/22.04", nil
	default:
		return "", fmt.Errorf("invalid image %q for LXD backend", img)
	}
}

// FirstGlobalIPv4 returns the first global-scope IPv4 address reported on
// eth0 or enp5s0, the interface-naming convention that differs between
// LXC (eth0) and cloud-init-driven VM images (enp5s0).
func FirstGlobalIPv4(state *api.InstanceState) string {
	if state == nil || state.Network == nil {
		return ""
	}
	for _, iface := range []string{"eth0", "enp5s0"} {
		net, ok := state.Network[iface]
		if !ok {
			continue
		}
		for _, addr := range net.Addresses {
			if addr.Family == "inet" && addr.Scope == "global" {
				return addr.Address
			}
		}
	}
	return ""
}
