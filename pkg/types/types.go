// Package types defines the core data model shared by every TiSpace
// component: the declarative State tree the Store persists, the
// user-facing Instance lifecycle (Stage vs Status), and the Node/
// StoragePool inventory the Collector and Scheduler operate on.
package types

import "regexp"

// nameRegexp matches the DNS-label-compatible instance name grammar.
var nameRegexp = regexp.MustCompile(`^[a-z]([-a-z0-9]{0,61}[a-z0-9])?$`)

// ValidInstanceName reports whether name satisfies the instance naming rule.
func ValidInstanceName(name string) bool {
	return nameRegexp.MatchString(name)
}

// State is the single authoritative document persisted by the Store.
type State struct {
	Users []*User `json:"users"`
	Nodes []*Node `json:"nodes"`
}

// FindUser returns the user with the given username, or nil.
func (s *State) FindUser(username string) *User {
	for _, u := range s.Users {
		if u.Username == username {
			return u
		}
	}
	return nil
}

// FindNode returns the node with the given name, or nil.
func (s *State) FindNode(name string) *Node {
	for _, n := range s.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// Clone returns a deep copy of the state, used by the Store to mutate a
// working copy inside read_write without exposing committed state to a
// caller that might fail partway through.
func (s *State) Clone() *State {
	if s == nil {
		return &State{}
	}
	out := &State{
		Users: make([]*User, len(s.Users)),
		Nodes: make([]*Node, len(s.Nodes)),
	}
	for i, u := range s.Users {
		out.Users[i] = u.clone()
	}
	for i, n := range s.Nodes {
		out.Nodes[i] = n.clone()
	}
	return out
}

// User owns a quota and a list of instances. Users are seeded externally;
// the controller never creates or deletes them.
type User struct {
	Username      string      `json:"username"`
	CPUQuota      int         `json:"cpu_quota"`
	MemoryQuota   int         `json:"memory_quota"`
	DiskQuota     int         `json:"disk_quota"`
	InstanceQuota int         `json:"instance_quota"`
	Instances     []*Instance `json:"instances"`
}

func (u *User) clone() *User {
	out := *u
	out.Instances = make([]*Instance, len(u.Instances))
	for i, inst := range u.Instances {
		out.Instances[i] = inst.clone()
	}
	return &out
}

// FindInstance returns the named instance owned by u, or nil.
func (u *User) FindInstance(name string) *Instance {
	for _, i := range u.Instances {
		if i.Name == name {
			return i
		}
	}
	return nil
}

// UsageTotals sums the resources of every instance the user currently has,
// excluding the instance named except (used by UpdateInstance to re-check
// quotas against the instance's *new* resource request).
func (u *User) UsageTotals(except string) (cpu, memory, disk, count int) {
	for _, i := range u.Instances {
		if i.Name == except {
			continue
		}
		cpu += i.CPU
		memory += i.Memory
		disk += i.DiskSize
		count++
	}
	return
}

// Instance is keyed by (username, name) within its owning User.
type Instance struct {
	Name        string  `json:"name"`
	CPU         int     `json:"cpu"`
	Memory      int     `json:"memory"`
	DiskSize    int     `json:"disk_size"`
	Image       Image   `json:"image"`
	Runtime     Runtime `json:"runtime"`
	Password    string  `json:"password"` // AES-256-GCM ciphertext, base64 (see pkg/secrets); plaintext when no secrets key is set
	Stage       Stage   `json:"stage"`
	Status      Status  `json:"status"`
	NodeName    string  `json:"node_name,omitempty"`
	StoragePool string  `json:"storage_pool,omitempty"`
	InternalIP  string  `json:"internal_ip,omitempty"`
	ExternalIP  string  `json:"external_ip,omitempty"`
	SSHHost     string  `json:"ssh_host,omitempty"`
	SSHPort     int     `json:"ssh_port,omitempty"`
}

func (i *Instance) clone() *Instance {
	out := *i
	return &out
}

// NeedsPlacement reports whether the Scheduler still owes this instance a
// node/storage-pool assignment.
func (i *Instance) NeedsPlacement() bool {
	if i.Status != StatusCreating {
		return false
	}
	switch i.Runtime {
	case RuntimeLXC, RuntimeKVM:
		return i.ExternalIP != "" && (i.NodeName == "" || i.StoragePool == "")
	default:
		return i.NodeName == ""
	}
}

// Node is a backend compute host (K8s node or LXD cluster member).
type Node struct {
	Name             string         `json:"name"`
	Runtimes         []Runtime      `json:"runtimes"`
	CPUTotal         int            `json:"cpu_total"`
	MemoryTotal      int            `json:"memory_total"`
	StorageTotal     int            `json:"storage_total"`
	StorageUsed      int            `json:"storage_used"`
	CPUAllocated     int            `json:"cpu_allocated"`
	MemoryAllocated  int            `json:"memory_allocated"`
	StorageAllocated int            `json:"storage_allocated"`
	StoragePools     []*StoragePool `json:"storage_pools"`
}

func (n *Node) clone() *Node {
	out := *n
	out.Runtimes = append([]Runtime(nil), n.Runtimes...)
	out.StoragePools = make([]*StoragePool, len(n.StoragePools))
	for i, p := range n.StoragePools {
		cp := *p
		out.StoragePools[i] = &cp
	}
	return &out
}

// SupportsRuntime reports whether the node's runtime set contains rt.
func (n *Node) SupportsRuntime(rt Runtime) bool {
	for _, r := range n.Runtimes {
		if r == rt {
			return true
		}
	}
	return false
}

// FindStoragePool returns the named pool on n, or nil.
func (n *Node) FindStoragePool(name string) *StoragePool {
	for _, p := range n.StoragePools {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// StoragePool is a named storage area on a Node.
type StoragePool struct {
	Name      string `json:"name"`
	Total     int    `json:"total"`
	Used      int    `json:"used"`
	Allocated int    `json:"allocated"`
}

// Free returns the pool's usable headroom: total minus the larger of used
// and allocated, matching the scheduler's max(allocated, used) convention.
func (p *StoragePool) Free() int {
	u := p.Allocated
	if p.Used > u {
		u = p.Used
	}
	return p.Total - u
}

// SyncAllocatedResources recomputes every Node's and StoragePool's
// *_allocated counters from the current instance set. It is a pure
// function over State: callers must hold whatever lock protects state for
// the duration of the call.
func SyncAllocatedResources(s *State) {
	for _, n := range s.Nodes {
		n.CPUAllocated = 0
		n.MemoryAllocated = 0
		n.StorageAllocated = 0
		for _, p := range n.StoragePools {
			p.Allocated = 0
		}
	}
	for _, u := range s.Users {
		for _, i := range u.Instances {
			if i.NodeName == "" {
				continue
			}
			n := s.FindNode(i.NodeName)
			if n == nil {
				continue
			}
			n.CPUAllocated += i.CPU
			n.MemoryAllocated += i.Memory
			n.StorageAllocated += i.DiskSize
			if i.StoragePool != "" {
				if p := n.FindStoragePool(i.StoragePool); p != nil {
					p.Allocated += i.DiskSize
				}
			}
		}
	}
}
