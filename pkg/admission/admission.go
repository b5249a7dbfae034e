// Package admission implements every instance lifecycle handler: each
// mutating one commits through a single Store.ReadWrite so every invariant
// (quotas, uniqueness, Stage legality) is re-checked against the live
// state rather than a value read earlier. Admission never touches an
// external backend directly — it only ever mutates State; the Scheduler
// and reconcilers pick up the change on their next cycle.
package admission

import (
	"crypto/rand"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tispace-dev/tispace/pkg/apierrors"
	"github.com/tispace-dev/tispace/pkg/log"
	"github.com/tispace-dev/tispace/pkg/metrics"
	"github.com/tispace-dev/tispace/pkg/secrets"
	"github.com/tispace-dev/tispace/pkg/store"
	"github.com/tispace-dev/tispace/pkg/types"
)

// Admission holds the dependencies every handler needs.
type Admission struct {
	store   *store.Store
	secrets *secrets.Manager // nil disables at-rest encryption of passwords
	logger  zerolog.Logger
}

// New builds an Admission. secretsManager may be nil, in which case
// passwords are stored in plaintext (useful for tests and for deployments
// that don't set TISPACE_SECRETS_KEY).
func New(st *store.Store, secretsManager *secrets.Manager) *Admission {
	return &Admission{store: st, secrets: secretsManager, logger: log.WithComponent("admission")}
}

// CreateInstanceRequest is the parsed body of POST /instances.
type CreateInstanceRequest struct {
	Name        string
	CPU         int
	Memory      int
	DiskSize    int
	Image       string
	Runtime     string
	NodeName    string
	StoragePool string
}

// UpdateInstanceRequest is the parsed body of PATCH /instances/:name. A nil
// field means "leave unchanged".
type UpdateInstanceRequest struct {
	CPU     *int
	Memory  *int
	Runtime *string
}

// InstanceDTO is the externally-visible rendering of an Instance.
type InstanceDTO struct {
	Name        string `json:"hostname"`
	CPU         int    `json:"cpu"`
	Memory      int    `json:"memory"`
	DiskSize    int    `json:"disk_size"`
	Image       string `json:"image"`
	Runtime     string `json:"runtime"`
	Stage       string `json:"stage"`
	Status      string `json:"status"`
	NodeName    string `json:"node_name,omitempty"`
	StoragePool string `json:"storage_pool,omitempty"`
	InternalIP  string `json:"internal_ip,omitempty"`
	ExternalIP  string `json:"external_ip,omitempty"`
	SSHHost     string `json:"ssh_host,omitempty"`
	SSHPort     int    `json:"ssh_port,omitempty"`
}

func toDTO(i *types.Instance) InstanceDTO {
	return InstanceDTO{
		Name: i.Name, CPU: i.CPU, Memory: i.Memory, DiskSize: i.DiskSize,
		Image: string(i.Image), Runtime: string(i.Runtime),
		Stage: string(i.Stage), Status: i.Status.String(),
		NodeName: i.NodeName, StoragePool: i.StoragePool,
		InternalIP: i.InternalIP, ExternalIP: i.ExternalIP,
		SSHHost: i.SSHHost, SSHPort: i.SSHPort,
	}
}

// ListInstances returns the authenticated user's instances.
func (a *Admission) ListInstances(username string) ([]InstanceDTO, error) {
	var dtos []InstanceDTO
	var outerErr error
	a.store.ReadOnly(func(s *types.State) {
		u := s.FindUser(username)
		if u == nil {
			outerErr = apierrors.New(apierrors.KindUnauthorizedUser, "unknown user %q", username)
			return
		}
		dtos = make([]InstanceDTO, 0, len(u.Instances))
		for _, i := range u.Instances {
			dtos = append(dtos, toDTO(i))
		}
	})
	return dtos, outerErr
}

// CreateInstance validates req and appends a new Instance for username.
func (a *Admission) CreateInstance(username string, req CreateInstanceRequest) (*InstanceDTO, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.InstanceCreateDuration)

	if !types.ValidInstanceName(req.Name) {
		return nil, apierrors.InvalidArg("name")
	}
	if req.CPU <= 0 {
		return nil, apierrors.InvalidArg("cpu")
	}
	if req.Memory <= 0 {
		return nil, apierrors.InvalidArg("memory")
	}
	if req.DiskSize <= 0 {
		return nil, apierrors.InvalidArg("disk_size")
	}

	image, err := types.ParseImage(req.Image)
	if err != nil {
		return nil, apierrors.New(apierrors.KindUnsupportedImage, "unknown image %q", req.Image)
	}
	runtime, err := types.ParseRuntime(req.Runtime)
	if err != nil {
		return nil, apierrors.New(apierrors.KindUnsupportedRuntime, "unknown runtime %q", req.Runtime)
	}
	if !runtime.SupportsImage(image) {
		return nil, apierrors.New(apierrors.KindUnsupportedImage, "image %q is not supported on runtime %q", req.Image, req.Runtime)
	}
	if req.StoragePool != "" && !runtime.IsLXD() {
		return nil, apierrors.New(apierrors.KindStoragePoolCannotBeSpecified, "storage_pool may only be set for lxc/kvm runtimes")
	}

	password, err := randomAlphanumeric(16)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindCreateFailed, err, "generating instance password")
	}
	storedPassword := password
	if a.secrets != nil {
		storedPassword, err = a.secrets.EncryptPassword(password)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.KindCreateFailed, err, "encrypting instance password")
		}
	}

	var created *types.Instance
	err = a.store.ReadWrite(func(s *types.State) bool {
		u := s.FindUser(username)
		if u == nil {
			return false
		}
		if u.FindInstance(req.Name) != nil {
			return false
		}
		if err := checkPlacementFeasible(s, req, runtime); err != nil {
			return false
		}
		if err := checkQuotas(u, "", req.CPU, req.Memory, req.DiskSize); err != nil {
			return false
		}

		inst := &types.Instance{
			Name: req.Name, CPU: req.CPU, Memory: req.Memory, DiskSize: req.DiskSize,
			Image: image, Runtime: runtime, Password: storedPassword,
			Stage: types.StageRunning, Status: types.StatusCreating,
			NodeName: req.NodeName, StoragePool: req.StoragePool,
		}
		u.Instances = append(u.Instances, inst)
		created = inst
		return true
	})
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindCreateFailed, err, "persisting new instance")
	}

	// The checks above ran inside the critical section, which only reports
	// whether the write committed; on a refusal, re-run them read-only to
	// build the specific error.
	if created == nil {
		return nil, a.diagnoseCreateFailure(username, req, runtime)
	}
	log.WithUser(username).Info().Str("instance", req.Name).Str("runtime", string(runtime)).Msg("admitted new instance")
	dto := toDTO(created)
	return &dto, nil
}

// diagnoseCreateFailure re-runs CreateInstance's checks read-only to
// report the most specific cause after a failed write (the write itself
// only reports "did or didn't commit", not why).
func (a *Admission) diagnoseCreateFailure(username string, req CreateInstanceRequest, runtime types.Runtime) error {
	var result error
	a.store.ReadOnly(func(s *types.State) {
		u := s.FindUser(username)
		if u == nil {
			result = apierrors.New(apierrors.KindUnauthorizedUser, "unknown user %q", username)
			return
		}
		if u.FindInstance(req.Name) != nil {
			result = apierrors.New(apierrors.KindAlreadyExists, "instance %q already exists", req.Name)
			return
		}
		if err := checkPlacementFeasible(s, req, runtime); err != nil {
			result = err
			return
		}
		if err := checkQuotas(u, "", req.CPU, req.Memory, req.DiskSize); err != nil {
			result = err
			return
		}
		result = apierrors.New(apierrors.KindCreateFailed, "instance %q could not be created", req.Name)
	})
	return result
}

// checkPlacementFeasible verifies a pinned node/pool exists and fits, or
// (if unpinned) that some node fits somewhere.
func checkPlacementFeasible(s *types.State, req CreateInstanceRequest, runtime types.Runtime) error {
	if req.NodeName != "" {
		n := s.FindNode(req.NodeName)
		if n == nil {
			return apierrors.New(apierrors.KindUnknownNode, "node %q does not exist", req.NodeName)
		}
		if req.StoragePool != "" && n.FindStoragePool(req.StoragePool) == nil {
			return apierrors.New(apierrors.KindUnknownStoragePool, "storage pool %q does not exist on node %q", req.StoragePool, req.NodeName)
		}
		if !nodeFits(n, runtime, req) {
			return apierrors.New(apierrors.KindResourceExhausted, "node %q does not have enough resources", req.NodeName)
		}
		return nil
	}

	for _, n := range s.Nodes {
		if nodeFits(n, runtime, req) {
			return nil
		}
	}
	return apierrors.New(apierrors.KindResourceExhausted, "no node has enough resources for this instance")
}

func nodeFits(n *types.Node, runtime types.Runtime, req CreateInstanceRequest) bool {
	if !n.SupportsRuntime(runtime) {
		return false
	}
	if req.CPU+n.CPUAllocated > n.CPUTotal || req.Memory+n.MemoryAllocated > n.MemoryTotal {
		return false
	}
	if req.DiskSize+n.StorageAllocated > n.StorageTotal || req.DiskSize+n.StorageUsed > n.StorageTotal {
		return false
	}
	if !runtime.IsLXD() {
		return true
	}
	for _, p := range n.StoragePools {
		if req.StoragePool != "" && req.StoragePool != p.Name {
			continue
		}
		used := p.Allocated
		if p.Used > used {
			used = p.Used
		}
		if used+req.DiskSize <= p.Total {
			return true
		}
	}
	return false
}

// checkQuotas re-checks the user's quota headroom excluding the named
// instance's own current contribution (used by UpdateInstance).
func checkQuotas(u *types.User, except string, cpu, memory, disk int) error {
	usedCPU, usedMem, usedDisk, count := u.UsageTotals(except)

	if u.InstanceQuota > 0 && except == "" && count+1 > u.InstanceQuota {
		return (&apierrors.QuotaError{Resource: "instance_count", Quota: u.InstanceQuota, Remaining: u.InstanceQuota - count, Requested: 1, Unit: "instances"}).AsAPIError()
	}
	if u.CPUQuota > 0 && usedCPU+cpu > u.CPUQuota {
		return (&apierrors.QuotaError{Resource: "CPU", Quota: u.CPUQuota, Remaining: u.CPUQuota - usedCPU, Requested: cpu, Unit: "cores"}).AsAPIError()
	}
	if u.MemoryQuota > 0 && usedMem+memory > u.MemoryQuota {
		return (&apierrors.QuotaError{Resource: "memory", Quota: u.MemoryQuota, Remaining: u.MemoryQuota - usedMem, Requested: memory, Unit: "GiB"}).AsAPIError()
	}
	if u.DiskQuota > 0 && usedDisk+disk > u.DiskQuota {
		return (&apierrors.QuotaError{Resource: "disk_size", Quota: u.DiskQuota, Remaining: u.DiskQuota - usedDisk, Requested: disk, Unit: "GiB"}).AsAPIError()
	}
	return nil
}

// UpdateInstance applies an optional cpu/memory/runtime change, allowed
// only while the instance is Stopped.
func (a *Admission) UpdateInstance(username, name string, req UpdateInstanceRequest) error {
	if req.CPU != nil && *req.CPU <= 0 {
		return apierrors.InvalidArg("cpu")
	}
	if req.Memory != nil && *req.Memory <= 0 {
		return apierrors.InvalidArg("memory")
	}
	var newRuntime *types.Runtime
	if req.Runtime != nil {
		rt, err := types.ParseRuntime(*req.Runtime)
		if err != nil {
			return apierrors.New(apierrors.KindUnsupportedRuntime, "unknown runtime %q", *req.Runtime)
		}
		newRuntime = &rt
	}

	var result error
	err := a.store.ReadWrite(func(s *types.State) bool {
		u := s.FindUser(username)
		if u == nil {
			result = apierrors.New(apierrors.KindUnauthorizedUser, "unknown user %q", username)
			return false
		}
		i := u.FindInstance(name)
		if i == nil {
			result = apierrors.New(apierrors.KindInvalidArgs, "instance %q does not exist", name)
			return false
		}
		if i.Stage == types.StageDeleted {
			result = apierrors.New(apierrors.KindAlreadyDeleted, "instance %q is already deleted", name)
			return false
		}
		if i.Status != types.StatusStopped {
			result = apierrors.New(apierrors.KindNotYetStopped, "instance %q must be stopped before it can be updated", name)
			return false
		}
		if newRuntime != nil && !i.Runtime.CompatibleWith(*newRuntime) {
			result = apierrors.New(apierrors.KindRuntimeIncompatible, "cannot move instance from %q to %q", i.Runtime, *newRuntime)
			return false
		}

		cpu, memory := i.CPU, i.Memory
		if req.CPU != nil {
			cpu = *req.CPU
		}
		if req.Memory != nil {
			memory = *req.Memory
		}
		if err := checkQuotas(u, name, cpu, memory, i.DiskSize); err != nil {
			result = err
			return false
		}

		i.CPU, i.Memory = cpu, memory
		if newRuntime != nil {
			i.Runtime = *newRuntime
		}
		return true
	})
	if result != nil {
		return result
	}
	return err
}

// StartInstance requests stage=Running for a non-Deleted instance.
func (a *Admission) StartInstance(username, name string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.InstanceStartDuration)

	return a.transition(username, name, func(i *types.Instance) error {
		if i.Stage != types.StageRunning {
			i.Stage = types.StageRunning
			i.Status = types.StatusStarting
		}
		return nil
	})
}

// StopInstance requests stage=Stopped for a non-Deleted instance.
func (a *Admission) StopInstance(username, name string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.InstanceStopDuration)

	return a.transition(username, name, func(i *types.Instance) error {
		if i.Stage != types.StageStopped {
			i.Stage = types.StageStopped
			i.Status = types.StatusStopping
		}
		return nil
	})
}

// DeleteInstance requests stage=Deleted; the reconciler removes the
// record once all external resources are confirmed gone.
func (a *Admission) DeleteInstance(username, name string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.InstanceDeleteDuration)

	err := a.transition(username, name, func(i *types.Instance) error {
		i.Stage = types.StageDeleted
		if i.Runtime.IsLXD() {
			i.Status = types.StatusStopping
		} else {
			i.Status = types.StatusDeleting
		}
		return nil
	})
	if err == nil {
		a.logger.Info().Str("user", username).Str("instance", name).Msg("marked instance for deletion")
	}
	return err
}

// transition runs f against the named instance inside a single
// read_write, rejecting Deleted instances (terminal stage) up front.
func (a *Admission) transition(username, name string, f func(*types.Instance) error) error {
	var result error
	err := a.store.ReadWrite(func(s *types.State) bool {
		u := s.FindUser(username)
		if u == nil {
			result = apierrors.New(apierrors.KindUnauthorizedUser, "unknown user %q", username)
			return false
		}
		i := u.FindInstance(name)
		if i == nil {
			result = apierrors.New(apierrors.KindInvalidArgs, "instance %q does not exist", name)
			return false
		}
		if i.Stage == types.StageDeleted {
			result = apierrors.New(apierrors.KindAlreadyDeleted, "instance %q is already deleted", name)
			return false
		}
		before := *i
		if err := f(i); err != nil {
			result = err
			return false
		}
		return *i != before
	})
	if result != nil {
		return result
	}
	return err
}

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func randomAlphanumeric(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return string(out), nil
}
