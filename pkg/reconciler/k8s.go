// Package reconciler drives the two independent convergence loops that
// turn each Instance's desired Stage into real backend resources and
// write the observed Status back: one for kata/runc instances against
// Kubernetes, one for lxc/kvm instances against LXD. Both loops only ever
// read a Store snapshot, perform side effects against their backend
// outside any lock, and commit results in a later read_write that
// re-checks the instance is still present and in the same Stage before
// applying anything — admission and reconcilers never touch the same
// resource concurrently.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"

	"github.com/tispace-dev/tispace/pkg/backend/k8s"
	"github.com/tispace-dev/tispace/pkg/log"
	"github.com/tispace-dev/tispace/pkg/metrics"
	"github.com/tispace-dev/tispace/pkg/secrets"
	"github.com/tispace-dev/tispace/pkg/store"
	"github.com/tispace-dev/tispace/pkg/types"
)

const tickInterval = 3 * time.Second

// volumeGroupMapper resolves a k8s LVM volume-group name to the LXD
// storage pool name it backs, when such a mapping is configured.
type volumeGroupMapper func(volumeGroup string) (pool string, ok bool)

// k8sBackend is the narrow surface K8sReconciler needs from pkg/backend/k8s,
// declared here so tests can substitute a fake without a live cluster.
type k8sBackend interface {
	EnsureSubdomainService(ctx context.Context, username string) error
	EnsurePodService(ctx context.Context, podName string) error
	GetPodService(ctx context.Context, podName string) (*corev1.Service, error)
	DeletePodService(ctx context.Context, podName string) error
	EnsureRootfsPVC(ctx context.Context, pvcName string, diskSizeGB int) error
	GetPVCVolumeGroup(ctx context.Context, pvcName string) (string, error)
	DeleteRootfsPVC(ctx context.Context, pvcName string) error
	EnsurePod(ctx context.Context, podName, pvcName, subdomain string, inst *types.Instance) error
	GetPod(ctx context.Context, podName string) (*corev1.Pod, error)
	DeletePod(ctx context.Context, podName string) error
}

// K8sReconciler converges every kata/runc instance against a Kubernetes
// cluster.
type K8sReconciler struct {
	store   *store.Store
	backend k8sBackend
	secrets *secrets.Manager // nil if passwords are stored in plaintext
	logger  zerolog.Logger
	mapVG   volumeGroupMapper
	stopCh  chan struct{}
}

// NewK8sReconciler builds the K8s reconciler. mapVG may be nil to disable
// the LVM-volume-group-to-storage-pool inference. secretsManager must be the
// same one (or nil) passed to admission.New, so Instance.Password round-trips
// through the same key it was encrypted with.
func NewK8sReconciler(st *store.Store, backend *k8s.Client, mapVG volumeGroupMapper, secretsManager *secrets.Manager) *K8sReconciler {
	return newK8sReconciler(st, backend, mapVG, secretsManager)
}

func newK8sReconciler(st *store.Store, backend k8sBackend, mapVG volumeGroupMapper, secretsManager *secrets.Manager) *K8sReconciler {
	return &K8sReconciler{
		store:   st,
		backend: backend,
		secrets: secretsManager,
		logger:  log.WithComponent("k8s-reconciler"),
		mapVG:   mapVG,
		stopCh:  make(chan struct{}),
	}
}

// loginPassword returns the plaintext password to hand to the backend,
// decrypting it first when at-rest encryption is enabled.
func (r *K8sReconciler) loginPassword(encoded string) (string, error) {
	if r.secrets == nil {
		return encoded, nil
	}
	return r.secrets.DecryptPassword(encoded)
}

// Start begins the reconciliation loop in a background goroutine.
func (r *K8sReconciler) Start() { go r.run() }

// Stop halts the reconciliation loop.
func (r *K8sReconciler) Stop() { close(r.stopCh) }

func (r *K8sReconciler) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runOnce()
		case <-r.stopCh:
			return
		}
	}
}

type k8sWork struct {
	username, name, podName, pvcName string
	inst                             types.Instance
}

func (r *K8sReconciler) runOnce() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.ReconciliationDuration, "k8s")
		metrics.ReconciliationCyclesTotal.WithLabelValues("k8s").Inc()
	}()

	var work []k8sWork
	r.store.ReadOnly(func(s *types.State) {
		for _, u := range s.Users {
			for _, i := range u.Instances {
				if !i.Runtime.IsK8s() {
					continue
				}
				if i.Status == types.StatusCreating && i.NodeName == "" {
					continue
				}
				work = append(work, k8sWork{
					username: u.Username,
					name:     i.Name,
					podName:  podName(u.Username, i.Name),
					pvcName:  pvcName(u.Username, i.Name),
					inst:     *i,
				})
			}
		}
	})

	ctx := context.Background()
	for _, w := range work {
		r.reconcileOne(ctx, w)
	}
}

func podName(username, name string) string { return fmt.Sprintf("%s-%s", username, name) }
func pvcName(username, name string) string { return fmt.Sprintf("%s-%s-rootfs", username, name) }

func (r *K8sReconciler) reconcileOne(ctx context.Context, w k8sWork) {
	logger := log.WithInstance(w.username, w.name)

	switch w.inst.Stage {
	case types.StageStopped:
		if w.inst.Status != types.StatusStopped {
			if err := r.backend.DeletePod(ctx, w.podName); err != nil {
				logger.Error().Err(err).Msg("failed to delete pod for Stopped instance")
				metrics.ReconciliationErrorsTotal.WithLabelValues("k8s").Inc()
				return
			}
		}
	case types.StageRunning:
		if w.inst.Status != types.StatusRunning || w.inst.ExternalIP == "" {
			if err := r.ensureRunning(ctx, w); err != nil {
				logger.Error().Err(err).Msg("failed to converge Running instance")
				metrics.ReconciliationErrorsTotal.WithLabelValues("k8s").Inc()
				return
			}
		}
	case types.StageDeleted:
		if err := r.backend.DeletePod(ctx, w.podName); err != nil {
			logger.Error().Err(err).Msg("failed to delete pod for Deleted instance")
			metrics.ReconciliationErrorsTotal.WithLabelValues("k8s").Inc()
			return
		}
		if err := r.backend.DeleteRootfsPVC(ctx, w.pvcName); err != nil {
			logger.Error().Err(err).Msg("failed to delete pvc for Deleted instance")
			metrics.ReconciliationErrorsTotal.WithLabelValues("k8s").Inc()
			return
		}
		if err := r.backend.DeletePodService(ctx, w.podName); err != nil {
			logger.Error().Err(err).Msg("failed to delete service for Deleted instance")
			metrics.ReconciliationErrorsTotal.WithLabelValues("k8s").Inc()
			return
		}
	}

	r.updateStatus(ctx, w)
}

func (r *K8sReconciler) ensureRunning(ctx context.Context, w k8sWork) error {
	if err := r.backend.EnsureSubdomainService(ctx, w.username); err != nil {
		return fmt.Errorf("ensuring subdomain service: %w", err)
	}
	if err := r.backend.EnsurePodService(ctx, w.podName); err != nil {
		return fmt.Errorf("ensuring pod service: %w", err)
	}
	if err := r.backend.EnsureRootfsPVC(ctx, w.pvcName, w.inst.DiskSize); err != nil {
		return fmt.Errorf("ensuring pvc: %w", err)
	}
	password, err := r.loginPassword(w.inst.Password)
	if err != nil {
		return fmt.Errorf("decrypting instance password: %w", err)
	}
	inst := w.inst
	inst.Password = password
	if err := r.backend.EnsurePod(ctx, w.podName, w.pvcName, w.username, &inst); err != nil {
		return fmt.Errorf("ensuring pod: %w", err)
	}
	return nil
}

// updateStatus observes the pod/service/pvc and commits the derived
// status in a single read_write that re-checks (name, stage) before
// applying anything, per the ABA-prevention rule.
func (r *K8sReconciler) updateStatus(ctx context.Context, w k8sWork) {
	pod, err := r.backend.GetPod(ctx, w.podName)
	if err != nil {
		r.logger.Error().Err(err).Str("pod", w.podName).Msg("failed to get pod while observing status")
		return
	}
	var svc *corev1.Service
	if pod != nil {
		svc, err = r.backend.GetPodService(ctx, w.podName)
		if err != nil {
			r.logger.Error().Err(err).Str("pod", w.podName).Msg("failed to get service while observing status")
			return
		}
	}

	var resolvedStoragePool string
	if w.inst.StoragePool == "" && r.mapVG != nil {
		if vg, err := r.backend.GetPVCVolumeGroup(ctx, w.pvcName); err == nil && vg != "" {
			if pool, ok := r.mapVG(vg); ok {
				resolvedStoragePool = pool
			}
		}
	}

	err = r.store.ReadWrite(func(s *types.State) bool {
		u := s.FindUser(w.username)
		if u == nil {
			return false
		}
		i := u.FindInstance(w.name)
		if i == nil || i.Stage != w.inst.Stage {
			return false // ABA: instance moved on since we snapshotted it
		}

		if resolvedStoragePool != "" {
			i.StoragePool = resolvedStoragePool
		}

		switch i.Stage {
		case types.StageDeleted:
			if pod == nil && svc == nil {
				removeInstance(u, w.name)
				return true
			}
			i.Status = types.StatusDeleting
			return true
		case types.StageStopped:
			if pod == nil {
				i.Status = types.StatusStopped
			}
			return true
		default: // StageRunning
			applyPodObservation(i, pod, svc)
			return true
		}
	})
	if err != nil {
		r.logger.Error().Err(err).Str("instance", w.name).Msg("failed to persist observed status")
	}
}

// applyPodObservation derives i.Status and the observed network fields
// from a pod and its matching service, per the K8s reconciler's
// update_status rules.
func applyPodObservation(i *types.Instance, pod *corev1.Pod, svc *corev1.Service) {
	if pod == nil {
		if i.Status == types.StatusRunning || i.Status.IsError() {
			i.Status = types.StatusMissing
		}
		return
	}

	info := k8s.ObservePod(pod, svc)
	switch info.Phase {
	case string(corev1.PodRunning):
		i.Status = types.StatusRunning
		if info.HostIP != "" {
			i.SSHHost = info.HostIP
		}
		if info.PodIP != "" {
			i.InternalIP = info.PodIP
		}
		if info.NodeName != "" {
			i.NodeName = info.NodeName
		}
		if info.SSHPort != 0 {
			i.SSHPort = int(info.SSHPort)
		}
		if info.ExternalIP != "" {
			i.ExternalIP = info.ExternalIP
		}
	default:
		if i.Status == types.StatusRunning || i.Status == types.StatusMissing || i.Status.IsError() {
			i.Status = types.NewErrorStatus("Pod is %s", info.Phase)
		}
	}
}

func removeInstance(u *types.User, name string) {
	for idx, i := range u.Instances {
		if i.Name == name {
			u.Instances = append(u.Instances[:idx], u.Instances[idx+1:]...)
			return
		}
	}
}
