package reconciler

import (
	"fmt"
	"time"

	"github.com/canonical/lxd/shared/api"
	"github.com/rs/zerolog"

	lxdbackend "github.com/tispace-dev/tispace/pkg/backend/lxd"
	"github.com/tispace-dev/tispace/pkg/log"
	"github.com/tispace-dev/tispace/pkg/metrics"
	"github.com/tispace-dev/tispace/pkg/secrets"
	"github.com/tispace-dev/tispace/pkg/store"
	"github.com/tispace-dev/tispace/pkg/types"
)

// lxdBackend is the narrow surface LXDReconciler needs from pkg/backend/lxd,
// declared here so tests can substitute a fake without a live LXD cluster.
type lxdBackend interface {
	GetInstanceState(name string) (*api.InstanceState, error)
	CreateInstance(target, pool string, inst *types.Instance) error
	UpdateInstanceLimits(name string, cpu, memory int) error
	StartInstance(name string) error
	StopInstance(name string) error
	DeleteInstance(name string) error
}

// LXDReconciler converges every lxc/kvm instance against an LXD cluster.
type LXDReconciler struct {
	store        *store.Store
	backend      lxdBackend
	secrets      *secrets.Manager // nil if passwords are stored in plaintext
	prefixLength int
	logger       zerolog.Logger
	stopCh       chan struct{}
}

// NewLXDReconciler builds the LXD reconciler. prefixLength is stored on the
// reconciler, but no call it makes uses it: no prefix length is applied to
// external_ip.
// secretsManager must be the same one (or nil) passed to admission.New, so
// Instance.Password round-trips through the same key it was encrypted with.
func NewLXDReconciler(st *store.Store, backend *lxdbackend.Client, prefixLength int, secretsManager *secrets.Manager) *LXDReconciler {
	return newLXDReconciler(st, backend, prefixLength, secretsManager)
}

func newLXDReconciler(st *store.Store, backend lxdBackend, prefixLength int, secretsManager *secrets.Manager) *LXDReconciler {
	return &LXDReconciler{
		store:        st,
		backend:      backend,
		secrets:      secretsManager,
		prefixLength: prefixLength,
		logger:       log.WithComponent("lxd-reconciler"),
		stopCh:       make(chan struct{}),
	}
}

// loginPassword returns the plaintext password to hand to the backend,
// decrypting it first when at-rest encryption is enabled.
func (r *LXDReconciler) loginPassword(encoded string) (string, error) {
	if r.secrets == nil {
		return encoded, nil
	}
	return r.secrets.DecryptPassword(encoded)
}

// Start begins the reconciliation loop in a background goroutine.
func (r *LXDReconciler) Start() { go r.run() }

// Stop halts the reconciliation loop.
func (r *LXDReconciler) Stop() { close(r.stopCh) }

func (r *LXDReconciler) run() {
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

type lxdWork struct {
	username, name string
	inst           types.Instance
}

func (r *LXDReconciler) runOnce() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.ReconciliationDuration, "lxd")
		metrics.ReconciliationCyclesTotal.WithLabelValues("lxd").Inc()
	}()

	var work []lxdWork
	r.store.ReadOnly(func(s *types.State) {
		for _, u := range s.Users {
			for _, i := range u.Instances {
				if !i.Runtime.IsLXD() {
					continue
				}
				if i.Status == types.StatusCreating && (i.ExternalIP == "" || i.NodeName == "" || i.StoragePool == "") {
					continue
				}
				work = append(work, lxdWork{username: u.Username, name: i.Name, inst: *i})
			}
		}
	})

	for _, w := range work {
		r.reconcileOne(w)
	}
}

func (r *LXDReconciler) instanceName(w lxdWork) string { return podName(w.username, w.name) }

func (r *LXDReconciler) reconcileOne(w lxdWork) {
	logger := log.WithInstance(w.username, w.name)
	name := r.instanceName(w)

	switch w.inst.Stage {
	case types.StageStopped:
		if w.inst.Status != types.StatusStopped && w.inst.Status != types.StatusMissing {
			if err := r.backend.StopInstance(name); err != nil {
				logger.Error().Err(err).Msg("failed to stop instance for Stopped stage")
				metrics.ReconciliationErrorsTotal.WithLabelValues("lxd").Inc()
				return
			}
		}
	case types.StageRunning:
		if err := r.converge(name, w); err != nil {
			logger.Error().Err(err).Msg("failed to converge Running instance")
			metrics.ReconciliationErrorsTotal.WithLabelValues("lxd").Inc()
			return
		}
	case types.StageDeleted:
		if w.inst.Status != types.StatusDeleting {
			if err := r.backend.StopInstance(name); err != nil {
				logger.Error().Err(err).Msg("failed to stop instance before delete")
				metrics.ReconciliationErrorsTotal.WithLabelValues("lxd").Inc()
				return
			}
		} else {
			if err := r.backend.DeleteInstance(name); err != nil {
				logger.Error().Err(err).Msg("failed to delete instance")
				metrics.ReconciliationErrorsTotal.WithLabelValues("lxd").Inc()
				return
			}
		}
	}

	r.updateStatus(name, w)
}

// converge handles the Running-stage transition table: create on first
// placement, or sync limits and (re)start if it's not already converged.
func (r *LXDReconciler) converge(name string, w lxdWork) error {
	switch w.inst.Status {
	case types.StatusCreating:
		password, err := r.loginPassword(w.inst.Password)
		if err != nil {
			return fmt.Errorf("decrypting instance password: %w", err)
		}
		inst := w.inst
		inst.Name = name
		inst.Password = password
		if err := r.backend.CreateInstance(w.inst.NodeName, w.inst.StoragePool, &inst); err != nil {
			return fmt.Errorf("creating instance: %w", err)
		}
	case types.StatusRunning, types.StatusMissing:
		// already converged or will be resolved by the next update_status
	default:
		if err := r.backend.UpdateInstanceLimits(name, w.inst.CPU, w.inst.Memory); err != nil {
			return fmt.Errorf("syncing limits: %w", err)
		}
		if err := r.backend.StartInstance(name); err != nil {
			return fmt.Errorf("starting instance: %w", err)
		}
	}
	return nil
}

// updateStatus queries instance state and commits the derived status in a
// single read_write that re-checks (name, stage) before applying
// anything, per the ABA-prevention rule.
func (r *LXDReconciler) updateStatus(name string, w lxdWork) {
	state, err := r.backend.GetInstanceState(name)
	if err != nil {
		r.logger.Error().Err(err).Str("instance", name).Msg("failed to get instance state while observing status")
		return
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

		if state == nil {
			if i.Status != types.StatusCreating {
				i.Status = types.StatusMissing
			}
			if i.Stage == types.StageDeleted {
				removeInstance(u, w.name)
			}
			return true
		}

		switch state.Status {
		case "Stopped":
			switch i.Stage {
			case types.StageStopped:
				i.Status = types.StatusStopped
			case types.StageRunning:
				if i.Status == types.StatusCreating {
					i.Status = types.StatusStarting
				}
			case types.StageDeleted:
				i.Status = types.StatusDeleting
			}
		case "Running":
			if i.Stage == types.StageRunning {
				i.Status = types.StatusRunning
				if ip := lxdbackend.FirstGlobalIPv4(state); ip != "" {
					i.InternalIP = ip
				}
			}
		}
		return true
	})
	if err != nil {
		r.logger.Error().Err(err).Str("instance", w.name).Msg("failed to persist observed status")
	}
}
