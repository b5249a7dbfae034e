package reconciler

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"

	"github.com/tispace-dev/tispace/pkg/secrets"
	"github.com/tispace-dev/tispace/pkg/store"
	"github.com/tispace-dev/tispace/pkg/types"
)

// fakeK8sBackend is an in-memory stand-in for pkg/backend/k8s.Client that
// tracks which resources exist by name, without touching a real cluster.
type fakeK8sBackend struct {
	pods      map[string]*corev1.Pod
	pvcs      map[string]bool
	services  map[string]*corev1.Service
	passwords map[string]string
}

func newFakeK8sBackend() *fakeK8sBackend {
	return &fakeK8sBackend{
		pods:      map[string]*corev1.Pod{},
		pvcs:      map[string]bool{},
		services:  map[string]*corev1.Service{},
		passwords: map[string]string{},
	}
}

func (f *fakeK8sBackend) EnsureSubdomainService(ctx context.Context, username string) error {
	return nil
}
func (f *fakeK8sBackend) EnsurePodService(ctx context.Context, podName string) error {
	if _, ok := f.services[podName]; !ok {
		f.services[podName] = &corev1.Service{}
	}
	return nil
}
func (f *fakeK8sBackend) GetPodService(ctx context.Context, podName string) (*corev1.Service, error) {
	return f.services[podName], nil
}
func (f *fakeK8sBackend) DeletePodService(ctx context.Context, podName string) error {
	delete(f.services, podName)
	return nil
}
func (f *fakeK8sBackend) EnsureRootfsPVC(ctx context.Context, pvcName string, diskSizeGB int) error {
	f.pvcs[pvcName] = true
	return nil
}
func (f *fakeK8sBackend) GetPVCVolumeGroup(ctx context.Context, pvcName string) (string, error) {
	return "", nil
}
func (f *fakeK8sBackend) DeleteRootfsPVC(ctx context.Context, pvcName string) error {
	delete(f.pvcs, pvcName)
	return nil
}
func (f *fakeK8sBackend) EnsurePod(ctx context.Context, podName, pvcName, subdomain string, inst *types.Instance) error {
	if _, ok := f.pods[podName]; !ok {
		f.pods[podName] = &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodPending}}
	}
	f.passwords[podName] = inst.Password
	return nil
}
func (f *fakeK8sBackend) GetPod(ctx context.Context, podName string) (*corev1.Pod, error) {
	return f.pods[podName], nil
}
func (f *fakeK8sBackend) DeletePod(ctx context.Context, podName string) error {
	delete(f.pods, podName)
	return nil
}

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

func TestK8sReconcilerCreatesResourcesForRunningStage(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{{
				Name: "box", Runtime: types.RuntimeRunc, Image: types.ImageUbuntu2204,
				CPU: 2, Memory: 2, DiskSize: 10,
				Stage: types.StageRunning, Status: types.StatusCreating, NodeName: "n1",
			}},
		}},
	}
	st := newTestStore(t, state)
	backend := newFakeK8sBackend()
	r := newK8sReconciler(st, backend, nil, nil)

	r.runOnce()

	assert.Contains(t, backend.pods, "alice-box")
	assert.True(t, backend.pvcs["alice-box-rootfs"])
	assert.Contains(t, backend.services, "alice-box")
}

func TestK8sReconcilerSkipsUnplacedCreatingInstance(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{{
				Name: "box", Runtime: types.RuntimeRunc, Stage: types.StageRunning, Status: types.StatusCreating,
			}},
		}},
	}
	st := newTestStore(t, state)
	backend := newFakeK8sBackend()
	r := newK8sReconciler(st, backend, nil, nil)

	r.runOnce()

	assert.Empty(t, backend.pods)
}

func TestK8sReconcilerDeletesPodForStoppedStage(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{{
				Name: "box", Runtime: types.RuntimeKata, Stage: types.StageStopped, Status: types.StatusRunning, NodeName: "n1",
			}},
		}},
	}
	st := newTestStore(t, state)
	backend := newFakeK8sBackend()
	backend.pods["alice-box"] = &corev1.Pod{Status: corev1.PodStatus{Phase: corev1.PodRunning}}
	r := newK8sReconciler(st, backend, nil, nil)

	r.runOnce()

	assert.NotContains(t, backend.pods, "alice-box")
}

func TestK8sReconcilerRemovesInstanceOnceAllResourcesAreGone(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{{
				Name: "box", Runtime: types.RuntimeRunc, Stage: types.StageDeleted, Status: types.StatusDeleting, NodeName: "n1",
			}},
		}},
	}
	st := newTestStore(t, state)
	backend := newFakeK8sBackend()
	r := newK8sReconciler(st, backend, nil, nil)

	r.runOnce()

	st.ReadOnly(func(s *types.State) {
		assert.Empty(t, s.Users[0].Instances)
	})
}

func TestK8sReconcilerObservesRunningPodAndService(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{{
				Name: "box", Runtime: types.RuntimeRunc, Stage: types.StageRunning, Status: types.StatusStarting, NodeName: "n1",
			}},
		}},
	}
	st := newTestStore(t, state)
	backend := newFakeK8sBackend()
	backend.pods["alice-box"] = &corev1.Pod{
		Status: corev1.PodStatus{Phase: corev1.PodRunning, HostIP: "10.0.0.5", PodIP: "10.1.0.2"},
		Spec:   corev1.PodSpec{NodeName: "n1"},
	}
	backend.services["alice-box"] = &corev1.Service{
		Spec: corev1.ServiceSpec{Ports: []corev1.ServicePort{{Name: "ssh", NodePort: 31022}}},
		Status: corev1.ServiceStatus{LoadBalancer: corev1.LoadBalancerStatus{
			Ingress: []corev1.LoadBalancerIngress{{IP: "203.0.113.9"}},
		}},
	}
	r := newK8sReconciler(st, backend, nil, nil)

	r.runOnce()

	st.ReadOnly(func(s *types.State) {
		inst := s.Users[0].Instances[0]
		assert.Equal(t, types.StatusRunning, inst.Status)
		assert.Equal(t, "10.0.0.5", inst.SSHHost)
		assert.Equal(t, "10.1.0.2", inst.InternalIP)
		assert.Equal(t, 31022, inst.SSHPort)
		assert.Equal(t, "203.0.113.9", inst.ExternalIP)
	})
}

func TestK8sReconcilerIsIdempotent(t *testing.T) {
	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{{
				Name: "box", Runtime: types.RuntimeRunc, Image: types.ImageUbuntu2204,
				CPU: 1, Memory: 1, DiskSize: 5,
				Stage: types.StageRunning, Status: types.StatusCreating, NodeName: "n1",
			}},
		}},
	}
	st := newTestStore(t, state)
	backend := newFakeK8sBackend()
	r := newK8sReconciler(st, backend, nil, nil)

	r.runOnce()
	var after1 types.State
	st.ReadOnly(func(s *types.State) { after1 = *s.Clone() })

	r.runOnce()
	var after2 types.State
	st.ReadOnly(func(s *types.State) { after2 = *s.Clone() })

	assert.Equal(t, after1.Users[0].Instances[0].Status, after2.Users[0].Instances[0].Status)
	assert.Len(t, backend.pods, 1)
}

func TestK8sReconcilerDecryptsPasswordBeforeHandingToBackend(t *testing.T) {
	key := make([]byte, 32)
	mgr, err := secrets.NewManager(key)
	require.NoError(t, err)
	ciphertext, err := mgr.EncryptPassword("hunter2")
	require.NoError(t, err)

	state := &types.State{
		Users: []*types.User{{
			Username: "alice",
			Instances: []*types.Instance{{
				Name: "box", Runtime: types.RuntimeRunc, Image: types.ImageUbuntu2204,
				CPU: 1, Memory: 1, DiskSize: 5, Password: ciphertext,
				Stage: types.StageRunning, Status: types.StatusCreating, NodeName: "n1",
			}},
		}},
	}
	st := newTestStore(t, state)
	backend := newFakeK8sBackend()
	r := newK8sReconciler(st, backend, nil, mgr)

	r.runOnce()

	assert.Equal(t, "hunter2", backend.passwords["alice-box"])

	var after types.State
	st.ReadOnly(func(s *types.State) { after = *s.Clone() })
	assert.Equal(t, ciphertext, after.Users[0].Instances[0].Password)
}
