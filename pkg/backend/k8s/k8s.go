// Package k8s wraps the typed Kubernetes clientset with the narrow surface
// the K8s Reconciler and Collector need: node inventory, and idempotent
// create/get/delete of the Pod/PVC/Service trio backing a kata/runc
// instance. Nothing here retries; a transient API error is an ordinary
// error the caller's reconcile cycle treats as "try again next tick".
package k8s

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	resourceapi "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/tispace-dev/tispace/pkg/types"
)

// Namespace is the fixed namespace every TiSpace-managed resource lives in.
const Namespace = "tispace"

const (
	fakeImage      = "k8s.gcr.io/pause:3.5"
	passwordEnvKey = "PASSWORD"
)

// defaultContainerCaps is the capability allow-list substituted for
// privileged mode on every runtime except kata.
var defaultContainerCaps = []corev1.Capability{
	"CHOWN", "DAC_OVERRIDE", "FSETID", "FOWNER", "MKNOD", "NET_RAW",
	"SETGID", "SETUID", "SETFCAP", "SETPCAP", "NET_BIND_SERVICE",
	"SYS_CHROOT", "KILL", "AUDIT_WRITE",
}

// Client is a thin wrapper over kubernetes.Interface bound to one
// namespace, storage class, and image-tag convention.
type Client struct {
	clientset        kubernetes.Interface
	storageClassName string
	rootfsImageTag   string
}

// NewClient builds a Client from an in-cluster or kubeconfig-derived rest.Config.
func NewClient(kubeconfigPath, storageClassName, rootfsImageTag string) (*Client, error) {
	cfg, err := loadRestConfig(kubeconfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("building clientset: %w", err)
	}
	return &Client{clientset: clientset, storageClassName: storageClassName, rootfsImageTag: rootfsImageTag}, nil
}

func loadRestConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

// NodeInfo is the Collector-facing view of one cluster member's capacity.
type NodeInfo struct {
	Name        string
	CPUTotal    int // cores
	MemoryTotal int // GiB
}

// ListNodes returns one NodeInfo per listed node, with capacity converted
// from milliCPU/bytes into the cores/GiB units State uses.
func (c *Client) ListNodes(ctx context.Context) ([]NodeInfo, error) {
	list, err := c.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	infos := make([]NodeInfo, 0, len(list.Items))
	for _, n := range list.Items {
		cpu := n.Status.Capacity.Cpu().MilliValue() / 1000
		mem := n.Status.Capacity.Memory().Value() >> 30
		infos = append(infos, NodeInfo{Name: n.Name, CPUTotal: int(cpu), MemoryTotal: int(mem)})
	}
	return infos, nil
}

func isNotFound(err error) bool {
	return apierrors.IsNotFound(err)
}

// EnsureSubdomainService creates the headless per-user subdomain Service
// if it doesn't already exist.
func (c *Client) EnsureSubdomainService(ctx context.Context, username string) error {
	svcs := c.clientset.CoreV1().Services(Namespace)
	if _, err := svcs.Get(ctx, username, metav1.GetOptions{}); err == nil {
		return nil
	} else if !isNotFound(err) {
		return fmt.Errorf("getting subdomain service %s: %w", username, err)
	}
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: username},
		Spec: corev1.ServiceSpec{
			Selector:  map[string]string{"tispace/subdomain": username},
			ClusterIP: corev1.ClusterIPNone,
		},
	}
	_, err := svcs.Create(ctx, svc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("creating subdomain service %s: %w", username, err)
	}
	return nil
}

// DeleteSubdomainService deletes the per-user subdomain Service; 404 is success.
func (c *Client) DeleteSubdomainService(ctx context.Context, username string) error {
	return c.deleteService(ctx, username)
}

// EnsurePodService creates the per-instance LoadBalancer Service exposing
// SSH if it doesn't already exist.
func (c *Client) EnsurePodService(ctx context.Context, podName string) error {
	svcs := c.clientset.CoreV1().Services(Namespace)
	if _, err := svcs.Get(ctx, podName, metav1.GetOptions{}); err == nil {
		return nil
	} else if !isNotFound(err) {
		return fmt.Errorf("getting pod service %s: %w", podName, err)
	}
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: podName},
		Spec: corev1.ServiceSpec{
			AllocateLoadBalancerNodePorts: boolPtr(true),
			Selector:                      map[string]string{"tispace/instance": podName},
			Ports: []corev1.ServicePort{{
				Name:       "ssh",
				Port:       22,
				TargetPort: intstr.FromInt32(22),
			}},
			Type: corev1.ServiceTypeLoadBalancer,
		},
	}
	_, err := svcs.Create(ctx, svc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("creating pod service %s: %w", podName, err)
	}
	return nil
}

// GetPodService returns the per-instance Service, or nil if it's absent.
func (c *Client) GetPodService(ctx context.Context, podName string) (*corev1.Service, error) {
	svc, err := c.clientset.CoreV1().Services(Namespace).Get(ctx, podName, metav1.GetOptions{})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting pod service %s: %w", podName, err)
	}
	return svc, nil
}

func (c *Client) deleteService(ctx context.Context, name string) error {
	err := c.clientset.CoreV1().Services(Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting service %s: %w", name, err)
	}
	return nil
}

// DeletePodService deletes the per-instance Service; 404 is success.
func (c *Client) DeletePodService(ctx context.Context, podName string) error {
	return c.deleteService(ctx, podName)
}

// EnsureRootfsPVC creates the rootfs PersistentVolumeClaim if it doesn't
// already exist.
func (c *Client) EnsureRootfsPVC(ctx context.Context, pvcName string, diskSizeGB int) error {
	pvcs := c.clientset.CoreV1().PersistentVolumeClaims(Namespace)
	if _, err := pvcs.Get(ctx, pvcName, metav1.GetOptions{}); err == nil {
		return nil
	} else if !isNotFound(err) {
		return fmt.Errorf("getting pvc %s: %w", pvcName, err)
	}
	storageClass := c.storageClassName
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: pvcName, Namespace: Namespace},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: *resourceapi.NewQuantity(int64(diskSizeGB)<<30, resourceapi.BinarySI),
				},
			},
			StorageClassName: &storageClass,
		},
	}
	_, err := pvcs.Create(ctx, pvc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("creating pvc %s: %w", pvcName, err)
	}
	return nil
}

// GetPVCVolumeGroup returns the `openebs.io/volgroup` CSI attribute of the
// PersistentVolume bound to pvcName, used to map a k8s LVM volume group to
// an LXD storage pool name. Returns "" if the PVC, its PV, or the attribute
// is absent.
func (c *Client) GetPVCVolumeGroup(ctx context.Context, pvcName string) (string, error) {
	pvc, err := c.clientset.CoreV1().PersistentVolumeClaims(Namespace).Get(ctx, pvcName, metav1.GetOptions{})
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting pvc %s: %w", pvcName, err)
	}
	if pvc.Spec.VolumeName == "" {
		return "", nil
	}
	pv, err := c.clientset.CoreV1().PersistentVolumes().Get(ctx, pvc.Spec.VolumeName, metav1.GetOptions{})
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting pv %s: %w", pvc.Spec.VolumeName, err)
	}
	if pv.Spec.CSI == nil {
		return "", nil
	}
	return pv.Spec.CSI.VolumeAttributes["openebs.io/volgroup"], nil
}

// DeleteRootfsPVC deletes the rootfs PVC; 404 is success.
func (c *Client) DeleteRootfsPVC(ctx context.Context, pvcName string) error {
	err := c.clientset.CoreV1().PersistentVolumeClaims(Namespace).Delete(ctx, pvcName, metav1.DeleteOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting pvc %s: %w", pvcName, err)
	}
	return nil
}

// EnsurePod creates the instance's Pod if it doesn't already exist.
func (c *Client) EnsurePod(ctx context.Context, podName, pvcName, subdomain string, inst *types.Instance) error {
	pods := c.clientset.CoreV1().Pods(Namespace)
	if _, err := pods.Get(ctx, podName, metav1.GetOptions{}); err == nil {
		return nil
	} else if !isNotFound(err) {
		return fmt.Errorf("getting pod %s: %w", podName, err)
	}

	pod, err := c.buildPod(podName, pvcName, subdomain, inst)
	if err != nil {
		return err
	}
	_, err = pods.Create(ctx, pod, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("creating pod %s: %w", podName, err)
	}
	return nil
}

// GetPod returns the instance's Pod, or nil if it's absent.
func (c *Client) GetPod(ctx context.Context, podName string) (*corev1.Pod, error) {
	pod, err := c.clientset.CoreV1().Pods(Namespace).Get(ctx, podName, metav1.GetOptions{})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting pod %s: %w", podName, err)
	}
	return pod, nil
}

// DeletePod deletes the instance's Pod; 404 is success.
func (c *Client) DeletePod(ctx context.Context, podName string) error {
	err := c.clientset.CoreV1().Pods(Namespace).Delete(ctx, podName, metav1.DeleteOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting pod %s: %w", podName, err)
	}
	return nil
}

func (c *Client) buildPod(podName, pvcName, subdomain string, inst *types.Instance) (*corev1.Pod, error) {
	volumes := []corev1.Volume{{
		Name: "rootfs",
		VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: pvcName},
		},
	}}
	var initContainers []corev1.Container
	if inst.Status == types.StatusCreating {
		imageURL, err := c.imageURL(inst.Image)
		if err != nil {
			return nil, err
		}
		volumes = append(volumes, corev1.Volume{
			Name: "init-rootfs",
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{Name: "init-rootfs"},
					DefaultMode:          int32Ptr(0o755),
				},
			},
		})
		initContainers = []corev1.Container{{
			Name:            podName + "-init",
			Command:         []string{"/tmp/init-rootfs.sh"},
			Image:           imageURL,
			ImagePullPolicy: corev1.PullIfNotPresent,
			VolumeMounts: []corev1.VolumeMount{
				{Name: "rootfs", MountPath: "/tmp/rootfs"},
				{Name: "init-rootfs", MountPath: "/tmp/init-rootfs.sh", SubPath: "init-rootfs.sh"},
			},
			Env: []corev1.EnvVar{{Name: passwordEnvKey, Value: inst.Password}},
		}}
	}

	runtimeClass, err := runtimeClassName(inst.Runtime)
	if err != nil {
		return nil, err
	}

	var nodeSelector map[string]string
	if inst.NodeName != "" {
		nodeSelector = map[string]string{"kubernetes.io/hostname": inst.NodeName}
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName,
			Namespace: Namespace,
			Labels: map[string]string{
				"tispace/subdomain": subdomain,
				"tispace/instance":  podName,
			},
		},
		Spec: corev1.PodSpec{
			Hostname:                     inst.Name,
			Subdomain:                    subdomain,
			AutomountServiceAccountToken: boolPtr(false),
			Containers:                   []corev1.Container{c.buildMainContainer(podName, inst)},
			InitContainers:               initContainers,
			Volumes:                      volumes,
			RestartPolicy:                corev1.RestartPolicyAlways,
			DNSConfig: &corev1.PodDNSConfig{
				Searches: []string{fmt.Sprintf("%s.tispace.svc.cluster.local", subdomain)},
			},
			RuntimeClassName: &runtimeClass,
			NodeSelector:     nodeSelector,
		},
	}, nil
}

func (c *Client) buildMainContainer(podName string, inst *types.Instance) corev1.Container {
	return corev1.Container{
		Name:            podName,
		Command:         []string{"/sbin/init"},
		Image:           fakeImage,
		ImagePullPolicy: corev1.PullIfNotPresent,
		SecurityContext: buildSecurityContext(inst.Runtime),
		VolumeMounts:    []corev1.VolumeMount{{Name: "rootfs", MountPath: "/"}},
		Resources: corev1.ResourceRequirements{
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    *resourceapi.NewQuantity(int64(inst.CPU), resourceapi.DecimalSI),
				corev1.ResourceMemory: *resourceapi.NewQuantity(int64(inst.Memory)<<30, resourceapi.BinarySI),
			},
		},
	}
}

func buildSecurityContext(runtime types.Runtime) *corev1.SecurityContext {
	if runtime == types.RuntimeKata {
		return &corev1.SecurityContext{Privileged: boolPtr(true)}
	}
	// Unsafe to run privileged outside kata; grant the minimal capability
	// set systemd needs instead.
	return &corev1.SecurityContext{
		Capabilities: &corev1.Capabilities{Add: defaultContainerCaps},
	}
}

func (c *Client) imageURL(img types.Image) (string, error) {
	switch img {
	case types.ImageCentOS7:
		return fmt.Sprintf("tispace/centos7:%s", c.rootfsImageTag), nil
	case types.ImageCentOS8:
		return fmt.Sprintf("tispace/centos8:%s", c.rootfsImageTag), nil
	case types.ImageCentOS9Stream:
		return fmt.Sprintf("tispace/centos9stream:%s", c.rootfsImageTag), nil
	case types.ImageUbuntu2004:
		return fmt.Sprintf("tispace/ubuntu2004:%s", c.rootfsImageTag), nil
	case types.ImageUbuntu2204:
		return fmt.Sprintf("tispace/ubuntu2204:%s", c.rootfsImageTag), nil
	default:
		return "", fmt.Errorf("invalid image %q for k8s backend", img)
	}
}

func runtimeClassName(runtime types.Runtime) (string, error) {
	switch runtime {
	case types.RuntimeKata:
		return "kata", nil
	case types.RuntimeRunc:
		return "runc", nil
	default:
		return "", fmt.Errorf("invalid runtime %q for k8s backend", runtime)
	}
}

// PodSSHInfo is the subset of observed pod/service state the reconciler
// copies back into the Instance record.
type PodSSHInfo struct {
	Phase      string
	HostIP     string
	PodIP      string
	NodeName   string
	SSHPort    int32
	ExternalIP string
}

// ObservePod extracts PodSSHInfo from a Pod and its matching Service.
func ObservePod(pod *corev1.Pod, svc *corev1.Service) PodSSHInfo {
	var info PodSSHInfo
	if pod.Status.Phase != "" {
		info.Phase = string(pod.Status.Phase)
	}
	info.HostIP = pod.Status.HostIP
	info.PodIP = pod.Status.PodIP
	info.NodeName = pod.Spec.NodeName
	if svc == nil {
		return info
	}
	for _, p := range svc.Spec.Ports {
		if p.Name == "ssh" {
			info.SSHPort = p.NodePort
		}
	}
	if svc.Status.LoadBalancer.Ingress != nil && len(svc.Status.LoadBalancer.Ingress) > 0 {
		info.ExternalIP = svc.Status.LoadBalancer.Ingress[0].IP
	}
	return info
}

func boolPtr(b bool) *bool    { return &b }
func int32Ptr(i int32) *int32 { return &i }
