package invoker

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"

	"github.com/scusemua/distributed-cluster/common/types"
)

// KubeOptions configures the kubernetes backend.
type KubeOptions struct {
	// Namespace is where kernel pods are created. Defaults to "default".
	Namespace string `name:"namespace" yaml:"namespace" json:"namespace" description:"Kubernetes namespace that kernel pods are created in."`
}

// KubeInvoker runs each kernel as a single pod.
type KubeInvoker struct {
	clientset kubernetes.Interface
	owner     types.AgentId
	namespace string
}

// NewKubeInvoker builds an invoker from the in-cluster service account.
func NewKubeInvoker(owner types.AgentId, opts KubeOptions) (*KubeInvoker, error) {
	kubeConfig, err := rest.InClusterConfig()
	if err != nil {
		return nil, errors.Wrap(err, "loading the in-cluster kubernetes config")
	}
	clientset, err := kubernetes.NewForConfig(kubeConfig)
	if err != nil {
		return nil, errors.Wrap(err, "creating the kubernetes clientset")
	}
	return NewKubeInvokerWithClientset(clientset, owner, opts), nil
}

// NewKubeInvokerWithClientset wires an existing clientset, which is how the
// tests substitute a fake one.
func NewKubeInvokerWithClientset(clientset kubernetes.Interface, owner types.AgentId, opts KubeOptions) *KubeInvoker {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "default"
	}
	return &KubeInvoker{
		clientset: clientset,
		owner:     owner,
		namespace: namespace,
	}
}

func (ivk *KubeInvoker) Backend() Backend {
	return KubernetesBackend
}

// PullImage is a no-op. The kubelet pulls the image when the pod starts.
func (ivk *KubeInvoker) PullImage(_ context.Context, ref string, _ PullProgressHandler) error {
	klog.V(2).Infof("Deferring pull of image \"%s\" to the kubelet.", ref)
	return nil
}

func (ivk *KubeInvoker) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	pod := ivk.BuildPodSpec(spec)
	created, err := ivk.clientset.CoreV1().Pods(ivk.namespace).Create(ctx, pod, v1.CreateOptions{})
	if err != nil {
		return "", errors.Wrapf(err, "creating pod \"%s\" for kernel \"%s\"", spec.Name, spec.KernelId)
	}

	klog.V(2).Infof("Created pod \"%s\" for kernel \"%s\".", created.Name, spec.KernelId)
	return created.Name, nil
}

// BuildPodSpec translates a ContainerSpec into the kernel pod. Requests are
// set equal to limits so the pod lands in the Guaranteed QoS class.
func (ivk *KubeInvoker) BuildPodSpec(spec *ContainerSpec) *corev1.Pod {
	limits := corev1.ResourceList{}
	if spec.NanoCpus > 0 {
		limits[corev1.ResourceCPU] = *resource.NewMilliQuantity(spec.NanoCpus/1000000, resource.DecimalSI)
	}
	if spec.Resources != nil && spec.Resources.MemoryBytes > 0 {
		limits[corev1.ResourceMemory] = *resource.NewQuantity(spec.Resources.MemoryBytes, resource.BinarySI)
	}
	if len(spec.GpuDeviceIds) > 0 {
		limits[corev1.ResourceName("nvidia.com/gpu")] = *resource.NewQuantity(int64(len(spec.GpuDeviceIds)), resource.DecimalSI)
	}

	ports := make([]corev1.ContainerPort, 0, len(spec.ExposedPorts))
	for _, port := range spec.ExposedPorts {
		ports = append(ports, corev1.ContainerPort{ContainerPort: int32(port)})
	}

	return &corev1.Pod{
		TypeMeta: v1.TypeMeta{
			Kind:       "Pod",
			APIVersion: "v1",
		},
		ObjectMeta: v1.ObjectMeta{
			Name:      spec.Name,
			Namespace: ivk.namespace,
			Labels:    clusterLabels(ivk.owner, spec),
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Hostname:      spec.Name,
			Containers: []corev1.Container{
				{
					Name:       "kernel",
					Image:      spec.Image,
					Command:    spec.Command,
					WorkingDir: spec.WorkingDir,
					Env:        sortedEnvVars(mergedEnvironment(spec)),
					Ports:      ports,
					TTY:        true,
					Stdin:      true,
					Resources: corev1.ResourceRequirements{
						Requests: limits,
						Limits:   limits,
					},
				},
			},
		},
	}
}

// StartContainer is a no-op. Pods start as soon as they are created.
func (ivk *KubeInvoker) StartContainer(_ context.Context, containerId string) error {
	klog.V(2).Infof("Pod \"%s\" starts on creation. Nothing to do.", containerId)
	return nil
}

func (ivk *KubeInvoker) StopContainer(ctx context.Context, containerId string, timeout time.Duration) (int, error) {
	pod, err := ivk.clientset.CoreV1().Pods(ivk.namespace).Get(ctx, containerId, v1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return 0, errors.Wrapf(ErrContainerNotFound, "\"%s\"", containerId)
		}
		return 0, errors.Wrapf(err, "reading pod \"%s\"", containerId)
	}

	exitCode := 0
	for _, status := range pod.Status.ContainerStatuses {
		if status.State.Terminated != nil {
			exitCode = int(status.State.Terminated.ExitCode)
		}
	}

	deleteOptions := v1.DeleteOptions{}
	if timeout > 0 {
		grace := int64(timeout / time.Second)
		deleteOptions.GracePeriodSeconds = &grace
	}
	if err := ivk.clientset.CoreV1().Pods(ivk.namespace).Delete(ctx, containerId, deleteOptions); err != nil && !apierrors.IsNotFound(err) {
		return 0, errors.Wrapf(err, "deleting pod \"%s\"", containerId)
	}
	return exitCode, nil
}

func (ivk *KubeInvoker) RemoveContainer(ctx context.Context, containerId string) error {
	err := ivk.clientset.CoreV1().Pods(ivk.namespace).Delete(ctx, containerId, v1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		klog.Errorf("Failed to delete pod \"%s\": %v", containerId, err)
		return errors.Wrapf(err, "deleting pod \"%s\"", containerId)
	}
	return nil
}

func (ivk *KubeInvoker) ContainerLogs(ctx context.Context, containerId string, tailLines int) ([]byte, error) {
	logOptions := &corev1.PodLogOptions{}
	if tailLines > 0 {
		tail := int64(tailLines)
		logOptions.TailLines = &tail
	}

	raw, err := ivk.clientset.CoreV1().Pods(ivk.namespace).GetLogs(containerId, logOptions).Do(ctx).Raw()
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errors.Wrapf(ErrContainerNotFound, "\"%s\"", containerId)
		}
		return nil, errors.Wrapf(err, "reading logs of pod \"%s\"", containerId)
	}
	return raw, nil
}

// ContainerStats is unavailable on this backend; pod utilization comes from
// the cluster's metrics pipeline, not the agent.
func (ivk *KubeInvoker) ContainerStats(_ context.Context, containerId string) (*ContainerStats, error) {
	return nil, errors.Wrapf(ErrStatsUnavailable, "pod \"%s\"", containerId)
}

func (ivk *KubeInvoker) ListOwnContainers(ctx context.Context) ([]ContainerInfo, error) {
	selector := labels.Set{LabelOwner: string(ivk.owner)}.String()
	listed, err := ivk.clientset.CoreV1().Pods(ivk.namespace).List(ctx, v1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, errors.Wrap(err, "listing kernel pods")
	}

	infos := make([]ContainerInfo, 0, len(listed.Items))
	for _, pod := range listed.Items {
		image := ""
		if len(pod.Spec.Containers) > 0 {
			image = pod.Spec.Containers[0].Image
		}
		infos = append(infos, ContainerInfo{
			ContainerId: pod.Name,
			KernelId:    types.KernelId(pod.Labels[LabelKernelId]),
			Name:        pod.Name,
			Image:       image,
			State:       string(pod.Status.Phase),
			Running:     pod.Status.Phase == corev1.PodRunning,
			Address:     pod.Status.PodIP,
		})
	}
	return infos, nil
}

func (ivk *KubeInvoker) Close() error {
	return nil
}

// sortedEnvVars renders the merged environment as kubernetes env entries in
// a stable order.
func sortedEnvVars(environment map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(environment))
	for key := range environment {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	envVars := make([]corev1.EnvVar, 0, len(keys))
	for _, key := range keys {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: environment[key]})
	}
	return envVars
}
