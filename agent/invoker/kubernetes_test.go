package invoker_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	v1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/scusemua/distributed-cluster/agent/invoker"
	"github.com/scusemua/distributed-cluster/common/types"
)

var _ = Describe("KubeInvoker", func() {
	var (
		ctx         context.Context
		clientset   *fake.Clientset
		kubeInvoker *invoker.KubeInvoker
	)

	BeforeEach(func() {
		ctx = context.Background()
		clientset = fake.NewSimpleClientset()
		kubeInvoker = invoker.NewKubeInvokerWithClientset(clientset, "agent-1", invoker.KubeOptions{Namespace: "cluster"})
	})

	Context("Building pod specs", func() {
		It("Will build a guaranteed-QoS kernel pod", func() {
			spec := kernelSpec()
			pod := kubeInvoker.BuildPodSpec(spec)

			Expect(pod.TypeMeta.Kind).To(Equal("Pod"))
			Expect(pod.TypeMeta.APIVersion).To(Equal("v1"))
			Expect(pod.Name).To(Equal(spec.Name))
			Expect(pod.Namespace).To(Equal("cluster"))

			Expect(pod.Labels).To(HaveKeyWithValue(invoker.LabelKernelId, "kernel-abc123"))
			Expect(pod.Labels).To(HaveKeyWithValue(invoker.LabelOwner, "agent-1"))
			Expect(pod.Labels).To(HaveKeyWithValue(invoker.LabelApp, invoker.AppLabelValue))

			Expect(pod.Spec.RestartPolicy).To(Equal(corev1.RestartPolicyNever))
			Expect(pod.Spec.Hostname).To(Equal(spec.Name))
			Expect(pod.Spec.Containers).To(HaveLen(1))

			kernelContainer := pod.Spec.Containers[0]
			Expect(kernelContainer.Name).To(Equal("kernel"))
			Expect(kernelContainer.Image).To(Equal(spec.Image))
			Expect(kernelContainer.Command).To(Equal(spec.Command))
			Expect(kernelContainer.WorkingDir).To(Equal("/home/work"))
			Expect(kernelContainer.TTY).To(BeTrue())
			Expect(kernelContainer.Stdin).To(BeTrue())

			By("Sorting the merged environment")
			Expect(kernelContainer.Env).To(Equal([]corev1.EnvVar{
				{Name: "KERNEL_ID", Value: "kernel-abc123"},
				{Name: "LANG", Value: "en_US.UTF-8"},
				{Name: "MOCK_CUDA_DEVICES", Value: "0,1"},
			}))

			Expect(kernelContainer.Ports).To(HaveLen(2))
			Expect(kernelContainer.Ports[0].ContainerPort).To(Equal(int32(8888)))
			Expect(kernelContainer.Ports[1].ContainerPort).To(Equal(int32(8889)))

			By("Setting requests equal to limits")
			cpu := kernelContainer.Resources.Limits[corev1.ResourceCPU]
			Expect(cpu.MilliValue()).To(Equal(int64(2000)))
			memory := kernelContainer.Resources.Limits[corev1.ResourceMemory]
			Expect(memory.Value()).To(Equal(int64(536870912)))
			gpus := kernelContainer.Resources.Limits[corev1.ResourceName("nvidia.com/gpu")]
			Expect(gpus.Value()).To(Equal(int64(2)))

			requestedCpu := kernelContainer.Resources.Requests[corev1.ResourceCPU]
			Expect(requestedCpu.MilliValue()).To(Equal(int64(2000)))
		})

		It("Will omit limits that the spec does not set", func() {
			spec := kernelSpec()
			spec.NanoCpus = 0
			spec.GpuDeviceIds = nil
			spec.Resources = nil

			pod := kubeInvoker.BuildPodSpec(spec)
			Expect(pod.Spec.Containers[0].Resources.Limits).To(BeEmpty())
		})
	})

	Context("Managing pods", func() {
		It("Will create kernel pods that can be fetched back", func() {
			containerId, err := kubeInvoker.CreateContainer(ctx, kernelSpec())
			Expect(err).To(BeNil())
			Expect(containerId).To(Equal("kernel.python-3-11.kernel-abc123"))

			pod, err := clientset.CoreV1().Pods("cluster").Get(ctx, containerId, v1.GetOptions{})
			Expect(err).To(BeNil())
			Expect(pod.Labels).To(HaveKeyWithValue(invoker.LabelOwner, "agent-1"))
		})

		It("Will list only its own kernel pods", func() {
			first := kernelSpec()
			_, err := kubeInvoker.CreateContainer(ctx, first)
			Expect(err).To(BeNil())

			second := kernelSpec()
			second.KernelId = "kernel-def456"
			second.Name = "kernel.python-3-11.kernel-def456"
			_, err = kubeInvoker.CreateContainer(ctx, second)
			Expect(err).To(BeNil())

			By("Seeding a pod that belongs to another agent")
			foreign := &corev1.Pod{
				ObjectMeta: v1.ObjectMeta{
					Name:      "kernel.python-3-11.kernel-foreign",
					Namespace: "cluster",
					Labels: map[string]string{
						invoker.LabelOwner:    "agent-2",
						invoker.LabelKernelId: "kernel-foreign",
					},
				},
			}
			_, err = clientset.CoreV1().Pods("cluster").Create(ctx, foreign, v1.CreateOptions{})
			Expect(err).To(BeNil())

			infos, err := kubeInvoker.ListOwnContainers(ctx)
			Expect(err).To(BeNil())
			Expect(infos).To(HaveLen(2))

			kernelIds := make([]types.KernelId, 0, len(infos))
			for _, info := range infos {
				kernelIds = append(kernelIds, info.KernelId)
			}
			Expect(kernelIds).To(ConsistOf(types.KernelId("kernel-abc123"), types.KernelId("kernel-def456")))
		})

		It("Will report a stopped pod's exit code and delete it", func() {
			dead := &corev1.Pod{
				ObjectMeta: v1.ObjectMeta{
					Name:      "kernel.python-3-11.kernel-dead",
					Namespace: "cluster",
					Labels: map[string]string{
						invoker.LabelOwner:    "agent-1",
						invoker.LabelKernelId: "kernel-dead",
					},
				},
				Status: corev1.PodStatus{
					Phase: corev1.PodSucceeded,
					ContainerStatuses: []corev1.ContainerStatus{
						{State: corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{ExitCode: 137}}},
					},
				},
			}
			_, err := clientset.CoreV1().Pods("cluster").Create(ctx, dead, v1.CreateOptions{})
			Expect(err).To(BeNil())

			exitCode, err := kubeInvoker.StopContainer(ctx, dead.Name, 10*time.Second)
			Expect(err).To(BeNil())
			Expect(exitCode).To(Equal(137))

			_, err = clientset.CoreV1().Pods("cluster").Get(ctx, dead.Name, v1.GetOptions{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})

		It("Will fail to stop pods that do not exist", func() {
			_, err := kubeInvoker.StopContainer(ctx, "kernel.python-3-11.kernel-missing", 0)
			Expect(err).To(MatchError(invoker.ErrContainerNotFound))
		})

		It("Will remove pods idempotently", func() {
			containerId, err := kubeInvoker.CreateContainer(ctx, kernelSpec())
			Expect(err).To(BeNil())

			Expect(kubeInvoker.RemoveContainer(ctx, containerId)).To(Succeed())
			Expect(kubeInvoker.RemoveContainer(ctx, containerId)).To(Succeed())
		})

		It("Will read pod logs", func() {
			containerId, err := kubeInvoker.CreateContainer(ctx, kernelSpec())
			Expect(err).To(BeNil())

			logs, err := kubeInvoker.ContainerLogs(ctx, containerId, 0)
			Expect(err).To(BeNil())
			Expect(string(logs)).To(Equal("fake logs"))
		})

		It("Will treat pulls and starts as no-ops", func() {
			Expect(kubeInvoker.Backend()).To(Equal(invoker.KubernetesBackend))
			Expect(kubeInvoker.PullImage(ctx, "registry.local/kernels/python:3.11", nil)).To(Succeed())
			Expect(kubeInvoker.StartContainer(ctx, "kernel.python-3-11.kernel-abc123")).To(Succeed())
			Expect(kubeInvoker.Close()).To(Succeed())
		})
	})
})
