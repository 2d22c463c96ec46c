package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerClient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/common/types"
)

// DockerOptions configures the docker backend.
type DockerOptions struct {
	// NetworkName is the docker network kernel containers join. Empty
	// leaves the daemon's default bridge in place, without aliases.
	NetworkName string `name:"network-name" yaml:"network-name" json:"network-name" description:"Docker network that kernel containers join."`

	// BindAllGpus passes every host GPU into each container instead of
	// the allocated ones.
	BindAllGpus bool `name:"bind-all-gpus" yaml:"bind-all-gpus" json:"bind-all-gpus" description:"Pass all host GPUs into every kernel container."`

	// SaveStoppedContainers renames stopped containers out of the way
	// instead of removing them, keeping them around for debugging.
	SaveStoppedContainers bool `name:"save-stopped-containers" yaml:"save-stopped-containers" json:"save-stopped-containers" description:"Rename stopped kernel containers instead of removing them."`
}

// DockerInvoker drives kernel containers through the docker API.
type DockerInvoker struct {
	client *dockerClient.Client
	owner  types.AgentId
	opts   DockerOptions

	log logger.Logger
}

// NewDockerInvoker connects to the docker daemon named by the usual
// DOCKER_HOST environment.
func NewDockerInvoker(owner types.AgentId, opts DockerOptions) (*DockerInvoker, error) {
	apiClient, err := dockerClient.NewClientWithOpts(dockerClient.FromEnv)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to the docker daemon")
	}

	invoker := &DockerInvoker{
		client: apiClient,
		owner:  owner,
		opts:   opts,
	}
	config.InitLogger(&invoker.log, invoker)
	return invoker, nil
}

func (ivk *DockerInvoker) Backend() Backend {
	return DockerBackend
}

// PullImage pulls the image unless it is already present, decoding the
// daemon's progress stream into onProgress callbacks.
func (ivk *DockerInvoker) PullImage(ctx context.Context, ref string, onProgress PullProgressHandler) error {
	if _, _, err := ivk.client.ImageInspectWithRaw(ctx, ref); err == nil {
		ivk.log.Debug("Image \"%s\" is already present.", ref)
		return nil
	} else if !dockerClient.IsErrNotFound(err) {
		return errors.Wrapf(err, "inspecting image \"%s\"", ref)
	}

	ivk.log.Info("Pulling image \"%s\".", ref)
	reader, err := ivk.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return errors.Wrapf(err, "pulling image \"%s\"", ref)
	}
	defer func() { _ = reader.Close() }()

	decoder := json.NewDecoder(reader)
	for {
		var message jsonmessage.JSONMessage
		if err := decoder.Decode(&message); err != nil {
			if err == io.EOF {
				break
			}
			return errors.Wrapf(err, "decoding pull progress for image \"%s\"", ref)
		}
		if message.Error != nil {
			return errors.Wrapf(message.Error, "pulling image \"%s\"", ref)
		}
		if onProgress != nil {
			var current, total int64
			if message.Progress != nil {
				current, total = message.Progress.Current, message.Progress.Total
			}
			onProgress(message.Status, current, total)
		}
	}

	ivk.log.Info("Finished pulling image \"%s\".", ref)
	return nil
}

func (ivk *DockerInvoker) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	containerConfig, hostConfig, networkingConfig := ivk.BuildContainerConfig(spec)
	created, err := ivk.client.ContainerCreate(ctx, containerConfig, hostConfig, networkingConfig, nil, spec.Name)
	if err != nil {
		return "", errors.Wrapf(err, "creating container \"%s\" for kernel \"%s\"", spec.Name, spec.KernelId)
	}
	for _, warning := range created.Warnings {
		ivk.log.Warn("Creating container \"%s\": %s", spec.Name, warning)
	}

	ivk.log.Debug("Created container \"%s\" (%s) for kernel \"%s\".",
		spec.Name, truncateId(created.ID), spec.KernelId)
	return created.ID, nil
}

// BuildContainerConfig translates a ContainerSpec into the docker create
// payload. Split out so the mapping is testable without a daemon.
func (ivk *DockerInvoker) BuildContainerConfig(spec *ContainerSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	containerConfig := &container.Config{
		Hostname:   spec.Name,
		Image:      spec.Image,
		Cmd:        spec.Command,
		WorkingDir: spec.WorkingDir,
		Env:        sortedEnvList(mergedEnvironment(spec)),
		Labels:     clusterLabels(ivk.owner, spec),
		Tty:        true,
		OpenStdin:  true,
		StopSignal: "SIGINT",
	}
	if len(spec.ExposedPorts) > 0 {
		exposed := make(nat.PortSet, len(spec.ExposedPorts))
		for _, port := range spec.ExposedPorts {
			exposed[nat.Port(fmt.Sprintf("%d/tcp", port))] = struct{}{}
		}
		containerConfig.ExposedPorts = exposed
	}

	initProcess := true
	hostConfig := &container.HostConfig{
		Binds: spec.Binds,
		Init:  &initProcess,
		Resources: container.Resources{
			NanoCPUs:       spec.NanoCpus,
			DeviceRequests: ivk.gpuDeviceRequests(spec),
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 1048576, Hard: 1048576},
				{Name: "memlock", Soft: -1, Hard: -1},
			},
		},
		LogConfig: container.LogConfig{
			Type: "local",
			Config: map[string]string{
				"max-size": "8m",
				"max-file": "5",
				"compress": "false",
			},
		},
	}
	if spec.Resources != nil {
		hostConfig.CpusetCpus = spec.Resources.CpusetCpus
		hostConfig.Memory = spec.Resources.MemoryBytes
		hostConfig.MemorySwap = spec.Resources.MemorySwapBytes
		for _, devicePath := range spec.Resources.Devices {
			hostPath, containerPath, hasTarget := strings.Cut(devicePath, ":")
			if !hasTarget {
				containerPath = hostPath
			}
			hostConfig.Devices = append(hostConfig.Devices, container.DeviceMapping{
				PathOnHost:        hostPath,
				PathInContainer:   containerPath,
				CgroupPermissions: "rwm",
			})
		}
	}

	var networkingConfig *network.NetworkingConfig
	if ivk.opts.NetworkName != "" {
		hostConfig.NetworkMode = container.NetworkMode(ivk.opts.NetworkName)
		networkingConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				ivk.opts.NetworkName: {Aliases: []string{spec.Name}},
			},
		}
	}

	return containerConfig, hostConfig, networkingConfig
}

// gpuDeviceRequests binds either every host GPU or exactly the allocated
// devices into the container.
func (ivk *DockerInvoker) gpuDeviceRequests(spec *ContainerSpec) []container.DeviceRequest {
	if ivk.opts.BindAllGpus {
		return []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	if len(spec.GpuDeviceIds) == 0 {
		return nil
	}
	return []container.DeviceRequest{{
		Driver:       "nvidia",
		DeviceIDs:    spec.GpuDeviceIds,
		Capabilities: [][]string{{"gpu"}},
	}}
}

func (ivk *DockerInvoker) StartContainer(ctx context.Context, containerId string) error {
	if err := ivk.client.ContainerStart(ctx, containerId, container.StartOptions{}); err != nil {
		if dockerClient.IsErrNotFound(err) {
			return errors.Wrapf(ErrContainerNotFound, "\"%s\"", containerId)
		}
		return errors.Wrapf(err, "starting container \"%s\"", truncateId(containerId))
	}
	return nil
}

func (ivk *DockerInvoker) StopContainer(ctx context.Context, containerId string, timeout time.Duration) (int, error) {
	stopOptions := container.StopOptions{}
	if timeout > 0 {
		seconds := int(timeout / time.Second)
		stopOptions.Timeout = &seconds
	}

	if err := ivk.client.ContainerStop(ctx, containerId, stopOptions); err != nil {
		if dockerClient.IsErrNotFound(err) {
			return 0, errors.Wrapf(ErrContainerNotFound, "\"%s\"", containerId)
		}
		return 0, errors.Wrapf(err, "stopping container \"%s\"", truncateId(containerId))
	}

	inspected, err := ivk.client.ContainerInspect(ctx, containerId)
	if err != nil || inspected.State == nil {
		ivk.log.Warn("Could not read exit code of stopped container \"%s\": %v", truncateId(containerId), err)
		return 0, nil
	}
	return inspected.State.ExitCode, nil
}

func (ivk *DockerInvoker) RemoveContainer(ctx context.Context, containerId string) error {
	if ivk.opts.SaveStoppedContainers {
		return ivk.renameStoppedContainer(ctx, containerId)
	}

	err := ivk.client.ContainerRemove(ctx, containerId, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !dockerClient.IsErrNotFound(err) {
		return errors.Wrapf(err, "removing container \"%s\"", truncateId(containerId))
	}
	return nil
}

// renameStoppedContainer moves the stopped container aside under a
// timestamped name so a replacement can reuse the original one. Falls back
// to removal when the rename fails.
func (ivk *DockerInvoker) renameStoppedContainer(ctx context.Context, containerId string) error {
	name := containerId
	if inspected, err := ivk.client.ContainerInspect(ctx, containerId); err == nil {
		name = strings.TrimPrefix(inspected.Name, "/")
	} else if dockerClient.IsErrNotFound(err) {
		return nil
	}

	newName := fmt.Sprintf("%s-old-%s", name, time.Now().Format("2006-01-02-15-04-05.000"))
	if err := ivk.client.ContainerRename(ctx, containerId, newName); err != nil {
		ivk.log.Warn("Failed to rename stopped container \"%s\" to \"%s\": %v. Removing it instead.",
			name, newName, err)
		removeErr := ivk.client.ContainerRemove(ctx, containerId, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if removeErr != nil && !dockerClient.IsErrNotFound(removeErr) {
			return errors.Wrapf(removeErr, "removing container \"%s\"", truncateId(containerId))
		}
		return nil
	}

	ivk.log.Debug("Renamed stopped container \"%s\" to \"%s\".", name, newName)
	return nil
}

func (ivk *DockerInvoker) ContainerLogs(ctx context.Context, containerId string, tailLines int) ([]byte, error) {
	inspected, err := ivk.client.ContainerInspect(ctx, containerId)
	if err != nil {
		if dockerClient.IsErrNotFound(err) {
			return nil, errors.Wrapf(ErrContainerNotFound, "\"%s\"", containerId)
		}
		return nil, errors.Wrapf(err, "inspecting container \"%s\"", truncateId(containerId))
	}

	tail := "all"
	if tailLines > 0 {
		tail = strconv.Itoa(tailLines)
	}
	reader, err := ivk.client.ContainerLogs(ctx, containerId, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "reading logs of container \"%s\"", truncateId(containerId))
	}
	defer func() { _ = reader.Close() }()

	// TTY containers produce a raw stream; others multiplex stdout and
	// stderr and need demuxing.
	var buffer bytes.Buffer
	if inspected.Config != nil && inspected.Config.Tty {
		_, err = io.Copy(&buffer, reader)
	} else {
		_, err = stdcopy.StdCopy(&buffer, &buffer, reader)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "draining logs of container \"%s\"", truncateId(containerId))
	}
	return buffer.Bytes(), nil
}

// ContainerStats takes a single utilization sample from the docker stats
// API. The daemon collects continuously, so the sample already carries the
// previous reading and the CPU delta covers roughly the last second.
func (ivk *DockerInvoker) ContainerStats(ctx context.Context, containerId string) (*ContainerStats, error) {
	response, err := ivk.client.ContainerStats(ctx, containerId, false)
	if err != nil {
		if dockerClient.IsErrNotFound(err) {
			return nil, errors.Wrapf(ErrContainerNotFound, "\"%s\"", containerId)
		}
		return nil, errors.Wrapf(err, "sampling stats of container \"%s\"", truncateId(containerId))
	}
	defer func() { _ = response.Body.Close() }()

	var sample container.StatsResponse
	if err := json.NewDecoder(response.Body).Decode(&sample); err != nil {
		return nil, errors.Wrapf(err, "decoding stats of container \"%s\"", truncateId(containerId))
	}

	return &ContainerStats{
		CpuUtilization:   cpuPercent(&sample),
		MemoryBytes:      memoryUsageBytes(&sample.MemoryStats),
		MemoryLimitBytes: int64(sample.MemoryStats.Limit),
	}, nil
}

// cpuPercent applies the docker CLI's CPU formula: the container's share of
// the system CPU delta, scaled by the online core count.
func cpuPercent(sample *container.StatsResponse) float64 {
	cpuDelta := float64(sample.CPUStats.CPUUsage.TotalUsage) - float64(sample.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(sample.CPUStats.SystemUsage) - float64(sample.PreCPUStats.SystemUsage)
	onlineCpus := float64(sample.CPUStats.OnlineCPUs)
	if onlineCpus == 0 {
		onlineCpus = float64(len(sample.CPUStats.CPUUsage.PercpuUsage))
	}
	if systemDelta <= 0 || cpuDelta <= 0 {
		return 0
	}
	return (cpuDelta / systemDelta) * onlineCpus * 100.0
}

// memoryUsageBytes subtracts the page cache the kernel could reclaim, the
// same correction the docker CLI applies on cgroup v1 and v2.
func memoryUsageBytes(stats *container.MemoryStats) int64 {
	if inactive, cgroupV1 := stats.Stats["total_inactive_file"]; cgroupV1 && inactive < stats.Usage {
		return int64(stats.Usage - inactive)
	}
	if inactive := stats.Stats["inactive_file"]; inactive < stats.Usage {
		return int64(stats.Usage - inactive)
	}
	return int64(stats.Usage)
}

func (ivk *DockerInvoker) ListOwnContainers(ctx context.Context) ([]ContainerInfo, error) {
	ownLabel := filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", LabelOwner, ivk.owner)))
	listed, err := ivk.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: ownLabel,
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing containers")
	}

	infos := make([]ContainerInfo, 0, len(listed))
	for _, item := range listed {
		name := ""
		if len(item.Names) > 0 {
			name = strings.TrimPrefix(item.Names[0], "/")
		}

		address := ""
		if item.NetworkSettings != nil {
			if endpoint, ok := item.NetworkSettings.Networks[ivk.opts.NetworkName]; ok && endpoint != nil {
				address = endpoint.IPAddress
			} else {
				for _, endpoint := range item.NetworkSettings.Networks {
					if endpoint != nil && endpoint.IPAddress != "" {
						address = endpoint.IPAddress
						break
					}
				}
			}
		}

		infos = append(infos, ContainerInfo{
			ContainerId: item.ID,
			KernelId:    types.KernelId(item.Labels[LabelKernelId]),
			Name:        name,
			Image:       item.Image,
			State:       item.State,
			Running:     item.State == "running",
			Address:     address,
		})
	}
	return infos, nil
}

func (ivk *DockerInvoker) Close() error {
	return ivk.client.Close()
}

// truncateId shortens a container id to the familiar 12 characters for
// logging.
func truncateId(containerId string) string {
	if len(containerId) > 12 {
		return containerId[:12]
	}
	return containerId
}
