package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/scusemua/distributed-cluster/agent/invoker"
	"github.com/scusemua/distributed-cluster/agent/resources"
	"github.com/scusemua/distributed-cluster/common/events"
	"github.com/scusemua/distributed-cluster/common/metrics"
	"github.com/scusemua/distributed-cluster/common/rpc"
	"github.com/scusemua/distributed-cluster/common/storage"
	"github.com/scusemua/distributed-cluster/common/types"
)

// kernelWorkingDir is where every kernel container starts, with the kernel's
// scratch directory mounted over it when a scratch root is configured.
const kernelWorkingDir = "/home/work"

// kernelLock returns the mutex serializing lifecycle operations for one
// kernel. Locks are never removed; a kernel id names at most one mutex for
// the lifetime of the daemon.
func (d *AgentDaemon) kernelLock(kernelId types.KernelId) *sync.Mutex {
	lock, _ := d.opLocks.LoadOrStore(string(kernelId), &sync.Mutex{})
	return lock
}

// CreateKernels runs every spec of the batch and reports a per-spec outcome.
// One kernel failing does not abort the rest of the batch.
func (d *AgentDaemon) CreateKernels(ctx context.Context, specs []*rpc.KernelCreationSpec) []*rpc.CreatedKernel {
	outcomes := make([]*rpc.CreatedKernel, 0, len(specs))
	for _, spec := range specs {
		outcomes = append(outcomes, d.createKernel(ctx, spec))
	}
	return outcomes
}

func (d *AgentDaemon) createKernel(ctx context.Context, spec *rpc.KernelCreationSpec) *rpc.CreatedKernel {
	if spec == nil || spec.KernelId == "" {
		return &rpc.CreatedKernel{Error: "invalid spec: missing kernel id"}
	}
	kernelId := spec.KernelId

	lock := d.kernelLock(kernelId)
	lock.Lock()
	defer lock.Unlock()

	// Redelivered creates are resolved from the registry instead of
	// creating a second container.
	if existing, ok := d.registry.Get(kernelId); ok && !existing.Status.Terminal() {
		if existing.Status == types.StatusRunning {
			d.log.Warn("Kernel \"%s\" already runs in container \"%s\"; treating the create as redelivered.",
				kernelId, existing.ContainerId)
			return &rpc.CreatedKernel{
				KernelId:    kernelId,
				ContainerId: existing.ContainerId,
				Addr:        existing.Addr,
			}
		}
		return &rpc.CreatedKernel{
			KernelId: kernelId,
			Error:    fmt.Sprintf("kernel is already being created (status %s)", existing.Status),
		}
	}

	startedAt := time.Now()

	record := &KernelRecord{
		Spec:      spec,
		CreatedAt: startedAt,
	}
	record.Advance(types.StatusPreparing, "")
	d.registry.Put(record)
	d.emitKernelEvent(ctx, events.KernelPreparing, spec, "")

	if err := d.ensureImage(ctx, spec); err != nil {
		return d.failCreation(ctx, record, "image-pull-failed", err)
	}

	allocations, err := d.resources.Allocate(kernelId, spec.ResourceSlots, nil)
	if err != nil {
		return d.failCreation(ctx, record, "insufficient-resources", err)
	}
	d.registry.Update(kernelId, func(r *KernelRecord) { r.Allocations = allocations })
	d.updateAllocationMetrics()

	d.emitKernelEvent(ctx, events.KernelCreating, spec, "")

	containerSpec, err := d.buildContainerSpec(spec, allocations)
	if err != nil {
		return d.failCreation(ctx, record, "container-spec-failed", err)
	}

	containerId, err := d.invoker.CreateContainer(ctx, containerSpec)
	if err != nil {
		return d.failCreation(ctx, record, "container-create-failed", err)
	}
	d.registry.Update(kernelId, func(r *KernelRecord) {
		r.ContainerId = containerId
		r.ContainerName = containerSpec.Name
	})

	if err := d.invoker.StartContainer(ctx, containerId); err != nil {
		return d.failCreation(ctx, record, "container-start-failed", err)
	}

	addr := d.containerAddress(ctx, containerId)
	ports := d.servicePorts(addr)
	d.registry.Update(kernelId, func(r *KernelRecord) {
		r.Addr = addr
		r.ServicePorts = ports
		r.Advance(types.StatusRunning, "")
	})
	if err := d.registry.Save(); err != nil {
		d.log.Error("Cannot save the kernel registry: %v", err)
	}

	started := events.NewKernelEvent(events.KernelStarted, kernelId, spec.SessionId, "")
	if err := started.SetPayload(&events.KernelStartedPayload{
		ContainerId:  containerId,
		Addr:         addr,
		ServicePorts: ports,
	}); err != nil {
		d.log.Warn("Cannot encode the kernel_started payload of kernel \"%s\": %v", kernelId, err)
	}
	if err := d.produceEvent(ctx, started); err != nil {
		d.log.Warn("Cannot produce the kernel_started event of kernel \"%s\": %v", kernelId, err)
	}

	if d.metrics != nil {
		_ = d.metrics.KernelStarted(string(d.id), metrics.AgentDaemon)
		_ = d.metrics.AddContainerCreationLatencyObservation(time.Since(startedAt), string(d.id))
	}

	d.log.Info("Kernel \"%s\" is running in container \"%s\" at %s (took %v).",
		kernelId, containerId, addr, time.Since(startedAt))
	return &rpc.CreatedKernel{KernelId: kernelId, ContainerId: containerId, Addr: addr}
}

// ensureImage pulls the kernel's image if the backend does not have it yet,
// moving the kernel through the pulling phase.
func (d *AgentDaemon) ensureImage(ctx context.Context, spec *rpc.KernelCreationSpec) error {
	d.registry.Update(spec.KernelId, func(r *KernelRecord) {
		r.Advance(types.StatusPulling, "")
	})
	d.emitKernelEvent(ctx, events.KernelPulling, spec, "")

	err := d.invoker.PullImage(ctx, spec.Image.Name, func(status string, current int64, total int64) {
		d.log.Debug("Pulling \"%s\": %s (%d/%d).", spec.Image.Name, status, current, total)
	})
	if err != nil {
		return err
	}

	d.images.Store(spec.Image.Name, spec.Image)
	return nil
}

// failCreation unwinds a partially created kernel and reports the outcome.
// Everything acquired so far is put back: the allocation is released, and a
// created container is stopped and removed.
func (d *AgentDaemon) failCreation(ctx context.Context, record *KernelRecord, reason string, cause error) *rpc.CreatedKernel {
	kernelId := record.KernelId()
	d.log.Error("Creating kernel \"%s\" failed (%s): %v", kernelId, reason, cause)

	current, _ := d.registry.Get(kernelId)
	if current == nil {
		current = record
	}

	if current.ContainerId != "" {
		_, _ = d.invoker.StopContainer(ctx, current.ContainerId, d.opts.KernelStopTimeout())
		_ = d.invoker.RemoveContainer(ctx, current.ContainerId)
	}
	if len(current.Allocations) > 0 {
		d.resources.Release(kernelId)
		d.updateAllocationMetrics()
	}

	d.registry.Update(kernelId, func(r *KernelRecord) {
		r.Advance(types.StatusCancelled, reason)
	})
	if err := d.registry.Save(); err != nil {
		d.log.Error("Cannot save the kernel registry: %v", err)
	}

	d.emitKernelEvent(ctx, events.KernelCancelled, record.Spec, reason)

	return &rpc.CreatedKernel{
		KernelId: kernelId,
		Error:    fmt.Sprintf("%s: %v", reason, cause),
	}
}

// DestroyKernel tears a kernel down: stop, archive logs, remove, release the
// allocation, and drop the registry entry. Destroying an unknown kernel
// returns found=false with no error so redelivered destroys stay idempotent.
// With force set, teardown continues past stop failures.
func (d *AgentDaemon) DestroyKernel(ctx context.Context, kernelId types.KernelId, reason string, force bool) (bool, error) {
	lock := d.kernelLock(kernelId)
	lock.Lock()
	defer lock.Unlock()

	record, ok := d.registry.Get(kernelId)
	if !ok {
		d.log.Warn("Asked to destroy unknown kernel \"%s\"; nothing to do.", kernelId)
		return false, nil
	}

	if record.Status.Terminal() {
		d.registry.Remove(kernelId)
		if err := d.registry.Save(); err != nil {
			d.log.Error("Cannot save the kernel registry: %v", err)
		}
		return true, nil
	}

	d.registry.Update(kernelId, func(r *KernelRecord) {
		r.Advance(types.StatusTerminating, reason)
	})
	d.emitKernelEvent(ctx, events.KernelTerminating, record.Spec, reason)

	exitCode := 0
	if record.ContainerId != "" {
		code, err := d.invoker.StopContainer(ctx, record.ContainerId, d.opts.KernelStopTimeout())
		switch {
		case err == nil:
			exitCode = code
		case errors.Is(err, invoker.ErrContainerNotFound):
			// Already gone; carry on with the bookkeeping.
		case !force:
			d.registry.Update(kernelId, func(r *KernelRecord) {
				r.Advance(types.StatusError, fmt.Sprintf("stop failed: %v", err))
			})
			return true, errors.Wrapf(err, "stopping the container of kernel \"%s\"", kernelId)
		default:
			d.log.Warn("Forcing teardown of kernel \"%s\" past a stop failure: %v", kernelId, err)
		}

		d.archiveKernelLogs(ctx, kernelId, record.ContainerId)

		if err := d.invoker.RemoveContainer(ctx, record.ContainerId); err != nil {
			d.log.Warn("Cannot remove container \"%s\" of kernel \"%s\": %v", record.ContainerId, kernelId, err)
		}
	}

	d.resources.Release(kernelId)
	d.updateAllocationMetrics()

	d.registry.Remove(kernelId)
	if err := d.registry.Save(); err != nil {
		d.log.Error("Cannot save the kernel registry: %v", err)
	}

	terminated := events.NewKernelEvent(events.KernelTerminated, kernelId, sessionIdOf(record.Spec), reason)
	if err := terminated.SetPayload(&events.KernelTerminatedPayload{
		ContainerId: record.ContainerId,
		ExitCode:    exitCode,
	}); err != nil {
		d.log.Warn("Cannot encode the kernel_terminated payload of kernel \"%s\": %v", kernelId, err)
	}
	if err := d.produceEvent(ctx, terminated); err != nil {
		d.log.Warn("Cannot produce the kernel_terminated event of kernel \"%s\": %v", kernelId, err)
	}

	if d.metrics != nil {
		_ = d.metrics.KernelStopped(string(d.id), metrics.AgentDaemon)
	}

	d.log.Info("Kernel \"%s\" terminated (reason \"%s\", exit code %d).", kernelId, reason, exitCode)
	return true, nil
}

// DestroyAllKernels destroys every registered kernel and returns how many
// were actually torn down.
func (d *AgentDaemon) DestroyAllKernels(ctx context.Context, reason string) int {
	destroyed := 0
	for _, record := range d.registry.List() {
		found, err := d.DestroyKernel(ctx, record.KernelId(), reason, true)
		if err != nil {
			d.log.Error("Destroying kernel \"%s\" failed: %v", record.KernelId(), err)
			continue
		}
		if found {
			destroyed++
		}
	}
	return destroyed
}

// RestartKernel replaces the kernel's container while keeping its identity
// and its resource allocation. The new container reuses the spec the kernel
// was created from.
func (d *AgentDaemon) RestartKernel(ctx context.Context, kernelId types.KernelId) (string, error) {
	lock := d.kernelLock(kernelId)
	lock.Lock()
	defer lock.Unlock()

	record, ok := d.registry.Get(kernelId)
	if !ok || record.Status.Terminal() {
		return "", errors.Wrapf(ErrKernelNotFound, "kernel \"%s\"", kernelId)
	}
	if record.Spec == nil {
		return "", errors.Errorf("kernel \"%s\" has no creation spec to restart from", kernelId)
	}

	d.log.Info("Restarting kernel \"%s\" (container \"%s\").", kernelId, record.ContainerId)
	d.registry.Update(kernelId, func(r *KernelRecord) {
		r.Advance(types.StatusRestarting, "")
	})

	if record.ContainerId != "" {
		if _, err := d.invoker.StopContainer(ctx, record.ContainerId, d.opts.KernelStopTimeout()); err != nil &&
			!errors.Is(err, invoker.ErrContainerNotFound) {
			d.log.Warn("Cannot stop the old container of kernel \"%s\": %v", kernelId, err)
		}
		if err := d.invoker.RemoveContainer(ctx, record.ContainerId); err != nil {
			d.log.Warn("Cannot remove the old container of kernel \"%s\": %v", kernelId, err)
		}
	}

	// The allocation survives the restart, so the container arguments it
	// encodes are still valid.
	containerSpec, err := d.buildContainerSpec(record.Spec, record.Allocations)
	if err != nil {
		return "", err
	}

	containerId, err := d.invoker.CreateContainer(ctx, containerSpec)
	if err != nil {
		return "", errors.Wrapf(err, "recreating the container of kernel \"%s\"", kernelId)
	}
	if err := d.invoker.StartContainer(ctx, containerId); err != nil {
		_ = d.invoker.RemoveContainer(ctx, containerId)
		return "", errors.Wrapf(err, "restarting kernel \"%s\"", kernelId)
	}

	addr := d.containerAddress(ctx, containerId)
	ports := d.servicePorts(addr)
	d.registry.Update(kernelId, func(r *KernelRecord) {
		r.ContainerId = containerId
		r.ContainerName = containerSpec.Name
		r.Addr = addr
		r.ServicePorts = ports
		r.Advance(types.StatusRunning, "restart")
	})
	if err := d.registry.Save(); err != nil {
		d.log.Error("Cannot save the kernel registry: %v", err)
	}

	started := events.NewKernelEvent(events.KernelStarted, kernelId, record.Spec.SessionId, "restart")
	if err := started.SetPayload(&events.KernelStartedPayload{
		ContainerId:  containerId,
		Addr:         addr,
		ServicePorts: ports,
	}); err != nil {
		d.log.Warn("Cannot encode the kernel_started payload of kernel \"%s\": %v", kernelId, err)
	}
	if err := d.produceEvent(ctx, started); err != nil {
		d.log.Warn("Cannot produce the kernel_started event of kernel \"%s\": %v", kernelId, err)
	}

	return containerId, nil
}

// KernelLogs returns the kernel's output, preferring the live container and
// falling back to the archived logs of a destroyed kernel.
func (d *AgentDaemon) KernelLogs(ctx context.Context, kernelId types.KernelId, tailLines int) ([]byte, error) {
	if record, ok := d.registry.Get(kernelId); ok && record.ContainerId != "" {
		logs, err := d.invoker.ContainerLogs(ctx, record.ContainerId, tailLines)
		if err == nil {
			return logs, nil
		}
		if !errors.Is(err, invoker.ErrContainerNotFound) {
			return nil, err
		}
	}

	logs, err := storage.RetrieveLogs(ctx, d.archive, kernelId)
	if err != nil {
		return nil, errors.Wrapf(err, "kernel \"%s\" has no live container and no archived logs", kernelId)
	}
	return logs, nil
}

// archiveKernelLogs ships the container's remaining output to the log
// archive. Archival is best effort; teardown proceeds without it.
func (d *AgentDaemon) archiveKernelLogs(ctx context.Context, kernelId types.KernelId, containerId string) {
	logs, err := d.invoker.ContainerLogs(ctx, containerId, 0)
	if err != nil {
		d.log.Warn("Cannot read the logs of kernel \"%s\": %v", kernelId, err)
		return
	}
	if len(logs) == 0 {
		return
	}

	chunks, err := storage.ArchiveLogs(ctx, d.archive, kernelId, logs, &d.opts.LogArchive)
	if err != nil {
		d.log.Warn("Cannot archive the logs of kernel \"%s\": %v", kernelId, err)
		return
	}
	d.log.Debug("Archived %d byte(s) of kernel \"%s\" logs in %d chunk(s).", len(logs), kernelId, chunks)
}

// buildContainerSpec derives the container creation request from the kernel
// spec and its device allocation.
func (d *AgentDaemon) buildContainerSpec(spec *rpc.KernelCreationSpec,
	allocations map[string]resources.Allocation) (*invoker.ContainerSpec, error) {

	args, err := d.resources.ContainerArgs(spec.KernelId)
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(spec.Environ)+5)
	for key, value := range spec.Environ {
		env[key] = value
	}
	env["KERNEL_ID"] = string(spec.KernelId)
	env["SESSION_ID"] = string(spec.SessionId)
	env["AGENT_ID"] = string(d.id)
	if spec.ClusterRole != "" {
		env["CLUSTER_ROLE"] = spec.ClusterRole
		env["CLUSTER_IDX"] = fmt.Sprintf("%d", spec.ClusterIdx)
	}

	var binds []string
	if d.opts.ScratchRoot != "" {
		scratch := filepath.Join(d.opts.ScratchRoot, string(spec.KernelId))
		if err := os.MkdirAll(scratch, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating the scratch directory of kernel \"%s\"", spec.KernelId)
		}
		binds = append(binds, fmt.Sprintf("%s:%s", scratch, kernelWorkingDir))
	}

	nanoCpus := spec.ResourceSlots.Get(types.SlotCPU).Decimal().
		Mul(decimal.NewFromInt(1_000_000_000)).IntPart()

	return &invoker.ContainerSpec{
		KernelId:     spec.KernelId,
		Name:         containerName(spec),
		Image:        spec.Image.Name,
		WorkingDir:   kernelWorkingDir,
		Env:          env,
		Binds:        binds,
		ExposedPorts: append([]int(nil), d.opts.KernelServicePorts...),
		NanoCpus:     nanoCpus,
		GpuDeviceIds: acceleratorDeviceIds(allocations),
		Resources:    args,
	}, nil
}

// containerAddress resolves the container's IP on the cluster network. Some
// backends only assign one after start, so this re-lists rather than trusting
// the creation response.
func (d *AgentDaemon) containerAddress(ctx context.Context, containerId string) string {
	infos, err := d.invoker.ListOwnContainers(ctx)
	if err != nil {
		d.log.Warn("Cannot list containers to resolve an address: %v", err)
		return ""
	}
	for _, info := range infos {
		if info.ContainerId == containerId {
			return info.Address
		}
	}
	return ""
}

// servicePorts pairs the agent's configured kernel service ports with the
// container's address.
func (d *AgentDaemon) servicePorts(addr string) []types.HostPortPair {
	if addr == "" {
		return nil
	}
	ports := make([]types.HostPortPair, 0, len(d.opts.KernelServicePorts))
	for _, port := range d.opts.KernelServicePorts {
		ports = append(ports, types.HostPortPair{Host: addr, Port: port})
	}
	return ports
}

// updateAllocationMetrics publishes the current per-slot occupancy.
func (d *AgentDaemon) updateAllocationMetrics() {
	if d.metrics == nil {
		return
	}
	_, occupied := d.resources.Snapshot()
	for slotName, value := range occupied {
		_ = d.metrics.SetAllocatedResource(string(slotName), value.Decimal().InexactFloat64())
	}
}

// emitKernelEvent produces a bare kernel lifecycle event.
func (d *AgentDaemon) emitKernelEvent(ctx context.Context, name events.EventName, spec *rpc.KernelCreationSpec, reason string) {
	if spec == nil {
		return
	}
	event := events.NewKernelEvent(name, spec.KernelId, spec.SessionId, reason)
	if err := d.produceEvent(ctx, event); err != nil {
		d.log.Warn("Cannot produce the %s event of kernel \"%s\": %v", name, spec.KernelId, err)
	}
}

// emitKernelTerminated reports a kernel that ended outside the normal destroy
// path, e.g. one whose container did not survive an agent restart.
func (d *AgentDaemon) emitKernelTerminated(ctx context.Context, record *KernelRecord, reason string, exitCode int) {
	event := events.NewKernelEvent(events.KernelTerminated, record.KernelId(), sessionIdOf(record.Spec), reason)
	if err := event.SetPayload(&events.KernelTerminatedPayload{
		ContainerId: record.ContainerId,
		ExitCode:    exitCode,
	}); err != nil {
		d.log.Warn("Cannot encode the kernel_terminated payload of kernel \"%s\": %v", record.KernelId(), err)
	}
	if err := d.produceEvent(ctx, event); err != nil {
		d.log.Warn("Cannot produce the kernel_terminated event of kernel \"%s\": %v", record.KernelId(), err)
	}
}

func sessionIdOf(spec *rpc.KernelCreationSpec) types.SessionId {
	if spec == nil {
		return ""
	}
	return spec.SessionId
}

// containerName builds the container (and network alias) name from the image
// and the kernel id, e.g. "kernel.python-3.11.kern-abc123".
func containerName(spec *rpc.KernelCreationSpec) string {
	image := spec.Image.Name
	if idx := strings.LastIndex(image, "/"); idx >= 0 {
		image = image[idx+1:]
	}
	image = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, image)
	return fmt.Sprintf("kernel.%s.%s", image, spec.KernelId)
}

// acceleratorDeviceIds flattens the accelerator grants into a sorted device
// id list for passthrough. Intrinsic cpu/mem grants are not devices.
func acceleratorDeviceIds(allocations map[string]resources.Allocation) []string {
	seen := make(map[string]struct{})
	for pluginKey, allocation := range allocations {
		if pluginKey == string(types.SlotCPU) || pluginKey == string(types.SlotMem) {
			continue
		}
		for _, perDevice := range allocation {
			for deviceId := range perDevice {
				seen[string(deviceId)] = struct{}{}
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
