package invoker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/common/types"
)

const (
	memoryStateCreated = "created"
	memoryStateRunning = "running"
	memoryStateExited  = "exited"
)

type memoryContainer struct {
	id       string
	spec     *ContainerSpec
	state    string
	exitCode int
	logs     []byte
	address  string
	stats    ContainerStats
}

// MemoryInvoker is an in-process ContainerInvoker used by unit tests and
// by the agent's dry-run mode. Containers are plain records. No processes
// are started.
type MemoryInvoker struct {
	owner types.AgentId

	mu           sync.Mutex
	containers   map[string]*memoryContainer
	pulledImages map[string]int
	failures     map[string]error
	nextAddress  int

	log logger.Logger
}

func NewMemoryInvoker(owner types.AgentId) *MemoryInvoker {
	invoker := &MemoryInvoker{
		owner:        owner,
		containers:   make(map[string]*memoryContainer),
		pulledImages: make(map[string]int),
		failures:     make(map[string]error),
	}
	config.InitLogger(&invoker.log, invoker)
	return invoker
}

func (ivk *MemoryInvoker) Backend() Backend {
	return MemoryBackend
}

func (ivk *MemoryInvoker) PullImage(_ context.Context, ref string, onProgress PullProgressHandler) error {
	ivk.mu.Lock()
	if err := ivk.failures["pull"]; err != nil {
		ivk.mu.Unlock()
		return err
	}
	ivk.pulledImages[ref]++
	ivk.mu.Unlock()

	if onProgress != nil {
		onProgress("Pulling fs layer", 0, 1024)
		onProgress("Downloading", 512, 1024)
		onProgress("Pull complete", 1024, 1024)
	}
	ivk.log.Debug("Recorded pull of image \"%s\".", ref)
	return nil
}

func (ivk *MemoryInvoker) CreateContainer(_ context.Context, spec *ContainerSpec) (string, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	ivk.mu.Lock()
	defer ivk.mu.Unlock()

	if err := ivk.failures["create"]; err != nil {
		return "", err
	}

	ivk.nextAddress++
	record := &memoryContainer{
		id:      uuid.NewString(),
		spec:    spec,
		state:   memoryStateCreated,
		address: fmt.Sprintf("10.128.0.%d", ivk.nextAddress),
	}
	ivk.containers[record.id] = record

	ivk.log.Debug("Created container \"%s\" for kernel \"%s\".", spec.Name, spec.KernelId)
	return record.id, nil
}

func (ivk *MemoryInvoker) StartContainer(_ context.Context, containerId string) error {
	ivk.mu.Lock()
	defer ivk.mu.Unlock()

	if err := ivk.failures["start"]; err != nil {
		return err
	}
	record, ok := ivk.containers[containerId]
	if !ok {
		return errors.Wrapf(ErrContainerNotFound, "\"%s\"", containerId)
	}
	record.state = memoryStateRunning
	return nil
}

func (ivk *MemoryInvoker) StopContainer(_ context.Context, containerId string, _ time.Duration) (int, error) {
	ivk.mu.Lock()
	defer ivk.mu.Unlock()

	if err := ivk.failures["stop"]; err != nil {
		return 0, err
	}
	record, ok := ivk.containers[containerId]
	if !ok {
		return 0, errors.Wrapf(ErrContainerNotFound, "\"%s\"", containerId)
	}
	record.state = memoryStateExited
	return record.exitCode, nil
}

func (ivk *MemoryInvoker) RemoveContainer(_ context.Context, containerId string) error {
	ivk.mu.Lock()
	defer ivk.mu.Unlock()

	if err := ivk.failures["remove"]; err != nil {
		return err
	}
	delete(ivk.containers, containerId)
	return nil
}

func (ivk *MemoryInvoker) ContainerLogs(_ context.Context, containerId string, tailLines int) ([]byte, error) {
	ivk.mu.Lock()
	defer ivk.mu.Unlock()

	record, ok := ivk.containers[containerId]
	if !ok {
		return nil, errors.Wrapf(ErrContainerNotFound, "\"%s\"", containerId)
	}
	if tailLines <= 0 || len(record.logs) == 0 {
		return record.logs, nil
	}

	lines := strings.Split(strings.TrimSuffix(string(record.logs), "\n"), "\n")
	if tailLines < len(lines) {
		lines = lines[len(lines)-tailLines:]
	}
	return []byte(strings.Join(lines, "\n")), nil
}

func (ivk *MemoryInvoker) ContainerStats(_ context.Context, containerId string) (*ContainerStats, error) {
	ivk.mu.Lock()
	defer ivk.mu.Unlock()

	if err := ivk.failures["stats"]; err != nil {
		return nil, err
	}
	record, ok := ivk.containers[containerId]
	if !ok {
		return nil, errors.Wrapf(ErrContainerNotFound, "\"%s\"", containerId)
	}
	stats := record.stats
	return &stats, nil
}

func (ivk *MemoryInvoker) ListOwnContainers(_ context.Context) ([]ContainerInfo, error) {
	ivk.mu.Lock()
	defer ivk.mu.Unlock()

	infos := make([]ContainerInfo, 0, len(ivk.containers))
	for _, record := range ivk.containers {
		infos = append(infos, ContainerInfo{
			ContainerId: record.id,
			KernelId:    record.spec.KernelId,
			Name:        record.spec.Name,
			Image:       record.spec.Image,
			State:       record.state,
			Running:     record.state == memoryStateRunning,
			Address:     record.address,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (ivk *MemoryInvoker) Close() error {
	return nil
}

// InjectFailure makes every subsequent call of the named operation fail
// with the given error until ClearFailure. Operations are "pull",
// "create", "start", "stop", "remove", and "stats".
func (ivk *MemoryInvoker) InjectFailure(operation string, err error) {
	ivk.mu.Lock()
	defer ivk.mu.Unlock()
	ivk.failures[operation] = err
}

func (ivk *MemoryInvoker) ClearFailure(operation string) {
	ivk.mu.Lock()
	defer ivk.mu.Unlock()
	delete(ivk.failures, operation)
}

// SetContainerLogs replaces the stored log buffer of a container.
func (ivk *MemoryInvoker) SetContainerLogs(containerId string, logs []byte) error {
	ivk.mu.Lock()
	defer ivk.mu.Unlock()

	record, ok := ivk.containers[containerId]
	if !ok {
		return errors.Wrapf(ErrContainerNotFound, "\"%s\"", containerId)
	}
	record.logs = logs
	return nil
}

// SetExitCode fixes the code that a later StopContainer reports.
func (ivk *MemoryInvoker) SetExitCode(containerId string, exitCode int) error {
	ivk.mu.Lock()
	defer ivk.mu.Unlock()

	record, ok := ivk.containers[containerId]
	if !ok {
		return errors.Wrapf(ErrContainerNotFound, "\"%s\"", containerId)
	}
	record.exitCode = exitCode
	return nil
}

// SetContainerStats fixes the sample that ContainerStats returns.
func (ivk *MemoryInvoker) SetContainerStats(containerId string, stats ContainerStats) error {
	ivk.mu.Lock()
	defer ivk.mu.Unlock()

	record, ok := ivk.containers[containerId]
	if !ok {
		return errors.Wrapf(ErrContainerNotFound, "\"%s\"", containerId)
	}
	record.stats = stats
	return nil
}

// PulledImages returns the images that PullImage recorded, sorted.
func (ivk *MemoryInvoker) PulledImages() []string {
	ivk.mu.Lock()
	defer ivk.mu.Unlock()

	images := make([]string, 0, len(ivk.pulledImages))
	for ref := range ivk.pulledImages {
		images = append(images, ref)
	}
	sort.Strings(images)
	return images
}

// ContainerCount reports how many containers currently exist, in any state.
func (ivk *MemoryInvoker) ContainerCount() int {
	ivk.mu.Lock()
	defer ivk.mu.Unlock()
	return len(ivk.containers)
}
