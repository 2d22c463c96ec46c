package daemon

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/agent/resources"
	"github.com/scusemua/distributed-cluster/common/rpc"
	"github.com/scusemua/distributed-cluster/common/types"
)

// KernelRecord is the agent's bookkeeping for one kernel. Records are only
// read and written through the registry, which snapshots them to disk so a
// restarted agent can re-adopt its surviving containers.
type KernelRecord struct {
	Spec *rpc.KernelCreationSpec `json:"spec"`

	ContainerId   string               `json:"container_id,omitempty"`
	ContainerName string               `json:"container_name,omitempty"`
	Addr          string               `json:"addr,omitempty"`
	ServicePorts  []types.HostPortPair `json:"service_ports,omitempty"`

	Status        types.KernelStatus  `json:"status"`
	StatusHistory types.StatusHistory `json:"status_history,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	ExitCode      int                 `json:"exit_code,omitempty"`

	// Allocations holds the per-plugin device allocation backing this
	// kernel, keyed by plugin key. Restored into the resource manager on
	// boot.
	Allocations map[string]resources.Allocation `json:"allocations,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// KernelId returns the id from the creation spec.
func (r *KernelRecord) KernelId() types.KernelId {
	if r.Spec == nil {
		return ""
	}
	return r.Spec.KernelId
}

// Advance moves the record to the given status, recording the transition.
func (r *KernelRecord) Advance(status types.KernelStatus, reason string) {
	r.Status = status
	r.StatusHistory = r.StatusHistory.Append(status, time.Now())
	if reason != "" {
		r.Reason = reason
	}
}

// Clone deep-copies the record so callers outside the registry lock can hold
// onto it safely.
func (r *KernelRecord) Clone() *KernelRecord {
	cloned := *r
	if r.ServicePorts != nil {
		cloned.ServicePorts = append([]types.HostPortPair(nil), r.ServicePorts...)
	}
	if r.StatusHistory != nil {
		cloned.StatusHistory = append(types.StatusHistory(nil), r.StatusHistory...)
	}
	if r.Allocations != nil {
		cloned.Allocations = make(map[string]resources.Allocation, len(r.Allocations))
		for pluginKey, allocation := range r.Allocations {
			cloned.Allocations[pluginKey] = allocation.Clone()
		}
	}
	return &cloned
}

// registrySnapshot is the on-disk layout of the registry file.
type registrySnapshot struct {
	SavedAt time.Time       `json:"saved_at"`
	Kernels []*KernelRecord `json:"kernels"`
}

// KernelRegistry tracks every kernel this agent is responsible for. All
// mutation goes through Update so the snapshot file never observes a half
// written record.
type KernelRegistry struct {
	path string

	mu      sync.RWMutex
	kernels map[types.KernelId]*KernelRecord

	log logger.Logger
}

func NewKernelRegistry(path string) *KernelRegistry {
	registry := &KernelRegistry{
		path:    path,
		kernels: make(map[types.KernelId]*KernelRecord),
	}
	config.InitLogger(&registry.log, registry)
	return registry
}

// Load reads the snapshot file, replacing the in-memory contents. A missing
// file is an empty registry, not an error. Returns the number of records
// loaded.
func (reg *KernelRegistry) Load() (int, error) {
	raw, err := os.ReadFile(reg.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "reading kernel registry \"%s\"", reg.path)
	}

	var snapshot registrySnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return 0, errors.Wrapf(err, "parsing kernel registry \"%s\"", reg.path)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.kernels = make(map[types.KernelId]*KernelRecord, len(snapshot.Kernels))
	for _, record := range snapshot.Kernels {
		if record == nil || record.KernelId() == "" {
			reg.log.Warn("Skipping malformed registry entry in \"%s\".", reg.path)
			continue
		}
		reg.kernels[record.KernelId()] = record
	}
	return len(reg.kernels), nil
}

// Save writes the registry to its snapshot file. The write goes to a
// temporary file first and is renamed into place, so a crash mid-write
// leaves the previous snapshot intact.
func (reg *KernelRegistry) Save() error {
	reg.mu.RLock()
	snapshot := registrySnapshot{
		SavedAt: time.Now().UTC(),
		Kernels: make([]*KernelRecord, 0, len(reg.kernels)),
	}
	for _, record := range reg.kernels {
		snapshot.Kernels = append(snapshot.Kernels, record)
	}
	sort.Slice(snapshot.Kernels, func(i, j int) bool {
		return snapshot.Kernels[i].KernelId() < snapshot.Kernels[j].KernelId()
	})
	encoded, err := json.MarshalIndent(&snapshot, "", "  ")
	reg.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "encoding kernel registry")
	}

	if err := os.MkdirAll(filepath.Dir(reg.path), 0o755); err != nil {
		return errors.Wrapf(err, "creating registry directory for \"%s\"", reg.path)
	}

	tempPath := reg.path + ".tmp"
	if err := os.WriteFile(tempPath, encoded, 0o644); err != nil {
		return errors.Wrapf(err, "writing kernel registry \"%s\"", tempPath)
	}
	if err := os.Rename(tempPath, reg.path); err != nil {
		return errors.Wrapf(err, "replacing kernel registry \"%s\"", reg.path)
	}
	return nil
}

// Put stores (or replaces) the record for its kernel id.
func (reg *KernelRegistry) Put(record *KernelRecord) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.kernels[record.KernelId()] = record
}

// Get returns a clone of the record, if any.
func (reg *KernelRegistry) Get(kernelId types.KernelId) (*KernelRecord, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	record, ok := reg.kernels[kernelId]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

// Update applies mutate to the record under the registry lock. Returns false
// when the kernel is unknown.
func (reg *KernelRegistry) Update(kernelId types.KernelId, mutate func(*KernelRecord)) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	record, ok := reg.kernels[kernelId]
	if !ok {
		return false
	}
	mutate(record)
	return true
}

// Remove deletes the record and returns its final state.
func (reg *KernelRegistry) Remove(kernelId types.KernelId) (*KernelRecord, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	record, ok := reg.kernels[kernelId]
	if !ok {
		return nil, false
	}
	delete(reg.kernels, kernelId)
	return record, true
}

// List returns clones of every record, sorted by kernel id.
func (reg *KernelRegistry) List() []*KernelRecord {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	records := make([]*KernelRecord, 0, len(reg.kernels))
	for _, record := range reg.kernels {
		records = append(records, record.Clone())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].KernelId() < records[j].KernelId()
	})
	return records
}

// Len reports the number of registered kernels, any status.
func (reg *KernelRegistry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.kernels)
}

// ActiveContainers counts the kernels currently backed by a container.
func (reg *KernelRegistry) ActiveContainers() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	count := 0
	for _, record := range reg.kernels {
		if record.ContainerId != "" && !record.Status.Terminal() {
			count++
		}
	}
	return count
}
