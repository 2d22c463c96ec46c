package idle

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/types"
)

// StatSource reads back the utilization samples the agents publish per
// kernel. The utilization checker is the only consumer.
type StatSource interface {
	KernelStat(ctx context.Context, kernelId types.KernelId) (*types.KernelStat, bool, error)
}

// RedisStatSource reads the per-kernel stat keys the agents keep fresh.
type RedisStatSource struct {
	client *redis.Client
}

func NewRedisStatSource(opts *configuration.CommonOptions) *RedisStatSource {
	return &RedisStatSource{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDatabase,
		}),
	}
}

func (s *RedisStatSource) KernelStat(ctx context.Context, kernelId types.KernelId) (*types.KernelStat, bool, error) {
	raw, err := s.client.Get(ctx, types.KernelStatKey(kernelId)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var stat types.KernelStat
	if err := json.Unmarshal([]byte(raw), &stat); err != nil {
		return nil, false, err
	}
	return &stat, true, nil
}

func (s *RedisStatSource) Close() error {
	return s.client.Close()
}

// MemoryStatSource is the in-memory twin for tests.
type MemoryStatSource struct {
	mu    sync.RWMutex
	stats map[types.KernelId]*types.KernelStat
}

func NewMemoryStatSource() *MemoryStatSource {
	return &MemoryStatSource{stats: make(map[types.KernelId]*types.KernelStat)}
}

// SetKernelStat publishes a sample.
func (s *MemoryStatSource) SetKernelStat(kernelId types.KernelId, stat *types.KernelStat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[kernelId] = stat
}

func (s *MemoryStatSource) KernelStat(_ context.Context, kernelId types.KernelId) (*types.KernelStat, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stat, ok := s.stats[kernelId]
	return stat, ok, nil
}
