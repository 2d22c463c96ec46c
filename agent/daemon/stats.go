package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/types"
)

// DefaultStatTTL is how long a published utilization sample stays readable.
// Samples of kernels that stop reporting simply expire.
const DefaultStatTTL = 60 * time.Second

// StatSink receives the periodic utilization samples of running kernels. The
// idle checkers on the gateway read them back by kernel id.
type StatSink interface {
	PublishKernelStat(ctx context.Context, kernelId types.KernelId, stat *types.KernelStat) error
	Close() error
}

// RedisStatSink publishes each sample under the kernel's stat key with a
// TTL, overwriting the previous sample.
type RedisStatSink struct {
	client *redis.Client
	ttl    time.Duration

	log logger.Logger
}

func NewRedisStatSink(opts *configuration.CommonOptions, ttl time.Duration) *RedisStatSink {
	if ttl <= 0 {
		ttl = DefaultStatTTL
	}
	sink := &RedisStatSink{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDatabase,
		}),
		ttl: ttl,
	}
	config.InitLogger(&sink.log, sink)
	return sink
}

func (sink *RedisStatSink) PublishKernelStat(ctx context.Context, kernelId types.KernelId, stat *types.KernelStat) error {
	encoded, err := json.Marshal(stat)
	if err != nil {
		return errors.Wrapf(err, "encoding stat of kernel \"%s\"", kernelId)
	}

	key := types.KernelStatKey(kernelId)
	if err := sink.client.Set(ctx, key, encoded, sink.ttl).Err(); err != nil {
		return errors.Wrapf(err, "publishing \"%s\"", key)
	}
	return nil
}

func (sink *RedisStatSink) Close() error {
	return sink.client.Close()
}

// MemoryStatSink keeps the latest sample per kernel in memory. Used by unit
// tests and local-mode agents, which have no redis to publish to.
type MemoryStatSink struct {
	mu    sync.Mutex
	stats map[types.KernelId]*types.KernelStat
}

func NewMemoryStatSink() *MemoryStatSink {
	return &MemoryStatSink{stats: make(map[types.KernelId]*types.KernelStat)}
}

func (sink *MemoryStatSink) PublishKernelStat(_ context.Context, kernelId types.KernelId, stat *types.KernelStat) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()

	copied := *stat
	sink.stats[kernelId] = &copied
	return nil
}

// Stat returns the most recent sample of the kernel, or nil.
func (sink *MemoryStatSink) Stat(kernelId types.KernelId) *types.KernelStat {
	sink.mu.Lock()
	defer sink.mu.Unlock()

	stat, ok := sink.stats[kernelId]
	if !ok {
		return nil
	}
	copied := *stat
	return &copied
}

func (sink *MemoryStatSink) Close() error {
	return nil
}
