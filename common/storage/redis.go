package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisProvider implements the Provider API for redis. Every chunk lives in
// its own key with a TTL so that leaked logs cannot accumulate in redis when
// shipment or consumption fails half-way.
type RedisProvider struct {
	*baseProvider

	password      string
	databaseIndex int
	ttl           time.Duration

	redisClient *redis.Client
}

func NewRedisProvider(addr string, password string, databaseIndex int, ttl time.Duration) *RedisProvider {
	return &RedisProvider{
		baseProvider:  newBaseProvider(addr),
		password:      password,
		databaseIndex: databaseIndex,
		ttl:           ttl,
	}
}

func (p *RedisProvider) Connect() error {
	p.status = Connecting

	p.redisClient = redis.NewClient(&redis.Options{
		Addr:     p.hostname,
		Password: p.password,
		DB:       p.databaseIndex,
	})

	p.status = Connected

	return nil
}

func (p *RedisProvider) Close() error {
	p.status = Disconnected
	if p.redisClient == nil {
		return nil
	}
	return p.redisClient.Close()
}

func (p *RedisProvider) WriteChunk(ctx context.Context, key string, data []byte) error {
	if p.redisClient == nil {
		return errors.Wrap(ErrNotConnected, "redis")
	}

	if err := p.redisClient.Set(ctx, key, data, p.ttl).Err(); err != nil {
		p.logger.Error("Failed to write log chunk to Redis.",
			zap.String("redis_key", key),
			zap.Int("num_bytes", len(data)),
			zap.Error(err))
		return err
	}
	return nil
}

func (p *RedisProvider) Read(ctx context.Context, key string) ([]byte, error) {
	if p.redisClient == nil {
		return nil, errors.Wrap(ErrNotConnected, "redis")
	}

	data, err := p.redisClient.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(ErrKeyNotFound, key)
	}
	if err != nil {
		p.logger.Error("Failed to read log chunk from Redis.",
			zap.String("redis_key", key),
			zap.Error(err))
		return nil, err
	}
	return data, nil
}

func (p *RedisProvider) Delete(ctx context.Context, key string) error {
	if p.redisClient == nil {
		return errors.Wrap(ErrNotConnected, "redis")
	}
	return p.redisClient.Del(ctx, key).Err()
}
