package registry

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/types"
)

const (
	// agentLastSeenKey is the redis hash mapping agent id to the unix
	// millisecond timestamp of its most recent heartbeat.
	agentLastSeenKey = "agent.last_seen"

	// sessionLastAccessKey is the redis hash mapping session id to the
	// unix millisecond timestamp of its most recent user activity.
	sessionLastAccessKey = "session.last_access"

	// lastSeenScanCount sizes each HSCAN page of the lost-agent sweep.
	lastSeenScanCount = 256
)

// containerCountKey holds one agent's live container count.
func containerCountKey(agentId types.AgentId) string {
	return fmt.Sprintf("container_count.%s", agentId)
}

// LivenessStore records when agents and sessions were last heard from.
// The gateway's sweeper and idle checkers read it back; keeping it outside
// the gateway process means a restarted gateway does not mass-expire agents
// that were beating the whole time.
type LivenessStore interface {
	TouchAgent(ctx context.Context, agentId types.AgentId, at time.Time) error
	AgentLastSeen(ctx context.Context) (map[types.AgentId]time.Time, error)
	ClearAgent(ctx context.Context, agentId types.AgentId) error

	SetContainerCount(ctx context.Context, agentId types.AgentId, count int) error
	ContainerCount(ctx context.Context, agentId types.AgentId) (int, bool, error)

	TouchSession(ctx context.Context, sessionId types.SessionId, at time.Time) error
	SessionLastAccess(ctx context.Context, sessionId types.SessionId) (time.Time, bool, error)
	ClearSession(ctx context.Context, sessionId types.SessionId) error

	Close() error
}

// RedisLiveness is the production LivenessStore.
type RedisLiveness struct {
	client *redis.Client
}

func NewRedisLiveness(opts *configuration.CommonOptions) *RedisLiveness {
	return &RedisLiveness{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDatabase,
		}),
	}
}

func (s *RedisLiveness) TouchAgent(ctx context.Context, agentId types.AgentId, at time.Time) error {
	return s.client.HSet(ctx, agentLastSeenKey, string(agentId), at.UnixMilli()).Err()
}

// AgentLastSeen walks the last-seen hash with HSCAN so a large cluster does
// not block redis the way one big HGETALL would.
func (s *RedisLiveness) AgentLastSeen(ctx context.Context) (map[types.AgentId]time.Time, error) {
	lastSeen := make(map[types.AgentId]time.Time)

	var cursor uint64
	for {
		pairs, next, err := s.client.HScan(ctx, agentLastSeenKey, cursor, "*", lastSeenScanCount).Result()
		if err != nil {
			return nil, err
		}

		// HSCAN yields alternating field/value entries.
		for i := 0; i+1 < len(pairs); i += 2 {
			millis, err := strconv.ParseInt(pairs[i+1], 10, 64)
			if err != nil {
				continue
			}
			lastSeen[types.AgentId(pairs[i])] = time.UnixMilli(millis)
		}

		cursor = next
		if cursor == 0 {
			return lastSeen, nil
		}
	}
}

func (s *RedisLiveness) ClearAgent(ctx context.Context, agentId types.AgentId) error {
	return s.client.HDel(ctx, agentLastSeenKey, string(agentId)).Err()
}

func (s *RedisLiveness) SetContainerCount(ctx context.Context, agentId types.AgentId, count int) error {
	return s.client.Set(ctx, containerCountKey(agentId), count, 0).Err()
}

func (s *RedisLiveness) ContainerCount(ctx context.Context, agentId types.AgentId) (int, bool, error) {
	count, err := s.client.Get(ctx, containerCountKey(agentId)).Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

func (s *RedisLiveness) TouchSession(ctx context.Context, sessionId types.SessionId, at time.Time) error {
	return s.client.HSet(ctx, sessionLastAccessKey, string(sessionId), at.UnixMilli()).Err()
}

func (s *RedisLiveness) SessionLastAccess(ctx context.Context, sessionId types.SessionId) (time.Time, bool, error) {
	value, err := s.client.HGet(ctx, sessionLastAccessKey, string(sessionId)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(millis), true, nil
}

func (s *RedisLiveness) ClearSession(ctx context.Context, sessionId types.SessionId) error {
	return s.client.HDel(ctx, sessionLastAccessKey, string(sessionId)).Err()
}

func (s *RedisLiveness) Close() error {
	return s.client.Close()
}

// MemoryLiveness is the in-memory LivenessStore used by unit tests and
// local-mode deployments.
type MemoryLiveness struct {
	mu sync.RWMutex

	agents     map[types.AgentId]time.Time
	containers map[types.AgentId]int
	sessions   map[types.SessionId]time.Time
}

func NewMemoryLiveness() *MemoryLiveness {
	return &MemoryLiveness{
		agents:     make(map[types.AgentId]time.Time),
		containers: make(map[types.AgentId]int),
		sessions:   make(map[types.SessionId]time.Time),
	}
}

func (s *MemoryLiveness) TouchAgent(_ context.Context, agentId types.AgentId, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agentId] = at
	return nil
}

func (s *MemoryLiveness) AgentLastSeen(_ context.Context) (map[types.AgentId]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lastSeen := make(map[types.AgentId]time.Time, len(s.agents))
	for agentId, at := range s.agents {
		lastSeen[agentId] = at
	}
	return lastSeen, nil
}

func (s *MemoryLiveness) ClearAgent(_ context.Context, agentId types.AgentId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentId)
	return nil
}

func (s *MemoryLiveness) SetContainerCount(_ context.Context, agentId types.AgentId, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers[agentId] = count
	return nil
}

func (s *MemoryLiveness) ContainerCount(_ context.Context, agentId types.AgentId) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count, ok := s.containers[agentId]
	return count, ok, nil
}

func (s *MemoryLiveness) TouchSession(_ context.Context, sessionId types.SessionId, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionId] = at
	return nil
}

func (s *MemoryLiveness) SessionLastAccess(_ context.Context, sessionId types.SessionId) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.sessions[sessionId]
	return at, ok, nil
}

func (s *MemoryLiveness) ClearSession(_ context.Context, sessionId types.SessionId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionId)
	return nil
}

func (s *MemoryLiveness) Close() error {
	return nil
}
