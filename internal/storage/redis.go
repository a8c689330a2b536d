// Package storage 存储与外部协作层
//
// 包含：
//   - redis.go:       调度器侧的 Redis 约定（队列长度、Agent 镜像、心跳与重连请求）
//   - taskevents.go:  任务生命周期事件流（Redis Streams）
//   - etcd.go:        控制器稳定 ID 与多副本选主
//   - owners_file.go: 未配置 etcd 时的本地 ID 文件
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-agents/internal/agent"
	"fleet-agents/internal/inventory"
)

// === Key 前缀常量 ===

const (
	// 标签待调度任务队列 List
	keyQueue = "fleet:queue:"
	// Agent 镜像 Hash（instance_id → JSON 快照）
	keyAgents = "fleet:agents"
	// Agent 心跳 String，由 Agent 侧定期续期
	keyHeartbeat = "fleet:agent:heartbeat:"
	// 重连请求 Pub/Sub 频道
	channelReconnect = "fleet:agent:reconnect"
)

// DefaultHeartbeatTTL 心跳过期时间
const DefaultHeartbeatTTL = 30 * time.Second

// RedisStore 调度器侧 Redis 存储
//
// 同时实现 inventory.DemandSource、inventory.Mirror 和 agent.Connector。
type RedisStore struct {
	client *redis.Client
}

var (
	_ inventory.DemandSource = (*RedisStore)(nil)
	_ inventory.Mirror       = (*RedisStore)(nil)
	_ agent.Connector        = (*RedisStore)(nil)
)

// NewRedisStore 按 URL 连接 Redis
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis] Connected to %s", opts.Addr)
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient 使用已有客户端
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close 关闭 Redis 连接
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client 返回底层 Redis 客户端
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// === 队列长度 ===

// QueueLength 实现 inventory.DemandSource
func (s *RedisStore) QueueLength(ctx context.Context, label string) (int, error) {
	n, err := s.client.LLen(ctx, keyQueue+label).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return int(n), nil
}

// === Agent 镜像 ===

// PutAgent 实现 inventory.Mirror
func (s *RedisStore) PutAgent(ctx context.Context, snap agent.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}
	return s.client.HSet(ctx, keyAgents, snap.InstanceID, data).Err()
}

// DeleteAgent 实现 inventory.Mirror
func (s *RedisStore) DeleteAgent(ctx context.Context, instanceID string) error {
	return s.client.HDel(ctx, keyAgents, instanceID).Err()
}

// ListAgents 读取镜像中的全部 Agent
func (s *RedisStore) ListAgents(ctx context.Context) ([]agent.Snapshot, error) {
	result, err := s.client.HGetAll(ctx, keyAgents).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	out := make([]agent.Snapshot, 0, len(result))
	for id, raw := range result {
		var snap agent.Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			log.Printf("[Redis] Skip malformed agent %s: %v", id, err)
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// === 心跳与重连 ===

// Heartbeat 写入心跳（Agent 侧调用）
func (s *RedisStore) Heartbeat(ctx context.Context, instanceID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultHeartbeatTTL
	}
	return s.client.Set(ctx, keyHeartbeat+instanceID, time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

// Online 实现 agent.Connector：心跳未过期即视为在线
func (s *RedisStore) Online(ctx context.Context, instanceID string) bool {
	n, err := s.client.Exists(ctx, keyHeartbeat+instanceID).Result()
	if err != nil {
		log.Printf("[Redis] Error checking agent %s online status: %v", instanceID, err)
		return false
	}
	return n > 0
}

// Reconnect 实现 agent.Connector：发布重连请求，不等待结果
func (s *RedisStore) Reconnect(ctx context.Context, instanceID string) error {
	if err := s.client.Publish(ctx, channelReconnect, instanceID).Err(); err != nil {
		return fmt.Errorf("failed to publish reconnect: %w", err)
	}
	return nil
}

// SubscribeReconnects 订阅重连请求（Agent 侧调用），ctx 取消时关闭
func (s *RedisStore) SubscribeReconnects(ctx context.Context) (<-chan string, error) {
	sub := s.client.Subscribe(ctx, channelReconnect)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe reconnects: %w", err)
	}

	ch := make(chan string, 16)
	go func() {
		defer close(ch)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case ch <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

// isNil go-redis 的空结果
func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
