package agent

import (
	"context"
	"math"
	"sync"
)

// Connector Agent 连通性探测
//
// 由调度器侧实现（例如基于 Redis 心跳），OnlineGate 和保留策略引擎共用。
type Connector interface {
	// Online Agent 当前是否可达
	Online(ctx context.Context, instanceID string) bool

	// Reconnect 尽力触发一次重连，不等待结果
	Reconnect(ctx context.Context, instanceID string) error
}

// ExecutorCount 根据实例类型权重计算执行器数量
//
// scale 为 false 时权重视为 1；结果四舍五入且不小于 1。
func ExecutorCount(numExecutors int, weight float64, scale bool) int {
	if numExecutors < 1 {
		numExecutors = 1
	}
	if !scale || weight <= 0 {
		return numExecutors
	}
	return max(1, int(math.Round(float64(numExecutors)*weight)))
}

// MemoryConnector 内存连通性表（本地调试与测试）
type MemoryConnector struct {
	mu            sync.Mutex
	online        map[string]bool
	defaultOnline bool
	reconnects    map[string]int
	probes        int
}

var _ Connector = (*MemoryConnector)(nil)

// NewMemoryConnector 创建内存连通性表；未登记的实例按 defaultOnline 处理
func NewMemoryConnector(defaultOnline bool) *MemoryConnector {
	return &MemoryConnector{
		online:        make(map[string]bool),
		defaultOnline: defaultOnline,
		reconnects:    make(map[string]int),
	}
}

// SetOnline 设置实例连通性
func (c *MemoryConnector) SetOnline(instanceID string, online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online[instanceID] = online
}

// Online 实现 Connector
func (c *MemoryConnector) Online(ctx context.Context, instanceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes++
	if v, ok := c.online[instanceID]; ok {
		return v
	}
	return c.defaultOnline
}

// Reconnect 实现 Connector，只记录次数
func (c *MemoryConnector) Reconnect(ctx context.Context, instanceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects[instanceID]++
	return nil
}

// Reconnects 返回实例的重连次数
func (c *MemoryConnector) Reconnects(instanceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects[instanceID]
}

// Probes 返回 Online 调用总次数
func (c *MemoryConnector) Probes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probes
}
