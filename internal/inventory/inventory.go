// Package inventory 调度器侧的 Agent 清单
//
// 控制器只通过 Scheduler 接口与调度器交互：批量增删 Agent（每批只取一次清单锁）
// 以及读取某个标签的队列深度。Pool 是进程内实现，可选地把变更镜像到外部存储（Redis）。
package inventory

import (
	"context"

	"fleet-agents/internal/agent"
)

// Inventory 清单锁内可用的操作
type Inventory interface {
	// AddAgent 加入 Agent，同名 Agent 会被替换
	AddAgent(a *agent.Agent)
	// RemoveAgent 移除 Agent，不存在时返回 false
	RemoveAgent(instanceID string) bool
	// Agent 查找 Agent
	Agent(instanceID string) (*agent.Agent, bool)
}

// QueueSnapshot 某个标签的需求快照
type QueueSnapshot struct {
	QueueLength       int `json:"queue_length"`
	AvailableCapacity int `json:"available_capacity"`
}

// Scheduler 控制器依赖的调度器能力
type Scheduler interface {
	// WithInventoryLock 在一次清单锁内执行批量操作
	WithInventoryLock(fn func(inv Inventory))
	// QueueDepth 读取标签的队列长度与空闲容量
	QueueDepth(ctx context.Context, label string) (QueueSnapshot, error)
}

// DemandSource 按标签提供排队任务数
type DemandSource interface {
	QueueLength(ctx context.Context, label string) (int, error)
}

// Mirror 将清单变更同步到外部存储
type Mirror interface {
	PutAgent(ctx context.Context, s agent.Snapshot) error
	DeleteAgent(ctx context.Context, instanceID string) error
}
