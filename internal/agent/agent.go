// Package agent 定义调度器可见的执行单元（Agent）
//
// 一个 Agent 对应 fleet 中的一个实例。Agent 只持有其所属控制器的稳定 ID（OwnerID），
// 不持有控制器指针；控制器通过 controller.Registry 按 ID 查找，配置重载时只需更新查找表。
package agent

import (
	"sync"
	"time"
)

// UnlimitedUses 表示不限制 Agent 的使用次数
const UnlimitedUses = -1

// Agent 执行单元
//
// 标识字段（InstanceID/Label/OwnerID/ExecutorCount）创建后不可变；
// 运行时状态由内部互斥锁保护，可被调度器、保留策略引擎并发访问。
type Agent struct {
	InstanceID    string // fleet 实例 ID，同时作为 Agent 名称
	Label         string // 调度标签
	OwnerID       string // 所属控制器的稳定 ID
	ExecutorCount int    // 执行器数量（≥1）
	Address       string // 可达地址（私有或公有 IP）
	InstanceType  string // 实例类型
	CreatedAt     time.Time

	mu                sync.Mutex
	usesRemaining     int
	acceptingTasks    bool
	busyExecutors     int
	idleSince         time.Time
	deletionRequested bool
	connecting        bool
}

// Options 创建 Agent 的参数
type Options struct {
	InstanceID    string
	Label         string
	OwnerID       string
	ExecutorCount int
	Address       string
	InstanceType  string
	MaxTotalUses  int // ≤0 视为不限制
	Now           time.Time
}

// New 创建 Agent，初始处于接受任务、空闲状态
func New(opts Options) *Agent {
	uses := opts.MaxTotalUses
	if uses <= 0 {
		uses = UnlimitedUses
	}
	executors := opts.ExecutorCount
	if executors < 1 {
		executors = 1
	}
	return &Agent{
		InstanceID:     opts.InstanceID,
		Label:          opts.Label,
		OwnerID:        opts.OwnerID,
		ExecutorCount:  executors,
		Address:        opts.Address,
		InstanceType:   opts.InstanceType,
		CreatedAt:      opts.Now,
		usesRemaining:  uses,
		acceptingTasks: true,
		idleSince:      opts.Now,
	}
}

// UsesRemaining 剩余使用次数，-1 表示不限
func (a *Agent) UsesRemaining() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usesRemaining
}

// UsesExhausted 是否已用尽使用配额（不限制时永远为 false）
func (a *Agent) UsesExhausted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usesRemaining == 0
}

// AcceptingTasks 是否接受新任务
func (a *Agent) AcceptingTasks() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acceptingTasks
}

// SetAcceptingTasks 设置是否接受新任务，返回之前的值
func (a *Agent) SetAcceptingTasks(accept bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.acceptingTasks
	a.acceptingTasks = accept
	return prev
}

// BusyExecutors 当前忙碌的执行器数
func (a *Agent) BusyExecutors() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busyExecutors
}

// IdleExecutors 空闲执行器数（不接受任务时为 0）
func (a *Agent) IdleExecutors() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.acceptingTasks {
		return 0
	}
	return max(0, a.ExecutorCount-a.busyExecutors)
}

// IsIdle 没有忙碌执行器
func (a *Agent) IsIdle() bool {
	return a.BusyExecutors() == 0
}

// IdleSince 最近一次变为空闲的时间
func (a *Agent) IdleSince() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idleSince
}

// AcceptTask 记录一次任务接收
//
// 占用一个执行器并消耗一次使用配额；若这是最后一次允许的使用，立即停止接受任务。
// 返回值表示配额是否因本次接收而用尽。
func (a *Agent) AcceptTask() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busyExecutors++
	if a.usesRemaining == UnlimitedUses {
		return false
	}
	if a.usesRemaining > 0 {
		a.usesRemaining--
	}
	if a.usesRemaining == 0 {
		a.acceptingTasks = false
		return true
	}
	return false
}

// CompleteTask 记录一次任务完成，返回剩余忙碌执行器数
func (a *Agent) CompleteTask(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busyExecutors > 0 {
		a.busyExecutors--
	}
	if a.busyExecutors == 0 {
		a.idleSince = now
	}
	return a.busyExecutors
}

// RequestDeletion 标记该 Agent 被显式要求删除
func (a *Agent) RequestDeletion() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deletionRequested = true
}

// DeletionRequested 是否被显式要求删除
func (a *Agent) DeletionRequested() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deletionRequested
}

// BeginConnect 标记开始重连；已在重连中时返回 false
func (a *Agent) BeginConnect() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connecting {
		return false
	}
	a.connecting = true
	return true
}

// EndConnect 结束重连
func (a *Agent) EndConnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connecting = false
}

// Connecting 是否正在重连
func (a *Agent) Connecting() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connecting
}

// Snapshot Agent 状态快照（用于 API 输出）
type Snapshot struct {
	InstanceID        string    `json:"instance_id"`
	Label             string    `json:"label"`
	OwnerID           string    `json:"owner_id"`
	ExecutorCount     int       `json:"executor_count"`
	Address           string    `json:"address,omitempty"`
	InstanceType      string    `json:"instance_type,omitempty"`
	UsesRemaining     int       `json:"uses_remaining"`
	AcceptingTasks    bool      `json:"accepting_tasks"`
	BusyExecutors     int       `json:"busy_executors"`
	IdleSince         time.Time `json:"idle_since"`
	DeletionRequested bool      `json:"deletion_requested"`
	CreatedAt         time.Time `json:"created_at"`
}

// Snapshot 返回当前状态快照
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		InstanceID:        a.InstanceID,
		Label:             a.Label,
		OwnerID:           a.OwnerID,
		ExecutorCount:     a.ExecutorCount,
		Address:           a.Address,
		InstanceType:      a.InstanceType,
		UsesRemaining:     a.usesRemaining,
		AcceptingTasks:    a.acceptingTasks,
		BusyExecutors:     a.busyExecutors,
		IdleSince:         a.idleSince,
		DeletionRequested: a.deletionRequested,
		CreatedAt:         a.CreatedAt,
	}
}
