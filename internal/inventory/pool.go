package inventory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"fleet-agents/internal/agent"
	"fleet-agents/pkg/logging"
)

// Pool 进程内的 Agent 清单
type Pool struct {
	mu     sync.Mutex
	agents map[string]*agent.Agent
	locks  int

	demand DemandSource
	mirror Mirror
	log    *logging.Logger
}

var _ Scheduler = (*Pool)(nil)

// NewPool 创建清单；demand 为 nil 时队列长度恒为 0，mirror 可为 nil
func NewPool(demand DemandSource, mirror Mirror) *Pool {
	return &Pool{
		agents: make(map[string]*agent.Agent),
		demand: demand,
		mirror: mirror,
		log:    logging.Default("inventory"),
	}
}

// poolTx 一次清单锁内的操作记录
type poolTx struct {
	pool    *Pool
	added   []*agent.Agent
	removed []string
}

func (tx *poolTx) AddAgent(a *agent.Agent) {
	tx.pool.agents[a.InstanceID] = a
	tx.added = append(tx.added, a)
}

func (tx *poolTx) RemoveAgent(instanceID string) bool {
	if _, ok := tx.pool.agents[instanceID]; !ok {
		return false
	}
	delete(tx.pool.agents, instanceID)
	tx.removed = append(tx.removed, instanceID)
	return true
}

func (tx *poolTx) Agent(instanceID string) (*agent.Agent, bool) {
	a, ok := tx.pool.agents[instanceID]
	return a, ok
}

// WithInventoryLock 实现 Scheduler
//
// 镜像同步在释放锁之后进行，失败只记录日志。
func (p *Pool) WithInventoryLock(fn func(inv Inventory)) {
	tx := &poolTx{pool: p}
	p.mu.Lock()
	p.locks++
	fn(tx)
	p.mu.Unlock()

	if p.mirror == nil {
		return
	}
	ctx := context.Background()
	for _, id := range tx.removed {
		if err := p.mirror.DeleteAgent(ctx, id); err != nil {
			p.log.WithInstance(id).WithError(err).Warn("mirror delete failed")
		}
	}
	for _, a := range tx.added {
		if err := p.mirror.PutAgent(ctx, a.Snapshot()); err != nil {
			p.log.WithInstance(a.InstanceID).WithError(err).Warn("mirror put failed")
		}
	}
}

// QueueDepth 实现 Scheduler；空闲容量为接受任务的 Agent 的空闲执行器之和
func (p *Pool) QueueDepth(ctx context.Context, label string) (QueueSnapshot, error) {
	var snap QueueSnapshot
	if p.demand != nil {
		n, err := p.demand.QueueLength(ctx, label)
		if err != nil {
			return snap, err
		}
		snap.QueueLength = n
	}
	for _, a := range p.Agents() {
		if a.Label == label {
			snap.AvailableCapacity += a.IdleExecutors()
		}
	}
	return snap, nil
}

// Agent 查找 Agent
func (p *Pool) Agent(instanceID string) (*agent.Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[instanceID]
	return a, ok
}

// Agents 返回按实例 ID 排序的 Agent 列表
func (p *Pool) Agents() []*agent.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*agent.Agent, 0, len(p.agents))
	for _, id := range slices.Sorted(maps.Keys(p.agents)) {
		out = append(out, p.agents[id])
	}
	return out
}

// Len Agent 数量
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

// LockAcquisitions 清单锁被获取的次数
func (p *Pool) LockAcquisitions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locks
}

// MemoryDemand 内存队列长度表
type MemoryDemand struct {
	mu     sync.Mutex
	queues map[string]int
}

var _ DemandSource = (*MemoryDemand)(nil)

// NewMemoryDemand 创建内存队列长度表
func NewMemoryDemand() *MemoryDemand {
	return &MemoryDemand{queues: make(map[string]int)}
}

// Set 设置标签的队列长度
func (d *MemoryDemand) Set(label string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queues[label] = n
}

// QueueLength 实现 DemandSource
func (d *MemoryDemand) QueueLength(ctx context.Context, label string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues[label], nil
}
