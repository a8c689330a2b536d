// Package lifecycle 将 fleet 实例转化为调度器 Agent，并移除实例已消失的 Agent
package lifecycle

import (
	"context"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"fleet-agents/internal/agent"
	"fleet-agents/internal/fleet"
	"fleet-agents/internal/inventory"
	"fleet-agents/internal/onlinegate"
	"fleet-agents/pkg/logging"
)

// OwnerTagKey 实例上记录所属控制器的标签键
const OwnerTagKey = "fleet-agents:controller"

// Config Agent 创建参数（来自控制器配置）
type Config struct {
	Label                  string
	OwnerID                string
	NumExecutors           int
	ScaleExecutorsByWeight bool
	AddNodeOnlyIfRunning   bool
	PrivateIPUsed          bool
	MaxTotalUses           int
	OnlineTimeout          time.Duration
	OnlineInterval         time.Duration
}

// AdmitRequest 一次准入的输入
type AdmitRequest struct {
	Backend   fleet.Backend
	Identity  fleet.Identity
	Stats     *fleet.Stats
	Details   map[string]fleet.InstanceDetail
	Instances []string                  // 待准入的新实例
	Planned   []*onlinegate.Placeholder // 计划容量，旧 → 新
	Config    Config
}

// AdmitResult 准入结果
type AdmitResult struct {
	Admitted []*agent.Agent
	Deferred []string                  // 暂不可用（无地址/未运行），下个周期重试
	Failed   []string                  // 创建失败
	Planned  []*onlinegate.Placeholder // 未被消耗的计划容量
}

// Manager Agent 生命周期管理
type Manager struct {
	scheduler inventory.Scheduler
	gate      *onlinegate.Gate
	clock     clockwork.Clock
	log       *logging.Logger
}

// NewManager 创建生命周期管理器
func NewManager(scheduler inventory.Scheduler, gate *onlinegate.Gate, clock clockwork.Clock) *Manager {
	return &Manager{
		scheduler: scheduler,
		gate:      gate,
		clock:     clock,
		log:       logging.Default("lifecycle"),
	}
}

// Admit 为新实例创建 Agent
//
// 所有 Agent 在一次清单锁内加入；每个 Agent 消耗最早的一个计划容量（没有时新建），
// 交给上线门等待其可达。单个实例失败不影响其他实例。
func (m *Manager) Admit(ctx context.Context, req AdmitRequest) AdmitResult {
	cfg := req.Config
	now := m.clock.Now()
	result := AdmitResult{}

	var candidates []*agent.Agent
	for _, id := range slices.Sorted(slices.Values(req.Instances)) {
		d, ok := req.Details[id]
		if !ok {
			// 已消失，由控制器按消失实例处理
			continue
		}
		addr := d.Address(cfg.PrivateIPUsed)
		if addr == "" {
			result.Deferred = append(result.Deferred, id)
			continue
		}
		if cfg.AddNodeOnlyIfRunning && d.Phase != fleet.PhaseRunning {
			result.Deferred = append(result.Deferred, id)
			continue
		}

		executors := agent.ExecutorCount(cfg.NumExecutors, req.Stats.Weight(d.InstanceType), cfg.ScaleExecutorsByWeight)
		candidates = append(candidates, agent.New(agent.Options{
			InstanceID:    id,
			Label:         cfg.Label,
			OwnerID:       cfg.OwnerID,
			ExecutorCount: executors,
			Address:       addr,
			InstanceType:  d.InstanceType,
			MaxTotalUses:  cfg.MaxTotalUses,
			Now:           now,
		}))
	}
	if len(candidates) == 0 {
		result.Planned = req.Planned
		return result
	}

	ids := make([]string, 0, len(candidates))
	for _, a := range candidates {
		ids = append(ids, a.InstanceID)
	}
	if err := req.Backend.Tag(ctx, req.Identity, ids, OwnerTagKey, cfg.OwnerID); err != nil {
		m.log.WithFleet(req.Identity.FleetID).WithError(err).Warn("tag instances failed")
	}

	m.scheduler.WithInventoryLock(func(inv inventory.Inventory) {
		for _, a := range candidates {
			if existing, ok := inv.Agent(a.InstanceID); ok && existing.OwnerID != a.OwnerID {
				m.log.WithInstance(a.InstanceID).Error("agent already registered by another controller",
					"owner", existing.OwnerID)
				result.Failed = append(result.Failed, a.InstanceID)
				continue
			}
			inv.AddAgent(a)
			result.Admitted = append(result.Admitted, a)
		}
	})

	planned := req.Planned
	for _, a := range result.Admitted {
		var p *onlinegate.Placeholder
		p, planned = takeOldest(planned)
		if p == nil {
			p = onlinegate.NewPlaceholder(cfg.Label, a.ExecutorCount, now)
		}
		m.gate.Watch(p, a, cfg.OnlineTimeout, cfg.OnlineInterval)
		m.log.WithFleet(req.Identity.FleetID).WithInstance(a.InstanceID).Info("agent created",
			"executors", a.ExecutorCount, "address", a.Address, "placeholder", p.ID())
	}
	result.Planned = planned
	return result
}

// takeOldest 取出最早的未结束计划容量，已结束的顺带丢弃
func takeOldest(planned []*onlinegate.Placeholder) (*onlinegate.Placeholder, []*onlinegate.Placeholder) {
	for len(planned) > 0 {
		p := planned[0]
		planned = planned[1:]
		if !p.Finished() {
			return p, planned
		}
	}
	return nil, planned
}

// Retire 在一次清单锁内移除 Agent，返回实际移除的 ID
func (m *Manager) Retire(instanceIDs []string) []string {
	if len(instanceIDs) == 0 {
		return nil
	}
	var removed []string
	m.scheduler.WithInventoryLock(func(inv inventory.Inventory) {
		for _, id := range instanceIDs {
			if inv.RemoveAgent(id) {
				removed = append(removed, id)
			}
		}
	})
	if len(removed) > 0 {
		m.log.Info("agents removed", "count", len(removed))
	}
	return removed
}
