package controller

import (
	"maps"
	"slices"
	"time"

	"fleet-agents/internal/agent"
	"fleet-agents/internal/fleet"
	"fleet-agents/internal/onlinegate"
)

// group 单个 fleet 的调和状态，只在控制器锁内修改
//
// 不变式：targetCapacity == max(0, base − |pending| + toAdd)，在每次观测 fleet 状态时重新计算。
// base 为观测到的 numDesired；扩容尚未体现时为 toAddBaseline（提供方读数可能滞后）。
type group struct {
	label      string
	metricName string

	identity fleet.Identity
	backend  fleet.Backend // 多标签模式下栈就绪前为 nil

	stackName string
	stackID   string

	stats          *fleet.Stats
	targetCapacity int

	// toAdd 已请求但提供方尚未体现的扩容量；toAddBaseline 为最近下发目标容量减去 toAdd
	toAdd         int
	toAddBaseline int

	// terminating 已缩容待终止的实例，值为 true 表示终止调用尚未成功；
	// 终止成功后保留到实例从 fleet 列表中消失，避免被当作新实例重新准入
	terminating  map[string]bool
	pending      map[string]agent.TerminationReason
	planned      []*onlinegate.Placeholder
	agents       map[string]*agent.Agent
	newInstances []string // 尚未准入的实例（无地址/未运行）
	desired      int      // 最近观测或成功下发的目标容量

	unusedSince time.Time
}

func newGroup(label, metricName string) *group {
	return &group{
		label:       label,
		metricName:  metricName,
		pending:     make(map[string]agent.TerminationReason),
		terminating: make(map[string]bool),
		agents:      make(map[string]*agent.Agent),
	}
}

func (g *group) bind(id fleet.Identity, b fleet.Backend) {
	g.identity = id
	g.backend = b
}

func (g *group) ready() bool { return g.backend != nil }

// observe 记录新的 fleet 状态：提供方已体现 toAdd 时清零，并重新计算目标容量
func (g *group) observe(stats *fleet.Stats) {
	if g.toAdd > 0 && stats.NumDesired() >= g.toAddBaseline+g.toAdd {
		g.toAdd = 0
	}
	g.stats = stats
	g.desired = stats.NumDesired()
	for id, needsCall := range g.terminating {
		if !needsCall && !stats.HasInstance(id) {
			delete(g.terminating, id)
		}
	}
	base := stats.NumDesired()
	if g.toAdd > 0 {
		base = g.toAddBaseline
	}
	g.targetCapacity = max(0, base-len(g.pending)+g.toAdd)
}

// owns 实例是否属于该 group（已知 Agent、fleet 成员或待终止）
func (g *group) owns(instanceID string) bool {
	if _, ok := g.agents[instanceID]; ok {
		return true
	}
	if _, ok := g.pending[instanceID]; ok {
		return true
	}
	if _, ok := g.terminating[instanceID]; ok {
		return true
	}
	return g.stats != nil && g.stats.HasInstance(instanceID)
}

// prunePlanned 丢弃已结束的计划容量
func (g *group) prunePlanned() {
	g.planned = slices.DeleteFunc(g.planned, (*onlinegate.Placeholder).Finished)
}

// trimPlanned 计划容量不超过 limit，最新的先取消
func (g *group) trimPlanned(limit int) []*onlinegate.Placeholder {
	g.prunePlanned()
	limit = max(0, limit)
	if len(g.planned) <= limit {
		return nil
	}
	excess := g.planned[limit:]
	g.planned = g.planned[:limit:limit]
	var cancelled []*onlinegate.Placeholder
	for i := len(excess) - 1; i >= 0; i-- {
		if excess[i].Cancel() {
			cancelled = append(cancelled, excess[i])
		}
	}
	return cancelled
}

func (g *group) cancelPlanned() {
	for _, p := range g.planned {
		p.Cancel()
	}
	g.planned = nil
}

// plannedWeight 未结束计划容量的执行器总数
func (g *group) plannedWeight() int {
	total := 0
	for _, p := range g.planned {
		if !p.Finished() {
			total += p.Weight()
		}
	}
	return total
}

// idle 没有 Agent、计划容量、待处理终止和未确认扩容
func (g *group) idle() bool {
	g.prunePlanned()
	return len(g.agents) == 0 && len(g.planned) == 0 && len(g.pending) == 0 &&
		len(g.terminating) == 0 && g.toAdd == 0 && len(g.newInstances) == 0 &&
		(g.stats == nil || g.stats.NumActive() == 0)
}

func (g *group) pendingIDs() []string {
	return slices.Sorted(maps.Keys(g.pending))
}

// retiring 仍在 fleet 列表中、但已决定退役的实例数
func (g *group) retiring() int {
	n := len(g.pending)
	for id := range g.terminating {
		if _, dup := g.pending[id]; !dup && g.stats != nil && g.stats.HasInstance(id) {
			n++
		}
	}
	return n
}
