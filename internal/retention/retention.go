// Package retention Agent 保留策略
//
// 周期性地对每个 Agent 判定是否应当退役，并处理任务接收/完成事件。
// Engine 不持有控制器指针，通过 Owners 按 Agent 的 OwnerID 查找。
package retention

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"fleet-agents/internal/agent"
	"fleet-agents/internal/metrics"
	"fleet-agents/pkg/logging"
)

// Policy 控制器的保留配置
type Policy struct {
	IdleTimeout     time.Duration // ≤0 不因空闲退役
	AlwaysReconnect bool
}

// Terminator 控制器侧的退役入口
type Terminator interface {
	// ScheduleToTerminate 请求退役；违反最小容量且未要求覆盖时返回 false
	ScheduleToTerminate(instanceID string, ignoreMinConstraints bool, reason agent.TerminationReason) bool
	// HasExcessCapacity 标签对应的 fleet 是否超过最大容量
	HasExcessCapacity(label string) bool
	// RetentionPolicy 保留配置
	RetentionPolicy() Policy
}

// Owners owner ID → 控制器
type Owners interface {
	Lookup(ownerID string) (Terminator, bool)
}

// Engine 保留策略引擎
type Engine struct {
	owners    Owners
	connector agent.Connector
	clock     clockwork.Clock
	metrics   *metrics.Metrics
	log       *logging.Logger
}

// New 创建保留策略引擎
func New(owners Owners, connector agent.Connector, clock clockwork.Clock, m *metrics.Metrics) *Engine {
	return &Engine{
		owners:    owners,
		connector: connector,
		clock:     clock,
		metrics:   m,
		log:       logging.Default("retention"),
	}
}

// Check 对单个 Agent 执行一次判定，返回被接受的退役原因（未退役时为空）
//
// 判定期间暂停接收任务；退役被接受时保持暂停，否则恢复原状态。
func (e *Engine) Check(ctx context.Context, a *agent.Agent) agent.TerminationReason {
	prev := a.SetAcceptingTasks(false)

	owner, ok := e.owners.Lookup(a.OwnerID)
	if !ok {
		a.SetAcceptingTasks(prev)
		e.log.WithInstance(a.InstanceID).Debug("owner not available, retry next cycle", "owner", a.OwnerID)
		return ""
	}

	policy := owner.RetentionPolicy()
	if policy.AlwaysReconnect {
		e.reconnect(ctx, a)
	}

	if !a.IsIdle() {
		a.SetAcceptingTasks(prev)
		return ""
	}

	reason, matched := e.match(a, owner, policy)
	if !matched {
		a.SetAcceptingTasks(prev)
		return ""
	}

	accepted := owner.ScheduleToTerminate(a.InstanceID, reason.OverridesMinSize(), reason)
	e.record(reason, accepted)
	if !accepted {
		a.SetAcceptingTasks(prev)
		return ""
	}
	e.log.WithInstance(a.InstanceID).Info("agent retirement scheduled", "reason", reason)
	return reason
}

// match 按固定优先级返回第一个命中的退役原因
func (e *Engine) match(a *agent.Agent, owner Terminator, policy Policy) (agent.TerminationReason, bool) {
	switch {
	case a.DeletionRequested():
		return agent.ReasonAgentDeleted, true
	case owner.HasExcessCapacity(a.Label):
		return agent.ReasonExcessCapacity, true
	case a.UsesExhausted():
		return agent.ReasonUsesExhausted, true
	case policy.IdleTimeout > 0 && e.clock.Since(a.IdleSince()) > policy.IdleTimeout:
		return agent.ReasonIdleForTooLong, true
	}
	return "", false
}

func (e *Engine) reconnect(ctx context.Context, a *agent.Agent) {
	if e.connector == nil || a.Connecting() || e.connector.Online(ctx, a.InstanceID) {
		return
	}
	if !a.BeginConnect() {
		return
	}
	defer a.EndConnect()
	e.metrics.ReconnectsTotal.Inc()
	if err := e.connector.Reconnect(ctx, a.InstanceID); err != nil {
		e.log.WithInstance(a.InstanceID).WithError(err).Debug("reconnect failed")
	}
}

// CheckAll 依次判定所有 Agent，返回被接受退役的数量
func (e *Engine) CheckAll(ctx context.Context, agents []*agent.Agent) int {
	retired := 0
	for _, a := range agents {
		if ctx.Err() != nil {
			break
		}
		if e.Check(ctx, a) != "" {
			retired++
		}
	}
	return retired
}

// TaskAccepted 任务被 Agent 接收；最后一次允许的使用会立即暂停接收任务
func (e *Engine) TaskAccepted(a *agent.Agent) {
	if a.AcceptTask() {
		e.log.WithInstance(a.InstanceID).Info("agent reached max total uses, suspended")
	}
}

// TaskCompleted 任务完成；Agent 已无忙碌执行器且不再接收任务时按配额用尽退役
func (e *Engine) TaskCompleted(a *agent.Agent) bool {
	if a.CompleteTask(e.clock.Now()) > 0 || a.AcceptingTasks() {
		return false
	}
	owner, ok := e.owners.Lookup(a.OwnerID)
	if !ok {
		return false
	}
	reason := agent.ReasonUsesExhausted
	accepted := owner.ScheduleToTerminate(a.InstanceID, reason.OverridesMinSize(), reason)
	e.record(reason, accepted)
	return accepted
}

func (e *Engine) record(reason agent.TerminationReason, accepted bool) {
	result := "refused"
	if accepted {
		result = "accepted"
	}
	e.metrics.RetirementsTotal.WithLabelValues(reason.String(), result).Inc()
}
