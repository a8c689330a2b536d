package controller

import (
	"fleet-agents/internal/agent"
	"fleet-agents/internal/retention"
)

// ScheduleToTerminate 请求退役实例，由下个调和周期执行
//
// 不覆盖最小容量时，numDesired − |pending| − 1 < MinSize 则拒绝且不修改任何状态。
// 同一实例重复请求只记录一次。
func (c *Controller) ScheduleToTerminate(instanceID string, ignoreMinConstraints bool, reason agent.TerminationReason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.log.WithInstance(instanceID)
	g := c.groupOf(instanceID)
	if g == nil {
		log.Warn("termination requested for unknown instance", "reason", reason)
		return false
	}
	if _, ok := g.pending[instanceID]; ok {
		return true
	}
	if _, ok := g.terminating[instanceID]; ok {
		return true
	}
	if !ignoreMinConstraints {
		if g.stats == nil {
			log.Debug("fleet state unknown, termination refused", "reason", reason)
			return false
		}
		if g.desired-len(g.pending)-1 < c.cfg.MinSize {
			log.Debug("termination would breach min size",
				"reason", reason, "desired", g.desired, "pending", len(g.pending), "min", c.cfg.MinSize)
			return false
		}
	}

	g.pending[instanceID] = reason
	c.deps.Metrics.PendingTerminations.WithLabelValues(g.metricName).Set(float64(len(g.pending)))
	log.Info("termination scheduled", "reason", reason, "ignore_min", ignoreMinConstraints)
	return true
}

// HasExcessCapacity 标签对应 fleet 的活跃实例（扣除已决定退役的）是否超过最大容量
func (c *Controller) HasExcessCapacity(label string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[label]
	if !ok || g.stats == nil {
		return false
	}
	return g.stats.NumActive()-g.retiring() > c.cfg.MaxSize
}

// RetentionPolicy 实现 retention.Terminator
func (c *Controller) RetentionPolicy() retention.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return retention.Policy{
		IdleTimeout:     c.cfg.IdleTimeout,
		AlwaysReconnect: c.cfg.AlwaysReconnect,
	}
}
