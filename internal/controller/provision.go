package controller

import (
	"context"
	"fmt"
	"time"

	"fleet-agents/internal/onlinegate"
)

// Provision 按未满足的需求扩容，返回本次请求的计划容量（每个容量单位一个）
//
// excessWorkload 为调度器计算的未满足执行器数，按每个 Agent 的执行器数向上取整换算为容量单位。
// fleet 非活跃、已达最大容量或换算后增量不足 1 时不做任何操作。整个增量只调用一次 Modify，
// 下发的目标容量不超过 MaxSize；待终止实例在同一次 Modify 中缩容。
func (c *Controller) Provision(ctx context.Context, label string, excessWorkload int) ([]*onlinegate.Placeholder, error) {
	if excessWorkload <= 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	g, err := c.groupFor(ctx, label)
	if err != nil {
		return nil, err
	}
	g.unusedSince = time.Time{}
	if !g.ready() {
		c.log.WithLabel(label).Debug("fleet not ready, provision deferred")
		return nil, nil
	}
	log := c.log.WithLabel(label).WithFleet(g.identity.FleetID)

	stats, err := g.backend.GetState(ctx, g.identity)
	if err != nil {
		return nil, fmt.Errorf("provision %s: %w", label, err)
	}
	g.observe(stats)

	if !stats.State().IsActive() {
		log.Info("fleet not active, provision skipped", "state", stats.State())
		return nil, nil
	}
	current := g.targetCapacity
	if current >= c.cfg.MaxSize {
		log.Debug("fleet at max size", "target", current, "max", c.cfg.MaxSize)
		return nil, nil
	}

	weighted := (excessWorkload + c.cfg.NumExecutors - 1) / c.cfg.NumExecutors
	newTarget := min(c.cfg.MaxSize, current+weighted)
	delta := newTarget - current
	if delta < 1 {
		return nil, nil
	}

	// 待终止实例随本次 Modify 一起缩容，先移出调度器清单
	pending := g.pendingIDs()
	c.deps.Lifecycle.Retire(pending)
	for _, id := range pending {
		delete(g.agents, id)
	}
	if err := g.backend.Modify(ctx, g.identity, newTarget, c.cfg.MinSize, c.cfg.MaxSize); err != nil {
		c.deps.Metrics.ModifyTotal.WithLabelValues(g.metricName, "error").Inc()
		return nil, fmt.Errorf("provision %s: modify: %w", label, err)
	}
	c.deps.Metrics.ModifyTotal.WithLabelValues(g.metricName, "ok").Inc()

	g.toAdd += delta
	g.toAddBaseline = newTarget - g.toAdd
	g.desired = newTarget
	g.targetCapacity = newTarget
	for _, id := range pending {
		g.terminating[id] = true
		delete(g.pending, id)
	}
	c.terminate(ctx, g, nil, log)

	now := c.deps.Clock.Now()
	placeholders := make([]*onlinegate.Placeholder, 0, delta)
	for range delta {
		placeholders = append(placeholders, onlinegate.NewPlaceholder(label, c.cfg.NumExecutors, now))
	}
	g.prunePlanned()
	g.planned = append(g.planned, placeholders...)

	c.deps.Metrics.ProvisionedTotal.WithLabelValues(g.metricName).Add(float64(delta))
	c.deps.Metrics.TargetCapacity.WithLabelValues(g.metricName).Set(float64(newTarget))
	c.deps.Metrics.PlannedCapacity.WithLabelValues(g.metricName).Set(float64(len(g.planned)))
	log.Info("capacity requested", "excess_workload", excessWorkload, "delta", delta, "target", newTarget)
	return placeholders, nil
}

// PlannedCapacity 标签下尚未兑现的计划执行器数
func (c *Controller) PlannedCapacity(label string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[label]
	if !ok {
		return 0
	}
	return g.plannedWeight()
}
