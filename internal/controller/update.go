package controller

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"fleet-agents/internal/fleet"
	"fleet-agents/internal/lifecycle"
	"fleet-agents/pkg/logging"
)

// tickResult 单个 group 一次调和的结果
type tickResult struct {
	target  int
	added   int
	removed int
}

// Update 执行一次调和周期
//
// 各 group 依次处理，单个 group 失败只中止该 group 本周期的调和，缓存状态保留到下个周期重试。
func (c *Controller) Update(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, label := range slices.Sorted(maps.Keys(c.groups)) {
		g := c.groups[label]
		start := c.deps.Clock.Now()
		res, err := c.updateGroup(ctx, g)
		dur := c.deps.Clock.Since(start)
		if _, kept := c.groups[label]; !kept {
			continue
		}

		c.deps.Metrics.TicksTotal.WithLabelValues(g.metricName, tickOutcome(err)).Inc()
		c.deps.Metrics.TickDuration.WithLabelValues(g.metricName).Observe(dur.Seconds())
		c.log.WithLabel(label).TickLog(g.metricName, res.target, res.added, res.removed, dur, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", g.metricName, err))
		}
	}
	return errors.Join(errs...)
}

func tickOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case fleet.IsConfiguration(err):
		return "config_error"
	case errors.Is(err, ErrNotReady):
		return "not_ready"
	default:
		return "error"
	}
}

func (c *Controller) updateGroup(ctx context.Context, g *group) (tickResult, error) {
	if c.cfg.LabelMode() {
		released, err := c.maintainStack(ctx, g)
		if err != nil || released {
			return tickResult{}, err
		}
		if !g.ready() {
			return tickResult{}, nil
		}
	}

	stats, err := g.backend.GetState(ctx, g.identity)
	if err != nil {
		return tickResult{}, fmt.Errorf("get state: %w", err)
	}
	instanceIDs := stats.Instances()
	details, err := g.backend.DescribeInstances(ctx, g.identity, instanceIDs)
	if err != nil {
		return tickResult{}, fmt.Errorf("describe instances: %w", err)
	}

	g.observe(stats)
	res := tickResult{target: g.targetCapacity}
	log := c.log.WithLabel(g.label).WithFleet(g.identity.FleetID)

	// 分类：消失的实例与丢失的 Agent
	var vanished, missing []string
	for _, id := range instanceIDs {
		if _, dying := g.terminating[id]; dying {
			continue
		}
		if _, ok := details[id]; !ok {
			vanished = append(vanished, id)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(g.agents)) {
		if _, dying := g.terminating[id]; !dying && !stats.HasInstance(id) {
			missing = append(missing, id)
		}
	}
	pending := g.pendingIDs()
	dying := union(missing, vanished, pending)

	// 先从调度器清单移除，再缩容和终止
	removed := c.deps.Lifecycle.Retire(dying)
	for _, id := range dying {
		delete(g.agents, id)
	}
	res.removed = len(removed)

	if g.toAdd > 0 || len(pending) > 0 {
		if err := g.backend.Modify(ctx, g.identity, res.target, c.cfg.MinSize, c.cfg.MaxSize); err != nil {
			c.deps.Metrics.ModifyTotal.WithLabelValues(g.metricName, "error").Inc()
			log.WithError(err).Warn("modify failed, pending terminations kept for next tick", "target", res.target)
		} else {
			c.deps.Metrics.ModifyTotal.WithLabelValues(g.metricName, "ok").Inc()
			g.toAddBaseline = res.target - g.toAdd
			g.desired = res.target
			for _, id := range pending {
				g.terminating[id] = true
				delete(g.pending, id)
			}
		}
	}

	c.terminate(ctx, g, union(missing, vanished), log)

	// 准入新实例
	var fresh []string
	for _, id := range instanceIDs {
		if _, known := g.agents[id]; known {
			continue
		}
		if _, dying := g.terminating[id]; dying {
			continue
		}
		if _, dying := g.pending[id]; dying {
			continue
		}
		if _, ok := details[id]; !ok {
			continue
		}
		fresh = append(fresh, id)
	}
	admit := c.deps.Lifecycle.Admit(ctx, lifecycle.AdmitRequest{
		Backend:   g.backend,
		Identity:  g.identity,
		Stats:     stats,
		Details:   details,
		Instances: fresh,
		Planned:   g.planned,
		Config:    c.lifecycleConfig(g.label),
	})
	g.planned = admit.Planned
	for _, a := range admit.Admitted {
		g.agents[a.InstanceID] = a
	}
	res.added = len(admit.Admitted)
	g.newInstances = union(admit.Deferred, admit.Failed)

	if cancelled := g.trimPlanned(res.target); len(cancelled) > 0 {
		log.Info("planned capacity trimmed", "cancelled", len(cancelled), "target", res.target)
	}

	if c.cfg.LabelMode() {
		switch {
		case !g.idle():
			g.unusedSince = time.Time{}
		case g.unusedSince.IsZero():
			g.unusedSince = c.deps.Clock.Now()
		}
	}

	c.recordGauges(g)
	c.deps.Metrics.AgentsAdded.WithLabelValues(g.metricName).Add(float64(res.added))
	c.deps.Metrics.AgentsRemoved.WithLabelValues(g.metricName).Add(float64(res.removed))
	return res, nil
}

// terminate 终止丢失/消失的实例以及已缩容的实例；失败的留到下个周期重试
//
// 终止成功的实例保留在 terminating 中直到提供方不再列出，期间不再重复终止。
func (c *Controller) terminate(ctx context.Context, g *group, gone []string, log *logging.Logger) {
	var retry []string
	for id, needsCall := range g.terminating {
		if needsCall {
			retry = append(retry, id)
		}
	}
	ids := union(gone, retry)
	if len(ids) == 0 {
		return
	}
	if err := g.backend.Terminate(ctx, g.identity, ids); err != nil {
		for _, id := range gone {
			g.terminating[id] = true
		}
		log.WithError(err).Warn("terminate failed, will retry next tick", "count", len(ids))
		return
	}
	for _, id := range ids {
		g.terminating[id] = false
	}
	log.Info("instances terminated", "count", len(ids), "instances", ids)
}

func (c *Controller) lifecycleConfig(label string) lifecycle.Config {
	return lifecycle.Config{
		Label:                  label,
		OwnerID:                c.ownerID,
		NumExecutors:           c.cfg.NumExecutors,
		ScaleExecutorsByWeight: c.cfg.ScaleExecutorsByWeight,
		AddNodeOnlyIfRunning:   c.cfg.AddNodeOnlyIfRunning,
		PrivateIPUsed:          c.cfg.PrivateIPUsed,
		MaxTotalUses:           c.cfg.MaxTotalUses,
		OnlineTimeout:          c.cfg.OnlineTimeout,
		OnlineInterval:         c.cfg.OnlineInterval,
	}
}

func (c *Controller) recordGauges(g *group) {
	m := c.deps.Metrics
	m.TargetCapacity.WithLabelValues(g.metricName).Set(float64(g.targetCapacity))
	if g.stats != nil {
		m.ActiveInstances.WithLabelValues(g.metricName).Set(float64(g.stats.NumActive()))
	}
	m.PendingTerminations.WithLabelValues(g.metricName).Set(float64(len(g.pending)))
	m.PlannedCapacity.WithLabelValues(g.metricName).Set(float64(len(g.planned)))
	m.AgentsManaged.WithLabelValues(g.metricName).Set(float64(len(g.agents)))
}

// union 合并去重并排序
func union(sets ...[]string) []string {
	var out []string
	for _, s := range sets {
		out = append(out, s...)
	}
	if len(out) == 0 {
		return nil
	}
	slices.Sort(out)
	return slices.Compact(out)
}
