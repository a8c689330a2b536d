package driver

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"fleet-agents/internal/agent"
	"fleet-agents/internal/metrics"
	"fleet-agents/internal/retention"
	"fleet-agents/pkg/logging"
)

// RetentionLoop 定期对全部 Agent 执行保留策略判定
type RetentionLoop struct {
	clock    clockwork.Clock
	interval time.Duration
	agents   func() []*agent.Agent
	engine   *retention.Engine
	metrics  *metrics.Metrics
	log      *logging.Logger
}

// NewRetentionLoop 创建巡检循环；agents 通常为 Pool.Agents
func NewRetentionLoop(clock clockwork.Clock, interval time.Duration, agents func() []*agent.Agent, engine *retention.Engine, m *metrics.Metrics) *RetentionLoop {
	return &RetentionLoop{
		clock:    clock,
		interval: interval,
		agents:   agents,
		engine:   engine,
		metrics:  m,
		log:      logging.Default("retention"),
	}
}

// Run 按间隔巡检，直到 ctx 取消
func (l *RetentionLoop) Run(ctx context.Context) error {
	return every(ctx, l.clock, l.interval, func() { l.Sweep(ctx) })
}

// Sweep 执行一次巡检，返回被接受退役的 Agent 数
func (l *RetentionLoop) Sweep(ctx context.Context) int {
	retired := l.engine.CheckAll(ctx, l.agents())
	l.metrics.DriverRunsTotal.WithLabelValues("retention", "ok").Inc()
	if retired > 0 {
		l.log.Info("retention.sweep", "retired", retired)
	}
	return retired
}
