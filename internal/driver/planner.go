package driver

import (
	"context"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"fleet-agents/internal/controller"
	"fleet-agents/internal/inventory"
	"fleet-agents/internal/metrics"
	"fleet-agents/internal/onlinegate"
	"fleet-agents/pkg/logging"
)

// Provisioner 可按标签扩容的控制器
type Provisioner interface {
	Name() string
	Labels() []string
	PlannedCapacity(label string) int
	Provision(ctx context.Context, label string, excessWorkload int) ([]*onlinegate.Placeholder, error)
}

// ProvisionerSource 每个周期重新读取可扩容的控制器
type ProvisionerSource func() []Provisioner

// ProvisionersFromRegistry 以控制器查找表作为来源
func ProvisionersFromRegistry(r *controller.Registry) ProvisionerSource {
	return func() []Provisioner {
		all := r.All()
		out := make([]Provisioner, 0, len(all))
		for _, c := range all {
			out = append(out, c)
		}
		return out
	}
}

// Planner 按队列需求向控制器请求容量
//
// 标签的未满足需求 = 排队任务数 − 空闲执行器 − 全部控制器的计划执行器；
// 服务同一标签的多个控制器按名称顺序依次承接，直到需求被计划容量覆盖。
type Planner struct {
	clock     clockwork.Clock
	interval  time.Duration
	scheduler inventory.Scheduler
	source    ProvisionerSource
	metrics   *metrics.Metrics
	log       *logging.Logger
}

// NewPlanner 创建需求规划器
func NewPlanner(clock clockwork.Clock, interval time.Duration, scheduler inventory.Scheduler, source ProvisionerSource, m *metrics.Metrics) *Planner {
	return &Planner{
		clock:     clock,
		interval:  interval,
		scheduler: scheduler,
		source:    source,
		metrics:   m,
		log:       logging.Default("planner"),
	}
}

// Run 按间隔规划，直到 ctx 取消
func (p *Planner) Run(ctx context.Context) error {
	return every(ctx, p.clock, p.interval, func() { p.Plan(ctx) })
}

// Plan 执行一次规划，返回本次新建的计划容量
func (p *Planner) Plan(ctx context.Context) []*onlinegate.Placeholder {
	byLabel := make(map[string][]Provisioner)
	for _, pv := range p.source() {
		for _, label := range pv.Labels() {
			byLabel[label] = append(byLabel[label], pv)
		}
	}

	var created []*onlinegate.Placeholder
	labels := make([]string, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	slices.Sort(labels)

	for _, label := range labels {
		created = append(created, p.planLabel(ctx, label, byLabel[label])...)
	}
	return created
}

func (p *Planner) planLabel(ctx context.Context, label string, provisioners []Provisioner) []*onlinegate.Placeholder {
	log := p.log.WithLabel(label)

	q, err := p.scheduler.QueueDepth(ctx, label)
	if err != nil {
		p.metrics.DriverRunsTotal.WithLabelValues("planner", "error").Inc()
		log.WithError(err).Warn("planner.queue.failed")
		return nil
	}

	excess := q.QueueLength - q.AvailableCapacity
	for _, pv := range provisioners {
		excess -= pv.PlannedCapacity(label)
	}
	if excess <= 0 {
		return nil
	}

	var created []*onlinegate.Placeholder
	for _, pv := range provisioners {
		if excess <= 0 {
			break
		}
		phs, err := pv.Provision(ctx, label, excess)
		if err != nil {
			p.metrics.DriverRunsTotal.WithLabelValues("planner", "error").Inc()
			log.WithController(pv.Name()).WithError(err).Warn("planner.provision.failed")
			continue
		}
		for _, ph := range phs {
			excess -= ph.Weight()
		}
		created = append(created, phs...)
	}
	p.metrics.DriverRunsTotal.WithLabelValues("planner", "ok").Inc()
	if len(created) > 0 {
		log.Info("planner.provisioned", "placeholders", len(created), "queue", q.QueueLength, "available", q.AvailableCapacity)
	}
	return created
}
