// Package metrics Prometheus 指标定义
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 包含所有 fleet 控制器指标
type Metrics struct {
	registry *prometheus.Registry

	// 调和指标
	TargetCapacity      *prometheus.GaugeVec
	ActiveInstances     *prometheus.GaugeVec
	PendingTerminations *prometheus.GaugeVec
	PlannedCapacity     *prometheus.GaugeVec
	TicksTotal          *prometheus.CounterVec
	TickDuration        *prometheus.HistogramVec
	ModifyTotal         *prometheus.CounterVec
	ProvisionedTotal    *prometheus.CounterVec

	// Agent 生命周期指标
	AgentsAdded   *prometheus.CounterVec
	AgentsRemoved *prometheus.CounterVec
	AgentsManaged *prometheus.GaugeVec

	// 上线门指标
	PlaceholdersWatched prometheus.Gauge
	PlaceholdersTotal   *prometheus.CounterVec
	ReconnectsTotal     prometheus.Counter

	// 保留策略指标
	RetirementsTotal *prometheus.CounterVec

	// 任务事件指标
	TaskEventsTotal *prometheus.CounterVec

	// 周期驱动指标
	DriverRunsTotal *prometheus.CounterVec
}

// New 创建指标并注册到独立的 Registry
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newMetrics(namespace, reg)
}

// NewForTest 创建不含运行时采集器的指标
func NewForTest() *Metrics {
	return newMetrics("fleet_test", prometheus.NewRegistry())
}

func newMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	controller := []string{"controller"}

	return &Metrics{
		registry: reg,
		TargetCapacity: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "target_capacity",
				Help:      "Target capacity computed by the last reconciliation tick",
			},
			controller,
		),
		ActiveInstances: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_instances",
				Help:      "Active instances reported by the fleet",
			},
			controller,
		),
		PendingTerminations: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_terminations",
				Help:      "Instances scheduled for termination",
			},
			controller,
		),
		PlannedCapacity: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "planned_placeholders",
				Help:      "Unresolved planned capacity placeholders",
			},
			controller,
		),
		TicksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_total",
				Help:      "Reconciliation ticks by result",
			},
			[]string{"controller", "result"},
		),
		TickDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_seconds",
				Help:      "Reconciliation tick duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			controller,
		),
		ModifyTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "modify_total",
				Help:      "Fleet capacity modifications by result",
			},
			[]string{"controller", "result"},
		),
		ProvisionedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provisioned_units_total",
				Help:      "Capacity units requested by provision",
			},
			controller,
		),
		AgentsAdded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agents_added_total",
				Help:      "Agents created from new fleet instances",
			},
			controller,
		),
		AgentsRemoved: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agents_removed_total",
				Help:      "Agents removed because their instance is gone or retired",
			},
			controller,
		),
		AgentsManaged: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "agents_managed",
				Help:      "Agents currently known to the controller",
			},
			controller,
		),
		PlaceholdersWatched: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "online_gate_watched",
				Help:      "Placeholders currently polled by the online gate",
			},
		),
		PlaceholdersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "online_gate_outcomes_total",
				Help:      "Placeholder outcomes by state",
			},
			[]string{"outcome"},
		),
		ReconnectsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_total",
				Help:      "Reconnect attempts issued to offline agents",
			},
		),
		RetirementsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retirements_total",
				Help:      "Retirement requests by reason and result",
			},
			[]string{"reason", "result"},
		),
		TaskEventsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_events_total",
				Help:      "Task lifecycle events consumed by type",
			},
			[]string{"type"},
		),
		DriverRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_runs_total",
				Help:      "Periodic driver invocations by loop and result",
			},
			[]string{"loop", "result"},
		),
	}
}

// Registry 返回底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ForgetController 删除控制器相关的时间序列（标签 fleet 被回收时）
func (m *Metrics) ForgetController(name string) {
	labels := prometheus.Labels{"controller": name}
	for _, v := range []*prometheus.GaugeVec{m.TargetCapacity, m.ActiveInstances, m.PendingTerminations, m.PlannedCapacity, m.AgentsManaged} {
		v.Delete(labels)
	}
	m.TicksTotal.DeletePartialMatch(labels)
	m.ModifyTotal.DeletePartialMatch(labels)
	m.TickDuration.Delete(labels)
	m.ProvisionedTotal.Delete(labels)
	m.AgentsAdded.Delete(labels)
	m.AgentsRemoved.Delete(labels)
}
