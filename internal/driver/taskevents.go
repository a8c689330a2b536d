package driver

import (
	"fleet-agents/internal/agent"
	"fleet-agents/internal/metrics"
	"fleet-agents/internal/retention"
	"fleet-agents/internal/storage"
	"fleet-agents/pkg/logging"
)

// TaskEventHandler 将任务事件转发给保留策略钩子
type TaskEventHandler struct {
	lookup  func(instanceID string) (*agent.Agent, bool)
	engine  *retention.Engine
	metrics *metrics.Metrics
	log     *logging.Logger
}

// NewTaskEventHandler 创建处理器；lookup 通常为 Pool.Agent
func NewTaskEventHandler(lookup func(string) (*agent.Agent, bool), engine *retention.Engine, m *metrics.Metrics) *TaskEventHandler {
	return &TaskEventHandler{
		lookup:  lookup,
		engine:  engine,
		metrics: m,
		log:     logging.Default("taskevents"),
	}
}

// Handle 处理单个事件；未知 Agent 与未知类型忽略
func (h *TaskEventHandler) Handle(e *storage.TaskEvent) {
	a, ok := h.lookup(e.InstanceID)
	if !ok {
		h.metrics.TaskEventsTotal.WithLabelValues("unknown_agent").Inc()
		return
	}

	switch e.Type {
	case storage.TaskAccepted:
		h.engine.TaskAccepted(a)
	case storage.TaskCompleted:
		if h.engine.TaskCompleted(a) {
			h.log.WithInstance(a.InstanceID).Info("agent retired after last use")
		}
	default:
		h.metrics.TaskEventsTotal.WithLabelValues("unknown_type").Inc()
		return
	}
	h.metrics.TaskEventsTotal.WithLabelValues(string(e.Type)).Inc()
}
