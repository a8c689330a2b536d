// Package api 提供 HTTP API 处理器
//
// 文件组织：
//   - common.go:      Handler 定义与通用工具函数
//   - handler.go:     路由与中间件
//   - controllers.go: 控制器查询、候选 fleet、手动扩容
//   - agents.go:      Agent 列表与显式删除
package api

import (
	"encoding/json"
	"net/http"

	"fleet-agents/internal/controller"
	"fleet-agents/internal/inventory"
	"fleet-agents/internal/metrics"
	"fleet-agents/internal/retention"
	"fleet-agents/pkg/logging"
)

// Handler API 处理器
type Handler struct {
	registry  *controller.Registry // 控制器查找表
	pool      *inventory.Pool      // Agent 清单
	retention *retention.Engine    // 删除 Agent 时立即判定
	metrics   *metrics.Metrics
	log       *logging.Logger
}

// NewHandler 创建 Handler 实例
func NewHandler(registry *controller.Registry, pool *inventory.Pool, engine *retention.Engine, m *metrics.Metrics) *Handler {
	return &Handler{
		registry:  registry,
		pool:      pool,
		retention: engine,
		metrics:   m,
		log:       logging.Default("api"),
	}
}

// Health 健康检查
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
