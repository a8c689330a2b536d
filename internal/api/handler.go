package api

import (
	"net/http"
	"time"
)

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查与指标:
//   - GET /health
//   - GET /metrics
//
// 控制器:
//   - GET    /api/v1/controllers                   - 列出控制器快照
//   - GET    /api/v1/controllers/{name}            - 控制器详情
//   - GET    /api/v1/controllers/{name}/candidates - 可选 fleet
//   - POST   /api/v1/controllers/{name}/provision  - 手动扩容
//
// Agent:
//   - GET    /api/v1/agents      - 列出 Agent
//   - GET    /api/v1/agents/{id} - Agent 详情
//   - DELETE /api/v1/agents/{id} - 请求删除并立即判定退役
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}

	mux.HandleFunc("GET /api/v1/controllers", h.ListControllers)
	mux.HandleFunc("GET /api/v1/controllers/{name}", h.GetController)
	mux.HandleFunc("GET /api/v1/controllers/{name}/candidates", h.ListCandidates)
	mux.HandleFunc("POST /api/v1/controllers/{name}/provision", h.Provision)

	mux.HandleFunc("GET /api/v1/agents", h.ListAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}", h.GetAgent)
	mux.HandleFunc("DELETE /api/v1/agents/{id}", h.DeleteAgent)

	return h.logMiddleware(mux)
}

// statusRecorder 记录响应状态码
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// logMiddleware 请求日志（/health 与 /metrics 除外）
func (h *Handler) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.log.HTTPRequestLog(r.Method, r.URL.Path, rec.status, time.Since(start), r.RemoteAddr)
	})
}
