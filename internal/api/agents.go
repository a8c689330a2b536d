package api

import (
	"net/http"

	"fleet-agents/internal/agent"
)

// ListAgents 列出 Agent，可按 label 过滤
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	label := r.URL.Query().Get("label")
	out := make([]agent.Snapshot, 0, h.pool.Len())
	for _, a := range h.pool.Agents() {
		if label != "" && a.Label != label {
			continue
		}
		out = append(out, a.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out, "count": len(out)})
}

// GetAgent Agent 详情
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := h.pool.Agent(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, a.Snapshot())
}

// DeleteAgent 标记 Agent 待删除并立即执行一次保留策略判定
//
// 判定未通过（例如 Agent 正忙）时删除标记保留，由周期巡检稍后处理。
func (h *Handler) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := h.pool.Agent(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	a.RequestDeletion()
	reason := h.retention.Check(r.Context(), a)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"instance_id": a.InstanceID,
		"retired":     reason != "",
		"reason":      reason,
	})
}
