package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"fleet-agents/internal/controller"
	"fleet-agents/internal/fleet"
	"fleet-agents/internal/onlinegate"
)

// ListControllers 列出全部控制器快照
func (h *Handler) ListControllers(w http.ResponseWriter, r *http.Request) {
	all := h.registry.All()
	out := make([]controller.Snapshot, 0, len(all))
	for _, c := range all {
		out = append(out, c.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]any{"controllers": out, "count": len(out)})
}

// GetController 控制器详情
func (h *Handler) GetController(w http.ResponseWriter, r *http.Request) {
	c, ok := h.registry.Get(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "controller not found")
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

// ListCandidates 列出控制器 Backend 可见的 fleet
func (h *Handler) ListCandidates(w http.ResponseWriter, r *http.Request) {
	c, ok := h.registry.Get(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "controller not found")
		return
	}
	candidates, err := c.Candidates(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

// ProvisionRequest 手动扩容请求
type ProvisionRequest struct {
	Label          string `json:"label"`
	ExcessWorkload int    `json:"excess_workload"`
}

// Provision 手动扩容
func (h *Handler) Provision(w http.ResponseWriter, r *http.Request) {
	c, ok := h.registry.Get(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "controller not found")
		return
	}

	var req ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ExcessWorkload <= 0 {
		writeError(w, http.StatusBadRequest, "excess_workload must be positive")
		return
	}
	if req.Label == "" {
		labels := c.Labels()
		if len(labels) != 1 {
			writeError(w, http.StatusBadRequest, "label is required")
			return
		}
		req.Label = labels[0]
	}

	placeholders, err := c.Provision(r.Context(), req.Label, req.ExcessWorkload)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	out := make([]onlinegate.Snapshot, 0, len(placeholders))
	for _, p := range placeholders {
		out = append(out, p.Snapshot())
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"planned": out})
}

// statusFor 错误分类 → HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, controller.ErrUnknownLabel):
		return http.StatusBadRequest
	case errors.Is(err, controller.ErrNotReady):
		return http.StatusConflict
	case fleet.IsConfiguration(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
