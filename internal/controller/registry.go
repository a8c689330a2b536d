package controller

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"fleet-agents/internal/config"
	"fleet-agents/internal/retention"
	"fleet-agents/pkg/logging"
)

// IDStore 控制器稳定 ID 的持久化
//
// 同名控制器在重启和配置重载之间保持同一个 ID，Agent 据此找回控制器。
type IDStore interface {
	OwnerID(ctx context.Context, name string) (string, error)
}

// Registry owner ID → 控制器查找表
//
// 配置重载时只更新查找表（或原地重配置控制器）；只有被移除的控制器会移出其 Agent。
type Registry struct {
	mu      sync.RWMutex
	byOwner map[string]*Controller
	byName  map[string]string
	log     *logging.Logger
}

var _ retention.Owners = (*Registry)(nil)

// NewRegistry 创建空查找表
func NewRegistry() *Registry {
	return &Registry{
		byOwner: make(map[string]*Controller),
		byName:  make(map[string]string),
		log:     logging.Default("controller"),
	}
}

// Lookup 实现 retention.Owners
func (r *Registry) Lookup(ownerID string) (retention.Terminator, bool) {
	c, ok := r.Controller(ownerID)
	if !ok {
		return nil, false
	}
	return c, true
}

// Controller 按 owner ID 查找
func (r *Registry) Controller(ownerID string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byOwner[ownerID]
	return c, ok
}

// Get 按名称查找
func (r *Registry) Get(name string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.byOwner[id], true
}

// All 返回全部控制器（按名称排序）
func (r *Registry) All() []*Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Controller, 0, len(r.byName))
	for _, name := range slices.Sorted(maps.Keys(r.byName)) {
		out = append(out, r.byOwner[r.byName[name]])
	}
	return out
}

// Register 加入控制器，同一 owner ID 的旧控制器被替换
func (r *Registry) Register(c *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byOwner[c.OwnerID()]; ok {
		delete(r.byName, prev.Name())
	}
	r.byOwner[c.OwnerID()] = c
	r.byName[c.Name()] = c.OwnerID()
}

// Apply 按配置同步查找表
//
// 已存在的控制器（同一稳定 ID）原地重配置，新控制器被创建。配置中已删除的控制器被移出查找表，
// 其 Agent 移出调度器清单、计划容量被取消。取不到 ID 时保留同名的运行中控制器。
// 单个控制器失败不影响其他控制器。
func (r *Registry) Apply(ctx context.Context, cfgs []config.ControllerConfig, ids IDStore, deps Deps) error {
	var errs []error
	next := make(map[string]*Controller, len(cfgs))

	for _, cc := range cfgs {
		ownerID, err := ids.OwnerID(ctx, cc.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("controller %s: owner id: %w", cc.Name, err))
			// ID 暂时不可用时保留正在运行的同名控制器
			if c, ok := r.Get(cc.Name); ok {
				r.log.WithController(cc.Name).WithError(err).Warn("owner id unavailable, keeping running controller")
				if err := c.Reconfigure(cc); err != nil {
					errs = append(errs, err)
				}
				next[c.OwnerID()] = c
			}
			continue
		}
		if c, ok := r.Controller(ownerID); ok {
			if err := c.Reconfigure(cc); err != nil {
				errs = append(errs, err)
			}
			next[ownerID] = c
			continue
		}
		c, err := New(ownerID, cc, deps)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.log.WithController(cc.Name).Info("controller registered", "owner", ownerID, "kind", cc.Kind)
		next[ownerID] = c
	}

	var removed []*Controller
	r.mu.Lock()
	for id, c := range r.byOwner {
		if _, keep := next[id]; !keep {
			removed = append(removed, c)
		}
	}
	r.byOwner = next
	r.byName = make(map[string]string, len(next))
	for id, c := range next {
		r.byName[c.Name()] = id
	}
	r.mu.Unlock()

	for _, c := range removed {
		retired := c.Detach()
		r.log.WithController(c.Name()).Info("controller removed from configuration",
			"owner", c.OwnerID(), "agents_retired", len(retired))
	}
	return errors.Join(errs...)
}
