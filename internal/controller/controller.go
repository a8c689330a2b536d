// Package controller fleet 调和控制器
//
// 每个 Controller 负责一个受管 fleet（或多标签模式下每个标签一个 fleet），
// 串行执行 Provision / Update / ScheduleToTerminate。控制器之间互不影响。
//
// 文件组织：
//   - controller.go: 控制器本体、依赖与构造
//   - group.go:      单个 fleet 的调和状态
//   - provision.go:  按需求扩容
//   - update.go:     调和周期
//   - terminate.go:  退役请求入口
//   - labels.go:     多标签模式下的栈生命周期
//   - registry.go:   owner ID → 控制器查找表
//   - snapshot.go:   只读快照（API 输出）
package controller

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/jonboulle/clockwork"

	"fleet-agents/internal/config"
	"fleet-agents/internal/fleet"
	"fleet-agents/internal/inventory"
	"fleet-agents/internal/lifecycle"
	"fleet-agents/internal/metrics"
	"fleet-agents/internal/retention"
	"fleet-agents/internal/stack"
	"fleet-agents/pkg/logging"
)

// Deps 控制器依赖（显式注入，不使用进程级单例）
type Deps struct {
	Backends  *fleet.Registry
	Scheduler inventory.Scheduler
	Lifecycle *lifecycle.Manager
	Stacks    stack.Provisioner // 多标签模式必需
	Clock     clockwork.Clock
	Metrics   *metrics.Metrics
}

// Controller fleet 调和控制器
type Controller struct {
	mu      sync.Mutex
	name    string
	ownerID string
	cfg     config.ControllerConfig
	deps    Deps
	groups  map[string]*group // label → group
	log     *logging.Logger
}

var _ retention.Terminator = (*Controller)(nil)

// New 创建控制器；单 fleet 模式下立即绑定 Backend
func New(ownerID string, cfg config.ControllerConfig, deps Deps) (*Controller, error) {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewForTest()
	}
	if cfg.LabelMode() && deps.Stacks == nil {
		return nil, fmt.Errorf("controller %s: label mode requires a stack provisioner", cfg.Name)
	}
	c := &Controller{
		name:    cfg.Name,
		ownerID: ownerID,
		cfg:     cfg,
		deps:    deps,
		groups:  make(map[string]*group),
		log:     logging.Default("controller").WithController(cfg.Name),
	}
	if !cfg.LabelMode() {
		g, err := c.newFixedGroup()
		if err != nil {
			return nil, err
		}
		c.groups[g.label] = g
	}
	return c, nil
}

func (c *Controller) newFixedGroup() (*group, error) {
	id := fleet.Identity{Kind: fleet.Kind(c.cfg.Kind), FleetID: c.cfg.FleetID, Region: c.cfg.Region}
	b, err := c.deps.Backends.Bind(id, nil)
	if err != nil {
		return nil, fmt.Errorf("controller %s: %w", c.cfg.Name, err)
	}
	g := newGroup(c.cfg.Label, c.cfg.Name)
	g.bind(id, b)
	return g, nil
}

// Name 控制器名称
func (c *Controller) Name() string { return c.name }

// OwnerID 控制器的稳定 ID（Agent 通过它找到控制器）
func (c *Controller) OwnerID() string { return c.ownerID }

// Config 返回当前配置（拷贝）
func (c *Controller) Config() config.ControllerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Labels 控制器负责的标签
func (c *Controller) Labels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.cfg.Labels())
}

// Reconfigure 配置重载时原地更新控制器，保留已知 Agent 与待处理状态
//
// 单 fleet 模式下 fleet 身份变化时重新绑定，旧 fleet 的状态被丢弃。
func (c *Controller) Reconfigure(cfg config.ControllerConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cfg.LabelMode() != c.cfg.LabelMode() {
		return fmt.Errorf("controller %s: switching label mode requires a restart", cfg.Name)
	}
	old := c.cfg
	c.cfg = cfg

	if cfg.LabelMode() {
		for label, g := range c.groups {
			if !slices.Contains(cfg.Stack.Labels, label) {
				c.log.WithLabel(label).Info("label removed from configuration, fleet will be released when unused")
				g.unusedSince = c.deps.Clock.Now().Add(-cfg.Stack.IdleTimeout)
			}
		}
		return nil
	}

	if old.Kind == cfg.Kind && old.FleetID == cfg.FleetID && old.Region == cfg.Region && old.Label == cfg.Label {
		return nil
	}
	g, err := c.newFixedGroup()
	if err != nil {
		c.cfg = old
		return err
	}
	for _, prev := range c.groups {
		if prev.identity != g.identity {
			c.deps.Backends.Unbind(prev.identity)
		}
		prev.cancelPlanned()
		c.deps.Lifecycle.Retire(slices.Sorted(maps.Keys(prev.agents)))
	}
	c.log.Warn("fleet identity changed, cached state reset", "fleet_id", cfg.FleetID)
	c.groups = map[string]*group{g.label: g}
	return nil
}

// Detach 控制器被移出配置：取消计划容量，Agent 移出调度器清单，解除 fleet 绑定
//
// 不终止实例，也不删除多标签模式下的栈。返回被移出清单的实例。
func (c *Controller) Detach() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var retired []string
	for _, label := range slices.Sorted(maps.Keys(c.groups)) {
		g := c.groups[label]
		retired = append(retired, c.deps.Lifecycle.Retire(slices.Sorted(maps.Keys(g.agents)))...)
		clear(g.agents)
		c.drop(g)
	}
	return retired
}

// groupOf 查找拥有实例的 group，调用方持有锁
func (c *Controller) groupOf(instanceID string) *group {
	for _, label := range slices.Sorted(maps.Keys(c.groups)) {
		g := c.groups[label]
		if g.owns(instanceID) {
			return g
		}
	}
	return nil
}
