package controller

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"fleet-agents/internal/fleet"
	"fleet-agents/internal/stack"
)

// groupFor 返回标签对应的 group；多标签模式下按需创建栈，调用方持有锁
func (c *Controller) groupFor(ctx context.Context, label string) (*group, error) {
	if g, ok := c.groups[label]; ok {
		return g, nil
	}
	if !c.cfg.LabelMode() || !slices.Contains(c.cfg.Stack.Labels, label) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}

	g := newGroup(label, c.cfg.Name+"/"+label)
	g.stackName = stackName(c.cfg.Stack.NamePrefix, label)

	s, err := c.deps.Stacks.Describe(ctx, g.stackName)
	switch {
	case errors.Is(err, stack.ErrNotFound):
		id, err := c.deps.Stacks.Create(ctx, g.stackName, c.stackParams(label))
		if err != nil {
			return nil, fmt.Errorf("label %s: %w", label, err)
		}
		g.stackID = id
		c.log.WithLabel(label).Info("fleet stack requested", "stack", g.stackName)
	case err != nil:
		return nil, fmt.Errorf("label %s: %w", label, err)
	default:
		// 进程重启后沿用已有的栈
		g.stackID = s.StackID
		if err := c.bindStack(g, s); err != nil {
			return nil, err
		}
	}
	c.groups[label] = g
	return g, nil
}

func (c *Controller) stackParams(label string) map[string]string {
	params := maps.Clone(c.cfg.Stack.Params)
	if params == nil {
		params = make(map[string]string)
	}
	params["Label"] = label
	params["MaxSize"] = strconv.Itoa(c.cfg.MaxSize)
	return params
}

// bindStack 栈就绪且输出了 fleet ID 时绑定 Backend
func (c *Controller) bindStack(g *group, s *stack.Stack) error {
	if !s.Status.Ready() || s.FleetID == "" || g.ready() {
		return nil
	}
	id := fleet.Identity{Kind: fleet.Kind(c.cfg.Kind), FleetID: s.FleetID, Region: c.cfg.Region}
	b, err := c.deps.Backends.Bind(id, nil)
	if err != nil {
		return fmt.Errorf("label %s: %w", g.label, err)
	}
	g.bind(id, b)
	c.log.WithLabel(g.label).WithFleet(s.FleetID).Info("fleet stack ready", "stack", g.stackName)
	return nil
}

// maintainStack 推进栈状态；标签空闲超时后删除栈并丢弃 group，返回是否已丢弃
func (c *Controller) maintainStack(ctx context.Context, g *group) (bool, error) {
	now := c.deps.Clock.Now()
	if !g.unusedSince.IsZero() && now.Sub(g.unusedSince) >= c.cfg.Stack.IdleTimeout && g.idle() {
		return true, c.release(ctx, g)
	}
	if g.ready() {
		return false, nil
	}

	s, err := c.deps.Stacks.Describe(ctx, g.stackName)
	switch {
	case errors.Is(err, stack.ErrNotFound):
		c.log.WithLabel(g.label).Warn("fleet stack disappeared", "stack", g.stackName)
		c.drop(g)
		return true, nil
	case err != nil:
		return false, err
	case s.Status.InProgress():
		return false, nil
	case s.Status.Failed():
		c.log.WithLabel(g.label).Error("fleet stack failed", "stack", g.stackName, "status", s.Status)
		return true, c.release(ctx, g)
	}
	return false, c.bindStack(g, s)
}

// release 删除栈并丢弃 group
func (c *Controller) release(ctx context.Context, g *group) error {
	if g.stackID != "" {
		if err := c.deps.Stacks.Delete(ctx, g.stackID); err != nil {
			return fmt.Errorf("label %s: %w", g.label, err)
		}
	}
	c.log.WithLabel(g.label).Info("fleet stack released", "stack", g.stackName)
	c.drop(g)
	return nil
}

func (c *Controller) drop(g *group) {
	if g.ready() {
		c.deps.Backends.Unbind(g.identity)
	}
	g.cancelPlanned()
	c.deps.Metrics.ForgetController(g.metricName)
	delete(c.groups, g.label)
}

// stackName 栈名只允许字母数字和连字符
func stackName(prefix, label string) string {
	clean := strings.Map(func(r rune) rune {
		if r <= unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return '-'
	}, label)
	return prefix + "-" + clean
}
