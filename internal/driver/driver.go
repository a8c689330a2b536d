// Package driver 周期驱动
//
// 包含：
//   - driver.go:     控制器调和周期（每个控制器独立执行，错误与 panic 互不影响）
//   - retention.go:  Agent 保留策略巡检
//   - planner.go:    按队列需求触发扩容
//   - taskevents.go: 任务事件 → 保留策略钩子
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"fleet-agents/internal/controller"
	"fleet-agents/internal/metrics"
	"fleet-agents/pkg/logging"
)

// Updater 可被周期驱动的控制器
type Updater interface {
	Name() string
	Update(ctx context.Context) error
}

// Source 每个周期重新读取控制器列表（配置重载后立即生效）
type Source func() []Updater

// FromRegistry 以控制器查找表作为来源
func FromRegistry(r *controller.Registry) Source {
	return func() []Updater {
		all := r.All()
		out := make([]Updater, 0, len(all))
		for _, c := range all {
			out = append(out, c)
		}
		return out
	}
}

// Driver 调和周期驱动
type Driver struct {
	clock    clockwork.Clock
	interval time.Duration
	source   Source
	metrics  *metrics.Metrics
	log      *logging.Logger
}

// New 创建驱动
func New(clock clockwork.Clock, interval time.Duration, source Source, m *metrics.Metrics) *Driver {
	return &Driver{
		clock:    clock,
		interval: interval,
		source:   source,
		metrics:  m,
		log:      logging.Default("driver"),
	}
}

// Run 启动后立即执行一次，之后按间隔执行，直到 ctx 取消
func (d *Driver) Run(ctx context.Context) error {
	return every(ctx, d.clock, d.interval, func() { d.Tick(ctx) })
}

// Tick 并发调和所有控制器，全部结束后返回出错的控制器数
func (d *Driver) Tick(ctx context.Context) int {
	updaters := d.source()
	failed := make([]bool, len(updaters))

	var g errgroup.Group
	for i, u := range updaters {
		g.Go(func() error {
			failed[i] = d.runOne(ctx, u) != nil
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	return n
}

// runOne 单个控制器的一次调和，panic 转为错误
func (d *Driver) runOne(ctx context.Context, u Updater) (err error) {
	name := u.Name()
	ctx = logging.ContextWithController(ctx, name)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("update panicked: %v", r)
			d.metrics.DriverRunsTotal.WithLabelValues("update", "panic").Inc()
			d.log.WithContext(ctx).Error("controller.update.panic", "panic", fmt.Sprint(r))
		}
	}()

	if err = u.Update(ctx); err != nil {
		d.metrics.DriverRunsTotal.WithLabelValues("update", "error").Inc()
		d.log.WithContext(ctx).WithError(err).Warn("controller.update.failed")
		return err
	}
	d.metrics.DriverRunsTotal.WithLabelValues("update", "ok").Inc()
	return nil
}

// every 立即执行 fn，之后每隔 interval 执行一次
func every(ctx context.Context, clock clockwork.Clock, interval time.Duration, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s", interval)
	}
	fn()

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			fn()
		}
	}
}
