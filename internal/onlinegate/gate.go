package onlinegate

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"fleet-agents/internal/agent"
	"fleet-agents/internal/metrics"
	"fleet-agents/pkg/logging"
)

// DefaultProbeTimeout 单次连通性探测的超时
const DefaultProbeTimeout = 2 * time.Second

// Gate 单协程的上线门调度器，所有控制器共享一个实例
type Gate struct {
	clock        clockwork.Clock
	connector    agent.Connector
	metrics      *metrics.Metrics
	log          *logging.Logger
	probeTimeout time.Duration

	mu   sync.Mutex
	due  dueHeap
	wake chan struct{}

	reconnects sync.WaitGroup
}

// New 创建上线门
func New(clock clockwork.Clock, connector agent.Connector, m *metrics.Metrics) *Gate {
	return &Gate{
		clock:        clock,
		connector:    connector,
		metrics:      m,
		log:          logging.Default("onlinegate"),
		probeTimeout: DefaultProbeTimeout,
		wake:         make(chan struct{}, 1),
	}
}

// Watch 开始等待 Agent 上线，结果写入 Placeholder
//
// timeout 或 interval 不为正时不做探测，直接以该 Agent 完成。
func (g *Gate) Watch(p *Placeholder, a *agent.Agent, timeout, interval time.Duration) {
	if p.Finished() {
		return
	}
	if timeout <= 0 || interval <= 0 {
		if p.resolve(a) {
			g.metrics.PlaceholdersTotal.WithLabelValues(StateResolved.String()).Inc()
		}
		return
	}

	g.mu.Lock()
	heap.Push(&g.due, &watch{
		placeholder: p,
		agent:       a,
		timeout:     timeout,
		interval:    interval,
		due:         g.clock.Now(),
	})
	g.metrics.PlaceholdersWatched.Set(float64(g.due.Len()))
	g.mu.Unlock()

	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// Watching 当前等待中的数量
func (g *Gate) Watching() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.due.Len()
}

// Run 调度循环，ctx 取消后返回
func (g *Gate) Run(ctx context.Context) error {
	g.log.Info("online gate started")
	defer g.reconnects.Wait()

	for {
		var timer clockwork.Timer
		var fire <-chan time.Time
		if next, ok := g.nextDue(); ok {
			wait := next.Sub(g.clock.Now())
			if wait <= 0 {
				g.processDue(ctx)
				continue
			}
			timer = g.clock.NewTimer(wait)
			fire = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			g.log.Info("online gate stopped", "watching", g.Watching())
			return nil
		case <-g.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
		g.processDue(ctx)
	}
}

func (g *Gate) nextDue() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w := g.due.peek(); w != nil {
		return w.due, true
	}
	return time.Time{}, false
}

// processDue 评估所有已到期的等待项，返回评估数量
func (g *Gate) processDue(ctx context.Context) int {
	now := g.clock.Now()

	g.mu.Lock()
	var ready []*watch
	for {
		w := g.due.peek()
		if w == nil || w.due.After(now) {
			break
		}
		ready = append(ready, heap.Pop(&g.due).(*watch))
	}
	g.mu.Unlock()

	var requeue []*watch
	for _, w := range ready {
		if g.evaluate(ctx, w, now) {
			w.due = now.Add(w.interval)
			requeue = append(requeue, w)
		}
	}

	g.mu.Lock()
	for _, w := range requeue {
		heap.Push(&g.due, w)
	}
	g.metrics.PlaceholdersWatched.Set(float64(g.due.Len()))
	g.mu.Unlock()
	return len(ready)
}

// evaluate 单次评估，返回是否需要继续轮询
func (g *Gate) evaluate(ctx context.Context, w *watch, now time.Time) bool {
	p, a := w.placeholder, w.agent
	if p.State() == StateCancelled {
		g.metrics.PlaceholdersTotal.WithLabelValues(StateCancelled.String()).Inc()
		return false
	}
	if p.Finished() {
		return false
	}

	if g.online(ctx, a.InstanceID) {
		if p.resolve(a) {
			g.metrics.PlaceholdersTotal.WithLabelValues(StateResolved.String()).Inc()
			g.log.WithInstance(a.InstanceID).Info("agent online",
				"waited", now.Sub(p.CreatedAt()).String())
		}
		return false
	}

	if now.Sub(p.CreatedAt()) > w.timeout {
		if p.fail(ErrConnectivityTimeout) {
			g.metrics.PlaceholdersTotal.WithLabelValues(StateFailed.String()).Inc()
			g.log.WithInstance(a.InstanceID).Warn("agent did not come online",
				"timeout", w.timeout.String())
		}
		return false
	}

	g.reconnect(ctx, a)
	return true
}

// online 探测受 probeTimeout 约束，慢探测不阻塞其他等待项
func (g *Gate) online(ctx context.Context, instanceID string) bool {
	ctx, cancel := context.WithTimeout(ctx, g.probeTimeout)
	defer cancel()
	return g.connector.Online(ctx, instanceID)
}

// reconnect 异步触发重连，同一 Agent 同时只有一个重连
func (g *Gate) reconnect(ctx context.Context, a *agent.Agent) {
	if !a.BeginConnect() {
		return
	}
	g.metrics.ReconnectsTotal.Inc()
	g.reconnects.Add(1)
	go func() {
		defer g.reconnects.Done()
		defer a.EndConnect()
		if err := g.connector.Reconnect(ctx, a.InstanceID); err != nil {
			g.log.WithInstance(a.InstanceID).WithError(err).Debug("reconnect failed")
		}
	}()
}
