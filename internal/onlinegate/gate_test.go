package onlinegate

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-agents/internal/agent"
	"fleet-agents/internal/metrics"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func setup() (*Gate, *clockwork.FakeClock, *agent.MemoryConnector, *metrics.Metrics) {
	clock := clockwork.NewFakeClockAt(epoch)
	conn := agent.NewMemoryConnector(false)
	m := metrics.NewForTest()
	return New(clock, conn, m), clock, conn, m
}

func TestWatch_ZeroTimeoutResolvesWithoutProbe(t *testing.T) {
	g, _, conn, _ := setup()
	p := NewPlaceholder("linux", 2, epoch)
	a := agent.New(agent.Options{InstanceID: "i-1"})

	g.Watch(p, a, 0, 10*time.Second)

	assert.Equal(t, StateResolved, p.State())
	got, err := p.Result()
	require.NoError(t, err)
	assert.Same(t, a, got)
	assert.Equal(t, 0, conn.Probes(), "不应探测 Agent")
	assert.Equal(t, 0, g.Watching())
}

func TestWatch_ZeroIntervalResolves(t *testing.T) {
	g, _, _, _ := setup()
	p := NewPlaceholder("linux", 1, epoch)
	g.Watch(p, agent.New(agent.Options{InstanceID: "i-1"}), time.Minute, 0)
	assert.Equal(t, StateResolved, p.State())
}

func TestEvaluate_OnlineResolves(t *testing.T) {
	g, clock, conn, m := setup()
	p := NewPlaceholder("linux", 1, epoch)
	a := agent.New(agent.Options{InstanceID: "i-1"})
	g.Watch(p, a, time.Minute, 10*time.Second)

	assert.Equal(t, 1, g.processDue(context.Background()))
	g.reconnects.Wait()
	assert.Equal(t, StatePolling, p.State())
	assert.Equal(t, 1, conn.Reconnects("i-1"), "离线时尽力重连")
	assert.Equal(t, 1, g.Watching())

	conn.SetOnline("i-1", true)
	clock.Advance(5 * time.Second)
	assert.Equal(t, 0, g.processDue(context.Background()), "未到期不评估")

	clock.Advance(5 * time.Second)
	assert.Equal(t, 1, g.processDue(context.Background()))
	assert.Equal(t, StateResolved, p.State())
	assert.Equal(t, 0, g.Watching())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PlaceholdersTotal.WithLabelValues("resolved")))

	select {
	case <-p.Done():
	default:
		t.Fatal("Done 未关闭")
	}
}

func TestEvaluate_TimeoutFromCreation(t *testing.T) {
	g, clock, _, _ := setup()
	p := NewPlaceholder("linux", 1, epoch)
	a := agent.New(agent.Options{InstanceID: "i-1"})

	clock.Advance(20 * time.Second)
	g.Watch(p, a, 30*time.Second, 10*time.Second)
	g.processDue(context.Background())
	g.reconnects.Wait()
	assert.Equal(t, StatePolling, p.State())

	clock.Advance(11 * time.Second)
	g.processDue(context.Background())
	assert.Equal(t, StateFailed, p.State(), "超时从创建时间起算")
	_, err := p.Result()
	assert.ErrorIs(t, err, ErrConnectivityTimeout)
	assert.Equal(t, 0, g.Watching())
}

func TestEvaluate_CancelStopsPolling(t *testing.T) {
	g, clock, conn, m := setup()
	p := NewPlaceholder("linux", 1, epoch)
	g.Watch(p, agent.New(agent.Options{InstanceID: "i-1"}), time.Minute, 10*time.Second)
	g.processDue(context.Background())
	g.reconnects.Wait()
	probes := conn.Probes()

	require.True(t, p.Cancel())
	assert.False(t, p.Cancel(), "重复取消无效")

	clock.Advance(10 * time.Second)
	g.processDue(context.Background())
	assert.Equal(t, 0, g.Watching())
	assert.Equal(t, probes, conn.Probes(), "取消后不再探测")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PlaceholdersTotal.WithLabelValues("cancelled")))
}

func TestWatch_FinishedPlaceholderIgnored(t *testing.T) {
	g, _, _, _ := setup()
	p := NewPlaceholder("linux", 1, epoch)
	p.Cancel()
	g.Watch(p, agent.New(agent.Options{InstanceID: "i-1"}), time.Minute, time.Second)
	assert.Equal(t, 0, g.Watching())
}

func TestReconnect_SingleInFlight(t *testing.T) {
	g, _, conn, _ := setup()
	a := agent.New(agent.Options{InstanceID: "i-1"})
	require.True(t, a.BeginConnect())

	g.reconnect(context.Background(), a)
	g.reconnects.Wait()
	assert.Equal(t, 0, conn.Reconnects("i-1"), "已在重连中时不重复触发")
}

func TestRun_ResolvesAfterInterval(t *testing.T) {
	g, clock, conn, _ := setup()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	p := NewPlaceholder("linux", 1, epoch)
	g.Watch(p, agent.New(agent.Options{InstanceID: "i-1"}), time.Minute, 10*time.Second)

	require.Eventually(t, func() bool { return conn.Probes() >= 1 }, time.Second, 5*time.Millisecond)
	conn.SetOnline("i-1", true)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(10 * time.Second)

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("placeholder 未完成")
	}
	assert.Equal(t, StateResolved, p.State())

	cancel()
	require.NoError(t, <-done)
}

func TestPlaceholder_Snapshot(t *testing.T) {
	p := NewPlaceholder("gpu", 0, epoch)
	s := p.Snapshot()
	assert.Equal(t, "gpu", s.Label)
	assert.Equal(t, 1, s.Weight, "权重至少为 1")
	assert.Equal(t, "polling", s.State)
	assert.NotEmpty(t, s.ID)
}

// stallingConnector 探测一直阻塞到 ctx 结束
type stallingConnector struct {
	*agent.MemoryConnector
}

func (stallingConnector) Online(ctx context.Context, instanceID string) bool {
	<-ctx.Done()
	return false
}

func TestEvaluate_SlowProbeBounded(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	g := New(clock, stallingConnector{agent.NewMemoryConnector(false)}, metrics.NewForTest())
	g.probeTimeout = 20 * time.Millisecond

	p := NewPlaceholder("linux", 1, epoch)
	g.Watch(p, agent.New(agent.Options{InstanceID: "i-1"}), time.Minute, 10*time.Second)

	done := make(chan int, 1)
	go func() { done <- g.processDue(context.Background()) }()
	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("连通性探测未受超时约束")
	}
	g.reconnects.Wait()
	assert.Equal(t, StatePolling, p.State(), "探测超时视为离线，继续轮询")
	assert.Equal(t, 1, g.Watching())
}
