package retention

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

type request struct {
	instanceID string
	ignoreMin  bool
	reason     agent.TerminationReason
}

// fakeOwner 记录退役请求，按最小容量规则决定是否接受
type fakeOwner struct {
	policy     Policy
	excess     bool
	numDesired int
	minSize    int
	pending    map[string]agent.TerminationReason
	requests   []request
}

func newFakeOwner(numDesired, minSize int, policy Policy) *fakeOwner {
	return &fakeOwner{policy: policy, numDesired: numDesired, minSize: minSize, pending: map[string]agent.TerminationReason{}}
}

func (o *fakeOwner) ScheduleToTerminate(id string, ignoreMin bool, reason agent.TerminationReason) bool {
	o.requests = append(o.requests, request{id, ignoreMin, reason})
	if !ignoreMin && o.numDesired-len(o.pending)-1 < o.minSize {
		return false
	}
	o.pending[id] = reason
	return true
}

func (o *fakeOwner) HasExcessCapacity(string) bool { return o.excess }
func (o *fakeOwner) RetentionPolicy() Policy { return o.policy }

type owners map[string]Terminator

func (o owners) Lookup(id string) (Terminator, bool) {
	t, ok := o[id]
	return t, ok
}

var start = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func setup(owner *fakeOwner) (*Engine, *clockwork.FakeClock, *agent.MemoryConnector, *metrics.Metrics) {
	clock := clockwork.NewFakeClockAt(start)
	conn := agent.NewMemoryConnector(true)
	m := metrics.NewForTest()
	o := owners{}
	if owner != nil {
		o["owner-1"] = owner
	}
	return New(o, conn, clock, m), clock, conn, m
}

func newAgent(opts agent.Options) *agent.Agent {
	opts.OwnerID = "owner-1"
	opts.Label = "linux"
	if opts.Now.IsZero() {
		opts.Now = start
	}
	return agent.New(opts)
}

// 空闲 11 分钟，阈值 10 分钟，无过剩容量，配额不限
func TestCheck_IdleForTooLong(t *testing.T) {
	owner := newFakeOwner(3, 1, Policy{IdleTimeout: 10 * time.Minute})
	e, clock, _, m := setup(owner)
	a := newAgent(agent.Options{InstanceID: "i-1"})

	clock.Advance(11 * time.Minute)
	reason := e.Check(context.Background(), a)

	assert.Equal(t, agent.ReasonIdleForTooLong, reason)
	require.Len(t, owner.requests, 1)
	assert.Equal(t, request{"i-1", false, agent.ReasonIdleForTooLong}, owner.requests[0])
	assert.False(t, a.AcceptingTasks(), "退役被接受后保持暂停")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetirementsTotal.WithLabelValues("idle-for-too-long", "accepted")))
}

func TestCheck_Precedence(t *testing.T) {
	tests := []struct {
		name     string
		excess   bool
		deleted  bool
		maxUses  int
		uses     int
		idle     time.Duration
		expected agent.TerminationReason
	}{
		{"显式删除优先", true, true, 1, 1, time.Hour, agent.ReasonAgentDeleted},
		{"容量过剩优先于配额", true, false, 1, 1, time.Hour, agent.ReasonExcessCapacity},
		{"配额用尽优先于空闲", false, false, 1, 1, time.Hour, agent.ReasonUsesExhausted},
		{"仅空闲超时", false, false, 0, 0, time.Hour, agent.ReasonIdleForTooLong},
		{"都不满足", false, false, 0, 0, time.Minute, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner := newFakeOwner(10, 0, Policy{IdleTimeout: 10 * time.Minute})
			owner.excess = tt.excess
			e, clock, _, _ := setup(owner)
			a := newAgent(agent.Options{InstanceID: "i-1", MaxTotalUses: tt.maxUses})
			for range tt.uses {
				e.TaskAccepted(a)
				a.CompleteTask(start)
			}
			if tt.deleted {
				a.RequestDeletion()
			}
			clock.Advance(tt.idle)

			assert.Equal(t, tt.expected, e.Check(context.Background(), a))
			if tt.expected != "" {
				require.Len(t, owner.requests, 1)
				assert.Equal(t, tt.expected.OverridesMinSize(), owner.requests[0].ignoreMin)
			} else {
				assert.Empty(t, owner.requests)
			}
		})
	}
}

func TestCheck_RefusedRestoresAcceptingTasks(t *testing.T) {
	owner := newFakeOwner(2, 2, Policy{IdleTimeout: time.Minute})
	e, clock, _, m := setup(owner)
	a := newAgent(agent.Options{InstanceID: "i-1"})
	clock.Advance(time.Hour)

	assert.Empty(t, e.Check(context.Background(), a))
	assert.True(t, a.AcceptingTasks(), "最小容量拒绝后恢复接收任务")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetirementsTotal.WithLabelValues("idle-for-too-long", "refused")))
}

func TestCheck_PreservesSuspendedState(t *testing.T) {
	owner := newFakeOwner(2, 2, Policy{IdleTimeout: time.Minute})
	e, clock, _, _ := setup(owner)
	a := newAgent(agent.Options{InstanceID: "i-1"})
	a.SetAcceptingTasks(false)
	clock.Advance(time.Hour)

	e.Check(context.Background(), a)
	assert.False(t, a.AcceptingTasks(), "恢复的是判定前的状态")
}

func TestCheck_BusySkipped(t *testing.T) {
	owner := newFakeOwner(5, 0, Policy{IdleTimeout: time.Minute})
	owner.excess = true
	e, clock, _, _ := setup(owner)
	a := newAgent(agent.Options{InstanceID: "i-1", ExecutorCount: 2})
	e.TaskAccepted(a)
	clock.Advance(time.Hour)

	assert.Empty(t, e.Check(context.Background(), a))
	assert.Empty(t, owner.requests)
	assert.True(t, a.AcceptingTasks())
}

func TestCheck_OwnerUnavailable(t *testing.T) {
	e, clock, _, _ := setup(nil)
	a := newAgent(agent.Options{InstanceID: "i-1"})
	a.RequestDeletion()
	clock.Advance(time.Hour)

	assert.Empty(t, e.Check(context.Background(), a))
	assert.True(t, a.AcceptingTasks())
}

func TestCheck_AlwaysReconnect(t *testing.T) {
	owner := newFakeOwner(5, 0, Policy{AlwaysReconnect: true})
	e, _, conn, m := setup(owner)
	a := newAgent(agent.Options{InstanceID: "i-1"})

	e.Check(context.Background(), a)
	assert.Zero(t, conn.Reconnects("i-1"), "在线时不重连")

	conn.SetOnline("i-1", false)
	e.Check(context.Background(), a)
	assert.Equal(t, 1, conn.Reconnects("i-1"))
	assert.False(t, a.Connecting())

	require.True(t, a.BeginConnect())
	e.Check(context.Background(), a)
	assert.Equal(t, 1, conn.Reconnects("i-1"), "已在重连中时不重复触发")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReconnectsTotal))
}

func TestTaskHooks_LastUseRetires(t *testing.T) {
	owner := newFakeOwner(1, 1, Policy{})
	e, _, _, _ := setup(owner)
	a := newAgent(agent.Options{InstanceID: "i-1", MaxTotalUses: 1})

	e.TaskAccepted(a)
	assert.False(t, a.AcceptingTasks(), "最后一次使用立即暂停")

	assert.True(t, e.TaskCompleted(a))
	require.Len(t, owner.requests, 1)
	assert.Equal(t, request{"i-1", true, agent.ReasonUsesExhausted}, owner.requests[0], "覆盖最小容量")
}

func TestTaskCompleted_StillAccepting(t *testing.T) {
	owner := newFakeOwner(1, 0, Policy{})
	e, _, _, _ := setup(owner)
	a := newAgent(agent.Options{InstanceID: "i-1"})

	e.TaskAccepted(a)
	assert.False(t, e.TaskCompleted(a))
	assert.Empty(t, owner.requests)
}

func TestCheckAll(t *testing.T) {
	owner := newFakeOwner(10, 0, Policy{IdleTimeout: time.Minute})
	e, clock, _, _ := setup(owner)
	agents := []*agent.Agent{
		newAgent(agent.Options{InstanceID: "i-1"}),
		newAgent(agent.Options{InstanceID: "i-2"}),
	}
	clock.Advance(time.Hour)
	assert.Equal(t, 2, e.CheckAll(context.Background(), agents))
}
