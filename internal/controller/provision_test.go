package controller

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-agents/internal/fleet"
)

func TestProvision_ZeroExcessIsNoop(t *testing.T) {
	env := newEnv(t)
	env.withFleet("sfr-1", 1, "i-1")
	c := env.controller(t, fixedConfig())

	planned, err := c.Provision(context.Background(), "linux", 0)
	require.NoError(t, err)
	assert.Empty(t, planned)
	assert.Zero(t, env.mem.Calls().Modify)
	assert.Zero(t, env.mem.Calls().GetState)
}

func TestProvision_Units(t *testing.T) {
	tests := []struct {
		name       string
		desired    int
		maxSize    int
		executors  int
		excess     int
		expectUnit int
	}{
		{"向上取整", 0, 10, 4, 5, 2},
		{"整除", 0, 10, 2, 6, 3},
		{"受最大容量限制", 8, 10, 1, 5, 2},
		{"已达最大容量", 10, 10, 1, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			env.withFleet("sfr-1", tt.desired)
			cfg := fixedConfig()
			cfg.MaxSize = tt.maxSize
			cfg.NumExecutors = tt.executors
			c := env.controller(t, cfg)

			planned, err := c.Provision(context.Background(), "linux", tt.excess)
			require.NoError(t, err)
			require.Len(t, planned, tt.expectUnit)
			for _, p := range planned {
				assert.Equal(t, tt.executors, p.Weight())
				assert.Equal(t, "linux", p.Label())
			}

			desired, _, _ := env.mem.Desired("sfr-1")
			if tt.expectUnit == 0 {
				assert.Zero(t, env.mem.Calls().Modify)
				assert.Equal(t, tt.desired, desired)
				return
			}
			assert.Equal(t, 1, env.mem.Calls().Modify, "整个增量只调用一次 Modify")
			assert.Equal(t, tt.desired+tt.expectUnit, desired)
			assert.Equal(t, float64(tt.expectUnit), testutil.ToFloat64(env.metrics.ProvisionedTotal.WithLabelValues("linux")))
		})
	}
}

func TestProvision_InactiveFleet(t *testing.T) {
	env := newEnv(t)
	env.withFleet("sfr-1", 0)
	env.mem.SetState("sfr-1", fleet.StateCancelled)
	c := env.controller(t, fixedConfig())

	planned, err := c.Provision(context.Background(), "linux", 3)
	require.NoError(t, err)
	assert.Empty(t, planned)
	assert.Zero(t, env.mem.Calls().Modify)
}

func TestProvision_UnknownLabel(t *testing.T) {
	env := newEnv(t)
	env.withFleet("sfr-1", 0)
	c := env.controller(t, fixedConfig())

	_, err := c.Provision(context.Background(), "windows", 1)
	assert.ErrorIs(t, err, ErrUnknownLabel)
}

func TestProvision_ToAddConfirmedOnce(t *testing.T) {
	env := newEnv(t)
	env.withFleet("sfr-1", 1, "i-1")
	c := env.controller(t, fixedConfig())
	require.NoError(t, c.Update(context.Background()))

	_, err := c.Provision(context.Background(), "linux", 2)
	require.NoError(t, err)
	g := groupOf(t, c, "linux")
	assert.Equal(t, 2, g.ToAdd)
	assert.Equal(t, 3, g.TargetCapacity)

	require.NoError(t, c.Update(context.Background()))
	g = groupOf(t, c, "linux")
	assert.Zero(t, g.ToAdd, "提供方已体现扩容")
	assert.Equal(t, 3, g.TargetCapacity, "扩容量不被重复计算")
	assert.Equal(t, 1, env.mem.Calls().Modify)
}

func TestProvision_StaleReadReissuesModify(t *testing.T) {
	env := newEnv(t)
	env.withFleet("sfr-1", 1, "i-1")
	c := env.controller(t, fixedConfig())

	_, err := c.Provision(context.Background(), "linux", 2)
	require.NoError(t, err)

	// 提供方尚未体现扩容
	env.mem.SetDesired("sfr-1", 1)
	require.NoError(t, c.Update(context.Background()))
	g := groupOf(t, c, "linux")
	assert.Equal(t, 2, g.ToAdd)
	assert.Equal(t, 3, g.TargetCapacity)
	desired, _, _ := env.mem.Desired("sfr-1")
	assert.Equal(t, 3, desired, "调和周期重新下发目标容量")
	assert.Equal(t, 2, env.mem.Calls().Modify)

	require.NoError(t, c.Update(context.Background()))
	assert.Zero(t, groupOf(t, c, "linux").ToAdd)
	assert.Equal(t, 2, env.mem.Calls().Modify)
}

func TestProvision_WithPendingTerminations(t *testing.T) {
	env := newEnv(t)
	env.withFleet("sfr-1", 3, "i-1", "i-2", "i-3")
	cfg := fixedConfig()
	cfg.MaxSize = 4
	c := env.controller(t, cfg)
	require.NoError(t, c.Update(context.Background()))
	require.True(t, c.ScheduleToTerminate("i-1", false, "idle-for-too-long"))

	planned, err := c.Provision(context.Background(), "linux", 5)
	require.NoError(t, err)
	assert.Len(t, planned, 2, "目标容量 3-1 增长到上限 4")

	desired, _, maxSize := env.mem.Desired("sfr-1")
	assert.Equal(t, 4, desired, "下发的目标容量不超过最大容量")
	assert.Equal(t, 4, maxSize)
	g := groupOf(t, c, "linux")
	assert.Equal(t, 4, g.TargetCapacity)
	assert.Empty(t, g.PendingTerminations, "待终止实例随扩容一起缩容")
	assert.Equal(t, []string{"i-1"}, g.Terminating)
	assert.False(t, env.inPool("i-1"))
	assert.Equal(t, 1, env.mem.Calls().Terminate)

	require.NoError(t, c.Update(context.Background()))
	desired, _, _ = env.mem.Desired("sfr-1")
	assert.Equal(t, 4, desired)
	assert.Equal(t, 4, groupOf(t, c, "linux").TargetCapacity, "待终止实例不被重复扣除")
	assert.Equal(t, 1, env.mem.Calls().Modify)
	assert.False(t, env.inPool("i-1"))
}

// 提供方读数滞后时，调和周期重发的目标容量同样不超过最大容量
func TestProvision_StaleReadWithPendingStaysUnderMax(t *testing.T) {
	env := newEnv(t)
	env.withFleet("sfr-1", 3, "i-1", "i-2", "i-3")
	cfg := fixedConfig()
	cfg.MaxSize = 4
	c := env.controller(t, cfg)
	require.NoError(t, c.Update(context.Background()))
	require.True(t, c.ScheduleToTerminate("i-1", false, "idle-for-too-long"))

	_, err := c.Provision(context.Background(), "linux", 5)
	require.NoError(t, err)

	env.mem.SetDesired("sfr-1", 3)
	require.NoError(t, c.Update(context.Background()))
	desired, _, _ := env.mem.Desired("sfr-1")
	assert.Equal(t, 4, desired)
	assert.Equal(t, 4, groupOf(t, c, "linux").TargetCapacity)
}

func TestPlannedCapacity(t *testing.T) {
	env := newEnv(t)
	env.withFleet("sfr-1", 0)
	cfg := fixedConfig()
	cfg.NumExecutors = 2
	c := env.controller(t, cfg)

	planned, err := c.Provision(context.Background(), "linux", 4)
	require.NoError(t, err)
	require.Len(t, planned, 2)
	assert.Equal(t, 4, c.PlannedCapacity("linux"))

	planned[1].Cancel()
	assert.Equal(t, 2, c.PlannedCapacity("linux"))
	assert.Zero(t, c.PlannedCapacity("windows"))
}
