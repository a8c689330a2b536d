package controller

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-agents/internal/agent"
	"fleet-agents/internal/config"
	"fleet-agents/internal/fleet"
	"fleet-agents/internal/onlinegate"
)

// mapIDs 按名称分配固定 ID
type mapIDs map[string]string

func (m mapIDs) OwnerID(ctx context.Context, name string) (string, error) {
	id, ok := m[name]
	if !ok {
		return "", fmt.Errorf("no id for %s", name)
	}
	return id, nil
}

func TestRegistry_ApplyAndLookup(t *testing.T) {
	env := newEnv(t)
	env.withFleet("sfr-1", 1, "i-1")
	ids := mapIDs{"linux": "uuid-linux"}
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, []config.ControllerConfig{fixedConfig()}, ids, env.deps))
	c, ok := r.Get("linux")
	require.True(t, ok)
	assert.Equal(t, "uuid-linux", c.OwnerID())

	term, ok := r.Lookup("uuid-linux")
	require.True(t, ok)
	assert.Same(t, c, term)

	_, ok = r.Lookup("uuid-other")
	assert.False(t, ok)
}

func TestRegistry_ReloadKeepsState(t *testing.T) {
	env := newEnv(t)
	env.withFleet("sfr-1", 2, "i-1", "i-2")
	ids := mapIDs{"linux": "uuid-linux"}
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, []config.ControllerConfig{fixedConfig()}, ids, env.deps))
	c, _ := r.Get("linux")
	require.NoError(t, c.Update(ctx))
	require.True(t, c.ScheduleToTerminate("i-1", true, agent.ReasonAgentDeleted))

	cfg := fixedConfig()
	cfg.MaxSize = 20
	cfg.IdleTimeout = 42
	require.NoError(t, r.Apply(ctx, []config.ControllerConfig{cfg}, ids, env.deps))

	reloaded, _ := r.Get("linux")
	assert.Same(t, c, reloaded, "重载不重建控制器")
	assert.Equal(t, 20, reloaded.Config().MaxSize)
	g := groupOf(t, reloaded, "linux")
	assert.Len(t, g.PendingTerminations, 1)
	assert.Equal(t, []string{"i-1", "i-2"}, g.Agents)
}

func TestRegistry_ReloadIdentityChange(t *testing.T) {
	env := newEnv(t)
	env.withFleet("sfr-1", 1, "i-1")
	env.withFleet("sfr-2", 1, "i-9")
	ids := mapIDs{"linux": "uuid-linux"}
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, []config.ControllerConfig{fixedConfig()}, ids, env.deps))
	c, _ := r.Get("linux")
	require.NoError(t, c.Update(ctx))

	cfg := fixedConfig()
	cfg.FleetID = "sfr-2"
	require.NoError(t, r.Apply(ctx, []config.ControllerConfig{cfg}, ids, env.deps))
	g := groupOf(t, c, "linux")
	assert.Equal(t, "sfr-2", g.Identity.FleetID)
	assert.Empty(t, g.Agents)
}

func TestRegistry_ReloadLabelChangeKeepsBinding(t *testing.T) {
	env := newEnv(t)
	env.withFleet("sfr-1", 1, "i-1")
	ids := mapIDs{"linux": "uuid-linux"}
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, []config.ControllerConfig{fixedConfig()}, ids, env.deps))
	c, _ := r.Get("linux")
	require.NoError(t, c.Update(ctx))

	cfg := fixedConfig()
	cfg.Label = "linux-large"
	require.NoError(t, r.Apply(ctx, []config.ControllerConfig{cfg}, ids, env.deps))

	_, err := env.backends.Resolve(fleet.Identity{Kind: fleet.KindMemory, FleetID: "sfr-1"})
	require.NoError(t, err, "同一 fleet 的绑定保留")
	require.NoError(t, c.Update(ctx))
	g := groupOf(t, c, "linux-large")
	assert.Equal(t, []string{"i-1"}, g.Agents)
	_, err = c.Candidates(ctx)
	assert.NoError(t, err)
}

func TestRegistry_RemovedController(t *testing.T) {
	env := newEnv(t)
	ids := mapIDs{"linux": "uuid-linux", "arm": "uuid-arm"}
	r := NewRegistry()
	ctx := context.Background()
	arm := fixedConfig()
	arm.Name, arm.FleetID, arm.Label = "arm", "sfr-arm", "arm"

	require.NoError(t, r.Apply(ctx, []config.ControllerConfig{fixedConfig(), arm}, ids, env.deps))
	require.Len(t, r.All(), 2)
	assert.Equal(t, "arm", r.All()[0].Name())

	require.NoError(t, r.Apply(ctx, []config.ControllerConfig{arm}, ids, env.deps))
	assert.Len(t, r.All(), 1)
	_, ok := r.Lookup("uuid-linux")
	assert.False(t, ok)
}

// downIDs ID 存储不可用
type downIDs struct{}

func (downIDs) OwnerID(ctx context.Context, name string) (string, error) {
	return "", errors.New("etcd unavailable")
}

func TestRegistry_OwnerIDUnavailableKeepsRunning(t *testing.T) {
	env := newEnv(t)
	env.withFleet("sfr-1", 2, "i-1", "i-2")
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, []config.ControllerConfig{fixedConfig()}, mapIDs{"linux": "uuid-linux"}, env.deps))
	c, _ := r.Get("linux")
	require.NoError(t, c.Update(ctx))

	cfg := fixedConfig()
	cfg.MaxSize = 20
	err := r.Apply(ctx, []config.ControllerConfig{cfg}, downIDs{}, env.deps)
	require.Error(t, err)

	kept, ok := r.Lookup("uuid-linux")
	require.True(t, ok, "取不到 ID 时保留运行中的控制器")
	assert.Same(t, c, kept)
	assert.Equal(t, 20, c.Config().MaxSize)
	assert.True(t, env.inPool("i-1"))
	assert.True(t, env.inPool("i-2"))

	// 新增的控制器取不到 ID 时仍然跳过
	arm := fixedConfig()
	arm.Name, arm.FleetID, arm.Label = "arm", "sfr-arm", "arm"
	require.Error(t, r.Apply(ctx, []config.ControllerConfig{cfg, arm}, downIDs{}, env.deps))
	assert.Len(t, r.All(), 1)
}

func TestRegistry_RemovedControllerDetached(t *testing.T) {
	env := newEnv(t)
	env.withFleet("sfr-1", 1, "i-1")
	r := NewRegistry()
	ctx := context.Background()

	require.NoError(t, r.Apply(ctx, []config.ControllerConfig{fixedConfig()}, mapIDs{"linux": "uuid-linux"}, env.deps))
	c, _ := r.Get("linux")
	require.NoError(t, c.Update(ctx))
	planned, err := c.Provision(ctx, "linux", 2)
	require.NoError(t, err)
	require.Len(t, planned, 2)
	require.True(t, env.inPool("i-1"))

	require.NoError(t, r.Apply(ctx, nil, mapIDs{}, env.deps))
	assert.Empty(t, r.All())
	assert.False(t, env.inPool("i-1"), "Agent 移出调度器清单")
	for _, p := range planned {
		assert.Equal(t, onlinegate.StateCancelled, p.State())
	}
	_, err = env.backends.Resolve(fleet.Identity{Kind: fleet.KindMemory, FleetID: "sfr-1"})
	assert.ErrorIs(t, err, fleet.ErrBackendNotRegistered)
	assert.Zero(t, env.mem.Calls().Terminate, "不终止实例")
}

func TestRegistry_PartialFailure(t *testing.T) {
	env := newEnv(t)
	r := NewRegistry()
	broken := fixedConfig()
	broken.Name = "broken"

	err := r.Apply(context.Background(), []config.ControllerConfig{fixedConfig(), broken}, mapIDs{"linux": "uuid-linux"}, env.deps)
	require.Error(t, err)
	_, ok := r.Get("linux")
	assert.True(t, ok, "单个控制器失败不影响其他控制器")
}

func TestRegistry_Register(t *testing.T) {
	env := newEnv(t)
	r := NewRegistry()
	c := env.controller(t, fixedConfig())
	r.Register(c)

	got, ok := r.Controller(c.OwnerID())
	require.True(t, ok)
	assert.Same(t, c, got)
}
