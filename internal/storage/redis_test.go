package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-agents/internal/agent"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client), mr
}

func TestNewRedisStore_InvalidURL(t *testing.T) {
	_, err := NewRedisStore("not-a-url")
	assert.Error(t, err)
}

func TestNewRedisStore_Connects(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	defer s.Close()
	assert.NotNil(t, s.Client())
}

func TestQueueLength(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	n, err := s.QueueLength(ctx, "linux")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "队列不存在时为 0")

	_, err = mr.Push(keyQueue+"linux", "t1", "t2", "t3")
	require.NoError(t, err)
	_, err = mr.Push(keyQueue+"windows", "t4")
	require.NoError(t, err)

	n, err = s.QueueLength(ctx, "linux")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAgentMirror(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	a := agent.New(agent.Options{InstanceID: "i-1", Label: "linux", ExecutorCount: 2})
	require.NoError(t, s.PutAgent(ctx, a.Snapshot()))
	require.NoError(t, s.PutAgent(ctx, agent.New(agent.Options{InstanceID: "i-2"}).Snapshot()))

	// 非法数据被跳过
	mr.HSet(keyAgents, "i-bad", "{")

	list, err := s.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	byID := map[string]agent.Snapshot{}
	for _, snap := range list {
		byID[snap.InstanceID] = snap
	}
	assert.Equal(t, "linux", byID["i-1"].Label)
	assert.Equal(t, 2, byID["i-1"].ExecutorCount)

	require.NoError(t, s.DeleteAgent(ctx, "i-1"))
	list, err = s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestOnline_FollowsHeartbeat(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	assert.False(t, s.Online(ctx, "i-1"))

	require.NoError(t, s.Heartbeat(ctx, "i-1", 10*time.Second))
	assert.True(t, s.Online(ctx, "i-1"))

	mr.FastForward(11 * time.Second)
	assert.False(t, s.Online(ctx, "i-1"), "心跳过期后离线")
}

func TestReconnect_Delivered(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.SubscribeReconnects(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Reconnect(ctx, "i-7"))

	select {
	case id := <-ch:
		assert.Equal(t, "i-7", id)
	case <-time.After(2 * time.Second):
		t.Fatal("未收到重连请求")
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
