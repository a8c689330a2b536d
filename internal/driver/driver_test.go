package driver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-agents/internal/controller"
	"fleet-agents/internal/metrics"
)

type fakeUpdater struct {
	name  string
	err   error
	panic bool
	calls atomic.Int32
}

func (f *fakeUpdater) Name() string { return f.name }

func (f *fakeUpdater) Update(context.Context) error {
	f.calls.Add(1)
	if f.panic {
		panic("boom")
	}
	return f.err
}

func sourceOf(us ...*fakeUpdater) Source {
	return func() []Updater {
		out := make([]Updater, 0, len(us))
		for _, u := range us {
			out = append(out, u)
		}
		return out
	}
}

func TestTick_IsolatesFailures(t *testing.T) {
	m := metrics.NewForTest()
	ok := &fakeUpdater{name: "ok"}
	failing := &fakeUpdater{name: "failing", err: errors.New("describe failed")}
	panicking := &fakeUpdater{name: "panicking", panic: true}

	d := New(clockwork.NewFakeClock(), time.Minute, sourceOf(ok, failing, panicking), m)
	failed := d.Tick(context.Background())

	assert.Equal(t, 2, failed)
	assert.EqualValues(t, 1, ok.calls.Load())
	assert.EqualValues(t, 1, failing.calls.Load())
	assert.EqualValues(t, 1, panicking.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DriverRunsTotal.WithLabelValues("update", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DriverRunsTotal.WithLabelValues("update", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DriverRunsTotal.WithLabelValues("update", "panic")))

	// panic 之后下个周期照常执行
	assert.Equal(t, 2, d.Tick(context.Background()))
	assert.EqualValues(t, 2, ok.calls.Load())
}

func TestRun_TicksOnInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	u := &fakeUpdater{name: "c1"}
	d := New(clock, time.Minute, sourceOf(u), metrics.NewForTest())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.EqualValues(t, 1, u.calls.Load(), "启动时立即执行一次")

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return u.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_InvalidInterval(t *testing.T) {
	d := New(clockwork.NewFakeClock(), 0, sourceOf(), metrics.NewForTest())
	assert.Error(t, d.Run(context.Background()))
}

func TestFromRegistry_Empty(t *testing.T) {
	src := FromRegistry(controller.NewRegistry())
	assert.Empty(t, src())
	assert.Empty(t, ProvisionersFromRegistry(controller.NewRegistry())())
}
