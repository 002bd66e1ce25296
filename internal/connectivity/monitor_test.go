package connectivity

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	calls   atomic.Int32
	healthy atomic.Bool
	gate    chan struct{}
}

func newFakeProber(healthy bool) *fakeProber {
	p := &fakeProber{}
	p.healthy.Store(healthy)
	return p
}

func (p *fakeProber) Health(ctx context.Context) error {
	p.calls.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !p.healthy.Load() {
		return errors.New("503")
	}
	return nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMonitor(p HealthProber, src ReachabilitySource) (*Monitor, *clock) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	m := NewMonitor(p, src, Config{HealthTTL: 5 * time.Second, Debounce: 20 * time.Millisecond, ProbeInterval: time.Hour})
	m.SetClock(clk.Now)
	return m, clk
}

func TestIsOnline_OneProbeWithinTTL(t *testing.T) {
	p := newFakeProber(true)
	m, clk := newTestMonitor(p, NewManualReachability(true))

	m.IsOnline()
	require.Eventually(t, func() bool { return !m.State().LastHealthCheck.IsZero() }, time.Second, 5*time.Millisecond)

	clk.Advance(time.Second)
	assert.True(t, m.IsOnline())
	assert.EqualValues(t, 1, p.calls.Load())

	clk.Advance(5 * time.Second)
	m.IsOnline()
	require.Eventually(t, func() bool { return p.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestIsOnline_UnhealthyUntilFirstProbe(t *testing.T) {
	p := newFakeProber(true)
	p.gate = make(chan struct{})
	m, _ := newTestMonitor(p, NewManualReachability(true))

	assert.False(t, m.IsOnline())
	close(p.gate)

	assert.True(t, m.IsOnlineFresh(context.Background()))
	assert.True(t, m.IsOnline())
}

func TestIsOnlineFresh_CoalescesConcurrentProbes(t *testing.T) {
	p := newFakeProber(true)
	p.gate = make(chan struct{})
	m, _ := newTestMonitor(p, NewManualReachability(true))

	var wg sync.WaitGroup
	results := make([]bool, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.IsOnlineFresh(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(p.gate)
	wg.Wait()

	assert.EqualValues(t, 1, p.calls.Load())
	for _, r := range results {
		assert.True(t, r)
	}
}

func TestIsOnlineFresh_ProbeErrorMeansUnhealthy(t *testing.T) {
	p := newFakeProber(false)
	m, _ := newTestMonitor(p, NewManualReachability(true))

	assert.False(t, m.IsOnlineFresh(context.Background()))
	st := m.State()
	assert.True(t, st.NetworkReachable)
	assert.False(t, st.BackendHealthy)
	assert.True(t, m.IsOffline())
}

func TestIsOnline_NoNetworkSkipsProbe(t *testing.T) {
	p := newFakeProber(true)
	m, _ := newTestMonitor(p, NewManualReachability(false))

	assert.False(t, m.IsOnline())
	assert.False(t, m.IsOnlineFresh(context.Background()))
	assert.False(t, m.HasNetworkConnection())
	assert.Zero(t, p.calls.Load())
}

func TestIsOnlineFresh_ContextEndsFirst(t *testing.T) {
	p := newFakeProber(true)
	p.gate = make(chan struct{})
	defer close(p.gate)
	m, _ := newTestMonitor(p, NewManualReachability(true))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, m.IsOnlineFresh(ctx))
}

func TestMonitor_ReachabilityFlipProbesAndNotifies(t *testing.T) {
	p := newFakeProber(true)
	src := NewManualReachability(false)
	m, _ := newTestMonitor(p, src)

	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	waiter := m.WaitForOnline(ctx)

	src.Set(true)
	select {
	case online := <-updates:
		assert.True(t, online)
	case <-time.After(2 * time.Second):
		t.Fatal("no online transition")
	}
	select {
	case <-waiter:
	case <-time.After(time.Second):
		t.Fatal("WaitForOnline not released")
	}
	assert.True(t, m.IsOnline())

	src.Set(false)
	select {
	case online := <-updates:
		assert.False(t, online)
	case <-time.After(2 * time.Second):
		t.Fatal("no offline transition")
	}
	assert.False(t, m.IsOnline())
}

func TestMonitor_DebounceSuppressesFlaps(t *testing.T) {
	p := newFakeProber(true)
	src := NewManualReachability(true)
	m, _ := newTestMonitor(p, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()
	require.Eventually(t, m.IsOnline, time.Second, 5*time.Millisecond)

	updates, unsubscribe := m.Subscribe()
	defer unsubscribe()

	src.Set(false)
	src.Set(true)
	time.Sleep(100 * time.Millisecond)

	select {
	case v := <-updates:
		t.Fatalf("unexpected transition to %v", v)
	default:
	}
	assert.True(t, m.HasNetworkConnection())
}

func TestWaitForOnline_AlreadyOnline(t *testing.T) {
	p := newFakeProber(true)
	m, _ := newTestMonitor(p, NewManualReachability(true))
	require.True(t, m.IsOnlineFresh(context.Background()))

	select {
	case <-m.WaitForOnline(context.Background()):
	default:
		t.Fatal("expected closed channel")
	}
}

func TestMonitor_StartStopIdempotent(t *testing.T) {
	m, _ := newTestMonitor(newFakeProber(true), nil)
	ctx := context.Background()
	m.Start(ctx)
	m.Start(ctx)
	m.Stop()
	m.Stop()
}

func TestInterfaceReachability(t *testing.T) {
	r := NewInterfaceReachability(time.Millisecond)
	up := net.Interface{Name: "en0", Flags: net.FlagUp}
	lo := net.Interface{Name: "lo", Flags: net.FlagUp | net.FlagLoopback}
	down := net.Interface{Name: "en1"}

	ifaces := []net.Interface{lo, down}
	var mu sync.Mutex
	r.list = func() ([]net.Interface, error) {
		mu.Lock()
		defer mu.Unlock()
		return ifaces, nil
	}
	r.addrs = func(net.Interface) ([]net.Addr, error) {
		return []net.Addr{&net.IPAddr{IP: net.IPv4(10, 0, 0, 2)}}, nil
	}
	assert.False(t, r.Reachable())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := r.Watch(ctx)

	mu.Lock()
	ifaces = []net.Interface{lo, up}
	mu.Unlock()

	select {
	case v := <-events:
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	broken := NewInterfaceReachability(time.Second)
	broken.list = func() ([]net.Interface, error) { return nil, errors.New("boom") }
	assert.False(t, broken.Reachable())
}
