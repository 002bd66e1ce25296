// Package connectivity decides whether the learning platform is usable right
// now.
//
// Online means two things at once: the host has a network link, and the
// platform backend answered its health probe recently. Health verdicts are
// cached for a short TTL and concurrent probes share one request.
package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/coursely/offline/internal/logging"
	"github.com/coursely/offline/internal/models"
)

// HealthProber checks the backend. Any error means unhealthy.
type HealthProber interface {
	Health(ctx context.Context) error
}

// Config tunes the monitor.
type Config struct {
	ProbeInterval time.Duration // periodic probe while reachable (default 30s)
	ProbeTimeout  time.Duration // bound on one probe (default 5s)
	HealthTTL     time.Duration // how long a verdict is trusted (default 5s)
	Debounce      time.Duration // reachability flap filter (default 300ms)
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
		HealthTTL:     5 * time.Second,
		Debounce:      300 * time.Millisecond,
	}
}

// Monitor tracks connectivity. Reads are lock-free loads of an immutable
// snapshot; writers replace the snapshot whole.
type Monitor struct {
	prober HealthProber
	source ReachabilitySource
	config Config
	now    func() time.Time

	state   atomic.Pointer[models.ConnectivityState]
	writeMu sync.Mutex
	probes  singleflight.Group

	subMu  sync.Mutex
	subs   map[int]chan bool
	nextID int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor. A nil source assumes the network is
// always reachable.
func NewMonitor(prober HealthProber, source ReachabilitySource, config Config) *Monitor {
	def := DefaultConfig()
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = def.ProbeInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	if config.HealthTTL <= 0 {
		config.HealthTTL = def.HealthTTL
	}
	if config.Debounce < 0 {
		config.Debounce = 0
	}
	if source == nil {
		source = NewManualReachability(true)
	}

	m := &Monitor{
		prober: prober,
		source: source,
		config: config,
		now:    time.Now,
		subs:   make(map[int]chan bool),
	}
	m.state.Store(&models.ConnectivityState{NetworkReachable: source.Reachable()})
	return m
}

// SetClock replaces the clock used for TTL decisions.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// =====================================================
// Queries
// =====================================================

// State returns the current snapshot.
func (m *Monitor) State() models.ConnectivityState {
	return *m.state.Load()
}

// HasNetworkConnection reports link-level reachability only.
func (m *Monitor) HasNetworkConnection() bool {
	return m.state.Load().NetworkReachable
}

// IsOnline returns the cached verdict without blocking. A stale verdict
// triggers a background probe and is returned as is.
//
// Until the first probe completes the backend counts as unhealthy, so reads
// made right after Start are served locally. Use IsOnlineFresh to wait for a
// probe.
func (m *Monitor) IsOnline() bool {
	st := m.state.Load()
	if !st.NetworkReachable {
		return false
	}
	if m.stale(st) {
		go m.probe()
	}
	return st.BackendHealthy
}

// IsOffline is the negation of IsOnline.
func (m *Monitor) IsOffline() bool {
	return !m.IsOnline()
}

// IsOnlineFresh returns a verdict no older than the TTL, blocking on a
// probe when the cache is stale. If ctx ends first the cached verdict is
// returned.
func (m *Monitor) IsOnlineFresh(ctx context.Context) bool {
	st := m.state.Load()
	if !st.NetworkReachable {
		return false
	}
	if !m.stale(st) {
		return st.BackendHealthy
	}
	ch := m.probes.DoChan("health", m.runProbe)
	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		return m.state.Load().Online()
	}
}

// Check forces a probe regardless of the cache and returns the result.
func (m *Monitor) Check(ctx context.Context) models.ConnectivityState {
	if m.state.Load().NetworkReachable {
		ch := m.probes.DoChan("health", m.runProbe)
		select {
		case <-ch:
		case <-ctx.Done():
		}
	}
	return m.State()
}

func (m *Monitor) stale(st *models.ConnectivityState) bool {
	return st.LastHealthCheck.IsZero() || m.now().Sub(st.LastHealthCheck) >= m.config.HealthTTL
}

// =====================================================
// Probing
// =====================================================

func (m *Monitor) probe() bool {
	v, _, _ := m.probes.Do("health", m.runProbe)
	return v.(bool)
}

// runProbe performs one health check. It is detached from any caller's
// context since its result is shared.
func (m *Monitor) runProbe() (interface{}, error) {
	healthy := false
	if m.prober != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.ProbeTimeout)
		err := m.prober.Health(ctx)
		cancel()
		healthy = err == nil
		if err != nil {
			logging.Debug("health probe failed", map[string]interface{}{"error": err.Error()})
		}
	}

	m.writeMu.Lock()
	reachable := m.state.Load().NetworkReachable
	next := &models.ConnectivityState{
		NetworkReachable: reachable,
		BackendHealthy:   reachable && healthy,
		LastHealthCheck:  m.now(),
	}
	prev := m.state.Swap(next)
	m.writeMu.Unlock()

	m.notifyIfChanged(prev, next)
	return next.Online(), nil
}

func (m *Monitor) setReachable(reachable bool) {
	m.writeMu.Lock()
	prev := m.state.Load()
	if prev.NetworkReachable == reachable {
		m.writeMu.Unlock()
		return
	}
	next := &models.ConnectivityState{NetworkReachable: reachable}
	if reachable {
		// The old verdict predates the link coming back.
		next.LastHealthCheck = time.Time{}
	} else {
		next.LastHealthCheck = prev.LastHealthCheck
	}
	m.state.Store(next)
	m.writeMu.Unlock()

	logging.Info("network reachability changed", map[string]interface{}{"reachable": reachable})
	m.notifyIfChanged(prev, next)

	if reachable {
		go m.probe()
	}
}

// =====================================================
// Subscriptions
// =====================================================

// Subscribe delivers online/offline transitions. Only the latest value is
// buffered; slow readers miss intermediate flips. Call the returned func to
// unsubscribe.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

// WaitForOnline returns a channel closed once the monitor reports online.
// If ctx ends first the channel is never closed.
func (m *Monitor) WaitForOnline(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if m.state.Load().Online() {
		close(done)
		return done
	}

	ch, unsubscribe := m.Subscribe()
	go func() {
		defer unsubscribe()
		// Re-check after subscribing so a transition in between is not lost.
		if m.state.Load().Online() {
			close(done)
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case online := <-ch:
				if online {
					close(done)
					return
				}
			}
		}
	}()
	return done
}

func (m *Monitor) notifyIfChanged(prev, next *models.ConnectivityState) {
	if prev.Online() == next.Online() {
		return
	}
	online := next.Online()
	logging.Info("connectivity changed", map[string]interface{}{"online": online})

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- online:
		default:
		}
	}
}

// =====================================================
// Lifecycle
// =====================================================

// Start begins watching reachability and probing periodically.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.setReachable(m.source.Reachable())

	m.wg.Add(2)
	go m.reachabilityLoop(ctx)
	go m.probeLoop(ctx)

	logging.Info("connectivity monitor started", map[string]interface{}{
		"probe_interval": m.config.ProbeInterval.String(),
		"health_ttl":     m.config.HealthTTL.String(),
	})
}

// Stop ends the background loops and waits for them.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	logging.Info("connectivity monitor stopped", nil)
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	if m.HasNetworkConnection() {
		m.probe()
	}

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.HasNetworkConnection() {
				m.probe()
			}
		}
	}
}

// reachabilityLoop applies reachability events once they have been stable
// for the debounce window.
func (m *Monitor) reachabilityLoop(ctx context.Context) {
	defer m.wg.Done()

	events := m.source.Watch(ctx)
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			pending = v
			if m.config.Debounce == 0 {
				m.setReachable(v)
				continue
			}
			if timer == nil {
				timer = time.NewTimer(m.config.Debounce)
			} else {
				timer.Reset(m.config.Debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			m.setReachable(pending)
		}
	}
}
