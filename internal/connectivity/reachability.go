package connectivity

import (
	"context"
	"net"
	"sync"
	"time"
)

// ReachabilitySource reports whether the host has a usable network link.
// Watch emits the new value on every change until ctx ends.
type ReachabilitySource interface {
	Reachable() bool
	Watch(ctx context.Context) <-chan bool
}

// =====================================================
// Manual source
// =====================================================

// ManualReachability is driven by the host application, which forwards
// its platform's network change events through Set.
type ManualReachability struct {
	mu       sync.Mutex
	value    bool
	watchers []chan bool
}

// NewManualReachability creates a source with the given initial value.
func NewManualReachability(initial bool) *ManualReachability {
	return &ManualReachability{value: initial}
}

// Reachable returns the last value set.
func (r *ManualReachability) Reachable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

// Set records a new reachability value and notifies watchers.
func (r *ManualReachability) Set(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = v
	for _, ch := range r.watchers {
		select {
		case ch <- v:
		default:
		}
	}
}

// Watch returns a channel of reachability values.
func (r *ManualReachability) Watch(ctx context.Context) <-chan bool {
	ch := make(chan bool, 8)
	r.mu.Lock()
	r.watchers = append(r.watchers, ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, w := range r.watchers {
			if w == ch {
				r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
				break
			}
		}
	}()
	return ch
}

// =====================================================
// Interface polling source
// =====================================================

// InterfaceReachability treats the host as reachable while any
// non-loopback interface is up and has an address.
type InterfaceReachability struct {
	pollRate time.Duration
	list     func() ([]net.Interface, error)
	addrs    func(net.Interface) ([]net.Addr, error)
}

// NewInterfaceReachability polls the host's interfaces every pollRate.
func NewInterfaceReachability(pollRate time.Duration) *InterfaceReachability {
	if pollRate <= 0 {
		pollRate = 2 * time.Second
	}
	return &InterfaceReachability{
		pollRate: pollRate,
		list:     net.Interfaces,
		addrs:    func(i net.Interface) ([]net.Addr, error) { return i.Addrs() },
	}
}

// Reachable inspects the interfaces once.
func (r *InterfaceReachability) Reachable() bool {
	ifaces, err := r.list()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := r.addrs(iface)
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// Watch polls until ctx ends and emits changes.
func (r *InterfaceReachability) Watch(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(r.pollRate)
		defer ticker.Stop()

		last := r.Reachable()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := r.Reachable()
				if now == last {
					continue
				}
				last = now
				select {
				case ch <- now:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}
