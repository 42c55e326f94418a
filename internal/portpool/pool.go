// Package portpool hands out free TCP server ports to concurrently running
// tests. Ports are drawn from outside the OS ephemeral range, verified with
// a real bind, and returned to the back of the queue on release.
package portpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Sentinel errors.
var (
	ErrNoPortsAvailable = errors.New("no ports available")
	ErrNotLeased        = errors.New("port not leased")
)

// DefaultAcquireTimeout is used when Config.AcquireTimeout is zero.
const DefaultAcquireTimeout = 60 * time.Second

// Family is the address family a port is probed for.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

// String returns "ipv4" or "ipv6".
func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// Network returns the net package network name for f.
func (f Family) Network() string {
	if f == IPv6 {
		return "tcp6"
	}
	return "tcp4"
}

// ParseFamily accepts "ipv4", "ipv6", "tcp4" or "tcp6". Empty means IPv4.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ipv4", "tcp4", "inet":
		return IPv4, nil
	case "ipv6", "tcp6", "inet6":
		return IPv6, nil
	default:
		return IPv4, fmt.Errorf("unknown address family %q", s)
	}
}

// Prober checks that addr can be bound. A non-nil error means in use.
type Prober func(network, addr string) error

// ListenProbe binds addr and closes the listener again.
func ListenProbe(network, addr string) error {
	l, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	return l.Close()
}

// Config holds configuration for a Pool.
type Config struct {
	ExcludedPorts  []int // nil uses DefaultExcludedPorts
	AcquireTimeout time.Duration
	Backoff        BackoffConfig
	Seed           int64 // shuffle and jitter seed; 0 uses the clock
	Probe          Prober
	Logger         *slog.Logger

	// OnLease is called after every successful Acquire and Release with
	// the number of ports currently leased.
	OnLease func(inUse int)
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Available   int
	InUse       int
	TotalLeased int
	Peak        int
}

// Pool is a shared, bounded set of candidate server ports.
//
// The ring and leased set are guarded by mu. Bind probes are serialized by
// probeMu so overlapping probes cannot report each other's ports as busy.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	ring        *ring
	leased      map[int]struct{}
	totalLeased int
	peak        int

	probeMu sync.Mutex
	calls   atomic.Int64
}

// New builds a pool from the OS ephemeral range, shuffled with cfg.Seed.
func New(cfg Config) *Pool {
	cfg = withDefaults(cfg)

	low, high, err := EphemeralRange()
	if err != nil {
		cfg.Logger.Warn("ephemeral_range_unavailable",
			"error", err,
			"default_low", low,
			"default_high", high,
		)
	}

	ports := ServerPorts(low, high, cfg.ExcludedPorts)
	rand.New(rand.NewSource(cfg.Seed)).Shuffle(len(ports), func(i, j int) {
		ports[i], ports[j] = ports[j], ports[i]
	})

	cfg.Logger.Debug("port_pool_created",
		"ephemeral_low", low,
		"ephemeral_high", high,
		"candidates", len(ports),
	)
	return newPool(ports, cfg)
}

// NewWithPorts builds a pool over an explicit candidate list, in order.
// Duplicates and excluded ports are dropped.
func NewWithPorts(ports []int, cfg Config) *Pool {
	cfg = withDefaults(cfg)

	skip := make(map[int]struct{}, len(cfg.ExcludedPorts))
	for _, p := range cfg.ExcludedPorts {
		skip[p] = struct{}{}
	}
	unique := make([]int, 0, len(ports))
	for _, p := range ports {
		if _, ok := skip[p]; ok {
			continue
		}
		skip[p] = struct{}{}
		unique = append(unique, p)
	}
	return newPool(unique, cfg)
}

func withDefaults(cfg Config) Config {
	if cfg.ExcludedPorts == nil {
		cfg.ExcludedPorts = DefaultExcludedPorts
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.Probe == nil {
		cfg.Probe = ListenProbe
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return cfg
}

func newPool(ports []int, cfg Config) *Pool {
	r := newRing(len(ports))
	for _, p := range ports {
		r.push(p)
	}
	return &Pool{
		cfg:    cfg,
		logger: cfg.Logger,
		ring:   r,
		leased: make(map[int]struct{}),
	}
}

// Acquire leases a port that is free on every host for family. An empty
// hosts list probes all interfaces. Busy candidates go to the back of the
// queue and the call retries with backoff until AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context, hosts []string, family Family) (int, error) {
	start := time.Now()
	deadline := start.Add(p.cfg.AcquireTimeout)
	backoff := NewBackoff(p.cfg.Seed^p.calls.Add(1), p.cfg.Backoff)

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		if port, ok := p.pop(); ok {
			err := p.probe(port, hosts, family)
			if err == nil {
				inUse := p.lease(port)
				p.logger.Debug("port_acquired",
					"port", port,
					"family", family.String(),
					"attempts", backoff.Attempts()+1,
				)
				if p.cfg.OnLease != nil {
					p.cfg.OnLease(inUse)
				}
				return port, nil
			}
			p.pushBack(port)
			p.logger.Debug("port_in_use", "port", port, "error", err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.logger.Warn("port_acquire_failed",
				"timeout", p.cfg.AcquireTimeout.String(),
				"attempts", backoff.Attempts()+1,
			)
			return 0, fmt.Errorf("%w: none free after %s", ErrNoPortsAvailable, time.Since(start).Round(time.Millisecond))
		}

		delay := backoff.Next()
		if delay > remaining {
			delay = remaining
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}
}

// Release returns a leased port to the back of the queue.
func (p *Pool) Release(port int) error {
	p.mu.Lock()
	if _, ok := p.leased[port]; !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotLeased, port)
	}
	delete(p.leased, port)
	p.ring.push(port)
	inUse := len(p.leased)
	p.mu.Unlock()

	p.logger.Debug("port_released", "port", port)
	if p.cfg.OnLease != nil {
		p.cfg.OnLease(inUse)
	}
	return nil
}

// Stats returns a usage snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Available:   p.ring.len(),
		InUse:       len(p.leased),
		TotalLeased: p.totalLeased,
		Peak:        p.peak,
	}
}

// Capacity returns the number of candidate ports.
func (p *Pool) Capacity() int {
	return p.ring.capacity()
}

func (p *Pool) pop() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring.pop()
}

func (p *Pool) pushBack(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring.push(port)
}

func (p *Pool) lease(port int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leased[port] = struct{}{}
	p.totalLeased++
	if n := len(p.leased); n > p.peak {
		p.peak = n
	}
	return len(p.leased)
}

func (p *Pool) probe(port int, hosts []string, family Family) error {
	p.probeMu.Lock()
	defer p.probeMu.Unlock()

	if len(hosts) == 0 {
		hosts = []string{""}
	}
	for _, host := range hosts {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		if err := p.cfg.Probe(family.Network(), addr); err != nil {
			return err
		}
	}
	return nil
}
