// Package ipam implements the IP Address Manager (C3): lowest-free
// allocation from disjoint pools within the overlay CIDR, with a cool-down
// window before a released address is reused.
package ipam

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/zerotrust/overlay/internal/apierr"
)

type Pool string

const (
	PoolHub    Pool = "hub"
	PoolNode   Pool = "node"
	PoolClient Pool = "client"
)

// Bounds is the last-octet range [Start, End] of a pool within the overlay
// /24, e.g. node pool 2-99, client pool 100-250.
type Bounds struct {
	Start int
	End   int
}

// Cooldown tracks released-but-not-yet-reusable addresses. A Redis-backed
// implementation (RedisCooldown) and an in-memory implementation
// (MemoryCooldown) both satisfy this.
type Cooldown interface {
	// Release marks ip as released at releasedAt; it must not be
	// reallocated until releasedAt+window.
	Release(ctx context.Context, ip string, releasedAt time.Time, window time.Duration) error
	// InCooldown reports whether ip is still within its cool-down window.
	InCooldown(ctx context.Context, ip string, now time.Time) (bool, error)
}

// Manager allocates and releases addresses for the two disjoint pools (node
// and client) within a single overlay CIDR; the hub address is not
// allocated here.
type Manager struct {
	cidr       *net.IPNet
	nodeBounds Bounds
	clientBounds Bounds
	cooldown   Cooldown
	window     time.Duration

	// allocated tracks in-use last-octets across both pools, independent
	// of the projection (the projection is the source of truth on
	// restart; this in-memory set is an allocation-time fast path
	// populated from it).
	allocated map[int]struct{}
}

func NewManager(cidr string, nodeBounds, clientBounds Bounds, cooldown Cooldown, window time.Duration) (*Manager, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("ipam: invalid overlay cidr %q: %w", cidr, err)
	}
	return &Manager{
		cidr: ipnet, nodeBounds: nodeBounds, clientBounds: clientBounds,
		cooldown: cooldown, window: window,
		allocated: make(map[int]struct{}),
	}, nil
}

// SeedAllocated marks addresses already in use, typically called once at
// startup from the rebuilt projection so a warm restart doesn't hand out
// addresses still held by active nodes/devices.
func (m *Manager) SeedAllocated(lastOctets ...int) {
	for _, o := range lastOctets {
		m.allocated[o] = struct{}{}
	}
}

// Allocate scans the given pool ascending for the lowest free, non-cooldown
// address and reserves it. Returns apierr.PoolExhausted if none is free.
func (m *Manager) Allocate(ctx context.Context, pool Pool, now time.Time) (string, error) {
	var bounds Bounds
	switch pool {
	case PoolNode:
		bounds = m.nodeBounds
	case PoolClient:
		bounds = m.clientBounds
	default:
		return "", apierr.Invalid("ipam: unknown pool " + string(pool))
	}

	base := m.cidr.IP.To4()
	if base == nil {
		return "", apierr.Invariant("ipam: overlay cidr is not IPv4")
	}

	for octet := bounds.Start; octet <= bounds.End; octet++ {
		if _, used := m.allocated[octet]; used {
			continue
		}
		ip := fmt.Sprintf("%d.%d.%d.%d", base[0], base[1], base[2], octet)
		if m.cooldown != nil {
			inCooldown, err := m.cooldown.InCooldown(ctx, ip, now)
			if err != nil {
				return "", apierr.Transient("ipam: cooldown lookup", err)
			}
			if inCooldown {
				continue
			}
		}
		m.allocated[octet] = struct{}{}
		return ip, nil
	}

	return "", apierr.PoolExhausted(fmt.Sprintf("ipam: pool %s exhausted", pool))
}

// Release frees an address, entering it into the cool-down window before
// it can be reallocated.
func (m *Manager) Release(ctx context.Context, ip string, now time.Time) error {
	octet, err := lastOctet(ip)
	if err != nil {
		return err
	}
	delete(m.allocated, octet)
	if m.cooldown != nil {
		if err := m.cooldown.Release(ctx, ip, now, m.window); err != nil {
			return apierr.Transient("ipam: record cooldown", err)
		}
	}
	return nil
}

func lastOctet(ip string) (int, error) {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return 0, apierr.Invalid("ipam: invalid ip " + ip)
	}
	return int(parsed[3]), nil
}
