// Package registry implements the owner-gated capability table consulted on
// the settlement path.
//
// Each address carries a two-bit capability set: whether it may initiate
// settlements (CapCaller) and whether it may receive consolidated funds
// (CapTreasury). Writes fully replace the previous entry. In particular,
// granting CapCaller and then CapTreasury in two separate calls leaves only
// CapTreasury set; an address needing both must be granted the combined
// mask in a single call.
package registry

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Capability is a per-address permission bitmask.
type Capability uint8

const (
	// CapNone revokes all capabilities.
	CapNone Capability = 0
	// CapCaller marks an address as allowed to initiate settlements.
	CapCaller Capability = 1 << 0
	// CapTreasury marks an address as an allowed settlement destination.
	CapTreasury Capability = 1 << 1
)

// Has reports whether every bit of want is set.
func (c Capability) Has(want Capability) bool { return c&want == want }

var (
	// ErrUnauthorized is returned when a mutating call does not come from
	// the current owner.
	ErrUnauthorized = errors.New("registry: caller is not the owner")
	// ErrZeroOwner is returned when ownership would be transferred to the
	// zero address.
	ErrZeroOwner = errors.New("registry: new owner must not be the zero address")
)

// Registry is a concurrency-safe capability table with a single owner.
// Every mutation is atomic; readers never observe a half-applied write.
type Registry struct {
	mu    sync.RWMutex
	owner common.Address
	perms map[common.Address]Capability
}

// New creates a registry owned by owner.
func New(owner common.Address) (*Registry, error) {
	if owner == (common.Address{}) {
		return nil, ErrZeroOwner
	}
	return &Registry{
		owner: owner,
		perms: make(map[common.Address]Capability),
	}, nil
}

// SetPermissions overwrites target's capability set. Owner only.
func (r *Registry) SetPermissions(caller, target common.Address, mask Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.owner {
		return ErrUnauthorized
	}
	r.perms[target] = mask
	return nil
}

// IsAllowedCaller reports whether addr holds CapCaller.
func (r *Registry) IsAllowedCaller(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.perms[addr].Has(CapCaller)
}

// IsAllowedTreasury reports whether addr holds CapTreasury.
func (r *Registry) IsAllowedTreasury(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.perms[addr].Has(CapTreasury)
}

// IsAllowedCallerAndTreasury checks both capabilities in one read. This is
// the hot-path check used by the routing engine before moving any funds.
func (r *Registry) IsAllowedCallerAndTreasury(caller, treasury common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.perms[caller].Has(CapCaller) && r.perms[treasury].Has(CapTreasury)
}

// TransferOwnership hands the registry to newOwner. Owner only; the zero
// address is rejected.
func (r *Registry) TransferOwnership(caller, newOwner common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.owner {
		return ErrUnauthorized
	}
	if newOwner == (common.Address{}) {
		return ErrZeroOwner
	}
	r.owner = newOwner
	return nil
}

// Owner returns the current owner.
func (r *Registry) Owner() common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner
}
