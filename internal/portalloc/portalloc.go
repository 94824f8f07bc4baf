// Package portalloc chooses free ports for new tunnels from a fixed range,
// using a CSPRNG so allocations are not trivially predictable (spec §4.3,
// design note in spec §9).
package portalloc

import (
	"crypto/rand"
	"math/big"

	"github.com/firefrp/firefrp/internal/domain"
)

// Allocator picks a free port in [lo, hi] given the caller's view of
// currently held ports. It does not itself track state: liveness of an
// allocation is derived from credential status, so the same critical
// section that calls Allocate must also insert the credential that reserves
// the port (spec §4.3 — "allocation must be performed within the same
// single-threaded critical section as the subsequent insert").
type Allocator struct {
	lo, hi int
}

// New creates an Allocator over the inclusive port range [lo, hi].
func New(lo, hi int) *Allocator {
	return &Allocator{lo: lo, hi: hi}
}

// RangeSize returns the number of ports covered by the allocator's range.
func (a *Allocator) RangeSize() int {
	return a.hi - a.lo + 1
}

// Allocate returns a port in [lo, hi] not present in held. It samples
// uniformly at random via crypto/rand up to min(rangeSize, 1000) trials,
// then falls back to a sequential scan. Returns [domain.ErrPoolExhausted]
// when held already covers the whole range.
func (a *Allocator) Allocate(held map[int]struct{}) (int, error) {
	rangeSize := a.RangeSize()
	if len(held) >= rangeSize {
		return 0, domain.ErrPoolExhausted
	}

	trials := rangeSize
	if trials > 1000 {
		trials = 1000
	}
	span := big.NewInt(int64(rangeSize))
	for i := 0; i < trials; i++ {
		n, err := rand.Int(rand.Reader, span)
		if err != nil {
			break
		}
		p := a.lo + int(n.Int64())
		if _, taken := held[p]; !taken {
			return p, nil
		}
	}

	for p := a.lo; p <= a.hi; p++ {
		if _, taken := held[p]; !taken {
			return p, nil
		}
	}
	return 0, domain.ErrPoolExhausted
}

// IsAllocated reports whether p is currently held.
func (a *Allocator) IsAllocated(p int, held map[int]struct{}) bool {
	_, ok := held[p]
	return ok
}

// Release is a no-op: liveness of allocations is derived entirely from
// credential status in the store (spec §4.3).
func (a *Allocator) Release(int) {}
