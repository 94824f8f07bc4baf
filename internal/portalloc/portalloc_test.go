package portalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/firefrp/firefrp/internal/domain"
)

func TestAllocateReturnsPortInRange(t *testing.T) {
	a := New(20000, 20009)
	p, err := a.Allocate(nil)
	require.NoError(t, err)
	require.True(t, p >= 20000 && p <= 20009)
}

func TestAllocateAvoidsHeldPorts(t *testing.T) {
	a := New(20000, 20001)
	held := map[int]struct{}{20000: {}}
	p, err := a.Allocate(held)
	require.NoError(t, err)
	require.Equal(t, 20001, p)
}

func TestAllocateExhaustedPool(t *testing.T) {
	a := New(20000, 20001)
	held := map[int]struct{}{20000: {}, 20001: {}}
	_, err := a.Allocate(held)
	require.ErrorIs(t, err, domain.ErrPoolExhausted)
}

func TestRangeSize(t *testing.T) {
	require.Equal(t, 10000, New(20000, 29999).RangeSize())
	require.Equal(t, 1, New(20000, 20000).RangeSize())
}

func TestIsAllocated(t *testing.T) {
	a := New(20000, 20009)
	held := map[int]struct{}{20005: {}}
	require.True(t, a.IsAllocated(20005, held))
	require.False(t, a.IsAllocated(20006, held))
}
