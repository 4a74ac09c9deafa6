package ranges

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRangeValidity(t *testing.T) {
	assert.True(t, Range{}.Valid()) // the zero value is the single byte [0, 0]
	assert.False(t, Invalid.Valid())
	assert.Equal(t, int64(0), Invalid.Size())

	single := New(0, 0)
	assert.True(t, single.Valid())
	assert.Equal(t, int64(1), single.Size())

	r := New(1, 5)
	assert.True(t, r.Valid())
	assert.Equal(t, int64(5), r.Size())

	assert.False(t, New(5, 1).Valid())
	assert.False(t, New(-1, 3).Valid())
}

func TestRangeIntersects(t *testing.T) {
	r0 := New(0, 0)
	r1 := New(1, 5)
	r2 := New(3, 8)
	r3 := New(6, 10)
	r4 := New(10, 15)

	assert.False(t, r0.Intersects(r1))
	assert.True(t, r1.Intersects(r2))
	assert.True(t, r2.Intersects(r1))
	assert.False(t, r1.Intersects(r3))
	assert.False(t, r1.Intersects(r4))
	assert.True(t, r3.Intersects(r4))
}

func TestRangeMergeable(t *testing.T) {
	r0 := New(0, 0)
	r1 := New(1, 5)
	r2 := New(3, 8)
	r3 := New(6, 10)
	r4 := New(10, 15)

	// adjacent
	assert.True(t, r0.Mergeable(r1))
	assert.True(t, r1.Mergeable(r0))
	assert.True(t, r1.Mergeable(r3))
	assert.True(t, r3.Mergeable(r1))
	// overlapping
	assert.True(t, r1.Mergeable(r2))
	assert.True(t, r2.Mergeable(r3))
	// separated by a gap
	assert.False(t, r1.Mergeable(r4))
	assert.False(t, r4.Mergeable(r1))
	// invalid operands never merge
	assert.False(t, Invalid.Mergeable(r1))
	assert.False(t, r1.Mergeable(Invalid))
}

func TestRangeMerge(t *testing.T) {
	r0 := New(0, 0)
	r1 := New(1, 5)
	r2 := New(3, 8)
	r3 := New(6, 10)
	r4 := New(10, 15)

	assert.Equal(t, New(0, 5), r1.Merge(r0))
	assert.Equal(t, New(1, 8), r1.Merge(r2))
	assert.Equal(t, New(3, 10), r2.Merge(r3))
	assert.Equal(t, Invalid, r1.Merge(r4))

	// union is never smaller than either operand
	for _, pair := range [][2]Range{{r0, r1}, {r1, r2}, {r2, r3}, {r1, r3}} {
		merged := pair[0].Merge(pair[1])
		assert.True(t, merged.Valid())
		assert.GreaterOrEqual(t, merged.Size(), pair[0].Size())
		assert.GreaterOrEqual(t, merged.Size(), pair[1].Size())
	}
}

func TestRangeGap(t *testing.T) {
	r1 := New(1, 5)
	r2 := New(3, 8)
	r3 := New(6, 10)
	r4 := New(10, 15)

	// mergeable pairs have no gap
	assert.Equal(t, Invalid, r2.Gap(r1))
	assert.Equal(t, Invalid, r1.Gap(r3))
	assert.Equal(t, Invalid, r1.Gap(r2))

	gap := r4.Gap(r2)
	assert.Equal(t, New(9, 9), gap)
	assert.Equal(t, int64(1), gap.Size())

	// the gap exactly fills the hole
	wide := New(0, 3)
	far := New(9, 12)
	assert.Equal(t, New(4, 8), wide.Gap(far))
	assert.Equal(t, New(4, 8), far.Gap(wide))
	assert.Equal(t, New(0, 12), wide.Merge(wide.Gap(far)).Merge(far))
}

func TestBlockLifecycle(t *testing.T) {
	b := NewBlock(10, 19)
	assert.Equal(t, Unfilled, b.State)
	assert.Equal(t, int64(10), b.Position)
	assert.Equal(t, int64(10), b.Remaining())

	b.State = Pending
	b.Advance(4)
	assert.Equal(t, Partial, b.State)
	assert.Equal(t, int64(14), b.Position)
	assert.Equal(t, int64(6), b.Remaining())

	b.Advance(6)
	assert.Equal(t, Filled, b.State)
	assert.Equal(t, int64(20), b.Position)
	assert.Equal(t, int64(0), b.Remaining())
}
