package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushWithinCapacityPreservesOrder(t *testing.T) {
	b := New[int](4)
	b.Push(1)
	b.Push(2)
	b.Push(3)

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []int{1, 2, 3}, b.Snapshot())
}

func TestPushBeyondCapacityEvictsOldest(t *testing.T) {
	b := New[int](3)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}

	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []int{3, 4, 5}, b.Snapshot())
}

func TestLastReturnsMostRecentN(t *testing.T) {
	b := New[int](5)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}

	assert.Equal(t, []int{4, 5}, b.Last(2))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, b.Last(10))
}

func TestClearResetsBuffer(t *testing.T) {
	b := New[int](3)
	b.Push(1)
	b.Push(2)
	b.Clear()

	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Snapshot())

	b.Push(9)
	assert.Equal(t, []int{9}, b.Snapshot())
}

func TestRemoveWhereCompactsInPlace(t *testing.T) {
	b := New[int](5)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}

	removed := b.RemoveWhere(func(v int) bool { return v%2 == 0 })

	assert.Equal(t, 2, removed)
	assert.Equal(t, []int{1, 3, 5}, b.Snapshot())
}

func TestNewClampsNonPositiveCapacity(t *testing.T) {
	b := New[int](0)
	b.Push(1)
	b.Push(2)

	assert.Equal(t, 1, b.Len())
	assert.Equal(t, []int{2}, b.Snapshot())
}

func TestMinMaxFloat64(t *testing.T) {
	min, max, ok := MinMaxFloat64([]float64{3.2, -1.5, 9.9, 0})
	assert.True(t, ok)
	assert.Equal(t, -1.5, min)
	assert.Equal(t, 9.9, max)

	_, _, ok = MinMaxFloat64(nil)
	assert.False(t, ok)
}
