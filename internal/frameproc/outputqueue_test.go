package frameproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputQueue_GrowthPreservesOrder(t *testing.T) {
	q := NewOutputQueue(8)
	for i := 0; i < 8; i++ {
		require.True(t, q.TryPush(OutputFrame{Data: []byte{byte(i)}}))
	}
	require.False(t, q.TryPush(OutputFrame{Data: []byte{99}}), "queue should be full at capacity")

	// §8: process() returns 10 frames with current capacity 8 -> new
	// capacity is 10*3=30.
	q.EnsureCapacity(10 * OutputQueueGrowthFactor)
	assert.Equal(t, 30, q.Capacity())

	for i := 8; i < 18; i++ {
		require.True(t, q.TryPush(OutputFrame{Data: []byte{byte(i)}}))
	}

	for i := 0; i < 18; i++ {
		f, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, byte(i), f.Data[0], "frames must dequeue in original order")
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestOutputQueue_CapacityNeverShrinks(t *testing.T) {
	q := NewOutputQueue(8)
	q.EnsureCapacity(30)
	q.EnsureCapacity(10)
	assert.Equal(t, 30, q.Capacity())
}

func TestOutputQueue_ClearKeepsCapacity(t *testing.T) {
	q := NewOutputQueue(8)
	q.TryPush(OutputFrame{})
	q.Clear()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 8, q.Capacity())
}
