package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueDeliversInOrder(t *testing.T) {
	var q Queue
	var got []int
	for i := 0; i < 5; i++ {
		i := i
		q.Enqueue(func() { got = append(got, i) })
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.Zero(t, q.Len())
}

func TestQueueReentrantEnqueueRunsAfterCurrent(t *testing.T) {
	var q Queue
	var got []string
	q.Enqueue(func() {
		got = append(got, "outer-start")
		q.Enqueue(func() { got = append(got, "inner") })
		got = append(got, "outer-end")
	})
	assert.Equal(t, []string{"outer-start", "outer-end", "inner"}, got)
}

func TestQueueRecoversFromPanic(t *testing.T) {
	var q Queue
	assert.Panics(t, func() {
		q.Enqueue(func() { panic("boom") })
	})

	ran := false
	q.Enqueue(func() { ran = true })
	assert.True(t, ran)
}

func TestQueuePushDefersDelivery(t *testing.T) {
	var q Queue
	ran := 0
	q.Push(func() { ran++ }, func() { ran++ })
	assert.Equal(t, 0, ran)
	assert.Equal(t, 2, q.Len())

	q.Drain()
	assert.Equal(t, 2, ran)
}
