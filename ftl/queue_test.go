package ftl

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/newhook/zftl/dram"
)

func TestRingQueueFIFO(t *testing.T) {
	assert := assert.New(t)
	mem := dram.New(64)
	q := newRingQueue(mem, 0, 4, 4)

	q.enqueue(10)
	q.enqueue(20)
	q.enqueue(30)
	assert.Equal(3, q.len())
	assert.Equal(uint32(10), q.dequeue())
	assert.Equal(uint32(20), q.dequeue())

	// wrap around the ring
	q.enqueue(40)
	q.enqueue(50)
	q.enqueue(60)
	assert.Equal(4, q.len())
	assert.Equal(uint32(30), q.dequeue())
	assert.Equal(uint32(40), q.dequeue())
	assert.Equal(uint32(50), q.dequeue())
	assert.Equal(uint32(60), q.dequeue())
	assert.True(q.empty())
}

func TestRingQueueByteElements(t *testing.T) {
	assert := assert.New(t)
	mem := dram.New(8)
	q := newRingQueue(mem, 0, 3, 1)

	q.enqueue(1)
	q.enqueue(2)
	assert.Equal(uint32(1), q.dequeue())
	q.enqueue(3)
	q.enqueue(4)
	assert.Equal(uint32(2), q.dequeue())
	assert.Equal(uint32(3), q.dequeue())
	assert.Equal(uint32(4), q.dequeue())
}

func TestRingQueueUnderflowOverflow(t *testing.T) {
	assert := assert.New(t)
	mem := dram.New(16)
	q := newRingQueue(mem, 0, 2, 4)

	assert.Panics(func() { q.dequeue() })
	q.enqueue(1)
	q.enqueue(2)
	assert.Panics(func() { q.enqueue(3) })
}

func TestRingQueueReset(t *testing.T) {
	assert := assert.New(t)
	mem := dram.New(16)
	q := newRingQueue(mem, 0, 4, 4)

	q.enqueue(7)
	q.reset()
	assert.True(q.empty())
	q.enqueue(9)
	assert.Equal(uint32(9), q.dequeue())
}
