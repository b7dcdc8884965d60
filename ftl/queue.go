package ftl

import (
	"fmt"

	"github.com/newhook/zftl/dram"
)

// ringQueue is a fixed-capacity ring over a DRAM-resident array. The
// free block group queue and the open id queue both use it. Unlike the
// bare head/tail pair of the original firmware it carries an occupancy
// count, so underflow and overflow are hard failures instead of silent
// wraparound reads.
type ringQueue struct {
	mem      *dram.Memory
	base     int
	capacity int
	elemSize int // 1 or 4 bytes

	head  int
	tail  int
	count int
}

func newRingQueue(mem *dram.Memory, base, capacity, elemSize int) *ringQueue {
	if elemSize != 1 && elemSize != 4 {
		panic(fmt.Sprintf("ftl: unsupported queue element size %d", elemSize))
	}
	return &ringQueue{mem: mem, base: base, capacity: capacity, elemSize: elemSize}
}

func (q *ringQueue) reset() {
	q.head, q.tail, q.count = 0, 0, 0
}

func (q *ringQueue) len() int    { return q.count }
func (q *ringQueue) empty() bool { return q.count == 0 }

func (q *ringQueue) enqueue(v uint32) {
	if q.count == q.capacity {
		panic("ftl: queue overflow")
	}
	addr := q.base + (q.tail%q.capacity)*q.elemSize
	if q.elemSize == 1 {
		q.mem.Write8(addr, uint8(v))
	} else {
		q.mem.Write32(addr, v)
	}
	q.tail = (q.tail + 1) % q.capacity
	q.count++
}

func (q *ringQueue) dequeue() uint32 {
	if q.count == 0 {
		panic("ftl: queue underflow")
	}
	addr := q.base + (q.head%q.capacity)*q.elemSize
	var v uint32
	if q.elemSize == 1 {
		v = uint32(q.mem.Read8(addr))
	} else {
		v = q.mem.Read32(addr)
	}
	q.head = (q.head + 1) % q.capacity
	q.count--
	return v
}
