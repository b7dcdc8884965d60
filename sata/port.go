package sata

import (
	"fmt"

	"github.com/newhook/zftl/dram"
)

// Port models the host buffer manager: two rings of page-sized DMA
// buffers inside DRAM, the host-side fill/free pointers, and the
// BM_STACK limit registers the firmware advances to release buffers.
//
// The emulated host is always ready, the equivalent of the firmware's
// test mode: staged write payloads are handed over the moment the FTL
// waits on a slot, and read buffers are captured as soon as the FTL
// publishes them, so the busy-wait loops of the real hardware never
// spin here.
type Port struct {
	mem *dram.Memory

	rdBase, wrBase int
	numRd, numWr   int
	bytesPerBuf    int

	wbufPtr int // next write slot the host will fill
	rbufPtr int // next read slot the host will consume

	staged   [][]byte // host payloads not yet handed to a slot
	received [][]byte // read buffers captured from the device
}

func New(mem *dram.Memory, rdBase, wrBase, numRd, numWr, bytesPerBuf int) *Port {
	return &Port{
		mem:         mem,
		rdBase:      rdBase,
		wrBase:      wrBase,
		numRd:       numRd,
		numWr:       numWr,
		bytesPerBuf: bytesPerBuf,
	}
}

func (p *Port) NumRdBuffers() int { return p.numRd }
func (p *Port) NumWrBuffers() int { return p.numWr }

// RdBufAddr returns the DRAM address of a read buffer slot.
func (p *Port) RdBufAddr(id int) int {
	if id < 0 || id >= p.numRd {
		panic(fmt.Sprintf("sata: read buffer %d out of range", id))
	}
	return p.rdBase + id*p.bytesPerBuf
}

// WrBufAddr returns the DRAM address of a write buffer slot.
func (p *Port) WrBufAddr(id int) int {
	if id < 0 || id >= p.numWr {
		panic(fmt.Sprintf("sata: write buffer %d out of range", id))
	}
	return p.wrBase + id*p.bytesPerBuf
}

// WrBufPtr is the SATA-side write pointer the firmware busy-waits on.
func (p *Port) WrBufPtr() int { return p.wbufPtr }

// RdBufPtr is the SATA-side read pointer the firmware busy-waits on.
func (p *Port) RdBufPtr() int { return p.rbufPtr }

// StageWrite queues one buffer of host payload. Each staged buffer
// fills exactly one write slot when the device waits on it; short
// payloads leave the rest of the slot untouched.
func (p *Port) StageWrite(data []byte) {
	if len(data) > p.bytesPerBuf {
		panic(fmt.Sprintf("sata: staged write of %d bytes exceeds buffer", len(data)))
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	p.staged = append(p.staged, buf)
}

// WaitWrite is the device-side wait for host data in slot id. The
// always-ready host satisfies it immediately, moving the next staged
// payload into the slot.
func (p *Port) WaitWrite(id int) {
	if len(p.staged) > 0 {
		p.mem.CopyIn(p.WrBufAddr(id), p.staged[0])
		p.staged = p.staged[1:]
	}
	p.wbufPtr = (id + 1) % p.numWr
}

// SetWriteLimit releases write slots up to id, the BM_STACK_WRSET
// analog. The emulated host needs no bookkeeping beyond the pointer.
func (p *Port) SetWriteLimit(id int) {
	if id < 0 || id >= p.numWr {
		panic(fmt.Sprintf("sata: write limit %d out of range", id))
	}
}

// WaitRead is the device-side wait for the host to free read slot id.
// The always-ready host consumes eagerly, so it never blocks.
func (p *Port) WaitRead(id int) {}

// SetReadLimit publishes read slots up to id (exclusive), the
// BM_STACK_RDSET analog. The host captures every newly published
// buffer so a long transfer can reuse the ring.
func (p *Port) SetReadLimit(id int) {
	if id < 0 || id >= p.numRd {
		panic(fmt.Sprintf("sata: read limit %d out of range", id))
	}
	for p.rbufPtr != id {
		buf := make([]byte, p.bytesPerBuf)
		p.mem.CopyOut(buf, p.RdBufAddr(p.rbufPtr))
		p.received = append(p.received, buf)
		p.rbufPtr = (p.rbufPtr + 1) % p.numRd
	}
}

// DrainRead pops the oldest captured read buffer, or nil when the
// device has published nothing new.
func (p *Port) DrainRead() []byte {
	if len(p.received) == 0 {
		return nil
	}
	buf := p.received[0]
	p.received = p.received[1:]
	return buf
}

// PendingReads reports how many captured read buffers await the host.
func (p *Port) PendingReads() int {
	return len(p.received)
}

// PendingWrites reports how many staged payloads the device has not
// consumed yet.
func (p *Port) PendingWrites() int {
	return len(p.staged)
}
