package sata

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/newhook/zftl/dram"
)

func testPort() (*Port, *dram.Memory) {
	mem := dram.New(4 * 32 * 2)
	return New(mem, 0, 4*32, 4, 4, 32), mem
}

func TestStagedWriteFillsSlotOnWait(t *testing.T) {
	assert := assert.New(t)
	port, mem := testPort()

	payload := []byte{1, 2, 3, 4}
	port.StageWrite(payload)
	assert.Equal(1, port.PendingWrites())

	port.WaitWrite(0)
	assert.Equal(0, port.PendingWrites())
	assert.Equal(1, port.WrBufPtr())

	got := make([]byte, 4)
	mem.CopyOut(got, port.WrBufAddr(0))
	assert.Equal(payload, got)
}

func TestWaitWriteWithoutStagedDataAdvancesPointer(t *testing.T) {
	assert := assert.New(t)
	port, _ := testPort()

	port.WaitWrite(2)
	assert.Equal(3, port.WrBufPtr())
}

func TestReadCaptureOrdering(t *testing.T) {
	assert := assert.New(t)
	port, mem := testPort()

	mem.Set(port.RdBufAddr(0), 0xAA, 32)
	port.SetReadLimit(1)
	mem.Set(port.RdBufAddr(1), 0xBB, 32)
	port.SetReadLimit(2)

	assert.Equal(2, port.PendingReads())
	first := port.DrainRead()
	second := port.DrainRead()
	assert.Equal(uint8(0xAA), first[0])
	assert.Equal(uint8(0xBB), second[0])
	assert.Nil(port.DrainRead())
}

func TestReadRingWrapsWithoutLosingBuffers(t *testing.T) {
	assert := assert.New(t)
	port, mem := testPort()

	// publish six buffers through a four slot ring
	id := 0
	for i := 0; i < 6; i++ {
		mem.Set(port.RdBufAddr(id), uint8(i), 32)
		id = (id + 1) % port.NumRdBuffers()
		port.SetReadLimit(id)
	}

	assert.Equal(6, port.PendingReads())
	for i := 0; i < 6; i++ {
		buf := port.DrainRead()
		assert.Equal(uint8(i), buf[0])
	}
}

func TestOversizedStagePanics(t *testing.T) {
	assert := assert.New(t)
	port, _ := testPort()
	assert.Panics(func() { port.StageWrite(make([]byte, 33)) })
}
