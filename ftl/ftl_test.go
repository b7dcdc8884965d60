package ftl

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testGeom() Geometry {
	return Geometry{
		NumBanks:       4,
		VblksPerBank:   32,
		PagesPerBlk:    16,
		SectorsPerPage: 8,
		BytesPerSector: 64,
		DegZone:        2,
		NPage:          16,
		NZone:          12,
		MaxOpenZone:    4,
		NumRdBuffers:   8,
		NumWrBuffers:   8,
		RandSeedBlks:   8,
		FormatMarkPage: 1,
	}
}

func newTestFTL(t *testing.T) *FTL {
	t.Helper()
	f, err := New(testGeom(), nil, Options{})
	if err != nil {
		t.Fatalf("new ftl: %v", err)
	}
	if err := f.Open(); err != nil {
		t.Fatalf("open ftl: %v", err)
	}
	return f
}

// pattern builds deterministic sector payloads keyed by a tag.
func pattern(tag, n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = uint8(tag*31 + i*7 + 1)
	}
	return data
}

// stageWrite splits a host payload into page-sized DMA buffers with
// each sector at its natural in-page offset, the way the SATA buffer
// manager presents them, and stages them on the port.
func stageWrite(f *FTL, lba int, data []byte) {
	g := f.Geometry()
	bps := g.BytesPerSector
	spp := g.SectorsPerPage
	if len(data)%bps != 0 {
		panic("stageWrite: payload must be whole sectors")
	}
	numSectors := len(data) / bps
	off := 0
	for numSectors > 0 {
		sect := lba % spp
		n := spp - sect
		if n > numSectors {
			n = numSectors
		}
		buf := make([]byte, g.BytesPerPage())
		copy(buf[sect*bps:], data[off:off+n*bps])
		f.Port().StageWrite(buf)
		off += n * bps
		lba += n
		numSectors -= n
	}
}

// hostWrite stages the payload and issues the write command.
func hostWrite(f *FTL, lba int, data []byte) {
	stageWrite(f, lba, data)
	f.Write(lba, len(data)/f.Geometry().BytesPerSector)
}

// hostRead issues a read command and reassembles the sectors the
// device published, one buffer per touched page.
func hostRead(f *FTL, lba, numSectors int) []byte {
	g := f.Geometry()
	bps := g.BytesPerSector
	spp := g.SectorsPerPage
	f.Read(lba, numSectors)

	out := make([]byte, 0, numSectors*bps)
	for numSectors > 0 {
		buf := f.Port().DrainRead()
		if buf == nil {
			panic("hostRead: device published too few buffers")
		}
		sect := lba % spp
		n := spp - sect
		if n > numSectors {
			n = numSectors
		}
		out = append(out, buf[sect*bps:(sect+n)*bps]...)
		lba += n
		numSectors -= n
	}
	for f.Port().DrainRead() != nil {
	}
	return out
}

func allFF(data []byte) bool {
	for _, b := range data {
		if b != 0xFF {
			return false
		}
	}
	return true
}

func TestOpenLaysOutDevice(t *testing.T) {
	assert := assert.New(t)
	f := newTestFTL(t)
	g := f.Geometry()

	// block 0, the misc block and one map block per bank, then the gc
	// reserve, then eight seeded random write blocks
	assert.Equal(3, g.MetaBlksPerBank())
	assert.Equal(12, f.RandWriteBlks())
	assert.Equal(0, f.OpenZones())

	for bank := 0; bank < g.NumBanks; bank++ {
		assert.Equal(uint32(8), f.misc[bank].freeBlkCnt)
		assert.Equal(uint32(3), f.misc[bank].gcVblock)
		assert.Equal(uint32(4*g.PagesPerBlk), f.misc[bank].curWriteVpn)
		assert.Equal(VCMax, f.rawVcount(bank, 3), "gc reserve carries the sentinel")
	}

	for zone := 0; zone < g.NZone; zone++ {
		assert.Equal(ZoneEmpty, f.zoneState(zone))
		assert.Equal(zone*g.ZoneSize(), f.zoneSLBA(zone))
		assert.Equal(zone*g.ZoneSize(), f.zoneWP(zone))
		assert.Equal(-1, f.zoneFBG(zone))
	}
}

func TestGeometryValidation(t *testing.T) {
	assert := assert.New(t)

	tests := []struct {
		name   string
		mutate func(*Geometry)
	}{
		{name: "deg zone must divide banks", mutate: func(g *Geometry) { g.DegZone = 3 }},
		{name: "npage bound by block", mutate: func(g *Geometry) { g.NPage = 17 }},
		{name: "need a zoned region", mutate: func(g *Geometry) { g.NZone = 6 }},
		{name: "magic payloads need eight sectors", mutate: func(g *Geometry) { g.SectorsPerPage = 4 }},
		{name: "blocks for metadata", mutate: func(g *Geometry) { g.VblksPerBank = 10 }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g := testGeom()
			test.mutate(&g)
			assert.Error(g.Validate())
		})
	}
}

func TestMagicZoneReset(t *testing.T) {
	assert := assert.New(t)
	f := newTestFTL(t)
	g := f.Geometry()

	zone := 6
	fillZone(t, f, zone, 0)
	assert.Equal(ZoneFull, f.zoneState(zone))

	payload := make([]byte, g.BytesPerPage())
	binary.LittleEndian.PutUint32(payload[cmdResetLBA*g.BytesPerSector:], uint32(zone))
	f.Port().StageWrite(payload)
	f.Write(cmdResetLBA, cmdResetLen)

	assert.Equal(ZoneEmpty, f.zoneState(zone))
	assert.Equal(-1, f.zoneFBG(zone))
}

func TestMagicStatsDump(t *testing.T) {
	assert := assert.New(t)
	f := newTestFTL(t)

	f.Read(cmdStatsLBA, cmdStatsLen)
	assert.Equal(1, f.Port().PendingReads(), "stats dump still hands a buffer back")
	f.Port().DrainRead()
}

func TestZoneDescs(t *testing.T) {
	assert := assert.New(t)
	f := newTestFTL(t)
	g := f.Geometry()

	hostWrite(f, 6*g.ZoneSize(), pattern(1, g.BytesPerPage()))

	descs := f.ZoneDescs(6, 2)
	assert.Equal(ZoneOpen, descs[0].State)
	assert.Equal(6*g.ZoneSize(), descs[0].SLBA)
	assert.Equal(6*g.ZoneSize()+g.SectorsPerPage, descs[0].WP)
	assert.Equal(ZoneEmpty, descs[1].State)
	assert.Equal(7*g.ZoneSize(), descs[1].WP)
}

func TestHostWriteCounter(t *testing.T) {
	assert := assert.New(t)
	f := newTestFTL(t)
	g := f.Geometry()

	hostWrite(f, 0, pattern(0, g.BytesPerPage()))
	assert.Equal(uint32(1), f.Stats(0).HostWrite)
	assert.Equal(uint32(1), f.Stats(0).NandWrite)
	assert.Equal(uint32(1), f.Stats(0).PageWCount)
}
