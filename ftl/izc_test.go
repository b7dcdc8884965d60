package ftl

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

// readZone captures the full read trace of a zone.
func readZone(f *FTL, zone int) []byte {
	g := f.Geometry()
	out := make([]byte, 0, g.ZoneSize()*g.BytesPerSector)
	slba := zone * g.ZoneSize()
	for page := 0; page < g.ZoneSize()/g.SectorsPerPage; page++ {
		out = append(out, hostRead(f, slba+page*g.SectorsPerPage, g.SectorsPerPage)...)
	}
	return out
}

func identityList(g Geometry) []uint32 {
	list := make([]uint32, g.DegZone*g.NPage)
	for i := range list {
		list[i] = uint32(i)
	}
	return list
}

func TestIZCIdentityCopy(t *testing.T) {
	assert := assert.New(t)
	f := newTestFTL(t)

	src, dst := 6, 7
	fillZone(t, f, src, 0)
	want := readZone(f, src)

	f.IZC(src, dst, identityList(f.Geometry()))

	assert.Equal(ZoneEmpty, f.zoneState(src))
	assert.Equal(-1, f.zoneFBG(src))
	assert.Equal(ZoneFull, f.zoneState(dst))
	assert.Equal(0, f.OpenZones(), "full-length copy closes the destination")
	assert.Equal(want, readZone(f, dst), "destination trace matches the source")
}

func TestIZCSelectsPagesByList(t *testing.T) {
	assert := assert.New(t)
	f := newTestFTL(t)
	g := f.Geometry()

	src, dst := 6, 8
	fillZone(t, f, src, 0)

	// compact three scattered pages to the front of the destination
	list := []uint32{5, 0, 17}
	f.IZC(src, dst, list)

	assert.Equal(ZoneEmpty, f.zoneState(src))
	assert.Equal(ZoneOpen, f.zoneState(dst))
	assert.Equal(dst*g.ZoneSize()+len(list)*g.SectorsPerPage, f.zoneWP(dst))

	for i, srcPage := range list {
		got := hostRead(f, dst*g.ZoneSize()+i*g.SectorsPerPage, g.SectorsPerPage)
		assert.Equal(zonePattern(src, int(srcPage), g.BytesPerPage()), got, "list entry %d", i)
	}
}

func TestIZCPartialThenHostCompletes(t *testing.T) {
	assert := assert.New(t)
	f := newTestFTL(t)
	g := f.Geometry()

	src, dst := 6, 7
	fillZone(t, f, src, 0)

	full := g.DegZone * g.NPage
	f.IZC(src, dst, identityList(g)[:full-1])

	assert.Equal(ZoneOpen, f.zoneState(dst))
	assert.Equal(1, f.OpenZones())
	wp := f.zoneWP(dst)
	assert.Equal(dst*g.ZoneSize()+(full-1)*g.SectorsPerPage, wp)

	// the host finishes the final page at the write pointer
	hostWrite(f, wp, zonePattern(dst, full-1, g.BytesPerPage()))
	assert.Equal(ZoneFull, f.zoneState(dst))
	assert.Equal(0, f.OpenZones())
	assert.Equal(zonePattern(dst, full-1, g.BytesPerPage()),
		hostRead(f, dst*g.ZoneSize()+(full-1)*g.SectorsPerPage, g.SectorsPerPage))
}

func TestIZCRequiresFullSourceAndEmptyDestination(t *testing.T) {
	assert := assert.New(t)
	f := newTestFTL(t)
	g := f.Geometry()

	tests := []struct {
		name  string
		setup func() (src, dst int)
	}{
		{
			name:  "empty source",
			setup: func() (int, int) { return 6, 7 },
		},
		{
			name: "open destination",
			setup: func() (int, int) {
				fillZone(t, f, 8, 0)
				hostWrite(f, 9*g.ZoneSize(), zonePattern(9, 0, g.BytesPerPage()))
				return 8, 9
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			src, dst := test.setup()
			before := f.zoneState(dst)
			f.IZC(src, dst, identityList(g))
			assert.Equal(before, f.zoneState(dst), "states unchanged")
		})
	}
}

func TestIZCMagicCommand(t *testing.T) {
	assert := assert.New(t)
	f := newTestFTL(t)
	g := f.Geometry()

	src, dst := 6, 7
	fillZone(t, f, src, 0)
	want := readZone(f, src)

	list := identityList(g)
	payload := make([]byte, g.BytesPerPage())
	base := cmdIZCLBA * g.BytesPerSector
	binary.LittleEndian.PutUint32(payload[base:], uint32(src))
	binary.LittleEndian.PutUint32(payload[base+4:], uint32(dst))
	binary.LittleEndian.PutUint32(payload[base+8:], uint32(len(list)))
	for i, v := range list {
		binary.LittleEndian.PutUint32(payload[base+12+i*4:], v)
	}
	f.Port().StageWrite(payload)
	f.Write(cmdIZCLBA, cmdIZCLen)

	assert.Equal(ZoneFull, f.zoneState(dst))
	assert.Equal(ZoneEmpty, f.zoneState(src))
	assert.Equal(want, readZone(f, dst))
}

func TestTLOpenAllKeepBitsRemapsInPlace(t *testing.T) {
	assert := assert.New(t)
	f := newTestFTL(t)
	g := f.Geometry()

	zone := 6
	fillZone(t, f, zone, 0)
	want := readZone(f, zone)
	oldFBG := f.zoneFBG(zone)
	queued := f.fbq.len()

	bitmap := make([]byte, g.DegZone*g.NPage)
	for i := range bitmap {
		bitmap[i] = 1
	}
	f.TLOpen(zone, bitmap)

	assert.Equal(ZoneFull, f.zoneState(zone), "all-keep bitmap completes at once")
	assert.Equal(0, f.OpenZones())
	assert.NotEqual(oldFBG, f.zoneFBG(zone), "zone moved to the fresh block group")
	assert.Equal(queued, f.fbq.len(), "one group taken, the old one returned")
	assert.Equal(want, readZone(f, zone), "content unchanged after the remap")
}

func TestTLOpenSingleKeepBit(t *testing.T) {
	assert := assert.New(t)
	f := newTestFTL(t)
	g := f.Geometry()
	nsect := g.SectorsPerPage

	zone := 6
	keep := 2
	fillZone(t, f, zone, 0)

	bitmap := make([]byte, g.DegZone*g.NPage)
	bitmap[keep] = 1
	f.TLOpen(zone, bitmap)

	assert.Equal(ZoneTLOpen, f.zoneState(zone))
	assert.Equal(1, f.OpenZones())
	assert.Equal(0, f.tlWP(zone), "leading host-owned page blocks the drain")

	slba := zone * g.ZoneSize()

	// reads before any progress fall back to the source
	assert.Equal(zonePattern(zone, keep+1, g.BytesPerPage()),
		hostRead(f, slba+(keep+1)*nsect, nsect))

	// writes to the kept page are rejected
	hostWrite(f, slba+keep*nsect, zonePattern(99, keep, g.BytesPerPage()))
	assert.Equal(0, f.tlWP(zone))

	// host fills pages 0 and 1; the drain then materialises page 2
	hostWrite(f, slba, zonePattern(50, 0, g.BytesPerPage()))
	assert.Equal(nsect, f.tlWP(zone))
	hostWrite(f, slba+nsect, zonePattern(50, 1, g.BytesPerPage()))
	assert.Equal(3*nsect, f.tlWP(zone), "kept page drained from the source")

	// the destination now serves the drained page
	assert.Equal(zonePattern(zone, keep, g.BytesPerPage()),
		hostRead(f, slba+keep*nsect, nsect))

	// the host completes the remaining pages in order
	for page := keep + 1; page < g.DegZone*g.NPage; page++ {
		hostWrite(f, slba+page*nsect, zonePattern(50, page, g.BytesPerPage()))
	}

	assert.Equal(ZoneFull, f.zoneState(zone))
	assert.Equal(0, f.OpenZones())

	for page := 0; page < g.DegZone*g.NPage; page++ {
		want := zonePattern(50, page, g.BytesPerPage())
		if page == keep {
			want = zonePattern(zone, page, g.BytesPerPage())
		}
		assert.Equal(want, hostRead(f, slba+page*nsect, nsect), "page %d", page)
	}
}

func TestTLWriteOffThePointerRejected(t *testing.T) {
	assert := assert.New(t)
	f := newTestFTL(t)
	g := f.Geometry()

	zone := 7
	fillZone(t, f, zone, 0)
	bitmap := make([]byte, g.DegZone*g.NPage)
	bitmap[0] = 1 // keep the first page so the drain leaves TL_wp mid-zone
	f.TLOpen(zone, bitmap)
	assert.Equal(g.SectorsPerPage, f.tlWP(zone))

	// writing past the twin-logical pointer is dropped
	slba := zone * g.ZoneSize()
	hostWrite(f, slba+3*g.SectorsPerPage, zonePattern(60, 3, g.BytesPerPage()))
	assert.Equal(g.SectorsPerPage, f.tlWP(zone))
	assert.Equal(ZoneTLOpen, f.zoneState(zone))
}

func TestTLOpenMagicCommand(t *testing.T) {
	assert := assert.New(t)
	f := newTestFTL(t)
	g := f.Geometry()

	zone := 6
	fillZone(t, f, zone, 0)
	want := readZone(f, zone)

	payload := make([]byte, g.BytesPerPage())
	base := cmdTLOpenLBA * g.BytesPerSector
	binary.LittleEndian.PutUint32(payload[base:], uint32(zone))
	for i := 0; i < g.DegZone*g.NPage; i++ {
		payload[base+4+i] = 1
	}
	f.Port().StageWrite(payload)
	f.Write(cmdTLOpenLBA, cmdTLOpenLen)

	assert.Equal(ZoneFull, f.zoneState(zone))
	assert.Equal(want, readZone(f, zone))
}

func TestTLOpenRequiresFullZone(t *testing.T) {
	assert := assert.New(t)
	f := newTestFTL(t)
	g := f.Geometry()

	bitmap := make([]byte, g.DegZone*g.NPage)
	f.TLOpen(6, bitmap)
	assert.Equal(ZoneEmpty, f.zoneState(6))
	assert.Equal(0, f.OpenZones())
}
