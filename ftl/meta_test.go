package ftl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlushRebootRecoversMetadata(t *testing.T) {
	assert := assert.New(t)
	f := newTestFTL(t)
	g := f.Geometry()

	for lpn := 0; lpn < 24; lpn++ {
		hostWrite(f, lpn*g.SectorsPerPage, pattern(lpn, g.BytesPerPage()))
	}
	f.Flush()

	pmap := make([]byte, g.pageMapBytes())
	f.mem.CopyOut(pmap, f.layout.pageMap)
	vcount := make([]byte, g.vcountBytes())
	f.mem.CopyOut(vcount, f.layout.vcount)
	miscBefore := make([]miscMeta, g.NumBanks)
	for bank := range miscBefore {
		miscBefore[bank] = newMiscMeta(g)
		scratch := make([]byte, g.miscMetaBytes())
		f.misc[bank].encode(scratch)
		miscBefore[bank].decode(scratch)
	}

	// reboot: a fresh FTL over the same flash takes the recovery path
	reborn, err := New(g, f.Flash(), Options{})
	assert.NoError(err)
	assert.NoError(reborn.Open())

	gotPmap := make([]byte, g.pageMapBytes())
	reborn.mem.CopyOut(gotPmap, reborn.layout.pageMap)
	assert.Equal(pmap, gotPmap, "page map restored")

	gotVcount := make([]byte, g.vcountBytes())
	reborn.mem.CopyOut(gotVcount, reborn.layout.vcount)
	assert.Equal(vcount, gotVcount, "vcount restored")

	for bank := 0; bank < g.NumBanks; bank++ {
		assert.Equal(miscBefore[bank].curWriteVpn, reborn.misc[bank].curWriteVpn, "bank %d write vpn", bank)
		assert.Equal(miscBefore[bank].gcVblock, reborn.misc[bank].gcVblock, "bank %d gc block", bank)
		assert.Equal(miscBefore[bank].freeBlkCnt, reborn.misc[bank].freeBlkCnt, "bank %d free count", bank)
		assert.Equal(miscBefore[bank].lpnList, reborn.misc[bank].lpnList, "bank %d inverse map", bank)
	}

	for lpn := 0; lpn < 24; lpn++ {
		assert.Equal(pattern(lpn, g.BytesPerPage()),
			hostRead(reborn, lpn*g.SectorsPerPage, g.SectorsPerPage), "lpn %d after reboot", lpn)
	}
}

func TestRepeatedFlushWrapsMiscBlock(t *testing.T) {
	assert := assert.New(t)
	f := newTestFTL(t)
	g := f.Geometry()

	hostWrite(f, 0, pattern(1, g.BytesPerPage()))
	// enough checkpoints to wrap the misc block at least once
	for i := 0; i < g.PagesPerBlk+3; i++ {
		f.Flush()
	}

	reborn, err := New(g, f.Flash(), Options{})
	assert.NoError(err)
	assert.NoError(reborn.Open())
	assert.Equal(pattern(1, g.BytesPerPage()), hostRead(reborn, 0, g.SectorsPerPage))
}

func TestForceFormatDiscardsState(t *testing.T) {
	assert := assert.New(t)
	f := newTestFTL(t)
	g := f.Geometry()

	hostWrite(f, 0, pattern(1, g.BytesPerPage()))
	f.Flush()

	wiped, err := New(g, f.Flash(), Options{ForceFormat: true})
	assert.NoError(err)
	assert.NoError(wiped.Open())
	assert.True(allFF(hostRead(wiped, 0, g.SectorsPerPage)), "format discards the mapping")
}

func TestFormatMark(t *testing.T) {
	assert := assert.New(t)
	g := testGeom()

	f, err := New(g, nil, Options{})
	assert.NoError(err)
	assert.False(f.checkFormatMark(), "pristine flash carries no mark")
	assert.NoError(f.Open())
	assert.True(f.checkFormatMark(), "format leaves the mark")
}

func TestBadBlockScanList(t *testing.T) {
	assert := assert.New(t)
	g := testGeom()

	f, err := New(g, nil, Options{})
	assert.NoError(err)
	WriteScanList(f.Flash(), 0, []uint16{5})
	WriteScanList(f.Flash(), 2, []uint16{7, 9})
	assert.NoError(f.Open())

	assert.Equal(1, f.BadBlockCount(0))
	assert.Equal(0, f.BadBlockCount(1))
	assert.Equal(2, f.BadBlockCount(2))
	assert.True(f.isBadBlock(0, 5))
	assert.True(f.isBadBlock(2, 7))
	assert.True(f.isBadBlock(2, 9))
	assert.False(f.isBadBlock(1, 5))

	// a bad block is fenced off with the sentinel and never becomes a
	// free block group
	assert.Equal(VCMax, f.rawVcount(0, 5))
	// seeding skipped groups 5, 7 and 9, so the eighth dequeue is 14
	assert.Equal(15, f.RandWriteBlks())

	// zone writes still work on the shifted groups
	fillZone(t, f, 6, 0)
	assert.Equal(ZoneFull, f.zoneState(6))
}

func TestUntrustedScanListIgnored(t *testing.T) {
	assert := assert.New(t)
	g := testGeom()

	f, err := New(g, nil, Options{})
	assert.NoError(err)
	// entry 0 is invalid, so the whole list is distrusted
	WriteScanList(f.Flash(), 1, []uint16{0})
	assert.NoError(f.Open())

	assert.Equal(0, f.BadBlockCount(1))
}
