package ftl

import (
	"encoding/binary"
	"fmt"
)

// ZoneState is the lifecycle state of a zone.
type ZoneState uint8

const (
	ZoneEmpty ZoneState = iota
	ZoneOpen
	ZoneFull
	ZoneTLOpen
)

func (s ZoneState) String() string {
	switch s {
	case ZoneEmpty:
		return "EMPTY"
	case ZoneOpen:
		return "OPEN"
	case ZoneFull:
		return "FULL"
	case ZoneTLOpen:
		return "TL_OPEN"
	}
	return fmt.Sprintf("ZoneState(%d)", uint8(s))
}

// zoneTransitions enumerates the legal state machine edges.
var zoneTransitions = map[ZoneState][]ZoneState{
	ZoneEmpty:  {ZoneOpen},
	ZoneOpen:   {ZoneFull},
	ZoneFull:   {ZoneEmpty, ZoneTLOpen},
	ZoneTLOpen: {ZoneFull},
}

// miscMeta is the per-bank metadata kept in SRAM and checkpointed to
// the misc block on flush. The encoded layout is a flat run of u32
// words: write vpn, misc log vpn, map log vpns, gc block, free block
// count, then the inverse lpn list of the current write block.
type miscMeta struct {
	curWriteVpn   uint32
	curMiscblkVpn uint32
	curMapblkVpn  []uint32
	gcVblock      uint32
	freeBlkCnt    uint32
	lpnList       []uint32
}

func newMiscMeta(g Geometry) miscMeta {
	return miscMeta{
		curMapblkVpn: make([]uint32, g.MapblksPerBank()),
		lpnList:      make([]uint32, g.PagesPerBlk),
	}
}

func (m *miscMeta) encode(dst []byte) {
	off := 0
	put := func(v uint32) {
		binary.LittleEndian.PutUint32(dst[off:], v)
		off += 4
	}
	put(m.curWriteVpn)
	put(m.curMiscblkVpn)
	for _, v := range m.curMapblkVpn {
		put(v)
	}
	put(m.gcVblock)
	put(m.freeBlkCnt)
	for _, v := range m.lpnList {
		put(v)
	}
}

func (m *miscMeta) decode(src []byte) {
	off := 0
	get := func() uint32 {
		v := binary.LittleEndian.Uint32(src[off:])
		off += 4
		return v
	}
	m.curWriteVpn = get()
	m.curMiscblkVpn = get()
	for i := range m.curMapblkVpn {
		m.curMapblkVpn[i] = get()
	}
	m.gcVblock = get()
	m.freeBlkCnt = get()
	for i := range m.lpnList {
		m.lpnList[i] = get()
	}
}

// Stats are the per-bank counters the stats dump command reports.
type Stats struct {
	GCCount    uint32
	GCWrite    uint32
	HostWrite  uint32
	NandWrite  uint32
	PageWCount uint32
}

func (f *FTL) checkLpage(lpn int) {
	if lpn < 0 || lpn >= f.geom.NumLPages() {
		panic(fmt.Sprintf("ftl: lpn %d out of range", lpn))
	}
}

func (f *FTL) checkVpage(vpn int) {
	if vpn < 0 || vpn >= f.randWriteBlks*f.geom.PagesPerBlk {
		panic(fmt.Sprintf("ftl: vpn %d out of range", vpn))
	}
}

func (f *FTL) checkZone(zone int) {
	if zone < 0 || zone >= f.geom.NZone {
		panic(fmt.Sprintf("ftl: zone %d out of range", zone))
	}
}

// vpn reads the page map; zero means the lpn was never written.
func (f *FTL) vpn(lpn int) int {
	f.checkLpage(lpn)
	return int(f.mem.Read32(f.layout.pageMap + lpn*4))
}

func (f *FTL) setVPN(lpn, vpn int) {
	f.checkLpage(lpn)
	if vpn < f.geom.MetaBlksPerBank()*f.geom.PagesPerBlk || vpn >= f.randWriteBlks*f.geom.PagesPerBlk {
		panic(fmt.Sprintf("ftl: vpn %d outside user area", vpn))
	}
	f.mem.Write32(f.layout.pageMap+lpn*4, uint32(vpn))
}

func (f *FTL) vcountAddr(bank, vblock int) int {
	return f.layout.vcount + (bank*f.geom.VblksPerBank+vblock)*2
}

func (f *FTL) vcount(bank, vblock int) int {
	if bank >= f.geom.NumBanks || vblock < f.geom.MetaBlksPerBank() || vblock >= f.randWriteBlks {
		panic(fmt.Sprintf("ftl: vcount read for bank %d vblock %d", bank, vblock))
	}
	vcount := int(f.mem.Read16(f.vcountAddr(bank, vblock)))
	if vcount >= f.geom.PagesPerBlk && vcount != VCMax {
		panic(fmt.Sprintf("ftl: corrupt vcount %d at bank %d vblock %d", vcount, bank, vblock))
	}
	return vcount
}

func (f *FTL) setVcount(bank, vblock, vcount int) {
	if bank >= f.geom.NumBanks || vblock < f.geom.MetaBlksPerBank() || vblock >= f.geom.VblksPerBank {
		panic(fmt.Sprintf("ftl: vcount write for bank %d vblock %d", bank, vblock))
	}
	if vcount >= f.geom.PagesPerBlk && vcount != VCMax {
		panic(fmt.Sprintf("ftl: vcount %d out of range", vcount))
	}
	f.mem.Write16(f.vcountAddr(bank, vblock), uint16(vcount))
}

// rawVcount bypasses the user-area range checks for boot-time table
// construction and the free block group scan.
func (f *FTL) rawVcount(bank, vblock int) int {
	return int(f.mem.Read16(f.vcountAddr(bank, vblock)))
}

func (f *FTL) setRawVcount(bank, vblock, vcount int) {
	f.mem.Write16(f.vcountAddr(bank, vblock), uint16(vcount))
}

func (f *FTL) zoneState(zone int) ZoneState {
	f.checkZone(zone)
	state := ZoneState(f.mem.Read8(f.layout.zoneState + zone))
	if state > ZoneTLOpen {
		panic(fmt.Sprintf("ftl: corrupt zone state %d", state))
	}
	return state
}

// setZoneState is the raw table write used by boot initialisation;
// runtime paths go through transitionZone.
func (f *FTL) setZoneState(zone int, state ZoneState) {
	f.checkZone(zone)
	f.mem.Write8(f.layout.zoneState+zone, uint8(state))
}

func (f *FTL) transitionZone(zone int, to ZoneState) {
	from := f.zoneState(zone)
	for _, allowed := range zoneTransitions[from] {
		if allowed == to {
			f.setZoneState(zone, to)
			return
		}
	}
	panic(fmt.Sprintf("ftl: illegal zone %d transition %s -> %s", zone, from, to))
}

func (f *FTL) zoneWP(zone int) int {
	f.checkZone(zone)
	return int(f.mem.Read32(f.layout.zoneWP + zone*4))
}

func (f *FTL) setZoneWP(zone, wp int) {
	f.checkZone(zone)
	f.mem.Write32(f.layout.zoneWP+zone*4, uint32(wp))
}

func (f *FTL) zoneSLBA(zone int) int {
	f.checkZone(zone)
	return int(f.mem.Read32(f.layout.zoneSLBA + zone*4))
}

func (f *FTL) setZoneSLBA(zone, slba int) {
	f.checkZone(zone)
	f.mem.Write32(f.layout.zoneSLBA+zone*4, uint32(slba))
}

// zoneFBG returns the free block group backing a zone, -1 when none.
func (f *FTL) zoneFBG(zone int) int {
	f.checkZone(zone)
	return int(int32(f.mem.Read32(f.layout.zoneToFBG + zone*4)))
}

func (f *FTL) setZoneFBG(zone, fbg int) {
	f.checkZone(zone)
	if fbg >= f.geom.VblksPerBank {
		panic(fmt.Sprintf("ftl: fbg %d out of range", fbg))
	}
	f.mem.Write32(f.layout.zoneToFBG+zone*4, uint32(int32(fbg)))
}

func (f *FTL) zoneOpenID(zone int) int {
	f.checkZone(zone)
	return int(f.mem.Read8(f.layout.zoneToID + zone))
}

func (f *FTL) setZoneOpenID(zone, id int) {
	f.checkZone(zone)
	f.mem.Write8(f.layout.zoneToID+zone, uint8(id))
}

// zoneBufAddr is the DRAM address of an open id's staging page.
func (f *FTL) zoneBufAddr(openID int) int {
	if openID < 0 || openID >= f.geom.MaxOpenZone {
		panic(fmt.Sprintf("ftl: open id %d out of range", openID))
	}
	return f.layout.zoneBuffer + openID*f.geom.BytesPerPage()
}

func (f *FTL) tlBitmap(openID, pageOffset int) uint8 {
	if openID < 0 || openID >= f.geom.MaxOpenZone {
		panic(fmt.Sprintf("ftl: open id %d out of range", openID))
	}
	if pageOffset < 0 || pageOffset >= f.geom.DegZone*f.geom.NPage {
		panic(fmt.Sprintf("ftl: tl bitmap page %d out of range", pageOffset))
	}
	data := f.mem.Read8(f.layout.tlBitmap + openID*f.geom.DegZone*f.geom.NPage + pageOffset)
	if data > 1 {
		panic(fmt.Sprintf("ftl: corrupt tl bitmap entry %d", data))
	}
	return data
}

func (f *FTL) setTLBitmap(openID, pageOffset int, data uint8) {
	if data > 1 {
		panic(fmt.Sprintf("ftl: tl bitmap entry %d out of range", data))
	}
	if pageOffset < 0 || pageOffset >= f.geom.DegZone*f.geom.NPage {
		panic(fmt.Sprintf("ftl: tl bitmap page %d out of range", pageOffset))
	}
	f.mem.Write8(f.layout.tlBitmap+openID*f.geom.DegZone*f.geom.NPage+pageOffset, data)
}

func (f *FTL) tlWP(zone int) int {
	f.checkZone(zone)
	return int(f.mem.Read32(f.layout.tlWP + zone*4))
}

func (f *FTL) setTLWP(zone, wp int) {
	f.checkZone(zone)
	f.mem.Write32(f.layout.tlWP+zone*4, uint32(wp))
}

// tlDestFBG is the replacement free block group a TL open allocated.
func (f *FTL) tlDestFBG(zone int) int {
	f.checkZone(zone)
	return int(f.mem.Read32(f.layout.tlNum + zone*4))
}

func (f *FTL) setTLDestFBG(zone, fbg int) {
	f.checkZone(zone)
	f.mem.Write32(f.layout.tlNum+zone*4, uint32(fbg))
}

func (f *FTL) badBlkBmpAddr(bank int) int {
	return f.layout.badBlkBmp + bank*(f.geom.VblksPerBank/8+1)
}

func (f *FTL) isBadBlock(bank, vblk int) bool {
	return f.mem.TestBit(f.badBlkBmpAddr(bank), vblk)
}

func (f *FTL) markBadBlock(bank, vblk int) {
	f.mem.SetBit(f.badBlkBmpAddr(bank), vblk)
}

// ftlBufAddr is the per-bank scratch page used for hole merges and
// metadata staging.
func (f *FTL) ftlBufAddr(bank int) int {
	return f.layout.ftlBuf + bank*f.geom.BytesPerPage()
}
