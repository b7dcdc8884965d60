package ftl

import "github.com/sirupsen/logrus"

// znsReadInternal reads the full page holding lba from a zone's source
// block group into an internal DRAM buffer.
func (f *FTL) znsReadInternal(lba, bufAddr int) {
	g := f.decompose(lba)
	if g.cZone >= f.geom.NZone {
		return
	}
	vblk := f.zoneFBG(g.cZone)
	f.flash.PageRead(g.cBank, vblk, g.pOffset, f.mem.Bytes(bufAddr, f.geom.BytesPerPage()))
}

// znsWriteInternal programs the full page holding lba of a zone's
// block group from an internal DRAM buffer.
func (f *FTL) znsWriteInternal(lba, bufAddr int) {
	g := f.decompose(lba)
	if g.cZone >= f.geom.NZone {
		return
	}
	vblk := f.zoneFBG(g.cZone)
	f.flash.PageProgram(g.cBank, vblk, g.pOffset, f.mem.Bytes(bufAddr, f.geom.BytesPerPage()))
}

// znsIZC copies copyLen source pages, selected by the index list at
// listAddr, into an EMPTY destination zone, then resets the source. A
// full-length copy closes the destination immediately; a shorter one
// leaves it OPEN for the host to finish.
func (f *FTL) znsIZC(src, dst, copyLen, listAddr int) {
	f.checkZone(src)
	f.checkZone(dst)
	if src == dst {
		return
	}
	if f.zoneState(src) != ZoneFull || f.zoneState(dst) != ZoneEmpty {
		f.log.WithFields(logrus.Fields{
			"src_state": f.zoneState(src).String(),
			"dst_state": f.zoneState(dst).String(),
		}).Warn("izc on wrong zone states")
		return
	}
	if f.openZones == f.geom.MaxOpenZone || f.fbq.empty() {
		return
	}

	f.setZoneFBG(dst, int(f.fbq.dequeue()))
	f.setZoneOpenID(dst, int(f.openQ.dequeue()))
	f.transitionZone(dst, ZoneOpen)
	f.openZones++

	nsect := f.geom.SectorsPerPage
	for i := 0; i < copyLen; i++ {
		srcPageIdx := int(f.mem.Read32(listAddr + i*4))
		sLba := f.zoneSLBA(src) + srcPageIdx*nsect
		f.znsReadInternal(sLba, f.layout.tlInternal)
		dLba := f.zoneSLBA(dst) + i*nsect
		f.znsWriteInternal(dLba, f.layout.tlInternal)
		f.setZoneWP(dst, f.zoneWP(dst)+nsect)
	}

	f.znsReset(src)

	if copyLen == f.geom.DegZone*f.geom.NPage {
		f.transitionZone(dst, ZoneFull)
		f.openQ.enqueue(uint32(f.zoneOpenID(dst)))
		f.openZones--
	}
}

// znsTLOpen remaps a FULL zone in place: allocate a replacement block
// group, load the keep-from-source bitmap and drain the leading run of
// kept pages. A bitmap with no clear bit completes the remap at once.
func (f *FTL) znsTLOpen(zone, bitmapAddr int) {
	f.checkZone(zone)
	if f.zoneState(zone) != ZoneFull {
		return
	}
	if f.openZones == f.geom.MaxOpenZone || f.fbq.empty() {
		return
	}

	f.setTLDestFBG(zone, int(f.fbq.dequeue()))
	openID := int(f.openQ.dequeue())
	f.setZoneOpenID(zone, openID)
	f.transitionZone(zone, ZoneTLOpen)
	f.openZones++

	hostOwnsPages := false
	for page := 0; page < f.geom.DegZone*f.geom.NPage; page++ {
		data := f.mem.Read8(bitmapAddr + page)
		f.setTLBitmap(openID, page, data)
		if data == 0 {
			hostOwnsPages = true
		}
	}
	f.setTLWP(zone, 0)

	f.fillTL(zone, f.zoneSLBA(zone), 0)
	if !hostOwnsPages {
		f.completeTL(zone)
	}
}

// fillTL drains the contiguous run of bitmap-set pages starting at the
// twin-logical write pointer, copying each from the source block group
// into the destination. It stops at the first host-owned page or the
// end of the zone.
func (f *FTL) fillTL(zone, cLba, tlNum int) {
	nsect := f.geom.SectorsPerPage
	openID := f.zoneOpenID(zone)

	for tlNum < f.geom.ZoneSize() {
		if f.tlBitmap(openID, tlNum/nsect) == 0 {
			return
		}
		g := f.decompose(cLba)
		f.znsReadInternal(cLba, f.layout.tlInternal)
		f.setTLWP(zone, f.tlWP(zone)+nsect)
		f.flash.PageProgram(g.cBank, f.tlDestFBG(zone), g.pOffset,
			f.mem.Bytes(f.layout.tlInternal, f.geom.BytesPerPage()))
		f.flash.Finish()
		cLba += nsect
		tlNum += nsect
	}
}

// completeTL finishes a twin-logical remap: the exhausted source block
// group is erased and requeued, the destination becomes the zone's
// backing group, and the zone returns to FULL with its open id freed.
func (f *FTL) completeTL(zone int) {
	oldFBG := f.zoneFBG(zone)
	f.releaseFBG(oldFBG)
	f.setZoneFBG(zone, f.tlDestFBG(zone))
	f.transitionZone(zone, ZoneFull)
	f.setZoneWP(zone, f.zoneSLBA(zone)+f.geom.ZoneSize())
	f.openQ.enqueue(uint32(f.zoneOpenID(zone)))
	f.openZones--
}
