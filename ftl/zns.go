package ftl

// znsInit resets every zone table: all zones EMPTY with the write
// pointer at their start lba, no backing free block group, every open
// id back in its queue and the staging buffers scrubbed.
func (f *FTL) znsInit() {
	for zone := 0; zone < f.geom.NZone; zone++ {
		f.setZoneState(zone, ZoneEmpty)
		f.setZoneSLBA(zone, zone*f.geom.ZoneSize())
		f.setZoneWP(zone, zone*f.geom.ZoneSize())
		f.setZoneFBG(zone, -1)
	}
	for id := 0; id < f.geom.MaxOpenZone; id++ {
		f.openQ.enqueue(uint32(id))
		f.mem.Set(f.zoneBufAddr(id), 0xFF, f.geom.BytesPerPage())
	}
	for zone := 0; zone < f.geom.NZone; zone++ {
		f.setTLWP(zone, 0)
	}
	for id := 0; id < f.geom.MaxOpenZone; id++ {
		for page := 0; page < f.geom.DegZone*f.geom.NPage; page++ {
			f.setTLBitmap(id, page, 0)
		}
	}
}

// zoneGeo is the per-sector decomposition of a zoned lba.
type zoneGeo struct {
	cLba    int
	cSect   int
	bOffset int
	pOffset int
	cFcg    int
	cZone   int
	cBank   int
}

func (f *FTL) decompose(lba int) zoneGeo {
	g := zoneGeo{cLba: lba}
	g.cSect = lba % f.geom.SectorsPerPage
	lba /= f.geom.SectorsPerPage
	g.bOffset = lba % f.geom.DegZone
	lba /= f.geom.DegZone
	g.pOffset = lba % f.geom.NPage
	lba /= f.geom.NPage
	g.cFcg = lba % f.geom.NumFCG()
	g.cZone = lba
	g.cBank = g.cFcg*f.geom.DegZone + g.bOffset
	return g
}

// dropZnsWrite consumes one host write token without touching flash,
// so a rejected command never deadlocks the host.
func (f *FTL) dropZnsWrite() {
	f.advanceWriteBuf()
}

// znsWrite enforces strictly sequential zone writes: sectors stage in
// the open id's page buffer and flush to NAND one full page at a time.
func (f *FTL) znsWrite(startLba, numSectors int) {
	nsect := f.geom.SectorsPerPage
	bps := f.geom.BytesPerSector
	iSect := 0

	for iSect < numSectors {
		g := f.decompose(startLba + iSect)
		if g.cZone >= f.geom.NZone {
			f.dropZnsWrite()
			return
		}

		state := f.zoneState(g.cZone)
		zoneWP := f.zoneWP(g.cZone)
		zoneSLBA := f.zoneSLBA(g.cZone)

		if g.cSect == 0 || iSect == 0 {
			f.port.WaitWrite(f.writeBufID)
		}

		switch state {
		case ZoneEmpty, ZoneOpen:
			if g.cLba != zoneWP {
				f.dropZnsWrite()
				return
			}
			if state == ZoneEmpty {
				if f.openZones == f.geom.MaxOpenZone || f.fbq.empty() {
					f.dropZnsWrite()
					return
				}
				f.setZoneFBG(g.cZone, int(f.fbq.dequeue()))
				f.setZoneOpenID(g.cZone, int(f.openQ.dequeue()))
				f.openZones++
				f.transitionZone(g.cZone, ZoneOpen)
			}

			f.setZoneWP(g.cZone, f.zoneWP(g.cZone)+1)
			openID := f.zoneOpenID(g.cZone)

			f.mem.Copy(f.zoneBufAddr(openID)+g.cSect*bps,
				f.port.WrBufAddr(f.writeBufID)+g.cSect*bps, bps)

			if g.cSect == nsect-1 {
				vblk := f.zoneFBG(g.cZone)
				f.flash.PageProgram(g.cBank, vblk, g.pOffset, f.mem.Bytes(f.zoneBufAddr(openID), f.geom.BytesPerPage()))
				f.flash.Finish()
			}
			if f.zoneWP(g.cZone) == zoneSLBA+f.geom.ZoneSize() {
				f.transitionZone(g.cZone, ZoneFull)
				f.openQ.enqueue(uint32(openID))
				f.mem.Set(f.zoneBufAddr(openID), 0xFF, f.geom.BytesPerPage())
				f.openZones--
			}
			if g.cSect == nsect-1 {
				f.advanceWriteBuf()
			}

		case ZoneFull:
			f.dropZnsWrite()
			return

		case ZoneTLOpen:
			tlNum := g.pOffset*f.geom.DegZone*nsect + g.bOffset*nsect + g.cSect
			openID := f.zoneOpenID(g.cZone)

			// the whole command is rejected when it touches any page
			// the twin-logical engine owns
			endLba := startLba + numSectors - 1
			startPage := (startLba - zoneSLBA) / nsect
			endPage := (endLba - zoneSLBA) / nsect
			for page := startPage; page <= endPage; page++ {
				if f.tlBitmap(openID, page) == 1 {
					for drop := startPage; drop <= endPage; drop++ {
						f.port.WaitWrite(f.writeBufID)
						f.advanceWriteBuf()
					}
					return
				}
			}

			tlWP := f.tlWP(g.cZone)
			if tlWP != tlNum {
				f.dropZnsWrite()
				return
			}
			f.setTLWP(g.cZone, tlWP+1)

			f.mem.Copy(f.zoneBufAddr(openID)+g.cSect*bps,
				f.port.WrBufAddr(f.writeBufID)+g.cSect*bps, bps)

			if g.cSect == nsect-1 {
				vblk := f.tlDestFBG(g.cZone)
				f.flash.PageProgram(g.cBank, vblk, g.pOffset, f.mem.Bytes(f.zoneBufAddr(openID), f.geom.BytesPerPage()))
				f.flash.Finish()
				f.advanceWriteBuf()
			}

			f.fillTL(g.cZone, g.cLba+1, tlNum+1)

			if f.tlWP(g.cZone) == f.geom.ZoneSize() {
				f.completeTL(g.cZone)
			}
		}

		iSect++
		if iSect == numSectors && g.cSect != nsect-1 {
			f.advanceWriteBuf()
		}
	}
}

// znsRead serves zoned reads sector by sector: 0xFF past the write
// pointer, the staging buffer for the in-flight partial page, NAND for
// everything already flushed.
func (f *FTL) znsRead(startLba, numSectors int) {
	nsect := f.geom.SectorsPerPage
	bps := f.geom.BytesPerSector
	iSect := 0

	for iSect < numSectors {
		g := f.decompose(startLba + iSect)
		if g.cZone >= f.geom.NZone {
			f.port.WaitRead((f.readBufID + 1) % f.geom.NumRdBuffers)
			f.advanceReadBuf()
			return
		}

		state := f.zoneState(g.cZone)
		zoneWP := f.zoneWP(g.cZone)

		if g.cSect == 0 || iSect == 0 {
			f.port.WaitRead((f.readBufID + 1) % f.geom.NumRdBuffers)
		}

		fillFF := state == ZoneEmpty ||
			((state == ZoneOpen || state == ZoneFull) && zoneWP <= g.cLba)
		if fillFF {
			f.mem.Set(f.port.RdBufAddr(f.readBufID)+g.cSect*bps, 0xFF, bps)
			if g.cSect == nsect-1 {
				f.advanceReadBuf()
			}
			iSect++
			if iSect == numSectors && g.cSect != nsect-1 {
				f.advanceReadBuf()
			}
			continue
		}

		switch state {
		case ZoneOpen, ZoneFull:
			if ((zoneWP-1)/nsect)*nsect <= g.cLba && (zoneWP-1)%nsect != nsect-1 {
				// in-flight partial page lives in the staging buffer
				openID := f.zoneOpenID(g.cZone)
				f.mem.Copy(f.port.RdBufAddr(f.readBufID)+g.cSect*bps,
					f.zoneBufAddr(openID)+g.cSect*bps, bps)
			} else {
				vblk := f.zoneFBG(g.cZone)
				f.flash.PageRead(g.cBank, vblk, g.pOffset, f.mem.Bytes(f.port.RdBufAddr(f.readBufID), f.geom.BytesPerPage()))
			}
			if g.cSect == nsect-1 {
				f.advanceReadBuf()
			}

		case ZoneTLOpen:
			iTl := g.cLba - g.cZone*f.geom.ZoneSize()
			tlWP := f.tlWP(g.cZone)
			if tlWP > iTl {
				// already materialised in the destination
				if ((tlWP-1)/nsect)*nsect <= iTl && (tlWP-1)%nsect != nsect-1 {
					openID := f.zoneOpenID(g.cZone)
					f.mem.Copy(f.port.RdBufAddr(f.readBufID)+g.cSect*bps,
						f.zoneBufAddr(openID)+g.cSect*bps, bps)
				} else {
					vblk := f.tlDestFBG(g.cZone)
					f.flash.PageRead(g.cBank, vblk, g.pOffset, f.mem.Bytes(f.port.RdBufAddr(f.readBufID), f.geom.BytesPerPage()))
				}
			} else {
				// fall back to the source block group
				vblk := f.zoneFBG(g.cZone)
				f.flash.PagePtRead(g.cBank, vblk, g.pOffset, g.cSect, 1, f.mem.Bytes(f.port.RdBufAddr(f.readBufID), f.geom.BytesPerPage()))
			}
			if g.cSect == nsect-1 {
				f.advanceReadBuf()
			}
		}

		iSect++
		if iSect == numSectors && g.cSect != nsect-1 {
			f.advanceReadBuf()
		}
	}
}

// znsReset returns a FULL zone to EMPTY: erase the backing free block
// group in every bank and hand it back to the allocator. Any other
// state quietly ignores the command.
func (f *FTL) znsReset(zone int) {
	f.checkZone(zone)
	if f.zoneState(zone) != ZoneFull {
		return
	}
	f.transitionZone(zone, ZoneEmpty)
	f.setZoneWP(zone, f.zoneSLBA(zone))
	f.releaseFBG(f.zoneFBG(zone))
	f.setZoneFBG(zone, -1)
}

// releaseFBG erases a free block group across every bank and returns
// it to the queue.
func (f *FTL) releaseFBG(fbg int) {
	for bank := 0; bank < f.geom.NumBanks; bank++ {
		f.flash.BlockErase(bank, fbg)
	}
	f.fbq.enqueue(uint32(fbg))
}
