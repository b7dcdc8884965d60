package ftl

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/newhook/zftl/nand"
)

// Scan list layout in block 0: a u16 entry count followed by u16
// physical block offsets the vendor marked bad at production time.

// WriteScanList programs a vendor scan list into a bank's block 0, the
// way manufacturing test equipment would.
func WriteScanList(flash *nand.Flash, bank int, entries []uint16) {
	cfg := flash.Config()
	page := make([]byte, cfg.BytesPerPage())
	for i := range page {
		page[i] = 0xFF
	}
	binary.LittleEndian.PutUint16(page, uint16(len(entries)))
	for i, e := range entries {
		binary.LittleEndian.PutUint16(page[2+i*2:], e)
	}
	flash.PageProgram(bank, 0, ScanListPage, page)
}

// buildBadBlkList reads each bank's scan list and builds the bad block
// bitmap. A list that fails validation is distrusted wholesale and the
// bank is treated as having no factory-marked bad blocks.
func (f *FTL) buildBadBlkList() {
	bmpBytes := f.geom.NumBanks * (f.geom.VblksPerBank/8 + 1)
	f.mem.Set(f.layout.badBlkBmp, 0, bmpBytes)

	f.flash.ClearIRQ()

	for bank := 0; bank < f.geom.NumBanks; bank++ {
		scan := f.mem.Bytes(f.layout.tempBuf, f.geom.BytesPerPage())
		f.flash.PageRead(bank, 0, ScanListPage, scan)

		trusted := true
		numEntries := int(binary.LittleEndian.Uint16(scan))
		if f.flash.IRQ(bank)&nand.IRQDataCorrupt != 0 {
			trusted = false
		} else if numEntries > scanListItems {
			trusted = false
		} else {
			for i := 0; i < numEntries; i++ {
				entry := binary.LittleEndian.Uint16(scan[2+i*2:])
				pblk := entry & 0x7FFF
				if pblk == 0 || int(pblk) >= f.geom.VblksPerBank {
					trusted = false
					break
				}
				binary.LittleEndian.PutUint16(scan[2+i*2:], pblk)
			}
		}
		if !trusted {
			numEntries = 0 // perhaps a software bug; do not trust it
		}

		f.badBlkCount[bank] = 0
		for vblk := 1; vblk < f.geom.VblksPerBank; vblk++ {
			bad := false
			for i := 0; i < numEntries; i++ {
				if int(binary.LittleEndian.Uint16(scan[2+i*2:])) == vblk {
					bad = true
					break
				}
			}
			if bad {
				f.badBlkCount[bank]++
				f.markBadBlock(bank, vblk)
			}
		}
	}
	f.flash.ClearIRQ()
}

// searchGoodFBGs enqueues every block that is good on all banks as a
// free block group.
func (f *FTL) searchGoodFBGs() {
	for vblk := 0; vblk < f.geom.VblksPerBank; vblk++ {
		good := true
		for bank := 0; bank < f.geom.NumBanks; bank++ {
			if f.rawVcount(bank, vblk) == VCMax {
				good = false
				break
			}
		}
		if good {
			f.fbq.enqueue(uint32(vblk))
		}
	}
}

// format low-level formats the device: erase every good block except
// block 0, rebuild the DRAM tables, lay out the metadata blocks and
// write the format mark.
func (f *FTL) format() {
	f.log.WithFields(logrus.Fields{
		"vblks_per_bank": f.geom.VblksPerBank,
		"meta_blks":      f.geom.MetaBlksPerBank(),
	}).Debug("format geometry")

	f.mem.Set(f.layout.pageMap, 0, f.geom.pageMapBytes())
	f.mem.Set(f.layout.vcount, 0, f.geom.vcountBytes())

	for vblk := MiscBlkVbn; vblk < f.geom.VblksPerBank; vblk++ {
		for bank := 0; bank < f.geom.NumBanks; bank++ {
			vcount := VCMax
			if !f.isBadBlock(bank, vblk) {
				f.flash.BlockErase(bank, vblk)
				vcount = 0
			}
			f.setRawVcount(bank, vblk, vcount)
		}
	}

	f.initMetadataSRAM()

	f.loggingPmapTable()
	f.loggingMiscMetadata()

	f.writeFormatMark()
	f.log.Info("format complete")
}

// initMetadataSRAM lays out the per-bank metadata blocks: the misc log
// in block 1, the map log blocks behind it, then the GC reserve and
// the first write frontier, skipping bad blocks throughout.
func (f *FTL) initMetadataSRAM() {
	ppb := f.geom.PagesPerBlk
	for bank := 0; bank < f.geom.NumBanks; bank++ {
		m := &f.misc[bank]
		m.freeBlkCnt = uint32(f.geom.RandSeedBlks)

		// blocks 0 and 1 are never user space
		f.setRawVcount(bank, 0, VCMax)
		f.setRawVcount(bank, 1, VCMax)

		// the misc log lives at a fixed block; the vpn pre-increments
		// on every checkpoint
		m.curMiscblkVpn = uint32(MiscBlkVbn*ppb - 1)
		if f.isBadBlock(bank, MiscBlkVbn) {
			panic("ftl: misc block is factory bad")
		}

		vblock := MiscBlkVbn
		for mapblk := 0; mapblk < f.geom.MapblksPerBank(); {
			vblock++
			if vblock >= f.geom.VblksPerBank {
				panic("ftl: ran out of blocks for the map log")
			}
			if !f.isBadBlock(bank, vblock) {
				m.curMapblkVpn[mapblk] = uint32(vblock * ppb)
				f.setRawVcount(bank, vblock, VCMax)
				mapblk++
			}
		}

		for {
			vblock++
			if vblock >= f.geom.VblksPerBank {
				panic("ftl: ran out of blocks for the gc reserve")
			}
			f.setRawVcount(bank, vblock, VCMax)
			m.gcVblock = uint32(vblock)
			if !f.isBadBlock(bank, vblock) {
				break
			}
		}

		for {
			vblock++
			if vblock >= f.geom.VblksPerBank {
				panic("ftl: ran out of blocks for the write frontier")
			}
			m.curWriteVpn = uint32(vblock * ppb)
			if !f.isBadBlock(bank, vblock) {
				break
			}
		}
	}
}

// loggingMiscMetadata checkpoints each bank's misc record plus its
// slice of the vcount table into the misc block, erasing and wrapping
// when the block fills.
func (f *FTL) loggingMiscMetadata() {
	ppb := f.geom.PagesPerBlk
	miscBytes := f.geom.numMiscMetaSect() * f.geom.BytesPerSector
	vcountBytes := f.geom.numVcountSect() * f.geom.BytesPerSector
	vcountAddr := f.layout.vcount
	vcountBoundary := f.layout.vcount + f.geom.vcountBytes()

	f.flash.Finish()

	for bank := 0; bank < f.geom.NumBanks; bank++ {
		m := &f.misc[bank]
		m.curMiscblkVpn++
		if int(m.curMiscblkVpn)/ppb != MiscBlkVbn {
			f.flash.BlockErase(bank, MiscBlkVbn)
			m.curMiscblkVpn = uint32(MiscBlkVbn * ppb)
		}

		scratch := f.mem.Bytes(f.ftlBufAddr(bank), f.geom.BytesPerPage())
		m.encode(scratch)

		if vcountAddr < vcountBoundary {
			n := vcountBytes
			if vcountAddr+n > vcountBoundary {
				n = vcountBoundary - vcountAddr
			}
			copy(scratch[miscBytes:miscBytes+n], f.mem.Bytes(vcountAddr, n))
			vcountAddr += vcountBytes
		}
	}
	for bank := 0; bank < f.geom.NumBanks; bank++ {
		vpn := int(f.misc[bank].curMiscblkVpn)
		f.flash.PagePtProgram(bank, vpn/ppb, vpn%ppb, 0,
			f.geom.numMiscMetaSect()+f.geom.numVcountSect(),
			f.mem.Bytes(f.ftlBufAddr(bank), f.geom.BytesPerPage()))
	}
	f.flash.Finish()
}

// loggingPmapTable pages the mapping table out to the map blocks, one
// page per bank per pass, erasing a map block when it wraps.
func (f *FTL) loggingPmapTable() {
	ppb := f.geom.PagesPerBlk
	bpp := f.geom.BytesPerPage()
	pmapAddr := f.layout.pageMap
	pmapBoundary := f.layout.pageMap + f.geom.pageMapBytes()
	finished := false

	for mapblk := 0; mapblk < f.geom.MapblksPerBank() && !finished; mapblk++ {
		f.flash.Finish()
		for bank := 0; bank < f.geom.NumBanks; bank++ {
			if pmapAddr >= pmapBoundary {
				finished = true
				break
			}
			pmapBytes := bpp
			if pmapAddr+bpp >= pmapBoundary {
				finished = true
				bps := f.geom.BytesPerSector
				pmapBytes = (pmapBoundary - pmapAddr + bps - 1) / bps * bps
			}

			m := &f.misc[bank]
			m.curMapblkVpn[mapblk]++
			vpn := int(m.curMapblkVpn[mapblk])
			if vpn%ppb == 0 {
				// the map block is full: erase and start over
				f.flash.BlockErase(bank, (vpn-1)/ppb)
				m.curMapblkVpn[mapblk] = uint32((vpn - 1) / ppb * ppb)
				vpn = int(m.curMapblkVpn[mapblk])
			}

			n := pmapBytes
			if pmapAddr+n > pmapBoundary {
				n = pmapBoundary - pmapAddr
			}
			scratch := f.mem.Bytes(f.ftlBufAddr(bank), bpp)
			copy(scratch[:n], f.mem.Bytes(pmapAddr, n))

			f.flash.PagePtProgram(bank, vpn/ppb, vpn%ppb, 0,
				pmapBytes/f.geom.BytesPerSector, scratch)
			pmapAddr += pmapBytes

			if finished {
				break
			}
		}
	}
	f.flash.Finish()
}

// loadMetadata restores the flushed tables after power loss.
func (f *FTL) loadMetadata() {
	f.loadMiscMetadata()
	f.loadPmapTable()
}

// loadMiscMetadata scans the misc block from its last page backward;
// the first non-erased page per bank is the newest checkpoint.
func (f *FTL) loadMiscMetadata() {
	ppb := f.geom.PagesPerBlk
	miscBytes := f.geom.numMiscMetaSect() * f.geom.BytesPerSector
	vcountBytes := f.geom.numVcountSect() * f.geom.BytesPerSector
	vcountAddr := f.layout.vcount
	vcountBoundary := f.layout.vcount + f.geom.vcountBytes()

	f.flash.Finish()
	f.flash.ClearIRQ()

	loaded := make([]bool, f.geom.NumBanks)
	loadCnt := 0
	for page := ppb - 1; page >= 0 && loadCnt < f.geom.NumBanks; page-- {
		for bank := 0; bank < f.geom.NumBanks; bank++ {
			if loaded[bank] {
				continue
			}
			allFF := f.flash.PagePtRead(bank, MiscBlkVbn, page, 0,
				f.geom.numMiscMetaSect()+f.geom.numVcountSect(),
				f.mem.Bytes(f.ftlBufAddr(bank), f.geom.BytesPerPage()))
			if !allFF {
				loaded[bank] = true
				loadCnt++
			}
		}
	}
	if loadCnt != f.geom.NumBanks {
		panic("ftl: no misc checkpoint found on every bank")
	}

	for bank := 0; bank < f.geom.NumBanks; bank++ {
		scratch := f.mem.Bytes(f.ftlBufAddr(bank), f.geom.BytesPerPage())
		f.misc[bank].decode(scratch)

		if vcountAddr < vcountBoundary {
			n := vcountBytes
			if vcountAddr+n > vcountBoundary {
				n = vcountBoundary - vcountAddr
			}
			copy(f.mem.Bytes(vcountAddr, n), scratch[miscBytes:miscBytes+n])
			vcountAddr += vcountBytes
		}
	}
	f.flash.ClearIRQ()
}

// loadPmapTable reads the newest mapping table pages back from the map
// blocks, mirroring the order loggingPmapTable wrote them.
func (f *FTL) loadPmapTable() {
	ppb := f.geom.PagesPerBlk
	bpp := f.geom.BytesPerPage()
	pmapAddr := f.layout.pageMap
	pmapBoundary := f.layout.pageMap + f.geom.pageMapBytes()
	finished := false

	f.flash.Finish()

	for mapblk := 0; mapblk < f.geom.MapblksPerBank() && !finished; mapblk++ {
		for bank := 0; bank < f.geom.NumBanks; bank++ {
			if pmapAddr >= pmapBoundary {
				finished = true
				break
			}
			pmapBytes := bpp
			if pmapAddr+bpp >= pmapBoundary {
				finished = true
				bps := f.geom.BytesPerSector
				pmapBytes = (pmapBoundary - pmapAddr + bps - 1) / bps * bps
			}

			vpn := int(f.misc[bank].curMapblkVpn[mapblk])
			scratch := f.mem.Bytes(f.ftlBufAddr(bank), bpp)
			f.flash.PagePtRead(bank, vpn/ppb, vpn%ppb, 0,
				pmapBytes/f.geom.BytesPerSector, scratch)

			n := pmapBytes
			if pmapAddr+n > pmapBoundary {
				n = pmapBoundary - pmapAddr
			}
			copy(f.mem.Bytes(pmapAddr, n), scratch[:n])
			pmapAddr += pmapBytes

			if finished {
				break
			}
		}
	}
}

// writeFormatMark programs a non-erased sector at the fixed page of
// (bank 0, block 0) just past the firmware image.
func (f *FTL) writeFormatMark() {
	scratch := f.mem.Bytes(f.ftlBufAddr(0), f.geom.BytesPerPage())
	for i := 0; i < f.geom.BytesPerSector; i++ {
		scratch[i] = 0
	}
	f.flash.PagePtProgram(0, 0, f.geom.FormatMarkPage, 0, 1, scratch)
	f.flash.Finish()
}

// checkFormatMark reports whether the device was ever formatted: an
// erased mark page means it was not.
func (f *FTL) checkFormatMark() bool {
	f.flash.ClearIRQ()
	allFF := f.flash.PagePtRead(0, 0, f.geom.FormatMarkPage, 0, 1,
		f.mem.Bytes(f.ftlBufAddr(0), f.geom.BytesPerPage()))
	f.flash.ClearIRQ()
	return !allFF
}
