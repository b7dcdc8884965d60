package ftl

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
)

// readRandom serves a read of the page-mapped region, one page at a
// time. An unmapped page returns all-0xFF to the host.
func (f *FTL) readRandom(lba, numSectors int) {
	spp := f.geom.SectorsPerPage
	lpn := lba / spp
	sectOffset := lba % spp
	remain := numSectors

	for remain != 0 {
		n := remain
		if sectOffset+remain >= spp {
			n = spp - sectOffset
		}
		bank := lpn % f.geom.NumBanks
		vpn := f.vpn(lpn)
		f.checkVpage(vpn)

		next := (f.readBufID + 1) % f.geom.NumRdBuffers
		f.port.WaitRead(next)
		if vpn != 0 {
			dst := f.mem.Bytes(f.port.RdBufAddr(f.readBufID), f.geom.BytesPerPage())
			f.flash.PagePtRead(bank, vpn/f.geom.PagesPerBlk, vpn%f.geom.PagesPerBlk, sectOffset, n, dst)
		} else {
			// never written: hand 0xFF back to the host
			f.mem.Set(f.port.RdBufAddr(f.readBufID)+sectOffset*f.geom.BytesPerSector, 0xFF, n*f.geom.BytesPerSector)
		}
		f.flash.Finish()
		f.port.SetReadLimit(next)
		f.readBufID = next

		sectOffset = 0
		remain -= n
		lpn++
	}
}

// writeRandom splits a write into single-page programs.
func (f *FTL) writeRandom(lba, numSectors int) {
	spp := f.geom.SectorsPerPage
	lpn := lba / spp
	sectOffset := lba % spp
	remain := numSectors

	for remain != 0 {
		n := remain
		if sectOffset+remain >= spp {
			n = spp - sectOffset
		}
		f.writePage(lpn, sectOffset, n)
		sectOffset = 0
		remain -= n
		lpn++
	}
}

// writePage merges a possibly partial page with its previous content,
// programs the new virtual page and updates the mapping tables.
func (f *FTL) writePage(lpn, sectOffset, numSectors int) {
	f.checkLpage(lpn)
	spp := f.geom.SectorsPerPage
	bps := f.geom.BytesPerSector
	if sectOffset >= spp || numSectors <= 0 || numSectors > spp {
		panic(fmt.Sprintf("ftl: write of %d sectors at offset %d", numSectors, sectOffset))
	}

	bank := lpn % f.geom.NumBanks
	pageOffset := sectOffset
	columnCnt := numSectors

	// the host payload must be in the buffer before holes are merged
	// around it
	f.port.WaitWrite(f.writeBufID)
	wbuf := f.port.WrBufAddr(f.writeBufID)

	newVpn := f.assignNewWriteVPN(bank)
	oldVpn := f.vpn(lpn)
	f.checkVpage(oldVpn)
	f.checkVpage(newVpn)
	if oldVpn == newVpn {
		panic(fmt.Sprintf("ftl: rewrite of vpn %d", newVpn))
	}
	f.stats[bank].PageWCount++

	if oldVpn != 0 {
		vblock := oldVpn / f.geom.PagesPerBlk
		pageNum := oldVpn % f.geom.PagesPerBlk

		if numSectors != spp {
			if numSectors <= smallHoleSectors && pageOffset != 0 {
				// one full page read plus hole copies beats two
				// partial reads when the holes are narrow
				scratch := f.ftlBufAddr(bank)
				f.flash.PageRead(bank, vblock, pageNum, f.mem.Bytes(scratch, f.geom.BytesPerPage()))
				if pageOffset != 0 {
					f.mem.Copy(wbuf, scratch, pageOffset*bps)
				}
				if pageOffset+columnCnt < spp {
					rholeBase := (pageOffset + columnCnt) * bps
					f.mem.Copy(wbuf+rholeBase, scratch+rholeBase, f.geom.BytesPerPage()-rholeBase)
				}
			} else {
				dst := f.mem.Bytes(wbuf, f.geom.BytesPerPage())
				if pageOffset != 0 {
					f.flash.PagePtRead(bank, vblock, pageNum, 0, pageOffset, dst)
				}
				if pageOffset+columnCnt < spp {
					f.flash.PagePtRead(bank, vblock, pageNum, pageOffset+columnCnt, spp-(pageOffset+columnCnt), dst)
				}
			}
		}
		// the merged page is programmed in full
		pageOffset = 0
		columnCnt = spp
		f.setVcount(bank, vblock, f.vcount(bank, vblock)-1)
	}

	vblock := newVpn / f.geom.PagesPerBlk
	pageNum := newVpn % f.geom.PagesPerBlk
	if f.vcount(bank, vblock) >= f.geom.PagesPerBlk-1 {
		panic(fmt.Sprintf("ftl: no room in vblock %d", vblock))
	}

	f.flash.PagePtProgram(bank, vblock, pageNum, pageOffset, columnCnt, f.mem.Bytes(wbuf, f.geom.BytesPerPage()))
	f.advanceWriteBuf()
	f.stats[bank].NandWrite++

	f.misc[bank].lpnList[pageNum] = uint32(lpn)
	f.setVPN(lpn, newVpn)
	f.setVcount(bank, vblock, f.vcount(bank, vblock)+1)
}

// assignNewWriteVPN advances the per-bank write frontier. When the
// frontier reaches the penultimate page of its block the inverse lpn
// list is spilled into the last page (the controller forbids the spare
// area), and garbage collection runs once only one free block remains.
func (f *FTL) assignNewWriteVPN(bank int) int {
	ppb := f.geom.PagesPerBlk
	m := &f.misc[bank]
	writeVpn := int(m.curWriteVpn)
	vblock := writeVpn / ppb

	if writeVpn%ppb == ppb-2 {
		scratch := f.mem.Bytes(f.ftlBufAddr(bank), f.geom.BytesPerPage())
		for i, lpn := range m.lpnList {
			binary.LittleEndian.PutUint32(scratch[i*4:], lpn)
		}
		f.flash.PagePtProgram(bank, vblock, ppb-1, 0, f.geom.lpnListSects(), scratch)
		for i := range m.lpnList {
			m.lpnList[i] = 0
		}
		m.freeBlkCnt--

		if m.freeBlkCnt == 1 {
			f.garbageCollection(bank)
			return int(m.curWriteVpn)
		}
		for {
			vblock++
			if vblock == f.geom.VblksPerBank {
				panic("ftl: bank out of write blocks")
			}
			if f.vcount(bank, vblock) != VCMax {
				break
			}
		}
	}
	if vblock != writeVpn/ppb {
		writeVpn = vblock * ppb
	} else {
		writeVpn++
	}
	m.curWriteVpn = uint32(writeVpn)
	return writeVpn
}

// victimBlock picks the block with the fewest valid pages. Metadata
// blocks, bad blocks and the GC reserve hide behind VCMax and are
// never selected.
func (f *FTL) victimBlock(bank int) int {
	vblock := f.mem.SearchMin16(f.layout.vcount+bank*f.geom.VblksPerBank*2, f.randWriteBlks)
	if f.isBadBlock(bank, vblock) {
		panic(fmt.Sprintf("ftl: bad block %d selected as victim", vblock))
	}
	if vblock < f.geom.MetaBlksPerBank() || vblock >= f.geom.VblksPerBank {
		panic(fmt.Sprintf("ftl: victim %d outside user area", vblock))
	}
	if f.vcount(bank, vblock) >= f.geom.PagesPerBlk-1 {
		panic(fmt.Sprintf("ftl: victim %d has no invalid pages", vblock))
	}
	return vblock
}

// garbageCollection reclaims the fullest-invalid block of a bank:
// copy every valid page into the GC reserve, erase the victim and swap
// the two roles.
func (f *FTL) garbageCollection(bank int) {
	ppb := f.geom.PagesPerBlk
	m := &f.misc[bank]
	f.stats[bank].GCCount++

	vtVblock := f.victimBlock(bank)
	vcount := f.vcount(bank, vtVblock)
	gcVblock := int(m.gcVblock)
	freeVpn := gcVblock * ppb

	f.log.WithFields(logrus.Fields{"bank": bank, "vblock": vtVblock}).Debug("garbage collection")

	if vtVblock == gcVblock {
		panic("ftl: victim equals gc reserve")
	}
	if f.rawVcount(bank, gcVblock) != VCMax {
		panic("ftl: gc reserve lost its sentinel")
	}
	if f.isBadBlock(bank, gcVblock) {
		panic("ftl: gc reserve is a bad block")
	}

	// reload the inverse map persisted in the victim's last page
	scratch := f.mem.Bytes(f.ftlBufAddr(bank), f.geom.BytesPerPage())
	f.flash.PagePtRead(bank, vtVblock, ppb-1, 0, f.geom.lpnListSects(), scratch)
	for i := range m.lpnList {
		m.lpnList[i] = binary.LittleEndian.Uint32(scratch[i*4:])
	}

	for srcPage := 0; srcPage < ppb-1; srcPage++ {
		srcLpn := int(m.lpnList[srcPage])
		if srcLpn < 0 || srcLpn >= f.geom.NumLPages() {
			continue // erased inverse map entry, the victim page was never written
		}
		if f.vpn(srcLpn) != vtVblock*ppb+srcPage {
			continue // stale page
		}
		f.flash.PageCopyback(bank, vtVblock, srcPage, gcVblock, freeVpn%ppb)
		f.stats[bank].GCWrite++
		f.setVPN(srcLpn, freeVpn)
		m.lpnList[freeVpn%ppb] = uint32(srcLpn)
		freeVpn++
	}

	f.flash.BlockErase(bank, vtVblock)
	if freeVpn%ppb != vcount {
		panic(fmt.Sprintf("ftl: copied %d pages from victim with vcount %d", freeVpn%ppb, vcount))
	}

	f.setVcount(bank, vtVblock, VCMax)
	f.setVcount(bank, gcVblock, vcount)
	m.curWriteVpn = uint32(freeVpn)
	m.gcVblock = uint32(vtVblock)
	m.freeBlkCnt++

	f.log.WithFields(logrus.Fields{"bank": bank, "pages": vcount}).Debug("garbage collection end")
}
