package ftl

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/newhook/zftl/dram"
	"github.com/newhook/zftl/nand"
	"github.com/newhook/zftl/sata"
)

// Magic command selectors: sentinel (lba, num_sectors) pairs carrying
// administrative operations over the data path.
const (
	cmdStatsLBA  = 7
	cmdStatsLen  = 7
	cmdResetLBA  = 7
	cmdResetLen  = 11
	cmdDescLBA   = 7
	cmdDescLen   = 13
	cmdIZCLBA    = 1
	cmdIZCLen    = 31
	cmdTLOpenLBA = 3
	cmdTLOpenLen = 29
)

// Options tune construction of an FTL instance.
type Options struct {
	// ForceFormat performs a low-level format on Open even when a
	// format mark is present, the way the reference firmware always
	// did.
	ForceFormat bool

	// Logger receives the UART-style console output. Nil discards.
	Logger *logrus.Logger
}

// FTL is the translation layer context: geometry, DRAM tables, the
// flash array, the host port and the per-bank SRAM metadata. All
// operations run on a single goroutine, matching the cooperative
// firmware core.
type FTL struct {
	geom   Geometry
	layout layout
	mem    *dram.Memory
	flash  *nand.Flash
	port   *sata.Port
	log    *logrus.Logger

	misc        []miscMeta
	stats       []Stats
	badBlkCount []int

	fbq   *ringQueue
	openQ *ringQueue

	openZones     int
	randWriteBlks int

	readBufID  int
	writeBufID int

	forceFormat bool
}

// New wires an FTL over the given flash array. Passing a nil flash
// allocates a pristine one from the geometry.
func New(geom Geometry, flash *nand.Flash, opts Options) (*FTL, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	if flash == nil {
		flash = nand.New(geom.NandConfig())
	} else if flash.Config() != geom.NandConfig() {
		return nil, fmt.Errorf("ftl: flash geometry does not match")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}

	l := newLayout(geom)
	mem := dram.New(l.total)
	f := &FTL{
		geom:        geom,
		layout:      l,
		mem:         mem,
		flash:       flash,
		log:         log,
		misc:        make([]miscMeta, geom.NumBanks),
		stats:       make([]Stats, geom.NumBanks),
		badBlkCount: make([]int, geom.NumBanks),
	}
	for bank := range f.misc {
		f.misc[bank] = newMiscMeta(geom)
	}
	f.port = sata.New(mem, l.rdBuf, l.wrBuf, geom.NumRdBuffers, geom.NumWrBuffers, geom.BytesPerPage())
	f.fbq = newRingQueue(mem, l.fbq, geom.VblksPerBank, 4)
	f.openQ = newRingQueue(mem, l.openZoneQ, geom.MaxOpenZone, 1)

	f.forceFormat = opts.ForceFormat
	return f, nil
}

// Geometry returns the device geometry.
func (f *FTL) Geometry() Geometry { return f.geom }

// Port exposes the host buffer manager for staging and draining DMA
// buffers.
func (f *FTL) Port() *sata.Port { return f.port }

// Flash exposes the underlying array, for persistence and inspection.
func (f *FTL) Flash() *nand.Flash { return f.flash }

// Stats returns the counters of one bank.
func (f *FTL) Stats(bank int) Stats { return f.stats[bank] }

// BadBlockCount reports how many blocks the boot scan marked bad.
func (f *FTL) BadBlockCount(bank int) int { return f.badBlkCount[bank] }

// RandWriteBlks reports the per-bank block count dedicated to the
// random region, fixed at Open time.
func (f *FTL) RandWriteBlks() int { return f.randWriteBlks }

// OpenZones reports how many zones hold an open id slot.
func (f *FTL) OpenZones() int { return f.openZones }

// Open brings the device up: scan the bad block lists, format or
// recover, then rebuild the allocators and the zone tables.
func (f *FTL) Open() error {
	if err := f.sanityCheck(); err != nil {
		return err
	}
	f.buildBadBlkList()

	if f.forceFormat || !f.checkFormatMark() {
		f.log.Info("do format")
		f.format()
		f.log.Info("end format")
	} else {
		f.loadMetadata()
	}
	f.readBufID = 0
	f.writeBufID = 0
	f.flash.ClearIRQ()

	f.fbq.reset()
	f.openQ.reset()
	f.openZones = 0
	f.searchGoodFBGs()

	var last uint32
	for i := 0; i < f.geom.RandSeedBlks; i++ {
		last = f.fbq.dequeue()
	}
	f.randWriteBlks = int(last) + 1

	f.znsInit()

	f.log.WithFields(logrus.Fields{
		"lsectors":        f.geom.NumLSectors(),
		"banks":           f.geom.NumBanks,
		"vblks_per_bank":  f.geom.VblksPerBank,
		"rand_write_blks": f.randWriteBlks,
	}).Info("ftl open")
	return nil
}

func (f *FTL) sanityCheck() error {
	if f.geom.miscMetaBytes() > f.geom.BytesPerPage() {
		return fmt.Errorf("ftl: misc metadata exceeds one page")
	}
	if f.layout.total != f.mem.Size() {
		return fmt.Errorf("ftl: DRAM layout does not match region")
	}
	return nil
}

// Flush checkpoints the page map and the misc metadata to NAND.
func (f *FTL) Flush() {
	f.loggingPmapTable()
	f.loggingMiscMetadata()
}

// Read services a host read command.
func (f *FTL) Read(lba, numSectors int) {
	if lba == cmdStatsLBA && numSectors == cmdStatsLen {
		f.dumpStats()
		return
	}
	if lba >= f.geom.RandZoneEnd() {
		f.znsRead(lba, numSectors)
		return
	}
	f.readRandom(lba, numSectors)
}

// Write services a host write command, decoding the magic selectors
// first.
func (f *FTL) Write(lba, numSectors int) {
	lpn := lba / f.geom.SectorsPerPage
	f.stats[lpn%f.geom.NumBanks].HostWrite++

	switch {
	case lba == cmdResetLBA && numSectors == cmdResetLen:
		zone := int(f.consumeMagicPayload(lba, 1)[0])
		f.znsReset(zone)
	case lba == cmdDescLBA && numSectors == cmdDescLen:
		args := f.consumeMagicPayload(lba, 2)
		f.logZoneDesc(int(args[0]), int(args[1]))
	case lba == cmdIZCLBA && numSectors == cmdIZCLen:
		f.consumeIZC(lba)
	case lba == cmdTLOpenLBA && numSectors == cmdTLOpenLen:
		f.consumeTLOpen(lba)
	case lba >= f.geom.RandZoneEnd():
		f.znsWrite(lba, numSectors)
	default:
		f.writeRandom(lba, numSectors)
	}
}

// consumeMagicPayload waits for the host write buffer, reads n words
// from the sentinel offset and releases the buffer.
func (f *FTL) consumeMagicPayload(lba, n int) []uint32 {
	f.port.WaitWrite(f.writeBufID)
	base := f.port.WrBufAddr(f.writeBufID) + lba*f.geom.BytesPerSector
	args := make([]uint32, n)
	for i := range args {
		args[i] = f.mem.Read32(base + i*4)
	}
	f.advanceWriteBuf()
	return args
}

func (f *FTL) consumeIZC(lba int) {
	f.port.WaitWrite(f.writeBufID)
	base := f.port.WrBufAddr(f.writeBufID) + lba*f.geom.BytesPerSector
	src := int(f.mem.Read32(base))
	dst := int(f.mem.Read32(base + 4))
	copyLen := int(f.mem.Read32(base + 8))
	f.log.WithFields(logrus.Fields{"src": src, "dst": dst, "copy_len": copyLen}).Info("internal zone compaction")
	max := f.geom.DegZone * f.geom.NPage
	if copyLen > max {
		copyLen = max
	}
	for i := 0; i < copyLen; i++ {
		f.mem.Write32(f.layout.izcList+i*4, f.mem.Read32(base+12+i*4))
	}
	f.znsIZC(src, dst, copyLen, f.layout.izcList)
	f.advanceWriteBuf()
}

func (f *FTL) consumeTLOpen(lba int) {
	f.port.WaitWrite(f.writeBufID)
	base := f.port.WrBufAddr(f.writeBufID) + lba*f.geom.BytesPerSector
	zone := int(f.mem.Read32(base))
	bitmapLen := f.geom.DegZone * f.geom.NPage
	for i := 0; i < bitmapLen; i++ {
		f.mem.Write8(f.layout.izcList+i, f.mem.Read8(base+4+i))
	}
	f.znsTLOpen(zone, f.layout.izcList)
	f.advanceWriteBuf()
}

// ZoneReset is the administrative form of the zone reset command.
func (f *FTL) ZoneReset(zone int) {
	f.znsReset(zone)
}

// IZC is the administrative form of internal zone compaction: copy the
// listed source pages of src into dst in list order.
func (f *FTL) IZC(src, dst int, list []uint32) {
	if len(list) > f.geom.DegZone*f.geom.NPage {
		panic(fmt.Sprintf("ftl: izc list of %d exceeds zone", len(list)))
	}
	for i, v := range list {
		f.mem.Write32(f.layout.izcList+i*4, v)
	}
	f.znsIZC(src, dst, len(list), f.layout.izcList)
}

// TLOpen is the administrative form of the twin-logical open. bitmap
// holds one byte per destination page; set entries are materialised
// from the source and are write-protected.
func (f *FTL) TLOpen(zone int, bitmap []byte) {
	if len(bitmap) != f.geom.DegZone*f.geom.NPage {
		panic(fmt.Sprintf("ftl: tl bitmap of %d entries, want %d", len(bitmap), f.geom.DegZone*f.geom.NPage))
	}
	for i, b := range bitmap {
		f.mem.Write8(f.layout.izcList+i, b)
	}
	f.znsTLOpen(zone, f.layout.izcList)
}

// ZoneDesc describes one zone for the descriptor command.
type ZoneDesc struct {
	Zone  int
	State ZoneState
	SLBA  int
	WP    int
}

// ZoneDescs returns count descriptors starting at zone.
func (f *FTL) ZoneDescs(zone, count int) []ZoneDesc {
	descs := make([]ZoneDesc, 0, count)
	for i := 0; i < count; i++ {
		f.checkZone(zone + i)
		d := ZoneDesc{
			Zone:  zone + i,
			State: f.zoneState(zone + i),
			SLBA:  f.zoneSLBA(zone + i),
			WP:    f.zoneWP(zone + i),
		}
		if d.State == ZoneTLOpen {
			d.WP = f.zoneSLBA(zone+i) + f.tlWP(zone+i)
		}
		descs = append(descs, d)
	}
	return descs
}

func (f *FTL) logZoneDesc(zone, count int) {
	for _, d := range f.ZoneDescs(zone, count) {
		f.log.WithFields(logrus.Fields{
			"zone":  d.Zone,
			"state": d.State.String(),
			"slba":  d.SLBA,
			"wp":    d.WP,
		}).Info("zone descriptor")
	}
}

func (f *FTL) dumpStats() {
	next := (f.readBufID + 1) % f.geom.NumRdBuffers
	f.port.WaitRead(next)
	f.flash.Finish()
	f.port.SetReadLimit(next)
	f.readBufID = next

	for bank := 0; bank < f.geom.NumBanks; bank++ {
		s := f.stats[bank]
		f.log.WithFields(logrus.Fields{
			"bank":        bank,
			"gc_cnt":      s.GCCount,
			"gc_write":    s.GCWrite,
			"host_write":  s.HostWrite,
			"nand_write":  s.NandWrite,
			"page_wcount": s.PageWCount,
		}).Info("ftl statistics")
	}
}

// ServiceIRQ drains pending NAND interrupts into the log, the way the
// firmware ISR did. Uncorrectable reads and runtime bad blocks are
// reported; the bad block bitmap is rebuilt from the scan list on the
// next boot.
func (f *FTL) ServiceIRQ() {
	for bank := 0; bank < f.geom.NumBanks; bank++ {
		flags := f.flash.IRQ(bank)
		if flags == 0 {
			continue
		}
		f.flash.ClearBankIRQ(bank)
		if flags&nand.IRQDataCorrupt != 0 {
			f.log.WithField("bank", bank).Warn("uncorrectable read")
		}
		if flags&nand.IRQBadBlock != 0 {
			f.log.WithFields(logrus.Fields{
				"bank":   bank,
				"vblock": f.flash.IRQVblock(bank),
			}).Warn("runtime bad block")
		}
	}
}

// advanceWriteBuf releases the current host write buffer and moves to
// the next ring slot.
func (f *FTL) advanceWriteBuf() {
	f.writeBufID = (f.writeBufID + 1) % f.geom.NumWrBuffers
	f.flash.Finish()
	f.port.SetWriteLimit(f.writeBufID)
}

// advanceReadBuf publishes the current read buffer to the host.
func (f *FTL) advanceReadBuf() {
	f.flash.Finish()
	next := (f.readBufID + 1) % f.geom.NumRdBuffers
	f.port.SetReadLimit(next)
	f.readBufID = next
}
