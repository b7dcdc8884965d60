package ftl

import (
	"fmt"

	"github.com/newhook/zftl/nand"
)

const (
	// VCMax marks a vblock as ineligible for host data: bad blocks,
	// metadata blocks and the per-bank GC reserve all carry it.
	VCMax = 0xCDCD

	// MiscBlkVbn is the fixed home of the misc metadata log.
	MiscBlkVbn = 1

	// ScanListPage is the page of block 0 holding the vendor bad
	// block scan list.
	ScanListPage = 0

	// scanListItems bounds a trustworthy scan list.
	scanListItems = 128

	// smallHoleSectors selects the full-read merge strategy for
	// narrow partial writes that do not start at sector 0.
	smallHoleSectors = 8

	// randZones is the number of leading zone-sized LBA stripes that
	// form the page-mapped random region.
	randZones = 6
)

// Geometry fixes every dimension of the device. The zoned region
// derives from DegZone banks striped NPage pages deep; the random
// region covers the first six zone-sized stripes of the LBA space.
type Geometry struct {
	NumBanks       int `toml:"num_banks"`
	VblksPerBank   int `toml:"vblks_per_bank"`
	PagesPerBlk    int `toml:"pages_per_blk"`
	SectorsPerPage int `toml:"sectors_per_page"`
	BytesPerSector int `toml:"bytes_per_sector"`

	DegZone     int `toml:"deg_zone"`
	NPage       int `toml:"npage"`
	NZone       int `toml:"nzone"`
	MaxOpenZone int `toml:"max_open_zone"`

	NumRdBuffers int `toml:"num_rd_buffers"`
	NumWrBuffers int `toml:"num_wr_buffers"`

	// RandSeedBlks is the number of free block groups dequeued at
	// boot to seed the random-write region; it is also the initial
	// per-bank free block count.
	RandSeedBlks int `toml:"rand_seed_blks"`

	// FormatMarkPage is the page of (bank 0, block 0) just past the
	// firmware image where the format mark lives.
	FormatMarkPage int `toml:"format_mark_page"`
}

// Default mirrors the reference controller: eight banks of 64 blocks,
// 128 pages of 64 sectors, zones striped over half the banks.
func Default() Geometry {
	return Geometry{
		NumBanks:       8,
		VblksPerBank:   64,
		PagesPerBlk:    128,
		SectorsPerPage: 64,
		BytesPerSector: 512,
		DegZone:        4,
		NPage:          128,
		NZone:          16,
		MaxOpenZone:    8,
		NumRdBuffers:   16,
		NumWrBuffers:   16,
		RandSeedBlks:   8,
		FormatMarkPage: 1,
	}
}

func (g Geometry) BytesPerPage() int { return g.SectorsPerPage * g.BytesPerSector }
func (g Geometry) NumFCG() int       { return g.NumBanks / g.DegZone }

// ZoneSize is the zone length in sectors.
func (g Geometry) ZoneSize() int { return g.DegZone * g.NPage * g.SectorsPerPage }

func (g Geometry) NumLSectors() int { return g.NZone * g.ZoneSize() }
func (g Geometry) NumLPages() int   { return g.NumLSectors() / g.SectorsPerPage }

// RandZoneEnd is the LBA boundary between the page-mapped region and
// the zoned region.
func (g Geometry) RandZoneEnd() int { return randZones * g.ZoneSize() }

func (g Geometry) pageMapBytes() int { return g.NumLPages() * 4 }
func (g Geometry) vcountBytes() int  { return g.NumBanks * g.VblksPerBank * 2 }

// MapblksPerBank is the number of NAND blocks each bank dedicates to
// the paged-out mapping table.
func (g Geometry) MapblksPerBank() int {
	perBank := g.pageMapBytes() / g.NumBanks
	return (perBank + g.BytesPerPage() - 1) / g.BytesPerPage()
}

// MetaBlksPerBank counts block 0, the misc block and the map blocks.
func (g Geometry) MetaBlksPerBank() int { return 1 + 1 + g.MapblksPerBank() }

func (g Geometry) miscMetaBytes() int {
	return 4 * (1 + 1 + g.MapblksPerBank() + 1 + 1 + g.PagesPerBlk)
}

func (g Geometry) numMiscMetaSect() int {
	return (g.miscMetaBytes() + g.BytesPerSector - 1) / g.BytesPerSector
}

func (g Geometry) numVcountSect() int {
	perBank := g.VblksPerBank * 2
	return (perBank + g.BytesPerSector - 1) / g.BytesPerSector
}

func (g Geometry) lpnListSects() int {
	return (4*g.PagesPerBlk + g.BytesPerSector - 1) / g.BytesPerSector
}

// NandConfig derives the array geometry the flash emulation needs.
func (g Geometry) NandConfig() nand.Config {
	return nand.Config{
		Banks:          g.NumBanks,
		BlocksPerBank:  g.VblksPerBank,
		PagesPerBlk:    g.PagesPerBlk,
		SectorsPerPage: g.SectorsPerPage,
		BytesPerSector: g.BytesPerSector,
	}
}

func (g Geometry) Validate() error {
	switch {
	case g.NumBanks <= 0 || g.VblksPerBank <= 0 || g.PagesPerBlk <= 0 ||
		g.SectorsPerPage <= 0 || g.BytesPerSector <= 0:
		return fmt.Errorf("geometry: array dimensions must be positive")
	case g.DegZone <= 0 || g.NumBanks%g.DegZone != 0:
		return fmt.Errorf("geometry: DegZone %d must divide NumBanks %d", g.DegZone, g.NumBanks)
	case g.NPage <= 0 || g.NPage > g.PagesPerBlk:
		return fmt.Errorf("geometry: NPage %d exceeds PagesPerBlk %d", g.NPage, g.PagesPerBlk)
	case g.NZone <= randZones:
		return fmt.Errorf("geometry: NZone %d leaves no zoned region past the %d random stripes", g.NZone, randZones)
	case g.MaxOpenZone <= 0:
		return fmt.Errorf("geometry: MaxOpenZone must be positive")
	case g.NumRdBuffers <= 1 || g.NumWrBuffers <= 1:
		return fmt.Errorf("geometry: buffer rings need at least two slots")
	case g.RandSeedBlks <= 1:
		return fmt.Errorf("geometry: RandSeedBlks must exceed one")
	case g.SectorsPerPage < 8:
		return fmt.Errorf("geometry: magic command payloads need at least 8 sectors per page")
	case g.FormatMarkPage <= ScanListPage || g.FormatMarkPage >= g.PagesPerBlk:
		return fmt.Errorf("geometry: format mark page %d out of range", g.FormatMarkPage)
	case (g.numMiscMetaSect()+g.numVcountSect()) > g.SectorsPerPage:
		return fmt.Errorf("geometry: misc metadata and vcount do not fit one page")
	case g.MetaBlksPerBank()+1+g.RandSeedBlks >= g.VblksPerBank:
		return fmt.Errorf("geometry: not enough blocks for metadata plus the random region")
	}
	return nil
}

// layout assigns every FTL table its offset inside the DRAM region,
// in the order the firmware's sanity check enumerates them.
type layout struct {
	rdBuf      int
	wrBuf      int
	ftlBuf     int // one page per bank
	tempBuf    int // scan list staging
	badBlkBmp  int
	pageMap    int
	vcount     int
	zoneState  int
	zoneWP     int
	zoneSLBA   int
	zoneBuffer int // one page per open id
	zoneToFBG  int
	fbq        int
	openZoneQ  int
	zoneToID   int
	izcList    int
	tlInternal int
	tlBitmap   int
	tlWP       int
	tlNum      int
	total      int
}

func newLayout(g Geometry) layout {
	bpp := g.BytesPerPage()
	var l layout
	off := 0
	take := func(n int) int {
		addr := off
		off += n
		return addr
	}
	l.rdBuf = take(g.NumRdBuffers * bpp)
	l.wrBuf = take(g.NumWrBuffers * bpp)
	l.ftlBuf = take(g.NumBanks * bpp)
	l.tempBuf = take(bpp)
	l.badBlkBmp = take(g.NumBanks * (g.VblksPerBank/8 + 1))
	l.pageMap = take(g.pageMapBytes())
	l.vcount = take(g.vcountBytes())
	l.zoneState = take(g.NZone)
	l.zoneWP = take(g.NZone * 4)
	l.zoneSLBA = take(g.NZone * 4)
	l.zoneBuffer = take(g.MaxOpenZone * bpp)
	l.zoneToFBG = take(g.NZone * 4)
	l.fbq = take(g.VblksPerBank * 4)
	l.openZoneQ = take(g.MaxOpenZone)
	l.zoneToID = take(g.NZone)
	l.izcList = take(g.DegZone * g.NPage * 4)
	l.tlInternal = take(bpp)
	l.tlBitmap = take(g.MaxOpenZone * g.DegZone * g.NPage)
	l.tlWP = take(g.NZone * 4)
	l.tlNum = take(g.NZone * 4)
	l.total = off
	return l
}
