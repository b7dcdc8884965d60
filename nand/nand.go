package nand

import "fmt"

// Interrupt flags reported per bank, drained by the firmware ISR.
const (
	IRQDataCorrupt uint8 = 0x01 // uncorrectable read
	IRQBadBlock    uint8 = 0x02 // runtime bad block on program/erase
	IRQAllFF       uint8 = 0x04 // last read returned an erased page
)

// Config describes the physical array geometry.
type Config struct {
	Banks          int
	BlocksPerBank  int
	PagesPerBlk    int
	SectorsPerPage int
	BytesPerSector int
}

func (c Config) BytesPerPage() int {
	return c.SectorsPerPage * c.BytesPerSector
}

// Flash emulates a raw NAND array: independent banks of blocks of
// pages. An erased page reads back all-0xFF; programming can only pull
// bits low, so reprogramming a dirty page ANDs into the old content
// like the real cells would.
type Flash struct {
	cfg Config

	// pages[bank][block*PagesPerBlk+page]; nil means erased
	pages [][][]byte
	bad   [][]bool

	irq     []uint8
	irqVblk []int

	erases   [][]int
	programs uint64
}

func New(cfg Config) *Flash {
	f := &Flash{
		cfg:     cfg,
		pages:   make([][][]byte, cfg.Banks),
		bad:     make([][]bool, cfg.Banks),
		irq:     make([]uint8, cfg.Banks),
		irqVblk: make([]int, cfg.Banks),
		erases:  make([][]int, cfg.Banks),
	}
	for bank := 0; bank < cfg.Banks; bank++ {
		f.pages[bank] = make([][]byte, cfg.BlocksPerBank*cfg.PagesPerBlk)
		f.bad[bank] = make([]bool, cfg.BlocksPerBank)
		f.erases[bank] = make([]int, cfg.BlocksPerBank)
	}
	return f
}

func (f *Flash) Config() Config {
	return f.cfg
}

func (f *Flash) checkPage(bank, vblk, page int) {
	if bank < 0 || bank >= f.cfg.Banks {
		panic(fmt.Sprintf("nand: bank %d out of range", bank))
	}
	if vblk < 0 || vblk >= f.cfg.BlocksPerBank {
		panic(fmt.Sprintf("nand: vblock %d out of range", vblk))
	}
	if page < 0 || page >= f.cfg.PagesPerBlk {
		panic(fmt.Sprintf("nand: page %d out of range", page))
	}
}

func (f *Flash) pageIndex(vblk, page int) int {
	return vblk*f.cfg.PagesPerBlk + page
}

// MarkBad flags a block so that later program/erase operations on it
// raise the runtime bad block interrupt, like a grown bad block.
func (f *Flash) MarkBad(bank, vblk int) {
	f.checkPage(bank, vblk, 0)
	f.bad[bank][vblk] = true
}

// BlockErase resets every page of the block to the erased state.
func (f *Flash) BlockErase(bank, vblk int) {
	f.checkPage(bank, vblk, 0)
	if f.bad[bank][vblk] {
		f.irq[bank] |= IRQBadBlock
		f.irqVblk[bank] = vblk
	}
	base := f.pageIndex(vblk, 0)
	for page := 0; page < f.cfg.PagesPerBlk; page++ {
		f.pages[bank][base+page] = nil
	}
	f.erases[bank][vblk]++
}

func (f *Flash) program(bank, vblk, page, sectOffset, numSect int, src []byte) {
	f.checkPage(bank, vblk, page)
	if sectOffset < 0 || numSect <= 0 || sectOffset+numSect > f.cfg.SectorsPerPage {
		panic(fmt.Sprintf("nand: program [%d,%d) outside page", sectOffset, sectOffset+numSect))
	}
	if f.bad[bank][vblk] {
		f.irq[bank] |= IRQBadBlock
		f.irqVblk[bank] = vblk
	}
	idx := f.pageIndex(vblk, page)
	cells := f.pages[bank][idx]
	if cells == nil {
		cells = make([]byte, f.cfg.BytesPerPage())
		for i := range cells {
			cells[i] = 0xFF
		}
		f.pages[bank][idx] = cells
	}
	lo := sectOffset * f.cfg.BytesPerSector
	hi := (sectOffset + numSect) * f.cfg.BytesPerSector
	for i := lo; i < hi; i++ {
		cells[i] &= src[i]
	}
	f.programs++
}

// PageProgram programs a full page. src must hold at least a page of
// data laid out sector by sector.
func (f *Flash) PageProgram(bank, vblk, page int, src []byte) {
	f.program(bank, vblk, page, 0, f.cfg.SectorsPerPage, src)
}

// PagePtProgram programs numSect sectors starting at sectOffset. The
// sectors are taken from their natural offsets inside the page-aligned
// src buffer.
func (f *Flash) PagePtProgram(bank, vblk, page, sectOffset, numSect int, src []byte) {
	f.program(bank, vblk, page, sectOffset, numSect, src)
}

func (f *Flash) read(bank, vblk, page, sectOffset, numSect int, dst []byte) bool {
	f.checkPage(bank, vblk, page)
	if sectOffset < 0 || numSect <= 0 || sectOffset+numSect > f.cfg.SectorsPerPage {
		panic(fmt.Sprintf("nand: read [%d,%d) outside page", sectOffset, sectOffset+numSect))
	}
	cells := f.pages[bank][f.pageIndex(vblk, page)]
	lo := sectOffset * f.cfg.BytesPerSector
	hi := (sectOffset + numSect) * f.cfg.BytesPerSector
	allFF := true
	if cells == nil {
		for i := lo; i < hi; i++ {
			dst[i] = 0xFF
		}
	} else {
		copy(dst[lo:hi], cells[lo:hi])
		for i := lo; i < hi; i++ {
			if dst[i] != 0xFF {
				allFF = false
				break
			}
		}
	}
	if allFF {
		f.irq[bank] |= IRQAllFF
	}
	return allFF
}

// PageRead reads a full page into dst and reports whether the page was
// erased (all-0xFF).
func (f *Flash) PageRead(bank, vblk, page int, dst []byte) bool {
	return f.read(bank, vblk, page, 0, f.cfg.SectorsPerPage, dst)
}

// PagePtRead reads numSect sectors starting at sectOffset into their
// natural offsets inside the page-aligned dst buffer.
func (f *Flash) PagePtRead(bank, vblk, page, sectOffset, numSect int, dst []byte) bool {
	return f.read(bank, vblk, page, sectOffset, numSect, dst)
}

// PageCopyback moves a page inside one bank without passing through
// DRAM, the way the controller copyback command does.
func (f *Flash) PageCopyback(bank, srcBlk, srcPage, dstBlk, dstPage int) {
	f.checkPage(bank, srcBlk, srcPage)
	f.checkPage(bank, dstBlk, dstPage)
	src := f.pages[bank][f.pageIndex(srcBlk, srcPage)]
	if src == nil {
		return // copying an erased page programs nothing
	}
	buf := make([]byte, len(src))
	copy(buf, src)
	f.program(bank, dstBlk, dstPage, 0, f.cfg.SectorsPerPage, buf)
}

// Finish blocks until all banks are idle. The emulated array completes
// operations synchronously, so there is nothing to wait for.
func (f *Flash) Finish() {}

// IRQ returns the pending interrupt flags of a bank.
func (f *Flash) IRQ(bank int) uint8 {
	return f.irq[bank]
}

// IRQVblock reports the block involved in the last bad block event.
func (f *Flash) IRQVblock(bank int) int {
	return f.irqVblk[bank]
}

// ClearBankIRQ acknowledges a single bank.
func (f *Flash) ClearBankIRQ(bank int) {
	f.irq[bank] = 0
}

// ClearIRQ acknowledges every bank.
func (f *Flash) ClearIRQ() {
	for bank := range f.irq {
		f.irq[bank] = 0
	}
}

// EraseCount reports how many times a block has been erased.
func (f *Flash) EraseCount(bank, vblk int) int {
	f.checkPage(bank, vblk, 0)
	return f.erases[bank][vblk]
}

// Programs reports the total page program operations issued.
func (f *Flash) Programs() uint64 {
	return f.programs
}
