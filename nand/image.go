package nand

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/dsnet/golib/memfile"
	"github.com/ncw/directio"
)

// Flash image file: a fixed header followed by the raw page array in
// bank-major order. Erased pages are stored as 0xFF and recognised as
// erased again on load. Files are written and read with direct I/O in
// aligned blocks, so the image size on disk is padded to the block
// size; the header records the unpadded length of header plus pages.

const imageMagic = "ZFTLIMG1"

const imageHeaderSize = 8 + 5*4 + 8

func (f *Flash) imageSize() int {
	return f.cfg.Banks * f.cfg.BlocksPerBank * f.cfg.PagesPerBlk * f.cfg.BytesPerPage()
}

// SaveImage serialises the array to path.
func (f *Flash) SaveImage(path string) error {
	img := memfile.New(make([]byte, 0, imageHeaderSize+f.imageSize()))

	header := make([]byte, imageHeaderSize)
	copy(header, imageMagic)
	binary.LittleEndian.PutUint32(header[8:], uint32(f.cfg.Banks))
	binary.LittleEndian.PutUint32(header[12:], uint32(f.cfg.BlocksPerBank))
	binary.LittleEndian.PutUint32(header[16:], uint32(f.cfg.PagesPerBlk))
	binary.LittleEndian.PutUint32(header[20:], uint32(f.cfg.SectorsPerPage))
	binary.LittleEndian.PutUint32(header[24:], uint32(f.cfg.BytesPerSector))
	binary.LittleEndian.PutUint64(header[28:], uint64(imageHeaderSize+f.imageSize()))
	if _, err := img.Write(header); err != nil {
		return err
	}

	erased := make([]byte, f.cfg.BytesPerPage())
	for i := range erased {
		erased[i] = 0xFF
	}
	for bank := 0; bank < f.cfg.Banks; bank++ {
		for _, cells := range f.pages[bank] {
			page := erased
			if cells != nil {
				page = cells
			}
			if _, err := img.Write(page); err != nil {
				return err
			}
		}
	}

	out, err := directio.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening image: %w", err)
	}
	defer out.Close()

	data := img.Bytes()
	block := directio.AlignedBlock(directio.BlockSize)
	for off := 0; off < len(data); off += directio.BlockSize {
		n := copy(block, data[off:])
		for i := n; i < directio.BlockSize; i++ {
			block[i] = 0
		}
		if _, err := out.Write(block); err != nil {
			return fmt.Errorf("writing image: %w", err)
		}
	}
	return nil
}

// LoadImage reads an image written by SaveImage and returns the
// reconstructed array.
func LoadImage(path string) (*Flash, error) {
	in, err := directio.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	defer in.Close()

	img := memfile.New(nil)
	block := directio.AlignedBlock(directio.BlockSize)
	for {
		n, err := io.ReadFull(in, block)
		if n > 0 {
			if _, werr := img.Write(block[:n]); werr != nil {
				return nil, werr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading image: %w", err)
		}
	}

	data := img.Bytes()
	if len(data) < imageHeaderSize || string(data[:8]) != imageMagic {
		return nil, fmt.Errorf("not a flash image: %s", path)
	}
	cfg := Config{
		Banks:          int(binary.LittleEndian.Uint32(data[8:])),
		BlocksPerBank:  int(binary.LittleEndian.Uint32(data[12:])),
		PagesPerBlk:    int(binary.LittleEndian.Uint32(data[16:])),
		SectorsPerPage: int(binary.LittleEndian.Uint32(data[20:])),
		BytesPerSector: int(binary.LittleEndian.Uint32(data[24:])),
	}
	size := binary.LittleEndian.Uint64(data[28:])
	if uint64(len(data)) < size {
		return nil, fmt.Errorf("truncated flash image: %s", path)
	}
	data = data[:size]

	f := New(cfg)
	if len(data)-imageHeaderSize != f.imageSize() {
		return nil, fmt.Errorf("image payload does not match geometry: %s", path)
	}

	bpp := cfg.BytesPerPage()
	off := imageHeaderSize
	for bank := 0; bank < cfg.Banks; bank++ {
		for idx := range f.pages[bank] {
			page := data[off : off+bpp]
			off += bpp
			erased := true
			for _, b := range page {
				if b != 0xFF {
					erased = false
					break
				}
			}
			if !erased {
				cells := make([]byte, bpp)
				copy(cells, page)
				f.pages[bank][idx] = cells
			}
		}
	}
	return f, nil
}
