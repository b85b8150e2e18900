package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	gomacho "github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

const (
	fatHeaderSize  = 8
	fatArchSize    = 20
	defaultAlign   = 14 // 0x4000
	header32Size   = 28
	header64Size   = 32
	dylibCmdSize   = 24
	dylibTimestamp = 2
	dylibVersion   = 0x10000
)

// Slice is one architecture of an image. Data is owned by the Image and is
// replaced wholesale on every mutation.
type Slice struct {
	CPU    uint32
	SubCPU uint32
	Align  uint32
	Data   []byte

	// file is the decoded view of Data. Every edit reindexes it.
	file *gomacho.File
	is64 bool
	cmds []loadCommand
}

// loadCommand pairs a decoded load command with its offset in Slice.Data.
type loadCommand struct {
	offset int
	cmd    types.LoadCmd
	size   int
	load   gomacho.Load
}

// Image is a thin or universal Mach-O held in memory.
type Image struct {
	path   string
	fat    bool
	slices []*Slice

	entitlements map[string]interface{}
	entLoaded    bool
}

// Open reads and parses the image at path. Commit writes it back there.
func Open(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	img, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	img.path = path
	return img, nil
}

// Parse validates data as a thin or universal Mach-O and indexes its load
// commands. The buffer is copied.
func Parse(data []byte) (*Image, error) {
	if len(data) < 4 {
		return nil, parseErr(0, nil, "file too short (%d bytes)", len(data))
	}

	var ff *gomacho.FatFile
	err := decode(func() (err error) {
		ff, err = gomacho.NewFatFile(bytes.NewReader(data))
		return err
	})
	if err == gomacho.ErrNotFat {
		s := &Slice{Data: append([]byte(nil), data...), Align: defaultAlign}
		if err := s.reindex(); err != nil {
			return nil, err
		}
		s.CPU = uint32(s.file.CPU)
		s.SubCPU = uint32(s.file.SubCPU)
		return &Image{slices: []*Slice{s}}, nil
	}
	if err != nil {
		return nil, parseErr(0, err, "bad universal header")
	}
	defer ff.Close()

	img := &Image{fat: true}
	for i, arch := range ff.Arches {
		off, size := int(arch.Offset), int(arch.Size)
		if size == 0 || off+size > len(data) {
			return nil, parseErr(fatHeaderSize+i*fatArchSize, nil, "arch %d out of bounds (offset %#x size %#x)", i, off, size)
		}
		s := &Slice{
			CPU:    uint32(arch.CPU),
			SubCPU: uint32(arch.SubCPU),
			Align:  arch.Align,
			Data:   append([]byte(nil), data[off:off+size]...),
		}
		if err := s.reindex(); err != nil {
			return nil, fmt.Errorf("arch %d: %w", i, err)
		}
		img.slices = append(img.slices, s)
	}
	return img, nil
}

// decode runs a go-macho decoder. The decoder trusts the counts it reads,
// so hostile input can panic it; that becomes a ParseError carrying the
// recovered value.
func decode(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = parseErr(0, nil, "decoder panic: %v", r)
		}
	}()
	return fn()
}

// Slices returns the architecture slices in file order.
func (img *Image) Slices() []*Slice { return img.slices }

// IsUniversal reports whether the image came from a fat container.
func (img *Image) IsUniversal() bool { return img.fat }

// Path returns the file the image was opened from, if any.
func (img *Image) Path() string { return img.path }

// reindex decodes Data and rebuilds the load-command table. Each command
// starts where the previous one's bytes end.
func (s *Slice) reindex() error {
	var f *gomacho.File
	err := decode(func() (err error) {
		f, err = gomacho.NewFile(bytes.NewReader(s.Data))
		return err
	})
	if err != nil {
		if _, ok := err.(*ParseError); ok {
			return err
		}
		return parseErr(0, err, "bad slice")
	}
	if f.ByteOrder != binary.LittleEndian {
		return parseErr(0, nil, "big-endian slice (magic %#08x) not supported", uint32(f.Magic))
	}

	is64 := f.Magic == types.Magic64
	off := header32Size
	if is64 {
		off = header64Size
	}
	cmds := make([]loadCommand, 0, len(f.Loads))
	for _, l := range f.Loads {
		raw := l.Raw()
		cmds = append(cmds, loadCommand{offset: off, cmd: l.Command(), size: len(raw), load: l})
		off += len(raw)
	}

	s.file, s.is64, s.cmds = f, is64, cmds
	return nil
}

func (s *Slice) headerSize() int {
	if s.is64 {
		return header64Size
	}
	return header32Size
}

func (s *Slice) put32(off int, v uint32) { binary.LittleEndian.PutUint32(s.Data[off:], v) }

// NCmds and SizeOfCmds expose the header accounting fields.
func (s *Slice) NCmds() uint32 { return s.file.NCommands }

func (s *Slice) SizeOfCmds() uint32 { return s.file.SizeCommands }

// commandsEnd is the offset of the first byte after the load commands.
func (s *Slice) commandsEnd() int { return s.headerSize() + int(s.SizeOfCmds()) }

// firstDataOffset returns the lowest file offset holding segment or section
// content. Load commands may grow up to it.
func (s *Slice) firstDataOffset() int {
	lowest := len(s.Data)
	consider := func(v uint64) {
		if v > 0 && v < uint64(lowest) {
			lowest = int(v)
		}
	}

	for _, seg := range s.file.Segments() {
		if seg.Filesz > 0 {
			consider(seg.Offset)
		}
	}
	for _, sec := range s.file.Sections {
		if !zeroFill(sec.Flags) {
			consider(uint64(sec.Offset))
		}
	}
	return lowest
}

func zeroFill(flags types.SectionFlag) bool {
	return flags.IsZerofill() || flags.IsGbZerofill() || flags.IsThreadLocalZerofill()
}

// freeSpace is the number of bytes between the end of the load commands and
// the first segment content.
func (s *Slice) freeSpace() int {
	free := s.firstDataOffset() - s.commandsEnd()
	if free < 0 {
		return 0
	}
	return free
}

// Bytes serializes the image. A universal image is rebuilt from its slices,
// each aligned to 1<<Align.
func (img *Image) Bytes() []byte {
	if !img.fat && len(img.slices) == 1 {
		return img.slices[0].Data
	}

	offsets := make([]uint32, len(img.slices))
	cur := uint32(fatHeaderSize + len(img.slices)*fatArchSize)
	for i, s := range img.slices {
		align := s.Align
		if align == 0 || align > 20 {
			align = defaultAlign
		}
		a := uint32(1) << align
		cur = (cur + a - 1) &^ (a - 1)
		offsets[i] = cur
		cur += uint32(len(s.Data))
	}

	out := make([]byte, cur)
	binary.BigEndian.PutUint32(out, uint32(types.MagicFat))
	binary.BigEndian.PutUint32(out[4:], uint32(len(img.slices)))
	for i, s := range img.slices {
		base := fatHeaderSize + i*fatArchSize
		binary.BigEndian.PutUint32(out[base:], s.CPU)
		binary.BigEndian.PutUint32(out[base+4:], s.SubCPU)
		binary.BigEndian.PutUint32(out[base+8:], offsets[i])
		binary.BigEndian.PutUint32(out[base+12:], uint32(len(s.Data)))
		binary.BigEndian.PutUint32(out[base+16:], s.Align)
		copy(out[offsets[i]:], s.Data)
	}
	return out
}

// WriteFile writes the serialized image to path.
func (img *Image) WriteFile(path string) error {
	mode := os.FileMode(0755)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := os.WriteFile(path, img.Bytes(), mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Commit writes the image back to the file it was opened from.
func (img *Image) Commit() error {
	if img.path == "" {
		return fmt.Errorf("image has no backing file")
	}
	return img.WriteFile(img.path)
}
