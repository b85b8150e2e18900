package macho

import (
	gomacho "github.com/blacktop/go-macho"
)

// Segment locates a segment command inside a slice.
type Segment struct {
	Name string
	// CmdOffset is the offset of the segment command in the slice.
	CmdOffset int
	FileOff   uint64
	FileSize  uint64
	VMSize    uint64
}

// Is64 reports whether the slice uses the 64-bit header layout.
func (s *Slice) Is64() bool { return s.is64 }

// HeaderSize is the size of the mach header preceding the load commands.
func (s *Slice) HeaderSize() int { return s.headerSize() }

// CommandsEnd is the offset of the first byte past the load commands.
func (s *Slice) CommandsEnd() int { return s.commandsEnd() }

// FreeSpace is the room available for new load commands.
func (s *Slice) FreeSpace() int { return s.freeSpace() }

// Segment looks up a segment command by name.
func (s *Slice) Segment(name string) (Segment, bool) {
	for _, c := range s.cmds {
		seg, ok := c.load.(*gomacho.Segment)
		if !ok || seg.Name != name {
			continue
		}
		return Segment{
			Name:      name,
			CmdOffset: c.offset,
			FileOff:   seg.Offset,
			FileSize:  seg.Filesz,
			VMSize:    seg.Memsz,
		}, true
	}
	return Segment{}, false
}

// CodeSignature returns the offset of the LC_CODE_SIGNATURE command and the
// signature data range it points at.
func (s *Slice) CodeSignature() (cmdOffset int, dataOff, dataSize uint32, ok bool) {
	for _, c := range s.cmds {
		if cs, ok := c.load.(*gomacho.CodeSignature); ok {
			return c.offset, cs.Offset, cs.Size, true
		}
	}
	return 0, 0, 0, false
}

// SetData replaces the slice contents and reindexes its load commands.
// On error the previous contents are kept.
func (s *Slice) SetData(data []byte) error {
	prev, prevFile, prevCmds, prev64 := s.Data, s.file, s.cmds, s.is64
	s.Data = data
	if err := s.reindex(); err != nil {
		s.Data, s.file, s.cmds, s.is64 = prev, prevFile, prevCmds, prev64
		return err
	}
	return nil
}
