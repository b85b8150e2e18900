package macho

import (
	"encoding/binary"

	gomacho "github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

// dylibOf returns the decoded dylib command behind any of the load kinds
// that pull in a library.
func dylibOf(l gomacho.Load) (*gomacho.Dylib, bool) {
	switch d := l.(type) {
	case *gomacho.LoadDylib:
		return &d.Dylib, true
	case *gomacho.WeakDylib:
		return &d.Dylib, true
	case *gomacho.ReExportDylib:
		return &d.Dylib, true
	case *gomacho.LazyLoadDylib:
		return &d.Dylib, true
	case *gomacho.UpwardDylib:
		return &d.Dylib, true
	}
	return nil, false
}

// dylibName returns the install name of a dylib command and the offset of its
// string storage within the command.
func dylibName(c loadCommand) (string, int, bool) {
	d, ok := dylibOf(c.load)
	if !ok || int(d.NameOffset) < dylibCmdSize {
		return "", 0, false
	}
	return d.Name, int(d.NameOffset), true
}

func (s *Slice) dylibPaths() []string {
	var out []string
	for _, c := range s.cmds {
		if name, _, ok := dylibName(c); ok {
			out = append(out, name)
		}
	}
	return out
}

func (s *Slice) hasDylib(path string) bool {
	for _, p := range s.dylibPaths() {
		if p == path {
			return true
		}
	}
	return false
}

// DylibLoadPaths returns the install names of the dylib load commands of the
// first slice, in command order. Edits are applied to every slice alike.
func (img *Image) DylibLoadPaths() []string {
	if len(img.slices) == 0 {
		return nil
	}
	return img.slices[0].dylibPaths()
}

// weakDylibCommand encodes an LC_LOAD_WEAK_DYLIB for path, padded to 8 bytes.
func weakDylibCommand(path string) []byte {
	n := len(path) + 1
	pad := (8 - n%8) % 8
	size := dylibCmdSize + n + pad

	b := make([]byte, size)
	le := binary.LittleEndian
	le.PutUint32(b[0:], uint32(types.LC_LOAD_WEAK_DYLIB))
	le.PutUint32(b[4:], uint32(size))
	le.PutUint32(b[8:], dylibCmdSize)
	le.PutUint32(b[12:], dylibTimestamp)
	le.PutUint32(b[16:], dylibVersion)
	le.PutUint32(b[20:], dylibVersion)
	copy(b[dylibCmdSize:], path)
	return b
}

// AddDylibLoadPath appends a weak load of path to every slice that lacks one.
// Every slice is checked for room before any is modified, so a capacity
// failure leaves the image untouched.
func (img *Image) AddDylibLoadPath(path string) error {
	cmd := weakDylibCommand(path)

	var targets []*Slice
	for _, s := range img.slices {
		if s.hasDylib(path) {
			continue
		}
		if free := s.freeSpace(); free < len(cmd) {
			return &CapacityError{Path: path, Need: len(cmd), Have: free}
		}
		targets = append(targets, s)
	}

	for _, s := range targets {
		end := s.commandsEnd()
		copy(s.Data[end:], cmd)
		s.put32(16, s.NCmds()+1)
		s.put32(20, s.SizeOfCmds()+uint32(len(cmd)))
		if err := s.reindex(); err != nil {
			return err
		}
	}
	return nil
}

// RemoveDylibLoadPath deletes every dylib command naming path. The commands
// after each one slide down and the vacated tail of the command area is
// zeroed. File length is unchanged.
func (img *Image) RemoveDylibLoadPath(path string) error {
	for _, s := range img.slices {
		var doomed []loadCommand
		for _, c := range s.cmds {
			if name, _, ok := dylibName(c); ok && name == path {
				doomed = append(doomed, c)
			}
		}
		if len(doomed) == 0 {
			continue
		}

		ncmds, sizeofcmds := s.NCmds(), s.SizeOfCmds()
		end := s.commandsEnd()
		for i := len(doomed) - 1; i >= 0; i-- {
			c := doomed[i]
			copy(s.Data[c.offset:], s.Data[c.offset+c.size:end])
			end -= c.size
			ncmds--
			sizeofcmds -= uint32(c.size)
		}
		zero := s.Data[end:s.commandsEnd()]
		for i := range zero {
			zero[i] = 0
		}
		s.put32(16, ncmds)
		s.put32(20, sizeofcmds)
		if err := s.reindex(); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceDylibLoadPath rewrites the install name of commands naming oldPath
// in place. The command size never changes; a new name that does not fit
// the existing string storage is an error and nothing is modified.
func (img *Image) ReplaceDylibLoadPath(oldPath, newPath string) error {
	type edit struct {
		s       *Slice
		c       loadCommand
		nameOff int
	}
	var edits []edit
	for _, s := range img.slices {
		for _, c := range s.cmds {
			name, nameOff, ok := dylibName(c)
			if !ok || name != oldPath {
				continue
			}
			if have := c.size - nameOff; len(newPath)+1 > have {
				return &CapacityError{Path: newPath, Need: len(newPath) + 1, Have: have}
			}
			edits = append(edits, edit{s, c, nameOff})
		}
	}

	touched := map[*Slice]bool{}
	for _, e := range edits {
		start := e.c.offset + e.nameOff
		field := e.s.Data[start : e.c.offset+e.c.size]
		for i := range field {
			field[i] = 0
		}
		copy(field, newPath)
		touched[e.s] = true
	}
	for _, s := range img.slices {
		if !touched[s] {
			continue
		}
		if err := s.reindex(); err != nil {
			return err
		}
	}
	return nil
}
