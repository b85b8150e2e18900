// Package machotest builds small synthetic Mach-O executables for tests.
package machotest

import (
	"encoding/binary"
)

const (
	CPUArm64  = 0x0100000c
	CPUArm    = 0x0000000c
	CPUX86_64 = 0x01000007

	LCLoadDylib     = 0xc
	LCLoadWeakDylib = 0x80000018

	lcSegment       = 0x1
	lcSegment64     = 0x19
	lcCodeSignature = 0x1d
	lcBuildVersion  = 0x32
)

// Options describes the executable to build. The zero value is a 64-bit
// arm64 executable with a single __text section at 0x1000, no dylibs and no
// signature.
type Options struct {
	Is32 bool
	// Dylibs are emitted as LC_LOAD_DYLIB in order.
	Dylibs []string
	// SDK, when non-zero, adds an LC_BUILD_VERSION carrying it.
	SDK uint32
	// Entitlements, when set, adds a code signature SuperBlob holding only an
	// entitlements blob.
	Entitlements []byte
	// TextOffset is the file offset of __text. Defaults to 0x1000.
	TextOffset int
	// ExtraCommands are appended verbatim after the other load commands.
	ExtraCommands [][]byte
}

type builder struct {
	cmds [][]byte
}

func (b *builder) add(cmd []byte) { b.cmds = append(b.cmds, cmd) }

func name16(s string) []byte {
	n := make([]byte, 16)
	copy(n, s)
	return n
}

// Build returns the encoded executable.
func Build(o Options) []byte {
	le := binary.LittleEndian
	textOff := o.TextOffset
	if textOff == 0 {
		textOff = 0x1000
	}
	const linkeditOff = 0x4000

	var sig []byte
	if o.Entitlements != nil {
		sig = SuperBlob(o.Entitlements)
	}
	linkeditSize := 0x100
	if len(sig) > 0 {
		linkeditSize = (len(sig) + 0xf) &^ 0xf
	}

	b := &builder{}
	if o.Is32 {
		text := make([]byte, 56+68)
		le.PutUint32(text[0:], lcSegment)
		le.PutUint32(text[4:], uint32(len(text)))
		copy(text[8:], name16("__TEXT"))
		le.PutUint32(text[24:], 0x4000)
		le.PutUint32(text[28:], 0x4000)
		le.PutUint32(text[32:], 0)
		le.PutUint32(text[36:], 0x4000)
		le.PutUint32(text[40:], 5)
		le.PutUint32(text[44:], 5)
		le.PutUint32(text[48:], 1)
		sec := text[56:]
		copy(sec[0:], name16("__text"))
		copy(sec[16:], name16("__TEXT"))
		le.PutUint32(sec[32:], 0x4000+uint32(textOff))
		le.PutUint32(sec[36:], 0x100)
		le.PutUint32(sec[40:], uint32(textOff))
		le.PutUint32(sec[56:], 0x80000400)
		b.add(text)

		link := make([]byte, 56)
		le.PutUint32(link[0:], lcSegment)
		le.PutUint32(link[4:], 56)
		copy(link[8:], name16("__LINKEDIT"))
		le.PutUint32(link[24:], 0x8000)
		le.PutUint32(link[28:], 0x4000)
		le.PutUint32(link[32:], linkeditOff)
		le.PutUint32(link[36:], uint32(linkeditSize))
		le.PutUint32(link[40:], 1)
		le.PutUint32(link[44:], 1)
		b.add(link)
	} else {
		text := make([]byte, 72+80)
		le.PutUint32(text[0:], lcSegment64)
		le.PutUint32(text[4:], uint32(len(text)))
		copy(text[8:], name16("__TEXT"))
		le.PutUint64(text[24:], 0x100000000)
		le.PutUint64(text[32:], 0x4000)
		le.PutUint64(text[40:], 0)
		le.PutUint64(text[48:], 0x4000)
		le.PutUint32(text[56:], 5)
		le.PutUint32(text[60:], 5)
		le.PutUint32(text[64:], 1)
		sec := text[72:]
		copy(sec[0:], name16("__text"))
		copy(sec[16:], name16("__TEXT"))
		le.PutUint64(sec[32:], 0x100000000+uint64(textOff))
		le.PutUint64(sec[40:], 0x100)
		le.PutUint32(sec[48:], uint32(textOff))
		le.PutUint32(sec[64:], 0x80000400)
		b.add(text)

		link := make([]byte, 72)
		le.PutUint32(link[0:], lcSegment64)
		le.PutUint32(link[4:], 72)
		copy(link[8:], name16("__LINKEDIT"))
		le.PutUint64(link[24:], 0x100004000)
		le.PutUint64(link[32:], 0x4000)
		le.PutUint64(link[40:], linkeditOff)
		le.PutUint64(link[48:], uint64(linkeditSize))
		le.PutUint32(link[56:], 1)
		le.PutUint32(link[60:], 1)
		b.add(link)
	}

	if o.SDK != 0 {
		bv := make([]byte, 24)
		le.PutUint32(bv[0:], lcBuildVersion)
		le.PutUint32(bv[4:], 24)
		le.PutUint32(bv[8:], 2) // iOS
		le.PutUint32(bv[12:], 0x0e0000)
		le.PutUint32(bv[16:], o.SDK)
		b.add(bv)
	}

	for _, d := range o.Dylibs {
		b.add(DylibCommand(LCLoadDylib, d))
	}

	if len(sig) > 0 {
		cs := make([]byte, 16)
		le.PutUint32(cs[0:], lcCodeSignature)
		le.PutUint32(cs[4:], 16)
		le.PutUint32(cs[8:], linkeditOff)
		le.PutUint32(cs[12:], uint32(len(sig)))
		b.add(cs)
	}

	for _, c := range o.ExtraCommands {
		b.add(c)
	}

	hdrSize := 32
	magic := uint32(0xfeedfacf)
	cpu := uint32(CPUArm64)
	if o.Is32 {
		hdrSize = 28
		magic = 0xfeedface
		cpu = CPUArm
	}

	out := make([]byte, linkeditOff+linkeditSize)
	le.PutUint32(out[0:], magic)
	le.PutUint32(out[4:], cpu)
	le.PutUint32(out[12:], 2) // MH_EXECUTE
	le.PutUint32(out[16:], uint32(len(b.cmds)))
	off := hdrSize
	for _, c := range b.cmds {
		copy(out[off:], c)
		off += len(c)
	}
	le.PutUint32(out[20:], uint32(off-hdrSize))

	// recognizable code bytes at __text
	for i := 0; i < 0x100; i++ {
		out[textOff+i] = byte(i)
	}
	copy(out[linkeditOff:], sig)
	return out
}

// DylibCommand encodes a dylib_command of the given kind with 8-byte padding.
func DylibCommand(kind uint32, path string) []byte {
	n := len(path) + 1
	size := 24 + n + (8-n%8)%8
	c := make([]byte, size)
	le := binary.LittleEndian
	le.PutUint32(c[0:], kind)
	le.PutUint32(c[4:], uint32(size))
	le.PutUint32(c[8:], 24)
	le.PutUint32(c[12:], 2)
	le.PutUint32(c[16:], 0x10000)
	le.PutUint32(c[20:], 0x10000)
	copy(c[24:], path)
	return c
}

// SuperBlob wraps an entitlements plist in an embedded signature SuperBlob.
func SuperBlob(entitlements []byte) []byte {
	be := binary.BigEndian
	blob := make([]byte, 8+len(entitlements))
	be.PutUint32(blob[0:], 0xfade7171)
	be.PutUint32(blob[4:], uint32(len(blob)))
	copy(blob[8:], entitlements)

	sb := make([]byte, 20+len(blob))
	be.PutUint32(sb[0:], 0xfade0cc0)
	be.PutUint32(sb[4:], uint32(len(sb)))
	be.PutUint32(sb[8:], 1)
	be.PutUint32(sb[12:], 5)
	be.PutUint32(sb[16:], 20)
	copy(sb[20:], blob)
	return sb
}

// Fat wraps thin images in a universal container with 0x4000 alignment.
func Fat(cpus []uint32, slices ...[]byte) []byte {
	be := binary.BigEndian
	const align = 14
	hdr := 8 + 20*len(slices)
	offsets := make([]int, len(slices))
	cur := hdr
	for i, s := range slices {
		cur = (cur + (1<<align - 1)) &^ (1<<align - 1)
		offsets[i] = cur
		cur += len(s)
	}
	out := make([]byte, cur)
	be.PutUint32(out[0:], 0xcafebabe)
	be.PutUint32(out[4:], uint32(len(slices)))
	for i, s := range slices {
		base := 8 + 20*i
		be.PutUint32(out[base:], cpus[i])
		be.PutUint32(out[base+8:], uint32(offsets[i]))
		be.PutUint32(out[base+12:], uint32(len(s)))
		be.PutUint32(out[base+16:], align)
		copy(out[offsets[i]:], s)
	}
	return out
}
