package codesign

import (
	"crypto/sha1"
	"crypto/sha256"
)

const codeDirectoryVersion = 0x20400

// codeDirectoryParams is everything a CodeDirectory covers. The same params
// produce the SHA1 and the SHA256 directory.
type codeDirectoryParams struct {
	identifier string
	teamID     string
	flags      uint32
	code       []byte

	// special holds the data hashed into each special slot, keyed by slot
	// number. Slots without data get an all-zero hash.
	special       map[int][]byte
	nSpecialSlots int

	execSegBase  uint64
	execSegLimit uint64
	execSegFlags uint64
}

func hashSize(hashType uint8) int {
	if hashType == CS_HASHTYPE_SHA1 {
		return sha1.Size
	}
	return sha256.Size
}

// computeHash hashes data, returning zeros for empty input.
func computeHash(data []byte, hashType uint8) []byte {
	if len(data) == 0 {
		return make([]byte, hashSize(hashType))
	}
	switch hashType {
	case CS_HASHTYPE_SHA1:
		h := sha1.Sum(data)
		return h[:]
	case CS_HASHTYPE_SHA256:
		h := sha256.Sum256(data)
		return h[:]
	}
	return nil
}

func buildCodeDirectory(p codeDirectoryParams, hashType uint8) []byte {
	hsize := hashSize(hashType)
	codeSize := len(p.code)
	nCodeSlots := (codeSize + pageSize - 1) / pageSize

	// v0x20400 header is 88 bytes, then identifier, team id, hashes
	identOff := 88
	teamOff := 0
	next := identOff + len(p.identifier) + 1
	if p.teamID != "" {
		teamOff = next
		next += len(p.teamID) + 1
	}
	hashOff := next + p.nSpecialSlots*hsize
	total := hashOff + nCodeSlots*hsize

	cd := make([]byte, total)
	outp := put32be(cd, CSMAGIC_CODEDIRECTORY)
	outp = put32be(outp, uint32(total))
	outp = put32be(outp, codeDirectoryVersion)
	outp = put32be(outp, p.flags)
	outp = put32be(outp, uint32(hashOff))
	outp = put32be(outp, uint32(identOff))
	outp = put32be(outp, uint32(p.nSpecialSlots))
	outp = put32be(outp, uint32(nCodeSlots))
	outp = put32be(outp, uint32(codeSize))
	outp = put8(outp, uint8(hsize))
	outp = put8(outp, hashType)
	outp = put8(outp, 0) // platform
	outp = put8(outp, pageSizeBits)
	outp = put32be(outp, 0) // spare2
	outp = put32be(outp, 0) // scatterOffset
	outp = put32be(outp, uint32(teamOff))
	outp = put32be(outp, 0) // spare3
	outp = put64be(outp, 0) // codeLimit64
	outp = put64be(outp, p.execSegBase)
	outp = put64be(outp, p.execSegLimit)
	outp = put64be(outp, p.execSegFlags)

	outp = puts(outp, []byte(p.identifier+"\x00"))
	if p.teamID != "" {
		outp = puts(outp, []byte(p.teamID+"\x00"))
	}

	// special slots are stored from -n up to -1
	for slot := p.nSpecialSlots; slot >= 1; slot-- {
		outp = puts(outp, computeHash(p.special[slot], hashType))
	}

	for off := 0; off < codeSize; off += pageSize {
		end := off + pageSize
		if end > codeSize {
			end = codeSize
		}
		outp = puts(outp, computeHash(p.code[off:end], hashType))
	}
	return cd
}
