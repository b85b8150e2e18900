package codesign

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"go.mozilla.org/pkcs7"

	"github.com/aluedeke/go-sideload/pkg/macho"
)

// SignatureInfo is the decoded embedded signature of one Mach-O slice.
type SignatureInfo struct {
	Blobs           []BlobIndexEntry
	CodeDirs        []CodeDirectoryInfo
	Requirements    []byte
	EntitlementsXML []byte
	Entitlements    map[string]interface{}
	EntitlementsDER []byte
	CMS             []byte
	SignerCN        string
	SignerTeamID    string
}

// BlobIndexEntry is one SuperBlob index entry.
type BlobIndexEntry struct {
	Slot   uint32
	Offset uint32
	Magic  uint32
	Size   uint32
}

type CodeDirectoryInfo struct {
	Slot          uint32
	Version       uint32
	Flags         uint32
	HashType      uint8
	HashSize      uint8
	PageSize      uint32
	Identifier    string
	TeamID        string
	CodeLimit     uint32
	NSpecialSlots uint32
	NCodeSlots    uint32
	ExecSegBase   uint64
	ExecSegLimit  uint64
	ExecSegFlags  uint64

	// SpecialHashes is keyed by positive slot number; zero hashes are left out.
	SpecialHashes map[int][]byte
	CodeHashes    [][]byte
}

// IsAdhoc reports whether the first CodeDirectory carries CS_ADHOC.
func (si *SignatureInfo) IsAdhoc() bool {
	return len(si.CodeDirs) > 0 && si.CodeDirs[0].Flags&CS_ADHOC != 0
}

// ParseSignature decodes the signature of the first slice of a Mach-O or
// universal image.
func ParseSignature(data []byte) (*SignatureInfo, error) {
	img, err := macho.Parse(data)
	if err != nil {
		return nil, err
	}
	s := img.Slices()[0]
	_, off, size, ok := s.CodeSignature()
	if !ok {
		return nil, fmt.Errorf("no code signature found")
	}
	if uint64(off)+uint64(size) > uint64(len(s.Data)) {
		return nil, fmt.Errorf("code signature extends beyond file")
	}
	return parseSuperBlob(s.Data[off : off+size])
}

func parseSuperBlob(sig []byte) (*SignatureInfo, error) {
	if len(sig) < 12 {
		return nil, fmt.Errorf("signature data too short")
	}
	if magic := binary.BigEndian.Uint32(sig); magic != CSMAGIC_EMBEDDED_SIGNATURE {
		return nil, fmt.Errorf("invalid SuperBlob magic: %#x", magic)
	}
	count := binary.BigEndian.Uint32(sig[8:])
	if uint64(12)+uint64(count)*8 > uint64(len(sig)) {
		return nil, fmt.Errorf("signature data too short for %d blobs", count)
	}

	info := &SignatureInfo{}
	for i := uint32(0); i < count; i++ {
		slot := binary.BigEndian.Uint32(sig[12+i*8:])
		off := binary.BigEndian.Uint32(sig[16+i*8:])
		if uint64(off)+8 > uint64(len(sig)) {
			return nil, fmt.Errorf("blob %d at %#x beyond signature", i, off)
		}
		entry := BlobIndexEntry{
			Slot:   slot,
			Offset: off,
			Magic:  binary.BigEndian.Uint32(sig[off:]),
			Size:   binary.BigEndian.Uint32(sig[off+4:]),
		}
		if entry.Size < 8 || uint64(off)+uint64(entry.Size) > uint64(len(sig)) {
			return nil, fmt.Errorf("blob %d size %d out of range", i, entry.Size)
		}
		info.Blobs = append(info.Blobs, entry)

		blob := sig[off : off+entry.Size]
		switch slot {
		case CSSLOT_CODEDIRECTORY, CSSLOT_ALTERNATE_CODEDIRECTORIES:
			cd, err := parseCodeDirectory(blob, slot)
			if err != nil {
				return nil, err
			}
			info.CodeDirs = append(info.CodeDirs, *cd)
		case CSSLOT_REQUIREMENTS:
			info.Requirements = blob
		case CSSLOT_ENTITLEMENTS:
			info.EntitlementsXML = blob[8:]
			info.Entitlements, _ = ParseEntitlementsXML(blob[8:])
		case CSSLOT_ENTITLEMENTS_DER:
			info.EntitlementsDER = blob[8:]
		case CSSLOT_CMS_SIGNATURE:
			info.CMS = blob[8:]
			info.parseSigner()
		}
	}
	return info, nil
}

func (si *SignatureInfo) parseSigner() {
	if len(si.CMS) == 0 {
		return
	}
	p7, err := pkcs7.Parse(si.CMS)
	if err != nil || len(p7.Signers) == 0 {
		return
	}
	serial := p7.Signers[0].IssuerAndSerialNumber.SerialNumber
	for _, cert := range p7.Certificates {
		if cert.SerialNumber.Cmp(serial) == 0 {
			si.SignerCN = cert.Subject.CommonName
			si.SignerTeamID = CertificateTeamID(cert)
			return
		}
	}
}

func cString(data []byte, off uint32) string {
	if off == 0 || off >= uint32(len(data)) {
		return ""
	}
	rest := data[off:]
	if i := bytes.IndexByte(rest, 0); i >= 0 {
		rest = rest[:i]
	}
	return string(rest)
}

func parseCodeDirectory(data []byte, slot uint32) (*CodeDirectoryInfo, error) {
	if len(data) < 44 {
		return nil, fmt.Errorf("CodeDirectory in slot %#x too short", slot)
	}
	be := binary.BigEndian
	cd := &CodeDirectoryInfo{
		Slot:          slot,
		Version:       be.Uint32(data[8:]),
		Flags:         be.Uint32(data[12:]),
		NSpecialSlots: be.Uint32(data[24:]),
		NCodeSlots:    be.Uint32(data[28:]),
		CodeLimit:     be.Uint32(data[32:]),
		HashSize:      data[36],
		HashType:      data[37],
		PageSize:      1 << data[39],
		SpecialHashes: map[int][]byte{},
	}
	hashOff := be.Uint32(data[16:])
	cd.Identifier = cString(data, be.Uint32(data[20:]))
	if cd.Version >= 0x20200 && len(data) >= 52 {
		cd.TeamID = cString(data, be.Uint32(data[48:]))
	}
	if cd.Version >= 0x20400 && len(data) >= 88 {
		cd.ExecSegBase = be.Uint64(data[64:])
		cd.ExecSegLimit = be.Uint64(data[72:])
		cd.ExecSegFlags = be.Uint64(data[80:])
	}

	hs := uint32(cd.HashSize)
	if uint64(cd.NSpecialSlots)*uint64(hs) > uint64(hashOff) ||
		uint64(hashOff)+uint64(cd.NCodeSlots)*uint64(hs) > uint64(len(data)) {
		return nil, fmt.Errorf("CodeDirectory in slot %#x has hashes out of range", slot)
	}
	zero := make([]byte, hs)
	for i := uint32(1); i <= cd.NSpecialSlots; i++ {
		h := data[hashOff-i*hs : hashOff-(i-1)*hs]
		if !bytes.Equal(h, zero) {
			cd.SpecialHashes[int(i)] = h
		}
	}
	for i := uint32(0); i < cd.NCodeSlots; i++ {
		cd.CodeHashes = append(cd.CodeHashes, data[hashOff+i*hs:hashOff+(i+1)*hs])
	}
	return cd, nil
}

// VerifyCodeHashes checks the page hashes of every CodeDirectory against
// the first slice's code.
func VerifyCodeHashes(data []byte) error {
	img, err := macho.Parse(data)
	if err != nil {
		return err
	}
	code := img.Slices()[0].Data
	info, err := ParseSignature(data)
	if err != nil {
		return err
	}
	for _, cd := range info.CodeDirs {
		if int(cd.CodeLimit) > len(code) {
			return fmt.Errorf("code limit %#x beyond slice", cd.CodeLimit)
		}
		for i, want := range cd.CodeHashes {
			start := i * int(cd.PageSize)
			end := start + int(cd.PageSize)
			if end > int(cd.CodeLimit) {
				end = int(cd.CodeLimit)
			}
			if got := computeHash(code[start:end], cd.HashType); !bytes.Equal(got, want) {
				return fmt.Errorf("page %d hash mismatch in slot %#x", i, cd.Slot)
			}
		}
	}
	return nil
}

// PrintSignatureInfo writes a human readable summary of info.
func PrintSignatureInfo(w io.Writer, info *SignatureInfo) {
	fmt.Fprintf(w, "SuperBlob: %d blobs\n", len(info.Blobs))
	for _, b := range info.Blobs {
		fmt.Fprintf(w, "  slot %#07x  magic %#x  %d bytes\n", b.Slot, b.Magic, b.Size)
	}
	for _, cd := range info.CodeDirs {
		fmt.Fprintf(w, "CodeDirectory (slot %#x)\n", cd.Slot)
		fmt.Fprintf(w, "  Identifier: %s\n", cd.Identifier)
		if cd.TeamID != "" {
			fmt.Fprintf(w, "  TeamID:     %s\n", cd.TeamID)
		}
		fmt.Fprintf(w, "  Version:    %#x  Flags: %#x  HashType: %d\n", cd.Version, cd.Flags, cd.HashType)
		fmt.Fprintf(w, "  Code:       %d bytes, %d pages, %d special slots\n", cd.CodeLimit, cd.NCodeSlots, cd.NSpecialSlots)
		fmt.Fprintf(w, "  ExecSeg:    base %#x limit %#x flags %#x\n", cd.ExecSegBase, cd.ExecSegLimit, cd.ExecSegFlags)

		slots := make([]int, 0, len(cd.SpecialHashes))
		for s := range cd.SpecialHashes {
			slots = append(slots, s)
		}
		sort.Ints(slots)
		for _, s := range slots {
			fmt.Fprintf(w, "  -%d: %s\n", s, hex.EncodeToString(cd.SpecialHashes[s]))
		}
	}
	if info.IsAdhoc() {
		fmt.Fprintln(w, "Signer: ad-hoc")
	} else if info.SignerCN != "" {
		fmt.Fprintf(w, "Signer: %s (%s)\n", info.SignerCN, info.SignerTeamID)
	}
	if len(info.EntitlementsXML) > 0 {
		fmt.Fprintf(w, "Entitlements:\n%s\n", info.EntitlementsXML)
	}
}
