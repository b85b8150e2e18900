package codesign

import (
	"encoding/binary"
)

// Code signature constants from Apple's cs_blobs.h
const (
	pageSizeBits = 12 // 4KB pages, as zsign
	pageSize     = 1 << pageSizeBits

	CSMAGIC_REQUIREMENT               = 0xfade0c00
	CSMAGIC_REQUIREMENTS              = 0xfade0c01
	CSMAGIC_CODEDIRECTORY             = 0xfade0c02
	CSMAGIC_EMBEDDED_SIGNATURE        = 0xfade0cc0
	CSMAGIC_EMBEDDED_ENTITLEMENTS     = 0xfade7171
	CSMAGIC_EMBEDDED_ENTITLEMENTS_DER = 0xfade7172
	CSMAGIC_BLOBWRAPPER               = 0xfade0b01

	CSSLOT_CODEDIRECTORY             = 0
	CSSLOT_INFOSLOT                  = 1
	CSSLOT_REQUIREMENTS              = 2
	CSSLOT_RESOURCEDIR               = 3
	CSSLOT_APPLICATION               = 4
	CSSLOT_ENTITLEMENTS              = 5
	CSSLOT_ENTITLEMENTS_DER          = 7
	CSSLOT_ALTERNATE_CODEDIRECTORIES = 0x1000
	CSSLOT_CMS_SIGNATURE             = 0x10000

	CS_HASHTYPE_SHA1   = 1
	CS_HASHTYPE_SHA256 = 2

	CS_ADHOC = 0x2

	CS_EXECSEG_MAIN_BINARY    = 0x1
	CS_EXECSEG_ALLOW_UNSIGNED = 0x10

	LC_CODE_SIGNATURE      = 0x1d
	LC_CODE_SIGNATURE_SIZE = 16
)

// EmptyEntitlementsXML is signed into bundles that carry no entitlements.
var EmptyEntitlementsXML = []byte(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict/>
</plist>
`)

func put32be(b []byte, x uint32) []byte {
	binary.BigEndian.PutUint32(b, x)
	return b[4:]
}

func put64be(b []byte, x uint64) []byte {
	binary.BigEndian.PutUint64(b, x)
	return b[8:]
}

func put8(b []byte, x uint8) []byte {
	b[0] = x
	return b[1:]
}

func puts(b, s []byte) []byte {
	n := copy(b, s)
	return b[n:]
}

// wrapBlob prefixes payload with a magic and total length.
func wrapBlob(magic uint32, payload []byte) []byte {
	blob := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(blob[0:], magic)
	binary.BigEndian.PutUint32(blob[4:], uint32(len(blob)))
	copy(blob[8:], payload)
	return blob
}

func buildEntitlementsBlob(entitlements []byte) []byte {
	return wrapBlob(CSMAGIC_EMBEDDED_ENTITLEMENTS, entitlements)
}

// buildEntitlementsDERBlob returns nil when the XML cannot be converted.
func buildEntitlementsDERBlob(entitlements []byte) []byte {
	entMap, err := ParseEntitlementsXML(entitlements)
	if err != nil {
		return nil
	}
	der, err := EntitlementsToDER(entMap)
	if err != nil {
		return nil
	}
	return wrapBlob(CSMAGIC_EMBEDDED_ENTITLEMENTS_DER, der)
}

type indexedBlob struct {
	slot uint32
	data []byte
}

// buildSuperBlob lays blobs out in the order given, index entries first.
func buildSuperBlob(blobs []indexedBlob) []byte {
	headerSize := 12 + 8*len(blobs)
	total := headerSize
	for _, b := range blobs {
		total += len(b.data)
	}

	sb := make([]byte, total)
	outp := put32be(sb, CSMAGIC_EMBEDDED_SIGNATURE)
	outp = put32be(outp, uint32(total))
	outp = put32be(outp, uint32(len(blobs)))

	off := headerSize
	for _, b := range blobs {
		outp = put32be(outp, b.slot)
		outp = put32be(outp, uint32(off))
		copy(sb[off:], b.data)
		off += len(b.data)
	}
	return sb
}
