package codesign

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/aluedeke/go-sideload/pkg/macho"
)

// BundleSigningContext carries the bundle files a main executable's
// signature binds to.
type BundleSigningContext struct {
	InfoPlistPath     string // special slot 1
	CodeResourcesPath string // special slot 3
	TeamID            string
}

// SignMachO signs every slice of the executable at path in place. A nil
// identity produces an ad-hoc signature.
func SignMachO(path string, identity *SigningIdentity, entitlements []byte, identifier string, bundleCtx *BundleSigningContext) error {
	img, err := macho.Open(path)
	if err != nil {
		return err
	}

	var special map[int][]byte
	if bundleCtx != nil {
		special = map[int][]byte{}
		if data, err := os.ReadFile(bundleCtx.InfoPlistPath); err == nil {
			special[CSSLOT_INFOSLOT] = data
		}
		if data, err := os.ReadFile(bundleCtx.CodeResourcesPath); err == nil {
			special[CSSLOT_RESOURCEDIR] = data
		}
	}

	teamID := ""
	if identity != nil {
		teamID = identity.TeamID
		if bundleCtx != nil && bundleCtx.TeamID != "" {
			teamID = bundleCtx.TeamID
		}
	}

	for i, s := range img.Slices() {
		signed, err := signSlice(s, identity, entitlements, identifier, teamID, special)
		if err != nil {
			return fmt.Errorf("failed to sign arch %d of %s: %w", i, path, err)
		}
		if err := s.SetData(signed); err != nil {
			return fmt.Errorf("signed arch %d of %s does not reparse: %w", i, path, err)
		}
	}
	return img.Commit()
}

// signatureSpace is the zsign allowance: room for a SHA1 and a SHA256 hash
// per page plus one, page aligned, plus 16KB for the CMS and blobs.
func signatureSpace(codeSize int) int {
	pages := (codeSize+pageSize-1)/pageSize + 1
	hashes := (pages*(20+32) + 4095) &^ 4095
	return hashes + 16384
}

// signSlice returns the slice with a fresh signature appended at the end of
// its code. Unsigned slices get an LC_CODE_SIGNATURE command first.
func signSlice(s *macho.Slice, identity *SigningIdentity, entitlements []byte, identifier, teamID string, special map[int][]byte) ([]byte, error) {
	data := s.Data
	text, _ := s.Segment("__TEXT")
	linkedit, hasLinkedit := s.Segment("__LINKEDIT")

	var code []byte
	csCmd, dataOff, _, signed := s.CodeSignature()
	if signed {
		if int(dataOff) > len(data) {
			return nil, fmt.Errorf("code signature offset %#x beyond end of file", dataOff)
		}
		code = make([]byte, dataOff)
		copy(code, data)
	} else {
		if free := s.FreeSpace(); free < LC_CODE_SIGNATURE_SIZE {
			return nil, &macho.CapacityError{Path: "LC_CODE_SIGNATURE", Need: LC_CODE_SIGNATURE_SIZE, Have: free}
		}
		// signature data starts 16 byte aligned
		code = make([]byte, (len(data)+15)&^15)
		copy(code, data)

		csCmd = s.CommandsEnd()
		le := binary.LittleEndian
		le.PutUint32(code[16:], le.Uint32(code[16:])+1)
		le.PutUint32(code[20:], le.Uint32(code[20:])+LC_CODE_SIGNATURE_SIZE)
		le.PutUint32(code[csCmd:], LC_CODE_SIGNATURE)
		le.PutUint32(code[csCmd+4:], LC_CODE_SIGNATURE_SIZE)
	}

	codeSize := len(code)
	sigSize := signatureSpace(codeSize)
	binary.LittleEndian.PutUint32(code[csCmd+8:], uint32(codeSize))
	binary.LittleEndian.PutUint32(code[csCmd+12:], uint32(sigSize))

	if hasLinkedit {
		fileSize := uint64(codeSize+sigSize) - linkedit.FileOff
		vmSize := (fileSize + 4095) &^ 4095
		if s.Is64() {
			binary.LittleEndian.PutUint64(code[linkedit.CmdOffset+32:], vmSize)
			binary.LittleEndian.PutUint64(code[linkedit.CmdOffset+48:], fileSize)
		} else {
			binary.LittleEndian.PutUint32(code[linkedit.CmdOffset+28:], uint32(vmSize))
			binary.LittleEndian.PutUint32(code[linkedit.CmdOffset+36:], uint32(fileSize))
		}
	}

	sig, err := createSignature(code, identity, entitlements, identifier, teamID, text.FileOff, text.FileSize, special)
	if err != nil {
		return nil, err
	}
	if len(sig) > sigSize {
		return nil, fmt.Errorf("signature of %d bytes exceeds reserved %d", len(sig), sigSize)
	}

	out := make([]byte, codeSize+sigSize)
	copy(out, code)
	copy(out[codeSize:], sig)
	return out, nil
}

// isEmptyEntitlementsXML reports a plist whose dict has no keys. Those get
// five special slots and no DER blob, as zsign does.
func isEmptyEntitlementsXML(entitlements []byte) bool {
	s := string(entitlements)
	return (strings.Contains(s, "<dict/>") || strings.Contains(s, "<dict></dict>")) &&
		!strings.Contains(s, "<key>")
}

// createSignature builds the SuperBlob: SHA1 CodeDirectory, requirements,
// entitlements, DER entitlements, SHA256 CodeDirectory, CMS.
func createSignature(code []byte, identity *SigningIdentity, entitlements []byte, identifier, teamID string, textOff, textSize uint64, special map[int][]byte) ([]byte, error) {
	slots := map[int][]byte{}
	for k, v := range special {
		slots[k] = v
	}

	var reqBlob []byte
	var flags uint32
	if identity == nil {
		reqBlob = emptyRequirementsBlob()
		flags = CS_ADHOC
		teamID = ""
	} else {
		cn := ""
		if identity.Certificate != nil {
			cn = identity.Certificate.Subject.CommonName
		}
		reqBlob = buildRequirementsBlob(identifier, cn)
	}
	slots[CSSLOT_REQUIREMENTS] = reqBlob

	hasEnts := len(entitlements) > 0
	emptyEnts := hasEnts && isEmptyEntitlementsXML(entitlements)

	var entBlob, entDERBlob []byte
	if hasEnts {
		entBlob = buildEntitlementsBlob(entitlements)
		slots[CSSLOT_ENTITLEMENTS] = entBlob
		if !emptyEnts {
			entDERBlob = buildEntitlementsDERBlob(entitlements)
			slots[CSSLOT_ENTITLEMENTS_DER] = entDERBlob
		}
	}

	nSpecial := 2
	switch {
	case hasEnts && !emptyEnts:
		nSpecial = 7
	case hasEnts || len(special[CSSLOT_RESOURCEDIR]) > 0:
		nSpecial = 5
	}

	var execSegFlags uint64
	if hasEnts && strings.Contains(string(entitlements), "get-task-allow") {
		execSegFlags = CS_EXECSEG_MAIN_BINARY | CS_EXECSEG_ALLOW_UNSIGNED
	}

	params := codeDirectoryParams{
		identifier:    identifier,
		teamID:        teamID,
		flags:         flags,
		code:          code,
		special:       slots,
		nSpecialSlots: nSpecial,
		execSegBase:   textOff,
		execSegLimit:  textSize,
		execSegFlags:  execSegFlags,
	}
	cdSHA1 := buildCodeDirectory(params, CS_HASHTYPE_SHA1)
	cdSHA256 := buildCodeDirectory(params, CS_HASHTYPE_SHA256)

	cms, err := buildCMSSignature(cdSHA1, cdSHA256, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to create CMS signature: %w", err)
	}

	blobs := []indexedBlob{
		{CSSLOT_CODEDIRECTORY, cdSHA1},
		{CSSLOT_REQUIREMENTS, reqBlob},
	}
	if hasEnts {
		blobs = append(blobs, indexedBlob{CSSLOT_ENTITLEMENTS, entBlob})
		if len(entDERBlob) > 0 {
			blobs = append(blobs, indexedBlob{CSSLOT_ENTITLEMENTS_DER, entDERBlob})
		}
	}
	blobs = append(blobs,
		indexedBlob{CSSLOT_ALTERNATE_CODEDIRECTORIES, cdSHA256},
		indexedBlob{CSSLOT_CMS_SIGNATURE, cms},
	)
	return buildSuperBlob(blobs), nil
}
