package codesign

import (
	"bytes"
	"encoding/binary"
)

// Requirement language opcodes, from cscdefs.h.
const (
	opIdent              = 2
	opAnd                = 6
	opCertField          = 11
	opCertGeneric        = 14
	opAppleGenericAnchor = 15

	matchExists = 0
	matchEqual  = 1

	designatedRequirementType = 3
)

// appleDeveloperOID is 1.2.840.113635.100.6.2.1 in DER.
var appleDeveloperOID = []byte{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x63, 0x64, 0x06, 0x02, 0x01}

type requirementWriter struct {
	bytes.Buffer
}

func (w *requirementWriter) op(v uint32) {
	_ = binary.Write(w, binary.BigEndian, v)
}

// data writes a length-prefixed byte string padded to 4 bytes.
func (w *requirementWriter) data(b []byte) {
	w.op(uint32(len(b)))
	w.Write(b)
	for pad := (4 - len(b)%4) % 4; pad > 0; pad-- {
		w.WriteByte(0)
	}
}

// buildDesignatedRequirement encodes
//
//	identifier "<id>" and anchor apple generic
//	  and certificate leaf[subject.CN] = "<cn>"
//	  and certificate 1[field.1.2.840.113635.100.6.2.1] exists
//
// The certificate clauses are omitted when signerCN is empty.
func buildDesignatedRequirement(identifier, signerCN string) []byte {
	var w requirementWriter

	w.op(opAnd)
	w.op(opIdent)
	w.data([]byte(identifier))
	if signerCN == "" {
		w.op(opAppleGenericAnchor)
	} else {
		w.op(opAnd)
		w.op(opAppleGenericAnchor)
		w.op(opAnd)

		w.op(opCertField)
		w.op(0) // leaf
		w.data([]byte("subject.CN"))
		w.op(matchEqual)
		w.data([]byte(signerCN))

		w.op(opCertGeneric)
		w.op(1) // intermediate
		w.data(appleDeveloperOID)
		w.op(matchExists)
	}

	expr := w.Bytes()
	payload := make([]byte, 4+len(expr))
	binary.BigEndian.PutUint32(payload, 1) // kind: expression
	copy(payload[4:], expr)
	return wrapBlob(CSMAGIC_REQUIREMENT, payload)
}

// buildRequirementsBlob wraps the designated requirement in a requirement set.
func buildRequirementsBlob(identifier, signerCN string) []byte {
	req := buildDesignatedRequirement(identifier, signerCN)
	const headerSize = 12 + 8
	payload := make([]byte, 4+8+len(req))
	outp := put32be(payload, 1)
	outp = put32be(outp, designatedRequirementType)
	outp = put32be(outp, headerSize)
	copy(outp, req)
	return wrapBlob(CSMAGIC_REQUIREMENTS, payload)
}

// emptyRequirementsBlob is the requirement set of ad-hoc signatures.
func emptyRequirementsBlob() []byte {
	return wrapBlob(CSMAGIC_REQUIREMENTS, []byte{0, 0, 0, 0})
}
