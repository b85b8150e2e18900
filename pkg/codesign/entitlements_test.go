package codesign

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEntitlementsToDER(t *testing.T) {
	der, err := EntitlementsToDER(map[string]interface{}{
		"application-identifier": "ABCDE12345.com.example.app",
		"get-task-allow":         true,
		"keychain-access-groups": []interface{}{"ABCDE12345.*"},
		"nested":                 map[string]interface{}{"n": uint64(3)},
	})
	if err != nil {
		t.Fatalf("EntitlementsToDER failed: %v", err)
	}
	if der[0] != 0x70 {
		t.Errorf("outer tag = %#x, want APPLICATION 16", der[0])
	}
	// INTEGER 1 version right after the outer header
	if !bytes.Contains(der[:8], []byte{0x02, 0x01, 0x01}) {
		t.Errorf("version integer missing: % x", der[:8])
	}
	// keys are sorted
	a := bytes.Index(der, []byte("application-identifier"))
	g := bytes.Index(der, []byte("get-task-allow"))
	k := bytes.Index(der, []byte("keychain-access-groups"))
	if a < 0 || g < a || k < g {
		t.Errorf("keys out of order: %d %d %d", a, g, k)
	}
	// BOOLEAN TRUE
	if !bytes.Contains(der, []byte{0x01, 0x01, 0xff}) {
		t.Error("boolean true missing")
	}
}

func TestEntitlementsToDER_Unsupported(t *testing.T) {
	if _, err := EntitlementsToDER(map[string]interface{}{"data": []byte{1}}); err == nil {
		t.Error("expected error for data values")
	}
	if blob := buildEntitlementsDERBlob([]byte("not a plist")); blob != nil {
		t.Error("DER blob built from invalid XML")
	}
}

func TestEntitlementsXMLRoundTrip(t *testing.T) {
	in := map[string]interface{}{
		"application-identifier": "ABCDE12345.com.example.app",
		"get-task-allow":         true,
	}
	xml, err := EntitlementsToXML(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := ParseEntitlementsXML(xml)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if !isEmptyEntitlementsXML(EmptyEntitlementsXML) || isEmptyEntitlementsXML(xml) {
		t.Error("isEmptyEntitlementsXML misclassifies")
	}
}

func TestDesignatedRequirement(t *testing.T) {
	req := buildDesignatedRequirement("com.example.app", "Apple Development: Jane")
	be := binary.BigEndian
	if be.Uint32(req) != CSMAGIC_REQUIREMENT || int(be.Uint32(req[4:])) != len(req) {
		t.Fatalf("bad requirement header % x", req[:8])
	}
	if len(req)%4 != 0 {
		t.Errorf("requirement length %d not 4-byte aligned", len(req))
	}
	// kind, and, ident, len("com.example.app")
	want := []uint32{1, opAnd, opIdent, 15}
	for i, w := range want {
		if got := be.Uint32(req[8+4*i:]); got != w {
			t.Errorf("word %d = %d, want %d", i, got, w)
		}
	}
	if !bytes.Contains(req, []byte("subject.CN")) || !bytes.Contains(req, appleDeveloperOID) {
		t.Error("certificate clauses missing")
	}

	adhoc := buildDesignatedRequirement("com.example.app", "")
	if bytes.Contains(adhoc, []byte("subject.CN")) {
		t.Error("requirement without signer names a certificate field")
	}

	set := buildRequirementsBlob("com.example.app", "Apple Development: Jane")
	if be.Uint32(set) != CSMAGIC_REQUIREMENTS || be.Uint32(set[8:]) != 1 {
		t.Errorf("bad requirement set header % x", set[:12])
	}
	if be.Uint32(set[12:]) != designatedRequirementType || be.Uint32(set[16:]) != 20 {
		t.Errorf("bad requirement index % x", set[12:20])
	}
	if !bytes.Equal(set[20:], req) {
		t.Error("requirement set does not embed the designated requirement")
	}

	empty := emptyRequirementsBlob()
	if len(empty) != 12 || be.Uint32(empty[8:]) != 0 {
		t.Errorf("empty requirement set = % x", empty)
	}
}
