package codesign

import (
	"crypto"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

var (
	oidCDHashesPlist = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 1}
	oidCDHashes2     = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 2}
	oidSHA256        = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
)

// buildCMSSignature signs the SHA1 CodeDirectory with a detached SHA256 CMS
// carrying the cdhashes of both directories as signed attributes. A nil
// identity yields the empty wrapper used by ad-hoc signatures.
func buildCMSSignature(cdSHA1, cdSHA256 []byte, identity *SigningIdentity) ([]byte, error) {
	if identity == nil {
		return wrapBlob(CSMAGIC_BLOBWRAPPER, nil), nil
	}

	signer, ok := identity.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key of type %T cannot sign", identity.PrivateKey)
	}

	sd, err := pkcs7.NewSignedData(cdSHA1)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	attrs, err := cdHashesAttributes(cdSHA1, cdSHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to build CDHashes attributes: %w", err)
	}

	var parents []*x509.Certificate
	if len(identity.CertChain) > 1 {
		parents = identity.CertChain[1:]
	}
	cfg := pkcs7.SignerInfoConfig{ExtraSignedAttributes: attrs}
	if err := sd.AddSignerChain(identity.Certificate, signer, parents, cfg); err != nil {
		return nil, fmt.Errorf("failed to add signer chain: %w", err)
	}
	sd.Detach()

	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish signing: %w", err)
	}
	return wrapBlob(CSMAGIC_BLOBWRAPPER, der), nil
}

// cdHashesAttributes returns the two Apple attributes:
// 100.9.1 a plist of {SHA1(cd1), SHA256(cd256)[:20]} and
// 100.9.2 SEQUENCE { sha256, SHA256(cd256) }.
func cdHashesAttributes(cdSHA1, cdSHA256 []byte) ([]pkcs7.Attribute, error) {
	h1 := sha1.Sum(cdSHA1)
	h256 := sha256.Sum256(cdSHA256)

	hashesPlist, err := plist.Marshal(map[string]interface{}{
		"cdhashes": [][]byte{h1[:], h256[:20]},
	}, plist.XMLFormat)
	if err != nil {
		return nil, err
	}

	seq, err := asn1.Marshal(struct {
		Algorithm asn1.ObjectIdentifier
		Hash      []byte
	}{oidSHA256, h256[:]})
	if err != nil {
		return nil, err
	}

	return []pkcs7.Attribute{
		{Type: oidCDHashesPlist, Value: hashesPlist},
		{Type: oidCDHashes2, Value: asn1.RawValue{FullBytes: seq}},
	}, nil
}
