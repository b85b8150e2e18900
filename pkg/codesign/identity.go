package codesign

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	gop12 "software.sslmate.com/src/go-pkcs12"
)

// SigningIdentity is a certificate, its private key and the chain embedded
// in the CMS signature.
type SigningIdentity struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.PrivateKey
	CertChain   []*x509.Certificate
	TeamID      string
}

// NewSigningIdentity builds an identity around cert and key, completing the
// chain with Apple's CAs.
func NewSigningIdentity(cert *x509.Certificate, key crypto.PrivateKey) (*SigningIdentity, error) {
	if cert == nil || key == nil {
		return nil, fmt.Errorf("certificate and private key are both required")
	}
	if !KeyMatchesCertificate(key, cert) {
		return nil, fmt.Errorf("private key does not match certificate %q", cert.Subject.CommonName)
	}
	id := &SigningIdentity{
		Certificate: cert,
		PrivateKey:  key,
		TeamID:      CertificateTeamID(cert),
	}
	if err := completeChain(id); err != nil {
		return nil, fmt.Errorf("failed to build certificate chain: %w", err)
	}
	return id, nil
}

// LoadSigningIdentity loads a PKCS#12 bundle. PEM key material is also
// accepted; the certificate then has to come from a provisioning profile,
// see LoadSigningIdentityWithProfile.
func LoadSigningIdentity(data []byte, password string) (*SigningIdentity, error) {
	if bytes.HasPrefix(data, []byte("-----BEGIN")) {
		key, err := ParsePrivateKeyPEM(data)
		if err != nil {
			return nil, err
		}
		return &SigningIdentity{PrivateKey: key}, nil
	}

	key, cert, cas, err := gop12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode P12: %w", err)
	}
	id := &SigningIdentity{
		Certificate: cert,
		PrivateKey:  key,
		CertChain:   append([]*x509.Certificate{cert}, cas...),
		TeamID:      CertificateTeamID(cert),
	}
	if err := completeChain(id); err != nil {
		return nil, fmt.Errorf("failed to build certificate chain: %w", err)
	}
	return id, nil
}

// LoadSigningIdentityWithProfile loads key material and, when it carries no
// certificate, picks the matching developer certificate from profile.
func LoadSigningIdentityWithProfile(data []byte, password string, profile *ProfileInfo) (*SigningIdentity, error) {
	id, err := LoadSigningIdentity(data, password)
	if err != nil {
		return nil, err
	}
	if id.Certificate != nil {
		return id, nil
	}

	certs, err := profile.Certificates()
	if err != nil {
		return nil, fmt.Errorf("failed to get certificates from profile: %w", err)
	}
	for _, cert := range certs {
		if KeyMatchesCertificate(id.PrivateKey, cert) {
			return NewSigningIdentity(cert, id.PrivateKey)
		}
	}
	return nil, fmt.Errorf("no certificate in provisioning profile matches the provided private key")
}

// ParsePrivateKeyPEM decodes the first PEM block as a PKCS#1, PKCS#8 or EC
// private key.
func ParsePrivateKeyPEM(data []byte) (crypto.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	return ParsePrivateKeyBlock(block)
}

// ParsePrivateKeyBlock parses a single private key PEM block.
func ParsePrivateKeyBlock(block *pem.Block) (crypto.PrivateKey, error) {
	var (
		key crypto.PrivateKey
		err error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM type: %s", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// KeyMatchesCertificate reports whether key is the private half of cert.
func KeyMatchesCertificate(key crypto.PrivateKey, cert *x509.Certificate) bool {
	switch priv := key.(type) {
	case *rsa.PrivateKey:
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return priv.PublicKey.Equal(pub)
		}
	case *ecdsa.PrivateKey:
		if pub, ok := cert.PublicKey.(*ecdsa.PublicKey); ok {
			return priv.PublicKey.Equal(pub)
		}
	}
	return false
}

// CertificateTeamID returns the 10 character organizational unit Apple puts
// in development certificates, or "".
func CertificateTeamID(cert *x509.Certificate) string {
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 {
			return ou
		}
	}
	return ""
}
