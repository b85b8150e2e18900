// Package identity resolves the certificate and private key used to sign,
// either from local files or by obtaining a development certificate from
// the developer portal.
package identity

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aluedeke/go-sideload/pkg/codesign"
	gop12 "software.sslmate.com/src/go-pkcs12"
	"zombiezen.com/go/log"
)

var (
	// ErrIncompleteIdentity is returned when only one of certificate and key is present.
	ErrIncompleteIdentity = errors.New("identity has a certificate or a private key but not both")
	// ErrKeyMismatch is returned when the key is not the certificate's private half.
	ErrKeyMismatch = errors.New("private key does not match certificate")
)

// Identity is a signing certificate and its key. The zero Identity is
// valid and means ad-hoc signing.
type Identity struct {
	Certificate *x509.Certificate
	Key         *SigningKey

	// MachineID and SerialNumber identify a portal-issued certificate.
	MachineID    string
	SerialNumber string
	// P12 is set by ExportP12.
	P12 []byte
}

// NewFromPaths loads an identity from PEM files or PKCS#12 archives.
// PEM blocks other than certificates and private keys are skipped.
func NewFromPaths(ctx context.Context, p12Password string, paths ...string) (*Identity, error) {
	id := new(Identity)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if strings.EqualFold(filepath.Ext(path), ".p12") || !bytes.Contains(data, []byte("-----BEGIN")) {
			if err := id.loadP12(data, p12Password); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			continue
		}
		if err := id.loadPEM(ctx, data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := id.Valid(); err != nil {
		return nil, err
	}
	return id, nil
}

func (id *Identity) loadP12(data []byte, password string) error {
	key, cert, _, err := gop12.DecodeChain(data, password)
	if err != nil {
		return fmt.Errorf("failed to decode P12: %w", err)
	}
	sk, err := NewSigningKey(key)
	if err != nil {
		return err
	}
	id.Certificate = cert
	id.Key = sk
	id.SerialNumber = serialHex(cert)
	id.P12 = data
	return nil
}

func (id *Identity) loadPEM(ctx context.Context, data []byte) error {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return fmt.Errorf("failed to parse certificate: %w", err)
			}
			id.Certificate = cert
			id.SerialNumber = serialHex(cert)
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			key, err := codesign.ParsePrivateKeyBlock(block)
			if err != nil {
				return err
			}
			sk, err := NewSigningKey(key)
			if err != nil {
				return err
			}
			id.Key = sk
		default:
			log.Warnf(ctx, "Ignoring unhandled PEM block %q", block.Type)
		}
	}
}

// IsZero reports whether the identity carries neither certificate nor key.
func (id *Identity) IsZero() bool {
	return id == nil || (id.Certificate == nil && id.Key == nil)
}

// Valid checks that certificate and key are both present or both absent,
// and that they belong together.
func (id *Identity) Valid() error {
	if id.IsZero() {
		return nil
	}
	if id.Certificate == nil || id.Key == nil {
		return ErrIncompleteIdentity
	}
	if !codesign.KeyMatchesCertificate(id.Key.PrivateKey(), id.Certificate) {
		return ErrKeyMismatch
	}
	return nil
}

// TeamID is the team the certificate was issued to.
func (id *Identity) TeamID() string {
	if id.IsZero() || id.Certificate == nil {
		return ""
	}
	return codesign.CertificateTeamID(id.Certificate)
}

// SigningIdentity converts the identity for the code signer, chaining the
// Apple CAs. A zero identity yields nil, which signs ad-hoc.
func (id *Identity) SigningIdentity() (*codesign.SigningIdentity, error) {
	if id.IsZero() {
		return nil, nil
	}
	if err := id.Valid(); err != nil {
		return nil, err
	}
	return codesign.NewSigningIdentity(id.Certificate, id.Key.PrivateKey())
}

// ExportP12 encodes certificate and key as PKCS#12 and keeps the result in
// id.P12.
func (id *Identity) ExportP12(password string) ([]byte, error) {
	if id.IsZero() {
		return nil, ErrIncompleteIdentity
	}
	if err := id.Valid(); err != nil {
		return nil, err
	}
	data, err := gop12.Modern.Encode(id.Key.PrivateKey(), id.Certificate, nil, password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode P12: %w", err)
	}
	id.P12 = data
	return data, nil
}

func serialHex(cert *x509.Certificate) string {
	return strings.ToUpper(cert.SerialNumber.Text(16))
}
