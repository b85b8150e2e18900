package identity

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
)

// SigningKey is the private half of an identity. Whatever encoding it was
// loaded from, it signs digests through crypto.Signer.
type SigningKey struct {
	signer crypto.Signer
}

// NewSigningKey wraps an RSA or ECDSA private key.
func NewSigningKey(key crypto.PrivateKey) (*SigningKey, error) {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return &SigningKey{signer: signer}, nil
}

// Public returns the public key.
func (k *SigningKey) Public() crypto.PublicKey { return k.signer.Public() }

// Sign signs digest with the underlying key.
func (k *SigningKey) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return k.signer.Sign(rand, digest, opts)
}

// PrivateKey returns the underlying key for encoders that need its
// concrete type.
func (k *SigningKey) PrivateKey() crypto.PrivateKey { return k.signer }

// PKCS1PublicKey returns the PKCS#1 DER encoding of an RSA public key.
func (k *SigningKey) PKCS1PublicKey() ([]byte, bool) {
	pub, ok := k.signer.Public().(*rsa.PublicKey)
	if !ok {
		return nil, false
	}
	return x509.MarshalPKCS1PublicKey(pub), true
}

// MarshalPEM encodes the key as a PKCS#8 "PRIVATE KEY" block.
func (k *SigningKey) MarshalPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.signer)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
