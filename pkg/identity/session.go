package identity

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aluedeke/go-sideload/pkg/codesign"
	"github.com/aluedeke/go-sideload/pkg/developer"
	"github.com/google/uuid"
	"zombiezen.com/go/log"
)

// DefaultMachineName is the machine name certificates are requested under.
const DefaultMachineName = "AltStore"

var (
	// ErrCertificateQuota is returned when the team is at its certificate
	// limit and none of its certificates could be revoked.
	ErrCertificateQuota = errors.New("too many certificates and none could be revoked")
	// ErrCertificatePemMissing is returned when a freshly issued
	// certificate is absent from the team's certificate list.
	ErrCertificatePemMissing = errors.New("issued certificate not found")
)

// Config locates the key store and names the requesting machine.
type Config struct {
	// ConfigDir holds keys/<team>/key.pem.
	ConfigDir string
	// MachineName defaults to DefaultMachineName.
	MachineName string
	TeamID      string
}

// KeyPath is the location of the team's private key.
func (c Config) KeyPath() string {
	return filepath.Join(c.ConfigDir, "keys", c.TeamID, "key.pem")
}

func (c Config) machineName() string {
	if c.MachineName == "" {
		return DefaultMachineName
	}
	return c.MachineName
}

// NewFromSession returns a development identity for cfg.TeamID. A stored
// key with a matching certificate on the portal is reused; otherwise a new
// key is generated and a certificate requested for it, revoking existing
// certificates if the team is at its limit. Only the key is persisted.
func NewFromSession(ctx context.Context, session developer.Session, cfg Config) (*Identity, error) {
	if cfg.TeamID == "" {
		return nil, fmt.Errorf("team id is required")
	}
	certs, err := session.ListCertificates(ctx, cfg.TeamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}

	key, err := loadStoredKey(cfg.KeyPath())
	if err != nil {
		return nil, err
	}
	if key != nil {
		if cert := findCertificate(ctx, certs, key, cfg.machineName()); cert != nil {
			log.Debugf(ctx, "Reusing certificate %s", cert.CertificateID)
			return fromPortal(cert, key)
		}
		log.Infof(ctx, "No certificate on team %s matches the stored key, requesting a new one", cfg.TeamID)
	}

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	key = &SigningKey{signer: rsaKey}
	cert, err := requestCertificate(ctx, session, cfg, key, certs)
	if err != nil {
		return nil, err
	}
	if err := storeKey(cfg.KeyPath(), key); err != nil {
		return nil, err
	}
	return fromPortal(cert, key)
}

func fromPortal(c *developer.Certificate, key *SigningKey) (*Identity, error) {
	cert, err := c.X509()
	if err != nil {
		return nil, err
	}
	id := &Identity{
		Certificate:  cert,
		Key:          key,
		MachineID:    c.MachineID,
		SerialNumber: c.SerialNumber,
	}
	if err := id.Valid(); err != nil {
		return nil, err
	}
	return id, nil
}

func loadStoredKey(path string) (*SigningKey, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	priv, err := codesign.ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewSigningKey(priv)
}

func storeKey(path string, key *SigningKey) error {
	data, err := key.MarshalPEM()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

// findCertificate returns the certificate issued to machineName whose
// subject public key is the PKCS#1 encoding of key's public half.
func findCertificate(ctx context.Context, certs []developer.Certificate, key *SigningKey, machineName string) *developer.Certificate {
	want, ok := key.PKCS1PublicKey()
	if !ok {
		return nil
	}
	for i := range certs {
		if certs[i].MachineName != machineName {
			continue
		}
		cert, err := certs[i].X509()
		if err != nil {
			log.Debugf(ctx, "Skipping certificate: %v", err)
			continue
		}
		if got, err := subjectPublicKey(cert); err == nil && bytes.Equal(got, want) {
			return &certs[i]
		}
	}
	return nil
}

func subjectPublicKey(cert *x509.Certificate) ([]byte, error) {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(cert.RawSubjectPublicKeyInfo, &spki); err != nil {
		return nil, err
	}
	return spki.PublicKey.RightAlign(), nil
}

// CreateCSR builds the PEM certificate signing request submitted for key.
func CreateCSR(key *SigningKey) ([]byte, error) {
	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{
			Country:      []string{"US"},
			Province:     []string{"STATE"},
			Locality:     []string{"LOCAL"},
			Organization: []string{"ORGNIZATION"},
			CommonName:   "CN",
		},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key.signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// requestCertificate submits a CSR for key. When the team is at its
// certificate limit it revokes known certificates one at a time, retrying
// the submission after each successful revocation. Every known serial is
// tried at most once.
func requestCertificate(ctx context.Context, session developer.Session, cfg Config, key *SigningKey, known []developer.Certificate) (*developer.Certificate, error) {
	csr, err := CreateCSR(key)
	if err != nil {
		return nil, err
	}
	machineID := strings.ToUpper(uuid.NewString())

	candidates := make([]string, 0, len(known))
	for _, c := range known {
		candidates = append(candidates, c.SerialNumber)
	}

	var req *developer.CertRequest
	for {
		req, err = session.SubmitCSR(ctx, cfg.TeamID, csr, cfg.machineName(), machineID)
		if err == nil {
			break
		}
		if !developer.IsResultCode(err, developer.ResultCodeTooManyCertificates) {
			return nil, fmt.Errorf("failed to submit CSR: %w", err)
		}

		revoked := false
		for len(candidates) > 0 && !revoked {
			serial := candidates[0]
			candidates = candidates[1:]
			if rerr := session.RevokeCertificate(ctx, cfg.TeamID, serial); rerr != nil {
				log.Debugf(ctx, "Failed to revoke certificate %s: %v", serial, rerr)
				continue
			}
			log.Infof(ctx, "Revoked certificate %s", serial)
			revoked = true
		}
		if !revoked {
			return nil, ErrCertificateQuota
		}
	}

	certs, err := session.ListCertificates(ctx, cfg.TeamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	for i := range certs {
		if certs[i].CertificateID == req.CertificateID {
			if certs[i].MachineID == "" {
				certs[i].MachineID = machineID
			}
			log.Infof(ctx, "Issued certificate %s", req.CertificateID)
			return &certs[i], nil
		}
	}
	return nil, fmt.Errorf("certificate %s: %w", req.CertificateID, ErrCertificatePemMissing)
}
