// Package developer is the Apple developer portal capability used to
// register app ids, groups and devices and to obtain certificates and
// provisioning profiles.
package developer

import (
	"context"
	"crypto/x509"
	"fmt"
)

// Session is the set of developer portal operations the signing engine
// consumes. Implementations must be safe for concurrent use.
type Session interface {
	ListCertificates(ctx context.Context, teamID string) ([]Certificate, error)
	SubmitCSR(ctx context.Context, teamID string, csr []byte, machineName, machineID string) (*CertRequest, error)
	RevokeCertificate(ctx context.Context, teamID, serialNumber string) error

	EnsureAppID(ctx context.Context, teamID, name, bundleID string) (*AppID, error)
	GetAppID(ctx context.Context, teamID, bundleID string) (*AppID, error)
	RequestCapabilitiesForEntitlements(ctx context.Context, teamID string, appID *AppID, entitlements map[string]interface{}) error

	EnsureAppGroup(ctx context.Context, teamID, name, groupID string) (*AppGroup, error)
	AssignAppGroups(ctx context.Context, teamID string, appID *AppID, groups []*AppGroup) error

	GetProvisioningProfile(ctx context.Context, teamID string, appID *AppID) ([]byte, error)
	EnsureDevice(ctx context.Context, teamID, name, udid string) error
}

// Certificate is a development certificate as listed by the portal.
type Certificate struct {
	Name          string `plist:"name"`
	CertificateID string `plist:"certificateId"`
	SerialNumber  string `plist:"serialNumber"`
	Status        string `plist:"status"`
	MachineName   string `plist:"machineName"`
	MachineID     string `plist:"machineId"`
	Content       []byte `plist:"certContent"`
}

// X509 parses the DER certificate content.
func (c *Certificate) X509() (*x509.Certificate, error) {
	if len(c.Content) == 0 {
		return nil, fmt.Errorf("certificate %s has no content", c.CertificateID)
	}
	cert, err := x509.ParseCertificate(c.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate %s: %w", c.CertificateID, err)
	}
	return cert, nil
}

// CertRequest is the portal's answer to a CSR submission.
type CertRequest struct {
	CertificateID string `plist:"certificateId"`
	RequestID     string `plist:"certRequestId"`
	SerialNumber  string `plist:"serialNum"`
}

// AppID is a registered application identifier. ID is the portal's
// internal id, Identifier the bundle id.
type AppID struct {
	ID         string `plist:"appIdId"`
	Name       string `plist:"name"`
	Identifier string `plist:"identifier"`
}

// AppGroup is a registered application group.
type AppGroup struct {
	ID         string `plist:"applicationGroup"`
	Name       string `plist:"name"`
	Identifier string `plist:"identifier"`
}

// Device is a registered test device.
type Device struct {
	ID   string `plist:"deviceId"`
	Name string `plist:"name"`
	UDID string `plist:"deviceNumber"`
}
