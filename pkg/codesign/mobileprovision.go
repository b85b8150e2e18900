package codesign

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"

	"github.com/aluedeke/go-sideload/pkg/macho"
)

// ErrProvisioningEntitlementsUnknown is returned when a profile or binary
// has no readable entitlements dictionary.
var ErrProvisioningEntitlementsUnknown = errors.New("provisioning entitlements unknown")

var (
	plistOpen  = []byte("<plist")
	plistClose = []byte("</plist>")
)

// MobileProvision is a provisioning profile as downloaded or embedded in a
// bundle. Data is never rewritten; merges only touch the entitlements.
type MobileProvision struct {
	Data []byte

	entitlements map[string]interface{}
}

// LoadMobileProvisionFile reads and loads a .mobileprovision file.
func LoadMobileProvisionFile(path string) (*MobileProvision, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provisioning profile: %w", err)
	}
	return LoadMobileProvision(data)
}

// LoadMobileProvision locates the XML plist inside the signed container and
// requires it to carry an Entitlements dictionary. The CMS envelope is not
// verified.
func LoadMobileProvision(data []byte) (*MobileProvision, error) {
	ents, err := extractProvisionEntitlements(data)
	if err != nil {
		return nil, err
	}
	return &MobileProvision{Data: data, entitlements: ents}, nil
}

func extractProvisionEntitlements(data []byte) (map[string]interface{}, error) {
	start := bytes.Index(data, plistOpen)
	if start < 0 {
		return nil, fmt.Errorf("%w: no <plist marker", ErrProvisioningEntitlementsUnknown)
	}
	end := bytes.LastIndex(data, plistClose)
	if end < start {
		return nil, fmt.Errorf("%w: no </plist> marker", ErrProvisioningEntitlementsUnknown)
	}

	var doc map[string]interface{}
	if _, err := plist.Unmarshal(data[start:end+len(plistClose)], &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisioningEntitlementsUnknown, err)
	}
	ents, ok := doc["Entitlements"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: no Entitlements dictionary", ErrProvisioningEntitlementsUnknown)
	}
	return ents, nil
}

// Copy returns a profile over the same Data whose entitlements can be
// merged without affecting p.
func (p *MobileProvision) Copy() *MobileProvision {
	ents, _ := copyPlistValue(p.entitlements).(map[string]interface{})
	return &MobileProvision{Data: p.Data, entitlements: ents}
}

func copyPlistValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = copyPlistValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = copyPlistValue(item)
		}
		return out
	}
	return v
}

// Entitlements returns the profile's current entitlements.
func (p *MobileProvision) Entitlements() map[string]interface{} {
	return p.entitlements
}

// EntitlementsXML encodes the current entitlements as an XML plist.
func (p *MobileProvision) EntitlementsXML() ([]byte, error) {
	return EntitlementsToXML(p.entitlements)
}

// BundleID is the application-identifier without its team prefix.
func (p *MobileProvision) BundleID() (string, bool) {
	appID, ok := p.entitlements["application-identifier"].(string)
	if !ok {
		return "", false
	}
	return StripTeamID(appID), true
}

// TeamID returns com.apple.developer.team-identifier, or "".
func (p *MobileProvision) TeamID() string {
	id, _ := p.entitlements["com.apple.developer.team-identifier"].(string)
	return id
}

// MergeEntitlements folds the entitlements embedded in the binary at
// binaryPath into the profile's, scoped to newAppID.
func (p *MobileProvision) MergeEntitlements(binaryPath, newAppID string) error {
	img, err := macho.Open(binaryPath)
	if err != nil {
		return err
	}
	binEnts, ok := img.Entitlements()
	if !ok {
		return fmt.Errorf("%w: %s has no embedded entitlements", ErrProvisioningEntitlementsUnknown, binaryPath)
	}
	MergeEntitlements(p.entitlements, binEnts, p.TeamID(), newAppID)
	return nil
}

// Info decodes the signed metadata of the profile.
func (p *MobileProvision) Info() (*ProfileInfo, error) {
	return ParseProfileInfo(p.Data)
}

// ProfileInfo is the metadata a profile carries next to its entitlements:
// who issued it, for which devices and certificates, and until when.
type ProfileInfo struct {
	Name      string    `plist:"Name"`
	UUID      string    `plist:"UUID"`
	Platforms []string  `plist:"Platform"`
	Created   time.Time `plist:"CreationDate"`
	Expires   time.Time `plist:"ExpirationDate"`

	TeamName  string   `plist:"TeamName"`
	TeamIDs   []string `plist:"TeamIdentifier"`
	Prefixes  []string `plist:"ApplicationIdentifierPrefix"`
	AppIDName string   `plist:"AppIDName"`

	Entitlements map[string]interface{} `plist:"Entitlements"`
	// DeveloperCerts are DER encoded.
	DeveloperCerts [][]byte `plist:"DeveloperCertificates"`

	Devices    []string `plist:"ProvisionedDevices"`
	AllDevices bool     `plist:"ProvisionsAllDevices"`
}

// ParseProfileInfo decodes the plist payload of a .mobileprovision. The CMS
// signature is not verified.
func ParseProfileInfo(data []byte) (*ProfileInfo, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKCS#7 container: %w", err)
	}
	var info ProfileInfo
	if _, err := plist.Unmarshal(p7.Content, &info); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile plist: %w", err)
	}
	return &info, nil
}

// Team is the first team identifier, or the first app id prefix for
// profiles that predate TeamIdentifier.
func (i *ProfileInfo) Team() string {
	for _, ids := range [][]string{i.TeamIDs, i.Prefixes} {
		if len(ids) > 0 {
			return ids[0]
		}
	}
	return ""
}

// AppID is the team-prefixed application-identifier entitlement.
func (i *ProfileInfo) AppID() string {
	id, _ := i.Entitlements["application-identifier"].(string)
	return id
}

func (i *ProfileInfo) ExpiredAt(t time.Time) bool { return t.After(i.Expires) }

// AllowsDevice reports whether an app signed with the profile installs on
// udid.
func (i *ProfileInfo) AllowsDevice(udid string) bool {
	return i.AllDevices || slices.Contains(i.Devices, udid)
}

// Certificates parses the developer certificates.
func (i *ProfileInfo) Certificates() ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(i.DeveloperCerts))
	for n, der := range i.DeveloperCerts {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", n, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// Includes reports whether cert is one of the developer certificates,
// byte for byte.
func (i *ProfileInfo) Includes(cert *x509.Certificate) bool {
	for _, der := range i.DeveloperCerts {
		if bytes.Equal(der, cert.Raw) {
			return true
		}
	}
	return false
}
