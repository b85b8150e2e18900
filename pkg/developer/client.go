package developer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"howett.net/plist"
	"zombiezen.com/go/log"
)

// DefaultBaseURL is the developer services root used when Client.BaseURL is empty.
const DefaultBaseURL = "https://developerservices2.apple.com/services/"

const (
	qhProtocol = "QH65B2"
	clientID   = "XABBG36SBA"
	plistType  = "text/x-xml-plist"
)

// ErrNotFound is wrapped by lookups that find nothing.
var ErrNotFound = errors.New("not found")

var _ Session = (*Client)(nil)

// Credentials are the already-issued tokens of a signed-in account.
type Credentials struct {
	DSID  string
	Token string
}

// AnisetteProvider supplies the per-request device attestation headers.
type AnisetteProvider interface {
	Headers(ctx context.Context) (map[string]string, error)
}

// A Client implements Session against the Apple developer services
// endpoints: the QH plist protocol for most actions and the v1 JSON API
// for capabilities.
type Client struct {
	// BaseURL defaults to DefaultBaseURL. It must end in a slash.
	BaseURL     string
	Credentials Credentials
	// Anisette may be nil, in which case no attestation headers are sent.
	Anisette AnisetteProvider
	// If HTTPClient is nil, then [http.DefaultClient] is used.
	HTTPClient *http.Client
}

func (c *Client) client() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

func (c *Client) baseURL() string {
	if c.BaseURL == "" {
		return DefaultBaseURL
	}
	return c.BaseURL
}

func (c *Client) setHeaders(ctx context.Context, req *http.Request) error {
	req.Header.Set("User-Agent", "Xcode")
	req.Header.Set("Accept-Language", "en-us")
	req.Header.Set("X-Xcode-Version", "14.2 (14C18)")
	req.Header.Set("X-Apple-App-Info", "com.apple.gs.xcode.auth")
	if c.Credentials.DSID != "" {
		req.Header.Set("X-Apple-I-Identity-Id", c.Credentials.DSID)
	}
	if c.Credentials.Token != "" {
		req.Header.Set("X-Apple-GS-Token", c.Credentials.Token)
	}
	if c.Anisette == nil {
		return nil
	}
	headers, err := c.Anisette.Headers(ctx)
	if err != nil {
		return fmt.Errorf("failed to get anisette headers: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return nil
}

type qhMeta struct {
	ResultCode   int    `plist:"resultCode"`
	UserString   string `plist:"userString"`
	ResultString string `plist:"resultString"`
}

// qh performs one QH65B2 action and decodes the response into out.
func (c *Client) qh(ctx context.Context, action, teamID string, params map[string]interface{}, out interface{}) error {
	body := map[string]interface{}{
		"clientId":        clientID,
		"protocolVersion": qhProtocol,
		"requestId":       strings.ToUpper(uuid.NewString()),
		"userLocale":      []string{"en_US"},
	}
	if teamID != "" {
		body["teamId"] = teamID
	}
	for k, v := range params {
		body[k] = v
	}
	encoded, err := plist.Marshal(body, plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", action, err)
	}

	url := c.baseURL() + qhProtocol + "/" + action + "?clientId=" + clientID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", plistType)
	req.Header.Set("Accept", plistType)
	if err := c.setHeaders(ctx, req); err != nil {
		return err
	}

	log.Debugf(ctx, "POST %s", url)
	resp, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", action, err)
	}

	var meta qhMeta
	_, decodeErr := plist.Unmarshal(data, &meta)
	if decodeErr == nil && meta.ResultCode != 0 {
		msg := meta.UserString
		if msg == "" {
			msg = meta.ResultString
		}
		return &APIError{URL: url, ResultCode: meta.ResultCode, HTTPStatus: resp.StatusCode, Message: msg}
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{URL: url, HTTPStatus: resp.StatusCode, Message: resp.Status}
	}
	if decodeErr != nil {
		return fmt.Errorf("%s: failed to decode response: %w", action, decodeErr)
	}
	if out == nil {
		return nil
	}
	if _, err := plist.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", action, err)
	}
	return nil
}

// ListCertificates lists the team's development certificates.
func (c *Client) ListCertificates(ctx context.Context, teamID string) ([]Certificate, error) {
	var resp struct {
		Certificates []Certificate `plist:"certificates"`
	}
	if err := c.qh(ctx, "ios/listAllDevelopmentCerts.action", teamID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Certificates, nil
}

// SubmitCSR submits a PEM encoded certificate signing request.
func (c *Client) SubmitCSR(ctx context.Context, teamID string, csr []byte, machineName, machineID string) (*CertRequest, error) {
	var resp struct {
		CertRequest CertRequest `plist:"certRequest"`
	}
	params := map[string]interface{}{
		"csrContent":  string(csr),
		"machineId":   machineID,
		"machineName": machineName,
	}
	if err := c.qh(ctx, "ios/submitDevelopmentCSR.action", teamID, params, &resp); err != nil {
		return nil, err
	}
	return &resp.CertRequest, nil
}

// RevokeCertificate revokes the certificate with the given serial number.
func (c *Client) RevokeCertificate(ctx context.Context, teamID, serialNumber string) error {
	params := map[string]interface{}{"serialNumber": serialNumber}
	return c.qh(ctx, "ios/revokeDevelopmentCert.action", teamID, params, nil)
}

func (c *Client) listAppIDs(ctx context.Context, teamID string) ([]AppID, error) {
	var resp struct {
		AppIDs []AppID `plist:"appIds"`
	}
	if err := c.qh(ctx, "ios/listAppIds.action", teamID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.AppIDs, nil
}

// GetAppID returns the registered app id for bundleID, wrapping
// ErrNotFound when there is none.
func (c *Client) GetAppID(ctx context.Context, teamID, bundleID string) (*AppID, error) {
	ids, err := c.listAppIDs(ctx, teamID)
	if err != nil {
		return nil, err
	}
	for i := range ids {
		if ids[i].Identifier == bundleID {
			return &ids[i], nil
		}
	}
	return nil, fmt.Errorf("app id %s: %w", bundleID, ErrNotFound)
}

// EnsureAppID registers bundleID unless it already exists.
func (c *Client) EnsureAppID(ctx context.Context, teamID, name, bundleID string) (*AppID, error) {
	existing, err := c.GetAppID(ctx, teamID, bundleID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var resp struct {
		AppID AppID `plist:"appId"`
	}
	params := map[string]interface{}{
		"identifier": bundleID,
		"name":       StripInvalidNameChars(name),
	}
	if err := c.qh(ctx, "ios/addAppId.action", teamID, params, &resp); err != nil {
		return nil, err
	}
	log.Infof(ctx, "Registered app id %s", bundleID)
	return &resp.AppID, nil
}

// EnsureAppGroup registers the application group groupID unless it
// already exists.
func (c *Client) EnsureAppGroup(ctx context.Context, teamID, name, groupID string) (*AppGroup, error) {
	var list struct {
		Groups []AppGroup `plist:"applicationGroupList"`
	}
	if err := c.qh(ctx, "ios/listApplicationGroups.action", teamID, nil, &list); err != nil {
		return nil, err
	}
	for i := range list.Groups {
		if list.Groups[i].Identifier == groupID {
			return &list.Groups[i], nil
		}
	}

	var resp struct {
		Group AppGroup `plist:"applicationGroup"`
	}
	params := map[string]interface{}{
		"identifier": groupID,
		"name":       StripInvalidNameChars(name),
	}
	if err := c.qh(ctx, "ios/addApplicationGroup.action", teamID, params, &resp); err != nil {
		return nil, err
	}
	log.Infof(ctx, "Registered app group %s", groupID)
	return &resp.Group, nil
}

// AssignAppGroups binds groups to appID.
func (c *Client) AssignAppGroups(ctx context.Context, teamID string, appID *AppID, groups []*AppGroup) error {
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	params := map[string]interface{}{
		"appIdId":           appID.ID,
		"applicationGroups": ids,
	}
	return c.qh(ctx, "ios/assignApplicationGroupToAppId.action", teamID, params, nil)
}

// GetProvisioningProfile downloads the team provisioning profile for appID.
func (c *Client) GetProvisioningProfile(ctx context.Context, teamID string, appID *AppID) ([]byte, error) {
	var resp struct {
		Profile struct {
			Encoded []byte `plist:"encodedProfile"`
		} `plist:"provisioningProfile"`
	}
	params := map[string]interface{}{"appIdId": appID.ID}
	if err := c.qh(ctx, "ios/downloadTeamProvisioningProfile.action", teamID, params, &resp); err != nil {
		return nil, err
	}
	if len(resp.Profile.Encoded) == 0 {
		return nil, fmt.Errorf("provisioning profile for %s: %w", appID.Identifier, ErrNotFound)
	}
	return resp.Profile.Encoded, nil
}

// EnsureDevice registers udid unless the team already knows it.
func (c *Client) EnsureDevice(ctx context.Context, teamID, name, udid string) error {
	var list struct {
		Devices []Device `plist:"devices"`
	}
	if err := c.qh(ctx, "ios/listDevices.action", teamID, nil, &list); err != nil {
		return err
	}
	for _, d := range list.Devices {
		if strings.EqualFold(d.UDID, udid) {
			return nil
		}
	}
	params := map[string]interface{}{
		"deviceNumber": udid,
		"name":         name,
	}
	if err := c.qh(ctx, "ios/addDevice.action", teamID, params, nil); err != nil {
		return err
	}
	log.Infof(ctx, "Registered device %s (%s)", name, udid)
	return nil
}

// StripInvalidNameChars removes characters the portal rejects in app
// and group names: non-ASCII, control characters and \/:*?"<>|.
func StripInvalidNameChars(name string) string {
	return strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII || unicode.IsControl(r) || strings.ContainsRune(`\/:*?"<>|.`, r) {
			return -1
		}
		return r
	}, name)
}
