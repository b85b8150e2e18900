package developer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	jsonv2 "github.com/go-json-experiment/json"
	"zombiezen.com/go/log"
)

const v1ContentType = "application/vnd.api+json"

// Capabilities a free developer account cannot enable.
var unallowedCapabilities = map[string]bool{
	"AUTOFILL_CREDENTIAL_PROVIDER": true,
}

// Capability is one entry of the v1 capabilities listing.
type Capability struct {
	ID         string `json:"id"`
	Attributes struct {
		Entitlements []struct {
			ProfileKey string `json:"profileKey"`
		} `json:"entitlements"`
		SupportsWildcard bool `json:"supportsWildcard"`
	} `json:"attributes"`
}

type v1Error struct {
	Code       string `json:"code"`
	Detail     string `json:"detail"`
	ID         string `json:"id"`
	ResultCode int    `json:"resultCode"`
	Status     string `json:"status"`
	Title      string `json:"title"`
}

func (e *v1Error) apiError(url string, httpStatus int) *APIError {
	msg := e.Detail
	if msg == "" {
		msg = e.Title
	}
	if status, err := strconv.Atoi(e.Status); err == nil {
		httpStatus = status
	}
	return &APIError{URL: url, ResultCode: e.ResultCode, HTTPStatus: httpStatus, Message: msg}
}

// v1 sends a JSON request to the v1 API. GET requests are tunnelled
// through POST with X-HTTP-Method-Override.
func (c *Client) v1(ctx context.Context, method, path string, body, out interface{}) error {
	encoded, err := jsonv2.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", path, err)
	}
	url := c.baseURL() + "v1/" + path
	httpMethod := method
	if method == http.MethodGet {
		httpMethod = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, url, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", v1ContentType)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("X-HTTP-Method-Override", method)
	if err := c.setHeaders(ctx, req); err != nil {
		return err
	}

	log.Debugf(ctx, "%s %s", method, url)
	resp, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", path, err)
	}

	var errResp struct {
		Errors []v1Error `json:"errors"`
	}
	if len(data) > 0 {
		if err := jsonv2.Unmarshal(data, &errResp); err == nil && len(errResp.Errors) > 0 {
			return errResp.Errors[0].apiError(url, resp.StatusCode)
		}
	}
	if resp.StatusCode >= 300 {
		return &APIError{URL: url, HTTPStatus: resp.StatusCode, Message: resp.Status}
	}
	if out == nil {
		return nil
	}
	if err := jsonv2.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", path, err)
	}
	return nil
}

// ListCapabilities lists the iOS capabilities available to the team.
func (c *Client) ListCapabilities(ctx context.Context, teamID string) ([]Capability, error) {
	body := map[string]string{
		"teamId":                teamID,
		"urlEncodedQueryParams": "filter[platform]=IOS",
	}
	var resp struct {
		Data []Capability `json:"data"`
	}
	if err := c.v1(ctx, http.MethodGet, "capabilities", body, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// SelectCapabilities returns the ids of the capabilities whose profile key
// appears among the entitlement keys, skipping those a free account
// cannot enable. The result is sorted.
func SelectCapabilities(caps []Capability, entitlements map[string]interface{}) []string {
	var ids []string
	for _, c := range caps {
		if unallowedCapabilities[c.ID] {
			continue
		}
		for _, e := range c.Attributes.Entitlements {
			if _, ok := entitlements[e.ProfileKey]; ok {
				ids = append(ids, c.ID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids
}

type capabilityRef struct {
	Type       string `json:"type"`
	Attributes struct {
		Enabled  bool          `json:"enabled"`
		Settings []interface{} `json:"settings"`
	} `json:"attributes"`
	Relationships struct {
		Capability struct {
			Data struct {
				Type string `json:"type"`
				ID   string `json:"id"`
			} `json:"data"`
		} `json:"capability"`
	} `json:"relationships"`
}

type bundleIDUpdate struct {
	Data struct {
		Type       string `json:"type"`
		ID         string `json:"id"`
		Attributes struct {
			TeamID           string `json:"teamId"`
			HasExclusiveMgmt bool   `json:"hasExclusiveManagedCapabilities"`
		} `json:"attributes"`
		Relationships struct {
			BundleIDCapabilities struct {
				Data []capabilityRef `json:"data"`
			} `json:"bundleIdCapabilities"`
		} `json:"relationships"`
	} `json:"data"`
}

// RequestCapabilitiesForEntitlements enables on appID every capability
// implied by the entitlement keys.
func (c *Client) RequestCapabilitiesForEntitlements(ctx context.Context, teamID string, appID *AppID, entitlements map[string]interface{}) error {
	caps, err := c.ListCapabilities(ctx, teamID)
	if err != nil {
		return err
	}
	ids := SelectCapabilities(caps, entitlements)

	var update bundleIDUpdate
	update.Data.Type = "bundleIds"
	update.Data.ID = appID.ID
	update.Data.Attributes.TeamID = teamID
	refs := make([]capabilityRef, 0, len(ids))
	for _, id := range ids {
		var ref capabilityRef
		ref.Type = "bundleIdCapabilities"
		ref.Attributes.Enabled = true
		ref.Attributes.Settings = []interface{}{}
		ref.Relationships.Capability.Data.Type = "capabilities"
		ref.Relationships.Capability.Data.ID = id
		refs = append(refs, ref)
	}
	update.Data.Relationships.BundleIDCapabilities.Data = refs

	if err := c.v1(ctx, http.MethodPatch, "bundleIds/"+appID.ID, &update, nil); err != nil {
		return err
	}
	log.Debugf(ctx, "Enabled capabilities %v on %s", ids, appID.Identifier)
	return nil
}
