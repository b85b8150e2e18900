package developer

import (
	"context"
	"fmt"
	"io"
	"net/http"

	jsonv2 "github.com/go-json-experiment/json"
)

// AnisetteServer fetches attestation headers from an anisette server that
// answers GET requests with a flat JSON object of header values.
type AnisetteServer struct {
	URL string
	// If HTTPClient is nil, then [http.DefaultClient] is used.
	HTTPClient *http.Client
}

var _ AnisetteProvider = (*AnisetteServer)(nil)

func (s *AnisetteServer) Headers(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anisette: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{URL: s.URL, HTTPStatus: resp.StatusCode, Message: resp.Status}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anisette: failed to read response: %w", err)
	}
	var raw map[string]interface{}
	if err := jsonv2.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("anisette: failed to decode response: %w", err)
	}
	headers := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return headers, nil
}
