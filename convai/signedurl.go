package convai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultBaseURL is the public API endpoint.
const DefaultBaseURL = "https://api.elevenlabs.io"

// FetchSignedURL asks the API for a single-use conversation URL for agentID.
func FetchSignedURL(ctx context.Context, client *http.Client, baseURL, apiKey, agentID string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/v1/convai/conversation/get-signed-url?agent_id=" + url.QueryEscape(agentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build signed url request: %w", err)
	}
	req.Header.Set("xi-api-key", apiKey)

	res, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch signed url: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return "", fmt.Errorf("fetch signed url: %s: %s", res.Status, strings.TrimSpace(string(body)))
	}

	var out struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode signed url response: %w", err)
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("signed url response without signed_url")
	}
	return out.SignedURL, nil
}
