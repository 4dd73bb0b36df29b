package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const defaultResultCount = 5

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchClient queries an HTTP search backend that answers
// GET <endpoint>?q=<query>&count=<n> with {"results":[...]}.
type SearchClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewSearchClient returns a client for the search endpoint.
func NewSearchClient(endpoint, apiKey string, client *http.Client) *SearchClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &SearchClient{endpoint: endpoint, apiKey: apiKey, client: client}
}

func (c *SearchClient) Search(ctx context.Context, query string) ([]SearchResult, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("count", fmt.Sprint(defaultResultCount))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("construct search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("search status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if len(out.Results) > defaultResultCount {
		out.Results = out.Results[:defaultResultCount]
	}
	return out.Results, nil
}
