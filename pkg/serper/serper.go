// Package serper wraps the Serper google search API used for community
// discovery.
package serper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/unhabit/unhabit-agent/agent/contract"
)

const defaultEndpoint = "https://google.serper.dev/search"

type Config struct {
	APIKey   string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Endpoint string        `envconfig:"ENDPOINT" split_words:"true" default:"https://google.serper.dev/search"`
	Timeout  time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"15s"`
}

type Client struct {
	conf Config
	http *http.Client
}

var _ contract.SearchProvider = (*Client)(nil)

func MustNew(conf Config) *Client {
	c, err := New(conf)
	if err != nil {
		panic(err)
	}
	return c
}

func New(conf Config) (*Client, error) {
	if strings.TrimSpace(conf.APIKey) == "" {
		return nil, fmt.Errorf("serper: api key is required")
	}
	if strings.TrimSpace(conf.Endpoint) == "" {
		conf.Endpoint = defaultEndpoint
	}

	return &Client{
		conf: conf,
		http: &http.Client{Timeout: conf.Timeout},
	}, nil
}

type searchRequest struct {
	Q   string `json:"q"`
	Num int    `json:"num,omitempty"`
}

type searchResponse struct {
	Organic []organicHit `json:"organic"`
}

type organicHit struct {
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Link     string `json:"link"`
	Position int    `json:"position"`
}

func (c *Client) Search(ctx context.Context, query string, limit int) ([]contract.SearchResult, error) {
	body, err := json.Marshal(searchRequest{Q: query, Num: limit})
	if err != nil {
		return nil, fmt.Errorf("serper: marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.conf.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("serper: build request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.conf.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("serper: search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("serper: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("serper: decode response: %w", err)
	}

	results := make([]contract.SearchResult, 0, len(parsed.Organic))
	for _, hit := range parsed.Organic {
		results = append(results, contract.SearchResult{
			Title:    hit.Title,
			Snippet:  hit.Snippet,
			URL:      hit.Link,
			Position: hit.Position,
		})
	}
	return results, nil
}
