package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// apiClient talks to a running kernel server, authenticating with the
// service-to-service internal key.
type apiClient struct {
	baseURL string
	client  *http.Client
	key     string
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 2 * time.Minute},
		key:     os.Getenv("KERNEL_INTERNAL_KEY"),
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key == "" {
		return nil, fmt.Errorf("KERNEL_INTERNAL_KEY must be set to use server commands")
	}
	req.Header.Set("x-internal-key", c.key)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return resp, nil
}

func (c *apiClient) exportProject(ctx context.Context) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/project/export", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *apiClient) importProject(ctx context.Context, archive []byte) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"data": base64.StdEncoding.EncodeToString(archive),
	})
	if err != nil {
		return "", err
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/project/import", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var summary struct {
		Domains int `json:"domains"`
		Symbols int `json:"symbols"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d domains, %d symbols", summary.Domains, summary.Symbols), nil
}
