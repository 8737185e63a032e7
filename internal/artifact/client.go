// ABOUTME: Agent-side client for the artifact receiver: checksum manifest and file uploads.
// ABOUTME: A 422 answer comes back as checksum.ErrChecksumMismatch.

package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/2389/gantry/internal/checksum"
)

// Credentials identify the uploading agent.
type Credentials struct {
	AgentUUID string
	Cookie    string
}

// Client uploads artifacts for one agent.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the server at baseURL, e.g. http://ci:8080.
// A nil httpClient gets a client with a generous timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// PutManifest sends the checksum record for a build.
func (c *Client) PutManifest(ctx context.Context, creds Credentials, buildID int64, record *checksum.Record) error {
	var buf bytes.Buffer
	if err := record.WriteManifest(&buf); err != nil {
		return err
	}
	req, err := c.request(ctx, http.MethodPut, "/api/checksums/"+strconv.FormatInt(buildID, 10), creds, &buf)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderAlgorithm, string(record.Algorithm))
	_, err = c.do(req)
	return err
}

// Upload sends one artifact. The returned outcome is the server's checksum
// verdict; a mismatch is returned as an error wrapping ErrChecksumMismatch.
func (c *Client) Upload(ctx context.Context, creds Credentials, buildID int64, relPath string, body io.Reader) (string, error) {
	p := "/api/artifacts/" + strconv.FormatInt(buildID, 10) + "/" + escapePath(checksum.Normalize(relPath))
	req, err := c.request(ctx, http.MethodPut, p, creds, body)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	return resp["outcome"], nil
}

func (c *Client) request(ctx context.Context, method, path string, creds Credentials, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set(HeaderAgentUUID, creds.AgentUUID)
	req.Header.Set(HeaderAgentCookie, creds.Cookie)
	req.Header.Set("Content-Type", "application/octet-stream")
	return req, nil
}

func (c *Client) do(req *http.Request) (map[string]string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body)
	}

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return body, fmt.Errorf("%w: %s", checksum.ErrChecksumMismatch, body["error"])
	case resp.StatusCode >= 300:
		return body, fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, body["error"])
	}
	return body, nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
