package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/quickpaste/quickpaste/internal/qpcode"
)

// Client talks to a running server's JSON API. Used by the `post` and `get`
// commands.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// ClientError is returned when the server responds with a non-success status.
type ClientError struct {
	Message    string
	StatusCode int
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("server responded with status %d: %s", e.StatusCode, e.Message)
}

func (c *Client) CreatePaste(ctx context.Context, content string) (*createPasteResponse, error) {
	body, err := json.Marshal(&createPasteRequest{Content: content})
	if err != nil {
		return nil, xerrors.Errorf("error marshaling request: %w", err)
	}

	var resp createPasteResponse
	if err := c.do(ctx, http.MethodPost, "/api/paste", body, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

func (c *Client) GetPaste(ctx context.Context, code string) (*getPasteResponse, error) {
	if _, err := qpcode.Parse(code); err != nil {
		return nil, xerrors.Errorf("error getting paste %q: %w", code, err)
	}

	var resp getPasteResponse
	if err := c.do(ctx, http.MethodGet, "/api/paste/"+url.PathEscape(code), nil, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, v any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return xerrors.Errorf("error building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Errorf("error requesting %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return xerrors.Errorf("error reading response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var errResp errorResponse
		if err := json.Unmarshal(respBody, &errResp); err != nil || errResp.Error == "" {
			errResp.Error = strings.TrimSpace(string(respBody))
		}
		return &ClientError{Message: errResp.Error, StatusCode: resp.StatusCode}
	}

	if err := json.Unmarshal(respBody, v); err != nil {
		return xerrors.Errorf("error unmarshaling response: %w", err)
	}

	return nil
}
