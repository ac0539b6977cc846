package cmd

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

	"github.com/openctemio/scanregistry/pkg/apierror"
)

// Client is the scan registry HTTP client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	verbose    io.Writer
}

// NewClient creates a new client. A non-nil verbose writer receives one line
// per request and response.
func NewClient(baseURL, token string, verbose io.Writer) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		verbose: verbose,
	}
}

// Do performs an HTTP request. The response body is returned even when the
// status is an error so callers can decode structured failures.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, int, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if c.verbose != nil {
		fmt.Fprintf(c.verbose, ">>> %s %s\n", method, target)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if c.verbose != nil {
		fmt.Fprintf(c.verbose, "<<< %d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	if resp.StatusCode >= 400 {
		return respBody, resp.StatusCode, parseAPIError(resp.StatusCode, respBody)
	}
	return respBody, resp.StatusCode, nil
}

// GetJSON performs a GET request and decodes the response into dst.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, dst any) error {
	data, _, err := c.Do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	return unmarshal(data, dst)
}

// PostJSON performs a POST request and decodes the response into dst.
func (c *Client) PostJSON(ctx context.Context, path string, body, dst any) error {
	data, _, err := c.Do(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	return unmarshal(data, dst)
}

// APIError is a failed API call.
type APIError struct {
	StatusCode  int
	Category    apierror.Category
	Message     string
	Suggestions []string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("API error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Category != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Category)
	}
	for _, s := range e.Suggestions {
		msg += "\n  - " + s
	}
	return msg
}

func parseAPIError(statusCode int, body []byte) error {
	apiErr := &APIError{StatusCode: statusCode}

	var parsed struct {
		apierror.Response
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Category = parsed.ErrorCategory
		apiErr.Message = parsed.Error
		apiErr.Suggestions = parsed.Suggestions
		if apiErr.Message == "" {
			apiErr.Message = parsed.Message
		}
	}

	if apiErr.Message == "" {
		switch statusCode {
		case http.StatusUnauthorized:
			apiErr.Message = "unauthorized: invalid or missing token"
		case http.StatusForbidden:
			apiErr.Message = "forbidden: operator role required"
		case http.StatusNotFound:
			apiErr.Message = "resource not found"
		}
	}
	return apiErr
}
