package syncclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	dsync "github.com/driftlab/driftsync/internal/sync"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// Client is an HTTP client for the driftsync server. It satisfies the
// engine's Remote interface.
type Client struct {
	BaseURL  string
	APIKey   string
	ClientID string
	HTTP     *http.Client
}

// New creates a sync client.
func New(baseURL, apiKey, clientID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		ClientID: clientID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// PushRequest is the body for POST /v1/sync/push.
type PushRequest struct {
	ClientID   string            `json:"client_id"`
	Operations []dsync.Operation `json:"operations"`
}

// PullResponse is the response from GET /v1/sync/pull.
type PullResponse struct {
	Operations []dsync.Operation `json:"operations"`
	ServerTime int64             `json:"server_time"`
}

// ResolveRequest is the body for POST /v1/sync/resolve.
type ResolveRequest struct {
	ClientID string         `json:"client_id"`
	Conflict dsync.Conflict `json:"conflict"`
}

// ResolveResponse is the response from a resolve request. A nil
// Operation means the server declined to resolve.
type ResolveResponse struct {
	Operation *dsync.Operation `json:"operation"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck() (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doNoAuth("GET", "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Push sends queued operations to the server.
func (c *Client) Push(ops []dsync.Operation) (*dsync.PushResult, error) {
	req := PushRequest{ClientID: c.ClientID, Operations: ops}
	var resp dsync.PushResult
	if err := c.do("POST", "/v1/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches operations newer than since, excluding this client's
// own echoes.
func (c *Client) Pull(since time.Time, clientID string) ([]dsync.Operation, error) {
	params := url.Values{}
	ms := since.UnixMilli()
	if since.IsZero() || ms < 0 {
		ms = 0 // full pull; the zero time has no meaningful millis
	}
	params.Set("since", strconv.FormatInt(ms, 10))
	if clientID == "" {
		clientID = c.ClientID
	}
	if clientID != "" {
		params.Set("client_id", clientID)
	}

	var resp PullResponse
	if err := c.do("GET", "/v1/sync/pull?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Operations, nil
}

// Resolve asks the server to arbitrate a conflict the client could not
// settle locally.
func (c *Client) Resolve(conflict dsync.Conflict) (*dsync.Operation, error) {
	req := ResolveRequest{ClientID: c.ClientID, Conflict: conflict}
	var resp ResolveResponse
	if err := c.do("POST", "/v1/sync/resolve", req, &resp); err != nil {
		return nil, err
	}
	return resp.Operation, nil
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// do executes an authenticated HTTP request.
func (c *Client) do(method, path string, body, result any) error {
	return c.doRequest(method, path, body, result, true)
}

// doNoAuth executes an unauthenticated HTTP request.
func (c *Client) doNoAuth(method, path string, body, result any) error {
	return c.doRequest(method, path, body, result, false)
}

func (c *Client) doRequest(method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
			case http.StatusForbidden:
				return fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message)
			case http.StatusNotFound:
				return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
			default:
				return &apiErr
			}
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
