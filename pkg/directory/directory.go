// Package directory implements the client for the optional external
// registration service, used strictly as a last-resort peer index and relay
// fallback.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/DIG-Network/dig-node/pkg/constants"
	"github.com/DIG-Network/dig-node/pkg/digerr"
)

// Registration is the body of POST /register.
type Registration struct {
	PeerID          string   `json:"peerId"`
	Addresses       []string `json:"addresses"`
	Stores          []string `json:"stores"`
	Capabilities    []string `json:"capabilities"`
	RelayCapable    bool     `json:"relayCapable"`
	RelayAddresses  []string `json:"relayAddresses,omitempty"`
	NetworkID       string   `json:"networkId"`
	SoftwareVersion string   `json:"softwareVersion"`
}

// Peer is one entry of GET /peers.
type Peer struct {
	PeerID       string   `json:"peerId"`
	Addresses    []string `json:"addresses"`
	Stores       []string `json:"stores,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	RelayCapable bool     `json:"relayCapable"`
	NetworkID    string   `json:"networkId"`
}

// RelayStoreRequest is the body of POST /relay-store, the last-resort relay
// path.
type RelayStoreRequest struct {
	StoreID    string `json:"storeId"`
	RangeStart *int64 `json:"rangeStart,omitempty"`
	RangeEnd   *int64 `json:"rangeEnd,omitempty"`
}

// Client talks to one directory endpoint with failure-aware backoff.
type Client struct {
	mu sync.Mutex

	baseURL string
	http    *http.Client

	consecutiveFailures int
	backoffUntil        time.Time
	registered          bool
}

// Backoff bounds.
const (
	backoffBase = 30 * time.Second
	backoffCap  = 15 * time.Minute
	failureGate = 3
)

// NewClient creates a directory client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: constants.DirectoryTimeout},
	}
}

// BaseURL returns the endpoint this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Available reports whether the client is outside its backoff window.
func (c *Client) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().After(c.backoffUntil)
}

// Register registers the node. Errors count toward the backoff.
func (c *Client) Register(ctx context.Context, reg *Registration) error {
	var out map[string]interface{}
	err := c.post(ctx, "/register", reg, &out)
	c.mu.Lock()
	c.registered = err == nil
	c.mu.Unlock()
	return err
}

// Peers fetches the directory's peer index with stores and capabilities.
func (c *Client) Peers(ctx context.Context) ([]Peer, error) {
	url := c.baseURL + "/peers?includeStores=true&includeCapabilities=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, digerr.Wrap(digerr.CodeDirectoryUnavailable, "failed to build request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.recordFailure()
		return nil, digerr.Wrap(digerr.CodeDirectoryUnavailable, "peers query failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.recordFailure()
		return nil, digerr.New(digerr.CodeDirectoryUnavailable,
			fmt.Sprintf("peers query returned %d", resp.StatusCode))
	}

	var body struct {
		Peers []Peer `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.recordFailure()
		return nil, digerr.Wrap(digerr.CodeDecodeFailed, "failed to decode peers response", err)
	}
	c.recordSuccess()
	return body.Peers, nil
}

// Heartbeat keeps the registration alive. A 404 means the directory forgot
// us and the caller must re-register; 429 is backpressure; 5xx also
// triggers re-registration.
func (c *Client) Heartbeat(ctx context.Context, peerID string) (reRegister bool, err error) {
	body, err := json.Marshal(map[string]string{"peerId": peerID})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/heartbeat", bytes.NewReader(body))
	if err != nil {
		return false, digerr.Wrap(digerr.CodeDirectoryUnavailable, "failed to build heartbeat", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordFailure()
		return false, digerr.Wrap(digerr.CodeDirectoryUnavailable, "heartbeat failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		c.recordSuccess()
		return false, nil
	case resp.StatusCode == http.StatusNotFound:
		c.recordSuccess()
		c.mu.Lock()
		c.registered = false
		c.mu.Unlock()
		return true, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		c.recordFailure()
		return false, digerr.New(digerr.CodeDirectoryUnavailable, "heartbeat backpressure")
	case resp.StatusCode >= 500:
		c.recordFailure()
		return true, digerr.New(digerr.CodeDirectoryUnavailable,
			fmt.Sprintf("heartbeat returned %d", resp.StatusCode))
	default:
		c.recordFailure()
		return false, digerr.New(digerr.CodeDirectoryUnavailable,
			fmt.Sprintf("heartbeat returned %d", resp.StatusCode))
	}
}

// RelayStore fetches store bytes through the directory's own relay
// endpoint. The body is the raw store (or range) content.
func (c *Client) RelayStore(ctx context.Context, req *RelayStoreRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/relay-store", bytes.NewReader(body))
	if err != nil {
		return nil, digerr.Wrap(digerr.CodeDirectoryUnavailable, "failed to build relay request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, digerr.Wrap(digerr.CodeDirectoryUnavailable, "relay-store failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, digerr.New(digerr.CodeStoreNotFound, "directory has no source for store")
	}
	if resp.StatusCode != http.StatusOK {
		c.recordFailure()
		return nil, digerr.New(digerr.CodeDirectoryUnavailable,
			fmt.Sprintf("relay-store returned %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, digerr.Wrap(digerr.CodeStreamClosed, "relay-store body read failed", err)
	}
	c.recordSuccess()
	return data, nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return digerr.Wrap(digerr.CodeDirectoryUnavailable, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordFailure()
		return digerr.Wrap(digerr.CodeDirectoryUnavailable, path+" failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.recordFailure()
		io.Copy(io.Discard, resp.Body)
		return digerr.New(digerr.CodeDirectoryUnavailable,
			fmt.Sprintf("%s returned %d", path, resp.StatusCode))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return digerr.Wrap(digerr.CodeDecodeFailed, "failed to decode response", err)
		}
	}
	c.recordSuccess()
	return nil
}

// recordFailure bumps the failure streak; three consecutive failures start
// exponential backoff up to the cap.
func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures++
	if c.consecutiveFailures < failureGate {
		return
	}
	exp := c.consecutiveFailures - failureGate
	backoff := backoffBase << uint(exp)
	if backoff > backoffCap || backoff <= 0 {
		backoff = backoffCap
	}
	c.backoffUntil = time.Now().Add(backoff)
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures = 0
	c.backoffUntil = time.Time{}
}
