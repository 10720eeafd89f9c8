package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"edge-sync/internal/store"
)

// ErrProtocolMismatch means the peer's tree topology is incompatible with
// ours. Retrying cannot help; this is a configuration error.
var ErrProtocolMismatch = errors.New("sync protocol mismatch")

// TreeInfo is the peer's tree summary exchanged during negotiation.
type TreeInfo struct {
	Topology int    `json:"topology"`
	RootHash string `json:"root_hash"`
}

// PutOutcome is the peer's verdict on one pushed record.
type PutOutcome struct {
	Key    string `json:"key"`
	Result string `json:"result"`
}

// AuthorityClient is the transport to the sync peer. Ping doubles as the
// heartbeat probe.
type AuthorityClient interface {
	Ping(ctx context.Context) (time.Duration, error)
	GetTree(ctx context.Context) (TreeInfo, error)
	GetLeafHashes(ctx context.Context, lo, hi int) ([]string, error)
	GetRecords(ctx context.Context, lo, hi int, afterKey string, limit int) ([]store.Record, string, error)
	PutRecords(ctx context.Context, recs []store.Record) ([]PutOutcome, error)
}

// HTTPClient talks to a peer's internal sync endpoints over HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a client for the peer at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Ping probes the peer's heartbeat endpoint and reports round-trip latency.
func (c *HTTPClient) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.getJSON(ctx, "/internal/heartbeat", nil, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// GetTree fetches the peer's topology and root hash.
func (c *HTTPClient) GetTree(ctx context.Context) (TreeInfo, error) {
	var info TreeInfo
	err := c.getJSON(ctx, "/internal/sync/tree", nil, &info)
	return info, err
}

type leavesResponse struct {
	LeafHashes []string `json:"leaf_hashes"`
}

// GetLeafHashes fetches the peer's leaf hashes for buckets [lo, hi).
func (c *HTTPClient) GetLeafHashes(ctx context.Context, lo, hi int) ([]string, error) {
	q := url.Values{}
	q.Set("lo", strconv.Itoa(lo))
	q.Set("hi", strconv.Itoa(hi))

	var resp leavesResponse
	if err := c.getJSON(ctx, "/internal/sync/leaves", q, &resp); err != nil {
		return nil, err
	}
	return resp.LeafHashes, nil
}

type recordsResponse struct {
	Records    []store.Record `json:"records"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

// GetRecords fetches one page of the peer's records whose keys bucket into
// [lo, hi). Pass the returned cursor back as afterKey to continue.
func (c *HTTPClient) GetRecords(ctx context.Context, lo, hi int, afterKey string, limit int) ([]store.Record, string, error) {
	q := url.Values{}
	q.Set("lo", strconv.Itoa(lo))
	q.Set("hi", strconv.Itoa(hi))
	q.Set("limit", strconv.Itoa(limit))
	if afterKey != "" {
		q.Set("cursor", afterKey)
	}

	var resp recordsResponse
	if err := c.getJSON(ctx, "/internal/sync/records", q, &resp); err != nil {
		return nil, "", err
	}
	return resp.Records, resp.NextCursor, nil
}

type putRecordsRequest struct {
	Records []store.Record `json:"records"`
}

type putRecordsResponse struct {
	Results []PutOutcome `json:"results"`
}

// PutRecords pushes a batch of local records to the peer.
func (c *HTTPClient) PutRecords(ctx context.Context, recs []store.Record) ([]PutOutcome, error) {
	body, err := json.Marshal(putRecordsRequest{Records: recs})
	if err != nil {
		return nil, fmt.Errorf("encode push batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/internal/sync/records", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp putRecordsResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("peer request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("peer request %s: status %d: %s", req.URL.Path, resp.StatusCode, bytes.TrimSpace(body))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode peer response %s: %w", req.URL.Path, err)
	}
	return nil
}
