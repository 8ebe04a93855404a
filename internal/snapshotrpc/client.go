// Package snapshotrpc is the client for the external snapshot service:
// GetSnapshot/SaveSnapshot over plain JSON-over-HTTP. The metadata
// service genuinely is an HTTP RPC in this system (spec.md's own
// access-check endpoint is HTTP), so there is nothing to generate or
// reach for a schema/stub toolchain over — a small hand-written client
// is the idiomatic shape here, the same way the teacher hand-writes its
// `pkg/healthcheck` HTTP clients rather than generating them.
package snapshotrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotFound is returned by SaveSnapshot when the target docId is not a
// known document to the metadata service. The worker treats this as a
// terminal failure for the job rather than something to retry.
var ErrNotFound = errors.New("snapshotrpc: document not found")

// Client talks to the external snapshot RPC service.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. "http://snapshot-rpc:8090"),
// issuing every call with the given per-call timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type getSnapshotResponse struct {
	HasSnapshot   bool   `json:"hasSnapshot"`
	Snapshot      []byte `json:"snapshot"`
	AfterStreamID string `json:"afterStreamId"`
}

// GetSnapshot fetches docID's most recently persisted snapshot. found is
// false if none has ever been saved; this is not an error.
func (c *Client) GetSnapshot(ctx context.Context, docID string) (snapshot []byte, afterStreamID string, found bool, err error) {
	url := fmt.Sprintf("%s/documents/%s/snapshot", c.baseURL, docID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", false, fmt.Errorf("snapshotrpc: build GetSnapshot request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", false, fmt.Errorf("snapshotrpc: GetSnapshot %s: %w", docID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", false, fmt.Errorf("snapshotrpc: GetSnapshot %s: unexpected status %d", docID, resp.StatusCode)
	}

	var out getSnapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", false, fmt.Errorf("snapshotrpc: decode GetSnapshot %s response: %w", docID, err)
	}
	if !out.HasSnapshot {
		return nil, "", false, nil
	}
	return out.Snapshot, out.AfterStreamID, true, nil
}

type saveSnapshotRequest struct {
	Snapshot      []byte `json:"snapshot"`
	AfterStreamID string `json:"afterStreamId"`
}

// SaveSnapshot overwrites docID's persisted snapshot. It returns
// ErrNotFound if the metadata service does not recognize docID; callers
// should treat that as a terminal failure for the job rather than a
// transient one.
func (c *Client) SaveSnapshot(ctx context.Context, docID string, snapshot []byte, afterStreamID string) error {
	body, err := json.Marshal(saveSnapshotRequest{Snapshot: snapshot, AfterStreamID: afterStreamID})
	if err != nil {
		return fmt.Errorf("snapshotrpc: encode SaveSnapshot %s request: %w", docID, err)
	}

	url := fmt.Sprintf("%s/documents/%s/snapshot", c.baseURL, docID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("snapshotrpc: build SaveSnapshot request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("snapshotrpc: SaveSnapshot %s: %w", docID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("snapshotrpc: SaveSnapshot %s: unexpected status %d", docID, resp.StatusCode)
	}
	return nil
}
