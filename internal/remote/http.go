// Package remote provides the HTTP implementation of the backend contract.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/meadowlark/farmsync/internal/models"
)

// HTTPClient talks to the hosted backend over HTTP. Status codes map onto
// the retry taxonomy: 409 is a conflict, other 4xx are permanent
// rejections, 5xx and transport errors are transient and retried by the
// queue.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates an HTTPClient for the given base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

var (
	_ Mutator        = (*HTTPClient)(nil)
	_ Querier        = (*HTTPClient)(nil)
	_ AudioSubmitter = (*HTTPClient)(nil)
)

// PerformMutation posts a mutation to the collection endpoint.
func (c *HTTPClient) PerformMutation(ctx context.Context, kind models.MutationKind, farmID string, payload json.RawMessage) (*Result, error) {
	endpoint := fmt.Sprintf("%s/farms/%s/mutations/%s", c.baseURL, url.PathEscape(farmID), url.PathEscape(string(kind)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mutation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation response: %w", err)
	}

	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode mutation result: %w", err)
	}
	return &result, nil
}

// FetchCollection reads a tenant-scoped collection.
func (c *HTTPClient) FetchCollection(ctx context.Context, kind models.EntityKind, farmID string, filters map[string]string) ([]json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/farms/%s/collections/%s", c.baseURL, url.PathEscape(farmID), url.PathEscape(string(kind)))

	query := url.Values{}
	for k, v := range filters {
		query.Set(k, v)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("collection request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read collection response: %w", err)
	}

	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode collection rows: %w", err)
	}
	return rows, nil
}

// SubmitAudio uploads a voice blob for transcription.
func (c *HTTPClient) SubmitAudio(ctx context.Context, farmID string, blob []byte, mimeType string) (*Result, error) {
	endpoint := fmt.Sprintf("%s/farms/%s/audio", c.baseURL, url.PathEscape(farmID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mimeType)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("audio upload failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio response: %w", err)
	}

	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode audio result: %w", err)
	}
	return &result, nil
}

// classifyStatus maps an HTTP status onto the retry taxonomy.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict:
		return &ConflictError{Reason: string(body)}
	case status >= 400 && status < 500:
		return &PermanentError{Reason: fmt.Sprintf("status %d: %s", status, body)}
	default:
		return fmt.Errorf("server error: status %d", status)
	}
}
