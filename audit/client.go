package audit

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
)

// RemoteRecord is one container row fetched from Flywheel, already flattened
// to dotted column names.
type RemoteRecord struct {
	ID     string
	Fields map[string]any
}

// RemoteClient is the Flywheel-facing collaborator. The core consumes fully
// resolved data and never observes pagination or retry state.
type RemoteClient interface {
	// FetchView returns one record per live join container, columns per the
	// template queries. Deleted containers are filtered out.
	FetchView(ctx context.Context, cfg *Config, project string) ([]RemoteRecord, error)
	// FetchEmptyIDs lists containers with no attached files.
	FetchEmptyIDs(ctx context.Context, cfg *Config, project string) (map[string]struct{}, error)
	// FetchPaths maps container ids to resolver paths and display labels.
	FetchPaths(ctx context.Context, cfg *Config, project string) (map[string]PathInfo, error)
	// MarkValidated annotates a reconciled container. Idempotent; callers
	// treat failures as advisory.
	MarkValidated(ctx context.Context, cfg *Config, id string) error
}

// HTTPClient talks to the Flywheel REST API. Transient (>=500) and transport
// failures retry with exponential backoff; 4xx failures are permanent and
// fail immediately.
type HTTPClient struct {
	BaseURL string
	APIKey  string

	HTTP        *http.Client
	MaxAttempts int
	Backoff     time.Duration
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		APIKey:      apiKey,
		HTTP:        &http.Client{Timeout: 30 * time.Second},
		MaxAttempts: 4,
		Backoff:     500 * time.Millisecond,
	}
}

type viewResponse struct {
	Data []map[string]any `json:"data"`
}

func (c *HTTPClient) FetchView(ctx context.Context, cfg *Config, project string) ([]RemoteRecord, error) {
	columns := make([]string, 0, len(cfg.Queries)+1)
	for _, q := range cfg.Queries {
		if !q.Virtual {
			columns = append(columns, q.Field)
		}
	}
	deletedKey := cfg.Join + ".deleted"
	validKey := cfg.Join + ".info.transfer_log.valid"
	columns = append(columns, cfg.IDField(), deletedKey, validKey)

	q := url.Values{}
	q.Set("project", project)
	q.Set("container", cfg.Join)
	q.Set("columns", strings.Join(columns, ","))

	var resp viewResponse
	if err := c.doJSON(ctx, http.MethodGet, "/views/data?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	out := make([]RemoteRecord, 0, len(resp.Data))
	for _, raw := range resp.Data {
		flat := FlattenRecord(raw)
		if flat[deletedKey] != nil {
			continue
		}
		id, _ := flat[cfg.IDField()].(string)
		if id == "" {
			continue
		}
		out = append(out, RemoteRecord{ID: id, Fields: flat})
	}
	return out, nil
}

func (c *HTTPClient) FetchEmptyIDs(ctx context.Context, cfg *Config, project string) (map[string]struct{}, error) {
	q := url.Values{}
	q.Set("project", project)
	q.Set("container", cfg.Join)
	var resp struct {
		IDs []string `json:"ids"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/containers/empty?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(resp.IDs))
	for _, id := range resp.IDs {
		out[id] = struct{}{}
	}
	return out, nil
}

func (c *HTTPClient) FetchPaths(ctx context.Context, cfg *Config, project string) (map[string]PathInfo, error) {
	q := url.Values{}
	q.Set("project", project)
	q.Set("container", cfg.Join)
	var resp struct {
		Paths map[string]PathInfo `json:"paths"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/containers/paths?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Paths, nil
}

func (c *HTTPClient) MarkValidated(ctx context.Context, cfg *Config, id string) error {
	body := map[string]any{
		"set": map[string]any{"transfer_log": map[string]any{"valid": true}},
	}
	path := fmt.Sprintf("/%ss/%s/info", cfg.Join, id)
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff << (attempt - 1)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		if c.APIKey != "" {
			req.Header.Set("Authorization", "scitran-user "+c.APIKey)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			drain(resp)
			lastErr = fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			drain(resp)
			return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}

		if out == nil {
			drain(resp)
			return nil
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		drain(resp)
		return err
	}
	return fmt.Errorf("%s %s: giving up after %d attempts: %w", method, path, attempts, lastErr)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
