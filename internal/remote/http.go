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

	"github.com/finchapp/finch/internal/record"
)

// TokenFunc returns the bearer token for a request, or an empty string
// when the API is unauthenticated. Token storage itself is outside the
// engine; this is the seam it plugs in through.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPClient talks to the REST finance API.
//
// Routes follow the usual per-collection shape:
//
//	GET    /api/{entityType}        list
//	POST   /api/{entityType}        create
//	PUT    /api/{entityType}/{id}   update
//	DELETE /api/{entityType}/{id}   delete
type HTTPClient struct {
	baseURL string
	token   TokenFunc
	http    *http.Client
}

// NewHTTPClient creates a client for the API at baseURL.
//
// If httpClient is nil a default client with a 10 second timeout is
// used. If token is nil requests are sent unauthenticated.
func NewHTTPClient(baseURL string, token TokenFunc, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    httpClient,
	}
}

// ListAll implements Client.ListAll.
func (c *HTTPClient) ListAll(ctx context.Context, entityType record.EntityType) ([]record.Record, error) {
	var recs []record.Record
	if err := c.do(ctx, http.MethodGet, c.collectionURL(entityType), nil, &recs); err != nil {
		return nil, fmt.Errorf("list %s: %w", entityType, err)
	}
	if recs == nil {
		recs = []record.Record{}
	}
	return recs, nil
}

// Create implements Client.Create.
func (c *HTTPClient) Create(ctx context.Context, entityType record.EntityType, rec record.Record) (record.Record, error) {
	var created record.Record
	if err := c.do(ctx, http.MethodPost, c.collectionURL(entityType), &rec, &created); err != nil {
		return record.Record{}, fmt.Errorf("create %s: %w", entityType, err)
	}
	return created, nil
}

// Update implements Client.Update.
func (c *HTTPClient) Update(ctx context.Context, entityType record.EntityType, rec record.Record) (record.Record, error) {
	if rec.ID == "" {
		return record.Record{}, fmt.Errorf("update %s: record has no server id: %w", entityType, ErrValidation)
	}
	var updated record.Record
	if err := c.do(ctx, http.MethodPut, c.recordURL(entityType, rec.ID), &rec, &updated); err != nil {
		return record.Record{}, fmt.Errorf("update %s/%s: %w", entityType, rec.ID, err)
	}
	return updated, nil
}

// Delete implements Client.Delete.
func (c *HTTPClient) Delete(ctx context.Context, entityType record.EntityType, id string) error {
	if id == "" {
		return fmt.Errorf("delete %s: empty id: %w", entityType, ErrValidation)
	}
	if err := c.do(ctx, http.MethodDelete, c.recordURL(entityType, id), nil, nil); err != nil {
		return fmt.Errorf("delete %s/%s: %w", entityType, id, err)
	}
	return nil
}

func (c *HTTPClient) collectionURL(entityType record.EntityType) string {
	return fmt.Sprintf("%s/api/%s", c.baseURL, entityType)
}

func (c *HTTPClient) recordURL(entityType record.EntityType, id string) string {
	return fmt.Sprintf("%s/api/%s/%s", c.baseURL, entityType, url.PathEscape(id))
}

// do performs one request and decodes the JSON response into out (when
// out is non-nil). Transport errors and 5xx map to ErrNetwork, 400/422
// to ErrValidation, 404 to ErrNotFound.
func (c *HTTPClient) do(ctx context.Context, method, rawURL string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		// Drain a little of the body for diagnostics; servers often
		// return a short error message.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if len(msg) > 0 {
			return fmt.Errorf("%w: HTTP %d: %s", err, resp.StatusCode, bytes.TrimSpace(msg))
		}
		return fmt.Errorf("%w: HTTP %d", err, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// classifyStatus maps an HTTP status to the failure taxonomy, or nil
// for success.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return ErrValidation
	case status >= 500:
		return ErrNetwork
	default:
		// 401/403/409 and friends: not retryable in any useful way,
		// classify as validation so the attempt budget still applies.
		return ErrValidation
	}
}
