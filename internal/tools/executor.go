package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPExecutor invokes functions over HTTP, one synchronous request per
// invocation.
type HTTPExecutor struct {
	baseURL string
	client  *http.Client
}

// NewHTTPExecutor constructs a function-execution client.
func NewHTTPExecutor(baseURL string, client *http.Client) (*HTTPExecutor, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("executor base url must not be empty")
	}
	return &HTTPExecutor{baseURL: baseURL, client: client}, nil
}

// Invoke posts the payload to the named function and returns the raw
// envelope bytes.
func (e *HTTPExecutor) Invoke(ctx context.Context, functionRef string, payload []byte) ([]byte, error) {
	endpoint := e.baseURL + "/functions/" + url.PathEscape(functionRef) + "/invocations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke function %s: %w", functionRef, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, fmt.Errorf("invoke function %s: status %d: %s", functionRef, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return io.ReadAll(resp.Body)
}

// HTTPObjectStore reads objects over HTTP as bucket/key paths.
type HTTPObjectStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPObjectStore constructs an object-storage client.
func NewHTTPObjectStore(baseURL string, client *http.Client) (*HTTPObjectStore, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("object store base url must not be empty")
	}
	return &HTTPObjectStore{baseURL: baseURL, client: client}, nil
}

// Get fetches one object's bytes.
func (s *HTTPObjectStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	endpoint := s.baseURL + "/" + url.PathEscape(bucket) + "/" + key
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get object %s/%s: %w", bucket, key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("get object %s/%s: status %d", bucket, key, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
