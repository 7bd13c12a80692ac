package converse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"converse-gateway/internal/config"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "converse-gateway/0.1"

	scannerBufferSize = 1 << 20
)

// ErrInvalidRequest marks a backend validation failure; it is surfaced to
// the caller with the backend's message.
var ErrInvalidRequest = errors.New("invalid request")

// ErrUpstream marks any other backend failure; it is surfaced opaquely.
var ErrUpstream = errors.New("upstream error")

// Client invokes the multi-turn inference backend over HTTP. It performs no
// retries; retry policy belongs to the injected http.Client's transport.
type Client struct {
	baseURL string
	apiKey  string
	headers map[string]string
	client  *http.Client
}

// NewClient constructs a backend client from configuration.
func NewClient(cfg config.BackendConfig, client *http.Client) (*Client, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("backend base url must not be empty")
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		headers: cfg.Headers,
		client:  client,
	}, nil
}

// Converse performs a blocking invocation.
func (c *Client) Converse(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := c.newRequest(ctx, c.modelURL(req.ModelID, "converse"), req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, classifyStatus(httpResp)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decode converse response: %v", ErrUpstream, err)
	}
	return &resp, nil
}

// ConverseStream performs a streaming invocation. Events arrive on the first
// channel; at most one error arrives on the second. Both channels are closed
// when the stream ends or the context is cancelled.
func (c *Client) ConverseStream(ctx context.Context, req *Request) (<-chan StreamEvent, <-chan error) {
	eventCh := make(chan StreamEvent, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(eventCh)
		defer close(errCh)

		httpReq, err := c.newRequest(ctx, c.modelURL(req.ModelID, "converse-stream"), req)
		if err != nil {
			errCh <- err
			return
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		httpResp, err := c.client.Do(httpReq)
		if err != nil {
			errCh <- fmt.Errorf("%w: %v", ErrUpstream, err)
			return
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode >= 400 {
			errCh <- classifyStatus(httpResp)
			return
		}

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, scannerBufferSize), scannerBufferSize)

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var event StreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				errCh <- fmt.Errorf("%w: decode stream event: %v", ErrUpstream, err)
				return
			}

			select {
			case eventCh <- event:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errCh <- fmt.Errorf("%w: read stream: %v", ErrUpstream, err)
		}
	}()

	return eventCh, errCh
}

// InvokeModel performs a raw model invocation with an opaque JSON body,
// used by the embeddings surface.
func (c *Client) InvokeModel(ctx context.Context, modelID string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.modelURL(modelID, "invoke"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	c.setHeaders(httpReq)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, classifyStatus(httpResp)
	}

	return io.ReadAll(httpResp.Body)
}

func (c *Client) modelURL(modelID, action string) string {
	return c.baseURL + "/model/" + url.PathEscape(modelID) + "/" + action
}

func (c *Client) newRequest(ctx context.Context, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	c.setHeaders(req)
	return req, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// classifyStatus maps backend validation failures to ErrInvalidRequest and
// everything else to ErrUpstream, carrying only the backend's message.
func classifyStatus(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	message := strings.TrimSpace(string(body))
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Message
	}

	if resp.StatusCode == http.StatusBadRequest {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, message)
	}
	return fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, message)
}
