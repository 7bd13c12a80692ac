package retrieve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client is the HTTP implementation of Retriever.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient constructs a retrieval service client.
func NewClient(baseURL string, client *http.Client) (*Client, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("retrieval base url must not be empty")
	}
	return &Client{baseURL: baseURL, client: client}, nil
}

// Sources lists the knowledge sources known to the retrieval service.
func (c *Client) Sources(ctx context.Context) ([]SourceInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sources", nil)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, readError("list sources", resp)
	}

	var payload struct {
		Sources []struct {
			Name   string `json:"name"`
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"sources"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode sources response: %w", err)
	}

	sources := make([]SourceInfo, 0, len(payload.Sources))
	for _, source := range payload.Sources {
		sources = append(sources, SourceInfo{
			Name:   source.Name,
			ID:     source.ID,
			Active: source.Status == "ACTIVE" || source.Status == "UPDATING",
		})
	}
	return sources, nil
}

// Retrieve runs a ranked query against one source.
func (c *Client) Retrieve(ctx context.Context, query, sourceID string, topK int) ([]Document, error) {
	body, err := json.Marshal(map[string]any{
		"query": query,
		"top_k": topK,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal retrieval query: %w", err)
	}

	endpoint := c.baseURL + "/sources/" + url.PathEscape(sourceID) + "/retrieve"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, readError("retrieve", resp)
	}

	var payload struct {
		Results []struct {
			Text  string  `json:"text"`
			Score float64 `json:"score"`
			Title string  `json:"title"`
			URI   string  `json:"uri"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode retrieval response: %w", err)
	}

	documents := make([]Document, 0, len(payload.Results))
	for _, result := range payload.Results {
		documents = append(documents, Document{
			Text:  result.Text,
			Score: result.Score,
			Title: result.Title,
			URI:   result.URI,
		})
	}
	return documents, nil
}

func readError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
}
