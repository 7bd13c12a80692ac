package translate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"converse-gateway/internal/config"
	"converse-gateway/internal/converse"
	"converse-gateway/internal/schema"
)

// ErrResourceFetch indicates a remote image reference could not be
// retrieved. It is an invalid-request-class failure.
var ErrResourceFetch = errors.New("unable to access the image url")

var dataURIPattern = regexp.MustCompile(`^data:(image/[a-z]*);base64,\s*`)

const fallbackImageType = "image/jpeg"

// contentParts converts generic user content parts into backend content
// blocks, fetching remote images as needed.
func (t *Translator) contentParts(ctx context.Context, modelID string, parts []schema.ContentPart) ([]converse.ContentBlock, error) {
	blocks := make([]converse.ContentBlock, 0, len(parts))
	for _, part := range parts {
		switch part.Type {
		case schema.PartText:
			blocks = append(blocks, converse.TextBlock(part.Text))
		case schema.PartImage:
			if err := t.registry.CheckModality(modelID, config.ModalityImage); err != nil {
				return nil, err
			}
			data, contentType, err := t.fetchImage(ctx, part.ImageURL)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, converse.ContentBlock{Image: &converse.ImageBlock{
				Format: strings.TrimPrefix(contentType, "image/"),
				Source: converse.ImageSource{Bytes: data},
			}})
		default:
			return nil, fmt.Errorf("%w: content part type %q", schema.ErrInvalidContent, part.Type)
		}
	}
	return blocks, nil
}

// fetchImage resolves an image reference to raw bytes and a media type.
// Inline data URIs are decoded locally; anything else is fetched over HTTP.
func (t *Translator) fetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	if match := dataURIPattern.FindStringSubmatch(imageURL); match != nil {
		payload := dataURIPattern.ReplaceAllString(imageURL, "")
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", fmt.Errorf("%w: decode inline image: %v", schema.ErrInvalidContent, err)
		}
		return data, match[1], nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrResourceFetch, err)
	}

	resp, err := t.fetch.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrResourceFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("%w: status %d", ErrResourceFetch, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrResourceFetch, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		contentType = fallbackImageType
	}
	return data, contentType, nil
}

// toolResultBlock frames a generic tool message as a backend toolResult
// block. The framing depends on the declared data kind; error results carry
// the failure message as plain text with error status.
func toolResultBlock(message schema.Message) (*converse.ToolResultBlock, error) {
	block := &converse.ToolResultBlock{ToolUseID: message.ToolCallID}

	if message.Status != "" {
		block.Status = message.Status
		block.Content = []converse.ToolResultContent{{Text: ptr(rawToString(message.Result))}}
		return block, nil
	}

	switch message.DataKind {
	case schema.DataKindJSON, "":
		block.Content = []converse.ToolResultContent{{JSON: message.Result}}
	case schema.DataKindText:
		block.Content = []converse.ToolResultContent{{Text: ptr(rawToString(message.Result))}}
	case schema.DataKindImage:
		var image converse.ImageBlock
		if err := json.Unmarshal(message.Result, &image); err != nil {
			return nil, fmt.Errorf("%w: image tool result: %v", schema.ErrInvalidContent, err)
		}
		block.Content = []converse.ToolResultContent{{Image: &image}}
	default:
		return nil, fmt.Errorf("%w: tool result data kind %q", schema.ErrInvalidContent, message.DataKind)
	}
	return block, nil
}

// rawToString renders a raw JSON value as text: JSON strings are unquoted,
// anything else keeps its serialized form.
func rawToString(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return string(raw)
}

func ptr[T any](v T) *T {
	return &v
}
