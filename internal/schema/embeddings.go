package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var errInvalidEmbeddingsInput = errors.New("invalid embeddings input")

// Embedding encodings supported on the embeddings surface.
const (
	EncodingFloat  = "float"
	EncodingBase64 = "base64"
)

// EmbeddingsRequest models the embeddings request payload. Input is
// normalised to a list of texts; token-array inputs are rejected.
type EmbeddingsRequest struct {
	Model          string
	Input          []string
	EncodingFormat string
}

// UnmarshalJSON normalises the polymorphic input field.
func (r *EmbeddingsRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model          string          `json:"model"`
		Input          json.RawMessage `json:"input"`
		EncodingFormat string          `json:"encoding_format"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode embeddings request: %w", err)
	}

	input, err := parseEmbeddingsInput(raw.Input)
	if err != nil {
		return err
	}

	encoding := raw.EncodingFormat
	if encoding == "" {
		encoding = EncodingFloat
	}
	switch encoding {
	case EncodingFloat, EncodingBase64:
	default:
		return fmt.Errorf("%w: encoding_format %q", errInvalidEmbeddingsInput, raw.EncodingFormat)
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Input = input
	r.EncodingFormat = encoding

	if r.Model == "" {
		return ErrEmptyModel
	}
	return nil
}

func parseEmbeddingsInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: input is required", errInvalidEmbeddingsInput)
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		if len(multi) == 0 {
			return nil, fmt.Errorf("%w: input must not be empty", errInvalidEmbeddingsInput)
		}
		return multi, nil
	}

	return nil, fmt.Errorf("%w: token array inputs are not supported", errInvalidEmbeddingsInput)
}

// Embedding is a single embedding result. The embedding value is either a
// []float64 or a base64 string depending on the requested encoding.
type Embedding struct {
	Object    string `json:"object"`
	Index     int    `json:"index"`
	Embedding any    `json:"embedding"`
}

// EmbeddingsUsage records token accounting for an embeddings call.
type EmbeddingsUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// EmbeddingsResponse is the embeddings listing envelope.
type EmbeddingsResponse struct {
	Object string          `json:"object"`
	Data   []Embedding     `json:"data"`
	Model  string          `json:"model"`
	Usage  EmbeddingsUsage `json:"usage"`
}
