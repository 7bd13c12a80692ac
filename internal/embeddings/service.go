// Package embeddings adapts the embeddings surface onto the backend's raw
// model-invocation endpoint.
package embeddings

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"converse-gateway/internal/config"
	"converse-gateway/internal/registry"
	"converse-gateway/internal/schema"
)

// Invoker posts a raw model invocation and returns the response body.
type Invoker interface {
	InvokeModel(ctx context.Context, modelID string, body []byte) ([]byte, error)
}

// Service routes embeddings requests to the model family that can serve
// them.
type Service struct {
	invoker  Invoker
	families map[string]string
}

// New builds a service over the configured embedding models.
func New(invoker Invoker, models []config.EmbeddingModelConfig) *Service {
	families := make(map[string]string, len(models))
	for _, m := range models {
		families[m.ID] = m.Family
	}
	return &Service{invoker: invoker, families: families}
}

// Embed produces embeddings for every input text.
func (s *Service) Embed(ctx context.Context, req schema.EmbeddingsRequest) (*schema.EmbeddingsResponse, error) {
	family, ok := s.families[req.Model]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an embedding model", registry.ErrUnsupportedModel, req.Model)
	}

	var vectors [][]float32
	var err error
	switch family {
	case config.EmbeddingFamilyCohere:
		vectors, err = s.embedCohere(ctx, req.Model, req.Input)
	default:
		return nil, fmt.Errorf("%w: unknown embedding family %q", registry.ErrUnsupportedModel, family)
	}
	if err != nil {
		return nil, err
	}

	data := make([]schema.Embedding, len(vectors))
	for i, vector := range vectors {
		data[i] = schema.Embedding{
			Object:    "embedding",
			Index:     i,
			Embedding: encodeVector(vector, req.EncodingFormat),
		}
	}
	return &schema.EmbeddingsResponse{
		Object: "list",
		Data:   data,
		Model:  req.Model,
	}, nil
}

type cohereRequest struct {
	Texts     []string `json:"texts"`
	InputType string   `json:"input_type"`
	Truncate  string   `json:"truncate"`
}

type cohereResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (s *Service) embedCohere(ctx context.Context, modelID string, texts []string) ([][]float32, error) {
	body, err := json.Marshal(cohereRequest{
		Texts:     texts,
		InputType: "search_document",
		Truncate:  "END",
	})
	if err != nil {
		return nil, fmt.Errorf("encode embeddings payload: %w", err)
	}

	raw, err := s.invoker.InvokeModel(ctx, modelID, body)
	if err != nil {
		return nil, err
	}

	var resp cohereResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	return resp.Embeddings, nil
}

// encodeVector renders a vector in the requested encoding: a plain float
// list, or the base64 encoding of its little-endian float32 bytes.
func encodeVector(vector []float32, encoding string) any {
	if encoding != schema.EncodingBase64 {
		return vector
	}
	buf := make([]byte, 0, len(vector)*4)
	for _, v := range vector {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}
