// Package retrieve injects documents from external knowledge sources into a
// turn before invocation, driven by @source directives in user text.
package retrieve

import "context"

// Document is one ranked retrieval result.
type Document struct {
	Text  string
	Score float64
	Title string
	URI   string
}

// SourceInfo identifies a queryable knowledge source.
type SourceInfo struct {
	Name   string
	ID     string
	Active bool
}

// Retriever is the narrow interface over the external retrieval service.
type Retriever interface {
	Sources(ctx context.Context) ([]SourceInfo, error)
	Retrieve(ctx context.Context, query, sourceID string, topK int) ([]Document, error)
}
