package retrieve

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"unicode/utf8"

	"converse-gateway/internal/config"
	"converse-gateway/internal/converse"
)

const combinedDocumentName = "combined"

// Reference is a human-readable citation for an injected document.
type Reference struct {
	Title string
	URL   string
}

// Augmenter resolves @source directives in the latest user message and
// attaches matching documents as content blocks.
type Augmenter struct {
	retriever Retriever
	cfg       config.RetrievalConfig
}

// NewAugmenter constructs an augmenter over the given retriever.
func NewAugmenter(retriever Retriever, cfg config.RetrievalConfig) *Augmenter {
	return &Augmenter{retriever: retriever, cfg: cfg}
}

// Augment scans the latest message's leading text for @source directives,
// queries each named source, and appends matched documents to that message.
// It returns the citation list for the documents it attached. Directive
// tokens that name no known source are left as plain text.
func (a *Augmenter) Augment(ctx context.Context, req *converse.Request) ([]Reference, error) {
	if len(req.Messages) == 0 {
		return nil, nil
	}
	last := &req.Messages[len(req.Messages)-1]
	if len(last.Content) == 0 || last.Content[0].Text == nil {
		return nil, nil
	}
	message := *last.Content[0].Text
	if !strings.Contains(message, "@") {
		return nil, nil
	}

	sources, err := a.retriever.Sources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list knowledge sources: %w", err)
	}

	tokens := strings.Fields(message)
	var references []Reference

	for _, source := range sources {
		if !source.Active || !slices.Contains(tokens, "@"+source.Name) {
			continue
		}
		slog.Info("querying knowledge source", "source", source.Name)

		query := strings.ReplaceAll(message, "@"+source.Name, "")
		query = truncate(query, a.cfg.QueryLimit)

		documents, err := a.retriever.Retrieve(ctx, query, source.ID, a.cfg.TopK)
		if err != nil {
			return nil, fmt.Errorf("retrieve from source %s: %w", source.Name, err)
		}

		matched := a.filter(documents)
		if len(matched) == 0 {
			continue
		}

		if len(matched) <= a.cfg.MaxDocuments {
			for _, doc := range matched {
				last.Content = append(last.Content, documentBlock(doc.Title, doc.Text))
			}
		} else {
			texts := make([]string, 0, len(matched))
			for _, doc := range matched {
				texts = append(texts, doc.Text)
			}
			last.Content = append(last.Content, documentBlock(combinedDocumentName, strings.Join(texts, "\n")))
		}

		for _, doc := range matched {
			references = append(references, Reference{Title: doc.Title, URL: doc.URI})
		}
	}

	return references, nil
}

// filter keeps titled documents at or above the relevance threshold,
// deduplicated by title with the last occurrence winning.
func (a *Augmenter) filter(documents []Document) []Document {
	byTitle := make(map[string]int)
	var matched []Document
	for _, doc := range documents {
		if doc.Score < a.cfg.ScoreThreshold || doc.Title == "" {
			continue
		}
		if i, seen := byTitle[doc.Title]; seen {
			matched[i] = doc
			continue
		}
		byTitle[doc.Title] = len(matched)
		matched = append(matched, Document{Title: doc.Title, Text: strings.TrimSpace(doc.Text), Score: doc.Score, URI: doc.URI})
	}
	return matched
}

func documentBlock(name, text string) converse.ContentBlock {
	return converse.ContentBlock{Document: &converse.DocumentBlock{
		Format: "txt",
		Name:   name,
		Source: converse.DocumentSource{Bytes: []byte(text)},
	}}
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// FormatReferences renders citations as the markdown block that is appended
// after the final "stop" delta.
func FormatReferences(references []Reference) string {
	var b strings.Builder
	b.WriteString("\n\n##### References:\n")
	for _, ref := range references {
		b.WriteString(fmt.Sprintf("  * [%s](%s)\n", ref.Title, sanitizeURL(ref.URL)))
	}
	return b.String()
}

// sanitizeURL percent-escapes the path portion so titles with spaces or
// unicode survive markdown rendering. Unparseable URLs pass through.
func sanitizeURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	escaped := (&url.URL{Path: parsed.Path}).EscapedPath()
	out := fmt.Sprintf("%s://%s%s", parsed.Scheme, parsed.Host, escaped)
	if parsed.RawQuery != "" {
		out += "?" + parsed.RawQuery
	}
	return out
}
