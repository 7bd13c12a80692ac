package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message roles accepted on the chat completion surface.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Data kinds a tool result payload may declare.
const (
	DataKindJSON  = "json"
	DataKindText  = "text"
	DataKindImage = "image"
)

var (
	ErrEmptyModel     = errors.New("model must be provided")
	ErrEmptyMessages  = errors.New("at least one message is required")
	ErrUnknownRole    = errors.New("unknown message role")
	ErrInvalidContent = errors.New("invalid message content")
	ErrInvalidStop    = errors.New("unsupported stop value")
)

// ChatRequest models the chat/completions request payload. A request is
// immutable once constructed; tool-call continuations build a fresh request
// by appending messages.
type ChatRequest struct {
	Model         string
	Messages      []Message
	Temperature   *float64
	TopP          *float64
	Stop          []string
	Stream        bool
	StreamOptions *StreamOptions
}

// StreamOptions mirrors the OpenAI stream_options object.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model         string          `json:"model"`
		Messages      []Message       `json:"messages"`
		Temperature   *float64        `json:"temperature"`
		TopP          *float64        `json:"top_p"`
		Stop          json.RawMessage `json:"stop"`
		Stream        bool            `json:"stream"`
		StreamOptions *StreamOptions  `json:"stream_options"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	stop, err := parseStop(raw.Stop)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.Stop = stop
	r.Stream = raw.Stream
	r.StreamOptions = raw.StreamOptions

	return r.Validate()
}

// Validate performs structural checks independent of any model registry.
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return ErrEmptyModel
	}
	if len(r.Messages) == 0 {
		return ErrEmptyMessages
	}
	return nil
}

// WithMessages returns a copy of the request carrying the extended message
// sequence. The receiver is left untouched.
func (r ChatRequest) WithMessages(extra ...Message) ChatRequest {
	next := r
	next.Messages = make([]Message, 0, len(r.Messages)+len(extra))
	next.Messages = append(next.Messages, r.Messages...)
	next.Messages = append(next.Messages, extra...)
	return next
}

// Message is the closed role-tagged message variant. Exactly one variant's
// field set is populated, keyed by Role:
//
//   - system:    Text
//   - user:      Parts
//   - assistant: Text or ToolCalls, mutually exclusive
//   - tool:      ToolCallID, Result, Status, DataKind
type Message struct {
	Role string

	Text  string
	Parts []ContentPart

	ToolCalls []ToolCall

	ToolCallID string
	Result     json.RawMessage
	Status     string
	DataKind   string
}

// UnmarshalJSON dispatches on the role tag and rejects unknown variants.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role       string          `json:"role"`
		Content    json.RawMessage `json:"content"`
		ToolCalls  []ToolCall      `json:"tool_calls"`
		ToolCallID string          `json:"tool_call_id"`
		Status     string          `json:"status"`
		DataType   string          `json:"data_type"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	role := strings.TrimSpace(raw.Role)
	switch role {
	case RoleSystem:
		text, err := extractText(raw.Content)
		if err != nil {
			return fmt.Errorf("system message: %w", err)
		}
		*m = Message{Role: role, Text: text}
		return nil

	case RoleUser:
		parts, err := parseContentParts(raw.Content)
		if err != nil {
			return fmt.Errorf("user message: %w", err)
		}
		*m = Message{Role: role, Parts: parts}
		return nil

	case RoleAssistant:
		var text string
		if len(raw.Content) > 0 && string(raw.Content) != "null" {
			t, err := extractText(raw.Content)
			if err != nil {
				return fmt.Errorf("assistant message: %w", err)
			}
			text = t
		}
		if text == "" && len(raw.ToolCalls) == 0 {
			return fmt.Errorf("%w: assistant message requires content or tool_calls", ErrInvalidContent)
		}
		if text != "" && len(raw.ToolCalls) > 0 {
			return fmt.Errorf("%w: assistant content and tool_calls are mutually exclusive", ErrInvalidContent)
		}
		*m = Message{Role: role, Text: text, ToolCalls: raw.ToolCalls}
		return nil

	case RoleTool:
		if strings.TrimSpace(raw.ToolCallID) == "" {
			return fmt.Errorf("%w: tool message requires tool_call_id", ErrInvalidContent)
		}
		kind := raw.DataType
		if kind == "" {
			kind = DataKindJSON
		}
		switch kind {
		case DataKindJSON, DataKindText, DataKindImage:
		default:
			return fmt.Errorf("%w: unsupported data_type %q", ErrInvalidContent, raw.DataType)
		}
		*m = Message{
			Role:       role,
			ToolCallID: raw.ToolCallID,
			Result:     raw.Content,
			Status:     raw.Status,
			DataKind:   kind,
		}
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownRole, raw.Role)
	}
}

// ContentPart is one element of a multimodal user content array.
type ContentPart struct {
	Type     string
	Text     string
	ImageURL string
}

const (
	PartText  = "text"
	PartImage = "image_url"
)

func parseContentParts(raw json.RawMessage) ([]ContentPart, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: missing content", ErrInvalidContent)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []ContentPart{{Type: PartText, Text: text}}, nil
	}

	var segments []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &segments); err != nil {
		return nil, fmt.Errorf("%w: unsupported content structure", ErrInvalidContent)
	}

	parts := make([]ContentPart, 0, len(segments))
	for _, segment := range segments {
		switch segment.Type {
		case PartText:
			parts = append(parts, ContentPart{Type: PartText, Text: segment.Text})
		case PartImage:
			if strings.TrimSpace(segment.ImageURL.URL) == "" {
				return nil, fmt.Errorf("%w: image part requires a url", ErrInvalidContent)
			}
			parts = append(parts, ContentPart{Type: PartImage, ImageURL: segment.ImageURL.URL})
		default:
			return nil, fmt.Errorf("%w: segment type %q not supported", ErrInvalidContent, segment.Type)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: content must not be empty", ErrInvalidContent)
	}
	return parts, nil
}

func extractText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("%w: missing content", ErrInvalidContent)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", fmt.Errorf("%w: content must be a string", ErrInvalidContent)
	}
	return text, nil
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if strings.TrimSpace(single) == "" {
			return nil, ErrInvalidStop
		}
		return []string{single}, nil
	}

	var multi []string
	if err := json.Unmarshal(raw, &multi); err == nil {
		out := make([]string, 0, len(multi))
		for _, item := range multi {
			if strings.TrimSpace(item) == "" {
				return nil, ErrInvalidStop
			}
			out = append(out, item)
		}
		return out, nil
	}
	return nil, ErrInvalidStop
}

// ToolCall describes a pending or partial tool invocation. Index is set only
// on streamed partial calls.
type ToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function ToolFunction `json:"function"`
}

// ToolFunction carries the function name and its JSON-encoded arguments.
// Streamed argument fragments must be concatenated in arrival order before
// parsing; no individual fragment is guaranteed to be valid JSON.
type ToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}
