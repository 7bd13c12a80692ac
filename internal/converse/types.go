package converse

import "encoding/json"

// Message roles accepted by the backend protocol. There is no tool role;
// tool results travel as user-role content blocks.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// StopReasonToolUse is the backend stop reason that hands control to the
// tool loop.
const StopReasonToolUse = "tool_use"

// Request is the payload of a converse invocation.
type Request struct {
	ModelID                      string           `json:"modelId"`
	Messages                     []Message        `json:"messages"`
	System                       []SystemBlock    `json:"system,omitempty"`
	InferenceConfig              InferenceConfig  `json:"inferenceConfig"`
	ToolConfig                   *ToolConfig      `json:"toolConfig,omitempty"`
	GuardrailConfig              *GuardrailConfig `json:"guardrailConfig,omitempty"`
	AdditionalModelRequestFields map[string]any   `json:"additionalModelRequestFields,omitempty"`
}

// SystemBlock is one out-of-band system prompt entry.
type SystemBlock struct {
	Text string `json:"text"`
}

// InferenceConfig carries the generation limits of a request.
type InferenceConfig struct {
	MaxTokens     int      `json:"maxTokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"topP,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

// GuardrailConfig enables a configured guardrail for the invocation.
type GuardrailConfig struct {
	GuardrailIdentifier string `json:"guardrailIdentifier"`
	GuardrailVersion    string `json:"guardrailVersion"`
	Trace               string `json:"trace,omitempty"`
}

// Message is a backend-shaped message. The protocol rejects two consecutive
// messages with the same role.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is the backend content union; exactly one field is set.
type ContentBlock struct {
	Text       *string          `json:"text,omitempty"`
	Image      *ImageBlock      `json:"image,omitempty"`
	Document   *DocumentBlock   `json:"document,omitempty"`
	ToolUse    *ToolUseBlock    `json:"toolUse,omitempty"`
	ToolResult *ToolResultBlock `json:"toolResult,omitempty"`
}

// TextBlock wraps a string into a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Text: &text}
}

// ImageBlock is an inline image with its media format.
type ImageBlock struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

// ImageSource holds raw image bytes (base64 on the wire).
type ImageSource struct {
	Bytes []byte `json:"bytes"`
}

// DocumentBlock is a named document attached to a message.
type DocumentBlock struct {
	Format string         `json:"format"`
	Name   string         `json:"name"`
	Source DocumentSource `json:"source"`
}

// DocumentSource holds raw document bytes (base64 on the wire).
type DocumentSource struct {
	Bytes []byte `json:"bytes"`
}

// ToolUseBlock is a tool invocation requested by the model.
type ToolUseBlock struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// ToolResultBlock answers a tool invocation. Status is "error" on failure
// and absent on success.
type ToolResultBlock struct {
	ToolUseID string              `json:"toolUseId"`
	Status    string              `json:"status,omitempty"`
	Content   []ToolResultContent `json:"content"`
}

// ToolResultContent is the tool-result content union.
type ToolResultContent struct {
	Text  *string         `json:"text,omitempty"`
	JSON  json.RawMessage `json:"json,omitempty"`
	Image *ImageBlock     `json:"image,omitempty"`
}

// ToolConfig advertises the tool specs available to the model.
type ToolConfig struct {
	Tools []Tool `json:"tools"`
}

// Tool wraps a single tool spec.
type Tool struct {
	ToolSpec ToolSpec `json:"toolSpec"`
}

// ToolSpec describes one callable tool.
type ToolSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema carries the JSON schema of a tool's arguments.
type InputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// Response is a complete, non-streaming backend response.
type Response struct {
	Output     Output     `json:"output"`
	StopReason string     `json:"stopReason"`
	Usage      TokenUsage `json:"usage"`
}

// Output wraps the generated message.
type Output struct {
	Message Message `json:"message"`
}

// TokenUsage is the backend-reported token accounting for one leg.
type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// StreamEvent is the backend stream event union; exactly one field is set
// per event.
type StreamEvent struct {
	MessageStart      *MessageStartEvent      `json:"messageStart,omitempty"`
	ContentBlockStart *ContentBlockStartEvent `json:"contentBlockStart,omitempty"`
	ContentBlockDelta *ContentBlockDeltaEvent `json:"contentBlockDelta,omitempty"`
	ContentBlockStop  *ContentBlockStopEvent  `json:"contentBlockStop,omitempty"`
	MessageStop       *MessageStopEvent       `json:"messageStop,omitempty"`
	Metadata          *MetadataEvent          `json:"metadata,omitempty"`
}

// MessageStartEvent opens a streamed message.
type MessageStartEvent struct {
	Role string `json:"role"`
}

// ContentBlockStartEvent opens a content block; tool-use blocks announce
// their call id and name here.
type ContentBlockStartEvent struct {
	ContentBlockIndex int        `json:"contentBlockIndex"`
	Start             BlockStart `json:"start"`
}

// BlockStart carries the opening payload of a content block.
type BlockStart struct {
	ToolUse *ToolUseStart `json:"toolUse,omitempty"`
}

// ToolUseStart introduces a streamed tool call.
type ToolUseStart struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
}

// ContentBlockDeltaEvent carries an incremental fragment of a block.
type ContentBlockDeltaEvent struct {
	ContentBlockIndex int        `json:"contentBlockIndex"`
	Delta             BlockDelta `json:"delta"`
}

// BlockDelta is either a text fragment or a partial tool-argument fragment.
type BlockDelta struct {
	Text    *string       `json:"text,omitempty"`
	ToolUse *ToolUseDelta `json:"toolUse,omitempty"`
}

// ToolUseDelta is one raw fragment of the tool argument JSON. Fragments must
// be concatenated in arrival order before parsing.
type ToolUseDelta struct {
	Input string `json:"input"`
}

// ContentBlockStopEvent closes a content block.
type ContentBlockStopEvent struct {
	ContentBlockIndex int `json:"contentBlockIndex"`
}

// MessageStopEvent closes the streamed message with its stop reason.
type MessageStopEvent struct {
	StopReason string `json:"stopReason"`
}

// MetadataEvent carries usage accounting at the end of a leg.
type MetadataEvent struct {
	Usage *TokenUsage `json:"usage,omitempty"`
}
