package schema

// ResponseMessage is the assistant message (or delta fragment) returned to
// the caller. Content is a pointer so that deltas can distinguish "no text
// in this fragment" from an explicit empty string.
type ResponseMessage struct {
	Role      string     `json:"role,omitempty"`
	Content   *string    `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Text is a convenience constructor for a content-bearing message.
func Text(role, content string) ResponseMessage {
	return ResponseMessage{Role: role, Content: &content}
}

// Choice is a single completion choice.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Logprobs     any             `json:"logprobs"`
}

// ChoiceDelta is a single streamed choice fragment.
type ChoiceDelta struct {
	Index        int             `json:"index"`
	Delta        ResponseMessage `json:"delta"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Logprobs     any             `json:"logprobs"`
}

// Usage records token accounting for one leg of the conversation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the chat.completion object.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
}

// ChatStreamResponse is one chat.completion.chunk object. A chunk with an
// empty choice list carries only usage, per the stream_options contract.
type ChatStreamResponse struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChoiceDelta `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// Model is one entry of the models listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ModelList is the models listing envelope.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
