// Package translate converts generic chat requests into backend invocation
// payloads: content conversion, role reframing, generation limits, and
// directive-driven tool, reasoning and guardrail configuration.
package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"converse-gateway/internal/config"
	"converse-gateway/internal/converse"
	"converse-gateway/internal/registry"
	"converse-gateway/internal/schema"
)

// In-band directive tokens recognised in message text.
const (
	DirectiveTools    = "@tools"
	DirectiveThinking = "@thinking"
)

// thinkingBudgetTokens is the reasoning budget attached by the @thinking
// directive.
const thinkingBudgetTokens = 10000

// ToolSource supplies the tool specs advertised to the backend, with
// dispatch targets already stripped.
type ToolSource interface {
	Config(ctx context.Context) ([]converse.Tool, error)
}

// Translator converts generic chat requests into backend payloads.
type Translator struct {
	registry  *registry.Registry
	limits    config.LimitsConfig
	guardrail *config.GuardrailConfig
	tools     ToolSource
	fetch     *http.Client
}

// New constructs a translator. tools may be nil when tool access is
// disabled; fetch defaults to http.DefaultClient.
func New(reg *registry.Registry, limits config.LimitsConfig, guardrail *config.GuardrailConfig, tools ToolSource, fetch *http.Client) *Translator {
	if fetch == nil {
		fetch = http.DefaultClient
	}
	return &Translator{
		registry:  reg,
		limits:    limits,
		guardrail: guardrail,
		tools:     tools,
		fetch:     fetch,
	}
}

// Translate builds the backend invocation payload for a chat request. The
// model is checked against the capability registry before any network call.
func (t *Translator) Translate(ctx context.Context, req schema.ChatRequest) (*converse.Request, error) {
	if err := t.registry.Check(req.Model); err != nil {
		return nil, err
	}

	var systems []converse.SystemBlock
	var messages []converse.Message

	for i, message := range req.Messages {
		switch message.Role {
		case schema.RoleSystem:
			if strings.TrimSpace(message.Text) != "" {
				systems = append(systems, converse.SystemBlock{Text: message.Text})
			}

		case schema.RoleUser:
			content, err := t.contentParts(ctx, req.Model, message.Parts)
			if err != nil {
				return nil, fmt.Errorf("messages[%d]: %w", i, err)
			}
			messages = append(messages, converse.Message{Role: converse.RoleUser, Content: content})

		case schema.RoleAssistant:
			if message.Text != "" {
				if t.isGuardrailRefusal(message.Text) {
					// Drop the refusal and the turn that provoked it so the
					// thread does not keep re-triggering the guardrail.
					if len(messages) > 0 {
						messages = messages[:len(messages)-1]
					}
					continue
				}
				messages = append(messages, converse.Message{
					Role:    converse.RoleAssistant,
					Content: []converse.ContentBlock{converse.TextBlock(message.Text)},
				})
				continue
			}
			block, err := toolUseBlock(message)
			if err != nil {
				return nil, fmt.Errorf("messages[%d]: %w", i, err)
			}
			messages = append(messages, converse.Message{
				Role:    converse.RoleAssistant,
				Content: []converse.ContentBlock{{ToolUse: block}},
			})

		case schema.RoleTool:
			// The backend has no tool role; results ride on a user turn.
			block, err := toolResultBlock(message)
			if err != nil {
				return nil, fmt.Errorf("messages[%d]: %w", i, err)
			}
			messages = append(messages, converse.Message{
				Role:    converse.RoleUser,
				Content: []converse.ContentBlock{{ToolResult: block}},
			})

		default:
			return nil, fmt.Errorf("messages[%d]: %w: %q", i, schema.ErrUnknownRole, message.Role)
		}
	}

	messages = Reframe(messages)

	out := &converse.Request{
		ModelID:  req.Model,
		Messages: messages,
		System:   systems,
		InferenceConfig: converse.InferenceConfig{
			MaxTokens:     t.maxTokensFor(req.Model),
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			StopSequences: req.Stop,
		},
	}

	if containsDirective(messages, DirectiveTools) && t.tools != nil {
		tools, err := t.tools.Config(ctx)
		if err != nil {
			return nil, err
		}
		out.ToolConfig = &converse.ToolConfig{Tools: tools}
	}

	if containsDirective(messages, DirectiveThinking) {
		out.AdditionalModelRequestFields = map[string]any{
			"thinking": map[string]any{
				"type":          "enabled",
				"budget_tokens": thinkingBudgetTokens,
			},
		}
		// The backend rejects top-p sampling combined with extended
		// reasoning.
		out.InferenceConfig.TopP = nil
	}

	if t.guardrail != nil {
		out.GuardrailConfig = &converse.GuardrailConfig{
			GuardrailIdentifier: t.guardrail.Identifier,
			GuardrailVersion:    t.guardrail.Version,
			Trace:               "enabled",
		}
	}

	return out, nil
}

func (t *Translator) isGuardrailRefusal(text string) bool {
	return t.guardrail != nil &&
		t.guardrail.RefusalPrefix != "" &&
		strings.HasPrefix(text, t.guardrail.RefusalPrefix)
}

func (t *Translator) maxTokensFor(modelID string) int {
	for _, override := range t.limits.Overrides {
		if strings.Contains(modelID, override.Match) {
			return override.MaxTokens
		}
	}
	return t.limits.DefaultMaxTokens
}

// toolUseBlock converts a pending assistant tool invocation into a backend
// toolUse block. Only a single active tool call is supported.
func toolUseBlock(message schema.Message) (*converse.ToolUseBlock, error) {
	if len(message.ToolCalls) == 0 {
		return nil, fmt.Errorf("%w: assistant message carries neither text nor tool_calls", schema.ErrInvalidContent)
	}
	call := message.ToolCalls[0]

	input := json.RawMessage(call.Function.Arguments)
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if !json.Valid(input) {
		return nil, fmt.Errorf("%w: tool call arguments are not valid JSON", schema.ErrInvalidContent)
	}

	return &converse.ToolUseBlock{
		ToolUseID: call.ID,
		Name:      call.Function.Name,
		Input:     input,
	}, nil
}

// containsDirective reports whether any message's leading text block
// mentions the directive token.
func containsDirective(messages []converse.Message, directive string) bool {
	for _, message := range messages {
		if len(message.Content) == 0 || message.Content[0].Text == nil {
			continue
		}
		if strings.Contains(*message.Content[0].Text, directive) {
			return true
		}
	}
	return false
}
