package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"converse-gateway/internal/converse"
	"converse-gateway/internal/retrieve"
	"converse-gateway/internal/schema"
	"converse-gateway/internal/translate"
)

// Chat runs a complete (non-streaming) chat completion. When the backend
// stops to request a tool, the call is executed and its result is folded
// into a follow-up turn until a terminal finish reason is reached.
// Collected citations are returned for the transport to place.
func (g *Gateway) Chat(ctx context.Context, req schema.ChatRequest) (*schema.ChatResponse, []retrieve.Reference, error) {
	var references []retrieve.Reference

	current := req
	for leg := 0; ; leg++ {
		if leg >= g.maxLegs {
			return nil, nil, fmt.Errorf("%w (%d)", ErrTooManyLegs, g.maxLegs)
		}

		payload, refs, err := g.prepare(ctx, current)
		if err != nil {
			return nil, nil, err
		}
		references = append(references, refs...)

		resp, err := g.invoker.Converse(ctx, payload)
		if err != nil {
			return nil, nil, err
		}

		call := firstToolUse(resp)
		if call == nil || g.orchestrator == nil {
			return g.buildResponse(current.Model, resp), references, nil
		}

		slog.Info("executing tool call", "tool", call.name, "leg", leg+1)
		result := g.orchestrator.Execute(ctx, call.id, call.name, call.args)
		current = continuation(current, *call, result)
	}
}

// firstToolUse returns the first tool-use block of a tool_use response, or
// nil when the response is terminal.
func firstToolUse(resp *converse.Response) *assistantCall {
	if resp.StopReason != converse.StopReasonToolUse {
		return nil
	}
	for _, block := range resp.Output.Message.Content {
		if block.ToolUse != nil {
			return &assistantCall{
				id:   block.ToolUse.ToolUseID,
				name: block.ToolUse.Name,
				args: block.ToolUse.Input,
			}
		}
	}
	return nil
}

func (g *Gateway) buildResponse(model string, resp *converse.Response) *schema.ChatResponse {
	finish := translate.FinishReason(resp.StopReason)

	message := schema.ResponseMessage{Role: schema.RoleAssistant}
	if finish == "tool_calls" {
		for _, block := range resp.Output.Message.Content {
			if block.ToolUse == nil {
				continue
			}
			index := len(message.ToolCalls)
			message.ToolCalls = append(message.ToolCalls, schema.ToolCall{
				Index: &index,
				ID:    block.ToolUse.ToolUseID,
				Type:  "function",
				Function: schema.ToolFunction{
					Name:      block.ToolUse.Name,
					Arguments: string(block.ToolUse.Input),
				},
			})
		}
	} else {
		content := ""
		for _, block := range resp.Output.Message.Content {
			if block.Text != nil {
				content = *block.Text
				break
			}
		}
		message.Content = &content
	}

	return &schema.ChatResponse{
		ID:      g.newID(),
		Object:  "chat.completion",
		Created: g.now().Unix(),
		Model:   model,
		Choices: []schema.Choice{{
			Index:        0,
			Message:      message,
			FinishReason: finish,
		}},
		Usage: &schema.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		SystemFingerprint: "fp",
	}
}
