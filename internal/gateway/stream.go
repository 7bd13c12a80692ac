package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"converse-gateway/internal/converse"
	"converse-gateway/internal/retrieve"
	"converse-gateway/internal/schema"
	"converse-gateway/internal/translate"
)

// resultPreviewLimit bounds the size of a JSON tool result echoed into the
// stream as a fenced block. Larger results are still fed back to the model
// but not shown to the caller.
const resultPreviewLimit = 4000

// ChatStream runs a streamed chat completion. Chunks are delivered on the
// first channel; a nil chunk marks the end of one response body (the
// transport writes its stream terminator there). Tool legs each produce a
// full chunk sequence ending in a terminator, so one call may span several
// terminated bodies. The error channel yields at most one error.
//
// Translation and retrieval for the first leg run synchronously so that
// request validation failures surface before any bytes are streamed.
func (g *Gateway) ChatStream(ctx context.Context, req schema.ChatRequest) (<-chan *schema.ChatStreamResponse, <-chan error, error) {
	payload, references, err := g.prepare(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	chunks := make(chan *schema.ChatStreamResponse)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)
		if err := g.streamLegs(ctx, req, payload, references, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs, nil
}

func (g *Gateway) streamLegs(ctx context.Context, req schema.ChatRequest, payload *converse.Request, references []retrieve.Reference, chunks chan<- *schema.ChatStreamResponse) error {
	current := req
	for leg := 0; ; leg++ {
		if leg >= g.maxLegs {
			return fmt.Errorf("%w (%d)", ErrTooManyLegs, g.maxLegs)
		}
		if leg > 0 {
			var err error
			var refs []retrieve.Reference
			payload, refs, err = g.prepare(ctx, current)
			if err != nil {
				return err
			}
			references = append(references, refs...)
		}

		call, err := g.streamLeg(ctx, current, payload, references, chunks)
		if err != nil {
			return err
		}
		if call == nil {
			return nil
		}

		next, done, err := g.runStreamedCall(ctx, current, call, chunks)
		if err != nil {
			return err
		}
		if done {
			return send(ctx, chunks, nil)
		}
		if err := send(ctx, chunks, nil); err != nil {
			return err
		}
		current = next
	}
}

// streamLeg forwards one backend leg to the caller. It returns the
// assembled tool call when the leg stopped to request one, or nil after a
// terminal leg (whose terminator has already been sent).
func (g *Gateway) streamLeg(ctx context.Context, req schema.ChatRequest, payload *converse.Request, references []retrieve.Reference, chunks chan<- *schema.ChatStreamResponse) (*assistantCall, error) {
	events, errs := g.invoker.ConverseStream(ctx, payload)

	asm := &assembler{
		id:      g.newID(),
		model:   req.Model,
		created: g.now().Unix(),
	}

	for event := range events {
		chunk := asm.next(event)
		if chunk == nil {
			continue
		}

		if len(chunk.Choices) == 0 {
			if req.StreamOptions != nil && req.StreamOptions.IncludeUsage {
				if err := send(ctx, chunks, chunk); err != nil {
					return nil, err
				}
			}
			continue
		}

		switch chunk.Choices[0].FinishReason {
		case "tool_calls":
			// The terminal tool_calls chunk is swallowed; the loop
			// resumes after the tool result is fed back. Trailing events
			// are discarded so the backend body is released before the
			// next leg starts.
			for range events {
			}
			if err := drain(errs); err != nil {
				return nil, err
			}
			return asm.call(), nil
		case "stop":
			if len(references) > 0 {
				citations := retrieve.FormatReferences(references)
				chunk.Choices[0].Delta = schema.ResponseMessage{Content: &citations}
			}
		}
		if err := send(ctx, chunks, chunk); err != nil {
			return nil, err
		}
	}
	if err := drain(errs); err != nil {
		return nil, err
	}
	return nil, send(ctx, chunks, nil)
}

// runStreamedCall executes an assembled tool call and emits the synthetic
// deltas the caller sees in place of the raw tool exchange. It returns the
// continuation request, or done=true when the leg loop must stop.
func (g *Gateway) runStreamedCall(ctx context.Context, req schema.ChatRequest, call *assistantCall, chunks chan<- *schema.ChatStreamResponse) (schema.ChatRequest, bool, error) {
	if g.orchestrator == nil {
		err := g.syntheticDelta(ctx, chunks, req.Model,
			fmt.Sprintf("\n```text\nThe model requested tool %s but tool execution is not configured.```\n", call.name))
		return schema.ChatRequest{}, true, err
	}

	args := string(call.args)
	if args == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		slog.Warn("discarding unparseable tool arguments", "tool", call.name)
		err := g.syntheticDelta(ctx, chunks, req.Model,
			fmt.Sprintf("\n```text\nAttempted to call tool %s with arguments: %s\nI was unable to parse the JSON.```\n", call.name, args))
		return schema.ChatRequest{}, true, err
	}
	call.args = json.RawMessage(args)

	result := g.orchestrator.Execute(ctx, call.id, call.name, call.args)
	if result.Success && (result.Rendering != "json" || len(result.ResultsJSON) < resultPreviewLimit) {
		preview := fmt.Sprintf("\n```%s\n%s\n```\n", result.Rendering, result.ResultsJSON)
		if err := g.syntheticDelta(ctx, chunks, req.Model, preview); err != nil {
			return schema.ChatRequest{}, false, err
		}
	}
	return continuation(req, *call, result), false, nil
}

// syntheticDelta emits a gateway-authored assistant delta with a stop
// finish. The caller owns the following terminator.
func (g *Gateway) syntheticDelta(ctx context.Context, chunks chan<- *schema.ChatStreamResponse, model, content string) error {
	return send(ctx, chunks, &schema.ChatStreamResponse{
		ID:      g.newID(),
		Object:  "chat.completion.chunk",
		Created: g.now().Unix(),
		Model:   model,
		Choices: []schema.ChoiceDelta{{
			Delta:        schema.Text(schema.RoleAssistant, content),
			FinishReason: "stop",
		}},
	})
}

func send(ctx context.Context, chunks chan<- *schema.ChatStreamResponse, chunk *schema.ChatStreamResponse) error {
	select {
	case chunks <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func drain(errs <-chan error) error {
	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

// assembler converts one leg's backend events into chunk deltas and
// accumulates the streamed tool call along the way.
type assembler struct {
	id      string
	model   string
	created int64

	callID    string
	callName  string
	fragments []string
}

// call returns the tool call accumulated over the leg.
func (a *assembler) call() *assistantCall {
	return &assistantCall{
		id:   a.callID,
		name: a.callName,
		args: json.RawMessage(strings.Join(a.fragments, "")),
	}
}

// next maps one backend event to a chunk, or nil when the event carries
// nothing the caller needs.
func (a *assembler) next(event converse.StreamEvent) *schema.ChatStreamResponse {
	switch {
	case event.MessageStart != nil:
		return a.chunk(schema.ChoiceDelta{Delta: schema.Text(schema.RoleAssistant, "")})

	case event.ContentBlockStart != nil:
		start := event.ContentBlockStart.Start.ToolUse
		if start == nil {
			return nil
		}
		a.callID = start.ToolUseID
		a.callName = start.Name
		a.fragments = a.fragments[:0]
		index := event.ContentBlockStart.ContentBlockIndex - 1
		return a.chunk(schema.ChoiceDelta{Delta: schema.ResponseMessage{
			ToolCalls: []schema.ToolCall{{
				Index: &index,
				ID:    start.ToolUseID,
				Type:  "function",
				Function: schema.ToolFunction{
					Name:      start.Name,
					Arguments: "",
				},
			}},
		}})

	case event.ContentBlockDelta != nil:
		delta := event.ContentBlockDelta.Delta
		if delta.Text != nil {
			return a.chunk(schema.ChoiceDelta{Delta: schema.ResponseMessage{Content: delta.Text}})
		}
		if delta.ToolUse != nil {
			a.fragments = append(a.fragments, delta.ToolUse.Input)
			index := event.ContentBlockDelta.ContentBlockIndex - 1
			return a.chunk(schema.ChoiceDelta{Delta: schema.ResponseMessage{
				ToolCalls: []schema.ToolCall{{
					Index:    &index,
					Function: schema.ToolFunction{Arguments: delta.ToolUse.Input},
				}},
			}})
		}
		return nil

	case event.MessageStop != nil:
		return a.chunk(schema.ChoiceDelta{
			FinishReason: translate.FinishReason(event.MessageStop.StopReason),
		})

	case event.Metadata != nil && event.Metadata.Usage != nil:
		usage := event.Metadata.Usage
		return &schema.ChatStreamResponse{
			ID:      a.id,
			Object:  "chat.completion.chunk",
			Created: a.created,
			Model:   a.model,
			Choices: []schema.ChoiceDelta{},
			Usage: &schema.Usage{
				PromptTokens:     usage.InputTokens,
				CompletionTokens: usage.OutputTokens,
				TotalTokens:      usage.TotalTokens,
			},
		}
	}
	return nil
}

func (a *assembler) chunk(choice schema.ChoiceDelta) *schema.ChatStreamResponse {
	return &schema.ChatStreamResponse{
		ID:      a.id,
		Object:  "chat.completion.chunk",
		Created: a.created,
		Model:   a.model,
		Choices: []schema.ChoiceDelta{choice},
	}
}
