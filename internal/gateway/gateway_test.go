package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"converse-gateway/internal/config"
	"converse-gateway/internal/converse"
	"converse-gateway/internal/registry"
	"converse-gateway/internal/retrieve"
	"converse-gateway/internal/schema"
	"converse-gateway/internal/tools"
	"converse-gateway/internal/translate"
)

type fakeInvoker struct {
	responses []*converse.Response
	streams   [][]converse.StreamEvent
	requests  []*converse.Request
	opened    []chan converse.StreamEvent
}

func (f *fakeInvoker) Converse(_ context.Context, req *converse.Request) (*converse.Response, error) {
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return nil, errors.New("no scripted response left")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeInvoker) ConverseStream(_ context.Context, req *converse.Request) (<-chan converse.StreamEvent, <-chan error) {
	f.requests = append(f.requests, req)

	events := make(chan converse.StreamEvent, 32)
	errs := make(chan error, 1)
	f.opened = append(f.opened, events)
	if len(f.streams) == 0 {
		errs <- errors.New("no scripted stream left")
		close(events)
		close(errs)
		return events, errs
	}

	leg := f.streams[0]
	f.streams = f.streams[1:]
	go func() {
		defer close(events)
		defer close(errs)
		for _, event := range leg {
			events <- event
		}
	}()
	return events, errs
}

type fakeOrchestrator struct {
	result  *tools.Result
	calls   int
	gotName string
	gotArgs string
}

func (f *fakeOrchestrator) Execute(_ context.Context, callID, name string, args json.RawMessage) *tools.Result {
	f.calls++
	f.gotName = name
	f.gotArgs = string(args)
	if f.result != nil {
		return f.result
	}
	return &tools.Result{
		Message: schema.Message{
			Role:       schema.RoleTool,
			ToolCallID: callID,
			Result:     json.RawMessage(`"42"`),
			DataKind:   schema.DataKindText,
		},
		Success:     true,
		Rendering:   "text",
		ResultsJSON: "42",
	}
}

type fakeAugmenter struct {
	references []retrieve.Reference
}

func (f *fakeAugmenter) Augment(context.Context, *converse.Request) ([]retrieve.Reference, error) {
	return f.references, nil
}

func newTestGateway(invoker Invoker, augmenter Augmenter, orchestrator Orchestrator, maxLegs int) *Gateway {
	reg := registry.FromConfig([]config.ModelConfig{
		{ID: "claude-3-sonnet", Modalities: []string{config.ModalityText}},
	})
	translator := translate.New(reg, config.LimitsConfig{DefaultMaxTokens: 4096}, nil, nil, nil)

	g := New(invoker, translator, augmenter, orchestrator, maxLegs)
	g.newID = func() string { return "chatcmpl-test" }
	g.now = func() time.Time { return time.Unix(1700000000, 0) }
	return g
}

func userRequest(text string) schema.ChatRequest {
	return schema.ChatRequest{
		Model: "claude-3-sonnet",
		Messages: []schema.Message{{
			Role:  schema.RoleUser,
			Parts: []schema.ContentPart{{Type: schema.PartText, Text: text}},
		}},
	}
}

func textResponse(text, stopReason string) *converse.Response {
	return &converse.Response{
		Output: converse.Output{Message: converse.Message{
			Role:    converse.RoleAssistant,
			Content: []converse.ContentBlock{converse.TextBlock(text)},
		}},
		StopReason: stopReason,
		Usage:      converse.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

func toolUseResponse(callID, name, args string) *converse.Response {
	return &converse.Response{
		Output: converse.Output{Message: converse.Message{
			Role: converse.RoleAssistant,
			Content: []converse.ContentBlock{{ToolUse: &converse.ToolUseBlock{
				ToolUseID: callID,
				Name:      name,
				Input:     json.RawMessage(args),
			}}},
		}},
		StopReason: converse.StopReasonToolUse,
		Usage:      converse.TokenUsage{InputTokens: 8, OutputTokens: 3, TotalTokens: 11},
	}
}

func TestChatSimple(t *testing.T) {
	invoker := &fakeInvoker{responses: []*converse.Response{textResponse("hi there", "end_turn")}}
	orchestrator := &fakeOrchestrator{}
	g := newTestGateway(invoker, nil, orchestrator, 25)

	resp, references, err := g.Chat(context.Background(), userRequest("hello"))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	if orchestrator.calls != 0 {
		t.Fatalf("orchestrator invoked %d times", orchestrator.calls)
	}
	if len(references) != 0 {
		t.Fatalf("unexpected references: %+v", references)
	}
	if resp.ID != "chatcmpl-test" || resp.Object != "chat.completion" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	choice := resp.Choices[0]
	if choice.FinishReason != "stop" || choice.Message.Content == nil || *choice.Message.Content != "hi there" {
		t.Fatalf("unexpected choice: %+v", choice)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
}

func TestChatToolLoop(t *testing.T) {
	invoker := &fakeInvoker{responses: []*converse.Response{
		toolUseResponse("call_1", "lookup", `{"q":"go"}`),
		textResponse("the answer is 42", "end_turn"),
	}}
	orchestrator := &fakeOrchestrator{}
	g := newTestGateway(invoker, nil, orchestrator, 25)

	resp, _, err := g.Chat(context.Background(), userRequest("lookup go"))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	if orchestrator.calls != 1 {
		t.Fatalf("expected one tool execution, got %d", orchestrator.calls)
	}
	if orchestrator.gotName != "lookup" || orchestrator.gotArgs != `{"q":"go"}` {
		t.Fatalf("unexpected execution: %s %s", orchestrator.gotName, orchestrator.gotArgs)
	}
	if len(invoker.requests) != 2 {
		t.Fatalf("expected two backend legs, got %d", len(invoker.requests))
	}

	// The follow-up leg carries the tool exchange: the user turn, the
	// assistant toolUse, and the result riding on a user turn.
	second := invoker.requests[1]
	if len(second.Messages) != 3 {
		t.Fatalf("unexpected continuation shape: %d messages", len(second.Messages))
	}
	if second.Messages[1].Content[0].ToolUse == nil {
		t.Fatalf("missing toolUse in continuation: %+v", second.Messages[1])
	}
	if second.Messages[2].Content[0].ToolResult == nil {
		t.Fatalf("missing toolResult in continuation: %+v", second.Messages[2])
	}

	if *resp.Choices[0].Message.Content != "the answer is 42" {
		t.Fatalf("unexpected final content: %+v", resp.Choices[0].Message)
	}
}

func TestChatWithoutOrchestratorReturnsToolCalls(t *testing.T) {
	invoker := &fakeInvoker{responses: []*converse.Response{
		toolUseResponse("call_1", "lookup", `{"q":"go"}`),
	}}
	g := newTestGateway(invoker, nil, nil, 25)

	resp, _, err := g.Chat(context.Background(), userRequest("lookup go"))
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	choice := resp.Choices[0]
	if choice.FinishReason != "tool_calls" {
		t.Fatalf("unexpected finish reason: %q", choice.FinishReason)
	}
	if len(choice.Message.ToolCalls) != 1 || choice.Message.ToolCalls[0].Function.Name != "lookup" {
		t.Fatalf("unexpected tool calls: %+v", choice.Message.ToolCalls)
	}
}

func TestChatTooManyLegs(t *testing.T) {
	invoker := &fakeInvoker{responses: []*converse.Response{
		toolUseResponse("call_1", "lookup", `{}`),
		toolUseResponse("call_2", "lookup", `{}`),
		toolUseResponse("call_3", "lookup", `{}`),
	}}
	g := newTestGateway(invoker, nil, &fakeOrchestrator{}, 2)

	_, _, err := g.Chat(context.Background(), userRequest("loop forever"))
	if !errors.Is(err, ErrTooManyLegs) {
		t.Fatalf("expected ErrTooManyLegs, got %v", err)
	}
}

func TestChatUnsupportedModel(t *testing.T) {
	g := newTestGateway(&fakeInvoker{}, nil, nil, 25)

	req := userRequest("hello")
	req.Model = "gpt-oss"
	_, _, err := g.Chat(context.Background(), req)
	if !errors.Is(err, registry.ErrUnsupportedModel) {
		t.Fatalf("expected ErrUnsupportedModel, got %v", err)
	}
}

func textLeg(text, stopReason string) []converse.StreamEvent {
	return []converse.StreamEvent{
		{MessageStart: &converse.MessageStartEvent{Role: "assistant"}},
		{ContentBlockDelta: &converse.ContentBlockDeltaEvent{
			ContentBlockIndex: 0,
			Delta:             converse.BlockDelta{Text: &text},
		}},
		{ContentBlockStop: &converse.ContentBlockStopEvent{ContentBlockIndex: 0}},
		{MessageStop: &converse.MessageStopEvent{StopReason: stopReason}},
		{Metadata: &converse.MetadataEvent{Usage: &converse.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}}},
	}
}

func toolCallLeg(callID, name string, fragments ...string) []converse.StreamEvent {
	events := []converse.StreamEvent{
		{MessageStart: &converse.MessageStartEvent{Role: "assistant"}},
		{ContentBlockStart: &converse.ContentBlockStartEvent{
			ContentBlockIndex: 1,
			Start:             converse.BlockStart{ToolUse: &converse.ToolUseStart{ToolUseID: callID, Name: name}},
		}},
	}
	for _, fragment := range fragments {
		events = append(events, converse.StreamEvent{ContentBlockDelta: &converse.ContentBlockDeltaEvent{
			ContentBlockIndex: 1,
			Delta:             converse.BlockDelta{ToolUse: &converse.ToolUseDelta{Input: fragment}},
		}})
	}
	events = append(events,
		converse.StreamEvent{ContentBlockStop: &converse.ContentBlockStopEvent{ContentBlockIndex: 1}},
		converse.StreamEvent{MessageStop: &converse.MessageStopEvent{StopReason: "tool_use"}},
	)
	return events
}

func collect(t *testing.T, chunks <-chan *schema.ChatStreamResponse, errs <-chan error) []*schema.ChatStreamResponse {
	t.Helper()
	var collected []*schema.ChatStreamResponse
	for chunk := range chunks {
		collected = append(collected, chunk)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	return collected
}

func TestChatStreamSimple(t *testing.T) {
	invoker := &fakeInvoker{streams: [][]converse.StreamEvent{textLeg("hi there", "end_turn")}}
	g := newTestGateway(invoker, nil, nil, 25)

	chunks, errs, err := g.ChatStream(context.Background(), userRequest("hello"))
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	collected := collect(t, chunks, errs)

	// Role delta, text delta, finish delta, terminator. Usage is dropped
	// without stream_options.
	if len(collected) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(collected))
	}
	if collected[0].Choices[0].Delta.Role != schema.RoleAssistant {
		t.Fatalf("expected role delta first: %+v", collected[0])
	}
	if *collected[1].Choices[0].Delta.Content != "hi there" {
		t.Fatalf("unexpected text delta: %+v", collected[1])
	}
	if collected[2].Choices[0].FinishReason != "stop" {
		t.Fatalf("unexpected finish: %+v", collected[2])
	}
	if collected[3] != nil {
		t.Fatalf("expected trailing terminator, got %+v", collected[3])
	}
	for _, chunk := range collected[:3] {
		if chunk.Object != "chat.completion.chunk" {
			t.Fatalf("unexpected object: %q", chunk.Object)
		}
	}
}

func TestChatStreamIncludeUsage(t *testing.T) {
	invoker := &fakeInvoker{streams: [][]converse.StreamEvent{textLeg("hi", "end_turn")}}
	g := newTestGateway(invoker, nil, nil, 25)

	req := userRequest("hello")
	req.StreamOptions = &schema.StreamOptions{IncludeUsage: true}

	chunks, errs, err := g.ChatStream(context.Background(), req)
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	collected := collect(t, chunks, errs)

	if len(collected) != 5 {
		t.Fatalf("expected 5 chunks, got %d", len(collected))
	}
	usage := collected[3]
	if len(usage.Choices) != 0 || usage.Usage == nil || usage.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage chunk: %+v", usage)
	}
}

func TestChatStreamToolLoop(t *testing.T) {
	invoker := &fakeInvoker{streams: [][]converse.StreamEvent{
		toolCallLeg("call_1", "lookup", `{"q":`, `"go"}`),
		textLeg("the answer is 42", "end_turn"),
	}}
	orchestrator := &fakeOrchestrator{}
	g := newTestGateway(invoker, nil, orchestrator, 25)

	chunks, errs, err := g.ChatStream(context.Background(), userRequest("lookup go"))
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	collected := collect(t, chunks, errs)

	if orchestrator.calls != 1 {
		t.Fatalf("expected one tool execution, got %d", orchestrator.calls)
	}
	if orchestrator.gotArgs != `{"q":"go"}` {
		t.Fatalf("fragments not concatenated: %q", orchestrator.gotArgs)
	}
	if len(invoker.requests) != 2 {
		t.Fatalf("expected two backend legs, got %d", len(invoker.requests))
	}

	// Leg one: role delta, tool intro, two fragment deltas, synthetic
	// result preview, terminator. The tool_calls finish chunk itself is
	// swallowed. Leg two: role, text, finish, terminator.
	if len(collected) != 10 {
		t.Fatalf("expected 10 chunks, got %d", len(collected))
	}

	intro := collected[1].Choices[0].Delta.ToolCalls[0]
	if intro.ID != "call_1" || intro.Function.Name != "lookup" || *intro.Index != 0 {
		t.Fatalf("unexpected tool intro: %+v", intro)
	}
	if got := collected[2].Choices[0].Delta.ToolCalls[0].Function.Arguments; got != `{"q":` {
		t.Fatalf("unexpected first fragment: %q", got)
	}

	preview := collected[4].Choices[0]
	if preview.FinishReason != "stop" || !strings.Contains(*preview.Delta.Content, "```text\n42\n```") {
		t.Fatalf("unexpected result preview: %+v", preview)
	}
	if collected[5] != nil {
		t.Fatalf("expected leg terminator, got %+v", collected[5])
	}

	for _, chunk := range collected[:5] {
		if chunk == nil {
			t.Fatal("unexpected terminator inside first leg")
		}
		if len(chunk.Choices) == 1 && chunk.Choices[0].FinishReason == "tool_calls" {
			t.Fatalf("tool_calls finish chunk must not be forwarded: %+v", chunk)
		}
	}

	final := collected[8].Choices[0]
	if final.FinishReason != "stop" {
		t.Fatalf("unexpected final finish: %+v", final)
	}
	if collected[9] != nil {
		t.Fatalf("expected trailing terminator, got %+v", collected[9])
	}
}

func TestChatStreamArgumentParseFailure(t *testing.T) {
	invoker := &fakeInvoker{streams: [][]converse.StreamEvent{
		toolCallLeg("call_1", "lookup", `{"q": oops`),
	}}
	orchestrator := &fakeOrchestrator{}
	g := newTestGateway(invoker, nil, orchestrator, 25)

	chunks, errs, err := g.ChatStream(context.Background(), userRequest("lookup go"))
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	collected := collect(t, chunks, errs)

	if orchestrator.calls != 0 {
		t.Fatalf("tool must not run on unparseable arguments, ran %d times", orchestrator.calls)
	}
	if len(invoker.requests) != 1 {
		t.Fatalf("no continuation leg expected, got %d", len(invoker.requests))
	}

	synthetic := collected[len(collected)-2]
	if synthetic == nil || synthetic.Choices[0].FinishReason != "stop" {
		t.Fatalf("expected synthetic stop delta: %+v", synthetic)
	}
	if !strings.Contains(*synthetic.Choices[0].Delta.Content, "unable to parse the JSON") {
		t.Fatalf("unexpected synthetic content: %q", *synthetic.Choices[0].Delta.Content)
	}
	if collected[len(collected)-1] != nil {
		t.Fatal("expected trailing terminator")
	}
}

func TestChatStreamLargeJSONResultNotPreviewed(t *testing.T) {
	big := strings.Repeat("x", resultPreviewLimit)
	orchestrator := &fakeOrchestrator{result: &tools.Result{
		Message: schema.Message{
			Role:       schema.RoleTool,
			ToolCallID: "call_1",
			Result:     json.RawMessage(`{"results":{}}`),
			DataKind:   schema.DataKindJSON,
		},
		Success:     true,
		Rendering:   "json",
		ResultsJSON: big,
	}}
	invoker := &fakeInvoker{streams: [][]converse.StreamEvent{
		toolCallLeg("call_1", "lookup", `{}`),
		textLeg("done", "end_turn"),
	}}
	g := newTestGateway(invoker, nil, orchestrator, 25)

	chunks, errs, err := g.ChatStream(context.Background(), userRequest("lookup go"))
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	collected := collect(t, chunks, errs)

	for _, chunk := range collected {
		if chunk == nil || len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == nil {
			continue
		}
		if strings.Contains(*chunk.Choices[0].Delta.Content, big) {
			t.Fatal("oversized json result must not be previewed")
		}
	}
	if orchestrator.calls != 1 || len(invoker.requests) != 2 {
		t.Fatalf("loop did not continue: calls=%d legs=%d", orchestrator.calls, len(invoker.requests))
	}
}

func TestChatStreamReferencesOverrideFinalDelta(t *testing.T) {
	invoker := &fakeInvoker{streams: [][]converse.StreamEvent{textLeg("raw answer", "end_turn")}}
	augmenter := &fakeAugmenter{references: []retrieve.Reference{
		{Title: "Doc A", URL: "https://kb/a"},
	}}
	g := newTestGateway(invoker, augmenter, nil, 25)

	chunks, errs, err := g.ChatStream(context.Background(), userRequest("@kb question"))
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	collected := collect(t, chunks, errs)

	final := collected[2].Choices[0]
	if final.FinishReason != "stop" {
		t.Fatalf("unexpected finish: %+v", final)
	}
	if final.Delta.Content == nil || !strings.Contains(*final.Delta.Content, "##### References:") {
		t.Fatalf("references not attached: %+v", final.Delta)
	}
	if !strings.Contains(*final.Delta.Content, "[Doc A](https://kb/a)") {
		t.Fatalf("citation missing: %q", *final.Delta.Content)
	}
	// Only the opening delta carries the role.
	if final.Delta.Role != "" {
		t.Fatalf("role re-emitted on final delta: %+v", final.Delta)
	}
}

func TestChatStreamToolLegDrainsBackendEvents(t *testing.T) {
	toolLeg := append(toolCallLeg("call_1", "lookup", `{"q":"go"}`),
		converse.StreamEvent{Metadata: &converse.MetadataEvent{Usage: &converse.TokenUsage{InputTokens: 8, OutputTokens: 3, TotalTokens: 11}}})
	invoker := &fakeInvoker{streams: [][]converse.StreamEvent{
		toolLeg,
		textLeg("done", "end_turn"),
	}}
	g := newTestGateway(invoker, nil, &fakeOrchestrator{}, 25)

	chunks, errs, err := g.ChatStream(context.Background(), userRequest("lookup go"))
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	collect(t, chunks, errs)

	if len(invoker.opened) != 2 {
		t.Fatalf("expected two backend legs, got %d", len(invoker.opened))
	}
	// Events trailing the tool_use stop must be consumed so the backend
	// body is released before the next leg.
	if pending := len(invoker.opened[0]); pending != 0 {
		t.Fatalf("first leg left %d events unread", pending)
	}
}

func TestChatStreamUnsupportedModelFailsBeforeStreaming(t *testing.T) {
	g := newTestGateway(&fakeInvoker{}, nil, nil, 25)

	req := userRequest("hello")
	req.Model = "gpt-oss"
	_, _, err := g.ChatStream(context.Background(), req)
	if !errors.Is(err, registry.ErrUnsupportedModel) {
		t.Fatalf("expected ErrUnsupportedModel, got %v", err)
	}
}

func TestChatStreamTooManyLegs(t *testing.T) {
	invoker := &fakeInvoker{streams: [][]converse.StreamEvent{
		toolCallLeg("call_1", "lookup", `{}`),
		toolCallLeg("call_2", "lookup", `{}`),
		toolCallLeg("call_3", "lookup", `{}`),
	}}
	g := newTestGateway(invoker, nil, &fakeOrchestrator{}, 2)

	chunks, errs, err := g.ChatStream(context.Background(), userRequest("loop forever"))
	if err != nil {
		t.Fatalf("chat stream: %v", err)
	}
	for range chunks {
	}
	if err := <-errs; !errors.Is(err, ErrTooManyLegs) {
		t.Fatalf("expected ErrTooManyLegs, got %v", err)
	}
}
