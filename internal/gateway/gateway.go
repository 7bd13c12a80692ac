// Package gateway is the translation and orchestration engine: it reframes
// generic chat requests for the inference backend, reassembles complete and
// streamed responses, and drives the tool-call loop.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"converse-gateway/internal/converse"
	"converse-gateway/internal/retrieve"
	"converse-gateway/internal/schema"
	"converse-gateway/internal/tools"
	"converse-gateway/internal/translate"
)

// ErrTooManyLegs indicates the tool-call loop exceeded the configured
// ceiling without reaching a terminal finish reason.
var ErrTooManyLegs = errors.New("tool loop exceeded the maximum number of turns")

// Invoker is the narrow interface over the inference backend.
type Invoker interface {
	Converse(ctx context.Context, req *converse.Request) (*converse.Response, error)
	ConverseStream(ctx context.Context, req *converse.Request) (<-chan converse.StreamEvent, <-chan error)
}

// Augmenter injects retrieved documents into a translated request.
type Augmenter interface {
	Augment(ctx context.Context, req *converse.Request) ([]retrieve.Reference, error)
}

// Orchestrator executes one tool call and frames its outcome.
type Orchestrator interface {
	Execute(ctx context.Context, callID, name string, args json.RawMessage) *tools.Result
}

// Gateway wires the pipeline together. Augmenter and Orchestrator may be
// nil when the corresponding service is not configured.
type Gateway struct {
	invoker      Invoker
	translator   *translate.Translator
	augmenter    Augmenter
	orchestrator Orchestrator
	maxLegs      int

	now   func() time.Time
	newID func() string
}

// New constructs a gateway engine.
func New(invoker Invoker, translator *translate.Translator, augmenter Augmenter, orchestrator Orchestrator, maxLegs int) *Gateway {
	return &Gateway{
		invoker:      invoker,
		translator:   translator,
		augmenter:    augmenter,
		orchestrator: orchestrator,
		maxLegs:      maxLegs,
		now:          time.Now,
		newID: func() string {
			return "chatcmpl-" + uuid.NewString()
		},
	}
}

// prepare translates a request and runs retrieval augmentation on the
// result, collecting citations for later placement.
func (g *Gateway) prepare(ctx context.Context, req schema.ChatRequest) (*converse.Request, []retrieve.Reference, error) {
	payload, err := g.translator.Translate(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	var references []retrieve.Reference
	if g.augmenter != nil {
		references, err = g.augmenter.Augment(ctx, payload)
		if err != nil {
			return nil, nil, err
		}
	}
	return payload, references, nil
}

// continuation builds the next leg's request: the original messages plus an
// assistant message embedding the tool call and the tool-result message.
func continuation(req schema.ChatRequest, call assistantCall, result *tools.Result) schema.ChatRequest {
	assistant := schema.Message{
		Role: schema.RoleAssistant,
		ToolCalls: []schema.ToolCall{{
			ID:   call.id,
			Type: "function",
			Function: schema.ToolFunction{
				Name:      call.name,
				Arguments: string(call.args),
			},
		}},
	}
	return req.WithMessages(assistant, result.Message)
}

// assistantCall is the fully-assembled tool call of one leg.
type assistantCall struct {
	id   string
	name string
	args json.RawMessage
}
