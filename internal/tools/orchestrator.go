package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"converse-gateway/internal/converse"
	"converse-gateway/internal/schema"
)

// Executor is the narrow interface over the external function-execution
// service.
type Executor interface {
	Invoke(ctx context.Context, functionRef string, payload []byte) ([]byte, error)
}

// envelope is the fixed result contract of the function-execution service.
// It must be preserved exactly for compatibility with deployed tools.
type envelope struct {
	Success        bool            `json:"success"`
	Message        string          `json:"message"`
	DataType       string          `json:"data_type"`
	Results        json.RawMessage `json:"results"`
	MarkdownFormat string          `json:"markdown_format"`
}

// Result is the outcome of one tool execution: the tool message to append
// to the conversation, plus metadata used when surfacing the result to a
// streaming consumer.
type Result struct {
	Message schema.Message
	Success bool

	// Rendering is the declared display format of ResultsJSON.
	Rendering string
	// ResultsJSON is the serialized results payload, used for display
	// decisions and synthetic deltas.
	ResultsJSON string
}

// Orchestrator dispatches tool calls and frames their outcomes as tool
// messages. An execution failure is not fatal: it is folded into the
// conversation with error status so the model can react to it.
type Orchestrator struct {
	catalog  *Catalog
	executor Executor
}

// NewOrchestrator constructs an orchestrator over the catalog and executor.
func NewOrchestrator(catalog *Catalog, executor Executor) *Orchestrator {
	return &Orchestrator{catalog: catalog, executor: executor}
}

// Execute invokes the named tool with fully-assembled arguments and returns
// the tool message to feed into the next turn.
func (o *Orchestrator) Execute(ctx context.Context, callID, name string, args json.RawMessage) *Result {
	target, err := o.catalog.Resolve(ctx, name)
	if err != nil {
		return errorResult(callID, err.Error())
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	start := time.Now()
	slog.Info("invoking tool", "tool", name, "target", target)

	raw, err := o.executor.Invoke(ctx, target, args)
	if err != nil {
		return errorResult(callID, err.Error())
	}
	slog.Info("tool finished", "tool", name, "elapsed", time.Since(start))

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errorResult(callID, fmt.Sprintf("unable to parse tool output: %v", err))
	}

	kind := env.DataType
	if kind == "" {
		kind = schema.DataKindJSON
	}
	rendering := env.MarkdownFormat
	if rendering == "" {
		rendering = schema.DataKindJSON
	}

	if !env.Success {
		return errorResult(callID, env.Message)
	}

	content, err := frameContent(kind, env.Results)
	if err != nil {
		return errorResult(callID, err.Error())
	}

	return &Result{
		Message: schema.Message{
			Role:       schema.RoleTool,
			ToolCallID: callID,
			Result:     content,
			DataKind:   kind,
		},
		Success:     true,
		Rendering:   rendering,
		ResultsJSON: string(env.Results),
	}
}

// frameContent shapes the envelope's results per the declared data kind:
// json results are wrapped under a "results" key, text results pass through
// verbatim, and image results have their embedded byte payload base64
// decoded in place.
func frameContent(kind string, results json.RawMessage) (json.RawMessage, error) {
	switch kind {
	case schema.DataKindJSON:
		wrapped, err := json.Marshal(map[string]json.RawMessage{"results": results})
		if err != nil {
			return nil, fmt.Errorf("wrap tool results: %w", err)
		}
		return wrapped, nil

	case schema.DataKindText:
		return results, nil

	case schema.DataKindImage:
		var image struct {
			Format string `json:"format"`
			Source struct {
				Bytes string `json:"bytes"`
			} `json:"source"`
		}
		if err := json.Unmarshal(results, &image); err != nil {
			return nil, fmt.Errorf("parse image tool results: %w", err)
		}
		decoded, err := base64.StdEncoding.DecodeString(image.Source.Bytes)
		if err != nil {
			return nil, fmt.Errorf("decode image tool results: %w", err)
		}
		framed, err := json.Marshal(converse.ImageBlock{
			Format: image.Format,
			Source: converse.ImageSource{Bytes: decoded},
		})
		if err != nil {
			return nil, fmt.Errorf("frame image tool results: %w", err)
		}
		return framed, nil

	default:
		return nil, fmt.Errorf("unsupported tool data_type %q", kind)
	}
}

func errorResult(callID, message string) *Result {
	quoted, _ := json.Marshal(message)
	return &Result{
		Message: schema.Message{
			Role:       schema.RoleTool,
			ToolCallID: callID,
			Result:     quoted,
			Status:     "error",
			DataKind:   schema.DataKindText,
		},
		Rendering: schema.DataKindText,
	}
}
