// Package tools executes model-requested tool calls through the external
// function-execution service and manages the tool-schema catalog.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"converse-gateway/internal/converse"
)

// ErrUnknownTool indicates the model named a tool absent from the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// ObjectStore is the narrow interface over the object-storage service that
// holds the tool-schema document.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// catalogEntry is one tool as stored in the schema document: the public
// spec plus the internal dispatch target, which is stripped before the spec
// is sent to the backend.
type catalogEntry struct {
	ToolSpec struct {
		Name        string               `json:"name"`
		Description string               `json:"description"`
		InputSchema converse.InputSchema `json:"inputSchema"`
		Target      string               `json:"target"`
	} `json:"toolSpec"`
}

// Catalog lazily loads the tool-schema document once and serves it as
// effectively-immutable shared state.
type Catalog struct {
	store  ObjectStore
	bucket string
	key    string

	once    sync.Once
	specs   []converse.Tool
	targets map[string]string
	loadErr error
}

// NewCatalog constructs a catalog backed by the given object-store location.
func NewCatalog(store ObjectStore, bucket, key string) *Catalog {
	return &Catalog{store: store, bucket: bucket, key: key}
}

func (c *Catalog) load(ctx context.Context) error {
	c.once.Do(func() {
		data, err := c.store.Get(ctx, c.bucket, c.key)
		if err != nil {
			c.loadErr = fmt.Errorf("load tool schema %s/%s: %w", c.bucket, c.key, err)
			return
		}

		var entries []catalogEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			c.loadErr = fmt.Errorf("parse tool schema %s/%s: %w", c.bucket, c.key, err)
			return
		}

		c.specs = make([]converse.Tool, 0, len(entries))
		c.targets = make(map[string]string, len(entries))
		for _, entry := range entries {
			c.specs = append(c.specs, converse.Tool{ToolSpec: converse.ToolSpec{
				Name:        entry.ToolSpec.Name,
				Description: entry.ToolSpec.Description,
				InputSchema: entry.ToolSpec.InputSchema,
			}})
			c.targets[entry.ToolSpec.Name] = entry.ToolSpec.Target
		}
	})
	return c.loadErr
}

// Config returns the tool specs to advertise to the backend, with dispatch
// targets stripped.
func (c *Catalog) Config(ctx context.Context) ([]converse.Tool, error) {
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return c.specs, nil
}

// Resolve maps a tool name to its dispatch target.
func (c *Catalog) Resolve(ctx context.Context, name string) (string, error) {
	if err := c.load(ctx); err != nil {
		return "", err
	}
	target, ok := c.targets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return target, nil
}
