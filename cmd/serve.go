package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"converse-gateway/internal/config"
	"converse-gateway/internal/converse"
	"converse-gateway/internal/embeddings"
	"converse-gateway/internal/gateway"
	"converse-gateway/internal/registry"
	"converse-gateway/internal/retrieve"
	"converse-gateway/internal/server"
	"converse-gateway/internal/tools"
	"converse-gateway/internal/translate"
)

const serveUsage = `Usage:
  converse-gateway serve --config <path> [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration`

// serviceTimeout bounds calls to the auxiliary services (retrieval, tool
// execution, image fetching). The backend client carries no timeout so
// that long streamed completions are not cut off.
const serviceTimeout = 60 * time.Second

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	backend, err := converse.NewClient(cfg.Backend, &http.Client{})
	if err != nil {
		return err
	}

	serviceClient := &http.Client{Timeout: serviceTimeout}

	reg := registry.FromConfig(cfg.Models)

	var toolSource translate.ToolSource
	var orchestrator gateway.Orchestrator
	if cfg.Tools.ExecutorURL != "" {
		store, err := tools.NewHTTPObjectStore(cfg.Tools.StoreURL, serviceClient)
		if err != nil {
			return err
		}
		executor, err := tools.NewHTTPExecutor(cfg.Tools.ExecutorURL, serviceClient)
		if err != nil {
			return err
		}
		catalog := tools.NewCatalog(store, cfg.Tools.Bucket, cfg.Tools.Key)
		toolSource = catalog
		orchestrator = tools.NewOrchestrator(catalog, executor)
	}

	var augmenter gateway.Augmenter
	if cfg.Retrieval.BaseURL != "" {
		retriever, err := retrieve.NewClient(cfg.Retrieval.BaseURL, serviceClient)
		if err != nil {
			return err
		}
		augmenter = retrieve.NewAugmenter(retriever, cfg.Retrieval)
	}

	translator := translate.New(reg, cfg.Limits, cfg.Guardrail, toolSource, serviceClient)
	engine := gateway.New(backend, translator, augmenter, orchestrator, cfg.MaxLegs)

	var embedder *embeddings.Service
	if len(cfg.Embeddings) > 0 {
		embedder = embeddings.New(backend, cfg.Embeddings)
	}

	srv, err := server.New(cfg, engine, reg, embedder)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
