package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Input modalities a configured model may declare.
const (
	ModalityText  = "TEXT"
	ModalityImage = "IMAGE"
)

// Embedding model families with a known invocation body shape.
const EmbeddingFamilyCohere = "cohere"

const (
	defaultMaxTokens      = 32768
	defaultMaxLegs        = 25
	defaultScoreThreshold = 0.5
	defaultMaxDocuments   = 5
	defaultQueryLimit     = 998
	defaultTopK           = 50
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server     ServerConfig           `yaml:"server"`
	Backend    BackendConfig          `yaml:"backend"`
	Models     []ModelConfig          `yaml:"models"`
	Limits     LimitsConfig           `yaml:"limits"`
	Tools      ToolsConfig            `yaml:"tools"`
	Retrieval  RetrievalConfig        `yaml:"retrieval"`
	Guardrail  *GuardrailConfig       `yaml:"guardrail"`
	Embeddings []EmbeddingModelConfig `yaml:"embeddings"`
	MaxLegs    int                    `yaml:"max_legs"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// BackendConfig captures authentication and routing info for the inference
// backend.
type BackendConfig struct {
	BaseURL string            `yaml:"base_url"`
	APIKey  string            `yaml:"api_key"`
	Headers map[string]string `yaml:"headers"`
}

// ModelConfig describes a chat model exposed by the gateway together with
// the input modalities it supports.
type ModelConfig struct {
	ID         string   `yaml:"id"`
	Modalities []string `yaml:"modalities"`
}

// LimitsConfig selects per-model generation ceilings. Overrides are matched
// by model-name substring, first match wins.
type LimitsConfig struct {
	DefaultMaxTokens int             `yaml:"default_max_tokens"`
	Overrides        []LimitOverride `yaml:"overrides"`
}

// LimitOverride binds a model-name substring to a token ceiling.
type LimitOverride struct {
	Match     string `yaml:"match"`
	MaxTokens int    `yaml:"max_tokens"`
}

// ToolsConfig wires the function-execution service and the object-storage
// location of the tool-schema document. Leaving ExecutorURL empty disables
// tool access.
type ToolsConfig struct {
	ExecutorURL string `yaml:"executor_url"`
	StoreURL    string `yaml:"store_url"`
	Bucket      string `yaml:"bucket"`
	Key         string `yaml:"key"`
}

// RetrievalConfig wires the retrieval service. Leaving BaseURL empty
// disables retrieval augmentation.
type RetrievalConfig struct {
	BaseURL        string  `yaml:"base_url"`
	ScoreThreshold float64 `yaml:"score_threshold"`
	MaxDocuments   int     `yaml:"max_documents"`
	QueryLimit     int     `yaml:"query_limit"`
	TopK           int     `yaml:"top_k"`
}

// GuardrailConfig enables a backend guardrail and thread de-poisoning of
// its refusal messages.
type GuardrailConfig struct {
	Identifier    string `yaml:"identifier"`
	Version       string `yaml:"version"`
	RefusalPrefix string `yaml:"refusal_prefix"`
}

// EmbeddingModelConfig describes an embeddings model and its family.
type EmbeddingModelConfig struct {
	ID     string `yaml:"id"`
	Family string `yaml:"family"`
}

// Load reads YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Limits.DefaultMaxTokens == 0 {
		c.Limits.DefaultMaxTokens = defaultMaxTokens
	}
	if c.MaxLegs == 0 {
		c.MaxLegs = defaultMaxLegs
	}
	if c.Retrieval.ScoreThreshold == 0 {
		c.Retrieval.ScoreThreshold = defaultScoreThreshold
	}
	if c.Retrieval.MaxDocuments == 0 {
		c.Retrieval.MaxDocuments = defaultMaxDocuments
	}
	if c.Retrieval.QueryLimit == 0 {
		c.Retrieval.QueryLimit = defaultQueryLimit
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = defaultTopK
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return fmt.Errorf("backend.base_url must be provided")
	}
	for headerKey := range c.Backend.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("backend: header %q is not a valid canonical HTTP header", headerKey)
		}
	}

	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}
	for _, model := range c.Models {
		if strings.TrimSpace(model.ID) == "" {
			return fmt.Errorf("model id must not be empty")
		}
		for _, modality := range model.Modalities {
			switch modality {
			case ModalityText, ModalityImage:
			default:
				return fmt.Errorf("model %s: modality %q must be one of %q or %q", model.ID, modality, ModalityText, ModalityImage)
			}
		}
	}

	if c.Limits.DefaultMaxTokens <= 0 {
		return fmt.Errorf("limits.default_max_tokens must be positive")
	}
	for _, override := range c.Limits.Overrides {
		if strings.TrimSpace(override.Match) == "" {
			return fmt.Errorf("limits: override match must not be empty")
		}
		if override.MaxTokens <= 0 {
			return fmt.Errorf("limits: override %q max_tokens must be positive", override.Match)
		}
	}

	if c.Tools.ExecutorURL != "" {
		if strings.TrimSpace(c.Tools.StoreURL) == "" {
			return fmt.Errorf("tools.store_url must be provided when tools.executor_url is set")
		}
		if strings.TrimSpace(c.Tools.Bucket) == "" || strings.TrimSpace(c.Tools.Key) == "" {
			return fmt.Errorf("tools.bucket and tools.key must be provided when tools.executor_url is set")
		}
	}

	if c.Retrieval.BaseURL != "" {
		if c.Retrieval.ScoreThreshold < 0 || c.Retrieval.ScoreThreshold > 1 {
			return fmt.Errorf("retrieval.score_threshold must be within [0, 1]")
		}
		if c.Retrieval.MaxDocuments <= 0 {
			return fmt.Errorf("retrieval.max_documents must be positive")
		}
		if c.Retrieval.QueryLimit <= 0 {
			return fmt.Errorf("retrieval.query_limit must be positive")
		}
		if c.Retrieval.TopK <= 0 {
			return fmt.Errorf("retrieval.top_k must be positive")
		}
	}

	if c.Guardrail != nil {
		if strings.TrimSpace(c.Guardrail.Identifier) == "" || strings.TrimSpace(c.Guardrail.Version) == "" {
			return fmt.Errorf("guardrail.identifier and guardrail.version must both be provided")
		}
	}

	for _, embedding := range c.Embeddings {
		if strings.TrimSpace(embedding.ID) == "" {
			return fmt.Errorf("embeddings: model id must not be empty")
		}
		if embedding.Family != EmbeddingFamilyCohere {
			return fmt.Errorf("embeddings: model %s family %q is not supported", embedding.ID, embedding.Family)
		}
	}

	if c.MaxLegs <= 0 {
		return fmt.Errorf("max_legs must be positive")
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}
	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
