package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/derekparent/wheelhouse/config"
	"github.com/derekparent/wheelhouse/models"
	openai_provider "github.com/derekparent/wheelhouse/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI Client = "openai"
)

// ErrNotConfigured signals that no usable provider is configured. Chat
// surfaces it as a non-fatal error; augmentation hides itself.
var ErrNotConfigured = errors.New("llm provider not configured")

// Provider is the opaque text-in/token-stream-out generation service.
type Provider interface {
	// Stream starts a generation and returns a channel of token
	// chunks. The channel is closed when generation completes; caller
	// context cancellation tears down the upstream call.
	Stream(ctx context.Context, req models.GenerationRequest) (<-chan models.Chunk, error)
}

// NewProvider creates the text-generation client for the configured
// provider.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch Client(cfg.Provider) {
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, ErrNotConfigured
		}
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		return openai_provider.New(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Temperature, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}
