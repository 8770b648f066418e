package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-picar/internal/config"
	"github.com/teslashibe/go-picar/pkg/dispatch"
	"github.com/teslashibe/go-picar/pkg/reasoner"
)

const retryDelay = 200 * time.Millisecond

// newBackend builds the chat backend named by cfg.Backend. The chain backend
// tries OpenAI first and falls back to Gemini, skipping either when it has
// no credentials.
func newBackend(cfg config.LLMConfig, logger *slog.Logger) (reasoner.Backend, error) {
	switch cfg.Backend {
	case config.BackendOpenAI:
		return newOpenAI(cfg, logger)
	case config.BackendGemini:
		return newGemini(cfg, logger)
	case config.BackendChain:
		var backends []reasoner.Backend
		if cfg.OpenAIKey != "" || cfg.BaseURL != "" {
			b, err := newOpenAI(cfg, logger)
			if err != nil {
				return nil, err
			}
			backends = append(backends, b)
		}
		if cfg.GeminiKey != "" {
			b, err := newGemini(cfg, logger)
			if err != nil {
				return nil, err
			}
			backends = append(backends, b)
		}
		return reasoner.NewChain(logger, backends...)
	}
	return nil, fmt.Errorf("app: unknown llm backend %q", cfg.Backend)
}

func common(cfg config.LLMConfig, logger *slog.Logger) []reasoner.Option {
	return []reasoner.Option{
		reasoner.WithMaxTokens(cfg.MaxTokens),
		reasoner.WithTemperature(cfg.Temperature),
		reasoner.WithTimeout(cfg.RequestTimeout),
		reasoner.WithRetry(cfg.MaxRetries, retryDelay),
		reasoner.WithLogger(logger),
	}
}

func newOpenAI(cfg config.LLMConfig, logger *slog.Logger) (reasoner.Backend, error) {
	opts := append(common(cfg, logger),
		reasoner.WithAPIKey(cfg.OpenAIKey),
		reasoner.WithModel(cfg.Model),
	)
	if cfg.BaseURL != "" {
		opts = append(opts, reasoner.WithBaseURL(cfg.BaseURL))
	}
	return reasoner.NewClient(opts...)
}

func newGemini(cfg config.LLMConfig, logger *slog.Logger) (reasoner.Backend, error) {
	return reasoner.NewGemini(append(common(cfg, logger),
		reasoner.WithAPIKey(cfg.GeminiKey),
		reasoner.WithModel(cfg.GeminiModel),
	)...)
}

// actionInfo renders the dispatcher catalog for the prompt.
func actionInfo() []reasoner.ActionInfo {
	catalog := dispatch.Catalog()
	out := make([]reasoner.ActionInfo, len(catalog))
	for i, a := range catalog {
		out[i] = reasoner.ActionInfo{Name: a.Name, Description: a.Description}
	}
	return out
}
