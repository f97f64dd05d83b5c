package intent

import (
	"context"
	"log/slog"

	"github.com/basket/taskchat/internal/config"
)

// FromConfig picks the reasoning backend for cfg. Without an API key the
// deterministic RulesBackend is used.
func FromConfig(ctx context.Context, cfg config.Config) (Backend, error) {
	key := cfg.LLMAPIKey()
	if key == "" {
		slog.Warn("no model API key configured; using deterministic rules backend", "provider", cfg.LLM.Provider)
		return RulesBackend{}, nil
	}
	if cfg.LLM.Provider == "openai_direct" {
		return NewOpenAIBackend(key, cfg.LLM.BaseURL, cfg.LLM.Model), nil
	}
	return NewGenkitBackend(ctx, GenkitConfig{
		Provider:           cfg.LLM.Provider,
		Model:              cfg.LLM.Model,
		APIKey:             key,
		BaseURL:            cfg.LLM.BaseURL,
		CompatibleProvider: cfg.LLM.CompatibleProvider,
	})
}

// ResolverOptions derives resolver settings from cfg.
func ResolverOptions(cfg config.Config, logger *slog.Logger) Options {
	return Options{
		MaxMessageChars: cfg.Chat.MaxMessageChars,
		Attempts:        cfg.Chat.BackendAttempts,
		AttemptTimeout:  cfg.BackendTimeout(),
		Logger:          logger,
	}
}
