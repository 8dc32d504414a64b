package embedding

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/config"
)

// FromConfig builds the configured provider wrapped in a Limiter. The same Limiter must be
// handed to the indexer and the retriever so the in-flight cap is global.
func FromConfig(cfg *config.EmbeddingConfig, logger *zap.Logger) (*Limiter, error) {
	var (
		provider Embedder
		err      error
	)
	switch cfg.Provider {
	case config.ProviderStub, "":
		provider = NewHashEmbedder(cfg.Dimensions)
	case config.ProviderNone:
		provider = NewDisabled(cfg.Dimensions)
	case config.ProviderOpenAI:
		provider, err = NewOpenAIEmbedder(OpenAIConfig{
			APIKey:     cfg.APIKey(),
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
			BatchSize:  cfg.BatchSize,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	return NewLimiter(provider, cfg.MaxInFlight, cfg.RequestsPerSecond), nil
}
