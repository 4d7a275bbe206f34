package provider

import (
	"context"
	"log"

	"github.com/mercatorhq/mercator/config"
)

// Result is one completed generation, with the usage the backend reported.
type Result struct {
	Text         string
	Provider     string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Engine is one concrete content backend.
type Engine interface {
	Name() string
	Generate(ctx context.Context, prompt string) (Result, error)
}

// New builds the engines named in cfg.Order. Engines without credentials
// are skipped rather than failing startup: the pipeline degrades to
// fallback content when no provider is reachable.
func New(ctx context.Context, cfg config.ProvidersConfig, logger *log.Logger) ([]Engine, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[PROVIDER] ", log.LstdFlags)
	}
	var engines []Engine
	for _, name := range cfg.Order {
		switch name {
		case "gemini":
			if cfg.Gemini.APIKey == "" {
				logger.Printf("gemini not configured, skipping")
				continue
			}
			g, err := NewGemini(ctx, cfg.Gemini)
			if err != nil {
				return nil, err
			}
			engines = append(engines, g)
		case "openai":
			engines = append(engines, NewOpenAI(cfg.OpenAI))
		}
	}
	if len(engines) == 0 {
		logger.Printf("no content providers configured: runs will settle through fallbacks")
	}
	return engines, nil
}

// Close releases resources held by closable engines.
func Close(engines []Engine) {
	for _, e := range engines {
		if c, ok := e.(interface{ Close() error }); ok {
			_ = c.Close()
		}
	}
}
