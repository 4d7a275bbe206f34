package provider

import (
	"context"
	"fmt"
	"log"

	"github.com/mercatorhq/mercator/internal/pipeline"
)

// Chain tries each engine in order until one succeeds. Failures are
// logged and the next engine takes over; only when every engine has
// failed does the chain report an error.
type Chain struct {
	engines []Engine
	logger  *log.Logger
}

func NewChain(engines []Engine, logger *log.Logger) *Chain {
	if logger == nil {
		logger = log.New(log.Writer(), "[PROVIDER] ", log.LstdFlags)
	}
	return &Chain{engines: engines, logger: logger}
}

func (c *Chain) Name() string {
	if len(c.engines) == 1 {
		return c.engines[0].Name()
	}
	return "chain"
}

func (c *Chain) Generate(ctx context.Context, prompt string) (Result, error) {
	var lastErr error
	for _, engine := range c.engines {
		res, err := engine.Generate(ctx, prompt)
		if err == nil {
			return res, nil
		}
		lastErr = &pipeline.ProviderError{Provider: engine.Name(), Err: err}
		if ctx.Err() != nil {
			break
		}
		c.logger.Printf("provider %s failed, trying next: %v", engine.Name(), err)
	}
	if lastErr == nil {
		lastErr = &pipeline.ProviderError{Provider: "none", Err: fmt.Errorf("no engines configured")}
	}
	return Result{}, lastErr
}
