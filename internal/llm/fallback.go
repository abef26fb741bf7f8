package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// FallbackProvider tries a chain of providers in order until one answers.
type FallbackProvider struct {
	providers []Provider
	logger    *slog.Logger
}

// NewFallbackProvider creates a provider that tries each provider in order.
// At least one provider is required.
func NewFallbackProvider(providers []Provider, logger *slog.Logger) *FallbackProvider {
	if len(providers) == 0 {
		panic("FallbackProvider requires at least one provider")
	}
	return &FallbackProvider{
		providers: providers,
		logger:    logger,
	}
}

// SendMessage returns the first successful response. A cancelled context stops
// the chain immediately; the remaining providers would fail the same way.
func (f *FallbackProvider) SendMessage(ctx context.Context, req *Request) (*Response, error) {
	var errs []error
	for i, p := range f.providers {
		resp, err := p.SendMessage(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "provider fallback succeeded",
					slog.String("provider", p.Name()),
					slog.Int("attempt", i+1),
				)
			}
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		if ctx.Err() != nil {
			break
		}
		f.logger.WarnContext(ctx, "provider failed, trying next",
			slog.String("provider", p.Name()),
			slog.String("error", err.Error()),
			slog.Int("remaining", len(f.providers)-i-1),
		)
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}

// Name returns the primary provider name with a fallback suffix.
func (f *FallbackProvider) Name() string {
	return f.providers[0].Name() + "+fallback"
}
