package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pingcrew/internal/domain"
)

// FailoverProvider tries multiple providers in order, falling back to the
// next one when the current fails.
type FailoverProvider struct {
	providers []domain.Provider
	logger    *slog.Logger
}

// NewFailoverProvider creates a failover chain from the given providers.
func NewFailoverProvider(providers []domain.Provider, logger *slog.Logger) *FailoverProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailoverProvider{
		providers: providers,
		logger:    logger,
	}
}

func (fp *FailoverProvider) Name() string {
	names := make([]string, len(fp.providers))
	for i, p := range fp.providers {
		names[i] = p.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

// Models merges the model lists of every reachable provider.
func (fp *FailoverProvider) Models(ctx context.Context) ([]string, error) {
	var (
		all  []string
		errs []error
	)
	seen := make(map[string]bool)
	for _, p := range fp.providers {
		models, err := p.Models(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, m := range models {
			if !seen[m] {
				seen[m] = true
				all = append(all, m)
			}
		}
	}
	if len(all) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return all, nil
}

func (fp *FailoverProvider) Healthy(ctx context.Context) error {
	for _, p := range fp.providers {
		if err := p.Healthy(ctx); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no healthy provider in failover chain")
}

// Chat tries each provider in order and returns the first successful response.
// A cancelled context stops the chain.
func (fp *FailoverProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if len(fp.providers) == 0 {
		return nil, fmt.Errorf("failover chain is empty")
	}
	var lastErr error
	for i, p := range fp.providers {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			if i > 0 {
				fp.logger.Info("failover: used fallback provider", "provider", p.Name(), "attempt", i+1)
			}
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failover chain interrupted: %w", err)
		}
		fp.logger.Warn("failover: provider failed, trying next", "provider", p.Name(), "attempt", i+1, "error", err)
	}
	return nil, fmt.Errorf("all providers in failover chain failed: %w", lastErr)
}
