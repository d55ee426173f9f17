package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pingcrew/internal/config"
	"pingcrew/internal/domain"
)

// ProviderConstructor builds a provider from its config entry.
type ProviderConstructor func(name string, pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error)

// Factory creates and caches LLM providers from config. It is built once at
// startup and passed to whoever needs a provider.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	constructors map[string]ProviderConstructor
	cache        map[string]domain.Provider
	mu           sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]ProviderConstructor),
		cache:        make(map[string]domain.Provider),
	}
	f.constructors["ollama"] = newOllamaFromConfig
	f.constructors["openai"] = newOpenAIFromConfig
	f.constructors["anthropic"] = newAnthropicFromConfig
	return f
}

// RegisterConstructor adds (or replaces) the constructor for a provider type.
func (f *Factory) RegisterConstructor(kind string, ctor ProviderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

func providerTimeout(pc config.ProviderConfig) time.Duration {
	return time.Duration(pc.TimeoutSeconds) * time.Second
}

func newOllamaFromConfig(name string, pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error) {
	return NewOllama(OllamaConfig{
		APIBase:      pc.APIBase,
		DefaultModel: pc.DefaultModel,
		HTTPClient:   SharedHTTPClient(providerTimeout(pc)),
		Logger:       logger,
	})
}

func newOpenAIFromConfig(name string, pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error) {
	return NewOpenAI(OpenAIConfig{
		Name:       name,
		APIKey:     pc.APIKey,
		APIBase:    pc.APIBase,
		Model:      pc.DefaultModel,
		HTTPClient: SharedHTTPClient(providerTimeout(pc)),
		Logger:     logger,
	}), nil
}

func newAnthropicFromConfig(name string, pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error) {
	if pc.APIKey == "" {
		return nil, fmt.Errorf("apiKey is required")
	}
	return NewAnthropic(AnthropicConfig{
		Name:       name,
		APIKey:     pc.APIKey,
		APIBase:    pc.APIBase,
		Model:      pc.DefaultModel,
		HTTPClient: SharedHTTPClient(providerTimeout(pc)),
		Logger:     logger,
	}), nil
}

// Get returns the provider with the given name, or the default if name is empty.
// Instances are cached; double-checked locking keeps construction single.
func (f *Factory) Get(name string) (domain.Provider, error) {
	if name == "" {
		name = f.cfg.General.DefaultProvider
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}
	ctor, ok := f.constructors[pc.Kind(name)]
	if !ok {
		return nil, fmt.Errorf("provider %s: no constructor for type %q", name, pc.Kind(name))
	}

	p, err := ctor(name, pc, f.logger.With("provider", name))
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}
	f.cache[name] = p
	return p, nil
}

// DefaultProvider returns the configured default provider, wrapped in a
// failover chain when general.failoverChain is set.
func (f *Factory) DefaultProvider() (domain.Provider, error) {
	return f.WithFailover(f.cfg.General.DefaultProvider)
}

// WithFailover returns the named provider followed by the configured failover
// chain. Disabled or broken chain members are skipped with a warning.
func (f *Factory) WithFailover(name string) (domain.Provider, error) {
	primary, err := f.Get(name)
	if err != nil {
		return nil, err
	}
	if len(f.cfg.General.FailoverChain) == 0 {
		return primary, nil
	}
	if name == "" {
		name = f.cfg.General.DefaultProvider
	}

	chain := []domain.Provider{primary}
	for _, n := range f.cfg.General.FailoverChain {
		if n == name {
			continue
		}
		p, err := f.Get(n)
		if err != nil {
			f.logger.Warn("skipping failover provider", "provider", n, "err", err)
			continue
		}
		chain = append(chain, p)
	}
	if len(chain) == 1 {
		return primary, nil
	}
	return NewFailoverProvider(chain, f.logger), nil
}

// Names returns the enabled provider names, sorted.
func (f *Factory) Names() []string {
	var names []string
	for name, pc := range f.cfg.Providers {
		if pc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// HealthyProvider returns the first enabled provider that passes a health
// check, in name order, or nil.
func (f *Factory) HealthyProvider(ctx context.Context) domain.Provider {
	for _, name := range f.Names() {
		p, err := f.Get(name)
		if err != nil {
			continue
		}
		if p.Healthy(ctx) == nil {
			return p
		}
	}
	return nil
}
