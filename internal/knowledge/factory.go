package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"whitenote/worker/internal/store"
)

const (
	ProviderRAGFlow = "ragflow"
	ProviderMeili   = "meilisearch"
)

// ConfigSource loads per-user settings.
type ConfigSource interface {
	GetAIConfig(ctx context.Context, userID string) (store.AIConfig, error)
}

// BackendFactory builds the knowledge-base client of a user from their AI
// settings. Clients are cached per endpoint and credential, each behind its
// own circuit breaker.
type BackendFactory struct {
	configs    ConfigSource
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]Backend
	build func(cfg store.AIConfig) (Backend, error)
}

func NewBackendFactory(configs ConfigSource, httpClient *http.Client, logger *slog.Logger) *BackendFactory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &BackendFactory{
		configs:    configs,
		httpClient: httpClient,
		logger:     logger,
		cache:      make(map[string]Backend),
	}
	f.build = f.buildBackend
	return f
}

func provider(cfg store.AIConfig) string {
	p := strings.ToLower(strings.TrimSpace(cfg.KBProvider))
	if p == "" {
		return ProviderRAGFlow
	}
	return p
}

// For returns the backend configured for userID, or ErrNotConfigured.
func (f *BackendFactory) For(ctx context.Context, userID string) (Backend, error) {
	cfg, err := f.configs.GetAIConfig(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no settings for user %s", ErrNotConfigured, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load ai config: %w", err)
	}
	if strings.TrimSpace(cfg.KBBaseURL) == "" {
		return nil, fmt.Errorf("%w: user %s has no knowledge base url", ErrNotConfigured, userID)
	}
	p := provider(cfg)
	if p == ProviderRAGFlow && cfg.KBAPIKey == "" {
		return nil, fmt.Errorf("%w: user %s has no ragflow api key", ErrNotConfigured, userID)
	}

	sum := sha256.Sum256([]byte(cfg.KBAPIKey))
	key := p + "|" + cfg.KBBaseURL + "|" + hex.EncodeToString(sum[:8])

	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.cache[key]; ok {
		return b, nil
	}
	b, err := f.build(cfg)
	if err != nil {
		return nil, err
	}
	b = WithBreaker(p+":"+cfg.KBBaseURL, b)
	f.cache[key] = b
	return b, nil
}

func (f *BackendFactory) buildBackend(cfg store.AIConfig) (Backend, error) {
	switch p := provider(cfg); p {
	case ProviderRAGFlow:
		return NewRAGFlow(cfg.KBBaseURL, cfg.KBAPIKey, f.httpClient, f.logger), nil
	case ProviderMeili:
		return NewMeili(cfg.KBBaseURL, cfg.KBAPIKey, f.logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrNotConfigured, p)
	}
}
