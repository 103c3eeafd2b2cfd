package llm

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Provider profile keys. The fast profile is the platform default for RAG
// question answering; deep trades latency for capability.
const (
	ProviderFast     = "fast"
	ProviderDeep     = "deep"
	ProviderStandard = "standard"

	DefaultProvider = ProviderFast
)

type providerProfile struct {
	envPrefix string
	timeout   time.Duration
}

// Each profile reads <prefix>_BASE_URL, <prefix>_API_KEY, and <prefix>_MODEL_ID.
var providerProfiles = map[string]providerProfile{
	ProviderFast:     {envPrefix: "LLM_FAST", timeout: 15 * time.Second},
	ProviderDeep:     {envPrefix: "LLM_DEEP", timeout: 60 * time.Second},
	ProviderStandard: {envPrefix: "LLM", timeout: 30 * time.Second},
}

// ProviderConfig is one fully resolved LLM backend profile.
type ProviderConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	ModelID string
	Timeout time.Duration
}

// loadProviderConfig resolves a profile from the environment. A missing or
// unknown profile fails here, before any network traffic.
func loadProviderConfig(name string) (ProviderConfig, error) {
	profile, ok := providerProfiles[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("llm: unknown provider %q", name)
	}

	apiKey := strings.TrimSpace(os.Getenv(profile.envPrefix + "_API_KEY"))
	if apiKey == "" {
		return ProviderConfig{}, fmt.Errorf("llm: %s_API_KEY environment variable is required for provider %q", profile.envPrefix, name)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(os.Getenv(profile.envPrefix+"_BASE_URL")), "/")
	if baseURL == "" {
		return ProviderConfig{}, fmt.Errorf("llm: %s_BASE_URL environment variable is required for provider %q", profile.envPrefix, name)
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return ProviderConfig{}, fmt.Errorf("llm: invalid base URL %q for provider %q", baseURL, name)
	}

	modelID := strings.TrimSpace(os.Getenv(profile.envPrefix + "_MODEL_ID"))
	if modelID == "" {
		return ProviderConfig{}, fmt.Errorf("llm: %s_MODEL_ID environment variable is required for provider %q", profile.envPrefix, name)
	}

	return ProviderConfig{
		Name:    name,
		BaseURL: baseURL,
		APIKey:  apiKey,
		ModelID: modelID,
		Timeout: profile.timeout,
	}, nil
}

// Registry caches one client per provider profile. It is injected into
// whatever needs model access rather than living as package state.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*ChatClient
	load    func(string) (ProviderConfig, error)
}

// NewRegistry returns an empty registry backed by environment configuration.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*ChatClient),
		load:    loadProviderConfig,
	}
}

// NewRegistryWithLoader is the test seam for supplying canned configuration.
func NewRegistryWithLoader(load func(string) (ProviderConfig, error)) *Registry {
	return &Registry{
		clients: make(map[string]*ChatClient),
		load:    load,
	}
}

// Client resolves the named provider, constructing and caching its client on
// first use. An empty name selects the platform default profile.
func (r *Registry) Client(name string) (*ChatClient, error) {
	if r == nil {
		return nil, errors.New("llm: registry is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultProvider
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[name]; ok {
		return client, nil
	}

	config, err := r.load(name)
	if err != nil {
		return nil, err
	}
	client := NewChatClient(config)
	r.clients[name] = client
	return client, nil
}

// KnownProviders lists the configurable profile names.
func KnownProviders() []string {
	return []string{ProviderFast, ProviderDeep, ProviderStandard}
}

// IsKnownProvider reports whether name maps to a profile, treating empty as
// the default.
func IsKnownProvider(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return true
	}
	_, ok := providerProfiles[name]
	return ok
}
